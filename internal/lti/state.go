package lti

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

const stateTTL = 10 * time.Minute

type pending struct {
	nonce   string
	target  string
	expires time.Time
}

// StateStore remembers login initiations until the platform posts the launch back.
// Each state is accepted once.
type StateStore struct {
	mu  sync.Mutex
	m   map[string]pending
	now func() time.Time
}

func NewStateStore() *StateStore {
	return &StateStore{m: map[string]pending{}, now: time.Now}
}

// Begin returns a fresh state and nonce bound to target.
func (s *StateStore) Begin(target string) (state, nonce string) {
	state, nonce = uuid.NewString(), uuid.NewString()
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for k, p := range s.m {
		if now.After(p.expires) {
			delete(s.m, k)
		}
	}
	s.m[state] = pending{nonce: nonce, target: target, expires: now.Add(stateTTL)}
	return state, nonce
}

func (s *StateStore) take(state string) (pending, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.m[state]
	delete(s.m, state)
	if !ok || s.now().After(p.expires) {
		return pending{}, false
	}
	return p, true
}
