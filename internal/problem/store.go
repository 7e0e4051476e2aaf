package problem

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/mind-engage/mindengage-webwork/internal/settings"
)

// Store persists instances, course settings and student state.
type Store interface {
	GetInstance(ctx context.Context, id string) (Instance, error)
	PutInstance(ctx context.Context, in Instance) error

	GetCourseSettings(ctx context.Context, courseID string) (settings.CourseSettings, error)
	PutCourseSettings(ctx context.Context, cs settings.CourseSettings) error

	// GetStudent returns ErrNotFound when the student never opened the problem.
	GetStudent(ctx context.Context, k Key) (StudentState, error)
	// UpdateStudent runs fn on the current state (zero value when absent) and stores
	// the result atomically. When fn returns an error nothing is written.
	UpdateStudent(ctx context.Context, k Key, fn func(*StudentState) error) (StudentState, error)

	// PSVN returns the stored version number of psvnKey for a student, creating
	// one with gen when absent.
	PSVN(ctx context.Context, courseID, userID string, psvnKey int, gen func() int) (int, error)
}

// PSVNMax bounds freshly generated version numbers: they are uniform in [1, PSVNMax].
const PSVNMax = 500000

// RandomPSVN is the default generator for Store.PSVN.
func RandomPSVN() int { return 1 + rand.IntN(PSVNMax) }

type psvnKey struct {
	courseID, userID string
	key              int
}

// MemoryStore keeps everything in process memory.
type MemoryStore struct {
	mu        sync.Mutex
	instances map[string]Instance
	courses   map[string]settings.CourseSettings
	students  map[Key]StudentState
	psvns     map[psvnKey]int
	now       func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		instances: map[string]Instance{},
		courses:   map[string]settings.CourseSettings{},
		students:  map[Key]StudentState{},
		psvns:     map[psvnKey]int{},
		now:       time.Now,
	}
}

func (s *MemoryStore) GetInstance(_ context.Context, id string) (Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	in, ok := s.instances[id]
	if !ok {
		return Instance{}, ErrNotFound
	}
	return in, nil
}

func (s *MemoryStore) PutInstance(_ context.Context, in Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.instances[in.ID] = in
	return nil
}

func (s *MemoryStore) GetCourseSettings(_ context.Context, courseID string) (settings.CourseSettings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cs, ok := s.courses[courseID]
	if !ok {
		return settings.CourseSettings{}, ErrNotFound
	}
	return cs, nil
}

func (s *MemoryStore) PutCourseSettings(_ context.Context, cs settings.CourseSettings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.courses[cs.CourseID] = cs
	return nil
}

func (s *MemoryStore) GetStudent(_ context.Context, k Key) (StudentState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.students[k]
	if !ok {
		return StudentState{}, ErrNotFound
	}
	return st.Clone(), nil
}

func (s *MemoryStore) UpdateStudent(_ context.Context, k Key, fn func(*StudentState) error) (StudentState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.students[k].Clone()
	if err := fn(&st); err != nil {
		return StudentState{}, err
	}
	st.UpdatedAt = s.now().UTC()
	s.students[k] = st.Clone()
	return st, nil
}

func (s *MemoryStore) PSVN(_ context.Context, courseID, userID string, key int, gen func() int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pk := psvnKey{courseID, userID, key}
	if v, ok := s.psvns[pk]; ok {
		return v, nil
	}
	v := gen()
	s.psvns[pk] = v
	return v, nil
}
