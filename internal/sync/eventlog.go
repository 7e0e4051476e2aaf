package syncx

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"sync"
	"time"
)

// Event types appended by the submission service.
const (
	TypeSubmissionRecorded     = "SubmissionRecorded"
	TypeCorrectAnswersRevealed = "CorrectAnswersRevealed"
)

type Event struct {
	Offset    int64  `json:"offset"`
	SiteID    string `json:"site_id"`
	Type      string `json:"typ"`
	Key       string `json:"key"`
	DataJSON  string `json:"data"`
	CreatedAt int64  `json:"created_at"`
}

// Appender is what producers of events depend on.
type Appender interface {
	Append(ctx context.Context, e Event) error
}

// NewEvent builds an event with data marshalled as its JSON payload.
func NewEvent(typ, key string, data any) (Event, error) {
	buf, err := json.Marshal(data)
	if err != nil {
		return Event{}, err
	}
	return Event{SiteID: "local", Type: typ, Key: key, DataJSON: string(buf)}, nil
}

type EventRepo struct{ db *sql.DB }

func NewEventRepo(db *sql.DB) *EventRepo { return &EventRepo{db: db} }

func (r *EventRepo) Append(ctx context.Context, e Event) error {
	if e.SiteID == "" {
		e.SiteID = "local"
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO event_log (site_id, typ, key, data, created_at)
		 VALUES ($1,$2,$3,$4,$5)`,
		e.SiteID, e.Type, e.Key, e.DataJSON, time.Now().Unix())
	return err
}

// ListByKey returns the events of one natural key, oldest first.
func (r *EventRepo) ListByKey(ctx context.Context, key string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT "offset", site_id, typ, key, data, created_at FROM event_log
		 WHERE key=$1 ORDER BY "offset" LIMIT $2`, key, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

// Search returns the most recent events whose type or key contains q.
func (r *EventRepo) Search(ctx context.Context, q string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT "offset", site_id, typ, key, data, created_at FROM event_log
		 WHERE typ LIKE '%'||$1||'%' OR key LIKE '%'||$1||'%'
		 ORDER BY "offset" DESC LIMIT $2`, q, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]Event, error) {
	var out []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.Offset, &e.SiteID, &e.Type, &e.Key, &e.DataJSON, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// MemoryLog keeps events in memory.
type MemoryLog struct {
	mu     sync.Mutex
	events []Event
}

func (m *MemoryLog) Append(_ context.Context, e Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.Offset = int64(len(m.events) + 1)
	e.CreatedAt = time.Now().Unix()
	m.events = append(m.events, e)
	return nil
}

func (m *MemoryLog) ListByKey(_ context.Context, key string, limit int) ([]Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Event
	for _, e := range m.events {
		if e.Key == key {
			out = append(out, e)
		}
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// Search returns the most recent events whose type or key contains q.
func (m *MemoryLog) Search(_ context.Context, q string, limit int) ([]Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 {
		limit = 100
	}
	var out []Event
	for i := len(m.events) - 1; i >= 0 && len(out) < limit; i-- {
		if e := m.events[i]; strings.Contains(e.Type, q) || strings.Contains(e.Key, q) {
			out = append(out, e)
		}
	}
	return out, nil
}
