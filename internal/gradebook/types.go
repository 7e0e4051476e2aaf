// Package gradebook publishes best scores to an LTI Assignment and Grade Services gradebook.
package gradebook

import (
	"context"
	"time"
)

// Grade is one best-score publication for a student and problem.
type Grade struct {
	CourseID  string
	ProblemID string
	UserID    string
	Label     string
	Score     float64
	MaxScore  float64
	// LineItemsURL is the course's AGS line items container.
	LineItemsURL string
	Timestamp    time.Time
}

func (g Grade) key() string { return StatusKey(g.CourseID, g.ProblemID, g.UserID) }

// StatusKey addresses the sync status row of one student and problem.
func StatusKey(courseID, problemID, userID string) string {
	return courseID + "/" + problemID + "/" + userID
}

// Publisher receives every improved best score exactly once.
type Publisher interface {
	Publish(ctx context.Context, g Grade) error
}

// NopPublisher drops grades. Used when no gradebook is configured.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Grade) error { return nil }

type LineItem struct {
	ProblemID   string
	ContextID   string
	Label       string
	ScoreMax    float64
	LineItemURL string // absolute URL
}

// Sync status values kept in grade_sync_status.
const (
	StatusPending = "pending"
	StatusOK      = "ok"
	StatusFailed  = "failed"
)

type SyncStatus struct {
	Status    string
	LastError string
	Retries   int
}

// Store keeps line item bindings and publication status.
type Store interface {
	FindLineItem(ctx context.Context, problemID, contextID string) (LineItem, error)
	UpsertLineItem(ctx context.Context, li LineItem) (LineItem, error)

	MarkSyncPending(ctx context.Context, key string) error
	MarkSyncOK(ctx context.Context, key string) error
	MarkSyncFailed(ctx context.Context, key, lastErr string) error
	GetSyncStatus(ctx context.Context, key string) (SyncStatus, error)
}

// AGSLineItem is a line item as the platform reports it.
type AGSLineItem struct {
	ID, Label, ResourceID string
	ScoreMaximum          float64
}

type CreateLineItemReq struct {
	Label        string
	ScoreMaximum float64
	ResourceID   string
}

type Score struct {
	UserID, ActivityProgress, GradingProgress string
	ScoreGiven, ScoreMaximum                  float64
	Timestamp                                 time.Time
}

type AGSClient interface {
	ListLineItems(ctx context.Context, lineItemsURL string, q map[string]string) ([]AGSLineItem, error)
	CreateLineItem(ctx context.Context, lineItemsURL string, req CreateLineItemReq) (AGSLineItem, error)
	PostScore(ctx context.Context, lineItemURL string, s Score) error
}
