package gradebook

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mind-engage/mindengage-webwork/internal/metrics"
)

type Clock func() time.Time

// AGSPublisher binds one line item per problem and course and posts scores to it.
type AGSPublisher struct {
	Store Store
	AGS   AGSClient
	Now   Clock
	Log   *zap.Logger
}

func NewAGSPublisher(store Store, ags AGSClient, now Clock, log *zap.Logger) *AGSPublisher {
	if now == nil {
		now = time.Now
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &AGSPublisher{Store: store, AGS: ags, Now: now, Log: log}
}

// EnsureLineItem returns the bound line item for g, reusing a platform item with the
// problem's resource id before creating a new one.
func (p *AGSPublisher) EnsureLineItem(ctx context.Context, g Grade) (LineItem, error) {
	if li, err := p.Store.FindLineItem(ctx, g.ProblemID, g.CourseID); err == nil && li.LineItemURL != "" {
		return li, nil
	}
	if g.LineItemsURL == "" {
		return LineItem{}, errors.New("missing lineitems_url")
	}

	items, err := p.AGS.ListLineItems(ctx, g.LineItemsURL, map[string]string{"resource_id": g.ProblemID})
	if err == nil {
		for _, it := range items {
			if it.ResourceID == g.ProblemID {
				return p.Store.UpsertLineItem(ctx, LineItem{
					ProblemID: g.ProblemID, ContextID: g.CourseID,
					Label: it.Label, ScoreMax: it.ScoreMaximum, LineItemURL: it.ID,
				})
			}
		}
	} else {
		p.Log.Warn("list line items failed, creating", zap.String("problem", g.ProblemID), zap.Error(err))
	}
	created, err := p.AGS.CreateLineItem(ctx, g.LineItemsURL, CreateLineItemReq{
		Label: g.Label, ScoreMaximum: g.MaxScore, ResourceID: g.ProblemID,
	})
	if err != nil {
		return LineItem{}, fmt.Errorf("create line item: %w", err)
	}
	return p.Store.UpsertLineItem(ctx, LineItem{
		ProblemID: g.ProblemID, ContextID: g.CourseID,
		Label: created.Label, ScoreMax: created.ScoreMaximum, LineItemURL: created.ID,
	})
}

// Publish posts g and records the outcome in the sync status table. It does not retry.
func (p *AGSPublisher) Publish(ctx context.Context, g Grade) error {
	err := p.publish(ctx, g)
	outcome := "ok"
	if err != nil {
		outcome = "failed"
	}
	metrics.GradePublish.WithLabelValues(outcome).Inc()
	return err
}

func (p *AGSPublisher) publish(ctx context.Context, g Grade) error {
	key := g.key()
	_ = p.Store.MarkSyncPending(ctx, key)

	li, err := p.EnsureLineItem(ctx, g)
	if err != nil {
		_ = p.Store.MarkSyncFailed(ctx, key, err.Error())
		return err
	}
	ts := g.Timestamp
	if ts.IsZero() {
		ts = p.Now()
	}
	if err := p.AGS.PostScore(ctx, li.LineItemURL, Score{
		UserID: g.UserID, ScoreGiven: g.Score, ScoreMaximum: g.MaxScore,
		ActivityProgress: "Submitted", GradingProgress: "FullyGraded",
		Timestamp: ts,
	}); err != nil {
		_ = p.Store.MarkSyncFailed(ctx, key, err.Error())
		return err
	}
	return p.Store.MarkSyncOK(ctx, key)
}
