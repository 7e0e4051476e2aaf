package gradebook

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

var ErrNotFound = errors.New("gradebook: not found")

// SQLStore implements Store on the gradebook_lineitems and grade_sync_status tables.
type SQLStore struct{ DB *sql.DB }

func (s *SQLStore) UpsertLineItem(ctx context.Context, li LineItem) (LineItem, error) {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO gradebook_lineitems (problem_id, context_id, label, score_max, line_item_url)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (problem_id, context_id)
		DO UPDATE SET
			label=EXCLUDED.label,
			score_max=EXCLUDED.score_max,
			line_item_url=EXCLUDED.line_item_url`,
		li.ProblemID, li.ContextID, li.Label, li.ScoreMax, li.LineItemURL)
	return li, err
}

func (s *SQLStore) FindLineItem(ctx context.Context, problemID, contextID string) (LineItem, error) {
	var li LineItem
	err := s.DB.QueryRowContext(ctx, `
		SELECT problem_id, context_id, label, score_max, line_item_url
		FROM gradebook_lineitems
		WHERE problem_id=$1 AND context_id=$2`, problemID, contextID).
		Scan(&li.ProblemID, &li.ContextID, &li.Label, &li.ScoreMax, &li.LineItemURL)
	if errors.Is(err, sql.ErrNoRows) {
		return LineItem{}, ErrNotFound
	}
	return li, err
}

func (s *SQLStore) MarkSyncPending(ctx context.Context, key string) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO grade_sync_status (sync_key, status, retries, updated_at)
		VALUES ($1,'pending',0,$2)
		ON CONFLICT (sync_key)
		DO UPDATE SET status='pending', updated_at=EXCLUDED.updated_at`,
		key, time.Now().Unix())
	return err
}

func (s *SQLStore) MarkSyncOK(ctx context.Context, key string) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE grade_sync_status
		   SET status='ok', last_error='', updated_at=$2
		 WHERE sync_key=$1`, key, time.Now().Unix())
	return err
}

func (s *SQLStore) MarkSyncFailed(ctx context.Context, key, lastErr string) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO grade_sync_status (sync_key, status, retries, last_error, updated_at)
		VALUES ($1,'failed',1,$2,$3)
		ON CONFLICT (sync_key)
		DO UPDATE SET
			status='failed',
			retries=grade_sync_status.retries+1,
			last_error=EXCLUDED.last_error,
			updated_at=EXCLUDED.updated_at`,
		key, lastErr, time.Now().Unix())
	return err
}

func (s *SQLStore) GetSyncStatus(ctx context.Context, key string) (SyncStatus, error) {
	var st SyncStatus
	err := s.DB.QueryRowContext(ctx, `SELECT status, last_error, retries FROM grade_sync_status WHERE sync_key=$1`, key).
		Scan(&st.Status, &st.LastError, &st.Retries)
	if errors.Is(err, sql.ErrNoRows) {
		return SyncStatus{}, ErrNotFound
	}
	return st, err
}
