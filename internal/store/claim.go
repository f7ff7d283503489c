package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

const claimNextSQL = `SELECT ` + eventColumns + ` FROM events
WHERE state = 'pending'
ORDER BY created_at ASC, id ASC
LIMIT 1
FOR UPDATE SKIP LOCKED`

const markProcessingSQL = `UPDATE events
SET state = 'processing', processing_started_at = now()
WHERE id = $1`

const insertAttemptSQL = `INSERT INTO event_attempts (event_id)
VALUES ($1)
RETURNING id, started_at`

const recoverStuckSQL = `UPDATE events
SET state = 'pending', processing_started_at = NULL
WHERE state = 'processing' AND processing_started_at < now() - make_interval(secs => $1)
RETURNING ` + eventColumns

const failOrphanAttemptsSQL = `UPDATE event_attempts
SET status = 'failed',
    error = $2,
    finished_at = now(),
    duration_ms = (EXTRACT(EPOCH FROM (now() - started_at)) * 1000)::BIGINT
WHERE event_id = ANY($1) AND status IS NULL`

// ClaimNext reserves the oldest pending event for the calling worker.
//
// The select takes a row lock and skips rows locked by other sessions,
// so concurrent workers never observe the same event. The state flip
// and the attempt insert commit together with the lock; a crash before
// commit leaves the event pending. Returns nil when the queue is
// empty.
func (s *Store) ClaimNext(ctx context.Context) (*ClaimedEvent, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin claim transaction: %w", err)
	}
	defer tx.Rollback()

	var ev Event
	if err := tx.GetContext(ctx, &ev, claimNextSQL); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to select next pending event: %w", err)
	}

	if _, err := tx.ExecContext(ctx, markProcessingSQL, ev.ID); err != nil {
		return nil, fmt.Errorf("failed to mark event %d processing: %w", ev.ID, err)
	}

	var attempt struct {
		ID        int64     `db:"id"`
		StartedAt time.Time `db:"started_at"`
	}
	if err := tx.GetContext(ctx, &attempt, insertAttemptSQL, ev.ID); err != nil {
		return nil, fmt.Errorf("failed to create attempt for event %d: %w", ev.ID, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit claim: %w", err)
	}

	ev.State = StateProcessing
	s.log.Debug("event claimed",
		zap.Int64("event_id", ev.ID),
		zap.Int64("attempt_id", attempt.ID))
	return &ClaimedEvent{Event: ev, AttemptID: attempt.ID, StartedAt: attempt.StartedAt}, nil
}

// RecoverStuck returns events stuck in processing longer than
// olderThan to the pending queue and closes their orphaned attempts
// as failed. Run after worker crashes, or on the janitor schedule.
func (s *Store) RecoverStuck(ctx context.Context, olderThan time.Duration) ([]Event, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin recovery transaction: %w", err)
	}
	defer tx.Rollback()

	events := []Event{}
	if err := tx.SelectContext(ctx, &events, recoverStuckSQL, int64(olderThan.Seconds())); err != nil {
		return nil, fmt.Errorf("failed to recover stuck events: %w", err)
	}
	if len(events) == 0 {
		return events, tx.Commit()
	}

	ids := make([]int64, len(events))
	for i, ev := range events {
		ids[i] = ev.ID
	}
	reason := fmt.Sprintf("processing exceeded timeout after %s; requeued by recovery", olderThan)
	if _, err := tx.ExecContext(ctx, failOrphanAttemptsSQL, ids, reason); err != nil {
		return nil, fmt.Errorf("failed to close orphaned attempts: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit recovery: %w", err)
	}

	s.log.Warn("stuck events requeued",
		zap.Int("count", len(events)),
		zap.Duration("older_than", olderThan))
	return events, nil
}
