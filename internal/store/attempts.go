package store

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

const attemptColumns = `id, event_id, status, error, started_at, finished_at, duration_ms`

const listAttemptsSQL = `SELECT ` + attemptColumns + ` FROM event_attempts
WHERE event_id = $1
ORDER BY started_at DESC, id DESC`

const listExecutionsSQL = `SELECT e.id, e.attempt_id, e.rule_id, e.rule_version_id, e.result, e.error, e.executed_at,
	r.name AS rule_name, rv.version AS rule_version
FROM rule_executions e
LEFT JOIN rules r ON r.id = e.rule_id
LEFT JOIN rule_versions rv ON rv.id = e.rule_version_id
WHERE e.attempt_id = ANY($1)
ORDER BY e.id ASC`

const insertExecutionSQL = `INSERT INTO rule_executions (attempt_id, rule_id, rule_version_id, result, error)
VALUES ($1, $2, $3, $4, $5)`

const hasCompletedExecutionSQL = `SELECT EXISTS (
	SELECT 1 FROM rule_executions re
	JOIN event_attempts a ON a.id = re.attempt_id
	WHERE a.event_id = $1 AND re.rule_version_id = $2 AND re.result IN ('applied', 'deduped')
)`

const finalizeAttemptSQL = `UPDATE event_attempts
SET status = $2,
    error = $3,
    finished_at = now(),
    duration_ms = (EXTRACT(EPOCH FROM (now() - started_at)) * 1000)::BIGINT
WHERE id = $1`

const settleEventSQL = `UPDATE events
SET state = $2, processed_at = now(), processing_started_at = NULL
WHERE id = $1`

const requeueEventSQL = `UPDATE events
SET state = 'pending', processing_started_at = NULL
WHERE id = $1`

// ListAttempts returns an event's attempts newest first, each with its
// rule executions in execution order. Rule names and versions are
// joined for display and come back nil for rules deleted since.
func (s *Store) ListAttempts(ctx context.Context, eventID int64) ([]Attempt, error) {
	attempts := []Attempt{}
	if err := s.db.SelectContext(ctx, &attempts, listAttemptsSQL, eventID); err != nil {
		return nil, fmt.Errorf("failed to list attempts for event %d: %w", eventID, err)
	}
	if len(attempts) == 0 {
		return attempts, nil
	}

	ids := make([]int64, len(attempts))
	byID := make(map[int64]int, len(attempts))
	for i := range attempts {
		attempts[i].Executions = []Execution{}
		ids[i] = attempts[i].ID
		byID[attempts[i].ID] = i
	}

	executions := []Execution{}
	if err := s.db.SelectContext(ctx, &executions, listExecutionsSQL, ids); err != nil {
		return nil, fmt.Errorf("failed to list executions for event %d: %w", eventID, err)
	}
	for _, exec := range executions {
		i := byID[exec.AttemptID]
		attempts[i].Executions = append(attempts[i].Executions, exec)
	}
	return attempts, nil
}

// InsertExecution records one rule outcome within an attempt.
func (s *Store) InsertExecution(ctx context.Context, rec ExecutionRecord) error {
	_, err := s.db.ExecContext(ctx, insertExecutionSQL,
		rec.AttemptID, rec.RuleID, rec.RuleVersionID, rec.Result, rec.Error)
	if err != nil {
		return fmt.Errorf("failed to record execution for attempt %d: %w", rec.AttemptID, err)
	}
	return nil
}

// HasCompletedExecution reports whether any prior attempt for the
// event already completed the given rule version. This is the replay
// dedup predicate: applied and deduped both count as completed, so a
// non-idempotent action fires at most once per (event, rule version)
// no matter how often the event is replayed.
func (s *Store) HasCompletedExecution(ctx context.Context, eventID, ruleVersionID int64) (bool, error) {
	var exists bool
	if err := s.db.GetContext(ctx, &exists, hasCompletedExecutionSQL, eventID, ruleVersionID); err != nil {
		return false, fmt.Errorf("failed to check execution history for event %d: %w", eventID, err)
	}
	return exists, nil
}

// FinalizeAttempt closes an attempt and settles its event in one
// transaction so readers never observe a finished attempt on an event
// still marked processing. A pending target state requeues the event
// (the timeout unwind); processed and failed are terminal and stamp
// processed_at.
func (s *Store) FinalizeAttempt(ctx context.Context, p FinalizeParams) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin finalize transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, finalizeAttemptSQL, p.AttemptID, p.Status, p.Error); err != nil {
		return fmt.Errorf("failed to finalize attempt %d: %w", p.AttemptID, err)
	}

	switch p.EventState {
	case StatePending:
		if _, err := tx.ExecContext(ctx, requeueEventSQL, p.EventID); err != nil {
			return fmt.Errorf("failed to requeue event %d: %w", p.EventID, err)
		}
	case StateProcessed, StateFailed:
		if _, err := tx.ExecContext(ctx, settleEventSQL, p.EventID, p.EventState); err != nil {
			return fmt.Errorf("failed to settle event %d: %w", p.EventID, err)
		}
	default:
		return fmt.Errorf("cannot finalize event %d into state %q", p.EventID, p.EventState)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit finalize: %w", err)
	}

	s.log.Debug("attempt finalized",
		zap.Int64("attempt_id", p.AttemptID),
		zap.Int64("event_id", p.EventID),
		zap.String("status", string(p.Status)),
		zap.String("event_state", string(p.EventState)))
	return nil
}
