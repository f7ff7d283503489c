package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/sluice-io/sluice/internal/fault"
)

// eventColumns is the canonical select list for event rows. Every
// query that scans into Event uses it so the column order never
// drifts between queries and tests.
const eventColumns = `id, external_id, type, payload, state, received_count, created_at, processing_started_at, processed_at, replayed_at`

const ingestEventSQL = `INSERT INTO events (external_id, type, payload)
VALUES ($1, $2, $3)
ON CONFLICT (external_id) DO UPDATE SET received_count = events.received_count + 1
RETURNING ` + eventColumns + `, received_count > 1 AS deduplicated`

const getEventSQL = `SELECT ` + eventColumns + ` FROM events WHERE id = $1`

const getEventStateSQL = `SELECT state FROM events WHERE id = $1`

const replayEventSQL = `UPDATE events
SET state = 'pending', replayed_at = now(), processing_started_at = NULL
WHERE id = $1 AND state IN ('processed', 'failed')
RETURNING ` + eventColumns

const replayBatchSQL = `UPDATE events
SET state = 'pending', replayed_at = now(), processing_started_at = NULL
WHERE id = ANY($1) AND state IN ('processed', 'failed')
RETURNING ` + eventColumns

const eventStatsSQL = `SELECT
	COUNT(*) AS total,
	COUNT(*) FILTER (WHERE state = 'pending') AS pending,
	COUNT(*) FILTER (WHERE state = 'processing') AS processing,
	COUNT(*) FILTER (WHERE state = 'processed') AS processed,
	COUNT(*) FILTER (WHERE state = 'failed') AS failed,
	COUNT(*) FILTER (WHERE state = 'failed' AND COALESCE(processed_at, created_at) > now() - INTERVAL '24 hours') AS failed_last_24h
FROM events`

// Ingest inserts an event, or bumps received_count when the external
// id is already known. The upsert makes concurrent duplicate delivery
// safe: exactly one row exists per external id, and the RETURNING
// clause reports whether this call created it.
func (s *Store) Ingest(ctx context.Context, externalID, eventType string, payload []byte) (IngestResult, error) {
	var row struct {
		Event
		Deduplicated bool `db:"deduplicated"`
	}
	if err := s.db.GetContext(ctx, &row, ingestEventSQL, externalID, eventType, payload); err != nil {
		return IngestResult{}, fmt.Errorf("failed to ingest event: %w", err)
	}
	if row.Deduplicated {
		s.log.Debug("duplicate event ingested",
			zap.String("external_id", externalID),
			zap.Int("received_count", row.ReceivedCount))
	}
	return IngestResult{Event: row.Event, Deduplicated: row.Deduplicated}, nil
}

// GetEvent fetches one event by id.
func (s *Store) GetEvent(ctx context.Context, id int64) (Event, error) {
	var ev Event
	if err := s.db.GetContext(ctx, &ev, getEventSQL, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Event{}, fault.NotFound("event", id)
		}
		return Event{}, fmt.Errorf("failed to get event %d: %w", id, err)
	}
	return ev, nil
}

// ListEvents returns one page of events matching the filter, newest
// first, plus the total match count for pagination.
func (s *Store) ListEvents(ctx context.Context, filter EventFilter) ([]Event, int64, error) {
	where, args := filter.where()
	limit, offset := filter.Page()

	var total int64
	if err := s.db.GetContext(ctx, &total, `SELECT COUNT(*) FROM events`+where, args...); err != nil {
		return nil, 0, fmt.Errorf("failed to count events: %w", err)
	}

	query := fmt.Sprintf(`SELECT %s FROM events%s ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d`,
		eventColumns, where, len(args)+1, len(args)+2)
	args = append(args, limit, offset)

	events := []Event{}
	if err := s.db.SelectContext(ctx, &events, query, args...); err != nil {
		return nil, 0, fmt.Errorf("failed to list events: %w", err)
	}
	return events, total, nil
}

// Stats aggregates event counts under the filter. The failed_last_24h
// window uses the terminal timestamp when one exists so long-lived
// rows that failed recently still count.
func (s *Store) Stats(ctx context.Context, filter EventFilter) (EventStats, error) {
	where, args := filter.where()

	var stats EventStats
	if err := s.db.GetContext(ctx, &stats, eventStatsSQL+where, args...); err != nil {
		return EventStats{}, fmt.Errorf("failed to aggregate event stats: %w", err)
	}
	return stats, nil
}

// Replay returns a terminal event to the pending queue. It fails with
// a not-found error when the id is unknown and a conflict error when
// the event is pending or processing.
func (s *Store) Replay(ctx context.Context, id int64) (Event, error) {
	var ev Event
	err := s.db.GetContext(ctx, &ev, replayEventSQL, id)
	if err == nil {
		s.log.Info("event replayed", zap.Int64("event_id", id))
		return ev, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return Event{}, fmt.Errorf("failed to replay event %d: %w", id, err)
	}

	// The guarded update matched nothing. Distinguish a missing event
	// from one in a non-replayable state.
	var state EventState
	if err := s.db.GetContext(ctx, &state, getEventStateSQL, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Event{}, fault.NotFound("event", id)
		}
		return Event{}, fmt.Errorf("failed to inspect event %d: %w", id, err)
	}
	return Event{}, fault.Conflict("event %d cannot be replayed while %s; only processed or failed events are replayable", id, state).
		WithDetails(map[string]any{"event_id": id, "state": state})
}

// ReplayBatch returns every listed event that is currently terminal to
// the pending queue and reports the replayed rows. Unknown ids and
// events in non-replayable states are silently excluded; callers
// compare the result length against the request to report counts.
func (s *Store) ReplayBatch(ctx context.Context, ids []int64) ([]Event, error) {
	events := []Event{}
	if err := s.db.SelectContext(ctx, &events, replayBatchSQL, ids); err != nil {
		return nil, fmt.Errorf("failed to replay events: %w", err)
	}
	s.log.Info("events replayed in batch",
		zap.Int("requested", len(ids)),
		zap.Int("replayed", len(events)))
	return events, nil
}
