// Package store provides PostgreSQL-backed durable storage for
// events, processing attempts, rules, and rule executions.
//
// The store owns every piece of cross-worker coordination:
//
//   - Ingest dedup: UPSERT on the unique external_id, bumping
//     received_count instead of inserting a second row.
//   - Claiming: the oldest pending event is selected FOR UPDATE SKIP
//     LOCKED, flipped to processing, and given a fresh attempt row in
//     one transaction. At most one worker holds an event at a time.
//   - Replay dedup: rule_executions is the history the engine consults
//     before re-running a non-idempotent action for a rule version it
//     already completed against an event.
//   - Recovery: processing rows older than a cutoff go back to pending
//     and their orphaned attempts close as failed.
//
// Execution rows keep rule_id and rule_version_id without foreign
// keys so the audit trail survives rule deletion.
//
// Everything runs through database/sql (pgx stdlib driver) with sqlx
// scanning, so tests exercise the real SQL against sqlmock.
package store
