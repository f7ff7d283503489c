package store

import (
	"time"

	"github.com/jmoiron/sqlx/types"
)

// EventState is the lifecycle state of an event.
type EventState string

const (
	// StatePending marks an event waiting to be claimed.
	StatePending EventState = "pending"

	// StateProcessing marks an event claimed by a worker.
	StateProcessing EventState = "processing"

	// StateProcessed marks an event whose last attempt succeeded.
	StateProcessed EventState = "processed"

	// StateFailed marks an event whose last attempt failed.
	StateFailed EventState = "failed"
)

// Event is one ingested event row.
type Event struct {
	ID                  int64          `db:"id" json:"id"`
	ExternalID          string         `db:"external_id" json:"external_id"`
	Type                string         `db:"type" json:"type"`
	Payload             types.JSONText `db:"payload" json:"payload"`
	State               EventState     `db:"state" json:"state"`
	ReceivedCount       int            `db:"received_count" json:"received_count"`
	CreatedAt           time.Time      `db:"created_at" json:"created_at"`
	ProcessingStartedAt *time.Time     `db:"processing_started_at" json:"processing_started_at"`
	ProcessedAt         *time.Time     `db:"processed_at" json:"processed_at"`
	ReplayedAt          *time.Time     `db:"replayed_at" json:"replayed_at"`
}

// IngestResult reports the outcome of an ingest upsert.
type IngestResult struct {
	Event Event

	// Deduplicated is true when the external id was already known and
	// only received_count changed.
	Deduplicated bool
}

// AttemptStatus is the terminal status of a processing attempt.
type AttemptStatus string

const (
	// AttemptSuccess marks an attempt where no rule failed.
	AttemptSuccess AttemptStatus = "success"

	// AttemptFailed marks an attempt with at least one rule failure,
	// or one abandoned by timeout or recovery.
	AttemptFailed AttemptStatus = "failed"
)

// Attempt is one processing attempt. Status is nil while in flight.
type Attempt struct {
	ID         int64          `db:"id" json:"id"`
	EventID    int64          `db:"event_id" json:"event_id"`
	Status     *AttemptStatus `db:"status" json:"status"`
	Error      *string        `db:"error" json:"error"`
	StartedAt  time.Time      `db:"started_at" json:"started_at"`
	FinishedAt *time.Time     `db:"finished_at" json:"finished_at"`
	DurationMS *int64         `db:"duration_ms" json:"duration_ms"`

	// Executions are the per-rule outcomes, populated on reads.
	Executions []Execution `db:"-" json:"executions"`
}

// ClaimedEvent pairs a claimed event with its open attempt.
type ClaimedEvent struct {
	Event     Event
	AttemptID int64
	StartedAt time.Time
}

// ExecutionResult classifies one rule execution.
type ExecutionResult string

const (
	// ResultApplied means the condition matched and the action ran.
	ResultApplied ExecutionResult = "applied"

	// ResultSkipped means the condition did not match.
	ResultSkipped ExecutionResult = "skipped"

	// ResultFailed means evaluation or dispatch errored.
	ResultFailed ExecutionResult = "failed"

	// ResultDeduped means a prior run already applied this rule
	// version to this event.
	ResultDeduped ExecutionResult = "deduped"
)

// Execution is one rule outcome within an attempt. RuleName and
// RuleVersion are joined for reads and nil when the rule has since
// been deleted.
type Execution struct {
	ID            int64           `db:"id" json:"id"`
	AttemptID     int64           `db:"attempt_id" json:"attempt_id"`
	RuleID        int64           `db:"rule_id" json:"rule_id"`
	RuleVersionID int64           `db:"rule_version_id" json:"rule_version_id"`
	Result        ExecutionResult `db:"result" json:"result"`
	Error         *string         `db:"error" json:"error"`
	ExecutedAt    time.Time       `db:"executed_at" json:"executed_at"`
	RuleName      *string         `db:"rule_name" json:"rule_name,omitempty"`
	RuleVersion   *int            `db:"rule_version" json:"rule_version,omitempty"`
}

// Rule is a rule header joined with its current version.
type Rule struct {
	ID               int64     `db:"id" json:"id"`
	Name             string    `db:"name" json:"name"`
	EventType        string    `db:"event_type" json:"event_type"`
	Active           bool      `db:"active" json:"active"`
	CurrentVersionID *int64    `db:"current_version_id" json:"current_version_id"`
	CreatedAt        time.Time `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time `db:"updated_at" json:"updated_at"`

	Version   *int           `db:"version" json:"version,omitempty"`
	Condition types.JSONText `db:"condition" json:"condition,omitempty"`
	Action    types.JSONText `db:"action" json:"action,omitempty"`
}

// RuleVersion is one immutable snapshot of a rule's definition.
type RuleVersion struct {
	ID        int64          `db:"id" json:"id"`
	RuleID    int64          `db:"rule_id" json:"rule_id"`
	Version   int            `db:"version" json:"version"`
	Condition types.JSONText `db:"condition" json:"condition"`
	Action    types.JSONText `db:"action" json:"action"`
	CreatedAt time.Time      `db:"created_at" json:"created_at"`
}

// ActiveRule is the engine's working view: an active rule with its
// current version inlined.
type ActiveRule struct {
	RuleID    int64          `db:"rule_id"`
	Name      string         `db:"name"`
	VersionID int64          `db:"version_id"`
	Version   int            `db:"version"`
	Condition types.JSONText `db:"condition"`
	Action    types.JSONText `db:"action"`
}

// EventStats aggregates event counts for a filter.
type EventStats struct {
	Total         int64 `db:"total" json:"total"`
	Pending       int64 `db:"pending" json:"pending"`
	Processing    int64 `db:"processing" json:"processing"`
	Processed     int64 `db:"processed" json:"processed"`
	Failed        int64 `db:"failed" json:"failed"`
	FailedLast24h int64 `db:"failed_last_24h" json:"failed_last_24h"`
}

// NewRule carries a validated rule definition into CreateRule.
type NewRule struct {
	Name      string
	EventType string
	Active    bool
	Condition []byte
	Action    []byte
}

// RuleUpdate carries a partial update into UpdateRule. Nil fields are
// left unchanged; a new version is cut only when Condition or Action
// differs from the current version.
type RuleUpdate struct {
	Name      *string
	EventType *string
	Active    *bool
	Condition []byte
	Action    []byte
}

// ExecutionRecord carries one rule outcome into InsertExecution.
type ExecutionRecord struct {
	AttemptID     int64
	RuleID        int64
	RuleVersionID int64
	Result        ExecutionResult
	Error         *string
}

// FinalizeParams closes an attempt and settles its event in one
// transaction. EventState pending requeues the event; processed and
// failed are terminal.
type FinalizeParams struct {
	AttemptID  int64
	EventID    int64
	Status     AttemptStatus
	Error      *string
	EventState EventState
}
