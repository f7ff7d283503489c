// Package engine evaluates rules against claimed events and records
// the outcome of every rule that ran.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/sluice-io/sluice/internal/action"
	"github.com/sluice-io/sluice/internal/expr"
	"github.com/sluice-io/sluice/internal/fault"
	"github.com/sluice-io/sluice/internal/jsonval"
	"github.com/sluice-io/sluice/internal/metrics"
	"github.com/sluice-io/sluice/internal/store"
)

// DefaultProcessingTimeout is the per-event wall-clock budget.
const DefaultProcessingTimeout = 60 * time.Second

// Store is the persistence surface the engine needs. *store.Store
// implements it; tests substitute fakes.
type Store interface {
	ActiveRulesForType(ctx context.Context, eventType string) ([]store.ActiveRule, error)
	HasCompletedExecution(ctx context.Context, eventID, ruleVersionID int64) (bool, error)
	InsertExecution(ctx context.Context, rec store.ExecutionRecord) error
	FinalizeAttempt(ctx context.Context, p store.FinalizeParams) error
}

// ActionRunner dispatches one parsed action. *action.Dispatcher
// implements it.
type ActionRunner interface {
	Dispatch(ctx context.Context, act *action.Action) error
}

// Notifier observes event state settlements. The websocket hub
// implements it to push live updates.
type Notifier interface {
	EventSettled(eventID int64, state store.EventState)
}

type noopNotifier struct{}

func (noopNotifier) EventSettled(int64, store.EventState) {}

// Engine runs the rule pipeline for one claimed event at a time. It
// holds no per-event state, so one Engine is shared by every worker
// loop in the process.
type Engine struct {
	store   Store
	actions ActionRunner
	metrics *metrics.Metrics
	log     *zap.Logger
	notify  Notifier
	timeout time.Duration
}

// Option configures an Engine.
type Option func(*Engine)

// WithTimeout overrides the per-event processing budget.
func WithTimeout(d time.Duration) Option {
	return func(e *Engine) {
		e.timeout = d
	}
}

// WithNotifier registers a settlement observer.
func WithNotifier(n Notifier) Option {
	return func(e *Engine) {
		e.notify = n
	}
}

// New creates an Engine.
func New(s Store, runner ActionRunner, m *metrics.Metrics, log *zap.Logger, opts ...Option) *Engine {
	e := &Engine{
		store:   s,
		actions: runner,
		metrics: m,
		log:     log,
		notify:  noopNotifier{},
		timeout: DefaultProcessingTimeout,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Process runs one claimed event through the rule pipeline and
// finalizes its attempt:
//
//  1. Load the active rules for the event's type, joined with their
//     current versions, ordered by rule id.
//  2. For each rule: evaluate the condition, consult the replay dedup
//     history for non-idempotent actions, dispatch, and record exactly
//     one execution row. One rule's failure never stops the others.
//  3. Finalize attempt and event together: any failed rule makes the
//     attempt failed and the event failed; otherwise both succeed.
//
// The whole pass runs under the processing budget. When the budget
// expires the attempt is closed as failed and the event returns to
// pending so a fresh claim can retry it.
func (e *Engine) Process(ctx context.Context, claimed *store.ClaimedEvent) error {
	start := time.Now()
	procCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	ruleErrs, err := e.runRules(procCtx, claimed)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return e.requeue(context.WithoutCancel(ctx), claimed, err, start)
		}
		// An engine fault (store unavailable, undecodable payload)
		// fails the whole attempt. The event lands in failed where
		// operators can see and replay it.
		msg := err.Error()
		return e.finalize(ctx, claimed, store.AttemptFailed, &msg, store.StateFailed, start)
	}

	if len(ruleErrs) > 0 {
		msg := strings.Join(ruleErrs, "\n")
		return e.finalize(ctx, claimed, store.AttemptFailed, &msg, store.StateFailed, start)
	}
	return e.finalize(ctx, claimed, store.AttemptSuccess, nil, store.StateProcessed, start)
}

// runRules evaluates every matching rule and returns the rendered
// failures. The error return is reserved for faults that abort the
// pass; per-rule problems are recorded on their execution rows and
// collected into the first return value.
func (e *Engine) runRules(ctx context.Context, claimed *store.ClaimedEvent) ([]string, error) {
	ev := claimed.Event

	rules, err := e.store.ActiveRulesForType(ctx, ev.Type)
	if err != nil {
		return nil, err
	}

	payload, err := jsonval.DecodeObject([]byte(ev.Payload))
	if err != nil {
		return nil, fault.Wrap(fault.KindInternal, err, "event %d payload is not a JSON object", ev.ID)
	}

	var ruleErrs []string
	for _, rule := range rules {
		result, errText := e.evaluateRule(ctx, ev.ID, rule, payload)

		rec := store.ExecutionRecord{
			AttemptID:     claimed.AttemptID,
			RuleID:        rule.RuleID,
			RuleVersionID: rule.VersionID,
			Result:        result,
		}
		if errText != "" {
			rec.Error = &errText
		}
		if err := e.store.InsertExecution(ctx, rec); err != nil {
			return nil, err
		}
		e.metrics.RuleExecutions.WithLabelValues(string(result)).Inc()

		if errText != "" {
			ruleErrs = append(ruleErrs, fmt.Sprintf("rule %d (%s): %s", rule.RuleID, rule.Name, errText))
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
	return ruleErrs, nil
}

// evaluateRule produces the outcome of a single rule. It never
// returns an engine fault; anything that goes wrong inside one rule
// becomes that rule's failed execution.
func (e *Engine) evaluateRule(ctx context.Context, eventID int64, rule store.ActiveRule, payload jsonval.Object) (store.ExecutionResult, string) {
	cond, err := expr.Parse([]byte(rule.Condition))
	if err != nil {
		return store.ResultFailed, err.Error()
	}

	matched, err := expr.Evaluate(cond, payload)
	if err != nil {
		return store.ResultFailed, err.Error()
	}
	if !matched {
		return store.ResultSkipped, ""
	}

	act, err := action.Parse([]byte(rule.Action))
	if err != nil {
		return store.ResultFailed, err.Error()
	}

	// Idempotent actions always run so the audit log reflects every
	// pass. Everything else is at-most-once per rule version: a prior
	// applied or deduped execution for this event suppresses the
	// dispatch.
	if !act.Idempotent() {
		done, err := e.store.HasCompletedExecution(ctx, eventID, rule.VersionID)
		if err != nil {
			return store.ResultFailed, err.Error()
		}
		if done {
			return store.ResultDeduped, ""
		}
	}

	dispatchStart := time.Now()
	err = e.actions.Dispatch(ctx, act)
	if act.Type == action.TypeCallWebhook {
		e.metrics.WebhookDuration.Observe(time.Since(dispatchStart).Seconds())
	}
	if err != nil {
		return store.ResultFailed, err.Error()
	}
	return store.ResultApplied, ""
}

func (e *Engine) finalize(ctx context.Context, claimed *store.ClaimedEvent, status store.AttemptStatus, errText *string, state store.EventState, start time.Time) error {
	err := e.store.FinalizeAttempt(ctx, store.FinalizeParams{
		AttemptID:  claimed.AttemptID,
		EventID:    claimed.Event.ID,
		Status:     status,
		Error:      errText,
		EventState: state,
	})
	if err != nil {
		return fmt.Errorf("finalize attempt %d: %w", claimed.AttemptID, err)
	}

	e.metrics.AttemptsFinished.WithLabelValues(string(status)).Inc()
	e.metrics.ProcessingDuration.Observe(time.Since(start).Seconds())
	e.notify.EventSettled(claimed.Event.ID, state)

	if status == store.AttemptFailed {
		e.log.Warn("event processing failed",
			zap.Int64("event_id", claimed.Event.ID),
			zap.Int64("attempt_id", claimed.AttemptID),
			zap.Stringp("error", errText))
	} else {
		e.log.Info("event processed",
			zap.Int64("event_id", claimed.Event.ID),
			zap.Int64("attempt_id", claimed.AttemptID),
			zap.Duration("took", time.Since(start)))
	}
	return nil
}

// requeue unwinds an interrupted pass: the attempt closes as failed
// and the event goes back to pending for a fresh claim.
func (e *Engine) requeue(ctx context.Context, claimed *store.ClaimedEvent, cause error, start time.Time) error {
	msg := fmt.Sprintf("processing exceeded timeout after %s", e.timeout)
	if errors.Is(cause, context.Canceled) {
		msg = "processing interrupted before completion"
	}

	err := e.store.FinalizeAttempt(ctx, store.FinalizeParams{
		AttemptID:  claimed.AttemptID,
		EventID:    claimed.Event.ID,
		Status:     store.AttemptFailed,
		Error:      &msg,
		EventState: store.StatePending,
	})
	if err != nil {
		return fmt.Errorf("requeue event %d: %w", claimed.Event.ID, err)
	}

	e.metrics.AttemptsFinished.WithLabelValues(string(store.AttemptFailed)).Inc()
	e.metrics.ProcessingDuration.Observe(time.Since(start).Seconds())
	e.notify.EventSettled(claimed.Event.ID, store.StatePending)

	e.log.Warn("event processing interrupted, requeued",
		zap.Int64("event_id", claimed.Event.ID),
		zap.Int64("attempt_id", claimed.AttemptID),
		zap.Duration("budget", e.timeout),
		zap.Error(cause))
	return nil
}
