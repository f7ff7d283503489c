package action

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

const (
	// DefaultWebhookTimeout bounds a single webhook request.
	DefaultWebhookTimeout = 5 * time.Second

	// EmailModeLog logs email intents instead of sending.
	EmailModeLog = "log"

	// EmailModeDisabled fails send_email executions.
	EmailModeDisabled = "disabled"
)

// Config tunes the dispatcher.
type Config struct {
	// WebhookTimeout bounds each call_webhook request.
	WebhookTimeout time.Duration

	// EmailMode selects the send_email behavior: EmailModeLog or
	// EmailModeDisabled.
	EmailMode string
}

// Dispatcher executes parsed actions. One instance is shared across
// workers; it carries no per-event state.
type Dispatcher struct {
	client         *http.Client
	webhookTimeout time.Duration
	emailMode      string
	log            *zap.Logger
}

// NewDispatcher builds a dispatcher. Zero config fields fall back to
// defaults (5s webhook timeout, email logging).
func NewDispatcher(cfg Config, log *zap.Logger) *Dispatcher {
	timeout := cfg.WebhookTimeout
	if timeout <= 0 {
		timeout = DefaultWebhookTimeout
	}
	mode := cfg.EmailMode
	if mode == "" {
		mode = EmailModeLog
	}
	return &Dispatcher{
		// The client timeout is a backstop; the per-request context
		// carries the effective deadline.
		client:         &http.Client{Timeout: timeout},
		webhookTimeout: timeout,
		emailMode:      mode,
		log:            log,
	}
}

// StatusError reports a webhook response outside the 2xx range. The
// message is recorded verbatim on the rule execution.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("Webhook failed with status %d", e.Code)
}

// Dispatch runs one action. Errors are returned raw so callers can
// record their message and classify them with errors.As.
func (d *Dispatcher) Dispatch(ctx context.Context, act *Action) error {
	switch act.Type {
	case TypeNoop:
		return nil
	case TypeLog:
		d.emit(act.Log)
		return nil
	case TypeCallWebhook:
		return d.callWebhook(ctx, act.Webhook)
	case TypeSendEmail:
		return d.sendEmail(act.Email)
	default:
		return fmt.Errorf("unknown action type: %q", act.Type)
	}
}

func (d *Dispatcher) emit(p *LogParams) {
	switch p.Level {
	case "debug":
		d.log.Debug(p.Message)
	case "warn":
		d.log.Warn(p.Message)
	case "error":
		d.log.Error(p.Message)
	default:
		d.log.Info(p.Message)
	}
}

// callWebhook performs exactly one HTTP request. No retries: the
// request either lands within the timeout or the execution fails.
func (d *Dispatcher) callWebhook(ctx context.Context, p *WebhookParams) error {
	ctx, cancel := context.WithTimeout(ctx, d.webhookTimeout)
	defer cancel()

	var body io.Reader
	if len(p.Body) > 0 {
		body = bytes.NewReader(p.Body)
	}
	req, err := http.NewRequestWithContext(ctx, p.Method, p.URL, body)
	if err != nil {
		return fmt.Errorf("Webhook request failed: %v", err)
	}
	if len(p.Body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range p.Headers {
		req.Header.Set(k, v)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("Webhook request timed out after %s", d.webhookTimeout)
		}
		return fmt.Errorf("Webhook request failed: %v", err)
	}
	defer resp.Body.Close()

	// Drain to allow connection reuse.
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{Code: resp.StatusCode}
	}
	return nil
}

// sendEmail is a stub. Delivery is not implemented; deployments either
// log the intent or reject the action outright.
func (d *Dispatcher) sendEmail(p *EmailParams) error {
	if d.emailMode == EmailModeDisabled {
		return fmt.Errorf("send_email action is not implemented (email-mode=disabled)")
	}
	d.log.Info("email dispatch (stub)",
		zap.String("to", p.To),
		zap.String("subject", p.Subject),
		zap.String("template", p.Template),
	)
	return nil
}
