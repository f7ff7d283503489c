// Package action defines the rule action vocabulary and its dispatcher.
//
// An action document is a tagged union: {"type": ..., "params": {...}}.
// Parsing validates the tag and the parameter shape for that tag, so a
// stored rule can always be dispatched without re-validation.
package action

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/sluice-io/sluice/internal/fault"
)

// Type names an action implementation.
type Type string

const (
	// TypeLog emits a structured log line. Idempotent.
	TypeLog Type = "log"

	// TypeNoop does nothing and always succeeds. Idempotent.
	TypeNoop Type = "noop"

	// TypeCallWebhook performs exactly one HTTP request.
	TypeCallWebhook Type = "call_webhook"

	// TypeSendEmail is stubbed: it either logs the intent or fails,
	// depending on deployment configuration.
	TypeSendEmail Type = "send_email"
)

// logLevels are the accepted levels for the log action.
var logLevels = map[string]bool{
	"debug": true, "info": true, "warn": true, "error": true,
}

// webhookMethods are the accepted HTTP methods for call_webhook.
var webhookMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "PATCH": true, "DELETE": true,
}

// Action is the parsed form of a rule's action document. Exactly one
// of the parameter fields matching Type is set.
type Action struct {
	Type    Type
	Log     *LogParams
	Webhook *WebhookParams
	Email   *EmailParams
}

// LogParams configures the log action.
type LogParams struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}

// WebhookParams configures the call_webhook action. Body is sent
// verbatim as the request body when present.
type WebhookParams struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers"`
	Body    json.RawMessage   `json:"body"`
}

// EmailParams configures the send_email stub.
type EmailParams struct {
	To       string `json:"to"`
	Subject  string `json:"subject"`
	Template string `json:"template"`
}

// Idempotent reports whether re-running the action is harmless. The
// replay dedup check is skipped for idempotent actions.
func (a *Action) Idempotent() bool {
	return a.Type == TypeLog || a.Type == TypeNoop
}

// Parse decodes and validates an action document.
func Parse(raw []byte) (*Action, error) {
	var envelope struct {
		Type   Type            `json:"type"`
		Params json.RawMessage `json:"params"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fault.Wrap(fault.KindValidation, err, "action is not valid JSON")
	}

	switch envelope.Type {
	case TypeLog:
		return parseLog(envelope.Params)
	case TypeNoop:
		return &Action{Type: TypeNoop}, nil
	case TypeCallWebhook:
		return parseWebhook(envelope.Params)
	case TypeSendEmail:
		return parseEmail(envelope.Params)
	case "":
		return nil, fault.Validation("action type is required")
	default:
		return nil, fault.Validation("unknown action type: %q", envelope.Type)
	}
}

func parseLog(params json.RawMessage) (*Action, error) {
	p := LogParams{Level: "info"}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fault.Wrap(fault.KindValidation, err, "invalid log params")
		}
		if p.Level == "" {
			p.Level = "info"
		}
	}
	if !logLevels[p.Level] {
		return nil, fault.Validation("log level must be one of debug, info, warn, error; got %q", p.Level)
	}
	return &Action{Type: TypeLog, Log: &p}, nil
}

func parseWebhook(params json.RawMessage) (*Action, error) {
	if len(params) == 0 {
		return nil, fault.Validation("call_webhook requires params")
	}
	var p WebhookParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fault.Wrap(fault.KindValidation, err, "invalid call_webhook params")
	}

	if p.URL == "" {
		return nil, fault.Validation("call_webhook requires a url")
	}
	u, err := url.Parse(p.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fault.Validation("call_webhook url must be absolute http or https: %q", p.URL)
	}

	if p.Method == "" {
		p.Method = "POST"
	}
	p.Method = strings.ToUpper(p.Method)
	if !webhookMethods[p.Method] {
		return nil, fault.Validation("call_webhook method %q not allowed", p.Method)
	}

	return &Action{Type: TypeCallWebhook, Webhook: &p}, nil
}

func parseEmail(params json.RawMessage) (*Action, error) {
	if len(params) == 0 {
		return nil, fault.Validation("send_email requires params")
	}
	var p EmailParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fault.Wrap(fault.KindValidation, err, "invalid send_email params")
	}
	if p.To == "" {
		return nil, fault.Validation("send_email requires a recipient")
	}
	return &Action{Type: TypeSendEmail, Email: &p}, nil
}

// String renders the action for logs.
func (a *Action) String() string {
	switch a.Type {
	case TypeCallWebhook:
		return fmt.Sprintf("%s %s %s", a.Type, a.Webhook.Method, a.Webhook.URL)
	case TypeSendEmail:
		return fmt.Sprintf("%s to=%s", a.Type, a.Email.To)
	default:
		return string(a.Type)
	}
}
