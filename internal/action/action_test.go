package action

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sluice-io/sluice/internal/fault"
)

func TestParseLog(t *testing.T) {
	act, err := Parse([]byte(`{"type": "log", "params": {"level": "warn", "message": "heads up"}}`))
	require.NoError(t, err)
	assert.Equal(t, TypeLog, act.Type)
	assert.Equal(t, "warn", act.Log.Level)
	assert.Equal(t, "heads up", act.Log.Message)
	assert.True(t, act.Idempotent())
}

func TestParseLogDefaultsLevel(t *testing.T) {
	act, err := Parse([]byte(`{"type": "log", "params": {"message": "ok"}}`))
	require.NoError(t, err)
	assert.Equal(t, "info", act.Log.Level)

	act, err = Parse([]byte(`{"type": "log"}`))
	require.NoError(t, err)
	assert.Equal(t, "info", act.Log.Level)
}

func TestParseLogRejectsBadLevel(t *testing.T) {
	_, err := Parse([]byte(`{"type": "log", "params": {"level": "shout"}}`))
	require.Error(t, err)
	assert.True(t, fault.IsValidation(err))
	assert.Contains(t, err.Error(), "log level")
}

func TestParseNoop(t *testing.T) {
	act, err := Parse([]byte(`{"type": "noop"}`))
	require.NoError(t, err)
	assert.Equal(t, TypeNoop, act.Type)
	assert.True(t, act.Idempotent())
}

func TestParseWebhook(t *testing.T) {
	act, err := Parse([]byte(`{
		"type": "call_webhook",
		"params": {
			"url": "https://hooks.example.com/notify",
			"method": "put",
			"headers": {"X-Token": "abc"},
			"body": {"kind": "alert"}
		}
	}`))
	require.NoError(t, err)
	assert.Equal(t, TypeCallWebhook, act.Type)
	assert.Equal(t, "PUT", act.Webhook.Method)
	assert.Equal(t, "abc", act.Webhook.Headers["X-Token"])
	assert.JSONEq(t, `{"kind": "alert"}`, string(act.Webhook.Body))
	assert.False(t, act.Idempotent())
}

func TestParseWebhookDefaultsToPost(t *testing.T) {
	act, err := Parse([]byte(`{"type": "call_webhook", "params": {"url": "http://example.com/x"}}`))
	require.NoError(t, err)
	assert.Equal(t, "POST", act.Webhook.Method)
}

func TestParseWebhookValidation(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"no params", `{"type": "call_webhook"}`, "requires params"},
		{"no url", `{"type": "call_webhook", "params": {}}`, "requires a url"},
		{"relative url", `{"type": "call_webhook", "params": {"url": "/hook"}}`, "absolute http or https"},
		{"bad scheme", `{"type": "call_webhook", "params": {"url": "ftp://x.com/y"}}`, "absolute http or https"},
		{"bad method", `{"type": "call_webhook", "params": {"url": "http://x.com", "method": "TRACE"}}`, "not allowed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.raw))
			require.Error(t, err)
			assert.True(t, fault.IsValidation(err))
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestParseEmail(t *testing.T) {
	act, err := Parse([]byte(`{"type": "send_email", "params": {"to": "ops@example.com", "subject": "hi"}}`))
	require.NoError(t, err)
	assert.Equal(t, TypeSendEmail, act.Type)
	assert.Equal(t, "ops@example.com", act.Email.To)
	assert.False(t, act.Idempotent())

	_, err = Parse([]byte(`{"type": "send_email", "params": {"subject": "hi"}}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "recipient")
}

func TestParseUnknownType(t *testing.T) {
	_, err := Parse([]byte(`{"type": "launch_missiles", "params": {}}`))
	require.Error(t, err)
	assert.True(t, fault.IsValidation(err))
	assert.Contains(t, err.Error(), `unknown action type: "launch_missiles"`)

	_, err = Parse([]byte(`{"params": {}}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "action type is required")
}

func TestParseInvalidJSON(t *testing.T) {
	_, err := Parse([]byte(`{"type":`))
	require.Error(t, err)
	assert.True(t, fault.IsValidation(err))
}
