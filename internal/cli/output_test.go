package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutputFormatter_JSONSuccess(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{
		Format: "json",
		Writer: buf,
	}

	data := map[string]string{"result": "success"}
	err := formatter.Success(data)
	require.NoError(t, err)

	var resp CLIResponse
	err = json.Unmarshal(buf.Bytes(), &resp)
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Status)
	assert.NotNil(t, resp.Data)
	assert.Nil(t, resp.Error)
}

func TestOutputFormatter_JSONError(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{
		Format: "json",
		Writer: buf,
	}

	err := formatter.Error("recovery_failed", "could not requeue stuck events", nil)
	require.NoError(t, err)

	var resp CLIResponse
	err = json.Unmarshal(buf.Bytes(), &resp)
	require.NoError(t, err)
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "recovery_failed", resp.Error.Code)
	assert.Equal(t, "could not requeue stuck events", resp.Error.Message)
}

func TestOutputFormatter_JSONErrorWithDetails(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{
		Format: "json",
		Writer: buf,
	}

	err := formatter.Error("recovery_failed", "database unavailable", "dial tcp: connection refused")
	require.NoError(t, err)

	var resp CLIResponse
	err = json.Unmarshal(buf.Bytes(), &resp)
	require.NoError(t, err)
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.NotNil(t, resp.Error.Details)
}

func TestOutputFormatter_TextSuccess(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{
		Format: "text",
		Writer: buf,
	}

	err := formatter.Success("2 events requeued")
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "2 events requeued")
}

func TestOutputFormatter_TextError(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{
		Format: "text",
		Writer: buf,
	}

	err := formatter.Error("recovery_failed", "could not requeue stuck events", nil)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "Error [recovery_failed]")
	assert.Contains(t, buf.String(), "could not requeue stuck events")
}

func TestExitError_Error(t *testing.T) {
	withCause := WrapExitError(ExitFailure, "recovery failed", errors.New("connection refused"))
	assert.Equal(t, "recovery failed: connection refused", withCause.Error())

	bare := &ExitError{Code: ExitCommandError, Message: "failed to load configuration"}
	assert.Equal(t, "failed to load configuration", bare.Error())
}

func TestGetExitCode(t *testing.T) {
	exitErr := WrapExitError(ExitCommandError, "failed to open database", errors.New("dial tcp: connection refused"))
	assert.Equal(t, ExitCommandError, GetExitCode(exitErr))

	// Codes survive another layer of wrapping.
	wrapped := fmt.Errorf("requeue: %w", exitErr)
	assert.Equal(t, ExitCommandError, GetExitCode(wrapped))

	assert.Equal(t, ExitFailure, GetExitCode(errors.New("plain")))
}

func TestExitError_Unwrap(t *testing.T) {
	cause := errors.New("no such file")
	exitErr := WrapExitError(ExitCommandError, "failed to load configuration", cause)
	assert.ErrorIs(t, exitErr, cause)
}
