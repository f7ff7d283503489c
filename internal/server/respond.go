package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"runtime/debug"

	"go.uber.org/zap"

	"github.com/sluice-io/sluice/internal/fault"
)

// errorEnvelope is the uniform error body. Error carries the fault
// kind so clients can branch without parsing messages. Stack is
// populated only outside production.
type errorEnvelope struct {
	Error   fault.Kind     `json:"error"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	Stack   string         `json:"stack,omitempty"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("failed to encode response", zap.Error(err))
	}
}

// statusFor maps fault kinds to HTTP status codes. Kinds the engine
// uses internally (action_failed, eval_error, timeout) never describe
// a request problem, so they fall through to 500.
func statusFor(kind fault.Kind) int {
	switch kind {
	case fault.KindValidation:
		return http.StatusBadRequest
	case fault.KindNotFound:
		return http.StatusNotFound
	case fault.KindConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// writeError renders err in the uniform envelope. Client faults pass
// their message and details through; server faults are logged with
// the full cause and reported generically, except outside production
// where the message and a stack are exposed to speed up debugging.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := fault.KindOf(err)
	status := statusFor(kind)

	env := errorEnvelope{
		Error:   kind,
		Message: err.Error(),
		Details: fault.DetailsOf(err),
	}
	var fe *fault.Error
	if errors.As(err, &fe) {
		env.Message = fe.Message
	}

	if status == http.StatusInternalServerError {
		s.log.Error("request failed",
			zap.String("request_id", requestIDFrom(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		env.Error = fault.KindInternal
		if s.cfg.Environment == "production" {
			env.Message = "internal server error"
			env.Details = nil
		} else {
			env.Message = err.Error()
			env.Stack = string(debug.Stack())
		}
	}

	s.writeJSON(w, status, env)
}
