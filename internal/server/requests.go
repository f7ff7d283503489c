package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/sluice-io/sluice/internal/fault"
	"github.com/sluice-io/sluice/internal/store"
)

// ingestRequest is the POST /events body. ID is the sender's external
// identifier; Data must be a JSON object.
type ingestRequest struct {
	ID   string          `json:"id" validate:"required,max=255"`
	Type string          `json:"type" validate:"required,max=255"`
	Data json.RawMessage `json:"data" validate:"required"`
}

type replayBatchRequest struct {
	EventIDs []int64 `json:"event_ids" validate:"required,min=1,max=100,dive,min=1"`
}

// requeueStuckRequest is optional; an empty body uses the configured
// default cutoff. omitnil rather than omitempty so an explicit zero is
// rejected instead of silently skipping validation.
type requeueStuckRequest struct {
	OlderThanSeconds *int64 `json:"older_than_seconds" validate:"omitnil,min=1"`
}

type createRuleRequest struct {
	Name      string          `json:"name" validate:"required,max=255"`
	EventType string          `json:"event_type" validate:"required,max=255"`
	Condition json.RawMessage `json:"condition" validate:"required"`
	Action    json.RawMessage `json:"action" validate:"required"`
	Active    *bool           `json:"active"`
}

// updateRuleRequest applies partially. Absent fields stay unchanged.
type updateRuleRequest struct {
	Name      *string         `json:"name" validate:"omitnil,min=1,max=255"`
	EventType *string         `json:"event_type" validate:"omitnil,min=1,max=255"`
	Condition json.RawMessage `json:"condition"`
	Action    json.RawMessage `json:"action"`
	Active    *bool           `json:"active"`
}

func (u updateRuleRequest) empty() bool {
	return u.Name == nil && u.EventType == nil && u.Condition == nil && u.Action == nil && u.Active == nil
}

// newValidator reports violations by json field name so envelope
// details match what the client actually sent.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// decodeJSON parses the request body. A missing body is an error; use
// decodeJSONOptional for endpoints where the body is optional.
func decodeJSON(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return fault.Validation("invalid JSON body: %v", err)
	}
	return nil
}

// decodeJSONOptional parses the body into dst, treating an absent or
// empty body as all defaults.
func decodeJSONOptional(r *http.Request, dst any) error {
	err := json.NewDecoder(r.Body).Decode(dst)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return fault.Validation("invalid JSON body: %v", err)
}

// validateBody runs struct tag validation and folds violations into a
// single validation fault with per-field details.
func (s *Server) validateBody(v any) error {
	err := s.validate.Struct(v)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fault.Validation("invalid request: %v", err)
	}

	details := make(map[string]any, len(verrs))
	for _, fe := range verrs {
		details[fe.Field()] = violationMessage(fe)
	}
	return fault.Validation("request validation failed").WithDetails(details)
}

func violationMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "min":
		if fe.Kind() == reflect.Slice {
			return fmt.Sprintf("must have at least %s items", fe.Param())
		}
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "max":
		if fe.Kind() == reflect.Slice {
			return fmt.Sprintf("must have at most %s items", fe.Param())
		}
		return fmt.Sprintf("must be at most %s", fe.Param())
	default:
		return fmt.Sprintf("failed %s validation", fe.Tag())
	}
}

// parseID reads the {id} route parameter.
func parseID(r *http.Request) (int64, error) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id < 1 {
		return 0, fault.Validation("invalid id %q", raw)
	}
	return id, nil
}

var eventStates = map[store.EventState]bool{
	store.StatePending:    true,
	store.StateProcessing: true,
	store.StateProcessed:  true,
	store.StateFailed:     true,
}

// parseEventFilter reads the shared list/stats query parameters.
func parseEventFilter(r *http.Request) (store.EventFilter, error) {
	q := r.URL.Query()
	var f store.EventFilter

	if raw := q.Get("state"); raw != "" {
		state := store.EventState(raw)
		if !eventStates[state] {
			return f, fault.Validation("invalid state %q; expected pending, processing, processed, or failed", raw)
		}
		f.State = &state
	}
	if raw := q.Get("type"); raw != "" {
		f.Type = &raw
	}
	if raw := q.Get("start_date"); raw != "" {
		t, err := parseDate("start_date", raw)
		if err != nil {
			return f, err
		}
		f.Start = &t
	}
	if raw := q.Get("end_date"); raw != "" {
		t, err := parseDate("end_date", raw)
		if err != nil {
			return f, err
		}
		f.End = &t
	}

	var err error
	if f.Limit, err = parseIntParam(q, "limit"); err != nil {
		return f, err
	}
	if f.Offset, err = parseIntParam(q, "offset"); err != nil {
		return f, err
	}
	return f, nil
}

// parseRuleFilter reads the rule list query parameters.
func parseRuleFilter(r *http.Request) (store.RuleFilter, error) {
	q := r.URL.Query()
	var f store.RuleFilter

	if raw := q.Get("active"); raw != "" {
		active, err := strconv.ParseBool(raw)
		if err != nil {
			return f, fault.Validation("invalid active %q; expected true or false", raw)
		}
		f.Active = &active
	}
	if raw := q.Get("event_type"); raw != "" {
		f.EventType = &raw
	}

	var err error
	if f.Limit, err = parseIntParam(q, "limit"); err != nil {
		return f, err
	}
	if f.Offset, err = parseIntParam(q, "offset"); err != nil {
		return f, err
	}
	return f, nil
}

// parseDate accepts RFC3339 timestamps or bare dates.
func parseDate(name, raw string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	if t, err := time.Parse("2006-01-02", raw); err == nil {
		return t, nil
	}
	return time.Time{}, fault.Validation("invalid %s %q; expected RFC3339 or YYYY-MM-DD", name, raw)
}

func parseIntParam(q url.Values, name string) (int, error) {
	raw := q.Get(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fault.Validation("invalid %s %q; expected an integer", name, raw)
	}
	return n, nil
}
