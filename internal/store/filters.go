package store

import (
	"fmt"
	"strings"
	"time"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

// EventFilter narrows event queries. Nil fields are unconstrained.
type EventFilter struct {
	State  *EventState
	Type   *string
	Start  *time.Time
	End    *time.Time
	Limit  int
	Offset int
}

// where assembles the WHERE clause and its ordered arguments.
func (f EventFilter) where() (string, []any) {
	var conds []string
	var args []any
	add := func(expr string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(expr, len(args)))
	}

	if f.State != nil {
		add("state = $%d", *f.State)
	}
	if f.Type != nil {
		add("type = $%d", *f.Type)
	}
	if f.Start != nil {
		add("created_at >= $%d", *f.Start)
	}
	if f.End != nil {
		add("created_at <= $%d", *f.End)
	}

	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// Page clamps pagination to sane bounds. The HTTP layer echoes the
// applied values back to clients.
func (f EventFilter) Page() (limit, offset int) {
	limit = f.Limit
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	offset = f.Offset
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

// RuleFilter narrows rule queries.
type RuleFilter struct {
	Active    *bool
	EventType *string
	Limit     int
	Offset    int
}

func (f RuleFilter) where() (string, []any) {
	var conds []string
	var args []any

	if f.Active != nil {
		args = append(args, *f.Active)
		conds = append(conds, fmt.Sprintf("r.active = $%d", len(args)))
	}
	if f.EventType != nil {
		args = append(args, *f.EventType)
		conds = append(conds, fmt.Sprintf("r.event_type = $%d", len(args)))
	}

	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// Page clamps pagination to sane bounds.
func (f RuleFilter) Page() (limit, offset int) {
	limit = f.Limit
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	offset = f.Offset
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
