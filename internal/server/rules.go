package server

import (
	"net/http"

	"github.com/sluice-io/sluice/internal/action"
	"github.com/sluice-io/sluice/internal/expr"
	"github.com/sluice-io/sluice/internal/fault"
	"github.com/sluice-io/sluice/internal/store"
)

type rulePage struct {
	Rules  []store.Rule `json:"rules"`
	Total  int64        `json:"total"`
	Limit  int          `json:"limit"`
	Offset int          `json:"offset"`
}

type ruleVersionList struct {
	Versions []store.RuleVersion `json:"versions"`
}

// validateDefinition parses whichever definition halves are present so
// malformed rules are rejected before they are stored. Both parsers
// return validation faults with client-safe messages.
func validateDefinition(condition, actionDoc []byte) error {
	if condition != nil {
		if _, err := expr.Parse(condition); err != nil {
			return err
		}
	}
	if actionDoc != nil {
		if _, err := action.Parse(actionDoc); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	var req createRuleRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.validateBody(req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := validateDefinition(req.Condition, req.Action); err != nil {
		s.writeError(w, r, err)
		return
	}

	active := true
	if req.Active != nil {
		active = *req.Active
	}

	rule, err := s.store.CreateRule(r.Context(), store.NewRule{
		Name:      req.Name,
		EventType: req.EventType,
		Active:    active,
		Condition: req.Condition,
		Action:    req.Action,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, rule)
}

func (s *Server) handleGetRule(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	rule, err := s.store.GetRule(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, rule)
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	filter, err := parseRuleFilter(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	rules, total, err := s.store.ListRules(r.Context(), filter)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	limit, offset := filter.Page()
	s.writeJSON(w, http.StatusOK, rulePage{
		Rules:  rules,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	})
}

// handleUpdateRule applies a partial update. A new version is cut only
// when the definition actually changes; the store decides that.
func (s *Server) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	var req updateRuleRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.empty() {
		s.writeError(w, r, fault.Validation("no fields to update"))
		return
	}
	if err := s.validateBody(req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := validateDefinition(req.Condition, req.Action); err != nil {
		s.writeError(w, r, err)
		return
	}

	rule, err := s.store.UpdateRule(r.Context(), id, store.RuleUpdate{
		Name:      req.Name,
		EventType: req.EventType,
		Active:    req.Active,
		Condition: req.Condition,
		Action:    req.Action,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, rule)
}

// handleDeactivateRule soft-deletes: the rule stops matching new
// events but its versions and execution history stay queryable.
func (s *Server) handleDeactivateRule(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	rule, err := s.store.DeactivateRule(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, rule)
}

func (s *Server) handleListRuleVersions(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if _, err := s.store.GetRule(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	versions, err := s.store.ListRuleVersions(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, ruleVersionList{Versions: versions})
}
