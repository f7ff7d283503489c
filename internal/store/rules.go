package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx/types"
	"go.uber.org/zap"

	"github.com/sluice-io/sluice/internal/fault"
	"github.com/sluice-io/sluice/internal/jsonval"
)

const ruleColumns = `r.id, r.name, r.event_type, r.active, r.current_version_id, r.created_at, r.updated_at,
	rv.version AS version, rv.condition AS condition, rv.action AS action`

const insertRuleSQL = `INSERT INTO rules (name, event_type, active)
VALUES ($1, $2, $3)
RETURNING id, created_at, updated_at`

const insertRuleVersionSQL = `INSERT INTO rule_versions (rule_id, version, condition, action)
VALUES ($1, $2, $3, $4)
RETURNING id`

const retargetCurrentVersionSQL = `UPDATE rules SET current_version_id = $2 WHERE id = $1`

const getRuleSQL = `SELECT ` + ruleColumns + `
FROM rules r
LEFT JOIN rule_versions rv ON rv.id = r.current_version_id
WHERE r.id = $1`

const getRuleForUpdateSQL = getRuleSQL + `
FOR UPDATE OF r`

const updateRuleHeaderSQL = `UPDATE rules
SET name = $2, event_type = $3, active = $4, current_version_id = $5, updated_at = now()
WHERE id = $1
RETURNING updated_at`

const deactivateRuleSQL = `UPDATE rules SET active = FALSE, updated_at = now() WHERE id = $1`

const listRuleVersionsSQL = `SELECT id, rule_id, version, condition, action, created_at
FROM rule_versions
WHERE rule_id = $1
ORDER BY version DESC`

const activeRulesForTypeSQL = `SELECT r.id AS rule_id, r.name, rv.id AS version_id, rv.version, rv.condition, rv.action
FROM rules r
JOIN rule_versions rv ON rv.id = r.current_version_id
WHERE r.active AND r.event_type = $1
ORDER BY r.id ASC`

// CreateRule inserts a rule with version 1 as its current version.
// The header is inserted first because the version row needs its id;
// the current_version_id pointer is retargeted inside the same
// transaction, so readers never observe a rule without a version.
func (s *Store) CreateRule(ctx context.Context, nr NewRule) (Rule, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return Rule{}, fmt.Errorf("failed to begin rule transaction: %w", err)
	}
	defer tx.Rollback()

	var header struct {
		ID        int64     `db:"id"`
		CreatedAt time.Time `db:"created_at"`
		UpdatedAt time.Time `db:"updated_at"`
	}
	if err := tx.GetContext(ctx, &header, insertRuleSQL, nr.Name, nr.EventType, nr.Active); err != nil {
		return Rule{}, fmt.Errorf("failed to insert rule: %w", err)
	}

	var versionID int64
	if err := tx.GetContext(ctx, &versionID, insertRuleVersionSQL, header.ID, 1, nr.Condition, nr.Action); err != nil {
		return Rule{}, fmt.Errorf("failed to insert rule version: %w", err)
	}

	if _, err := tx.ExecContext(ctx, retargetCurrentVersionSQL, header.ID, versionID); err != nil {
		return Rule{}, fmt.Errorf("failed to set current version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Rule{}, fmt.Errorf("failed to commit rule: %w", err)
	}

	s.log.Info("rule created",
		zap.Int64("rule_id", header.ID),
		zap.String("name", nr.Name),
		zap.String("event_type", nr.EventType))

	version := 1
	return Rule{
		ID:               header.ID,
		Name:             nr.Name,
		EventType:        nr.EventType,
		Active:           nr.Active,
		CurrentVersionID: &versionID,
		CreatedAt:        header.CreatedAt,
		UpdatedAt:        header.UpdatedAt,
		Version:          &version,
		Condition:        types.JSONText(nr.Condition),
		Action:           types.JSONText(nr.Action),
	}, nil
}

// GetRule fetches a rule joined with its current version.
func (s *Store) GetRule(ctx context.Context, id int64) (Rule, error) {
	var r Rule
	if err := s.db.GetContext(ctx, &r, getRuleSQL, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Rule{}, fault.NotFound("rule", id)
		}
		return Rule{}, fmt.Errorf("failed to get rule %d: %w", id, err)
	}
	return r, nil
}

// ListRules returns one page of rules with their current versions,
// newest first, plus the total match count.
func (s *Store) ListRules(ctx context.Context, filter RuleFilter) ([]Rule, int64, error) {
	where, args := filter.where()
	limit, offset := filter.Page()

	var total int64
	if err := s.db.GetContext(ctx, &total, `SELECT COUNT(*) FROM rules r`+where, args...); err != nil {
		return nil, 0, fmt.Errorf("failed to count rules: %w", err)
	}

	query := fmt.Sprintf(`SELECT %s
FROM rules r
LEFT JOIN rule_versions rv ON rv.id = r.current_version_id%s
ORDER BY r.created_at DESC, r.id DESC LIMIT $%d OFFSET $%d`,
		ruleColumns, where, len(args)+1, len(args)+2)
	args = append(args, limit, offset)

	rules := []Rule{}
	if err := s.db.SelectContext(ctx, &rules, query, args...); err != nil {
		return nil, 0, fmt.Errorf("failed to list rules: %w", err)
	}
	return rules, total, nil
}

// UpdateRule applies a partial update. Header fields change in place;
// when the condition or action differs from the current version a new
// version row is cut and current_version_id retargets to it, which
// changes the dedup key for future executions. Metadata-only edits
// bump updated_at without cutting a version.
//
// The rule row is locked for the whole comparison so two concurrent
// edits cannot both read version N and insert version N+1.
func (s *Store) UpdateRule(ctx context.Context, id int64, upd RuleUpdate) (Rule, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return Rule{}, fmt.Errorf("failed to begin rule transaction: %w", err)
	}
	defer tx.Rollback()

	var cur Rule
	if err := tx.GetContext(ctx, &cur, getRuleForUpdateSQL, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Rule{}, fault.NotFound("rule", id)
		}
		return Rule{}, fmt.Errorf("failed to lock rule %d: %w", id, err)
	}

	next := cur
	if upd.Name != nil {
		next.Name = *upd.Name
	}
	if upd.EventType != nil {
		next.EventType = *upd.EventType
	}
	if upd.Active != nil {
		next.Active = *upd.Active
	}

	condition := []byte(cur.Condition)
	if upd.Condition != nil {
		condition = upd.Condition
	}
	action := []byte(cur.Action)
	if upd.Action != nil {
		action = upd.Action
	}

	definitionChanged, err := definitionDiffers(cur, condition, action)
	if err != nil {
		return Rule{}, fmt.Errorf("failed to compare rule %d definition: %w", id, err)
	}

	versionID := cur.CurrentVersionID
	version := cur.Version
	if definitionChanged {
		nextVersion := 1
		if cur.Version != nil {
			nextVersion = *cur.Version + 1
		}
		var newVersionID int64
		if err := tx.GetContext(ctx, &newVersionID, insertRuleVersionSQL, id, nextVersion, condition, action); err != nil {
			return Rule{}, fmt.Errorf("failed to insert rule version: %w", err)
		}
		versionID = &newVersionID
		version = &nextVersion
	}

	if err := tx.GetContext(ctx, &next.UpdatedAt, updateRuleHeaderSQL,
		id, next.Name, next.EventType, next.Active, versionID); err != nil {
		return Rule{}, fmt.Errorf("failed to update rule %d: %w", id, err)
	}

	if err := tx.Commit(); err != nil {
		return Rule{}, fmt.Errorf("failed to commit rule update: %w", err)
	}

	if definitionChanged {
		s.log.Info("rule version cut",
			zap.Int64("rule_id", id),
			zap.Intp("version", version))
	}

	next.CurrentVersionID = versionID
	next.Version = version
	next.Condition = types.JSONText(condition)
	next.Action = types.JSONText(action)
	return next, nil
}

// DeactivateRule soft-deletes a rule. Versions and execution history
// stay behind for audit; the engine stops loading the rule.
func (s *Store) DeactivateRule(ctx context.Context, id int64) (Rule, error) {
	res, err := s.db.ExecContext(ctx, deactivateRuleSQL, id)
	if err != nil {
		return Rule{}, fmt.Errorf("failed to deactivate rule %d: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return Rule{}, fmt.Errorf("failed to deactivate rule %d: %w", id, err)
	}
	if affected == 0 {
		return Rule{}, fault.NotFound("rule", id)
	}
	s.log.Info("rule deactivated", zap.Int64("rule_id", id))
	return s.GetRule(ctx, id)
}

// ListRuleVersions returns every version of a rule, newest first.
func (s *Store) ListRuleVersions(ctx context.Context, ruleID int64) ([]RuleVersion, error) {
	versions := []RuleVersion{}
	if err := s.db.SelectContext(ctx, &versions, listRuleVersionsSQL, ruleID); err != nil {
		return nil, fmt.Errorf("failed to list versions for rule %d: %w", ruleID, err)
	}
	return versions, nil
}

// ActiveRulesForType returns the engine's working set: every active
// rule for the event type joined with its current version, in
// creation order.
func (s *Store) ActiveRulesForType(ctx context.Context, eventType string) ([]ActiveRule, error) {
	rules := []ActiveRule{}
	if err := s.db.SelectContext(ctx, &rules, activeRulesForTypeSQL, eventType); err != nil {
		return nil, fmt.Errorf("failed to load rules for type %q: %w", eventType, err)
	}
	return rules, nil
}

// definitionDiffers compares the proposed condition and action against
// the current version under key-order-insensitive normalization, so
// re-submitting the same definition with reordered keys does not cut a
// version.
func definitionDiffers(cur Rule, condition, action []byte) (bool, error) {
	if cur.Version == nil {
		return true, nil
	}
	condSame, err := jsonEquivalent([]byte(cur.Condition), condition)
	if err != nil {
		return false, err
	}
	actionSame, err := jsonEquivalent([]byte(cur.Action), action)
	if err != nil {
		return false, err
	}
	return !condSame || !actionSame, nil
}

func jsonEquivalent(a, b []byte) (bool, error) {
	av, err := jsonval.Decode(a)
	if err != nil {
		return false, err
	}
	bv, err := jsonval.Decode(b)
	if err != nil {
		return false, err
	}
	return jsonval.StrictEqual(av, bv), nil
}
