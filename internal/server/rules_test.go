package server

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sluice-io/sluice/internal/fault"
	"github.com/sluice-io/sluice/internal/store"
)

func validRuleBody() map[string]any {
	return map[string]any{
		"name":       "vip-orders",
		"event_type": "order.created",
		"condition":  map[string]any{">": []any{map[string]any{"var": "amount"}, 100}},
		"action":     map[string]any{"type": "log", "params": map[string]any{"level": "info"}},
	}
}

func TestCreateRuleReturnsVersionOne(t *testing.T) {
	srv, _ := newTestServer(t, newFakeStore())

	rec := doJSON(t, srv, http.MethodPost, "/rules", validRuleBody())

	require.Equal(t, http.StatusCreated, rec.Code)
	rule := decodeAs[store.Rule](t, rec)
	assert.Equal(t, "vip-orders", rule.Name)
	assert.True(t, rule.Active)
	require.NotNil(t, rule.Version)
	assert.Equal(t, 1, *rule.Version)
}

func TestCreateRuleHonorsActiveFlag(t *testing.T) {
	srv, _ := newTestServer(t, newFakeStore())

	body := validRuleBody()
	body["active"] = false
	rec := doJSON(t, srv, http.MethodPost, "/rules", body)

	require.Equal(t, http.StatusCreated, rec.Code)
	rule := decodeAs[store.Rule](t, rec)
	assert.False(t, rule.Active)
}

func TestCreateRuleRejectsUnknownOperator(t *testing.T) {
	srv, _ := newTestServer(t, newFakeStore())

	body := validRuleBody()
	body["condition"] = map[string]any{"fetch": []any{"https://example.com"}}
	rec := doJSON(t, srv, http.MethodPost, "/rules", body)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	env := decodeAs[errorEnvelope](t, rec)
	assert.Equal(t, fault.KindValidation, env.Error)
	assert.Contains(t, env.Message, "Operator not allowed: fetch")
}

func TestCreateRuleRejectsUnknownActionType(t *testing.T) {
	srv, _ := newTestServer(t, newFakeStore())

	body := validRuleBody()
	body["action"] = map[string]any{"type": "carrier_pigeon"}
	rec := doJSON(t, srv, http.MethodPost, "/rules", body)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	env := decodeAs[errorEnvelope](t, rec)
	assert.Contains(t, env.Message, "unknown action type")
}

func TestCreateRuleValidatesFields(t *testing.T) {
	srv, _ := newTestServer(t, newFakeStore())

	rec := doJSON(t, srv, http.MethodPost, "/rules", map[string]any{
		"event_type": "order.created",
	})

	require.Equal(t, http.StatusBadRequest, rec.Code)
	env := decodeAs[errorEnvelope](t, rec)
	assert.Equal(t, "is required", env.Details["name"])
	assert.Equal(t, "is required", env.Details["condition"])
	assert.Equal(t, "is required", env.Details["action"])
}

func TestGetRuleNotFound(t *testing.T) {
	srv, _ := newTestServer(t, newFakeStore())

	rec := doJSON(t, srv, http.MethodGet, "/rules/7", nil)

	require.Equal(t, http.StatusNotFound, rec.Code)
	env := decodeAs[errorEnvelope](t, rec)
	assert.Equal(t, fault.KindNotFound, env.Error)
}

func TestListRulesFiltersActive(t *testing.T) {
	srv, _ := newTestServer(t, newFakeStore())

	first := doJSON(t, srv, http.MethodPost, "/rules", validRuleBody())
	require.Equal(t, http.StatusCreated, first.Code)

	body := validRuleBody()
	body["name"] = "retired"
	second := doJSON(t, srv, http.MethodPost, "/rules", body)
	require.Equal(t, http.StatusCreated, second.Code)

	retired := decodeAs[store.Rule](t, second)
	del := doJSON(t, srv, http.MethodDelete, "/rules/2", nil)
	require.Equal(t, http.StatusOK, del.Code, "deactivating rule %d", retired.ID)

	rec := doJSON(t, srv, http.MethodGet, "/rules?active=true", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	page := decodeAs[rulePage](t, rec)
	require.Len(t, page.Rules, 1)
	assert.Equal(t, "vip-orders", page.Rules[0].Name)
	assert.Equal(t, int64(1), page.Total)
	assert.Equal(t, 50, page.Limit)
}

func TestListRulesRejectsBadActiveFlag(t *testing.T) {
	srv, _ := newTestServer(t, newFakeStore())

	rec := doJSON(t, srv, http.MethodGet, "/rules?active=maybe", nil)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUpdateRuleRejectsEmptyBody(t *testing.T) {
	srv, _ := newTestServer(t, newFakeStore())
	doJSON(t, srv, http.MethodPost, "/rules", validRuleBody())

	rec := doJSON(t, srv, http.MethodPut, "/rules/1", map[string]any{})

	require.Equal(t, http.StatusBadRequest, rec.Code)
	env := decodeAs[errorEnvelope](t, rec)
	assert.Contains(t, env.Message, "no fields to update")
}

func TestUpdateRuleAppliesPartialChange(t *testing.T) {
	srv, _ := newTestServer(t, newFakeStore())
	doJSON(t, srv, http.MethodPost, "/rules", validRuleBody())

	rec := doJSON(t, srv, http.MethodPut, "/rules/1", map[string]any{
		"name": "vip-orders-eu",
	})

	require.Equal(t, http.StatusOK, rec.Code)
	rule := decodeAs[store.Rule](t, rec)
	assert.Equal(t, "vip-orders-eu", rule.Name)
	assert.Equal(t, "order.created", rule.EventType)
}

func TestUpdateRuleValidatesNewDefinition(t *testing.T) {
	srv, _ := newTestServer(t, newFakeStore())
	doJSON(t, srv, http.MethodPost, "/rules", validRuleBody())

	rec := doJSON(t, srv, http.MethodPut, "/rules/1", map[string]any{
		"condition": map[string]any{"fetch": []any{}},
	})

	require.Equal(t, http.StatusBadRequest, rec.Code)
	env := decodeAs[errorEnvelope](t, rec)
	assert.Contains(t, env.Message, "Operator not allowed")
}

func TestUpdateRuleNotFound(t *testing.T) {
	srv, _ := newTestServer(t, newFakeStore())

	rec := doJSON(t, srv, http.MethodPut, "/rules/7", map[string]any{"name": "ghost"})

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeactivateRuleReturnsRow(t *testing.T) {
	srv, _ := newTestServer(t, newFakeStore())
	doJSON(t, srv, http.MethodPost, "/rules", validRuleBody())

	rec := doJSON(t, srv, http.MethodDelete, "/rules/1", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	rule := decodeAs[store.Rule](t, rec)
	assert.False(t, rule.Active)
	assert.Equal(t, "vip-orders", rule.Name)
}

func TestDeactivateRuleNotFound(t *testing.T) {
	srv, _ := newTestServer(t, newFakeStore())

	rec := doJSON(t, srv, http.MethodDelete, "/rules/7", nil)

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRuleVersionsMissingRule(t *testing.T) {
	srv, _ := newTestServer(t, newFakeStore())

	rec := doJSON(t, srv, http.MethodGet, "/rules/7/versions", nil)

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRuleVersionsListed(t *testing.T) {
	srv, _ := newTestServer(t, newFakeStore())
	doJSON(t, srv, http.MethodPost, "/rules", validRuleBody())

	rec := doJSON(t, srv, http.MethodGet, "/rules/1/versions", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	list := decodeAs[ruleVersionList](t, rec)
	require.Len(t, list.Versions, 1)
	assert.Equal(t, 1, list.Versions[0].Version)
}
