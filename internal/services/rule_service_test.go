package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"adpilot/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRuleService(t *testing.T) (*RuleService, *models.Tenant) {
	t.Helper()
	db := newTestDB(t)
	filter, err := NewEntityFilter()
	require.NoError(t, err)
	return NewRuleService(db, filter, quietLogger()), seedTenant(t, db, "acme", nil)
}

func TestRuleService_Validate(t *testing.T) {
	svc, _ := newRuleService(t)

	tests := []struct {
		name   string
		mutate func(r *RuleRequest)
		field  string
	}{
		{name: "valid", mutate: func(r *RuleRequest) {}},
		{name: "double equals normalised", mutate: func(r *RuleRequest) { r.Condition.Operator = "==" }},
		{name: "empty name", mutate: func(r *RuleRequest) { r.Name = "  " }, field: "name"},
		{name: "bad scope", mutate: func(r *RuleRequest) { r.Scope = "account" }, field: "scope"},
		{name: "unknown metric", mutate: func(r *RuleRequest) { r.Condition.Metric = "likes" }, field: "condition.metric"},
		{name: "relevance on adset", mutate: func(r *RuleRequest) {
			r.Scope = models.ScopeAdSet
			r.Condition.Metric = "relevance_score"
		}, field: "condition.metric"},
		{name: "bad operator", mutate: func(r *RuleRequest) { r.Condition.Operator = "!=" }, field: "condition.operator"},
		{name: "zero duration", mutate: func(r *RuleRequest) { r.Condition.DurationDays = 0 }, field: "condition.duration_days"},
		{name: "duration too long", mutate: func(r *RuleRequest) { r.Condition.DurationDays = 91 }, field: "condition.duration_days"},
		{name: "bad aggregation", mutate: func(r *RuleRequest) { r.Condition.Aggregation = "median" }, field: "condition.aggregation"},
		{name: "unknown action", mutate: func(r *RuleRequest) { r.Action.Type = "delete_ad" }, field: "action.type"},
		{name: "budget on ad", mutate: func(r *RuleRequest) {
			r.Action = RuleAction{Type: ActionIncreaseBudget, Params: ActionParams{Percent: 10}}
		}, field: "action.type"},
		{name: "budget percent out of range", mutate: func(r *RuleRequest) {
			r.Scope = models.ScopeAdSet
			r.Action = RuleAction{Type: ActionDecreaseBudget, Params: ActionParams{Percent: 150}}
		}, field: "action.params.percent"},
		{name: "duplicate on campaign", mutate: func(r *RuleRequest) {
			r.Scope = models.ScopeCampaign
			r.Action.Type = ActionDuplicateAdSet
		}, field: "action.type"},
		{name: "bad frequency", mutate: func(r *RuleRequest) { r.Frequency = "monthly" }, field: "frequency"},
		{name: "negative cooldown", mutate: func(r *RuleRequest) { r.CooldownHours = intPtr(-1) }, field: "cooldown_hours"},
		{name: "bad filter", mutate: func(r *RuleRequest) { r.EntityFilter = "entity.name +" }, field: "entity_filter"},
		{name: "non-bool filter", mutate: func(r *RuleRequest) { r.EntityFilter = `"x"` }, field: "entity_filter"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := cpcRule(models.ScopeAd)
			tt.mutate(req)
			err := svc.Validate(req)
			if tt.field == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrValidation))
			var ve *ValidationError
			require.True(t, errors.As(err, &ve))
			assert.Equal(t, tt.field, ve.Field)
		})
	}
}

func TestRuleService_CRUD(t *testing.T) {
	svc, tenant := newRuleService(t)
	ctx := context.Background()

	rule, err := svc.CreateRule(ctx, tenant.ID, cpcRule(models.ScopeAd))
	require.NoError(t, err)
	assert.Equal(t, 24, rule.CooldownHours)
	assert.True(t, rule.IsActive)
	assert.Equal(t, FrequencyDaily, rule.Frequency)

	off := false
	req := cpcRule(models.ScopeAd)
	req.Name = "paused rule"
	req.IsActive = &off
	req.CooldownHours = intPtr(0)
	second, err := svc.CreateRule(ctx, tenant.ID, req)
	require.NoError(t, err)

	active := true
	list, total, err := svc.ListRules(ctx, tenant.ID, RuleListFilter{Active: &active})
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	require.Len(t, list, 1)
	assert.Equal(t, rule.ID, list[0].ID)

	upd := cpcRule(models.ScopeAd)
	upd.Name = "Renamed"
	upd.Condition.Value = 9
	upd.IsActive = &active
	updated, err := svc.UpdateRule(ctx, tenant.ID, second.ID, upd)
	require.NoError(t, err)
	assert.Equal(t, "Renamed", updated.Name)
	assert.Equal(t, 9.0, updated.Value)
	assert.True(t, updated.IsActive)

	// 其他租户不可见
	_, err = svc.GetRule(ctx, tenant.ID+1, rule.ID)
	assert.ErrorIs(t, err, ErrRuleNotFound)
	assert.ErrorIs(t, svc.DeleteRule(ctx, tenant.ID+1, rule.ID), ErrRuleNotFound)

	require.NoError(t, svc.DeleteRule(ctx, tenant.ID, rule.ID))
	_, err = svc.GetRule(ctx, tenant.ID, rule.ID)
	assert.ErrorIs(t, err, ErrRuleNotFound)
	assert.ErrorIs(t, svc.DeleteRule(ctx, tenant.ID, rule.ID), ErrRuleNotFound)

	_, err = svc.CreateRule(ctx, tenant.ID, &RuleRequest{Name: "x", Scope: "ad"})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestIsDue(t *testing.T) {
	last := testNow.Add(-59*time.Minute - 30*time.Second)
	tests := []struct {
		frequency string
		last      *time.Time
		want      bool
	}{
		{FrequencyHourly, nil, true},
		{FrequencyHourly, &last, true},
		{FrequencyDaily, &last, false},
		{FrequencyWeekly, ptrTime(testNow.Add(-6 * 24 * time.Hour)), false},
		{FrequencyWeekly, ptrTime(testNow.Add(-7 * 24 * time.Hour)), true},
	}
	for _, tt := range tests {
		rule := &models.AutomationRule{Frequency: tt.frequency, LastEvaluatedAt: tt.last}
		assert.Equal(t, tt.want, IsDue(rule, testNow), "%s", tt.frequency)
	}
}

func ptrTime(t time.Time) *time.Time { return &t }
