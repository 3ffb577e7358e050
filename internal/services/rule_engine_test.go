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

func TestRuleEngine_PausesAdAboveThreshold(t *testing.T) {
	env := newTestEnv(t, EngineConfig{})
	ctx := context.Background()
	tenant := seedTenant(t, env.db, "acme", nil)
	acct := seedAccount(t, env.db, tenant.ID)
	campaign := seedEntity(t, env.db, acct, models.ScopeCampaign, nil, "campaign")
	adset := seedEntity(t, env.db, acct, models.ScopeAdSet, campaign, "adset")
	ad := seedEntity(t, env.db, acct, models.ScopeAd, adset, "ad-1")
	seedSample(t, env.db, ad, 2, 60, 10) // CPC 6
	seedSample(t, env.db, ad, 1, 70, 10) // CPC 7

	rule, err := env.rules.CreateRule(ctx, tenant.ID, cpcRule(models.ScopeAd))
	require.NoError(t, err)

	res, err := env.engine.RunTenant(ctx, tenant.ID, RunOptions{Trigger: "test"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Evaluated)
	assert.Equal(t, 1, res.Executed)
	assert.Equal(t, []string{"ext-ad-1:paused"}, env.platform.calls())

	recs := env.records(t, tenant.ID)
	require.Len(t, recs, 1)
	rec := recs[0]
	assert.Equal(t, models.ExecutionExecuted, rec.Status)
	assert.Equal(t, models.ModeAutonomous, rec.Mode)
	assert.Equal(t, rule.ID, rec.RuleID)
	require.NotNil(t, rec.MatchedValue)
	assert.InDelta(t, 6.5, *rec.MatchedValue, 1e-9)
	assert.Equal(t, 5.0, rec.ThresholdValue)
	require.NotNil(t, rec.ExecutedAt)
	assert.Contains(t, string(rec.Result), `"new_status":"paused"`)

	var stored models.AdEntity
	require.NoError(t, env.db.First(&stored, ad.ID).Error)
	assert.Equal(t, models.EntityStatusPaused, stored.Status)

	var reloaded models.AutomationRule
	require.NoError(t, env.db.First(&reloaded, rule.ID).Error)
	require.NotNil(t, reloaded.LastEvaluatedAt)
}

func TestRuleEngine_CooldownSkipsRecentlyExecuted(t *testing.T) {
	env := newTestEnv(t, EngineConfig{})
	ctx := context.Background()
	tenant := seedTenant(t, env.db, "acme", nil)
	acct := seedAccount(t, env.db, tenant.ID)
	ad := seedEntity(t, env.db, acct, models.ScopeAd, nil, "ad-1")
	seedSample(t, env.db, ad, 2, 60, 10)
	seedSample(t, env.db, ad, 1, 70, 10)

	rule, err := env.rules.CreateRule(ctx, tenant.ID, cpcRule(models.ScopeAd))
	require.NoError(t, err)

	executedAt := testNow.Add(-10 * time.Hour)
	require.NoError(t, env.db.Create(&models.ExecutionRecord{
		TenantID: tenant.ID, RuleID: rule.ID, EntityID: ad.ID, ActionType: ActionPauseAd,
		Mode: models.ModeAutonomous, Status: models.ExecutionExecuted,
		EvaluatedAt: executedAt, ExecutedAt: &executedAt,
	}).Error)

	res, err := env.engine.RunTenant(ctx, tenant.ID, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.SkippedCooldown)
	assert.Equal(t, 0, res.Executed)
	assert.Empty(t, env.platform.calls())

	recs := env.records(t, tenant.ID)
	require.Len(t, recs, 2)
	assert.Equal(t, models.ExecutionSkippedCooldown, recs[1].Status)
}

func TestRuleEngine_NoDataIsNotMatched(t *testing.T) {
	env := newTestEnv(t, EngineConfig{})
	ctx := context.Background()
	tenant := seedTenant(t, env.db, "acme", nil)
	acct := seedAccount(t, env.db, tenant.ID)
	ad := seedEntity(t, env.db, acct, models.ScopeAd, nil, "ad-1")
	// 只有今天的数据，不在窗口内
	seedSample(t, env.db, ad, 0, 100, 10)

	_, err := env.rules.CreateRule(ctx, tenant.ID, cpcRule(models.ScopeAd))
	require.NoError(t, err)

	res, err := env.engine.RunTenant(ctx, tenant.ID, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.NotMatched)
	assert.Empty(t, env.platform.calls())
	assert.Empty(t, env.records(t, tenant.ID), "not_matched is elided by default")
}

func TestRuleEngine_DailyCap(t *testing.T) {
	env := newTestEnv(t, EngineConfig{})
	ctx := context.Background()
	tenant := seedTenant(t, env.db, "acme", intPtr(1))
	acct := seedAccount(t, env.db, tenant.ID)
	for _, name := range []string{"ad-1", "ad-2"} {
		ad := seedEntity(t, env.db, acct, models.ScopeAd, nil, name)
		seedSample(t, env.db, ad, 1, 80, 10)
	}
	_, err := env.rules.CreateRule(ctx, tenant.ID, cpcRule(models.ScopeAd))
	require.NoError(t, err)

	res, err := env.engine.RunTenant(ctx, tenant.ID, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Executed)
	assert.Equal(t, 1, res.SkippedCap)
	assert.Len(t, env.platform.calls(), 1)

	n, err := NewGuards(env.db).AutonomousActionsSince(ctx, tenant.ID, LocalMidnight(testNow, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestRuleEngine_DailyCapSpansRules(t *testing.T) {
	env := newTestEnv(t, EngineConfig{})
	ctx := context.Background()
	tenant := seedTenant(t, env.db, "acme", intPtr(1))
	acct := seedAccount(t, env.db, tenant.ID)
	ad := seedEntity(t, env.db, acct, models.ScopeAd, nil, "ad-1")
	seedSample(t, env.db, ad, 1, 80, 10)

	for _, name := range []string{"first", "second"} {
		req := cpcRule(models.ScopeAd)
		req.Name = name
		req.Action = RuleAction{Type: ActionCreateAlert, Params: ActionParams{Message: name + " fired"}}
		_, err := env.rules.CreateRule(ctx, tenant.ID, req)
		require.NoError(t, err)
	}

	res, err := env.engine.RunTenant(ctx, tenant.ID, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Evaluated)
	assert.Equal(t, 1, res.Executed)
	assert.Equal(t, 1, res.SkippedCap)

	var alerts int64
	require.NoError(t, env.db.Model(&models.Alert{}).Where("tenant_id = ?", tenant.ID).Count(&alerts).Error)
	assert.Equal(t, int64(1), alerts)
}

func TestRuleEngine_RerunWithinCooldown(t *testing.T) {
	env := newTestEnv(t, EngineConfig{})
	ctx := context.Background()
	tenant := seedTenant(t, env.db, "acme", nil)
	acct := seedAccount(t, env.db, tenant.ID)
	ad := seedEntity(t, env.db, acct, models.ScopeAd, nil, "ad-1")
	seedSample(t, env.db, ad, 1, 80, 10)
	_, err := env.rules.CreateRule(ctx, tenant.ID, cpcRule(models.ScopeAd))
	require.NoError(t, err)

	res, err := env.engine.RunTenant(ctx, tenant.ID, RunOptions{})
	require.NoError(t, err)
	require.Equal(t, 1, res.Executed)

	// 一小时后再跑，仍在 24 小时冷却期内
	env.engine.SetClock(func() time.Time { return testNow.Add(time.Hour) })
	res, err = env.engine.RunTenant(ctx, tenant.ID, RunOptions{Force: true})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Executed)
	assert.Equal(t, 1, res.SkippedCooldown)
	assert.Equal(t, []string{"ext-ad-1:paused"}, env.platform.calls())

	recs := env.records(t, tenant.ID)
	require.Len(t, recs, 2)
	assert.Equal(t, models.ExecutionExecuted, recs[0].Status)
	assert.Equal(t, models.ExecutionSkippedCooldown, recs[1].Status)
}

func TestRuleEngine_ZeroCapBlocksAutonomousActions(t *testing.T) {
	env := newTestEnv(t, EngineConfig{})
	ctx := context.Background()
	tenant := seedTenant(t, env.db, "acme", intPtr(0))
	acct := seedAccount(t, env.db, tenant.ID)
	ad := seedEntity(t, env.db, acct, models.ScopeAd, nil, "ad-1")
	seedSample(t, env.db, ad, 1, 80, 10)
	_, err := env.rules.CreateRule(ctx, tenant.ID, cpcRule(models.ScopeAd))
	require.NoError(t, err)

	res, err := env.engine.RunTenant(ctx, tenant.ID, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.SkippedCap)
	assert.Empty(t, env.platform.calls())
}

func TestRuleEngine_ActionFailureIsIsolated(t *testing.T) {
	env := newTestEnv(t, EngineConfig{})
	ctx := context.Background()
	tenant := seedTenant(t, env.db, "acme", nil)
	acct := seedAccount(t, env.db, tenant.ID)
	bad := seedEntity(t, env.db, acct, models.ScopeAd, nil, "bad")
	good := seedEntity(t, env.db, acct, models.ScopeAd, nil, "good")
	seedSample(t, env.db, bad, 1, 80, 10)
	seedSample(t, env.db, good, 1, 80, 10)
	env.platform.failFor[bad.ExternalID] = errors.New("upstream 500")

	_, err := env.rules.CreateRule(ctx, tenant.ID, cpcRule(models.ScopeAd))
	require.NoError(t, err)

	res, err := env.engine.RunTenant(ctx, tenant.ID, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Executed)
	assert.Equal(t, 1, res.Failed)

	byEntity := map[uint]models.ExecutionRecord{}
	for _, r := range env.records(t, tenant.ID) {
		byEntity[r.EntityID] = r
	}
	assert.Equal(t, models.ExecutionFailed, byEntity[bad.ID].Status)
	require.NotNil(t, byEntity[bad.ID].ErrorMessage)
	assert.Contains(t, *byEntity[bad.ID].ErrorMessage, "upstream 500")
	assert.Nil(t, byEntity[bad.ID].ExecutedAt)
	assert.Equal(t, models.ExecutionExecuted, byEntity[good.ID].Status)
}

func TestRuleEngine_TenantIsolation(t *testing.T) {
	env := newTestEnv(t, EngineConfig{})
	ctx := context.Background()
	a := seedTenant(t, env.db, "a", nil)
	b := seedTenant(t, env.db, "b", nil)
	acctA := seedAccount(t, env.db, a.ID)
	seedAccount(t, env.db, b.ID)
	adA := seedEntity(t, env.db, acctA, models.ScopeAd, nil, "a-ad")
	seedSample(t, env.db, adA, 1, 80, 10)

	// 只有租户 B 有规则，A 的实体不能被 B 的规则触达
	_, err := env.rules.CreateRule(ctx, b.ID, cpcRule(models.ScopeAd))
	require.NoError(t, err)

	res := env.engine.RunAll(ctx, RunOptions{Trigger: "test"})
	assert.Equal(t, 2, res.Tenants)
	assert.Equal(t, 0, res.Evaluated)
	assert.Empty(t, res.TenantErrors)
	assert.Empty(t, env.platform.calls())
}

func TestRuleEngine_SkipsDisabledTenant(t *testing.T) {
	env := newTestEnv(t, EngineConfig{})
	ctx := context.Background()
	tenant := seedTenant(t, env.db, "acme", nil)
	require.NoError(t, env.db.Model(tenant).Update("automation_enabled", false).Error)

	_, err := env.engine.RunTenant(ctx, tenant.ID, RunOptions{})
	assert.ErrorIs(t, err, ErrAutomationDisabled)

	_, err = env.engine.RunTenant(ctx, 999, RunOptions{})
	assert.ErrorIs(t, err, ErrTenantNotFound)

	res := env.engine.RunAll(ctx, RunOptions{})
	assert.Equal(t, 0, res.Tenants)
}

func TestRuleEngine_FrequencyGate(t *testing.T) {
	env := newTestEnv(t, EngineConfig{})
	ctx := context.Background()
	tenant := seedTenant(t, env.db, "acme", nil)
	acct := seedAccount(t, env.db, tenant.ID)
	ad := seedEntity(t, env.db, acct, models.ScopeAd, nil, "ad-1")
	seedSample(t, env.db, ad, 1, 20, 10) // CPC 2，不命中

	_, err := env.rules.CreateRule(ctx, tenant.ID, cpcRule(models.ScopeAd))
	require.NoError(t, err)

	res, err := env.engine.RunTenant(ctx, tenant.ID, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Evaluated)

	res, err = env.engine.RunTenant(ctx, tenant.ID, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Evaluated, "daily rule is not due twice on the same day")

	res, err = env.engine.RunTenant(ctx, tenant.ID, RunOptions{Force: true})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Evaluated)

	env.engine.SetClock(func() time.Time { return testNow.Add(24 * time.Hour) })
	res, err = env.engine.RunTenant(ctx, tenant.ID, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Evaluated)
}

func TestRuleEngine_EntityFilter(t *testing.T) {
	env := newTestEnv(t, EngineConfig{})
	ctx := context.Background()
	tenant := seedTenant(t, env.db, "acme", nil)
	acct := seedAccount(t, env.db, tenant.ID)
	promo := seedEntity(t, env.db, acct, models.ScopeAd, nil, "Promo spring")
	other := seedEntity(t, env.db, acct, models.ScopeAd, nil, "Brand")
	seedSample(t, env.db, promo, 1, 80, 10)
	seedSample(t, env.db, other, 1, 80, 10)

	req := cpcRule(models.ScopeAd)
	req.EntityFilter = `entity.name.startsWith("Promo")`
	_, err := env.rules.CreateRule(ctx, tenant.ID, req)
	require.NoError(t, err)

	res, err := env.engine.RunTenant(ctx, tenant.ID, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Evaluated)
	assert.Equal(t, []string{"ext-Promo spring:paused"}, env.platform.calls())
}

func TestRuleEngine_DryRunHasNoSideEffects(t *testing.T) {
	env := newTestEnv(t, EngineConfig{})
	ctx := context.Background()
	tenant := seedTenant(t, env.db, "acme", intPtr(1))
	acct := seedAccount(t, env.db, tenant.ID)
	for _, name := range []string{"ad-1", "ad-2"} {
		ad := seedEntity(t, env.db, acct, models.ScopeAd, nil, name)
		seedSample(t, env.db, ad, 1, 80, 10)
	}
	rule, err := env.rules.CreateRule(ctx, tenant.ID, cpcRule(models.ScopeAd))
	require.NoError(t, err)

	res, err := env.engine.RunTenant(ctx, tenant.ID, RunOptions{DryRun: true})
	require.NoError(t, err)
	assert.True(t, res.DryRun)
	assert.Equal(t, 1, res.Executed)
	assert.Equal(t, 1, res.SkippedCap, "dry run simulates the daily cap")
	assert.Len(t, res.Outcomes, 2)

	assert.Empty(t, env.platform.calls())
	assert.Empty(t, env.records(t, tenant.ID))
	var reloaded models.AutomationRule
	require.NoError(t, env.db.First(&reloaded, rule.ID).Error)
	assert.Nil(t, reloaded.LastEvaluatedAt)
}

func TestRuleEngine_InactiveRuleIgnored(t *testing.T) {
	env := newTestEnv(t, EngineConfig{})
	ctx := context.Background()
	tenant := seedTenant(t, env.db, "acme", nil)
	acct := seedAccount(t, env.db, tenant.ID)
	ad := seedEntity(t, env.db, acct, models.ScopeAd, nil, "ad-1")
	seedSample(t, env.db, ad, 1, 80, 10)

	req := cpcRule(models.ScopeAd)
	off := false
	req.IsActive = &off
	_, err := env.rules.CreateRule(ctx, tenant.ID, req)
	require.NoError(t, err)

	res, err := env.engine.RunTenant(ctx, tenant.ID, RunOptions{Force: true})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Evaluated)
}

func TestRuleEngine_PausedAccountExcluded(t *testing.T) {
	env := newTestEnv(t, EngineConfig{})
	ctx := context.Background()
	tenant := seedTenant(t, env.db, "acme", nil)
	acct := seedAccount(t, env.db, tenant.ID)
	ad := seedEntity(t, env.db, acct, models.ScopeAd, nil, "ad-1")
	seedSample(t, env.db, ad, 1, 80, 10)
	require.NoError(t, env.db.Model(acct).Update("active", false).Error)

	_, err := env.rules.CreateRule(ctx, tenant.ID, cpcRule(models.ScopeAd))
	require.NoError(t, err)

	res, err := env.engine.RunTenant(ctx, tenant.ID, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Evaluated)
}

func TestRuleEngine_ExplicitlyDisabledFlagsAreStored(t *testing.T) {
	env := newTestEnv(t, EngineConfig{})
	ctx := context.Background()

	off := &models.Tenant{Name: "off", Timezone: "UTC", AutomationEnabled: models.Bool(false)}
	require.NoError(t, env.db.Create(off).Error)
	var reloaded models.Tenant
	require.NoError(t, env.db.First(&reloaded, off.ID).Error)
	assert.False(t, reloaded.Automated())
	_, err := env.engine.RunTenant(ctx, off.ID, RunOptions{})
	assert.ErrorIs(t, err, ErrAutomationDisabled)

	// 未设置时取列默认值
	on := seedTenant(t, env.db, "on", nil)
	require.NoError(t, env.db.First(&reloaded, on.ID).Error)
	assert.True(t, reloaded.Automated())

	acct := &models.AdAccount{TenantID: on.ID, Platform: fakePlatformName, ExternalID: "act_off", Active: models.Bool(false)}
	require.NoError(t, env.db.Create(acct).Error)
	ad := seedEntity(t, env.db, acct, models.ScopeAd, nil, "ad-1")
	seedSample(t, env.db, ad, 1, 80, 10)
	_, err = env.rules.CreateRule(ctx, on.ID, cpcRule(models.ScopeAd))
	require.NoError(t, err)

	res, err := env.engine.RunTenant(ctx, on.ID, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Evaluated)
	assert.Empty(t, env.platform.calls())
}
