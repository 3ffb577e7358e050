package services

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"adpilot/internal/config"
	"adpilot/internal/models"
	"adpilot/pkg/adplatform"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const fakePlatformName = "fake"

// 固定时钟：2026-03-10 12:00 UTC
var testNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	// 内存库每个连接独立，限制为单连接
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := db.AutoMigrate(models.All()...); err != nil {
		t.Fatalf("auto migrate: %v", err)
	}
	return db
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// fakePlatform records calls and serves canned budgets.
type fakePlatform struct {
	mu          sync.Mutex
	statusCalls []string
	budgets     map[string]decimal.Decimal
	budgetSets  map[string]decimal.Decimal
	failFor     map[string]error
	metrics     map[string]*adplatform.DailyMetrics
	dupCount    int
	onSetStatus func()
}

func newFakePlatform() *fakePlatform {
	return &fakePlatform{
		budgets:    map[string]decimal.Decimal{},
		budgetSets: map[string]decimal.Decimal{},
		failFor:    map[string]error{},
		metrics:    map[string]*adplatform.DailyMetrics{},
	}
}

func (f *fakePlatform) Platform() string { return fakePlatformName }

func (f *fakePlatform) GetDailyMetrics(_ context.Context, _ adplatform.Account, e adplatform.EntityRef, date time.Time) (*adplatform.DailyMetrics, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failFor[e.ExternalID]; err != nil {
		return nil, err
	}
	m, ok := f.metrics[e.ExternalID]
	if !ok {
		return nil, adplatform.ErrNotFound
	}
	cp := *m
	cp.Date = date
	return &cp, nil
}

func (f *fakePlatform) SetStatus(_ context.Context, _ adplatform.Account, e adplatform.EntityRef, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failFor[e.ExternalID]; err != nil {
		return err
	}
	f.statusCalls = append(f.statusCalls, e.ExternalID+":"+status)
	if f.onSetStatus != nil {
		f.onSetStatus()
	}
	return nil
}

func (f *fakePlatform) GetBudget(_ context.Context, _ adplatform.Account, e adplatform.EntityRef) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failFor[e.ExternalID]; err != nil {
		return decimal.Zero, err
	}
	return f.budgets[e.ExternalID], nil
}

func (f *fakePlatform) SetBudget(_ context.Context, _ adplatform.Account, e adplatform.EntityRef, amount decimal.Decimal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.budgetSets[e.ExternalID] = amount
	f.budgets[e.ExternalID] = amount
	return nil
}

func (f *fakePlatform) Duplicate(_ context.Context, _ adplatform.Account, adsetExternalID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failFor[adsetExternalID]; err != nil {
		return "", err
	}
	f.dupCount++
	return fmt.Sprintf("%s-copy-%d", adsetExternalID, f.dupCount), nil
}

func (f *fakePlatform) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.statusCalls...)
}

func seedTenant(t *testing.T, db *gorm.DB, name string, dailyCap *int) *models.Tenant {
	t.Helper()
	tenant := &models.Tenant{Name: name, MaxDailyActions: dailyCap, Timezone: "UTC"}
	require.NoError(t, db.Create(tenant).Error)
	return tenant
}

func seedAccount(t *testing.T, db *gorm.DB, tenantID uint) *models.AdAccount {
	t.Helper()
	acct := &models.AdAccount{TenantID: tenantID, Platform: fakePlatformName, ExternalID: fmt.Sprintf("act_%d", tenantID), AccessToken: "token"}
	require.NoError(t, db.Create(acct).Error)
	return acct
}

func seedEntity(t *testing.T, db *gorm.DB, acct *models.AdAccount, typ string, parent *models.AdEntity, name string) *models.AdEntity {
	t.Helper()
	e := &models.AdEntity{
		TenantID:    acct.TenantID,
		AccountID:   acct.ID,
		Type:        typ,
		ExternalID:  "ext-" + name,
		Name:        name,
		Status:      models.EntityStatusActive,
		DailyBudget: decimal.NewFromInt(100),
	}
	if parent != nil {
		e.ParentID = &parent.ID
	}
	require.NoError(t, db.Create(e).Error)
	return e
}

// seedSample 写入 daysAgo 天前的样本，spend/clicks 决定 CPC
func seedSample(t *testing.T, db *gorm.DB, e *models.AdEntity, daysAgo int, spend float64, clicks int64) {
	t.Helper()
	s := &models.MetricSample{
		TenantID:    e.TenantID,
		EntityID:    e.ID,
		EntityType:  e.Type,
		Date:        DayOf(testNow, time.UTC).AddDate(0, 0, -daysAgo),
		Spend:       spend,
		Clicks:      clicks,
		Impressions: clicks * 100,
	}
	DeriveRatios(s)
	require.NoError(t, db.Create(s).Error)
}

func intPtr(v int) *int { return &v }

// testEnv wires the engine the way the server does, with a fake platform.
type testEnv struct {
	db        *gorm.DB
	platform  *fakePlatform
	rules     *RuleService
	entities  *EntityService
	log       *ExecutionLogger
	alerts    *AlertService
	executor  *ActionExecutor
	approvals *ApprovalService
	engine    *RuleEngine
}

func newTestEnv(t *testing.T, cfg EngineConfig) *testEnv {
	t.Helper()
	db := newTestDB(t)
	lg := quietLogger()
	fp := newFakePlatform()
	filter, err := NewEntityFilter()
	require.NoError(t, err)

	env := &testEnv{db: db, platform: fp}
	env.rules = NewRuleService(db, filter, lg)
	env.entities = NewEntityService(db, lg)
	env.log = NewExecutionLogger(db, false, lg)
	env.alerts = NewAlertService(db, nil, lg)
	breakers := NewBreakerSet(config.CircuitBreakerConfig{Enabled: true, MaxFailures: 5, ResetTimeout: time.Minute, HalfOpenMaxReqs: 1})
	env.executor = NewActionExecutor(db, adplatform.NewRegistry(fp), breakers, env.alerts, time.Second, lg)
	env.approvals = NewApprovalService(db, env.log, env.entities, env.executor, lg)
	env.approvals.now = func() time.Time { return testNow }

	if cfg.EntityWorkers == 0 {
		cfg.EntityWorkers = 4
	}
	if cfg.MaxDailyActions == 0 {
		cfg.MaxDailyActions = 50
	}
	env.engine = NewRuleEngine(db, EngineDeps{
		Rules:      env.rules,
		Entities:   env.entities,
		Aggregator: NewMetricAggregator(db, time.Second),
		Guards:     NewGuards(db),
		Executor:   env.executor,
		Log:        env.log,
		Filter:     filter,
		Locker:     NewMemoryLocker(),
	}, cfg, lg)
	env.engine.SetClock(func() time.Time { return testNow })
	return env
}

// cpcRule 构造 "CPC 两日均值 > 5 则暂停" 的规则请求
func cpcRule(scope string) *RuleRequest {
	return &RuleRequest{
		Name:  "High CPC",
		Scope: scope,
		Condition: RuleCondition{
			Metric:       "cpc",
			Operator:     ">",
			Value:        5,
			DurationDays: 2,
			Aggregation:  AggAvg,
		},
		Action: RuleAction{Type: ActionPauseAd},
	}
}

func (env *testEnv) records(t *testing.T, tenantID uint) []models.ExecutionRecord {
	t.Helper()
	var recs []models.ExecutionRecord
	require.NoError(t, env.db.Where("tenant_id = ?", tenantID).Order("id ASC").Find(&recs).Error)
	return recs
}
