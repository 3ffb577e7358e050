package handlers

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"adpilot/internal/config"
	"adpilot/internal/middleware"
	"adpilot/internal/models"
	"adpilot/internal/services"
	"adpilot/pkg/adplatform"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var testJWT = config.JWTConfig{Secret: "handler-test-secret", Issuer: "adpilot"}

type apiEnv struct {
	db       *gorm.DB
	router   *gin.Engine
	ingestor *services.MetricIngestor
}

func newAPIEnv(t *testing.T, queueSize int) *apiEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	gdb, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := gdb.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, gdb.AutoMigrate(models.All()...))

	lg := logrus.New()
	lg.SetOutput(io.Discard)

	filter, err := services.NewEntityFilter()
	require.NoError(t, err)
	registry := adplatform.NewRegistry()
	breakers := services.NewBreakerSet(config.CircuitBreakerConfig{Enabled: true, MaxFailures: 5, ResetTimeout: time.Minute, HalfOpenMaxReqs: 1})
	rules := services.NewRuleService(gdb, filter, lg)
	entities := services.NewEntityService(gdb, lg)
	execLog := services.NewExecutionLogger(gdb, false, lg)
	alerts := services.NewAlertService(gdb, nil, lg)
	executor := services.NewActionExecutor(gdb, registry, breakers, alerts, time.Second, lg)
	approvals := services.NewApprovalService(gdb, execLog, entities, executor, lg)
	engine := services.NewRuleEngine(gdb, services.EngineDeps{
		Rules:      rules,
		Entities:   entities,
		Aggregator: services.NewMetricAggregator(gdb, time.Second),
		Guards:     services.NewGuards(gdb),
		Executor:   executor,
		Log:        execLog,
		Filter:     filter,
	}, services.EngineConfig{MaxDailyActions: 10, EntityWorkers: 2}, lg)
	ingestor := services.NewMetricIngestor(gdb, entities, registry, queueSize, lg)

	r := gin.New()
	RegisterHealthRoutes(r, NewEnhancedHealthHandler("test", gdb, nil, registry, breakers, lg))
	api := r.Group("/api/v1")
	api.Use(middleware.AuthMiddleware(testJWT))
	auto := api.Group("/automation")
	RegisterRuleRoutes(auto, NewRuleHandler(rules))
	RegisterExecutionRoutes(auto, NewExecutionHandler(execLog))
	RegisterApprovalRoutes(auto, NewApprovalHandler(approvals))
	RegisterAutomationRoutes(auto, NewAutomationHandler(engine, alerts, breakers))
	RegisterMetricRoutes(api, NewMetricIngestHandler(ingestor))

	return &apiEnv{db: gdb, router: r, ingestor: ingestor}
}

func (e *apiEnv) tenant(t *testing.T, name string) *models.Tenant {
	t.Helper()
	tenant := &models.Tenant{Name: name, Timezone: "UTC"}
	require.NoError(t, e.db.Create(tenant).Error)
	return tenant
}

func token(t *testing.T, tenantID uint, roles ...string) string {
	t.Helper()
	tok, err := middleware.SignToken(testJWT, tenantID, 7, roles, time.Hour)
	require.NoError(t, err)
	return tok
}

func (e *apiEnv) do(t *testing.T, method, path, tok string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, out interface{}) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), out); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
}

func cpcRuleBody() map[string]interface{} {
	return map[string]interface{}{
		"name":  "High CPC",
		"scope": "ad",
		"condition": map[string]interface{}{
			"metric":        "cpc",
			"operator":      ">",
			"value":         5,
			"duration_days": 2,
			"aggregation":   "avg",
		},
		"action": map[string]interface{}{"type": "pause_ad"},
	}
}

func TestAPI_RequiresToken(t *testing.T) {
	env := newAPIEnv(t, 8)
	w := env.do(t, http.MethodGet, "/api/v1/automation/rules", "", nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestRuleRoutes_CRUD(t *testing.T) {
	env := newAPIEnv(t, 8)
	tenant := env.tenant(t, "acme")
	admin := token(t, tenant.ID, middleware.RoleAdmin)

	w := env.do(t, http.MethodPost, "/api/v1/automation/rules", admin, cpcRuleBody())
	if w.Code != http.StatusCreated {
		t.Fatalf("create: %d %s", w.Code, w.Body.String())
	}
	var created models.AutomationRule
	decode(t, w, &created)
	require.NotZero(t, created.ID)
	require.Equal(t, tenant.ID, created.TenantID)
	require.Equal(t, "daily", created.Frequency)

	w = env.do(t, http.MethodGet, "/api/v1/automation/rules", admin, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var page PaginatedResponse
	decode(t, w, &page)
	require.EqualValues(t, 1, page.Total)
	require.Equal(t, 1, page.Pages)

	path := "/api/v1/automation/rules/" + uintStr(created.ID)
	update := cpcRuleBody()
	update["name"] = "Very high CPC"
	w = env.do(t, http.MethodPut, path, admin, update)
	if w.Code != http.StatusOK {
		t.Fatalf("update: %d %s", w.Code, w.Body.String())
	}
	var updated models.AutomationRule
	decode(t, w, &updated)
	require.Equal(t, "Very high CPC", updated.Name)

	w = env.do(t, http.MethodDelete, path, admin, nil)
	require.Equal(t, http.StatusOK, w.Code)
	w = env.do(t, http.MethodGet, path, admin, nil)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestRuleRoutes_ValidationAndRoles(t *testing.T) {
	env := newAPIEnv(t, 8)
	tenant := env.tenant(t, "acme")

	w := env.do(t, http.MethodPost, "/api/v1/automation/rules", token(t, tenant.ID, middleware.RoleViewer), cpcRuleBody())
	require.Equal(t, http.StatusForbidden, w.Code)

	bad := cpcRuleBody()
	bad["condition"].(map[string]interface{})["metric"] = "bogus"
	w = env.do(t, http.MethodPost, "/api/v1/automation/rules", token(t, tenant.ID, middleware.RoleAdmin), bad)
	require.Equal(t, http.StatusBadRequest, w.Code)
	var resp ErrorResponse
	decode(t, w, &resp)
	require.Contains(t, resp.Message, "metric")

	w = env.do(t, http.MethodGet, "/api/v1/automation/rules/abc", token(t, tenant.ID), nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRuleRoutes_TenantIsolation(t *testing.T) {
	env := newAPIEnv(t, 8)
	a := env.tenant(t, "a")
	b := env.tenant(t, "b")

	w := env.do(t, http.MethodPost, "/api/v1/automation/rules", token(t, a.ID, middleware.RoleAdmin), cpcRuleBody())
	require.Equal(t, http.StatusCreated, w.Code)
	var created models.AutomationRule
	decode(t, w, &created)

	w = env.do(t, http.MethodGet, "/api/v1/automation/rules/"+uintStr(created.ID), token(t, b.ID), nil)
	require.Equal(t, http.StatusNotFound, w.Code)
	w = env.do(t, http.MethodDelete, "/api/v1/automation/rules/"+uintStr(created.ID), token(t, b.ID, middleware.RoleAdmin), nil)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestAutomationRun(t *testing.T) {
	env := newAPIEnv(t, 8)
	tenant := env.tenant(t, "acme")

	w := env.do(t, http.MethodPost, "/api/v1/automation/run", token(t, tenant.ID, middleware.RoleAdmin), map[string]bool{"dry_run": true})
	if w.Code != http.StatusOK {
		t.Fatalf("run: %d %s", w.Code, w.Body.String())
	}
	var res services.RunResult
	decode(t, w, &res)
	require.True(t, res.DryRun)
	require.Equal(t, 0, res.Evaluated)

	w = env.do(t, http.MethodPost, "/api/v1/automation/run", token(t, tenant.ID, middleware.RoleViewer), nil)
	require.Equal(t, http.StatusForbidden, w.Code)

	require.NoError(t, env.db.Model(tenant).Update("automation_enabled", false).Error)
	w = env.do(t, http.MethodPost, "/api/v1/automation/run", token(t, tenant.ID, middleware.RoleAdmin), nil)
	require.Equal(t, http.StatusConflict, w.Code)
}

func TestApprovalRoutes(t *testing.T) {
	env := newAPIEnv(t, 8)
	tenant := env.tenant(t, "acme")
	approver := token(t, tenant.ID, middleware.RoleApprover)

	rec := &models.ExecutionRecord{
		TenantID:   tenant.ID,
		RunID:      "run-1",
		RuleID:     1,
		RuleName:   "High CPC",
		EntityID:   1,
		ActionType: "pause_ad",
		Status:     models.ExecutionPendingApproval,
		Mode:       models.ModeApproval,
	}
	require.NoError(t, env.db.Create(rec).Error)

	w := env.do(t, http.MethodGet, "/api/v1/automation/approvals", approver, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var page PaginatedResponse
	decode(t, w, &page)
	require.EqualValues(t, 1, page.Total)

	// 非法分页参数回退为默认值
	w = env.do(t, http.MethodGet, "/api/v1/automation/approvals?page=0&page_size=abc", approver, nil)
	require.Equal(t, http.StatusOK, w.Code)
	page = PaginatedResponse{}
	decode(t, w, &page)
	require.Equal(t, 1, page.Page)
	require.Equal(t, 20, page.PageSize)
	require.Len(t, page.Data, 1)

	w = env.do(t, http.MethodPost, "/api/v1/automation/approvals/"+uintStr(rec.ID)+"/reject", token(t, tenant.ID, middleware.RoleViewer), nil)
	require.Equal(t, http.StatusForbidden, w.Code)

	w = env.do(t, http.MethodPost, "/api/v1/automation/approvals/"+uintStr(rec.ID)+"/reject", approver, map[string]string{"reason": "too aggressive"})
	if w.Code != http.StatusOK {
		t.Fatalf("reject: %d %s", w.Code, w.Body.String())
	}
	var rejected models.ExecutionRecord
	decode(t, w, &rejected)
	require.Equal(t, models.ExecutionRejected, rejected.Status)

	// 终态不可再次决策
	w = env.do(t, http.MethodPost, "/api/v1/automation/approvals/"+uintStr(rec.ID)+"/approve", approver, nil)
	require.Equal(t, http.StatusConflict, w.Code)

	w = env.do(t, http.MethodPost, "/api/v1/automation/approvals/9999/reject", approver, nil)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestExecutionRoutes(t *testing.T) {
	env := newAPIEnv(t, 8)
	tenant := env.tenant(t, "acme")
	tok := token(t, tenant.ID)
	now := time.Now().UTC()
	for _, status := range []string{models.ExecutionExecuted, models.ExecutionFailed, models.ExecutionExecuted} {
		require.NoError(t, env.db.Create(&models.ExecutionRecord{
			TenantID:    tenant.ID,
			RunID:       "run-1",
			RuleID:      1,
			EntityID:    2,
			ActionType:  "pause_ad",
			Status:      status,
			Mode:        models.ModeAutonomous,
			EvaluatedAt: now,
			ExecutedAt:  &now,
		}).Error)
	}

	w := env.do(t, http.MethodGet, "/api/v1/automation/executions?status=executed", tok, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var page PaginatedResponse
	decode(t, w, &page)
	require.EqualValues(t, 2, page.Total)

	w = env.do(t, http.MethodGet, "/api/v1/automation/executions/stats?days=1", tok, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var stats services.ExecutionStats
	decode(t, w, &stats)
	require.EqualValues(t, 3, stats.Total)
	require.EqualValues(t, 1, stats.ByStatus[models.ExecutionFailed])

	w = env.do(t, http.MethodGet, "/api/v1/automation/executions/stats?days=0", tok, nil)
	require.Equal(t, http.StatusBadRequest, w.Code)

	other := env.tenant(t, "other")
	w = env.do(t, http.MethodGet, "/api/v1/automation/executions/1", token(t, other.ID), nil)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestMetricIngest(t *testing.T) {
	env := newAPIEnv(t, 1)
	tenant := env.tenant(t, "acme")
	tok := token(t, tenant.ID)
	acct := &models.AdAccount{TenantID: tenant.ID, Platform: adplatform.PlatformMeta, ExternalID: "act_1", AccessToken: "x"}
	require.NoError(t, env.db.Create(acct).Error)
	ad := &models.AdEntity{TenantID: tenant.ID, AccountID: acct.ID, Type: models.ScopeAd, ExternalID: "ad-1", Name: "ad", Status: models.EntityStatusActive, DailyBudget: decimal.NewFromInt(10)}
	require.NoError(t, env.db.Create(ad).Error)

	yesterday := time.Now().UTC().AddDate(0, 0, -1).Format("2006-01-02")
	sample := map[string]interface{}{"entity_id": ad.ID, "date": yesterday, "spend": 12.5, "clicks": 5, "impressions": 1000}

	w := env.do(t, http.MethodPost, "/api/v1/metrics/samples", tok, map[string]interface{}{"samples": []interface{}{sample}})
	if w.Code != http.StatusAccepted {
		t.Fatalf("ingest: %d %s", w.Code, w.Body.String())
	}
	var out struct {
		Queued int `json:"queued"`
	}
	decode(t, w, &out)
	require.Equal(t, 1, out.Queued)

	// 队列容量为 1 且 worker 未启动
	w = env.do(t, http.MethodPost, "/api/v1/metrics/samples", tok, map[string]interface{}{"samples": []interface{}{sample}})
	require.Equal(t, http.StatusServiceUnavailable, w.Code)

	unknown := map[string]interface{}{"entity_id": 999, "date": yesterday}
	w = env.do(t, http.MethodPost, "/api/v1/metrics/samples", tok, map[string]interface{}{"samples": []interface{}{unknown}})
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodPost, "/api/v1/metrics/samples", tok, map[string]interface{}{"samples": []interface{}{}})
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func uintStr(v uint) string {
	return strconv.FormatUint(uint64(v), 10)
}
