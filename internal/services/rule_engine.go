package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"adpilot/internal/metrics"
	"adpilot/internal/models"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// OutcomeSkippedPending 已有待审批记录时的结果，不落库
const OutcomeSkippedPending = "skipped_pending"

var ErrAutomationDisabled = errors.New("automation disabled for tenant")

// EngineConfig 引擎运行参数
type EngineConfig struct {
	MaxDailyActions int
	EntityWorkers   int
	EqualityEpsilon float64
	DryRun          bool
}

// RunOptions 单次运行选项
type RunOptions struct {
	TenantIDs []uint // 为空表示所有启用自动化的租户
	DryRun    bool
	Force     bool // 忽略 frequency 到期判断
	Trigger   string
}

// EntityOutcome 单个 (规则, 实体) 的评估结果，仅 dry run 时返回
type EntityOutcome struct {
	TenantID     uint     `json:"tenant_id"`
	RuleID       uint     `json:"rule_id"`
	RuleName     string   `json:"rule_name"`
	EntityID     uint     `json:"entity_id"`
	EntityName   string   `json:"entity_name"`
	ActionType   string   `json:"action_type"`
	Status       string   `json:"status"`
	MatchedValue *float64 `json:"matched_value,omitempty"`
	Threshold    float64  `json:"threshold_value"`
	Error        string   `json:"error,omitempty"`
}

type TenantError struct {
	TenantID  uint   `json:"tenant_id"`
	Error     string `json:"error"`
	Retryable bool   `json:"retryable"`
}

// RunResult 运行汇总
type RunResult struct {
	RunID           string          `json:"run_id"`
	DryRun          bool            `json:"dry_run"`
	Evaluated       int             `json:"evaluated"`
	Executed        int             `json:"executed"`
	PendingApproval int             `json:"pending_approval"`
	Failed          int             `json:"failed"`
	NotMatched      int             `json:"not_matched"`
	SkippedCooldown int             `json:"skipped_cooldown"`
	SkippedCap      int             `json:"skipped_cap"`
	SkippedPending  int             `json:"skipped_pending"`
	Tenants         int             `json:"tenants"`
	TenantErrors    []TenantError   `json:"tenant_errors,omitempty"`
	Outcomes        []EntityOutcome `json:"outcomes,omitempty"`
	StartedAt       time.Time       `json:"started_at"`
	FinishedAt      time.Time       `json:"finished_at"`
}

// RetryableTenants 出错且尚未执行任何动作的租户
func (r *RunResult) RetryableTenants() []uint {
	var ids []uint
	for _, te := range r.TenantErrors {
		if te.Retryable {
			ids = append(ids, te.TenantID)
		}
	}
	return ids
}

func (r *RunResult) add(o EntityOutcome, keep bool) {
	r.Evaluated++
	switch o.Status {
	case models.ExecutionExecuted:
		r.Executed++
	case models.ExecutionPendingApproval:
		r.PendingApproval++
	case models.ExecutionFailed:
		r.Failed++
	case models.ExecutionNotMatched:
		r.NotMatched++
	case models.ExecutionSkippedCooldown:
		r.SkippedCooldown++
	case models.ExecutionSkippedCap:
		r.SkippedCap++
	case OutcomeSkippedPending:
		r.SkippedPending++
	}
	if keep {
		r.Outcomes = append(r.Outcomes, o)
	}
}

// RuleEngine 调度入口：租户 → 规则 → 实体
type RuleEngine struct {
	db         *gorm.DB
	rules      *RuleService
	entities   *EntityService
	aggregator *MetricAggregator
	guards     *Guards
	executor   *ActionExecutor
	execLog    *ExecutionLogger
	filter     *EntityFilter
	locker     Locker
	cfg        EngineConfig
	logger     *logrus.Logger
	tracer     trace.Tracer
	now        func() time.Time
}

// EngineDeps 引擎依赖
type EngineDeps struct {
	Rules      *RuleService
	Entities   *EntityService
	Aggregator *MetricAggregator
	Guards     *Guards
	Executor   *ActionExecutor
	Log        *ExecutionLogger
	Filter     *EntityFilter
	Locker     Locker
}

func NewRuleEngine(db *gorm.DB, deps EngineDeps, cfg EngineConfig, logger *logrus.Logger) *RuleEngine {
	if logger == nil {
		logger = logrus.New()
	}
	if cfg.EntityWorkers <= 0 {
		cfg.EntityWorkers = 1
	}
	locker := deps.Locker
	if locker == nil {
		locker = NewMemoryLocker()
	}
	return &RuleEngine{
		db:         db,
		rules:      deps.Rules,
		entities:   deps.Entities,
		aggregator: deps.Aggregator,
		guards:     deps.Guards,
		executor:   deps.Executor,
		execLog:    deps.Log,
		filter:     deps.Filter,
		locker:     locker,
		cfg:        cfg,
		logger:     logger,
		tracer:     otel.Tracer("adpilot/engine"),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the engine clock.
func (e *RuleEngine) SetClock(now func() time.Time) {
	e.now = now
}

// RunAll 依次处理租户；单个租户失败只记录并继续
func (e *RuleEngine) RunAll(ctx context.Context, opts RunOptions) *RunResult {
	res := e.newResult(opts)
	start := time.Now()
	defer func() {
		res.FinishedAt = e.now()
		metrics.RunDuration.WithLabelValues(triggerLabel(opts.Trigger)).Observe(time.Since(start).Seconds())
	}()

	q := e.db.WithContext(ctx).Where("automation_enabled = ?", true)
	if len(opts.TenantIDs) > 0 {
		q = q.Where("id IN ?", opts.TenantIDs)
	}
	var tenants []models.Tenant
	if err := q.Order("id ASC").Find(&tenants).Error; err != nil {
		e.logger.WithField("run_id", res.RunID).Errorf("automation: load tenants failed: %v", err)
		for _, id := range opts.TenantIDs {
			res.TenantErrors = append(res.TenantErrors, TenantError{TenantID: id, Error: err.Error(), Retryable: true})
		}
		if len(opts.TenantIDs) == 0 {
			res.TenantErrors = append(res.TenantErrors, TenantError{Error: err.Error(), Retryable: true})
		}
		return res
	}

	for i := range tenants {
		if ctx.Err() != nil {
			break
		}
		e.runTenantSafe(ctx, &tenants[i], opts, res)
	}
	return res
}

// RunTenant 单租户运行（API / CLI）
func (e *RuleEngine) RunTenant(ctx context.Context, tenantID uint, opts RunOptions) (*RunResult, error) {
	var tenant models.Tenant
	if err := e.db.WithContext(ctx).First(&tenant, tenantID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTenantNotFound
		}
		return nil, fmt.Errorf("load tenant: %w", err)
	}
	if !tenant.Automated() {
		return nil, ErrAutomationDisabled
	}
	opts.TenantIDs = []uint{tenantID}
	res := e.newResult(opts)
	e.runTenantSafe(ctx, &tenant, opts, res)
	res.FinishedAt = e.now()
	if len(res.TenantErrors) > 0 {
		return res, errors.New(res.TenantErrors[0].Error)
	}
	return res, nil
}

func (e *RuleEngine) newResult(opts RunOptions) *RunResult {
	return &RunResult{
		RunID:     uuid.NewString(),
		DryRun:    opts.DryRun || e.cfg.DryRun,
		StartedAt: e.now(),
	}
}

func triggerLabel(t string) string {
	if t == "" {
		return "manual"
	}
	return t
}

// tenantRun 单租户运行期间的共享状态
type tenantRun struct {
	tenant    *models.Tenant
	loc       *time.Location
	now       time.Time
	runID     string
	dryRun    bool
	force     bool
	dailyCap  int
	mu        sync.Mutex
	res       *RunResult
	attempted bool
	simulated int
}

func (e *RuleEngine) runTenantSafe(ctx context.Context, tenant *models.Tenant, opts RunOptions, res *RunResult) {
	tr := &tenantRun{
		tenant:   tenant,
		loc:      tenantLocation(tenant.Timezone),
		now:      e.now(),
		runID:    res.RunID,
		dryRun:   res.DryRun,
		force:    opts.Force,
		dailyCap: e.cfg.MaxDailyActions,
		res:      res,
	}
	if tenant.MaxDailyActions != nil {
		tr.dailyCap = *tenant.MaxDailyActions
	}
	entry := e.logger.WithFields(logrus.Fields{"tenant_id": tenant.ID, "run_id": res.RunID})

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				entry.Errorf("automation: tenant run panicked: %v\n%s", r, debug.Stack())
				err = fmt.Errorf("tenant run panicked: %v", r)
			}
		}()
		return e.runTenant(ctx, tr)
	}()

	res.Tenants++
	if err != nil {
		metrics.TenantErrorsTotal.Inc()
		entry.Errorf("automation: tenant run failed: %v", err)
		tr.mu.Lock()
		attempted := tr.attempted
		tr.mu.Unlock()
		res.TenantErrors = append(res.TenantErrors, TenantError{TenantID: tenant.ID, Error: err.Error(), Retryable: !attempted})
	}
}

func tenantLocation(name string) *time.Location {
	if name == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.UTC
	}
	return loc
}

func (e *RuleEngine) runTenant(ctx context.Context, tr *tenantRun) error {
	ctx, span := e.tracer.Start(ctx, "automation.RunTenant", trace.WithAttributes(
		attribute.Int64("tenant.id", int64(tr.tenant.ID)),
		attribute.String("run.id", tr.runID),
		attribute.Bool("run.dry_run", tr.dryRun),
	))
	defer span.End()

	rules, err := e.rules.DueRules(ctx, tr.tenant.ID, tr.now, tr.force)
	if err != nil {
		return err
	}
	return e.runRules(ctx, tr, rules)
}

func (e *RuleEngine) runRules(ctx context.Context, tr *tenantRun, rules []models.AutomationRule) error {
	if len(rules) == 0 {
		return nil
	}
	h, err := e.entities.LoadHierarchy(ctx, tr.tenant.ID)
	if err != nil {
		return err
	}
	for i := range rules {
		if err := ctx.Err(); err != nil {
			return err
		}
		rule := &rules[i]
		if err := e.runRule(ctx, tr, rule, h); err != nil {
			return err
		}
		if !tr.dryRun {
			if err := e.rules.MarkEvaluated(ctx, tr.tenant.ID, rule.ID, tr.now); err != nil {
				return fmt.Errorf("mark rule %d evaluated: %w", rule.ID, err)
			}
		}
	}
	return nil
}

// runRule 同一规则下的实体并行评估，单实体错误记录在结果中不向上传播
func (e *RuleEngine) runRule(ctx context.Context, tr *tenantRun, rule *models.AutomationRule, h *Hierarchy) error {
	entry := e.logger.WithFields(logrus.Fields{"tenant_id": tr.tenant.ID, "rule_id": rule.ID, "run_id": tr.runID})
	nodes := h.InScope(rule.Scope)
	if len(nodes) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.EntityWorkers)
	for _, node := range nodes {
		node := node
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					entry.WithField("entity_id", node.Entity.ID).Errorf("automation: entity evaluation panicked: %v\n%s", r, debug.Stack())
					tr.mu.Lock()
					tr.res.add(EntityOutcome{
						TenantID: tr.tenant.ID, RuleID: rule.ID, RuleName: rule.Name,
						EntityID: node.Entity.ID, EntityName: node.Entity.Name, ActionType: rule.ActionType,
						Status: models.ExecutionFailed, Error: fmt.Sprintf("panic: %v", r),
					}, tr.dryRun)
					tr.mu.Unlock()
				}
			}()
			in, err := e.filter.Match(rule, node)
			if err != nil {
				entry.WithField("entity_id", node.Entity.ID).Warnf("automation: entity filter: %v", err)
				return nil
			}
			if !in {
				return nil
			}
			o := e.evaluateEntity(gctx, tr, rule, node)
			metrics.IncEvaluation(o.Status)
			tr.mu.Lock()
			tr.res.add(o, tr.dryRun)
			tr.mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return ctx.Err()
}

func (e *RuleEngine) evaluateEntity(ctx context.Context, tr *tenantRun, rule *models.AutomationRule, node *EntityNode) EntityOutcome {
	o := EntityOutcome{
		TenantID:   tr.tenant.ID,
		RuleID:     rule.ID,
		RuleName:   rule.Name,
		EntityID:   node.Entity.ID,
		EntityName: node.Entity.Name,
		ActionType: rule.ActionType,
		Threshold:  rule.Value,
	}
	entry := e.logger.WithFields(logrus.Fields{
		"tenant_id": tr.tenant.ID, "rule_id": rule.ID, "entity_id": node.Entity.ID, "run_id": tr.runID,
	})

	w := WindowFor(tr.now, tr.loc, rule.DurationDays)
	value, ok, err := e.aggregator.Aggregate(ctx, tr.tenant.ID, node.Entity.ID, rule.Metric, rule.Aggregation, w)
	if err != nil {
		o.Status = models.ExecutionFailed
		o.Error = fmt.Sprintf("metric read: %v", err)
		e.persist(ctx, tr, rule, node, &o, nil)
		return o
	}
	if !ok {
		o.Status = models.ExecutionNotMatched
		e.persist(ctx, tr, rule, node, &o, nil)
		return o
	}
	o.MatchedValue = &value

	matched, err := EvaluateCondition(rule.Operator, value, rule.Value, e.cfg.EqualityEpsilon)
	if err != nil {
		o.Status = models.ExecutionFailed
		o.Error = err.Error()
		e.persist(ctx, tr, rule, node, &o, nil)
		return o
	}
	if !matched {
		o.Status = models.ExecutionNotMatched
		e.persist(ctx, tr, rule, node, &o, nil)
		return o
	}

	// 冷却、待审批、日上限检查与执行、落库在租户锁内完成
	unlock, err := e.locker.Lock(ctx, tenantLockKey(tr.tenant.ID))
	if err != nil {
		o.Status = models.ExecutionFailed
		o.Error = fmt.Sprintf("acquire tenant lock: %v", err)
		e.persist(ctx, tr, rule, node, &o, nil)
		return o
	}
	defer unlock()

	cooling, err := e.guards.InCooldown(ctx, tr.tenant.ID, rule.ID, node.Entity.ID, rule.CooldownHours, tr.now)
	if err != nil {
		o.Status = models.ExecutionFailed
		o.Error = err.Error()
		e.persist(ctx, tr, rule, node, &o, nil)
		return o
	}
	if cooling {
		o.Status = models.ExecutionSkippedCooldown
		e.persist(ctx, tr, rule, node, &o, nil)
		return o
	}

	if rule.RequiresApproval {
		open, err := e.guards.HasOpenApproval(ctx, tr.tenant.ID, rule.ID, node.Entity.ID)
		if err != nil {
			o.Status = models.ExecutionFailed
			o.Error = err.Error()
			e.persist(ctx, tr, rule, node, &o, nil)
			return o
		}
		if open {
			o.Status = OutcomeSkippedPending
			return o
		}
		o.Status = models.ExecutionPendingApproval
		tr.markAttempted()
		e.persist(ctx, tr, rule, node, &o, nil)
		entry.Info("automation: action awaiting approval")
		return o
	}

	count, err := e.guards.AutonomousActionsSince(ctx, tr.tenant.ID, LocalMidnight(tr.now, tr.loc))
	if err != nil {
		o.Status = models.ExecutionFailed
		o.Error = err.Error()
		e.persist(ctx, tr, rule, node, &o, nil)
		return o
	}
	tr.mu.Lock()
	count += int64(tr.simulated)
	tr.mu.Unlock()
	if count >= int64(tr.dailyCap) {
		o.Status = models.ExecutionSkippedCap
		e.persist(ctx, tr, rule, node, &o, nil)
		return o
	}

	if tr.dryRun {
		tr.mu.Lock()
		tr.simulated++
		tr.mu.Unlock()
		o.Status = models.ExecutionExecuted
		return o
	}

	tr.markAttempted()
	result, err := e.executor.Execute(ctx, ActionRequest{
		TenantID:     tr.tenant.ID,
		RuleID:       rule.ID,
		RuleName:     rule.Name,
		ActionType:   rule.ActionType,
		Params:       rule.ActionParams,
		Node:         node,
		MatchedValue: o.MatchedValue,
	})
	if err != nil {
		o.Status = models.ExecutionFailed
		o.Error = err.Error()
		entry.Warnf("automation: action %s failed: %v", rule.ActionType, err)
	} else {
		o.Status = models.ExecutionExecuted
		entry.Infof("automation: action %s executed", rule.ActionType)
	}
	e.persist(ctx, tr, rule, node, &o, result)
	return o
}

func (tr *tenantRun) markAttempted() {
	tr.mu.Lock()
	tr.attempted = true
	tr.mu.Unlock()
}

// persist 写执行记录；dry run 不落库
func (e *RuleEngine) persist(ctx context.Context, tr *tenantRun, rule *models.AutomationRule, node *EntityNode, o *EntityOutcome, result map[string]interface{}) {
	if tr.dryRun {
		return
	}
	mode := models.ModeAutonomous
	if rule.RequiresApproval {
		mode = models.ModeApproval
	}
	rec := &models.ExecutionRecord{
		TenantID:       tr.tenant.ID,
		RuleID:         rule.ID,
		RuleName:       rule.Name,
		EntityID:       node.Entity.ID,
		EntityType:     node.Entity.Type,
		ActionType:     rule.ActionType,
		ActionParams:   rule.ActionParams,
		Mode:           mode,
		Status:         o.Status,
		MatchedValue:   o.MatchedValue,
		ThresholdValue: rule.Value,
		RunID:          tr.runID,
		EvaluatedAt:    tr.now,
	}
	if o.Error != "" {
		msg := o.Error
		rec.ErrorMessage = &msg
	}
	if o.Status == models.ExecutionExecuted {
		at := e.now()
		rec.ExecutedAt = &at
	}
	if result != nil {
		if raw, err := json.Marshal(result); err == nil {
			rec.Result = datatypes.JSON(raw)
		}
	}
	if err := e.execLog.Record(context.WithoutCancel(ctx), rec); err != nil {
		e.logger.WithFields(logrus.Fields{
			"tenant_id": tr.tenant.ID, "rule_id": rule.ID, "entity_id": node.Entity.ID, "run_id": tr.runID,
		}).Errorf("automation: write execution record failed: %v", err)
	}
}
