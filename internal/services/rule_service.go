package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"adpilot/internal/models"

	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// RuleCondition 条件：metric operator value，窗口 duration_days，聚合 aggregation
type RuleCondition struct {
	Metric       string  `json:"metric"`
	Operator     string  `json:"operator"`
	Value        float64 `json:"value"`
	DurationDays int     `json:"duration_days"`
	Aggregation  string  `json:"aggregation"`
}

type RuleAction struct {
	Type   string       `json:"type"`
	Params ActionParams `json:"params"`
}

// RuleRequest 创建/更新规则的请求
type RuleRequest struct {
	Name             string        `json:"name" binding:"required"`
	Description      string        `json:"description"`
	Scope            string        `json:"scope" binding:"required"`
	Condition        RuleCondition `json:"condition"`
	Action           RuleAction    `json:"action"`
	Frequency        string        `json:"frequency"`
	CooldownHours    *int          `json:"cooldown_hours"`
	RequiresApproval bool          `json:"requires_approval"`
	IsActive         *bool         `json:"is_active"`
	EntityFilter     string        `json:"entity_filter"`
}

// RuleService 规则仓库，所有操作显式携带 tenantID
type RuleService struct {
	db     *gorm.DB
	filter *EntityFilter
	logger *logrus.Logger
}

func NewRuleService(db *gorm.DB, filter *EntityFilter, logger *logrus.Logger) *RuleService {
	if logger == nil {
		logger = logrus.New()
	}
	return &RuleService{db: db, filter: filter, logger: logger}
}

func (s *RuleService) normalize(req *RuleRequest) {
	req.Name = strings.TrimSpace(req.Name)
	req.Scope = strings.ToLower(strings.TrimSpace(req.Scope))
	req.Condition.Metric = strings.ToLower(strings.TrimSpace(req.Condition.Metric))
	req.Condition.Operator = strings.TrimSpace(req.Condition.Operator)
	if req.Condition.Operator == "==" {
		req.Condition.Operator = "="
	}
	req.Condition.Aggregation = strings.ToLower(strings.TrimSpace(req.Condition.Aggregation))
	if req.Condition.Aggregation == "" {
		req.Condition.Aggregation = AggAvg
	}
	req.Action.Type = strings.ToLower(strings.TrimSpace(req.Action.Type))
	req.Frequency = strings.ToLower(strings.TrimSpace(req.Frequency))
	if req.Frequency == "" {
		req.Frequency = FrequencyDaily
	}
	req.EntityFilter = strings.TrimSpace(req.EntityFilter)
}

// Validate 保存时校验规则配置
func (s *RuleService) Validate(req *RuleRequest) error {
	s.normalize(req)
	if req.Name == "" {
		return invalid("name", "is required")
	}
	if !allScopes[req.Scope] {
		return invalid("scope", "must be one of ad, adset, campaign")
	}

	c := req.Condition
	def, ok := LookupMetric(c.Metric)
	if !ok {
		return invalid("condition.metric", "unknown metric %q", c.Metric)
	}
	if !def.Scopes[req.Scope] {
		return invalid("condition.metric", "metric %q is not available for scope %s", c.Metric, req.Scope)
	}
	if _, err := EvaluateCondition(c.Operator, 0, 0, 0); err != nil {
		return invalid("condition.operator", "must be one of >, <, >=, <=, =")
	}
	if c.DurationDays < 1 {
		return invalid("condition.duration_days", "must be at least 1")
	}
	if c.DurationDays > 90 {
		return invalid("condition.duration_days", "must be at most 90")
	}
	switch c.Aggregation {
	case AggAvg, AggSum, AggMin, AggMax:
	default:
		return invalid("condition.aggregation", "must be one of avg, sum, min, max")
	}

	scopes, ok := actionScopes[req.Action.Type]
	if !ok {
		return invalid("action.type", "unknown action %q", req.Action.Type)
	}
	if !scopes[req.Scope] {
		return invalid("action.type", "action %s is not allowed for scope %s", req.Action.Type, req.Scope)
	}
	if req.Action.Type == ActionIncreaseBudget || req.Action.Type == ActionDecreaseBudget {
		p := req.Action.Params.Percent
		if p < 1 || p > 100 {
			return invalid("action.params.percent", "must be between 1 and 100")
		}
	}

	switch req.Frequency {
	case FrequencyHourly, FrequencyDaily, FrequencyWeekly:
	default:
		return invalid("frequency", "must be one of hourly, daily, weekly")
	}
	if req.CooldownHours != nil && *req.CooldownHours < 0 {
		return invalid("cooldown_hours", "must be non-negative")
	}
	if req.EntityFilter != "" && s.filter != nil {
		if _, err := s.filter.Compile(req.EntityFilter); err != nil {
			return invalid("entity_filter", "%v", err)
		}
	}
	return nil
}

func (s *RuleService) apply(rule *models.AutomationRule, req *RuleRequest) error {
	params, err := json.Marshal(req.Action.Params)
	if err != nil {
		return fmt.Errorf("encode action params: %w", err)
	}
	rule.Name = req.Name
	rule.Description = req.Description
	rule.Scope = req.Scope
	rule.Metric = req.Condition.Metric
	rule.Operator = req.Condition.Operator
	rule.Value = req.Condition.Value
	rule.DurationDays = req.Condition.DurationDays
	rule.Aggregation = req.Condition.Aggregation
	rule.ActionType = req.Action.Type
	rule.ActionParams = datatypes.JSON(params)
	rule.Frequency = req.Frequency
	rule.CooldownHours = 24
	if req.CooldownHours != nil {
		rule.CooldownHours = *req.CooldownHours
	}
	rule.RequiresApproval = req.RequiresApproval
	rule.IsActive = true
	if req.IsActive != nil {
		rule.IsActive = *req.IsActive
	}
	rule.EntityFilter = req.EntityFilter
	return nil
}

// CreateRule 校验后创建规则
func (s *RuleService) CreateRule(ctx context.Context, tenantID uint, req *RuleRequest) (*models.AutomationRule, error) {
	if err := s.Validate(req); err != nil {
		return nil, err
	}
	rule := &models.AutomationRule{TenantID: tenantID}
	if err := s.apply(rule, req); err != nil {
		return nil, err
	}
	if err := s.db.WithContext(ctx).Create(rule).Error; err != nil {
		return nil, fmt.Errorf("create rule: %w", err)
	}
	// is_active 有列默认值，false 需单独写入
	if !rule.IsActive {
		if err := s.db.WithContext(ctx).Model(rule).Update("is_active", false).Error; err != nil {
			return nil, fmt.Errorf("create rule: %w", err)
		}
	}
	return rule, nil
}

func (s *RuleService) GetRule(ctx context.Context, tenantID, id uint) (*models.AutomationRule, error) {
	var rule models.AutomationRule
	err := s.db.WithContext(ctx).Where("tenant_id = ? AND id = ?", tenantID, id).First(&rule).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrRuleNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get rule: %w", err)
	}
	return &rule, nil
}

// RuleListFilter 列表过滤
type RuleListFilter struct {
	Active   *bool  `form:"active"`
	Scope    string `form:"scope"`
	Page     int    `form:"page"`
	PageSize int    `form:"page_size"`
}

func (s *RuleService) ListRules(ctx context.Context, tenantID uint, f RuleListFilter) ([]models.AutomationRule, int64, error) {
	page, pageSize := NormalizePage(f.Page, f.PageSize)
	q := s.db.WithContext(ctx).Model(&models.AutomationRule{}).Where("tenant_id = ?", tenantID)
	if f.Active != nil {
		q = q.Where("is_active = ?", *f.Active)
	}
	if f.Scope != "" {
		q = q.Where("scope = ?", f.Scope)
	}
	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("count rules: %w", err)
	}
	var rules []models.AutomationRule
	if err := q.Order("id ASC").Offset((page - 1) * pageSize).Limit(pageSize).Find(&rules).Error; err != nil {
		return nil, 0, fmt.Errorf("list rules: %w", err)
	}
	return rules, total, nil
}

// UpdateRule 全量更新规则
func (s *RuleService) UpdateRule(ctx context.Context, tenantID, id uint, req *RuleRequest) (*models.AutomationRule, error) {
	if err := s.Validate(req); err != nil {
		return nil, err
	}
	rule, err := s.GetRule(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if err := s.apply(rule, req); err != nil {
		return nil, err
	}
	if err := s.db.WithContext(ctx).Select("*").Omit("id", "tenant_id", "created_at", "last_evaluated_at", "deleted_at").
		Where("tenant_id = ?", tenantID).Updates(rule).Error; err != nil {
		return nil, fmt.Errorf("update rule: %w", err)
	}
	if s.filter != nil {
		s.filter.Forget(id)
	}
	return s.GetRule(ctx, tenantID, id)
}

// DeleteRule 软删除；执行记录保留
func (s *RuleService) DeleteRule(ctx context.Context, tenantID, id uint) error {
	res := s.db.WithContext(ctx).Where("tenant_id = ? AND id = ?", tenantID, id).Delete(&models.AutomationRule{})
	if res.Error != nil {
		return fmt.Errorf("delete rule: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrRuleNotFound
	}
	if s.filter != nil {
		s.filter.Forget(id)
	}
	return nil
}

// IsDue reports whether the rule's frequency interval has elapsed since its last evaluation.
func IsDue(rule *models.AutomationRule, now time.Time) bool {
	if rule.LastEvaluatedAt == nil {
		return true
	}
	var interval time.Duration
	switch rule.Frequency {
	case FrequencyHourly:
		interval = time.Hour
	case FrequencyWeekly:
		interval = 7 * 24 * time.Hour
	default:
		interval = 24 * time.Hour
	}
	// 调度抖动容差
	return now.Sub(*rule.LastEvaluatedAt) >= interval-time.Minute
}

// DueRules 租户的活跃规则中到期的部分；force 时返回全部活跃规则
func (s *RuleService) DueRules(ctx context.Context, tenantID uint, now time.Time, force bool) ([]models.AutomationRule, error) {
	var rules []models.AutomationRule
	if err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND is_active = ?", tenantID, true).
		Order("id ASC").
		Find(&rules).Error; err != nil {
		return nil, fmt.Errorf("load active rules: %w", err)
	}
	if force {
		return rules, nil
	}
	due := rules[:0]
	for i := range rules {
		if IsDue(&rules[i], now) {
			due = append(due, rules[i])
		}
	}
	return due, nil
}

func (s *RuleService) MarkEvaluated(ctx context.Context, tenantID, ruleID uint, at time.Time) error {
	return s.db.WithContext(ctx).Model(&models.AutomationRule{}).
		Where("tenant_id = ? AND id = ?", tenantID, ruleID).
		UpdateColumn("last_evaluated_at", at).Error
}
