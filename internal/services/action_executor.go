package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"adpilot/internal/metrics"
	"adpilot/internal/models"
	"adpilot/pkg/adplatform"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ActionParams 动作参数
type ActionParams struct {
	Percent float64 `json:"percent,omitempty"`
	Message string  `json:"message,omitempty"`
}

func parseActionParams(raw datatypes.JSON) (ActionParams, error) {
	var p ActionParams
	if len(raw) == 0 || string(raw) == "null" {
		return p, nil
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, fmt.Errorf("decode action params: %w", err)
	}
	return p, nil
}

// ActionRequest 一次动作执行所需的全部上下文
type ActionRequest struct {
	TenantID     uint
	RuleID       uint
	RuleName     string
	ActionType   string
	Params       datatypes.JSON
	Node         *EntityNode
	MatchedValue *float64
}

// ActionExecutor 动作分发表，平台调用经账户熔断器与超时保护
type ActionExecutor struct {
	db        *gorm.DB
	platforms *adplatform.Registry
	breakers  *BreakerSet
	alerts    *AlertService
	timeout   time.Duration
	logger    *logrus.Logger
}

func NewActionExecutor(db *gorm.DB, platforms *adplatform.Registry, breakers *BreakerSet, alerts *AlertService, timeout time.Duration, logger *logrus.Logger) *ActionExecutor {
	if logger == nil {
		logger = logrus.New()
	}
	return &ActionExecutor{
		db:        db,
		platforms: platforms,
		breakers:  breakers,
		alerts:    alerts,
		timeout:   timeout,
		logger:    logger,
	}
}

// Execute runs the action and returns details for the execution record.
func (x *ActionExecutor) Execute(ctx context.Context, req ActionRequest) (result map[string]interface{}, err error) {
	defer func() {
		outcome := "success"
		if err != nil {
			outcome = "error"
		}
		metrics.IncAction(req.ActionType, outcome)
	}()

	if req.Node == nil {
		return nil, fmt.Errorf("no entity for action")
	}
	params, err := parseActionParams(req.Params)
	if err != nil {
		return nil, err
	}

	switch req.ActionType {
	case ActionPauseAd:
		return x.setStatus(ctx, req.Node, models.EntityStatusPaused)
	case ActionResumeAd:
		return x.setStatus(ctx, req.Node, models.EntityStatusActive)
	case ActionIncreaseBudget:
		return x.scaleBudget(ctx, req.Node, params.Percent)
	case ActionDecreaseBudget:
		return x.scaleBudget(ctx, req.Node, -params.Percent)
	case ActionDuplicateAdSet:
		return x.duplicate(ctx, req.Node)
	case ActionCreateAlert:
		return x.alert(ctx, req, params)
	default:
		return nil, fmt.Errorf("unknown action type %q", req.ActionType)
	}
}

func (x *ActionExecutor) client(node *EntityNode) (adplatform.Client, adplatform.Account, adplatform.EntityRef, error) {
	acct := adplatform.Account{
		Platform:    node.Account.Platform,
		ExternalID:  node.Account.ExternalID,
		AccessToken: node.Account.AccessToken,
	}
	ref := adplatform.EntityRef{ExternalID: node.Entity.ExternalID, Type: node.Entity.Type}
	if x.platforms == nil {
		return nil, acct, ref, fmt.Errorf("no platform clients configured")
	}
	c, err := x.platforms.Get(node.Account.Platform)
	return c, acct, ref, err
}

// call 平台调用：账户熔断 + 单次超时
func (x *ActionExecutor) call(ctx context.Context, node *EntityNode, fn func(ctx context.Context) error) error {
	return x.breakers.Do(node.Account.ID, func() error {
		callCtx := ctx
		if x.timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, x.timeout)
			defer cancel()
		}
		return fn(callCtx)
	})
}

func (x *ActionExecutor) setStatus(ctx context.Context, node *EntityNode, status string) (map[string]interface{}, error) {
	c, acct, ref, err := x.client(node)
	if err != nil {
		return nil, err
	}
	if err := x.call(ctx, node, func(ctx context.Context) error {
		return c.SetStatus(ctx, acct, ref, status)
	}); err != nil {
		return nil, err
	}
	old := node.Entity.Status
	if err := x.db.WithContext(ctx).Model(&models.AdEntity{}).
		Where("id = ? AND tenant_id = ?", node.Entity.ID, node.Entity.TenantID).
		Update("status", status).Error; err != nil {
		x.logger.Warnf("automation: platform status updated but local mirror failed for entity %d: %v", node.Entity.ID, err)
	}
	return map[string]interface{}{"old_status": old, "new_status": status}, nil
}

// ScaleBudget 按百分比调整预算，保留两位小数
func ScaleBudget(old decimal.Decimal, percent float64) decimal.Decimal {
	factor := decimal.NewFromInt(1).Add(decimal.NewFromFloat(percent).Div(decimal.NewFromInt(100)))
	return old.Mul(factor).Round(2)
}

func (x *ActionExecutor) scaleBudget(ctx context.Context, node *EntityNode, percent float64) (map[string]interface{}, error) {
	c, acct, ref, err := x.client(node)
	if err != nil {
		return nil, err
	}
	var oldBudget, newBudget decimal.Decimal
	err = x.call(ctx, node, func(ctx context.Context) error {
		b, err := c.GetBudget(ctx, acct, ref)
		if err != nil {
			return fmt.Errorf("read budget: %w", err)
		}
		oldBudget = b
		newBudget = ScaleBudget(b, percent)
		if err := c.SetBudget(ctx, acct, ref, newBudget); err != nil {
			return fmt.Errorf("write budget: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := x.db.WithContext(ctx).Model(&models.AdEntity{}).
		Where("id = ? AND tenant_id = ?", node.Entity.ID, node.Entity.TenantID).
		Update("daily_budget", newBudget).Error; err != nil {
		x.logger.Warnf("automation: budget updated but local mirror failed for entity %d: %v", node.Entity.ID, err)
	}
	return map[string]interface{}{
		"old_budget": oldBudget.StringFixed(2),
		"new_budget": newBudget.StringFixed(2),
		"percent":    percent,
	}, nil
}

func (x *ActionExecutor) duplicate(ctx context.Context, node *EntityNode) (map[string]interface{}, error) {
	if node.Entity.Type != models.ScopeAdSet {
		return nil, fmt.Errorf("duplicate_adset requires an adset, got %s", node.Entity.Type)
	}
	c, acct, _, err := x.client(node)
	if err != nil {
		return nil, err
	}
	var newExternalID string
	if err := x.call(ctx, node, func(ctx context.Context) error {
		id, err := c.Duplicate(ctx, acct, node.Entity.ExternalID)
		newExternalID = id
		return err
	}); err != nil {
		return nil, err
	}

	cp := models.AdEntity{
		TenantID:    node.Entity.TenantID,
		AccountID:   node.Entity.AccountID,
		Type:        models.ScopeAdSet,
		ParentID:    node.Entity.ParentID,
		ExternalID:  newExternalID,
		Name:        node.Entity.Name + " (copy)",
		Status:      models.EntityStatusPaused,
		DailyBudget: node.Entity.DailyBudget,
	}
	if err := x.db.WithContext(ctx).Create(&cp).Error; err != nil {
		return nil, fmt.Errorf("store duplicated adset %s: %w", newExternalID, err)
	}
	return map[string]interface{}{
		"new_entity_id":   cp.ID,
		"new_external_id": newExternalID,
	}, nil
}

func (x *ActionExecutor) alert(ctx context.Context, req ActionRequest, params ActionParams) (map[string]interface{}, error) {
	if x.alerts == nil {
		return nil, fmt.Errorf("alert sink not configured")
	}
	msg := params.Message
	if msg == "" {
		msg = fmt.Sprintf("Rule %q matched %s %q", req.RuleName, req.Node.Entity.Type, req.Node.Entity.Name)
	}
	meta, _ := json.Marshal(map[string]interface{}{
		"entity_type": req.Node.Entity.Type,
		"entity_name": req.Node.Entity.Name,
		"rule_name":   req.RuleName,
	})
	a := &models.Alert{
		TenantID:     req.TenantID,
		RuleID:       req.RuleID,
		EntityID:     req.Node.Entity.ID,
		Message:      msg,
		MatchedValue: req.MatchedValue,
		Metadata:     datatypes.JSON(meta),
	}
	notified, err := x.alerts.Create(ctx, a, req.RuleName, req.Node.Entity.Name)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"alert_id": a.ID, "notified": notified}, nil
}
