package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"adpilot/internal/models"

	"gorm.io/gorm"
)

// Guards 冷却期与日上限的查询
type Guards struct {
	db *gorm.DB
}

func NewGuards(db *gorm.DB) *Guards {
	return &Guards{db: db}
}

// LastExecutedAt returns the executed_at of the latest executed record for (rule, entity).
func (g *Guards) LastExecutedAt(ctx context.Context, tenantID, ruleID, entityID uint) (*time.Time, error) {
	var rec models.ExecutionRecord
	err := g.db.WithContext(ctx).
		Where("tenant_id = ? AND rule_id = ? AND entity_id = ? AND status = ? AND executed_at IS NOT NULL",
			tenantID, ruleID, entityID, models.ExecutionExecuted).
		Order("executed_at DESC").
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load last execution: %w", err)
	}
	return rec.ExecutedAt, nil
}

// InCooldown 冷却以执行时间为准，与评估时间无关
func (g *Guards) InCooldown(ctx context.Context, tenantID, ruleID, entityID uint, cooldownHours int, now time.Time) (bool, error) {
	if cooldownHours <= 0 {
		return false, nil
	}
	last, err := g.LastExecutedAt(ctx, tenantID, ruleID, entityID)
	if err != nil || last == nil {
		return false, err
	}
	return now.Sub(*last) < time.Duration(cooldownHours)*time.Hour, nil
}

// AutonomousActionsSince 统计租户自某时刻起的自主执行次数
func (g *Guards) AutonomousActionsSince(ctx context.Context, tenantID uint, since time.Time) (int64, error) {
	var n int64
	err := g.db.WithContext(ctx).Model(&models.ExecutionRecord{}).
		Where("tenant_id = ? AND status = ? AND mode = ? AND executed_at >= ?",
			tenantID, models.ExecutionExecuted, models.ModeAutonomous, since).
		Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("count daily actions: %w", err)
	}
	return n, nil
}

// HasOpenApproval reports whether (rule, entity) already waits for a decision.
func (g *Guards) HasOpenApproval(ctx context.Context, tenantID, ruleID, entityID uint) (bool, error) {
	var n int64
	err := g.db.WithContext(ctx).Model(&models.ExecutionRecord{}).
		Where("tenant_id = ? AND rule_id = ? AND entity_id = ? AND status = ?",
			tenantID, ruleID, entityID, models.ExecutionPendingApproval).
		Count(&n).Error
	if err != nil {
		return false, fmt.Errorf("check pending approval: %w", err)
	}
	return n > 0, nil
}

// LocalMidnight 租户时区当日零点（UTC 表示）
func LocalMidnight(now time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	local := now.In(loc)
	y, m, d := local.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc).UTC()
}
