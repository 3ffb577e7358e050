package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"adpilot/internal/models"

	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ApprovalService 审批流：pending_approval → approved → executed|failed，或 → rejected
type ApprovalService struct {
	db       *gorm.DB
	log      *ExecutionLogger
	entities *EntityService
	executor *ActionExecutor
	logger   *logrus.Logger
	now      func() time.Time

	execTimeout time.Duration
}

// approvedExecTimeout bounds the detached execute-and-record step after approval.
const approvedExecTimeout = 2 * time.Minute

func NewApprovalService(db *gorm.DB, log *ExecutionLogger, entities *EntityService, executor *ActionExecutor, logger *logrus.Logger) *ApprovalService {
	if logger == nil {
		logger = logrus.New()
	}
	return &ApprovalService{
		db:       db,
		log:      log,
		entities: entities,
		executor: executor,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },

		execTimeout: approvedExecTimeout,
	}
}

// ListPending 待审批记录
func (s *ApprovalService) ListPending(ctx context.Context, tenantID uint, page, pageSize int) ([]models.ExecutionRecord, int64, error) {
	return s.log.List(ctx, tenantID, ExecutionFilter{
		Status:   models.ExecutionPendingApproval,
		Page:     page,
		PageSize: pageSize,
	})
}

// transition moves a record from one status to another exactly once.
func (s *ApprovalService) transition(ctx context.Context, tenantID, id uint, from string, updates map[string]interface{}) error {
	res := s.db.WithContext(ctx).Model(&models.ExecutionRecord{}).
		Where("id = ? AND tenant_id = ? AND status = ?", id, tenantID, from).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("update execution record: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrInvalidTransition
	}
	return nil
}

// Approve 批准后立即执行动作，结果为 executed 或 failed，不会回到 pending
func (s *ApprovalService) Approve(ctx context.Context, tenantID, id, userID uint) (*models.ExecutionRecord, error) {
	rec, err := s.log.Get(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if rec.Status != models.ExecutionPendingApproval {
		return nil, fmt.Errorf("record %d is %s: %w", id, rec.Status, ErrInvalidTransition)
	}
	decidedAt := s.now()
	if err := s.transition(ctx, tenantID, id, models.ExecutionPendingApproval, map[string]interface{}{
		"status":      models.ExecutionApproved,
		"approved_by": userID,
		"approved_at": decidedAt,
		"decided_by":  userID,
		"decided_at":  decidedAt,
	}); err != nil {
		return nil, err
	}

	// 已进入 approved，后续执行与落库不再受调用方取消影响
	execCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.execTimeout)
	defer cancel()

	entry := s.logger.WithFields(logrus.Fields{"tenant_id": tenantID, "record_id": id, "rule_id": rec.RuleID, "entity_id": rec.EntityID})
	final := map[string]interface{}{}
	node, err := s.entities.LoadNode(execCtx, tenantID, rec.EntityID)
	var result map[string]interface{}
	if err == nil {
		result, err = s.executor.Execute(execCtx, ActionRequest{
			TenantID:     tenantID,
			RuleID:       rec.RuleID,
			RuleName:     rec.RuleName,
			ActionType:   rec.ActionType,
			Params:       rec.ActionParams,
			Node:         node,
			MatchedValue: rec.MatchedValue,
		})
	}
	if err != nil {
		entry.Warnf("approved action failed: %v", err)
		final["status"] = models.ExecutionFailed
		final["error_message"] = err.Error()
	} else {
		final["status"] = models.ExecutionExecuted
		final["executed_at"] = s.now()
		if raw, mErr := json.Marshal(result); mErr == nil {
			final["result"] = datatypes.JSON(raw)
		}
		entry.Info("approved action executed")
	}
	if err := s.transition(execCtx, tenantID, id, models.ExecutionApproved, final); err != nil {
		return nil, err
	}
	return s.log.Get(execCtx, tenantID, id)
}

// Reject 终态，不触发任何平台调用
func (s *ApprovalService) Reject(ctx context.Context, tenantID, id, userID uint, reason string) (*models.ExecutionRecord, error) {
	updates := map[string]interface{}{
		"status":     models.ExecutionRejected,
		"decided_by": userID,
		"decided_at": s.now(),
	}
	if reason != "" {
		raw, _ := json.Marshal(map[string]string{"reason": reason})
		updates["result"] = datatypes.JSON(raw)
	}
	if err := s.transition(ctx, tenantID, id, models.ExecutionPendingApproval, updates); err != nil {
		if errors.Is(err, ErrInvalidTransition) {
			if _, gerr := s.log.Get(ctx, tenantID, id); gerr != nil {
				return nil, gerr
			}
		}
		return nil, err
	}
	return s.log.Get(ctx, tenantID, id)
}
