package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"adpilot/internal/models"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// ExecutionLogger 执行记录的写入与查询
type ExecutionLogger struct {
	db                *gorm.DB
	logger            *logrus.Logger
	persistNotMatched bool
}

func NewExecutionLogger(db *gorm.DB, persistNotMatched bool, logger *logrus.Logger) *ExecutionLogger {
	if logger == nil {
		logger = logrus.New()
	}
	return &ExecutionLogger{db: db, logger: logger, persistNotMatched: persistNotMatched}
}

// Record persists rec unless it is a non-match and non-matches are elided.
func (l *ExecutionLogger) Record(ctx context.Context, rec *models.ExecutionRecord) error {
	if rec.Status == models.ExecutionNotMatched && !l.persistNotMatched {
		return nil
	}
	if rec.EvaluatedAt.IsZero() {
		rec.EvaluatedAt = time.Now().UTC()
	}
	if err := l.db.WithContext(ctx).Create(rec).Error; err != nil {
		return fmt.Errorf("create execution record: %w", err)
	}
	return nil
}

// ExecutionFilter 执行记录查询条件
type ExecutionFilter struct {
	Status   string `form:"status"`
	RuleID   uint   `form:"rule_id"`
	EntityID uint   `form:"entity_id"`
	RunID    string `form:"run_id"`
	Page     int    `form:"page"`
	PageSize int    `form:"page_size"`
}

func (l *ExecutionLogger) List(ctx context.Context, tenantID uint, f ExecutionFilter) ([]models.ExecutionRecord, int64, error) {
	page, pageSize := NormalizePage(f.Page, f.PageSize)
	q := l.db.WithContext(ctx).Model(&models.ExecutionRecord{}).Where("tenant_id = ?", tenantID)
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if f.RuleID != 0 {
		q = q.Where("rule_id = ?", f.RuleID)
	}
	if f.EntityID != 0 {
		q = q.Where("entity_id = ?", f.EntityID)
	}
	if f.RunID != "" {
		q = q.Where("run_id = ?", f.RunID)
	}
	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("count execution records: %w", err)
	}
	var recs []models.ExecutionRecord
	if err := q.Order("id DESC").Offset((page - 1) * pageSize).Limit(pageSize).Find(&recs).Error; err != nil {
		return nil, 0, fmt.Errorf("list execution records: %w", err)
	}
	return recs, total, nil
}

// Get 获取单条记录（限定租户）
func (l *ExecutionLogger) Get(ctx context.Context, tenantID, id uint) (*models.ExecutionRecord, error) {
	var rec models.ExecutionRecord
	err := l.db.WithContext(ctx).Where("tenant_id = ? AND id = ?", tenantID, id).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get execution record: %w", err)
	}
	return &rec, nil
}

// ExecutionStats 各状态计数
type ExecutionStats struct {
	Total    int64            `json:"total"`
	ByStatus map[string]int64 `json:"by_status"`
	ByAction map[string]int64 `json:"by_action"`
}

func (l *ExecutionLogger) Stats(ctx context.Context, tenantID uint, since time.Time) (*ExecutionStats, error) {
	type row struct {
		Bucket string
		Count  int64
	}
	base := func() *gorm.DB {
		q := l.db.WithContext(ctx).Model(&models.ExecutionRecord{}).Where("tenant_id = ?", tenantID)
		if !since.IsZero() {
			q = q.Where("evaluated_at >= ?", since)
		}
		return q
	}

	stats := &ExecutionStats{ByStatus: map[string]int64{}, ByAction: map[string]int64{}}
	var byStatus []row
	if err := base().Select("status AS bucket, COUNT(*) AS count").Group("status").Scan(&byStatus).Error; err != nil {
		return nil, fmt.Errorf("execution stats: %w", err)
	}
	for _, r := range byStatus {
		stats.ByStatus[r.Bucket] = r.Count
		stats.Total += r.Count
	}
	var byAction []row
	if err := base().Where("status = ?", models.ExecutionExecuted).
		Select("action_type AS bucket, COUNT(*) AS count").Group("action_type").Scan(&byAction).Error; err != nil {
		return nil, fmt.Errorf("execution stats: %w", err)
	}
	for _, r := range byAction {
		stats.ByAction[r.Bucket] = r.Count
	}
	return stats, nil
}
