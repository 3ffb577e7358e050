package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// 广告层级
const (
	ScopeAd       = "ad"
	ScopeAdSet    = "adset"
	ScopeCampaign = "campaign"
)

// 实体投放状态
const (
	EntityStatusActive   = "active"
	EntityStatusPaused   = "paused"
	EntityStatusArchived = "archived"
)

const (
	PlatformMeta   = "meta"
	PlatformGoogle = "google"
)

// Tenant 租户（只读，由 CRM 主系统维护）
type Tenant struct {
	ID                uint      `gorm:"primaryKey" json:"id"`
	Name              string    `gorm:"size:200;not null" json:"name"`
	AutomationEnabled *bool     `gorm:"not null;default:true" json:"automation_enabled"` // nil 取列默认值
	MaxDailyActions   *int      `json:"max_daily_actions,omitempty"`
	Timezone          string    `gorm:"size:64;default:UTC" json:"timezone"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Automated reports whether the engine may act for this tenant.
func (t *Tenant) Automated() bool {
	return t.AutomationEnabled == nil || *t.AutomationEnabled
}

// AdAccount 租户绑定的广告账户
type AdAccount struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	TenantID    uint      `gorm:"index;not null" json:"tenant_id"`
	Platform    string    `gorm:"size:20;not null" json:"platform"`
	ExternalID  string    `gorm:"size:100;not null" json:"external_id"`
	Name        string    `gorm:"size:200" json:"name"`
	AccessToken string    `gorm:"size:1000" json:"-"`
	Active      *bool     `gorm:"not null;default:true" json:"active"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (a *AdAccount) IsActive() bool {
	return a.Active == nil || *a.Active
}

// Bool 用于显式写入 false 的布尔列
func Bool(v bool) *bool { return &v }

// AdEntity 广告 / 广告组 / 广告系列，ParentID 指向上一层级
type AdEntity struct {
	ID          uint            `gorm:"primaryKey" json:"id"`
	TenantID    uint            `gorm:"index;not null" json:"tenant_id"`
	AccountID   uint            `gorm:"index;not null" json:"account_id"`
	Type        string          `gorm:"size:20;index;not null" json:"type"`
	ParentID    *uint           `gorm:"index" json:"parent_id,omitempty"`
	ExternalID  string          `gorm:"size:100;index" json:"external_id"`
	Name        string          `gorm:"size:300" json:"name"`
	Status      string          `gorm:"size:20;default:'active'" json:"status"`
	DailyBudget decimal.Decimal `gorm:"type:decimal(14,2);default:0" json:"daily_budget"`
	Insight     string          `gorm:"size:50" json:"insight,omitempty"` // winner / underperforming
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`

	Account *AdAccount `gorm:"foreignKey:AccountID" json:"account,omitempty"`
}

// MetricSample 单个实体的日度表现
type MetricSample struct {
	ID                uint      `gorm:"primaryKey" json:"id"`
	TenantID          uint      `gorm:"index;not null" json:"tenant_id"`
	EntityID          uint      `gorm:"uniqueIndex:idx_metric_entity_date;not null" json:"entity_id"`
	EntityType        string    `gorm:"size:20" json:"entity_type"`
	Date              time.Time `gorm:"uniqueIndex:idx_metric_entity_date;type:date;not null" json:"date"`
	Spend             float64   `json:"spend"`
	Impressions       int64     `json:"impressions"`
	Clicks            int64     `json:"clicks"`
	Conversions       int64     `json:"conversions"`
	Revenue           float64   `json:"revenue"`
	CPC               float64   `gorm:"column:cpc" json:"cpc"`
	CTR               float64   `gorm:"column:ctr" json:"ctr"`
	CPM               float64   `gorm:"column:cpm" json:"cpm"`
	ROAS              float64   `gorm:"column:roas" json:"roas"`
	CostPerConversion float64   `json:"cost_per_conversion"`
	RelevanceScore    *float64  `json:"relevance_score,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// AutomationRule 租户自定义的条件/动作规则
type AutomationRule struct {
	ID               uint           `gorm:"primaryKey" json:"id"`
	TenantID         uint           `gorm:"index;not null" json:"tenant_id"`
	Name             string         `gorm:"size:200;not null" json:"name"`
	Description      string         `gorm:"type:text" json:"description"`
	Scope            string         `gorm:"size:20;not null" json:"scope"`
	Metric           string         `gorm:"size:50;not null" json:"metric"`
	Operator         string         `gorm:"size:4;not null" json:"operator"`
	Value            float64        `json:"value"`
	DurationDays     int            `gorm:"not null;default:1" json:"duration_days"`
	Aggregation      string         `gorm:"size:10;not null;default:'avg'" json:"aggregation"`
	ActionType       string         `gorm:"size:50;not null" json:"action_type"`
	ActionParams     datatypes.JSON `json:"action_params"`
	Frequency        string         `gorm:"size:20;not null;default:'daily'" json:"frequency"`
	CooldownHours    int            `gorm:"not null;default:24" json:"cooldown_hours"`
	RequiresApproval bool           `json:"requires_approval"`
	IsActive         bool           `gorm:"default:true;index" json:"is_active"`
	EntityFilter     string         `gorm:"type:text" json:"entity_filter,omitempty"`
	LastEvaluatedAt  *time.Time     `json:"last_evaluated_at,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
	DeletedAt        gorm.DeletedAt `gorm:"index" json:"-"`
}

// 执行记录状态
const (
	ExecutionNotMatched      = "not_matched"
	ExecutionExecuted        = "executed"
	ExecutionPendingApproval = "pending_approval"
	ExecutionApproved        = "approved"
	ExecutionRejected        = "rejected"
	ExecutionFailed          = "failed"
	ExecutionSkippedCooldown = "skipped_cooldown"
	ExecutionSkippedCap      = "skipped_cap"
)

const (
	ModeAutonomous = "autonomous"
	ModeApproval   = "approval"
)

// ExecutionRecord 规则评估结果，只追加；审批流转除外
type ExecutionRecord struct {
	ID             uint           `gorm:"primaryKey" json:"id"`
	TenantID       uint           `gorm:"index:idx_exec_tenant_status;not null" json:"tenant_id"`
	RuleID         uint           `gorm:"index:idx_exec_rule_entity;not null" json:"rule_id"`
	RuleName       string         `gorm:"size:200" json:"rule_name"`
	EntityID       uint           `gorm:"index:idx_exec_rule_entity;not null" json:"entity_id"`
	EntityType     string         `gorm:"size:20" json:"entity_type"`
	ActionType     string         `gorm:"size:50" json:"action_type"`
	ActionParams   datatypes.JSON `json:"action_params,omitempty"`
	Mode           string         `gorm:"size:20" json:"mode"`
	Status         string         `gorm:"size:30;index:idx_exec_tenant_status;not null" json:"status"`
	MatchedValue   *float64       `json:"matched_value,omitempty"`
	ThresholdValue float64        `json:"threshold_value"`
	ErrorMessage   *string        `gorm:"type:text" json:"error_message,omitempty"`
	Result         datatypes.JSON `json:"result,omitempty"`
	RunID          string         `gorm:"size:36;index" json:"run_id"`
	EvaluatedAt    time.Time      `json:"evaluated_at"`
	ExecutedAt     *time.Time     `gorm:"index" json:"executed_at,omitempty"`
	ApprovedBy     *uint          `json:"approved_by,omitempty"`
	ApprovedAt     *time.Time     `json:"approved_at,omitempty"`
	DecidedBy      *uint          `json:"decided_by,omitempty"`
	DecidedAt      *time.Time     `json:"decided_at,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// Alert create_alert 动作产生的告警
type Alert struct {
	ID           uint           `gorm:"primaryKey" json:"id"`
	TenantID     uint           `gorm:"index;not null" json:"tenant_id"`
	RuleID       uint           `gorm:"index" json:"rule_id"`
	EntityID     uint           `gorm:"index" json:"entity_id"`
	Message      string         `gorm:"type:text" json:"message"`
	MatchedValue *float64       `json:"matched_value,omitempty"`
	Metadata     datatypes.JSON `json:"metadata,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

// All lists every table owned by the engine, in migration order.
func All() []interface{} {
	return []interface{}{
		&Tenant{},
		&AdAccount{},
		&AdEntity{},
		&MetricSample{},
		&AutomationRule{},
		&ExecutionRecord{},
		&Alert{},
	}
}
