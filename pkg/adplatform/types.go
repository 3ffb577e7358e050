package adplatform

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrNotFound     = errors.New("adplatform: entity not found")
	ErrUnauthorized = errors.New("adplatform: unauthorized")
	ErrRateLimited  = errors.New("adplatform: rate limited")
	ErrUnsupported  = errors.New("adplatform: operation not supported by platform")
)

// APIError 平台返回的非预期错误
type APIError struct {
	Platform   string
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s API error [%d]: %s", e.Platform, e.StatusCode, e.Message)
}

// Account identifies the platform account an entity lives in.
type Account struct {
	Platform    string
	ExternalID  string // Meta: act_<id>; Google: customer id
	AccessToken string
}

// EntityRef 平台侧实体；Google 广告的 ExternalID 形如 "<adGroupId>~<adId>"
type EntityRef struct {
	ExternalID string
	Type       string // ad, adset, campaign
}

const (
	StatusActive = "active"
	StatusPaused = "paused"
)

// DailyMetrics 单日原始指标，派生比率由调用方计算
type DailyMetrics struct {
	Date           time.Time
	Spend          float64
	Impressions    int64
	Clicks         int64
	Conversions    int64
	Revenue        float64
	RelevanceScore *float64
}

// Client 广告平台能力集合，Meta 与 Google 各有一个实现
type Client interface {
	Platform() string
	GetDailyMetrics(ctx context.Context, acct Account, entity EntityRef, date time.Time) (*DailyMetrics, error)
	SetStatus(ctx context.Context, acct Account, entity EntityRef, status string) error
	GetBudget(ctx context.Context, acct Account, entity EntityRef) (decimal.Decimal, error)
	SetBudget(ctx context.Context, acct Account, entity EntityRef, amount decimal.Decimal) error
	Duplicate(ctx context.Context, acct Account, adsetExternalID string) (string, error)
}
