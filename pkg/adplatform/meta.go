package adplatform

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// MetaClient Meta Graph API 实现
type MetaClient struct {
	baseURL    string
	apiVersion string
	api        *apiClient
}

func NewMetaClient(cfg Config, logger *logrus.Logger) *MetaClient {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = "https://graph.facebook.com"
	}
	version := cfg.APIVersion
	if version == "" {
		version = "v19.0"
	}
	return &MetaClient{
		baseURL:    base,
		apiVersion: version,
		api:        newAPIClient(PlatformMeta, cfg.Timeout, logger),
	}
}

const PlatformMeta = "meta"

func (m *MetaClient) Platform() string { return PlatformMeta }

func (m *MetaClient) nodeURL(id string, suffix ...string) string {
	parts := append([]string{m.baseURL, m.apiVersion, url.PathEscape(id)}, suffix...)
	return strings.Join(parts, "/")
}

// Graph API 的数值均以字符串返回
type metaAction struct {
	ActionType string `json:"action_type"`
	Value      string `json:"value"`
}

type metaInsightsResponse struct {
	Data []struct {
		Spend        string       `json:"spend"`
		Impressions  string       `json:"impressions"`
		Clicks       string       `json:"clicks"`
		Actions      []metaAction `json:"actions"`
		ActionValues []metaAction `json:"action_values"`
	} `json:"data"`
}

func (m *MetaClient) GetDailyMetrics(ctx context.Context, acct Account, entity EntityRef, date time.Time) (*DailyMetrics, error) {
	day := date.Format("2006-01-02")
	q := url.Values{}
	q.Set("fields", "spend,impressions,clicks,actions,action_values")
	q.Set("time_range", fmt.Sprintf(`{"since":"%s","until":"%s"}`, day, day))
	req, err := http.NewRequest(http.MethodGet, m.nodeURL(entity.ExternalID, "insights")+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	var resp metaInsightsResponse
	if err := m.api.do(ctx, acct.AccessToken, req, &resp); err != nil {
		return nil, err
	}
	out := &DailyMetrics{Date: date}
	if len(resp.Data) == 0 {
		return out, nil
	}
	row := resp.Data[0]
	out.Spend = parseFloat(row.Spend)
	out.Impressions = parseInt(row.Impressions)
	out.Clicks = parseInt(row.Clicks)
	for _, a := range row.Actions {
		if a.ActionType == "purchase" || a.ActionType == "offsite_conversion.fb_pixel_purchase" {
			out.Conversions += parseInt(a.Value)
		}
	}
	for _, a := range row.ActionValues {
		if a.ActionType == "purchase" || a.ActionType == "offsite_conversion.fb_pixel_purchase" {
			out.Revenue += parseFloat(a.Value)
		}
	}
	return out, nil
}

type metaSuccess struct {
	Success bool `json:"success"`
}

func (m *MetaClient) post(ctx context.Context, token, endpoint string, form url.Values, out interface{}) error {
	req, err := http.NewRequest(http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return m.api.do(ctx, token, req, out)
}

func (m *MetaClient) SetStatus(ctx context.Context, acct Account, entity EntityRef, status string) error {
	var graphStatus string
	switch status {
	case StatusActive:
		graphStatus = "ACTIVE"
	case StatusPaused:
		graphStatus = "PAUSED"
	default:
		return fmt.Errorf("unsupported status %q", status)
	}
	var resp metaSuccess
	if err := m.post(ctx, acct.AccessToken, m.nodeURL(entity.ExternalID), url.Values{"status": {graphStatus}}, &resp); err != nil {
		return err
	}
	if !resp.Success {
		return &APIError{Platform: PlatformMeta, StatusCode: http.StatusOK, Message: "status update not acknowledged"}
	}
	return nil
}

// Meta 预算以账户币种的最小单位（分）表示
func (m *MetaClient) GetBudget(ctx context.Context, acct Account, entity EntityRef) (decimal.Decimal, error) {
	if entity.Type == "ad" {
		return decimal.Zero, ErrUnsupported
	}
	req, err := http.NewRequest(http.MethodGet, m.nodeURL(entity.ExternalID)+"?fields=daily_budget", nil)
	if err != nil {
		return decimal.Zero, err
	}
	var resp struct {
		DailyBudget string `json:"daily_budget"`
	}
	if err := m.api.do(ctx, acct.AccessToken, req, &resp); err != nil {
		return decimal.Zero, err
	}
	cents, err := decimal.NewFromString(resp.DailyBudget)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse daily_budget %q: %w", resp.DailyBudget, err)
	}
	return cents.Shift(-2), nil
}

func (m *MetaClient) SetBudget(ctx context.Context, acct Account, entity EntityRef, amount decimal.Decimal) error {
	if entity.Type == "ad" {
		return ErrUnsupported
	}
	cents := amount.Shift(2).Round(0).String()
	var resp metaSuccess
	if err := m.post(ctx, acct.AccessToken, m.nodeURL(entity.ExternalID), url.Values{"daily_budget": {cents}}, &resp); err != nil {
		return err
	}
	if !resp.Success {
		return &APIError{Platform: PlatformMeta, StatusCode: http.StatusOK, Message: "budget update not acknowledged"}
	}
	return nil
}

// Duplicate 复制广告组，副本保持暂停
func (m *MetaClient) Duplicate(ctx context.Context, acct Account, adsetExternalID string) (string, error) {
	form := url.Values{
		"status_option": {"PAUSED"},
		"deep_copy":     {"true"},
	}
	var resp struct {
		CopiedAdsetID string `json:"copied_adset_id"`
	}
	if err := m.post(ctx, acct.AccessToken, m.nodeURL(adsetExternalID, "copies"), form, &resp); err != nil {
		return "", err
	}
	if resp.CopiedAdsetID == "" {
		return "", &APIError{Platform: PlatformMeta, StatusCode: http.StatusOK, Message: "copy response missing copied_adset_id"}
	}
	return resp.CopiedAdsetID, nil
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(strings.TrimSpace(s), 64)
	return f
}

func parseInt(s string) int64 {
	s = strings.TrimSpace(s)
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	return int64(parseFloat(s))
}
