package adplatform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const PlatformGoogle = "google"

// GoogleClient Google Ads REST 实现。广告组没有独立预算，也不支持复制
type GoogleClient struct {
	baseURL        string
	apiVersion     string
	developerToken string
	api            *apiClient
}

func NewGoogleClient(cfg Config, logger *logrus.Logger) *GoogleClient {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = "https://googleads.googleapis.com"
	}
	version := cfg.APIVersion
	if version == "" {
		version = "v16"
	}
	return &GoogleClient{
		baseURL:        base,
		apiVersion:     version,
		developerToken: cfg.DeveloperToken,
		api:            newAPIClient(PlatformGoogle, cfg.Timeout, logger),
	}
}

func (g *GoogleClient) Platform() string { return PlatformGoogle }

func (g *GoogleClient) customerURL(customerID, suffix string) string {
	return fmt.Sprintf("%s/%s/customers/%s/%s", g.baseURL, g.apiVersion, customerID, suffix)
}

func (g *GoogleClient) call(ctx context.Context, acct Account, suffix string, payload, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request body: %w", err)
	}
	req, err := http.NewRequest(http.MethodPost, g.customerURL(acct.ExternalID, suffix), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if g.developerToken != "" {
		req.Header.Set("developer-token", g.developerToken)
	}
	return g.api.do(ctx, acct.AccessToken, req, out)
}

// jsonNumberString 兼容 int64 字段以字符串返回、double 字段以数字返回
type jsonNumberString string

func (j *jsonNumberString) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*j = jsonNumberString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*j = jsonNumberString(n.String())
	return nil
}

type googleSearchResponse struct {
	Results []struct {
		Metrics struct {
			CostMicros       jsonNumberString `json:"costMicros"`
			Impressions      jsonNumberString `json:"impressions"`
			Clicks           jsonNumberString `json:"clicks"`
			Conversions      jsonNumberString `json:"conversions"`
			ConversionsValue jsonNumberString `json:"conversionsValue"`
		} `json:"metrics"`
		Campaign struct {
			ResourceName   string `json:"resourceName"`
			CampaignBudget string `json:"campaignBudget"`
		} `json:"campaign"`
		CampaignBudget struct {
			ResourceName string           `json:"resourceName"`
			AmountMicros jsonNumberString `json:"amountMicros"`
		} `json:"campaignBudget"`
	} `json:"results"`
}

func (g *GoogleClient) search(ctx context.Context, acct Account, query string) (*googleSearchResponse, error) {
	var resp googleSearchResponse
	if err := g.call(ctx, acct, "googleAds:search", map[string]string{"query": query}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func metricsQuery(entity EntityRef, day string) (string, error) {
	const fields = "metrics.cost_micros, metrics.impressions, metrics.clicks, metrics.conversions, metrics.conversions_value"
	switch entity.Type {
	case "campaign":
		return fmt.Sprintf("SELECT %s FROM campaign WHERE campaign.id = %s AND segments.date = '%s'", fields, entity.ExternalID, day), nil
	case "adset":
		return fmt.Sprintf("SELECT %s FROM ad_group WHERE ad_group.id = %s AND segments.date = '%s'", fields, entity.ExternalID, day), nil
	case "ad":
		_, adID, err := splitAdID(entity.ExternalID)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("SELECT %s FROM ad_group_ad WHERE ad_group_ad.ad.id = %s AND segments.date = '%s'", fields, adID, day), nil
	default:
		return "", fmt.Errorf("unknown entity type %q", entity.Type)
	}
}

func (g *GoogleClient) GetDailyMetrics(ctx context.Context, acct Account, entity EntityRef, date time.Time) (*DailyMetrics, error) {
	query, err := metricsQuery(entity, date.Format("2006-01-02"))
	if err != nil {
		return nil, err
	}
	resp, err := g.search(ctx, acct, query)
	if err != nil {
		return nil, err
	}
	out := &DailyMetrics{Date: date}
	for _, r := range resp.Results {
		out.Spend += microsToUnits(string(r.Metrics.CostMicros))
		out.Impressions += parseInt(string(r.Metrics.Impressions))
		out.Clicks += parseInt(string(r.Metrics.Clicks))
		out.Conversions += int64(math.Round(parseFloat(string(r.Metrics.Conversions))))
		out.Revenue += parseFloat(string(r.Metrics.ConversionsValue))
	}
	return out, nil
}

func resourceName(customerID string, entity EntityRef) (string, string, error) {
	switch entity.Type {
	case "campaign":
		return "campaigns", fmt.Sprintf("customers/%s/campaigns/%s", customerID, entity.ExternalID), nil
	case "adset":
		return "adGroups", fmt.Sprintf("customers/%s/adGroups/%s", customerID, entity.ExternalID), nil
	case "ad":
		if _, _, err := splitAdID(entity.ExternalID); err != nil {
			return "", "", err
		}
		return "adGroupAds", fmt.Sprintf("customers/%s/adGroupAds/%s", customerID, entity.ExternalID), nil
	default:
		return "", "", fmt.Errorf("unknown entity type %q", entity.Type)
	}
}

type googleMutateResponse struct {
	Results []struct {
		ResourceName string `json:"resourceName"`
	} `json:"results"`
}

func (g *GoogleClient) mutate(ctx context.Context, acct Account, service string, update map[string]interface{}, mask string) error {
	payload := map[string]interface{}{
		"operations": []map[string]interface{}{
			{"update": update, "updateMask": mask},
		},
	}
	var resp googleMutateResponse
	if err := g.call(ctx, acct, service+":mutate", payload, &resp); err != nil {
		return err
	}
	if len(resp.Results) == 0 {
		return &APIError{Platform: PlatformGoogle, StatusCode: http.StatusOK, Message: "mutate returned no results"}
	}
	return nil
}

func (g *GoogleClient) SetStatus(ctx context.Context, acct Account, entity EntityRef, status string) error {
	var adsStatus string
	switch status {
	case StatusActive:
		adsStatus = "ENABLED"
	case StatusPaused:
		adsStatus = "PAUSED"
	default:
		return fmt.Errorf("unsupported status %q", status)
	}
	service, name, err := resourceName(acct.ExternalID, entity)
	if err != nil {
		return err
	}
	return g.mutate(ctx, acct, service, map[string]interface{}{"resourceName": name, "status": adsStatus}, "status")
}

func (g *GoogleClient) campaignBudget(ctx context.Context, acct Account, entity EntityRef) (string, decimal.Decimal, error) {
	if entity.Type != "campaign" {
		return "", decimal.Zero, ErrUnsupported
	}
	resp, err := g.search(ctx, acct, fmt.Sprintf(
		"SELECT campaign.campaign_budget, campaign_budget.amount_micros FROM campaign WHERE campaign.id = %s", entity.ExternalID))
	if err != nil {
		return "", decimal.Zero, err
	}
	if len(resp.Results) == 0 {
		return "", decimal.Zero, ErrNotFound
	}
	r := resp.Results[0]
	name := r.CampaignBudget.ResourceName
	if name == "" {
		name = r.Campaign.CampaignBudget
	}
	micros, err := decimal.NewFromString(string(r.CampaignBudget.AmountMicros))
	if err != nil {
		return "", decimal.Zero, fmt.Errorf("parse amountMicros: %w", err)
	}
	return name, micros.Shift(-6), nil
}

func (g *GoogleClient) GetBudget(ctx context.Context, acct Account, entity EntityRef) (decimal.Decimal, error) {
	_, amount, err := g.campaignBudget(ctx, acct, entity)
	return amount, err
}

func (g *GoogleClient) SetBudget(ctx context.Context, acct Account, entity EntityRef, amount decimal.Decimal) error {
	name, _, err := g.campaignBudget(ctx, acct, entity)
	if err != nil {
		return err
	}
	if name == "" {
		return &APIError{Platform: PlatformGoogle, StatusCode: http.StatusOK, Message: "campaign has no budget resource"}
	}
	micros := amount.Shift(6).Round(0).String()
	return g.mutate(ctx, acct, "campaignBudgets", map[string]interface{}{"resourceName": name, "amountMicros": micros}, "amount_micros")
}

func (g *GoogleClient) Duplicate(ctx context.Context, acct Account, adsetExternalID string) (string, error) {
	return "", ErrUnsupported
}

func splitAdID(id string) (string, string, error) {
	parts := strings.SplitN(id, "~", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("google ad id %q must be <adGroupId>~<adId>", id)
	}
	return parts[0], parts[1], nil
}

func microsToUnits(s string) float64 {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return 0
	}
	f, _ := d.Shift(-6).Float64()
	return f
}
