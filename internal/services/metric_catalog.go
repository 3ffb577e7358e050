package services

import "adpilot/internal/models"

// MetricDef describes a metric rules may reference.
type MetricDef struct {
	Name   string
	Column string
	Rate   bool // derived ratio, stored per day
	Scopes map[string]bool
}

var allScopes = map[string]bool{
	models.ScopeAd:       true,
	models.ScopeAdSet:    true,
	models.ScopeCampaign: true,
}

var metricCatalog = map[string]MetricDef{
	"spend":               {Name: "spend", Column: "spend", Scopes: allScopes},
	"impressions":         {Name: "impressions", Column: "impressions", Scopes: allScopes},
	"clicks":              {Name: "clicks", Column: "clicks", Scopes: allScopes},
	"conversions":         {Name: "conversions", Column: "conversions", Scopes: allScopes},
	"revenue":             {Name: "revenue", Column: "revenue", Scopes: allScopes},
	"cpc":                 {Name: "cpc", Column: "cpc", Rate: true, Scopes: allScopes},
	"ctr":                 {Name: "ctr", Column: "ctr", Rate: true, Scopes: allScopes},
	"cpm":                 {Name: "cpm", Column: "cpm", Rate: true, Scopes: allScopes},
	"roas":                {Name: "roas", Column: "roas", Rate: true, Scopes: allScopes},
	"cost_per_conversion": {Name: "cost_per_conversion", Column: "cost_per_conversion", Rate: true, Scopes: allScopes},
	"relevance_score":     {Name: "relevance_score", Column: "relevance_score", Scopes: map[string]bool{models.ScopeAd: true}},
}

func LookupMetric(name string) (MetricDef, bool) {
	m, ok := metricCatalog[name]
	return m, ok
}

// 动作类型
const (
	ActionPauseAd        = "pause_ad"
	ActionResumeAd       = "resume_ad"
	ActionIncreaseBudget = "increase_budget"
	ActionDecreaseBudget = "decrease_budget"
	ActionDuplicateAdSet = "duplicate_adset"
	ActionCreateAlert    = "create_alert"
)

// actionScopes 动作与可用层级
var actionScopes = map[string]map[string]bool{
	ActionPauseAd:        allScopes,
	ActionResumeAd:       allScopes,
	ActionIncreaseBudget: {models.ScopeAdSet: true, models.ScopeCampaign: true},
	ActionDecreaseBudget: {models.ScopeAdSet: true, models.ScopeCampaign: true},
	ActionDuplicateAdSet: {models.ScopeAdSet: true},
	ActionCreateAlert:    allScopes,
}

const (
	FrequencyHourly = "hourly"
	FrequencyDaily  = "daily"
	FrequencyWeekly = "weekly"
)

const (
	AggAvg = "avg"
	AggSum = "sum"
	AggMin = "min"
	AggMax = "max"
)
