package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EvaluationsTotal 每个 (规则, 实体) 评估结果
	EvaluationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adpilot_rule_evaluations_total",
			Help: "Rule evaluations by outcome",
		},
		[]string{"status"},
	)

	ActionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adpilot_actions_total",
			Help: "Platform actions by type and result",
		},
		[]string{"action", "result"},
	)

	RunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "adpilot_run_duration_seconds",
			Help:    "Duration of tenant evaluation runs",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		},
		[]string{"trigger"},
	)

	TenantErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "adpilot_tenant_errors_total",
			Help: "Tenant-level failures during runs",
		},
	)

	RateLimitDropsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adpilot_http_rate_limit_drops_total",
			Help: "Requests rejected with 429",
		},
		[]string{"key"},
	)

	IngestQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "adpilot_metric_ingest_queue_depth",
			Help: "Metric samples waiting to be stored",
		},
	)

	IngestedSamplesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adpilot_metric_samples_ingested_total",
			Help: "Metric samples processed by the ingest worker",
		},
		[]string{"result"},
	)
)

func IncEvaluation(status string) {
	EvaluationsTotal.WithLabelValues(status).Inc()
}

func IncAction(action, result string) {
	ActionsTotal.WithLabelValues(action, result).Inc()
}

// IncRateLimitDrop uses "global" when no key is given.
func IncRateLimitDrop(key string) {
	if key == "" {
		key = "global"
	}
	RateLimitDropsTotal.WithLabelValues(key).Inc()
}
