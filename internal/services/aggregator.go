package services

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"time"

	"adpilot/internal/models"

	"gorm.io/gorm"
)

// Window 评估窗口 [Start, End)，均为日期（UTC 零点标记）
type Window struct {
	Start time.Time
	End   time.Time
}

// DayOf truncates t to its calendar date in loc, labelled as UTC midnight.
func DayOf(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// WindowFor 评估日 T 所在租户时区，窗口为 [T-days, T-1]，不含当天
func WindowFor(now time.Time, loc *time.Location, days int) Window {
	today := DayOf(now, loc)
	return Window{Start: today.AddDate(0, 0, -days), End: today}
}

// MetricAggregator 计算 (实体, 指标, 窗口, 聚合方式) 的标量值
type MetricAggregator struct {
	db      *gorm.DB
	timeout time.Duration
}

func NewMetricAggregator(db *gorm.DB, timeout time.Duration) *MetricAggregator {
	return &MetricAggregator{db: db, timeout: timeout}
}

// Aggregate returns ok=false when the window holds no samples for the metric.
func (a *MetricAggregator) Aggregate(ctx context.Context, tenantID, entityID uint, metric, aggregation string, w Window) (float64, bool, error) {
	def, found := LookupMetric(metric)
	if !found {
		return 0, false, fmt.Errorf("unknown metric %q", metric)
	}
	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	var values []sql.NullFloat64
	err := a.db.WithContext(ctx).Model(&models.MetricSample{}).
		Where("tenant_id = ? AND entity_id = ? AND date >= ? AND date < ?", tenantID, entityID, w.Start, w.End).
		Order("date ASC").
		Pluck(def.Column, &values).Error
	if err != nil {
		return 0, false, fmt.Errorf("load metric samples: %w", err)
	}

	present := make([]float64, 0, len(values))
	for _, v := range values {
		if v.Valid {
			present = append(present, v.Float64)
		}
	}
	v, ok := aggregate(present, aggregation)
	return v, ok, nil
}

func aggregate(values []float64, aggregation string) (float64, bool) {
	if len(values) == 0 {
		return 0, false
	}
	switch aggregation {
	case AggSum, AggAvg:
		var sum float64
		for _, v := range values {
			sum += v
		}
		if aggregation == AggAvg {
			return sum / float64(len(values)), true
		}
		return sum, true
	case AggMin:
		min := math.Inf(1)
		for _, v := range values {
			min = math.Min(min, v)
		}
		return min, true
	case AggMax:
		max := math.Inf(-1)
		for _, v := range values {
			max = math.Max(max, v)
		}
		return max, true
	default:
		return 0, false
	}
}

// EvaluateCondition 比较聚合值与阈值；epsilon > 0 时 "=" 采用容差比较
func EvaluateCondition(operator string, actual, threshold, epsilon float64) (bool, error) {
	switch operator {
	case ">":
		return actual > threshold, nil
	case "<":
		return actual < threshold, nil
	case ">=":
		return actual >= threshold, nil
	case "<=":
		return actual <= threshold, nil
	case "=":
		if epsilon > 0 {
			return math.Abs(actual-threshold) <= epsilon, nil
		}
		return actual == threshold, nil
	default:
		return false, fmt.Errorf("unknown operator %q", operator)
	}
}
