package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"adpilot/internal/metrics"
	"adpilot/internal/models"
	"adpilot/pkg/adplatform"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrQueueFull   = errors.New("metric ingest queue is full")
	ErrQueueClosed = errors.New("metric ingest queue is closed")
)

// SampleInput 上报的单日指标
type SampleInput struct {
	EntityID       uint     `json:"entity_id" binding:"required"`
	Date           string   `json:"date" binding:"required"` // YYYY-MM-DD
	Spend          float64  `json:"spend"`
	Impressions    int64    `json:"impressions"`
	Clicks         int64    `json:"clicks"`
	Conversions    int64    `json:"conversions"`
	Revenue        float64  `json:"revenue"`
	RelevanceScore *float64 `json:"relevance_score"`
}

// MetricIngestor 有界队列 + 单 worker 写入 metric_samples
type MetricIngestor struct {
	db        *gorm.DB
	platforms *adplatform.Registry
	entities  *EntityService
	logger    *logrus.Logger
	queue     chan models.MetricSample
	mu        sync.RWMutex
	closed    bool
	wg        sync.WaitGroup
	now       func() time.Time
}

func NewMetricIngestor(db *gorm.DB, entities *EntityService, platforms *adplatform.Registry, queueSize int, logger *logrus.Logger) *MetricIngestor {
	if logger == nil {
		logger = logrus.New()
	}
	if queueSize <= 0 {
		queueSize = 1024
	}
	return &MetricIngestor{
		db:        db,
		platforms: platforms,
		entities:  entities,
		logger:    logger,
		queue:     make(chan models.MetricSample, queueSize),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// DeriveRatios 派生比率；分母为 0 时取 0
func DeriveRatios(s *models.MetricSample) {
	div := func(a, b float64) float64 {
		if b == 0 {
			return 0
		}
		return a / b
	}
	s.CPC = div(s.Spend, float64(s.Clicks))
	s.CTR = div(float64(s.Clicks), float64(s.Impressions)) * 100
	s.CPM = div(s.Spend, float64(s.Impressions)) * 1000
	s.ROAS = div(s.Revenue, s.Spend)
	s.CostPerConversion = div(s.Spend, float64(s.Conversions))
}

func (m *MetricIngestor) buildSample(ctx context.Context, tenantID uint, in SampleInput) (models.MetricSample, error) {
	day, err := time.Parse("2006-01-02", in.Date)
	if err != nil {
		return models.MetricSample{}, invalid("date", "must be YYYY-MM-DD")
	}
	if day.After(DayOf(m.now(), time.UTC)) {
		return models.MetricSample{}, invalid("date", "must not be in the future")
	}
	if in.Spend < 0 || in.Impressions < 0 || in.Clicks < 0 || in.Conversions < 0 || in.Revenue < 0 {
		return models.MetricSample{}, invalid("metrics", "values must be non-negative")
	}
	var entity models.AdEntity
	if err := m.db.WithContext(ctx).Select("id", "type").
		Where("tenant_id = ? AND id = ?", tenantID, in.EntityID).First(&entity).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.MetricSample{}, invalid("entity_id", "entity %d not found", in.EntityID)
		}
		return models.MetricSample{}, err
	}
	if in.RelevanceScore != nil && entity.Type != models.ScopeAd {
		return models.MetricSample{}, invalid("relevance_score", "only ads carry a relevance score")
	}
	s := models.MetricSample{
		TenantID:       tenantID,
		EntityID:       entity.ID,
		EntityType:     entity.Type,
		Date:           day,
		Spend:          in.Spend,
		Impressions:    in.Impressions,
		Clicks:         in.Clicks,
		Conversions:    in.Conversions,
		Revenue:        in.Revenue,
		RelevanceScore: in.RelevanceScore,
	}
	DeriveRatios(&s)
	return s, nil
}

// Enqueue validates all inputs first; nothing is queued when any input is invalid.
func (m *MetricIngestor) Enqueue(ctx context.Context, tenantID uint, inputs []SampleInput) (int, error) {
	samples := make([]models.MetricSample, 0, len(inputs))
	for i, in := range inputs {
		s, err := m.buildSample(ctx, tenantID, in)
		if err != nil {
			return 0, fmt.Errorf("sample %d: %w", i, err)
		}
		samples = append(samples, s)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return 0, ErrQueueClosed
	}
	if cap(m.queue)-len(m.queue) < len(samples) {
		return 0, ErrQueueFull
	}
	for i, s := range samples {
		select {
		case m.queue <- s:
			metrics.IngestQueueDepth.Inc()
		default:
			return i, ErrQueueFull
		}
	}
	return len(samples), nil
}

// enqueueWait 同步任务使用，队列满时等待
func (m *MetricIngestor) enqueueWait(ctx context.Context, s models.MetricSample) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrQueueClosed
	}
	select {
	case m.queue <- s:
		metrics.IngestQueueDepth.Inc()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Start launches the worker; it exits after Stop drains the queue.
func (m *MetricIngestor) Start(ctx context.Context) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for s := range m.queue {
			metrics.IngestQueueDepth.Dec()
			if err := m.Store(context.WithoutCancel(ctx), &s); err != nil {
				metrics.IngestedSamplesTotal.WithLabelValues("error").Inc()
				m.logger.WithFields(logrus.Fields{"tenant_id": s.TenantID, "entity_id": s.EntityID}).
					Errorf("metric ingest: store sample failed: %v", err)
				continue
			}
			metrics.IngestedSamplesTotal.WithLabelValues("stored").Inc()
		}
	}()
}

func (m *MetricIngestor) Stop() {
	m.mu.Lock()
	if !m.closed {
		m.closed = true
		close(m.queue)
	}
	m.mu.Unlock()
	m.wg.Wait()
}

// Store 写入样本：当天与昨天允许覆盖，更早日期视为已定稿
func (m *MetricIngestor) Store(ctx context.Context, s *models.MetricSample) error {
	onConflict := clause.OnConflict{
		Columns: []clause.Column{{Name: "entity_id"}, {Name: "date"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"spend", "impressions", "clicks", "conversions", "revenue",
			"cpc", "ctr", "cpm", "roas", "cost_per_conversion", "relevance_score", "updated_at",
		}),
	}
	settled := DayOf(m.now(), time.UTC).AddDate(0, 0, -1)
	if s.Date.Before(settled) {
		onConflict = clause.OnConflict{Columns: onConflict.Columns, DoNothing: true}
	}
	return m.db.WithContext(ctx).Clauses(onConflict).Create(s).Error
}

// SyncDay 拉取所有启用自动化租户的实体在某日的指标并入队
func (m *MetricIngestor) SyncDay(ctx context.Context, day time.Time) (int, error) {
	if m.platforms == nil {
		return 0, fmt.Errorf("no platform clients configured")
	}
	var tenants []models.Tenant
	if err := m.db.WithContext(ctx).Where("automation_enabled = ?", true).Find(&tenants).Error; err != nil {
		return 0, fmt.Errorf("load tenants: %w", err)
	}
	queued := 0
	for _, t := range tenants {
		h, err := m.entities.LoadHierarchy(ctx, t.ID)
		if err != nil {
			m.logger.WithField("tenant_id", t.ID).Warnf("metric sync: load entities failed: %v", err)
			continue
		}
		for _, node := range h.Nodes() {
			client, err := m.platforms.Get(node.Account.Platform)
			if err != nil {
				continue
			}
			acct := adplatform.Account{Platform: node.Account.Platform, ExternalID: node.Account.ExternalID, AccessToken: node.Account.AccessToken}
			dm, err := client.GetDailyMetrics(ctx, acct, adplatform.EntityRef{ExternalID: node.Entity.ExternalID, Type: node.Entity.Type}, day)
			if err != nil {
				m.logger.WithFields(logrus.Fields{"tenant_id": t.ID, "entity_id": node.Entity.ID}).
					Warnf("metric sync: fetch failed: %v", err)
				continue
			}
			s := models.MetricSample{
				TenantID:       t.ID,
				EntityID:       node.Entity.ID,
				EntityType:     node.Entity.Type,
				Date:           DayOf(day, time.UTC),
				Spend:          dm.Spend,
				Impressions:    dm.Impressions,
				Clicks:         dm.Clicks,
				Conversions:    dm.Conversions,
				Revenue:        dm.Revenue,
				RelevanceScore: dm.RelevanceScore,
			}
			DeriveRatios(&s)
			if err := m.enqueueWait(ctx, s); err != nil {
				return queued, err
			}
			queued++
		}
	}
	return queued, nil
}
