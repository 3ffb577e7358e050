package services

import (
	"context"
	"fmt"
	"time"

	"adpilot/internal/config"
	"adpilot/internal/models"

	"github.com/sirupsen/logrus"
	"github.com/slack-go/slack"
	"gorm.io/gorm"
)

// AlertNotifier 告警外部通知
type AlertNotifier interface {
	Notify(ctx context.Context, alert *models.Alert, ruleName, entityName string) error
}

// SlackNotifier posts alerts to a Slack incoming webhook.
type SlackNotifier struct {
	webhookURL string
	channel    string
	username   string
	timeout    time.Duration
}

func NewSlackNotifier(cfg config.SlackConfig) *SlackNotifier {
	return &SlackNotifier{
		webhookURL: cfg.WebhookURL,
		channel:    cfg.Channel,
		username:   cfg.Username,
		timeout:    5 * time.Second,
	}
}

func (n *SlackNotifier) Notify(ctx context.Context, alert *models.Alert, ruleName, entityName string) error {
	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	fields := []slack.AttachmentField{
		{Title: "Rule", Value: ruleName, Short: true},
		{Title: "Entity", Value: entityName, Short: true},
	}
	if alert.MatchedValue != nil {
		fields = append(fields, slack.AttachmentField{Title: "Value", Value: fmt.Sprintf("%.4g", *alert.MatchedValue), Short: true})
	}
	msg := &slack.WebhookMessage{
		Username: n.username,
		Channel:  n.channel,
		Text:     alert.Message,
		Attachments: []slack.Attachment{{
			Color:  "warning",
			Title:  "Ads automation alert",
			Fields: fields,
		}},
	}
	if err := slack.PostWebhookContext(ctx, n.webhookURL, msg); err != nil {
		return fmt.Errorf("slack webhook: %w", err)
	}
	return nil
}

// AlertService 告警持久化与通知
type AlertService struct {
	db       *gorm.DB
	notifier AlertNotifier
	logger   *logrus.Logger
}

func NewAlertService(db *gorm.DB, notifier AlertNotifier, logger *logrus.Logger) *AlertService {
	if logger == nil {
		logger = logrus.New()
	}
	return &AlertService{db: db, notifier: notifier, logger: logger}
}

// Create stores the alert, then notifies. Notification failure is reported but the row is kept.
func (s *AlertService) Create(ctx context.Context, alert *models.Alert, ruleName, entityName string) (notified bool, err error) {
	if err := s.db.WithContext(ctx).Create(alert).Error; err != nil {
		return false, fmt.Errorf("create alert: %w", err)
	}
	if s.notifier == nil {
		return false, nil
	}
	if err := s.notifier.Notify(ctx, alert, ruleName, entityName); err != nil {
		s.logger.WithFields(logrus.Fields{"tenant_id": alert.TenantID, "alert_id": alert.ID}).
			Warnf("alert notification failed: %v", err)
		return false, nil
	}
	return true, nil
}

// List 分页查询租户告警
func (s *AlertService) List(ctx context.Context, tenantID uint, page, pageSize int) ([]models.Alert, int64, error) {
	page, pageSize = NormalizePage(page, pageSize)
	q := s.db.WithContext(ctx).Model(&models.Alert{}).Where("tenant_id = ?", tenantID)
	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("count alerts: %w", err)
	}
	var alerts []models.Alert
	if err := q.Order("created_at DESC, id DESC").Offset((page - 1) * pageSize).Limit(pageSize).Find(&alerts).Error; err != nil {
		return nil, 0, fmt.Errorf("list alerts: %w", err)
	}
	return alerts, total, nil
}

// NormalizePage 页码默认 1，每页默认 20，最多 200
func NormalizePage(page, pageSize int) (int, int) {
	if page <= 0 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 20
	}
	if pageSize > 200 {
		pageSize = 200
	}
	return page, pageSize
}
