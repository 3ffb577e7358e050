package cli

import (
	"context"
	"fmt"
	"time"

	"adpilot/internal/config"
	"adpilot/internal/db"
	"adpilot/internal/services"
	"adpilot/pkg/adplatform"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// app 持有一次进程生命周期内的全部服务
type app struct {
	cfg       *config.Config
	logger    *logrus.Logger
	db        *gorm.DB
	redis     *redis.Client
	platforms *adplatform.Registry
	breakers  *services.BreakerSet
	rules     *services.RuleService
	entities  *services.EntityService
	execLog   *services.ExecutionLogger
	alerts    *services.AlertService
	executor  *services.ActionExecutor
	approvals *services.ApprovalService
	engine    *services.RuleEngine
	ingestor  *services.MetricIngestor
}

// loadConfig 读取配置并初始化日志
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := config.InitLogger(cfg); err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	return cfg, nil
}

func newApp(cfg *config.Config, logger *logrus.Logger) (*app, error) {
	gdb, err := db.Open(cfg)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger, db: gdb}

	var locker services.Locker
	if cfg.Redis.Enabled() {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := a.redis.Ping(ctx).Err()
		cancel()
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		locker = services.NewRedisLocker(a.redis, cfg.Redis.LockTTL)
		logger.Infof("tenant locks backed by redis at %s", cfg.Redis.Addr())
	} else {
		locker = services.NewMemoryLocker()
		logger.Info("redis not configured, using in-process tenant locks")
	}

	a.platforms = adplatform.NewRegistry()
	if p := cfg.Platforms.Meta; p.Enabled {
		a.platforms.Register(adplatform.NewMetaClient(platformConfig(p), logger))
	}
	if p := cfg.Platforms.Google; p.Enabled {
		a.platforms.Register(adplatform.NewGoogleClient(platformConfig(p), logger))
	}

	var notifier services.AlertNotifier
	if cfg.Alerts.Slack.Enabled {
		notifier = services.NewSlackNotifier(cfg.Alerts.Slack)
	}

	filter, err := services.NewEntityFilter()
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("entity filter: %w", err)
	}

	ac := cfg.Automation
	a.breakers = services.NewBreakerSet(cfg.CircuitBreaker)
	a.rules = services.NewRuleService(gdb, filter, logger)
	a.entities = services.NewEntityService(gdb, logger)
	a.execLog = services.NewExecutionLogger(gdb, ac.PersistNotMatched, logger)
	a.alerts = services.NewAlertService(gdb, notifier, logger)
	a.executor = services.NewActionExecutor(gdb, a.platforms, a.breakers, a.alerts, ac.ActionTimeout, logger)
	a.approvals = services.NewApprovalService(gdb, a.execLog, a.entities, a.executor, logger)
	a.engine = services.NewRuleEngine(gdb, services.EngineDeps{
		Rules:      a.rules,
		Entities:   a.entities,
		Aggregator: services.NewMetricAggregator(gdb, ac.MetricTimeout),
		Guards:     services.NewGuards(gdb),
		Executor:   a.executor,
		Log:        a.execLog,
		Filter:     filter,
		Locker:     locker,
	}, services.EngineConfig{
		MaxDailyActions: ac.MaxDailyActions,
		EntityWorkers:   ac.EntityWorkers,
		EqualityEpsilon: ac.EqualityEpsilon,
		DryRun:          ac.DryRun,
	}, logger)
	a.ingestor = services.NewMetricIngestor(gdb, a.entities, a.platforms, ac.IngestQueueSize, logger)
	return a, nil
}

func platformConfig(p config.PlatformConfig) adplatform.Config {
	return adplatform.Config{
		BaseURL:        p.BaseURL,
		APIVersion:     p.APIVersion,
		DeveloperToken: p.DeveloperToken,
		Timeout:        p.Timeout,
	}
}

func (a *app) Close() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warnf("close redis: %v", err)
		}
	}
	if err := db.Close(a.db); err != nil {
		a.logger.Warnf("close database: %v", err)
	}
}
