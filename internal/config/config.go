package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server         ServerConfig         `mapstructure:"server" yaml:"server"`
	Database       DatabaseConfig       `mapstructure:"database" yaml:"database"`
	Redis          RedisConfig          `mapstructure:"redis" yaml:"redis"`
	JWT            JWTConfig            `mapstructure:"jwt" yaml:"jwt"`
	Log            LogConfig            `mapstructure:"log" yaml:"log"`
	Monitoring     MonitoringConfig     `mapstructure:"monitoring" yaml:"monitoring"`
	Security       SecurityConfig       `mapstructure:"security" yaml:"security"`
	Automation     AutomationConfig     `mapstructure:"automation" yaml:"automation"`
	Platforms      PlatformsConfig      `mapstructure:"platforms" yaml:"platforms"`
	Alerts         AlertsConfig         `mapstructure:"alerts" yaml:"alerts"`
	CircuitBreaker CircuitBreakerConfig `mapstructure:"circuit_breaker" yaml:"circuit_breaker"`
}

type ServerConfig struct {
	Host string `mapstructure:"host" yaml:"host"`
	Port int    `mapstructure:"port" yaml:"port"`
}

type DatabaseConfig struct {
	Host            string        `mapstructure:"host" yaml:"host"`
	Port            int           `mapstructure:"port" yaml:"port"`
	User            string        `mapstructure:"user" yaml:"user"`
	Password        string        `mapstructure:"password" yaml:"password"`
	Name            string        `mapstructure:"name" yaml:"name"`
	SSLMode         string        `mapstructure:"ssl_mode" yaml:"ssl_mode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" yaml:"conn_max_lifetime"`
}

// DSN 构建 Postgres 连接串
func (d DatabaseConfig) DSN() string {
	sslMode := d.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf(
		"host=%s user=%s password=%s dbname=%s port=%d sslmode=%s TimeZone=UTC",
		d.Host, d.User, d.Password, d.Name, d.Port, sslMode,
	)
}

// RedisConfig 仅用于跨进程的租户锁；Host 为空时使用进程内锁
type RedisConfig struct {
	Host     string        `mapstructure:"host" yaml:"host"`
	Port     int           `mapstructure:"port" yaml:"port"`
	Password string        `mapstructure:"password" yaml:"password"`
	DB       int           `mapstructure:"db" yaml:"db"`
	PoolSize int           `mapstructure:"pool_size" yaml:"pool_size"`
	LockTTL  time.Duration `mapstructure:"lock_ttl" yaml:"lock_ttl"`
}

func (r RedisConfig) Enabled() bool {
	return strings.TrimSpace(r.Host) != ""
}

func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

type JWTConfig struct {
	Secret    string        `mapstructure:"secret" yaml:"secret"`
	ExpiresIn time.Duration `mapstructure:"expires_in" yaml:"expires_in"`
	Issuer    string        `mapstructure:"issuer" yaml:"issuer"`
}

type LogConfig struct {
	Level      string `mapstructure:"level" yaml:"level"`
	Format     string `mapstructure:"format" yaml:"format"` // json, text
	Output     string `mapstructure:"output" yaml:"output"` // stdout, file, both
	FilePath   string `mapstructure:"file_path" yaml:"file_path"`
	MaxSize    int    `mapstructure:"max_size" yaml:"max_size"`       // MB
	MaxAge     int    `mapstructure:"max_age" yaml:"max_age"`         // days
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"` // number of backup files
	Compress   bool   `mapstructure:"compress" yaml:"compress"`
}

type MonitoringConfig struct {
	Enabled     bool          `mapstructure:"enabled" yaml:"enabled"`
	MetricsPath string        `mapstructure:"metrics_path" yaml:"metrics_path"`
	Tracing     TracingConfig `mapstructure:"tracing" yaml:"tracing"`
}

// TracingConfig OpenTelemetry 追踪配置
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled" yaml:"enabled"`
	Endpoint    string  `mapstructure:"endpoint" yaml:"endpoint"`         // OTLP gRPC 端点，例如 http://otel-collector:4317
	Insecure    bool    `mapstructure:"insecure" yaml:"insecure"`         // 是否使用明文（本地/开发）
	SampleRatio float64 `mapstructure:"sample_ratio" yaml:"sample_ratio"` // 采样率 0.0~1.0
	ServiceName string  `mapstructure:"service_name" yaml:"service_name"`
}

type SecurityConfig struct {
	CORS         CORSConfig         `mapstructure:"cors" yaml:"cors"`
	RateLimiting RateLimitingConfig `mapstructure:"rate_limiting" yaml:"rate_limiting"`
}

type CORSConfig struct {
	Enabled        bool     `mapstructure:"enabled" yaml:"enabled"`
	AllowedOrigins []string `mapstructure:"allowed_origins" yaml:"allowed_origins"`
	AllowedMethods []string `mapstructure:"allowed_methods" yaml:"allowed_methods"`
	AllowedHeaders []string `mapstructure:"allowed_headers" yaml:"allowed_headers"`
}

type RateLimitingConfig struct {
	Enabled           bool   `mapstructure:"enabled" yaml:"enabled"`
	RequestsPerMinute int    `mapstructure:"requests_per_minute" yaml:"requests_per_minute"`
	Burst             int    `mapstructure:"burst" yaml:"burst"`
	KeyHeader         string `mapstructure:"key_header" yaml:"key_header"`
}

// AutomationConfig 广告自动化规则引擎配置
type AutomationConfig struct {
	Enabled            bool          `mapstructure:"enabled" yaml:"enabled"`
	Schedule           string        `mapstructure:"schedule" yaml:"schedule"`                         // cron (with seconds)
	MetricSyncSchedule string        `mapstructure:"metric_sync_schedule" yaml:"metric_sync_schedule"` // cron (with seconds), empty disables
	MaxDailyActions    int           `mapstructure:"max_daily_actions" yaml:"max_daily_actions"`       // default when the tenant has none
	EntityWorkers      int           `mapstructure:"entity_workers" yaml:"entity_workers"`
	MetricTimeout      time.Duration `mapstructure:"metric_timeout" yaml:"metric_timeout"`
	ActionTimeout      time.Duration `mapstructure:"action_timeout" yaml:"action_timeout"`
	EqualityEpsilon    float64       `mapstructure:"equality_epsilon" yaml:"equality_epsilon"` // 0 = exact comparison
	PersistNotMatched  bool          `mapstructure:"persist_not_matched" yaml:"persist_not_matched"`
	DryRun             bool          `mapstructure:"dry_run" yaml:"dry_run"`
	IngestQueueSize    int           `mapstructure:"ingest_queue_size" yaml:"ingest_queue_size"`
	JobRetries         int           `mapstructure:"job_retries" yaml:"job_retries"`
	JobRetryBackoff    time.Duration `mapstructure:"job_retry_backoff" yaml:"job_retry_backoff"`
}

type PlatformsConfig struct {
	Meta   PlatformConfig `mapstructure:"meta" yaml:"meta"`
	Google PlatformConfig `mapstructure:"google" yaml:"google"`
}

type PlatformConfig struct {
	Enabled        bool          `mapstructure:"enabled" yaml:"enabled"`
	BaseURL        string        `mapstructure:"base_url" yaml:"base_url"`
	APIVersion     string        `mapstructure:"api_version" yaml:"api_version"`
	DeveloperToken string        `mapstructure:"developer_token" yaml:"developer_token"` // google only
	Timeout        time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

type AlertsConfig struct {
	Slack SlackConfig `mapstructure:"slack" yaml:"slack"`
}

type SlackConfig struct {
	Enabled    bool   `mapstructure:"enabled" yaml:"enabled"`
	WebhookURL string `mapstructure:"webhook_url" yaml:"webhook_url"`
	Channel    string `mapstructure:"channel" yaml:"channel"`
	Username   string `mapstructure:"username" yaml:"username"`
}

type CircuitBreakerConfig struct {
	Enabled         bool          `mapstructure:"enabled" yaml:"enabled"`
	MaxFailures     int           `mapstructure:"max_failures" yaml:"max_failures"`
	ResetTimeout    time.Duration `mapstructure:"reset_timeout" yaml:"reset_timeout"`
	HalfOpenMaxReqs int           `mapstructure:"half_open_max_requests" yaml:"half_open_max_requests"`
}

// Load 以默认配置为底，叠加 viper 已读取的配置文件与环境变量
func Load() (*Config, error) {
	cfg := GetDefaultConfig()
	if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks values the engine cannot run without.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}
	a := c.Automation
	if a.MaxDailyActions < 0 {
		return fmt.Errorf("automation.max_daily_actions must be non-negative")
	}
	if a.EntityWorkers <= 0 {
		return fmt.Errorf("automation.entity_workers must be positive")
	}
	if a.MetricTimeout <= 0 || a.ActionTimeout <= 0 {
		return fmt.Errorf("automation timeouts must be positive")
	}
	if a.EqualityEpsilon < 0 {
		return fmt.Errorf("automation.equality_epsilon must be non-negative")
	}
	if a.Enabled && strings.TrimSpace(a.Schedule) == "" {
		return fmt.Errorf("automation.schedule is required when automation is enabled")
	}
	if c.Alerts.Slack.Enabled && strings.TrimSpace(c.Alerts.Slack.WebhookURL) == "" {
		return fmt.Errorf("alerts.slack.webhook_url is required when slack alerts are enabled")
	}
	return nil
}

// GetDefaultConfig 返回默认配置
func GetDefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Database: DatabaseConfig{
			Host:            "localhost",
			Port:            5432,
			User:            "postgres",
			Password:        "password",
			Name:            "adpilot",
			SSLMode:         "disable",
			MaxOpenConns:    50,
			MaxIdleConns:    10,
			ConnMaxLifetime: 3600 * time.Second,
		},
		Redis: RedisConfig{
			Port:     6379,
			PoolSize: 10,
			LockTTL:  2 * time.Minute,
		},
		JWT: JWTConfig{
			Secret:    "default-secret-key",
			ExpiresIn: 24 * time.Hour,
			Issuer:    "adpilot",
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "json",
			Output:     "stdout",
			FilePath:   "./logs/adpilot.log",
			MaxSize:    100,
			MaxAge:     7,
			MaxBackups: 3,
			Compress:   true,
		},
		Monitoring: MonitoringConfig{
			Enabled:     true,
			MetricsPath: "/metrics",
			Tracing: TracingConfig{
				Enabled:     false,
				Endpoint:    "http://localhost:4317",
				Insecure:    true,
				SampleRatio: 0.1,
				ServiceName: "adpilot",
			},
		},
		Security: SecurityConfig{
			CORS: CORSConfig{
				Enabled:        true,
				AllowedOrigins: []string{"*"},
				AllowedMethods: []string{"GET", "POST", "PUT", "DELETE"},
				AllowedHeaders: []string{"*"},
			},
			RateLimiting: RateLimitingConfig{
				Enabled:           true,
				RequestsPerMinute: 120,
				Burst:             20,
			},
		},
		Automation: AutomationConfig{
			Enabled:            true,
			Schedule:           "0 5 * * * *",
			MetricSyncSchedule: "0 30 2 * * *",
			MaxDailyActions:    50,
			EntityWorkers:      8,
			MetricTimeout:      5 * time.Second,
			ActionTimeout:      15 * time.Second,
			EqualityEpsilon:    0,
			PersistNotMatched:  false,
			IngestQueueSize:    1024,
			JobRetries:         3,
			JobRetryBackoff:    60 * time.Second,
		},
		Platforms: PlatformsConfig{
			Meta: PlatformConfig{
				Enabled:    true,
				BaseURL:    "https://graph.facebook.com",
				APIVersion: "v19.0",
				Timeout:    10 * time.Second,
			},
			Google: PlatformConfig{
				Enabled:    true,
				BaseURL:    "https://googleads.googleapis.com",
				APIVersion: "v16",
				Timeout:    10 * time.Second,
			},
		},
		Alerts: AlertsConfig{
			Slack: SlackConfig{
				Username: "adpilot",
			},
		},
		CircuitBreaker: CircuitBreakerConfig{
			Enabled:         true,
			MaxFailures:     5,
			ResetTimeout:    60 * time.Second,
			HalfOpenMaxReqs: 1,
		},
	}
}
