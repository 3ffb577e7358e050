package db

import (
	"fmt"

	"adpilot/internal/config"
	"adpilot/internal/models"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	gormtracing "gorm.io/plugin/opentelemetry/tracing"
)

// Open 连接 Postgres，配置连接池并挂载 OpenTelemetry 插件
func Open(cfg *config.Config) (*gorm.DB, error) {
	gdb, err := gorm.Open(postgres.Open(cfg.Database.DSN()), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}

	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, err
	}
	if cfg.Database.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	}
	if cfg.Database.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	}
	if cfg.Database.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)
	}

	if cfg.Monitoring.Tracing.Enabled {
		if err := gdb.Use(gormtracing.NewPlugin()); err != nil {
			return nil, fmt.Errorf("gorm tracing plugin: %w", err)
		}
	}
	return gdb, nil
}

// Close releases the underlying pool.
func Close(gdb *gorm.DB) error {
	if gdb == nil {
		return nil
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping 用于 /ready 探针
func Ping(gdb *gorm.DB) error {
	if gdb == nil {
		return fmt.Errorf("database not configured")
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		return err
	}
	return sqlDB.Ping()
}

// AutoMigrate 迁移全部表，并补充 Postgres 专用的复合索引
func AutoMigrate(gdb *gorm.DB) error {
	if err := gdb.AutoMigrate(models.All()...); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	if gdb.Dialector.Name() != "postgres" {
		return nil
	}
	stmts := []string{
		"CREATE INDEX IF NOT EXISTS idx_exec_rule_entity_executed ON execution_records(rule_id, entity_id, executed_at DESC) WHERE status = 'executed'",
		"CREATE INDEX IF NOT EXISTS idx_exec_tenant_mode_executed ON execution_records(tenant_id, executed_at) WHERE status = 'executed' AND mode = 'autonomous'",
		"CREATE INDEX IF NOT EXISTS idx_entities_tenant_type_status ON ad_entities(tenant_id, type, status)",
		"CREATE INDEX IF NOT EXISTS idx_rules_tenant_active ON automation_rules(tenant_id, is_active) WHERE deleted_at IS NULL",
	}
	for _, stmt := range stmts {
		if err := gdb.Exec(stmt).Error; err != nil {
			return fmt.Errorf("create index: %w", err)
		}
	}
	return nil
}
