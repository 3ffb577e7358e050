package handlers

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"adpilot/internal/db"
	"adpilot/internal/services"
	"adpilot/pkg/adplatform"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// EnhancedHealthHandler 健康检查处理器
type EnhancedHealthHandler struct {
	version   string
	db        *gorm.DB
	redis     *redis.Client // 可为空：未配置 Redis 时使用进程内锁
	platforms *adplatform.Registry
	breakers  *services.BreakerSet
	logger    *logrus.Logger
}

// NewEnhancedHealthHandler 创建健康检查处理器
func NewEnhancedHealthHandler(version string, gdb *gorm.DB, rdb *redis.Client, platforms *adplatform.Registry, breakers *services.BreakerSet, logger *logrus.Logger) *EnhancedHealthHandler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &EnhancedHealthHandler{
		version:   version,
		db:        gdb,
		redis:     rdb,
		platforms: platforms,
		breakers:  breakers,
		logger:    logger,
	}
}

// HealthResponse 健康检查响应
type HealthResponse struct {
	Status    string                 `json:"status"`
	Version   string                 `json:"version"`
	Timestamp time.Time              `json:"timestamp"`
	Services  map[string]ServiceInfo `json:"services"`
	System    SystemInfo             `json:"system"`
}

// ServiceInfo 服务信息
type ServiceInfo struct {
	Status  string      `json:"status"`
	Latency string      `json:"latency,omitempty"`
	Error   string      `json:"error,omitempty"`
	Details interface{} `json:"details,omitempty"`
}

// SystemInfo 系统信息
type SystemInfo struct {
	Uptime    time.Duration `json:"uptime"`
	Version   string        `json:"version"`
	GoVersion string        `json:"go_version"`
}

var startTime = time.Now()

// Health 健康检查端点：数据库不可用为 unhealthy，其余依赖不可用为 degraded
func (h *EnhancedHealthHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	response := HealthResponse{
		Status:    "healthy",
		Version:   h.version,
		Timestamp: time.Now().UTC(),
		Services:  make(map[string]ServiceInfo),
		System: SystemInfo{
			Uptime:    time.Since(startTime),
			Version:   h.version,
			GoVersion: runtime.Version(),
		},
	}

	if !h.checkDatabase(&response) {
		response.Status = "unhealthy"
	}
	if !h.checkRedis(ctx, &response) && response.Status == "healthy" {
		response.Status = "degraded"
	}
	h.describeAutomation(&response)

	statusCode := http.StatusOK
	if response.Status == "unhealthy" {
		statusCode = http.StatusServiceUnavailable
	}
	c.JSON(statusCode, response)
}

// Ready 就绪检查端点，只检查数据库
func (h *EnhancedHealthHandler) Ready(c *gin.Context) {
	ready := true
	svc := map[string]string{"database": "ready"}
	if err := db.Ping(h.db); err != nil {
		ready = false
		svc["database"] = "not_ready"
		h.logger.WithError(err).Warn("readiness: database ping failed")
	}

	statusCode := http.StatusOK
	if !ready {
		statusCode = http.StatusServiceUnavailable
	}
	c.JSON(statusCode, gin.H{
		"ready":     ready,
		"timestamp": time.Now().UTC(),
		"services":  svc,
	})
}

func (h *EnhancedHealthHandler) checkDatabase(response *HealthResponse) bool {
	start := time.Now()
	info := ServiceInfo{Status: "healthy"}
	if h.db != nil {
		info.Details = map[string]interface{}{"driver": h.db.Dialector.Name()}
	}
	err := db.Ping(h.db)
	info.Latency = time.Since(start).String()
	if err != nil {
		info.Status = "unhealthy"
		info.Error = err.Error()
	}
	response.Services["database"] = info
	return err == nil
}

func (h *EnhancedHealthHandler) checkRedis(ctx context.Context, response *HealthResponse) bool {
	if h.redis == nil {
		response.Services["redis"] = ServiceInfo{Status: "disabled"}
		return true
	}
	start := time.Now()
	info := ServiceInfo{Status: "healthy"}
	err := h.redis.Ping(ctx).Err()
	info.Latency = time.Since(start).String()
	if err != nil {
		info.Status = "unhealthy"
		info.Error = err.Error()
		h.logger.WithError(err).Warn("redis ping failed")
	}
	response.Services["redis"] = info
	return err == nil
}

func (h *EnhancedHealthHandler) describeAutomation(response *HealthResponse) {
	details := map[string]interface{}{}
	if h.platforms != nil {
		details["platforms"] = h.platforms.Platforms()
	}
	if h.breakers != nil {
		open := 0
		for _, state := range h.breakers.Stats() {
			if state == services.BreakerOpen.String() {
				open++
			}
		}
		details["open_breakers"] = open
	}
	response.Services["automation"] = ServiceInfo{Status: "healthy", Details: details}
}

func RegisterHealthRoutes(r *gin.Engine, handler *EnhancedHealthHandler) {
	r.GET("/health", handler.Health)
	r.GET("/ready", handler.Ready)
}
