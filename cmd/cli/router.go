package cli

import (
	"adpilot/internal/handlers"
	"adpilot/internal/middleware"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

func setupRouter(a *app) *gin.Engine {
	cfg := a.cfg
	router := gin.New()

	router.Use(gin.Logger())
	router.Use(gin.Recovery())
	if cfg.Security.CORS.Enabled {
		router.Use(middleware.CORSMiddleware(cfg.Security.CORS))
	}
	if cfg.Monitoring.Tracing.Enabled {
		router.Use(otelgin.Middleware(cfg.Monitoring.Tracing.ServiceName))
	}

	handlers.RegisterHealthRoutes(router, handlers.NewEnhancedHealthHandler(Version, a.db, a.redis, a.platforms, a.breakers, a.logger))
	if cfg.Monitoring.Enabled {
		router.GET(cfg.Monitoring.MetricsPath, gin.WrapH(promhttp.Handler()))
	}

	api := router.Group("/api/v1")
	api.Use(middleware.AuthMiddleware(cfg.JWT))
	// 认证之后限流，才能按租户分桶
	if cfg.Security.RateLimiting.Enabled {
		api.Use(middleware.RateLimitMiddleware(cfg.Security.RateLimiting))
		logrus.Info("rate limiting enabled")
	}
	auto := api.Group("/automation")
	{
		handlers.RegisterRuleRoutes(auto, handlers.NewRuleHandler(a.rules))
		handlers.RegisterExecutionRoutes(auto, handlers.NewExecutionHandler(a.execLog))
		handlers.RegisterApprovalRoutes(auto, handlers.NewApprovalHandler(a.approvals))
		handlers.RegisterAutomationRoutes(auto, handlers.NewAutomationHandler(a.engine, a.alerts, a.breakers))
	}
	handlers.RegisterMetricRoutes(api, handlers.NewMetricIngestHandler(a.ingestor))

	return router
}
