package handlers

import (
	"net/http"

	"adpilot/internal/middleware"
	"adpilot/internal/services"

	"github.com/gin-gonic/gin"
)

// AutomationHandler 手动触发评估、告警与运行状态
type AutomationHandler struct {
	engine   *services.RuleEngine
	alerts   *services.AlertService
	breakers *services.BreakerSet
}

func NewAutomationHandler(engine *services.RuleEngine, alerts *services.AlertService, breakers *services.BreakerSet) *AutomationHandler {
	return &AutomationHandler{engine: engine, alerts: alerts, breakers: breakers}
}

type runRequest struct {
	DryRun bool `json:"dry_run"`
	Force  bool `json:"force"`
}

// Run 对当前租户执行一次评估
func (h *AutomationHandler) Run(c *gin.Context) {
	tenantID, ok := requireTenant(c)
	if !ok {
		return
	}
	var req runRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Message: err.Error()})
			return
		}
	}
	res, err := h.engine.RunTenant(c.Request.Context(), tenantID, services.RunOptions{
		DryRun:  req.DryRun,
		Force:   req.Force,
		Trigger: "api",
	})
	if err != nil && res == nil {
		respondError(c, "Failed to run automation", err)
		return
	}
	// 租户级错误随结果一起返回
	c.JSON(http.StatusOK, res)
}

func (h *AutomationHandler) ListAlerts(c *gin.Context) {
	tenantID, ok := requireTenant(c)
	if !ok {
		return
	}
	var q struct {
		Page     int `form:"page"`
		PageSize int `form:"page_size"`
	}
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid query", Message: err.Error()})
		return
	}
	alerts, total, err := h.alerts.List(c.Request.Context(), tenantID, q.Page, q.PageSize)
	if err != nil {
		respondError(c, "Failed to list alerts", err)
		return
	}
	c.JSON(http.StatusOK, newPaginated(alerts, total, q.Page, q.PageSize))
}

// Breakers 各账户熔断状态
func (h *AutomationHandler) Breakers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"breakers": h.breakers.Stats()})
}

// RegisterAutomationRoutes 挂在 /automation 组下
func RegisterAutomationRoutes(r *gin.RouterGroup, handler *AutomationHandler) {
	r.POST("/run", middleware.RequireRolesAny(middleware.RoleAdmin), handler.Run)
	r.GET("/breakers", middleware.RequireRolesAny(middleware.RoleAdmin), handler.Breakers)
	r.GET("/alerts", handler.ListAlerts)
}
