package handlers

import (
	"net/http"

	"adpilot/internal/middleware"
	"adpilot/internal/services"

	"github.com/gin-gonic/gin"
)

// RuleHandler 自动化规则 CRUD
type RuleHandler struct {
	service *services.RuleService
}

func NewRuleHandler(service *services.RuleService) *RuleHandler {
	return &RuleHandler{service: service}
}

// ListRules 获取规则列表
func (h *RuleHandler) ListRules(c *gin.Context) {
	tenantID, ok := requireTenant(c)
	if !ok {
		return
	}
	var f services.RuleListFilter
	if err := c.ShouldBindQuery(&f); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid query", Message: err.Error()})
		return
	}
	rules, total, err := h.service.ListRules(c.Request.Context(), tenantID, f)
	if err != nil {
		respondError(c, "Failed to list rules", err)
		return
	}
	c.JSON(http.StatusOK, newPaginated(rules, total, f.Page, f.PageSize))
}

// CreateRule 创建规则
func (h *RuleHandler) CreateRule(c *gin.Context) {
	tenantID, ok := requireTenant(c)
	if !ok {
		return
	}
	var req services.RuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Message: err.Error()})
		return
	}
	rule, err := h.service.CreateRule(c.Request.Context(), tenantID, &req)
	if err != nil {
		respondError(c, "Failed to create rule", err)
		return
	}
	c.JSON(http.StatusCreated, rule)
}

func (h *RuleHandler) GetRule(c *gin.Context) {
	tenantID, ok := requireTenant(c)
	if !ok {
		return
	}
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	rule, err := h.service.GetRule(c.Request.Context(), tenantID, id)
	if err != nil {
		respondError(c, "Failed to get rule", err)
		return
	}
	c.JSON(http.StatusOK, rule)
}

// UpdateRule 全量更新
func (h *RuleHandler) UpdateRule(c *gin.Context) {
	tenantID, ok := requireTenant(c)
	if !ok {
		return
	}
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	var req services.RuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Message: err.Error()})
		return
	}
	rule, err := h.service.UpdateRule(c.Request.Context(), tenantID, id, &req)
	if err != nil {
		respondError(c, "Failed to update rule", err)
		return
	}
	c.JSON(http.StatusOK, rule)
}

func (h *RuleHandler) DeleteRule(c *gin.Context) {
	tenantID, ok := requireTenant(c)
	if !ok {
		return
	}
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	if err := h.service.DeleteRule(c.Request.Context(), tenantID, id); err != nil {
		respondError(c, "Failed to delete rule", err)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Message: "deleted"})
}

// RegisterRuleRoutes 注册路由；写操作需要 admin
func RegisterRuleRoutes(r *gin.RouterGroup, handler *RuleHandler) {
	rules := r.Group("/rules")
	{
		rules.GET("", handler.ListRules)
		rules.GET("/:id", handler.GetRule)
		rules.POST("", middleware.RequireRolesAny(middleware.RoleAdmin), handler.CreateRule)
		rules.PUT("/:id", middleware.RequireRolesAny(middleware.RoleAdmin), handler.UpdateRule)
		rules.DELETE("/:id", middleware.RequireRolesAny(middleware.RoleAdmin), handler.DeleteRule)
	}
}
