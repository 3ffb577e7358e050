package handlers

import (
	"net/http"
	"strconv"

	"adpilot/internal/middleware"
	"adpilot/internal/services"

	"github.com/gin-gonic/gin"
)

// ApprovalHandler 待审批动作
type ApprovalHandler struct {
	service *services.ApprovalService
}

func NewApprovalHandler(service *services.ApprovalService) *ApprovalHandler {
	return &ApprovalHandler{service: service}
}

type rejectRequest struct {
	Reason string `json:"reason"`
}

func (h *ApprovalHandler) ListPending(c *gin.Context) {
	tenantID, ok := requireTenant(c)
	if !ok {
		return
	}
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))
	page, pageSize = services.NormalizePage(page, pageSize)
	recs, total, err := h.service.ListPending(c.Request.Context(), tenantID, page, pageSize)
	if err != nil {
		respondError(c, "Failed to list approvals", err)
		return
	}
	c.JSON(http.StatusOK, newPaginated(recs, total, page, pageSize))
}

// Approve 批准并立即执行
func (h *ApprovalHandler) Approve(c *gin.Context) {
	tenantID, ok := requireTenant(c)
	if !ok {
		return
	}
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	rec, err := h.service.Approve(c.Request.Context(), tenantID, id, middleware.UserID(c))
	if err != nil {
		respondError(c, "Failed to approve", err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (h *ApprovalHandler) Reject(c *gin.Context) {
	tenantID, ok := requireTenant(c)
	if !ok {
		return
	}
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	var req rejectRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Message: err.Error()})
			return
		}
	}
	rec, err := h.service.Reject(c.Request.Context(), tenantID, id, middleware.UserID(c), req.Reason)
	if err != nil {
		respondError(c, "Failed to reject", err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func RegisterApprovalRoutes(r *gin.RouterGroup, handler *ApprovalHandler) {
	ap := r.Group("/approvals")
	{
		ap.GET("", handler.ListPending)
		ap.POST("/:id/approve", middleware.RequireRolesAny(middleware.RoleAdmin, middleware.RoleApprover), handler.Approve)
		ap.POST("/:id/reject", middleware.RequireRolesAny(middleware.RoleAdmin, middleware.RoleApprover), handler.Reject)
	}
}
