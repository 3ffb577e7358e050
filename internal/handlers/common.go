package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"adpilot/internal/middleware"
	"adpilot/internal/services"

	"github.com/gin-gonic/gin"
)

// ErrorResponse 错误响应结构
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code,omitempty"`
}

// PaginatedResponse 分页响应结构
type PaginatedResponse struct {
	Data     interface{} `json:"data"`
	Total    int64       `json:"total"`
	Page     int         `json:"page"`
	PageSize int         `json:"page_size"`
	Pages    int         `json:"pages"`
}

// SuccessResponse 成功响应结构
type SuccessResponse struct {
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func newPaginated(data interface{}, total int64, page, pageSize int) PaginatedResponse {
	page, pageSize = services.NormalizePage(page, pageSize)
	pages := int((total + int64(pageSize) - 1) / int64(pageSize))
	return PaginatedResponse{Data: data, Total: total, Page: page, PageSize: pageSize, Pages: pages}
}

// requireTenant 从认证上下文取租户；缺失时直接返回 401
func requireTenant(c *gin.Context) (uint, bool) {
	id, ok := middleware.TenantID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, ErrorResponse{Error: "Unauthorized", Message: "no tenant in token"})
		return 0, false
	}
	return id, true
}

func parseID(c *gin.Context, name string) (uint, bool) {
	id, err := strconv.ParseUint(c.Param(name), 10, 32)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid id", Message: "id must be a positive integer"})
		return 0, false
	}
	return uint(id), true
}

// statusFor maps service errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, services.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, services.ErrRuleNotFound),
		errors.Is(err, services.ErrRecordNotFound),
		errors.Is(err, services.ErrTenantNotFound):
		return http.StatusNotFound
	case errors.Is(err, services.ErrInvalidTransition),
		errors.Is(err, services.ErrAutomationDisabled):
		return http.StatusConflict
	case errors.Is(err, services.ErrQueueFull),
		errors.Is(err, services.ErrQueueClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func respondError(c *gin.Context, title string, err error) {
	status := statusFor(err)
	c.JSON(status, ErrorResponse{Error: title, Message: err.Error(), Code: status})
}
