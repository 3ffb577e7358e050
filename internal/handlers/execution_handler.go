package handlers

import (
	"net/http"
	"strconv"
	"time"

	"adpilot/internal/services"

	"github.com/gin-gonic/gin"
)

// ExecutionHandler 执行记录查询
type ExecutionHandler struct {
	log *services.ExecutionLogger
}

func NewExecutionHandler(log *services.ExecutionLogger) *ExecutionHandler {
	return &ExecutionHandler{log: log}
}

func (h *ExecutionHandler) ListExecutions(c *gin.Context) {
	tenantID, ok := requireTenant(c)
	if !ok {
		return
	}
	var f services.ExecutionFilter
	if err := c.ShouldBindQuery(&f); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid query", Message: err.Error()})
		return
	}
	recs, total, err := h.log.List(c.Request.Context(), tenantID, f)
	if err != nil {
		respondError(c, "Failed to list executions", err)
		return
	}
	c.JSON(http.StatusOK, newPaginated(recs, total, f.Page, f.PageSize))
}

func (h *ExecutionHandler) GetExecution(c *gin.Context) {
	tenantID, ok := requireTenant(c)
	if !ok {
		return
	}
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	rec, err := h.log.Get(c.Request.Context(), tenantID, id)
	if err != nil {
		respondError(c, "Failed to get execution", err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

// Stats 最近 N 天（默认 7）的执行统计
func (h *ExecutionHandler) Stats(c *gin.Context) {
	tenantID, ok := requireTenant(c)
	if !ok {
		return
	}
	days := 7
	if v := c.Query("days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 365 {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid query", Message: "days must be between 1 and 365"})
			return
		}
		days = n
	}
	since := time.Now().UTC().AddDate(0, 0, -days)
	stats, err := h.log.Stats(c.Request.Context(), tenantID, since)
	if err != nil {
		respondError(c, "Failed to load stats", err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func RegisterExecutionRoutes(r *gin.RouterGroup, handler *ExecutionHandler) {
	ex := r.Group("/executions")
	{
		ex.GET("", handler.ListExecutions)
		ex.GET("/stats", handler.Stats)
		ex.GET("/:id", handler.GetExecution)
	}
}
