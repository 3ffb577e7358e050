package handlers

import (
	"net/http"

	"adpilot/internal/services"

	"github.com/gin-gonic/gin"
)

// MetricIngestHandler 接收日度指标上报
type MetricIngestHandler struct {
	ingestor *services.MetricIngestor
}

func NewMetricIngestHandler(ingestor *services.MetricIngestor) *MetricIngestHandler {
	return &MetricIngestHandler{ingestor: ingestor}
}

type ingestRequest struct {
	Samples []services.SampleInput `json:"samples" binding:"required,min=1,max=1000,dive"`
}

// Ingest 校验后入队，由后台 worker 写库
func (h *MetricIngestHandler) Ingest(c *gin.Context) {
	tenantID, ok := requireTenant(c)
	if !ok {
		return
	}
	var req ingestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Message: err.Error()})
		return
	}
	n, err := h.ingestor.Enqueue(c.Request.Context(), tenantID, req.Samples)
	if err != nil {
		respondError(c, "Failed to ingest samples", err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"success": true, "queued": n})
}

func RegisterMetricRoutes(r *gin.RouterGroup, handler *MetricIngestHandler) {
	r.POST("/metrics/samples", handler.Ingest)
}
