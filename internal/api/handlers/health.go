package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"heron-nvr-go/internal/health"
)

type HealthHandler struct {
	NodeID     string
	supervisor *health.Supervisor
}

func NewHealthHandler(nodeID string, supervisor *health.Supervisor) *HealthHandler {
	return &HealthHandler{NodeID: nodeID, supervisor: supervisor}
}

type HealthResponse struct {
	Healthy        bool    `json:"healthy" example:"true"`
	Status         string  `json:"status" example:"ok"`
	Uptime         float64 `json:"uptime" example:"3600.5"`
	TotalRequests  uint64  `json:"totalRequests" example:"120"`
	FailedRequests uint64  `json:"failedRequests" example:"2"`
	ErrorRate      float64 `json:"errorRate" example:"1.6"`
	Timestamp      string  `json:"timestamp" example:"2025-01-02 15:04:05"`
}

type NodeInfoResponse struct {
	NodeID       string   `json:"node_id" example:"nvr-1"`
	Status       string   `json:"status" example:"running"`
	Version      string   `json:"version" example:"1.0.0"`
	Capabilities []string `json:"capabilities"`
}

// @Summary Health check
// @Description Report request metrics and degradation status. Always answers 200; the body carries the verdict.
// @Tags health
// @Accept json
// @Produce json
// @Success 200 {object} HealthResponse
// @Router /api/health [get]
func (h *HealthHandler) HealthCheck(c *gin.Context) {
	snap := h.supervisor.OnProbe()

	c.JSON(http.StatusOK, HealthResponse{
		Healthy:        snap.Healthy,
		Status:         snap.Status(),
		Uptime:         snap.Uptime.Seconds(),
		TotalRequests:  snap.TotalRequests,
		FailedRequests: snap.FailedRequests,
		ErrorRate:      snap.ErrorRate * 100, // percent on the wire
		Timestamp:      time.Now().Format("2006-01-02 15:04:05"),
	})
}

// @Summary Node information
// @Description Get basic node information and capabilities
// @Tags health
// @Accept json
// @Produce json
// @Success 200 {object} NodeInfoResponse
// @Router / [get]
func (h *HealthHandler) NodeInfo(c *gin.Context) {
	c.JSON(http.StatusOK, NodeInfoResponse{
		NodeID:  h.NodeID,
		Status:  "running",
		Version: "1.0.0",
		Capabilities: []string{
			"rtsp_ingestion",
			"pre_detection_buffering",
			"detection_events",
		},
	})
}
