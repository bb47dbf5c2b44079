package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"heron-nvr-go/internal/bufferpool"
	"heron-nvr-go/internal/health"
	"heron-nvr-go/internal/prebuffer"
)

type SystemHandler struct {
	NodeID     string
	supervisor *health.Supervisor
	selector   *prebuffer.Selector
	pool       *bufferpool.Pool
}

func NewSystemHandler(nodeID string, supervisor *health.Supervisor,
	selector *prebuffer.Selector, pool *bufferpool.Pool) *SystemHandler {
	return &SystemHandler{
		NodeID:     nodeID,
		supervisor: supervisor,
		selector:   selector,
		pool:       pool,
	}
}

type BufferStatsResponse struct {
	PoolActive  int                        `json:"pool_active"`
	PoolMax     int                        `json:"pool_max"`
	PoolBytes   int64                      `json:"pool_bytes"`
	Recommended string                     `json:"recommended_strategy"`
	Streams     map[string]prebuffer.Stats `json:"streams"`
}

type RestartStatusResponse struct {
	RestartWanted       bool `json:"restart_wanted"`
	RestartNeeded       bool `json:"restart_needed"`
	RestartAttempts     int  `json:"restart_attempts"`
	ConsecutiveDegraded int  `json:"consecutive_degraded"`
}

// @Summary Buffer statistics
// @Description Inspect the shared buffer pool and every stream's pre-detection buffer
// @Tags system
// @Accept json
// @Produce json
// @Success 200 {object} BufferStatsResponse
// @Router /api/system/buffers [get]
func (h *SystemHandler) GetBufferStats(c *gin.Context) {
	c.JSON(http.StatusOK, BufferStatsResponse{
		PoolActive:  h.pool.ActiveCount(),
		PoolMax:     h.pool.MaxCount(),
		PoolBytes:   h.pool.TrackedBytes(),
		Recommended: h.selector.RecommendedType().String(),
		Streams:     h.selector.StatsAll(),
	})
}

// @Summary Request a restart
// @Description Ask the supervisor to restart the serving plane after the cooldown
// @Tags system
// @Accept json
// @Produce json
// @Success 202 {object} RestartStatusResponse
// @Router /api/system/restart [post]
func (h *SystemHandler) RequestRestart(c *gin.Context) {
	h.supervisor.MarkRestartWanted()
	c.JSON(http.StatusAccepted, h.restartStatus())
}

// @Summary Acknowledge a restart
// @Description Record that the enclosing process performed the restart, consuming one attempt and resetting the metrics window
// @Tags system
// @Accept json
// @Produce json
// @Success 200 {object} RestartStatusResponse
// @Router /api/system/restart/ack [post]
func (h *SystemHandler) AcknowledgeRestart(c *gin.Context) {
	h.supervisor.AcknowledgeRestartAttempt()
	h.supervisor.ResetMetrics()
	c.JSON(http.StatusOK, h.restartStatus())
}

// @Summary Restart status
// @Description Report the supervisor's restart intent and attempt budget
// @Tags system
// @Accept json
// @Produce json
// @Success 200 {object} RestartStatusResponse
// @Router /api/system/restart [get]
func (h *SystemHandler) GetRestartStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.restartStatus())
}

func (h *SystemHandler) restartStatus() RestartStatusResponse {
	snap := h.supervisor.Snapshot()
	return RestartStatusResponse{
		RestartWanted:       snap.RestartWanted,
		RestartNeeded:       h.supervisor.RestartNeeded(),
		RestartAttempts:     snap.RestartAttempts,
		ConsecutiveDegraded: snap.ConsecutiveDegraded,
	}
}
