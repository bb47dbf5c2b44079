package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"heron-nvr-go/internal/ingest"
	"heron-nvr-go/internal/logging"
	"heron-nvr-go/internal/models"
	"heron-nvr-go/internal/services/recorder"
)

type StreamHandler struct {
	manager  *ingest.Manager
	recorder *recorder.Service
}

func NewStreamHandler(manager *ingest.Manager, recorderSvc *recorder.Service) *StreamHandler {
	return &StreamHandler{manager: manager, recorder: recorderSvc}
}

type ErrorResponse struct {
	Error string `json:"error" example:"stream cam1 not found"`
}

// @Summary List streams
// @Description List every active stream with its ingestion statistics
// @Tags streams
// @Accept json
// @Produce json
// @Success 200 {array} models.StreamResponse
// @Router /api/streams [get]
func (h *StreamHandler) ListStreams(c *gin.Context) {
	streams := h.manager.List()
	c.JSON(http.StatusOK, gin.H{
		"streams": streams,
		"count":   len(streams),
	})
}

// @Summary Add a stream
// @Description Start ingesting a camera stream with its buffering configuration
// @Tags streams
// @Accept json
// @Produce json
// @Param stream body models.StreamRequest true "Stream to add"
// @Success 201 {object} models.StreamResponse
// @Failure 400 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /api/streams [post]
func (h *StreamHandler) AddStream(c *gin.Context) {
	var req models.StreamRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}
	logging.SetStream(c, req.StreamID)

	if err := h.manager.StartStream(req); err != nil {
		logging.Warn(c).Err(err).Msg("Stream add rejected")
		c.JSON(http.StatusConflict, ErrorResponse{Error: err.Error()})
		return
	}

	resp, err := h.manager.Status(req.StreamID)
	if err != nil {
		logging.Error(c).Err(err).Msg("Stream started but status lookup failed")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}
	logging.Info(c).Str("url", req.URL).Msg("Stream added")
	c.JSON(http.StatusCreated, resp)
}

// @Summary Stream status
// @Description Get the ingestion status of one stream
// @Tags streams
// @Accept json
// @Produce json
// @Param id path string true "Stream ID"
// @Success 200 {object} models.StreamResponse
// @Failure 404 {object} ErrorResponse
// @Router /api/streams/{id} [get]
func (h *StreamHandler) GetStreamStatus(c *gin.Context) {
	resp, err := h.manager.Status(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, resp)
}

// @Summary Upsert a stream
// @Description Create the stream when absent, or restart it with the merged settings. A stop status tears it down.
// @Tags streams
// @Accept json
// @Produce json
// @Param id path string true "Stream ID"
// @Param stream body models.StreamUpsertRequest true "Stream settings"
// @Success 200 {object} models.StreamResponse
// @Success 201 {object} models.StreamResponse
// @Failure 400 {object} ErrorResponse
// @Router /api/streams/{id} [put]
func (h *StreamHandler) UpsertStream(c *gin.Context) {
	id := c.Param("id")
	logging.SetStream(c, id)

	var req models.StreamUpsertRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}

	created, err := h.manager.UpsertStream(id, req)
	if err != nil {
		logging.Warn(c).Err(err).Msg("Stream upsert rejected")
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}
	logging.Info(c).Bool("created", created).Msg("Stream upserted")

	resp, err := h.manager.Status(id)
	if err != nil {
		// Upsert with a stop status leaves nothing behind.
		c.JSON(http.StatusOK, gin.H{"status": "stopped", "stream_id": id})
		return
	}
	if created {
		c.JSON(http.StatusCreated, resp)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// @Summary Remove a stream
// @Description Stop ingesting a stream and tear down its buffer
// @Tags streams
// @Accept json
// @Produce json
// @Param id path string true "Stream ID"
// @Success 200 {object} map[string]string
// @Failure 404 {object} ErrorResponse
// @Router /api/streams/{id} [delete]
func (h *StreamHandler) RemoveStream(c *gin.Context) {
	id := c.Param("id")
	logging.SetStream(c, id)
	if err := h.manager.StopStream(id); err != nil {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: err.Error()})
		return
	}
	logging.Info(c).Msg("Stream removed")
	c.JSON(http.StatusOK, gin.H{"status": "stopped", "stream_id": id})
}

// @Summary Flush a stream's window
// @Description Persist the stream's buffered pre-detection window on demand
// @Tags streams
// @Accept json
// @Produce json
// @Param id path string true "Stream ID"
// @Success 200 {object} models.RecordingEvent
// @Failure 404 {object} ErrorResponse
// @Router /api/streams/{id}/flush [post]
func (h *StreamHandler) FlushStream(c *gin.Context) {
	event, err := h.manager.FlushStream(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: err.Error()})
		return
	}
	if event == nil {
		c.JSON(http.StatusOK, gin.H{"status": "empty", "stream_id": c.Param("id")})
		return
	}
	c.JSON(http.StatusOK, event)
}

// @Summary List recordings
// @Description List the flushed windows persisted for a stream
// @Tags streams
// @Accept json
// @Produce json
// @Param id path string true "Stream ID"
// @Success 200 {array} recorder.WindowSidecar
// @Router /api/streams/{id}/recordings [get]
func (h *StreamHandler) ListRecordings(c *gin.Context) {
	logging.SetStream(c, c.Param("id"))
	windows, err := h.recorder.ListWindows(c.Param("id"))
	if err != nil {
		logging.Error(c).Err(err).Msg("Recording listing failed")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"recordings": windows,
		"count":      len(windows),
	})
}
