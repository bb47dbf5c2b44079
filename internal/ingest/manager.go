// Package ingest runs the per-stream ingestion loops: frames are read from
// a source, staged through the shared buffer pool, pushed into the stream's
// pre-detection buffer, and periodically sampled to the detector. A
// positive detection flushes the buffered window to the recorder.
package ingest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"heron-nvr-go/internal/bufferpool"
	"heron-nvr-go/internal/config"
	"heron-nvr-go/internal/health"
	"heron-nvr-go/internal/models"
	"heron-nvr-go/internal/prebuffer"
)

// Detector is the slice of the detection service the ingest loop needs.
type Detector interface {
	ProcessFrame(ctx context.Context, frame *models.EncodedFrame) (*models.DetectionReply, error)
}

// WindowWriter persists flushed windows.
type WindowWriter interface {
	WriteWindow(streamID string, packets []prebuffer.Packet, trigger string) (*models.RecordingEvent, error)
}

// Publisher publishes detection events.
type Publisher interface {
	Publish(subject string, data interface{}) error
}

// Manager owns every active stream and its ingestion goroutine.
type Manager struct {
	cfg        *config.Config
	pool       *bufferpool.Pool
	selector   *prebuffer.Selector
	detector   Detector // nil when detection is not configured
	recorder   WindowWriter
	publisher  Publisher
	supervisor *health.Supervisor

	// newSource is injectable so tests can feed synthetic frames.
	newSource func(streamID, url string) FrameSource

	streams map[string]*streamWorker
	mutex   sync.RWMutex
	ctx     context.Context
	cancel  context.CancelFunc
}

type streamWorker struct {
	stream   *models.Stream
	source   FrameSource
	strategy prebuffer.Strategy // nil for the none strategy
	done     chan struct{}
	mutex    sync.RWMutex
}

// NewManager wires the ingestion layer together.
func NewManager(cfg *config.Config, pool *bufferpool.Pool, selector *prebuffer.Selector,
	detector Detector, recorder WindowWriter, publisher Publisher, supervisor *health.Supervisor) *Manager {

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:        cfg,
		pool:       pool,
		selector:   selector,
		detector:   detector,
		recorder:   recorder,
		publisher:  publisher,
		supervisor: supervisor,
		streams:    make(map[string]*streamWorker),
		ctx:        ctx,
		cancel:     cancel,
	}
	m.newSource = func(streamID, url string) FrameSource {
		return NewGocvSource(streamID, url, cfg.RTSPTimeout)
	}
	return m
}

// StartStream creates the stream's buffer strategy, opens its source, and
// launches its ingestion loop.
func (m *Manager) StartStream(req models.StreamRequest) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if _, exists := m.streams[req.StreamID]; exists {
		return fmt.Errorf("stream %s is already active", req.StreamID)
	}
	if len(m.streams) >= m.cfg.MaxStreams {
		return fmt.Errorf("stream limit of %d reached", m.cfg.MaxStreams)
	}

	bufCfg, err := m.bufferConfig(req.BufferOptions)
	if err != nil {
		return err
	}

	strategyName := m.cfg.BufferStrategy
	if req.BufferStrategy != nil {
		strategyName = *req.BufferStrategy
	}
	strategy, err := m.selector.Create(req.StreamID, prebuffer.TypeFromName(strategyName), bufCfg)
	if err != nil {
		return fmt.Errorf("failed to create buffer strategy: %w", err)
	}

	detectionEnabled := m.cfg.DetectionEnabled && m.detector != nil
	if req.DetectionEnabled != nil {
		detectionEnabled = *req.DetectionEnabled && m.detector != nil
	}

	stream := &models.Stream{
		ID:               req.StreamID,
		URL:              req.URL,
		IsActive:         true,
		CreatedAt:        time.Now(),
		Status:           models.StreamStatusStart,
		BufferStrategy:   strategyName,
		BufferOptions:    req.BufferOptions,
		DetectionEnabled: detectionEnabled,
		StopChannel:      make(chan struct{}),
	}

	worker := &streamWorker{
		stream:   stream,
		source:   m.newSource(req.StreamID, req.URL),
		strategy: strategy,
		done:     make(chan struct{}),
	}
	m.streams[req.StreamID] = worker

	go m.run(worker)

	log.Info().
		Str("stream_id", req.StreamID).
		Str("url", req.URL).
		Str("strategy", strategyName).
		Bool("detection", detectionEnabled).
		Msg("Stream started")
	return nil
}

// bufferConfig merges node defaults with per-stream option overrides.
func (m *Manager) bufferConfig(opts map[string]string) (prebuffer.Config, error) {
	cfg, err := prebuffer.ParseConfig(opts)
	if err != nil {
		return prebuffer.Config{}, err
	}
	if _, ok := opts["buffer_seconds"]; !ok {
		cfg.BufferSeconds = m.cfg.BufferSeconds
	}
	if cfg.MaxBytes == 0 {
		cfg.MaxBytes = m.cfg.BufferMaxBytes
	}
	if cfg.SegmentDir == "" {
		cfg.SegmentDir = m.cfg.StoragePath
	}
	if cfg.ExternalEndpoint == "" {
		cfg.ExternalEndpoint = m.cfg.ExternalAPIURL
	}
	if cfg.PageSizeHint == 0 {
		cfg.PageSizeHint = m.cfg.PageSizeHint
	}
	return cfg, cfg.Validate()
}

// UpsertStream creates the stream when it does not exist, or restarts it
// with the merged settings when it does. Returns true when the stream was
// created. A stop status tears the stream down without restarting it.
func (m *Manager) UpsertStream(streamID string, req models.StreamUpsertRequest) (bool, error) {
	m.mutex.RLock()
	worker, exists := m.streams[streamID]
	var base models.StreamRequest
	if exists {
		worker.mutex.RLock()
		strategy := worker.stream.BufferStrategy
		detection := worker.stream.DetectionEnabled
		base = models.StreamRequest{
			StreamID:         streamID,
			URL:              worker.stream.URL,
			BufferStrategy:   &strategy,
			BufferOptions:    worker.stream.BufferOptions,
			DetectionEnabled: &detection,
		}
		worker.mutex.RUnlock()
	}
	m.mutex.RUnlock()

	if !exists {
		if req.Status != nil && *req.Status == models.StreamStatusStop {
			return false, fmt.Errorf("stream %s not found", streamID)
		}
		if req.URL == nil || *req.URL == "" {
			return false, fmt.Errorf("url is required to create stream %s", streamID)
		}
		base = models.StreamRequest{
			StreamID:         streamID,
			URL:              *req.URL,
			BufferStrategy:   req.BufferStrategy,
			BufferOptions:    req.BufferOptions,
			DetectionEnabled: req.DetectionEnabled,
		}
		return true, m.StartStream(base)
	}

	if req.URL != nil {
		base.URL = *req.URL
	}
	if req.BufferStrategy != nil {
		base.BufferStrategy = req.BufferStrategy
	}
	if req.BufferOptions != nil {
		base.BufferOptions = req.BufferOptions
	}
	if req.DetectionEnabled != nil {
		base.DetectionEnabled = req.DetectionEnabled
	}

	if err := m.StopStream(streamID); err != nil {
		return false, err
	}
	if req.Status != nil && *req.Status == models.StreamStatusStop {
		return false, nil
	}
	return false, m.StartStream(base)
}

// StopStream shuts one stream down and destroys its buffer.
func (m *Manager) StopStream(streamID string) error {
	m.mutex.Lock()
	worker, exists := m.streams[streamID]
	if exists {
		delete(m.streams, streamID)
	}
	m.mutex.Unlock()

	if !exists {
		return fmt.Errorf("stream %s not found", streamID)
	}

	close(worker.stream.StopChannel)
	<-worker.done

	if err := m.selector.DestroyStream(streamID); err != nil {
		log.Error().Err(err).Str("stream_id", streamID).Msg("Failed to destroy buffer strategy")
	}

	log.Info().Str("stream_id", streamID).Msg("Stream stopped")
	return nil
}

// Status returns a response snapshot for one stream.
func (m *Manager) Status(streamID string) (*models.StreamResponse, error) {
	m.mutex.RLock()
	worker, exists := m.streams[streamID]
	m.mutex.RUnlock()

	if !exists {
		return nil, fmt.Errorf("stream %s not found", streamID)
	}
	resp := worker.snapshot()
	return &resp, nil
}

// List returns snapshots for every active stream.
func (m *Manager) List() []models.StreamResponse {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	out := make([]models.StreamResponse, 0, len(m.streams))
	for _, worker := range m.streams {
		out = append(out, worker.snapshot())
	}
	return out
}

// FlushStream flushes a stream's buffered window on demand.
func (m *Manager) FlushStream(streamID string) (*models.RecordingEvent, error) {
	m.mutex.RLock()
	worker, exists := m.streams[streamID]
	m.mutex.RUnlock()

	if !exists {
		return nil, fmt.Errorf("stream %s not found", streamID)
	}
	if worker.strategy == nil {
		return nil, fmt.Errorf("stream %s has no buffer to flush", streamID)
	}

	earliest := time.Now().Add(-time.Duration(m.cfg.BufferSeconds) * time.Second)
	packets, err := worker.strategy.FlushWindow(earliest)
	if err != nil {
		return nil, fmt.Errorf("failed to flush window: %w", err)
	}
	return m.recorder.WriteWindow(streamID, packets, "manual")
}

// Shutdown stops every stream and waits for their loops to exit.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.cancel()

	m.mutex.Lock()
	workers := make([]*streamWorker, 0, len(m.streams))
	for id, worker := range m.streams {
		workers = append(workers, worker)
		delete(m.streams, id)
	}
	m.mutex.Unlock()

	for _, worker := range workers {
		select {
		case <-worker.done:
		case <-ctx.Done():
			log.Warn().Str("stream_id", worker.stream.ID).Msg("Timed out waiting for stream loop")
		}
	}

	m.selector.Clear()
	return nil
}

func (w *streamWorker) snapshot() models.StreamResponse {
	w.mutex.RLock()
	defer w.mutex.RUnlock()

	s := w.stream
	return models.StreamResponse{
		StreamID:         s.ID,
		URL:              s.URL,
		IsActive:         s.IsActive,
		Status:           s.Status,
		CreatedAt:        s.CreatedAt,
		LastFrameTime:    s.LastFrameTime,
		FrameCount:       s.FrameCount,
		DropCount:        s.DropCount,
		ErrorCount:       s.ErrorCount,
		BytesIngested:    s.BytesIngested,
		BufferStrategy:   s.BufferStrategy,
		DetectionEnabled: s.DetectionEnabled,
	}
}
