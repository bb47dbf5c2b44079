package detection

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"heron-nvr-go/internal/config"
	"heron-nvr-go/internal/models"
	"heron-nvr-go/internal/services/messaging"
)

// Service sends frames to the detector over NATS request-reply. The
// detector is optional infrastructure: a node with no detector configured
// keeps ingesting and buffering, it just never flushes on events.
type Service struct {
	cfg        *config.Config
	messageSvc *messaging.Service
	healthy    atomic.Bool
}

func NewService(cfg *config.Config, messageSvc *messaging.Service) *Service {
	log.Info().
		Str("subject", cfg.DetectionSubject).
		Dur("timeout", cfg.DetectionTimeout).
		Msg("Initializing detection service")

	s := &Service{cfg: cfg, messageSvc: messageSvc}
	s.healthy.Store(true)
	return s
}

// ProcessFrame submits one encoded frame and returns the detector's reply.
// A reply carrying an error message counts as a detector-side failure.
func (s *Service) ProcessFrame(ctx context.Context, frame *models.EncodedFrame) (*models.DetectionReply, error) {
	req := models.DetectionRequest{
		StreamID:   frame.StreamID,
		FrameID:    frame.FrameID,
		Timestamp:  frame.Timestamp,
		Image:      frame.Data,
		ModelsPath: s.cfg.ModelsPath,
	}

	var reply models.DetectionReply
	err := s.messageSvc.Request(ctx, s.cfg.DetectionSubject, req, &reply, s.cfg.DetectionTimeout)
	if err != nil {
		s.healthy.Store(false)
		return nil, fmt.Errorf("detection request failed: %w", err)
	}

	if reply.ErrorMessage != "" {
		s.healthy.Store(false)
		return nil, fmt.Errorf("detector error: %s", reply.ErrorMessage)
	}

	s.healthy.Store(true)

	log.Debug().
		Str("stream_id", frame.StreamID).
		Int64("frame_id", frame.FrameID).
		Int("detections", len(reply.Detections)).
		Float64("processing_ms", reply.ProcessingTime).
		Msg("Detection reply received")

	return &reply, nil
}

// IsHealthy reports whether the last detector round trip succeeded.
func (s *Service) IsHealthy() bool {
	return s.healthy.Load()
}

func (s *Service) Shutdown(ctx context.Context) error {
	log.Info().Msg("Detection service shut down")
	return nil
}
