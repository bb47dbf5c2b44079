package logging

import (
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"heron-nvr-go/internal/config"
)

func NewServiceLogger(cfg *config.Config, service string) zerolog.Logger {
	return log.With().Str("node_id", cfg.NodeID).Str("service", service).Logger()
}

func WithStream(base zerolog.Logger, streamID string) zerolog.Logger {
	return base.With().Str("stream_id", streamID).Logger()
}
