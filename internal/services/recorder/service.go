package recorder

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"heron-nvr-go/internal/config"
	"heron-nvr-go/internal/logging"
	"heron-nvr-go/internal/models"
	"heron-nvr-go/internal/prebuffer"
	"heron-nvr-go/internal/services/messaging"
)

// Publisher is the slice of the messaging service the recorder needs.
type Publisher interface {
	Publish(subject string, data interface{}) error
}

// Service persists flushed pre-detection windows to disk. Each flush
// becomes one MJPEG file plus a JSON sidecar describing it, and old flushes
// are pruned per stream to bound disk usage.
type Service struct {
	cfg        *config.Config
	messageSvc Publisher
	logger     zerolog.Logger
	mutex      sync.Mutex
}

// WindowSidecar is the JSON metadata written next to each flushed window.
type WindowSidecar struct {
	StreamID  string    `json:"stream_id"`
	Trigger   string    `json:"trigger"`
	Packets   int       `json:"packets"`
	Keyframes int       `json:"keyframes"`
	Bytes     int64     `json:"bytes"`
	Start     time.Time `json:"start"`
	End       time.Time `json:"end"`
	WrittenAt time.Time `json:"written_at"`
}

func NewService(cfg *config.Config, messageSvc Publisher) *Service {
	service := &Service{
		cfg:        cfg,
		messageSvc: messageSvc,
		logger:     logging.NewServiceLogger(cfg, "recorder"),
	}

	service.logger.Info().
		Str("output_dir", cfg.RecordingOutputDir).
		Int("max_files", cfg.RecordingMaxFiles).
		Msg("Recorder service initialized (filesystem only)")
	return service
}

var _ Publisher = (*messaging.Service)(nil)

// WriteWindow writes one flushed window for a stream and publishes a
// recording event. Empty windows are skipped without error.
func (rs *Service) WriteWindow(streamID string, packets []prebuffer.Packet, trigger string) (*models.RecordingEvent, error) {
	logger := logging.WithStream(rs.logger, streamID)

	if len(packets) == 0 {
		logger.Debug().Msg("Skipping empty window flush")
		return nil, nil
	}

	rs.mutex.Lock()
	defer rs.mutex.Unlock()

	outputDir := filepath.Join(rs.cfg.RecordingOutputDir, streamID)
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	start := packets[0].Timestamp
	end := packets[len(packets)-1].Timestamp
	base := fmt.Sprintf("pre_%d", start.UnixMilli())
	videoPath := filepath.Join(outputDir, base+".mjpeg")
	sidecarPath := filepath.Join(outputDir, base+".json")

	video, err := os.OpenFile(videoPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create window file: %w", err)
	}

	var written int64
	var keyframes int
	for _, pkt := range packets {
		n, err := video.Write(pkt.Data)
		if err != nil {
			video.Close()
			os.Remove(videoPath)
			return nil, fmt.Errorf("failed to write window file: %w", err)
		}
		written += int64(n)
		if pkt.Keyframe {
			keyframes++
		}
	}
	if err := video.Close(); err != nil {
		return nil, fmt.Errorf("failed to close window file: %w", err)
	}

	sidecar := WindowSidecar{
		StreamID:  streamID,
		Trigger:   trigger,
		Packets:   len(packets),
		Keyframes: keyframes,
		Bytes:     written,
		Start:     start,
		End:       end,
		WrittenAt: time.Now(),
	}
	sidecarData, err := json.MarshalIndent(sidecar, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal sidecar: %w", err)
	}
	if err := os.WriteFile(sidecarPath, sidecarData, 0644); err != nil {
		return nil, fmt.Errorf("failed to write sidecar: %w", err)
	}

	if err := rs.cleanupOldWindows(logger, outputDir); err != nil {
		logger.Error().Err(err).Msg("Failed to cleanup old windows")
	}

	event := &models.RecordingEvent{
		StreamID:    streamID,
		Path:        videoPath,
		SidecarPath: sidecarPath,
		Packets:     len(packets),
		Bytes:       written,
		Start:       start,
		End:         end,
		Trigger:     trigger,
	}

	if rs.messageSvc != nil {
		if err := rs.messageSvc.Publish(rs.cfg.RecordingsSubject, event); err != nil {
			logger.Error().Err(err).Msg("Failed to publish recording event")
		}
	}

	logger.Info().
		Str("path", videoPath).
		Int("packets", len(packets)).
		Int64("bytes", written).
		Str("trigger", trigger).
		Msg("Flushed window written")

	return event, nil
}

// cleanupOldWindows removes the oldest flushed windows beyond the per-stream
// cap, sidecars included.
func (rs *Service) cleanupOldWindows(logger zerolog.Logger, outputDir string) error {
	pattern := filepath.Join(outputDir, "pre_*.mjpeg")
	windows, err := filepath.Glob(pattern)
	if err != nil {
		return fmt.Errorf("failed to find windows: %w", err)
	}

	if len(windows) <= rs.cfg.RecordingMaxFiles {
		return nil
	}

	// Timestamps embed in the name, so lexical order is chronological.
	sort.Strings(windows)

	toRemove := len(windows) - rs.cfg.RecordingMaxFiles
	removedCount := 0
	for i := 0; i < toRemove; i++ {
		if err := os.Remove(windows[i]); err != nil {
			logger.Warn().Err(err).Str("path", windows[i]).Msg("Failed to remove old window")
			continue
		}
		sidecar := windows[i][:len(windows[i])-len(".mjpeg")] + ".json"
		if err := os.Remove(sidecar); err != nil && !os.IsNotExist(err) {
			logger.Warn().Err(err).Str("path", sidecar).Msg("Failed to remove old sidecar")
		}
		removedCount++
	}

	if removedCount > 0 {
		logger.Info().
			Int("removed_windows", removedCount).
			Int("max_files", rs.cfg.RecordingMaxFiles).
			Msg("Cleaned up old flushed windows")
	}

	return nil
}

// ListWindows returns the sidecar metadata for every flushed window of a
// stream, oldest first.
func (rs *Service) ListWindows(streamID string) ([]WindowSidecar, error) {
	rs.mutex.Lock()
	defer rs.mutex.Unlock()

	pattern := filepath.Join(rs.cfg.RecordingOutputDir, streamID, "pre_*.json")
	sidecars, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("failed to find sidecars: %w", err)
	}
	sort.Strings(sidecars)

	out := make([]WindowSidecar, 0, len(sidecars))
	for _, path := range sidecars {
		data, err := os.ReadFile(path)
		if err != nil {
			rs.logger.Warn().Err(err).Str("path", path).Msg("Failed to read sidecar")
			continue
		}
		var sc WindowSidecar
		if err := json.Unmarshal(data, &sc); err != nil {
			rs.logger.Warn().Err(err).Str("path", path).Msg("Failed to parse sidecar")
			continue
		}
		out = append(out, sc)
	}
	return out, nil
}

func (rs *Service) Shutdown(ctx context.Context) error {
	rs.logger.Info().Msg("Recorder service shut down")
	return nil
}
