package ingest

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"heron-nvr-go/internal/helpers"
	"heron-nvr-go/internal/models"
	"heron-nvr-go/pkg/memutil"
)

// bestDetection picks the highest scoring detection for the event snapshot.
func bestDetection(detections []models.Detection) models.Detection {
	best := detections[0]
	for _, d := range detections[1:] {
		if d.Score > best.Score {
			best = d
		}
	}
	return best
}

// run is the ingestion loop for one stream. Every frame is staged through
// the buffer pool before entering the pre-detection buffer, so frame memory
// stays bounded no matter how many streams are active.
func (m *Manager) run(w *streamWorker) {
	defer close(w.done)
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("stream_id", w.stream.ID).
				Interface("panic", r).
				Msg("Stream loop panicked")
		}
	}()
	defer w.source.Close()

	if err := w.source.Open(m.ctx); err != nil {
		log.Error().Err(err).Str("stream_id", w.stream.ID).Msg("Failed to open stream source")
		w.setInactive()
		return
	}

	detectEvery := int64(m.cfg.DetectionFrameInterval)
	if detectEvery < 1 {
		detectEvery = 1
	}

	for {
		select {
		case <-m.ctx.Done():
			log.Info().Str("stream_id", w.stream.ID).Msg("Stream loop stopping, node shutting down")
			w.setInactive()
			return
		case <-w.stream.StopChannel:
			log.Info().Str("stream_id", w.stream.ID).Msg("Stream loop stopping on request")
			w.setInactive()
			return
		default:
		}

		frame, err := w.source.ReadFrame()
		if err != nil {
			if errors.Is(err, errTransientRead) {
				continue
			}
			log.Error().Err(err).Str("stream_id", w.stream.ID).Msg("Stream read failed, reconnecting")
			w.recordError()

			if !m.reopen(w) {
				w.setInactive()
				return
			}
			continue
		}

		m.ingestFrame(w, frame)

		if w.stream.DetectionEnabled && frame.FrameID%detectEvery == 0 {
			m.detect(w, frame)
		}
	}
}

// ingestFrame stages one frame through the pool and into the stream's
// buffer. A pool shortage drops the frame: losing one frame of pre-buffer
// is better than stalling the read loop and losing the connection.
func (m *Manager) ingestFrame(w *streamWorker, frame *models.EncodedFrame) {
	buf, err := m.pool.Checkout(len(frame.Data))
	if err != nil {
		log.Warn().
			Err(err).
			Str("stream_id", w.stream.ID).
			Int64("frame_id", frame.FrameID).
			Msg("Dropping frame, no pool buffer available")
		w.recordDrop()
		m.supervisor.OnRequest(false)
		return
	}
	memutil.CopyBounded(buf.Data, frame.Data)

	if w.strategy != nil {
		if err := w.strategy.PushPacket(buf.Data, frame.Timestamp, frame.Keyframe); err != nil {
			log.Error().Err(err).Str("stream_id", w.stream.ID).Msg("Failed to buffer frame")
			w.recordError()
		}
	}

	if err := m.pool.Release(buf); err != nil {
		log.Error().Err(err).Str("stream_id", w.stream.ID).Msg("Failed to release pool buffer")
	}

	w.recordFrame(frame)
}

// detect samples one frame to the detector and, on a positive result,
// flushes the buffered window to the recorder and publishes the event.
func (m *Manager) detect(w *streamWorker, frame *models.EncodedFrame) {
	ctx, cancel := context.WithTimeout(m.ctx, m.cfg.DetectionTimeout)
	defer cancel()

	reply, err := m.detector.ProcessFrame(ctx, frame)
	if err != nil {
		log.Warn().Err(err).Str("stream_id", w.stream.ID).Msg("Detection failed")
		w.recordError()
		return
	}
	if len(reply.Detections) == 0 {
		return
	}

	event := models.DetectionEvent{
		StreamID:   w.stream.ID,
		FrameID:    frame.FrameID,
		Timestamp:  frame.Timestamp,
		Detections: reply.Detections,
		Snapshot:   helpers.DetectionSnapshotB64(frame.Data, bestDetection(reply.Detections).BBox),
	}

	if w.strategy != nil {
		earliest := frame.Timestamp.Add(-time.Duration(m.cfg.BufferSeconds) * time.Second)
		packets, err := w.strategy.FlushWindow(earliest)
		if err != nil {
			log.Error().Err(err).Str("stream_id", w.stream.ID).Msg("Failed to flush window on detection")
		} else if rec, err := m.recorder.WriteWindow(w.stream.ID, packets, "detection"); err != nil {
			log.Error().Err(err).Str("stream_id", w.stream.ID).Msg("Failed to write flushed window")
		} else if rec != nil {
			event.RecordingPath = rec.Path
		}
	}

	if m.publisher != nil {
		if err := m.publisher.Publish(m.cfg.DetectionsSubject, event); err != nil {
			log.Error().Err(err).Str("stream_id", w.stream.ID).Msg("Failed to publish detection event")
		}
	}

	log.Info().
		Str("stream_id", w.stream.ID).
		Int64("frame_id", frame.FrameID).
		Int("detections", len(reply.Detections)).
		Str("recording", event.RecordingPath).
		Msg("Detection event")
}

// reopen tears the source down and tries to open it again after the
// configured pause. Returns false when the node is shutting down.
func (m *Manager) reopen(w *streamWorker) bool {
	w.source.Close()

	select {
	case <-m.ctx.Done():
		return false
	case <-w.stream.StopChannel:
		return false
	case <-time.After(m.cfg.ReconnectInterval):
	}

	if err := w.source.Open(m.ctx); err != nil {
		log.Error().Err(err).Str("stream_id", w.stream.ID).Msg("Stream reconnect failed")
		w.recordError()
		// Keep the loop alive; the next iteration retries.
		return true
	}

	log.Info().Str("stream_id", w.stream.ID).Msg("Stream reconnected")
	return true
}

func (w *streamWorker) recordFrame(frame *models.EncodedFrame) {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	w.stream.FrameCount++
	w.stream.BytesIngested += int64(len(frame.Data))
	w.stream.LastFrameTime = frame.Timestamp
}

func (w *streamWorker) recordDrop() {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	w.stream.DropCount++
}

func (w *streamWorker) recordError() {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	w.stream.ErrorCount++
}

func (w *streamWorker) setInactive() {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	w.stream.IsActive = false
	w.stream.Status = models.StreamStatusStop
}
