package prebuffer

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

type segmentEntry struct {
	path  string
	start time.Time
	end   time.Time
	size  int64
}

// SegmentIndex tracks already-written recording segments on disk instead of
// holding frame bytes in memory. The segment writer reports each finished
// file via AddSegment; flushing reads the files whose time range overlaps
// the request. This is the cheapest back-end and the fallback on
// memory-constrained hosts.
type SegmentIndex struct {
	mu         sync.Mutex
	streamName string
	window     time.Duration
	dir        string

	segments  []segmentEntry
	newest    time.Time
	destroyed bool
}

// NewSegmentIndex creates a disk-segment index for one stream.
func NewSegmentIndex(streamName string, cfg Config) (*SegmentIndex, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.SegmentDir == "" {
		return nil, fmt.Errorf("prebuffer: segment strategy requires segment_dir")
	}
	if err := os.MkdirAll(cfg.SegmentDir, 0o755); err != nil {
		return nil, fmt.Errorf("prebuffer: create segment dir: %w", err)
	}

	s := &SegmentIndex{
		streamName: streamName,
		window:     time.Duration(cfg.BufferSeconds) * time.Second,
		dir:        cfg.SegmentDir,
	}

	log.Info().
		Str("stream", streamName).
		Str("segment_dir", cfg.SegmentDir).
		Int("buffer_seconds", cfg.BufferSeconds).
		Msg("Segment index buffer created")

	return s, nil
}

func (s *SegmentIndex) Name() string       { return TypeSegment.String() }
func (s *SegmentIndex) StreamName() string { return s.streamName }

// AddSegment registers a finished segment file. Entries whose end has aged
// out of the window are pruned from the index; the files themselves belong
// to the segment writer's own retention.
func (s *SegmentIndex) AddSegment(path string, start time.Time, duration time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.destroyed {
		return ErrDestroyed
	}

	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("prebuffer: stat segment %s: %w", path, err)
	}

	end := start.Add(duration)
	s.segments = append(s.segments, segmentEntry{path: path, start: start, end: end, size: info.Size()})
	if end.After(s.newest) {
		s.newest = end
	}
	s.pruneLocked()

	return nil
}

// PushPacket only advances the window clock. Frame bytes for this back-end
// live in the segment files, not in the index.
func (s *SegmentIndex) PushPacket(_ []byte, ts time.Time, _ bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.destroyed {
		return ErrDestroyed
	}
	if ts.After(s.newest) {
		s.newest = ts
	}
	s.pruneLocked()
	return nil
}

func (s *SegmentIndex) pruneLocked() {
	cutoff := s.newest.Add(-s.window)
	kept := s.segments[:0]
	for _, seg := range s.segments {
		if seg.end.Before(cutoff) {
			continue
		}
		kept = append(kept, seg)
	}
	s.segments = kept
}

// FlushWindow reads every indexed segment whose range ends at or after
// earliest and returns one packet per segment file, ordered by start time.
// Entries whose files were deleted underneath the index are pruned here.
func (s *SegmentIndex) FlushWindow(earliest time.Time) ([]Packet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.destroyed {
		return nil, ErrDestroyed
	}

	var out []Packet
	kept := s.segments[:0]
	for _, seg := range s.segments {
		if seg.end.Before(earliest) {
			kept = append(kept, seg)
			continue
		}
		data, err := os.ReadFile(seg.path)
		if os.IsNotExist(err) {
			log.Warn().Str("segment", seg.path).Msg("Segment vanished, dropping index entry")
			continue
		}
		kept = append(kept, seg)
		if err != nil {
			log.Warn().Err(err).Str("segment", seg.path).Msg("Segment unreadable, skipped")
			continue
		}
		out = append(out, Packet{Data: data, Timestamp: seg.start, Keyframe: true})
	}
	s.segments = kept
	return out, nil
}

// Stats reports the indexed segment count and on-disk byte total.
func (s *SegmentIndex) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Writer callbacks can arrive out of order, so the span is scanned
	// rather than taken from the slice ends.
	st := Stats{SegmentCount: len(s.segments)}
	for i, seg := range s.segments {
		st.DiskBytes += seg.size
		if i == 0 || seg.start.Before(st.Oldest) {
			st.Oldest = seg.start
		}
		if seg.end.After(st.Newest) {
			st.Newest = seg.end
		}
	}
	return st
}

// Destroy drops the index. Segment files are left on disk for the writer's
// retention to handle.
func (s *SegmentIndex) Destroy() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.destroyed {
		return nil
	}
	s.segments = nil
	s.destroyed = true

	log.Info().Str("stream", s.streamName).Msg("Segment index buffer destroyed")
	return nil
}
