package prebuffer

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"heron-nvr-go/internal/bufferpool"
	"heron-nvr-go/pkg/memutil"
)

type memoryEntry struct {
	buf      *bufferpool.Buffer
	ts       time.Time
	keyframe bool
}

// MemoryPacket buffers encoded frames in RAM, borrowing regions from the
// shared buffer pool so per-stream usage stays visible to the pool's
// accounting. Oldest frames are trimmed by window age and by the byte cap.
type MemoryPacket struct {
	mu         sync.Mutex
	streamName string
	window     time.Duration
	maxBytes   int64

	pool      *bufferpool.Pool
	entries   []memoryEntry
	bytes     int64
	destroyed bool
}

// NewMemoryPacket creates an in-memory rolling buffer for one stream.
func NewMemoryPacket(streamName string, cfg Config, pool *bufferpool.Pool) (*MemoryPacket, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if pool == nil {
		return nil, fmt.Errorf("prebuffer: memory_packet requires a buffer pool")
	}

	m := &MemoryPacket{
		streamName: streamName,
		window:     time.Duration(cfg.BufferSeconds) * time.Second,
		maxBytes:   cfg.maxBytesOrDefault(),
		pool:       pool,
	}

	log.Info().
		Str("stream", streamName).
		Int("buffer_seconds", cfg.BufferSeconds).
		Int64("max_bytes", m.maxBytes).
		Msg("Memory packet buffer created")

	return m, nil
}

func (m *MemoryPacket) Name() string       { return TypeMemoryPacket.String() }
func (m *MemoryPacket) StreamName() string { return m.streamName }

// PushPacket copies one frame into a pooled region and trims the window.
// Frames older than the window relative to the newest timestamp are
// released, then oldest frames go until the byte cap holds again.
func (m *MemoryPacket) PushPacket(data []byte, ts time.Time, keyframe bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.destroyed {
		return ErrDestroyed
	}
	if len(data) == 0 {
		return fmt.Errorf("prebuffer: empty packet for stream %s", m.streamName)
	}

	buf, err := m.pool.Checkout(len(data))
	if err != nil {
		return fmt.Errorf("prebuffer: checkout for stream %s: %w", m.streamName, err)
	}
	memutil.CopyBounded(buf.Data, data)

	m.entries = append(m.entries, memoryEntry{buf: buf, ts: ts, keyframe: keyframe})
	m.bytes += int64(len(data))
	m.trimLocked(ts)

	return nil
}

// trimLocked evicts from the front. The newest push timestamp stands in for
// the clock so trimming stays deterministic under replay.
func (m *MemoryPacket) trimLocked(newest time.Time) {
	cutoff := newest.Add(-m.window)
	for len(m.entries) > 0 {
		head := m.entries[0]
		if !head.ts.Before(cutoff) && m.bytes <= m.maxBytes {
			break
		}
		if err := m.pool.Release(head.buf); err != nil {
			log.Error().Err(err).Str("stream", m.streamName).Msg("Failed to release trimmed buffer")
		}
		m.bytes -= int64(len(head.buf.Data))
		m.entries = m.entries[1:]
	}
}

// FlushWindow returns owned copies of every buffered frame at or after
// earliest, in arrival order. The buffer itself is left intact.
func (m *MemoryPacket) FlushWindow(earliest time.Time) ([]Packet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.destroyed {
		return nil, ErrDestroyed
	}

	var out []Packet
	for _, e := range m.entries {
		if e.ts.Before(earliest) {
			continue
		}
		out = append(out, Packet{
			Data:      memutil.CloneBytes(e.buf.Data),
			Timestamp: e.ts,
			Keyframe:  e.keyframe,
		})
	}
	return out, nil
}

// Stats reports the buffered packet count, byte usage, and time span.
func (m *MemoryPacket) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := Stats{PacketCount: len(m.entries), MemoryBytes: m.bytes}
	for _, e := range m.entries {
		if e.keyframe {
			st.KeyframeCount++
		}
	}
	if len(m.entries) > 0 {
		st.Oldest = m.entries[0].ts
		st.Newest = m.entries[len(m.entries)-1].ts
	}
	return st
}

// Clear drops every buffered frame and returns its regions to the pool.
// The buffer stays usable.
func (m *MemoryPacket) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.destroyed {
		return ErrDestroyed
	}

	for _, e := range m.entries {
		if err := m.pool.Release(e.buf); err != nil {
			log.Error().Err(err).Str("stream", m.streamName).Msg("Failed to release buffer on clear")
		}
	}
	m.entries = nil
	m.bytes = 0
	return nil
}

// Destroy releases every pooled region back to the pool. A second call is a
// no-op.
func (m *MemoryPacket) Destroy() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.destroyed {
		return nil
	}

	for _, e := range m.entries {
		if err := m.pool.Release(e.buf); err != nil {
			log.Error().Err(err).Str("stream", m.streamName).Msg("Failed to release buffer on destroy")
		}
	}
	m.entries = nil
	m.bytes = 0
	m.destroyed = true

	log.Info().Str("stream", m.streamName).Msg("Memory packet buffer destroyed")
	return nil
}
