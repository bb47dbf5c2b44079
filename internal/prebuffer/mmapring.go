package prebuffer

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"

	"heron-nvr-go/pkg/memutil"
)

// Ring file layout, all integers little-endian:
//
//	header  { u32 magic, u32 version, u32 slab_size, u32 slab_count }
//	slab[i] { u32 len, i64 ts_ms, u32 flags, bytes[slab_size] }
//
// Slabs are overwritten in ring order. The file is reinitialized on every
// open; content does not survive a restart.
const (
	ringMagic      = 0x50424652
	ringVersion    = 1
	ringHeaderSize = 16
	slabHeaderSize = 16

	slabFlagKeyframe = 1 << 0
)

// MmapRing buffers frames in a memory-mapped ring file, keeping resident
// memory low while avoiding per-frame file I/O. One slab holds one frame;
// frames larger than the slab size are rejected rather than split.
type MmapRing struct {
	mu         sync.Mutex
	streamName string
	window     time.Duration
	slabSize   int
	slabCount  int

	path string
	file *os.File
	data []byte

	head      int // next slab to write
	count     int // valid slabs, saturates at slabCount
	destroyed bool
}

// NewMmapRing creates the ring file <segment_dir>/<stream_name>.ring sized
// for roughly bufferSeconds of frames and maps it.
func NewMmapRing(streamName string, cfg Config) (*MmapRing, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.SegmentDir == "" {
		return nil, fmt.Errorf("prebuffer: mmap_hybrid strategy requires segment_dir")
	}
	if err := os.MkdirAll(cfg.SegmentDir, 0o755); err != nil {
		return nil, fmt.Errorf("prebuffer: create ring dir: %w", err)
	}

	slabSize := cfg.pageSizeOrDefault()
	slabCount := cfg.BufferSeconds * defaultRingFPS
	fileSize := int64(ringHeaderSize) + int64(slabCount)*int64(slabHeaderSize+slabSize)

	path := filepath.Join(cfg.SegmentDir, streamName+".ring")
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("prebuffer: open ring file: %w", err)
	}
	if err := file.Truncate(fileSize); err != nil {
		file.Close()
		return nil, fmt.Errorf("prebuffer: size ring file: %w", err)
	}

	data, err := unix.Mmap(int(file.Fd()), 0, int(fileSize),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("prebuffer: mmap ring file: %w", err)
	}

	binary.LittleEndian.PutUint32(data[0:4], ringMagic)
	binary.LittleEndian.PutUint32(data[4:8], ringVersion)
	binary.LittleEndian.PutUint32(data[8:12], uint32(slabSize))
	binary.LittleEndian.PutUint32(data[12:16], uint32(slabCount))

	r := &MmapRing{
		streamName: streamName,
		window:     time.Duration(cfg.BufferSeconds) * time.Second,
		slabSize:   slabSize,
		slabCount:  slabCount,
		path:       path,
		file:       file,
		data:       data,
	}

	log.Info().
		Str("stream", streamName).
		Str("path", path).
		Int("slab_size", slabSize).
		Int("slab_count", slabCount).
		Msg("Mmap ring buffer created")

	return r, nil
}

func (r *MmapRing) Name() string       { return TypeMmapHybrid.String() }
func (r *MmapRing) StreamName() string { return r.streamName }

func (r *MmapRing) slabOffset(i int) int {
	return ringHeaderSize + i*(slabHeaderSize+r.slabSize)
}

// PushPacket writes one frame into the next slab, overwriting the oldest
// frame once the ring is full.
func (r *MmapRing) PushPacket(data []byte, ts time.Time, keyframe bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.destroyed {
		return ErrDestroyed
	}
	if len(data) == 0 {
		return fmt.Errorf("prebuffer: empty packet for stream %s", r.streamName)
	}
	if len(data) > r.slabSize {
		return fmt.Errorf("prebuffer: packet of %d bytes for stream %s: %w",
			len(data), r.streamName, ErrPacketTooLarge)
	}

	var flags uint32
	if keyframe {
		flags |= slabFlagKeyframe
	}

	off := r.slabOffset(r.head)
	binary.LittleEndian.PutUint32(r.data[off:off+4], uint32(len(data)))
	binary.LittleEndian.PutUint64(r.data[off+4:off+12], uint64(ts.UnixMilli()))
	binary.LittleEndian.PutUint32(r.data[off+12:off+16], flags)
	copy(r.data[off+slabHeaderSize:off+slabHeaderSize+len(data)], data)

	r.head = (r.head + 1) % r.slabCount
	if r.count < r.slabCount {
		r.count++
	}
	return nil
}

// forEachSlab visits valid slabs oldest-first, decoding each header.
func (r *MmapRing) forEachSlab(fn func(data []byte, ts time.Time, keyframe bool)) {
	start := (r.head - r.count + r.slabCount) % r.slabCount
	for i := 0; i < r.count; i++ {
		off := r.slabOffset((start + i) % r.slabCount)
		length := int(binary.LittleEndian.Uint32(r.data[off : off+4]))
		tsMilli := int64(binary.LittleEndian.Uint64(r.data[off+4 : off+12]))
		flags := binary.LittleEndian.Uint32(r.data[off+12 : off+16])
		if length == 0 || length > r.slabSize {
			continue
		}
		payload := r.data[off+slabHeaderSize : off+slabHeaderSize+length]
		fn(payload, time.UnixMilli(tsMilli), flags&slabFlagKeyframe != 0)
	}
}

// FlushWindow returns owned copies of frames at or after earliest, oldest
// first. Slabs whose frames aged past the window are skipped even if not
// yet overwritten.
func (r *MmapRing) FlushWindow(earliest time.Time) ([]Packet, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.destroyed {
		return nil, ErrDestroyed
	}

	var newest time.Time
	r.forEachSlab(func(_ []byte, ts time.Time, _ bool) {
		if ts.After(newest) {
			newest = ts
		}
	})
	cutoff := newest.Add(-r.window)
	if earliest.After(cutoff) {
		cutoff = earliest
	}

	var out []Packet
	r.forEachSlab(func(data []byte, ts time.Time, keyframe bool) {
		if ts.Before(cutoff) {
			return
		}
		out = append(out, Packet{Data: memutil.CloneBytes(data), Timestamp: ts, Keyframe: keyframe})
	})
	return out, nil
}

// Stats reports live slab usage and the buffered time span.
func (r *MmapRing) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	st := Stats{
		PacketCount: r.count,
		DiskBytes:   int64(len(r.data)),
	}
	first := true
	r.forEachSlab(func(data []byte, ts time.Time, keyframe bool) {
		st.MemoryBytes += int64(len(data))
		if keyframe {
			st.KeyframeCount++
		}
		if first || ts.Before(st.Oldest) {
			st.Oldest = ts
		}
		if ts.After(st.Newest) {
			st.Newest = ts
		}
		first = false
	})
	return st
}

// Clear invalidates every slab without touching the mapping. Subsequent
// pushes refill the ring from the start.
func (r *MmapRing) Clear() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.destroyed {
		return ErrDestroyed
	}

	for i := 0; i < r.slabCount; i++ {
		off := r.slabOffset(i)
		binary.LittleEndian.PutUint32(r.data[off:off+4], 0)
	}
	r.head = 0
	r.count = 0
	return nil
}

// Destroy unmaps and deletes the ring file. Content never survives the
// strategy, so the file has no value after teardown.
func (r *MmapRing) Destroy() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.destroyed {
		return nil
	}
	r.destroyed = true

	if err := unix.Munmap(r.data); err != nil {
		log.Error().Err(err).Str("stream", r.streamName).Msg("Failed to unmap ring buffer")
	}
	r.data = nil
	if err := r.file.Close(); err != nil {
		log.Error().Err(err).Str("stream", r.streamName).Msg("Failed to close ring file")
	}
	if err := os.Remove(r.path); err != nil {
		log.Warn().Err(err).Str("path", r.path).Msg("Failed to remove ring file")
	}

	log.Info().Str("stream", r.streamName).Msg("Mmap ring buffer destroyed")
	return nil
}
