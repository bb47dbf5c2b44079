// Package prebuffer implements the pre-detection rolling window: a
// time-bounded buffer of recent encoded frames kept so that, when a
// detection fires, footage from before the event can still be persisted.
// Four interchangeable back-ends share one lifecycle and are selected per
// stream based on configuration and host resources.
package prebuffer

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

var (
	// ErrDestroyed is returned when a capability is invoked after Destroy.
	ErrDestroyed = errors.New("prebuffer: strategy destroyed")
	// ErrPacketTooLarge is returned when a packet exceeds a back-end's slab size.
	ErrPacketTooLarge = errors.New("prebuffer: packet exceeds slab size")
)

// Packet is one buffered encoded frame. Data may reference back-end owned
// memory; callers that retain packets past the next push must copy.
type Packet struct {
	Data      []byte
	Timestamp time.Time
	Keyframe  bool
}

// Strategy is the uniform lifecycle shared by every buffering back-end.
//
// PushPacket admits one encoded frame into the rolling window and may drop
// the oldest frames to respect the window duration and byte caps.
// FlushWindow returns all buffered frames with timestamp >= earliest in
// arrival order without removing them; eviction stays time-driven.
// Destroy releases back-end resources; it runs exactly once, and any
// capability invoked afterwards returns ErrDestroyed. A second Destroy is
// a safe no-op.
type Strategy interface {
	Name() string
	StreamName() string
	PushPacket(data []byte, ts time.Time, keyframe bool) error
	FlushWindow(earliest time.Time) ([]Packet, error)
	Stats() Stats
	Destroy() error
}

// Stats is a point-in-time snapshot of a strategy's buffered content.
type Stats struct {
	PacketCount   int       `json:"packet_count"`
	SegmentCount  int       `json:"segment_count"`
	MemoryBytes   int64     `json:"memory_bytes"`
	DiskBytes     int64     `json:"disk_bytes"`
	KeyframeCount int       `json:"keyframe_count"`
	Oldest        time.Time `json:"oldest"`
	Newest        time.Time `json:"newest"`
}

// Type identifies a buffering back-end.
type Type int

const (
	TypeNone Type = iota
	TypeExternal
	TypeSegment
	TypeMemoryPacket
	TypeMmapHybrid
	TypeAuto
)

var typeNames = map[Type]string{
	TypeNone:         "none",
	TypeExternal:     "external",
	TypeSegment:      "segment",
	TypeMemoryPacket: "memory_packet",
	TypeMmapHybrid:   "mmap_hybrid",
	TypeAuto:         "auto",
}

// String returns the canonical name for the strategy type.
func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return "unknown"
}

// TypeFromName parses a strategy name case-insensitively. Unknown names log
// a warning and fall back to auto rather than failing stream creation.
func TypeFromName(name string) Type {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "none", "":
		return TypeNone
	case "external", "go2rtc":
		return TypeExternal
	case "segment", "hls", "hls_segment":
		return TypeSegment
	case "memory_packet", "memory":
		return TypeMemoryPacket
	case "mmap_hybrid", "mmap":
		return TypeMmapHybrid
	case "auto":
		return TypeAuto
	default:
		log.Warn().Str("strategy", name).Msg("Unknown buffer strategy, using auto")
		return TypeAuto
	}
}

// Config holds the recognized per-stream buffering options.
type Config struct {
	// BufferSeconds is the rolling window length; must be >= 1.
	BufferSeconds int
	// MaxBytes is the soft byte cap for memory back-ends (0 = default).
	MaxBytes int64
	// SegmentDir is the directory used by the segment and mmap back-ends.
	SegmentDir string
	// ExternalEndpoint is the base URL of the external recorder.
	ExternalEndpoint string
	// PageSizeHint sizes mmap ring slabs (0 = default).
	PageSizeHint int
}

const (
	defaultMaxBytes     = 32 << 20 // 32 MiB per stream
	defaultPageSizeHint = 64 << 10 // fits a large keyframe with headroom
	defaultRingFPS      = 30       // slab budget per buffered second
)

// ParseConfig builds a Config from a string option map, rejecting unknown
// keys so misspelled stream settings fail loudly at construction instead of
// silently buffering nothing.
func ParseConfig(opts map[string]string) (Config, error) {
	cfg := Config{BufferSeconds: 10}

	for key, value := range opts {
		switch key {
		case "buffer_seconds":
			n, err := strconv.Atoi(value)
			if err != nil {
				return Config{}, fmt.Errorf("prebuffer: invalid buffer_seconds %q: %w", value, err)
			}
			cfg.BufferSeconds = n
		case "max_bytes":
			n, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return Config{}, fmt.Errorf("prebuffer: invalid max_bytes %q: %w", value, err)
			}
			cfg.MaxBytes = n
		case "segment_dir":
			cfg.SegmentDir = value
		case "external_endpoint":
			cfg.ExternalEndpoint = value
		case "page_size_hint":
			n, err := strconv.Atoi(value)
			if err != nil {
				return Config{}, fmt.Errorf("prebuffer: invalid page_size_hint %q: %w", value, err)
			}
			cfg.PageSizeHint = n
		default:
			return Config{}, fmt.Errorf("prebuffer: unknown option %q", key)
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the invariants a Config must hold before use.
func (c Config) Validate() error {
	if c.BufferSeconds < 1 {
		return fmt.Errorf("prebuffer: buffer_seconds must be >= 1, got %d", c.BufferSeconds)
	}
	if c.MaxBytes < 0 {
		return fmt.Errorf("prebuffer: max_bytes must not be negative, got %d", c.MaxBytes)
	}
	if c.PageSizeHint < 0 {
		return fmt.Errorf("prebuffer: page_size_hint must not be negative, got %d", c.PageSizeHint)
	}
	return nil
}

func (c Config) maxBytesOrDefault() int64 {
	if c.MaxBytes > 0 {
		return c.MaxBytes
	}
	return defaultMaxBytes
}

func (c Config) pageSizeOrDefault() int {
	if c.PageSizeHint > 0 {
		return c.PageSizeHint
	}
	return defaultPageSizeHint
}
