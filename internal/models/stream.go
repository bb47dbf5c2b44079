package models

import (
	"time"
)

// StreamStatus represents the stream operational status
type StreamStatus string

const (
	StreamStatusStart  StreamStatus = "start"
	StreamStatusStop   StreamStatus = "stop"
	StreamStatusPaused StreamStatus = "paused"
)

// String returns the string representation of StreamStatus
func (ss StreamStatus) String() string {
	return string(ss)
}

// IsValid checks if the stream status is valid
func (ss StreamStatus) IsValid() bool {
	switch ss {
	case StreamStatusStart, StreamStatusStop, StreamStatusPaused:
		return true
	default:
		return false
	}
}

// Stream represents a single camera stream and its ingestion state
type Stream struct {
	ID        string
	URL       string
	IsActive  bool
	CreatedAt time.Time

	// Stream Status and Control
	Status StreamStatus

	// Buffering Configuration (per-stream)
	BufferStrategy string            // none|external|segment|memory_packet|mmap_hybrid|auto
	BufferOptions  map[string]string // Passed through to the strategy constructor

	// Detection Configuration (per-stream)
	DetectionEnabled bool

	// Statistics
	FrameCount    int64
	DropCount     int64
	ErrorCount    int64
	BytesIngested int64
	LastFrameTime time.Time

	// Control
	StopChannel chan struct{}
}

// EncodedFrame represents one encoded frame read from a stream source.
// Data is owned by the producer until handed to the buffer pool.
type EncodedFrame struct {
	StreamID  string
	Data      []byte
	Timestamp time.Time
	FrameID   int64
	Keyframe  bool
}

// StreamRequest for API
type StreamRequest struct {
	StreamID         string            `json:"stream_id" binding:"required"`
	URL              string            `json:"url" binding:"required"`
	BufferStrategy   *string           `json:"buffer_strategy,omitempty"`   // Optional, defaults to config
	BufferOptions    map[string]string `json:"buffer_options,omitempty"`    // Strategy options (buffer_seconds, max_bytes, ...)
	DetectionEnabled *bool             `json:"detection_enabled,omitempty"` // Optional, defaults to config
}

// StreamUpsertRequest for PUT upsert operation - supports both creation and updates
type StreamUpsertRequest struct {
	URL              *string           `json:"url,omitempty"` // Source URL (required for creation, optional for updates)
	Status           *StreamStatus     `json:"status,omitempty"`
	BufferStrategy   *string           `json:"buffer_strategy,omitempty"`
	BufferOptions    map[string]string `json:"buffer_options,omitempty"`
	DetectionEnabled *bool             `json:"detection_enabled,omitempty"`
}

// StreamResponse for API
type StreamResponse struct {
	StreamID      string       `json:"stream_id"`
	URL           string       `json:"url"`
	IsActive      bool         `json:"is_active"`
	Status        StreamStatus `json:"status"`
	CreatedAt     time.Time    `json:"created_at"`
	LastFrameTime time.Time    `json:"last_frame_time"`
	FrameCount    int64        `json:"frame_count"`
	DropCount     int64        `json:"drop_count"`
	ErrorCount    int64        `json:"error_count"`
	BytesIngested int64        `json:"bytes_ingested"`

	// Buffering
	BufferStrategy   string `json:"buffer_strategy"`
	DetectionEnabled bool   `json:"detection_enabled"`
}
