package models

import (
	"time"
)

// Detection represents a standardized detection from the detector service
type Detection struct {
	TrackID   int32     `json:"track_id"`
	Score     float32   `json:"score"`
	Label     string    `json:"label"`
	ClassName string    `json:"class_name"`
	BBox      []float32 `json:"bbox"`
	Timestamp time.Time `json:"timestamp"`
	ModelName string    `json:"model_name,omitempty"`
}

// DetectionRequest is the request-reply payload sent to the detector over NATS
type DetectionRequest struct {
	StreamID   string    `json:"stream_id"`
	FrameID    int64     `json:"frame_id"`
	Timestamp  time.Time `json:"timestamp"`
	Image      []byte    `json:"image"`                 // JPEG bytes, base64 on the wire
	ModelsPath string    `json:"models_path,omitempty"` // Where the detector should load models from
}

// DetectionReply is the detector's answer for one frame
type DetectionReply struct {
	Detections     []Detection `json:"detections"`
	ProcessingTime float64     `json:"processing_time_ms"`
	ErrorMessage   string      `json:"error_message,omitempty"`
}

// DetectionEvent is published when a frame yields detections
type DetectionEvent struct {
	StreamID   string      `json:"stream_id"`
	FrameID    int64       `json:"frame_id"`
	Timestamp  time.Time   `json:"timestamp"`
	Detections []Detection `json:"detections"`

	// Set when the pre-detection window was flushed to disk for this event
	RecordingPath string `json:"recording_path,omitempty"`

	// Base64 JPEG crop of the highest scoring detection, when available
	Snapshot string `json:"snapshot,omitempty"`
}

// RecordingEvent is published when a flushed window has been written
type RecordingEvent struct {
	StreamID    string    `json:"stream_id"`
	Path        string    `json:"path"`
	SidecarPath string    `json:"sidecar_path"`
	Packets     int       `json:"packets"`
	Bytes       int64     `json:"bytes"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
	Trigger     string    `json:"trigger"` // "detection" or "manual"
}
