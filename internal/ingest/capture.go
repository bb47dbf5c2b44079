package ingest

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gocv.io/x/gocv"

	"heron-nvr-go/internal/models"
)

// FrameSource produces encoded frames for one stream. Implementations own
// the underlying connection; ReadFrame blocks until a frame is available or
// the source fails.
type FrameSource interface {
	Open(ctx context.Context) error
	ReadFrame() (*models.EncodedFrame, error)
	Close() error
}

// GocvSource reads a camera over RTSP through OpenCV's FFmpeg backend and
// emits JPEG-encoded frames. Every frame is self-contained, so each one is
// a keyframe as far as the buffering layer is concerned.
type GocvSource struct {
	streamID string
	url      string
	timeout  time.Duration

	cap     *gocv.VideoCapture
	img     gocv.Mat
	frameID int64

	consecutiveErrors int
}

const maxConsecutiveReadErrors = 10

// NewGocvSource creates an unopened source for the given stream.
func NewGocvSource(streamID, url string, timeout time.Duration) *GocvSource {
	return &GocvSource{
		streamID: streamID,
		url:      url,
		timeout:  timeout,
	}
}

// Open connects to the stream. The FFmpeg options favor low latency over
// buffering; the pre-detection buffer does the smoothing downstream.
func (s *GocvSource) Open(ctx context.Context) error {
	configureFFmpegOptions(s.timeout)

	log.Info().
		Str("stream_id", s.streamID).
		Str("url", s.url).
		Msg("Opening stream with OpenCV FFmpeg backend")

	cap, err := gocv.OpenVideoCaptureWithAPI(s.url, gocv.VideoCaptureFFmpeg)
	if err != nil {
		return fmt.Errorf("failed to open stream %s: %w", s.url, err)
	}
	if !cap.IsOpened() {
		cap.Close()
		return fmt.Errorf("video capture is not opened for stream %s", s.streamID)
	}

	// Minimal internal buffering, the rolling window lives in our layer.
	cap.Set(gocv.VideoCaptureBufferSize, 1)

	s.cap = cap
	s.img = gocv.NewMat()

	log.Info().
		Str("stream_id", s.streamID).
		Float64("fps", cap.Get(gocv.VideoCaptureFPS)).
		Float64("width", cap.Get(gocv.VideoCaptureFrameWidth)).
		Float64("height", cap.Get(gocv.VideoCaptureFrameHeight)).
		Msg("Stream opened")

	return nil
}

// ReadFrame reads and JPEG-encodes the next frame.
func (s *GocvSource) ReadFrame() (*models.EncodedFrame, error) {
	if s.cap == nil {
		return nil, fmt.Errorf("source for stream %s is not open", s.streamID)
	}

	if ok := s.cap.Read(&s.img); !ok || s.img.Empty() {
		s.consecutiveErrors++
		if s.consecutiveErrors >= maxConsecutiveReadErrors {
			return nil, fmt.Errorf("stream %s: %d consecutive read failures", s.streamID, s.consecutiveErrors)
		}
		// Progressive pause before the next attempt.
		delay := time.Duration(s.consecutiveErrors*50) * time.Millisecond
		if delay > 2*time.Second {
			delay = 2 * time.Second
		}
		time.Sleep(delay)
		return nil, errTransientRead
	}
	s.consecutiveErrors = 0

	jpeg, err := gocv.IMEncode(gocv.JPEGFileExt, s.img)
	if err != nil {
		return nil, fmt.Errorf("failed to encode frame for stream %s: %w", s.streamID, err)
	}
	defer jpeg.Close()

	s.frameID++
	return &models.EncodedFrame{
		StreamID:  s.streamID,
		Data:      append([]byte(nil), jpeg.GetBytes()...),
		Timestamp: time.Now(),
		FrameID:   s.frameID,
		Keyframe:  true,
	}, nil
}

// Close releases the capture.
func (s *GocvSource) Close() error {
	if s.cap != nil {
		s.img.Close()
		err := s.cap.Close()
		s.cap = nil
		return err
	}
	return nil
}

// errTransientRead signals a recoverable read failure; the ingest loop
// retries without tearing the source down.
var errTransientRead = fmt.Errorf("transient read failure")

// configureFFmpegOptions sets the RTSP options OpenCV's FFmpeg backend
// picks up from the environment.
func configureFFmpegOptions(timeout time.Duration) {
	timeoutUs := fmt.Sprintf("%d", timeout.Microseconds())
	options := []string{
		"rtsp_transport;tcp",
		"fflags;nobuffer+flush_packets",
		"flags;low_delay",
		"stimeout;" + timeoutUs,
		"rw_timeout;" + timeoutUs,
		"reconnect;1",
		"reconnect_streamed;1",
		"reconnect_delay_max;2",
		"allowed_media_types;video",
	}
	os.Setenv("OPENCV_FFMPEG_CAPTURE_OPTIONS", strings.Join(options, "|"))
}
