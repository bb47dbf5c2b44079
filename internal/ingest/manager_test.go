package ingest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"heron-nvr-go/internal/bufferpool"
	"heron-nvr-go/internal/config"
	"heron-nvr-go/internal/health"
	"heron-nvr-go/internal/models"
	"heron-nvr-go/internal/prebuffer"
)

// fakeSource replays a fixed set of frames, then spins on transient errors
// so the loop keeps polling its stop channels.
type fakeSource struct {
	streamID string
	frames   chan *models.EncodedFrame
}

func newFakeSource(streamID string, payloads ...string) *fakeSource {
	s := &fakeSource{
		streamID: streamID,
		frames:   make(chan *models.EncodedFrame, len(payloads)),
	}
	base := time.Unix(1_700_000_000, 0)
	for i, p := range payloads {
		s.frames <- &models.EncodedFrame{
			StreamID:  streamID,
			Data:      []byte(p),
			Timestamp: base.Add(time.Duration(i) * time.Second),
			FrameID:   int64(i + 1),
			Keyframe:  true,
		}
	}
	return s
}

func (s *fakeSource) Open(ctx context.Context) error { return nil }

func (s *fakeSource) ReadFrame() (*models.EncodedFrame, error) {
	select {
	case f := <-s.frames:
		return f, nil
	default:
		time.Sleep(time.Millisecond)
		return nil, errTransientRead
	}
}

func (s *fakeSource) Close() error { return nil }

type fakeDetector struct {
	mu      sync.Mutex
	replies []models.DetectionReply
	calls   int
}

func (d *fakeDetector) ProcessFrame(ctx context.Context, frame *models.EncodedFrame) (*models.DetectionReply, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if len(d.replies) == 0 {
		return &models.DetectionReply{}, nil
	}
	reply := d.replies[0]
	if len(d.replies) > 1 {
		d.replies = d.replies[1:]
	}
	return &reply, nil
}

type writeCall struct {
	streamID string
	trigger  string
	packets  int
}

type fakeWriter struct {
	mu    sync.Mutex
	calls []writeCall
}

func (w *fakeWriter) WriteWindow(streamID string, packets []prebuffer.Packet, trigger string) (*models.RecordingEvent, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls = append(w.calls, writeCall{streamID: streamID, trigger: trigger, packets: len(packets)})
	return &models.RecordingEvent{StreamID: streamID, Path: "/tmp/" + streamID + ".mjpeg", Trigger: trigger}, nil
}

func (w *fakeWriter) snapshot() []writeCall {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]writeCall(nil), w.calls...)
}

type fakePublisher struct {
	mu     sync.Mutex
	events []models.DetectionEvent
}

func (p *fakePublisher) Publish(subject string, data interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ev, ok := data.(models.DetectionEvent); ok {
		p.events = append(p.events, ev)
	}
	return nil
}

func (p *fakePublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

type testHarness struct {
	manager   *Manager
	pool      *bufferpool.Pool
	detector  *fakeDetector
	writer    *fakeWriter
	publisher *fakePublisher
	sources   map[string]*fakeSource
}

func newTestManager(t *testing.T, poolSize int) *testHarness {
	t.Helper()

	cfg := &config.Config{
		BufferPoolSize:          poolSize,
		BufferAllocationRetries: 1,
		BufferStrategy:          "memory_packet",
		BufferSeconds:           10,
		BufferMaxBytes:          1 << 20,
		PageSizeHint:            4096,
		StoragePath:             t.TempDir(),
		MaxStreams:              4,
		ReconnectInterval:       10 * time.Millisecond,
		DetectionEnabled:        true,
		DetectionFrameInterval:  1,
		DetectionTimeout:        time.Second,
		DetectionsSubject:       "nvr.detections",
	}

	pool, err := bufferpool.New(poolSize, 1)
	require.NoError(t, err)
	t.Cleanup(pool.Teardown)

	selector := prebuffer.NewSelector(0, pool)
	h := &testHarness{
		pool:      pool,
		detector:  &fakeDetector{},
		writer:    &fakeWriter{},
		publisher: &fakePublisher{},
		sources:   make(map[string]*fakeSource),
	}

	h.manager = NewManager(cfg, pool, selector, h.detector, h.writer, h.publisher, health.NewSupervisor())
	h.manager.newSource = func(streamID, url string) FrameSource {
		if src, ok := h.sources[streamID]; ok {
			return src
		}
		return newFakeSource(streamID)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = h.manager.Shutdown(ctx)
	})
	return h
}

func waitForFrames(t *testing.T, m *Manager, streamID string, want int64) models.StreamResponse {
	t.Helper()
	var resp *models.StreamResponse
	require.Eventually(t, func() bool {
		r, err := m.Status(streamID)
		if err != nil {
			return false
		}
		resp = r
		return r.FrameCount >= want
	}, 2*time.Second, 5*time.Millisecond)
	return *resp
}

func TestStreamIngestsFramesIntoBuffer(t *testing.T) {
	h := newTestManager(t, 8)
	h.detector.replies = []models.DetectionReply{{}} // no detections
	h.sources["cam1"] = newFakeSource("cam1", "frame-a", "frame-bb", "frame-ccc")

	require.NoError(t, h.manager.StartStream(models.StreamRequest{StreamID: "cam1", URL: "rtsp://cam1"}))

	resp := waitForFrames(t, h.manager, "cam1", 3)
	assert.EqualValues(t, 3, resp.FrameCount)
	assert.EqualValues(t, 0, resp.DropCount)
	assert.EqualValues(t, len("frame-a")+len("frame-bb")+len("frame-ccc"), resp.BytesIngested)
	assert.Equal(t, "memory_packet", resp.BufferStrategy)

	require.NoError(t, h.manager.StopStream("cam1"))
	_, err := h.manager.Status("cam1")
	assert.Error(t, err)
	assert.Equal(t, 0, h.pool.ActiveCount(), "stopping must return all pool buffers")
}

func TestPoolExhaustionDropsFrames(t *testing.T) {
	h := newTestManager(t, 1)

	// Hold the only slot so the ingest loop cannot stage frames.
	held, err := h.pool.Checkout(64)
	require.NoError(t, err)
	defer h.pool.Release(held)

	h.sources["cam1"] = newFakeSource("cam1", "frame-a", "frame-b")
	none := "none"
	require.NoError(t, h.manager.StartStream(models.StreamRequest{
		StreamID:       "cam1",
		URL:            "rtsp://cam1",
		BufferStrategy: &none,
	}))

	require.Eventually(t, func() bool {
		r, err := h.manager.Status("cam1")
		return err == nil && r.DropCount == 2
	}, 2*time.Second, 5*time.Millisecond)

	r, err := h.manager.Status("cam1")
	require.NoError(t, err)
	assert.EqualValues(t, 0, r.FrameCount, "dropped frames must not count as ingested")
}

func TestDetectionFlushesWindowAndPublishes(t *testing.T) {
	h := newTestManager(t, 8)
	h.detector.replies = []models.DetectionReply{
		{Detections: []models.Detection{{Label: "person", Score: 0.9}}},
	}
	h.sources["cam1"] = newFakeSource("cam1", "frame-a")

	require.NoError(t, h.manager.StartStream(models.StreamRequest{StreamID: "cam1", URL: "rtsp://cam1"}))

	require.Eventually(t, func() bool {
		return len(h.writer.snapshot()) >= 1 && h.publisher.count() >= 1
	}, 2*time.Second, 5*time.Millisecond)

	calls := h.writer.snapshot()
	assert.Equal(t, "cam1", calls[0].streamID)
	assert.Equal(t, "detection", calls[0].trigger)
	assert.Equal(t, 1, calls[0].packets, "the buffered frame should be in the flushed window")

	h.publisher.mu.Lock()
	event := h.publisher.events[0]
	h.publisher.mu.Unlock()
	assert.Equal(t, "cam1", event.StreamID)
	assert.Len(t, event.Detections, 1)
	assert.Equal(t, "/tmp/cam1.mjpeg", event.RecordingPath)
}

func TestManualFlush(t *testing.T) {
	h := newTestManager(t, 8)
	h.detector.replies = []models.DetectionReply{{}}
	h.sources["cam1"] = newFakeSource("cam1", "frame-a", "frame-b")

	require.NoError(t, h.manager.StartStream(models.StreamRequest{StreamID: "cam1", URL: "rtsp://cam1"}))
	waitForFrames(t, h.manager, "cam1", 2)

	event, err := h.manager.FlushStream("cam1")
	require.NoError(t, err)
	require.NotNil(t, event)
	assert.Equal(t, "manual", event.Trigger)

	calls := h.writer.snapshot()
	require.NotEmpty(t, calls)
	assert.Equal(t, "manual", calls[len(calls)-1].trigger)
}

func TestStartStreamValidation(t *testing.T) {
	h := newTestManager(t, 8)
	h.detector.replies = []models.DetectionReply{{}}

	require.NoError(t, h.manager.StartStream(models.StreamRequest{StreamID: "cam1", URL: "rtsp://cam1"}))

	// Duplicate ID rejected.
	err := h.manager.StartStream(models.StreamRequest{StreamID: "cam1", URL: "rtsp://other"})
	assert.Error(t, err)

	// Unknown buffer options rejected before anything starts.
	err = h.manager.StartStream(models.StreamRequest{
		StreamID:      "cam2",
		URL:           "rtsp://cam2",
		BufferOptions: map[string]string{"bogus_option": "1"},
	})
	assert.Error(t, err)

	// Stopping an unknown stream is an error.
	assert.Error(t, h.manager.StopStream("nope"))
}

func TestUpsertStream(t *testing.T) {
	h := newTestManager(t, 8)
	h.detector.replies = []models.DetectionReply{{}}
	h.sources["cam1"] = newFakeSource("cam1", "frame-a")

	// Creating through upsert requires a URL.
	_, err := h.manager.UpsertStream("cam1", models.StreamUpsertRequest{})
	assert.Error(t, err)

	url := "rtsp://cam1"
	created, err := h.manager.UpsertStream("cam1", models.StreamUpsertRequest{URL: &url})
	require.NoError(t, err)
	assert.True(t, created)
	waitForFrames(t, h.manager, "cam1", 1)

	// Updating restarts the stream with the merged settings.
	none := "none"
	created, err = h.manager.UpsertStream("cam1", models.StreamUpsertRequest{BufferStrategy: &none})
	require.NoError(t, err)
	assert.False(t, created)

	resp, err := h.manager.Status("cam1")
	require.NoError(t, err)
	assert.Equal(t, "none", resp.BufferStrategy)
	assert.Equal(t, url, resp.URL, "unspecified fields keep their values")

	// A stop status tears the stream down without restarting it.
	stop := models.StreamStatusStop
	created, err = h.manager.UpsertStream("cam1", models.StreamUpsertRequest{Status: &stop})
	require.NoError(t, err)
	assert.False(t, created)
	_, err = h.manager.Status("cam1")
	assert.Error(t, err)

	// Stopping a stream that does not exist is an error.
	_, err = h.manager.UpsertStream("nope", models.StreamUpsertRequest{Status: &stop})
	assert.Error(t, err)
}

func TestStreamLimit(t *testing.T) {
	h := newTestManager(t, 8)
	h.detector.replies = []models.DetectionReply{{}}

	for _, id := range []string{"c1", "c2", "c3", "c4"} {
		require.NoError(t, h.manager.StartStream(models.StreamRequest{StreamID: id, URL: "rtsp://" + id}))
	}

	err := h.manager.StartStream(models.StreamRequest{StreamID: "c5", URL: "rtsp://c5"})
	assert.Error(t, err)
	assert.Len(t, h.manager.List(), 4)
}
