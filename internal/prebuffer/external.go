package prebuffer

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const externalRequestTimeout = 5 * time.Second

// ExternalRecorder delegates buffering to a co-located recorder process
// that already keeps its own rolling window per stream. Pushes are
// accounting-only; flushing fetches the window over the recorder's HTTP API
// as a single opaque blob.
type ExternalRecorder struct {
	mu         sync.Mutex
	streamName string
	endpoint   string
	client     *http.Client

	pushed    int
	keyframes int
	oldest    time.Time
	newest    time.Time
	destroyed bool
}

// NewExternalRecorder creates a passthrough buffer bound to the recorder at
// the configured endpoint.
func NewExternalRecorder(streamName string, cfg Config) (*ExternalRecorder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.ExternalEndpoint == "" {
		return nil, fmt.Errorf("prebuffer: external strategy requires external_endpoint")
	}
	if _, err := url.Parse(cfg.ExternalEndpoint); err != nil {
		return nil, fmt.Errorf("prebuffer: invalid external_endpoint: %w", err)
	}

	e := &ExternalRecorder{
		streamName: streamName,
		endpoint:   cfg.ExternalEndpoint,
		client:     &http.Client{Timeout: externalRequestTimeout},
	}

	log.Info().
		Str("stream", streamName).
		Str("endpoint", cfg.ExternalEndpoint).
		Msg("External recorder buffer created")

	return e, nil
}

func (e *ExternalRecorder) Name() string       { return TypeExternal.String() }
func (e *ExternalRecorder) StreamName() string { return e.streamName }

// PushPacket records window bookkeeping only. The frame bytes reach the
// external recorder over its own ingest path, not through this process.
func (e *ExternalRecorder) PushPacket(_ []byte, ts time.Time, keyframe bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.destroyed {
		return ErrDestroyed
	}
	e.pushed++
	if keyframe {
		e.keyframes++
	}
	if e.oldest.IsZero() {
		e.oldest = ts
	}
	if ts.After(e.newest) {
		e.newest = ts
	}
	return nil
}

// FlushWindow fetches the recorder's buffered window since earliest and
// returns it as one opaque packet stamped with the request boundary.
func (e *ExternalRecorder) FlushWindow(earliest time.Time) ([]Packet, error) {
	e.mu.Lock()
	if e.destroyed {
		e.mu.Unlock()
		return nil, ErrDestroyed
	}
	endpoint := e.endpoint
	e.mu.Unlock()

	reqURL := fmt.Sprintf("%s/api/streams/%s/window?since=%s",
		endpoint, url.PathEscape(e.streamName), strconv.FormatInt(earliest.UnixMilli(), 10))

	resp, err := e.client.Get(reqURL)
	if err != nil {
		return nil, fmt.Errorf("prebuffer: fetch external window: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("prebuffer: external recorder returned %d for stream %s",
			resp.StatusCode, e.streamName)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("prebuffer: read external window: %w", err)
	}
	if len(body) == 0 {
		return nil, nil
	}

	return []Packet{{Data: body, Timestamp: earliest, Keyframe: true}}, nil
}

// Stats reports push bookkeeping; byte totals live in the external process.
func (e *ExternalRecorder) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Stats{
		PacketCount:   e.pushed,
		KeyframeCount: e.keyframes,
		Oldest:        e.oldest,
		Newest:        e.newest,
	}
}

// Destroy detaches from the external recorder. The recorder's own window
// is unaffected.
func (e *ExternalRecorder) Destroy() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.destroyed {
		return nil
	}
	e.destroyed = true

	log.Info().Str("stream", e.streamName).Msg("External recorder buffer destroyed")
	return nil
}
