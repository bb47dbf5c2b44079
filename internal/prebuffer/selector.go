package prebuffer

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/v4/mem"

	"heron-nvr-go/internal/bufferpool"
)

// lowMemoryThreshold is the available-memory floor below which auto
// selection falls back to disk segments regardless of other signals.
const lowMemoryThreshold = 256 << 20

// Selector resolves the auto strategy for a host and tracks every strategy
// it creates so buffer state can be inspected and torn down in one place.
type Selector struct {
	externalPort int
	pool         *bufferpool.Pool

	// availMem is injectable so tests can simulate memory pressure.
	availMem func() (uint64, error)

	mu         sync.Mutex
	strategies map[string]Strategy
}

// NewSelector creates a selector. externalPort > 0 signals that an external
// recorder is configured and reachable.
func NewSelector(externalPort int, pool *bufferpool.Pool) *Selector {
	return &Selector{
		externalPort: externalPort,
		pool:         pool,
		availMem:     availableMemory,
		strategies:   make(map[string]Strategy),
	}
}

func availableMemory() (uint64, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, err
	}
	return vm.Available, nil
}

// RecommendedType resolves auto for the current host. Memory pressure wins
// over everything; an external recorder wins over local disk; disk segments
// are the safe default.
func (s *Selector) RecommendedType() Type {
	avail, err := s.availMem()
	if err != nil {
		log.Warn().Err(err).Msg("Memory probe failed, using segment strategy")
		return TypeSegment
	}
	if avail < lowMemoryThreshold {
		log.Info().
			Uint64("available_bytes", avail).
			Msg("Low memory, auto-selecting segment strategy")
		return TypeSegment
	}
	if s.externalPort > 0 {
		return TypeExternal
	}
	return TypeSegment
}

// Create builds and registers the strategy for a stream. TypeAuto resolves
// through RecommendedType; TypeNone returns nil with no error, meaning the
// stream runs without pre-detection buffering.
func (s *Selector) Create(streamName string, t Type, cfg Config) (Strategy, error) {
	if streamName == "" {
		return nil, fmt.Errorf("prebuffer: stream name is required")
	}

	if t == TypeAuto {
		t = s.RecommendedType()
		log.Info().
			Str("stream", streamName).
			Str("strategy", t.String()).
			Msg("Auto-selected buffer strategy")
	}

	var (
		strat Strategy
		err   error
	)
	switch t {
	case TypeNone:
		return nil, nil
	case TypeExternal:
		strat, err = NewExternalRecorder(streamName, cfg)
	case TypeSegment:
		strat, err = NewSegmentIndex(streamName, cfg)
	case TypeMemoryPacket:
		strat, err = NewMemoryPacket(streamName, cfg, s.pool)
	case TypeMmapHybrid:
		strat, err = NewMmapRing(streamName, cfg)
	default:
		return nil, fmt.Errorf("prebuffer: unsupported strategy type %d", t)
	}
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if old, ok := s.strategies[streamName]; ok {
		s.mu.Unlock()
		_ = strat.Destroy()
		return nil, fmt.Errorf("prebuffer: stream %s already has a %s buffer",
			streamName, old.Name())
	}
	s.strategies[streamName] = strat
	s.mu.Unlock()

	return strat, nil
}

// DestroyStream tears down and unregisters one stream's strategy. Unknown
// streams are a no-op.
func (s *Selector) DestroyStream(streamName string) error {
	s.mu.Lock()
	strat, ok := s.strategies[streamName]
	delete(s.strategies, streamName)
	s.mu.Unlock()

	if !ok {
		return nil
	}
	return strat.Destroy()
}

// StatsAll snapshots every registered strategy, keyed by stream name.
func (s *Selector) StatsAll() map[string]Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]Stats, len(s.strategies))
	for name, strat := range s.strategies {
		out[name] = strat.Stats()
	}
	return out
}

// Clear destroys every registered strategy. Used on shutdown.
func (s *Selector) Clear() {
	s.mu.Lock()
	strategies := s.strategies
	s.strategies = make(map[string]Strategy)
	s.mu.Unlock()

	for name, strat := range strategies {
		if err := strat.Destroy(); err != nil {
			log.Error().Err(err).Str("stream", name).Msg("Failed to destroy buffer strategy")
		}
	}
}
