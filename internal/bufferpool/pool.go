// Package bufferpool implements a fixed-capacity reuse pool for raw-frame
// byte buffers. Slots are recycled by size-fit matching with oldest-idle
// eviction, and checkout retries briefly under pressure instead of failing
// immediately, since other streams returning buffers usually clears the
// shortage within a few hundred milliseconds.
package bufferpool

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"heron-nvr-go/pkg/memutil"
)

var (
	// ErrNoSlot is returned when no slot could be acquired after all retries.
	ErrNoSlot = errors.New("bufferpool: no available slot")
	// ErrPoolClosed is returned for operations on a pool after Teardown.
	ErrPoolClosed = errors.New("bufferpool: pool is closed")
	// ErrNotPoolBuffer is returned when releasing a buffer the pool does not own.
	ErrNotPoolBuffer = errors.New("bufferpool: buffer does not belong to pool")
)

// retryDelay is the pause between checkout attempts under pressure.
const retryDelay = 100 * time.Millisecond

type slot struct {
	buf      []byte
	inUse    bool
	lastUsed time.Time
}

// Buffer is a checked-out region borrowed from the pool. The caller has
// exclusive use of Data until Release is called.
type Buffer struct {
	// Data is sized to the requested length; its capacity may be larger.
	Data []byte

	pool *Pool
	idx  int
}

// Pool is a fixed array of buffer slots guarded by a single mutex. The
// critical section covers only the slot scan and state flips; allocation
// happens inside the lock, which is acceptable at the configured scale
// (tens of slots).
type Pool struct {
	mu      sync.Mutex
	slots   []slot
	active  int
	retries int
	closed  bool

	tracker *memutil.Tracker

	// Injection points for deterministic tests.
	now   func() time.Time
	sleep func(time.Duration)
}

// New creates a pool with maxBuffers slots and the given number of checkout
// retries. Slots start with empty regions; memory is only committed on
// demand.
func New(maxBuffers, retries int) (*Pool, error) {
	if maxBuffers < 1 {
		return nil, fmt.Errorf("bufferpool: invalid pool size %d", maxBuffers)
	}
	if retries < 1 {
		return nil, fmt.Errorf("bufferpool: invalid retry count %d", retries)
	}

	p := &Pool{
		slots:   make([]slot, maxBuffers),
		retries: retries,
		tracker: &memutil.Tracker{},
		now:     time.Now,
		sleep:   time.Sleep,
	}

	log.Info().
		Int("max_buffers", maxBuffers).
		Int("retries", retries).
		Msg("Buffer pool initialized")

	return p, nil
}

// Checkout returns a buffer with capacity of at least required bytes,
// marking its slot in use. It retries with a short pause when the pool is
// exhausted or allocation fails, and returns ErrNoSlot once the retry
// budget runs out.
func (p *Pool) Checkout(required int) (*Buffer, error) {
	if required <= 0 {
		return nil, fmt.Errorf("bufferpool: invalid required size %d", required)
	}

	for attempt := 0; attempt < p.retries; attempt++ {
		buf, retryable, err := p.tryCheckout(required, attempt)
		if err == nil {
			return buf, nil
		}
		if !retryable || attempt == p.retries-1 {
			return nil, err
		}
		p.sleep(retryDelay)
	}

	return nil, ErrNoSlot
}

// tryCheckout performs one acquisition attempt. The boolean reports whether
// the failure is transient and worth retrying.
func (p *Pool) tryCheckout(required, attempt int) (*Buffer, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, false, ErrPoolClosed
	}

	// Reuse pass: first idle slot whose existing region is large enough.
	// Lowest index wins so behavior stays deterministic.
	for i := range p.slots {
		s := &p.slots[i]
		if !s.inUse && s.buf != nil && cap(s.buf) >= required {
			s.inUse = true
			s.lastUsed = p.now()
			p.active++
			log.Debug().
				Int("index", i).
				Int("capacity", cap(s.buf)).
				Int("retry", attempt).
				Msg("Reusing buffer from pool")
			return &Buffer{Data: s.buf[:required], pool: p, idx: i}, false, nil
		}
	}

	// Empty-slot pass: lowest-index slot that never had a region.
	chosen := -1
	for i := range p.slots {
		if p.slots[i].buf == nil && !p.slots[i].inUse {
			chosen = i
			break
		}
	}

	// Eviction pass: strictly oldest idle slot, ties broken by lower index.
	if chosen == -1 {
		oldest := p.now()
		for i := range p.slots {
			s := &p.slots[i]
			if !s.inUse && s.lastUsed.Before(oldest) {
				oldest = s.lastUsed
				chosen = i
			}
		}
	}

	if chosen == -1 {
		log.Error().Int("retry", attempt).Msg("No available slots in buffer pool")
		return nil, true, ErrNoSlot
	}

	s := &p.slots[chosen]

	// Existing region too small: free it and account the released bytes.
	if s.buf != nil && cap(s.buf) < required {
		p.tracker.Untrack(cap(s.buf))
		s.buf = nil
	}

	if s.buf == nil {
		s.buf = make([]byte, required)
		p.tracker.Track(required)
	}

	s.inUse = true
	s.lastUsed = p.now()
	p.active++

	log.Debug().
		Int("index", chosen).
		Int("size", required).
		Int("retry", attempt).
		Msg("Allocated buffer for pool")

	return &Buffer{Data: s.buf[:required], pool: p, idx: chosen}, false, nil
}

// Release returns a checked-out buffer to the pool. Releasing a buffer that
// does not belong to this pool, or a slot that is not in use, is an error
// and leaves the pool unchanged.
func (p *Pool) Release(b *Buffer) error {
	if b == nil || b.pool != p {
		return ErrNotPoolBuffer
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrPoolClosed
	}
	if b.idx < 0 || b.idx >= len(p.slots) || !p.slots[b.idx].inUse {
		log.Error().Int("index", b.idx).Msg("Buffer not found in pool")
		return ErrNotPoolBuffer
	}

	p.slots[b.idx].inUse = false
	p.slots[b.idx].lastUsed = p.now()
	p.active--
	b.pool = nil

	return nil
}

// ActiveCount returns the number of currently checked-out slots.
func (p *Pool) ActiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

// MaxCount returns the fixed slot capacity of the pool.
func (p *Pool) MaxCount() int {
	return len(p.slots)
}

// TrackedBytes reports the total bytes currently committed across all slots.
func (p *Pool) TrackedBytes() int64 {
	return p.tracker.Bytes()
}

// Teardown frees all slot regions and rejects further checkouts. It is safe
// to call once; subsequent calls are no-ops.
func (p *Pool) Teardown() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}

	for i := range p.slots {
		if p.slots[i].buf != nil {
			p.tracker.Untrack(cap(p.slots[i].buf))
			p.slots[i].buf = nil
		}
		p.slots[i].inUse = false
	}
	p.active = 0
	p.closed = true

	log.Info().Msg("Buffer pool cleaned up")
}
