package bufferpool

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock lets tests advance the pool's notion of time deterministically.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestPool(t *testing.T, size, retries int) (*Pool, *fakeClock) {
	t.Helper()
	p, err := New(size, retries)
	require.NoError(t, err)
	clock := newFakeClock()
	p.now = clock.Now
	p.sleep = func(time.Duration) {}
	return p, clock
}

func TestNewValidation(t *testing.T) {
	_, err := New(0, 3)
	assert.Error(t, err)

	_, err = New(4, 0)
	assert.Error(t, err)
}

func TestCheckoutCapacityAtLeastRequired(t *testing.T) {
	p, _ := newTestPool(t, 2, 1)
	defer p.Teardown()

	b, err := p.Checkout(1500)
	require.NoError(t, err)
	assert.Equal(t, 1500, len(b.Data))
	assert.GreaterOrEqual(t, cap(b.Data), 1500)
}

func TestCheckoutInvalidSize(t *testing.T) {
	p, _ := newTestPool(t, 1, 1)
	defer p.Teardown()

	_, err := p.Checkout(0)
	assert.Error(t, err)
}

func TestReuseReturnsSameSlotWithoutNewAllocation(t *testing.T) {
	p, _ := newTestPool(t, 2, 1)
	defer p.Teardown()

	h1, err := p.Checkout(1024)
	require.NoError(t, err)
	allocated := p.TrackedBytes()
	require.NoError(t, p.Release(h1))

	h2, err := p.Checkout(512)
	require.NoError(t, err)
	assert.Equal(t, h1.idx, h2.idx, "smaller request should reuse the idle slot")
	assert.Equal(t, allocated, p.TrackedBytes(), "reuse must not allocate")
	assert.GreaterOrEqual(t, cap(h2.Data), 512)
}

func TestEvictionPrefersOldestIdle(t *testing.T) {
	p, clock := newTestPool(t, 2, 1)
	defer p.Teardown()

	h1, err := p.Checkout(1024)
	require.NoError(t, err)
	h2, err := p.Checkout(1024)
	require.NoError(t, err)
	require.NotEqual(t, h1.idx, h2.idx)

	oldIdx := h1.idx
	require.NoError(t, p.Release(h1))
	clock.Advance(5 * time.Second)
	require.NoError(t, p.Release(h2))
	clock.Advance(1 * time.Second)

	// Neither idle region fits, no empty slots remain: the oldest idle
	// slot must be freed and reallocated at the larger size.
	h3, err := p.Checkout(2048)
	require.NoError(t, err)
	assert.Equal(t, oldIdx, h3.idx, "oldest idle slot should be evicted")
	assert.GreaterOrEqual(t, cap(h3.Data), 2048)
	assert.Equal(t, 2, p.MaxCount())
	assert.EqualValues(t, 2048+1024, p.TrackedBytes())
}

func TestActiveCountTracksLiveHandles(t *testing.T) {
	p, _ := newTestPool(t, 4, 1)
	defer p.Teardown()

	assert.Equal(t, 0, p.ActiveCount())

	h1, err := p.Checkout(64)
	require.NoError(t, err)
	h2, err := p.Checkout(64)
	require.NoError(t, err)
	assert.Equal(t, 2, p.ActiveCount())

	require.NoError(t, p.Release(h1))
	assert.Equal(t, 1, p.ActiveCount())
	require.NoError(t, p.Release(h2))
	assert.Equal(t, 0, p.ActiveCount())
}

func TestNoTwoLiveHandlesShareASlot(t *testing.T) {
	p, _ := newTestPool(t, 3, 1)
	defer p.Teardown()

	seen := make(map[int]bool)
	for i := 0; i < 3; i++ {
		b, err := p.Checkout(128)
		require.NoError(t, err)
		assert.False(t, seen[b.idx], "slot %d handed out twice", b.idx)
		seen[b.idx] = true
	}
}

func TestExhaustionFailsAfterRetries(t *testing.T) {
	p, _ := newTestPool(t, 1, 3)
	defer p.Teardown()

	slept := 0
	p.sleep = func(time.Duration) { slept++ }

	_, err := p.Checkout(64)
	require.NoError(t, err)

	_, err = p.Checkout(64)
	assert.ErrorIs(t, err, ErrNoSlot)
	assert.Equal(t, 2, slept, "should pause between attempts, not after the last")
}

func TestRetrySucceedsWhenBufferReturnsMidWait(t *testing.T) {
	p, err := New(1, 3)
	require.NoError(t, err)
	defer p.Teardown()

	h1, err := p.Checkout(64)
	require.NoError(t, err)

	go func() {
		time.Sleep(150 * time.Millisecond)
		_ = p.Release(h1)
	}()

	start := time.Now()
	h2, err := p.Checkout(64)
	require.NoError(t, err)
	assert.NotNil(t, h2)
	assert.Less(t, time.Since(start), 400*time.Millisecond)
}

func TestReleaseUnknownHandle(t *testing.T) {
	p, _ := newTestPool(t, 2, 1)
	defer p.Teardown()

	other, _ := newTestPool(t, 2, 1)
	defer other.Teardown()

	foreign, err := other.Checkout(32)
	require.NoError(t, err)

	assert.ErrorIs(t, p.Release(foreign), ErrNotPoolBuffer)
	assert.ErrorIs(t, p.Release(nil), ErrNotPoolBuffer)
	assert.Equal(t, 0, p.ActiveCount())
}

func TestDoubleReleaseIsAnError(t *testing.T) {
	p, _ := newTestPool(t, 1, 1)
	defer p.Teardown()

	b, err := p.Checkout(32)
	require.NoError(t, err)
	require.NoError(t, p.Release(b))
	assert.ErrorIs(t, p.Release(b), ErrNotPoolBuffer)
	assert.Equal(t, 0, p.ActiveCount())
}

func TestTeardownRejectsFurtherCheckouts(t *testing.T) {
	p, _ := newTestPool(t, 2, 1)

	b, err := p.Checkout(64)
	require.NoError(t, err)
	require.NoError(t, p.Release(b))

	p.Teardown()
	assert.EqualValues(t, 0, p.TrackedBytes())

	_, err = p.Checkout(64)
	assert.ErrorIs(t, err, ErrPoolClosed)

	// Second teardown is a no-op.
	p.Teardown()
}

func TestConcurrentCheckoutRelease(t *testing.T) {
	p, err := New(8, 5)
	require.NoError(t, err)
	defer p.Teardown()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				b, err := p.Checkout(256)
				if err != nil {
					continue
				}
				b.Data[0] = byte(j)
				_ = p.Release(b)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 0, p.ActiveCount())
}
