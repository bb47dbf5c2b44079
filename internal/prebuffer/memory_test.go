package prebuffer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"heron-nvr-go/internal/bufferpool"
)

func newMemoryBuffer(t *testing.T, cfg Config) (*MemoryPacket, *bufferpool.Pool) {
	t.Helper()
	pool, err := bufferpool.New(32, 1)
	require.NoError(t, err)
	t.Cleanup(pool.Teardown)

	m, err := NewMemoryPacket("cam1", cfg, pool)
	require.NoError(t, err)
	return m, pool
}

func TestMemoryPacketPushAndFlush(t *testing.T) {
	m, _ := newMemoryBuffer(t, Config{BufferSeconds: 10})
	base := time.Unix(1_700_000_000, 0)

	require.NoError(t, m.PushPacket([]byte("frame-0"), base, true))
	require.NoError(t, m.PushPacket([]byte("frame-1"), base.Add(time.Second), false))
	require.NoError(t, m.PushPacket([]byte("frame-2"), base.Add(2*time.Second), false))

	pkts, err := m.FlushWindow(base.Add(time.Second))
	require.NoError(t, err)
	require.Len(t, pkts, 2)
	assert.Equal(t, []byte("frame-1"), pkts[0].Data)
	assert.Equal(t, []byte("frame-2"), pkts[1].Data)
	assert.False(t, pkts[0].Keyframe)

	// Flush does not evict.
	again, err := m.FlushWindow(base)
	require.NoError(t, err)
	assert.Len(t, again, 3)
	assert.True(t, again[0].Keyframe)
}

func TestMemoryPacketTrimsByWindow(t *testing.T) {
	m, pool := newMemoryBuffer(t, Config{BufferSeconds: 5})
	base := time.Unix(1_700_000_000, 0)

	require.NoError(t, m.PushPacket([]byte("old"), base, true))
	require.NoError(t, m.PushPacket([]byte("new"), base.Add(10*time.Second), true))

	pkts, err := m.FlushWindow(base)
	require.NoError(t, err)
	require.Len(t, pkts, 1, "frame outside the window must be trimmed")
	assert.Equal(t, []byte("new"), pkts[0].Data)
	assert.Equal(t, 1, pool.ActiveCount(), "trimmed frame must return to the pool")
}

func TestMemoryPacketTrimsByByteCap(t *testing.T) {
	m, _ := newMemoryBuffer(t, Config{BufferSeconds: 60, MaxBytes: 10})
	base := time.Unix(1_700_000_000, 0)

	require.NoError(t, m.PushPacket([]byte("aaaaa"), base, true))
	require.NoError(t, m.PushPacket([]byte("bbbbb"), base.Add(time.Second), false))
	require.NoError(t, m.PushPacket([]byte("ccccc"), base.Add(2*time.Second), false))

	st := m.Stats()
	assert.LessOrEqual(t, st.MemoryBytes, int64(10))
	assert.Equal(t, 2, st.PacketCount)
}

func TestMemoryPacketFlushReturnsOwnedCopies(t *testing.T) {
	m, _ := newMemoryBuffer(t, Config{BufferSeconds: 10})
	base := time.Unix(1_700_000_000, 0)

	payload := []byte("mutable")
	require.NoError(t, m.PushPacket(payload, base, true))

	pkts, err := m.FlushWindow(base)
	require.NoError(t, err)
	require.Len(t, pkts, 1)

	payload[0] = 'X'
	assert.EqualValues(t, 'm', pkts[0].Data[0])
}

func TestMemoryPacketRejectsEmptyPacket(t *testing.T) {
	m, _ := newMemoryBuffer(t, Config{BufferSeconds: 10})
	assert.Error(t, m.PushPacket(nil, time.Now(), false))
}

func TestMemoryPacketClear(t *testing.T) {
	m, pool := newMemoryBuffer(t, Config{BufferSeconds: 10})
	base := time.Unix(1_700_000_000, 0)

	require.NoError(t, m.PushPacket([]byte("frame-0"), base, true))
	require.NoError(t, m.PushPacket([]byte("frame-1"), base.Add(time.Second), false))

	require.NoError(t, m.Clear())
	assert.Equal(t, 0, pool.ActiveCount(), "clear must return every region to the pool")

	pkts, err := m.FlushWindow(base)
	require.NoError(t, err)
	assert.Empty(t, pkts)

	// Still usable after a clear.
	require.NoError(t, m.PushPacket([]byte("frame-2"), base.Add(2*time.Second), true))

	require.NoError(t, m.Destroy())
	assert.ErrorIs(t, m.Clear(), ErrDestroyed)
}

func TestMemoryPacketDestroy(t *testing.T) {
	m, pool := newMemoryBuffer(t, Config{BufferSeconds: 10})
	base := time.Unix(1_700_000_000, 0)

	require.NoError(t, m.PushPacket([]byte("frame"), base, true))
	require.Equal(t, 1, pool.ActiveCount())

	require.NoError(t, m.Destroy())
	assert.Equal(t, 0, pool.ActiveCount(), "destroy must return all regions")

	assert.ErrorIs(t, m.PushPacket([]byte("x"), base, false), ErrDestroyed)
	_, err := m.FlushWindow(base)
	assert.ErrorIs(t, err, ErrDestroyed)

	// Second destroy is a safe no-op.
	assert.NoError(t, m.Destroy())
}
