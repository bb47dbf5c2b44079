package prebuffer

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"heron-nvr-go/internal/bufferpool"
)

func newTestSelector(t *testing.T, externalPort int, avail uint64) *Selector {
	t.Helper()
	pool, err := bufferpool.New(8, 1)
	require.NoError(t, err)
	t.Cleanup(pool.Teardown)

	s := NewSelector(externalPort, pool)
	s.availMem = func() (uint64, error) { return avail, nil }
	return s
}

func TestRecommendedTypeLowMemory(t *testing.T) {
	s := newTestSelector(t, 1984, 128<<20)
	assert.Equal(t, TypeSegment, s.RecommendedType(),
		"memory pressure must win over the external recorder")
}

func TestRecommendedTypeExternalPort(t *testing.T) {
	s := newTestSelector(t, 1984, 1<<30)
	assert.Equal(t, TypeExternal, s.RecommendedType())
}

func TestRecommendedTypeDefault(t *testing.T) {
	s := newTestSelector(t, 0, 1<<30)
	assert.Equal(t, TypeSegment, s.RecommendedType())
}

func TestRecommendedTypeProbeFailure(t *testing.T) {
	s := newTestSelector(t, 1984, 0)
	s.availMem = func() (uint64, error) { return 0, errors.New("probe failed") }
	assert.Equal(t, TypeSegment, s.RecommendedType())
}

func TestCreateNoneReturnsNil(t *testing.T) {
	s := newTestSelector(t, 0, 1<<30)
	strat, err := s.Create("cam1", TypeNone, Config{BufferSeconds: 10})
	require.NoError(t, err)
	assert.Nil(t, strat)
}

func TestCreateRegistersAndDestroys(t *testing.T) {
	s := newTestSelector(t, 0, 1<<30)

	strat, err := s.Create("cam1", TypeMemoryPacket, Config{BufferSeconds: 10})
	require.NoError(t, err)
	require.NotNil(t, strat)
	assert.Equal(t, "memory_packet", strat.Name())
	assert.Contains(t, s.StatsAll(), "cam1")

	require.NoError(t, s.DestroyStream("cam1"))
	assert.NotContains(t, s.StatsAll(), "cam1")

	// Unknown streams are a no-op.
	assert.NoError(t, s.DestroyStream("cam1"))
}

func TestCreateRejectsDuplicateStream(t *testing.T) {
	s := newTestSelector(t, 0, 1<<30)

	_, err := s.Create("cam1", TypeMemoryPacket, Config{BufferSeconds: 10})
	require.NoError(t, err)

	_, err = s.Create("cam1", TypeMemoryPacket, Config{BufferSeconds: 10})
	assert.Error(t, err)
}

func TestCreateAutoResolvesBeforeConstruction(t *testing.T) {
	s := newTestSelector(t, 0, 1<<30)

	strat, err := s.Create("cam1", TypeAuto, Config{BufferSeconds: 10, SegmentDir: t.TempDir()})
	require.NoError(t, err)
	require.NotNil(t, strat)
	assert.Equal(t, "segment", strat.Name())
}

func TestClearDestroysEverything(t *testing.T) {
	s := newTestSelector(t, 0, 1<<30)

	strat, err := s.Create("cam1", TypeMemoryPacket, Config{BufferSeconds: 10})
	require.NoError(t, err)

	s.Clear()
	assert.Empty(t, s.StatsAll())
	assert.ErrorIs(t, strat.PushPacket([]byte("x"), time.Now(), false), ErrDestroyed)
}
