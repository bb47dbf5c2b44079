package health

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
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

func newTestSupervisor() (*Supervisor, *fakeClock) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	s := NewSupervisor()
	s.now = clock.Now
	s.startTime = clock.Now()
	s.lastProbe = clock.Now()
	return s, clock
}

func recordRequests(s *Supervisor, ok, failed int) {
	for i := 0; i < ok; i++ {
		s.OnRequest(true)
	}
	for i := 0; i < failed; i++ {
		s.OnRequest(false)
	}
}

func TestHealthyByDefault(t *testing.T) {
	s, _ := newTestSupervisor()

	snap := s.Snapshot()
	assert.True(t, snap.Healthy)
	assert.Equal(t, "ok", snap.Status())
	assert.Zero(t, snap.ErrorRate)
	assert.False(t, s.RestartNeeded())
}

func TestErrorRateNeedsEnoughTraffic(t *testing.T) {
	s, _ := newTestSupervisor()

	// 20 requests at 50% failure: below the traffic floor, still healthy.
	recordRequests(s, 10, 10)
	assert.True(t, s.Snapshot().Healthy)

	// One more request crosses the floor.
	s.OnRequest(false)
	snap := s.Snapshot()
	assert.False(t, snap.Healthy)
	assert.Equal(t, "degraded", snap.Status())
	assert.InDelta(t, 11.0/21.0, snap.ErrorRate, 1e-9)
}

func TestErrorRateThreshold(t *testing.T) {
	s, _ := newTestSupervisor()

	// 30/100 failed is exactly the threshold, not above it.
	recordRequests(s, 70, 30)
	assert.True(t, s.Snapshot().Healthy)

	s.OnRequest(false)
	assert.False(t, s.Snapshot().Healthy)
}

func TestStaleProbeDegrades(t *testing.T) {
	s, clock := newTestSupervisor()

	s.OnProbe()
	clock.Advance(120 * time.Second)
	assert.True(t, s.Snapshot().Healthy, "exactly at the window is still fine")

	clock.Advance(time.Second)
	assert.False(t, s.Snapshot().Healthy)

	// A fresh probe clears the staleness.
	snap := s.OnProbe()
	assert.True(t, snap.Healthy)
}

func TestNeverProbedGoesStale(t *testing.T) {
	s, clock := newTestSupervisor()

	// Process start anchors the staleness window, so a node nobody checks
	// degrades after the window even though no probe ever arrived.
	clock.Advance(120 * time.Second)
	assert.True(t, s.Snapshot().Healthy)

	clock.Advance(time.Second)
	snap := s.Snapshot()
	assert.False(t, snap.Healthy)
	assert.Equal(t, "degraded", snap.Status())
	assert.Equal(t, VerdictDegraded, s.Evaluate())
}

func TestEvaluateRequestsRestartAfterThreeStrikes(t *testing.T) {
	s, clock := newTestSupervisor()
	recordRequests(s, 10, 11)

	assert.Equal(t, VerdictDegraded, s.Evaluate())
	assert.Equal(t, VerdictDegraded, s.Evaluate())
	assert.False(t, s.Snapshot().RestartWanted, "two strikes are not enough")

	s.Evaluate()
	snap := s.Snapshot()
	assert.True(t, snap.RestartWanted)
	assert.Equal(t, 3, snap.ConsecutiveDegraded)

	// The restart only fires once the cooldown has elapsed.
	assert.False(t, s.RestartNeeded())
	clock.Advance(59 * time.Second)
	assert.False(t, s.RestartNeeded())
	clock.Advance(time.Second)
	assert.True(t, s.RestartNeeded())
}

func TestRecoveryResetsTheStreak(t *testing.T) {
	s, _ := newTestSupervisor()
	recordRequests(s, 10, 11)

	s.Evaluate()
	s.Evaluate()
	require.Equal(t, 2, s.Snapshot().ConsecutiveDegraded)

	s.ResetMetrics()
	assert.Equal(t, VerdictHealthy, s.Evaluate())

	snap := s.Snapshot()
	assert.Equal(t, 0, snap.ConsecutiveDegraded)
	assert.False(t, snap.RestartWanted)
}

func TestAcknowledgeRearmsSupervisor(t *testing.T) {
	s, clock := newTestSupervisor()

	s.MarkRestartWanted()
	clock.Advance(restartCooldown)
	require.True(t, s.RestartNeeded())

	s.AcknowledgeRestartAttempt()
	snap := s.Snapshot()
	assert.False(t, snap.RestartWanted)
	assert.Equal(t, 1, snap.RestartAttempts)
	assert.False(t, s.RestartNeeded())

	// Wanting another restart starts a fresh cooldown.
	s.MarkRestartWanted()
	assert.False(t, s.RestartNeeded())
	clock.Advance(restartCooldown)
	assert.True(t, s.RestartNeeded())
}

func TestRestartAttemptBudget(t *testing.T) {
	s, clock := newTestSupervisor()

	for i := 0; i < maxRestartAttempts; i++ {
		s.MarkRestartWanted()
		clock.Advance(restartCooldown)
		require.True(t, s.RestartNeeded(), "attempt %d should be allowed", i+1)
		s.AcknowledgeRestartAttempt()
	}

	s.MarkRestartWanted()
	clock.Advance(restartCooldown)
	assert.False(t, s.RestartNeeded(), "budget exhausted, no further restarts")
	assert.False(t, s.Snapshot().RestartWanted)
}

func TestMarkWhileAlreadyWantedKeepsCooldownClock(t *testing.T) {
	s, clock := newTestSupervisor()

	s.MarkRestartWanted()
	clock.Advance(30 * time.Second)
	s.MarkRestartWanted()
	clock.Advance(30 * time.Second)

	assert.True(t, s.RestartNeeded(), "re-marking must not restart the cooldown")
}

func TestUptimeNeverNegative(t *testing.T) {
	s, clock := newTestSupervisor()
	clock.Advance(-time.Hour)
	assert.Zero(t, s.Snapshot().Uptime)
}

func TestResetMetricsKeepsAttemptHistory(t *testing.T) {
	s, clock := newTestSupervisor()

	s.MarkRestartWanted()
	clock.Advance(restartCooldown)
	s.AcknowledgeRestartAttempt()

	s.ResetMetrics()
	assert.Equal(t, 1, s.Snapshot().RestartAttempts)
}
