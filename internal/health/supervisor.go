// Package health tracks request outcomes and liveness probes for the
// serving plane and decides when it is degraded enough to warrant a
// restart of the HTTP layer. Restarts are rate-limited and capped so a
// persistently broken deployment degrades loudly instead of flapping.
package health

import (
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	// probeStaleAfter marks the service degraded when the health endpoint
	// has not been probed for this long.
	probeStaleAfter = 120 * time.Second

	// minRequestsForRate is how many requests must be seen before the
	// error rate is trusted.
	minRequestsForRate = 20

	// errorRateThreshold is the failed-request ratio above which the
	// service counts as degraded.
	errorRateThreshold = 0.30

	// degradedEvaluationsBeforeRestart is how many consecutive degraded
	// evaluations it takes to request a restart.
	degradedEvaluationsBeforeRestart = 3

	// maxRestartAttempts caps restarts per process lifetime.
	maxRestartAttempts = 5

	// restartCooldown is the minimum spacing between restart attempts.
	restartCooldown = 60 * time.Second
)

// Snapshot is a point-in-time view of the supervisor's state.
type Snapshot struct {
	Healthy             bool
	Uptime              time.Duration
	TotalRequests       uint64
	FailedRequests      uint64
	ErrorRate           float64
	ConsecutiveDegraded int
	RestartWanted       bool
	RestartAttempts     int
}

// Status returns the wire status string for the snapshot.
func (s Snapshot) Status() string {
	if s.Healthy {
		return "ok"
	}
	return "degraded"
}

// Verdict classifies one supervision tick.
type Verdict int

const (
	VerdictHealthy Verdict = iota
	VerdictDegraded
)

func (v Verdict) String() string {
	if v == VerdictHealthy {
		return "healthy"
	}
	return "degraded"
}

// Supervisor accumulates request outcomes and probe timestamps and turns
// them into a restart decision. All methods are safe for concurrent use.
type Supervisor struct {
	mu sync.Mutex

	startTime      time.Time
	totalRequests  uint64
	failedRequests uint64
	lastProbe      time.Time

	consecutiveDegraded int
	restartWanted       bool
	restartAttempts     int
	lastRestartAttempt  time.Time

	now func() time.Time
}

// NewSupervisor creates a supervisor with its uptime anchored at creation.
// Process start counts as the first probe, so a node that nobody ever
// checks still goes stale once the window elapses.
func NewSupervisor() *Supervisor {
	s := &Supervisor{now: time.Now}
	s.startTime = s.now()
	s.lastProbe = s.startTime
	return s
}

// OnRequest records one served request. Counters saturate rather than wrap
// on a process that has been up long enough to overflow them.
func (s *Supervisor) OnRequest(success bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.totalRequests < math.MaxUint64 {
		s.totalRequests++
	}
	if !success && s.failedRequests < math.MaxUint64 {
		s.failedRequests++
	}
}

// OnProbe records a hit on the health endpoint and returns the snapshot to
// serve back.
func (s *Supervisor) OnProbe() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastProbe = s.now()
	return s.snapshotLocked()
}

// Snapshot returns the current state without touching the probe timestamp.
func (s *Supervisor) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Supervisor) snapshotLocked() Snapshot {
	uptime := s.now().Sub(s.startTime)
	if uptime < 0 {
		uptime = 0
	}
	return Snapshot{
		Healthy:             !s.degradedLocked(),
		Uptime:              uptime,
		TotalRequests:       s.totalRequests,
		FailedRequests:      s.failedRequests,
		ErrorRate:           s.errorRateLocked(),
		ConsecutiveDegraded: s.consecutiveDegraded,
		RestartWanted:       s.restartWanted,
		RestartAttempts:     s.restartAttempts,
	}
}

func (s *Supervisor) errorRateLocked() float64 {
	if s.totalRequests == 0 {
		return 0
	}
	return float64(s.failedRequests) / float64(s.totalRequests)
}

// degradedLocked applies the two degradation signals: a high error rate
// once enough traffic has been seen, and a probe gone stale.
func (s *Supervisor) degradedLocked() bool {
	if s.totalRequests > minRequestsForRate && s.errorRateLocked() > errorRateThreshold {
		return true
	}
	if s.now().Sub(s.lastProbe) > probeStaleAfter {
		return true
	}
	return false
}

// Evaluate runs one supervision tick: it classifies the current state and,
// after enough consecutive degraded ticks, requests a restart.
func (s *Supervisor) Evaluate() Verdict {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.degradedLocked() {
		s.consecutiveDegraded = 0
		return VerdictHealthy
	}

	s.consecutiveDegraded++
	log.Warn().
		Int("consecutive", s.consecutiveDegraded).
		Uint64("total_requests", s.totalRequests).
		Uint64("failed_requests", s.failedRequests).
		Float64("error_rate", s.errorRateLocked()).
		Msg("Service evaluated as degraded")

	if s.consecutiveDegraded >= degradedEvaluationsBeforeRestart {
		s.markRestartWantedLocked()
	}
	return VerdictDegraded
}

// MarkRestartWanted requests a restart out of band, bypassing the
// consecutive-evaluation gate. Used by the restart API.
func (s *Supervisor) MarkRestartWanted() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markRestartWantedLocked()
}

func (s *Supervisor) markRestartWantedLocked() {
	if s.restartWanted {
		return
	}
	if s.restartAttempts >= maxRestartAttempts {
		log.Error().
			Int("attempts", s.restartAttempts).
			Msg("Restart wanted but attempt budget exhausted")
		return
	}

	s.restartWanted = true
	// Stamp the cooldown clock at the moment of the request so the restart
	// fires only after a full cooldown, giving in-flight work time to drain.
	s.lastRestartAttempt = s.now()

	log.Warn().
		Int("attempts", s.restartAttempts).
		Msg("Restart requested")
}

// RestartNeeded reports whether a restart should run now: one is wanted,
// the attempt budget is not exhausted, and the cooldown has elapsed.
func (s *Supervisor) RestartNeeded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.restartWanted || s.restartAttempts >= maxRestartAttempts {
		return false
	}
	return s.now().Sub(s.lastRestartAttempt) >= restartCooldown
}

// AcknowledgeRestartAttempt records that a restart was executed and rearms
// the supervisor for the next cycle.
func (s *Supervisor) AcknowledgeRestartAttempt() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.restartAttempts < maxRestartAttempts {
		s.restartAttempts++
	}
	s.lastRestartAttempt = s.now()
	s.restartWanted = false
	s.consecutiveDegraded = 0

	log.Info().
		Int("attempts", s.restartAttempts).
		Int("max_attempts", maxRestartAttempts).
		Msg("Restart attempt acknowledged")
}

// ResetMetrics zeroes the request counters and the degraded streak. The
// restart attempt history is kept; only a new process earns a fresh budget.
func (s *Supervisor) ResetMetrics() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.totalRequests = 0
	s.failedRequests = 0
	s.consecutiveDegraded = 0

	log.Info().Msg("Health metrics reset")
}
