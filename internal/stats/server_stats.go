// Package stats implements the per-link rolling counters, EWMA latency, and
// health-score/hysteresis machinery described in spec.md §3-§4.2. It has no
// knowledge of HTTP, JSON-RPC, or configuration; it is purely the thread-
// safe bookkeeping layer shared by the proxy handler, probe scheduler, and
// control plane.
package stats

import (
	"sync"
	"time"
)

// Outcome classifies one completed attempt against a link. Exactly one
// Outcome is recorded per attempt.
type Outcome int

const (
	// OutcomeSuccessFirstTry is a success on the first attempt made for the
	// overall client request (retryCount == 0).
	OutcomeSuccessFirstTry Outcome = iota
	// OutcomeSuccessAfterRetry is a success where this link was not the
	// first candidate tried for the request.
	OutcomeSuccessAfterRetry
	// OutcomeFailNetworkDown covers transport errors, timeouts, and non-2xx
	// HTTP statuses other than 400/405/415 — charged against link health.
	OutcomeFailNetworkDown
	// OutcomeFailBadRequest covers upstream 400/405/415 — never charged
	// against link health (the request, not the server, was at fault).
	OutcomeFailBadRequest
	// OutcomeFailOther covers request-build failures, response read
	// failures, and retryable notExists answers from this link.
	OutcomeFailOther
)

// Snapshot is an immutable copy of a ServerStats' state, safe to read
// without holding any lock. Control-plane and selection-engine readers
// should always go through Snapshot rather than poking at ServerStats
// fields directly.
type Snapshot struct {
	Alias string

	NRequests           uint64
	NSuccessFirstTry    uint64
	NSuccessAfterRetry  uint64
	NFailNetworkDown    uint64
	NFailBadRequest     uint64
	NFailOther          uint64
	NProbeSuccess       uint64
	NProbeFail          uint64
	RecentSamples       int
	RecentSuccessRatio  float64
	AvgLatencyMs        float64
	HealthScore         float64
	State               HealthState
	ErrorInfo           string
	ConsecutiveFailures int
}

// IsHealthy reports whether the snapshot represents a selectable-for-
// traffic link.
func (s Snapshot) IsHealthy() bool { return s.State.IsHealthy() }

// ServerStats is the mutable, one-per-link bookkeeping structure from
// spec.md §3. All mutation happens through its exported Record* methods,
// which the network monitor calls from its single-writer goroutine; reads
// go through Snapshot and may happen concurrently from any goroutine.
type ServerStats struct {
	mu sync.RWMutex

	alias string

	nRequests          uint64
	nSuccessFirstTry   uint64
	nSuccessAfterRetry uint64
	nFailNetworkDown   uint64
	nFailBadRequest    uint64
	nFailOther         uint64
	nProbeSuccess      uint64
	nProbeFail         uint64

	window ring

	score               float64
	state               HealthState
	determined          bool
	consecutiveFailures int
	errorInfo           string
}

// New creates a ServerStats for alias, starting Undetermined with a score
// of 0.0 (spec.md: "health_score == 0.0 is reserved for 'never determined'").
func New(alias string) *ServerStats {
	return &ServerStats{alias: alias, state: StateUndetermined}
}

// Alias returns the link alias this ServerStats was created for.
func (s *ServerStats) Alias() string {
	return s.alias
}

// RecordSuccess records one successful attempt. cohortBestLatencyMs is the
// best (lowest) recent average latency observed across the link's cohort,
// used to decide whether this sample qualifies for the best-quartile health
// bonus (pass 0 when no cohort context is available, e.g. from the probe
// scheduler running outside a selection pass).
func (s *ServerStats) RecordSuccess(latency time.Duration, retryCount int, isProbe bool, cohortBestLatencyMs float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	latencyUs := latency.Microseconds()
	s.window.push(latencyUs, true)

	if isProbe {
		s.nProbeSuccess++
	} else {
		s.nRequests++
		if retryCount == 0 {
			s.nSuccessFirstTry++
		} else {
			s.nSuccessAfterRetry++
		}
	}

	s.consecutiveFailures = 0
	s.determined = true
	latencyMs := float64(latencyUs) / 1000.0
	s.score = applySuccess(s.score, latencyMs, cohortBestLatencyMs)
	s.state = nextState(s.state, s.score, s.determined)
	s.errorInfo = ""
}

// RecordFailure records one failed attempt classified as outcome. outcome
// must be one of OutcomeFailNetworkDown, OutcomeFailBadRequest, or
// OutcomeFailOther; errMsg is stored as the short display string for
// getLinks debug mode. OutcomeFailBadRequest never touches the health
// score, matching spec.md §4.1's "not attributed to server health" rule.
func (s *ServerStats) RecordFailure(outcome Outcome, isProbe bool, errMsg string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.window.push(0, false)
	s.errorInfo = errMsg

	if isProbe {
		s.nProbeFail++
	} else {
		s.nRequests++
		switch outcome {
		case OutcomeFailNetworkDown:
			s.nFailNetworkDown++
		case OutcomeFailBadRequest:
			s.nFailBadRequest++
		default:
			s.nFailOther++
		}
	}

	if outcome == OutcomeFailBadRequest {
		// Client fault, not server fault: no score or state impact at all.
		return
	}

	s.consecutiveFailures++
	s.score = applyFailure(s.score, s.consecutiveFailures)
	s.state = nextState(s.state, s.score, s.determined)
}

// MarkDraining transitions the stats to StateDraining, used when a link is
// being removed from configuration (spec.md §3 Lifecycle).
func (s *ServerStats) MarkDraining() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateDraining
}

// Clear resets cumulative counters, the rolling window, and health state,
// keeping the alias. Used by resetServerStats in the control plane.
func (s *ServerStats) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	alias := s.alias
	*s = ServerStats{alias: alias, state: StateUndetermined}
}

// HealthScore returns the current continuous health score.
func (s *ServerStats) HealthScore() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.score
}

// IsHealthy reports whether the current state is Healthy.
func (s *ServerStats) IsHealthy() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.IsHealthy()
}

// AvgLatencyMs returns the EWMA latency over the rolling window.
func (s *ServerStats) AvgLatencyMs() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.window.avgLatencyMs()
}

// Snapshot copies the full observable state under a read lock.
func (s *ServerStats) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ratio, n := s.window.recentSuccessRatio()
	return Snapshot{
		Alias:               s.alias,
		NRequests:           s.nRequests,
		NSuccessFirstTry:    s.nSuccessFirstTry,
		NSuccessAfterRetry:  s.nSuccessAfterRetry,
		NFailNetworkDown:    s.nFailNetworkDown,
		NFailBadRequest:     s.nFailBadRequest,
		NFailOther:          s.nFailOther,
		NProbeSuccess:       s.nProbeSuccess,
		NProbeFail:          s.nProbeFail,
		RecentSamples:       n,
		RecentSuccessRatio:  ratio,
		AvgLatencyMs:        s.window.avgLatencyMs(),
		HealthScore:         s.score,
		State:               s.state,
		ErrorInfo:           s.errorInfo,
		ConsecutiveFailures: s.consecutiveFailures,
	}
}
