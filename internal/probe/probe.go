// Package probe implements the per-link health probe scheduler from
// spec.md §4.2 Scheduling. It issues small synthetic RPC calls directly to
// each upstream (not through the proxy handler), marked with the
// controlled-probe header so the monitor routes their stats to the probe counters instead
// of the user-traffic counters. The polling loop is modeled on the
// teacher's single-goroutine ticker-driven component loops, adapted to a
// per-link next-due-time map instead of a fixed global interval, the same
// way the reference per-node health check loop in the retrieved corpus
// tracks a last-checked timestamp per node and only re-checks stale ones.
package probe

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/sbsd-dev/sbsd-daemon/internal/linktable"
	"github.com/sbsd-dev/sbsd-daemon/internal/monitor"
	"github.com/sbsd-dev/sbsd-daemon/internal/stats"
	"github.com/sbsd-dev/sbsd-daemon/pkg/log"
)

// HealthyInterval is how often a healthy link is re-probed (spec.md §4.2:
// "no more frequently than every 15s when healthy").
const HealthyInterval = 15 * time.Second

// UnhealthyInterval is how often a link is re-probed after a failure,
// until it regains a verdict (spec.md: "as often as every few seconds
// after a failure").
const UnhealthyInterval = 3 * time.Second

// probeTimeout bounds a single probe attempt, matching the forwarding
// path's per-attempt timeout.
const probeTimeout = 10 * time.Second

// ProbeHeader marks a synthetic request as a controlled health check so
// the proxy, were the probe to ever flow through it, would route its
// stats to the probe counters. The scheduler calls out directly rather
// than looping back through the HTTP listener, but still sets the header
// on the upstream request for observability/debugging on the other end.
const ProbeHeader = "X-SBSD-SERVER-HC"

// probeRequestBody is the cheap synthetic RPC spec.md §4.2 calls for ("a
// cheap RPC such as fetching a latest checkpoint").
const probeRequestBody = `{"jsonrpc":"2.0","id":1,"method":"sui_getLatestCheckpointSequenceNumber","params":[]}`

// Scheduler drives probes for every monitored link of one InputPort.
type Scheduler struct {
	port   *linktable.InputPort
	bus    *monitor.Bus
	client *http.Client

	mu      sync.Mutex
	nextDue map[uint8]time.Time
}

// NewScheduler creates a Scheduler for port, posting probe outcomes to bus.
func NewScheduler(port *linktable.InputPort, bus *monitor.Bus) *Scheduler {
	return &Scheduler{
		port:    port,
		bus:     bus,
		client:  &http.Client{Timeout: probeTimeout},
		nextDue: make(map[uint8]time.Time),
	}
}

// Run polls every tick, probing any monitored link whose next-due time has
// elapsed, until ctx is canceled.
func (s *Scheduler) Run(ctx context.Context, tick time.Duration) {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Scheduler) sweep(ctx context.Context) {
	now := time.Now()
	for _, ts := range s.port.TargetServers() {
		if !ts.Config.Monitored {
			continue
		}
		if !s.isDue(ts.Index, now, ts.Stats.IsHealthy()) {
			continue
		}
		go s.probeOne(ctx, ts)
	}
}

func (s *Scheduler) isDue(idx uint8, now time.Time, healthy bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	due, seen := s.nextDue[idx]
	if seen && now.Before(due) {
		return false
	}
	interval := UnhealthyInterval
	if healthy {
		interval = HealthyInterval
	}
	s.nextDue[idx] = now.Add(interval)
	return true
}

// ProbeNow immediately probes idx within port, bypassing the schedule. It
// is the handler for monitor.DoServerHealthCheck messages.
func (s *Scheduler) ProbeNow(port *linktable.InputPort, idx uint8) {
	ts, ok := port.Get(idx)
	if !ok {
		return
	}
	s.probeOne(context.Background(), ts)
}

func (s *Scheduler) probeOne(ctx context.Context, ts *linktable.TargetServer) {
	reqCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, ts.Config.RPCURL, bytes.NewReader([]byte(probeRequestBody)))
	if err != nil {
		log.Logger.Warnw("probe request build failed", "alias", ts.Config.Alias, "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(ProbeHeader, "1")

	start := time.Now()
	resp, err := s.client.Do(req)
	latency := time.Since(start)
	if err != nil {
		s.bus.Post(monitor.ReportErr(s.port, ts.Index, stats.OutcomeFailNetworkDown, true, err.Error(), true))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		s.bus.Post(monitor.ReportErr(s.port, ts.Index, stats.OutcomeFailNetworkDown, true, fmt.Sprintf("probe HTTP %d", resp.StatusCode), false))
		return
	}

	s.bus.Post(monitor.ReportOK(s.port, ts.Index, latency, 0, true))
}
