// Package linktable owns the per-network table of configured upstream
// links (spec.md §3's Link/TargetServer/InputPort). It holds the stable
// index assignment, the per-link stats and rate limiter, and the
// selection vectors the proxy handler reads on its hot path. All mutation
// happens under InputPort's write lock, driven by the admin controller;
// the proxy and control plane only ever take the read lock.
package linktable

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/sbsd-dev/sbsd-daemon/internal/ratelimit"
	"github.com/sbsd-dev/sbsd-daemon/internal/stats"
	"github.com/sbsd-dev/sbsd-daemon/pkg/log"
)

// LinkConfig is the configuration row for one upstream link (spec.md §3
// Link). MaxPerSecs/MaxPerMin are nil when the corresponding bucket is not
// configured at all (gate disabled for that dimension); a non-nil 0 means
// "no ceiling, but keep counting" per the rate-limit gate's contract.
type LinkConfig struct {
	Alias      string
	RPCURL     string
	WSURL      string
	Selectable bool
	Monitored  bool
	Priority   uint8
	MaxPerSecs *int
	MaxPerMin  *int
}

func limitValue(p *int) int {
	if p == nil {
		return 0
	}
	return *p
}

// hasAnyLimitConfigured reports whether either bucket dimension was present
// in configuration at all, independent of its value.
func hasAnyLimitConfigured(cfg LinkConfig) bool {
	return cfg.MaxPerSecs != nil || cfg.MaxPerMin != nil
}

func limitsEqual(a, b LinkConfig) bool {
	return ptrIntEqual(a.MaxPerSecs, b.MaxPerSecs) && ptrIntEqual(a.MaxPerMin, b.MaxPerMin)
}

func ptrIntEqual(a, b *int) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// TargetServer is one upstream link: its configuration, its stats, and its
// rate limiter, addressed by a stable index within its InputPort.
type TargetServer struct {
	Index  uint8
	Config LinkConfig
	Stats  *stats.ServerStats
	Limit  *ratelimit.Limiter
}

func newTargetServer(idx uint8, cfg LinkConfig) *TargetServer {
	return &TargetServer{
		Index:  idx,
		Config: cfg,
		Stats:  stats.New(cfg.Alias),
		Limit:  buildLimiter(cfg),
	}
}

func buildLimiter(cfg LinkConfig) *ratelimit.Limiter {
	if !hasAnyLimitConfigured(cfg) {
		return ratelimit.Unlimited()
	}
	l, err := ratelimit.New(limitValue(cfg.MaxPerSecs), limitValue(cfg.MaxPerMin))
	if err != nil {
		log.Logger.Warnw("rate limiter rejected, link runs unlimited", "alias", cfg.Alias, "error", err)
		return ratelimit.Unlimited()
	}
	return l
}

// IsUserCandidate reports whether this link, config-wise, may serve traffic.
// Health is checked separately via Stats.IsHealthy().
func (t *TargetServer) IsUserCandidate() bool {
	return t.Config.Selectable
}

// SelectionVectors holds the ordered candidate index lists the proxy
// handler consumes, rebuilt by the selection engine whenever health or
// configuration changes (spec.md §4.2).
type SelectionVectors struct {
	// LoadBalancing is the first K healthy, selectable, monitored links,
	// ranked best-first; the proxy load-balances within this subset.
	LoadBalancing []uint8
	// Failover holds the remaining healthy, selectable, monitored links.
	Failover []uint8
	// LastResort holds selectable links that are currently unhealthy or
	// undetermined, appended after Failover so the handler still has
	// something to try when nothing healthy remains.
	LastResort []uint8
}

// Ordered concatenates the three tiers in the order the proxy should try
// them.
func (v SelectionVectors) Ordered() []uint8 {
	out := make([]uint8, 0, len(v.LoadBalancing)+len(v.Failover)+len(v.LastResort))
	out = append(out, v.LoadBalancing...)
	out = append(out, v.Failover...)
	out = append(out, v.LastResort...)
	return out
}

// Summary counts links by health bucket for the multi-link status display
// (spec.md §3: undetermined links are counted separately from down links).
type Summary struct {
	OK          int
	Down        int
	Undetermined int
}

// InputPort is the per-network table of links (spec.md §3 InputPort). One
// exists per bound network (localnet/devnet/testnet/mainnet).
type InputPort struct {
	mu sync.RWMutex

	WorkdirIdx       int
	WorkdirName      string
	PortNumber       uint16
	ProxyEnabled     bool
	UserRequestStart bool

	servers    []*TargetServer // index == TargetServer.Index; holes are nil
	aliasIndex map[string]uint8

	vectors SelectionVectors

	rrCounter      atomic.Uint64
	reqFailedTotal atomic.Uint64
}

// NewInputPort creates an empty port for the given network.
func NewInputPort(workdirIdx int, workdirName string, portNumber uint16) *InputPort {
	return &InputPort{
		WorkdirIdx:  workdirIdx,
		WorkdirName: workdirName,
		PortNumber:  portNumber,
		aliasIndex:  make(map[string]uint8),
	}
}

// UpsertLink creates a new link or updates an existing one in place,
// keyed by alias. The rate limiter is only rebuilt when the configured
// limit values actually changed (spec.md §3 Lifecycle: "limiter rebuilt
// only when limit values change").
func (p *InputPort) UpsertLink(cfg LinkConfig) (idx uint8, created bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if existingIdx, ok := p.aliasIndex[cfg.Alias]; ok {
		ts := p.servers[existingIdx]
		if !limitsEqual(ts.Config, cfg) {
			ts.Limit = buildLimiter(cfg)
		}
		ts.Config = cfg
		return existingIdx, false
	}

	newIdx := p.firstHole()
	ts := newTargetServer(newIdx, cfg)
	if int(newIdx) == len(p.servers) {
		p.servers = append(p.servers, ts)
	} else {
		p.servers[newIdx] = ts
	}
	p.aliasIndex[cfg.Alias] = newIdx
	return newIdx, true
}

// firstHole returns the lowest index currently nil, or len(p.servers) if
// there is none. Caller must hold p.mu.
func (p *InputPort) firstHole() uint8 {
	for i, s := range p.servers {
		if s == nil {
			return uint8(i)
		}
	}
	return uint8(len(p.servers))
}

// RemoveLink marks the link draining and clears its table slot, leaving a
// hole for index reuse. The link is gone from TargetServers() and
// selection as soon as this returns; no post-removal grace period is
// applied, and the admin controller calls it as soon as a reload drops
// the link.
func (p *InputPort) RemoveLink(alias string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	idx, ok := p.aliasIndex[alias]
	if !ok {
		return false
	}
	p.servers[idx].Stats.MarkDraining()
	p.servers[idx] = nil
	delete(p.aliasIndex, alias)
	return true
}

// Get returns the TargetServer at idx, if present.
func (p *InputPort) Get(idx uint8) (*TargetServer, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if int(idx) >= len(p.servers) || p.servers[idx] == nil {
		return nil, false
	}
	return p.servers[idx], true
}

// GetByAlias returns the TargetServer for alias, if present.
func (p *InputPort) GetByAlias(alias string) (*TargetServer, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	idx, ok := p.aliasIndex[alias]
	if !ok {
		return nil, false
	}
	return p.servers[idx], true
}

// TargetServers returns a stable snapshot slice of all live (non-hole)
// links, ordered by index.
func (p *InputPort) TargetServers() []*TargetServer {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*TargetServer, 0, len(p.servers))
	for _, s := range p.servers {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

// SetSelectionVectors installs newly computed vectors, called by the
// selection engine after a health or config change.
func (p *InputPort) SetSelectionVectors(v SelectionVectors) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.vectors = v
}

// SelectionVectors returns the currently installed vectors.
func (p *InputPort) SelectionVectors() SelectionVectors {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.vectors
}

// CandidateOrder returns the ordered list of link indices the proxy
// handler should try next, rotating the start of the load-balancing
// subset on each call so traffic spreads across it rather than always
// preferring the first entry.
func (p *InputPort) CandidateOrder() []uint8 {
	p.mu.RLock()
	lb := append([]uint8(nil), p.vectors.LoadBalancing...)
	failover := append([]uint8(nil), p.vectors.Failover...)
	lastResort := append([]uint8(nil), p.vectors.LastResort...)
	p.mu.RUnlock()

	if len(lb) > 1 {
		n := p.rrCounter.Add(1)
		shift := int(n) % len(lb)
		lb = append(lb[shift:], lb[:shift]...)
	}

	out := make([]uint8, 0, len(lb)+len(failover)+len(lastResort))
	out = append(out, lb...)
	out = append(out, failover...)
	out = append(out, lastResort...)
	return out
}

// RecordReqFailed counts one request that exhausted every candidate
// without a final response (spec.md §4.3 REPORT_REQ_FAILED) — a failure
// of the request as a whole, not attributable to any single link's stats.
func (p *InputPort) RecordReqFailed() {
	p.reqFailedTotal.Add(1)
}

// ReqFailedTotal returns the cumulative REPORT_REQ_FAILED count.
func (p *InputPort) ReqFailedTotal() uint64 {
	return p.reqFailedTotal.Load()
}

// Summary tallies current link health for the multi-link status view.
func (p *InputPort) Summary() Summary {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var sum Summary
	for _, s := range p.servers {
		if s == nil {
			continue
		}
		switch {
		case s.Stats.IsHealthy():
			sum.OK++
		case s.Stats.Snapshot().State == stats.StateUndetermined:
			sum.Undetermined++
		default:
			sum.Down++
		}
	}
	return sum
}

// AliasesSortedByIndex returns link aliases in index order, for stable
// display.
func (p *InputPort) AliasesSortedByIndex() []string {
	servers := p.TargetServers()
	sort.Slice(servers, func(i, j int) bool { return servers[i].Index < servers[j].Index })
	out := make([]string, 0, len(servers))
	for _, s := range servers {
		out = append(out, s.Config.Alias)
	}
	return out
}

// ErrUnknownAlias is returned when a control-plane request names a link
// that does not exist in this port.
func ErrUnknownAlias(alias string) error {
	return fmt.Errorf("linktable: no link with alias %q", alias)
}
