// Package selection computes the per-network selection vectors from a
// snapshot of link state (spec.md §4.2). It is pure: given a slice of
// target servers it returns new vectors, touching no locks or global
// state itself. Callers (the monitor, on health transitions and config
// changes) install the result via InputPort.SetSelectionVectors.
package selection

import (
	"sort"

	"github.com/sbsd-dev/sbsd-daemon/internal/linktable"
)

// DefaultLoadBalancingSubsetSize is K from spec.md §4.2: the number of
// best-ranked healthy links that share user traffic.
const DefaultLoadBalancingSubsetSize = 2

type rankedServer struct {
	idx          uint8
	alias        string
	priority     uint8
	healthScore  float64
	avgLatencyMs float64
}

// rankLess implements the ascending sort key (−health_score,
// avg_latency_ms, priority, alias): lower key sorts first, i.e. higher
// health score, then lower latency, then lower priority number, then
// lexical alias as a final tiebreak.
func rankLess(a, b rankedServer) bool {
	if a.healthScore != b.healthScore {
		return a.healthScore > b.healthScore
	}
	if a.avgLatencyMs != b.avgLatencyMs {
		return a.avgLatencyMs < b.avgLatencyMs
	}
	if a.priority != b.priority {
		return a.priority < b.priority
	}
	return a.alias < b.alias
}

// Compute builds the SelectionVectors for one InputPort's current link
// set. subsetSize is K; callers should pass DefaultLoadBalancingSubsetSize
// unless configuration overrides it.
func Compute(servers []*linktable.TargetServer, subsetSize int) linktable.SelectionVectors {
	if subsetSize <= 0 {
		subsetSize = DefaultLoadBalancingSubsetSize
	}

	var healthy, lastResort []rankedServer
	for _, ts := range servers {
		if !ts.Config.Selectable || !ts.Config.Monitored {
			continue
		}
		snap := ts.Stats.Snapshot()
		r := rankedServer{
			idx:          ts.Index,
			alias:        ts.Config.Alias,
			priority:     ts.Config.Priority,
			healthScore:  snap.HealthScore,
			avgLatencyMs: snap.AvgLatencyMs,
		}
		if snap.IsHealthy() {
			healthy = append(healthy, r)
		} else {
			lastResort = append(lastResort, r)
		}
	}

	sort.Slice(healthy, func(i, j int) bool { return rankLess(healthy[i], healthy[j]) })
	sort.Slice(lastResort, func(i, j int) bool { return rankLess(lastResort[i], lastResort[j]) })

	v := linktable.SelectionVectors{}
	if len(healthy) <= subsetSize {
		v.LoadBalancing = indicesOf(healthy)
	} else {
		v.LoadBalancing = indicesOf(healthy[:subsetSize])
		v.Failover = indicesOf(healthy[subsetSize:])
	}
	v.LastResort = indicesOf(lastResort)
	return v
}

func indicesOf(rs []rankedServer) []uint8 {
	if len(rs) == 0 {
		return nil
	}
	out := make([]uint8, len(rs))
	for i, r := range rs {
		out[i] = r.idx
	}
	return out
}
