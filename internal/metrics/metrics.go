// Package metrics exposes the daemon's per-link observability as
// Prometheus gauges, grounded in the teacher's own use of
// prometheus/client_golang for component state metrics. Collection is
// pull-based: Collector.Refresh is called periodically (from its own loop
// in cmd/sbsd-daemon, on the audit interval) to push the current snapshot into
// the registered gauges, which promhttp then serves.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/sbsd-dev/sbsd-daemon/internal/linktable"
)

// Collector owns the per-link gauge vectors, labeled by network and link
// alias.
type Collector struct {
	healthScore    *prometheus.GaugeVec
	avgLatencyMs   *prometheus.GaugeVec
	qps            *prometheus.GaugeVec
	qpm            *prometheus.GaugeVec
	rateLimitCount *prometheus.GaugeVec
	nRequests      *prometheus.GaugeVec
	reqFailedTotal *prometheus.GaugeVec
}

// NewCollector builds a Collector and registers its metrics with reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	labels := []string{"network", "alias"}
	portLabels := []string{"network"}
	c := &Collector{
		healthScore: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "sbsd",
			Name:      "link_health_score",
			Help:      "Continuous health score in [-100, 100] for the link.",
		}, labels),
		avgLatencyMs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "sbsd",
			Name:      "link_avg_latency_ms",
			Help:      "EWMA of recent request latency in milliseconds.",
		}, labels),
		qps: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "sbsd",
			Name:      "link_qps",
			Help:      "Observed requests per second for the link, regardless of limiting.",
		}, labels),
		qpm: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "sbsd",
			Name:      "link_qpm",
			Help:      "Observed requests per minute for the link, regardless of limiting.",
		}, labels),
		rateLimitCount: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "sbsd",
			Name:      "link_rate_limit_denied_total",
			Help:      "Cumulative count of requests denied by the rate-limit gate.",
		}, labels),
		nRequests: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "sbsd",
			Name:      "link_requests_total",
			Help:      "Cumulative user-traffic requests attributed to the link.",
		}, labels),
		reqFailedTotal: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "sbsd",
			Name:      "port_requests_failed_total",
			Help:      "Cumulative requests that exhausted every candidate link without a final response.",
		}, portLabels),
	}
	reg.MustRegister(c.healthScore, c.avgLatencyMs, c.qps, c.qpm, c.rateLimitCount, c.nRequests, c.reqFailedTotal)
	return c
}

// Refresh pushes the current state of every link on port into the gauges,
// labeled under network.
func (c *Collector) Refresh(network string, port *linktable.InputPort) {
	for _, ts := range port.TargetServers() {
		snap := ts.Stats.Snapshot()
		labels := prometheus.Labels{"network": network, "alias": ts.Config.Alias}
		c.healthScore.With(labels).Set(snap.HealthScore)
		c.avgLatencyMs.With(labels).Set(snap.AvgLatencyMs)
		c.qps.With(labels).Set(float64(ts.Limit.QPS()))
		c.qpm.With(labels).Set(float64(ts.Limit.QPM()))
		c.rateLimitCount.With(labels).Set(float64(ts.Limit.RateLimitCount()))
		c.nRequests.With(labels).Set(float64(snap.NRequests))
	}
	c.reqFailedTotal.With(prometheus.Labels{"network": network}).Set(float64(port.ReqFailedTotal()))
}
