// Package monitor implements the single-writer event bus from spec.md
// §4.3: the hot proxy path never takes a write lock on link state itself,
// it instead posts a small message describing what happened and a single
// goroutine drains the channel and applies deltas. This keeps per-request
// lock contention off the critical path, the same shape the teacher uses
// for its own background component loops (a ticker plus a handful of
// channels multiplexed in one select).
package monitor

import (
	"context"
	"time"

	"github.com/sbsd-dev/sbsd-daemon/internal/linktable"
	"github.com/sbsd-dev/sbsd-daemon/internal/selection"
	"github.com/sbsd-dev/sbsd-daemon/internal/stats"
	"github.com/sbsd-dev/sbsd-daemon/pkg/log"
)

// Kind distinguishes the message taxonomy of spec.md §4.3.
type Kind int

const (
	ReportReqRespOK Kind = iota
	ReportReqRespErr
	ReportSendFailed
	ReportReqFailed
	GlobalsAudit
	DoServerHealthCheck
)

// Message is one event posted to the monitor's channel. Not every field
// applies to every Kind; see the Report* constructors.
type Message struct {
	Kind Kind

	Port *linktable.InputPort
	Idx  uint8

	Latency    time.Duration
	RetryCount int
	IsProbe    bool
	Outcome    stats.Outcome
	ErrMsg     string
}

// ReportOK builds a ReportReqRespOK message.
func ReportOK(port *linktable.InputPort, idx uint8, latency time.Duration, retryCount int, isProbe bool) Message {
	return Message{Kind: ReportReqRespOK, Port: port, Idx: idx, Latency: latency, RetryCount: retryCount, IsProbe: isProbe}
}

// ReportErr builds a ReportReqRespErr or ReportSendFailed message depending
// on sendFailed, classified by outcome.
func ReportErr(port *linktable.InputPort, idx uint8, outcome stats.Outcome, isProbe bool, errMsg string, sendFailed bool) Message {
	k := ReportReqRespErr
	if sendFailed {
		k = ReportSendFailed
	}
	return Message{Kind: k, Port: port, Idx: idx, Outcome: outcome, IsProbe: isProbe, ErrMsg: errMsg}
}

// ReportFailed builds a ReportReqFailed message: a request exhausted every
// candidate without a final response, a failure of the request as a whole
// rather than of any one link (spec.md §4.3).
func ReportFailed(port *linktable.InputPort, errMsg string) Message {
	return Message{Kind: ReportReqFailed, Port: port, ErrMsg: errMsg}
}

// Bus is the bounded channel plus single draining goroutine. Capacity
// defaults to 1000 per spec.md §5 Backpressure; overflow drops the
// message (stats are observability, not correctness) and logs at a
// throttled rate.
type Bus struct {
	ch            chan Message
	port          *linktable.InputPort
	subsetSize    int
	probeRequest  func(port *linktable.InputPort, idx uint8)
	drops         int
	lastDropLogAt time.Time
}

// DefaultCapacity is the monitor channel's bound (spec.md §5: "≈1000").
const DefaultCapacity = 1000

// NewBus creates a Bus bound to one network's port. probeRequest is
// called synchronously on the bus goroutine when a
// DoServerHealthCheck message arrives; it is usually
// internal/probe.Scheduler.ProbeNow.
func NewBus(port *linktable.InputPort, subsetSize int, probeRequest func(port *linktable.InputPort, idx uint8)) *Bus {
	return &Bus{
		ch:           make(chan Message, DefaultCapacity),
		port:         port,
		subsetSize:   subsetSize,
		probeRequest: probeRequest,
	}
}

// Post enqueues msg without blocking the caller. A full channel drops the
// message; the hot path must never stall behind the monitor (spec.md §5:
// "Channel send uses try_send on the hot path").
func (b *Bus) Post(msg Message) {
	select {
	case b.ch <- msg:
	default:
		b.drops++
		if time.Since(b.lastDropLogAt) > 5*time.Second {
			log.Logger.Warnw("monitor channel full, dropping stats update", "total_drops", b.drops)
			b.lastDropLogAt = time.Now()
		}
	}
}

// Run drains the channel until ctx is canceled, batching consecutive
// messages that touch the same port under one rebuild of its selection
// vectors rather than recomputing per message.
func (b *Bus) Run(ctx context.Context, auditEvery time.Duration) {
	ticker := time.NewTicker(auditEvery)
	defer ticker.Stop()

	dirty := make(map[*linktable.InputPort]bool)

	flush := func() {
		for port := range dirty {
			v := selection.Compute(port.TargetServers(), b.subsetSize)
			port.SetSelectionVectors(v)
		}
		for port := range dirty {
			delete(dirty, port)
		}
	}

	for {
		select {
		case <-ctx.Done():
			b.drainOnce(dirty)
			flush()
			return

		case <-ticker.C:
			// GlobalsAudit forces a sweep of the bus's own port on every
			// tick regardless of whether anything marked it dirty, so a
			// missed or debounced-away event-driven refresh is always
			// caught within one auditEvery window (spec.md §4.3).
			if b.port != nil {
				b.apply(Message{Kind: GlobalsAudit, Port: b.port}, dirty)
			}
			flush()

		case msg := <-b.ch:
			b.apply(msg, dirty)
			// Opportunistically drain any messages already queued before
			// recomputing vectors, so a burst collapses into one rebuild.
			for drained := true; drained; {
				select {
				case next := <-b.ch:
					b.apply(next, dirty)
				default:
					drained = false
				}
			}
			flush()
		}
	}
}

// drainOnce applies whatever is left in the channel exactly once, used on
// shutdown (spec.md §4.3 Cancellation).
func (b *Bus) drainOnce(dirty map[*linktable.InputPort]bool) {
	for {
		select {
		case msg := <-b.ch:
			b.apply(msg, dirty)
		default:
			return
		}
	}
}

func (b *Bus) apply(msg Message, dirty map[*linktable.InputPort]bool) {
	switch msg.Kind {
	case ReportReqRespOK:
		ts, ok := msg.Port.Get(msg.Idx)
		if !ok {
			return
		}
		cohortBest := cohortBestLatencyMs(msg.Port)
		ts.Stats.RecordSuccess(msg.Latency, msg.RetryCount, msg.IsProbe, cohortBest)
		dirty[msg.Port] = true

	case ReportReqRespErr, ReportSendFailed:
		ts, ok := msg.Port.Get(msg.Idx)
		if !ok {
			return
		}
		ts.Stats.RecordFailure(msg.Outcome, msg.IsProbe, msg.ErrMsg)
		dirty[msg.Port] = true

	case ReportReqFailed:
		// Not attributable to a single link, so only the port-level
		// counter moves; per-candidate ReportSendFailed/ReportReqRespErr
		// messages already recorded each attempt against its own link.
		msg.Port.RecordReqFailed()
		log.Logger.Warnw("request failed across all candidates", "network", msg.Port.WorkdirName, "error", msg.ErrMsg)

	case GlobalsAudit:
		dirty[msg.Port] = true

	case DoServerHealthCheck:
		if b.probeRequest != nil {
			b.probeRequest(msg.Port, msg.Idx)
		}
	}
}

// cohortBestLatencyMs returns the lowest recent average latency across a
// port's links, used to award the health score's best-quartile bonus.
func cohortBestLatencyMs(port *linktable.InputPort) float64 {
	best := 0.0
	first := true
	for _, ts := range port.TargetServers() {
		ms := ts.Stats.AvgLatencyMs()
		if ms <= 0 {
			continue
		}
		if first || ms < best {
			best = ms
			first = false
		}
	}
	return best
}
