package monitor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sbsd-dev/sbsd-daemon/internal/linktable"
	"github.com/sbsd-dev/sbsd-daemon/internal/stats"
)

func TestBusAppliesSuccessAndRebuildsVectors(t *testing.T) {
	port := linktable.NewInputPort(0, "localnet", 44340)
	idx, _ := port.UpsertLink(linktable.LinkConfig{Alias: "mock-0", Selectable: true, Monitored: true})

	bus := NewBus(port, 2, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go bus.Run(ctx, time.Hour)

	for i := 0; i < 15; i++ {
		bus.Post(ReportOK(port, idx, 5*time.Millisecond, 0, false))
	}

	require.Eventually(t, func() bool {
		ts, _ := port.Get(idx)
		return ts.Stats.IsHealthy()
	}, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		return len(port.SelectionVectors().LoadBalancing) == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
}

func TestBusDropsOnFullChannelWithoutBlocking(t *testing.T) {
	port := linktable.NewInputPort(0, "localnet", 44340)
	idx, _ := port.UpsertLink(linktable.LinkConfig{Alias: "mock-0"})

	bus := &Bus{ch: make(chan Message, 1)}
	bus.Post(ReportOK(port, idx, time.Millisecond, 0, false))
	// Second post must return immediately rather than block even though
	// nothing is draining the channel.
	done := make(chan struct{})
	go func() {
		bus.Post(ReportOK(port, idx, time.Millisecond, 0, false))
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Post blocked on a full channel")
	}
	assert.Equal(t, 1, bus.drops)
}

func TestProbeRequestInvokedOnHealthCheckMessage(t *testing.T) {
	port := linktable.NewInputPort(0, "localnet", 44340)
	idx, _ := port.UpsertLink(linktable.LinkConfig{Alias: "mock-0"})

	called := make(chan uint8, 1)
	bus := NewBus(port, 2, func(p *linktable.InputPort, i uint8) { called <- i })
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go bus.Run(ctx, time.Hour)

	bus.Post(Message{Kind: DoServerHealthCheck, Port: port, Idx: idx})
	select {
	case got := <-called:
		assert.Equal(t, idx, got)
	case <-time.After(time.Second):
		t.Fatal("probe request was not invoked")
	}
}

func TestReportReqFailedIncrementsPortCounterNotLinkStats(t *testing.T) {
	port := linktable.NewInputPort(0, "localnet", 44340)
	idx, _ := port.UpsertLink(linktable.LinkConfig{Alias: "mock-0"})

	bus := NewBus(port, 2, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go bus.Run(ctx, time.Hour)

	bus.Post(ReportFailed(port, "no candidate responded"))

	require.Eventually(t, func() bool {
		return port.ReqFailedTotal() == 1
	}, time.Second, 5*time.Millisecond)

	ts, _ := port.Get(idx)
	assert.Zero(t, ts.Stats.Snapshot().NRequests, "a request-level failure must not be attributed to any one link's stats")
}

func TestGlobalsAuditTickSweepsEvenWithoutNewReports(t *testing.T) {
	port := linktable.NewInputPort(0, "localnet", 44340)
	idx, _ := port.UpsertLink(linktable.LinkConfig{Alias: "mock-0", Selectable: true, Monitored: true})
	ts, _ := port.Get(idx)
	ts.Stats.RecordSuccess(time.Millisecond, 0, false, 0)

	bus := NewBus(port, 2, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go bus.Run(ctx, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		return len(port.SelectionVectors().LoadBalancing) == 1
	}, time.Second, 5*time.Millisecond, "the periodic audit tick must sweep the port even absent any posted message")
}

func TestReportReqRespErrAppliesFailureOutcome(t *testing.T) {
	port := linktable.NewInputPort(0, "localnet", 44340)
	idx, _ := port.UpsertLink(linktable.LinkConfig{Alias: "mock-0"})

	bus := NewBus(port, 2, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go bus.Run(ctx, time.Hour)

	bus.Post(ReportErr(port, idx, stats.OutcomeFailNetworkDown, false, "boom", false))

	require.Eventually(t, func() bool {
		ts, _ := port.Get(idx)
		return ts.Stats.Snapshot().NFailNetworkDown == 1
	}, time.Second, 5*time.Millisecond)
}
