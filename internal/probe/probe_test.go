package probe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sbsd-dev/sbsd-daemon/internal/linktable"
	"github.com/sbsd-dev/sbsd-daemon/internal/monitor"
)

func TestProbeNowRecordsSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "1", r.Header.Get(ProbeHeader))
		w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":"42"}`))
	}))
	defer srv.Close()

	port := linktable.NewInputPort(0, "localnet", 44340)
	idx, _ := port.UpsertLink(linktable.LinkConfig{Alias: "mock-0", RPCURL: srv.URL, Monitored: true})

	bus := monitor.NewBus(port, 2, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go bus.Run(ctx, time.Hour)

	sched := NewScheduler(port, bus)
	sched.ProbeNow(port, idx)

	require.Eventually(t, func() bool {
		ts, _ := port.Get(idx)
		return ts.Stats.Snapshot().NProbeSuccess == 1
	}, time.Second, 5*time.Millisecond)
}

func TestProbeNowRecordsFailureOnNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	port := linktable.NewInputPort(0, "localnet", 44340)
	idx, _ := port.UpsertLink(linktable.LinkConfig{Alias: "mock-0", RPCURL: srv.URL, Monitored: true})

	bus := monitor.NewBus(port, 2, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go bus.Run(ctx, time.Hour)

	sched := NewScheduler(port, bus)
	sched.ProbeNow(port, idx)

	require.Eventually(t, func() bool {
		ts, _ := port.Get(idx)
		return ts.Stats.Snapshot().NProbeFail == 1
	}, time.Second, 5*time.Millisecond)
}

func TestSweepRespectsHealthyInterval(t *testing.T) {
	port := linktable.NewInputPort(0, "localnet", 44340)
	idx, _ := port.UpsertLink(linktable.LinkConfig{Alias: "mock-0", RPCURL: "http://unused", Monitored: true})
	ts, _ := port.Get(idx)
	for i := 0; i < 15; i++ {
		ts.Stats.RecordSuccess(time.Millisecond, 0, false, 0)
	}
	require.True(t, ts.Stats.IsHealthy())

	bus := monitor.NewBus(port, 2, nil)
	sched := NewScheduler(port, bus)

	now := time.Now()
	assert.True(t, sched.isDue(idx, now, true), "first sweep should always be due")
	assert.False(t, sched.isDue(idx, now.Add(time.Second), true), "a healthy link should not be due again within 15s")
	assert.True(t, sched.isDue(idx, now.Add(HealthyInterval+time.Second), true))
}
