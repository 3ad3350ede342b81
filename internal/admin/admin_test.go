package admin

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sbsd-dev/sbsd-daemon/internal/linktable"
	"github.com/sbsd-dev/sbsd-daemon/internal/monitor"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func newTestWorkdir(t *testing.T, userYAML string) (*Workdir, context.CancelFunc) {
	t.Helper()
	dir := t.TempDir()
	userPath := writeFile(t, dir, "user.yaml", userYAML)

	port := linktable.NewInputPort(0, "localnet", 44340)
	bus := monitor.NewBus(port, 2, nil)
	w := NewWorkdir(0, "localnet", ConfigSources{UserPath: userPath}, port, bus, 2)

	ctx, cancel := context.WithCancel(context.Background())
	go w.Run(ctx)
	return w, cancel
}

func TestReloadAppliesLinks(t *testing.T) {
	w, cancel := newTestWorkdir(t, `
proxy_enabled: true
links:
  - alias: mock-0
    rpc: http://localhost:9000
`)
	defer cancel()

	require.NoError(t, w.RequestReload())
	ts, ok := w.Port.GetByAlias("mock-0")
	require.True(t, ok)
	assert.Equal(t, "http://localhost:9000", ts.Config.RPCURL)
	assert.True(t, w.Port.ProxyEnabled)
}

func TestReloadIsNoOpWhenConfigUnchanged(t *testing.T) {
	w, cancel := newTestWorkdir(t, `
links:
  - alias: mock-0
    rpc: http://localhost:9000
`)
	defer cancel()

	require.NoError(t, w.RequestReload())
	ts, _ := w.Port.GetByAlias("mock-0")
	firstStats := ts.Stats

	require.NoError(t, w.RequestReload())
	ts2, _ := w.Port.GetByAlias("mock-0")
	assert.Same(t, firstStats, ts2.Stats, "a no-op reload must not recreate the link's stats object")
}

func TestReloadRemovesDroppedLinks(t *testing.T) {
	dir := t.TempDir()
	userPath := filepath.Join(dir, "user.yaml")
	port := linktable.NewInputPort(0, "localnet", 44340)
	bus := monitor.NewBus(port, 2, nil)
	w := NewWorkdir(0, "localnet", ConfigSources{UserPath: userPath}, port, bus, 2)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	os.WriteFile(userPath, []byte("links:\n  - alias: mock-0\n    rpc: http://a\n  - alias: mock-1\n    rpc: http://b\n"), 0o644)
	require.NoError(t, w.RequestReload())
	_, ok := w.Port.GetByAlias("mock-1")
	require.True(t, ok)

	os.WriteFile(userPath, []byte("links:\n  - alias: mock-0\n    rpc: http://a\n"), 0o644)
	require.NoError(t, w.RequestReload())
	_, ok = w.Port.GetByAlias("mock-1")
	assert.False(t, ok, "a link dropped from configuration must be removed from the table")
}

func TestMutationQueueFullReturnsRetryableError(t *testing.T) {
	port := linktable.NewInputPort(0, "localnet", 44340)
	bus := monitor.NewBus(port, 2, nil)
	w := NewWorkdir(0, "localnet", ConfigSources{}, port, bus, 2)
	// No Run goroutine started: the channel will fill and the next send
	// must return ErrMutationQueueFull rather than block forever.
	for i := 0; i < mutationQueueCapacity; i++ {
		w.mutations <- mutation{kind: "noop"}
	}
	err := w.enqueue("noop", nil)
	assert.ErrorIs(t, err, ErrMutationQueueFull)
}

func TestRunCommandExecutesShell(t *testing.T) {
	w, cancel := newTestWorkdir(t, "links: []\n")
	defer cancel()
	require.NoError(t, w.RequestCommand("true"))
	assert.Error(t, w.RequestCommand("false"))
}

func TestDebounceCollapsesRapidRefreshesButStillApplies(t *testing.T) {
	port := linktable.NewInputPort(0, "localnet", 44340)
	bus := monitor.NewBus(port, 2, nil)
	w := NewWorkdir(0, "localnet", ConfigSources{}, port, bus, 2)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	// First refresh applies immediately (no prior refresh to debounce
	// against) against an empty table.
	require.NoError(t, w.RequestRefresh())
	assert.Empty(t, port.SelectionVectors().LoadBalancing)

	// A healthy link appears, then a second refresh lands inside the
	// debounce window and is deferred rather than applied immediately.
	idx, _ := port.UpsertLink(linktable.LinkConfig{Alias: "mock-0", Selectable: true, Monitored: true})
	ts, _ := port.Get(idx)
	ts.Stats.RecordSuccess(time.Millisecond, 0, false, 0)
	require.NoError(t, w.RequestRefresh())
	assert.Empty(t, port.SelectionVectors().LoadBalancing, "a debounced refresh must not apply before the window closes")

	require.Eventually(t, func() bool {
		return len(port.SelectionVectors().LoadBalancing) == 1
	}, time.Second, 5*time.Millisecond, "a refresh debounced away must still be applied once the window closes, not dropped")
}
