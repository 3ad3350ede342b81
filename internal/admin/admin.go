// Package admin implements the per-workdir configuration controller from
// spec.md §4.5: it watches a workdir's configuration files, merges and
// diffs them, applies the result to the link table without disturbing the
// listener, and serializes every mutation (including control-plane
// originated ones) through a single owning goroutine. Watch uses an
// fsnotify watcher directly.
package admin

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/sbsd-dev/sbsd-daemon/internal/linktable"
	"github.com/sbsd-dev/sbsd-daemon/internal/monitor"
	"github.com/sbsd-dev/sbsd-daemon/internal/selection"
	"github.com/sbsd-dev/sbsd-daemon/internal/workdirconfig"
	"github.com/sbsd-dev/sbsd-daemon/pkg/log"
)

// ErrMutationQueueFull is returned to a control-plane caller when the
// admin controller's mutation channel is saturated (spec.md §5
// Backpressure: "surfaced as a retryable error to the caller").
var ErrMutationQueueFull = errors.New("admin: mutation queue full, retry")

// mutationQueueCapacity bounds the admin controller's channel, smaller
// than the monitor's because mutations are rarer and must never be
// silently dropped.
const mutationQueueCapacity = 32

// debounceWindow is the minimum gap between applied status refreshes
// (spec.md §4.7).
const debounceWindow = 50 * time.Millisecond

// ConfigSources are the three file paths merged in order for a workdir
// (spec.md §4.5): built-in defaults, shared common file, user file.
type ConfigSources struct {
	DefaultsPath string
	CommonPath   string
	UserPath     string
}

// mutation is one serialized request to the owning goroutine.
type mutation struct {
	kind  string
	value any
	reply chan error
}

// Workdir owns one network's configuration lifecycle and its InputPort.
type Workdir struct {
	Idx         int
	Name        string
	Sources     ConfigSources
	Port        *linktable.InputPort
	SubsetSize  int
	DefaultHost string

	bus *monitor.Bus

	mutations         chan mutation
	shutdownRequested chan struct{}

	lastApplied    workdirconfig.Config
	lastRefreshAt  time.Time
	pendingRefresh bool
	refreshTimer   *time.Timer
}

// NewWorkdir creates a Workdir. The returned controller must have Run
// called on it in its own goroutine before mutations are serviced.
func NewWorkdir(idx int, name string, sources ConfigSources, port *linktable.InputPort, bus *monitor.Bus, subsetSize int) *Workdir {
	return &Workdir{
		Idx:               idx,
		Name:              name,
		Sources:           sources,
		Port:              port,
		SubsetSize:        subsetSize,
		DefaultHost:       "0.0.0.0",
		bus:               bus,
		mutations:         make(chan mutation, mutationQueueCapacity),
		shutdownRequested: make(chan struct{}),
	}
}

// ShutdownRequested is closed when a mutation changes the configured port
// number; the supervisor should observe this and restart the process
// (spec.md §4.5: "port-number changes are escalated to a process
// restart").
func (w *Workdir) ShutdownRequested() <-chan struct{} {
	return w.shutdownRequested
}

// Run is the single serialized-mutation task; it must run in its own
// goroutine for the lifetime of the workdir.
func (w *Workdir) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case m := <-w.mutations:
			err := w.apply(ctx, m)
			if m.reply != nil {
				m.reply <- err
			}
		}
	}
}

// enqueue posts a mutation and blocks for its reply, or returns
// ErrMutationQueueFull immediately if the channel is saturated — mutating
// calls must never silently block the caller indefinitely (spec.md §5).
func (w *Workdir) enqueue(kind string, value any) error {
	reply := make(chan error, 1)
	select {
	case w.mutations <- mutation{kind: kind, value: value, reply: reply}:
	default:
		return ErrMutationQueueFull
	}
	return <-reply
}

func (w *Workdir) apply(ctx context.Context, m mutation) error {
	switch m.kind {
	case "reload":
		return w.reload()
	case "command":
		cmd, _ := m.value.(string)
		return w.runCommand(ctx, cmd)
	case "refresh":
		return w.refreshSelection()
	default:
		return fmt.Errorf("admin: unknown mutation kind %q", m.kind)
	}
}

// RequestReload enqueues a configuration reload, blocking until applied.
func (w *Workdir) RequestReload() error {
	return w.enqueue("reload", nil)
}

// RequestCommand enqueues a shell command for execution by the owning
// goroutine (spec.md §4.5 "service control-plane commands (shell exec...)").
func (w *Workdir) RequestCommand(cmd string) error {
	return w.enqueue("command", cmd)
}

// RequestRefresh enqueues a selection-vector refresh, blocking until
// applied. Used by the deferred re-apply refreshSelection schedules when
// it debounces a refresh away.
func (w *Workdir) RequestRefresh() error {
	return w.enqueue("refresh", nil)
}

// reload re-reads and merges the three configuration sources, short-
// circuiting if the merged result is unchanged from the last applied
// configuration (spec.md §4.7).
func (w *Workdir) reload() error {
	defaults, err := loadOptional(w.Sources.DefaultsPath)
	if err != nil {
		return fmt.Errorf("admin: defaults: %w", err)
	}
	common, err := loadOptional(w.Sources.CommonPath)
	if err != nil {
		return fmt.Errorf("admin: common: %w", err)
	}
	user, err := loadOptional(w.Sources.UserPath)
	if err != nil {
		return fmt.Errorf("admin: user: %w", err)
	}

	merged := workdirconfig.Merge(defaults, common, user)
	if w.lastApplied.Equal(merged) {
		return nil
	}

	resolved := merged.Resolve(w.Port.PortNumber, w.DefaultHost)

	portChanged := w.lastApplied.ProxyPortNumber != 0 && resolved.ProxyPortNumber != w.Port.PortNumber
	w.lastApplied = merged

	seen := make(map[string]bool, len(resolved.Links))
	for _, l := range resolved.Links {
		seen[l.Alias] = true
		w.Port.UpsertLink(linktable.LinkConfig{
			Alias:      l.Alias,
			RPCURL:     l.RPC,
			WSURL:      l.WS,
			Selectable: l.Selectable,
			Monitored:  l.Monitored,
			Priority:   l.Priority,
			MaxPerSecs: l.MaxPerSecs,
			MaxPerMin:  l.MaxPerMin,
		})
	}
	for _, alias := range w.Port.AliasesSortedByIndex() {
		if !seen[alias] {
			w.Port.RemoveLink(alias)
		}
	}

	w.Port.ProxyEnabled = resolved.ProxyEnabled
	w.Port.UserRequestStart = resolved.UserRequestStart

	if err := w.refreshSelection(); err != nil {
		return err
	}

	if portChanged {
		close(w.shutdownRequested)
	}
	return nil
}

func loadOptional(path string) (workdirconfig.Config, error) {
	if path == "" {
		return workdirconfig.Config{}, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return workdirconfig.Config{}, nil
	}
	if err != nil {
		return workdirconfig.Config{}, err
	}
	return workdirconfig.Parse(data)
}

// refreshSelection recomputes and installs the port's selection vectors,
// debounced to no more than once per debounceWindow (spec.md §4.7). A
// call that lands inside the window doesn't just mark pendingRefresh and
// return — it schedules a deferred RequestRefresh for when the window
// closes, the same time.AfterFunc/timer.Reset shape Watch uses for its
// own debounce, so a refresh debounced away is guaranteed to be re-applied
// rather than silently dropped until unrelated traffic happens to mark
// the port dirty again.
func (w *Workdir) refreshSelection() error {
	now := time.Now()
	elapsed := now.Sub(w.lastRefreshAt)
	if elapsed < debounceWindow {
		w.pendingRefresh = true
		remaining := debounceWindow - elapsed
		if w.refreshTimer == nil {
			w.refreshTimer = time.AfterFunc(remaining, func() {
				if err := w.RequestRefresh(); err != nil {
					log.Logger.Warnw("debounced selection refresh failed", "workdir", w.Name, "error", err)
				}
			})
		} else {
			w.refreshTimer.Reset(remaining)
		}
		return nil
	}
	w.lastRefreshAt = now
	w.pendingRefresh = false
	v := selection.Compute(w.Port.TargetServers(), w.SubsetSize)
	w.Port.SetSelectionVectors(v)
	return nil
}

// runCommand executes cmd via the shell, logging output; spec.md leaves
// the exact command surface to the external workdir collaborator, so this
// only provides the serialized execution primitive the control plane's
// workdirCommand method needs.
func (w *Workdir) runCommand(ctx context.Context, cmd string) error {
	if cmd == "" {
		return fmt.Errorf("admin: empty command")
	}
	execCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	out, err := exec.CommandContext(execCtx, "sh", "-c", cmd).CombinedOutput()
	if err != nil {
		log.Logger.Warnw("workdir command failed", "workdir", w.Name, "cmd", cmd, "error", err, "output", string(out))
		return fmt.Errorf("admin: command failed: %w", err)
	}
	log.Logger.Debugw("workdir command ok", "workdir", w.Name, "cmd", cmd)
	return nil
}

// WatchOptions configures the filesystem watcher for one workdir's
// directory tree.
type WatchOptions struct {
	Dir string
}

// Watch starts an fsnotify watch over opts.Dir, debouncing bursts of
// events into a single RequestReload call no more often than
// debounceWindow. It runs until ctx is canceled.
func (w *Workdir) Watch(ctx context.Context, opts WatchOptions) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("admin: fsnotify: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(opts.Dir); err != nil {
		return fmt.Errorf("admin: watch %s: %w", opts.Dir, err)
	}

	var timer *time.Timer
	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if timer == nil {
				timer = time.AfterFunc(debounceWindow, func() {
					if err := w.RequestReload(); err != nil {
						log.Logger.Warnw("debounced reload failed", "workdir", w.Name, "error", err)
					}
				})
			} else {
				timer.Reset(debounceWindow)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Logger.Warnw("fsnotify watch error", "workdir", w.Name, "error", err)
		}
	}
}
