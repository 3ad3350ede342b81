package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/sbsd-dev/sbsd-daemon/pkg/log"
)

// handledSignals mirrors the teacher's own signal set minus SIGUSR1 (no
// goroutine-dump facility exists in this daemon) and SIGPIPE (the
// teacher's comment notes it mainly guards against nested-signal CPU
// churn on a platform this daemon does not target).
var handledSignals = []os.Signal{syscall.SIGTERM, syscall.SIGINT}

// handleSignals starts the signal-handling goroutine and returns a
// channel closed once every listener has been given its drain window and
// shut down (spec.md §5: "Graceful shutdown gives the HTTP listener 30s
// to drain in-flight requests").
func handleSignals(ctx context.Context, cancel context.CancelFunc, runtimes []*workdirRuntime, controlSrv *http.Server) chan struct{} {
	sigCh := make(chan os.Signal, 8)
	signal.Notify(sigCh, handledSignals...)

	done := make(chan struct{})
	go func() {
		defer close(done)
		select {
		case s := <-sigCh:
			log.Logger.Infow("received signal, shutting down", "signal", s)
		case <-ctx.Done():
			log.Logger.Infow("shutdown requested")
		}
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownDrain)
		defer shutdownCancel()

		for _, rt := range runtimes {
			if err := rt.server.Shutdown(shutdownCtx); err != nil {
				log.Logger.Warnw("listener shutdown error", "network", rt.net.name, "error", err)
			}
		}
		if err := controlSrv.Shutdown(shutdownCtx); err != nil {
			log.Logger.Warnw("control plane shutdown error", "error", err)
		}
	}()
	return done
}
