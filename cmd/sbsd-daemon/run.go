package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gin-contrib/requestid"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/sbsd-dev/sbsd-daemon/internal/admin"
	"github.com/sbsd-dev/sbsd-daemon/internal/controlplane"
	"github.com/sbsd-dev/sbsd-daemon/internal/linktable"
	"github.com/sbsd-dev/sbsd-daemon/internal/metrics"
	"github.com/sbsd-dev/sbsd-daemon/internal/mockserver"
	"github.com/sbsd-dev/sbsd-daemon/internal/monitor"
	"github.com/sbsd-dev/sbsd-daemon/internal/probe"
	"github.com/sbsd-dev/sbsd-daemon/internal/proxy"
	"github.com/sbsd-dev/sbsd-daemon/pkg/log"
)

// network is one conventional per-network listener (spec.md §6): a fixed
// index/name/port triple the daemon always knows about even before any
// configuration file has been read.
type network struct {
	idx  int
	name string
	port uint16
}

// defaultNetworks are the four conventional networks and their ports
// (spec.md §6: "conventional defaults 44340 localnet, 44341 devnet,
// 44342 testnet, 44343 mainnet").
var defaultNetworks = []network{
	{0, "localnet", 44340},
	{1, "devnet", 44341},
	{2, "testnet", 44342},
	{3, "mainnet", 44343},
}

// auditInterval is how often the monitor's GLOBALS_AUDIT tick fires
// (spec.md §4.3), driving a periodic selection-vector sweep independent
// of traffic.
const auditInterval = 5 * time.Second

// probeTick is the scheduler's sweep granularity; individual links are
// only actually probed once their own next-due time elapses (spec.md
// §4.2), so this just bounds how promptly a newly-due link is noticed.
const probeTick = 2 * time.Second

// shutdownDrain is how long the HTTP listeners are given to finish
// in-flight requests on shutdown (spec.md §5).
const shutdownDrain = 30 * time.Second

// workdirRuntime bundles everything cmdRun starts for one network.
type workdirRuntime struct {
	net       network
	port      *linktable.InputPort
	bus       *monitor.Bus
	wd        *admin.Workdir
	scheduler *probe.Scheduler
	server    *http.Server
}

func cmdRun(c *cli.Context) error {
	zapLvl, err := log.ParseLogLevel(logLevel)
	if err != nil {
		return err
	}
	logger, err := log.CreateLogger(zapLvl, logFile)
	if err != nil {
		return err
	}
	log.Logger = logger

	if zapLvl > zapcore.DebugLevel {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	selected := defaultNetworks
	if names := networks.Value(); len(names) > 0 {
		selected = selected[:0]
		for _, n := range defaultNetworks {
			for _, want := range names {
				if n.name == want {
					selected = append(selected, n)
				}
			}
		}
	}
	if len(selected) == 0 {
		return fmt.Errorf("sbsd-daemon: no matching networks in --networks %v", networks.Value())
	}

	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	mocks := mockserver.NewRegistry()
	defer mocks.CloseAll()

	cpServer := controlplane.NewServer(mocks)
	metricsReg := prometheus.NewRegistry()
	collector := metrics.NewCollector(metricsReg)

	// Each selected network's workdir is independent at startup (its own
	// InputPort, bus, and listener), so the synchronous setup work
	// (building the table, doing the initial config load) runs
	// concurrently via errgroup rather than one network blocking the
	// next. The long-lived background goroutines each startWorkdir
	// spawns are still rooted at rootCtx, not the errgroup's own context,
	// since errgroup cancels its context as soon as Wait returns.
	runtimes := make([]*workdirRuntime, len(selected))
	var g errgroup.Group
	for i, n := range selected {
		i, n := i, n
		g.Go(func() error {
			rt, err := startWorkdir(rootCtx, n)
			if err != nil {
				return fmt.Errorf("start %s: %w", n.name, err)
			}
			runtimes[i] = rt
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		rootCancel()
		return fmt.Errorf("sbsd-daemon: %w", err)
	}

	for _, rt := range runtimes {
		cpServer.Bind(controlplane.NewBinding(rt.wd))
		log.Logger.Infow("network listening", "network", rt.net.name, "port", rt.net.port)

		go func(rt *workdirRuntime) {
			select {
			case <-rt.wd.ShutdownRequested():
				// spec.md §4.5: a port-number change is escalated to a
				// process restart rather than handled in place.
				log.Logger.Warnw("port number changed, requesting restart", "network", rt.net.name)
				rootCancel()
			case <-rootCtx.Done():
			}
		}(rt)
	}

	controlSrv := startControlPlane(cpServer, metricsReg, controlPort)
	go func() {
		for {
			select {
			case <-rootCtx.Done():
				return
			case <-time.After(auditInterval):
				for _, rt := range runtimes {
					collector.Refresh(rt.net.name, rt.port)
				}
			}
		}
	}()

	done := handleSignals(rootCtx, rootCancel, runtimes, controlSrv)

	log.Logger.Infow("sbsd-daemon started", "networks", len(runtimes), "control_port", controlPort)
	<-done
	return nil
}

// startWorkdir wires one network's InputPort, bus, admin controller,
// proxy listener, and probe scheduler, and performs the initial
// configuration load before returning.
func startWorkdir(ctx context.Context, n network) (*workdirRuntime, error) {
	port := linktable.NewInputPort(n.idx, n.name, n.port)

	var sched *probe.Scheduler
	bus := monitor.NewBus(port, subsetSize, func(p *linktable.InputPort, idx uint8) {
		if sched != nil {
			sched.ProbeNow(p, idx)
		}
	})
	sched = probe.NewScheduler(port, bus)

	dir := filepath.Join(workdirRoot, n.name)
	sources := admin.ConfigSources{
		CommonPath: filepath.Join(workdirRoot, "common.yaml"),
		UserPath:   filepath.Join(dir, "sbsd-daemon.yaml"),
	}
	wd := admin.NewWorkdir(n.idx, n.name, sources, port, bus, subsetSize)

	go bus.Run(ctx, auditInterval)
	go wd.Run(ctx)
	go sched.Run(ctx, probeTick)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create workdir %s: %w", dir, err)
	}
	if err := wd.RequestReload(); err != nil {
		log.Logger.Warnw("initial config load failed, running with no links", "network", n.name, "error", err)
	}
	go func() {
		if err := wd.Watch(ctx, admin.WatchOptions{Dir: dir}); err != nil {
			log.Logger.Warnw("fsnotify watch exited", "network", n.name, "error", err)
		}
	}()

	handler := proxy.NewHandler(port, bus)
	engine := gin.New()
	engine.Use(requestid.New())
	engine.Use(ginzap.Ginzap(log.Logger.Desugar(), time.RFC3339, true))
	engine.Use(ginzap.RecoveryWithZap(log.Logger.Desugar(), true))
	engine.NoRoute(handler.Handle)
	engine.NoMethod(handler.Handle)

	srv := &http.Server{
		Addr:    fmt.Sprintf("0.0.0.0:%d", n.port),
		Handler: engine,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Logger.Errorw("network listener stopped", "network", n.name, "error", err)
		}
	}()

	return &workdirRuntime{net: n, port: port, bus: bus, wd: wd, scheduler: sched, server: srv}, nil
}

// startControlPlane starts the loopback-bound JSON-RPC control listener
// (spec.md §6: "one HTTP JSON-RPC control port ... on loopback").
func startControlPlane(cpServer *controlplane.Server, metricsReg *prometheus.Registry, controlPort int) *http.Server {
	engine := gin.New()
	engine.Use(requestid.New())
	engine.Use(ginzap.Ginzap(log.Logger.Desugar(), time.RFC3339, true))
	engine.Use(ginzap.RecoveryWithZap(log.Logger.Desugar(), true))
	engine.POST("/rpc", cpServer.Handle)
	engine.GET("/healthz", cpServer.Healthz)
	engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(metricsReg, promhttp.HandlerOpts{})))

	srv := &http.Server{
		Addr:    fmt.Sprintf("127.0.0.1:%d", controlPort),
		Handler: engine,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Logger.Errorw("control plane listener stopped", "error", err)
		}
	}()
	return srv
}
