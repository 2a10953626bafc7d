// SPDX-License-Identifier: MIT

// Command fovead is the inference server: it accepts camera streams over
// TCP, schedules frames into the detection engine, and returns results to
// each client while exposing an operator HTTP surface.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/benbjohnson/clock"
	"golang.org/x/sync/errgroup"

	"github.com/fovealabs/fovea/internal/api"
	"github.com/fovealabs/fovea/internal/config"
	"github.com/fovealabs/fovea/internal/dispatch"
	"github.com/fovealabs/fovea/internal/engine"
	"github.com/fovealabs/fovea/internal/health"
	"github.com/fovealabs/fovea/internal/ingress"
	"github.com/fovealabs/fovea/internal/log"
	"github.com/fovealabs/fovea/internal/sched"
	"github.com/fovealabs/fovea/internal/transport"
)

var (
	version   = "v0.1.0"
	commit    = "none"
	buildDate = "unknown"
)

// Startup failures exit with distinct codes so process supervisors can tell
// a bad config from a missing model from a busy port.
const (
	exitConfig  = 2
	exitChecks  = 3
	exitEngine  = 4
	exitListen  = 5
	exitRuntime = 1
)

func main() {
	os.Exit(run())
}

func run() int {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "path to config file (YAML)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s (commit: %s, built: %s)\n", version, commit, buildDate)
		return 0
	}

	log.Configure(log.Config{
		Level:   "info",
		Service: "fovea",
		Version: version,
	})
	logger := log.WithComponent("fovead")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.NewLoader(*configPath).Load()
	if err != nil {
		logger.Error().
			Err(err).
			Str(log.FieldEvent, "config.load_failed").
			Str("config_path", *configPath).
			Msg("failed to load configuration")
		return exitConfig
	}
	log.Configure(log.Config{
		Level:   cfg.LogLevel,
		Service: cfg.LogService,
		Version: version,
	})
	logger.Info().
		Str(log.FieldEvent, "config.loaded").
		Str("listen_addr", cfg.ListenAddr).
		Str("api_addr", cfg.APIAddr).
		Str("engine_mode", cfg.Engine.Mode).
		Msg("configuration loaded")

	if err := health.PerformStartupChecks(ctx, cfg); err != nil {
		logger.Error().Err(err).Str(log.FieldEvent, "startup.checks_failed").Msg("startup checks failed")
		return exitChecks
	}

	mgr, err := engine.NewManager(ctx, cfg.Engine)
	if err != nil {
		logger.Error().Err(err).Str(log.FieldEvent, "engine.init_failed").Msg("engine initialization failed")
		return exitEngine
	}
	defer mgr.Close()

	clk := clock.New()
	reg := ingress.NewRegistry(cfg.Pipeline, clk)

	var sinks []dispatch.Sink
	if cfg.OutputDir != "" {
		dirSink, err := dispatch.NewDirSink(cfg.OutputDir)
		if err != nil {
			logger.Error().Err(err).Msg("output sink initialization failed")
			return exitChecks
		}
		sinks = append(sinks, dispatch.NewInstrumentedSink(dirSink, "dir"))
	}
	disp := dispatch.New(cfg.Pipeline, sinks...)

	scheduler := sched.New(cfg.Pipeline, reg, mgr, disp, clk)

	srv := transport.NewServer(cfg.ListenAddr, reg, disp, clk)
	if err := srv.Listen(); err != nil {
		logger.Error().Err(err).Str(log.FieldEvent, "transport.listen_failed").Msg("transport listen failed")
		return exitListen
	}

	hm := health.NewManager(version)
	hm.RegisterChecker(engineChecker(cfg.Engine))
	hm.RegisterChecker(streamsChecker(reg))
	apiSrv := api.NewServer(cfg.APIAddr, reg, hm)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Serve(gctx) })
	g.Go(func() error { return apiSrv.Run(gctx) })
	g.Go(func() error { scheduler.Run(gctx); return nil })
	g.Go(func() error { disp.Run(gctx); return nil })
	g.Go(func() error { reg.RunReaper(gctx); return nil })
	g.Go(func() error { runStats(gctx, cfg, reg, clk); return nil })
	if cfg.Engine.WatchWeights {
		g.Go(func() error { return mgr.Watch(gctx) })
	}

	logger.Info().Str(log.FieldEvent, "fovead.started").Msg("server started")
	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Str(log.FieldEvent, "fovead.failed").Msg("server exited with error")
		return exitRuntime
	}
	logger.Info().Str(log.FieldEvent, "fovead.stopped").Msg("server stopped")
	return 0
}

// runStats logs a periodic operator summary of per-stream queue state.
func runStats(ctx context.Context, cfg config.Config, reg *ingress.Registry, clk clock.Clock) {
	if cfg.Pipeline.StatsInterval <= 0 {
		return
	}
	logger := log.WithComponent("stats")
	ticker := clk.Ticker(cfg.Pipeline.StatsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := reg.Snapshot()
			var depth int
			var received, dropped uint64
			for _, st := range stats {
				depth += st.Depth
				received += st.Received
				dropped += st.Dropped
			}
			logger.Info().
				Int("streams", len(stats)).
				Int("queued", depth).
				Uint64("received", received).
				Uint64("dropped", dropped).
				Str(log.FieldEvent, "pipeline.stats").
				Msg("pipeline stats")
		}
	}
}

// engineChecker verifies the model artifact is still present. The stub
// engine has no artifact and always reports healthy.
func engineChecker(cfg config.EngineConfig) health.Checker {
	return health.CheckerFunc{
		CheckerName: "engine",
		Fn: func(context.Context) health.CheckResult {
			if cfg.Mode != config.EngineProcess {
				return health.CheckResult{Status: health.StatusHealthy}
			}
			if _, err := os.Stat(cfg.ModelPath); err != nil {
				return health.CheckResult{Status: health.StatusUnhealthy, Error: err.Error()}
			}
			return health.CheckResult{Status: health.StatusHealthy}
		},
	}
}

// streamsChecker reports ingress state; informational, never unhealthy.
func streamsChecker(reg *ingress.Registry) health.Checker {
	return health.CheckerFunc{
		CheckerName: "streams",
		Fn: func(context.Context) health.CheckResult {
			return health.CheckResult{
				Status:  health.StatusHealthy,
				Message: fmt.Sprintf("%d streams", len(reg.Snapshot())),
			}
		},
	}
}
