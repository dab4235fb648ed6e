// Package main — cmd/safeswitchd/main.go
//
// SafeSwitch daemon entrypoint.
//
// Startup sequence:
//  1. Root check — abort if not running as root (the activator invokes
//     switch-to-configuration, which requires it).
//  2. Load and validate config from /etc/safeswitch/config.yaml.
//  3. Initialise structured logger (zap, JSON format).
//  4. Open the per-entity-kind JSON persistence stores.
//  5. Start Prometheus metrics server (127.0.0.1:9092).
//  6. Construct the Activator, Health Prober, ledger and mesh clients.
//  7. Construct the Switch Engine, Watcher Engine, and Fleet Coordinator,
//     reloading any sessions/watchers/proposals persisted from a prior run
//     (sessions and watchers resume; proposals are loaded but not resumed).
//  8. Start the Unix-socket HTTP API listener.
//  9. Register SIGHUP handler for config hot-reload.
// 10. Block on SIGINT/SIGTERM for graceful shutdown.
//
// Shutdown sequence (on SIGINT/SIGTERM):
//  1. Cancel root context (stops the API and metrics listeners).
//  2. Close the Fleet Coordinator, Watcher Engine, and Switch Engine in
//     that order, each draining its in-flight reconcilers.
//  3. Flush the logger.
//  4. Exit 0.
//
// On config validation failure: exit 1 immediately.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/osmoda/safeswitch/internal/activator"
	"github.com/osmoda/safeswitch/internal/api"
	"github.com/osmoda/safeswitch/internal/clock"
	"github.com/osmoda/safeswitch/internal/config"
	"github.com/osmoda/safeswitch/internal/fleet"
	"github.com/osmoda/safeswitch/internal/health"
	"github.com/osmoda/safeswitch/internal/ledger"
	"github.com/osmoda/safeswitch/internal/mesh"
	"github.com/osmoda/safeswitch/internal/observability"
	"github.com/osmoda/safeswitch/internal/persistence"
	"github.com/osmoda/safeswitch/internal/processctl"
	"github.com/osmoda/safeswitch/internal/switchengine"
	"github.com/osmoda/safeswitch/internal/watcher"
)

func main() {
	configPath := flag.String("config", "/etc/safeswitch/config.yaml", "Path to config.yaml")
	version := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *version {
		fmt.Printf("safeswitchd %s (commit=%s built=%s)\n",
			config.Version, config.GitCommit, config.BuildTime)
		os.Exit(0)
	}

	// ── Step 1: Root check ────────────────────────────────────────────────
	if os.Getuid() != 0 {
		fmt.Fprintln(os.Stderr, "FATAL: safeswitchd must run as root (UID 0)")
		os.Exit(1)
	}

	// ── Step 2: Load config ───────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: config load failed: %v\n", err)
		os.Exit(1)
	}

	// ── Step 3: Initialise logger ─────────────────────────────────────────
	log, logLevel, err := buildLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync() //nolint:errcheck

	log.Info("safeswitchd starting",
		zap.String("version", config.Version),
		zap.String("commit", config.GitCommit),
		zap.String("built", config.BuildTime),
		zap.String("node_id", cfg.NodeID),
		zap.String("config", *configPath),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Step 4: Open persistence stores ───────────────────────────────────
	switchStore, err := persistence.Open(filepath.Join(cfg.State.Dir, "switches"), log)
	if err != nil {
		log.Fatal("switch session store open failed", zap.Error(err))
	}
	watcherStore, err := persistence.Open(filepath.Join(cfg.State.Dir, "watchers"), log)
	if err != nil {
		log.Fatal("watcher store open failed", zap.Error(err))
	}
	fleetStore, err := persistence.Open(filepath.Join(cfg.State.Dir, "fleet"), log)
	if err != nil {
		log.Fatal("fleet proposal store open failed", zap.Error(err))
	}

	// ── Step 5: Prometheus metrics ─────────────────────────────────────────
	metrics := observability.NewMetrics()
	go func() {
		if err := metrics.ServeMetrics(ctx, cfg.Observability.MetricsAddr); err != nil {
			log.Error("metrics server error", zap.Error(err))
		}
	}()
	log.Info("metrics server started", zap.String("addr", cfg.Observability.MetricsAddr))

	// ── Step 6: Collaborators ──────────────────────────────────────────────
	realClock := clock.New()
	act := activator.New(cfg.Activation.Program)
	processes := processctl.NewSystemdController()
	prober := health.New(processes).WithMetrics(metrics)
	ledgerClient := ledger.NewSocketClient(cfg.Ledger.SocketPath, log)
	defer ledgerClient.Close()
	meshClient := mesh.NewSocketClient(cfg.Mesh.SocketPath)

	// ── Step 7: Engines ─────────────────────────────────────────────────────
	switchEngine, err := switchengine.New(switchengine.Deps{
		Switcher: act,
		Gate:     act.Gate(),
		Prober:   prober,
		Store:    switchStore,
		Clock:    realClock,
		Log:      log,
		Ledger:   ledgerClient,
		Metrics:  metrics,
		Retain:   cfg.State.RetainTerminal,
	})
	if err != nil {
		log.Fatal("switch engine init failed", zap.Error(err))
	}
	defer switchEngine.Close()

	watcherEngine, err := watcher.New(watcher.Deps{
		Prober:    prober,
		Processes: processes,
		Rollback:  switchEngine,
		Notifier:  &ledger.NotifyAdapter{Client: ledgerClient},
		Store:     watcherStore,
		Clock:     realClock,
		Log:       log,
		Ledger:    ledgerClient,
		Metrics:   metrics,
	})
	if err != nil {
		log.Fatal("watcher engine init failed", zap.Error(err))
	}
	defer watcherEngine.Close()

	fleetCoordinator, err := fleet.New(fleet.Deps{
		SelfID:  cfg.NodeID,
		Local:   switchEngine,
		Mesh:    meshClient,
		Store:   fleetStore,
		Clock:   realClock,
		Log:     log,
		Ledger:  ledgerClient,
		Metrics: metrics,
	})
	if err != nil {
		log.Fatal("fleet coordinator init failed", zap.Error(err))
	}
	defer fleetCoordinator.Close()

	// ── Step 8: API server ────────────────────────────────────────────────
	apiServer := api.New(cfg.API.SocketPath, switchEngine, watcherEngine, fleetCoordinator, log)
	go func() {
		if err := apiServer.ListenAndServe(ctx); err != nil {
			log.Error("api server error", zap.Error(err))
		}
	}()
	log.Info("api server started", zap.String("socket", cfg.API.SocketPath))

	// ── Step 9: SIGHUP hot-reload ──────────────────────────────────────────
	sighup := make(chan os.Signal, 1)
	signal.Notify(sighup, syscall.SIGHUP)
	go func() {
		for range sighup {
			log.Info("SIGHUP received — reloading config...")
			newCfg, err := config.Load(*configPath)
			if err != nil {
				log.Error("config hot-reload failed — retaining old config", zap.Error(err))
				continue
			}
			// Only non-destructive fields take effect without a restart, per
			// config.go's package doc: socket paths, state dir, and node id
			// require a restart. Log level is the one field a running
			// process can actually apply live.
			if lvl, err := zapcore.ParseLevel(newCfg.Observability.LogLevel); err == nil {
				logLevel.SetLevel(lvl)
				log.Info("config hot-reload applied log level", zap.String("level", lvl.String()))
			}
			cfg = newCfg
		}
	}()

	// ── Step 10: Wait for shutdown signal ──────────────────────────────────
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("shutdown signal received", zap.String("signal", sig.String()))

	cancel()
	time.Sleep(200 * time.Millisecond) // let listeners unwind their Shutdown calls

	log.Info("safeswitchd shutdown complete")
}

// buildLogger constructs a zap.Logger with the given level and format, and
// returns the logger's AtomicLevel so the level can be changed at runtime.
func buildLogger(level, format string) (*zap.Logger, zap.AtomicLevel, error) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, zap.AtomicLevel{}, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var cfg zap.Config
	if format == "console" {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	atom := zap.NewAtomicLevelAt(zapLevel)
	cfg.Level = atom

	logger, err := cfg.Build()
	return logger, atom, err
}
