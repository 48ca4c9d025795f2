package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/camuig/arena-trader/internal/app"
	"github.com/camuig/arena-trader/internal/config"
	"github.com/camuig/arena-trader/internal/logger"
	"github.com/camuig/arena-trader/internal/scheduler"
	"github.com/camuig/arena-trader/internal/web"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	dbPath := flag.String("db", "", "path to SQLite database (overrides database.path)")
	runNow := flag.Bool("run-now", false, "run one trading cycle immediately on start")
	flag.Parse()

	// Load config
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}
	if *dbPath != "" {
		cfg.Database.Path = *dbPath
	}

	// Init logger
	log := logger.New(cfg.Logging.Level)
	log.Info("starting arena-trader",
		"agents", len(cfg.Agents), "universe", len(cfg.Universe), "provider", cfg.Market.Provider)

	a, err := app.New(cfg, log)
	if err != nil {
		log.Error("init failed", "error", err)
		os.Exit(1)
	}

	// Context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if _, err := a.SeedAgents(ctx); err != nil {
		log.Error("seed agents failed", "error", err)
		os.Exit(1)
	}

	sched := scheduler.NewScheduler(cfg, a.Orchestrator, a.Clock, a.Notifier, log)
	if err := sched.Start(ctx); err != nil {
		log.Error("scheduler start failed", "error", err)
		os.Exit(1)
	}
	if cfg.Sync.Enabled {
		a.Reconciler.Start(ctx)
	}

	webServer := web.NewServer(cfg.Web.Port, a.Repo, a.Locks, a.Orchestrator, a.Reconciler, log)
	go func() {
		if err := webServer.Start(); err != nil {
			log.Error("web server error", "error", err)
		}
	}()

	if *runNow {
		go sched.Tick(ctx)
	}

	a.Notifier.NotifyStatus(fmt.Sprintf("🤖 Arena started: %d agents, schedule %s", len(cfg.Agents), cfg.Trading.Schedule))

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("shutdown signal received", "signal", sig.String())

	// Graceful shutdown
	cancel()
	sched.Stop()
	a.Reconciler.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := webServer.Shutdown(shutdownCtx); err != nil {
		log.Error("web server shutdown error", "error", err)
	}

	if err := a.Close(); err != nil {
		log.Error("broker shutdown error", "error", err)
	}

	a.Notifier.NotifyStatus("🛑 Arena stopped")
	log.Info("arena-trader stopped")
}
