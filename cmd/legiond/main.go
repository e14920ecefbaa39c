// Package main is the headless runtime daemon. It loads persisted state,
// recovers sessions interrupted by the previous run, and serves the session,
// legion, schedule, and observer services until SIGTERM.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/legionhq/legion/internal/common/config"
	"github.com/legionhq/legion/internal/common/logger"
	"github.com/legionhq/legion/internal/common/tracing"
	"github.com/legionhq/legion/internal/comms"
	"github.com/legionhq/legion/internal/events"
	legionpkg "github.com/legionhq/legion/internal/legion"
	"github.com/legionhq/legion/internal/observer"
	"github.com/legionhq/legion/internal/schedule"
	"github.com/legionhq/legion/internal/session"
	"github.com/legionhq/legion/internal/state"
)

const shutdownTimeout = 30 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting legiond...", zap.String("data_dir", cfg.DataDir))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	provided, busCleanup, err := events.Provide(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize event bus", zap.Error(err))
	}
	defer busCleanup()
	if provided.NATS != nil {
		log.Info("Connected to NATS event bus", zap.String("url", cfg.NATS.URL))
	} else {
		log.Info("Using in-memory event bus")
	}
	eventBus := provided.Bus

	store := state.NewStore(cfg.DataDir, log)
	if err := store.LoadAll(); err != nil {
		log.Fatal("Failed to load persisted state", zap.Error(err))
	}
	log.Info("State loaded",
		zap.Int("projects", len(store.ListProjects())),
		zap.Int("templates", len(store.ListTemplates())))

	mgr := session.NewManager(store, eventBus, cfg, log)
	if err := mgr.Recover(ctx); err != nil {
		log.Fatal("Failed to recover sessions", zap.Error(err))
	}

	router := comms.NewRouter(store, mgr, eventBus, log)

	coord := legionpkg.NewCoordinator(store, mgr, router, log)
	if err := coord.SeedTemplates(); err != nil {
		log.Fatal("Failed to seed minion templates", zap.Error(err))
	}

	sched := schedule.NewScheduler(store, mgr, router, cfg.Scheduler, log)
	if err := sched.Start(ctx); err != nil {
		log.Fatal("Failed to start scheduler", zap.Error(err))
	}

	hub := observer.NewHub(store, mgr, router, eventBus, cfg.Hub, log)
	if err := hub.Start(ctx); err != nil {
		log.Fatal("Failed to start observer hub", zap.Error(err))
	}

	log.Info("legiond ready")

	<-ctx.Done()
	log.Info("Shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// Stop intake first, then drain the runtime, then flush telemetry.
	hub.Stop()
	sched.Stop()
	mgr.Shutdown(shutdownCtx)
	router.Close()

	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Warn("Tracing shutdown failed", zap.Error(err))
	}

	log.Info("legiond stopped")
}
