// Package main contains the entrypoint for the bot platform service.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/meridianchat/botcore/internal/app"
	"github.com/meridianchat/botcore/internal/config"
	"github.com/meridianchat/botcore/internal/database"
	"github.com/meridianchat/botcore/internal/dispatch"
	"github.com/meridianchat/botcore/internal/envelope"
	"github.com/meridianchat/botcore/internal/fanout"
	"github.com/meridianchat/botcore/internal/fsm"
	"github.com/meridianchat/botcore/internal/ingest"
	"github.com/meridianchat/botcore/internal/logger"
	"github.com/meridianchat/botcore/internal/server"
	"github.com/meridianchat/botcore/internal/state"
	"github.com/meridianchat/botcore/internal/webhook"

	_ "modernc.org/sqlite"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	exitCode := run(ctx)
	stop()
	os.Exit(exitCode)
}

// run initializes all components (config, logger, db, store, dispatcher,
// webhook engine, conversation engine, HTTP server, scheduler), starts the
// orchestrator, and returns an exit code.
func run(ctx context.Context) int {
	configPath := flag.String("config", "./config.yaml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		slog.Error("Failed to load configuration", "path", *configPath, "error", err)
		return 1
	}

	log := logger.NewLogger(cfg.Logger.Level, cfg.Logger.JSON)
	slog.SetDefault(log)
	log.Info("Logger initialized", "level", cfg.Logger.Level, "json", cfg.Logger.JSON)

	db, err := database.NewDB(cfg.Database.Path)
	if err != nil {
		log.Error("Failed to connect to database", "path", cfg.Database.Path, "error", err)
		return 1
	}
	defer database.CloseDB(db)
	store := database.NewStore(db, log)

	resolver := envelope.IdentityResolver{}
	states := state.NewMemoryStore()
	broadcaster := fanout.NewLogBroadcaster(log)

	dispatcher := dispatch.NewDispatcher(store, resolver, log, cfg.LongPoll)
	engine := fsm.NewEngine(store, states, broadcaster, log)
	ingestor := ingest.NewIngestor(store, engine, log)
	deliveryEngine := webhook.NewEngine(store, resolver, nil, log, cfg.Webhook)

	sched, err := app.NewScheduler(log)
	if err != nil {
		log.Error("Failed to create scheduler", "error", err)
		return 1
	}
	if err := sched.AddIntervalTask("webhook_delivery_scan", cfg.Webhook.ScanInterval, deliveryEngine.Scan); err != nil {
		log.Error("Failed to schedule webhook delivery scan", "error", err)
		return 1
	}

	srv := server.New(store, dispatcher, ingestor, states, broadcaster, log, cfg.Server)
	application := app.NewApp(log, cfg, srv.HTTPServer(), sched)

	log.Info("Starting bot platform...")
	runErr := application.Run(ctx)

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		log.Error("Service stopped due to error", "error", runErr)
		return 1
	}

	log.Info("Service stopped gracefully.")
	return 0
}
