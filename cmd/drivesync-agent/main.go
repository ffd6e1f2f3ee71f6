// Package main is the entry point for the drivesync agent: it assembles the
// engine from configuration, serves the local ops API, and relays sync
// outcomes to the log until it is told to stop.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/roadmate/drivesync/internal/api"
	"github.com/roadmate/drivesync/pkg/engine"
	"github.com/roadmate/drivesync/pkg/observability"
	"github.com/roadmate/drivesync/pkg/syncqueue"
)

var (
	// Version information (set via ldflags during build)
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	var (
		showVersion = flag.Bool("version", false, "Show version information")
		configPath  = flag.String("config", "", "Path to configuration file")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("DriveSync Agent\nVersion: %s\nBuild Time: %s\nGit Commit: %s\n",
			version, buildTime, gitCommit)
		os.Exit(0)
	}

	cfg, err := engine.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	if err := observability.Initialize(cfg.Observability); err != nil {
		log.Fatalf("Failed to initialize observability: %v", err)
	}
	defer func() {
		if err := observability.Shutdown(); err != nil {
			log.Printf("Observability shutdown error: %v", err)
		}
	}()

	logger := observability.DefaultLogger.WithPrefix("agent")
	logger.Info("Starting drivesync agent", map[string]interface{}{
		"version":    version,
		"build_time": buildTime,
		"git_commit": gitCommit,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eng, err := engine.New(ctx, cfg, engine.Deps{
		Logger:  logger,
		Metrics: observability.DefaultMetricsClient,
	})
	if err != nil {
		log.Fatalf("Failed to build engine: %v", err)
	}

	if err := eng.Start(ctx); err != nil {
		log.Fatalf("Failed to start engine: %v", err)
	}

	go logSyncEvents(logger, eng.Events())

	server := api.NewServer(eng, cfg.Agent.ListenAddr)

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start()
	}()

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.Info("Received shutdown signal", map[string]interface{}{
			"signal": sig.String(),
		})
	case err := <-serverErr:
		if err != nil {
			logger.Error("Ops API server error", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Agent.ShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Ops API shutdown error", map[string]interface{}{
			"error": err.Error(),
		})
	}
	if err := eng.Shutdown(shutdownCtx); err != nil {
		logger.Error("Engine shutdown error", map[string]interface{}{
			"error": err.Error(),
		})
	}

	logger.Info("Agent stopped gracefully", nil)
}

// logSyncEvents relays replay outcomes to the log until the engine closes the
// channel. Dead letters are the user-visible sync errors, so they log at
// error level with enough detail to act on.
func logSyncEvents(logger observability.Logger, events <-chan syncqueue.Event) {
	for ev := range events {
		fields := map[string]interface{}{
			"item_id":       ev.Item.ID,
			"resource_type": ev.Item.ResourceType,
			"resource_id":   ev.Item.ResourceID,
			"operation":     string(ev.Item.Operation),
			"retry_count":   ev.Item.RetryCount,
		}
		switch ev.Type {
		case syncqueue.EventDeadLetter:
			fields["error"] = ev.Error
			logger.Error("Sync mutation failed permanently", fields)
		case syncqueue.EventRetryScheduled:
			fields["error"] = ev.Error
			fields["next_attempt_at"] = ev.Item.NextAttemptAt.String()
			logger.Debug("Sync mutation scheduled for retry", fields)
		case syncqueue.EventConfirmed:
			logger.Debug("Sync mutation confirmed", fields)
		}
	}
}
