package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fetchd/fetchd/config"
	"github.com/fetchd/fetchd/events"
	"github.com/fetchd/fetchd/log"
	"github.com/fetchd/fetchd/orchestrator"
	"github.com/fetchd/fetchd/progress"
	"github.com/fetchd/fetchd/queue"
	"github.com/fetchd/fetchd/server"
	"github.com/fetchd/fetchd/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		os.Stderr.WriteString("config: " + err.Error() + "\n")
		os.Exit(1)
	}
	logger := log.New(cfg.Verbose)

	ctx := context.Background()

	// Durable job projection: shared database when configured, process
	// memory otherwise
	var st store.Store
	if cfg.DatabaseURL != "" {
		pg, err := store.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Error("database unavailable", "error", err)
			os.Exit(1)
		}
		st = pg
		logger.Info("using postgres job store")
	} else {
		st = store.NewMemoryStore()
		logger.Info("using in-memory job store")
	}
	defer st.Close()

	broker, err := queue.NewBroker(cfg.QueueDir(), queue.Options{
		Capacity: cfg.MaxConcurrentJobs,
	}, logger)
	if err != nil {
		logger.Error("broker init failed", "error", err)
		os.Exit(1)
	}
	if err := broker.Load(); err != nil {
		logger.Warn("queue restore failed", "error", err)
	}

	bus := events.NewBus(events.DefaultBufferSize)
	pipeline := progress.NewPipeline(st, bus, cfg.ProgressThrottle, logger)

	orch := orchestrator.New(cfg, st, broker, bus, pipeline, nil, logger)
	if err := orch.Start(ctx); err != nil {
		logger.Error("orchestrator start failed", "error", err)
		os.Exit(1)
	}

	srv := server.NewServer(cfg, orch, bus, logger)
	srv.Start()

	logger.Info("fetchd started", "slots", cfg.MaxConcurrentJobs, "data_dir", cfg.DataDir)

	// Wait for termination signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down gracefully")
	srv.Shutdown(10 * time.Second)
	orch.Stop()
}
