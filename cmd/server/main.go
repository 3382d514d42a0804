package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/opentracing/opentracing-go"
	"github.com/spf13/afero"

	"swarmq/internal/api"
	"swarmq/internal/api/middleware"
	"swarmq/internal/config"
	"swarmq/internal/connection"
	"swarmq/internal/hashing"
	"swarmq/internal/queue"
	"swarmq/pkg/logger"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(os.Getenv("SWARMQ_CONFIG"))
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	log := logger.NewLogger(cfg.LogLevel)
	fs := afero.NewOsFs()

	hasher, err := hashing.NewService(fs, logger.Component(log, "hashing"), cfg.TreeCacheSize, cfg.HashWorkers)
	if err != nil {
		return fmt.Errorf("failed to create hash service: %w", err)
	}
	defer hasher.Close()

	conns, err := connection.NewManager(cfg, logger.Component(log, "connection"), connection.NewLogTransport(log))
	if err != nil {
		return fmt.Errorf("failed to create connection manager: %w", err)
	}
	defer conns.Close()

	queueManager, err := queue.NewManager(cfg, logger.Component(log, "queue"), queue.Services{
		Fs:          fs,
		Hasher:      hasher,
		Connections: conns,
		Partial:     conns,
	})
	if err != nil {
		return fmt.Errorf("failed to create queue manager: %w", err)
	}
	defer queueManager.Close()

	if err := queueManager.LoadQueue(); err != nil {
		return fmt.Errorf("failed to load queue: %w", err)
	}

	var tracer opentracing.Tracer
	if cfg.TracingEnabled {
		t, closer, err := middleware.InitTracer("swarmq")
		if err != nil {
			return fmt.Errorf("failed to initialize tracer: %w", err)
		}
		defer closer.Close()
		opentracing.SetGlobalTracer(t)
		tracer = t
	}

	router := api.NewRouter(cfg, log, queueManager, tracer)
	server := api.NewServer(cfg, router)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info().Str("port", cfg.Port).Msg("Server started")
	if err := api.RunServer(ctx, server, cfg.ShutdownTimeout); err != nil {
		return fmt.Errorf("server failed: %w", err)
	}
	log.Info().Msg("Shut down gracefully")
	return nil
}
