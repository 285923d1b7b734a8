package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dvloznov/billscan/internal/app"
	"github.com/dvloznov/billscan/internal/config"
	"github.com/dvloznov/billscan/internal/logger"
)

func main() {
	cfg := config.Load()
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat)

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}
	// The in-memory queue cannot be reached from another process.
	if cfg.QueueBackend != "rabbitmq" {
		log.Fatal().Str("queue_backend", cfg.QueueBackend).Msg("Worker requires QUEUE_BACKEND=rabbitmq")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	application, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize components")
	}
	defer application.Close()

	jobQueue, err := application.NewQueue()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect job queue")
	}

	log.Info().Int("workers", cfg.WorkerCount).Msg("Starting worker service")

	if err := jobQueue.Start(ctx, application.JobHandler()); err != nil {
		log.Fatal().Err(err).Msg("Failed to start job consumer")
	}

	log.Info().Msg("Worker service started, waiting for jobs...")

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down worker service...")

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// Stop the queue and wait for in-flight jobs
	if err := jobQueue.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Error during graceful shutdown")
	}

	if err := jobQueue.Close(); err != nil {
		log.Error().Err(err).Msg("Failed to close job queue")
	}

	log.Info().Msg("Worker service exited")
}
