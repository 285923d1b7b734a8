package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dvloznov/billscan/internal/api"
	"github.com/dvloznov/billscan/internal/api/middleware"
	"github.com/dvloznov/billscan/internal/app"
	"github.com/dvloznov/billscan/internal/config"
	"github.com/dvloznov/billscan/internal/logger"
	"github.com/dvloznov/billscan/internal/sweeper"
)

func main() {
	cfg := config.Load()

	port := flag.String("port", cfg.Port, "HTTP server port (or set PORT env)")
	flag.Parse()
	cfg.Port = *port

	log := logger.Setup(cfg.LogLevel, cfg.LogFormat)

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	ctx := context.Background()

	application, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize components")
	}
	defer application.Close()

	// Initialize job infrastructure
	jobQueue, err := application.NewQueue()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create job queue")
	}

	workerCtx, cancelWorker := context.WithCancel(ctx)
	defer cancelWorker()

	// With RabbitMQ the worker binary consumes; the API only publishes.
	if cfg.QueueBackend != "rabbitmq" {
		log.Info().Int("workers", cfg.WorkerCount).Msg("Starting in-process job workers")
		if err := jobQueue.Start(workerCtx, application.JobHandler()); err != nil {
			log.Fatal().Err(err).Msg("Failed to start job workers")
		}
	}

	sweep := sweeper.New(application.Repository, cfg.StaleDocumentAge, log)
	if err := sweep.Start(cfg.SweepSchedule); err != nil {
		log.Fatal().Err(err).Msg("Failed to start sweeper")
	}

	handler := api.NewRouter(api.Deps{
		Intake:        application.Intake,
		Processor:     application.Processor,
		Repository:    application.Repository,
		Publisher:     jobQueue,
		JobStore:      application.JobStore,
		Authenticator: middleware.NewAuthenticator(cfg.AuthJWTSecret),
		AuthRequired:  cfg.AuthRequired,
		CORSOrigins:   cfg.CORSAllowedOrigins,
		Log:           log,
	})

	// Synchronous extraction can take as long as the backend timeout.
	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.ExtractTimeout + cfg.ClassifyTimeout + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Str("port", cfg.Port).Msg("Starting API server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	sweep.Stop()

	cancelWorker()

	// Stop job queue and wait for in-flight jobs
	if err := jobQueue.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Error stopping job queue")
	}

	if err := jobQueue.Close(); err != nil {
		log.Error().Err(err).Msg("Failed to close job queue")
	}

	log.Info().Msg("Server exited")
}
