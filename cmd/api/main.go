package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/dvloznov/deal-confidence/internal/api"
	"github.com/dvloznov/deal-confidence/internal/app"
	"github.com/dvloznov/deal-confidence/internal/config"
	"github.com/dvloznov/deal-confidence/internal/jobs/inmemory"
	"github.com/dvloznov/deal-confidence/internal/logger"
	"github.com/dvloznov/deal-confidence/internal/metrics"
)

func main() {
	configPath := flag.String("config", "", "Path to config.yaml (optional)")
	flag.Parse()

	// .env is optional; real environment variables win.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		bootLog := logger.New(logger.Options{Service: "api"})
		bootLog.Fatal().Err(err).Msg("Failed to load config")
	}
	log := logger.New(logger.Options{Level: cfg.Log.Level, Format: cfg.Log.Format, Service: "api"})

	ctx := context.Background()

	m, err := metrics.New()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to register metrics")
	}

	// Initialize job infrastructure
	jobStore := inmemory.NewStore()
	jobQueue := inmemory.NewQueue(inmemory.Options{
		Workers:      cfg.Jobs.Workers,
		BufferSize:   cfg.Jobs.BufferSize,
		MaxRetries:   cfg.Jobs.MaxRetries,
		RetryBackoff: cfg.Jobs.RetryBackoff,
		Logger:       log,
		Metrics:      m,
	}, jobStore)

	a, err := app.New(ctx, cfg, jobQueue, m, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize")
	}
	defer a.Close()

	if a.Warehouse != nil {
		if err := a.Warehouse.EnsureTable(ctx); err != nil {
			log.Error().Err(err).Msg("Failed to ensure warehouse table; runs will not be exported")
		}
	}

	workerCtx, cancelWorker := context.WithCancel(ctx)
	defer cancelWorker()
	if err := jobQueue.Start(logger.WithContext(workerCtx, log), a.Deals.HandleRecompute); err != nil {
		log.Fatal().Err(err).Msg("Failed to start job queue")
	}

	server := &http.Server{
		Addr: cfg.Server.Addr,
		Handler: api.NewRouter(api.Deps{
			Deals:          a.Deals,
			Ingester:       a.Ingestion,
			Jobs:           jobStore,
			Metrics:        m,
			Logger:         log,
			RequestTimeout: cfg.Server.RequestTimeout,
		}),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.Server.RequestTimeout + 5*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().
			Str("addr", cfg.Server.Addr).
			Str("config_version", a.Engine.ConfigVersion()).
			Str("database", cfg.Database.Backend).
			Msg("Starting API server")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	// Stop job queue and wait for in-flight recomputations
	if err := jobQueue.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Error stopping job queue")
	}
	cancelWorker()

	log.Info().Msg("Server exited")
}
