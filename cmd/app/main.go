package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/drluca/shopstream/orderprocessing/config"
	"github.com/drluca/shopstream/orderprocessing/internal/database"
	"github.com/drluca/shopstream/orderprocessing/internal/eventbus"
	"github.com/drluca/shopstream/orderprocessing/internal/health"
	"github.com/drluca/shopstream/orderprocessing/internal/idempotency"
	"github.com/drluca/shopstream/orderprocessing/internal/processor"
	"github.com/drluca/shopstream/orderprocessing/internal/tracing"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	// Setup structured logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	// Load configuration
	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	setupLogging(cfg)
	log.Info().Str("appName", cfg.AppName).Int("workers", cfg.WorkerCount).Msg("Application starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Initializations ---

	shutdownTracing, err := tracing.Setup(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize tracing")
	}

	db, err := database.New(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize Database")
	}
	defer db.Close()

	if cfg.DBEnsureSchema {
		if err := db.EnsureSchema(ctx); err != nil {
			log.Fatal().Err(err).Msg("Failed to ensure database schema")
		}
	}
	if cfg.DBSeedCatalog {
		if _, err := db.SeedCatalog(ctx); err != nil {
			log.Fatal().Err(err).Msg("Failed to seed product catalog")
		}
	}

	checks := map[string]health.Check{"postgres": db.Ping}

	var marker processor.PublishMarker = idempotency.Nop{}
	if cfg.RedisAddr != "" {
		store, err := idempotency.Dial(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.PublishMarkerTTL)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize publish marker store")
		}
		defer store.Close()
		marker = store
		checks["redis"] = store.Ping
	} else {
		log.Info().Msg("REDIS_ADDR not set, replays will always republish their stock check")
	}

	rmqManager, err := eventbus.NewRabbitMQManager(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize RabbitMQ Manager")
	}
	defer rmqManager.Close()

	checks["rabbitmq"] = func(context.Context) error {
		if !rmqManager.IsReady() {
			return eventbus.ErrNotReady
		}
		return nil
	}

	healthServer := health.New(cfg.HTTPAddr, checks)
	healthServer.Start()

	msgProcessor := processor.New(db, rmqManager, marker, cfg)

	go rmqManager.RunHeartbeats(ctx)

	consumerDone := make(chan struct{})
	go func() {
		defer close(consumerDone)
		if err := rmqManager.Consume(ctx, msgProcessor.MessageHandler); err != nil {
			log.Error().Err(err).Msg("Consumer stopped with error")
		}
	}()

	log.Info().Msg("Application setup complete. Running and waiting for messages.")

	// --- Wait for shutdown signal ---
	<-ctx.Done()
	stop()

	// --- Graceful Shutdown ---
	log.Info().Dur("timeout", cfg.ShutdownTimeout).Msg("Application shutting down, draining in-flight messages...")
	select {
	case <-consumerDone:
	case <-time.After(cfg.ShutdownTimeout):
		log.Warn().Msg("Shutdown timeout reached, unsettled messages will be redelivered")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := healthServer.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Error shutting down operator HTTP server")
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Error flushing traces")
	}
	// Deferred calls to rmqManager.Close(), the marker store and db.Close() run here.
}

func setupLogging(cfg config.Config) {
	if strings.EqualFold(cfg.LogFormat, "json") {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}

	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
