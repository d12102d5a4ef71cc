package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"github.com/illmade-knight/go-mqttbridge/pkg/bridge"
	"github.com/illmade-knight/go-mqttbridge/pkg/deadletter"
	"github.com/illmade-knight/go-mqttbridge/pkg/publisher"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	logger := zerolog.New(os.Stderr).With().Timestamp().Str("service", "mqtt-bridge").Logger()
	log.Logger = logger

	cfg, err := bridge.LoadConfigFromEnv()
	if err != nil {
		logger.Fatal().Err(err).Msg("Invalid configuration.")
	}
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		logger.Warn().Err(err).Str("level", cfg.LogLevel).Msg("Unknown log level, using info.")
		level = zerolog.InfoLevel
	}
	logger = logger.Level(level)
	log.Logger = logger

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	psClient, err := pubsub.NewClient(ctx, cfg.Pubsub.ProjectID)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create Pub/Sub client.")
	}
	defer psClient.Close()

	batchClient, err := publisher.NewPubsubBatchClient(psClient, cfg.Pubsub, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create Pub/Sub batch client.")
	}
	if err := batchClient.EnsureTopics(ctx, cfg.SensorTopic, cfg.RegistrationTopic); err != nil {
		logger.Fatal().Err(err).Msg("Pub/Sub topics are not available.")
	}

	var opts []bridge.Option
	if cfg.DeadLetter.Enabled() {
		gcsClient, err := storage.NewClient(ctx)
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to create Cloud Storage client.")
		}
		defer gcsClient.Close()
		opts = append(opts, bridge.WithDeadLetterStore(deadletter.NewGCSStore(gcsClient)))
		logger.Info().Str("bucket", cfg.DeadLetter.Bucket).Msg("Dead-letter archive enabled.")
	}

	b, err := bridge.New(ctx, cfg, batchClient, logger, opts...)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to build bridge.")
	}
	if err := b.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start bridge.")
	}

	select {
	case <-ctx.Done():
		logger.Info().Msg("Shutdown signal received.")
	case err := <-b.FatalErrors():
		logger.Error().Err(err).Msg("Fatal runtime error, shutting down.")
	}
	stop()

	err = bridge.ShutdownWithin(cfg.ShutdownGracePeriod, b.Shutdown)
	switch {
	case errors.Is(err, bridge.ErrShutdownTimeout):
		logger.Error().Err(err).Msg("Forced exit after grace period.")
		os.Exit(1)
	case err != nil:
		logger.Warn().Err(err).Msg("Shutdown completed with errors.")
	default:
		logger.Info().Msg("Shutdown complete.")
	}
}
