package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mediascribe/pipeline/internal/bootstrap"
	"github.com/mediascribe/pipeline/internal/client"
	"github.com/mediascribe/pipeline/internal/config"
	"github.com/mediascribe/pipeline/internal/model"
	"github.com/mediascribe/pipeline/internal/trigger"
	"github.com/mediascribe/pipeline/internal/worker"
)

const (
	roleMetadata      = "metadata"
	roleTranscription = "transcription"
)

func newMetadataCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   roleMetadata,
		Short: "Fetch metadata for queued jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			yt := client.NewYouTubeClient(&cfg.YouTube)
			if !yt.IsConfigured() {
				logger.Warn("YouTube API key not set; metadata lookups will fail")
			}
			return runWorker(cmd.Context(), cfg, logger, roleMetadata, func(comps *bootstrap.Components, router *trigger.Router) {
				router.Handle(model.JobStatusQueued, worker.NewMetadataWorker(
					comps.Repo, yt, comps.Publisher, logger, worker.WithRetryPolicy(cfg.RetryPolicy())))
			})
		},
	}
}

func newTranscriptionCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   roleTranscription,
		Short: "Transcribe processing jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			groq := client.NewGroqClient(&cfg.Groq)
			if !groq.IsConfigured() {
				logger.Warn("Groq API key not set; transcriptions will fail")
			}
			return runWorker(cmd.Context(), cfg, logger, roleTranscription, func(comps *bootstrap.Components, router *trigger.Router) {
				router.Handle(model.JobStatusProcessing, worker.NewTranscriptionWorker(
					comps.Repo, comps.Repo, groq, comps.Publisher, logger, worker.WithRetryPolicy(cfg.RetryPolicy())))
			})
		},
	}
}

// runWorker connects the backends, routes triggers through register and
// consumes the configured trigger source until ctx is done.
func runWorker(ctx context.Context, cfg *config.Config, logger *zap.Logger, role string, register func(*bootstrap.Components, *trigger.Router)) error {
	if cfg.Storage.Backend == config.StorageMemory {
		return fmt.Errorf("%s worker needs shared storage; the memory backend only works inside the server", role)
	}

	comps, err := bootstrap.Build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer comps.Close()

	router := trigger.NewRouter(logger.Named("router"))
	register(comps, router)

	logger.Info("worker starting",
		zap.String("role", role),
		zap.String("triggers", cfg.Broker.TriggerSource),
	)

	var runErr error
	switch cfg.Broker.TriggerSource {
	case config.TriggerAMQP:
		runErr = consumeAMQP(ctx, cfg, comps, router, role, logger)
	case config.TriggerMinio:
		if comps.Minio == nil {
			return errors.New("minio trigger source requires the minio storage backend")
		}
		runErr = trigger.NewMinioListener(comps.Minio, cfg.Storage.Bucket, router, logger.Named("minio")).Start(ctx)
	default:
		runErr = consumeAsynq(ctx, cfg, router, logger)
	}
	if errors.Is(runErr, context.Canceled) {
		logger.Info("worker stopped", zap.String("role", role))
		return nil
	}
	return runErr
}

func consumeAMQP(ctx context.Context, cfg *config.Config, comps *bootstrap.Components, router *trigger.Router, role string, logger *zap.Logger) error {
	consumer, err := trigger.NewAMQPConsumer(comps.Rabbit, cfg.Broker.Exchange, cfg.Broker.TriggerKey,
		cfg.Broker.TriggerQueue+"-"+role, cfg.Broker.Prefetch, router, logger.Named("amqp"))
	if err != nil {
		return err
	}
	return consumer.Start(ctx)
}

func consumeAsynq(ctx context.Context, cfg *config.Config, router *trigger.Router, logger *zap.Logger) error {
	topics := cfg.Publisher().Topics
	source := trigger.NewAsynqSource(router, logger.Named("triggers"))

	queues := source.Queues(6)
	if cfg.Broker.Backend == config.BrokerAsynq {
		queues[topics.Work] = 3
	}

	srv := asynq.NewServer(
		bootstrap.RedisOpt(cfg),
		asynq.Config{
			Concurrency: cfg.Worker.Concurrency,
			Queues:      queues,
			LogLevel:    bootstrap.AsynqLogLevel(cfg.Server.LogLevel),
		},
	)

	mux := asynq.NewServeMux()
	source.Register(mux, topics.Work)

	if err := srv.Start(mux); err != nil {
		return fmt.Errorf("start asynq server: %w", err)
	}
	<-ctx.Done()
	srv.Shutdown()
	return ctx.Err()
}
