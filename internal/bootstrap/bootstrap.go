// Package bootstrap assembles the storage, broker and repository layers the
// server and worker processes share, choosing backends from configuration.
package bootstrap

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/hibiken/asynq"
	"github.com/minio/minio-go/v7"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/mediascribe/pipeline/internal/client"
	"github.com/mediascribe/pipeline/internal/config"
	"github.com/mediascribe/pipeline/internal/messaging"
	"github.com/mediascribe/pipeline/internal/repository"
	"github.com/mediascribe/pipeline/internal/storage"
	"github.com/mediascribe/pipeline/internal/trigger"
)

// messageRetention keeps finished asynq message tasks inspectable.
const messageRetention = 24 * time.Hour

// Components are the long-lived collaborators of a process.
type Components struct {
	Store       storage.ObjectStore
	Repo        *repository.JobRepository
	Publisher   *messaging.Publisher
	AsynqClient *asynq.Client    // nil unless an asynq backend is configured
	Minio       *minio.Client    // nil unless the minio backend is configured
	Rabbit      *amqp.Connection // nil unless a RabbitMQ backend is configured

	closers []func() error
	logger  *zap.Logger
}

// Build connects every configured backend.
func Build(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Components, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Components{logger: logger}

	if cfg.Broker.Backend == config.BrokerAsynq || cfg.Broker.TriggerSource == config.TriggerAsynq {
		c.AsynqClient = asynq.NewClient(RedisOpt(cfg))
		c.closers = append(c.closers, c.AsynqClient.Close)
	}
	if cfg.Broker.Backend == config.BrokerRabbitMQ || cfg.Broker.TriggerSource == config.TriggerAMQP {
		conn, err := amqp.Dial(cfg.Broker.RabbitURL)
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("connect to RabbitMQ: %w", err)
		}
		c.Rabbit = conn
		c.closers = append(c.closers, conn.Close)
	}

	store, err := c.newStore(ctx, cfg)
	if err != nil {
		c.Close()
		return nil, err
	}
	if cfg.Broker.TriggerSource == config.TriggerAsynq {
		store = trigger.NewNotifyingStore(store, cfg.Storage.Bucket, c.AsynqClient, logger.Named("triggers"))
	}
	c.Store = store
	c.Repo = repository.NewJobRepository(store, logger.Named("repository"))

	sender, err := c.newSender(cfg)
	if err != nil {
		c.Close()
		return nil, err
	}
	c.Publisher, err = messaging.NewPublisher(sender, cfg.Publisher(), logger.Named("publisher"))
	if err != nil {
		c.Close()
		return nil, err
	}

	logger.Info("backends ready",
		zap.String("storage", cfg.Storage.Backend),
		zap.String("broker", cfg.Broker.Backend),
		zap.String("triggers", cfg.Broker.TriggerSource),
	)
	return c, nil
}

func (c *Components) newStore(ctx context.Context, cfg *config.Config) (storage.ObjectStore, error) {
	switch cfg.Storage.Backend {
	case config.StorageR2:
		return client.NewS3Store(&cfg.R2, cfg.Storage.Bucket, cfg.Storage.SignedURLExpiry)
	case config.StorageMinio:
		mc, err := client.NewMinioClient(&cfg.Minio)
		if err != nil {
			return nil, err
		}
		c.Minio = mc
		store := client.NewMinioStore(mc, cfg.Storage.Bucket, cfg.Storage.SignedURLExpiry)
		if err := store.EnsureBucket(ctx); err != nil {
			return nil, err
		}
		return store, nil
	default:
		c.logger.Warn("using in-memory storage; jobs are lost on restart and invisible to other processes")
		return storage.NewMemoryStore(), nil
	}
}

func (c *Components) newSender(cfg *config.Config) (messaging.Sender, error) {
	switch cfg.Broker.Backend {
	case config.BrokerRabbitMQ:
		sender, err := messaging.NewRabbitSender(c.Rabbit, cfg.Broker.Exchange, cfg.Publisher().Topics)
		if err != nil {
			return nil, fmt.Errorf("set up RabbitMQ publisher: %w", err)
		}
		c.closers = append(c.closers, sender.Close)
		return sender, nil
	default:
		return messaging.NewAsynqSender(c.AsynqClient, cfg.Worker.MaxRetry, messageRetention), nil
	}
}

// Signer returns the store as a URL signer when it can sign.
func (c *Components) Signer() storage.URLSigner {
	if s, ok := c.Store.(storage.URLSigner); ok {
		return s
	}
	return nil
}

// Close releases connections in reverse order of creation.
func (c *Components) Close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			c.logger.Warn("close failed", zap.Error(err))
		}
	}
	c.closers = nil
}

// RedisOpt returns the asynq connection settings.
func RedisOpt(cfg *config.Config) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}
}

// AsynqLogLevel maps the configured log level onto asynq's levels.
func AsynqLogLevel(level string) asynq.LogLevel {
	switch {
	case strings.EqualFold(level, "debug"):
		return asynq.DebugLevel
	case strings.EqualFold(level, "warn"):
		return asynq.WarnLevel
	case strings.EqualFold(level, "error"):
		return asynq.ErrorLevel
	default:
		return asynq.InfoLevel
	}
}
