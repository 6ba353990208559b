package main

import (
	"context"
	"errors"
	"log"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/mediascribe/pipeline/internal/bootstrap"
	"github.com/mediascribe/pipeline/internal/client"
	"github.com/mediascribe/pipeline/internal/config"
	"github.com/mediascribe/pipeline/internal/handler"
	"github.com/mediascribe/pipeline/internal/logging"
	"github.com/mediascribe/pipeline/internal/messaging"
	"github.com/mediascribe/pipeline/internal/middleware"
	"github.com/mediascribe/pipeline/internal/model"
	"github.com/mediascribe/pipeline/internal/service"
	"github.com/mediascribe/pipeline/internal/trigger"
	ws "github.com/mediascribe/pipeline/internal/websocket"
	"github.com/mediascribe/pipeline/internal/worker"
	"github.com/mediascribe/pipeline/pkg/response"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	zl, err := logging.ForEnv(cfg.Server.LogLevel, cfg.Server.Env)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer zl.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize Redis client
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()

	// Test Redis connection
	if err := redisClient.Ping(ctx).Err(); err != nil {
		zl.Warn("redis not available", zap.Error(err))
	}

	comps, err := bootstrap.Build(ctx, cfg, zl)
	if err != nil {
		zl.Fatal("failed to initialize backends", zap.Error(err))
	}
	defer comps.Close()

	// Initialize validator
	validate := validator.New()

	// Initialize WebSocket hub
	hub := ws.NewHub(zl.Named("ws"))
	go hub.Run(ctx)
	relay := ws.NewRelay(hub, zl.Named("relay"))

	// Initialize services
	jobService := service.NewJobService(comps.Repo, comps.Publisher, comps.Signer(), zl)
	recorder := worker.NewCompletionRecorder(comps.Repo, comps.Publisher, zl,
		worker.WithRetryPolicy(cfg.RetryPolicy()))

	// Initialize handlers
	jobHandler := handler.NewJobHandler(jobService, validate, zl.Named("http"))
	storageEvents := handler.NewStorageEventHandler(recorder, validate, zl.Named("http"))

	// Initialize middleware
	authMiddleware := middleware.NewAuthMiddleware(cfg.JWT.Secret)
	rateLimiter := middleware.NewRateLimiter(redisClient, zl.Named("ratelimit"))

	// Initialize Fiber app
	app := fiber.New(fiber.Config{
		ErrorHandler: customErrorHandler,
		BodyLimit:    1 * 1024 * 1024,
	})

	// Global middleware
	app.Use(recover.New())
	app.Use(requestid.New())
	isDebug := strings.EqualFold(cfg.Server.LogLevel, "debug")
	logFormat := "[${time}] ${status} - ${latency} ${method} ${path}\n"
	if isDebug {
		logFormat = "[${time}] ${status} - ${latency} ${method} ${path} ${queryParams} ${body} ${reqHeaders}\n"
	}
	app.Use(logger.New(logger.Config{
		Format: logFormat,
	}))
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,Authorization",
	}))

	// Health check
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	// API routes
	api := app.Group("/api", authMiddleware.Authenticate())

	jobs := api.Group("/jobs", rateLimiter.ReadLimit(cfg.RateLimit.ReadPerMin))
	jobs.Post("/", rateLimiter.SubmitLimit(cfg.RateLimit.SubmitPerHour), jobHandler.Submit)
	jobs.Get("/", jobHandler.List)
	jobs.Get("/:jobId", jobHandler.Get)
	jobs.Get("/:jobId/events", jobHandler.Events)
	jobs.Get("/:jobId/transcript", jobHandler.Transcript)
	jobs.Post("/:jobId/cancel", jobHandler.Cancel)

	// Push-style storage notifications; expose only on the internal network
	app.Post("/internal/storage-events", storageEvents.Handle)

	// WebSocket routes
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})

	app.Get("/ws/jobs/:jobId", func(c *fiber.Ctx) error {
		if _, err := authMiddleware.ValidateToken(c.Query("token")); err != nil {
			return fiber.ErrUnauthorized
		}
		return c.Next()
	}, websocket.New(func(c *websocket.Conn) {
		hub.HandleConnection(c, c.Params("jobId"))
	}))

	// Completion triggers and published events
	go startWorkerServer(ctx, cfg, comps, recorder, relay, zl)
	if comps.Minio != nil && cfg.Broker.TriggerSource == config.TriggerMinio {
		router := newRouter(cfg, comps, recorder, zl)
		listener := trigger.NewMinioListener(comps.Minio, cfg.Storage.Bucket, router, zl.Named("minio"))
		go func() {
			if err := listener.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				zl.Error("minio listener stopped", zap.Error(err))
			}
		}()
	}
	if comps.Rabbit != nil {
		go startAMQPConsumers(ctx, cfg, comps, recorder, relay, zl)
	}

	// Graceful shutdown
	go func() {
		<-ctx.Done()
		zl.Info("shutting down server")
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			zl.Error("server shutdown error", zap.Error(err))
		}
	}()

	// Start server
	addr := ":" + cfg.Server.Port
	zl.Info("server starting", zap.String("addr", addr))
	if err := app.Listen(addr); err != nil {
		zl.Fatal("server error", zap.Error(err))
	}
}

// newRouter routes completed jobs to the recorder. With in-memory storage
// no other process can see the jobs, so the whole pipeline runs here.
func newRouter(cfg *config.Config, comps *bootstrap.Components, recorder *worker.CompletionRecorder, zl *zap.Logger) *trigger.Router {
	router := trigger.NewRouter(zl.Named("router"))
	router.Handle(model.JobStatusCompleted, recorder)

	if cfg.Storage.Backend == config.StorageMemory {
		opts := []worker.Option{worker.WithRetryPolicy(cfg.RetryPolicy())}
		router.Handle(model.JobStatusQueued, worker.NewMetadataWorker(
			comps.Repo, client.NewYouTubeClient(&cfg.YouTube), comps.Publisher, zl, opts...))
		router.Handle(model.JobStatusProcessing, worker.NewTranscriptionWorker(
			comps.Repo, comps.Repo, client.NewGroqClient(&cfg.Groq), comps.Publisher, zl, opts...))
	}
	return router
}

func startWorkerServer(ctx context.Context, cfg *config.Config, comps *bootstrap.Components, recorder *worker.CompletionRecorder, relay *ws.Relay, zl *zap.Logger) {
	if comps.AsynqClient == nil {
		return
	}
	topics := cfg.Publisher().Topics
	source := trigger.NewAsynqSource(newRouter(cfg, comps, recorder, zl), zl.Named("triggers"))

	queues := source.Queues(6)
	if cfg.Broker.Backend == config.BrokerAsynq {
		// An asynq queue hands each event to one server, so live updates
		// reach every subscriber only while a single API instance runs.
		queues[topics.Events] = 2
		if cfg.Storage.Backend == config.StorageMemory {
			queues[topics.Work] = 2
		}
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
	mux.HandleFunc(messaging.TaskType(topics.Events), relay.ProcessTask)

	if err := srv.Start(mux); err != nil {
		zl.Error("asynq worker error", zap.Error(err))
		return
	}
	<-ctx.Done()
	srv.Shutdown()
}

func startAMQPConsumers(ctx context.Context, cfg *config.Config, comps *bootstrap.Components, recorder *worker.CompletionRecorder, relay *ws.Relay, zl *zap.Logger) {
	if cfg.Broker.TriggerSource == config.TriggerAMQP {
		consumer, err := trigger.NewAMQPConsumer(comps.Rabbit, cfg.Broker.Exchange, cfg.Broker.TriggerKey,
			cfg.Broker.TriggerQueue+"-server", cfg.Broker.Prefetch, newRouter(cfg, comps, recorder, zl), zl.Named("amqp"))
		if err != nil {
			zl.Error("failed to start trigger consumer", zap.Error(err))
		} else {
			go func() {
				if err := consumer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
					zl.Error("trigger consumer stopped", zap.Error(err))
				}
			}()
		}
	}

	if cfg.Broker.Backend != config.BrokerRabbitMQ {
		return
	}
	ch, err := comps.Rabbit.Channel()
	if err != nil {
		zl.Error("failed to open relay channel", zap.Error(err))
		return
	}
	defer ch.Close()
	if err := relay.SubscribeAMQP(ctx, ch, cfg.Broker.Exchange, cfg.Publisher().Topics.Events); err != nil && !errors.Is(err, context.Canceled) {
		zl.Error("event relay stopped", zap.Error(err))
	}
}

// customErrorHandler renders errors that escape the handlers, such as
// fiber's own 404 and upgrade errors, in the API envelope.
func customErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal Server Error"

	var e *fiber.Error
	if errors.As(err, &e) {
		code = e.Code
		message = e.Message
	}
	return response.Error(c, code, "SERVICE_ERROR", message, nil)
}
