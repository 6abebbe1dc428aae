package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/xrayvision/backend/internal/api/handlers"
	cache "github.com/xrayvision/backend/internal/cache/redis"
	"github.com/xrayvision/backend/internal/events"
	"github.com/xrayvision/backend/internal/inference"
	"github.com/xrayvision/backend/internal/ingest"
	"github.com/xrayvision/backend/internal/metrics"
	"github.com/xrayvision/backend/internal/middleware/ratelimit"
	"github.com/xrayvision/backend/internal/middleware/security"
	"github.com/xrayvision/backend/internal/notify"
	"github.com/xrayvision/backend/internal/pipeline"
	"github.com/xrayvision/backend/internal/preprocess"
	"github.com/xrayvision/backend/internal/records"
	"github.com/xrayvision/backend/internal/storage/sqlite"
	"github.com/xrayvision/backend/pkg/config"
	appLogger "github.com/xrayvision/backend/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	err = appLogger.Init(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.OutputPath)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer appLogger.Sync()

	appLogger.Info("Starting XRayVision backend")

	metrics.Init()

	store, err := sqlite.NewClient(cfg.Storage.DBPath)
	if err != nil {
		appLogger.Fatal("Failed to open database", zap.Error(err))
	}
	defer store.Close()

	if err := store.InitSchema(); err != nil {
		appLogger.Fatal("Failed to initialize schema", zap.Error(err))
	}

	var cacheClient *cache.Client
	if cfg.Redis.Enabled {
		cacheClient, err = cache.NewClient(cfg.Redis.Host, cfg.Redis.Port, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			appLogger.Warn("Redis unavailable, lookups will not be cached", zap.Error(err))
			cacheClient = nil
		} else {
			defer cacheClient.Close()
		}
	}

	var recordsClient *records.Client
	if cfg.Records.Enabled {
		recordsClient = records.NewClient(cfg.Records, cacheClient)
	}

	rules := make([]preprocess.Rule, 0, len(cfg.Regions.Dictionary))
	for _, r := range cfg.Regions.Dictionary {
		rules = append(rules, preprocess.Rule{Name: r.Name, Keywords: r.Keywords})
	}
	matcher := preprocess.NewMatcher(rules, cfg.Regions.Supported)
	processor := preprocess.NewProcessor(cfg.Inference.MaxImageSize)

	engine := inference.NewEngine(cfg.Inference, inference.NewPromptSet(cfg.Regions.Prompts, cfg.Regions.DefaultPrompt))
	notifier := notify.NewClient(cfg.Notify)
	hub := events.NewHub()

	controller := pipeline.NewController(pipeline.Params{
		Store:     store,
		Processor: processor,
		Matcher:   matcher,
		Engine:    engine,
		Records:   recordsClient,
		Notifier:  notifier,
		Hub:       hub,
		ImagesDir: cfg.Storage.ImagesDir,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := controller.Start(ctx); err != nil {
		appLogger.Fatal("Failed to start pipeline", zap.Error(err))
	}

	listener := ingest.NewListener(cfg.DICOM, cfg.Storage.ImagesDir, store, processor, matcher, controller)
	go func() {
		if err := listener.Run(ctx); err != nil {
			appLogger.Fatal("DICOM listener failed", zap.Error(err))
		}
	}()

	scheduler := ingest.NewScheduler(cfg.DICOM, store, listener)
	go scheduler.Run(ctx)

	app := fiber.New(fiber.Config{
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		BodyLimit:    cfg.Server.BodyLimit,
	})

	app.Use(recover.New())
	app.Use(logger.New())
	app.Use(security.HeadersMiddleware(security.HeadersConfig{IsDevelopment: cfg.Logging.Level == "debug"}))

	limiter := ratelimit.New(ratelimit.Config{Logger: appLogger.GetLogger()})
	defer limiter.Stop()
	app.Use(limiter.Middleware())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Origin, Content-Type, Accept, Authorization",
		AllowMethods: "GET, POST, PUT, DELETE, OPTIONS",
	}))

	examHandler := handlers.NewExamHandler(store, controller)
	statsHandler := handlers.NewStatsHandler(store)
	retrieveHandler := handlers.NewRetrieveHandler(scheduler)
	wsHandler := handlers.NewWebSocketHandler(hub, controller)

	api := app.Group("/api/v1")
	api.Get("/exams", examHandler.ListExams)
	api.Get("/exams/:uid", examHandler.GetExam)
	api.Post("/exams/:uid/requeue", examHandler.RequeueExam)
	api.Post("/exams/:uid/review", examHandler.ReviewExam)
	api.Post("/retrieve", retrieveHandler.TriggerRetrieve)
	api.Get("/stats", statsHandler.GetStats)

	app.Get("/metrics", metrics.MetricsHandler())

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "healthy",
			"time":   time.Now().Unix(),
		})
	})

	app.Get("/ready", func(c *fiber.Ctx) error {
		if _, err := store.CountByStatus("queued"); err != nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
				"status": "not ready",
			})
		}
		return c.JSON(fiber.Map{
			"status": "ready",
		})
	})

	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws", websocket.New(wsHandler.HandleConnection))

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	appLogger.Info("Server starting", zap.String("address", addr))

	go func() {
		if err := app.Listen(addr); err != nil {
			appLogger.Fatal("Server failed to start", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	appLogger.Info("Shutting down gracefully...")
	cancel()

	select {
	case <-controller.Done():
	case <-time.After(10 * time.Second):
		appLogger.Warn("Worker did not stop in time")
	}

	hub.Close()
	app.Shutdown()
	appLogger.Info("Server stopped")
}
