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
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"go.uber.org/zap"

	"github.com/plc-sentinel/backend/internal/api/handlers"
	"github.com/plc-sentinel/backend/internal/cache/redis"
	"github.com/plc-sentinel/backend/internal/detect"
	"github.com/plc-sentinel/backend/internal/lifecycle"
	"github.com/plc-sentinel/backend/internal/metrics"
	"github.com/plc-sentinel/backend/internal/narrative"
	"github.com/plc-sentinel/backend/internal/predict"
	"github.com/plc-sentinel/backend/internal/rules"
	"github.com/plc-sentinel/backend/internal/storage/sqlite"
	"github.com/plc-sentinel/backend/internal/trs"
	"github.com/plc-sentinel/backend/internal/workflow"
	"github.com/plc-sentinel/backend/pkg/config"
	appLogger "github.com/plc-sentinel/backend/pkg/logger"
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

	appLogger.Info("Starting PLC Sentinel detection engine")

	metrics.Init()

	// An unloadable workflow model means nothing downstream can be trusted.
	wf, err := workflow.Load(cfg.Workflow.Path)
	if err != nil {
		appLogger.Fatal("Failed to load workflow model", zap.Error(err))
	}

	sqliteClient, err := sqlite.NewClient(cfg.SQLite.Path)
	if err != nil {
		appLogger.Fatal("Failed to create SQLite client", zap.Error(err))
	}
	defer sqliteClient.Close()

	if err := sqliteClient.InitSchema(); err != nil {
		appLogger.Fatal("Failed to initialize schema", zap.Error(err))
	}

	var history predict.HistoryStore = sqliteClient
	var checkpoint detect.Checkpoint = sqliteClient

	if cfg.Redis.Enabled {
		redisClient, err := redis.NewClient(cfg.Redis.Host, cfg.Redis.Port, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			appLogger.Fatal("Failed to create Redis client", zap.Error(err))
		}
		defer redisClient.Close()

		history = redis.NewCachedHistory(sqliteClient, redisClient, 5*time.Minute)
		checkpoint = redisClient
	}

	engine := rules.NewEngine(wf, rules.Thresholds{
		DurationTolerance: cfg.Detection.DurationTolerance,
		CycleDriftSeconds: cfg.Detection.CycleDriftSeconds,
		BlockTolerance:    cfg.Detection.BlockTolerance,
	})

	escalatorTh := predict.DefaultThresholds()
	escalatorTh.EWMAAlpha = cfg.Detection.EWMAAlpha
	escalatorTh.EWMARatioCutoff = cfg.Detection.EWMARatioCutoff
	escalatorTh.RateRatioCutoff = cfg.Detection.RateRatioCutoff
	escalatorTh.NoveltyCutoff = cfg.Detection.NoveltyCutoff
	escalatorTh.HistoryMinDays = cfg.Detection.HistoryMinDays
	escalatorTh.HistoryStepDays = cfg.Detection.HistoryStepDays
	escalatorTh.HistoryMaxDays = cfg.Detection.HistoryMaxDays
	escalatorTh.HistoryMinSamples = cfg.Detection.HistoryMinSamples
	escalatorTh.ConfidenceLowSamples = cfg.Detection.ConfidenceLowSamples
	escalatorTh.ConfidenceMedSamples = cfg.Detection.ConfidenceMedSamples
	escalatorTh.ConfidenceHighSamples = cfg.Detection.ConfidenceHighSamples
	escalator := predict.NewEscalator(history, escalatorTh)

	var narrator detect.Narrator
	if cfg.Narrative.Enabled {
		narrator = narrative.NewClient(
			cfg.Narrative.APIKey,
			cfg.Narrative.Model,
			cfg.Narrative.Temperature,
			cfg.Narrative.MaxTokens,
			time.Duration(cfg.Narrative.TimeoutSec)*time.Second,
		)
	}

	runner := detect.NewRunner(
		wf,
		engine,
		escalator,
		sqliteClient,
		sqliteClient,
		narrator,
		cfg.Detection.EscalationTimeout(),
	)

	tracker := lifecycle.NewTracker(wf, sqliteClient, cfg.Detection.ScrapCodes)
	poller := detect.NewPoller(sqliteClient, tracker, runner, sqliteClient, checkpoint, cfg.Detection.PollInterval())

	calculator := trs.NewCalculator(wf, sqliteClient)

	pollCtx, stopPoller := context.WithCancel(context.Background())
	go func() {
		if err := poller.Run(pollCtx); err != nil && err != context.Canceled {
			appLogger.Error("Poller stopped with error", zap.Error(err))
		}
	}()

	app := fiber.New(fiber.Config{
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	})

	app.Use(recover.New())
	app.Use(fiberlogger.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Origin, Content-Type, Accept, Authorization",
		AllowMethods: "GET, POST, PATCH, OPTIONS",
	}))

	reporting := handlers.NewReportingHandler(calculator, sqliteClient)

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "healthy",
			"time":   time.Now().Unix(),
		})
	})
	app.Get("/metrics", metrics.MetricsHandler())

	api := app.Group("/api/v1")
	api.Get("/trs", reporting.HandleTRS)
	api.Get("/anomalies", reporting.HandleListAnomalies)
	api.Patch("/anomalies/:id/status", reporting.HandleUpdateStatus)

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
	stopPoller()
	app.Shutdown()
	appLogger.Info("Engine stopped")
}
