package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"plantcare/internal/api"
	"plantcare/internal/clock"
	"plantcare/internal/config"
	"plantcare/internal/controls"
	"plantcare/internal/entities"
	"plantcare/internal/ha"
	"plantcare/internal/integration"
	"plantcare/internal/metrics"
	"plantcare/internal/mqttpub"
	"plantcare/internal/plant"
	"plantcare/internal/scheduler"
	"plantcare/internal/sensors"
	"plantcare/internal/storage"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

func main() {
	// Initialize logger
	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	// Load environment variables
	if err := godotenv.Load(); err != nil {
		logger.Warn("No .env file found, using environment variables")
	}

	settings, err := config.LoadSettings(os.Getenv)
	if err != nil {
		logger.Fatal("Invalid configuration", zap.Error(err))
	}

	logger.Info("Starting Plant Care",
		zap.String("url", settings.HAURL),
		zap.Bool("read_only", settings.ReadOnly),
		zap.String("timezone", settings.Location.String()))
	if settings.ReadOnly {
		logger.Info("Running in READ-ONLY mode - no changes will be made to Home Assistant")
	}

	// Open storage
	if err := os.MkdirAll(settings.DataDir, 0o755); err != nil {
		logger.Fatal("Failed to create data directory", zap.String("dir", settings.DataDir), zap.Error(err))
	}
	store, err := storage.Open(settings.DBPath())
	if err != nil {
		logger.Fatal("Failed to open storage", zap.Error(err))
	}
	defer store.Close()

	// Connect to Home Assistant
	client := ha.NewClient(settings.HAURL, settings.HAToken, logger)
	if err := client.Connect(); err != nil {
		logger.Fatal("Failed to connect to Home Assistant", zap.Error(err))
	}
	defer client.Disconnect()

	rest, err := ha.NewRESTClient(settings.HAURL, settings.HAToken, logger)
	if err != nil {
		logger.Fatal("Failed to create Home Assistant REST client", zap.Error(err))
	}

	sensorRegistry := sensors.NewRegistry(client, logger)
	defer sensorRegistry.Close()

	m := metrics.New()
	clk := clock.NewRealClock()
	sched := scheduler.New(settings.Location, clk, logger)

	helpers := controls.New(client, entities.DefaultRegistry(), logger, settings.ReadOnly)
	defer helpers.Close()

	cfg := integration.Config{
		Store:           store,
		Sensors:         sensorRegistry,
		Scheduler:       sched,
		Clock:           clk,
		Location:        settings.Location,
		Logger:          logger,
		Entities:        entities.NewPublisher(rest, entities.DefaultRegistry(), logger, settings.ReadOnly),
		Metrics:         m,
		RefreshInterval: settings.RefreshInterval,
		DailyRefreshAt:  settings.DailyRefreshAt,
		StartupDelay:    settings.StartupDelay,
		Controls:        helpers,
	}

	// Optional MQTT mirror
	if settings.MQTTBroker != "" {
		mqttClient, err := mqttpub.Connect(settings.MQTTBroker, "plantcare-"+uuid.NewString()[:8], logger)
		if err != nil {
			logger.Fatal("Failed to connect to MQTT broker", zap.Error(err))
		}
		defer mqttClient.Disconnect(250)
		cfg.MQTT = mqttpub.NewPublisher(mqttClient, settings.MQTTTopicPrefix, logger)
	}

	integ := integration.New(cfg)

	// Load plants.yaml seeds
	loader := config.NewLoader(settings.ConfigDir, logger)
	if err := loader.LoadAll(); err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}

	if err := integ.Start(loader.GetSeeds()); err != nil {
		logger.Fatal("Failed to start integration", zap.Error(err))
	}

	err = loader.StartAutoReload(sched.NewGroup("config"), func(seeds []plant.Entry) {
		if n := integ.Seed(seeds); n > 0 {
			logger.Info("Created plants from reloaded config", zap.Int("created", n))
		}
	})
	if err != nil {
		logger.Fatal("Failed to schedule config reload", zap.Error(err))
	}
	defer loader.Stop()

	// Start HTTP API
	server := api.NewServer(integ, m, logger, settings.APIPort)
	if err := server.Start(); err != nil {
		logger.Fatal("Failed to start HTTP API server", zap.Error(err))
	}

	// Setup signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("Application running. Press Ctrl+C to exit.",
		zap.Int("plants", len(integ.Entries())),
		zap.Int("api_port", settings.APIPort))

	// Wait for shutdown signal
	<-sigChan

	logger.Info("Shutting down gracefully...")

	if err := server.Stop(); err != nil {
		logger.Error("Failed to stop HTTP API server", zap.Error(err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	integ.Stop(ctx)
}
