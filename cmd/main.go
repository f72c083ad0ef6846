package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"dknbridge/internal/airzone"
	"dknbridge/internal/api"
	"dknbridge/internal/clock"
	"dknbridge/internal/config"
	"dknbridge/internal/coordinator"
	"dknbridge/internal/ha"
	"dknbridge/internal/hvac"
	"dknbridge/internal/metrics"
	"dknbridge/internal/notify"
	"dknbridge/internal/schedule"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := godotenv.Load(); err != nil {
		logger.Warn("No .env file found, using environment variables")
	}

	secrets, err := config.SecretsFromEnv()
	if err != nil {
		logger.Fatal("Missing credentials", zap.Error(err))
	}

	configDir := os.Getenv("CONFIG_DIR")
	if configDir == "" {
		configDir = "."
	}
	loader := config.NewLoader(configDir, logger)
	if err := loader.Load(); err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}
	cfg := loader.Get()

	clk := clock.NewRealClock()
	m := metrics.New()

	cloud := airzone.NewClient(cfg.Airzone.BaseURL, secrets.Email, "", logger, clk)
	cloud.SetObserver(m)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := cloud.Login(ctx, secrets.Password); err != nil {
		logger.Fatal("Failed to authenticate with the DKN cloud", zap.Error(err))
	}

	coord := coordinator.New(cloud, logger, clk, cfg.ScanInterval())
	coord.SetOverlayWindows(cfg.OverlayTTL(), cfg.OverlayRefreshDelay(), cfg.OverlayGuardMargin())
	coord.SetPollObserver(m)

	controller := hvac.NewController(cloud, coord, logger, cfg.OverlayRefreshDelay())

	coord.AddListener(func(snapshot coordinator.Snapshot) {
		m.ObserveSnapshot(snapshot, clk.Now(), cfg.StaleAfter())
		m.ObserveCooldown(cloud.CooldownRemaining())
	})

	// Home Assistant publishing and notifications are optional.
	if cfg.HomeAssistant.Enabled {
		if secrets.HAToken == "" {
			logger.Fatal("HA_TOKEN must be set when home_assistant.enabled is true")
		}

		haClient := ha.NewClient(cfg.HomeAssistant.URL, secrets.HAToken, logger)
		publisher := ha.NewPublisher(haClient, coord, logger, cfg.StaleAfter())
		haClient.OnReconnect(func() {
			publisher.Reset()
			coord.RequestRefresh()
		})

		if err := haClient.Connect(); err != nil {
			logger.Fatal("Failed to connect to Home Assistant", zap.Error(err))
		}
		defer haClient.Disconnect()

		coord.AddListener(func(snapshot coordinator.Snapshot) {
			publisher.Publish(snapshot)
		})

		if cfg.Notifications.Enabled {
			monitor := notify.NewMonitor(haClient, logger, clk,
				cfg.StaleAfter(), cfg.NotificationDebounce(), cfg.Notifications.Language)
			defer monitor.Stop()

			coord.AddListener(func(snapshot coordinator.Snapshot) {
				monitor.HandleSnapshot(snapshot)
			})
		}
	}

	if err := coord.RefreshNow(ctx); err != nil {
		logger.Warn("Initial poll failed, continuing with empty state", zap.Error(err))
	}

	go func() {
		if err := coord.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("Coordinator exited", zap.Error(err))
		}
	}()

	if cfg.Automation.Enabled {
		automation := schedule.NewAutomation(controller, coord, logger, clk,
			cfg.Automation.Latitude, cfg.Automation.Longitude,
			cfg.Automation.DayPreset, cfg.Automation.NightPreset)
		go automation.Run(ctx)
	}

	server := api.NewServer(coord, controller, m.Registry(), logger, cfg.API.Port, cfg.StaleAfter())
	if err := server.Start(); err != nil {
		logger.Fatal("Failed to start API server", zap.Error(err))
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("Bridge running. Press Ctrl+C to exit.")
	<-sigChan

	logger.Info("Shutting down gracefully...")
	cancel()
	if err := server.Stop(); err != nil {
		logger.Error("Failed to stop API server", zap.Error(err))
	}
}
