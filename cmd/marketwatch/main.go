package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/voxmill/marketwatch/internal/aggregator"
	"github.com/voxmill/marketwatch/internal/collector"
	"github.com/voxmill/marketwatch/internal/config"
	"github.com/voxmill/marketwatch/internal/dispatch"
	"github.com/voxmill/marketwatch/internal/models"
	"github.com/voxmill/marketwatch/internal/runner"
	"github.com/voxmill/marketwatch/internal/storage"
)

var configPath = flag.String("config", "configs/config.yaml", "Path to configuration file")

func newLogger(cfg config.LoggingConfig) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	if cfg.Format == "text" {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	return logger
}

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logger := newLogger(cfg.Logging)
	logger.WithField("path", *configPath).Info("Configuration loaded")

	store, err := storage.New(cfg.Storage.DBPath, cfg.Monitor.CooldownWindow)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize storage")
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.WithError(err).Error("Failed to close storage")
		}
	}()

	client := collector.NewClient(
		cfg.Collector.BaseURL,
		cfg.Collector.Timeout,
		cfg.Collector.MaxRetries,
		cfg.Collector.RetryDelayBase,
	)

	var telegramClient *dispatch.TelegramClient
	var dispatcher runner.Dispatcher
	if cfg.Telegram.Enabled {
		telegramClient, err = dispatch.NewTelegramClient(
			cfg.Telegram.BotToken,
			cfg.Telegram.ChatID,
			cfg.Telegram.MaxRetries,
			cfg.Telegram.RetryDelayBase,
		)
		if err != nil {
			logger.WithError(err).Fatal("Failed to initialize Telegram client")
		}
		dispatcher = telegramClient
		logger.Info("Telegram dispatcher initialized")
	} else {
		logger.Debug("Telegram notifications disabled")
	}

	monitors := make([]runner.Monitor, 0, len(cfg.Monitors))
	for _, m := range cfg.Monitors {
		monitors = append(monitors, runner.Monitor{
			Entity: models.Entity{
				Vertical: m.Vertical,
				Area:     m.Area,
				City:     m.City,
				Client:   m.Client,
			},
			Thresholds: cfg.MonitorThresholds(m),
		})
	}

	agg := aggregator.New(store, logger)
	run := runner.New(store, client, dispatcher, agg, monitors, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		logger.Info("Shutdown signal received, cleaning up...")
		cancel()
	}()

	logger.WithFields(logrus.Fields{
		"monitors":        len(monitors),
		"poll_interval":   cfg.Monitor.PollInterval.String(),
		"cooldown_window": cfg.Monitor.CooldownWindow.String(),
	}).Info("Starting monitoring service")

	ticker := time.NewTicker(cfg.Monitor.PollInterval)
	defer ticker.Stop()

	consecutiveFailures := 0

	handleCycleResult := func(err error) {
		if err != nil {
			consecutiveFailures++
			logger.WithError(err).Error("Monitoring run failed")
			if consecutiveFailures == 1 && telegramClient != nil {
				if sendErr := telegramClient.SendError(err); sendErr != nil {
					logger.WithError(sendErr).Warn("Failed to send error notification")
				}
			}
		} else {
			if consecutiveFailures > 0 && telegramClient != nil {
				if sendErr := telegramClient.SendRecovery(consecutiveFailures); sendErr != nil {
					logger.WithError(sendErr).Warn("Failed to send recovery notification")
				}
			}
			consecutiveFailures = 0
		}
	}

	logger.Debug("Running initial monitoring cycle")
	handleCycleResult(run.RunAll(ctx))

	for {
		select {
		case <-ctx.Done():
			logger.Info("Service stopped")
			return

		case <-ticker.C:
			logger.Debug("Starting scheduled monitoring run")
			handleCycleResult(run.RunAll(ctx))
			if err := store.PruneLedger(time.Now()); err != nil {
				logger.WithError(err).Warn("Failed to prune cooldown ledger")
			}
		}
	}
}
