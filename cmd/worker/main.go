package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/timmy/shopsync/internal/app"
	"github.com/timmy/shopsync/internal/config"
	"github.com/timmy/shopsync/internal/logger"
	"github.com/timmy/shopsync/internal/queue"
)

func main() {
	appLogger := logger.NewDefault()
	logger.SetDefaultLogger(appLogger)
	defer logger.Sync()

	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to load config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, appLogger)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to initialize application")
	}
	defer a.Close()

	consumer, err := queue.NewConsumer(queue.ConsumerConfig{
		URL:         cfg.Queue.URL,
		Queue:       cfg.Queue.Name,
		Concurrency: cfg.Queue.Concurrency,
		MaxAttempts: cfg.Import.MaxRetries + 1,
	}, func(ctx context.Context, msg queue.OrderMessage) error {
		outcome, err := a.Importer.ProcessOrder(ctx, msg.Order)
		if err != nil {
			return err
		}
		logger.FromContext(ctx).WithFields(logger.Fields{
			"invoice_id": outcome.ArtifactID,
			"duplicate":  outcome.Duplicate,
			"webhook_id": msg.WebhookID,
		}).Info("Queued order invoiced")
		return nil
	}, appLogger)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to connect to queue")
	}
	defer consumer.Close()

	if err := consumer.Run(ctx); err != nil {
		appLogger.WithError(err).Error("Worker stopped")
	}
	appLogger.Info("Worker exited")
}
