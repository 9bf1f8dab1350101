package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/timmy/shopsync/internal/api"
	"github.com/timmy/shopsync/internal/api/handler"
	"github.com/timmy/shopsync/internal/app"
	"github.com/timmy/shopsync/internal/config"
	"github.com/timmy/shopsync/internal/logger"
	"github.com/timmy/shopsync/internal/maintenance"
	"github.com/timmy/shopsync/internal/queue"
)

func main() {
	appLogger := logger.NewDefault()
	logger.SetDefaultLogger(appLogger)
	defer logger.Sync()

	// Support CONFIG_PATH environment variable for production deployments
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to load config")
	}

	ctx := context.Background()
	a, err := app.New(ctx, cfg, appLogger)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to initialize application")
	}
	defer a.Close()

	// Webhook orders go through RabbitMQ when the queue is enabled.
	var publisher handler.OrderPublisher
	if cfg.Queue.Enabled {
		p, err := queue.NewPublisher(cfg.Queue.URL, cfg.Queue.Name)
		if err != nil {
			appLogger.WithError(err).Fatal("Failed to connect to queue")
		}
		defer p.Close()
		publisher = p
	}

	var scheduler *maintenance.Scheduler
	if cfg.Maintenance.InProcess {
		scheduler, err = maintenance.NewScheduler(a.MaintenanceTask(), cfg.Maintenance.Schedule, appLogger)
		if err != nil {
			appLogger.WithError(err).Fatal("Failed to create maintenance scheduler")
		}
		scheduler.Start()
	}

	router := api.SetupRouter(api.Handlers{
		Health:      handler.NewHealthHandler(a.HealthChecks()),
		Jobs:        handler.NewJobHandler(a.Importer, a.Manager, a.Controller, a.Checkpoints, appLogger),
		Invoices:    handler.NewInvoiceHandler(a.Invoices),
		Idempotency: handler.NewIdempotencyHandler(a.Ledger),
		Webhooks:    handler.NewWebhookHandler(cfg.Shopify.WebhookSecret, a.Importer, publisher, appLogger),
		Orders:      handler.NewOrderHandler(a.Importer, appLogger),
	}, cfg, appLogger)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		appLogger.WithFields(logger.Fields{
			"port":  cfg.Server.Port,
			"mode":  cfg.Server.Mode,
			"queue": cfg.Queue.Enabled,
		}).Info("Starting API server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLogger.WithError(err).Fatal("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLogger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.WithError(err).Error("Server forced to shutdown")
	}
	// Running imports are paused so their checkpoints survive the restart.
	if err := a.Importer.Shutdown(shutdownCtx); err != nil {
		appLogger.WithError(err).Error("Import jobs did not stop in time")
	}
	if scheduler != nil {
		if err := scheduler.Stop(shutdownCtx); err != nil {
			appLogger.WithError(err).Warn("Maintenance run still in progress")
		}
	}

	appLogger.Info("Server exited")
}
