package main

import (
	"context"
	"flag"
	"time"

	"github.com/timmy/shopsync/internal/app"
	"github.com/timmy/shopsync/internal/config"
	"github.com/timmy/shopsync/internal/logger"
)

// One maintenance pass for an external scheduler such as a Kubernetes CronJob.
func main() {
	appLogger := logger.New(&logger.Config{
		Level:       "info",
		Format:      "json",
		ServiceName: "shopsync-maintenance",
	})
	logger.SetDefaultLogger(appLogger)

	configPath := flag.String("config", "", "Path to config file")
	timeout := flag.Duration("timeout", 10*time.Minute, "Abort the run after this long")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to load config")
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	a, err := app.New(ctx, cfg, appLogger)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to initialize application")
	}
	defer a.Close()

	report, err := a.MaintenanceTask().Run(ctx)
	if err != nil {
		appLogger.WithError(err).Fatal("Maintenance run failed")
	}
	appLogger.WithFields(logger.Fields{
		"records_removed": report.RecordsRemoved,
		"jobs_removed":    report.JobsRemoved,
		"collisions":      len(report.Collisions),
	}).Info("Maintenance completed")
}
