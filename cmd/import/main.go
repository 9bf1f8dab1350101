package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/timmy/shopsync/internal/app"
	"github.com/timmy/shopsync/internal/config"
	"github.com/timmy/shopsync/internal/domain"
	"github.com/timmy/shopsync/internal/logger"
)

func main() {
	appLogger := logger.New(&logger.Config{
		Level:       "info",
		Format:      "json",
		ServiceName: "shopsync-import",
	})
	logger.SetDefaultLogger(appLogger)

	sourceName := flag.String("source", "shopify", "Order source to import from (shopify or staging:<id>)")
	mode := flag.String("mode", string(domain.ImportModeAll), "Import mode: all, since or range")
	since := flag.String("since", "", "Lower bound on created_at (RFC3339)")
	until := flag.String("until", "", "Upper bound on created_at (RFC3339)")
	financial := flag.String("financial-status", "", "Only import orders with this financial status")
	limit := flag.Int("limit", 0, "Maximum number of orders to import (0 = all)")
	batchSize := flag.Int("batch-size", 0, "Orders per page (0 = config default)")
	resume := flag.String("resume", "", "Resume a paused job by id instead of starting a new one")
	configPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to load config")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.New(ctx, cfg, appLogger)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to initialize application")
	}
	defer a.Close()

	var jobID string
	if *resume != "" {
		res, err := a.Controller.Resume(ctx, *resume)
		if err != nil {
			appLogger.WithError(err).Fatal("Failed to resume job")
		}
		if !res.Success {
			appLogger.WithField("status", res.PreviousStatus).Fatal(res.Message)
		}
		jobID = *resume
	} else {
		filter := domain.OrderFilter{FinancialStatus: *financial}
		filter.CreatedAtMin = parseTime(appLogger, "since", *since)
		filter.CreatedAtMax = parseTime(appLogger, "until", *until)

		job, err := a.Importer.CreateJob(ctx, domain.JobData{
			Mode:      domain.ImportMode(*mode),
			Filter:    filter,
			Source:    *sourceName,
			BatchSize: *batchSize,
			Limit:     *limit,
		})
		if err != nil {
			appLogger.WithError(err).Fatal("Failed to create import job")
		}
		if err := a.Importer.Start(ctx, job); err != nil {
			appLogger.WithError(err).Fatal("Failed to start import job")
		}
		jobID = job.ID
	}

	log := appLogger.WithField(logger.FieldJobID, jobID)
	log.WithFields(logger.Fields{
		logger.FieldSource: *sourceName,
		"limit":            *limit,
	}).Info("Starting import")

	// Interrupt pauses the job; rerun with -resume to continue. The job
	// table must be durable (store.backend redis or gorm) for that to work.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Info("Received shutdown signal, pausing job...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := a.Importer.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Error("Job did not pause in time")
		}
	}()

	a.Importer.Wait(jobID)

	job, err := a.Manager.GetJob(ctx, jobID)
	if err != nil {
		log.WithError(err).Fatal("Failed to load job")
	}
	log.WithFields(logger.Fields{
		logger.FieldStatus: job.Status,
		"imported":         job.Results.Imported,
		"duplicates":       job.Results.Duplicates,
		"failed":           job.Results.Failed,
		"progress":         job.Progress.Percentage(),
	}).Info("Import finished")

	if job.Status == domain.JobStatusFailed {
		os.Exit(1)
	}
}

func parseTime(log *logger.Logger, name, value string) *time.Time {
	if value == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		log.WithError(err).WithField("flag", name).Fatal("Invalid time")
	}
	return &t
}
