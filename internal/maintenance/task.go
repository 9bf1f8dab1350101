// Package maintenance expires idempotency records and old jobs.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/timmy/shopsync/internal/idempotency"
	"github.com/timmy/shopsync/internal/jobs"
	"github.com/timmy/shopsync/internal/logger"
)

// Config holds retention settings.
type Config struct {
	RecordRetention time.Duration
	JobRetention    time.Duration
	// StaleAfter reports processing records older than this. Zero disables.
	StaleAfter time.Duration
}

// Report summarizes one maintenance run.
type Report struct {
	RecordsRemoved int                     `json:"records_removed"`
	JobsRemoved    int                     `json:"jobs_removed"`
	Collisions     []idempotency.Collision `json:"collisions"`
	Stale          []string                `json:"stale_processing"`
	StartedAt      time.Time               `json:"started_at"`
	Duration       time.Duration           `json:"duration"`
}

// Task performs one maintenance pass.
type Task struct {
	ledger  *idempotency.Ledger
	manager *jobs.Manager
	cfg     Config
	logger  *logger.Logger
}

// NewTask creates a maintenance task.
func NewTask(ledger *idempotency.Ledger, manager *jobs.Manager, cfg Config, log *logger.Logger) *Task {
	if log == nil {
		log = logger.GetDefault()
	}
	return &Task{
		ledger:  ledger,
		manager: manager,
		cfg:     cfg,
		logger:  log.WithField(logger.FieldComponent, "maintenance"),
	}
}

// Run removes expired idempotency records and terminal jobs, then reports
// fingerprints shared by several orders. A failing step does not stop the
// others; their errors are joined.
func (t *Task) Run(ctx context.Context) (Report, error) {
	report := Report{StartedAt: time.Now()}
	var errs []error

	if t.cfg.RecordRetention > 0 {
		n, err := t.ledger.Cleanup(ctx, t.cfg.RecordRetention)
		report.RecordsRemoved = n
		if err != nil {
			errs = append(errs, fmt.Errorf("cleanup idempotency records: %w", err))
		}
	}

	if t.cfg.JobRetention > 0 {
		n, err := t.manager.CleanupOldJobs(ctx, t.cfg.JobRetention)
		report.JobsRemoved = n
		if err != nil {
			errs = append(errs, fmt.Errorf("cleanup jobs: %w", err))
		}
	}

	collisions, err := t.ledger.DetectCollisions(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("detect collisions: %w", err))
	}
	report.Collisions = collisions
	for _, c := range collisions {
		t.logger.WithFields(logger.Fields{
			"fingerprint":  c.Fingerprint,
			"external_ids": c.ExternalIDs,
		}).Warn("Fingerprint shared by several orders")
	}

	if t.cfg.StaleAfter > 0 {
		stale, err := t.ledger.Stale(ctx, t.cfg.StaleAfter)
		if err != nil {
			errs = append(errs, fmt.Errorf("find stale idempotency records: %w", err))
		}
		for _, rec := range stale {
			report.Stale = append(report.Stale, rec.Key)
			t.logger.WithFields(logger.Fields{
				"idempotency_key": rec.Key,
				"created_at":      rec.CreatedAt,
			}).Warn("Idempotency record stuck in processing")
		}
	}

	report.Duration = time.Since(report.StartedAt)
	t.logger.WithFields(logger.Fields{
		"records_removed":      report.RecordsRemoved,
		"jobs_removed":         report.JobsRemoved,
		"collisions":           len(collisions),
		"stale_processing":     len(report.Stale),
		logger.FieldDurationMs: report.Duration.Milliseconds(),
	}).Info("Maintenance finished")

	return report, errors.Join(errs...)
}
