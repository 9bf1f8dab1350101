package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/timmy/shopsync/internal/checkpoint"
	"github.com/timmy/shopsync/internal/domain"
	"github.com/timmy/shopsync/internal/idempotency"
	"github.com/timmy/shopsync/internal/jobs"
	"github.com/timmy/shopsync/internal/logger"
	"github.com/timmy/shopsync/internal/retry"
	"github.com/timmy/shopsync/internal/source"
	"golang.org/x/sync/errgroup"
)

// ErrInvalidJob is returned for import requests that cannot run.
var ErrInvalidJob = errors.New("invalid import job")

// statusDeleted stands in for the status of a job removed while running.
const statusDeleted domain.JobStatus = "deleted"

// InvoiceCreator turns one order into a persisted invoice.
type InvoiceCreator interface {
	CreateFromOrder(ctx context.Context, order domain.Order) (*domain.Invoice, error)
}

// ImporterConfig holds configuration for the importer.
type ImporterConfig struct {
	Workers    int
	BatchSize  int
	MaxRetries int
}

// Importer runs bulk import jobs and processes single orders.
// It implements jobs.Runner.
type Importer struct {
	manager     *jobs.Manager
	checkpoints *checkpoint.Store
	ledger      *idempotency.Ledger
	invoices    InvoiceCreator
	sources     *source.Registry
	archiver    *ReportArchiver
	logger      *logger.Logger
	workers     int
	batchSize   int
	retryOpts   []retry.Option

	mu      sync.Mutex
	running map[string]chan struct{}
}

// ImporterOption configures an Importer.
type ImporterOption func(*Importer)

// WithArchiver uploads a report when a job ends.
func WithArchiver(a *ReportArchiver) ImporterOption {
	return func(s *Importer) { s.archiver = a }
}

// WithRetryOptions appends options to every fetch retry.
func WithRetryOptions(opts ...retry.Option) ImporterOption {
	return func(s *Importer) { s.retryOpts = append(s.retryOpts, opts...) }
}

// NewImporter creates an importer.
func NewImporter(
	manager *jobs.Manager,
	checkpoints *checkpoint.Store,
	ledger *idempotency.Ledger,
	invoices InvoiceCreator,
	sources *source.Registry,
	log *logger.Logger,
	cfg *ImporterConfig,
	opts ...ImporterOption,
) *Importer {
	s := &Importer{
		manager:     manager,
		checkpoints: checkpoints,
		ledger:      ledger,
		invoices:    invoices,
		sources:     sources,
		logger:      log,
		workers:     max(cfg.Workers, 1),
		batchSize:   cfg.BatchSize,
		retryOpts:   []retry.Option{retry.WithMaxRetries(cfg.MaxRetries)},
		running:     make(map[string]chan struct{}),
	}
	if s.batchSize <= 0 {
		s.batchSize = 50
	}
	if s.logger == nil {
		s.logger = logger.GetDefault()
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// log returns a logger from context if available, otherwise returns the default logger
func (s *Importer) log(ctx context.Context) *logger.Logger {
	if l := logger.FromContext(ctx); l != nil {
		return l
	}
	return s.logger
}

// CreateJob validates data and stores a pending bulk import job.
func (s *Importer) CreateJob(ctx context.Context, data domain.JobData) (*domain.Job, error) {
	if data.Mode == "" {
		data.Mode = domain.ImportModeAll
	}
	if err := s.validate(data); err != nil {
		return nil, err
	}
	if data.BatchSize <= 0 {
		data.BatchSize = s.batchSize
	}
	return s.manager.CreateJob(ctx, domain.JobTypeBulkImport, data)
}

func (s *Importer) validate(data domain.JobData) error {
	if !s.sources.Has(data.Source) {
		return fmt.Errorf("%w: unknown source %q", ErrInvalidJob, data.Source)
	}
	if data.BatchSize < 0 || data.Limit < 0 {
		return fmt.Errorf("%w: batch_size and limit must not be negative", ErrInvalidJob)
	}
	f := data.Filter
	switch data.Mode {
	case domain.ImportModeAll:
	case domain.ImportModeSince:
		if f.CreatedAtMin == nil {
			return fmt.Errorf("%w: mode since requires filter.created_at_min", ErrInvalidJob)
		}
	case domain.ImportModeRange:
		if f.CreatedAtMin == nil || f.CreatedAtMax == nil {
			return fmt.Errorf("%w: mode range requires created_at_min and created_at_max", ErrInvalidJob)
		}
		if f.CreatedAtMax.Before(*f.CreatedAtMin) {
			return fmt.Errorf("%w: created_at_max is before created_at_min", ErrInvalidJob)
		}
	default:
		return fmt.Errorf("%w: unknown mode %q", ErrInvalidJob, data.Mode)
	}
	return nil
}

// Start runs job from the beginning on a background goroutine.
func (s *Importer) Start(ctx context.Context, job *domain.Job) error {
	return s.launch(ctx, job.ID, nil)
}

// Resume runs job from cp on a background goroutine.
func (s *Importer) Resume(ctx context.Context, job *domain.Job, cp domain.Checkpoint) error {
	return s.launch(ctx, job.ID, &cp)
}

// launch waits for a paused or cancelled previous run of the job to return,
// then moves the job to running before the goroutine starts.
func (s *Importer) launch(ctx context.Context, id string, cp *domain.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.running[id]; ok {
		if s.manager.HasActiveToken(id) {
			return fmt.Errorf("%s: %w", id, jobs.ErrAlreadyRunning)
		}
		select {
		case <-prev:
		case <-ctx.Done():
			return ctx.Err()
		}
		delete(s.running, id)
	}

	tok, err := s.manager.Begin(ctx, id)
	if err != nil {
		return err
	}

	runCtx := logger.SetJobID(context.WithoutCancel(ctx), id)
	runCtx = logger.SetComponent(runCtx, "importer")
	done := make(chan struct{})
	s.running[id] = done
	go func() {
		defer s.forget(id, done)
		defer close(done)
		defer s.manager.Release(id, tok)
		s.run(runCtx, id, tok, cp)
	}()
	return nil
}

// forget drops a finished run unless a newer run replaced it.
func (s *Importer) forget(id string, done chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running[id] == done {
		delete(s.running, id)
	}
}

// Wait blocks until the current run of job id has returned.
func (s *Importer) Wait(id string) {
	s.mu.Lock()
	done := s.running[id]
	s.mu.Unlock()
	if done != nil {
		<-done
	}
}

// Shutdown pauses every running job so its checkpoint survives, then waits
// for the runs to return or ctx to end.
func (s *Importer) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	ids := make([]string, 0, len(s.running))
	for id := range s.running {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		if _, err := s.manager.PauseJob(ctx, id); err != nil && !errors.Is(err, jobs.ErrIllegalTransition) {
			s.log(ctx).WithError(err).WithField(logger.FieldJobID, id).Warn("Failed to pause job on shutdown")
		}
	}

	waited := make(chan struct{})
	go func() {
		for _, id := range ids {
			s.Wait(id)
		}
		close(waited)
	}()
	select {
	case <-waited:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type page struct {
	orders []domain.Order
	next   string
}

func (s *Importer) run(ctx context.Context, id string, tok *jobs.Token, cp *domain.Checkpoint) {
	start := time.Now()
	log := s.log(ctx)

	job, err := s.manager.GetJob(ctx, id)
	if err != nil {
		log.WithError(err).Error("Failed to load job")
		return
	}

	state := domain.Checkpoint{JobID: id}
	if cp != nil {
		state = *cp
	}
	if state.Exhausted {
		s.complete(ctx, id)
		return
	}
	if cp == nil {
		if err := s.checkpoints.Save(ctx, state); err != nil {
			s.fail(ctx, id, fmt.Errorf("save initial checkpoint: %w", err))
			return
		}
	}

	src, err := s.sources.Open(job.Data.Source, job.Data.Filter)
	if err != nil {
		s.fail(ctx, id, err)
		return
	}
	ctx = logger.WithField(ctx, logger.FieldSource, src.Name())
	log = s.log(ctx)

	limit := job.Data.Limit
	batchSize := job.Data.BatchSize
	if batchSize <= 0 {
		batchSize = s.batchSize
	}

	total := s.total(ctx, src, limit)
	if err := s.manager.AdvanceProgress(ctx, id, state.ProcessedCount, total); err != nil {
		log.WithError(err).Warn("Failed to update progress")
	}

	log.WithFields(logger.Fields{
		"cursor":     state.Cursor,
		"processed":  state.ProcessedCount,
		"total":      total,
		"batch_size": batchSize,
		"resumed":    cp != nil,
	}).Info("Starting import")

	for {
		if tok.IsCancelled() {
			s.stopped(ctx, id, tok, nil)
			return
		}

		size := batchSize
		if limit > 0 {
			size = min(size, limit-state.ProcessedCount)
		}

		p, err := s.fetch(ctx, tok, src, state.Cursor, size)
		if tok.IsCancelled() {
			// The fetched page is dropped; the checkpoint still points at it.
			s.stopped(ctx, id, tok, nil)
			return
		}
		if err != nil {
			s.fail(ctx, id, fmt.Errorf("fetch batch at cursor %q: %w", state.Cursor, err))
			return
		}

		orders := p.orders
		if limit > 0 && len(orders) > limit-state.ProcessedCount {
			orders = orders[:limit-state.ProcessedCount]
		}

		s.processBatch(ctx, id, orders)

		state.ProcessedCount += len(orders)
		state.Cursor = p.next
		if len(orders) > 0 {
			state.LastProcessedID = orders[len(orders)-1].ExternalID()
		}
		state.Exhausted = p.next == "" || len(p.orders) == 0 ||
			(limit > 0 && state.ProcessedCount >= limit)

		if err := s.manager.AdvanceProgress(ctx, id, state.ProcessedCount, total); err != nil && !errors.Is(err, jobs.ErrJobNotFound) {
			log.WithError(err).Warn("Failed to update progress")
		}
		if tok.IsCancelled() {
			s.stopped(ctx, id, tok, &state)
			return
		}
		if err := s.checkpoints.Save(ctx, state); err != nil {
			s.fail(ctx, id, fmt.Errorf("save checkpoint: %w", err))
			return
		}

		log.WithFields(logger.Fields{
			logger.FieldCount: len(orders),
			"processed":       state.ProcessedCount,
			"cursor":          state.Cursor,
		}).Debug("Batch processed")

		if state.Exhausted {
			break
		}
	}

	s.complete(ctx, id)
	logger.With(logger.Fields{"processed": state.ProcessedCount}).
		WithDuration(time.Since(start).Milliseconds()).
		Info(ctx, "Import finished")
}

// total returns the expected number of orders, or 0 when the source cannot
// count.
func (s *Importer) total(ctx context.Context, src source.OrderSource, limit int) int {
	n, err := src.Count(ctx)
	if err != nil {
		if !errors.Is(err, source.ErrCountUnsupported) {
			s.log(ctx).WithError(err).Warn("Failed to count orders")
		}
		return limit
	}
	if limit > 0 && limit < n {
		return limit
	}
	return n
}

// fetch retries FetchBatch. Backoff sleeps end early once tok is cancelled.
func (s *Importer) fetch(ctx context.Context, tok *jobs.Token, src source.OrderSource, cursor string, size int) (page, error) {
	fetchCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-tok.Done():
			cancel()
		case <-fetchCtx.Done():
		}
	}()

	opts := append([]retry.Option{
		retry.WithOnRetry(func(attempt int, err error) {
			s.log(ctx).WithError(err).WithField(logger.FieldAttempt, attempt).Warn("Retrying batch fetch")
		}),
	}, s.retryOpts...)

	return retry.Do(fetchCtx, func(ctx context.Context) (page, error) {
		orders, next, err := src.FetchBatch(ctx, cursor, size)
		return page{orders: orders, next: next}, err
	}, opts...)
}

// processBatch runs every order of the batch. Item errors are recorded on
// the job and never stop the batch.
func (s *Importer) processBatch(ctx context.Context, id string, orders []domain.Order) {
	var g errgroup.Group
	g.SetLimit(s.workers)
	for _, order := range orders {
		g.Go(func() error {
			itemCtx := logger.SetOrderID(ctx, order.ExternalID())
			outcome, err := s.ProcessOrder(itemCtx, order)
			if err != nil {
				s.log(itemCtx).WithError(err).Warn("Failed to process order")
			}
			res := jobs.ItemResult{ExternalID: order.ExternalID(), Duplicate: outcome.Duplicate, Err: err}
			if err := s.manager.RecordItem(itemCtx, id, res); err != nil && !errors.Is(err, jobs.ErrJobNotFound) {
				s.log(itemCtx).WithError(err).Error("Failed to record item result")
			}
			return nil
		})
	}
	_ = g.Wait()
}

// SyncOrder fetches one order from the named source and invoices it like a
// webhook delivery would.
func (s *Importer) SyncOrder(ctx context.Context, sourceName string, id int64) (idempotency.Outcome, error) {
	if id <= 0 {
		return idempotency.Outcome{}, fmt.Errorf("%w: order id must be positive", ErrInvalidJob)
	}
	src, err := s.sources.Open(sourceName, domain.OrderFilter{})
	if errors.Is(err, source.ErrUnknownSource) {
		return idempotency.Outcome{}, fmt.Errorf("%w: %v", ErrInvalidJob, err)
	}
	if err != nil {
		return idempotency.Outcome{}, err
	}
	getter, ok := src.(source.OrderGetter)
	if !ok {
		return idempotency.Outcome{}, fmt.Errorf("%w: source %q cannot fetch single orders", ErrInvalidJob, sourceName)
	}

	order, err := retry.Do(ctx, func(ctx context.Context) (*domain.Order, error) {
		return getter.GetOrder(ctx, id)
	}, s.retryOpts...)
	if err != nil {
		return idempotency.Outcome{}, err
	}
	return s.ProcessOrder(logger.SetOrderID(ctx, order.ExternalID()), *order)
}

// OpenReport returns the archived report of job and its storage URL.
func (s *Importer) OpenReport(ctx context.Context, job *domain.Job) (io.ReadCloser, string, error) {
	return s.archiver.Open(ctx, job)
}

// RemoveReport deletes the archived report of a deleted job.
func (s *Importer) RemoveReport(ctx context.Context, job *domain.Job) {
	removed, err := s.archiver.Remove(ctx, job)
	if err != nil {
		s.log(ctx).WithError(err).Warn("Failed to remove job report")
		return
	}
	if removed {
		s.log(ctx).WithField("report_key", ReportKey(job)).Info("Job report removed")
	}
}

// ProcessOrder creates the invoice for order at most once.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - order: order to invoice.
// Returns:
//   - idempotency.Outcome: invoice id and whether it existed before.
//   - error: validation, conflict or persistence error.
func (s *Importer) ProcessOrder(ctx context.Context, order domain.Order) (idempotency.Outcome, error) {
	if order.ID <= 0 {
		return idempotency.Outcome{}, fmt.Errorf("%w: order without id", ErrInvalidJob)
	}
	fp := idempotency.Fingerprint(order)
	return s.ledger.Execute(ctx, order.ExternalID(), fp, func(ctx context.Context) (string, error) {
		inv, err := s.invoices.CreateFromOrder(ctx, order)
		if err != nil {
			return "", err
		}
		s.log(ctx).WithFields(logger.Fields{
			"invoice_id":     inv.ID,
			"invoice_number": inv.Number,
		}).Info("Invoice created")
		return inv.ID, nil
	})
}

// complete marks the job completed, drops its checkpoint and archives the
// report. A job paused after its last batch keeps the exhausted checkpoint
// and completes on resume; a job cancelled or deleted meanwhile loses it.
func (s *Importer) complete(ctx context.Context, id string) {
	status := domain.JobStatusCompleted
	job, err := s.manager.UpdateJob(ctx, id, jobs.Patch{Status: &status})
	if err != nil {
		var te *jobs.TransitionError
		switch {
		case errors.As(err, &te) && te.From == domain.JobStatusPaused:
			s.log(ctx).Info("Job paused before completion, keeping checkpoint")
		case errors.As(err, &te), errors.Is(err, jobs.ErrJobNotFound):
			from := statusDeleted
			if te != nil {
				from = te.From
			}
			s.log(ctx).WithField(logger.FieldStatus, string(from)).Info("Job stopped before completion, dropping checkpoint")
			s.clear(ctx, id)
		default:
			s.log(ctx).WithError(err).Error("Failed to mark job completed")
		}
		return
	}
	s.clear(ctx, id)
	s.archive(ctx, job)
}

func (s *Importer) fail(ctx context.Context, id string, cause error) {
	s.log(ctx).WithError(cause).Error("Import failed")
	if err := s.manager.AppendError(ctx, id, cause.Error()); err != nil {
		s.log(ctx).WithError(err).Warn("Failed to record job error")
	}
	status := domain.JobStatusFailed
	job, err := s.manager.UpdateJob(ctx, id, jobs.Patch{Status: &status})
	if err != nil {
		s.log(ctx).WithError(err).Warn("Failed to mark job failed")
		return
	}
	s.archive(ctx, job)
}

// stopped settles a run ended by pause, cancel or delete. A paused job keeps
// its checkpoint, advanced to state when the stop landed mid-batch. A
// cancelled or deleted job drops it.
func (s *Importer) stopped(ctx context.Context, id string, tok *jobs.Token, state *domain.Checkpoint) {
	log := s.log(ctx).WithField("reason", string(tok.Reason()))

	status, err := s.status(ctx, id)
	if err != nil {
		log.WithError(err).Warn("Import stopped, job state unknown")
		return
	}
	if status == domain.JobStatusPaused {
		if state == nil {
			log.WithField(logger.FieldStatus, string(status)).Info("Import stopped")
			return
		}
		if err := s.checkpoints.Save(ctx, *state); err != nil {
			log.WithError(err).Error("Failed to save checkpoint")
			return
		}
		// Cancel and delete change the status before clearing, so a
		// second read catches one that raced the save.
		if status, err = s.status(ctx, id); err != nil || status == domain.JobStatusPaused {
			log.WithField(logger.FieldStatus, string(status)).Info("Import stopped")
			return
		}
	}

	log.WithField(logger.FieldStatus, string(status)).Info("Import stopped, dropping checkpoint")
	s.clear(ctx, id)
}

// status returns the job status, or "deleted" once the job is gone.
func (s *Importer) status(ctx context.Context, id string) (domain.JobStatus, error) {
	job, err := s.manager.GetJob(ctx, id)
	if errors.Is(err, jobs.ErrJobNotFound) {
		return statusDeleted, nil
	}
	if err != nil {
		return "", err
	}
	return job.Status, nil
}

func (s *Importer) clear(ctx context.Context, id string) {
	if err := s.checkpoints.Clear(ctx, id); err != nil {
		s.log(ctx).WithError(err).Warn("Failed to clear checkpoint")
	}
}

func (s *Importer) archive(ctx context.Context, job *domain.Job) {
	if s.archiver == nil {
		return
	}
	key, err := s.archiver.Archive(ctx, job)
	if err != nil {
		s.log(ctx).WithError(err).Warn("Failed to archive job report")
		return
	}
	if key != "" {
		s.log(ctx).WithField("report_key", key).Info("Job report archived")
	}
}
