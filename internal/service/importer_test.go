package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/timmy/shopsync/internal/checkpoint"
	"github.com/timmy/shopsync/internal/domain"
	"github.com/timmy/shopsync/internal/idempotency"
	"github.com/timmy/shopsync/internal/jobs"
	"github.com/timmy/shopsync/internal/kv"
	"github.com/timmy/shopsync/internal/retry"
	"github.com/timmy/shopsync/internal/source"
	"github.com/timmy/shopsync/internal/storage"
)

// memSource serves orders from a slice with an index cursor.
type memSource struct {
	orders  []domain.Order
	onFetch func(cursor string)
	failing atomic.Bool
	fetches atomic.Int32
}

func newMemSource(n int) *memSource {
	src := &memSource{}
	base := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	for i := 1; i <= n; i++ {
		src.orders = append(src.orders, domain.Order{
			ID:         int64(i),
			Currency:   "EUR",
			TotalPrice: "11.90",
			CreatedAt:  base.Add(time.Duration(i) * time.Minute),
			LineItems:  []domain.LineItem{{ID: 1, Title: "Item", Quantity: 1, Price: "11.90"}},
		})
	}
	return src
}

func (m *memSource) Name() string { return "mem" }

func (m *memSource) FetchBatch(ctx context.Context, cursor string, limit int) ([]domain.Order, string, error) {
	m.fetches.Add(1)
	if m.onFetch != nil {
		m.onFetch(cursor)
	}
	if m.failing.Load() {
		return nil, "", &retry.StatusError{StatusCode: http.StatusServiceUnavailable}
	}
	start := 0
	if cursor != "" {
		start, _ = strconv.Atoi(cursor)
	}
	end := min(start+limit, len(m.orders))
	next := ""
	if end < len(m.orders) {
		next = strconv.Itoa(end)
	}
	return m.orders[start:end], next, nil
}

func (m *memSource) Count(ctx context.Context) (int, error) {
	return len(m.orders), nil
}

type fakeInvoices struct {
	mu       sync.Mutex
	created  map[int64]int
	failFor  map[int64]bool
	onCreate func()
}

func (f *fakeInvoices) CreateFromOrder(ctx context.Context, order domain.Order) (*domain.Invoice, error) {
	if f.onCreate != nil {
		f.onCreate()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failFor[order.ID] {
		return nil, errors.New("boom")
	}
	f.created[order.ID]++
	return &domain.Invoice{ID: fmt.Sprintf("inv-%d-%d", order.ID, f.created[order.ID])}, nil
}

func (f *fakeInvoices) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.created {
		n += c
	}
	return n
}

func (f *fakeInvoices) maxPerOrder() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	m := 0
	for _, c := range f.created {
		m = max(m, c)
	}
	return m
}

type harness struct {
	importer    *Importer
	manager     *jobs.Manager
	checkpoints *checkpoint.Store
	controller  *jobs.Controller
	invoices    *fakeInvoices
	reports     *storage.Memory
}

func newHarness(t *testing.T, src *memSource) *harness {
	t.Helper()
	manager := jobs.NewManager(kv.NewMemory[domain.Job]())
	checkpoints := checkpoint.NewStore(kv.NewMemory[domain.Checkpoint]())
	ledger := idempotency.NewLedger(kv.NewMemory[domain.IdempotencyRecord](), kv.NewMemory[string]())
	invoices := &fakeInvoices{created: map[int64]int{}, failFor: map[int64]bool{}}
	reports := storage.NewMemory()

	registry := source.NewRegistry()
	registry.Register("mem", func(domain.OrderFilter) (source.OrderSource, error) { return src, nil })

	imp := NewImporter(manager, checkpoints, ledger, invoices, registry, nil,
		&ImporterConfig{Workers: 4, BatchSize: 10, MaxRetries: 2},
		WithArchiver(NewReportArchiver(reports)),
		WithRetryOptions(retry.WithSleep(func(context.Context, time.Duration) error { return nil })),
	)
	return &harness{
		importer:    imp,
		manager:     manager,
		checkpoints: checkpoints,
		controller:  jobs.NewController(manager, checkpoints, imp),
		invoices:    invoices,
		reports:     reports,
	}
}

func (h *harness) startJob(t *testing.T, data domain.JobData) *domain.Job {
	t.Helper()
	if data.Source == "" {
		data.Source = "mem"
	}
	job, err := h.importer.CreateJob(context.Background(), data)
	require.NoError(t, err)
	require.NoError(t, h.importer.Start(context.Background(), job))
	return job
}

func (h *harness) job(t *testing.T, id string) *domain.Job {
	t.Helper()
	job, err := h.manager.GetJob(context.Background(), id)
	require.NoError(t, err)
	return job
}

func TestImportPauseResume(t *testing.T) {
	ctx := context.Background()
	src := newMemSource(100)
	h := newHarness(t, src)

	var (
		once     sync.Once
		jobID    string
		pauseRes jobs.ControlResult
		pauseErr error
	)
	src.onFetch = func(cursor string) {
		if cursor == "40" {
			once.Do(func() { pauseRes, pauseErr = h.controller.Pause(ctx, jobID) })
		}
	}

	job, err := h.importer.CreateJob(ctx, domain.JobData{Source: "mem"})
	require.NoError(t, err)
	jobID = job.ID
	require.NoError(t, h.importer.Start(ctx, job))
	h.importer.Wait(job.ID)

	require.NoError(t, pauseErr)
	assert.True(t, pauseRes.Success)
	assert.Equal(t, domain.JobStatusPaused, pauseRes.NewStatus)

	paused := h.job(t, job.ID)
	assert.Equal(t, domain.JobStatusPaused, paused.Status)
	assert.Equal(t, domain.Progress{Current: 40, Total: 100}, paused.Progress)
	assert.Equal(t, 40.0, paused.Progress.Percentage())
	assert.Equal(t, 40, paused.Results.Imported)

	cp, found, err := h.checkpoints.Get(ctx, job.ID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "40", cp.Cursor)
	assert.Equal(t, 40, cp.ProcessedCount)
	assert.Equal(t, "40", cp.LastProcessedID)
	assert.Equal(t, 40, h.invoices.total())

	res, err := h.controller.Resume(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, res.Success)
	h.importer.Wait(job.ID)

	done := h.job(t, job.ID)
	assert.Equal(t, domain.JobStatusCompleted, done.Status)
	assert.Equal(t, domain.Progress{Current: 100, Total: 100}, done.Progress)
	assert.Equal(t, 100.0, done.Progress.Percentage())
	assert.Equal(t, 100, done.Results.Imported)
	assert.Zero(t, done.Results.Duplicates)
	assert.Zero(t, done.Results.Failed)
	assert.NotNil(t, done.CompletedAt)

	assert.Equal(t, 100, h.invoices.total())
	assert.Equal(t, 1, h.invoices.maxPerOrder())

	_, found, err = h.checkpoints.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.False(t, found)

	assert.Equal(t, []string{ReportKey(done)}, h.reports.Keys())
}

func TestImportRerunCountsDuplicates(t *testing.T) {
	src := newMemSource(25)
	h := newHarness(t, src)

	first := h.startJob(t, domain.JobData{})
	h.importer.Wait(first.ID)
	second := h.startJob(t, domain.JobData{})
	h.importer.Wait(second.ID)

	got := h.job(t, second.ID)
	assert.Equal(t, domain.JobStatusCompleted, got.Status)
	assert.Equal(t, 25, got.Results.Duplicates)
	assert.Zero(t, got.Results.Imported)
	assert.Equal(t, 25, h.invoices.total())
}

func TestImportItemFailureContinues(t *testing.T) {
	src := newMemSource(30)
	h := newHarness(t, src)
	h.invoices.failFor[7] = true

	job := h.startJob(t, domain.JobData{})
	h.importer.Wait(job.ID)

	got := h.job(t, job.ID)
	assert.Equal(t, domain.JobStatusCompleted, got.Status)
	assert.Equal(t, 29, got.Results.Imported)
	assert.Equal(t, 1, got.Results.Failed)
	assert.Equal(t, []string{"7: boom"}, got.Results.Errors)
	assert.Equal(t, 30, got.Progress.Current)
}

func TestImportLimit(t *testing.T) {
	src := newMemSource(50)
	h := newHarness(t, src)

	job := h.startJob(t, domain.JobData{Limit: 15})
	h.importer.Wait(job.ID)

	got := h.job(t, job.ID)
	assert.Equal(t, domain.JobStatusCompleted, got.Status)
	assert.Equal(t, domain.Progress{Current: 15, Total: 15}, got.Progress)
	assert.Equal(t, 15, h.invoices.total())
}

func TestImportFetchFailureFailsJobThenRetry(t *testing.T) {
	ctx := context.Background()
	src := newMemSource(20)
	src.failing.Store(true)
	h := newHarness(t, src)

	job := h.startJob(t, domain.JobData{})
	h.importer.Wait(job.ID)

	failed := h.job(t, job.ID)
	assert.Equal(t, domain.JobStatusFailed, failed.Status)
	require.Len(t, failed.Results.Errors, 1)
	assert.Contains(t, failed.Results.Errors[0], "retries exhausted")
	assert.Equal(t, int32(3), src.fetches.Load())

	src.failing.Store(false)
	res, err := h.controller.Retry(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, res.Success)
	h.importer.Wait(job.ID)

	done := h.job(t, job.ID)
	assert.Equal(t, domain.JobStatusCompleted, done.Status)
	assert.Equal(t, 20, done.Results.Imported)
	assert.Empty(t, done.Results.Errors)
}

func TestImportCancel(t *testing.T) {
	ctx := context.Background()
	src := newMemSource(50)
	h := newHarness(t, src)

	var (
		once  sync.Once
		jobID string
	)
	src.onFetch = func(cursor string) {
		if cursor == "20" {
			once.Do(func() { _, _ = h.controller.Cancel(ctx, jobID) })
		}
	}

	job, err := h.importer.CreateJob(ctx, domain.JobData{Source: "mem"})
	require.NoError(t, err)
	jobID = job.ID
	require.NoError(t, h.importer.Start(ctx, job))
	h.importer.Wait(job.ID)

	got := h.job(t, job.ID)
	assert.Equal(t, domain.JobStatusCancelled, got.Status)
	assert.Equal(t, 20, got.Progress.Current)

	_, found, err := h.checkpoints.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.False(t, found)

	res, err := h.controller.Resume(ctx, job.ID)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "cannot resume job in status cancelled", res.Message)
}

func TestResumeExhaustedCheckpointCompletes(t *testing.T) {
	ctx := context.Background()
	src := newMemSource(10)
	h := newHarness(t, src)

	job, err := h.importer.CreateJob(ctx, domain.JobData{Source: "mem"})
	require.NoError(t, err)
	tok, err := h.manager.Begin(ctx, job.ID)
	require.NoError(t, err)
	ok, err := h.manager.PauseJob(ctx, job.ID)
	require.NoError(t, err)
	require.True(t, ok)
	h.manager.Release(job.ID, tok)
	require.NoError(t, h.checkpoints.Save(ctx, domain.Checkpoint{JobID: job.ID, ProcessedCount: 10, Exhausted: true}))

	res, err := h.controller.Resume(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, res.Success)
	h.importer.Wait(job.ID)

	assert.Equal(t, domain.JobStatusCompleted, h.job(t, job.ID).Status)
	assert.Zero(t, src.fetches.Load())
	_, found, err := h.checkpoints.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestStopDuringBatch(t *testing.T) {
	pauseThenDelete := func(c *jobs.Controller, ctx context.Context, id string) (jobs.ControlResult, error) {
		if res, err := c.Pause(ctx, id); err != nil || !res.Success {
			return res, err
		}
		return c.Delete(ctx, id)
	}

	tests := []struct {
		name          string
		orders        int
		stop          func(c *jobs.Controller, ctx context.Context, id string) (jobs.ControlResult, error)
		wantDeleted   bool
		wantStatus    domain.JobStatus
		wantKept      bool
		wantCursor    string
		wantExhausted bool
	}{
		{name: "cancel in last batch", orders: 10, stop: (*jobs.Controller).Cancel, wantStatus: domain.JobStatusCancelled},
		{name: "cancel in first batch", orders: 20, stop: (*jobs.Controller).Cancel, wantStatus: domain.JobStatusCancelled},
		{name: "delete paused job", orders: 20, stop: pauseThenDelete, wantDeleted: true},
		{name: "pause keeps batch progress", orders: 20, stop: (*jobs.Controller).Pause, wantStatus: domain.JobStatusPaused, wantKept: true, wantCursor: "10"},
		{name: "pause in last batch", orders: 10, stop: (*jobs.Controller).Pause, wantStatus: domain.JobStatusPaused, wantKept: true, wantExhausted: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			h := newHarness(t, newMemSource(tt.orders))

			entered := make(chan struct{})
			release := make(chan struct{})
			var once sync.Once
			h.invoices.onCreate = func() {
				once.Do(func() { close(entered) })
				<-release
			}

			job := h.startJob(t, domain.JobData{})
			<-entered
			res, err := tt.stop(h.controller, ctx, job.ID)
			require.NoError(t, err)
			require.True(t, res.Success, res.Message)
			close(release)
			h.importer.Wait(job.ID)

			if tt.wantDeleted {
				_, err := h.manager.GetJob(ctx, job.ID)
				assert.ErrorIs(t, err, jobs.ErrJobNotFound)
			} else {
				assert.Equal(t, tt.wantStatus, h.job(t, job.ID).Status)
			}

			cp, found, err := h.checkpoints.Get(ctx, job.ID)
			require.NoError(t, err)
			require.Equal(t, tt.wantKept, found)
			if tt.wantKept {
				assert.Equal(t, tt.wantCursor, cp.Cursor)
				assert.Equal(t, 10, cp.ProcessedCount)
				assert.Equal(t, tt.wantExhausted, cp.Exhausted)
			}
			assert.Equal(t, 10, h.invoices.total())
		})
	}
}

func TestStartTwiceIsRejected(t *testing.T) {
	ctx := context.Background()
	src := newMemSource(30)
	h := newHarness(t, src)

	release := make(chan struct{})
	src.onFetch = func(string) { <-release }

	job := h.startJob(t, domain.JobData{})
	err := h.importer.Start(ctx, job)
	assert.ErrorIs(t, err, jobs.ErrAlreadyRunning)

	close(release)
	h.importer.Wait(job.ID)
	assert.Equal(t, domain.JobStatusCompleted, h.job(t, job.ID).Status)
}

func TestCreateJobValidation(t *testing.T) {
	h := newHarness(t, newMemSource(1))
	since := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	before := since.Add(-time.Hour)

	tests := []struct {
		name    string
		data    domain.JobData
		wantErr bool
	}{
		{name: "defaults", data: domain.JobData{Source: "mem"}},
		{name: "unknown source", data: domain.JobData{Source: "nope"}, wantErr: true},
		{name: "since without min", data: domain.JobData{Source: "mem", Mode: domain.ImportModeSince}, wantErr: true},
		{name: "since", data: domain.JobData{Source: "mem", Mode: domain.ImportModeSince, Filter: domain.OrderFilter{CreatedAtMin: &since}}},
		{name: "range inverted", data: domain.JobData{Source: "mem", Mode: domain.ImportModeRange, Filter: domain.OrderFilter{CreatedAtMin: &since, CreatedAtMax: &before}}, wantErr: true},
		{name: "unknown mode", data: domain.JobData{Source: "mem", Mode: "weekly"}, wantErr: true},
		{name: "negative limit", data: domain.JobData{Source: "mem", Limit: -1}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job, err := h.importer.CreateJob(context.Background(), tt.data)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidJob)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, domain.JobStatusPending, job.Status)
			assert.Equal(t, domain.JobTypeBulkImport, job.Type)
			assert.Equal(t, 10, job.Data.BatchSize)
		})
	}
}

func TestProcessOrder(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, newMemSource(0))
	order := newMemSource(1).orders[0]

	first, err := h.importer.ProcessOrder(ctx, order)
	require.NoError(t, err)
	assert.False(t, first.Duplicate)

	again, err := h.importer.ProcessOrder(ctx, order)
	require.NoError(t, err)
	assert.True(t, again.Duplicate)
	assert.Equal(t, first.ArtifactID, again.ArtifactID)

	order.TotalPrice = "12.90"
	changed, err := h.importer.ProcessOrder(ctx, order)
	require.NoError(t, err)
	assert.False(t, changed.Duplicate)
	assert.NotEqual(t, first.ArtifactID, changed.ArtifactID)

	_, err = h.importer.ProcessOrder(ctx, domain.Order{})
	assert.ErrorIs(t, err, ErrInvalidJob)
}

func TestSyncOrderNeedsOrderGetter(t *testing.T) {
	h := newHarness(t, newMemSource(3))

	_, err := h.importer.SyncOrder(context.Background(), "mem", 1)
	assert.ErrorIs(t, err, ErrInvalidJob)
	_, err = h.importer.SyncOrder(context.Background(), "nope", 1)
	assert.ErrorIs(t, err, ErrInvalidJob)
	_, err = h.importer.SyncOrder(context.Background(), "mem", 0)
	assert.ErrorIs(t, err, ErrInvalidJob)
	assert.Zero(t, h.invoices.total())
}

func TestShutdownPausesRunningJobs(t *testing.T) {
	src := newMemSource(30)
	h := newHarness(t, src)

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	src.onFetch = func(cursor string) {
		if cursor == "10" {
			once.Do(func() {
				close(entered)
				<-release
			})
		}
	}

	job := h.startJob(t, domain.JobData{})
	<-entered

	shutdownErr := make(chan error, 1)
	go func() { shutdownErr <- h.importer.Shutdown(context.Background()) }()

	require.Eventually(t, func() bool {
		return h.job(t, job.ID).Status == domain.JobStatusPaused
	}, time.Second, 5*time.Millisecond)
	close(release)
	require.NoError(t, <-shutdownErr)

	got := h.job(t, job.ID)
	assert.Equal(t, domain.JobStatusPaused, got.Status)
	assert.Equal(t, 10, got.Progress.Current)
	cp, found, err := h.checkpoints.Get(context.Background(), job.ID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "10", cp.Cursor)
}
