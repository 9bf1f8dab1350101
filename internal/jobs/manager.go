// Package jobs owns the lifecycle of background import jobs: the state
// machine, progress counters and per-job cancellation tokens.
package jobs

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/timmy/shopsync/internal/domain"
	"github.com/timmy/shopsync/internal/kv"
)

// Patch lists the job fields UpdateJob changes. Nil fields are kept.
type Patch struct {
	Status   *domain.JobStatus
	Progress *domain.Progress
	Data     *domain.JobData
	Results  *domain.Results
}

// ItemResult is the outcome of one processed item.
type ItemResult struct {
	ExternalID string
	Duplicate  bool
	Err        error
}

// Manager stores jobs and their tokens. All read-modify-write sequences
// hold one process-local mutex.
type Manager struct {
	mu     sync.Mutex
	store  kv.Store[domain.Job]
	tokens map[string]*Token
	now    func() time.Time
	newID  func() string
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithIDGenerator overrides ULID job ids.
func WithIDGenerator(gen func() string) Option {
	return func(m *Manager) { m.newID = gen }
}

// NewManager creates a manager over the job table.
func NewManager(store kv.Store[domain.Job], opts ...Option) *Manager {
	m := &Manager{
		store:  store,
		tokens: make(map[string]*Token),
		now:    time.Now,
		newID:  func() string { return ulid.Make().String() },
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CreateJob stores a pending job with zeroed progress and results.
func (m *Manager) CreateJob(ctx context.Context, typ domain.JobType, data domain.JobData) (*domain.Job, error) {
	now := m.now()
	job := domain.Job{
		ID:        m.newID(),
		Type:      typ,
		Status:    domain.JobStatusPending,
		Data:      data,
		Results:   domain.Results{Errors: []string{}},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.store.Set(ctx, job.ID, job); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	return &job, nil
}

// GetJob returns the job with id or ErrJobNotFound.
func (m *Manager) GetJob(ctx context.Context, id string) (*domain.Job, error) {
	job, err := m.load(ctx, id)
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func (m *Manager) load(ctx context.Context, id string) (domain.Job, error) {
	job, found, err := m.store.Get(ctx, id)
	if err != nil {
		return domain.Job{}, fmt.Errorf("load job %s: %w", id, err)
	}
	if !found {
		return domain.Job{}, fmt.Errorf("%s: %w", id, ErrJobNotFound)
	}
	return job, nil
}

// save refreshes UpdatedAt and stamps CompletedAt on terminal statuses.
func (m *Manager) save(ctx context.Context, job *domain.Job) error {
	now := m.now()
	job.UpdatedAt = now
	if job.Status.IsTerminal() && job.CompletedAt == nil {
		job.CompletedAt = &now
	}
	if err := m.store.Set(ctx, job.ID, *job); err != nil {
		return fmt.Errorf("save job %s: %w", job.ID, err)
	}
	return nil
}

// UpdateJob merges patch into the job. A status change must follow
// ValidTransitions.
func (m *Manager) UpdateJob(ctx context.Context, id string, patch Patch) (*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, err := m.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if patch.Status != nil && *patch.Status != job.Status {
		if !CanTransition(job.Status, *patch.Status) {
			return nil, fmt.Errorf("job %s -> %s: %w", id, *patch.Status, &TransitionError{Action: "update", From: job.Status})
		}
		job.Status = *patch.Status
	}
	if patch.Progress != nil {
		job.Progress = *patch.Progress
	}
	if patch.Data != nil {
		job.Data = *patch.Data
	}
	if patch.Results != nil {
		job.Results = *patch.Results
	}
	if err := m.save(ctx, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// Begin registers a fresh token for the job and moves it to running.
func (m *Manager) Begin(ctx context.Context, id string) (*Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, err := m.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if tok, ok := m.tokens[id]; ok && !tok.IsCancelled() {
		return nil, fmt.Errorf("%s: %w", id, ErrAlreadyRunning)
	}
	if !CanTransition(job.Status, domain.JobStatusRunning) {
		return nil, &TransitionError{Action: "start", From: job.Status}
	}

	job.Status = domain.JobStatusRunning
	if err := m.save(ctx, &job); err != nil {
		return nil, err
	}
	tok := newToken()
	m.tokens[id] = tok
	return tok, nil
}

// Release drops tok once its run returned. A newer token for the same job
// is left alone.
func (m *Manager) Release(id string, tok *Token) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tokens[id] == tok {
		delete(m.tokens, id)
	}
}

// HasActiveToken reports whether a run for id is registered and not cancelled.
func (m *Manager) HasActiveToken(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	tok, ok := m.tokens[id]
	return ok && !tok.IsCancelled()
}

// PauseJob signals the running loop to stop at its next batch boundary and
// marks the job paused. It returns false when no run is registered.
func (m *Manager) PauseJob(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, err := m.load(ctx, id)
	if err != nil {
		return false, err
	}
	if job.Status != domain.JobStatusRunning && job.Status != domain.JobStatusPending {
		return false, &TransitionError{Action: "pause", From: job.Status}
	}
	tok, ok := m.tokens[id]
	if !ok {
		return false, nil
	}

	tok.cancel(ReasonPaused)
	job.Status = domain.JobStatusPaused
	if err := m.save(ctx, &job); err != nil {
		return false, err
	}
	return true, nil
}

// CancelJob aborts and discards the job's token and marks it cancelled.
// Clearing the checkpoint is up to the caller.
func (m *Manager) CancelJob(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, err := m.load(ctx, id)
	if err != nil {
		return false, err
	}
	if !CanTransition(job.Status, domain.JobStatusCancelled) {
		return false, &TransitionError{Action: "cancel", From: job.Status}
	}
	if tok, ok := m.tokens[id]; ok {
		tok.cancel(ReasonCancelled)
		delete(m.tokens, id)
	}

	job.Status = domain.JobStatusCancelled
	if err := m.save(ctx, &job); err != nil {
		return false, err
	}
	return true, nil
}

// ResetJob moves a failed job back to pending with zeroed progress and results.
func (m *Manager) ResetJob(ctx context.Context, id string) (*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, err := m.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if !CanTransition(job.Status, domain.JobStatusPending) {
		return nil, &TransitionError{Action: "retry", From: job.Status}
	}

	job.Status = domain.JobStatusPending
	job.Progress = domain.Progress{}
	job.Results = domain.Results{Errors: []string{}}
	job.Data.Cursor = ""
	job.CompletedAt = nil
	if err := m.save(ctx, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// DeleteJob removes a completed, failed, cancelled or paused job.
func (m *Manager) DeleteJob(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, err := m.load(ctx, id)
	if err != nil {
		return err
	}
	if !CanDelete(job.Status) {
		return &TransitionError{Action: "delete", From: job.Status}
	}
	if tok, ok := m.tokens[id]; ok {
		tok.cancel(ReasonCancelled)
		delete(m.tokens, id)
	}
	if err := m.store.Delete(ctx, id); err != nil {
		return fmt.Errorf("delete job %s: %w", id, err)
	}
	return nil
}

// GetAllJobs lists jobs newest first.
func (m *Manager) GetAllJobs(ctx context.Context) ([]domain.Job, error) {
	all, err := m.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].ID > all[j].ID
		}
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})
	return all, nil
}

// CleanupOldJobs removes terminal jobs created more than maxAge ago and
// drops tokens whose job is gone or terminal.
func (m *Manager) CleanupOldJobs(ctx context.Context, maxAge time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	all, err := m.store.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("list jobs: %w", err)
	}

	cutoff := m.now().Add(-maxAge)
	live := make(map[string]domain.JobStatus, len(all))
	removed := 0
	for _, job := range all {
		if job.Status.IsTerminal() && job.CreatedAt.Before(cutoff) {
			if err := m.store.Delete(ctx, job.ID); err != nil {
				return removed, fmt.Errorf("delete job %s: %w", job.ID, err)
			}
			removed++
			continue
		}
		live[job.ID] = job.Status
	}

	for id, tok := range m.tokens {
		status, ok := live[id]
		if !ok || status.IsTerminal() {
			tok.cancel(ReasonCancelled)
			delete(m.tokens, id)
		}
	}
	return removed, nil
}

// RecordItem adds one item outcome to the job results.
func (m *Manager) RecordItem(ctx context.Context, id string, r ItemResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, err := m.load(ctx, id)
	if err != nil {
		return err
	}
	switch {
	case r.Err != nil:
		job.Results.Failed++
		job.Results.Errors = append(job.Results.Errors, fmt.Sprintf("%s: %v", r.ExternalID, r.Err))
	case r.Duplicate:
		job.Results.Duplicates++
	default:
		job.Results.Imported++
	}
	return m.save(ctx, &job)
}

// AdvanceProgress sets the processed count. Total never drops below it.
func (m *Manager) AdvanceProgress(ctx context.Context, id string, current, total int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, err := m.load(ctx, id)
	if err != nil {
		return err
	}
	if total < current {
		total = current
	}
	job.Progress = domain.Progress{Current: current, Total: total}
	return m.save(ctx, &job)
}

// AppendError records a job-level error without touching item counters.
func (m *Manager) AppendError(ctx context.Context, id string, msg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, err := m.load(ctx, id)
	if err != nil {
		return err
	}
	job.Results.Errors = append(job.Results.Errors, msg)
	return m.save(ctx, &job)
}
