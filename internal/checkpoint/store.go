// Package checkpoint persists how far each job got so it can be resumed.
package checkpoint

import (
	"context"
	"fmt"
	"time"

	"github.com/timmy/shopsync/internal/domain"
	"github.com/timmy/shopsync/internal/kv"
	"github.com/timmy/shopsync/internal/logger"
)

// Store keeps one checkpoint per job. Writes go to the primary table first;
// the optional mirror is best-effort and only consulted when the primary misses.
type Store struct {
	primary kv.Store[domain.Checkpoint]
	mirror  kv.Store[domain.Checkpoint]
	now     func() time.Time
	log     *logger.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithMirror adds a secondary table that survives restarts of the primary.
func WithMirror(mirror kv.Store[domain.Checkpoint]) Option {
	return func(s *Store) { s.mirror = mirror }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithLogger sets the logger used for mirror failures.
func WithLogger(log *logger.Logger) Option {
	return func(s *Store) { s.log = log }
}

// NewStore creates a checkpoint store over primary.
func NewStore(primary kv.Store[domain.Checkpoint], opts ...Option) *Store {
	s := &Store{
		primary: primary,
		now:     time.Now,
		log:     logger.GetDefault(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Save upserts cp by JobID and stamps its Timestamp. Last write wins.
func (s *Store) Save(ctx context.Context, cp domain.Checkpoint) error {
	if cp.JobID == "" {
		return fmt.Errorf("checkpoint without job id")
	}
	cp.Timestamp = s.now()

	if err := s.primary.Set(ctx, cp.JobID, cp); err != nil {
		return fmt.Errorf("save checkpoint for job %s: %w", cp.JobID, err)
	}
	if s.mirror != nil {
		if err := s.mirror.Set(ctx, cp.JobID, cp); err != nil {
			s.log.WithError(err).WithField(logger.FieldJobID, cp.JobID).Warn("Failed to mirror checkpoint")
		}
	}
	return nil
}

// Get returns the latest checkpoint for jobID. A mirror hit is copied back
// into the primary table.
func (s *Store) Get(ctx context.Context, jobID string) (domain.Checkpoint, bool, error) {
	cp, found, err := s.primary.Get(ctx, jobID)
	if err != nil {
		return domain.Checkpoint{}, false, fmt.Errorf("load checkpoint for job %s: %w", jobID, err)
	}
	if found || s.mirror == nil {
		return cp, found, nil
	}

	cp, found, err = s.mirror.Get(ctx, jobID)
	if err != nil {
		s.log.WithError(err).WithField(logger.FieldJobID, jobID).Warn("Failed to read checkpoint mirror")
		return domain.Checkpoint{}, false, nil
	}
	if !found {
		return domain.Checkpoint{}, false, nil
	}
	if err := s.primary.Set(ctx, jobID, cp); err != nil {
		s.log.WithError(err).WithField(logger.FieldJobID, jobID).Warn("Failed to restore checkpoint from mirror")
	}
	return cp, true, nil
}

// Clear removes the checkpoint for jobID from both tables.
func (s *Store) Clear(ctx context.Context, jobID string) error {
	if err := s.primary.Delete(ctx, jobID); err != nil {
		return fmt.Errorf("clear checkpoint for job %s: %w", jobID, err)
	}
	if s.mirror != nil {
		if err := s.mirror.Delete(ctx, jobID); err != nil {
			s.log.WithError(err).WithField(logger.FieldJobID, jobID).Warn("Failed to clear checkpoint mirror")
		}
	}
	return nil
}
