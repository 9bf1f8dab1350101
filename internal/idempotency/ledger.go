// Package idempotency records which external orders already produced an
// invoice so retries and duplicate webhook deliveries create nothing twice.
package idempotency

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/timmy/shopsync/internal/domain"
	"github.com/timmy/shopsync/internal/kv"
	"github.com/timmy/shopsync/internal/logger"
)

// DefaultOperation names the operation guarded by the ledger.
const DefaultOperation = "invoice.create"

var (
	// ErrInFlight is returned when processing already started for the same key.
	ErrInFlight = errors.New("processing already in flight")
	// ErrRecordNotFound is returned when finalizing an unknown key.
	ErrRecordNotFound = errors.New("idempotency record not found")
)

// CheckResult is the answer of Ledger.Check.
type CheckResult struct {
	Exists     bool
	Record     *domain.IdempotencyRecord
	ArtifactID string
}

// Outcome is the result of Ledger.Execute.
type Outcome struct {
	ArtifactID string `json:"artifact_id"`
	Duplicate  bool   `json:"duplicate"`
}

// Collision is a fingerprint shared by several external ids.
type Collision struct {
	Fingerprint string   `json:"fingerprint"`
	ExternalIDs []string `json:"external_ids"`
}

// Ledger maps external ids and fingerprints to created artifacts.
// Every read-modify-write runs under one mutex, so exclusion holds per process.
type Ledger struct {
	mu        sync.Mutex
	records   kv.Store[domain.IdempotencyRecord]
	index     kv.Store[string]
	operation string
	now       func() time.Time
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithOperation sets the operation name mixed into every key.
func WithOperation(op string) Option {
	return func(l *Ledger) {
		if op != "" {
			l.operation = op
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// NewLedger creates a ledger over a record table and an external id to
// artifact id index.
func NewLedger(records kv.Store[domain.IdempotencyRecord], index kv.Store[string], opts ...Option) *Ledger {
	l := &Ledger{
		records:   records,
		index:     index,
		operation: DefaultOperation,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Key derives the record key for externalID.
func (l *Ledger) Key(externalID string) string {
	return l.operation + ":" + externalID
}

// Check reports whether externalID was already handled with fingerprint.
// A record with a different fingerprint means the order changed and may be
// processed again. Without a record, an index entry still counts as existing.
func (l *Ledger) Check(ctx context.Context, externalID, fingerprint string) (CheckResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.check(ctx, externalID, fingerprint)
}

func (l *Ledger) check(ctx context.Context, externalID, fingerprint string) (CheckResult, error) {
	rec, found, err := l.records.Get(ctx, l.Key(externalID))
	if err != nil {
		return CheckResult{}, fmt.Errorf("load idempotency record %s: %w", externalID, err)
	}
	if found {
		if rec.Fingerprint == fingerprint {
			return CheckResult{Exists: true, Record: &rec, ArtifactID: rec.ArtifactID}, nil
		}
		return CheckResult{Exists: false, Record: &rec}, nil
	}

	artifactID, indexed, err := l.index.Get(ctx, externalID)
	if err != nil {
		return CheckResult{}, fmt.Errorf("load artifact index %s: %w", externalID, err)
	}
	if indexed {
		return CheckResult{Exists: true, ArtifactID: artifactID}, nil
	}
	return CheckResult{}, nil
}

// Start inserts a processing record and returns its key. It fails with
// ErrInFlight when the key is already processing.
func (l *Ledger) Start(ctx context.Context, externalID, fingerprint string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.start(ctx, externalID, fingerprint)
}

func (l *Ledger) start(ctx context.Context, externalID, fingerprint string) (string, error) {
	key := l.Key(externalID)
	rec, found, err := l.records.Get(ctx, key)
	if err != nil {
		return "", fmt.Errorf("load idempotency record %s: %w", key, err)
	}
	if found && rec.Status == domain.IdempotencyProcessing {
		return "", fmt.Errorf("%s: %w", key, ErrInFlight)
	}

	next := domain.IdempotencyRecord{
		Key:         key,
		ExternalID:  externalID,
		Status:      domain.IdempotencyProcessing,
		Fingerprint: fingerprint,
		CreatedAt:   l.now(),
	}
	if err := l.records.Set(ctx, key, next); err != nil {
		return "", fmt.Errorf("save idempotency record %s: %w", key, err)
	}
	return key, nil
}

// Complete marks key as completed with artifactID and indexes the mapping.
func (l *Ledger) Complete(ctx context.Context, key, artifactID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, found, err := l.records.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("load idempotency record %s: %w", key, err)
	}
	if !found {
		return fmt.Errorf("%s: %w", key, ErrRecordNotFound)
	}

	now := l.now()
	rec.Status = domain.IdempotencyCompleted
	rec.ArtifactID = artifactID
	rec.CompletedAt = &now
	rec.Error = ""
	if err := l.records.Set(ctx, key, rec); err != nil {
		return fmt.Errorf("save idempotency record %s: %w", key, err)
	}
	if err := l.index.Set(ctx, rec.ExternalID, artifactID); err != nil {
		return fmt.Errorf("index artifact for %s: %w", rec.ExternalID, err)
	}
	return nil
}

// Fail marks key as failed. A failed key may be started again.
func (l *Ledger) Fail(ctx context.Context, key string, cause error) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, found, err := l.records.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("load idempotency record %s: %w", key, err)
	}
	if !found {
		return fmt.Errorf("%s: %w", key, ErrRecordNotFound)
	}

	now := l.now()
	rec.Status = domain.IdempotencyFailed
	rec.CompletedAt = &now
	if cause != nil {
		rec.Error = cause.Error()
	}
	if err := l.records.Set(ctx, key, rec); err != nil {
		return fmt.Errorf("save idempotency record %s: %w", key, err)
	}
	return nil
}

// Execute runs create at most once per (external id, fingerprint).
//   - completed with the same fingerprint: returns the stored artifact, Duplicate=true
//   - processing: ErrInFlight
//   - failed, changed fingerprint or unknown: starts, runs create and finalizes
func (l *Ledger) Execute(ctx context.Context, externalID, fingerprint string, create func(ctx context.Context) (string, error)) (Outcome, error) {
	key, outcome, done, err := l.begin(ctx, externalID, fingerprint)
	if err != nil || done {
		return outcome, err
	}

	artifactID, createErr := create(ctx)
	if createErr != nil {
		if err := l.Fail(ctx, key, createErr); err != nil {
			logger.FromContext(ctx).WithError(err).Warn("Failed to record idempotency failure")
		}
		return Outcome{}, createErr
	}

	if err := l.Complete(ctx, key, artifactID); err != nil {
		// The artifact exists; a record left processing would block the
		// order until repaired, so retry once past a cancelled ctx.
		if retryErr := l.Complete(context.WithoutCancel(ctx), key, artifactID); retryErr != nil {
			logger.FromContext(ctx).WithError(retryErr).WithFields(logger.Fields{
				"idempotency_key": key,
				"artifact_id":     artifactID,
			}).Error("Artifact created but idempotency record left processing")
			return Outcome{ArtifactID: artifactID}, err
		}
	}
	return Outcome{ArtifactID: artifactID}, nil
}

// begin performs the lookup and the processing insert atomically.
func (l *Ledger) begin(ctx context.Context, externalID, fingerprint string) (key string, outcome Outcome, done bool, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	res, err := l.check(ctx, externalID, fingerprint)
	if err != nil {
		return "", Outcome{}, true, err
	}
	if res.Record != nil && res.Record.Status == domain.IdempotencyProcessing {
		return "", Outcome{}, true, fmt.Errorf("%s: %w", l.Key(externalID), ErrInFlight)
	}
	if res.Exists && (res.Record == nil || res.Record.Status == domain.IdempotencyCompleted) {
		return "", Outcome{ArtifactID: res.ArtifactID, Duplicate: true}, true, nil
	}

	key, err = l.start(ctx, externalID, fingerprint)
	if err != nil {
		return "", Outcome{}, true, err
	}
	return key, Outcome{}, false, nil
}

// Get returns the record for externalID.
func (l *Ledger) Get(ctx context.Context, externalID string) (domain.IdempotencyRecord, bool, error) {
	return l.records.Get(ctx, l.Key(externalID))
}

// Cleanup deletes completed and failed records created more than maxAge ago.
// Processing records are never removed.
func (l *Ledger) Cleanup(ctx context.Context, maxAge time.Duration) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	all, err := l.records.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("list idempotency records: %w", err)
	}

	cutoff := l.now().Add(-maxAge)
	removed := 0
	for _, rec := range all {
		if rec.Status == domain.IdempotencyProcessing {
			continue
		}
		if !rec.CreatedAt.Before(cutoff) {
			continue
		}
		if err := l.records.Delete(ctx, rec.Key); err != nil {
			return removed, fmt.Errorf("delete idempotency record %s: %w", rec.Key, err)
		}
		removed++
	}
	return removed, nil
}

// Stale returns processing records created more than maxAge ago, oldest
// first. They are never pruned; an operator completes or fails them.
func (l *Ledger) Stale(ctx context.Context, maxAge time.Duration) ([]domain.IdempotencyRecord, error) {
	all, err := l.records.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list idempotency records: %w", err)
	}

	cutoff := l.now().Add(-maxAge)
	var stale []domain.IdempotencyRecord
	for _, rec := range all {
		if rec.Status == domain.IdempotencyProcessing && rec.CreatedAt.Before(cutoff) {
			stale = append(stale, rec)
		}
	}
	sort.Slice(stale, func(i, j int) bool {
		return stale[i].CreatedAt.Before(stale[j].CreatedAt)
	})
	return stale, nil
}

// DetectCollisions groups records by fingerprint and returns every
// fingerprint shared by more than one external id.
func (l *Ledger) DetectCollisions(ctx context.Context) ([]Collision, error) {
	all, err := l.records.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list idempotency records: %w", err)
	}

	byFingerprint := make(map[string]map[string]struct{})
	for _, rec := range all {
		ids, ok := byFingerprint[rec.Fingerprint]
		if !ok {
			ids = make(map[string]struct{})
			byFingerprint[rec.Fingerprint] = ids
		}
		ids[rec.ExternalID] = struct{}{}
	}

	var collisions []Collision
	for fp, ids := range byFingerprint {
		if len(ids) < 2 {
			continue
		}
		c := Collision{Fingerprint: fp}
		for id := range ids {
			c.ExternalIDs = append(c.ExternalIDs, id)
		}
		sort.Strings(c.ExternalIDs)
		collisions = append(collisions, c)
	}
	sort.Slice(collisions, func(i, j int) bool {
		return collisions[i].Fingerprint < collisions[j].Fingerprint
	})
	return collisions, nil
}
