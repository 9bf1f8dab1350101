package idempotency

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/timmy/shopsync/internal/domain"
	"github.com/timmy/shopsync/internal/kv"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestLedger(clock *fakeClock) *Ledger {
	opts := []Option{}
	if clock != nil {
		opts = append(opts, WithClock(clock.Now))
	}
	return NewLedger(kv.NewMemory[domain.IdempotencyRecord](), kv.NewMemory[string](), opts...)
}

func sampleOrder() domain.Order {
	created := time.Date(2025, 1, 10, 9, 30, 0, 0, time.UTC)
	return domain.Order{
		ID:              5551234,
		OrderNumber:     1001,
		FinancialStatus: "paid",
		Currency:        "EUR",
		TotalPrice:      "119.00",
		SubtotalPrice:   "100.00",
		TotalTax:        "19.00",
		CreatedAt:       created,
		UpdatedAt:       created.Add(time.Minute),
	}
}

func TestExecute_SecondCallIsDuplicate(t *testing.T) {
	ctx := context.Background()
	ledger := newTestLedger(nil)
	order := sampleOrder()
	fp := Fingerprint(order)

	created := 0
	create := func(context.Context) (string, error) {
		created++
		return "inv-1", nil
	}

	first, err := ledger.Execute(ctx, order.ExternalID(), fp, create)
	require.NoError(t, err)
	assert.False(t, first.Duplicate)
	assert.Equal(t, "inv-1", first.ArtifactID)

	second, err := ledger.Execute(ctx, order.ExternalID(), fp, create)
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.ArtifactID, second.ArtifactID)
	assert.Equal(t, 1, created)
}

func TestFingerprintSensitivity(t *testing.T) {
	base := sampleOrder()
	baseFP := Fingerprint(base)
	assert.Equal(t, baseFP, Fingerprint(sampleOrder()), "fingerprint must be stable")

	mutations := map[string]func(o *domain.Order){
		"total_price":      func(o *domain.Order) { o.TotalPrice = "129.00" },
		"subtotal_price":   func(o *domain.Order) { o.SubtotalPrice = "101.00" },
		"total_tax":        func(o *domain.Order) { o.TotalTax = "19.19" },
		"currency":         func(o *domain.Order) { o.Currency = "USD" },
		"financial_status": func(o *domain.Order) { o.FinancialStatus = "refunded" },
		"created_at":       func(o *domain.Order) { o.CreatedAt = o.CreatedAt.Add(time.Second) },
		"updated_at":       func(o *domain.Order) { o.UpdatedAt = o.UpdatedAt.Add(time.Hour) },
	}

	for field, mutate := range mutations {
		t.Run(field, func(t *testing.T) {
			ctx := context.Background()
			ledger := newTestLedger(nil)

			_, err := ledger.Execute(ctx, base.ExternalID(), baseFP, func(context.Context) (string, error) {
				return "inv-1", nil
			})
			require.NoError(t, err)

			changed := sampleOrder()
			mutate(&changed)
			fp := Fingerprint(changed)
			require.NotEqual(t, baseFP, fp)

			res, err := ledger.Check(ctx, changed.ExternalID(), fp)
			require.NoError(t, err)
			assert.False(t, res.Exists)

			out, err := ledger.Execute(ctx, changed.ExternalID(), fp, func(context.Context) (string, error) {
				return "inv-2", nil
			})
			require.NoError(t, err)
			assert.False(t, out.Duplicate)
			assert.Equal(t, "inv-2", out.ArtifactID)
		})
	}
}

func TestFingerprintIgnoresTimezone(t *testing.T) {
	o := sampleOrder()
	berlin := time.FixedZone("CET", 3600)
	shifted := o
	shifted.CreatedAt = o.CreatedAt.In(berlin)
	shifted.UpdatedAt = o.UpdatedAt.In(berlin)
	assert.Equal(t, Fingerprint(o), Fingerprint(shifted))
}

func TestCheck_IndexHitWithoutRecord(t *testing.T) {
	ctx := context.Background()
	index := kv.NewMemory[string]()
	require.NoError(t, index.Set(ctx, "777", "legacy-invoice"))
	ledger := NewLedger(kv.NewMemory[domain.IdempotencyRecord](), index)

	res, err := ledger.Check(ctx, "777", "any")
	require.NoError(t, err)
	assert.True(t, res.Exists)
	assert.Equal(t, "legacy-invoice", res.ArtifactID)

	out, err := ledger.Execute(ctx, "777", "any", func(context.Context) (string, error) {
		t.Fatal("create must not run for indexed order")
		return "", nil
	})
	require.NoError(t, err)
	assert.True(t, out.Duplicate)
	assert.Equal(t, "legacy-invoice", out.ArtifactID)
}

func TestExecute_ConcurrentCallsAreMutuallyExclusive(t *testing.T) {
	ctx := context.Background()
	ledger := newTestLedger(nil)

	release := make(chan struct{})
	started := make(chan struct{})
	var calls atomic.Int32

	create := func(context.Context) (string, error) {
		calls.Add(1)
		close(started)
		<-release
		return "inv-1", nil
	}

	firstErr := make(chan error, 1)
	go func() {
		_, err := ledger.Execute(ctx, "42", "fp", create)
		firstErr <- err
	}()
	<-started

	_, err := ledger.Execute(ctx, "42", "fp", create)
	assert.ErrorIs(t, err, ErrInFlight)

	close(release)
	require.NoError(t, <-firstErr)
	assert.Equal(t, int32(1), calls.Load())
}

func TestStart_RejectsInFlightKey(t *testing.T) {
	ctx := context.Background()
	ledger := newTestLedger(nil)

	key, err := ledger.Start(ctx, "42", "fp")
	require.NoError(t, err)
	assert.Equal(t, "invoice.create:42", key)

	_, err = ledger.Start(ctx, "42", "fp")
	assert.ErrorIs(t, err, ErrInFlight)

	require.NoError(t, ledger.Fail(ctx, key, errors.New("db down")))
	rec, found, err := ledger.Get(ctx, "42")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, domain.IdempotencyFailed, rec.Status)
	assert.Equal(t, "db down", rec.Error)

	_, err = ledger.Start(ctx, "42", "fp")
	assert.NoError(t, err, "failed records may be started again")
}

func TestExecute_FailedCreateCanBeRetried(t *testing.T) {
	ctx := context.Background()
	ledger := newTestLedger(nil)

	_, err := ledger.Execute(ctx, "42", "fp", func(context.Context) (string, error) {
		return "", errors.New("validation failed")
	})
	require.Error(t, err)

	out, err := ledger.Execute(ctx, "42", "fp", func(context.Context) (string, error) {
		return "inv-9", nil
	})
	require.NoError(t, err)
	assert.False(t, out.Duplicate)
	assert.Equal(t, "inv-9", out.ArtifactID)
}

func TestCompleteUnknownKey(t *testing.T) {
	ledger := newTestLedger(nil)
	err := ledger.Complete(context.Background(), "invoice.create:nope", "x")
	assert.ErrorIs(t, err, ErrRecordNotFound)
}

func TestOperationIsPartOfKey(t *testing.T) {
	ledger := NewLedger(kv.NewMemory[domain.IdempotencyRecord](), kv.NewMemory[string](), WithOperation("credit_note.create"))
	assert.Equal(t, "credit_note.create:42", ledger.Key("42"))
}

func TestCleanup_NeverRemovesProcessing(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	ledger := newTestLedger(clock)

	_, err := ledger.Start(ctx, "processing", "fp-p")
	require.NoError(t, err)

	doneKey, err := ledger.Start(ctx, "done", "fp-d")
	require.NoError(t, err)
	require.NoError(t, ledger.Complete(ctx, doneKey, "inv-d"))

	failedKey, err := ledger.Start(ctx, "failed", "fp-f")
	require.NoError(t, err)
	require.NoError(t, ledger.Fail(ctx, failedKey, errors.New("boom")))

	clock.Advance(48 * time.Hour)
	freshKey, err := ledger.Start(ctx, "fresh", "fp-n")
	require.NoError(t, err)
	require.NoError(t, ledger.Complete(ctx, freshKey, "inv-n"))

	removed, err := ledger.Cleanup(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	for id, want := range map[string]bool{"processing": true, "done": false, "failed": false, "fresh": true} {
		_, found, err := ledger.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, want, found, "record %s", id)
	}

	// an old processing record survives any age
	clock.Advance(365 * 24 * time.Hour)
	_, err = ledger.Cleanup(ctx, time.Nanosecond)
	require.NoError(t, err)
	_, found, err := ledger.Get(ctx, "processing")
	require.NoError(t, err)
	assert.True(t, found)
}

func TestDetectCollisions(t *testing.T) {
	ctx := context.Background()
	ledger := newTestLedger(nil)

	for _, id := range []string{"b", "a", "c"} {
		fp := "shared"
		if id == "c" {
			fp = "unique"
		}
		key, err := ledger.Start(ctx, id, fp)
		require.NoError(t, err)
		require.NoError(t, ledger.Complete(ctx, key, "inv-"+id))
	}

	collisions, err := ledger.DetectCollisions(ctx)
	require.NoError(t, err)
	require.Len(t, collisions, 1)
	assert.Equal(t, "shared", collisions[0].Fingerprint)
	assert.Equal(t, []string{"a", "b"}, collisions[0].ExternalIDs)
}

func TestDetectCollisions_DistinctOrdersSameContent(t *testing.T) {
	ctx := context.Background()
	ledger := newTestLedger(nil)

	a := sampleOrder()
	b := sampleOrder()
	b.ID = a.ID + 1
	require.Equal(t, Fingerprint(a), Fingerprint(b))

	for _, o := range []domain.Order{a, b} {
		_, err := ledger.Execute(ctx, o.ExternalID(), Fingerprint(o), func(context.Context) (string, error) {
			return "inv-" + o.ExternalID(), nil
		})
		require.NoError(t, err)
	}

	collisions, err := ledger.DetectCollisions(ctx)
	require.NoError(t, err)
	require.Len(t, collisions, 1)
	assert.Equal(t, Fingerprint(a), collisions[0].Fingerprint)
	assert.Equal(t, []string{a.ExternalID(), b.ExternalID()}, collisions[0].ExternalIDs)
}

// ctxRecords fails writes once ctx is done, like a database driver, and
// optionally refuses to store completed records.
type ctxRecords struct {
	kv.Store[domain.IdempotencyRecord]
	failCompleted bool
}

func (s *ctxRecords) Set(ctx context.Context, key string, rec domain.IdempotencyRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.failCompleted && rec.Status == domain.IdempotencyCompleted {
		return errors.New("disk full")
	}
	return s.Store.Set(ctx, key, rec)
}

func TestExecute_CompletesAfterContextCancelled(t *testing.T) {
	records := &ctxRecords{Store: kv.NewMemory[domain.IdempotencyRecord]()}
	ledger := NewLedger(records, kv.NewMemory[string]())

	ctx, cancel := context.WithCancel(context.Background())
	out, err := ledger.Execute(ctx, "42", "fp", func(context.Context) (string, error) {
		cancel()
		return "inv-42", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "inv-42", out.ArtifactID)

	rec, found, err := ledger.Get(context.Background(), "42")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, domain.IdempotencyCompleted, rec.Status)
	assert.Equal(t, "inv-42", rec.ArtifactID)
}

func TestStale_ReportsStuckProcessing(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	records := &ctxRecords{Store: kv.NewMemory[domain.IdempotencyRecord](), failCompleted: true}
	ledger := NewLedger(records, kv.NewMemory[string](), WithClock(clock.Now))

	out, err := ledger.Execute(ctx, "42", "fp", func(context.Context) (string, error) { return "inv-42", nil })
	require.Error(t, err)
	assert.Equal(t, "inv-42", out.ArtifactID)

	_, err = ledger.Execute(ctx, "42", "fp", func(context.Context) (string, error) { return "inv-dup", nil })
	assert.ErrorIs(t, err, ErrInFlight)

	stale, err := ledger.Stale(ctx, time.Hour)
	require.NoError(t, err)
	assert.Empty(t, stale)

	clock.Advance(2 * time.Hour)
	stale, err = ledger.Stale(ctx, time.Hour)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, ledger.Key("42"), stale[0].Key)

	removed, err := ledger.Cleanup(ctx, time.Nanosecond)
	require.NoError(t, err)
	assert.Zero(t, removed)
}
