package checkpoint

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/timmy/shopsync/internal/domain"
	"github.com/timmy/shopsync/internal/kv"
	"github.com/timmy/shopsync/internal/logger"
)

type failingStore struct {
	kv.Store[domain.Checkpoint]
}

func (failingStore) Set(context.Context, string, domain.Checkpoint) error {
	return errors.New("mirror down")
}

func quietLogger() *logger.Logger {
	return logger.New(&logger.Config{Level: "error", Output: io.Discard})
}

func TestSaveGetClear(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	store := NewStore(kv.NewMemory[domain.Checkpoint](), WithClock(func() time.Time { return now }))

	_, found, err := store.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, store.Save(ctx, domain.Checkpoint{JobID: "job-1", Cursor: "20", ProcessedCount: 20}))
	require.NoError(t, store.Save(ctx, domain.Checkpoint{JobID: "job-1", Cursor: "40", ProcessedCount: 40}))

	cp, found, err := store.Get(ctx, "job-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "40", cp.Cursor)
	assert.Equal(t, 40, cp.ProcessedCount)
	assert.Equal(t, now, cp.Timestamp)

	require.NoError(t, store.Clear(ctx, "job-1"))
	_, found, err = store.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestSaveRejectsMissingJobID(t *testing.T) {
	store := NewStore(kv.NewMemory[domain.Checkpoint]())
	assert.Error(t, store.Save(context.Background(), domain.Checkpoint{}))
}

func TestMirrorRestoresMissingPrimary(t *testing.T) {
	ctx := context.Background()
	mirror := kv.NewMemory[domain.Checkpoint]()

	first := NewStore(kv.NewMemory[domain.Checkpoint](), WithMirror(mirror))
	require.NoError(t, first.Save(ctx, domain.Checkpoint{JobID: "job-1", Cursor: "abc", ProcessedCount: 40}))

	// a fresh primary simulates a process restart
	primary := kv.NewMemory[domain.Checkpoint]()
	second := NewStore(primary, WithMirror(mirror))

	cp, found, err := second.Get(ctx, "job-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "abc", cp.Cursor)

	_, inPrimary, _ := primary.Get(ctx, "job-1")
	assert.True(t, inPrimary)
}

func TestMirrorFailureIsNotReturned(t *testing.T) {
	ctx := context.Background()
	store := NewStore(kv.NewMemory[domain.Checkpoint](),
		WithMirror(failingStore{kv.NewMemory[domain.Checkpoint]()}),
		WithLogger(quietLogger()),
	)

	require.NoError(t, store.Save(ctx, domain.Checkpoint{JobID: "job-1", Cursor: "x"}))
	cp, found, err := store.Get(ctx, "job-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "x", cp.Cursor)
}
