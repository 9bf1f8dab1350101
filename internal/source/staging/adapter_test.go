package staging

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/timmy/shopsync/internal/domain"
)

func writeManifest(t *testing.T, dir string, ids []int64, extra ...string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "shop"), 0o755))

	var lines []string
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for _, id := range ids {
		o := domain.Order{
			ID:              id,
			Currency:        "EUR",
			FinancialStatus: "paid",
			CreatedAt:       base.Add(time.Duration(id) * time.Hour),
		}
		if id%2 == 0 {
			o.FinancialStatus = "refunded"
		}
		b, err := json.Marshal(o)
		require.NoError(t, err)
		lines = append(lines, string(b))
	}
	lines = append(lines, extra...)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "shop", ManifestFileName), []byte(strings.Join(lines, "\n")), 0o644))
}

func TestFetchBatchPagesInIDOrder(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, []int64{5, 3, 1, 4, 2}, "", "{not json")
	a := NewAdapter(dir, "shop", domain.OrderFilter{})
	ctx := context.Background()

	assert.Equal(t, "staging:shop", a.Name())

	var got []int64
	cursor := ""
	pages := 0
	for {
		batch, next, err := a.FetchBatch(ctx, cursor, 2)
		require.NoError(t, err)
		for _, o := range batch {
			got = append(got, o.ID)
		}
		pages++
		if next == "" {
			break
		}
		cursor = next
	}

	assert.Equal(t, []int64{1, 2, 3, 4, 5}, got)
	assert.Equal(t, 3, pages)
	assert.Equal(t, 1, a.Skipped())

	n, err := a.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
}

func TestFetchBatchFilter(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, []int64{1, 2, 3, 4, 5})
	minCreated := time.Date(2025, 1, 1, 2, 0, 0, 0, time.UTC)

	tests := []struct {
		name   string
		filter domain.OrderFilter
		want   []int64
	}{
		{name: "none", filter: domain.OrderFilter{}, want: []int64{1, 2, 3, 4, 5}},
		{name: "financial status", filter: domain.OrderFilter{FinancialStatus: "paid"}, want: []int64{1, 3, 5}},
		{name: "created since", filter: domain.OrderFilter{CreatedAtMin: &minCreated}, want: []int64{2, 3, 4, 5}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := NewAdapter(dir, "shop", tt.filter)
			batch, next, err := a.FetchBatch(context.Background(), "", 10)
			require.NoError(t, err)
			assert.Empty(t, next)

			ids := make([]int64, 0, len(batch))
			for _, o := range batch {
				ids = append(ids, o.ID)
			}
			assert.Equal(t, tt.want, ids)
		})
	}
}

func TestFetchBatchErrors(t *testing.T) {
	a := NewAdapter(t.TempDir(), "missing", domain.OrderFilter{})
	_, _, err := a.FetchBatch(context.Background(), "", 10)
	assert.ErrorContains(t, err, "manifest file not found")

	dir := t.TempDir()
	writeManifest(t, dir, []int64{1})
	a = NewAdapter(dir, "shop", domain.OrderFilter{})
	_, _, err = a.FetchBatch(context.Background(), "abc", 10)
	assert.ErrorContains(t, err, "invalid cursor")

	batch, next, err := a.FetchBatch(context.Background(), "10", 10)
	require.NoError(t, err)
	assert.Empty(t, batch)
	assert.Empty(t, next)
}

func TestListStagingSources(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, []int64{1})
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "empty"), 0o755))

	got, err := ListStagingSources(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"shop"}, got)

	got, err = ListStagingSources(filepath.Join(dir, "nope"))
	require.NoError(t, err)
	assert.Empty(t, got)
}
