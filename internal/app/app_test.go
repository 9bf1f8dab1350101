package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	gormsqlite "github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/timmy/shopsync/internal/config"
	"github.com/timmy/shopsync/internal/domain"
	"github.com/timmy/shopsync/internal/kv"
	"github.com/timmy/shopsync/internal/repository"
	"github.com/timmy/shopsync/internal/source/shopify"
	"gorm.io/gorm"
)

func TestOpenStore(t *testing.T) {
	db, err := gorm.Open(gormsqlite.Open("file:app_open_store?mode=memory&cache=shared"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, repository.Migrate(db))

	tests := []struct {
		backend string
		want    interface{}
		wantErr bool
	}{
		{backend: "", want: &kv.Memory[domain.Job]{}},
		{backend: BackendMemory, want: &kv.Memory[domain.Job]{}},
		{backend: BackendGorm, want: &kv.Gorm[domain.Job]{}},
		{backend: "etcd", wantErr: true},
	}

	for _, tt := range tests {
		t.Run("backend "+tt.backend, func(t *testing.T) {
			a := &App{Config: &config.Config{Store: config.StoreConfig{Backend: tt.backend}}, DB: db}
			store, err := openStore[domain.Job](a, nsJobs)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.IsType(t, tt.want, store)
		})
	}
}

func TestGormStoresAreIsolatedByNamespace(t *testing.T) {
	ctx := context.Background()
	db, err := gorm.Open(gormsqlite.Open("file:app_namespaces?mode=memory&cache=shared"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, repository.Migrate(db))

	a := &App{Config: &config.Config{Store: config.StoreConfig{Backend: BackendGorm}}, DB: db}
	jobs, err := openStore[domain.Job](a, nsJobs)
	require.NoError(t, err)
	cps, err := openStore[domain.Checkpoint](a, nsCheckpoints)
	require.NoError(t, err)

	require.NoError(t, jobs.Set(ctx, "j1", domain.Job{ID: "j1", Status: domain.JobStatusPending}))
	require.NoError(t, cps.Set(ctx, "j1", domain.Checkpoint{JobID: "j1", Cursor: "40", ProcessedCount: 40}))

	job, found, err := jobs.Get(ctx, "j1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, domain.JobStatusPending, job.Status)

	cp, found, err := cps.Get(ctx, "j1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 40, cp.ProcessedCount)

	all, err := cps.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestNewSourceRegistry(t *testing.T) {
	base := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(base, "export-2025"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(base, "export-2025", "manifest.jsonl"), []byte(`{"id":1}`+"\n"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(base, "empty"), 0o755))

	cfg := &config.Config{}
	cfg.Sources.Staging = config.StagingConfig{Enabled: true, BasePath: base}

	registry, err := NewSourceRegistry(cfg, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"staging:export-2025"}, registry.Names())

	cfg.Shopify.ShopDomain = "demo.myshopify.com"
	cfg.Shopify.AccessToken = "shpat_x"
	registry, err = NewSourceRegistry(cfg, nil)
	require.NoError(t, err)
	assert.True(t, registry.Has(shopify.SourceName))

	src, err := registry.Open("staging:export-2025", domain.OrderFilter{})
	require.NoError(t, err)
	n, err := src.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
