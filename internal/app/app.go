// Package app builds the shared component graph used by every binary.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/timmy/shopsync/internal/api/handler"
	"github.com/timmy/shopsync/internal/checkpoint"
	"github.com/timmy/shopsync/internal/config"
	"github.com/timmy/shopsync/internal/domain"
	"github.com/timmy/shopsync/internal/idempotency"
	"github.com/timmy/shopsync/internal/invoice"
	"github.com/timmy/shopsync/internal/jobs"
	"github.com/timmy/shopsync/internal/kv"
	"github.com/timmy/shopsync/internal/logger"
	"github.com/timmy/shopsync/internal/maintenance"
	"github.com/timmy/shopsync/internal/repository"
	"github.com/timmy/shopsync/internal/service"
	"github.com/timmy/shopsync/internal/source"
	"github.com/timmy/shopsync/internal/source/shopify"
	"github.com/timmy/shopsync/internal/source/staging"
	"github.com/timmy/shopsync/internal/storage"
	"gorm.io/gorm"
)

// Store backends.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendGorm   = "gorm"
)

// Key namespaces of the kv tables.
const (
	nsJobs             = "jobs"
	nsCheckpoints      = "checkpoints"
	nsIdempotency      = "idempotency"
	nsIdempotencyIndex = "idempotency_fp"
)

// App holds the wired components. Close releases its connections.
type App struct {
	Config      *config.Config
	Logger      *logger.Logger
	DB          *gorm.DB
	Redis       *redis.Client
	Storage     storage.ObjectStorage
	Manager     *jobs.Manager
	Checkpoints *checkpoint.Store
	Ledger      *idempotency.Ledger
	Invoices    *invoice.Service
	Sources     *source.Registry
	Importer    *service.Importer
	Controller  *jobs.Controller
}

// New connects to the configured backends and wires the components.
// Parameters:
//   - ctx: context for connection checks.
//   - cfg: loaded configuration.
//   - log: base logger.
// Returns:
//   - *App: wired application.
//   - error: non-nil if a backend cannot be reached.
func New(ctx context.Context, cfg *config.Config, log *logger.Logger) (*App, error) {
	if log == nil {
		log = logger.GetDefault()
	}
	a := &App{Config: cfg, Logger: log}

	db, err := repository.InitDB(&cfg.Database, log)
	if err != nil {
		return nil, err
	}
	a.DB = db

	if cfg.Store.Backend == BackendRedis || cfg.Store.CheckpointMirror {
		rdb, err := kv.NewRedisClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.Redis = rdb
	}

	jobStore, err := openStore[domain.Job](a, nsJobs)
	if err != nil {
		a.Close()
		return nil, err
	}
	cpStore, err := openStore[domain.Checkpoint](a, nsCheckpoints)
	if err != nil {
		a.Close()
		return nil, err
	}
	records, err := openStore[domain.IdempotencyRecord](a, nsIdempotency)
	if err != nil {
		a.Close()
		return nil, err
	}
	index, err := openStore[string](a, nsIdempotencyIndex)
	if err != nil {
		a.Close()
		return nil, err
	}

	cpOpts := []checkpoint.Option{checkpoint.WithLogger(log)}
	if cfg.Store.CheckpointMirror && cfg.Store.Backend != BackendRedis {
		cpOpts = append(cpOpts, checkpoint.WithMirror(kv.NewRedis[domain.Checkpoint](a.Redis, nsCheckpoints,
			kv.WithKeyPrefix(cfg.Store.KeyPrefix+"mirror:"),
			kv.WithTTL(cfg.Store.MirrorTTL),
		)))
	}

	a.Manager = jobs.NewManager(jobStore)
	a.Checkpoints = checkpoint.NewStore(cpStore, cpOpts...)
	a.Ledger = idempotency.NewLedger(records, index, idempotency.WithOperation(cfg.Idempotency.Operation))
	a.Invoices = invoice.NewService(repository.NewInvoiceRepository(db),
		invoice.WithTaxRate(cfg.Invoice.DefaultTaxRate),
		invoice.WithNumberPrefix(cfg.Invoice.NumberPrefix),
	)

	a.Storage, err = storage.NewStorage(&cfg.Storage)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	if s3, ok := a.Storage.(*storage.S3Storage); ok {
		if err := s3.EnsureBucket(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to ensure storage bucket: %w", err)
		}
	}

	a.Sources, err = NewSourceRegistry(cfg, log)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.Importer = service.NewImporter(a.Manager, a.Checkpoints, a.Ledger, a.Invoices, a.Sources, log,
		&service.ImporterConfig{
			Workers:    cfg.Import.Workers,
			BatchSize:  cfg.Import.BatchSize,
			MaxRetries: cfg.Import.MaxRetries,
		},
		service.WithArchiver(service.NewReportArchiver(a.Storage)),
	)
	a.Controller = jobs.NewController(a.Manager, a.Checkpoints, a.Importer)

	log.WithFields(logger.Fields{
		"store":   cfg.Store.Backend,
		"mirror":  cfg.Store.CheckpointMirror,
		"sources": a.Sources.Names(),
		"storage": a.Storage != nil,
	}).Info("Application wired")
	return a, nil
}

// openStore opens one namespace on the configured backend.
func openStore[V any](a *App, namespace string) (kv.Store[V], error) {
	switch a.Config.Store.Backend {
	case BackendMemory, "":
		return kv.NewMemory[V](), nil
	case BackendRedis:
		return kv.NewRedis[V](a.Redis, namespace, kv.WithKeyPrefix(a.Config.Store.KeyPrefix)), nil
	case BackendGorm:
		return kv.NewGorm[V](a.DB, namespace), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", a.Config.Store.Backend)
	}
}

// NewSourceRegistry registers every staging directory with a manifest and,
// when credentials are configured, the Shopify Admin API.
func NewSourceRegistry(cfg *config.Config, log *logger.Logger) (*source.Registry, error) {
	if log == nil {
		log = logger.GetDefault()
	}
	registry := source.NewRegistry()

	if cfg.Sources.Staging.Enabled {
		ids, err := staging.ListStagingSources(cfg.Sources.Staging.BasePath)
		if err != nil {
			return nil, fmt.Errorf("list staging sources: %w", err)
		}
		for _, id := range ids {
			registry.Register(staging.SourcePrefix+id, staging.Factory(cfg.Sources.Staging.BasePath, id))
		}
	}

	if cfg.Shopify.ShopDomain != "" && cfg.Shopify.AccessToken != "" {
		client := shopify.NewClient(shopify.Config{
			ShopDomain:  cfg.Shopify.ShopDomain,
			AccessToken: cfg.Shopify.AccessToken,
			APIVersion:  cfg.Shopify.APIVersion,
			Timeout:     cfg.Shopify.Timeout,
		})
		registry.Register(shopify.SourceName, shopify.Factory(client))
	} else {
		log.Warn("Shopify credentials not configured, shopify source disabled")
	}

	return registry, nil
}

// MaintenanceTask builds the retention task from the config.
func (a *App) MaintenanceTask() *maintenance.Task {
	return maintenance.NewTask(a.Ledger, a.Manager, maintenance.Config{
		RecordRetention: a.Config.Idempotency.Retention,
		JobRetention:    a.Config.Jobs.Retention,
		StaleAfter:      a.Config.Idempotency.StaleAfter,
	}, a.Logger)
}

// HealthChecks returns a probe per connected backend.
func (a *App) HealthChecks() map[string]handler.Check {
	checks := map[string]handler.Check{}
	if a.DB != nil {
		checks["database"] = func(ctx context.Context) error {
			sqlDB, err := a.DB.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		}
	}
	if a.Redis != nil {
		checks["redis"] = func(ctx context.Context) error {
			return a.Redis.Ping(ctx).Err()
		}
	}
	return checks
}

// Close releases database and redis connections.
func (a *App) Close() error {
	var errs []error
	if a.Redis != nil {
		errs = append(errs, a.Redis.Close())
	}
	if a.DB != nil {
		if sqlDB, err := a.DB.DB(); err == nil {
			errs = append(errs, sqlDB.Close())
		}
	}
	return errors.Join(errs...)
}
