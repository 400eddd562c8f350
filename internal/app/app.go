// Package app wires configuration into the store, engine and services
// shared by the API server and the CLI.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/dvloznov/deal-confidence/internal/archive"
	"github.com/dvloznov/deal-confidence/internal/config"
	"github.com/dvloznov/deal-confidence/internal/deals"
	"github.com/dvloznov/deal-confidence/internal/ingestion"
	"github.com/dvloznov/deal-confidence/internal/jobs"
	"github.com/dvloznov/deal-confidence/internal/metrics"
	"github.com/dvloznov/deal-confidence/internal/pipeline"
	"github.com/dvloznov/deal-confidence/internal/store"
	"github.com/dvloznov/deal-confidence/internal/store/memory"
	"github.com/dvloznov/deal-confidence/internal/store/postgres"
	"github.com/dvloznov/deal-confidence/internal/warehouse"
)

// App holds the long-lived components of a process.
type App struct {
	Config    *config.Config
	Repo      store.Repository
	Engine    *pipeline.Engine
	Metrics   *metrics.Metrics
	Archive   *archive.Archive
	Warehouse *warehouse.Warehouse
	Deals     *deals.Service
	Ingestion *ingestion.Service

	closers []func() error
	log     zerolog.Logger
}

// New builds every component cfg enables. publisher may be nil, in which
// case writes that would schedule a recomputation only log.
func New(ctx context.Context, cfg *config.Config, publisher jobs.Publisher, m *metrics.Metrics, log zerolog.Logger) (*App, error) {
	a := &App{Config: cfg, Metrics: m, log: log}

	repo, err := openStore(ctx, cfg.Database, log)
	if err != nil {
		return nil, err
	}
	a.Repo = repo
	a.closers = append(a.closers, repo.Close)

	a.Engine, err = pipeline.NewEngine(cfg.Engine, log)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("app.New: %w", err)
	}

	opts := deals.Options{Publisher: publisher, Metrics: m, Logger: log}
	if cfg.Archive.Bucket != "" {
		arch, closeFn, err := archive.New(ctx, cfg.Archive.Bucket, cfg.Archive.Prefix, log)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("app.New: %w", err)
		}
		a.Archive = arch
		a.closers = append(a.closers, closeFn)
		opts.Archive = arch
		log.Info().Str("bucket", cfg.Archive.Bucket).Msg("snapshot archive enabled")
	}
	if cfg.Warehouse.ProjectID != "" {
		wh, err := warehouse.New(ctx, cfg.Warehouse.ProjectID, cfg.Warehouse.Dataset, cfg.Warehouse.Table)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("app.New: %w", err)
		}
		a.Warehouse = wh
		a.closers = append(a.closers, wh.Close)
		opts.Warehouse = wh
		log.Info().Str("project", cfg.Warehouse.ProjectID).Str("table", cfg.Warehouse.Table).Msg("run warehouse enabled")
	}

	a.Deals = deals.NewService(repo, a.Engine, opts)
	a.Ingestion = ingestion.NewService(repo, publisher, m, log)
	return a, nil
}

func openStore(ctx context.Context, cfg config.DatabaseConfig, log zerolog.Logger) (store.Repository, error) {
	switch cfg.Backend {
	case "postgres":
		db, err := postgres.Open(ctx, cfg.URL, postgres.Options{
			MaxOpenConns: cfg.MaxOpenConns,
			MaxIdleConns: cfg.MaxIdleConns,
			MaxIdleTime:  cfg.MaxIdleTime,
		})
		if err != nil {
			return nil, fmt.Errorf("app.New: %w", err)
		}
		log.Info().Msg("using postgres store")
		return postgres.New(db), nil
	case "memory":
		log.Warn().Msg("using in-memory store; data is lost on exit")
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("app.New: unknown database backend %q", cfg.Backend)
	}
}

// Close releases everything New opened, newest first.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
