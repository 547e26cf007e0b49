package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"sessiongate/internal/audit"
	"sessiongate/internal/config"
	"sessiongate/internal/db"
	"sessiongate/internal/engine"
	"sessiongate/internal/gate"
	"sessiongate/internal/migrate"
	"sessiongate/internal/repo"
	"sessiongate/internal/store"
	"sessiongate/internal/store/postgres"
)

// Backend is an engine together with the stores it was opened over.
type Backend struct {
	Engine engine.Engine
	Store  store.Store
	Audit  store.AuditLog

	closers []func() error
}

// Close releases every opened store.
func (b *Backend) Close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ResolveConfig loads the workspace config, falling back to defaults when
// the workspace has none.
func ResolveConfig(workspace string) (*config.Config, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = config.Default()
	}
	return cfg, nil
}

// Open builds the store, audit log and artifact source named by cfg and wires
// an engine over them. Relative paths resolve against workspace.
func Open(ctx context.Context, workspace string, cfg *config.Config, logger *slog.Logger) (*Backend, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = slog.Default()
	}
	b := &Backend{}
	st, err := b.openStore(ctx, workspace, cfg)
	if err != nil {
		b.Close()
		return nil, err
	}
	b.Store = st
	switch cfg.Audit.Driver {
	case "file":
		path := cfg.Audit.FilePath
		if path == "" {
			path = filepath.Join(".sessiongate", "audit.jsonl")
		}
		b.Audit = audit.NewFileLog(resolve(workspace, path))
	default:
		log, ok := st.(store.AuditLog)
		if !ok {
			b.Close()
			return nil, fmt.Errorf("store driver %s cannot hold the audit log", cfg.Store.Driver)
		}
		b.Audit = log
	}
	artifacts := gate.DirSource{Root: resolve(workspace, cfg.Gate.ArtifactsDir)}
	eng, err := engine.New(b.Store, b.Audit, cfg, artifacts)
	if err != nil {
		b.Close()
		return nil, err
	}
	eng.Logger = logger
	b.Engine = eng
	logger.Debug("backend opened", "store", cfg.Store.Driver, "audit", cfg.Audit.Driver, "artifacts", artifacts.Root)
	return b, nil
}

func (b *Backend) openStore(ctx context.Context, workspace string, cfg *config.Config) (store.Store, error) {
	switch cfg.Store.Driver {
	case "memory":
		return store.NewMemory(), nil
	case "postgres":
		pg, err := postgres.Open(ctx, cfg.Store.PostgresDSN, cfg.Store.MaxConns)
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, pg.Close)
		return pg, nil
	case "sqlite", "":
		dbCfg := db.Config{Workspace: workspace}
		if cfg.Store.SQLitePath != "" {
			dbCfg.Path = resolve(workspace, cfg.Store.SQLitePath)
		}
		conn, err := db.Open(dbCfg)
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, conn.Close)
		if err := migrate.Migrate(ctx, conn); err != nil {
			return nil, fmt.Errorf("migrate %s: %w", db.Path(dbCfg), err)
		}
		return repo.Repo{DB: conn}, nil
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
}

func resolve(workspace, path string) string {
	if path == "" {
		path = "."
	}
	if filepath.IsAbs(path) || workspace == "" {
		return path
	}
	return filepath.Join(workspace, path)
}
