// Package database connects to Postgres and applies the schema migrations
// embedded in this package.
package database

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/ncecere/metering_gateway/internal/config"
)

//go:embed migrations/*.sql
var embeddedMigrations embed.FS

// Connect opens a pgx pool sized from cfg and pings it.
func Connect(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pgx pool: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

// Status is the migration state of a Postgres database.
type Status struct {
	Version int64 `json:"version"`
	Pending int   `json:"pending"`
}

// RunMigrations applies pending migrations when database.run_migrations is
// set. SQLite stores create their own schema on open.
func RunMigrations(ctx context.Context, cfg config.DatabaseConfig) error {
	if !cfg.RunMigrations || cfg.Driver != config.DriverPostgres {
		return nil
	}
	return withProvider(ctx, cfg, func(p *goose.Provider) error {
		if _, err := p.Up(ctx); err != nil {
			return fmt.Errorf("apply migrations: %w", err)
		}
		return nil
	})
}

// MigrationStatus reports the applied version and how many migrations
// have not run yet.
func MigrationStatus(ctx context.Context, cfg config.DatabaseConfig) (Status, error) {
	var status Status
	err := withProvider(ctx, cfg, func(p *goose.Provider) error {
		version, err := p.GetDBVersion(ctx)
		if err != nil {
			return fmt.Errorf("read schema version: %w", err)
		}
		results, err := p.Status(ctx)
		if err != nil {
			return fmt.Errorf("read migration status: %w", err)
		}
		status.Version = version
		for _, r := range results {
			if r.State == goose.StatePending {
				status.Pending++
			}
		}
		return nil
	})
	return status, err
}

func withProvider(ctx context.Context, cfg config.DatabaseConfig, fn func(*goose.Provider) error) error {
	fsys, err := migrationsFS(cfg.MigrationsDir)
	if err != nil {
		return err
	}
	db, err := sql.Open("pgx", cfg.URL)
	if err != nil {
		return fmt.Errorf("open database for migrations: %w", err)
	}
	defer db.Close()
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping database for migrations: %w", err)
	}

	provider, err := goose.NewProvider(goose.DialectPostgres, db, fsys)
	if err != nil {
		return fmt.Errorf("init migrations: %w", err)
	}
	return fn(provider)
}

// migrationsFS returns the embedded migrations unless dir points at an
// override directory on disk.
func migrationsFS(dir string) (fs.FS, error) {
	if dir == "" {
		return fs.Sub(embeddedMigrations, "migrations")
	}
	resolved, err := resolveMigrationsDir(dir)
	if err != nil {
		return nil, err
	}
	return os.DirFS(resolved), nil
}

func resolveMigrationsDir(dir string) (string, error) {
	candidates := []string{dir}
	if exe, err := os.Executable(); err == nil && !filepath.IsAbs(dir) {
		candidates = append(candidates, filepath.Join(filepath.Dir(exe), dir))
	}
	for _, candidate := range candidates {
		abs, err := filepath.Abs(candidate)
		if err != nil {
			continue
		}
		if info, err := os.Stat(abs); err == nil && info.IsDir() {
			return abs, nil
		}
	}
	return "", fmt.Errorf("could not locate migrations dir %q", dir)
}
