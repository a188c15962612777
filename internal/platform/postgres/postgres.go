package postgres

import (
	"context"
	"fmt"
	"io/fs"
	"time"

	"github.com/RegularizePGFN/regularize-bot/internal/logger"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

type DB struct {
	Pool *pgxpool.Pool
	log  *logger.Logger
}

func Connect(ctx context.Context, dsn string) (*DB, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	cfg.MaxConnLifetime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &DB{Pool: pool, log: logger.New("Postgres")}, nil
}

func (d *DB) Close() { d.Pool.Close() }

func (d *DB) HealthCheck(ctx context.Context) error {
	var one int
	if err := d.Pool.QueryRow(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("postgres query failed: %w", err)
	}
	return nil
}

// Migrate applies the goose migrations found in dir of fsys.
func (d *DB) Migrate(ctx context.Context, fsys fs.FS, dir string) error {
	db := stdlib.OpenDBFromPool(d.Pool)
	defer db.Close()

	goose.SetBaseFS(fsys)
	defer goose.SetBaseFS(nil)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	if err := goose.UpContext(ctx, db, dir); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	version, err := goose.GetDBVersionContext(ctx, db)
	if err == nil {
		d.log.LogInfof("Database schema at version %d", version)
	}
	return nil
}
