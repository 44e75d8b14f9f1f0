// Package store persists conversations, messages, and live session records
// in Postgres. The gateway treats the whole package as optional: a nil
// *Store disables persistence without disabling voice sessions.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/sethvargo/go-retry"
)

var (
	ErrDisabled = errors.New("store: disabled")
	ErrNotFound = errors.New("store: not found")
)

type Config struct {
	DSN      string
	MaxConns int32
}

type Store struct {
	pool   *pgxpool.Pool
	dsn    string
	logger *slog.Logger
}

func Open(ctx context.Context, cfg Config, logger *slog.Logger) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("store: dsn is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("store: parse dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("store: open pool: %w", err)
	}

	return &Store{pool: pool, dsn: cfg.DSN, logger: logger}, nil
}

func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Ping checks the database once, for readiness probes.
func (s *Store) Ping(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return ErrDisabled
	}
	return s.pool.Ping(ctx)
}

// WaitReady pings the database until it answers or the timeout expires.
func (s *Store) WaitReady(ctx context.Context, timeout time.Duration) error {
	if s == nil || s.pool == nil {
		return ErrDisabled
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	backoff := retry.WithMaxDuration(timeout, retry.NewConstant(time.Second))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := s.pool.Ping(ctx); err != nil {
			s.logger.Debug("database not ready yet", slog.String("error", err.Error()))
			return retry.RetryableError(err)
		}
		return nil
	})
}

// Migrate applies the embedded goose migrations.
func (s *Store) Migrate(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return ErrDisabled
	}

	db, err := goose.OpenDBWithDriver("pgx", s.dsn)
	if err != nil {
		return fmt.Errorf("store: open migration connection: %w", err)
	}
	defer db.Close()

	goose.SetBaseFS(migrationsFS)
	goose.SetLogger(gooseLogger{s.logger})
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("store: set dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("store: run migrations: %w", err)
	}
	return nil
}

type gooseLogger struct {
	logger *slog.Logger
}

func (g gooseLogger) Fatalf(format string, v ...any) {
	g.logger.Error("migration failed", slog.String("detail", fmt.Sprintf(format, v...)))
}

func (g gooseLogger) Printf(format string, v ...any) {
	g.logger.Info("migration", slog.String("detail", fmt.Sprintf(format, v...)))
}
