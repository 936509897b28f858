package main

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meridian-chat/meridian/internal/adapters/postgres"
	"github.com/meridian-chat/meridian/internal/adapters/retry"
	"github.com/meridian-chat/meridian/internal/config"
)

// Version information (set via ldflags)
var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

var cfg *config.Config

func millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// newPool builds and verifies a connection pool from the database settings.
func newPool(ctx context.Context, url string, db config.DatabaseConfig) (*pgxpool.Pool, error) {
	poolConfig, err := postgres.PoolConfig(
		url,
		db.PoolMin,
		db.PoolMax,
		millis(db.ConnectionTimeoutMS),
		millis(db.IdleTimeoutMS),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}
	// Force UTC so TIMESTAMP columns are not subject to the server locale.
	poolConfig.ConnConfig.RuntimeParams["timezone"] = "UTC"

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create database pool: %w", err)
	}

	// The database may still be coming up when the service boots; retry
	// connection-level failures before giving up.
	err = retry.WithBackoff(ctx, retry.DefaultConfig(), func() error {
		return pool.Ping(ctx)
	})
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return pool, nil
}

// maskSecret masks a secret string for display
func maskSecret(s string) string {
	if s == "" {
		return "(not set)"
	}
	if len(s) <= 8 {
		return "(set)"
	}
	return s[:4] + "..." + s[len(s)-4:]
}

// boolStatus returns a status string for a boolean
func boolStatus(b bool) string {
	if b {
		return "enabled"
	}
	return "disabled"
}
