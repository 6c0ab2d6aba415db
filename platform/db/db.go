// Package db provides the Postgres connection and migrations for the audit
// mirror. This is part of the platform layer and contains no business logic.
package db

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"lead_router_backend/platform/config"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ApplicationName tags mirror sessions in pg_stat_activity unless the URL
// already sets one.
const ApplicationName = "lead-router-audit-mirror"

const (
	mirrorMaxConns   = 4
	statementTimeout = 5 * time.Second
	pingTimeout      = 5 * time.Second
)

// OpenMirrorPool connects the audit mirror. The mirror inserts single rows
// and runs a periodic purge, so the pool is small and starts empty.
func OpenMirrorPool(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	poolConfig, err := mirrorPoolConfig(cfg.GetDatabaseURL())
	if err != nil {
		return nil, err
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("open audit mirror pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping audit mirror: %w", err)
	}
	return pool, nil
}

func mirrorPoolConfig(url string) (*pgxpool.Config, error) {
	poolConfig, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parse DATABASE_URL: %w", err)
	}

	poolConfig.MaxConns = mirrorMaxConns
	poolConfig.MinConns = 0
	poolConfig.MaxConnIdleTime = 5 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	params := poolConfig.ConnConfig.RuntimeParams
	if params["application_name"] == "" {
		params["application_name"] = ApplicationName
	}
	params["statement_timeout"] = strconv.FormatInt(statementTimeout.Milliseconds(), 10)
	return poolConfig, nil
}
