package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"flashsale/config"

	"github.com/jackc/pgx/v5/pgxpool"
)

func initDB(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	// Configure connection pool
	poolCfg.MaxConns = int32(cfg.DBMaxConns)
	poolCfg.MaxConnLifetime = time.Hour
	poolCfg.MaxConnIdleTime = 30 * time.Minute
	poolCfg.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	// Wait for database to be ready
	for i := 1; i <= 30; i++ {
		if err = pool.Ping(ctx); err == nil {
			slog.Info("connected to ledger database", "max_conns", poolCfg.MaxConns)
			return pool, nil
		}
		slog.Warn("waiting for database", "attempt", i, "error", err)

		select {
		case <-ctx.Done():
			pool.Close()
			return nil, ctx.Err()
		case <-time.After(time.Second):
		}
	}

	pool.Close()
	return nil, fmt.Errorf("failed to connect to database after 30 attempts: %w", err)
}
