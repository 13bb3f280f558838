package database

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sparrowinvest/mfengine/pkg/config"
)

const (
	applicationName = "mfengine"
	connectAttempts = 3
	pingTimeout     = 5 * time.Second
)

// DB owns the ledger's connection pool
// ⭐ SSOT: DB 연결은 이 패키지에서만 생성
type DB struct {
	Pool *pgxpool.Pool
}

// New opens the pool and waits for the database to answer a ping.
// Sessions run in UTC; exchange-local dates are converted by the gateways.
func New(ctx context.Context, cfg config.DatabaseConfig) (*DB, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}

	poolConfig.MaxConns = int32(cfg.MaxConns)
	poolConfig.MinConns = int32(cfg.MinConns)
	poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime
	poolConfig.ConnConfig.RuntimeParams["application_name"] = applicationName
	poolConfig.ConnConfig.RuntimeParams["timezone"] = "UTC"

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := waitReady(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &DB{Pool: pool}, nil
}

// waitReady pings with backoff; a database restarting next to the engine
// usually answers within a few seconds
func waitReady(ctx context.Context, pool *pgxpool.Pool) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 4 * time.Second
	b.Reset()

	var err error
	for attempt := 1; attempt <= connectAttempts; attempt++ {
		pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
		err = pool.Ping(pingCtx)
		cancel()
		if err == nil {
			return nil
		}
		if attempt == connectAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(b.NextBackOff()):
		}
	}
	return fmt.Errorf("database not reachable after %d attempts: %w", connectAttempts, err)
}

// Close releases every pooled connection
func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
	}
}

// PoolHealth is what `db check` and the readiness probe report
type PoolHealth struct {
	Healthy  bool          `json:"healthy"`
	Latency  time.Duration `json:"latency"`
	Total    int32         `json:"total_conns"`
	Idle     int32         `json:"idle_conns"`
	Acquired int32         `json:"acquired_conns"`
	Max      int32         `json:"max_conns"`
	Error    string        `json:"error,omitempty"`
}

// Health pings once and snapshots the pool counters
func (db *DB) Health(ctx context.Context) (PoolHealth, error) {
	var h PoolHealth

	start := time.Now()
	if err := db.Pool.Ping(ctx); err != nil {
		h.Error = err.Error()
		return h, err
	}
	h.Latency = time.Since(start)

	stats := db.Pool.Stat()
	h.Total = stats.TotalConns()
	h.Idle = stats.IdleConns()
	h.Acquired = stats.AcquiredConns()
	h.Max = stats.MaxConns()
	h.Healthy = true
	return h, nil
}
