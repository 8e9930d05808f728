// Package postgres provides the PostgreSQL mirror used by the rate
// limiter: connection pooling plus the schema bootstrap for the
// agent_rate_state table.
package postgres

import (
	"context"
	"time"

	"github.com/exaring/otelpgx"
	"github.com/jackc/pgx/v5/pgxpool"
)

// NewPool creates a pgx connection pool for the rate-limit mirror. The
// mirror only carries fire-and-forget bucket upserts and one warm read at
// boot, so the pool stays small; enforcement traffic lives in Redis.
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	cfg.MaxConns = 4
	cfg.MinConns = 1
	cfg.MaxConnIdleTime = 5 * time.Minute
	cfg.ConnConfig.Tracer = otelpgx.NewTracer()
	return pgxpool.NewWithConfig(ctx, cfg)
}
