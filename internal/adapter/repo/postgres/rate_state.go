package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const rateStateSchema = `
CREATE TABLE IF NOT EXISTS agent_rate_state (
	agent_key    TEXT PRIMARY KEY,
	minute_count BIGINT NOT NULL DEFAULT 0,
	hour_count   BIGINT NOT NULL DEFAULT 0,
	last_request TIMESTAMPTZ NOT NULL
)`

// EnsureRateLimitSchema creates the rate-limiter mirror table when missing.
// Safe to run from several instances at once.
func EnsureRateLimitSchema(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, rateStateSchema); err != nil {
		return fmt.Errorf("op=ratelimit.ensure_schema: %w", err)
	}
	return nil
}
