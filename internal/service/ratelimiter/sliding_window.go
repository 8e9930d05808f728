// Package ratelimiter enforces per-agent request limits with Redis-scripted
// sliding windows: a one-minute window, a one-hour window, and a minimum
// inter-request gap, checked and recorded atomically. Redis failures fail
// open: availability wins over strictness, and provider-side 429 handling
// still applies.
package ratelimiter

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/agent-orchestrator/internal/adapter/observability"
)

// Limiter is the port the router consumes.
type Limiter interface {
	Allow(ctx context.Context, agentID string) (allowed bool, retryAfter time.Duration, err error)
}

// Limits configures one agent's request budget. Zero fields disable that
// check.
type Limits struct {
	PerMinute   int
	PerHour     int
	MinInterval time.Duration
}

// SlidingWindowLimiter implements Limiter on Redis ZSET windows with an
// optional Postgres mirror that survives Redis restarts.
type SlidingWindowLimiter struct {
	redis    *redis.Client
	pool     *pgxpool.Pool
	script   *redis.Script
	mu       sync.RWMutex
	defaults Limits
	byAgent  map[string]Limits
}

// NewSlidingWindowLimiter builds a limiter. pool may be nil (no mirror).
func NewSlidingWindowLimiter(rdb *redis.Client, pool *pgxpool.Pool, defaults Limits) *SlidingWindowLimiter {
	if rdb == nil {
		return nil
	}
	return &SlidingWindowLimiter{
		redis:    rdb,
		pool:     pool,
		script:   redis.NewScript(luaSlidingWindowScript),
		defaults: defaults,
		byAgent:  make(map[string]Limits),
	}
}

// Windows and retry hints are computed in microseconds inside the script so
// sub-second gaps round sensibly.
const luaSlidingWindowScript = `
local minute_key = KEYS[1]
local hour_key = KEYS[2]
local last_key = KEYS[3]
local seq_key = KEYS[4]
local now = tonumber(ARGV[1])
local per_minute = tonumber(ARGV[2])
local per_hour = tonumber(ARGV[3])
local min_gap = tonumber(ARGV[4])

local minute_span = 60000000
local hour_span = 3600000000

redis.call("ZREMRANGEBYSCORE", minute_key, "-inf", now - minute_span)
redis.call("ZREMRANGEBYSCORE", hour_key, "-inf", now - hour_span)

if min_gap > 0 then
  local last = redis.call("GET", last_key)
  if last then
    local since = now - tonumber(last)
    if since < min_gap then
      return {0, min_gap - since, "gap", redis.call("ZCARD", minute_key), redis.call("ZCARD", hour_key)}
    end
  end
end

if per_minute > 0 then
  local count = redis.call("ZCARD", minute_key)
  if count >= per_minute then
    local oldest = redis.call("ZRANGE", minute_key, 0, 0, "WITHSCORES")
    local retry = minute_span - (now - tonumber(oldest[2]))
    if retry < 0 then retry = 0 end
    return {0, retry, "minute", count, redis.call("ZCARD", hour_key)}
  end
end

if per_hour > 0 then
  local count = redis.call("ZCARD", hour_key)
  if count >= per_hour then
    local oldest = redis.call("ZRANGE", hour_key, 0, 0, "WITHSCORES")
    local retry = hour_span - (now - tonumber(oldest[2]))
    if retry < 0 then retry = 0 end
    return {0, retry, "hour", redis.call("ZCARD", minute_key), count}
  end
end

local seq = redis.call("INCR", seq_key)
local member = tostring(now) .. "-" .. tostring(seq)
redis.call("ZADD", minute_key, now, member)
redis.call("ZADD", hour_key, now, member)
redis.call("SET", last_key, tostring(now))
redis.call("EXPIRE", minute_key, 120)
redis.call("EXPIRE", hour_key, 7200)
redis.call("EXPIRE", last_key, 120)
redis.call("EXPIRE", seq_key, 7200)

return {1, 0, "", redis.call("ZCARD", minute_key), redis.call("ZCARD", hour_key)}
`

// Allow checks and records one request for the agent. A nil limiter always
// allows.
func (l *SlidingWindowLimiter) Allow(ctx context.Context, agentID string) (bool, time.Duration, error) {
	if l == nil || l.redis == nil {
		return true, 0, nil
	}

	limits := l.limitsFor(agentID)
	if limits.PerMinute <= 0 && limits.PerHour <= 0 && limits.MinInterval <= 0 {
		return true, 0, nil
	}

	nowMicro := time.Now().UnixMicro()
	keys := []string{
		"rl:" + agentID + ":minute",
		"rl:" + agentID + ":hour",
		"rl:" + agentID + ":last",
		"rl:" + agentID + ":seq",
	}
	res, err := l.script.Run(ctx, l.redis, keys,
		nowMicro, limits.PerMinute, limits.PerHour, limits.MinInterval.Microseconds()).Result()
	if err != nil {
		slog.Error("rate limiter script error, failing open",
			slog.String("agent", agentID),
			slog.Any("error", err))
		return true, 0, nil
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) < 5 {
		slog.Error("rate limiter unexpected script result",
			slog.String("agent", agentID),
			slog.Any("result", res))
		return true, 0, nil
	}

	allowed := toInt64(vals[0]) == 1
	retryAfter := time.Duration(toInt64(vals[1])) * time.Microsecond
	reason, _ := vals[2].(string)
	minuteCount := toInt64(vals[3])
	hourCount := toInt64(vals[4])

	if !allowed {
		observability.RateLimitDeniedTotal.WithLabelValues(agentID).Inc()
		slog.Warn("agent request rate limited",
			slog.String("agent", agentID),
			slog.String("window", reason),
			slog.Duration("retry_after", retryAfter))
	}

	if l.pool != nil {
		l.mirrorAsync(agentID, minuteCount, hourCount, time.UnixMicro(nowMicro))
	}
	return allowed, retryAfter, nil
}

// SetLimits installs per-agent limits overriding the defaults.
func (l *SlidingWindowLimiter) SetLimits(agentID string, limits Limits) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.byAgent[agentID] = limits
}

func (l *SlidingWindowLimiter) limitsFor(agentID string) Limits {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if limits, ok := l.byAgent[agentID]; ok {
		return limits
	}
	return l.defaults
}

// mirrorAsync upserts the window state off the request path. Mirror failures
// only log; the limiter's source of truth stays in Redis.
func (l *SlidingWindowLimiter) mirrorAsync(agentID string, minuteCount, hourCount int64, lastRequest time.Time) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, err := l.pool.Exec(ctx,
			`INSERT INTO agent_rate_state (agent_key, minute_count, hour_count, last_request)
			 VALUES ($1, $2, $3, $4)
			 ON CONFLICT (agent_key) DO UPDATE SET
			   minute_count = EXCLUDED.minute_count,
			   hour_count = EXCLUDED.hour_count,
			   last_request = EXCLUDED.last_request`,
			agentID, minuteCount, hourCount, lastRequest,
		)
		if err != nil {
			slog.Error("failed to mirror rate state to postgres",
				slog.String("agent", agentID),
				slog.Any("error", err))
		}
	}()
}

// WarmFromPostgres reseeds Redis from the mirror after a Redis restart: the
// minute and hour windows are approximated with synthetic entries at the
// last request time, so a fresh Redis cannot be blown through at startup.
func (l *SlidingWindowLimiter) WarmFromPostgres(ctx context.Context) error {
	if l == nil || l.pool == nil || l.redis == nil {
		return nil
	}

	rows, err := l.pool.Query(ctx,
		`SELECT agent_key, minute_count, hour_count, last_request FROM agent_rate_state`)
	if err != nil {
		return fmt.Errorf("warm rate state: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			agentID     string
			minuteCount int
			hourCount   int
			lastRequest time.Time
		)
		if err := rows.Scan(&agentID, &minuteCount, &hourCount, &lastRequest); err != nil {
			return fmt.Errorf("warm rate state scan: %w", err)
		}

		// Stale rows would only throttle dead agents; skip anything older
		// than the hour window.
		if time.Since(lastRequest) > time.Hour {
			continue
		}

		limits := l.limitsFor(agentID)
		score := float64(lastRequest.UnixMicro())
		pipe := l.redis.Pipeline()
		for i := 0; i < capCount(minuteCount, limits.PerMinute); i++ {
			member := fmt.Sprintf("warm-%d-%d", lastRequest.UnixMicro(), i)
			pipe.ZAdd(ctx, "rl:"+agentID+":minute", redis.Z{Score: score, Member: member})
		}
		for i := 0; i < capCount(hourCount, limits.PerHour); i++ {
			member := fmt.Sprintf("warm-%d-%d", lastRequest.UnixMicro(), i)
			pipe.ZAdd(ctx, "rl:"+agentID+":hour", redis.Z{Score: score, Member: member})
		}
		pipe.Set(ctx, "rl:"+agentID+":last", fmt.Sprintf("%d", lastRequest.UnixMicro()), 2*time.Minute)
		pipe.Expire(ctx, "rl:"+agentID+":minute", 2*time.Minute)
		pipe.Expire(ctx, "rl:"+agentID+":hour", 2*time.Hour)
		if _, err := pipe.Exec(ctx); err != nil {
			slog.Error("failed to warm rate window from postgres",
				slog.String("agent", agentID),
				slog.Any("error", err))
			continue
		}
		slog.Info("rate window warmed from postgres",
			slog.String("agent", agentID),
			slog.Int("minute_count", minuteCount),
			slog.Int("hour_count", hourCount))
	}
	return rows.Err()
}

func capCount(n, limit int) int {
	if limit > 0 && n > limit {
		return limit
	}
	if n < 0 {
		return 0
	}
	return n
}

func toInt64(v interface{}) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case float64:
		return int64(t)
	default:
		return 0
	}
}
