package app

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/agent-orchestrator/internal/adapter/redisstream"
)

// DeadLetterSweeper drops DLQ records older than maxAge so poison tasks do
// not accumulate in Redis indefinitely. Operators inspect dead letters
// through the streams status endpoint well before the age limit.
type DeadLetterSweeper struct {
	store    *redisstream.Store
	stream   string
	maxAge   time.Duration
	interval time.Duration
}

// NewDeadLetterSweeper returns nil when no store or stream is configured so
// callers can unconditionally Run the result.
func NewDeadLetterSweeper(store *redisstream.Store, stream string, maxAge, interval time.Duration) *DeadLetterSweeper {
	if store == nil || stream == "" {
		return nil
	}
	if maxAge <= 0 {
		maxAge = 24 * time.Hour
	}
	if interval <= 0 {
		interval = time.Hour
	}
	return &DeadLetterSweeper{store: store, stream: stream, maxAge: maxAge, interval: interval}
}

// Run sweeps once immediately, then on every tick until ctx is canceled.
func (s *DeadLetterSweeper) Run(ctx context.Context) {
	if s == nil {
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.sweepOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("dead letter sweeper stopping")
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *DeadLetterSweeper) sweepOnce(ctx context.Context) {
	tracer := otel.Tracer("dispatch.dlq_sweeper")
	ctx, span := tracer.Start(ctx, "DeadLetterSweeper.sweepOnce")
	defer span.End()

	cutoff := time.Now().Add(-s.maxAge)
	span.SetAttributes(
		attribute.String("dlq.stream", s.stream+redisstream.DLQSuffix),
		attribute.Float64("dlq.max_age_seconds", s.maxAge.Seconds()),
	)

	removed, err := s.store.TrimDeadLetters(ctx, s.stream, cutoff)
	if err != nil {
		span.RecordError(err)
		slog.Error("dead letter sweep failed",
			slog.String("stream", s.stream),
			slog.Any("error", err))
		return
	}
	span.SetAttributes(attribute.Int64("dlq.removed", removed))
	if removed > 0 {
		slog.Info("dead letters expired",
			slog.String("stream", s.stream),
			slog.Int64("removed", removed),
			slog.Duration("max_age", s.maxAge))
	}
}
