// Package audit publishes operational events (scaling, failover, dead
// letters, breaker trips) to external sinks. Publishing is best-effort:
// a broken sink is logged and never blocks the caller's path.
package audit

import (
	"errors"
	"log/slog"
	"time"

	"github.com/fairyhunter13/agent-orchestrator/internal/domain"
)

// FanOut publishes each event to every configured sink.
type FanOut struct {
	sinks []domain.EventSink
}

// NewFanOut composes sinks; nils are skipped so callers can pass optional
// sinks unconditionally.
func NewFanOut(sinks ...domain.EventSink) *FanOut {
	out := make([]domain.EventSink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return &FanOut{sinks: out}
}

// Publish delivers the event to all sinks and joins their errors. Partial
// delivery is expected; callers log and move on.
func (f *FanOut) Publish(ctx domain.Context, e domain.AuditEvent) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	var errs []error
	for _, s := range f.sinks {
		if err := s.Publish(ctx, e); err != nil {
			slog.Warn("audit sink publish failed",
				slog.String("event_type", e.Type),
				slog.Any("error", err))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// NopSink discards events. Used when no audit transport is configured.
type NopSink struct{}

func (NopSink) Publish(domain.Context, domain.AuditEvent) error { return nil }

var (
	_ domain.EventSink = (*FanOut)(nil)
	_ domain.EventSink = NopSink{}
)
