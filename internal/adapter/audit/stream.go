package audit

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/agent-orchestrator/internal/domain"
)

const streamMaxLen = 10000

// StreamSink appends audit events to a Redis stream so operators can tail
// them without a Kafka deployment.
type StreamSink struct {
	rdb    *redis.Client
	stream string
}

// NewStreamSink writes events to the named stream, capped at an
// approximate length.
func NewStreamSink(rdb *redis.Client, stream string) *StreamSink {
	return &StreamSink{rdb: rdb, stream: stream}
}

func (s *StreamSink) Publish(ctx domain.Context, e domain.AuditEvent) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	payload := ""
	if len(e.Payload) > 0 {
		raw, err := json.Marshal(e.Payload)
		if err != nil {
			return fmt.Errorf("marshal audit payload: %w", err)
		}
		payload = string(raw)
	}
	err := s.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]interface{}{
			"event_type": e.Type,
			"source":     e.Source,
			"payload":    payload,
			"timestamp":  e.CreatedAt.UTC().Format(time.RFC3339Nano),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("append audit event: %w", err)
	}
	return nil
}

var _ domain.EventSink = (*StreamSink)(nil)
