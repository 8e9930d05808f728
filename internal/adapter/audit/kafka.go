package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"
	"github.com/twmb/franz-go/plugin/kotel"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/agent-orchestrator/internal/domain"
)

// kafkaErrTopicExists is Kafka protocol error code 36 (TOPIC_ALREADY_EXISTS).
const kafkaErrTopicExists = 36

// KafkaSink publishes audit events to a Kafka/Redpanda topic.
// Delivery is asynchronous; produce failures are logged, not returned.
type KafkaSink struct {
	client *kgo.Client
	topic  string
}

// NewKafkaSink connects to the brokers and ensures the topic exists.
func NewKafkaSink(brokers []string, topic string) (*KafkaSink, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("no seed brokers provided")
	}
	if topic == "" {
		return nil, fmt.Errorf("audit topic required")
	}

	kotelService := kotel.NewKotel(
		kotel.WithTracer(kotel.NewTracer(
			kotel.TracerProvider(otel.GetTracerProvider()),
		)),
	)
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.RequestRetries(10),
		kgo.ProducerBatchMaxBytes(1_000_000),
		kgo.WithHooks(kotelService.Hooks()...),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := ensureTopic(ctx, client, topic, 1, 1); err != nil {
		// The broker may race another instance creating the topic, or
		// auto-create may be enabled; publishing still works either way.
		slog.Warn("audit topic creation failed; continuing",
			slog.String("topic", topic),
			slog.Any("error", err))
	}

	slog.Info("kafka audit sink ready",
		slog.Any("brokers", brokers),
		slog.String("topic", topic))
	return &KafkaSink{client: client, topic: topic}, nil
}

// Publish enqueues the event and returns immediately. The produce callback
// only logs failures so audit writes never slow down the hot path.
func (s *KafkaSink) Publish(ctx domain.Context, e domain.AuditEvent) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	b, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}
	record := &kgo.Record{
		Topic: s.topic,
		Key:   []byte(e.Type),
		Value: b,
		Headers: []kgo.RecordHeader{
			{Key: "event_type", Value: []byte(e.Type)},
			{Key: "source", Value: []byte(e.Source)},
		},
	}
	s.client.Produce(ctx, record, func(r *kgo.Record, err error) {
		if err != nil {
			slog.Error("audit event produce failed",
				slog.String("topic", r.Topic),
				slog.String("event_type", e.Type),
				slog.Any("error", err))
		}
	})
	return nil
}

// Ping verifies broker connectivity for readiness probes.
func (s *KafkaSink) Ping(ctx domain.Context) error {
	return s.client.Ping(ctx)
}

// Close flushes buffered records and releases the client.
func (s *KafkaSink) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.client.Flush(ctx); err != nil {
		slog.Warn("audit sink flush incomplete", slog.Any("error", err))
	}
	s.client.Close()
	return nil
}

// ensureTopic creates the topic via the admin API, tolerating concurrent
// creation.
func ensureTopic(ctx context.Context, client *kgo.Client, topic string, partitions int32, replication int16) error {
	req := kmsg.NewCreateTopicsRequest()
	req.TimeoutMillis = 30000

	topicReq := kmsg.NewCreateTopicsRequestTopic()
	topicReq.Topic = topic
	topicReq.NumPartitions = partitions
	topicReq.ReplicationFactor = replication
	req.Topics = append(req.Topics, topicReq)

	resp, err := client.Request(ctx, &req)
	if err != nil {
		return fmt.Errorf("create topics request: %w", err)
	}
	createResp, ok := resp.(*kmsg.CreateTopicsResponse)
	if !ok {
		return fmt.Errorf("unexpected response type: %T", resp)
	}
	for _, tr := range createResp.Topics {
		if tr.ErrorCode == 0 || tr.ErrorCode == kafkaErrTopicExists {
			continue
		}
		msg := ""
		if tr.ErrorMessage != nil {
			msg = *tr.ErrorMessage
		}
		return fmt.Errorf("create topic %s: %s (code %d)", tr.Topic, msg, tr.ErrorCode)
	}
	return nil
}

var _ domain.EventSink = (*KafkaSink)(nil)
