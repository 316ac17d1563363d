package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"device-auth-service/internal/models"
)

type batchInserter interface {
	Exec(ctx context.Context, query string, args ...interface{}) error
	BatchInsert(ctx context.Context, query string, data [][]interface{}) error
}

type documentIndexer interface {
	IndexDocument(ctx context.Context, index, id string, document interface{}) error
}

type messageProducer interface {
	ProduceMessage(ctx context.Context, topic string, key, value []byte, headers map[string]string) error
}

const clickhouseSchema = `
CREATE TABLE IF NOT EXISTS security_events (
	event_date   Date,
	event_bucket UInt16,
	occurred_at  DateTime64(3, 'UTC'),
	event_id     UUID,
	event_type   LowCardinality(String),
	subject      String,
	device_id    String,
	details      Map(String, String)
) ENGINE = MergeTree
PARTITION BY toYYYYMM(event_date)
ORDER BY (event_type, event_bucket, occurred_at)`

const clickhouseInsert = `INSERT INTO security_events
	(event_date, event_bucket, occurred_at, event_id, event_type, subject, device_id, details)`

type ClickHouseSink struct {
	db batchInserter
}

func NewClickHouseSink(db batchInserter) *ClickHouseSink {
	return &ClickHouseSink{db: db}
}

func (s *ClickHouseSink) Name() string { return "clickhouse" }

func (s *ClickHouseSink) EnsureSchema(ctx context.Context) error {
	if err := s.db.Exec(ctx, clickhouseSchema); err != nil {
		return fmt.Errorf("failed to create security_events table: %w", err)
	}
	return nil
}

func (s *ClickHouseSink) Write(ctx context.Context, ev models.SecurityEvent) error {
	details := ev.Details
	if details == nil {
		details = map[string]string{}
	}
	row := []interface{}{
		ev.OccurredAt,
		uint16(ev.EventBucket),
		ev.OccurredAt,
		ev.EventID,
		string(ev.EventType),
		ev.Subject,
		ev.DeviceID,
		details,
	}
	if err := s.db.BatchInsert(ctx, clickhouseInsert, [][]interface{}{row}); err != nil {
		return fmt.Errorf("failed to insert security event: %w", err)
	}
	return nil
}

// ElasticsearchSink indexes events into one index per UTC day.
type ElasticsearchSink struct {
	es     documentIndexer
	prefix string
}

func NewElasticsearchSink(es documentIndexer, indexPrefix string) *ElasticsearchSink {
	return &ElasticsearchSink{es: es, prefix: indexPrefix}
}

func (s *ElasticsearchSink) Name() string { return "elasticsearch" }

func (s *ElasticsearchSink) Write(ctx context.Context, ev models.SecurityEvent) error {
	index := s.prefix + "-" + ev.OccurredAt.UTC().Format("2006.01.02")
	return s.es.IndexDocument(ctx, index, ev.EventID, ev)
}

// KafkaSink publishes events keyed by subject so one subject stays ordered.
type KafkaSink struct {
	producer messageProducer
	topic    string
}

func NewKafkaSink(producer messageProducer, topic string) *KafkaSink {
	return &KafkaSink{producer: producer, topic: topic}
}

func (s *KafkaSink) Name() string { return "kafka" }

func (s *KafkaSink) Write(ctx context.Context, ev models.SecurityEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal security event: %w", err)
	}
	return s.producer.ProduceMessage(ctx, s.topic, []byte(ev.Subject), payload, map[string]string{
		"event_type": string(ev.EventType),
	})
}

// LogSink writes events to the structured log.
type LogSink struct {
	logger *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Write(_ context.Context, ev models.SecurityEvent) error {
	s.logger.Info("security event",
		zap.String("event_id", ev.EventID),
		zap.String("event_type", string(ev.EventType)),
		zap.String("subject", ev.Subject),
		zap.String("device_id", ev.DeviceID),
		zap.Any("details", ev.Details),
		zap.Time("occurred_at", ev.OccurredAt),
	)
	return nil
}

// MemorySink keeps events in memory. authctl uses it to print what a command recorded.
type MemorySink struct {
	mu     sync.Mutex
	events []models.SecurityEvent
}

func (s *MemorySink) Name() string { return "memory" }

func (s *MemorySink) Write(_ context.Context, ev models.SecurityEvent) error {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
	return nil
}

func (s *MemorySink) Events() []models.SecurityEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.SecurityEvent, len(s.events))
	copy(out, s.events)
	return out
}

// Types returns the recorded event types in order.
func (s *MemorySink) Types() []models.EventType {
	events := s.Events()
	out := make([]models.EventType, len(events))
	for i, ev := range events {
		out[i] = ev.EventType
	}
	return out
}
