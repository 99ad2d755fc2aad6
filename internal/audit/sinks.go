package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"phone-auth-service/internal/util"
)

// Sink stores or forwards a batch of events.
type Sink interface {
	Name() string
	Write(ctx context.Context, events []Event) error
}

// -------------------- LOG --------------------

type LogSink struct{}

func (LogSink) Name() string { return "log" }

func (LogSink) Write(_ context.Context, events []Event) error {
	for _, e := range events {
		util.Info("audit",
			zap.String("event_id", e.ID),
			zap.String("type", string(e.Type)),
			zap.String("outcome", e.Outcome),
			zap.String("reason", e.Reason),
			zap.String("ip", e.IPAddress),
			zap.Int("attempts", e.Attempts),
		)
	}
	return nil
}

// -------------------- KAFKA --------------------

type MessageProducer interface {
	ProduceMessages(ctx context.Context, msgs ...kafka.Message) error
}

// KafkaSink keys messages by phone hash so one phone's events stay ordered
// within a partition.
type KafkaSink struct {
	producer MessageProducer
}

func NewKafkaSink(p MessageProducer) *KafkaSink {
	return &KafkaSink{producer: p}
}

func (s *KafkaSink) Name() string { return "kafka" }

func (s *KafkaSink) Write(ctx context.Context, events []Event) error {
	msgs := make([]kafka.Message, 0, len(events))
	for _, e := range events {
		value, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("marshal event %s: %w", e.ID, err)
		}
		key := e.PhoneHash
		if key == "" {
			key = e.IPAddress
		}
		msgs = append(msgs, kafka.Message{
			Key:     []byte(key),
			Value:   value,
			Time:    e.OccurredAt,
			Headers: []kafka.Header{{Key: "event_type", Value: []byte(e.Type)}},
		})
	}
	return s.producer.ProduceMessages(ctx, msgs...)
}

// -------------------- NATS --------------------

type SubjectPublisher interface {
	Publish(ctx context.Context, subject string, data interface{}) error
}

// NATSSink publishes each event on <prefix>.<event type>.
type NATSSink struct {
	publisher SubjectPublisher
	prefix    string
}

func NewNATSSink(p SubjectPublisher, prefix string) *NATSSink {
	return &NATSSink{publisher: p, prefix: prefix}
}

func (s *NATSSink) Name() string { return "nats" }

func (s *NATSSink) Write(ctx context.Context, events []Event) error {
	for _, e := range events {
		if err := s.publisher.Publish(ctx, s.prefix+"."+string(e.Type), e); err != nil {
			return fmt.Errorf("publish event %s: %w", e.ID, err)
		}
	}
	return nil
}

// -------------------- CLICKHOUSE --------------------

type BatchWriter interface {
	Exec(ctx context.Context, query string, args ...interface{}) error
	BatchInsert(ctx context.Context, query string, rows [][]interface{}) error
}

type ClickHouseSink struct {
	client BatchWriter
	table  string
}

func NewClickHouseSink(c BatchWriter, table string) *ClickHouseSink {
	return &ClickHouseSink{client: c, table: table}
}

func (s *ClickHouseSink) Name() string { return "clickhouse" }

// EnsureTable creates the audit table when missing.
func (s *ClickHouseSink) EnsureTable(ctx context.Context) error {
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    id           UUID,
    event_type   LowCardinality(String),
    phone_hash   String,
    ip_address   String,
    event_bucket UInt16,
    event_date   Date,
    outcome      LowCardinality(String),
    reason       String,
    attempts     UInt8,
    occurred_at  DateTime64(3, 'UTC')
) ENGINE = MergeTree
PARTITION BY toYYYYMM(event_date)
ORDER BY (event_bucket, phone_hash, occurred_at)`, s.table)
	return s.client.Exec(ctx, ddl)
}

func (s *ClickHouseSink) Write(ctx context.Context, events []Event) error {
	rows := make([][]interface{}, 0, len(events))
	for _, e := range events {
		rows = append(rows, []interface{}{
			e.ID,
			string(e.Type),
			e.PhoneHash,
			e.IPAddress,
			uint16(e.EventBucket),
			e.OccurredAt,
			e.Outcome,
			e.Reason,
			uint8(min(e.Attempts, 255)),
			e.OccurredAt,
		})
	}
	query := fmt.Sprintf(`INSERT INTO %s (id, event_type, phone_hash, ip_address, event_bucket, event_date, outcome, reason, attempts, occurred_at)`, s.table)
	return s.client.BatchInsert(ctx, query, rows)
}

// -------------------- ELASTICSEARCH --------------------

type BulkIndexer interface {
	BulkIndex(ctx context.Context, index string, docs map[string]interface{}) error
}

type ElasticsearchSink struct {
	client BulkIndexer
	index  string
}

func NewElasticsearchSink(c BulkIndexer, index string) *ElasticsearchSink {
	return &ElasticsearchSink{client: c, index: index}
}

func (s *ElasticsearchSink) Name() string { return "elasticsearch" }

func (s *ElasticsearchSink) Write(ctx context.Context, events []Event) error {
	docs := make(map[string]interface{}, len(events))
	for _, e := range events {
		docs[e.ID] = e
	}
	return s.client.BulkIndex(ctx, s.index, docs)
}
