package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/lsm/cdcsink/internal/correlation"
	"github.com/lsm/cdcsink/internal/kafka"
	"github.com/lsm/cdcsink/internal/source"
	"github.com/lsm/cdcsink/internal/tracing"
)

// Start offsets for a consumer group with no committed offset.
const (
	OffsetEarliest = "earliest"
	OffsetLatest   = "latest"
)

// ErrClientClosed is returned by Start when the client is closed underneath it.
var ErrClientClosed = errors.New("kafka client closed")

// Config holds Kafka source configuration.
type Config struct {
	Cluster       *kafka.ClusterConfig
	ConsumerGroup string
	StartOffset   string // OffsetEarliest (default) or OffsetLatest
}

// consumer abstracts the kgo client methods used by Source for testing.
type consumer interface {
	Ping(ctx context.Context) error
	AddConsumeTopics(topics ...string)
	PollFetches(ctx context.Context) kgo.Fetches
	MarkCommitRecords(rs ...*kgo.Record)
	CommitMarkedOffsets(ctx context.Context) error
	Close()
}

// topicLister abstracts the kadm metadata call used by Subscribe.
type topicLister interface {
	ListTopics(ctx context.Context, topics ...string) (kadm.TopicDetails, error)
}

// Source consumes change events from a Kafka topic as a member of a
// consumer group, committing offsets manually after each record.
type Source struct {
	client consumer
	admin  topicLister
	group  string
	topic  string
	logger *slog.Logger
	tracer trace.Tracer
}

// NewSource creates a Kafka source. No network I/O happens until Connect.
func NewSource(cfg Config, logger *slog.Logger) (*Source, error) {
	if cfg.Cluster == nil {
		return nil, fmt.Errorf("cluster config is required")
	}
	if err := cfg.Cluster.Validate(); err != nil {
		return nil, fmt.Errorf("cluster config: %w", err)
	}
	if cfg.ConsumerGroup == "" {
		return nil, fmt.Errorf("consumer group is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	offset := kgo.NewOffset().AtStart()
	switch cfg.StartOffset {
	case "", OffsetEarliest:
	case OffsetLatest:
		offset = kgo.NewOffset().AtEnd()
	default:
		return nil, fmt.Errorf("start offset %q is not valid (must be %s or %s)", cfg.StartOffset, OffsetEarliest, OffsetLatest)
	}

	opts, err := kafka.ClientOptions(cfg.Cluster)
	if err != nil {
		return nil, fmt.Errorf("cluster options: %w", err)
	}
	opts = append(opts,
		kgo.ConsumerGroup(cfg.ConsumerGroup),
		kgo.ConsumeResetOffset(offset),
		kgo.DisableAutoCommit(),
	)

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("kafka client: %w", err)
	}

	return &Source{
		client: client,
		admin:  kadm.NewClient(client),
		group:  cfg.ConsumerGroup,
		logger: logger,
		tracer: noop.NewTracerProvider().Tracer("kafka-source"),
	}, nil
}

// SetTracer sets the tracer for the source.
func (s *Source) SetTracer(tracer trace.Tracer) {
	s.tracer = tracer
}

// Connect verifies that at least one seed broker is reachable.
func (s *Source) Connect(ctx context.Context) error {
	if err := s.client.Ping(ctx); err != nil {
		return fmt.Errorf("ping brokers: %w", err)
	}
	s.logger.Info("connected to kafka", "group", s.group)
	return nil
}

// Subscribe checks the topic metadata and adds topic to the group's
// assignment. A topic that does not exist yet is not an error.
func (s *Source) Subscribe(ctx context.Context, topic string) error {
	if topic == "" {
		return fmt.Errorf("topic is required")
	}

	details, err := s.admin.ListTopics(ctx, topic)
	if err != nil {
		return fmt.Errorf("topic metadata: %w", err)
	}
	detail, ok := details[topic]
	if !ok {
		return fmt.Errorf("topic %s not found", topic)
	}
	switch {
	case errors.Is(detail.Err, kerr.UnknownTopicOrPartition):
		// The changefeed usually creates the topic; the client picks it up
		// once it appears in metadata.
		s.logger.Warn("topic does not exist yet, waiting for it", "topic", topic)
	case detail.Err != nil:
		return fmt.Errorf("topic %s: %w", topic, detail.Err)
	}

	s.client.AddConsumeTopics(topic)
	s.topic = topic
	s.logger.Info("subscribed to topic", "topic", topic, "partitions", len(detail.Partitions))
	return nil
}

// Start polls records and hands them to handler one at a time. Each record's
// offset is committed after the handler returns, including when it fails, so
// a failed record is not redelivered. The exception is a handler failing after
// ctx is cancelled. Returns ctx.Err() on cancellation.
func (s *Source) Start(ctx context.Context, handler source.Handler) error {
	if s.topic == "" {
		return fmt.Errorf("start before subscribe")
	}
	s.logger.Info("starting kafka consumer", "topic", s.topic, "group", s.group)

	for {
		fetches := s.client.PollFetches(ctx)
		if fetches.IsClientClosed() {
			return ErrClientClosed
		}

		if errs := fetches.Errors(); len(errs) > 0 {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			for _, err := range errs {
				s.logger.Error("fetch error", "topic", err.Topic, "partition", err.Partition, "error", err.Err)
			}
		}

		// After cancellation the rest of the fetch is left uncommitted and
		// is redelivered to the group.
		fetches.EachRecord(func(record *kgo.Record) {
			if ctx.Err() != nil {
				return
			}
			s.deliver(ctx, record, handler)
		})

		if ctx.Err() != nil {
			s.logger.Info("kafka source stopped", "topic", s.topic)
			return ctx.Err()
		}
	}
}

func (s *Source) deliver(ctx context.Context, record *kgo.Record, handler source.Handler) {
	msg := source.Message{
		Key:       record.Key,
		Value:     record.Value,
		Headers:   make(map[string]string, len(record.Headers)),
		Topic:     record.Topic,
		Partition: record.Partition,
		Offset:    record.Offset,
	}
	for _, h := range record.Headers {
		msg.Headers[h.Key] = string(h.Value)
	}

	corrID := correlation.ExtractOrGenerate(msg.Headers)
	msg.CorrelationID = corrID.Value

	recordCtx := correlation.ExtractTraceContext(ctx, msg.Headers)
	spanCtx, span := tracing.StartSpan(recordCtx, s.tracer, tracing.SpanKafkaConsume,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			tracing.KafkaTopicAttr(record.Topic),
			tracing.KafkaPartitionAttr(record.Partition),
			tracing.KafkaOffsetAttr(record.Offset),
			tracing.CorrelationAttr(corrID.Value),
		),
	)
	defer span.End()

	s.logger.Debug("record received",
		"correlation_id", corrID.Value,
		"correlation_source", corrID.Source,
		"topic", record.Topic,
		"partition", record.Partition,
		"offset", record.Offset,
	)

	handlerErr := handler(spanCtx, msg)
	if handlerErr != nil {
		tracing.SetSpanError(span, handlerErr)
		s.logger.Error("handler error",
			"topic", record.Topic,
			"partition", record.Partition,
			"offset", record.Offset,
			"error", handlerErr,
		)
	}

	// A handler cut short by shutdown did not handle the record.
	if handlerErr != nil && ctx.Err() != nil {
		s.logger.Info("record left uncommitted on shutdown",
			"topic", record.Topic,
			"partition", record.Partition,
			"offset", record.Offset,
		)
		return
	}

	// Commit regardless of the handler outcome. Cancellation of ctx must not
	// lose the commit for a record that was already handled.
	s.client.MarkCommitRecords(record)
	if err := s.client.CommitMarkedOffsets(context.WithoutCancel(ctx)); err != nil {
		tracing.SetSpanError(span, err)
		s.logger.Error("commit error",
			"topic", record.Topic,
			"partition", record.Partition,
			"offset", record.Offset,
			"error", err,
		)
		return
	}
	if handlerErr == nil {
		tracing.SetSpanOK(span)
	}
}

// Close leaves the group and shuts down the Kafka client.
func (s *Source) Close() error {
	s.client.Close()
	return nil
}
