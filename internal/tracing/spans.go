package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	AttrCorrelationID  = "cdc.correlation_id"
	AttrDatabase       = "cdc.database"
	AttrTable          = "cdc.table"
	AttrOperation      = "cdc.operation"
	AttrKafkaTopic     = "messaging.kafka.topic"
	AttrKafkaPartition = "messaging.kafka.partition"
	AttrKafkaOffset    = "messaging.kafka.offset"
	AttrIndex          = "db.elasticsearch.index"
)

const (
	SpanKafkaConsume = "kafka.consume"
	SpanHandle       = "cdc.handle"
	SpanIndexWrite   = "elasticsearch.index"
	SpanSchemaEnsure = "elasticsearch.ensure_schema"
)

// StartSpan starts a span, or returns the span already in ctx when tracer is nil.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return tracer.Start(ctx, name, opts...)
}

// SetSpanError records err on span and marks it failed.
func SetSpanError(span trace.Span, err error) {
	if span == nil || err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

func SetSpanOK(span trace.Span) {
	if span == nil {
		return
	}
	span.SetStatus(codes.Ok, "")
}

func CorrelationAttr(id string) attribute.KeyValue {
	return attribute.String(AttrCorrelationID, id)
}

func KafkaTopicAttr(topic string) attribute.KeyValue {
	return attribute.String(AttrKafkaTopic, topic)
}

func KafkaPartitionAttr(partition int32) attribute.KeyValue {
	return attribute.Int64(AttrKafkaPartition, int64(partition))
}

func KafkaOffsetAttr(offset int64) attribute.KeyValue {
	return attribute.Int64(AttrKafkaOffset, offset)
}

// EventAttrs returns the attributes identifying a change event.
func EventAttrs(database, table, operation string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrDatabase, database),
		attribute.String(AttrTable, table),
		attribute.String(AttrOperation, operation),
	}
}

func IndexAttr(index string) attribute.KeyValue {
	return attribute.String(AttrIndex, index)
}
