// Package elasticsearch implements sink.Indexer on top of the official
// Elasticsearch client.
package elasticsearch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/lsm/cdcsink/internal/event"
	"github.com/lsm/cdcsink/internal/sink"
	"github.com/lsm/cdcsink/internal/tracing"
)

// indexMapping is applied when the target index is created. Identity fields
// are keywords for exact-match queries.
const indexMapping = `{
  "mappings": {
    "properties": {
      "database":    {"type": "keyword"},
      "table":       {"type": "keyword"},
      "operation":   {"type": "keyword"},
      "ingested_at": {"type": "date", "format": "epoch_millis"},
      "payload":     {"type": "object", "enabled": true}
    }
  }
}`

const maxErrorBody = 4 << 10

// Config holds the configuration for an Elasticsearch sink.
type Config struct {
	URL     string
	Index   string
	Timeout time.Duration // per request, 0 disables
}

// Document is the stored projection of a change event.
type Document struct {
	Database   string          `json:"database"`
	Table      string          `json:"table"`
	Operation  string          `json:"operation"`
	IngestedAt int64           `json:"ingested_at"`
	Payload    json.RawMessage `json:"payload"`
}

// Option configures a Sink.
type Option func(*Sink)

// WithClock overrides the clock used for ingested_at.
func WithClock(now func() time.Time) Option {
	return func(s *Sink) {
		s.now = now
	}
}

// WithLogger sets the sink logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Sink) {
		s.logger = logger
	}
}

// Sink indexes change events, one document per event, with store-assigned ids.
type Sink struct {
	client    *elasticsearch.Client
	transport *http.Transport
	index     string
	timeout   time.Duration
	logger    *slog.Logger
	tracer    trace.Tracer
	now       func() time.Time
}

var _ sink.Indexer = (*Sink)(nil)

// NewSink creates a new Elasticsearch sink. The client never retries; a
// failed write is reported to the caller.
func NewSink(cfg Config, opts ...Option) (*Sink, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("url is required")
	}
	if cfg.Index == "" {
		return nil, fmt.Errorf("index is required")
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses:    []string{cfg.URL},
		Transport:    otelhttp.NewTransport(transport),
		DisableRetry: true,
	})
	if err != nil {
		return nil, fmt.Errorf("elasticsearch client: %w", err)
	}

	s := &Sink{
		client:    client,
		transport: transport,
		index:     cfg.Index,
		timeout:   cfg.Timeout,
		logger:    slog.Default(),
		tracer:    noop.NewTracerProvider().Tracer("elasticsearch-sink"),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// SetTracer sets the tracer for the sink.
func (s *Sink) SetTracer(tracer trace.Tracer) {
	s.tracer = tracer
}

// EnsureSchema creates the index with the fixed mapping when it is missing.
func (s *Sink) EnsureSchema(ctx context.Context) (sink.SchemaResult, error) {
	ctx, span := tracing.StartSpan(ctx, s.tracer, tracing.SpanSchemaEnsure,
		trace.WithAttributes(tracing.IndexAttr(s.index)))
	defer span.End()

	result, err := s.ensureSchema(ctx)
	if err != nil {
		tracing.SetSpanError(span, err)
		return result, err
	}
	tracing.SetSpanOK(span)
	return result, nil
}

func (s *Sink) ensureSchema(ctx context.Context) (sink.SchemaResult, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	res, err := s.client.Indices.Exists([]string{s.index}, s.client.Indices.Exists.WithContext(ctx))
	if err != nil {
		return sink.SchemaExists, &sink.Error{Op: "exists", Index: s.index, Err: err}
	}
	status := res.StatusCode
	closeBody(res)

	switch status {
	case http.StatusOK:
		s.logger.Info("index already exists", "index", s.index)
		return sink.SchemaExists, nil
	case http.StatusNotFound:
	default:
		return sink.SchemaExists, &sink.Error{Op: "exists", Index: s.index, StatusCode: status, Err: errors.New("unexpected status")}
	}

	res, err = s.client.Indices.Create(s.index,
		s.client.Indices.Create.WithBody(strings.NewReader(indexMapping)),
		s.client.Indices.Create.WithContext(ctx),
	)
	if err != nil {
		return sink.SchemaExists, &sink.Error{Op: "create", Index: s.index, Err: err}
	}
	defer closeBody(res)

	if res.IsError() {
		cause := responseError(res)
		if res.StatusCode == http.StatusBadRequest && cause.Type == "resource_already_exists_exception" {
			s.logger.Info("index created concurrently", "index", s.index)
			return sink.SchemaExists, nil
		}
		return sink.SchemaExists, &sink.Error{Op: "create", Index: s.index, StatusCode: res.StatusCode, Err: cause}
	}

	s.logger.Info("created index", "index", s.index)
	return sink.SchemaCreated, nil
}

// Write indexes evt as a new document stamped with the current time.
func (s *Sink) Write(ctx context.Context, evt event.ChangeEvent) error {
	ctx, span := tracing.StartSpan(ctx, s.tracer, tracing.SpanIndexWrite,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(append(tracing.EventAttrs(evt.Database, evt.Table, evt.Operation),
			tracing.IndexAttr(s.index))...),
	)
	defer span.End()

	if err := s.write(ctx, evt); err != nil {
		tracing.SetSpanError(span, err)
		return err
	}
	tracing.SetSpanOK(span)
	return nil
}

func (s *Sink) write(ctx context.Context, evt event.ChangeEvent) error {
	body, err := json.Marshal(Document{
		Database:   evt.Database,
		Table:      evt.Table,
		Operation:  evt.Operation,
		IngestedAt: s.now().UnixMilli(),
		Payload:    evt.Payload,
	})
	if err != nil {
		return &sink.Error{Op: "write", Index: s.index, Err: fmt.Errorf("marshal document: %w", err)}
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	res, err := s.client.Index(s.index, bytes.NewReader(body), s.client.Index.WithContext(ctx))
	if err != nil {
		return &sink.Error{Op: "write", Index: s.index, Err: err}
	}
	defer closeBody(res)

	if res.IsError() {
		return &sink.Error{Op: "write", Index: s.index, StatusCode: res.StatusCode, Err: responseError(res)}
	}

	s.logger.Debug("document indexed", "index", s.index, "table", evt.Table, "op", evt.Operation)
	return nil
}

// Close releases idle connections.
func (s *Sink) Close() error {
	s.transport.CloseIdleConnections()
	return nil
}

func (s *Sink) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

// StoreError is the error object returned in an Elasticsearch error response.
type StoreError struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

func (e *StoreError) Error() string {
	if e.Type == "" {
		return e.Reason
	}
	return e.Type + ": " + e.Reason
}

func responseError(res *esapi.Response) *StoreError {
	raw, _ := io.ReadAll(io.LimitReader(res.Body, maxErrorBody))

	var envelope struct {
		Error json.RawMessage `json:"error"`
	}
	if json.Unmarshal(raw, &envelope) == nil && len(envelope.Error) > 0 {
		var se StoreError
		if json.Unmarshal(envelope.Error, &se) == nil && se.Type != "" {
			return &se
		}
		var reason string
		if json.Unmarshal(envelope.Error, &reason) == nil {
			return &StoreError{Reason: reason}
		}
	}

	reason := strings.TrimSpace(string(raw))
	if reason == "" {
		reason = http.StatusText(res.StatusCode)
	}
	return &StoreError{Reason: reason}
}

func closeBody(res *esapi.Response) {
	if res == nil || res.Body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, res.Body)
	_ = res.Body.Close()
}
