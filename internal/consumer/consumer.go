// Package consumer runs the CDC loop: connect, subscribe, ensure the index
// schema, then decode and index every message until shutdown.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/lsm/cdcsink/internal/event"
	"github.com/lsm/cdcsink/internal/observability"
	"github.com/lsm/cdcsink/internal/sink"
	"github.com/lsm/cdcsink/internal/source"
	"github.com/lsm/cdcsink/internal/tracing"
)

// State is the lifecycle state of the loop.
type State int32

const (
	StateDisconnected State = iota
	StateConnected
	StateSubscribed
	StateConsuming
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnected:
		return "connected"
	case StateSubscribed:
		return "subscribed"
	case StateConsuming:
		return "consuming"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Stages reported by TransportFatalError.
const (
	StageConnect   = "connect"
	StageSubscribe = "subscribe"
	StageConsume   = "consume"
)

// TransportFatalError is returned by Run when the transport cannot be used.
// The process is expected to exit.
type TransportFatalError struct {
	Stage string
	Err   error
}

func (e *TransportFatalError) Error() string {
	return fmt.Sprintf("transport %s failed: %v", e.Stage, e.Err)
}

func (e *TransportFatalError) Unwrap() error {
	return e.Err
}

// Matcher selects the events to index.
type Matcher interface {
	Match(ctx context.Context, evt event.ChangeEvent) (bool, error)
}

// Limiter throttles event processing.
type Limiter interface {
	Wait(ctx context.Context) error
}

// Config holds consumer configuration.
type Config struct {
	Topic   string
	Filter  Matcher // nil indexes every event
	Limiter Limiter // nil disables throttling
}

// Option configures a Consumer.
type Option func(*Consumer)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// WithTracer sets the tracer.
func WithTracer(tracer trace.Tracer) Option {
	return func(c *Consumer) {
		c.tracer = tracer
	}
}

// WithHealth reports state and readiness to h.
func WithHealth(h *observability.HealthServer) Option {
	return func(c *Consumer) {
		c.health = h
	}
}

// Consumer moves change events from a Source into an Indexer.
type Consumer struct {
	cfg     Config
	source  source.Source
	sink    sink.Indexer
	metrics *observability.Registry
	health  *observability.HealthServer
	logger  *slog.Logger
	tlog    *observability.TraceLogger
	tracer  trace.Tracer
	state   atomic.Int32
}

// New creates a Consumer in the Disconnected state.
func New(cfg Config, src source.Source, idx sink.Indexer, metrics *observability.Registry, opts ...Option) *Consumer {
	c := &Consumer{
		cfg:     cfg,
		source:  src,
		sink:    idx,
		metrics: metrics,
		logger:  slog.Default(),
		tracer:  noop.NewTracerProvider().Tracer("consumer"),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.tlog = observability.NewTraceLogger(c.logger)
	return c
}

// State returns the current lifecycle state.
func (c *Consumer) State() State {
	return State(c.state.Load())
}

func (c *Consumer) setState(s State) {
	c.state.Store(int32(s))
	if c.health != nil {
		c.health.SetState(s.String())
		c.health.SetReady(s == StateConsuming)
	}
}

// Run blocks until ctx is cancelled, returning nil, or until the transport
// fails, returning a *TransportFatalError. A schema failure is not fatal.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info("connecting to transport")
	if err := c.source.Connect(ctx); err != nil {
		if ctx.Err() != nil {
			return c.stopped()
		}
		return c.fail(StageConnect, err)
	}
	c.setState(StateConnected)

	if err := c.source.Subscribe(ctx, c.cfg.Topic); err != nil {
		if ctx.Err() != nil {
			return c.stopped()
		}
		return c.fail(StageSubscribe, err)
	}
	c.setState(StateSubscribed)

	c.ensureSchema(ctx)

	c.setState(StateConsuming)
	c.logger.Info("consuming change events", "topic", c.cfg.Topic)

	err := c.source.Start(ctx, c.handle)
	if ctx.Err() != nil {
		return c.stopped()
	}
	if err == nil {
		err = errors.New("source stopped unexpectedly")
	}
	return c.fail(StageConsume, err)
}

func (c *Consumer) stopped() error {
	c.setState(StateDisconnected)
	c.logger.Info("consumer stopped", "topic", c.cfg.Topic)
	return nil
}

func (c *Consumer) fail(stage string, err error) error {
	c.setState(StateFailed)
	c.logger.Error("transport failure", "stage", stage, "error", err)
	return &TransportFatalError{Stage: stage, Err: err}
}

func (c *Consumer) ensureSchema(ctx context.Context) {
	result, err := c.sink.EnsureSchema(ctx)
	if err != nil {
		c.metrics.SetSchemaDegraded(true)
		c.logger.Error("index schema could not be ensured, continuing without it", "error", err)
		return
	}
	c.metrics.SetSchemaDegraded(false)
	c.logger.Info("index schema ready", "result", result.String())
}

// handle processes one message. Failures are logged and counted, never
// returned, so that the stream continues. Only an interruption by shutdown
// is returned, which keeps the message from being committed.
func (c *Consumer) handle(ctx context.Context, msg source.Message) error {
	ctx, span := tracing.StartSpan(ctx, c.tracer, tracing.SpanHandle,
		trace.WithAttributes(tracing.CorrelationAttr(msg.CorrelationID)))
	defer span.End()

	if c.cfg.Limiter != nil {
		if err := c.cfg.Limiter.Wait(ctx); err != nil {
			tracing.SetSpanError(span, err)
			return fmt.Errorf("rate limit: %w", err)
		}
	}

	start := time.Now()
	evt, err := event.Decode(msg.Value)
	c.metrics.ObserveDuration("decode", time.Since(start))
	if err != nil {
		c.metrics.DecodeFailed()
		tracing.SetSpanError(span, err)
		c.tlog.Error(ctx, "failed to decode change event",
			"correlation_id", msg.CorrelationID,
			"topic", msg.Topic,
			"partition", msg.Partition,
			"offset", msg.Offset,
			"error", err,
		)
		return nil
	}
	span.SetAttributes(tracing.EventAttrs(evt.Database, evt.Table, evt.Operation)...)

	c.tlog.Info(ctx, "CDC event",
		"correlation_id", msg.CorrelationID,
		"database", evt.Database,
		"table", evt.Table,
		"op", evt.Operation,
		"offset", msg.Offset,
	)

	if c.cfg.Filter != nil {
		ok, err := c.cfg.Filter.Match(ctx, evt)
		if err != nil {
			c.tlog.Warn(ctx, "filter evaluation failed, skipping event",
				"correlation_id", msg.CorrelationID,
				"table", evt.Table,
				"op", evt.Operation,
				"error", err,
			)
			ok = false
		}
		if !ok {
			c.metrics.Filtered(evt.Table, evt.Operation)
			c.metrics.Increment(evt.Table, evt.Operation)
			tracing.SetSpanOK(span)
			return nil
		}
	}

	start = time.Now()
	err = c.sink.Write(ctx, evt)
	c.metrics.ObserveDuration("write", time.Since(start))
	if err != nil && ctx.Err() != nil {
		tracing.SetSpanError(span, err)
		return fmt.Errorf("write interrupted: %w", err)
	}
	c.metrics.ObserveWrite(evt.Table, evt.Operation, err)
	if err != nil {
		tracing.SetSpanError(span, err)
		c.tlog.Error(ctx, "failed to index change event",
			"correlation_id", msg.CorrelationID,
			"topic", msg.Topic,
			"partition", msg.Partition,
			"offset", msg.Offset,
			"table", evt.Table,
			"op", evt.Operation,
			"error", err,
		)
	} else {
		tracing.SetSpanOK(span)
	}

	c.metrics.Increment(evt.Table, evt.Operation)
	return nil
}

// Shutdown closes the source and the sink. Returns all errors joined.
func (c *Consumer) Shutdown(ctx context.Context) error {
	c.logger.Info("shutting down consumer")

	var errs []error
	if err := c.source.Close(); err != nil {
		c.logger.Error("source close error", "error", err)
		errs = append(errs, fmt.Errorf("source close: %w", err))
	}
	if err := c.sink.Close(); err != nil {
		c.logger.Error("sink close error", "error", err)
		errs = append(errs, fmt.Errorf("sink close: %w", err))
	}

	c.logger.Info("consumer shutdown complete")
	return errors.Join(errs...)
}
