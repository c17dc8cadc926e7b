package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/lsm/cdcsink/internal/config"
	"github.com/lsm/cdcsink/internal/consumer"
	"github.com/lsm/cdcsink/internal/filter"
	"github.com/lsm/cdcsink/internal/observability"
	"github.com/lsm/cdcsink/internal/ratelimit"
	"github.com/lsm/cdcsink/internal/sink/elasticsearch"
	"github.com/lsm/cdcsink/internal/source/kafka"
	"github.com/lsm/cdcsink/internal/tracing"
)

const (
	serviceName     = "cdc-sink"
	shutdownTimeout = 10 * time.Second
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	level := observability.NewLevelVar(config.DefaultLogLevel)
	logger := observability.NewLogger(serviceName, level)
	slog.SetDefault(logger)

	configFile := os.Getenv("CDC_CONFIG_FILE")
	cfg, err := config.Load(configFile, os.Getenv)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	level.Set(observability.ParseLogLevel(cfg.LogLevel))

	tracer, shutdownTracing, err := tracing.Initialize(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		Endpoint:    cfg.Tracing.Endpoint,
		ServiceName: serviceName,
	}, logger)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}

	metrics := observability.NewRegistry()
	health := observability.NewHealthServer()

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", metrics.Handler())
	mux.Handle("GET /healthz", health.Handler())
	mux.Handle("GET /readyz", health.Handler())

	httpServer := &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Info("metrics server starting", "addr", cfg.MetricsAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", "error", err)
		}
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	watchDone := make(chan struct{})
	if configFile != "" {
		watcher := config.NewWatcher(configFile, cfg, os.Getenv, level, logger)
		go func() {
			if err := watcher.Watch(watchDone); err != nil {
				logger.Error("config watcher error", "error", err)
			}
		}()
	}

	c, err := buildConsumer(cfg, metrics, health, tracer, logger)
	if err != nil {
		close(watchDone)
		shutdownPartial(httpServer, shutdownTracing, logger)
		return err
	}

	runErr := c.Run(ctx)

	close(watchDone)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := c.Shutdown(shutdownCtx); err != nil {
		logger.Error("consumer shutdown error", "error", err)
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", "error", err)
	}

	logger.Info("shutdown complete")
	return runErr
}

func buildConsumer(cfg *config.Config, metrics *observability.Registry, health *observability.HealthServer,
	tracer trace.Tracer, logger *slog.Logger) (*consumer.Consumer, error) {
	src, err := kafka.NewSource(kafka.Config{
		Cluster:       &cfg.Kafka.ClusterConfig,
		ConsumerGroup: cfg.Kafka.GroupID,
		StartOffset:   cfg.Kafka.StartOffset,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("kafka source: %w", err)
	}
	src.SetTracer(tracer)

	idx, err := elasticsearch.NewSink(elasticsearch.Config{
		URL:     cfg.Elasticsearch.URL,
		Index:   cfg.Elasticsearch.Index,
		Timeout: cfg.Elasticsearch.Timeout,
	}, elasticsearch.WithLogger(logger))
	if err != nil {
		_ = src.Close()
		return nil, fmt.Errorf("elasticsearch sink: %w", err)
	}
	idx.SetTracer(tracer)

	ccfg := consumer.Config{Topic: cfg.Kafka.Topic}
	// Assigned only when set so the interface stays nil otherwise.
	if cfg.Filter != "" {
		f, err := filter.New(cfg.Filter)
		if err != nil {
			_ = src.Close()
			_ = idx.Close()
			return nil, fmt.Errorf("filter: %w", err)
		}
		ccfg.Filter = f
		logger.Info("event filter enabled", "expression", f.String())
	}
	if cfg.MaxEventsPerSecond > 0 {
		ccfg.Limiter = ratelimit.New(cfg.MaxEventsPerSecond, 0)
		logger.Info("rate limit enabled", "events_per_second", cfg.MaxEventsPerSecond)
	}

	return consumer.New(ccfg, src, idx, metrics,
		consumer.WithLogger(logger),
		consumer.WithTracer(tracer),
		consumer.WithHealth(health),
	), nil
}

// shutdownPartial stops what run started before the consumer was built.
func shutdownPartial(srv *http.Server, shutdownTracing func(context.Context) error, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}
	if err := shutdownTracing(ctx); err != nil {
		logger.Error("tracing shutdown error", "error", err)
	}
}
