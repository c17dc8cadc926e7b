// Package config loads cdc-sink settings from defaults, an optional YAML file
// and the environment, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lsm/cdcsink/internal/filter"
	"github.com/lsm/cdcsink/internal/kafka"
	kafkasource "github.com/lsm/cdcsink/internal/source/kafka"
)

// Defaults.
const (
	DefaultBroker       = "kafka:9092"
	DefaultTopic        = "tidb-cdc"
	DefaultGroupID      = "cdc-consumer-group"
	DefaultClientID     = "tidb-cdc-consumer"
	DefaultESURL        = "http://elasticsearch:9200"
	DefaultIndex        = "cdc-events"
	DefaultESTimeout    = 30 * time.Second
	DefaultMetricsAddr  = ":3000"
	DefaultLogLevel     = "info"
	DefaultOTLPEndpoint = "localhost:4317"
)

// Config is the complete runtime configuration.
type Config struct {
	Kafka              KafkaConfig         `yaml:"kafka"`
	Elasticsearch      ElasticsearchConfig `yaml:"elasticsearch"`
	MetricsAddr        string              `yaml:"metricsAddr"`
	LogLevel           string              `yaml:"logLevel"`
	Filter             string              `yaml:"filter,omitempty"`
	MaxEventsPerSecond float64             `yaml:"maxEventsPerSecond,omitempty"`
	Tracing            TracingConfig       `yaml:"tracing"`
}

// KafkaConfig holds the source cluster and subscription settings.
type KafkaConfig struct {
	kafka.ClusterConfig `yaml:",inline"`
	Topic               string `yaml:"topic"`
	GroupID             string `yaml:"groupId"`
	StartOffset         string `yaml:"startOffset"`
}

// ElasticsearchConfig holds the target store settings.
type ElasticsearchConfig struct {
	URL     string        `yaml:"url"`
	Index   string        `yaml:"index"`
	Timeout time.Duration `yaml:"timeout"`
}

// TracingConfig holds OpenTelemetry export settings.
type TracingConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
}

// Default returns the configuration used when nothing is overridden.
func Default() *Config {
	return &Config{
		Kafka: KafkaConfig{
			ClusterConfig: kafka.ClusterConfig{
				Brokers:  []string{DefaultBroker},
				ClientID: DefaultClientID,
			},
			Topic:       DefaultTopic,
			GroupID:     DefaultGroupID,
			StartOffset: kafkasource.OffsetEarliest,
		},
		Elasticsearch: ElasticsearchConfig{
			URL:     DefaultESURL,
			Index:   DefaultIndex,
			Timeout: DefaultESTimeout,
		},
		MetricsAddr: DefaultMetricsAddr,
		LogLevel:    DefaultLogLevel,
		Tracing: TracingConfig{
			Endpoint: DefaultOTLPEndpoint,
		},
	}
}

// Load builds a Config from defaults, the YAML file at path (skipped when
// path is empty) and environment variables read through getenv.
func Load(path string, getenv func(string) string) (*Config, error) {
	if getenv == nil {
		getenv = os.Getenv
	}

	cfg := Default()
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(getenv); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	var errs []error

	str := func(key string, dst *string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	boolean := func(key string, dst *bool) {
		if v := getenv(key); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}

	if v := getenv("KAFKA_BROKER"); v != "" {
		c.Kafka.Brokers = kafka.ParseBrokers(v)
	}
	str("KAFKA_TOPIC", &c.Kafka.Topic)
	str("KAFKA_GROUP_ID", &c.Kafka.GroupID)
	str("KAFKA_CLIENT_ID", &c.Kafka.ClientID)
	str("KAFKA_START_OFFSET", &c.Kafka.StartOffset)
	str("KAFKA_SASL_MECHANISM", &c.Kafka.Auth.Mechanism)
	str("KAFKA_SASL_USERNAME", &c.Kafka.Auth.Username)
	str("KAFKA_SASL_PASSWORD", &c.Kafka.Auth.Password)
	boolean("KAFKA_TLS_ENABLED", &c.Kafka.TLS.Enabled)
	str("KAFKA_TLS_CA_FILE", &c.Kafka.TLS.CAFile)
	str("KAFKA_TLS_CERT_FILE", &c.Kafka.TLS.CertFile)
	str("KAFKA_TLS_KEY_FILE", &c.Kafka.TLS.KeyFile)
	boolean("KAFKA_TLS_SKIP_VERIFY", &c.Kafka.TLS.SkipVerify)

	str("ELASTICSEARCH_URL", &c.Elasticsearch.URL)
	str("ELASTICSEARCH_INDEX", &c.Elasticsearch.Index)
	if v := getenv("ELASTICSEARCH_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("ELASTICSEARCH_TIMEOUT: %w", err))
		} else {
			c.Elasticsearch.Timeout = d
		}
	}

	str("CDC_METRICS_ADDR", &c.MetricsAddr)
	str("CDC_LOG_LEVEL", &c.LogLevel)
	str("CDC_FILTER", &c.Filter)
	if v := getenv("CDC_MAX_EVENTS_PER_SEC"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("CDC_MAX_EVENTS_PER_SEC: %w", err))
		} else {
			c.MaxEventsPerSecond = f
		}
	}

	boolean("CDC_OTEL_ENABLED", &c.Tracing.Enabled)
	str("OTEL_EXPORTER_OTLP_ENDPOINT", &c.Tracing.Endpoint)

	return errors.Join(errs...)
}

// Validate reports every problem with the configuration at once.
func (c *Config) Validate() error {
	var errs []error

	if err := c.Kafka.ClusterConfig.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("kafka: %w", err))
	}
	if c.Kafka.Topic == "" {
		errs = append(errs, errors.New("kafka.topic is required"))
	}
	if c.Kafka.GroupID == "" {
		errs = append(errs, errors.New("kafka.groupId is required"))
	}
	switch c.Kafka.StartOffset {
	case kafkasource.OffsetEarliest, kafkasource.OffsetLatest:
	default:
		errs = append(errs, fmt.Errorf("kafka.startOffset %q is not valid (must be %s or %s)",
			c.Kafka.StartOffset, kafkasource.OffsetEarliest, kafkasource.OffsetLatest))
	}

	if c.Elasticsearch.URL == "" {
		errs = append(errs, errors.New("elasticsearch.url is required"))
	} else if u, err := url.Parse(c.Elasticsearch.URL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Errorf("elasticsearch.url %q must be an http(s) URL", c.Elasticsearch.URL))
	}
	if c.Elasticsearch.Index == "" {
		errs = append(errs, errors.New("elasticsearch.index is required"))
	} else if c.Elasticsearch.Index != strings.ToLower(c.Elasticsearch.Index) {
		errs = append(errs, fmt.Errorf("elasticsearch.index %q must be lowercase", c.Elasticsearch.Index))
	}
	if c.Elasticsearch.Timeout < 0 {
		errs = append(errs, errors.New("elasticsearch.timeout must not be negative"))
	}

	if c.MetricsAddr == "" {
		errs = append(errs, errors.New("metricsAddr is required"))
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("logLevel %q is not valid (must be debug, info, warn, or error)", c.LogLevel))
	}
	if c.Filter != "" {
		if _, err := filter.New(c.Filter); err != nil {
			errs = append(errs, fmt.Errorf("filter: %w", err))
		}
	}
	if c.MaxEventsPerSecond < 0 {
		errs = append(errs, errors.New("maxEventsPerSecond must not be negative"))
	}
	if c.Tracing.Enabled && c.Tracing.Endpoint == "" {
		errs = append(errs, errors.New("tracing.endpoint is required when tracing is enabled"))
	}

	return errors.Join(errs...)
}
