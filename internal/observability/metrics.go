package observability

import (
	"bytes"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/expfmt"
)

// Write outcomes recorded on cdc_sink_writes_total.
const (
	ResultSuccess = "success"
	ResultError   = "error"
)

// Registry holds the process-wide CDC counters. It is constructed once at
// startup and shared by the metrics endpoint and the consumer loop.
type Registry struct {
	reg *prometheus.Registry

	eventsTotal    *prometheus.CounterVec
	sinkWrites     *prometheus.CounterVec
	filteredTotal  *prometheus.CounterVec
	decodeErrors   prometheus.Counter
	schemaDegraded prometheus.Gauge
	eventDuration  *prometheus.HistogramVec
}

// NewRegistry creates a Registry with the CDC metrics and the standard
// process and Go runtime collectors registered.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(collectors.NewGoCollector())

	factory := promauto.With(reg)

	return &Registry{
		reg: reg,

		eventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cdc_events_total",
			Help: "Total CDC events received",
		}, []string{"table", "op"}),

		sinkWrites: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cdc_sink_writes_total",
			Help: "Index writes by outcome.",
		}, []string{"table", "op", "result"}),

		filteredTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cdc_events_filtered_total",
			Help: "Events skipped by the filter expression.",
		}, []string{"table", "op"}),

		decodeErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "cdc_decode_errors_total",
			Help: "Messages dropped because they could not be decoded.",
		}),

		schemaDegraded: factory.NewGauge(prometheus.GaugeOpts{
			Name: "cdc_schema_degraded",
			Help: "1 when the index mapping could not be ensured at startup.",
		}),

		eventDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cdc_event_duration_seconds",
			Help:    "Processing time per event phase.",
			Buckets: prometheus.DefBuckets,
		}, []string{"phase"}),
	}
}

// Increment counts one consumed event for the table/operation pair. It is
// called for every decoded message whether or not the index write succeeded.
func (r *Registry) Increment(table, op string) {
	r.eventsTotal.WithLabelValues(table, op).Inc()
}

// ObserveWrite records the outcome of an index write.
func (r *Registry) ObserveWrite(table, op string, err error) {
	result := ResultSuccess
	if err != nil {
		result = ResultError
	}
	r.sinkWrites.WithLabelValues(table, op, result).Inc()
}

// Filtered counts an event skipped by the filter expression.
func (r *Registry) Filtered(table, op string) {
	r.filteredTotal.WithLabelValues(table, op).Inc()
}

// DecodeFailed counts a message dropped as malformed.
func (r *Registry) DecodeFailed() {
	r.decodeErrors.Inc()
}

// SetSchemaDegraded flags whether the index is running without a
// guaranteed mapping.
func (r *Registry) SetSchemaDegraded(degraded bool) {
	if degraded {
		r.schemaDegraded.Set(1)
		return
	}
	r.schemaDegraded.Set(0)
}

// ObserveDuration records how long a processing phase took.
func (r *Registry) ObserveDuration(phase string, d time.Duration) {
	r.eventDuration.WithLabelValues(phase).Observe(d.Seconds())
}

// Render returns a snapshot of every registered metric in the Prometheus
// text exposition format.
func (r *Registry) Render() (string, error) {
	families, err := r.reg.Gather()
	if err != nil {
		return "", fmt.Errorf("gather: %w", err)
	}

	var buf bytes.Buffer
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(&buf, mf); err != nil {
			return "", fmt.Errorf("encode %s: %w", mf.GetName(), err)
		}
	}
	return buf.String(), nil
}

// Handler returns the HTTP handler serving this registry on /metrics.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
