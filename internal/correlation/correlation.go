// Package correlation derives a per-message correlation id and trace context
// from Kafka record headers.
package correlation

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

const (
	HeaderCorrelationID  = "cdc-correlation-id"
	HeaderXCorrelationID = "x-correlation-id"
	HeaderXRequestID     = "x-request-id"
	HeaderTraceparent    = "traceparent"

	SourceGenerated = "generated"
)

// ID is a correlation id and the header it came from.
type ID struct {
	Value  string
	Source string
}

// ExtractOrGenerate returns the first correlation id found in headers, in
// priority order cdc-correlation-id, x-correlation-id, x-request-id, then the
// trace id of a W3C traceparent. Without any of them a new UUID is generated.
func ExtractOrGenerate(headers map[string]string) ID {
	for _, name := range []string{HeaderCorrelationID, HeaderXCorrelationID, HeaderXRequestID} {
		if id := headers[name]; id != "" {
			return ID{Value: id, Source: name}
		}
	}
	if traceID := traceIDFromParent(headers[HeaderTraceparent]); traceID != "" {
		return ID{Value: traceID, Source: HeaderTraceparent}
	}
	return ID{Value: uuid.NewString(), Source: SourceGenerated}
}

// traceIDFromParent parses version-traceid-parentid-flags.
func traceIDFromParent(traceparent string) string {
	parts := strings.Split(traceparent, "-")
	if len(parts) == 4 && len(parts[1]) == 32 {
		return parts[1]
	}
	return ""
}

// ExtractTraceContext returns ctx carrying the remote span context found in
// headers, using the global propagator.
func ExtractTraceContext(ctx context.Context, headers map[string]string) context.Context {
	if len(headers) == 0 {
		return ctx
	}
	return otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(headers))
}
