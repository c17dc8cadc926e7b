package correlation

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

func init() {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
}

const testTraceparent = "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01"

func TestExtractTraceContext_NilHeaders(t *testing.T) {
	ctx := context.Background()

	if got := ExtractTraceContext(ctx, nil); got != ctx {
		t.Error("expected same context when headers is nil")
	}
}

func TestExtractTraceContext_WithTraceparent(t *testing.T) {
	ctx := ExtractTraceContext(context.Background(), map[string]string{
		HeaderTraceparent: testTraceparent,
	})

	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		t.Fatal("expected valid span context from traceparent header")
	}
	if sc.TraceID().String() != "4bf92f3577b34da6a3ce929d0e0e4736" {
		t.Errorf("unexpected trace id %s", sc.TraceID())
	}
	if !sc.IsRemote() {
		t.Error("expected remote span context")
	}
}

func TestExtractTraceContext_NoTraceHeaders(t *testing.T) {
	ctx := ExtractTraceContext(context.Background(), map[string]string{"x-request-id": "abc"})

	if trace.SpanContextFromContext(ctx).IsValid() {
		t.Error("expected no span context")
	}
}

func TestExtractOrGenerate_Priority(t *testing.T) {
	tests := []struct {
		name       string
		headers    map[string]string
		wantValue  string
		wantSource string
	}{
		{
			name: "all present",
			headers: map[string]string{
				HeaderCorrelationID:  "cdc",
				HeaderXCorrelationID: "xcorr",
				HeaderXRequestID:     "xreq",
				HeaderTraceparent:    testTraceparent,
			},
			wantValue:  "cdc",
			wantSource: HeaderCorrelationID,
		},
		{
			name: "x-correlation-id over x-request-id",
			headers: map[string]string{
				HeaderXCorrelationID: "xcorr",
				HeaderXRequestID:     "xreq",
			},
			wantValue:  "xcorr",
			wantSource: HeaderXCorrelationID,
		},
		{
			name:       "x-request-id",
			headers:    map[string]string{HeaderXRequestID: "xreq"},
			wantValue:  "xreq",
			wantSource: HeaderXRequestID,
		},
		{
			name:       "traceparent",
			headers:    map[string]string{HeaderTraceparent: testTraceparent},
			wantValue:  "4bf92f3577b34da6a3ce929d0e0e4736",
			wantSource: HeaderTraceparent,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id := ExtractOrGenerate(tt.headers)
			if id.Value != tt.wantValue || id.Source != tt.wantSource {
				t.Errorf("got %+v, want {%s %s}", id, tt.wantValue, tt.wantSource)
			}
		})
	}
}

func TestExtractOrGenerate_Generated(t *testing.T) {
	for _, headers := range []map[string]string{nil, {}, {HeaderTraceparent: "garbage"}} {
		id := ExtractOrGenerate(headers)
		if id.Source != SourceGenerated {
			t.Errorf("expected generated source, got %s", id.Source)
		}
		if _, err := uuid.Parse(id.Value); err != nil {
			t.Errorf("expected uuid, got %q: %v", id.Value, err)
		}
	}
}

func TestTraceIDFromParent(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{testTraceparent, "4bf92f3577b34da6a3ce929d0e0e4736"},
		{"00-short-00f067aa0ba902b7-01", ""},
		{"00-4bf92f3577b34da6a3ce929d0e0e4736", ""},
		{"", ""},
	}

	for _, tt := range tests {
		if got := traceIDFromParent(tt.input); got != tt.want {
			t.Errorf("traceIDFromParent(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}
