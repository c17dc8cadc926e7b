package observability

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewRegistry_RegistersWithoutPanic(t *testing.T) {
	r := NewRegistry()

	families, err := r.reg.Gather()
	if err != nil {
		t.Fatalf("gather failed: %v", err)
	}

	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	// Process and runtime collectors are always present.
	for _, name := range []string{"go_goroutines", "cdc_schema_degraded", "cdc_decode_errors_total"} {
		if !names[name] {
			t.Errorf("expected metric %s not found", name)
		}
	}
}

func TestRegistry_IncrementCountsExactly(t *testing.T) {
	r := NewRegistry()

	for i := 0; i < 5; i++ {
		r.Increment("orders", "insert")
	}
	r.Increment("orders", "update")
	r.Increment("users", "insert")

	if got := testutil.ToFloat64(r.eventsTotal.WithLabelValues("orders", "insert")); got != 5 {
		t.Errorf("orders/insert: expected 5, got %v", got)
	}
	if got := testutil.ToFloat64(r.eventsTotal.WithLabelValues("orders", "update")); got != 1 {
		t.Errorf("orders/update: expected 1, got %v", got)
	}
	if got := testutil.ToFloat64(r.eventsTotal.WithLabelValues("users", "insert")); got != 1 {
		t.Errorf("users/insert: expected 1, got %v", got)
	}
}

func TestRegistry_RenderIncludesCounter(t *testing.T) {
	r := NewRegistry()
	r.Increment("orders", "insert")
	r.Increment("orders", "insert")
	r.Increment("orders", "insert")

	out, err := r.Render()
	if err != nil {
		t.Fatalf("render failed: %v", err)
	}
	if !strings.Contains(out, "# TYPE cdc_events_total counter") {
		t.Errorf("expected TYPE line for cdc_events_total in:\n%s", out)
	}
	if !strings.Contains(out, `cdc_events_total{op="insert",table="orders"} 3`) {
		t.Errorf("expected orders/insert sample of 3 in:\n%s", out)
	}
	if !strings.Contains(out, "process_") && !strings.Contains(out, "go_") {
		t.Error("expected standard process or runtime samples")
	}
}

func TestRegistry_ConcurrentIncrementAndRender(t *testing.T) {
	r := NewRegistry()

	const workers = 8
	const perWorker = 500

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				r.Increment("orders", "insert")
			}
		}()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 20; i++ {
			if _, err := r.Render(); err != nil {
				t.Errorf("render failed: %v", err)
				return
			}
		}
	}()

	wg.Wait()
	<-done

	if got := testutil.ToFloat64(r.eventsTotal.WithLabelValues("orders", "insert")); got != workers*perWorker {
		t.Errorf("expected %d, got %v", workers*perWorker, got)
	}
}

func TestRegistry_ObserveWrite(t *testing.T) {
	r := NewRegistry()

	r.ObserveWrite("orders", "insert", nil)
	r.ObserveWrite("orders", "insert", errors.New("boom"))
	r.ObserveWrite("orders", "insert", errors.New("boom"))

	if got := testutil.ToFloat64(r.sinkWrites.WithLabelValues("orders", "insert", ResultSuccess)); got != 1 {
		t.Errorf("success: expected 1, got %v", got)
	}
	if got := testutil.ToFloat64(r.sinkWrites.WithLabelValues("orders", "insert", ResultError)); got != 2 {
		t.Errorf("error: expected 2, got %v", got)
	}
}

func TestRegistry_SchemaDegraded(t *testing.T) {
	r := NewRegistry()

	if got := testutil.ToFloat64(r.schemaDegraded); got != 0 {
		t.Errorf("expected 0 by default, got %v", got)
	}
	r.SetSchemaDegraded(true)
	if got := testutil.ToFloat64(r.schemaDegraded); got != 1 {
		t.Errorf("expected 1, got %v", got)
	}
	r.SetSchemaDegraded(false)
	if got := testutil.ToFloat64(r.schemaDegraded); got != 0 {
		t.Errorf("expected 0, got %v", got)
	}
}

func TestRegistry_DecodeFailedAndFiltered(t *testing.T) {
	r := NewRegistry()

	r.DecodeFailed()
	r.Filtered("audit", "insert")
	r.ObserveDuration("write", 20*time.Millisecond)

	if got := testutil.ToFloat64(r.decodeErrors); got != 1 {
		t.Errorf("decode errors: expected 1, got %v", got)
	}
	if got := testutil.ToFloat64(r.filteredTotal.WithLabelValues("audit", "insert")); got != 1 {
		t.Errorf("filtered: expected 1, got %v", got)
	}
	if got := testutil.CollectAndCount(r.eventDuration); got != 1 {
		t.Errorf("duration: expected 1 series, got %d", got)
	}
}

func TestRegistry_Handler(t *testing.T) {
	r := NewRegistry()
	r.Increment("unknown_table", "update")

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), `cdc_events_total{op="update",table="unknown_table"} 1`) {
		t.Errorf("expected counter sample in body:\n%s", body)
	}
}
