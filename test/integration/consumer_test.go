//go:build integration

package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/lsm/cdcsink/internal/consumer"
	clusterkafka "github.com/lsm/cdcsink/internal/kafka"
	"github.com/lsm/cdcsink/internal/observability"
	"github.com/lsm/cdcsink/internal/sink/elasticsearch"
	"github.com/lsm/cdcsink/internal/source/kafka"
)

func brokers() []string {
	b := os.Getenv("KAFKA_BROKERS")
	if b == "" {
		b = "localhost:9092"
	}
	return clusterkafka.ParseBrokers(b)
}

func elasticsearchURL() string {
	if u := os.Getenv("ELASTICSEARCH_URL"); u != "" {
		return u
	}
	return "http://localhost:9200"
}

func TestConsumer_EndToEnd(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	suffix := time.Now().UnixNano()
	topic := fmt.Sprintf("cdc-integration-%d", suffix)
	index := fmt.Sprintf("cdc-integration-%d", suffix)

	adminClient, err := kgo.NewClient(kgo.SeedBrokers(brokers()...))
	if err != nil {
		t.Fatalf("admin client: %v", err)
	}
	defer adminClient.Close()

	admin := kadm.NewClient(adminClient)
	if _, err := admin.CreateTopics(ctx, 1, 1, nil, topic); err != nil {
		t.Fatalf("create topic: %v", err)
	}
	defer func() {
		_, _ = admin.DeleteTopics(context.Background(), topic)
	}()

	messages := []string{
		`{"database":"shop","table":"orders","type":"INSERT","data":{"id":1}}`,
		`{"type":"update"}`,
		"not json",
	}
	for _, m := range messages {
		if err := adminClient.ProduceSync(ctx, &kgo.Record{Topic: topic, Value: []byte(m)}).FirstErr(); err != nil {
			t.Fatalf("produce: %v", err)
		}
	}

	logger := slog.Default()

	src, err := kafka.NewSource(kafka.Config{
		Cluster:       &clusterkafka.ClusterConfig{Brokers: brokers(), ClientID: "cdc-integration"},
		ConsumerGroup: fmt.Sprintf("cdc-integration-%d", suffix),
		StartOffset:   kafka.OffsetEarliest,
	}, logger)
	if err != nil {
		t.Fatalf("kafka source: %v", err)
	}

	idx, err := elasticsearch.NewSink(elasticsearch.Config{
		URL:     elasticsearchURL(),
		Index:   index,
		Timeout: 10 * time.Second,
	}, elasticsearch.WithLogger(logger))
	if err != nil {
		t.Fatalf("elasticsearch sink: %v", err)
	}
	defer deleteIndex(t, index)

	metrics := observability.NewRegistry()
	c := consumer.New(consumer.Config{Topic: topic}, src, idx, metrics, consumer.WithLogger(logger))

	runCtx, stop := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- c.Run(runCtx) }()

	deadline := time.Now().Add(45 * time.Second)
	for {
		out, err := metrics.Render()
		if err != nil {
			t.Fatalf("render: %v", err)
		}
		if strings.Contains(out, `cdc_events_total{op="insert",table="orders"} 1`) &&
			strings.Contains(out, `cdc_events_total{op="update",table="unknown_table"} 1`) &&
			strings.Contains(out, "cdc_decode_errors_total 1") {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for events, metrics:\n%s", out)
		}
		time.Sleep(250 * time.Millisecond)
	}

	stop()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
	if err := c.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	if n := countDocuments(t, index); n != 2 {
		t.Errorf("expected 2 documents, got %d", n)
	}
}

func countDocuments(t *testing.T, index string) int {
	t.Helper()
	base := elasticsearchURL() + "/" + index

	// Documents are searchable only after a refresh.
	res, err := http.Post(base+"/_refresh", "application/json", nil)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	_, _ = io.Copy(io.Discard, res.Body)
	_ = res.Body.Close()

	res, err = http.Get(base + "/_count")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	defer res.Body.Close()

	var body struct {
		Count int `json:"count"`
	}
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		t.Fatalf("decode count: %v", err)
	}
	return body.Count
}

func deleteIndex(t *testing.T, index string) {
	req, err := http.NewRequest(http.MethodDelete, elasticsearchURL()+"/"+index, nil)
	if err != nil {
		return
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Logf("delete index: %v", err)
		return
	}
	_ = res.Body.Close()
}
