package redpanda

import (
	"context"
	"errors"
	"testing"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

func TestHeaderCarrierRoundTripsTraceContext(t *testing.T) {
	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	record := &kgo.Record{Headers: []kgo.RecordHeader{{Key: "source", Value: []byte("relay")}}}
	prop := propagation.TraceContext{}
	prop.Inject(ctx, &headerCarrier{record: record})

	if len(record.Headers) != 2 {
		t.Fatalf("expected traceparent header to be appended, got %v", record.Headers)
	}

	got := trace.SpanContextFromContext(prop.Extract(context.Background(), &headerCarrier{record: record}))
	if got.TraceID() != traceID || got.SpanID() != spanID {
		t.Errorf("extracted %v, want trace %s span %s", got, traceID, spanID)
	}
}

func TestHeaderCarrierSetReplaces(t *testing.T) {
	c := &headerCarrier{record: &kgo.Record{}}
	c.Set("k", "one")
	c.Set("k", "two")
	if c.Get("k") != "two" || len(c.Keys()) != 1 {
		t.Errorf("headers = %v", c.record.Headers)
	}
	if c.Get("missing") != "" {
		t.Error("missing header should be empty")
	}
}

func TestLifecycleHandlerPassesValue(t *testing.T) {
	var got []byte
	h := LifecycleHandler(func(ctx context.Context, payload []byte) error {
		got = payload
		return nil
	})
	if err := h(context.Background(), &ConsumedMessage{Value: []byte(`{"patient_id":"p1"}`)}); err != nil {
		t.Fatal(err)
	}
	if string(got) != `{"patient_id":"p1"}` {
		t.Errorf("payload = %s", got)
	}

	boom := errors.New("boom")
	h = LifecycleHandler(func(ctx context.Context, payload []byte) error { return boom })
	if err := h(context.Background(), &ConsumedMessage{}); !errors.Is(err, boom) {
		t.Errorf("err = %v", err)
	}
}

func TestDefaultTopicConfigs(t *testing.T) {
	names := map[string]bool{}
	for _, c := range DefaultTopicConfigs() {
		names[c.Name] = true
		if c.Partitions <= 0 {
			t.Errorf("%s has no partitions", c.Name)
		}
	}
	if !names["dose.lifecycle"] || !names["dead.letter"] {
		t.Errorf("topics = %v", names)
	}
}

func TestNewConsumerRequiresHandler(t *testing.T) {
	if _, err := NewConsumer(DefaultConsumerConfig(), nil, nil, nil); err == nil {
		t.Error("expected error without handler")
	}
}
