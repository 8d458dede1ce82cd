package tracing

import (
	"context"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
)

func TestInitWithoutEndpointOnlyPropagates(t *testing.T) {
	p, err := Init(context.Background(), DefaultConfig("adherence-test"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.tp != nil {
		t.Error("no provider should be created without an endpoint")
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Errorf("shutdown: %v", err)
	}

	fields := otel.GetTextMapPropagator().Fields()
	if !strings.Contains(strings.Join(fields, ","), "traceparent") {
		t.Errorf("propagator fields = %v", fields)
	}
}

func TestSampler(t *testing.T) {
	cases := map[float64]string{
		1:   "AlwaysOnSampler",
		0:   "AlwaysOffSampler",
		0.1: "TraceIDRatioBased",
	}
	for rate, want := range cases {
		if got := Sampler(rate).Description(); !strings.Contains(got, want) {
			t.Errorf("Sampler(%v) = %s, want %s", rate, got, want)
		}
	}
}
