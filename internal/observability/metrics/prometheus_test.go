package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.ObserveGenerated(3)
	m.ObserveTransition("MISSED", "sweep")
	m.ObserveSync("applied")
	m.ObserveSweep(time.Second, 2)
	m.ObserveCache("hit")
	m.ObserveAdherenceCompute("daily", time.Millisecond)
	m.ObserveProduced()
	m.SetOutboxPending(4)
	m.SetBreakerState("publisher", 1)
	m.SetConsumerLag("dose.lifecycle", 3)
}

func TestObserveRecords(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ObserveGenerated(5)
	m.ObserveGenerated(0)
	m.ObserveTransition("TAKEN_LATE", "online")
	m.ObserveTransition("TAKEN_LATE", "online")
	m.ObserveSync("conflict")

	if got := testutil.ToFloat64(m.DosesGenerated); got != 5 {
		t.Errorf("generated = %v, want 5", got)
	}
	if got := testutil.ToFloat64(m.DoseTransitions.WithLabelValues("TAKEN_LATE", "online")); got != 2 {
		t.Errorf("transitions = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.SyncResults.WithLabelValues("conflict")); got != 1 {
		t.Errorf("sync = %v, want 1", got)
	}
}

func TestGauges(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.SetOutboxPending(7)
	m.SetBreakerState("publisher", 2)
	m.SetConsumerLag("dose.lifecycle", 12)
	m.SetConsumerLag("dose.lifecycle", 4)
	m.ObserveProduced()
	m.ObserveConsumed()

	if got := testutil.ToFloat64(m.OutboxPending); got != 7 {
		t.Errorf("outbox pending = %v, want 7", got)
	}
	if got := testutil.ToFloat64(m.CircuitBreakerState.WithLabelValues("publisher")); got != 2 {
		t.Errorf("breaker state = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.KafkaConsumerLag.WithLabelValues("dose.lifecycle")); got != 4 {
		t.Errorf("consumer lag = %v, want 4", got)
	}
	if testutil.ToFloat64(m.KafkaMessagesProduced) != 1 || testutil.ToFloat64(m.KafkaMessagesConsumed) != 1 {
		t.Error("kafka counters not incremented")
	}
}
