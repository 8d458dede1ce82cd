// Package metrics provides Prometheus metrics for the dose engine.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics. A nil *Metrics is valid and records nothing.
type Metrics struct {
	DosesGenerated        prometheus.Counter
	DosesRegenerated      prometheus.Counter
	DosesRemoved          prometheus.Counter
	DoseTransitions       *prometheus.CounterVec
	TransitionConflicts   prometheus.Counter
	SyncResults           *prometheus.CounterVec
	SweepDuration         prometheus.Histogram
	SweepMarked           prometheus.Counter
	AdherenceCache        *prometheus.CounterVec
	AdherenceDuration     *prometheus.HistogramVec
	KafkaMessagesProduced prometheus.Counter
	KafkaMessagesConsumed prometheus.Counter
	KafkaConsumerLag      *prometheus.GaugeVec
	OutboxPending         prometheus.Gauge
	CircuitBreakerState   *prometheus.GaugeVec
}

// New creates metrics and registers them with reg
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		DosesGenerated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dose_events_generated_total",
			Help: "Dose events inserted by generation",
		}),
		DosesRegenerated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dose_regenerations_total",
			Help: "Schedule edits that replaced future due events",
		}),
		DosesRemoved: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dose_events_removed_total",
			Help: "Dose events deleted by cascading removal",
		}),
		DoseTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dose_transitions_total",
			Help: "Dose lifecycle transitions by resulting status and source",
		}, []string{"status", "source"}),
		TransitionConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dose_transition_conflicts_total",
			Help: "Transitions rejected because the dose was already resolved",
		}),
		SyncResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "offline_sync_results_total",
			Help: "Offline sync actions by outcome",
		}, []string{"outcome"}),
		SweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "missed_sweep_duration_seconds",
			Help:    "Missed dose sweep duration",
			Buckets: []float64{.01, .05, .1, .5, 1, 5, 15, 60},
		}),
		SweepMarked: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "missed_sweep_marked_total",
			Help: "Doses marked missed by the sweep",
		}),
		AdherenceCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "adherence_cache_requests_total",
			Help: "Adherence cache lookups by result",
		}, []string{"result"}),
		AdherenceDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "adherence_compute_duration_seconds",
			Help:    "Adherence window computation duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		}, []string{"kind"}),
		KafkaMessagesProduced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kafka_messages_produced_total",
			Help: "Total Kafka messages produced",
		}),
		KafkaMessagesConsumed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kafka_messages_consumed_total",
			Help: "Total Kafka messages consumed",
		}),
		KafkaConsumerLag: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "kafka_consumer_group_lag",
			Help: "Consumer group lag per topic",
		}, []string{"topic"}),
		OutboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "outbox_pending_entries",
			Help: "Pending outbox entries",
		}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"name"}),
	}

	reg.MustRegister(
		m.DosesGenerated,
		m.DosesRegenerated,
		m.DosesRemoved,
		m.DoseTransitions,
		m.TransitionConflicts,
		m.SyncResults,
		m.SweepDuration,
		m.SweepMarked,
		m.AdherenceCache,
		m.AdherenceDuration,
		m.KafkaMessagesProduced,
		m.KafkaMessagesConsumed,
		m.KafkaConsumerLag,
		m.OutboxPending,
		m.CircuitBreakerState,
	)

	return m
}

// ObserveGenerated counts inserted events
func (m *Metrics) ObserveGenerated(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.DosesGenerated.Add(float64(n))
}

// ObserveRegenerated counts one regeneration
func (m *Metrics) ObserveRegenerated() {
	if m == nil {
		return
	}
	m.DosesRegenerated.Inc()
}

// ObserveRemoved counts cascaded deletions
func (m *Metrics) ObserveRemoved(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.DosesRemoved.Add(float64(n))
}

// ObserveTransition counts a lifecycle transition
func (m *Metrics) ObserveTransition(status, source string) {
	if m == nil {
		return
	}
	m.DoseTransitions.WithLabelValues(status, source).Inc()
}

// ObserveConflict counts a lost compare-and-set
func (m *Metrics) ObserveConflict() {
	if m == nil {
		return
	}
	m.TransitionConflicts.Inc()
}

// ObserveSync counts one offline sync outcome
func (m *Metrics) ObserveSync(outcome string) {
	if m == nil {
		return
	}
	m.SyncResults.WithLabelValues(outcome).Inc()
}

// ObserveSweep records one sweep run
func (m *Metrics) ObserveSweep(d time.Duration, marked int) {
	if m == nil {
		return
	}
	m.SweepDuration.Observe(d.Seconds())
	m.SweepMarked.Add(float64(marked))
}

// ObserveCache counts a cache hit, miss or error
func (m *Metrics) ObserveCache(result string) {
	if m == nil {
		return
	}
	m.AdherenceCache.WithLabelValues(result).Inc()
}

// ObserveAdherenceCompute records how long a window took to compute
func (m *Metrics) ObserveAdherenceCompute(kind string, d time.Duration) {
	if m == nil {
		return
	}
	m.AdherenceDuration.WithLabelValues(kind).Observe(d.Seconds())
}

// ObserveProduced counts a message written to Kafka
func (m *Metrics) ObserveProduced() {
	if m == nil {
		return
	}
	m.KafkaMessagesProduced.Inc()
}

// ObserveConsumed counts a message read from Kafka
func (m *Metrics) ObserveConsumed() {
	if m == nil {
		return
	}
	m.KafkaMessagesConsumed.Inc()
}

// SetConsumerLag records the group's lag on topic
func (m *Metrics) SetConsumerLag(topic string, lag int64) {
	if m == nil {
		return
	}
	m.KafkaConsumerLag.WithLabelValues(topic).Set(float64(lag))
}

// SetOutboxPending records the outbox backlog
func (m *Metrics) SetOutboxPending(n int64) {
	if m == nil {
		return
	}
	m.OutboxPending.Set(float64(n))
}

// SetBreakerState records a circuit breaker state as 0, 1 or 2
func (m *Metrics) SetBreakerState(name string, v float64) {
	if m == nil {
		return
	}
	m.CircuitBreakerState.WithLabelValues(name).Set(v)
}

// Handler returns the Prometheus HTTP handler for the default gatherer
func Handler() http.Handler {
	return promhttp.Handler()
}

// HandlerFor returns a handler serving g
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
