package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// SagaMetrics records state machine activity.
type SagaMetrics struct {
	transitions      *prometheus.CounterVec
	versionConflicts prometheus.Counter
	timeouts         *prometheus.CounterVec
	retries          prometheus.Counter
}

// NewSagaMetrics registers the saga metrics on the provided registerer.
func NewSagaMetrics(reg prometheus.Registerer) *SagaMetrics {
	if reg == nil {
		return &SagaMetrics{}
	}
	transitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "saga_transitions_total",
		Help: "Saga state transitions applied.",
	}, []string{"from", "to"})
	versionConflicts := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "saga_version_conflicts_total",
		Help: "Optimistic concurrency conflicts that forced a redelivery.",
	})
	timeouts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "saga_timeouts_total",
		Help: "Fraud check timeouts fired, labelled by outcome.",
	}, []string{"outcome"})
	retries := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "saga_fraud_check_retries_total",
		Help: "Fraud check requests re-issued after a timeout.",
	})
	reg.MustRegister(transitions, versionConflicts, timeouts, retries)
	return &SagaMetrics{
		transitions:      transitions,
		versionConflicts: versionConflicts,
		timeouts:         timeouts,
		retries:          retries,
	}
}

// IncTransition increments the transition counter for a from/to state pair.
func (m *SagaMetrics) IncTransition(from, to string) {
	if m == nil || m.transitions == nil {
		return
	}
	m.transitions.WithLabelValues(normalizeLabel(from), normalizeLabel(to)).Inc()
}

// IncVersionConflict increments the optimistic lock conflict counter.
func (m *SagaMetrics) IncVersionConflict() {
	if m == nil || m.versionConflicts == nil {
		return
	}
	m.versionConflicts.Inc()
}

// IncTimeout increments the timeout counter for an outcome ("retry",
// "gave_up" or "stale").
func (m *SagaMetrics) IncTimeout(outcome string) {
	if m == nil || m.timeouts == nil {
		return
	}
	m.timeouts.WithLabelValues(normalizeLabel(outcome)).Inc()
}

// IncRetry increments the re-issued fraud check counter.
func (m *SagaMetrics) IncRetry() {
	if m == nil || m.retries == nil {
		return
	}
	m.retries.Inc()
}
