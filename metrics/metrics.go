// Package metrics exposes prometheus instrumentation of ceremonies and
// decryptions. Metrics are registered on a caller-provided registerer; a
// nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	// Namespace is the Prometheus namespace for all metrics of the engine.
	Namespace = "egtally"

	// Label names
	LabelKind      = "kind"
	LabelOutcome   = "outcome"
	LabelOperation = "operation"
	LabelStatus    = "status"
	LabelPhase     = "phase"
)

// Metrics groups the collectors of one engine.
type Metrics struct {
	// SessionsTotal counts terminated sessions by kind and terminal state.
	SessionsTotal *prometheus.CounterVec
	// CallsTotal counts guardian calls by operation and reply status.
	CallsTotal *prometheus.CounterVec
	// RejectedTotal counts commitments, backups and shares that failed
	// verification.
	RejectedTotal *prometheus.CounterVec
	// PhaseDuration observes how long each phase took.
	PhaseDuration *prometheus.HistogramVec
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		SessionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "sessions_total",
			Help:      "Terminated sessions by kind and outcome",
		}, []string{LabelKind, LabelOutcome}),
		CallsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "guardian_calls_total",
			Help:      "Guardian calls by operation and reply status",
		}, []string{LabelOperation, LabelStatus}),
		RejectedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "rejected_total",
			Help:      "Artifacts that failed verification by kind",
		}, []string{LabelKind}),
		PhaseDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "phase_duration_seconds",
			Help:      "Duration of session phases in seconds",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		}, []string{LabelKind, LabelPhase}),
	}
}

// Session records the end of a session.
func (m *Metrics) Session(kind, outcome string) {
	if m == nil {
		return
	}
	m.SessionsTotal.WithLabelValues(kind, outcome).Inc()
}

// Call records the outcome of a guardian call.
func (m *Metrics) Call(operation, status string) {
	if m == nil {
		return
	}
	m.CallsTotal.WithLabelValues(operation, status).Inc()
}

// Rejected records an artifact that didn't verify.
func (m *Metrics) Rejected(kind string) {
	if m == nil {
		return
	}
	m.RejectedTotal.WithLabelValues(kind).Inc()
}

// Phase records the duration of a phase that started at start.
func (m *Metrics) Phase(kind, phase string, start time.Time) {
	if m == nil {
		return
	}
	m.PhaseDuration.WithLabelValues(kind, phase).Observe(time.Since(start).Seconds())
}
