package resilience

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "voxchain"

// Metrics holds the governor's Prometheus collectors.
type Metrics struct {
	admissions   *prometheus.CounterVec
	callDuration *prometheus.HistogramVec
	limits       *prometheus.GaugeVec
	breakerState *prometheus.GaugeVec
	tuning       *prometheus.CounterVec
}

// NewMetrics creates collectors and registers them on reg.
// A nil registerer yields working but unregistered collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		admissions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "governor",
			Name:      "admissions_total",
			Help:      "Admission decisions per dependency. outcome is accepted or the rejecting stage.",
		}, []string{"dependency", "outcome"}),
		callDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "governor",
			Name:      "call_duration_seconds",
			Help:      "Duration of admitted dependency calls.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"dependency", "result"}),
		limits: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "governor",
			Name:      "limit",
			Help:      "Current admission limits. kind is bulkhead or limiter.",
		}, []string{"dependency", "kind"}),
		breakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "breaker",
			Name:      "state",
			Help:      "Circuit breaker state: 0 closed, 1 open, 2 half-open.",
		}, []string{"dependency"}),
		tuning: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "tuner",
			Name:      "decisions_total",
			Help:      "Tuning decisions per dependency. load is high, low or steady.",
		}, []string{"dependency", "load"}),
	}
}

func (m *Metrics) observeAdmission(dep Dependency, outcome string) {
	if m == nil {
		return
	}
	m.admissions.WithLabelValues(string(dep), outcome).Inc()
}

func (m *Metrics) observeCall(dep Dependency, seconds float64, ok bool) {
	if m == nil {
		return
	}
	result := "success"
	if !ok {
		result = "failure"
	}
	m.callDuration.WithLabelValues(string(dep), result).Observe(seconds)
}

func (m *Metrics) observeLimits(s UnitSettings) {
	if m == nil {
		return
	}
	m.limits.WithLabelValues(string(s.Dependency), "bulkhead").Set(float64(s.BulkheadLimit))
	m.limits.WithLabelValues(string(s.Dependency), "limiter").Set(float64(s.LimitPerPeriod))
}

func (m *Metrics) observeBreaker(dep Dependency, state BreakerState) {
	if m == nil {
		return
	}
	m.breakerState.WithLabelValues(string(dep)).Set(float64(state))
}

func (m *Metrics) observeTuning(dep Dependency, load string) {
	if m == nil {
		return
	}
	m.tuning.WithLabelValues(string(dep), load).Inc()
}
