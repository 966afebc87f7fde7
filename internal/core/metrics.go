package core

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "slips"

// Metrics holds the Prometheus collectors shared by the coordinator and the
// workers. All methods are safe on a nil receiver so components can run
// without metrics.
type Metrics struct {
	Registry *prometheus.Registry

	EvidenceTotal  *prometheus.CounterVec
	WakeUps        *prometheus.CounterVec
	WastedWakeUps  *prometheus.CounterVec
	WorkerFailures *prometheus.CounterVec
	PendingWorkers prometheus.Gauge
	ForceKills     *prometheus.CounterVec
	ShutdownPolls  prometheus.Histogram
}

// NewMetrics registers every collector on reg. A nil reg gets a fresh
// registry.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		EvidenceTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "evidence_total",
				Help:      "Evidence emitted, by module and evidence type",
			},
			[]string{"module", "type"},
		),
		WakeUps: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "wakeups_total",
				Help:      "Messages dispatched to a module handler",
			},
			[]string{"module", "channel"},
		),
		WastedWakeUps: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "wasted_wakeups_total",
				Help:      "Messages that woke a worker but carried nothing usable",
			},
			[]string{"module", "channel"},
		),
		WorkerFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "worker_failures_total",
				Help:      "Worker loops that ended with an error",
			},
			[]string{"module"},
		),
		PendingWorkers: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "shutdown_pending_workers",
				Help:      "Workers that have not acknowledged the stop sentinel",
			},
		),
		ForceKills: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "force_kills_total",
				Help:      "Workers force-killed after the drain budget ran out",
			},
			[]string{"module", "outcome"},
		),
		ShutdownPolls: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "shutdown_drain_polls",
				Help:      "Polls spent draining acknowledgements during shutdown",
				Buckets:   []float64{1, 5, 10, 25, 50, 100, 130, 250},
			},
		),
	}
}

func (m *Metrics) EvidenceEmitted(module, evidenceType string) {
	if m == nil {
		return
	}
	m.EvidenceTotal.WithLabelValues(module, evidenceType).Inc()
}

func (m *Metrics) WakeUp(module, channel string) {
	if m == nil {
		return
	}
	m.WakeUps.WithLabelValues(module, channel).Inc()
}

func (m *Metrics) WastedWakeUp(module, channel string) {
	if m == nil {
		return
	}
	m.WastedWakeUps.WithLabelValues(module, channel).Inc()
}

func (m *Metrics) WorkerFailed(module string) {
	if m == nil {
		return
	}
	m.WorkerFailures.WithLabelValues(module).Inc()
}

func (m *Metrics) SetPending(n int) {
	if m == nil {
		return
	}
	m.PendingWorkers.Set(float64(n))
}

func (m *Metrics) ForceKilled(module, outcome string) {
	if m == nil {
		return
	}
	m.ForceKills.WithLabelValues(module, outcome).Inc()
}

func (m *Metrics) DrainPolls(n int) {
	if m == nil {
		return
	}
	m.ShutdownPolls.Observe(float64(n))
}
