// Package metrics exposes Prometheus instrumentation for the sync engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	ActionsCommitted  prometheus.Counter
	ActionsDeadLetter prometheus.Counter
	ConflictsResolved prometheus.Counter
	PaymentsExpired   prometheus.Counter
	DrainCycles       *prometheus.CounterVec
	QueueDepth        prometheus.Gauge
	Online            prometheus.Gauge
}

// New registers the engine collectors on reg. Pass a fresh registry in tests.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ActionsCommitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rutapos_actions_committed_total",
			Help: "Queued actions acknowledged by the remote and removed from the queue.",
		}),
		ActionsDeadLetter: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rutapos_actions_dead_lettered_total",
			Help: "Queued actions abandoned after exhausting retries or on rejection.",
		}),
		ConflictsResolved: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rutapos_conflicts_resolved_total",
			Help: "Local/remote conflicts resolved by the reconciliation engine.",
		}),
		PaymentsExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rutapos_payments_expired_total",
			Help: "Pending payments aged out to vencido by the lifecycle sweep.",
		}),
		DrainCycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rutapos_drain_cycles_total",
			Help: "Sync drain cycles by result.",
		}, []string{"result"}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rutapos_queue_depth",
			Help: "Actions currently awaiting remote acknowledgment.",
		}),
		Online: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rutapos_online",
			Help: "Confirmed connectivity state (1 online, 0 offline).",
		}),
	}
	reg.MustRegister(
		m.ActionsCommitted,
		m.ActionsDeadLetter,
		m.ConflictsResolved,
		m.PaymentsExpired,
		m.DrainCycles,
		m.QueueDepth,
		m.Online,
	)
	return m
}

// Nop returns metrics bound to a throwaway registry, for callers that do not
// export.
func Nop() *Metrics {
	return New(prometheus.NewRegistry())
}
