// Package metrics holds the Prometheus collectors for the control plane.
// Collectors are registered on a private registry so several control planes
// can coexist in one process (and in tests).
package metrics

import (
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

// Metrics groups every collector cadence records into.
type Metrics struct {
	Registry *prometheus.Registry

	QueueDepth      prometheus.Gauge
	Running         prometheus.Gauge
	TasksSubmitted  *prometheus.CounterVec
	TasksFinished   *prometheus.CounterVec
	ThrottlePauses  prometheus.Counter
	DecisionsRouted *prometheus.CounterVec
	Recoveries      *prometheus.CounterVec
	Transitions     *prometheus.CounterVec
}

// New creates and registers all collectors.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "cadence",
			Subsystem: "scheduler",
			Name:      "queue_depth",
			Help:      "Tasks waiting for a dispatch slot.",
		}),
		Running: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "cadence",
			Subsystem: "scheduler",
			Name:      "running_tasks",
			Help:      "Tasks currently executing.",
		}),
		TasksSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cadence",
			Subsystem: "scheduler",
			Name:      "tasks_submitted_total",
			Help:      "Tasks submitted, by priority tier.",
		}, []string{"priority"}),
		TasksFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cadence",
			Subsystem: "scheduler",
			Name:      "tasks_finished_total",
			Help:      "Tasks that reached a terminal state, by state.",
		}, []string{"state"}),
		ThrottlePauses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cadence",
			Subsystem: "scheduler",
			Name:      "throttle_pauses_total",
			Help:      "Dispatch pauses caused by resource ceilings.",
		}),
		DecisionsRouted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cadence",
			Subsystem: "decisions",
			Name:      "routed_total",
			Help:      "Decisions routed, by confidence band.",
		}, []string{"band"}),
		Recoveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cadence",
			Subsystem: "recovery",
			Name:      "outcomes_total",
			Help:      "Failure handling outcomes.",
		}, []string{"outcome"}),
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cadence",
			Subsystem: "workflow",
			Name:      "transitions_total",
			Help:      "Successful phase transitions, by target phase.",
		}, []string{"to"}),
	}

	m.Registry.MustRegister(
		m.QueueDepth,
		m.Running,
		m.TasksSubmitted,
		m.TasksFinished,
		m.ThrottlePauses,
		m.DecisionsRouted,
		m.Recoveries,
		m.Transitions,
	)
	return m
}

// WriteText writes the current values in the Prometheus text format.
func (m *Metrics) WriteText(w io.Writer) error {
	families, err := m.Registry.Gather()
	if err != nil {
		return err
	}
	enc := expfmt.NewEncoder(w, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			return err
		}
	}
	return nil
}
