package task

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics tracks task lifecycle counters. A nil *Metrics records nothing.
type Metrics struct {
	created     *prometheus.CounterVec
	transitions *prometheus.CounterVec
	retries     prometheus.Counter
	expired     prometheus.Counter
}

// NewMetrics creates the task counters and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		created: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gonk_tasks_created_total",
			Help: "Total number of tasks created, by task type",
		}, []string{"type"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gonk_task_transitions_total",
			Help: "Total number of task status transitions, by target status",
		}, []string{"status"}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gonk_task_retries_scheduled_total",
			Help: "Total number of retry jobs scheduled",
		}),
		expired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gonk_tasks_expired_total",
			Help: "Total number of expired tasks deleted by the sweeper",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.created, m.transitions, m.retries, m.expired)
	}
	return m
}

func (m *Metrics) taskCreated(taskType string) {
	if m == nil {
		return
	}
	m.created.WithLabelValues(taskType).Inc()
}

func (m *Metrics) transition(status Status) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(string(status)).Inc()
}

func (m *Metrics) retryScheduled() {
	if m == nil {
		return
	}
	m.retries.Inc()
}

func (m *Metrics) taskExpired() {
	if m == nil {
		return
	}
	m.expired.Inc()
}
