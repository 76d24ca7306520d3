package queue

import (
	"time"

	"github.com/phrazzld/gonk/internal/task"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics records worker pool activity. A nil *Metrics records nothing.
type Metrics struct {
	duration *prometheus.HistogramVec
	inFlight prometheus.Gauge
}

// NewMetrics creates the worker pool collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gonk_job_duration_seconds",
			Help:    "Time spent executing queued jobs",
			Buckets: prometheus.DefBuckets,
		}, []string{"kind", "outcome"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gonk_jobs_in_flight",
			Help: "Number of jobs currently executing",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.duration, m.inFlight)
	}
	return m
}

func (m *Metrics) observe(kind task.JobKind, err error, d time.Duration) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.duration.WithLabelValues(string(kind), outcome).Observe(d.Seconds())
}

func (m *Metrics) setInFlight(n int) {
	if m == nil {
		return
	}
	m.inFlight.Set(float64(n))
}
