package broker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the broker's prometheus collectors.
type Metrics struct {
	Heartbeats    prometheus.Counter
	Submitted     prometheus.Counter
	Rejected      *prometheus.CounterVec
	Completed     *prometheus.CounterVec
	LiveWorkers   prometheus.Gauge
	QueuedJobs    prometheus.Gauge
	ExpiredWorker prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg. A nil
// registerer leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Heartbeats: f.NewCounter(prometheus.CounterOpts{
			Namespace: "meshdispatch",
			Subsystem: "broker",
			Name:      "heartbeats_total",
			Help:      "Heartbeats received from workers.",
		}),
		Submitted: f.NewCounter(prometheus.CounterOpts{
			Namespace: "meshdispatch",
			Subsystem: "broker",
			Name:      "jobs_submitted_total",
			Help:      "Jobs accepted from clients.",
		}),
		Rejected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "meshdispatch",
			Subsystem: "broker",
			Name:      "jobs_rejected_total",
			Help:      "Submissions refused, by reason.",
		}, []string{"reason"}),
		Completed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "meshdispatch",
			Subsystem: "broker",
			Name:      "jobs_completed_total",
			Help:      "Jobs that reached a terminal status, by status.",
		}, []string{"status"}),
		LiveWorkers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "meshdispatch",
			Subsystem: "broker",
			Name:      "workers",
			Help:      "Connected workers.",
		}),
		QueuedJobs: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "meshdispatch",
			Subsystem: "broker",
			Name:      "jobs_queued",
			Help:      "Jobs waiting for a worker.",
		}),
		ExpiredWorker: f.NewCounter(prometheus.CounterOpts{
			Namespace: "meshdispatch",
			Subsystem: "broker",
			Name:      "workers_expired_total",
			Help:      "Workers dropped after missing heartbeats.",
		}),
	}
}
