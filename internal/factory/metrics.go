package factory

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the factory's prometheus collectors.
type Metrics struct {
	Launched     prometheus.Counter
	LaunchFailed *prometheus.CounterVec
	Reaped       prometheus.Counter
	Running      prometheus.Gauge
	WorkerKinds  prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg. A nil
// registerer leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Launched: f.NewCounter(prometheus.CounterOpts{
			Namespace: "meshdispatch",
			Subsystem: "factory",
			Name:      "workers_launched_total",
			Help:      "Worker processes started by the factory.",
		}),
		LaunchFailed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "meshdispatch",
			Subsystem: "factory",
			Name:      "launch_failures_total",
			Help:      "createWorker calls that did not start a process, by reason.",
		}, []string{"reason"}),
		Reaped: f.NewCounter(prometheus.CounterOpts{
			Namespace: "meshdispatch",
			Subsystem: "factory",
			Name:      "workers_reaped_total",
			Help:      "Exited worker processes removed from tracking.",
		}),
		Running: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "meshdispatch",
			Subsystem: "factory",
			Name:      "workers_tracked",
			Help:      "Worker processes tracked as of the last update.",
		}),
		WorkerKinds: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "meshdispatch",
			Subsystem: "factory",
			Name:      "worker_kinds",
			Help:      "Distinct mesh conversions the factory can launch.",
		}),
	}
}
