package watchdog

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the confirmation watchdog.
type Metrics struct {
	Sweeps        prometheus.Counter
	Expired       *prometheus.CounterVec
	SweepDuration prometheus.Histogram
}

// NewMetrics creates and registers watchdog metrics.
// Returns nil if reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		Sweeps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "officebus",
			Subsystem: "watchdog",
			Name:      "sweeps_total",
			Help:      "Total watchdog sweeps over pending confirmations.",
		}),
		Expired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "officebus",
			Subsystem: "watchdog",
			Name:      "expired_total",
			Help:      "Pending actions denied because their confirmation timed out.",
		}, []string{"tier"}),
		SweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "officebus",
			Subsystem: "watchdog",
			Name:      "sweep_duration_seconds",
			Help:      "Duration of each watchdog sweep.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}),
	}

	reg.MustRegister(
		m.Sweeps,
		m.Expired,
		m.SweepDuration,
	)

	return m
}
