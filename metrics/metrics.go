// Package metrics provides Prometheus instrumentation for harness
// events: subjects launched, exec failures, timeouts, forkbomb kills
// and the live descendant count of traced subjects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the harness collectors. A nil *Metrics disables
// instrumentation throughout the library.
type Metrics struct {
	ProcessesStarted prometheus.Counter
	ExecFailures     prometheus.Counter
	Timeouts         prometheus.Counter
	ForkbombKills    prometheus.Counter
	SignalsSent      prometheus.Counter
	TrackedChildren  prometheus.Gauge
	ProcessDuration  prometheus.Histogram
}

// New creates the collectors and registers them on reg.
// A nil registerer creates unregistered collectors, useful for tests.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ProcessesStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "marks_process_started_total",
			Help: "Subject processes launched",
		}),
		ExecFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "marks_exec_failures_total",
			Help: "Subjects whose exec failed after fork",
		}),
		Timeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "marks_timeouts_total",
			Help: "Subjects killed by the timeout supervisor",
		}),
		ForkbombKills: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "marks_forkbomb_kills_total",
			Help: "Traced subjects killed for exceeding the descendant cap",
		}),
		SignalsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "marks_signals_sent_total",
			Help: "Signals delivered to subjects or their groups",
		}),
		TrackedChildren: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "marks_tracked_children",
			Help: "Descendants currently tracked by the tracer",
		}),
		ProcessDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "marks_process_duration_seconds",
			Help:    "Wall-clock time from launch to reap",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 12),
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.ProcessesStarted,
			m.ExecFailures,
			m.Timeouts,
			m.ForkbombKills,
			m.SignalsSent,
			m.TrackedChildren,
			m.ProcessDuration,
		)
	}
	return m
}

// ObserveDuration records one subject lifetime.
func (m *Metrics) ObserveDuration(d time.Duration) {
	m.ProcessDuration.Observe(d.Seconds())
}
