// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Queue metrics
	JobsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "petalrun",
			Subsystem: "queue",
			Name:      "jobs_processed_total",
			Help:      "Total number of jobs finished by outcome (completed, retried, failed)",
		},
		[]string{"outcome"},
	)

	JobsEnqueued = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "petalrun",
			Subsystem: "queue",
			Name:      "jobs_enqueued_total",
			Help:      "Total number of jobs enqueued",
		},
	)

	// Run metrics
	RunsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "petalrun",
			Subsystem: "run",
			Name:      "finished_total",
			Help:      "Total number of runs that reached a terminal status",
		},
		[]string{"status"},
	)

	RunsSwept = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "petalrun",
			Subsystem: "run",
			Name:      "swept_total",
			Help:      "Total number of stale runs aborted by the sweeper",
		},
		[]string{"previous_status"},
	)

	// Bus metrics
	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "petalrun",
			Subsystem: "bus",
			Name:      "events_published_total",
			Help:      "Total number of events published",
		},
		[]string{"type"},
	)

	EventsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "petalrun",
			Subsystem: "bus",
			Name:      "events_dropped_total",
			Help:      "Events dropped because a subscriber buffer was full",
		},
		[]string{"topic"},
	)

	// Stream metrics
	ObserversActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "petalrun",
			Subsystem: "stream",
			Name:      "observers_active",
			Help:      "Number of connected run observers",
		},
	)

	FramesRelayed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "petalrun",
			Subsystem: "stream",
			Name:      "frames_relayed_total",
			Help:      "Total number of frames written to observers",
		},
		[]string{"event"},
	)

	SlowObserversDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "petalrun",
			Subsystem: "stream",
			Name:      "slow_observers_dropped_total",
			Help:      "Observers disconnected because their buffer filled",
		},
	)
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
