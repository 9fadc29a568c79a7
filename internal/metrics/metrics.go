// Package metrics exposes daemon activity as prometheus metrics.
//
// Each Metrics value owns its own registry, so several daemons (or tests)
// in one process never collide on registration.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mschirtzinger/dirwatch/internal/daemon"
	"github.com/mschirtzinger/dirwatch/internal/ingest"
)

const namespace = "dirwatch"

// Metric names, without the namespace.
const (
	MetricFiles              = "files_total"
	MetricLeaves             = "leaves_total"
	MetricSamplesWritten     = "samples_written_total"
	MetricPacketSeconds      = "packet_seconds"
	MetricWatchedDirectories = "watched_directories"
)

// Metrics implements daemon.Observer by updating prometheus collectors.
type Metrics struct {
	registry *prometheus.Registry

	files     *prometheus.CounterVec
	leaves    *prometheus.CounterVec
	samples   *prometheus.CounterVec
	packets   prometheus.Histogram
	watchDirs *prometheus.GaugeVec
}

// Ensure Metrics implements daemon.Observer.
var _ daemon.Observer = (*Metrics)(nil)

// New creates and registers the daemon's collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		files: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      MetricFiles,
				Help:      "Files by claim protocol outcome.",
			},
			[]string{"connection", "outcome"},
		),
		leaves: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      MetricLeaves,
				Help:      "Leaf results by outcome.",
			},
			[]string{"connection", "outcome"},
		),
		samples: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      MetricSamplesWritten,
				Help:      "Samples and intervals written to the backend.",
			},
			[]string{"connection"},
		),
		packets: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      MetricPacketSeconds,
				Help:      "Time to ingest one packet.",
				Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
			},
		),
		watchDirs: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      MetricWatchedDirectories,
				Help:      "Directories currently watched.",
			},
			[]string{"connection"},
		),
	}

	m.registry.MustRegister(m.files, m.leaves, m.samples, m.packets, m.watchDirs)
	return m
}

// Registry returns the registry holding the collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// FileEvent implements daemon.Observer.
func (m *Metrics) FileEvent(ev daemon.FileEvent) {
	m.files.WithLabelValues(ev.Connection, string(ev.Outcome)).Inc()
}

// PacketIngested implements daemon.Observer.
func (m *Metrics) PacketIngested(connection string, res *ingest.Result) {
	for _, l := range res.Leaves {
		m.leaves.WithLabelValues(connection, string(l.Outcome)).Inc()
	}
	m.samples.WithLabelValues(connection).Add(float64(res.Written()))
	m.packets.Observe(res.Duration.Seconds())
}

// DirectoryEvent implements daemon.Observer.
func (m *Metrics) DirectoryEvent(ev daemon.DirectoryEvent) {
	g := m.watchDirs.WithLabelValues(ev.Connection)
	if ev.Added {
		g.Inc()
	} else {
		g.Dec()
	}
}
