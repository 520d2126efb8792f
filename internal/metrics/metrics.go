// Package metrics holds the Prometheus instruments that make the service's
// best-effort paths observable: remote fallbacks, swallowed retirement and
// delete failures, degraded reads and unresolved media.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "sitecontrol"

// Metrics is safe to use as a nil pointer; every recorder becomes a no-op.
type Metrics struct {
	// Labels: collection (completed, draft), destination (remote, local, failed)
	Saves *prometheus.CounterVec
	// Labels: operation (retire_local, retire_remote, remote_delete, stale_local, tombstone_prune, index)
	Swallowed *prometheus.CounterVec
	// Labels: source (remote_completed, remote_drafts)
	DegradedReads *prometheus.CounterVec
	// Labels: outcome (inline, local, remote, unresolved)
	Media *prometheus.CounterVec
	// Labels: method, route, status
	Requests *prometheus.CounterVec
	Duration *prometheus.HistogramVec
}

// New registers the instruments on reg. Passing a fresh registry keeps tests
// isolated from each other.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Saves: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "controls",
			Name:      "saves_total",
			Help:      "Control saves by collection and the store that accepted them",
		}, []string{"collection", "destination"}),
		Swallowed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "controls",
			Name:      "swallowed_failures_total",
			Help:      "Best-effort operations that failed without failing the caller",
		}, []string{"operation"}),
		DegradedReads: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "controls",
			Name:      "degraded_reads_total",
			Help:      "Remote sources that contributed nothing to a reconciled listing",
		}, []string{"source"}),
		Media: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "media",
			Name:      "references_total",
			Help:      "Media references processed by the embed pipeline, by outcome",
		}, []string{"outcome"}),
		Requests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by method, route pattern and status",
		}, []string{"method", "route", "status"}),
		Duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
}

func (m *Metrics) RecordSave(collection, destination string) {
	if m == nil {
		return
	}
	m.Saves.WithLabelValues(collection, destination).Inc()
}

func (m *Metrics) RecordSwallowed(operation string) {
	if m == nil {
		return
	}
	m.Swallowed.WithLabelValues(operation).Inc()
}

func (m *Metrics) RecordDegraded(source string) {
	if m == nil {
		return
	}
	m.DegradedReads.WithLabelValues(source).Inc()
}

func (m *Metrics) RecordMedia(outcome string) {
	if m == nil {
		return
	}
	m.Media.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordRequest(method, route, status string, seconds float64) {
	if m == nil {
		return
	}
	m.Requests.WithLabelValues(method, route, status).Inc()
	m.Duration.WithLabelValues(method, route).Observe(seconds)
}
