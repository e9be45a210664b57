// Package metrics holds the Prometheus collectors for the sync engine and the API server.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "fieldline"

// Sync instruments sync runs. A nil *Sync records nothing.
type Sync struct {
	runs           *prometheus.CounterVec
	uploaded       *prometheus.CounterVec
	uploadFailures *prometheus.CounterVec
	downloaded     prometheus.Counter
	merged         prometheus.Counter
	tombstoned     prometheus.Counter
	duration       prometheus.Histogram
}

// NewSync creates the sync collectors and registers them on reg when reg is non-nil.
func NewSync(reg prometheus.Registerer) *Sync {
	m := &Sync{
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "runs_total",
			Help:      "Sync runs by outcome.",
		}, []string{"outcome"}),
		uploaded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "uploaded_total",
			Help:      "Records accepted by the server, by kind.",
		}, []string{"kind"}),
		uploadFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "upload_failures_total",
			Help:      "Failed uploads, by kind.",
		}, []string{"kind"}),
		downloaded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "tasks_downloaded_total",
			Help:      "Server tasks created locally.",
		}),
		merged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "tasks_merged_total",
			Help:      "Local tasks whose status was overwritten by the server copy.",
		}),
		tombstoned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "tasks_tombstoned_total",
			Help:      "Server-origin tasks deleted locally after disappearing from the listing.",
		}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "duration_seconds",
			Help:      "Wall time of non-skipped sync runs.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
	}
	if reg != nil {
		reg.MustRegister(m.runs, m.uploaded, m.uploadFailures, m.downloaded, m.merged, m.tombstoned, m.duration)
	}
	return m
}

func (m *Sync) Run(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(outcome).Inc()
	if outcome != "skipped" {
		m.duration.Observe(elapsed.Seconds())
	}
}

func (m *Sync) Uploaded(kind string) {
	if m == nil {
		return
	}
	m.uploaded.WithLabelValues(kind).Inc()
}

func (m *Sync) UploadFailed(kind string) {
	if m == nil {
		return
	}
	m.uploadFailures.WithLabelValues(kind).Inc()
}

func (m *Sync) Downloaded() {
	if m == nil {
		return
	}
	m.downloaded.Inc()
}

func (m *Sync) Merged() {
	if m == nil {
		return
	}
	m.merged.Inc()
}

func (m *Sync) Tombstoned() {
	if m == nil {
		return
	}
	m.tombstoned.Inc()
}

// HTTP counts API requests served by the reference server.
type HTTP struct {
	requests *prometheus.CounterVec
}

func NewHTTP(reg prometheus.Registerer) *HTTP {
	m := &HTTP{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "requests_total",
			Help:      "API requests by method and status code.",
		}, []string{"method", "code"}),
	}
	if reg != nil {
		reg.MustRegister(m.requests)
	}
	return m
}

func (m *HTTP) Observe(method string, status int) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(method, strconv.Itoa(status)).Inc()
}
