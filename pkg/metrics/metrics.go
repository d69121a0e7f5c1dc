// Package metrics exposes Prometheus collectors for the asset store and its
// HTTP surface. A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "assetvault"

// Metrics groups every collector.
type Metrics struct {
	batchesInitiated prometheus.Counter
	batchesExpired   prometheus.Counter
	chunksUploaded   prometheus.Counter
	chunkBytes       prometheus.Counter
	commits          *prometheus.CounterVec
	fragments        *prometheus.CounterVec
	deletes          prometheus.Counter
	assets           prometheus.Gauge
	bufferedBytes    prometheus.Gauge
	requests         *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		batchesInitiated: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "store", Name: "batches_initiated_total",
			Help: "Upload batches opened.",
		}),
		batchesExpired: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "store", Name: "batches_expired_total",
			Help: "Upload batches reclaimed after their TTL lapsed.",
		}),
		chunksUploaded: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "store", Name: "chunks_uploaded_total",
			Help: "Chunks accepted into the buffer.",
		}),
		chunkBytes: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "store", Name: "chunk_bytes_total",
			Help: "Bytes accepted into the chunk buffer.",
		}),
		commits: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "store", Name: "commits_total",
			Help: "Batch commits by result.",
		}, []string{"result"}),
		fragments: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "store", Name: "fragments_total",
			Help: "Fragments requested by response status.",
		}, []string{"status"}),
		deletes: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "store", Name: "deletes_total",
			Help: "Assets deleted.",
		}),
		assets: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "store", Name: "assets",
			Help: "Committed assets.",
		}),
		bufferedBytes: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "store", Name: "buffered_chunk_bytes",
			Help: "Bytes held in the chunk buffer.",
		}),
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "http", Name: "requests_total",
			Help: "HTTP requests by method, route and status.",
		}, []string{"method", "route", "status"}),
		requestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "http", Name: "request_duration_seconds",
			Help:    "HTTP request latency.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5},
		}, []string{"method", "route"}),
	}
}

func (m *Metrics) BatchInitiated() {
	if m != nil {
		m.batchesInitiated.Inc()
	}
}

func (m *Metrics) BatchesExpired(n int) {
	if m != nil && n > 0 {
		m.batchesExpired.Add(float64(n))
	}
}

func (m *Metrics) ChunkUploaded(size int) {
	if m != nil {
		m.chunksUploaded.Inc()
		m.chunkBytes.Add(float64(size))
	}
}

// Commit records a commit outcome; result is "ok" or an error kind.
func (m *Metrics) Commit(result string) {
	if m != nil {
		m.commits.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) Fragment(status int) {
	if m != nil {
		m.fragments.WithLabelValues(statusLabel(status)).Inc()
	}
}

func (m *Metrics) Deleted() {
	if m != nil {
		m.deletes.Inc()
	}
}

// SetState publishes the current asset count and buffer size.
func (m *Metrics) SetState(assets int, buffered uint64) {
	if m != nil {
		m.assets.Set(float64(assets))
		m.bufferedBytes.Set(float64(buffered))
	}
}

// ObserveRequest records one HTTP request.
func (m *Metrics) ObserveRequest(method, route string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(method, route, statusLabel(status)).Inc()
	m.requestDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

func statusLabel(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
