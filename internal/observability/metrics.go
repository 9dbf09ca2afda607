package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for TradeAudit.
type Metrics struct {
	// --- Connection pool ---
	PoolLive        *prometheus.GaugeVec
	PoolIdle        *prometheus.GaugeVec
	PoolInUse       *prometheus.GaugeVec
	PoolCreated     *prometheus.CounterVec
	PoolDiscarded   *prometheus.CounterVec
	PoolExhausted   *prometheus.CounterVec
	PoolAcquireWait *prometheus.HistogramVec

	// --- Audit queue & workers ---
	QueueSize        prometheus.Gauge
	QueueCapacity    prometheus.Gauge
	QueueUtilization prometheus.Gauge
	EnqueueRejected  prometheus.Counter
	FallbackWrites   prometheus.Counter

	// --- Persistence ---
	EntriesWritten  prometheus.Counter
	EntriesFailed   prometheus.Counter
	WriteBatchSize  prometheus.Histogram
	WriteBatchDur   prometheus.Histogram
	WriteRetries    prometheus.Counter

	// --- Ingestion ---
	IngestReceived *prometheus.CounterVec
	IngestRejected *prometheus.CounterVec

	// --- Query API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		// Connection pool
		PoolLive: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tradeaudit_pool_live_connections",
			Help: "Connections created and not yet closed",
		}, []string{"database"}),

		PoolIdle: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tradeaudit_pool_idle_connections",
			Help: "Connections parked on the free list",
		}, []string{"database"}),

		PoolInUse: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tradeaudit_pool_inuse_connections",
			Help: "Connections currently checked out",
		}, []string{"database"}),

		PoolCreated: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "tradeaudit_pool_connections_created_total",
			Help: "New connections opened",
		}, []string{"database"}),

		PoolDiscarded: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "tradeaudit_pool_connections_discarded_total",
			Help: "Connections discarded (expired/dead/overflow)",
		}, []string{"database", "reason"}),

		PoolExhausted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "tradeaudit_pool_exhausted_total",
			Help: "Acquire timeouts with the pool at capacity",
		}, []string{"database"}),

		PoolAcquireWait: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tradeaudit_pool_acquire_wait_seconds",
			Help:    "Time spent in Acquire",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
		}, []string{"database"}),

		// Audit queue & workers
		QueueSize: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "tradeaudit_queue_size",
			Help: "Entries waiting in the audit queue",
		}),

		QueueCapacity: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "tradeaudit_queue_capacity",
			Help: "Audit queue capacity (constant)",
		}),

		QueueUtilization: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "tradeaudit_queue_utilization",
			Help: "Queue size / capacity (0.0-1.0)",
		}),

		EnqueueRejected: promauto.NewCounter(prometheus.CounterOpts{
			Name: "tradeaudit_enqueue_rejected_total",
			Help: "Enqueue attempts rejected by a full queue",
		}),

		FallbackWrites: promauto.NewCounter(prometheus.CounterOpts{
			Name: "tradeaudit_fallback_writes_total",
			Help: "Synchronous writes after queue rejection",
		}),

		// Persistence
		EntriesWritten: promauto.NewCounter(prometheus.CounterOpts{
			Name: "tradeaudit_entries_written_total",
			Help: "Audit entries persisted",
		}),

		EntriesFailed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "tradeaudit_entries_failed_total",
			Help: "Audit entries dropped after exhausting retries",
		}),

		WriteBatchSize: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "tradeaudit_write_batch_size",
			Help:    "Entries per batch write",
			Buckets: []float64{1, 2, 5, 10, 25, 50, 100},
		}),

		WriteBatchDur: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "tradeaudit_write_batch_duration_seconds",
			Help:    "Batch write duration",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 1},
		}),

		WriteRetries: promauto.NewCounter(prometheus.CounterOpts{
			Name: "tradeaudit_write_retries_total",
			Help: "Batch write retry attempts",
		}),

		// Ingestion
		IngestReceived: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "tradeaudit_ingest_received_total",
			Help: "Audit events received from NATS",
		}, []string{"subject"}),

		IngestRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "tradeaudit_ingest_rejected_total",
			Help: "Audit events rejected at parse/validate",
		}, []string{"subject", "reason"}),

		// Query API
		QueryRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "tradeaudit_query_requests_total",
			Help: "Query API requests",
		}, []string{"endpoint", "status"}),

		QueryDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tradeaudit_query_duration_seconds",
			Help:    "Query API latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"endpoint"}),
	}
}

// SetQueueMetrics updates queue utilization metrics.
func (m *Metrics) SetQueueMetrics(size, capacity int) {
	m.QueueSize.Set(float64(size))
	m.QueueCapacity.Set(float64(capacity))
	if capacity > 0 {
		m.QueueUtilization.Set(float64(size) / float64(capacity))
	}
}

// SetPoolMetrics updates per-database pool gauges.
func (m *Metrics) SetPoolMetrics(database string, live, idle int) {
	m.PoolLive.WithLabelValues(database).Set(float64(live))
	m.PoolIdle.WithLabelValues(database).Set(float64(idle))
	m.PoolInUse.WithLabelValues(database).Set(float64(live - idle))
}
