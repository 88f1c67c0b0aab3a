package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Write path metrics
	WritesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quill_writes_total",
			Help: "Total number of accepted writes by collection and operation",
		},
		[]string{"collection", "op"},
	)

	WriteErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quill_write_errors_total",
			Help: "Total number of rejected or failed writes by reason",
		},
		[]string{"reason"},
	)

	BufferedWrites = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "quill_buffered_writes",
			Help: "Writes currently held in the in-memory buffer",
		},
	)

	WALRecords = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "quill_wal_records",
			Help: "Records currently in the write-ahead log",
		},
	)

	WALBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "quill_wal_bytes",
			Help: "Size of the write-ahead log file in bytes",
		},
	)

	EngineDegraded = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "quill_engine_degraded",
			Help: "Whether the engine is in read-only degraded mode (1 = degraded)",
		},
	)

	// Flush metrics
	FlushDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "quill_flush_duration_seconds",
			Help:    "Time taken to flush the write buffer to shards in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	FlushBatchSize = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "quill_flush_batch_size",
			Help:    "Number of writes committed per flush",
			Buckets: []float64{1, 10, 50, 100, 500, 1000, 5000, 10000},
		},
	)

	FlushRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "quill_flush_retries_total",
			Help: "Total number of shard commit retries",
		},
	)

	// Read path metrics
	ReadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quill_reads_total",
			Help: "Total number of reads by source (cache, buffer, store)",
		},
		[]string{"source"},
	)

	CacheHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "quill_cache_hits_total",
			Help: "Total number of read-cache hits",
		},
	)

	CacheMisses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "quill_cache_misses_total",
			Help: "Total number of read-cache misses",
		},
	)

	// CRDT metrics
	CRDTOpsApplied = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quill_crdt_ops_applied_total",
			Help: "Total number of CRDT operations applied by type",
		},
		[]string{"type"},
	)

	// Sync hub metrics
	ClientsConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "quill_clients_connected",
			Help: "WebSocket clients currently connected",
		},
	)

	SubscriptionsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "quill_subscriptions",
			Help: "Active subscriptions by scope (collection, document)",
		},
		[]string{"scope"},
	)

	BroadcastsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "quill_broadcasts_total",
			Help: "Total number of messages broadcast to subscribers",
		},
	)

	BroadcastDropsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "quill_broadcast_drops_total",
			Help: "Total number of broadcast messages dropped on full subscriber queues",
		},
	)

	PresenceParticipants = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "quill_presence_participants",
			Help: "Participants currently tracked across all documents",
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quill_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "quill_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(WritesTotal)
	prometheus.MustRegister(WriteErrorsTotal)
	prometheus.MustRegister(BufferedWrites)
	prometheus.MustRegister(WALRecords)
	prometheus.MustRegister(WALBytes)
	prometheus.MustRegister(EngineDegraded)
	prometheus.MustRegister(FlushDuration)
	prometheus.MustRegister(FlushBatchSize)
	prometheus.MustRegister(FlushRetriesTotal)
	prometheus.MustRegister(ReadsTotal)
	prometheus.MustRegister(CacheHits)
	prometheus.MustRegister(CacheMisses)
	prometheus.MustRegister(CRDTOpsApplied)
	prometheus.MustRegister(ClientsConnected)
	prometheus.MustRegister(SubscriptionsTotal)
	prometheus.MustRegister(BroadcastsTotal)
	prometheus.MustRegister(BroadcastDropsTotal)
	prometheus.MustRegister(PresenceParticipants)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures a duration for histogram observation.
type Timer struct {
	start time.Time
}

// NewTimer starts a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveDuration records the elapsed time into the histogram.
func (t *Timer) ObserveDuration(h prometheus.Histogram) {
	h.Observe(t.Duration().Seconds())
}

// ObserveDurationVec records the elapsed time into a labeled histogram.
func (t *Timer) ObserveDurationVec(h *prometheus.HistogramVec, labels ...string) {
	h.WithLabelValues(labels...).Observe(t.Duration().Seconds())
}
