/*
Package metrics provides Prometheus instrumentation and component
health tracking for Quill.

All metrics share the quill_ namespace. Counters and histograms are
updated inline at the call sites (write accept, flush, broadcast, API
request); gauges that reflect polled state (buffer depth, WAL size,
connected clients) are sampled every 15 seconds by the Collector, which
reads the engine and hub through narrow source interfaces so this
package imports neither.

# Health

The health checker tracks per-component status and backs the /health,
/ready and /live HTTP endpoints. Readiness requires the critical
components (wal, shards, hub) to be registered and healthy; the engine
flips the wal component unhealthy when it enters degraded read-only
mode.

# Usage

	metrics.WritesTotal.WithLabelValues("notes", "upsert").Inc()

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.FlushDuration)

	collector := metrics.NewCollector(eng, h)
	collector.Start()
	defer collector.Stop()
*/
package metrics
