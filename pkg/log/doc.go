/*
Package log provides structured logging for Quill using zerolog.

The log package wraps the zerolog library to provide JSON-structured logging
with component-specific loggers, configurable log levels, and helper functions
for common logging patterns. All logs include timestamps and support filtering
by severity level for production debugging.

# Usage

Initialize once at startup:

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
	})

Component loggers:

	logger := log.WithComponent("engine")
	logger.Info().Int("entries", n).Msg("flush complete")

Domain child loggers:

	log.WithDoc("notes", "doc-1").Warn().Msg("applied-op replay dropped")
	log.WithShard(3).Error().Err(err).Msg("batch commit failed")

# Log Levels

  - debug: per-op detail (apply, broadcast, cache); high volume
  - info: lifecycle events (startup, recovery, flush summaries)
  - warn: recoverable anomalies (torn WAL tail, dropped broadcasts)
  - error: failed operations that surface to callers
  - fatal: unrecoverable startup errors (shard count mismatch)

Library code never prints directly; everything routes through the global
zerolog instance so output stays machine-parseable.
*/
package log
