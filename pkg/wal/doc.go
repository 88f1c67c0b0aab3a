// Package wal implements the write-ahead log that makes the in-memory
// write buffer crash-safe. Records are line-delimited JSON, appended
// before a write is acknowledged and truncated only after the covering
// flush has committed to every shard. Recovery replays intact records
// and tolerates a single torn line at the tail.
package wal
