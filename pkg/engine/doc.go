/*
Package engine implements the buffered, sharded write engine.

Every accepted write follows the same path: WAL append first (fsync
batched, at least once per flush interval), then the per-collection
in-memory buffer, then write-through into the read cache. A flush pass
drains the buffers in batches, groups each batch by shard, and commits
each shard group as one transaction. The WAL prefix covered by a fully
successful pass is truncated afterwards; on a crash, recovery replays
the WAL back into the buffers, so an accepted write is always either in
the shard pool or in the WAL.

Flush runs on a timer (default 100ms), on buffer overflow, and
synchronously on Close. A shard commit that keeps failing backs off
exponentially (capped at 5s) up to a retry limit; its entries return to
the head of the buffer and the WAL keeps protecting them. A WAL that
cannot be written is different: the engine enters degraded read-only
mode, refuses new writes, and reports the wal health component
unhealthy.

Reads go cache, then buffer (read-after-write), then the owning shard.
A sync read forces a flush first so it observes durable state.

Locking rules: each collection buffer has its own mutex and the engine
never holds two at once; flush passes are serialized by a single flush
mutex; the cache is safe for concurrent use.
*/
package engine
