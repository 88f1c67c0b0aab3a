// Package client is the embeddable reconciliation layer for Quill
// clients. It keeps local CRDT replicas of the documents the caller
// edits, persists an offline queue of unsent mutations, and runs the
// reconnect protocol against the hub.
//
// Edits always apply locally first, so reads through View reflect the
// caller's own writes immediately. When a transport is attached the
// resulting ops stream out as crdt_ops frames; when offline (or after
// a failed send) they land in the queue instead. Successive field sets
// on the same path compact in the queue, so a slider dragged for a
// minute queues one op, not thousands.
//
// Connect resyncs every tracked collection from its watermark, then
// drains the queue through batch_sync in bounded batches. Each batch
// waits for its batch_sync_ok before the next goes out; rejected ops
// are removed and surfaced through Options.OnConflict rather than
// retried forever.
//
// Persistence goes through the Storage interface. MemoryStorage works
// for tests and for embedders that snapshot state themselves; any
// durable key-value store can back it in production.
package client
