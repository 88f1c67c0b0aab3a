/*
Package hub is the real-time sync core. It owns the live CRDT document
state, applies client mutations, persists results through the write
engine, records every accepted mutation in the sync log, and fans
broadcasts out to subscribers.

# Message flow

A transport adapter (pkg/api) decodes client frames into
types.ClientMessage and calls Handle. Replies and broadcasts are queued
on each client's Session; the adapter drains the queue with Next and
writes frames to the socket. Document-level mutations (insert, update,
merge, delete) route through the CRDT document so concurrent edits
resolve identically on every replica; operation-level frames (crdt_ops,
crdt_set, list edits) apply directly.

# Broadcast rules

Collection subscribers receive state summaries (insert/update/delete
with the materialized document); document subscribers receive the
operations themselves. A client never gets its own client-generated
ops echoed back, but server-authored ops (path edits) go to everyone,
the originator included. Each session's outbound queue is bounded:
when it overflows, the oldest pending frame is dropped and the session
is marked behind until its next sync catches it up from its watermark.
Presence frames are coalesced per (doc, node).

# Concurrency

The subscription registry is read-heavy and guarded by an RWMutex.
Each live document has one handle whose mutex serializes local apply
and remote apply. Presence is tracked separately and never persisted.

The optional relay (AttachRelay) exchanges CRDT op frames between
server instances through an event broker. Delivery is at-least-once
and unordered; the applied-op history and causal sort make that safe.
*/
package hub
