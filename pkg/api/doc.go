// Package api is the network surface: a REST API for request/response
// access, a WebSocket endpoint for live sync, and the health and
// metrics endpoints, all on one listener.
//
// REST writes do not talk to the engine directly. Every mutation is
// translated into the same wire frames a WebSocket client would send
// and routed through the hub, so CRDT state, the sync log, and fan-out
// to subscribers are identical regardless of how a write arrived. REST
// reads go straight to the engine and return materialized views with
// the internal replication state stripped.
//
// The WebSocket endpoint bridges each connection onto a hub session:
// a read loop decoding client frames and a write loop draining the
// session's outbound queue, with ping/pong keepalive. Backpressure is
// the session queue's drop-oldest policy; a client that cannot keep up
// loses the oldest updates and recovers them by resyncing from its
// watermark.
//
// A listener started with Options.ReadOnly rejects every non-GET
// request, for deployments that expose a local inspection port.
package api
