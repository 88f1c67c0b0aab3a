/*
Package types defines the core data structures used throughout Quill.

This package contains all fundamental types shared by the storage engine,
the CRDT layer, the sync hub, and the adapters: the tagged Value union,
operation and identifier types, stored document rows, sync-log entries,
the wire message contract, and the error taxonomy.

# Architecture

The types package is the foundation of Quill's data model. It defines:

  - Value: the closed tagged union {null, bool, int, float, string,
    bytes, array, object} carried by every operation and stored row
  - OpID / ElemID / Tag: identity for operations, RGA elements, and
    OR-Set adds
  - Operation: one CRDT mutation with originator clock and timestamp
  - Document / SyncEntry / Snapshot: stored shapes
  - BufferedWrite: the accepted-but-unflushed write record (WAL shape)
  - ClientMessage / ServerMessage: the WebSocket wire contract
  - Error: kind + stable code taxonomy for propagation decisions

All types are designed to be:
  - Serializable (JSON at the wire and storage boundaries)
  - Interpreted exactly once: wire JSON becomes a tagged Value at the
    boundary and stays tagged inside the core
  - Validated (collection names, document ids)

# Design Patterns

Enumeration Pattern:

	All enums use typed string constants for safety and clarity:
	  type OpType string
	  const (
	      OpMapSet    OpType = "map_set"
	      OpRGAInsert OpType = "rga_insert"
	  )

Error Kinds:

	Errors carry a kind (validation, not_found, conflict, transient,
	durable, integrity) that decides propagation: validation and
	not-found stay local to the request, transient errors are retried,
	durable errors abort the batch, integrity errors drop the op.

# Thread Safety

All types in this package are plain data:
  - Read-safe: can be read concurrently from multiple goroutines
  - Write-unsafe: mutations must be synchronized by callers

# See Also

  - pkg/clock for vector clocks (the only dependency of this package)
  - pkg/crdt for the consumers of Operation
  - pkg/engine and pkg/storage for the consumers of BufferedWrite
*/
package types
