/*
Package storage provides BoltDB-backed persistence for Quill's document
shards and the process-wide sync log.

The storage package implements the per-shard Store contract using BoltDB,
providing atomic batch commits for document rows. All data is serialized
as JSON; each collection table is one bucket, created on demand.

# Architecture

One dataset is N independent shard files plus the sync log:

	<dataDir>/shard-0.db .. shard-(N-1).db   document rows
	<dataDir>/synclog.db                     append-only mutation log

Shard placement is a pure function of the document id: the first 4 bytes
of a stable content hash read as an unsigned integer, modulo the shard
count. The shard count is recorded in each shard's meta bucket at
creation and verified on every open; a mismatch fails startup before any
write is accepted, because existing keys would hash to the wrong files.

Each shard serializes its own writes (BoltDB has a single writer per
file); independent shards commit in parallel. A flush that spans shards
is atomic per shard only; the write-ahead log above this layer protects
the cross-shard window.

# Transaction Model

  - Read: db.View(): concurrent, consistent snapshots
  - Write: db.Update(): serialized, atomic commits with fsync
  - BatchUpsert/BatchDelete: one transaction per batch, all-or-nothing

# Sync Log

The sync log assigns a global sequence to every accepted mutation and
maintains two index buckets:

	by_collection: collection|00|timestamp|seq → seq
	by_doc:        collection|00|doc_id|00|seq → seq

Since(collection, since) walks the timestamp index with a prefix cursor,
which is what serves the client resync protocol. TrimBefore supports
compaction once snapshots cover the trimmed range.

# See Also

  - pkg/engine for the write buffer and WAL that feed BatchUpsert
  - pkg/hub for the sync-log producers and consumers
*/
package storage
