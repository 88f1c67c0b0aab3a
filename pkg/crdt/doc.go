/*
Package crdt implements Quill's operation-based conflict-free replicated
data types: the Map-LWW register, the RGA ordered list, the OR-Set, and
the Document that aggregates them under a nested path space.

# Architecture

A Document owns an arena of register nodes. Index 0 is the root Map-LWW;
map entries reference nested maps, lists, and sets by arena index, which
keeps the recursive structure free of parent/child pointer cycles. Remote
ops address nodes by path, so arena indices never cross the wire.

Conflict resolution uses one rule everywhere: vector-clock dominance
decides when it can, and concurrent pairs fall back to the LWW tiebreak
(lexicographically larger nodeID, then larger originator timestamp, then
larger op id). The tiebreak is bit-identical at every replica; any two
replicas that apply the same op set produce Canonical()-equal
projections.

	Local edit  → tick clock → apply → pending queue → broadcast
	Remote op   → applied-op check → merge clock → apply

# Replay protection

Each document keeps the ids of the last N applied ops (default 1000).
ApplyRemote drops any op already in the window and reports the drop to
the caller, which makes redelivery from an at-least-once relay harmless.

# Snapshots

Snapshot captures clock, arena, bounded applied-op history, and version;
Restore rebuilds a document from a snapshot plus the ops generated since
it was taken. The snapshot JSON is also the stored row value in the
shard pool.
*/
package crdt
