package storage

import (
	"github.com/quillstore/quill/pkg/types"
)

// Store is the per-shard persistence contract. It is the only place
// durable document I/O occurs; any implementation that honors batch
// atomicity is valid. Tables are created on demand and table names are
// restricted to [A-Za-z0-9_]+.
type Store interface {
	// BatchUpsert writes every row in one atomic commit.
	BatchUpsert(table string, docs []*types.Document) error

	// BatchDelete removes rows physically (used by compaction, not by
	// document soft-delete). Missing ids are ignored.
	BatchDelete(table string, ids []string) error

	// Apply commits upserts and deletes together in one transaction.
	// The flush path uses this so a mixed batch for one shard is
	// all-or-nothing.
	Apply(table string, upserts []*types.Document, deletes []string) error

	// Get returns the row, or a not_found error.
	Get(table, id string) (*types.Document, error)

	// Scan returns up to limit rows starting at offset, in key order.
	// limit <= 0 means no limit.
	Scan(table string, limit, offset int) ([]*types.Document, error)

	// Tables lists the tables present in this shard.
	Tables() ([]string, error)

	// Checkpoint flushes in-memory log pages to stable storage.
	Checkpoint() error

	// Close releases the underlying database.
	Close() error
}
