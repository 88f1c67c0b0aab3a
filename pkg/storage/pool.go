package storage

import (
	"fmt"

	"github.com/cespare/xxhash/v2"

	"github.com/quillstore/quill/pkg/types"
)

// ShardIndex maps a document id to its shard. The first 4 bytes of the
// digest are read as an unsigned integer; the algorithm is frozen for
// dataset compatibility and must never change.
func ShardIndex(docID string, shardCount int) int {
	h := xxhash.Sum64String(docID)
	return int(uint32(h>>32)) % shardCount
}

// Pool owns the N independent shard stores for one dataset. The shard
// count is fixed for the dataset's lifetime; a mismatch on open fails
// loudly before any write is accepted.
type Pool struct {
	shards []Store
	count  int
}

// OpenPool opens every shard store under dataDir.
func OpenPool(dataDir string, shardCount int) (*Pool, error) {
	if shardCount <= 0 {
		return nil, types.NewError(types.ErrValidation, "missing_field",
			fmt.Sprintf("shard count must be positive, got %d", shardCount))
	}
	p := &Pool{count: shardCount}
	for i := 0; i < shardCount; i++ {
		s, err := NewBoltStore(dataDir, i, shardCount)
		if err != nil {
			p.Close()
			return nil, fmt.Errorf("open shard %d: %w", i, err)
		}
		p.shards = append(p.shards, s)
	}
	return p, nil
}

// Count returns the partitioning degree.
func (p *Pool) Count() int { return p.count }

// Shard returns the store at index i.
func (p *Pool) Shard(i int) Store { return p.shards[i] }

// ShardFor returns the store owning docID.
func (p *Pool) ShardFor(docID string) Store {
	return p.shards[ShardIndex(docID, p.count)]
}

// Get reads one row from the owning shard.
func (p *Pool) Get(table, id string) (*types.Document, error) {
	return p.ShardFor(id).Get(table, id)
}

// ScanAll merges rows for a table across all shards. Ordering across
// shards is by shard index then key order; callers sort if they need a
// global order.
func (p *Pool) ScanAll(table string) ([]*types.Document, error) {
	var out []*types.Document
	for i, s := range p.shards {
		docs, err := s.Scan(table, 0, 0)
		if err != nil {
			return nil, fmt.Errorf("scan shard %d: %w", i, err)
		}
		out = append(out, docs...)
	}
	return out, nil
}

// Tables unions the table names present across shards.
func (p *Pool) Tables() ([]string, error) {
	seen := make(map[string]bool)
	var out []string
	for i, s := range p.shards {
		tables, err := s.Tables()
		if err != nil {
			return nil, fmt.Errorf("tables shard %d: %w", i, err)
		}
		for _, t := range tables {
			if !seen[t] {
				seen[t] = true
				out = append(out, t)
			}
		}
	}
	return out, nil
}

// Checkpoint flushes every shard.
func (p *Pool) Checkpoint() error {
	for i, s := range p.shards {
		if err := s.Checkpoint(); err != nil {
			return fmt.Errorf("checkpoint shard %d: %w", i, err)
		}
	}
	return nil
}

// Close closes every shard, returning the first error.
func (p *Pool) Close() error {
	var first error
	for _, s := range p.shards {
		if s == nil {
			continue
		}
		if err := s.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
