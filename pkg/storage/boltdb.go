package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"

	"github.com/quillstore/quill/pkg/types"
)

var bucketShardMeta = []byte("_meta")

const (
	metaKeyShardCount = "shard_count"
	metaKeyShardIndex = "shard_index"
)

// BoltStore implements Store using one BoltDB file per shard. Each
// collection table is a bucket; rows are JSON-encoded Document values
// keyed by document id.
type BoltStore struct {
	db    *bolt.DB
	index int
}

// NewBoltStore opens (or creates) the shard file for the given index and
// verifies the recorded shard geometry. A shard count recorded by an
// earlier run that disagrees with shardCount is a fatal mismatch: the
// hash placement of existing keys would be wrong.
func NewBoltStore(dataDir string, index, shardCount int) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, fmt.Sprintf("shard-%d.db", index))

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open shard %d: %w", index, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		meta, err := tx.CreateBucketIfNotExists(bucketShardMeta)
		if err != nil {
			return fmt.Errorf("failed to create meta bucket: %w", err)
		}
		if existing := meta.Get([]byte(metaKeyShardCount)); existing != nil {
			recorded := binary.BigEndian.Uint32(existing)
			if int(recorded) != shardCount {
				return types.NewError(types.ErrDurable, "shard_count_mismatch",
					fmt.Sprintf("shard %d was created with shard_count=%d, configured %d", index, recorded, shardCount))
			}
			return nil
		}
		var buf [4]byte
		binary.BigEndian.PutUint32(buf[:], uint32(shardCount))
		if err := meta.Put([]byte(metaKeyShardCount), buf[:]); err != nil {
			return err
		}
		binary.BigEndian.PutUint32(buf[:], uint32(index))
		return meta.Put([]byte(metaKeyShardIndex), buf[:])
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db, index: index}, nil
}

// Close closes the shard database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Checkpoint forces outstanding pages to disk.
func (s *BoltStore) Checkpoint() error {
	return s.db.Sync()
}

func tableBucket(tx *bolt.Tx, table string, create bool) (*bolt.Bucket, error) {
	if err := types.ValidateCollection(table); err != nil {
		return nil, err
	}
	name := []byte(table)
	if create {
		return tx.CreateBucketIfNotExists(name)
	}
	return tx.Bucket(name), nil
}

// BatchUpsert writes all rows in a single transaction; either every row
// lands or none do.
func (s *BoltStore) BatchUpsert(table string, docs []*types.Document) error {
	if len(docs) == 0 {
		return nil
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tableBucket(tx, table, true)
		if err != nil {
			return err
		}
		for _, doc := range docs {
			// Overwrites keep the original creation time.
			if doc.CreatedAt.IsZero() {
				if prev := b.Get([]byte(doc.ID)); prev != nil {
					var old types.Document
					if err := json.Unmarshal(prev, &old); err == nil {
						doc.CreatedAt = old.CreatedAt
					}
				}
				if doc.CreatedAt.IsZero() {
					doc.CreatedAt = doc.UpdatedAt
				}
			}
			data, err := json.Marshal(doc)
			if err != nil {
				return fmt.Errorf("marshal row %s: %w", doc.ID, err)
			}
			if err := b.Put([]byte(doc.ID), data); err != nil {
				return err
			}
		}
		return nil
	})
}

// Apply commits a mixed batch of upserts and deletes in one
// transaction.
func (s *BoltStore) Apply(table string, upserts []*types.Document, deletes []string) error {
	if len(upserts) == 0 && len(deletes) == 0 {
		return nil
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tableBucket(tx, table, true)
		if err != nil {
			return err
		}
		for _, doc := range upserts {
			if doc.CreatedAt.IsZero() {
				if prev := b.Get([]byte(doc.ID)); prev != nil {
					var old types.Document
					if err := json.Unmarshal(prev, &old); err == nil {
						doc.CreatedAt = old.CreatedAt
					}
				}
				if doc.CreatedAt.IsZero() {
					doc.CreatedAt = doc.UpdatedAt
				}
			}
			data, err := json.Marshal(doc)
			if err != nil {
				return fmt.Errorf("marshal row %s: %w", doc.ID, err)
			}
			if err := b.Put([]byte(doc.ID), data); err != nil {
				return err
			}
		}
		for _, id := range deletes {
			if err := b.Delete([]byte(id)); err != nil {
				return err
			}
		}
		return nil
	})
}

// BatchDelete removes rows physically.
func (s *BoltStore) BatchDelete(table string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tableBucket(tx, table, false)
		if err != nil {
			return err
		}
		if b == nil {
			return nil
		}
		for _, id := range ids {
			if err := b.Delete([]byte(id)); err != nil {
				return err
			}
		}
		return nil
	})
}

// Get returns one row.
func (s *BoltStore) Get(table, id string) (*types.Document, error) {
	var doc types.Document
	err := s.db.View(func(tx *bolt.Tx) error {
		b, err := tableBucket(tx, table, false)
		if err != nil {
			return err
		}
		if b == nil {
			return types.NewError(types.ErrNotFound, "doc_not_found",
				fmt.Sprintf("%s/%s not found", table, id))
		}
		data := b.Get([]byte(id))
		if data == nil {
			return types.NewError(types.ErrNotFound, "doc_not_found",
				fmt.Sprintf("%s/%s not found", table, id))
		}
		return json.Unmarshal(data, &doc)
	})
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

// Scan iterates rows in key order with limit/offset paging.
func (s *BoltStore) Scan(table string, limit, offset int) ([]*types.Document, error) {
	var docs []*types.Document
	err := s.db.View(func(tx *bolt.Tx) error {
		b, err := tableBucket(tx, table, false)
		if err != nil {
			return err
		}
		if b == nil {
			return nil
		}
		skipped := 0
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if skipped < offset {
				skipped++
				continue
			}
			var doc types.Document
			if err := json.Unmarshal(v, &doc); err != nil {
				return fmt.Errorf("unmarshal row %s: %w", k, err)
			}
			docs = append(docs, &doc)
			if limit > 0 && len(docs) >= limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return docs, nil
}

// Tables lists collection buckets in this shard.
func (s *BoltStore) Tables() ([]string, error) {
	var tables []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.ForEach(func(name []byte, _ *bolt.Bucket) error {
			if string(name) != string(bucketShardMeta) {
				tables = append(tables, string(name))
			}
			return nil
		})
	})
	return tables, err
}
