package storage

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"

	"github.com/quillstore/quill/pkg/types"
)

var (
	bucketEntries      = []byte("entries")
	bucketByCollection = []byte("by_collection")
	bucketByDoc        = []byte("by_doc")
)

// SyncLog is the process-wide append-only log of accepted mutations,
// indexed for resync-from-timestamp and per-document history. It lives in
// its own BoltDB file beside the shard stores.
type SyncLog struct {
	db *bolt.DB
}

// OpenSyncLog opens (or creates) synclog.db under dataDir.
func OpenSyncLog(dataDir string) (*SyncLog, error) {
	db, err := bolt.Open(filepath.Join(dataDir, "synclog.db"), 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open sync log: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketEntries, bucketByCollection, bucketByDoc} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &SyncLog{db: db}, nil
}

// Close closes the log.
func (l *SyncLog) Close() error { return l.db.Close() }

func seqKey(seq uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], seq)
	return buf[:]
}

// collKey is collection|0x00|ts|seq so a prefix cursor walks one
// collection in server-timestamp order.
func collKey(collection string, ts int64, seq uint64) []byte {
	buf := make([]byte, 0, len(collection)+17)
	buf = append(buf, collection...)
	buf = append(buf, 0)
	buf = binary.BigEndian.AppendUint64(buf, uint64(ts))
	buf = binary.BigEndian.AppendUint64(buf, seq)
	return buf
}

func docKey(collection, docID string, seq uint64) []byte {
	buf := make([]byte, 0, len(collection)+len(docID)+10)
	buf = append(buf, collection...)
	buf = append(buf, 0)
	buf = append(buf, docID...)
	buf = append(buf, 0)
	buf = binary.BigEndian.AppendUint64(buf, seq)
	return buf
}

// Append records one accepted mutation and returns its sequence number.
func (l *SyncLog) Append(entry *types.SyncEntry) (uint64, error) {
	var seq uint64
	err := l.db.Update(func(tx *bolt.Tx) error {
		entries := tx.Bucket(bucketEntries)
		var err error
		seq, err = entries.NextSequence()
		if err != nil {
			return err
		}
		entry.Seq = seq
		data, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("marshal sync entry: %w", err)
		}
		if err := entries.Put(seqKey(seq), data); err != nil {
			return err
		}
		if err := tx.Bucket(bucketByCollection).Put(collKey(entry.Collection, entry.ServerTimestamp, seq), seqKey(seq)); err != nil {
			return err
		}
		return tx.Bucket(bucketByDoc).Put(docKey(entry.Collection, entry.DocID, seq), seqKey(seq))
	})
	if err != nil {
		return 0, types.WrapError(types.ErrDurable, "sync_log_append_failed", "sync log append failed", err)
	}
	return seq, nil
}

// Since returns entries for a collection with server timestamp strictly
// greater than since, oldest first. limit <= 0 means no limit.
func (l *SyncLog) Since(collection string, since int64, limit int) ([]*types.SyncEntry, error) {
	var out []*types.SyncEntry
	err := l.db.View(func(tx *bolt.Tx) error {
		entries := tx.Bucket(bucketEntries)
		c := tx.Bucket(bucketByCollection).Cursor()
		prefix := append([]byte(collection), 0)
		// Seek past every entry at or before the watermark.
		seek := collKey(collection, since+1, 0)
		for k, seqRef := c.Seek(seek); k != nil && bytes.HasPrefix(k, prefix); k, seqRef = c.Next() {
			raw := entries.Get(seqRef)
			if raw == nil {
				continue
			}
			var entry types.SyncEntry
			if err := json.Unmarshal(raw, &entry); err != nil {
				return fmt.Errorf("unmarshal sync entry: %w", err)
			}
			out = append(out, &entry)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
		return nil
	})
	return out, err
}

// ForDoc returns the full retained history for one document, oldest
// first.
func (l *SyncLog) ForDoc(collection, docID string) ([]*types.SyncEntry, error) {
	var out []*types.SyncEntry
	err := l.db.View(func(tx *bolt.Tx) error {
		entries := tx.Bucket(bucketEntries)
		c := tx.Bucket(bucketByDoc).Cursor()
		prefix := append(append(append([]byte(collection), 0), docID...), 0)
		for k, seqRef := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, seqRef = c.Next() {
			raw := entries.Get(seqRef)
			if raw == nil {
				continue
			}
			var entry types.SyncEntry
			if err := json.Unmarshal(raw, &entry); err != nil {
				return fmt.Errorf("unmarshal sync entry: %w", err)
			}
			out = append(out, &entry)
		}
		return nil
	})
	return out, err
}

// TrimBefore drops entries with server timestamp older than cutoff.
// Returns the number removed. Used by compaction once snapshots cover
// the trimmed range.
func (l *SyncLog) TrimBefore(cutoff int64) (int, error) {
	removed := 0
	err := l.db.Update(func(tx *bolt.Tx) error {
		entries := tx.Bucket(bucketEntries)
		byColl := tx.Bucket(bucketByCollection)
		byDoc := tx.Bucket(bucketByDoc)

		c := entries.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var entry types.SyncEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return fmt.Errorf("unmarshal sync entry: %w", err)
			}
			if entry.ServerTimestamp >= cutoff {
				continue
			}
			if err := c.Delete(); err != nil {
				return err
			}
			if err := byColl.Delete(collKey(entry.Collection, entry.ServerTimestamp, entry.Seq)); err != nil {
				return err
			}
			if err := byDoc.Delete(docKey(entry.Collection, entry.DocID, entry.Seq)); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	return removed, err
}
