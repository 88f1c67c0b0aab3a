package types

import (
	"encoding/json"
	"time"

	"github.com/quillstore/quill/pkg/clock"
)

// Document is the stored row for one (collection, id) pair. Data holds
// either a serialized CRDT snapshot or raw JSON for non-CRDT collections.
type Document struct {
	ID        string          `json:"id"`
	Data      json.RawMessage `json:"data"`
	Version   uint64          `json:"version"`
	Deleted   bool            `json:"deleted"`
	DeletedAt int64           `json:"deleted_at,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// SyncEntry is one append-only sync-log record, used for
// resync-from-version and cross-server relay.
type SyncEntry struct {
	Seq             uint64          `json:"seq"`
	Collection      string          `json:"collection"`
	DocID           string          `json:"doc_id"`
	Operation       string          `json:"operation"` // insert|update|delete|crdt
	Data            json.RawMessage `json:"data"`
	ClientID        string          `json:"client_id,omitempty"`
	ServerTimestamp int64           `json:"server_timestamp"`
}

// PresenceState is the ephemeral participant record for one node in one
// document. Never persisted.
type PresenceState struct {
	NodeID    string          `json:"node_id"`
	UserInfo  json.RawMessage `json:"user_info,omitempty"`
	Cursor    json.RawMessage `json:"cursor,omitempty"`
	Selection json.RawMessage `json:"selection,omitempty"`
	LastSeen  int64           `json:"last_seen"`
}

// Snapshot bootstraps a fresh replica without replaying the full sync log.
type Snapshot struct {
	Clock        clock.Counters  `json:"clock"`
	Root         json.RawMessage `json:"root"`
	AppliedOpIDs []string        `json:"applied_op_ids"`
	Version      uint64          `json:"version"`
	TakenAt      int64           `json:"taken_at"`
}

// WriteOp enumerates buffered write intents.
type WriteOp string

const (
	WriteUpsert WriteOp = "upsert"
	WriteDelete WriteOp = "delete"
)

// BufferedWrite is one accepted, not-yet-flushed write. It is exactly the
// record shape that lands in the WAL.
type BufferedWrite struct {
	Collection string          `json:"c"`
	ID         string          `json:"id"`
	Op         WriteOp         `json:"op"`
	Value      json.RawMessage `json:"val,omitempty"`
	Version    uint64          `json:"v"`
	Timestamp  int64           `json:"ts"`
	// Deleted marks a soft-deleted row: the row stays durable with its
	// tombstone flag so resync can observe the deletion.
	Deleted bool `json:"del,omitempty"`
}
