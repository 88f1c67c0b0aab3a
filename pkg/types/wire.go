package types

import "encoding/json"

// Wire message type names. These are the external contract; adapters may
// not rename or restructure them.
const (
	MsgSubscribe      = "subscribe"
	MsgUnsubscribe    = "unsubscribe"
	MsgSubscribeDoc   = "subscribe_doc"
	MsgUnsubscribeDoc = "unsubscribe_doc"
	MsgCRDTGet        = "crdt_get"
	MsgCRDTState      = "crdt_state"
	MsgCRDTOps        = "crdt_ops"
	MsgCRDTSet        = "crdt_set"
	MsgCRDTListInsert = "crdt_list_insert"
	MsgCRDTListDelete = "crdt_list_delete"
	MsgCRDTSync       = "crdt_sync"
	MsgInsert         = "insert"
	MsgUpdate         = "update"
	MsgMerge          = "merge"
	MsgDelete         = "delete"
	MsgBatchSync      = "batch_sync"
	MsgBatchSyncOK    = "batch_sync_ok"
	MsgSync           = "sync"
	MsgSyncResponse   = "sync_response"
	MsgPresenceJoin   = "presence_join"
	MsgPresenceLeave  = "presence_leave"
	MsgPresenceCursor = "presence_cursor"
	MsgPresenceChange = "presence_changed"
	MsgPing           = "ping"
	MsgPong           = "pong"
	MsgConnected      = "connected"
	MsgSubscribed     = "subscribed"
	MsgUnsubscribed   = "unsubscribed"
	MsgInsertOK       = "insert_ok"
	MsgUpdateOK       = "update_ok"
	MsgDeleteOK       = "delete_ok"
	MsgError          = "error"
)

// ClientMessage is the decoded form of every client→server frame. Fields
// are populated per Type; unused fields stay zero.
type ClientMessage struct {
	Type       string          `json:"type"`
	Collection string          `json:"collection,omitempty"`
	DocID      string          `json:"docId,omitempty"`
	ID         string          `json:"id,omitempty"`
	OpID       string          `json:"opId,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
	Fields     json.RawMessage `json:"fields,omitempty"`
	Timestamp  *int64          `json:"timestamp,omitempty"`
	Since      int64           `json:"since,omitempty"`
	// Operations is []Operation for crdt_ops and []BatchOp for batch_sync;
	// the handler decodes it once the type is known.
	Operations json.RawMessage `json:"operations,omitempty"`
	Path       []string        `json:"path,omitempty"`
	Value      json.RawMessage `json:"value,omitempty"`
	Index      int             `json:"index,omitempty"`
	User       json.RawMessage `json:"user,omitempty"`
	Position   json.RawMessage `json:"position,omitempty"`
	Selection  json.RawMessage `json:"selection,omitempty"`
}

// BatchOp is one entry of a batch_sync request, applied atomically per op.
type BatchOp struct {
	OpID       string          `json:"opId"`
	Type       string          `json:"type"`
	Collection string          `json:"collection"`
	ID         string          `json:"id,omitempty"`
	DocID      string          `json:"docId,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
	Fields     json.RawMessage `json:"fields,omitempty"`
	Timestamp  *int64          `json:"timestamp,omitempty"`
	Operations []Operation     `json:"operations,omitempty"`
}

// BatchResult reports the per-op outcome of a batch_sync.
type BatchResult struct {
	Success bool   `json:"success"`
	OpID    string `json:"opId"`
	Version uint64 `json:"_version,omitempty"`
	Error   string `json:"error,omitempty"`
	Code    string `json:"code,omitempty"`
}

// SyncChange is one replayed mutation inside a sync_response.
type SyncChange struct {
	DocID     string          `json:"doc_id"`
	Operation string          `json:"operation"`
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"`
}

// ServerMessage is the encoded form of every server→client frame.
type ServerMessage struct {
	Type       string          `json:"type"`
	ClientID   string          `json:"clientId,omitempty"`
	ServerID   string          `json:"serverId,omitempty"`
	Collection string          `json:"collection,omitempty"`
	DocID      string          `json:"docId,omitempty"`
	ID         string          `json:"id,omitempty"`
	OpID       string          `json:"opId,omitempty"`
	Event      string          `json:"event,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
	State      json.RawMessage `json:"state,omitempty"`
	Operations []Operation     `json:"operations,omitempty"`
	Changes    []SyncChange    `json:"changes,omitempty"`
	Results    []BatchResult   `json:"results,omitempty"`
	Version    uint64          `json:"_version,omitempty"`
	NodeID     string          `json:"nodeId,omitempty"`
	Presence   json.RawMessage `json:"presence,omitempty"`
	Timestamp  int64           `json:"timestamp,omitempty"`
	ServerTime int64           `json:"serverTime,omitempty"`
	Time       int64           `json:"time,omitempty"`
	Message    string          `json:"message,omitempty"`
	Code       string          `json:"code,omitempty"`
}
