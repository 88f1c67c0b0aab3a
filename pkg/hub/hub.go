package hub

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quillstore/quill/pkg/crdt"
	"github.com/quillstore/quill/pkg/engine"
	"github.com/quillstore/quill/pkg/events"
	"github.com/quillstore/quill/pkg/log"
	"github.com/quillstore/quill/pkg/metrics"
	"github.com/quillstore/quill/pkg/presence"
	"github.com/quillstore/quill/pkg/storage"
	"github.com/quillstore/quill/pkg/types"
)

// stateKey is the reserved field that carries the CRDT snapshot inside
// a stored row; everything else in the row is the materialized view.
const stateKey = "_crdt"

// Options tunes the hub. Zero values take defaults.
type Options struct {
	HistoryLimit int
	QueueLimit   int
	PresenceTTL  time.Duration
	// SyncLimit caps the changes replayed per sync request.
	SyncLimit int
}

func (o Options) withDefaults() Options {
	if o.HistoryLimit <= 0 {
		o.HistoryLimit = 1000
	}
	if o.QueueLimit <= 0 {
		o.QueueLimit = defaultQueueLimit
	}
	if o.PresenceTTL <= 0 {
		o.PresenceTTL = 30 * time.Second
	}
	if o.SyncLimit <= 0 {
		o.SyncLimit = 500
	}
	return o
}

// docHandle serializes all mutation of one live document. The hub owns
// the CRDT state; sessions never touch it directly.
type docHandle struct {
	mu  sync.Mutex
	doc *crdt.Document
	// lastEdit is the server time of the last accepted document-level
	// mutation, used to reject writes carrying an older client timestamp.
	lastEdit int64
}

// Hub is the real-time sync core: it applies client mutations through
// the CRDT engine, persists the results through the write engine,
// appends to the sync log, and fans out broadcasts to subscribers.
type Hub struct {
	nodeID   string
	engine   *engine.Engine
	logStore *storage.SyncLog
	registry *Registry
	presence *presence.Tracker
	opts     Options

	mu       sync.Mutex
	sessions map[string]*Session
	docs     map[docKey]*docHandle

	relay   *events.Broker
	relayWg sync.WaitGroup
	stopCh  chan struct{}
}

// New creates the hub. logStore may be nil (sync replay then reports
// empty histories).
func New(nodeID string, eng *engine.Engine, logStore *storage.SyncLog, opts Options) *Hub {
	h := &Hub{
		nodeID:   nodeID,
		engine:   eng,
		logStore: logStore,
		registry: NewRegistry(),
		opts:     opts.withDefaults(),
		sessions: make(map[string]*Session),
		docs:     make(map[docKey]*docHandle),
		stopCh:   make(chan struct{}),
	}
	h.presence = presence.NewTracker(h.opts.PresenceTTL, h.onPresenceTimeout)
	return h
}

// Start runs the presence sweeper and marks the hub healthy.
func (h *Hub) Start() {
	h.presence.Start()
	metrics.RegisterComponent("hub", true, "")
}

// Stop halts the sweeper and relay loop and closes every session.
func (h *Hub) Stop() {
	close(h.stopCh)
	h.presence.Stop()
	h.relayWg.Wait()

	h.mu.Lock()
	sessions := make([]*Session, 0, len(h.sessions))
	for _, sess := range h.sessions {
		sessions = append(sessions, sess)
	}
	h.mu.Unlock()
	for _, sess := range sessions {
		sess.Close()
	}
}

// Connect registers a new client session and queues the connected
// handshake frame. An empty clientID gets a generated one.
func (h *Hub) Connect(clientID string) *Session {
	if clientID == "" {
		clientID = uuid.NewString()
	}
	sess := newSession(clientID, h.opts.QueueLimit)

	h.mu.Lock()
	h.sessions[clientID] = sess
	h.mu.Unlock()

	sess.Push(&types.ServerMessage{
		Type:       types.MsgConnected,
		ClientID:   clientID,
		ServerID:   h.nodeID,
		ServerTime: types.NowMillis(),
	})
	lg10 := log.WithClient(clientID)
	lg10.Debug().Msg("client connected")
	return sess
}

// Disconnect tears the session down: subscriptions dropped, presence
// leaves broadcast for every document it was joined to, queue closed.
func (h *Hub) Disconnect(sess *Session) {
	h.registry.DropSession(sess)

	for _, key := range h.presence.DocsOf(sess.ID) {
		h.presence.Leave(key, sess.ID)
		if k, ok := parseDocKey(key); ok {
			h.broadcastPresence(k, sess, "leave", sess.ID, nil)
		}
	}

	h.mu.Lock()
	delete(h.sessions, sess.ID)
	h.mu.Unlock()

	sess.Close()
	lg11 := log.WithClient(sess.ID)
	lg11.Debug().Msg("client disconnected")
}

// ClientCount implements metrics.HubSource.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// SubscriptionCounts implements metrics.HubSource.
func (h *Hub) SubscriptionCounts() (int, int) {
	return h.registry.Counts()
}

// PresenceCount implements metrics.HubSource.
func (h *Hub) PresenceCount() int {
	return h.presence.Count()
}

// Stats is the hub's point-in-time state summary.
type Stats struct {
	Clients         int `json:"clients"`
	CollectionSubs  int `json:"collection_subscriptions"`
	DocSubs         int `json:"doc_subscriptions"`
	Presence        int `json:"presence_participants"`
	LiveDocs        int `json:"live_docs"`
	BehindSessions  int `json:"behind_sessions"`
	QueuedBroadcast int `json:"queued_broadcasts"`
}

// GetStats reports connection, subscription, and backpressure state. A
// session counts as behind when the drop-oldest policy has discarded
// broadcasts it never saw.
func (h *Hub) GetStats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	st := Stats{
		Clients:  len(h.sessions),
		Presence: h.presence.Count(),
		LiveDocs: len(h.docs),
	}
	st.CollectionSubs, st.DocSubs = h.registry.Counts()
	for _, sess := range h.sessions {
		if sess.Behind() {
			st.BehindSessions++
		}
		st.QueuedBroadcast += sess.QueueLen()
	}
	return st
}

// Handle dispatches one decoded client frame. Errors become error
// frames on the session queue; the connection stays up.
func (h *Hub) Handle(sess *Session, msg *types.ClientMessage) {
	var err error
	switch msg.Type {
	case types.MsgSubscribe:
		err = h.handleSubscribe(sess, msg)
	case types.MsgUnsubscribe:
		h.registry.Unsubscribe(sess, msg.Collection)
		sess.Push(&types.ServerMessage{Type: types.MsgUnsubscribed, Collection: msg.Collection})
	case types.MsgSubscribeDoc:
		err = h.handleSubscribeDoc(sess, msg)
	case types.MsgUnsubscribeDoc:
		h.registry.UnsubscribeDoc(sess, docKey{msg.Collection, msg.DocID})
		sess.Push(&types.ServerMessage{Type: types.MsgUnsubscribed, Collection: msg.Collection, DocID: msg.DocID})
	case types.MsgInsert, types.MsgUpdate, types.MsgMerge, types.MsgDelete:
		err = h.handleMutation(sess, msg)
	case types.MsgCRDTGet:
		err = h.handleCRDTGet(sess, msg)
	case types.MsgCRDTOps:
		err = h.handleCRDTOps(sess, msg)
	case types.MsgCRDTSet, types.MsgCRDTListInsert, types.MsgCRDTListDelete:
		err = h.handleCRDTEdit(sess, msg)
	case types.MsgBatchSync:
		err = h.handleBatchSync(sess, msg)
	case types.MsgSync:
		err = h.handleSync(sess, msg)
	case types.MsgPresenceJoin, types.MsgPresenceLeave, types.MsgPresenceCursor:
		err = h.handlePresence(sess, msg)
	case types.MsgPing:
		sess.Push(&types.ServerMessage{Type: types.MsgPong, Time: types.NowMillis()})
	default:
		err = types.NewError(types.ErrValidation, "unknown_message_type",
			fmt.Sprintf("unknown message type %q", msg.Type))
	}
	if err != nil {
		h.pushError(sess, msg, err)
	}
}

func (h *Hub) pushError(sess *Session, msg *types.ClientMessage, err error) {
	lg12 := log.WithClient(sess.ID)
	lg12.Debug().Err(err).Str("msg_type", msg.Type).Msg("request failed")
	sess.Push(&types.ServerMessage{
		Type:       types.MsgError,
		Collection: msg.Collection,
		DocID:      msg.DocID,
		ID:         msg.ID,
		OpID:       msg.OpID,
		Message:    err.Error(),
		Code:       types.CodeOf(err),
	})
}

func (h *Hub) handleSubscribe(sess *Session, msg *types.ClientMessage) error {
	if err := types.ValidateCollection(msg.Collection); err != nil {
		return err
	}
	h.registry.Subscribe(sess, msg.Collection)
	sess.Push(&types.ServerMessage{Type: types.MsgSubscribed, Collection: msg.Collection})
	return nil
}

func (h *Hub) handleSubscribeDoc(sess *Session, msg *types.ClientMessage) error {
	if err := types.ValidateCollection(msg.Collection); err != nil {
		return err
	}
	if err := types.ValidateDocID(msg.DocID); err != nil {
		return err
	}
	h.registry.SubscribeDoc(sess, docKey{msg.Collection, msg.DocID})
	sess.Push(&types.ServerMessage{Type: types.MsgSubscribed, Collection: msg.Collection, DocID: msg.DocID})
	return nil
}

// getHandle returns the live handle for a document, loading it from the
// engine or creating a fresh replica. The hub lock is never held across
// the engine read.
func (h *Hub) getHandle(key docKey, create bool) (*docHandle, error) {
	h.mu.Lock()
	if dh, ok := h.docs[key]; ok {
		h.mu.Unlock()
		return dh, nil
	}
	h.mu.Unlock()

	var doc *crdt.Document
	row, err := h.engine.Get(key.collection, key.docID, false)
	switch {
	case err == nil:
		doc, err = decodeDocState(h.nodeID, h.opts.HistoryLimit, row.Data)
		if err != nil {
			return nil, err
		}
		doc.SetVersion(row.Version)
	case types.IsKind(err, types.ErrNotFound):
		if !create {
			return nil, err
		}
		doc = crdt.NewDocument(h.nodeID, h.opts.HistoryLimit)
	default:
		return nil, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if existing, ok := h.docs[key]; ok {
		return existing, nil
	}
	dh := &docHandle{doc: doc}
	if row != nil {
		dh.lastEdit = row.UpdatedAt.UnixMilli()
	}
	h.docs[key] = dh
	return dh, nil
}

func (h *Hub) dropHandle(key docKey) {
	h.mu.Lock()
	delete(h.docs, key)
	h.mu.Unlock()
}

// handleMutation serves insert, update, merge and delete. All four
// route through the CRDT document so concurrent edits to the same doc
// resolve identically everywhere.
func (h *Hub) handleMutation(sess *Session, msg *types.ClientMessage) error {
	id := msg.ID
	if id == "" {
		id = msg.DocID
	}
	if msg.Type == types.MsgInsert && id == "" {
		id = uuid.NewString()
	}
	data := msg.Data
	if data == nil {
		data = msg.Fields
	}
	version, view, err := h.applyMutation(sess, msg.Type, msg.Collection, id, data, msg.Timestamp)
	if err != nil {
		if types.CodeOf(err) == "concurrent_write_rejected" && view != nil {
			// The rejected writer gets the server-preferred state so its
			// reconciler can surface the conflict.
			sess.Push(&types.ServerMessage{
				Type:       types.MsgError,
				Code:       "concurrent_write_rejected",
				Message:    err.Error(),
				Collection: msg.Collection,
				ID:         id,
				OpID:       msg.OpID,
				Data:       view,
				ServerTime: types.NowMillis(),
			})
			return nil
		}
		return err
	}

	ack := &types.ServerMessage{
		Collection: msg.Collection,
		ID:         id,
		OpID:       msg.OpID,
		Version:    version,
		ServerTime: types.NowMillis(),
	}
	switch msg.Type {
	case types.MsgInsert:
		ack.Type = types.MsgInsertOK
		ack.Data = view
	case types.MsgDelete:
		ack.Type = types.MsgDeleteOK
	default:
		ack.Type = types.MsgUpdateOK
		ack.Data = view
	}
	sess.Push(ack)
	return nil
}

// applyMutation performs one document-level mutation and returns the
// new version and materialized view. A non-nil ts older than the
// document's last accepted edit rejects the write; the returned view is
// then the server-preferred state.
func (h *Hub) applyMutation(sess *Session, kind, collection, id string, data json.RawMessage, ts *int64) (uint64, json.RawMessage, error) {
	if err := types.ValidateCollection(collection); err != nil {
		return 0, nil, err
	}
	if err := types.ValidateDocID(id); err != nil {
		return 0, nil, err
	}
	key := docKey{collection, id}

	if kind == types.MsgDelete {
		return h.applyDelete(sess, key, ts)
	}

	var fields map[string]types.Value
	if data != nil {
		val, err := types.FromJSON(data)
		if err != nil {
			return 0, nil, types.WrapError(types.ErrValidation, "invalid_data", "document data must be a JSON object", err)
		}
		if val.Kind != types.KindObject {
			return 0, nil, types.NewError(types.ErrValidation, "invalid_data", "document data must be a JSON object")
		}
		fields = val.Obj
	}

	if kind == types.MsgInsert {
		if _, err := h.engine.Get(collection, id, false); err == nil {
			return 0, nil, types.NewError(types.ErrConflict, "doc_exists",
				fmt.Sprintf("%s/%s already exists", collection, id))
		} else if !types.IsKind(err, types.ErrNotFound) {
			return 0, nil, err
		}
	}

	dh, err := h.getHandle(key, kind == types.MsgInsert || kind == types.MsgMerge)
	if err != nil {
		return 0, nil, err
	}

	dh.mu.Lock()
	defer dh.mu.Unlock()

	if ts != nil && kind != types.MsgInsert && *ts < dh.lastEdit {
		view, verr := json.Marshal(dh.doc.ToObject())
		if verr != nil {
			view = nil
		}
		return 0, view, types.NewError(types.ErrConflict, "concurrent_write_rejected",
			fmt.Sprintf("%s/%s was modified at %d, after the supplied timestamp %d",
				collection, id, dh.lastEdit, *ts))
	}

	if kind == types.MsgUpdate {
		// Replace semantics: top-level fields absent from the new data
		// are deleted.
		current := dh.doc.ToObject()
		for field := range current.Obj {
			if _, keep := fields[field]; !keep {
				if _, err := dh.doc.Delete([]string{field}); err != nil {
					return 0, nil, err
				}
			}
		}
	}
	for field, val := range fields {
		if _, err := dh.doc.Set([]string{field}, val); err != nil {
			return 0, nil, err
		}
	}
	ops := dh.doc.FlushPendingOps()

	version, view, err := h.commitDoc(key, dh, sess, opName(kind))
	if err != nil {
		return 0, nil, err
	}
	h.broadcastOps(key, nil, ops, version)
	h.publishRelay(key, ops, version)
	return version, view, nil
}

func opName(msgType string) string {
	switch msgType {
	case types.MsgInsert:
		return "insert"
	case types.MsgDelete:
		return "delete"
	}
	return "update"
}

func (h *Hub) applyDelete(sess *Session, key docKey, ts *int64) (uint64, json.RawMessage, error) {
	dh, err := h.getHandle(key, false)
	if err != nil {
		return 0, nil, err
	}

	dh.mu.Lock()
	if ts != nil && *ts < dh.lastEdit {
		view, verr := json.Marshal(dh.doc.ToObject())
		lastEdit := dh.lastEdit
		dh.mu.Unlock()
		if verr != nil {
			view = nil
		}
		return 0, view, types.NewError(types.ErrConflict, "concurrent_write_rejected",
			fmt.Sprintf("%s/%s was modified at %d, after the supplied timestamp %d",
				key.collection, key.docID, lastEdit, *ts))
	}
	version := dh.doc.BumpVersion()
	state, encErr := encodeDocState(dh.doc)
	dh.mu.Unlock()
	if encErr != nil {
		return 0, nil, encErr
	}

	if err := h.engine.SoftDelete(key.collection, key.docID, state, version); err != nil {
		return 0, nil, err
	}
	h.dropHandle(key)
	h.appendSyncLog(key, "delete", nil, sess)

	now := types.NowMillis()
	summary := &types.ServerMessage{
		Type:       types.MsgSync,
		Event:      "delete",
		Collection: key.collection,
		ID:         key.docID,
		DocID:      key.docID,
		Version:    version,
		Timestamp:  now,
	}
	h.broadcastCollection(key.collection, sess, summary)
	h.broadcastDoc(key, sess, summary)
	return version, nil, nil
}

// commitDoc persists the document, appends the sync log entry, and
// broadcasts the state summary to collection subscribers. The caller
// holds the handle lock.
func (h *Hub) commitDoc(key docKey, dh *docHandle, sess *Session, operation string) (uint64, json.RawMessage, error) {
	version := dh.doc.BumpVersion()
	state, err := encodeDocState(dh.doc)
	if err != nil {
		return 0, nil, err
	}
	if err := h.engine.Upsert(key.collection, key.docID, state, version); err != nil {
		return 0, nil, err
	}

	view, err := json.Marshal(dh.doc.ToObject())
	if err != nil {
		return 0, nil, fmt.Errorf("marshal view: %w", err)
	}
	h.appendSyncLog(key, operation, view, sess)
	now := types.NowMillis()
	dh.lastEdit = now

	// Collection subscribers see a state summary as a "sync" frame with
	// the mutation in the event field; "crdt" is a sync-log operation,
	// not a wire event.
	event := operation
	if event == "crdt" {
		event = "update"
	}
	h.broadcastCollection(key.collection, sess, &types.ServerMessage{
		Type:       types.MsgSync,
		Event:      event,
		Collection: key.collection,
		ID:         key.docID,
		DocID:      key.docID,
		Data:       view,
		Version:    version,
		Timestamp:  now,
	})
	return version, view, nil
}

func (h *Hub) appendSyncLog(key docKey, operation string, data json.RawMessage, sess *Session) {
	if h.logStore == nil {
		return
	}
	entry := &types.SyncEntry{
		Collection:      key.collection,
		DocID:           key.docID,
		Operation:       operation,
		Data:            data,
		ServerTimestamp: types.NowMillis(),
	}
	if sess != nil {
		entry.ClientID = sess.ID
	}
	if _, err := h.logStore.Append(entry); err != nil {
		lg13 := log.WithDoc(key.collection, key.docID)
		lg13.Error().Err(err).Msg("sync log append failed")
	}
}

func (h *Hub) handleCRDTGet(sess *Session, msg *types.ClientMessage) error {
	if err := types.ValidateCollection(msg.Collection); err != nil {
		return err
	}
	if err := types.ValidateDocID(msg.DocID); err != nil {
		return err
	}
	// A get creates an empty replica; nothing persists until the first
	// mutation.
	dh, err := h.getHandle(docKey{msg.Collection, msg.DocID}, true)
	if err != nil {
		return err
	}
	dh.mu.Lock()
	view, err := json.Marshal(dh.doc.ToObject())
	version := dh.doc.Version()
	dh.mu.Unlock()
	if err != nil {
		return fmt.Errorf("marshal view: %w", err)
	}
	sess.Push(&types.ServerMessage{
		Type:       types.MsgCRDTState,
		Collection: msg.Collection,
		DocID:      msg.DocID,
		State:      view,
		Version:    version,
		ServerTime: types.NowMillis(),
	})
	return nil
}

// handleCRDTOps applies a batch of client-generated operations.
// Duplicates are skipped by the applied-op history, so redelivery after
// reconnect is harmless.
func (h *Hub) handleCRDTOps(sess *Session, msg *types.ClientMessage) error {
	var ops []types.Operation
	if err := json.Unmarshal(msg.Operations, &ops); err != nil {
		return types.WrapError(types.ErrValidation, "invalid_operations", "decode operations", err)
	}
	version, err := h.applyRemoteOps(sess, docKey{msg.Collection, msg.DocID}, ops)
	if err != nil {
		return err
	}
	sess.Push(&types.ServerMessage{
		Type:       types.MsgCRDTSync,
		Collection: msg.Collection,
		DocID:      msg.DocID,
		Version:    version,
		ServerTime: types.NowMillis(),
	})
	return nil
}

// applyRemoteOps is the shared path for client ops and relayed ops.
// origin is excluded from the doc broadcast.
func (h *Hub) applyRemoteOps(origin *Session, key docKey, ops []types.Operation) (uint64, error) {
	if err := types.ValidateCollection(key.collection); err != nil {
		return 0, err
	}
	if err := types.ValidateDocID(key.docID); err != nil {
		return 0, err
	}
	if len(ops) == 0 {
		return 0, types.NewError(types.ErrValidation, "missing_field", "operations are required")
	}

	dh, err := h.getHandle(key, true)
	if err != nil {
		return 0, err
	}
	dh.mu.Lock()
	applied, err := dh.doc.ApplyRemoteBatch(ops)
	if err != nil {
		dh.mu.Unlock()
		return 0, err
	}
	if applied == 0 {
		// Full replay; ack with the current version, nothing to
		// persist or broadcast.
		version := dh.doc.Version()
		dh.mu.Unlock()
		return version, nil
	}
	for i := range ops {
		metrics.CRDTOpsApplied.WithLabelValues(string(ops[i].Type)).Inc()
	}
	version, _, err := h.commitDoc(key, dh, origin, "crdt")
	dh.mu.Unlock()
	if err != nil {
		return 0, err
	}
	h.broadcastOps(key, origin, ops, version)
	h.publishRelay(key, ops, version)
	return version, nil
}

// handleCRDTEdit serves path-level edits (set, list insert, list
// delete). The server authors the operation, so the originator receives
// the broadcast too; its local replica needs the op like everyone else.
func (h *Hub) handleCRDTEdit(sess *Session, msg *types.ClientMessage) error {
	if len(msg.Path) == 0 {
		return types.NewError(types.ErrValidation, "missing_field", "path is required")
	}
	key := docKey{msg.Collection, msg.DocID}
	dh, err := h.getHandle(key, true)
	if err != nil {
		return err
	}

	dh.mu.Lock()
	switch msg.Type {
	case types.MsgCRDTSet:
		var val types.Value
		if msg.Value != nil {
			if val, err = types.FromJSON(msg.Value); err != nil {
				err = types.WrapError(types.ErrValidation, "invalid_data", "decode value", err)
			}
		}
		if err == nil {
			_, err = dh.doc.Set(msg.Path, val)
		}
	case types.MsgCRDTListInsert:
		var val types.Value
		if val, err = types.FromJSON(msg.Value); err != nil {
			err = types.WrapError(types.ErrValidation, "invalid_data", "decode value", err)
		} else {
			_, err = dh.doc.ListInsert(msg.Path, msg.Index, val)
		}
	case types.MsgCRDTListDelete:
		_, err = dh.doc.ListDelete(msg.Path, msg.Index)
	}
	if err != nil {
		dh.mu.Unlock()
		return err
	}
	ops := dh.doc.FlushPendingOps()
	version, _, err := h.commitDoc(key, dh, sess, "crdt")
	dh.mu.Unlock()
	if err != nil {
		return err
	}

	h.broadcastOps(key, nil, ops, version)
	h.publishRelay(key, ops, version)
	sess.Push(&types.ServerMessage{
		Type:       types.MsgCRDTSync,
		Collection: key.collection,
		DocID:      key.docID,
		Version:    version,
		ServerTime: types.NowMillis(),
	})
	return nil
}

// handleBatchSync applies a client's offline queue. Each op is atomic
// on its own; a durable error aborts the remainder and the results
// report partial success.
func (h *Hub) handleBatchSync(sess *Session, msg *types.ClientMessage) error {
	var batch []types.BatchOp
	if err := json.Unmarshal(msg.Operations, &batch); err != nil {
		return types.WrapError(types.ErrValidation, "invalid_operations", "decode batch", err)
	}

	results := make([]types.BatchResult, 0, len(batch))
	aborted := false
	for i := range batch {
		op := &batch[i]
		if aborted {
			results = append(results, types.BatchResult{
				OpID: op.OpID, Error: "batch aborted", Code: "batch_aborted",
			})
			continue
		}
		version, err := h.applyBatchOp(sess, op)
		if err != nil {
			results = append(results, types.BatchResult{
				OpID:  op.OpID,
				Error: err.Error(),
				Code:  types.CodeOf(err),
			})
			if types.IsKind(err, types.ErrDurable) {
				aborted = true
			}
			continue
		}
		results = append(results, types.BatchResult{Success: true, OpID: op.OpID, Version: version})
	}

	sess.Push(&types.ServerMessage{
		Type:       types.MsgBatchSyncOK,
		Results:    results,
		ServerTime: types.NowMillis(),
	})
	return nil
}

func (h *Hub) applyBatchOp(sess *Session, op *types.BatchOp) (uint64, error) {
	id := op.ID
	if id == "" {
		id = op.DocID
	}
	data := op.Data
	if data == nil {
		data = op.Fields
	}
	switch op.Type {
	case types.MsgInsert, types.MsgUpdate, types.MsgMerge, types.MsgDelete:
		version, _, err := h.applyMutation(sess, op.Type, op.Collection, id, data, op.Timestamp)
		return version, err
	case types.MsgCRDTOps:
		return h.applyRemoteOps(sess, docKey{op.Collection, id}, op.Operations)
	}
	return 0, types.NewError(types.ErrValidation, "unknown_message_type",
		fmt.Sprintf("unknown batch op type %q", op.Type))
}

// handleSync replays the mutation log for a collection past the
// client's watermark. This is also how a subscriber marked behind
// catches up.
func (h *Hub) handleSync(sess *Session, msg *types.ClientMessage) error {
	if err := types.ValidateCollection(msg.Collection); err != nil {
		return err
	}
	var changes []types.SyncChange
	if h.logStore != nil {
		entries, err := h.logStore.Since(msg.Collection, msg.Since, h.opts.SyncLimit)
		if err != nil {
			return err
		}
		changes = make([]types.SyncChange, 0, len(entries))
		for _, entry := range entries {
			changes = append(changes, types.SyncChange{
				DocID:     entry.DocID,
				Operation: entry.Operation,
				Data:      entry.Data,
				Timestamp: entry.ServerTimestamp,
			})
		}
	}
	sess.clearBehind()
	sess.Push(&types.ServerMessage{
		Type:       types.MsgSyncResponse,
		Collection: msg.Collection,
		Changes:    changes,
		ServerTime: types.NowMillis(),
	})
	return nil
}

func (h *Hub) handlePresence(sess *Session, msg *types.ClientMessage) error {
	if err := types.ValidateCollection(msg.Collection); err != nil {
		return err
	}
	if err := types.ValidateDocID(msg.DocID); err != nil {
		return err
	}
	key := docKey{msg.Collection, msg.DocID}

	switch msg.Type {
	case types.MsgPresenceJoin:
		list := h.presence.Join(key.String(), sess.ID, msg.User)
		h.broadcastPresence(key, sess, "join", sess.ID, msg.User)
		// The joiner gets the full participant list.
		roster, err := json.Marshal(list)
		if err != nil {
			return fmt.Errorf("marshal presence: %w", err)
		}
		sess.Push(&types.ServerMessage{
			Type:       types.MsgPresenceChange,
			Collection: key.collection,
			DocID:      key.docID,
			Event:      "state",
			Presence:   roster,
		})
	case types.MsgPresenceLeave:
		if h.presence.Leave(key.String(), sess.ID) {
			h.broadcastPresence(key, sess, "leave", sess.ID, nil)
		}
	case types.MsgPresenceCursor:
		if !h.presence.Update(key.String(), sess.ID, msg.Position, msg.Selection) {
			return types.NewError(types.ErrNotFound, "not_joined",
				fmt.Sprintf("client is not joined to %s", key))
		}
		payload, err := json.Marshal(map[string]json.RawMessage{
			"position":  msg.Position,
			"selection": msg.Selection,
		})
		if err != nil {
			return fmt.Errorf("marshal cursor: %w", err)
		}
		h.broadcastPresence(key, sess, "cursor", sess.ID, payload)
	}
	return nil
}

// onPresenceTimeout broadcasts a synthetic leave for a swept
// participant.
func (h *Hub) onPresenceTimeout(dk, nodeID string) {
	if key, ok := parseDocKey(dk); ok {
		h.broadcastPresence(key, nil, "leave", nodeID, nil)
	}
}

func (h *Hub) broadcastPresence(key docKey, except *Session, event, nodeID string, payload json.RawMessage) {
	h.broadcastDoc(key, except, &types.ServerMessage{
		Type:       types.MsgPresenceChange,
		Collection: key.collection,
		DocID:      key.docID,
		Event:      event,
		NodeID:     nodeID,
		Presence:   payload,
		Timestamp:  types.NowMillis(),
	})
}

// broadcastOps fans client-visible operations out to the document's
// subscribers, excluding the originator when the ops are its own.
func (h *Hub) broadcastOps(key docKey, except *Session, ops []types.Operation, version uint64) {
	if len(ops) == 0 {
		return
	}
	h.broadcastDoc(key, except, &types.ServerMessage{
		Type:       types.MsgCRDTOps,
		Collection: key.collection,
		DocID:      key.docID,
		Operations: ops,
		Version:    version,
		Timestamp:  types.NowMillis(),
	})
}

func (h *Hub) broadcastDoc(key docKey, except *Session, msg *types.ServerMessage) {
	for _, sub := range h.registry.DocSubscribers(key) {
		if sub == except {
			continue
		}
		sub.Push(msg)
		metrics.BroadcastsTotal.Inc()
	}
}

func (h *Hub) broadcastCollection(collection string, except *Session, msg *types.ServerMessage) {
	for _, sub := range h.registry.CollectionSubscribers(collection) {
		if sub == except {
			continue
		}
		sub.Push(msg)
		metrics.BroadcastsTotal.Inc()
	}
}

// parseDocKey splits "collection/docID"; doc ids may contain slashes,
// collections may not.
func parseDocKey(s string) (docKey, bool) {
	for i := 0; i < len(s); i++ {
		if s[i] == '/' {
			return docKey{s[:i], s[i+1:]}, true
		}
	}
	return docKey{}, false
}

// encodeDocState serializes a document as its stored row: the
// materialized view with the snapshot under the reserved key.
func encodeDocState(doc *crdt.Document) (json.RawMessage, error) {
	snap, err := doc.Snapshot()
	if err != nil {
		return nil, err
	}
	view := doc.ToObject().ToAny()
	obj, ok := view.(map[string]any)
	if !ok {
		obj = make(map[string]any)
	}
	obj[stateKey] = snap
	raw, err := json.Marshal(obj)
	if err != nil {
		return nil, fmt.Errorf("marshal doc state: %w", err)
	}
	return raw, nil
}

// decodeDocState rebuilds a document from a stored row.
func decodeDocState(nodeID string, historyLimit int, raw json.RawMessage) (*crdt.Document, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("decode doc state: %w", err)
	}
	snapRaw, ok := obj[stateKey]
	if !ok {
		return nil, types.NewError(types.ErrIntegrity, "missing_snapshot",
			"stored row has no crdt snapshot")
	}
	return crdt.LoadDocument(nodeID, historyLimit, snapRaw)
}

// MaterializedView strips the internal snapshot from a stored row,
// leaving the client-visible document data.
func MaterializedView(raw json.RawMessage) json.RawMessage {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return raw
	}
	delete(obj, stateKey)
	out, err := json.Marshal(obj)
	if err != nil {
		return raw
	}
	return out
}
