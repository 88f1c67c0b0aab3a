package client

import (
	"encoding/json"
	"fmt"
	"strconv"
	"sync"

	"github.com/google/uuid"

	"github.com/quillstore/quill/pkg/crdt"
	"github.com/quillstore/quill/pkg/log"
	"github.com/quillstore/quill/pkg/types"
)

const (
	watermarkPrefix = "watermark/"
	viewPrefix      = "view/"
)

// Transport delivers client frames to the server. The WebSocket
// adapter implements it; tests use a recording stub.
type Transport interface {
	Send(msg *types.ClientMessage) error
}

// Conflict is an op of ours the server rejected, either during queue
// drain or as a direct error frame.
type Conflict struct {
	OpID    string
	Code    string
	Message string
}

// Options tunes the reconciler.
type Options struct {
	HistoryLimit int
	// BatchLimit caps ops per batch_sync frame during queue drain.
	BatchLimit int
	// OnConflict is called for every rejected queued op. May be nil.
	OnConflict func(Conflict)
}

func (o Options) withDefaults() Options {
	if o.HistoryLimit <= 0 {
		o.HistoryLimit = 1000
	}
	if o.BatchLimit <= 0 {
		o.BatchLimit = 100
	}
	return o
}

// Reconciler is the client-side sync layer: local CRDT replicas, a
// persistent offline queue, and the reconnect protocol that brings
// both back in line with the server.
type Reconciler struct {
	nodeID string
	store  Storage
	opts   Options

	mu         sync.Mutex
	docs       map[string]*crdt.Document
	queue      *queue
	watermarks map[string]int64
	transport  Transport
	online     bool
	draining   bool
}

// New loads the persisted queue and watermarks from the storage
// adapter. nodeID must be stable across restarts; it is the replica
// identity inside every CRDT op this client generates.
func New(nodeID string, store Storage, opts Options) (*Reconciler, error) {
	if nodeID == "" {
		return nil, types.NewError(types.ErrValidation, "missing_field", "node id is required")
	}
	q, err := loadQueue(store)
	if err != nil {
		return nil, err
	}
	r := &Reconciler{
		nodeID:     nodeID,
		store:      store,
		opts:       opts.withDefaults(),
		docs:       make(map[string]*crdt.Document),
		queue:      q,
		watermarks: make(map[string]int64),
	}
	keys, err := store.Keys(watermarkPrefix)
	if err != nil {
		return nil, err
	}
	for _, key := range keys {
		raw, err := store.Get(key)
		if err != nil {
			return nil, err
		}
		if ts, err := strconv.ParseInt(string(raw), 10, 64); err == nil {
			r.watermarks[key[len(watermarkPrefix):]] = ts
		}
	}
	return r, nil
}

func dk(collection, docID string) string { return collection + "/" + docID }

func (r *Reconciler) replica(collection, docID string) *crdt.Document {
	key := dk(collection, docID)
	doc := r.docs[key]
	if doc == nil {
		doc = crdt.NewDocument(r.nodeID, r.opts.HistoryLimit)
		r.docs[key] = doc
	}
	return doc
}

// Set applies a field write locally and queues (or sends) the resulting
// op.
func (r *Reconciler) Set(collection, docID string, path []string, value types.Value) error {
	return r.edit(collection, docID, func(doc *crdt.Document) error {
		_, err := doc.Set(path, value)
		return err
	})
}

// Delete removes a field locally and queues the op.
func (r *Reconciler) Delete(collection, docID string, path []string) error {
	return r.edit(collection, docID, func(doc *crdt.Document) error {
		_, err := doc.Delete(path)
		return err
	})
}

// ListInsert inserts into a list locally and queues the op.
func (r *Reconciler) ListInsert(collection, docID string, path []string, index int, value types.Value) error {
	return r.edit(collection, docID, func(doc *crdt.Document) error {
		_, err := doc.ListInsert(path, index, value)
		return err
	})
}

// ListDelete removes a list element locally and queues the op.
func (r *Reconciler) ListDelete(collection, docID string, path []string, index int) error {
	return r.edit(collection, docID, func(doc *crdt.Document) error {
		_, err := doc.ListDelete(path, index)
		return err
	})
}

// SetAdd adds a set member locally and queues the op.
func (r *Reconciler) SetAdd(collection, docID string, path []string, value types.Value) error {
	return r.edit(collection, docID, func(doc *crdt.Document) error {
		_, err := doc.SetAdd(path, value)
		return err
	})
}

// SetRemove removes a set member locally and queues the op.
func (r *Reconciler) SetRemove(collection, docID string, path []string, value types.Value) error {
	return r.edit(collection, docID, func(doc *crdt.Document) error {
		_, err := doc.SetRemove(path, value)
		return err
	})
}

// InsertDoc queues (or sends) a whole-document insert.
func (r *Reconciler) InsertDoc(collection, id string, data json.RawMessage) error {
	return r.mutateDoc(types.MsgInsert, collection, id, data)
}

// UpdateDoc replaces a document's fields wholesale.
func (r *Reconciler) UpdateDoc(collection, id string, data json.RawMessage) error {
	return r.mutateDoc(types.MsgUpdate, collection, id, data)
}

// MergeDoc overlays fields without touching absent ones.
func (r *Reconciler) MergeDoc(collection, id string, data json.RawMessage) error {
	return r.mutateDoc(types.MsgMerge, collection, id, data)
}

// DeleteDoc removes a document.
func (r *Reconciler) DeleteDoc(collection, id string) error {
	return r.mutateDoc(types.MsgDelete, collection, id, nil)
}

func (r *Reconciler) mutateDoc(typ, collection, id string, data json.RawMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := dk(collection, id)
	if typ == types.MsgDelete {
		delete(r.docs, key)
		if err := r.store.Delete(viewPrefix + key); err != nil {
			return err
		}
	} else if data != nil {
		// Keep the local view readable before the server echoes back.
		delete(r.docs, key)
		if err := r.store.Set(viewPrefix+key, data); err != nil {
			return err
		}
	}
	if r.online && r.transport != nil && !r.draining {
		err := r.transport.Send(&types.ClientMessage{
			Type:       typ,
			Collection: collection,
			ID:         id,
			Data:       data,
		})
		if err == nil {
			return nil
		}
		clientLog := log.WithComponent("client")
		clientLog.Warn().Err(err).Msg("send failed, queueing mutation")
		r.online = false
	}
	return r.queue.push(&QueuedOp{
		OpID:       uuid.NewString(),
		Type:       typ,
		Collection: collection,
		DocID:      id,
		Data:       data,
		QueuedAt:   types.NowMillis(),
	})
}

func (r *Reconciler) edit(collection, docID string, fn func(*crdt.Document) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	doc := r.replica(collection, docID)
	if err := fn(doc); err != nil {
		return err
	}
	ops := doc.FlushPendingOps()
	return r.dispatchLocked(collection, docID, ops)
}

// dispatchLocked sends ops immediately when online, otherwise queues
// them. A send failure flips the reconciler offline and falls back to
// the queue, so no local edit is ever lost.
func (r *Reconciler) dispatchLocked(collection, docID string, ops []types.Operation) error {
	if len(ops) == 0 {
		return nil
	}
	if r.online && r.transport != nil && !r.draining {
		raw, err := json.Marshal(ops)
		if err != nil {
			return fmt.Errorf("encode ops: %w", err)
		}
		err = r.transport.Send(&types.ClientMessage{
			Type:       types.MsgCRDTOps,
			Collection: collection,
			DocID:      docID,
			Operations: raw,
		})
		if err == nil {
			return nil
		}
		clientLog := log.WithComponent("client")
		clientLog.Warn().Err(err).Msg("send failed, queueing op")
		r.online = false
	}
	return r.queue.push(&QueuedOp{
		OpID:       uuid.NewString(),
		Type:       types.MsgCRDTOps,
		Collection: collection,
		DocID:      docID,
		Operations: ops,
		QueuedAt:   types.NowMillis(),
	})
}

// View returns the materialized local state of a document: the live
// replica when one exists, else the last server view received.
func (r *Reconciler) View(collection, docID string) (json.RawMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if doc, ok := r.docs[dk(collection, docID)]; ok {
		return json.Marshal(doc.ToObject())
	}
	raw, err := r.store.Get(viewPrefix + dk(collection, docID))
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, types.NewError(types.ErrNotFound, "doc_not_found",
			fmt.Sprintf("%s/%s not known locally", collection, docID))
	}
	return raw, nil
}

// QueueLen reports the pending offline ops.
func (r *Reconciler) QueueLen() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.queue.len()
}

// Watermark returns the last seen server time for a collection.
func (r *Reconciler) Watermark(collection string) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.watermarks[collection]
}

// Connect runs the reconnect protocol: resync every tracked collection
// from its watermark, then drain the offline queue through batch_sync.
func (r *Reconciler) Connect(transport Transport) error {
	r.mu.Lock()
	r.transport = transport
	r.online = true
	collections := make([]string, 0, len(r.watermarks))
	for c := range r.watermarks {
		collections = append(collections, c)
	}
	r.mu.Unlock()

	for _, collection := range collections {
		err := transport.Send(&types.ClientMessage{
			Type:       types.MsgSync,
			Collection: collection,
			Since:      r.Watermark(collection),
		})
		if err != nil {
			r.Disconnect()
			return err
		}
	}
	return r.drain()
}

// Disconnect marks the reconciler offline; edits queue from here on.
func (r *Reconciler) Disconnect() {
	r.mu.Lock()
	r.online = false
	r.draining = false
	r.mu.Unlock()
}

// drain sends the next batch of queued ops. The next batch goes out
// when batch_sync_ok acknowledges this one.
func (r *Reconciler) drain() error {
	r.mu.Lock()
	if !r.online || r.transport == nil || r.queue.len() == 0 {
		r.draining = false
		r.mu.Unlock()
		return nil
	}
	r.draining = true
	pending := r.queue.take(r.opts.BatchLimit)
	transport := r.transport
	r.mu.Unlock()

	batch := make([]types.BatchOp, 0, len(pending))
	for _, op := range pending {
		batch = append(batch, types.BatchOp{
			OpID:       op.OpID,
			Type:       op.Type,
			Collection: op.Collection,
			ID:         op.DocID,
			DocID:      op.DocID,
			Data:       op.Data,
			Operations: op.Operations,
		})
	}
	raw, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("encode batch: %w", err)
	}
	if err := transport.Send(&types.ClientMessage{Type: types.MsgBatchSync, Operations: raw}); err != nil {
		r.Disconnect()
		return err
	}
	return nil
}

// HandleServer processes one server frame: remote op application,
// resync responses, batch acks, and watermark advancement.
func (r *Reconciler) HandleServer(msg *types.ServerMessage) error {
	switch msg.Type {
	case types.MsgCRDTOps:
		return r.applyRemote(msg.Collection, msg.DocID, msg.Operations)
	case types.MsgSyncResponse:
		return r.applySync(msg)
	case types.MsgBatchSyncOK:
		return r.applyBatchResults(msg.Results)
	case types.MsgSync:
		// Collection-scope change summary broadcast by the server.
		return r.applySummary(msg)
	case types.MsgError:
		if msg.Code == "concurrent_write_rejected" {
			// The frame carries the state the server kept; adopt it so
			// the local view stops showing the rejected value.
			r.mu.Lock()
			key := dk(msg.Collection, msg.ID)
			if msg.Data != nil && !r.hasPendingLocked(msg.Collection, msg.ID) {
				delete(r.docs, key)
				if err := r.store.Set(viewPrefix+key, msg.Data); err != nil {
					r.mu.Unlock()
					return err
				}
			}
			r.mu.Unlock()
			if r.opts.OnConflict != nil {
				r.opts.OnConflict(Conflict{OpID: msg.OpID, Code: msg.Code, Message: msg.Message})
			}
		}
		return nil
	}
	return nil
}

func (r *Reconciler) applyRemote(collection, docID string, ops []types.Operation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	doc := r.replica(collection, docID)
	if _, err := doc.ApplyRemoteBatch(ops); err != nil {
		return err
	}
	return r.advanceLocked(collection, types.NowMillis())
}

// applySync folds a resync response in. Replicas with no local pending
// edits are replaced by the server view; dirty replicas keep local
// state, since their queued ops will merge server-side.
func (r *Reconciler) applySync(msg *types.ServerMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var newest int64
	for i := range msg.Changes {
		change := &msg.Changes[i]
		if change.Timestamp > newest {
			newest = change.Timestamp
		}
		key := dk(msg.Collection, change.DocID)
		if change.Operation == "delete" {
			delete(r.docs, key)
			if err := r.store.Delete(viewPrefix + key); err != nil {
				return err
			}
			continue
		}
		if r.hasPendingLocked(msg.Collection, change.DocID) {
			continue
		}
		delete(r.docs, key)
		if err := r.store.Set(viewPrefix+key, change.Data); err != nil {
			return err
		}
	}
	if newest > 0 {
		if err := r.advanceLocked(msg.Collection, newest); err != nil {
			return err
		}
	}
	return nil
}

func (r *Reconciler) applySummary(msg *types.ServerMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := dk(msg.Collection, msg.ID)
	if msg.Event == "delete" {
		delete(r.docs, key)
		if err := r.store.Delete(viewPrefix + key); err != nil {
			return err
		}
	} else if !r.hasPendingLocked(msg.Collection, msg.ID) {
		if err := r.store.Set(viewPrefix+key, msg.Data); err != nil {
			return err
		}
	}
	ts := msg.Timestamp
	if ts == 0 {
		ts = types.NowMillis()
	}
	return r.advanceLocked(msg.Collection, ts)
}

// applyBatchResults acks delivered ops, surfaces rejected ones, and
// keeps draining until the queue is empty.
func (r *Reconciler) applyBatchResults(results []types.BatchResult) error {
	r.mu.Lock()
	var conflicts []Conflict
	for i := range results {
		res := &results[i]
		if res.Code == "batch_aborted" {
			// Not a verdict on the op; it stays queued for the next
			// drain.
			continue
		}
		if !res.Success {
			conflicts = append(conflicts, Conflict{OpID: res.OpID, Code: res.Code, Message: res.Error})
		}
		if err := r.queue.ack(res.OpID); err != nil {
			r.mu.Unlock()
			return err
		}
	}
	onConflict := r.opts.OnConflict
	r.mu.Unlock()

	if onConflict != nil {
		for _, c := range conflicts {
			onConflict(c)
		}
	}
	return r.drain()
}

func (r *Reconciler) hasPendingLocked(collection, docID string) bool {
	for _, op := range r.queue.ops {
		if op.Collection == collection && op.DocID == docID {
			return true
		}
	}
	return false
}

func (r *Reconciler) advanceLocked(collection string, ts int64) error {
	if ts <= r.watermarks[collection] {
		return nil
	}
	r.watermarks[collection] = ts
	return r.store.Set(watermarkPrefix+collection, []byte(strconv.FormatInt(ts, 10)))
}

// Track registers a collection for resync on the next Connect, even
// before any change has been observed.
func (r *Reconciler) Track(collection string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.watermarks[collection]; !ok {
		r.watermarks[collection] = 0
	}
}
