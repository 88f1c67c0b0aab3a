package client

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quillstore/quill/pkg/crdt"
	"github.com/quillstore/quill/pkg/types"
)

// stubTransport records sent frames and can be told to fail.
type stubTransport struct {
	sent []*types.ClientMessage
	fail bool
}

func (t *stubTransport) Send(msg *types.ClientMessage) error {
	if t.fail {
		return errors.New("connection reset")
	}
	t.sent = append(t.sent, msg)
	return nil
}

func (t *stubTransport) byType(typ string) []*types.ClientMessage {
	var out []*types.ClientMessage
	for _, m := range t.sent {
		if m.Type == typ {
			out = append(out, m)
		}
	}
	return out
}

func newRec(t *testing.T, store Storage, opts Options) *Reconciler {
	t.Helper()
	r, err := New("client-a", store, opts)
	require.NoError(t, err)
	return r
}

func TestOfflineEditsQueueAndSurviveRestart(t *testing.T) {
	store := NewMemoryStorage()
	r := newRec(t, store, Options{})

	require.NoError(t, r.Set("notes", "d1", []string{"title"}, types.StringValue("draft")))
	require.NoError(t, r.ListInsert("notes", "d1", []string{"tags"}, 0, types.StringValue("go")))
	assert.Equal(t, 2, r.QueueLen())

	// Local view reflects the unsent edits.
	view, err := r.View("notes", "d1")
	require.NoError(t, err)
	var obj map[string]any
	require.NoError(t, json.Unmarshal(view, &obj))
	assert.Equal(t, "draft", obj["title"])

	// A fresh reconciler over the same storage sees the queue.
	r2 := newRec(t, store, Options{})
	assert.Equal(t, 2, r2.QueueLen())
}

func TestQueueCompactsRepeatedFieldSets(t *testing.T) {
	r := newRec(t, NewMemoryStorage(), Options{})

	for i := 0; i < 50; i++ {
		require.NoError(t, r.Set("notes", "d1", []string{"slider"}, types.IntValue(int64(i))))
	}
	assert.Equal(t, 1, r.QueueLen())

	// A different path breaks the run.
	require.NoError(t, r.Set("notes", "d1", []string{"other"}, types.IntValue(1)))
	require.NoError(t, r.Set("notes", "d1", []string{"slider"}, types.IntValue(99)))
	assert.Equal(t, 3, r.QueueLen())
}

func TestOnlineEditsSendImmediately(t *testing.T) {
	r := newRec(t, NewMemoryStorage(), Options{})
	tr := &stubTransport{}
	require.NoError(t, r.Connect(tr))

	require.NoError(t, r.Set("notes", "d1", []string{"title"}, types.StringValue("live")))
	assert.Equal(t, 0, r.QueueLen())

	frames := tr.byType(types.MsgCRDTOps)
	require.Len(t, frames, 1)
	assert.Equal(t, "notes", frames[0].Collection)
	assert.Equal(t, "d1", frames[0].DocID)

	var ops []types.Operation
	require.NoError(t, json.Unmarshal(frames[0].Operations, &ops))
	require.Len(t, ops, 1)
	assert.Equal(t, types.OpMapSet, ops[0].Type)
}

func TestSendFailureFallsBackToQueue(t *testing.T) {
	r := newRec(t, NewMemoryStorage(), Options{})
	tr := &stubTransport{}
	require.NoError(t, r.Connect(tr))

	tr.fail = true
	require.NoError(t, r.Set("notes", "d1", []string{"title"}, types.StringValue("x")))
	assert.Equal(t, 1, r.QueueLen())

	// The reconciler went offline; further edits queue without sending.
	tr.fail = false
	require.NoError(t, r.Set("notes", "d1", []string{"body"}, types.StringValue("y")))
	assert.Equal(t, 2, r.QueueLen())
	assert.Empty(t, tr.byType(types.MsgCRDTOps))
}

func TestConnectResyncsAndDrainsInBatches(t *testing.T) {
	r := newRec(t, NewMemoryStorage(), Options{BatchLimit: 2})
	r.Track("notes")

	require.NoError(t, r.Set("notes", "d1", []string{"a"}, types.IntValue(1)))
	require.NoError(t, r.Set("notes", "d1", []string{"b"}, types.IntValue(2)))
	require.NoError(t, r.Set("notes", "d2", []string{"c"}, types.IntValue(3)))
	require.Equal(t, 3, r.QueueLen())

	tr := &stubTransport{}
	require.NoError(t, r.Connect(tr))

	syncs := tr.byType(types.MsgSync)
	require.Len(t, syncs, 1)
	assert.Equal(t, "notes", syncs[0].Collection)

	batches := tr.byType(types.MsgBatchSync)
	require.Len(t, batches, 1)
	var first []types.BatchOp
	require.NoError(t, json.Unmarshal(batches[0].Operations, &first))
	require.Len(t, first, 2)

	// Ack the first batch; the second goes out and empties the queue.
	results := make([]types.BatchResult, 0, 2)
	for _, op := range first {
		results = append(results, types.BatchResult{Success: true, OpID: op.OpID})
	}
	require.NoError(t, r.HandleServer(&types.ServerMessage{Type: types.MsgBatchSyncOK, Results: results}))
	assert.Equal(t, 1, r.QueueLen())

	batches = tr.byType(types.MsgBatchSync)
	require.Len(t, batches, 2)
	var second []types.BatchOp
	require.NoError(t, json.Unmarshal(batches[1].Operations, &second))
	require.Len(t, second, 1)

	require.NoError(t, r.HandleServer(&types.ServerMessage{
		Type:    types.MsgBatchSyncOK,
		Results: []types.BatchResult{{Success: true, OpID: second[0].OpID}},
	}))
	assert.Equal(t, 0, r.QueueLen())
}

func TestRejectedOpsSurfaceAsConflicts(t *testing.T) {
	var conflicts []Conflict
	r := newRec(t, NewMemoryStorage(), Options{
		OnConflict: func(c Conflict) { conflicts = append(conflicts, c) },
	})
	require.NoError(t, r.InsertDoc("notes", "d1", json.RawMessage(`{"title":"dup"}`)))
	require.Equal(t, 1, r.QueueLen())

	tr := &stubTransport{}
	require.NoError(t, r.Connect(tr))
	batches := tr.byType(types.MsgBatchSync)
	require.Len(t, batches, 1)
	var ops []types.BatchOp
	require.NoError(t, json.Unmarshal(batches[0].Operations, &ops))

	require.NoError(t, r.HandleServer(&types.ServerMessage{
		Type: types.MsgBatchSyncOK,
		Results: []types.BatchResult{{
			Success: false, OpID: ops[0].OpID, Code: "doc_exists", Error: "notes/d1 already exists",
		}},
	}))

	// Rejected, not retried.
	assert.Equal(t, 0, r.QueueLen())
	require.Len(t, conflicts, 1)
	assert.Equal(t, "doc_exists", conflicts[0].Code)
}

func TestBatchAbortedOpsStayQueued(t *testing.T) {
	r := newRec(t, NewMemoryStorage(), Options{})
	require.NoError(t, r.InsertDoc("notes", "d1", json.RawMessage(`{"a":1}`)))
	require.NoError(t, r.InsertDoc("notes", "d2", json.RawMessage(`{"b":2}`)))

	tr := &stubTransport{}
	require.NoError(t, r.Connect(tr))
	var ops []types.BatchOp
	require.NoError(t, json.Unmarshal(tr.byType(types.MsgBatchSync)[0].Operations, &ops))
	require.Len(t, ops, 2)

	require.NoError(t, r.HandleServer(&types.ServerMessage{
		Type: types.MsgBatchSyncOK,
		Results: []types.BatchResult{
			{Success: true, OpID: ops[0].OpID},
			{Success: false, OpID: ops[1].OpID, Code: "batch_aborted", Error: "storage unavailable"},
		},
	}))

	// The aborted op survives for the next drain.
	assert.Equal(t, 1, r.QueueLen())
}

func TestRemoteOpsApplyToReplica(t *testing.T) {
	r := newRec(t, NewMemoryStorage(), Options{})

	server := crdt.NewDocument("server", 100)
	_, err := server.Set([]string{"title"}, types.StringValue("from server"))
	require.NoError(t, err)
	ops := server.FlushPendingOps()

	require.NoError(t, r.HandleServer(&types.ServerMessage{
		Type:       types.MsgCRDTOps,
		Collection: "notes",
		DocID:      "d1",
		Operations: ops,
	}))

	view, err := r.View("notes", "d1")
	require.NoError(t, err)
	var obj map[string]any
	require.NoError(t, json.Unmarshal(view, &obj))
	assert.Equal(t, "from server", obj["title"])
}

func TestSyncResponseReplacesCleanReplicasOnly(t *testing.T) {
	store := NewMemoryStorage()
	r := newRec(t, store, Options{})

	// d1 has a queued local edit; d2 does not.
	require.NoError(t, r.Set("notes", "d1", []string{"title"}, types.StringValue("local")))

	require.NoError(t, r.HandleServer(&types.ServerMessage{
		Type:       types.MsgSyncResponse,
		Collection: "notes",
		Changes: []types.SyncChange{
			{DocID: "d1", Operation: "update", Data: json.RawMessage(`{"title":"server"}`), Timestamp: 100},
			{DocID: "d2", Operation: "insert", Data: json.RawMessage(`{"title":"new"}`), Timestamp: 200},
		},
	}))

	v1, err := r.View("notes", "d1")
	require.NoError(t, err)
	var obj map[string]any
	require.NoError(t, json.Unmarshal(v1, &obj))
	assert.Equal(t, "local", obj["title"], "dirty replica keeps local state")

	v2, err := r.View("notes", "d2")
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(v2, &obj))
	assert.Equal(t, "new", obj["title"])

	assert.Equal(t, int64(200), r.Watermark("notes"))

	// Watermark survives restart.
	r2 := newRec(t, store, Options{})
	assert.Equal(t, int64(200), r2.Watermark("notes"))
}

func TestSyncResponseDeleteRemovesDoc(t *testing.T) {
	r := newRec(t, NewMemoryStorage(), Options{})
	require.NoError(t, r.HandleServer(&types.ServerMessage{
		Type: types.MsgSync, Event: "insert", Collection: "notes", ID: "d1",
		Data: json.RawMessage(`{"title":"x"}`), Timestamp: 10,
	}))
	_, err := r.View("notes", "d1")
	require.NoError(t, err)

	require.NoError(t, r.HandleServer(&types.ServerMessage{
		Type:       types.MsgSyncResponse,
		Collection: "notes",
		Changes:    []types.SyncChange{{DocID: "d1", Operation: "delete", Timestamp: 20}},
	}))

	_, err = r.View("notes", "d1")
	assert.Equal(t, "doc_not_found", types.CodeOf(err))
}

func TestViewUnknownDoc(t *testing.T) {
	r := newRec(t, NewMemoryStorage(), Options{})
	_, err := r.View("notes", "nope")
	assert.Equal(t, "doc_not_found", types.CodeOf(err))
}

func TestDeleteDocClearsLocalState(t *testing.T) {
	r := newRec(t, NewMemoryStorage(), Options{})
	require.NoError(t, r.Set("notes", "d1", []string{"a"}, types.IntValue(1)))
	require.NoError(t, r.DeleteDoc("notes", "d1"))

	_, err := r.View("notes", "d1")
	assert.Equal(t, "doc_not_found", types.CodeOf(err))
	// One crdt_ops frame plus the delete are queued.
	assert.Equal(t, 2, r.QueueLen())
}
