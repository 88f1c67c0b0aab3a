package presence

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quillstore/quill/pkg/types"
)

func TestJoinListLeave(t *testing.T) {
	tr := NewTracker(30*time.Second, nil)

	list := tr.Join("notes/d1", "alice", json.RawMessage(`{"name":"Alice"}`))
	require.Len(t, list, 1)

	list = tr.Join("notes/d1", "bob", nil)
	require.Len(t, list, 2)
	assert.Equal(t, 2, tr.Count())

	assert.True(t, tr.Leave("notes/d1", "alice"))
	assert.False(t, tr.Leave("notes/d1", "alice"))
	assert.Len(t, tr.List("notes/d1"), 1)
}

func TestUpdateRequiresJoin(t *testing.T) {
	tr := NewTracker(30*time.Second, nil)

	assert.False(t, tr.Update("notes/d1", "alice", json.RawMessage(`{"x":1}`), nil))

	tr.Join("notes/d1", "alice", nil)
	assert.True(t, tr.Update("notes/d1", "alice", json.RawMessage(`{"x":1}`), json.RawMessage(`{"s":2}`)))

	list := tr.List("notes/d1")
	require.Len(t, list, 1)
	assert.JSONEq(t, `{"x":1}`, string(list[0].Cursor))
	assert.JSONEq(t, `{"s":2}`, string(list[0].Selection))
}

func TestListReturnsCopies(t *testing.T) {
	tr := NewTracker(30*time.Second, nil)
	tr.Join("notes/d1", "alice", nil)

	list := tr.List("notes/d1")
	list[0].NodeID = "mutated"

	assert.Equal(t, "alice", tr.List("notes/d1")[0].NodeID)
}

func TestDocsOf(t *testing.T) {
	tr := NewTracker(30*time.Second, nil)
	tr.Join("notes/d1", "alice", nil)
	tr.Join("notes/d2", "alice", nil)
	tr.Join("notes/d2", "bob", nil)

	docs := tr.DocsOf("alice")
	assert.ElementsMatch(t, []string{"notes/d1", "notes/d2"}, docs)
	assert.Equal(t, []string{"notes/d2"}, tr.DocsOf("bob"))
}

func TestSweepEmitsSyntheticLeaves(t *testing.T) {
	var mu sync.Mutex
	var left []string
	tr := NewTracker(30*time.Second, func(docKey, nodeID string) {
		mu.Lock()
		left = append(left, docKey+":"+nodeID)
		mu.Unlock()
	})

	tr.Join("notes/d1", "alice", nil)
	tr.Join("notes/d1", "bob", nil)

	// Backdate alice past the TTL; bob stays fresh.
	tr.mu.Lock()
	tr.docs["notes/d1"]["alice"].LastSeen = types.NowMillis() - 31_000
	tr.mu.Unlock()
	tr.sweep(types.NowMillis())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"notes/d1:alice"}, left)
	assert.Len(t, tr.List("notes/d1"), 1)
}
