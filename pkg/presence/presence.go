package presence

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/quillstore/quill/pkg/log"
	"github.com/quillstore/quill/pkg/types"
)

// LeaveFunc is called for every participant removed by the TTL sweep,
// so the hub can broadcast a synthetic leave.
type LeaveFunc func(docKey, nodeID string)

// Tracker holds the ephemeral participant state per document. Nothing
// here ever touches durable storage.
type Tracker struct {
	mu      sync.Mutex
	docs    map[string]map[string]*types.PresenceState
	ttl     time.Duration
	onLeave LeaveFunc
	stopCh  chan struct{}
	stopped sync.Once
}

// NewTracker creates a tracker with the given idle TTL. onLeave may be
// nil.
func NewTracker(ttl time.Duration, onLeave LeaveFunc) *Tracker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Tracker{
		docs:    make(map[string]map[string]*types.PresenceState),
		ttl:     ttl,
		onLeave: onLeave,
		stopCh:  make(chan struct{}),
	}
}

// Start runs the idle sweeper until Stop.
func (t *Tracker) Start() {
	go func() {
		interval := t.ttl / 2
		if interval < time.Second {
			interval = time.Second
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				t.sweep(types.NowMillis())
			case <-t.stopCh:
				return
			}
		}
	}()
}

// Stop halts the sweeper.
func (t *Tracker) Stop() {
	t.stopped.Do(func() { close(t.stopCh) })
}

// Join adds (or refreshes) a participant and returns the current
// participant list for the document, the joiner included.
func (t *Tracker) Join(docKey, nodeID string, user json.RawMessage) []*types.PresenceState {
	t.mu.Lock()
	defer t.mu.Unlock()
	doc := t.docs[docKey]
	if doc == nil {
		doc = make(map[string]*types.PresenceState)
		t.docs[docKey] = doc
	}
	state := doc[nodeID]
	if state == nil {
		state = &types.PresenceState{NodeID: nodeID}
		doc[nodeID] = state
	}
	if user != nil {
		state.UserInfo = user
	}
	state.LastSeen = types.NowMillis()
	return t.listLocked(docKey)
}

// Update refreshes cursor and selection. Returns false if the node is
// not joined to the document.
func (t *Tracker) Update(docKey, nodeID string, cursor, selection json.RawMessage) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	state := t.docs[docKey][nodeID]
	if state == nil {
		return false
	}
	if cursor != nil {
		state.Cursor = cursor
	}
	if selection != nil {
		state.Selection = selection
	}
	state.LastSeen = types.NowMillis()
	return true
}

// Leave removes a participant. Returns false if it was not joined.
func (t *Tracker) Leave(docKey, nodeID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	doc := t.docs[docKey]
	if doc == nil || doc[nodeID] == nil {
		return false
	}
	delete(doc, nodeID)
	if len(doc) == 0 {
		delete(t.docs, docKey)
	}
	return true
}

// List returns the participants of a document.
func (t *Tracker) List(docKey string) []*types.PresenceState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.listLocked(docKey)
}

func (t *Tracker) listLocked(docKey string) []*types.PresenceState {
	doc := t.docs[docKey]
	out := make([]*types.PresenceState, 0, len(doc))
	for _, state := range doc {
		copied := *state
		out = append(out, &copied)
	}
	return out
}

// DocsOf returns the documents a node is currently joined to. Used on
// connection drop to emit leaves.
func (t *Tracker) DocsOf(nodeID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var keys []string
	for key, doc := range t.docs {
		if doc[nodeID] != nil {
			keys = append(keys, key)
		}
	}
	return keys
}

// Count returns the total number of tracked participants.
func (t *Tracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	total := 0
	for _, doc := range t.docs {
		total += len(doc)
	}
	return total
}

// sweep drops participants idle past the TTL and fires onLeave for
// each outside the lock.
func (t *Tracker) sweep(now int64) {
	type swept struct{ docKey, nodeID string }
	var victims []swept

	t.mu.Lock()
	cutoff := now - t.ttl.Milliseconds()
	for key, doc := range t.docs {
		for nodeID, state := range doc {
			if state.LastSeen < cutoff {
				delete(doc, nodeID)
				victims = append(victims, swept{key, nodeID})
			}
		}
		if len(doc) == 0 {
			delete(t.docs, key)
		}
	}
	t.mu.Unlock()

	for _, v := range victims {
		presenceLog := log.WithComponent("presence")
		presenceLog.Debug().
			Str("doc", v.docKey).
			Str("node_id", v.nodeID).
			Msg("participant timed out")
		if t.onLeave != nil {
			t.onLeave(v.docKey, v.nodeID)
		}
	}
}

// SweepNow runs one sweep pass immediately. Exposed for tests and the
// hub's shutdown path.
func (t *Tracker) SweepNow() {
	t.sweep(types.NowMillis())
}
