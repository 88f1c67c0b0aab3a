package crdt

import (
	"github.com/quillstore/quill/pkg/clock"
	"github.com/quillstore/quill/pkg/types"
)

// mapEntry is one live or ghost (tombstoned) entry in a MapLWW. Ref points
// into the document arena when the value is a nested map, list, or set;
// it is -1 for scalar values.
type mapEntry struct {
	Ref       int            `json:"ref"`
	Value     types.Value    `json:"value"`
	Clock     clock.Counters `json:"clock"`
	NodeID    string         `json:"node_id"`
	Timestamp int64          `json:"timestamp"`
	OpID      string         `json:"op_id"`
}

// wins reports whether the incoming entry replaces e. Clock dominance
// decides when it can; the LWW tiebreak (nodeID, then originator
// timestamp, then opID) decides when the pair is concurrent. A clock-equal
// pair is treated as concurrent: two distinct ops can share a snapshot
// only across nodes, and the tiebreak keeps the outcome deterministic.
func (e *mapEntry) wins(in *mapEntry) bool {
	switch in.Clock.Compare(e.Clock) {
	case clock.Greater:
		return true
	case clock.Less:
		return false
	default:
		return clock.WinsTiebreak(in.NodeID, in.Timestamp, in.OpID, e.NodeID, e.Timestamp, e.OpID)
	}
}

// MapLWW is a last-writer-wins map register with a parallel tombstone map.
// A tombstone behaves as a ghost entry at its delete clock, so a set that
// lost to a delete stays dead and a set that beats it resurrects the key.
type MapLWW struct {
	entries map[string]*mapEntry
	tombs   map[string]*mapEntry
}

// NewMapLWW creates an empty map register.
func NewMapLWW() *MapLWW {
	return &MapLWW{
		entries: make(map[string]*mapEntry),
		tombs:   make(map[string]*mapEntry),
	}
}

// current returns the entry the incoming op must beat, live or ghost.
func (m *MapLWW) current(key string) (*mapEntry, bool) {
	if e, ok := m.entries[key]; ok {
		return e, true
	}
	if e, ok := m.tombs[key]; ok {
		return e, false
	}
	return nil, false
}

// ApplySet installs the incoming entry if it wins against whatever holds
// the key. Returns whether the map changed.
func (m *MapLWW) ApplySet(key string, in *mapEntry) bool {
	if cur, _ := m.current(key); cur != nil && !cur.wins(in) {
		return false
	}
	delete(m.tombs, key)
	m.entries[key] = in
	return true
}

// ApplyDelete installs a tombstone at the incoming clock if it wins.
func (m *MapLWW) ApplyDelete(key string, in *mapEntry) bool {
	if cur, _ := m.current(key); cur != nil && !cur.wins(in) {
		return false
	}
	delete(m.entries, key)
	m.tombs[key] = in
	return true
}

// Get returns the live entry for key.
func (m *MapLWW) Get(key string) (*mapEntry, bool) {
	e, ok := m.entries[key]
	return e, ok
}

// Len returns the number of live keys.
func (m *MapLWW) Len() int { return len(m.entries) }

// Keys iterates live keys in unspecified order.
func (m *MapLWW) Keys() []string {
	out := make([]string, 0, len(m.entries))
	for k := range m.entries {
		out = append(out, k)
	}
	return out
}

// TrimTombstones drops tombstones older than cutoff whose clock is
// dominated by every observer clock. Returns the number removed.
func (m *MapLWW) TrimTombstones(cutoff int64, observers []clock.Counters) int {
	var removed int
	for key, t := range m.tombs {
		if t.Timestamp >= cutoff {
			continue
		}
		if !observedByAll(t.Clock, observers) {
			continue
		}
		delete(m.tombs, key)
		removed++
	}
	return removed
}

// observedByAll reports whether every observer clock dominates (or equals)
// the given clock, i.e. every known replica has seen the op.
func observedByAll(c clock.Counters, observers []clock.Counters) bool {
	for _, o := range observers {
		switch o.Compare(c) {
		case clock.Greater, clock.Equal:
		default:
			return false
		}
	}
	return true
}
