package crdt

import (
	"sort"

	"github.com/quillstore/quill/pkg/clock"
	"github.com/quillstore/quill/pkg/types"
)

// rgaElem is one element of a replicated growable array. Elements form a
// tree anchored at the zero ElemID sentinel: Left is the element this one
// was inserted after. Deleted elements stay as tombstones until GC.
type rgaElem struct {
	ID        types.ElemID   `json:"id"`
	Value     types.Value    `json:"value"`
	Deleted   bool           `json:"deleted"`
	Clock     clock.Counters `json:"clock"`
	Left      types.ElemID   `json:"left"`
	Timestamp int64          `json:"timestamp"`
}

// RGA is an ordered-list CRDT. Sibling elements sharing the same Left are
// ordered by clock dominance (larger first), concurrent pairs by
// lexicographically larger nodeID first, so every replica linearizes the
// tree identically.
type RGA struct {
	elems    map[types.ElemID]*rgaElem
	children map[types.ElemID][]*rgaElem
	// orphans holds remote inserts whose Left has not arrived yet; they
	// integrate as soon as it does.
	orphans map[types.ElemID][]*rgaElem
	// pendingDeletes holds deletes for elements not yet integrated.
	pendingDeletes map[types.ElemID]bool
}

// NewRGA creates an empty list.
func NewRGA() *RGA {
	return &RGA{
		elems:          make(map[types.ElemID]*rgaElem),
		children:       make(map[types.ElemID][]*rgaElem),
		orphans:        make(map[types.ElemID][]*rgaElem),
		pendingDeletes: make(map[types.ElemID]bool),
	}
}

// sibBefore reports whether a linearizes before b among siblings. Larger
// clock first; concurrent or equal clocks fall back to larger nodeID,
// then larger counter.
func sibBefore(a, b *rgaElem) bool {
	switch a.Clock.Compare(b.Clock) {
	case clock.Greater:
		return true
	case clock.Less:
		return false
	}
	if a.ID.NodeID != b.ID.NodeID {
		return a.ID.NodeID > b.ID.NodeID
	}
	return a.ID.Counter > b.ID.Counter
}

// ApplyInsert integrates an element. Returns false when the element is
// already present. Elements whose Left is unknown are parked until the
// missing ancestor arrives.
func (r *RGA) ApplyInsert(e *rgaElem) bool {
	if _, ok := r.elems[e.ID]; ok {
		return false
	}
	if !e.Left.IsZero() {
		if _, ok := r.elems[e.Left]; !ok {
			r.orphans[e.Left] = append(r.orphans[e.Left], e)
			return true
		}
	}
	r.integrate(e)
	return true
}

func (r *RGA) integrate(e *rgaElem) {
	r.elems[e.ID] = e
	sibs := append(r.children[e.Left], e)
	sort.SliceStable(sibs, func(i, j int) bool { return sibBefore(sibs[i], sibs[j]) })
	r.children[e.Left] = sibs

	if r.pendingDeletes[e.ID] {
		e.Deleted = true
		delete(r.pendingDeletes, e.ID)
	}
	// Release any elements that were waiting for this one.
	if waiting, ok := r.orphans[e.ID]; ok {
		delete(r.orphans, e.ID)
		for _, w := range waiting {
			r.integrate(w)
		}
	}
}

// ApplyDelete tombstones an element. A delete for a not-yet-seen element
// is remembered and applied on arrival.
func (r *RGA) ApplyDelete(id types.ElemID) bool {
	e, ok := r.elems[id]
	if !ok {
		if r.pendingDeletes[id] {
			return false
		}
		r.pendingDeletes[id] = true
		return true
	}
	if e.Deleted {
		return false
	}
	e.Deleted = true
	return true
}

// walk visits the linearized order, tombstones included.
func (r *RGA) walk(fn func(e *rgaElem) bool) {
	var visit func(parent types.ElemID) bool
	visit = func(parent types.ElemID) bool {
		for _, child := range r.children[parent] {
			if !fn(child) {
				return false
			}
			if !visit(child.ID) {
				return false
			}
		}
		return true
	}
	visit(types.ElemID{})
}

// VisibleID returns the element id at user-visible index i, skipping
// tombstones.
func (r *RGA) VisibleID(i int) (types.ElemID, bool) {
	var id types.ElemID
	var found bool
	n := 0
	r.walk(func(e *rgaElem) bool {
		if e.Deleted {
			return true
		}
		if n == i {
			id, found = e.ID, true
			return false
		}
		n++
		return true
	})
	return id, found
}

// LeftOfIndex returns the id the element at user-visible index i should be
// inserted after: the (i-1)-th visible element, or the head sentinel.
func (r *RGA) LeftOfIndex(i int) (types.ElemID, bool) {
	if i <= 0 {
		return types.ElemID{}, true
	}
	return r.VisibleID(i - 1)
}

// ToArray materializes visible values in order.
func (r *RGA) ToArray() []types.Value {
	out := make([]types.Value, 0, len(r.elems))
	r.walk(func(e *rgaElem) bool {
		if !e.Deleted {
			out = append(out, e.Value)
		}
		return true
	})
	return out
}

// VisibleLen counts non-tombstoned elements.
func (r *RGA) VisibleLen() int {
	n := 0
	r.walk(func(e *rgaElem) bool {
		if !e.Deleted {
			n++
		}
		return true
	})
	return n
}

// snapshotElems returns all elements in linearized order for snapshots.
func (r *RGA) snapshotElems() []*rgaElem {
	out := make([]*rgaElem, 0, len(r.elems))
	r.walk(func(e *rgaElem) bool {
		out = append(out, e)
		return true
	})
	return out
}

// TrimTombstones physically removes tombstoned leaf elements older than
// cutoff that every observer has seen. Tombstones that still anchor
// children are kept so the linearization of live descendants never moves.
// Victims are processed children-first, so a chain of dead elements
// disappears in one pass.
func (r *RGA) TrimTombstones(cutoff int64, observers []clock.Counters) int {
	var victims []*rgaElem
	r.walk(func(e *rgaElem) bool {
		if e.Deleted && e.Timestamp < cutoff && observedByAll(e.Clock, observers) {
			victims = append(victims, e)
		}
		return true
	})
	removed := 0
	for i := len(victims) - 1; i >= 0; i-- {
		v := victims[i]
		if len(r.children[v.ID]) > 0 {
			continue
		}
		r.remove(v)
		removed++
	}
	return removed
}

func (r *RGA) remove(v *rgaElem) {
	delete(r.children, v.ID)
	delete(r.elems, v.ID)

	sibs := r.children[v.Left][:0]
	for _, s := range r.children[v.Left] {
		if s.ID != v.ID {
			sibs = append(sibs, s)
		}
	}
	if len(sibs) == 0 {
		delete(r.children, v.Left)
	} else {
		r.children[v.Left] = sibs
	}
}
