package clock

// Ordering is the result of comparing two vector clocks.
type Ordering int

const (
	Equal Ordering = iota
	Less
	Greater
	Concurrent
)

func (o Ordering) String() string {
	switch o {
	case Equal:
		return "equal"
	case Less:
		return "less"
	case Greater:
		return "greater"
	default:
		return "concurrent"
	}
}

// Counters maps a node identifier to its monotonic logical counter.
type Counters map[string]uint64

// Clone returns a deep copy.
func (c Counters) Clone() Counters {
	out := make(Counters, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// Compare performs the standard dominance test across the union of known nodes.
func (c Counters) Compare(other Counters) Ordering {
	var less, greater bool
	for node, v := range c {
		ov := other[node]
		if v < ov {
			less = true
		} else if v > ov {
			greater = true
		}
	}
	for node, ov := range other {
		if _, ok := c[node]; !ok && ov > 0 {
			less = true
		}
	}
	switch {
	case less && greater:
		return Concurrent
	case less:
		return Less
	case greater:
		return Greater
	default:
		return Equal
	}
}

// Merge takes the pointwise max of both clocks into c.
func (c Counters) Merge(other Counters) {
	for node, v := range other {
		if v > c[node] {
			c[node] = v
		}
	}
}

// VectorClock is per-node logical time with partial-order comparison.
type VectorClock struct {
	NodeID   string   `json:"node_id"`
	Counters Counters `json:"counters"`
}

// New creates a vector clock owned by nodeID with all counters at zero.
func New(nodeID string) *VectorClock {
	return &VectorClock{NodeID: nodeID, Counters: make(Counters)}
}

// Tick increments this node's own counter and returns the new value.
func (v *VectorClock) Tick() uint64 {
	v.Counters[v.NodeID]++
	return v.Counters[v.NodeID]
}

// Merge folds a remote clock snapshot into this clock.
func (v *VectorClock) Merge(other Counters) {
	v.Counters.Merge(other)
}

// Compare compares this clock's counters against a remote snapshot.
func (v *VectorClock) Compare(other Counters) Ordering {
	return v.Counters.Compare(other)
}

// HappensBefore reports whether v causally precedes the remote snapshot.
func (v *VectorClock) HappensBefore(other Counters) bool {
	return v.Counters.Compare(other) == Less
}

// Snapshot returns an independent copy of the current counters.
func (v *VectorClock) Snapshot() Counters {
	return v.Counters.Clone()
}

// WinsTiebreak resolves a concurrent pair deterministically. The rule is
// lexicographically larger nodeID first, then larger originator timestamp,
// then larger opID string, and it must be applied identically by every
// replica that observes the pair.
func WinsTiebreak(aNode string, aTS int64, aOp string, bNode string, bTS int64, bOp string) bool {
	if aNode != bNode {
		return aNode > bNode
	}
	if aTS != bTS {
		return aTS > bTS
	}
	return aOp > bOp
}

// Dominates reports whether clock a dominates b (b happened before a).
func Dominates(a, b Counters) bool {
	return a.Compare(b) == Greater
}
