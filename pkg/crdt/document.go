package crdt

import (
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/quillstore/quill/pkg/clock"
	"github.com/quillstore/quill/pkg/types"
)

type nodeKind uint8

const (
	nodeMap nodeKind = iota
	nodeList
	nodeSet
)

// node is one arena slot. The arena avoids cyclic ownership between
// parent and child maps: entries reference children by index, never by
// pointer back to the document.
type node struct {
	kind nodeKind
	m    *MapLWW
	l    *RGA
	s    *ORSet
}

// errPathLost marks an op that addressed through a path segment which a
// winning concurrent write claimed for a different shape. Every replica
// runs the identical comparison, so the op drops everywhere.
var errPathLost = fmt.Errorf("path segment lost lww comparison")

// Document aggregates CRDT registers under a nested path space. The root
// is a Map-LWW; values are scalars or nested maps, lists (RGA), and sets
// (OR-Set). Local mutations tick the vector clock and queue an op for
// broadcast; remote ops go through ApplyRemote, which is idempotent over
// the applied-op history.
type Document struct {
	mu      sync.RWMutex
	nodeID  string
	clk     *clock.VectorClock
	arena   []*node
	applied *appliedRing
	pending []types.Operation
	version uint64
}

// NewDocument creates an empty document owned by nodeID. historyLimit
// bounds the applied-op replay window (0 uses the 1000-op default).
func NewDocument(nodeID string, historyLimit int) *Document {
	if historyLimit <= 0 {
		historyLimit = 1000
	}
	d := &Document{
		nodeID:  nodeID,
		clk:     clock.New(nodeID),
		applied: newAppliedRing(historyLimit),
	}
	d.arena = []*node{{kind: nodeMap, m: NewMapLWW()}}
	return d
}

// NodeID returns the owning replica id.
func (d *Document) NodeID() string { return d.nodeID }

// Version returns the server-visible commit version.
func (d *Document) Version() uint64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.version
}

// SetVersion pins the version (used on restore).
func (d *Document) SetVersion(v uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.version = v
}

// BumpVersion increments and returns the commit version. It never
// decreases for the lifetime of the document.
func (d *Document) BumpVersion() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.version++
	return d.version
}

// Clock returns a snapshot of the document's merged vector clock.
func (d *Document) Clock() clock.Counters {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.clk.Snapshot()
}

func (d *Document) addNode(n *node) int {
	d.arena = append(d.arena, n)
	return len(d.arena) - 1
}

// applyInfo carries the identity under which structural entries created
// while resolving a path are installed. Derived purely from the op, so
// resolution is deterministic at every replica.
type applyInfo struct {
	clock  clock.Counters
	nodeID string
	ts     int64
	opID   string
}

func infoFor(op *types.Operation) applyInfo {
	return applyInfo{clock: op.Clock, nodeID: op.NodeID, ts: op.Timestamp, opID: op.OpID.String()}
}

// reconcileEntry re-runs an op's creation identity against the entry
// holding an already-existing container. The container node is kept
// either way; only the entry metadata (clock, nodeID, timestamp, opID)
// may be replaced. Without this, two replicas that each created the
// container locally would hold different entry identities for the same
// key and a later concurrent map_set on it would tiebreak differently
// per replica.
func (d *Document) reconcileEntry(m *MapLWW, key string, ref int, in applyInfo) {
	m.ApplySet(key, &mapEntry{
		Ref:       ref,
		Clock:     in.clock,
		NodeID:    in.nodeID,
		Timestamp: in.ts,
		OpID:      in.opID + "#" + key,
	})
}

// walkMap descends (creating as needed) intermediate CRDT-Maps along
// segments, returning the arena index of the final map.
func (d *Document) walkMap(segments []string, in applyInfo, create bool) (int, error) {
	idx := 0
	for _, seg := range segments {
		cur := d.arena[idx]
		if e, ok := cur.m.Get(seg); ok && e.Ref >= 0 && d.arena[e.Ref].kind == nodeMap {
			child := e.Ref
			d.reconcileEntry(cur.m, seg, child, in)
			idx = child
			continue
		}
		if !create {
			return -1, types.NewError(types.ErrNotFound, "bad_path",
				fmt.Sprintf("path segment %q is not a map", seg))
		}
		child := d.addNode(&node{kind: nodeMap, m: NewMapLWW()})
		entry := &mapEntry{
			Ref:       child,
			Clock:     in.clock,
			NodeID:    in.nodeID,
			Timestamp: in.ts,
			OpID:      in.opID + "#" + seg,
		}
		if !cur.m.ApplySet(seg, entry) {
			return -1, errPathLost
		}
		idx = child
	}
	return idx, nil
}

// container resolves the node bound at the full path with the wanted
// kind, lazily creating it. Creation is keyed off the op identity, so
// concurrent creation converges to one winner.
func (d *Document) container(path []string, kind nodeKind, in applyInfo) (*node, error) {
	if len(path) == 0 {
		return nil, types.NewError(types.ErrValidation, "bad_path", "empty path")
	}
	parent, err := d.walkMap(path[:len(path)-1], in, true)
	if err != nil {
		return nil, err
	}
	key := path[len(path)-1]
	m := d.arena[parent].m
	if e, ok := m.Get(key); ok && e.Ref >= 0 && d.arena[e.Ref].kind == kind {
		ref := e.Ref
		d.reconcileEntry(m, key, ref, in)
		return d.arena[ref], nil
	}
	child := &node{kind: kind}
	switch kind {
	case nodeMap:
		child.m = NewMapLWW()
	case nodeList:
		child.l = NewRGA()
	case nodeSet:
		child.s = NewORSet()
	}
	ref := d.addNode(child)
	entry := &mapEntry{
		Ref:       ref,
		Clock:     in.clock,
		NodeID:    in.nodeID,
		Timestamp: in.ts,
		OpID:      in.opID + "#" + key,
	}
	if !m.ApplySet(key, entry) {
		return nil, errPathLost
	}
	return child, nil
}

// applyLocked dispatches one op against the arena. The caller holds the
// lock and has already passed the applied-op check.
func (d *Document) applyLocked(op *types.Operation) (bool, error) {
	in := infoFor(op)
	switch op.Type {
	case types.OpMapSet:
		if len(op.Path) == 0 {
			return false, types.NewError(types.ErrValidation, "bad_path", "map_set requires a path")
		}
		parent, err := d.walkMap(op.Path[:len(op.Path)-1], in, true)
		if err == errPathLost {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		key := op.Path[len(op.Path)-1]
		entry := &mapEntry{
			Ref:       -1,
			Value:     op.Value,
			Clock:     op.Clock,
			NodeID:    op.NodeID,
			Timestamp: op.Timestamp,
			OpID:      op.OpID.String(),
		}
		return d.arena[parent].m.ApplySet(key, entry), nil

	case types.OpMapDelete:
		if len(op.Path) == 0 {
			return false, types.NewError(types.ErrValidation, "bad_path", "map_delete requires a path")
		}
		parent, err := d.walkMap(op.Path[:len(op.Path)-1], in, true)
		if err == errPathLost {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		key := op.Path[len(op.Path)-1]
		entry := &mapEntry{
			Ref:       -1,
			Clock:     op.Clock,
			NodeID:    op.NodeID,
			Timestamp: op.Timestamp,
			OpID:      op.OpID.String(),
		}
		return d.arena[parent].m.ApplyDelete(key, entry), nil

	case types.OpRGAInsert:
		if op.Elem == nil {
			return false, types.NewError(types.ErrIntegrity, "applied_op_collision", "rga_insert without element id")
		}
		n, err := d.container(op.Path, nodeList, in)
		if err == errPathLost {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		var left types.ElemID
		if op.After != nil {
			left = *op.After
		}
		return n.l.ApplyInsert(&rgaElem{
			ID:        *op.Elem,
			Value:     op.Value,
			Clock:     op.Clock,
			Left:      left,
			Timestamp: op.Timestamp,
		}), nil

	case types.OpRGADelete:
		if op.Elem == nil {
			return false, types.NewError(types.ErrIntegrity, "applied_op_collision", "rga_delete without element id")
		}
		n, err := d.container(op.Path, nodeList, in)
		if err == errPathLost {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		return n.l.ApplyDelete(*op.Elem), nil

	case types.OpORSetAdd:
		if op.Tag == nil {
			return false, types.NewError(types.ErrIntegrity, "applied_op_collision", "orset_add without tag")
		}
		n, err := d.container(op.Path, nodeSet, in)
		if err == errPathLost {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		return n.s.ApplyAdd(op.Value, *op.Tag), nil

	case types.OpORSetRemove:
		n, err := d.container(op.Path, nodeSet, in)
		if err == errPathLost {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		return n.s.ApplyRemove(op.Value, op.Tags), nil
	}
	return false, types.NewError(types.ErrValidation, "bad_path", fmt.Sprintf("unknown op type %q", op.Type))
}

// ApplyRemote applies one remote op. Returns false when the op was an
// idempotent drop (already applied, or lost a deterministic comparison).
func (d *Document) ApplyRemote(op types.Operation) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.applyRemoteLocked(&op)
}

func (d *Document) applyRemoteLocked(op *types.Operation) (bool, error) {
	key := op.OpID.String()
	if d.applied.contains(key) {
		return false, nil
	}
	d.clk.Merge(op.Clock)
	applied, err := d.applyLocked(op)
	if err != nil {
		return false, err
	}
	d.applied.add(key)
	return applied, nil
}

// ApplyRemoteBatch sorts the batch into causal order (clock comparison,
// then originator timestamp, then nodeID) and applies each op. Returns
// the number of ops that changed state.
func (d *Document) ApplyRemoteBatch(ops []types.Operation) (int, error) {
	sorted := make([]types.Operation, len(ops))
	copy(sorted, ops)
	SortCausal(sorted)

	d.mu.Lock()
	defer d.mu.Unlock()
	applied := 0
	for i := range sorted {
		ok, err := d.applyRemoteLocked(&sorted[i])
		if err != nil {
			return applied, err
		}
		if ok {
			applied++
		}
	}
	return applied, nil
}

// SortCausal orders ops so that causally-earlier ops come first and
// concurrent ops take a deterministic order.
func SortCausal(ops []types.Operation) {
	sort.SliceStable(ops, func(i, j int) bool {
		switch ops[i].Clock.Compare(ops[j].Clock) {
		case clock.Less:
			return true
		case clock.Greater:
			return false
		}
		if ops[i].Timestamp != ops[j].Timestamp {
			return ops[i].Timestamp < ops[j].Timestamp
		}
		if ops[i].NodeID != ops[j].NodeID {
			return ops[i].NodeID < ops[j].NodeID
		}
		return ops[i].OpID.String() < ops[j].OpID.String()
	})
}

func (d *Document) newOp(t types.OpType, path []string) types.Operation {
	cnt := d.clk.Tick()
	return types.Operation{
		OpID:      types.OpID{NodeID: d.nodeID, Counter: cnt, Nonce: uuid.NewString()[:8]},
		Type:      t,
		Path:      path,
		Clock:     d.clk.Snapshot(),
		NodeID:    d.nodeID,
		Timestamp: types.NowMillis(),
	}
}

// finishLocal applies a locally-generated op and queues it for broadcast.
func (d *Document) finishLocal(op *types.Operation) (types.Operation, error) {
	if _, err := d.applyLocked(op); err != nil {
		return types.Operation{}, err
	}
	d.applied.add(op.OpID.String())
	d.pending = append(d.pending, *op)
	return *op, nil
}

// Set writes value at a nested path, auto-creating intermediate maps.
func (d *Document) Set(path []string, value types.Value) (types.Operation, error) {
	if len(path) == 0 {
		return types.Operation{}, types.NewError(types.ErrValidation, "bad_path", "empty path")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	op := d.newOp(types.OpMapSet, path)
	op.Value = value
	return d.finishLocal(&op)
}

// Delete tombstones the entry at path.
func (d *Document) Delete(path []string) (types.Operation, error) {
	if len(path) == 0 {
		return types.Operation{}, types.NewError(types.ErrValidation, "bad_path", "empty path")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	op := d.newOp(types.OpMapDelete, path)
	return d.finishLocal(&op)
}

// ListInsert inserts value at the user-visible index of the list at path,
// lazily creating the list. Indexes past the end append.
func (d *Document) ListInsert(path []string, index int, value types.Value) (types.Operation, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	op := d.newOp(types.OpRGAInsert, path)
	op.Value = value

	n, err := d.container(path, nodeList, infoFor(&op))
	if err != nil {
		return types.Operation{}, err
	}
	if vis := n.l.VisibleLen(); index > vis {
		index = vis
	}
	left, ok := n.l.LeftOfIndex(index)
	if !ok {
		return types.Operation{}, types.NewError(types.ErrNotFound, "bad_path",
			fmt.Sprintf("list index %d out of range", index))
	}
	elem := types.ElemID{NodeID: d.nodeID, Counter: op.OpID.Counter}
	op.After = &left
	op.Elem = &elem
	return d.finishLocal(&op)
}

// ListDelete tombstones the element at the user-visible index.
func (d *Document) ListDelete(path []string, index int) (types.Operation, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	op := d.newOp(types.OpRGADelete, path)

	n, err := d.container(path, nodeList, infoFor(&op))
	if err != nil {
		return types.Operation{}, err
	}
	id, ok := n.l.VisibleID(index)
	if !ok {
		return types.Operation{}, types.NewError(types.ErrNotFound, "doc_not_found",
			fmt.Sprintf("list index %d out of range", index))
	}
	op.Elem = &id
	return d.finishLocal(&op)
}

// SetAdd adds value to the OR-Set at path under a fresh tag.
func (d *Document) SetAdd(path []string, value types.Value) (types.Operation, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	op := d.newOp(types.OpORSetAdd, path)
	op.Value = value
	tag := types.Tag{NodeID: d.nodeID, Counter: op.OpID.Counter, Timestamp: op.Timestamp}
	op.Tag = &tag
	return d.finishLocal(&op)
}

// SetRemove removes value by tombstoning every currently-observed tag.
func (d *Document) SetRemove(path []string, value types.Value) (types.Operation, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	op := d.newOp(types.OpORSetRemove, path)
	op.Value = value

	n, err := d.container(path, nodeSet, infoFor(&op))
	if err != nil {
		return types.Operation{}, err
	}
	tags := n.s.LiveTags(value)
	if len(tags) == 0 {
		return types.Operation{}, types.NewError(types.ErrNotFound, "doc_not_found", "value not in set")
	}
	op.Tags = tags
	return d.finishLocal(&op)
}

// FlushPendingOps drains locally-generated ops awaiting broadcast.
func (d *Document) FlushPendingOps() []types.Operation {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := d.pending
	d.pending = nil
	return out
}

// ToObject materializes the document with tombstones hidden and lists and
// sets exposed as arrays. Two replicas that applied the same op set
// produce Values whose Canonical() forms are byte-equal.
func (d *Document) ToObject() types.Value {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.render(0)
}

func (d *Document) render(idx int) types.Value {
	n := d.arena[idx]
	switch n.kind {
	case nodeMap:
		obj := make(map[string]types.Value, n.m.Len())
		for _, key := range n.m.Keys() {
			e, _ := n.m.Get(key)
			if e.Ref >= 0 {
				obj[key] = d.render(e.Ref)
			} else {
				obj[key] = e.Value
			}
		}
		return types.ObjectValue(obj)
	case nodeList:
		return types.Value{Kind: types.KindArray, Arr: n.l.ToArray()}
	case nodeSet:
		return types.Value{Kind: types.KindArray, Arr: n.s.ToArray()}
	}
	return types.Null()
}

// GC trims tombstones older than cutoff that every observer clock has
// seen, across all registers. Returns the number of records removed.
func (d *Document) GC(cutoff int64, observers []clock.Counters) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	removed := 0
	for _, n := range d.arena {
		switch n.kind {
		case nodeMap:
			removed += n.m.TrimTombstones(cutoff, observers)
		case nodeList:
			removed += n.l.TrimTombstones(cutoff, observers)
		case nodeSet:
			removed += n.s.TrimTombstones(cutoff, observers)
		}
	}
	return removed
}

// appliedRing is the bounded replay-detection window: the last N applied
// op ids in arrival order.
type appliedRing struct {
	limit int
	order []string
	seen  map[string]struct{}
}

func newAppliedRing(limit int) *appliedRing {
	return &appliedRing{limit: limit, seen: make(map[string]struct{}, limit)}
}

func (r *appliedRing) contains(id string) bool {
	_, ok := r.seen[id]
	return ok
}

func (r *appliedRing) add(id string) {
	if r.contains(id) {
		return
	}
	r.order = append(r.order, id)
	r.seen[id] = struct{}{}
	for len(r.order) > r.limit {
		evicted := r.order[0]
		r.order = r.order[1:]
		delete(r.seen, evicted)
	}
}

func (r *appliedRing) ids() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}
