package crdt

import (
	"encoding/json"
	"fmt"

	"github.com/quillstore/quill/pkg/clock"
	"github.com/quillstore/quill/pkg/types"
)

// snapMember is one OR-Set member with its live tags.
type snapMember struct {
	Value types.Value `json:"value"`
	Tags  []types.Tag `json:"tags"`
}

// snapNode serializes one arena slot. Elems are written in linearized
// order so a left pointer always precedes its dependents on restore.
type snapNode struct {
	Kind           string               `json:"kind"`
	Entries        map[string]*mapEntry `json:"entries,omitempty"`
	Tombs          map[string]*mapEntry `json:"tombs,omitempty"`
	Elems          []*rgaElem           `json:"elems,omitempty"`
	PendingDeletes []types.ElemID       `json:"pending_deletes,omitempty"`
	Members        []snapMember         `json:"members,omitempty"`
	TagTombs       []types.Tag          `json:"tag_tombs,omitempty"`
}

type snapState struct {
	Nodes []snapNode `json:"nodes"`
}

// Snapshot captures the full document state: clock, arena, bounded
// applied-op history, and version. Used to bootstrap fresh replicas and
// as the stored row value.
func (d *Document) Snapshot() (*types.Snapshot, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	state := snapState{Nodes: make([]snapNode, len(d.arena))}
	for i, n := range d.arena {
		switch n.kind {
		case nodeMap:
			state.Nodes[i] = snapNode{Kind: "map", Entries: n.m.entries, Tombs: n.m.tombs}
		case nodeList:
			sn := snapNode{Kind: "list", Elems: n.l.snapshotElems()}
			for id := range n.l.pendingDeletes {
				sn.PendingDeletes = append(sn.PendingDeletes, id)
			}
			for _, waiting := range n.l.orphans {
				sn.Elems = append(sn.Elems, waiting...)
			}
			state.Nodes[i] = sn
		case nodeSet:
			sn := snapNode{Kind: "set"}
			for key, tags := range n.s.adds {
				member := snapMember{Value: n.s.values[key]}
				for _, t := range tags {
					member.Tags = append(member.Tags, t)
				}
				sn.Members = append(sn.Members, member)
			}
			for _, t := range n.s.tombs {
				sn.TagTombs = append(sn.TagTombs, t)
			}
			state.Nodes[i] = sn
		}
	}

	raw, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot: %w", err)
	}
	return &types.Snapshot{
		Clock:        d.clk.Snapshot(),
		Root:         raw,
		AppliedOpIDs: d.applied.ids(),
		Version:      d.version,
		TakenAt:      types.NowMillis(),
	}, nil
}

// Restore rebuilds the document from a snapshot and then applies any ops
// generated since it was taken. Pending local ops are discarded: a
// restored document has nothing of its own awaiting broadcast.
func (d *Document) Restore(snap *types.Snapshot, opsSince []types.Operation) error {
	if snap == nil {
		return types.NewError(types.ErrValidation, "missing_field", "nil snapshot")
	}
	var state snapState
	if err := json.Unmarshal(snap.Root, &state); err != nil {
		return fmt.Errorf("unmarshal snapshot: %w", err)
	}
	if len(state.Nodes) == 0 || state.Nodes[0].Kind != "map" {
		return types.NewError(types.ErrValidation, "missing_field", "snapshot root must be a map")
	}

	d.mu.Lock()
	arena := make([]*node, len(state.Nodes))
	for i, sn := range state.Nodes {
		switch sn.Kind {
		case "map":
			m := NewMapLWW()
			for k, e := range sn.Entries {
				m.entries[k] = e
			}
			for k, e := range sn.Tombs {
				m.tombs[k] = e
			}
			arena[i] = &node{kind: nodeMap, m: m}
		case "list":
			l := NewRGA()
			for _, e := range sn.Elems {
				l.ApplyInsert(e)
			}
			for _, id := range sn.PendingDeletes {
				l.ApplyDelete(id)
			}
			arena[i] = &node{kind: nodeList, l: l}
		case "set":
			s := NewORSet()
			for _, t := range sn.TagTombs {
				s.tombs[t.String()] = t
			}
			for _, member := range sn.Members {
				for _, t := range member.Tags {
					s.ApplyAdd(member.Value, t)
				}
			}
			arena[i] = &node{kind: nodeSet, s: s}
		default:
			d.mu.Unlock()
			return types.NewError(types.ErrValidation, "missing_field",
				fmt.Sprintf("unknown snapshot node kind %q", sn.Kind))
		}
	}
	d.arena = arena
	d.clk = &clock.VectorClock{NodeID: d.nodeID, Counters: snap.Clock.Clone()}
	d.applied = newAppliedRing(d.applied.limit)
	for _, id := range snap.AppliedOpIDs {
		d.applied.add(id)
	}
	d.version = snap.Version
	d.pending = nil
	d.mu.Unlock()

	if len(opsSince) > 0 {
		if _, err := d.ApplyRemoteBatch(opsSince); err != nil {
			return err
		}
	}
	return nil
}

// LoadDocument builds a document from a stored snapshot row.
func LoadDocument(nodeID string, historyLimit int, raw json.RawMessage) (*Document, error) {
	var snap types.Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("decode stored snapshot: %w", err)
	}
	d := NewDocument(nodeID, historyLimit)
	if err := d.Restore(&snap, nil); err != nil {
		return nil, err
	}
	return d, nil
}

// MarshalState serializes the document as its snapshot JSON, the shape
// stored in the shard pool.
func (d *Document) MarshalState() (json.RawMessage, error) {
	snap, err := d.Snapshot()
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot: %w", err)
	}
	return raw, nil
}
