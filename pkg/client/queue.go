package client

import (
	"encoding/json"
	"fmt"

	"github.com/quillstore/quill/pkg/types"
)

const queuePrefix = "queue/"

// QueuedOp is one offline mutation awaiting delivery. It is exactly the
// shape batch_sync sends, plus the storage key it persists under.
type QueuedOp struct {
	Key        string            `json:"-"`
	OpID       string            `json:"opId"`
	Type       string            `json:"type"`
	Collection string            `json:"collection"`
	DocID      string            `json:"docId"`
	Data       json.RawMessage   `json:"data,omitempty"`
	Operations []types.Operation `json:"operations,omitempty"`
	QueuedAt   int64             `json:"queuedAt"`
}

// queue is the persistent offline op queue. Every op is written through
// to the Storage adapter before being acknowledged locally, so a page
// reload or process restart loses nothing.
type queue struct {
	store Storage
	ops   []*QueuedOp
	seq   uint64
}

func loadQueue(store Storage) (*queue, error) {
	q := &queue{store: store}
	keys, err := store.Keys(queuePrefix)
	if err != nil {
		return nil, fmt.Errorf("list queue keys: %w", err)
	}
	for _, key := range keys {
		raw, err := store.Get(key)
		if err != nil {
			return nil, fmt.Errorf("read queued op %s: %w", key, err)
		}
		if raw == nil {
			continue
		}
		var op QueuedOp
		if err := json.Unmarshal(raw, &op); err != nil {
			return nil, fmt.Errorf("decode queued op %s: %w", key, err)
		}
		op.Key = key
		q.ops = append(q.ops, &op)
		q.seq++
	}
	// seq continues past the highest loaded key to keep ordering.
	q.seq = uint64(len(keys))
	if n := len(keys); n > 0 {
		var last uint64
		if _, err := fmt.Sscanf(keys[n-1], queuePrefix+"%d", &last); err == nil && last >= q.seq {
			q.seq = last + 1
		}
	}
	return q, nil
}

// push appends an op, compacting successive field sets first: a map_set
// op for a (doc, path) already sitting at the tail replaces it instead
// of growing the queue. List and set ops are order-sensitive and are
// never collapsed.
func (q *queue) push(op *QueuedOp) error {
	if tail := q.tail(); tail != nil && collapses(tail, op) {
		op.Key = tail.Key
		if err := q.persist(op); err != nil {
			return err
		}
		q.ops[len(q.ops)-1] = op
		return nil
	}
	op.Key = fmt.Sprintf(queuePrefix+"%016d", q.seq)
	q.seq++
	if err := q.persist(op); err != nil {
		return err
	}
	q.ops = append(q.ops, op)
	return nil
}

func (q *queue) persist(op *QueuedOp) error {
	raw, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("encode queued op: %w", err)
	}
	return q.store.Set(op.Key, raw)
}

func (q *queue) tail() *QueuedOp {
	if len(q.ops) == 0 {
		return nil
	}
	return q.ops[len(q.ops)-1]
}

// collapses reports whether next may replace tail: both single-op
// crdt_ops frames carrying a map_set for the same document and path.
func collapses(tail, next *QueuedOp) bool {
	if tail.Type != types.MsgCRDTOps || next.Type != types.MsgCRDTOps {
		return false
	}
	if tail.Collection != next.Collection || tail.DocID != next.DocID {
		return false
	}
	if len(tail.Operations) != 1 || len(next.Operations) != 1 {
		return false
	}
	a, b := &tail.Operations[0], &next.Operations[0]
	if a.Type != types.OpMapSet || b.Type != types.OpMapSet {
		return false
	}
	return types.PathString(a.Path) == types.PathString(b.Path)
}

// take returns up to n ops from the head without removing them; removal
// happens on ack.
func (q *queue) take(n int) []*QueuedOp {
	if n <= 0 || n > len(q.ops) {
		n = len(q.ops)
	}
	out := make([]*QueuedOp, n)
	copy(out, q.ops[:n])
	return out
}

// ack removes a delivered (or rejected) op by its opId.
func (q *queue) ack(opID string) error {
	for i, op := range q.ops {
		if op.OpID == opID {
			if err := q.store.Delete(op.Key); err != nil {
				return err
			}
			q.ops = append(q.ops[:i], q.ops[i+1:]...)
			return nil
		}
	}
	return nil
}

func (q *queue) len() int { return len(q.ops) }
