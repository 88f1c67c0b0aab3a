package crdt

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quillstore/quill/pkg/clock"
	"github.com/quillstore/quill/pkg/types"
)

// replicate applies every op from src's pending queue to each destination.
func replicate(t *testing.T, src *Document, dests ...*Document) {
	t.Helper()
	ops := src.FlushPendingOps()
	for _, d := range dests {
		_, err := d.ApplyRemoteBatch(ops)
		require.NoError(t, err)
	}
}

func projection(d *Document) string {
	return d.ToObject().Canonical()
}

func TestConcurrentLWWSet(t *testing.T) {
	a := NewDocument("A", 0)
	b := NewDocument("B", 0)

	_, err := a.Set([]string{"title"}, types.StringValue("Hello"))
	require.NoError(t, err)
	_, err = b.Set([]string{"title"}, types.StringValue("World"))
	require.NoError(t, err)

	replicate(t, a, b)
	replicate(t, b, a)

	// Concurrent writes: lexicographically larger nodeID wins.
	want := types.ObjectValue(map[string]types.Value{"title": types.StringValue("World")})
	assert.Equal(t, want.Canonical(), projection(a))
	assert.Equal(t, projection(a), projection(b))
}

func TestConcurrentListInsertOrdering(t *testing.T) {
	a := NewDocument("A", 0)
	b := NewDocument("B", 0)
	path := []string{"items"}

	for i, v := range []string{"a", "b", "c"} {
		_, err := a.ListInsert(path, i, types.StringValue(v))
		require.NoError(t, err)
	}
	replicate(t, a, b)

	_, err := a.ListInsert(path, 1, types.StringValue("X"))
	require.NoError(t, err)
	_, err = b.ListInsert(path, 1, types.StringValue("Y"))
	require.NoError(t, err)

	replicate(t, a, b)
	replicate(t, b, a)

	want := types.ObjectValue(map[string]types.Value{
		"items": types.ArrayValue(
			types.StringValue("a"), types.StringValue("Y"), types.StringValue("X"),
			types.StringValue("b"), types.StringValue("c"),
		),
	})
	assert.Equal(t, want.Canonical(), projection(a))
	assert.Equal(t, projection(a), projection(b))
}

func TestTombstoneVsConcurrentSet(t *testing.T) {
	a := NewDocument("A", 0)
	b := NewDocument("B", 0)

	_, err := a.Set([]string{"x"}, types.IntValue(1))
	require.NoError(t, err)
	_, err = a.Delete([]string{"x"})
	require.NoError(t, err)
	_, err = b.Set([]string{"x"}, types.IntValue(5))
	require.NoError(t, err)

	// Deliver in opposite orders; the delete at {A:2} is concurrent with
	// the set at {B:1}, so the tiebreak must pick the same side everywhere.
	replicate(t, a, b)
	replicate(t, b, a)

	want := types.ObjectValue(map[string]types.Value{"x": types.IntValue(5)})
	assert.Equal(t, want.Canonical(), projection(a))
	assert.Equal(t, projection(a), projection(b))
}

func TestSetDeleteSetResolves(t *testing.T) {
	a := NewDocument("A", 0)
	b := NewDocument("B", 0)

	_, err := a.Set([]string{"p"}, types.StringValue("v"))
	require.NoError(t, err)
	_, err = a.Delete([]string{"p"})
	require.NoError(t, err)
	_, err = a.Set([]string{"p"}, types.StringValue("v"))
	require.NoError(t, err)

	replicate(t, a, b)

	want := types.ObjectValue(map[string]types.Value{"p": types.StringValue("v")})
	assert.Equal(t, want.Canonical(), projection(a))
	assert.Equal(t, projection(a), projection(b))
}

func TestApplyRemoteIdempotent(t *testing.T) {
	a := NewDocument("A", 0)
	b := NewDocument("B", 0)

	op, err := a.Set([]string{"k"}, types.IntValue(42))
	require.NoError(t, err)

	applied, err := b.ApplyRemote(op)
	require.NoError(t, err)
	assert.True(t, applied)

	before := projection(b)
	applied, err = b.ApplyRemote(op)
	require.NoError(t, err)
	assert.False(t, applied, "second application must be an idempotent drop")
	assert.Equal(t, before, projection(b))
}

func TestShuffledBatchConverges(t *testing.T) {
	a := NewDocument("A", 0)

	var ops []types.Operation
	for i, v := range []string{"one", "two", "three", "four"} {
		op, err := a.ListInsert([]string{"l"}, i, types.StringValue(v))
		require.NoError(t, err)
		ops = append(ops, op)
	}
	op, err := a.Set([]string{"meta", "author"}, types.StringValue("ann"))
	require.NoError(t, err)
	ops = append(ops, op)
	op, err = a.SetAdd([]string{"labels"}, types.StringValue("red"))
	require.NoError(t, err)
	ops = append(ops, op)

	rng := rand.New(rand.NewSource(7))
	for trial := 0; trial < 10; trial++ {
		shuffled := make([]types.Operation, len(ops))
		copy(shuffled, ops)
		rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

		b := NewDocument("B", 0)
		_, err := b.ApplyRemoteBatch(shuffled)
		require.NoError(t, err)
		assert.Equal(t, projection(a), projection(b), "trial %d diverged", trial)
	}
}

func TestNestedMapAutoCreate(t *testing.T) {
	a := NewDocument("A", 0)
	b := NewDocument("B", 0)

	_, err := a.Set([]string{"a", "b", "c"}, types.IntValue(1))
	require.NoError(t, err)
	_, err = b.Set([]string{"a", "b", "d"}, types.IntValue(2))
	require.NoError(t, err)

	replicate(t, a, b)
	replicate(t, b, a)

	// Concurrent creation of the intermediate maps converges: both leaves
	// survive under one merged subtree.
	obj := a.ToObject()
	inner := obj.Obj["a"].Obj["b"]
	assert.Equal(t, int64(1), inner.Obj["c"].Int)
	assert.Equal(t, int64(2), inner.Obj["d"].Int)
	assert.Equal(t, projection(a), projection(b))
}

func TestConcurrentContainerCreationConverges(t *testing.T) {
	a := NewDocument("a", 0)
	b := NewDocument("zz", 0)

	_, err := a.ListInsert([]string{"list"}, 0, types.StringValue("x"))
	require.NoError(t, err)
	_, err = b.ListInsert([]string{"list"}, 0, types.StringValue("y"))
	require.NoError(t, err)

	replicate(t, a, b)
	replicate(t, b, a)
	require.Equal(t, projection(a), projection(b))

	// A third replica concurrently overwrites the key the list lives
	// under. Both sides must tiebreak against the same entry identity,
	// whichever replica created the list first locally.
	m := NewDocument("m", 0)
	op, err := m.Set([]string{"list"}, types.IntValue(5))
	require.NoError(t, err)

	_, err = a.ApplyRemote(op)
	require.NoError(t, err)
	_, err = b.ApplyRemote(op)
	require.NoError(t, err)

	assert.Equal(t, projection(a), projection(b), "replicas diverged after identical op sets")
}

func TestConcurrentIntermediateMapOverwriteConverges(t *testing.T) {
	a := NewDocument("a", 0)
	b := NewDocument("zz", 0)

	_, err := a.Set([]string{"meta", "x"}, types.IntValue(1))
	require.NoError(t, err)
	_, err = b.Set([]string{"meta", "y"}, types.IntValue(2))
	require.NoError(t, err)

	replicate(t, a, b)
	replicate(t, b, a)
	require.Equal(t, projection(a), projection(b))

	m := NewDocument("m", 0)
	op, err := m.Set([]string{"meta"}, types.IntValue(7))
	require.NoError(t, err)

	_, err = a.ApplyRemote(op)
	require.NoError(t, err)
	_, err = b.ApplyRemote(op)
	require.NoError(t, err)

	assert.Equal(t, projection(a), projection(b), "replicas diverged after identical op sets")
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	a := NewDocument("A", 0)
	_, err := a.Set([]string{"title"}, types.StringValue("doc"))
	require.NoError(t, err)
	_, err = a.ListInsert([]string{"body"}, 0, types.StringValue("line1"))
	require.NoError(t, err)
	_, err = a.ListInsert([]string{"body"}, 1, types.StringValue("line2"))
	require.NoError(t, err)
	_, err = a.ListDelete([]string{"body"}, 0)
	require.NoError(t, err)
	_, err = a.SetAdd([]string{"tags"}, types.StringValue("draft"))
	require.NoError(t, err)
	a.BumpVersion()

	snap, err := a.Snapshot()
	require.NoError(t, err)

	restored := NewDocument("B", 0)
	require.NoError(t, restored.Restore(snap, nil))

	assert.Equal(t, projection(a), projection(restored))
	assert.Equal(t, a.Version(), restored.Version())

	// The applied-op window travels with the snapshot: replaying an old
	// op against the restored doc is a no-op.
	var oldOps []types.Operation
	c := NewDocument("C", 0)
	op, err := c.Set([]string{"title"}, types.StringValue("other"))
	require.NoError(t, err)
	oldOps = append(oldOps, op)
	_, err = restored.ApplyRemoteBatch(oldOps)
	require.NoError(t, err)
	applied, err := restored.ApplyRemote(op)
	require.NoError(t, err)
	assert.False(t, applied)
}

func TestRestoreWithOpsSince(t *testing.T) {
	a := NewDocument("A", 0)
	_, err := a.Set([]string{"n"}, types.IntValue(1))
	require.NoError(t, err)
	snap, err := a.Snapshot()
	require.NoError(t, err)

	op, err := a.Set([]string{"n"}, types.IntValue(2))
	require.NoError(t, err)

	fresh := NewDocument("B", 0)
	require.NoError(t, fresh.Restore(snap, []types.Operation{op}))
	assert.Equal(t, projection(a), projection(fresh))
}

func TestVersionMonotone(t *testing.T) {
	d := NewDocument("A", 0)
	var last uint64
	for i := 0; i < 100; i++ {
		v := d.BumpVersion()
		assert.Greater(t, v, last)
		last = v
	}
}

func TestAppliedRingEviction(t *testing.T) {
	r := newAppliedRing(3)
	r.add("a")
	r.add("b")
	r.add("c")
	r.add("d")
	assert.False(t, r.contains("a"), "oldest id must be evicted")
	assert.True(t, r.contains("d"))
	assert.Len(t, r.ids(), 3)
}

func TestGCTrimsObservedTombstones(t *testing.T) {
	a := NewDocument("A", 0)
	b := NewDocument("B", 0)

	_, err := a.Set([]string{"x"}, types.IntValue(1))
	require.NoError(t, err)
	_, err = a.Delete([]string{"x"})
	require.NoError(t, err)
	replicate(t, a, b)

	// Observer that has seen everything: tombstone is collectable once
	// past the cutoff.
	removed := a.GC(types.NowMillis()+1, []clock.Counters{b.Clock()})
	assert.Equal(t, 1, removed)

	// Observer that is behind blocks collection.
	c := NewDocument("C", 0)
	_, err = b.Delete([]string{"never"})
	require.NoError(t, err)
	removed = b.GC(types.NowMillis()+1, []clock.Counters{c.Clock()})
	assert.Equal(t, 0, removed)
}
