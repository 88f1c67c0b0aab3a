package crdt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quillstore/quill/pkg/clock"
	"github.com/quillstore/quill/pkg/types"
)

func TestORSetAddRemove(t *testing.T) {
	s := NewORSet()
	v := types.StringValue("red")
	tag := types.Tag{NodeID: "A", Counter: 1, Timestamp: 10}

	require.True(t, s.ApplyAdd(v, tag))
	assert.True(t, s.Contains(v))
	assert.False(t, s.ApplyAdd(v, tag), "same tag twice is a no-op")

	require.True(t, s.ApplyRemove(v, []types.Tag{tag}))
	assert.False(t, s.Contains(v))
	assert.Equal(t, 0, s.Len())
}

func TestORSetAddWinsWithFreshTag(t *testing.T) {
	s := NewORSet()
	v := types.StringValue("red")
	t1 := types.Tag{NodeID: "A", Counter: 1, Timestamp: 10}
	t2 := types.Tag{NodeID: "B", Counter: 1, Timestamp: 11}

	require.True(t, s.ApplyAdd(v, t1))
	// Remove observed only t1; the concurrent add with t2 survives.
	require.True(t, s.ApplyRemove(v, []types.Tag{t1}))
	require.True(t, s.ApplyAdd(v, t2))
	assert.True(t, s.Contains(v))
}

func TestORSetRemoveWinsForTombstonedTag(t *testing.T) {
	s := NewORSet()
	v := types.StringValue("red")
	t1 := types.Tag{NodeID: "A", Counter: 1, Timestamp: 10}

	// Remove arrives before the add it observed (reordered delivery).
	require.False(t, s.ApplyRemove(v, []types.Tag{t1}))
	assert.False(t, s.ApplyAdd(v, t1), "tombstoned tag cannot resurrect the value")
	assert.False(t, s.Contains(v))
}

func TestORSetResurrection(t *testing.T) {
	s := NewORSet()
	v := types.StringValue("red")
	t1 := types.Tag{NodeID: "A", Counter: 1, Timestamp: 10}
	t2 := types.Tag{NodeID: "A", Counter: 2, Timestamp: 20}

	require.True(t, s.ApplyAdd(v, t1))
	require.True(t, s.ApplyRemove(v, s.LiveTags(v)))
	assert.False(t, s.Contains(v))

	// A later add with a fresh tag resurrects the value.
	require.True(t, s.ApplyAdd(v, t2))
	assert.True(t, s.Contains(v))
	assert.Len(t, s.LiveTags(v), 1)
}

func TestORSetToArrayDeterministic(t *testing.T) {
	build := func(order []string) *ORSet {
		s := NewORSet()
		for i, name := range order {
			s.ApplyAdd(types.StringValue(name), types.Tag{NodeID: "A", Counter: uint64(i + 1), Timestamp: int64(i)})
		}
		return s
	}
	s1 := build([]string{"c", "a", "b"})
	s2 := build([]string{"b", "c", "a"})

	arr1 := types.Value{Kind: types.KindArray, Arr: s1.ToArray()}
	arr2 := types.Value{Kind: types.KindArray, Arr: s2.ToArray()}
	assert.Equal(t, arr1.Canonical(), arr2.Canonical())
}

func TestORSetTrimTombstones(t *testing.T) {
	s := NewORSet()
	v := types.StringValue("red")
	t1 := types.Tag{NodeID: "A", Counter: 1, Timestamp: 10}
	require.True(t, s.ApplyAdd(v, t1))
	require.True(t, s.ApplyRemove(v, []types.Tag{t1}))

	// Observer behind the tag's counter blocks collection.
	assert.Equal(t, 0, s.TrimTombstones(100, []clock.Counters{{"A": 0}}))
	assert.Equal(t, 1, s.TrimTombstones(100, []clock.Counters{{"A": 1}}))
}
