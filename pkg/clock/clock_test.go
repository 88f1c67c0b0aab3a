package clock

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCompareMatrix(t *testing.T) {
	tests := []struct {
		name string
		a    Counters
		b    Counters
		want Ordering
	}{
		{"both empty", Counters{}, Counters{}, Equal},
		{"identical", Counters{"a": 2, "b": 1}, Counters{"a": 2, "b": 1}, Equal},
		{"dominated", Counters{"a": 1}, Counters{"a": 2}, Less},
		{"dominates", Counters{"a": 3, "b": 1}, Counters{"a": 2, "b": 1}, Greater},
		{"concurrent disjoint", Counters{"a": 1}, Counters{"b": 1}, Concurrent},
		{"concurrent overlapping", Counters{"a": 2, "b": 1}, Counters{"a": 1, "b": 2}, Concurrent},
		{"unknown node zero", Counters{"a": 1, "b": 0}, Counters{"a": 1}, Equal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.a.Compare(tt.b))
			// Comparison is antisymmetric.
			switch tt.want {
			case Less:
				assert.Equal(t, Greater, tt.b.Compare(tt.a))
			case Greater:
				assert.Equal(t, Less, tt.b.Compare(tt.a))
			default:
				assert.Equal(t, tt.want, tt.b.Compare(tt.a))
			}
		})
	}
}

func TestTickAndMerge(t *testing.T) {
	a := New("a")
	b := New("b")

	assert.Equal(t, uint64(1), a.Tick())
	assert.Equal(t, uint64(2), a.Tick())
	b.Tick()

	assert.Equal(t, Concurrent, a.Compare(b.Snapshot()))

	b.Merge(a.Snapshot())
	assert.Equal(t, Less, a.Compare(b.Snapshot()))
	assert.True(t, a.HappensBefore(b.Snapshot()))

	// Merge is pointwise max, not overwrite.
	assert.Equal(t, uint64(2), b.Counters["a"])
	assert.Equal(t, uint64(1), b.Counters["b"])
}

func TestSnapshotIsIndependent(t *testing.T) {
	a := New("a")
	a.Tick()
	snap := a.Snapshot()
	a.Tick()
	assert.Equal(t, uint64(1), snap["a"])
	assert.Equal(t, uint64(2), a.Counters["a"])
}

func TestWinsTiebreak(t *testing.T) {
	// Lexicographic nodeID first.
	assert.True(t, WinsTiebreak("b", 1, "x", "a", 9, "z"))
	assert.False(t, WinsTiebreak("a", 9, "z", "b", 1, "x"))
	// Same node: timestamp decides.
	assert.True(t, WinsTiebreak("a", 2, "x", "a", 1, "z"))
	// Same node and timestamp: op id decides.
	assert.True(t, WinsTiebreak("a", 1, "z", "a", 1, "x"))
}
