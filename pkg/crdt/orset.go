package crdt

import (
	"sort"

	"github.com/quillstore/quill/pkg/clock"
	"github.com/quillstore/quill/pkg/types"
)

// ORSet is an observed-remove set. Each add carries a unique tag; removes
// target the tags observed at remove time, never the value itself. A
// concurrent add with a fresh tag survives the remove (add-wins); an add
// whose tag was already tombstoned stays removed (remove-wins).
type ORSet struct {
	// adds: canonical value -> tag string -> tag
	adds map[string]map[string]types.Tag
	// values keeps the actual value for each canonical key.
	values map[string]types.Value
	// tombs: tombstoned tag string -> tag
	tombs map[string]types.Tag
}

// NewORSet creates an empty set.
func NewORSet() *ORSet {
	return &ORSet{
		adds:   make(map[string]map[string]types.Tag),
		values: make(map[string]types.Value),
		tombs:  make(map[string]types.Tag),
	}
}

// ApplyAdd associates tag with value unless the tag is already tombstoned.
func (s *ORSet) ApplyAdd(value types.Value, tag types.Tag) bool {
	ts := tag.String()
	if _, dead := s.tombs[ts]; dead {
		return false
	}
	key := value.Canonical()
	tags, ok := s.adds[key]
	if !ok {
		tags = make(map[string]types.Tag)
		s.adds[key] = tags
		s.values[key] = value
	}
	if _, exists := tags[ts]; exists {
		return false
	}
	tags[ts] = tag
	return true
}

// ApplyRemove tombstones the given tags for value. Tags that were never
// observed are still tombstoned so a late-arriving add cannot resurrect
// them.
func (s *ORSet) ApplyRemove(value types.Value, tags []types.Tag) bool {
	key := value.Canonical()
	changed := false
	for _, tag := range tags {
		ts := tag.String()
		if _, dead := s.tombs[ts]; dead {
			continue
		}
		s.tombs[ts] = tag
		if live, ok := s.adds[key]; ok {
			if _, present := live[ts]; present {
				delete(live, ts)
				changed = true
			}
		}
	}
	if live, ok := s.adds[key]; ok && len(live) == 0 {
		delete(s.adds, key)
		delete(s.values, key)
	}
	return changed
}

// Contains reports live membership.
func (s *ORSet) Contains(value types.Value) bool {
	tags, ok := s.adds[value.Canonical()]
	return ok && len(tags) > 0
}

// LiveTags returns the currently observed tags for value; this is the tag
// set a remove must carry.
func (s *ORSet) LiveTags(value types.Value) []types.Tag {
	live, ok := s.adds[value.Canonical()]
	if !ok {
		return nil
	}
	out := make([]types.Tag, 0, len(live))
	for _, t := range live {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// ToArray materializes members sorted by canonical form so every replica
// projects the identical array.
func (s *ORSet) ToArray() []types.Value {
	keys := make([]string, 0, len(s.values))
	for k := range s.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]types.Value, 0, len(keys))
	for _, k := range keys {
		out = append(out, s.values[k])
	}
	return out
}

// Len returns the number of live members.
func (s *ORSet) Len() int { return len(s.adds) }

// TrimTombstones drops tombstoned tags older than cutoff. Tags carry no
// clock of their own; the observer check uses the tag's originator counter
// against that node's counter in every observer clock.
func (s *ORSet) TrimTombstones(cutoff int64, observers []clock.Counters) int {
	removed := 0
	for ts, tag := range s.tombs {
		if tag.Timestamp >= cutoff {
			continue
		}
		seen := true
		for _, o := range observers {
			if o[tag.NodeID] < tag.Counter {
				seen = false
				break
			}
		}
		if !seen {
			continue
		}
		delete(s.tombs, ts)
		removed++
	}
	return removed
}
