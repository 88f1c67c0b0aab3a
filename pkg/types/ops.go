package types

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/quillstore/quill/pkg/clock"
)

// OpType identifies a CRDT mutation variant.
type OpType string

const (
	OpMapSet      OpType = "map_set"
	OpMapDelete   OpType = "map_delete"
	OpRGAInsert   OpType = "rga_insert"
	OpRGADelete   OpType = "rga_delete"
	OpORSetAdd    OpType = "orset_add"
	OpORSetRemove OpType = "orset_remove"
)

// OpID globally identifies a single operation.
type OpID struct {
	NodeID  string `json:"node_id"`
	Counter uint64 `json:"counter"`
	Nonce   string `json:"nonce"`
}

func (id OpID) String() string {
	return fmt.Sprintf("%s:%d:%s", id.NodeID, id.Counter, id.Nonce)
}

// IsZero reports whether the id is unset.
func (id OpID) IsZero() bool {
	return id.NodeID == "" && id.Counter == 0 && id.Nonce == ""
}

// ElemID identifies one RGA element. Unlike OpID it carries no nonce:
// element identity must be derivable by every replica.
type ElemID struct {
	NodeID  string `json:"node_id"`
	Counter uint64 `json:"counter"`
}

func (id ElemID) String() string {
	return fmt.Sprintf("%s:%d", id.NodeID, id.Counter)
}

// IsZero reports whether the id is the RGA head sentinel.
func (id ElemID) IsZero() bool {
	return id.NodeID == "" && id.Counter == 0
}

// Tag is a unique marker attached to one OR-Set add. Removes target tags,
// never values, which is what makes concurrent add/remove resolve.
type Tag struct {
	NodeID    string `json:"node_id"`
	Counter   uint64 `json:"counter"`
	Timestamp int64  `json:"timestamp"`
}

func (t Tag) String() string {
	return fmt.Sprintf("%s:%d:%d", t.NodeID, t.Counter, t.Timestamp)
}

// Operation is one CRDT mutation, local or remote. Clock is the originator's
// vector clock snapshot taken after the originating tick; Timestamp is the
// originator's wall clock and is only ever a tiebreaker.
type Operation struct {
	OpID      OpID           `json:"op_id"`
	Type      OpType         `json:"type"`
	Path      []string       `json:"path"`
	Value     Value          `json:"value"`
	After     *ElemID        `json:"after,omitempty"`
	Elem      *ElemID        `json:"elem,omitempty"`
	Tag       *Tag           `json:"tag,omitempty"`
	Tags      []Tag          `json:"tags,omitempty"`
	Clock     clock.Counters `json:"clock"`
	NodeID    string         `json:"node_id"`
	Timestamp int64          `json:"timestamp"`
}

// PathString joins a nested path for logging and conflict reports.
func PathString(path []string) string {
	return strings.Join(path, ".")
}

var collectionRe = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// ValidateCollection rejects names outside [A-Za-z0-9_]+.
func ValidateCollection(name string) error {
	if !collectionRe.MatchString(name) {
		return NewError(ErrValidation, "invalid_collection_name",
			fmt.Sprintf("collection name %q must match [A-Za-z0-9_]+", name))
	}
	return nil
}

// ValidateDocID rejects empty document ids.
func ValidateDocID(id string) error {
	if id == "" {
		return NewError(ErrValidation, "missing_field", "document id must be non-empty")
	}
	return nil
}

// NowMillis returns the server wall clock in unix milliseconds, the unit
// used for every timestamp on the wire and in storage.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}
