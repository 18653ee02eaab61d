package domain

import (
	"fmt"
	"time"
)

type RelationType string

const (
	RelationChild RelationType = "child" // structural containment within a document
	RelationLink  RelationType = "link"  // cross-document reference
	RelationEmbed RelationType = "embed" // transcluded content
	RelationTag   RelationType = "tag"   // membership in a synthetic grouping node
)

func ValidRelationType(r string) bool {
	switch RelationType(r) {
	case RelationChild, RelationLink, RelationEmbed, RelationTag:
		return true
	}
	return false
}

// SortKeyStride is the gap left between consecutive sort keys at creation
// time. The gaps reserve slots for relations that resolve in a later pass
// and must never be compacted.
const SortKeyStride int64 = 1 << 10

// TargetRef is the target side of a relation: either a resolved BID or an
// unresolved placeholder carrying the raw path/title text from the source
// document. The raw text is kept even after resolution so the relation's
// identity is stable across passes.
type TargetRef struct {
	BID   BID    `json:"bid,omitempty"`
	Path  string `json:"path,omitempty"`
	Title string `json:"title,omitempty"`
}

// Resolved reports whether the reference points at a known belief.
func (t TargetRef) Resolved() bool {
	return t.BID != NilBID
}

// Key is the identity of the reference for deduplication. It is derived
// from the raw source text when present, so a placeholder and its later
// resolution are the same relation, not two.
func (t TargetRef) Key() string {
	if t.Path != "" || t.Title != "" {
		return t.Path + "\x00" + t.Title
	}
	return t.BID.String()
}

func (t TargetRef) String() string {
	if t.Resolved() {
		return t.BID.String()
	}
	if t.Path != "" {
		return fmt.Sprintf("path:%s", t.Path)
	}
	return fmt.Sprintf("title:%s", t.Title)
}

// Relation is a directed, typed, ordered edge. Identity is
// (Source, Type, Target.Key()); SortKey orders siblings under one source.
type Relation struct {
	Source  BID          `json:"source"`
	Target  TargetRef    `json:"target"`
	Type    RelationType `json:"type"`
	SortKey int64        `json:"sort_key"`

	CreatedAt time.Time `json:"created_at"`
}

// Identity returns the deduplication key for this relation.
func (r *Relation) Identity() string {
	return r.Source.String() + "\x00" + string(r.Type) + "\x00" + r.Target.Key()
}
