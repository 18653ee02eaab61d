package domain

import (
	"time"

	"github.com/google/uuid"
)

// BID is the stable identifier of a belief. It is assigned exactly once per
// logical unit of content and is never recomputed from content, so it
// survives reordering, renaming and repeated parses.
type BID = uuid.UUID

// NilBID is the zero BID. A TargetRef carrying NilBID is unresolved.
var NilBID = uuid.Nil

// Kind distinguishes the closed set of node kinds. Consumers switch over
// this exhaustively.
type Kind string

const (
	KindDocument  Kind = "document"
	KindSection   Kind = "section"
	KindListItem  Kind = "list_item"
	KindSynthetic Kind = "synthetic"
)

func ValidKind(k string) bool {
	switch Kind(k) {
	case KindDocument, KindSection, KindListItem, KindSynthetic:
		return true
	}
	return false
}

// Belief is one addressable unit of document content: a document, a heading,
// a list item, or a synthetic node with no originating path.
type Belief struct {
	ID       BID    `json:"id"`
	Path     string `json:"path,omitempty"` // empty for synthetic nodes
	Position int    `json:"position"`       // logical position within Path
	Title    string `json:"title"`
	Content  string `json:"content"` // opaque payload, never interpreted here
	Kind     Kind   `json:"kind"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// EquivalentTo reports whether two beliefs carry the same reader-visible
// content. Used by the builder to decide cache hits; timestamps are excluded.
func (b *Belief) EquivalentTo(other *Belief) bool {
	if other == nil {
		return false
	}
	return b.ID == other.ID &&
		b.Path == other.Path &&
		b.Position == other.Position &&
		b.Title == other.Title &&
		b.Content == other.Content &&
		b.Kind == other.Kind
}
