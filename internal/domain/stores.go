package domain

import (
	"context"
	"fmt"
)

// BeliefStore is the graph store contract. The in-memory store and the
// postgres-backed store implement it identically, including notification
// semantics; the compiler never knows which one it is talking to.
//
// Missing-BID lookups return store.ErrNotFound, never a zero value.
// Resolve returns resolved=false for unknown targets instead of an error:
// unresolved is first-class, persistent state.
type BeliefStore interface {
	// InsertBelief inserts or overwrites the node payload under its BID and
	// returns the BID with the resulting notification.
	InsertBelief(ctx context.Context, b *Belief) (BID, Notification, error)
	GetBelief(ctx context.Context, id BID) (*Belief, error)
	BeliefsByPath(ctx context.Context, path string) ([]Belief, error)

	// InsertRelation upserts by (source, type, target key). An existing
	// relation keeps its prior sort key; a new relation with SortKey 0 is
	// appended after the source's current last sibling.
	InsertRelation(ctx context.Context, r *Relation) (Notification, error)
	// RemoveRelation deletes one relation. Sibling sort keys are left
	// untouched; removal never reindexes.
	RemoveRelation(ctx context.Context, source BID, typ RelationType, target TargetRef) (Notification, error)
	RelationsBySource(ctx context.Context, source BID) ([]Relation, error)
	RelationsByTarget(ctx context.Context, target TargetRef) ([]Relation, error)

	// Resolve looks a target reference up by BID, then by path, then by
	// title.
	Resolve(ctx context.Context, ref TargetRef) (belief *Belief, resolved bool, err error)

	// Eval returns the minimal connected subgraph satisfying the query,
	// including all relations directly incident to the included beliefs.
	Eval(ctx context.Context, q Query) (*Subgraph, error)

	// Version is a monotonically increasing mutation counter.
	Version(ctx context.Context) (uint64, error)
}

// UnresolvedRef is the diagnostics record for a reference that did not
// resolve: enough context to report to a user.
type UnresolvedRef struct {
	SourcePath     string       `json:"source_path"`
	SourcePosition int          `json:"source_position"`
	TargetPath     string       `json:"target_path,omitempty"`
	TargetTitle    string       `json:"target_title,omitempty"`
	Type           RelationType `json:"type"`
}

// TargetRef returns the placeholder reference this record describes.
func (u UnresolvedRef) TargetRef() TargetRef {
	return TargetRef{Path: u.TargetPath, Title: u.TargetTitle}
}

// CorruptionError reports a violated store or allocator invariant: a
// duplicate BID minted for two distinct logical units, or a sort-key
// collision that reindexing cannot resolve. The global store can no longer
// be trusted, so the whole run must abort.
type CorruptionError struct {
	Invariant string
	Detail    string
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("store corruption (%s): %s", e.Invariant, e.Detail)
}
