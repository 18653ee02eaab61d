package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/pcarleton/cartograph/internal/domain"
	"github.com/pcarleton/cartograph/internal/store"
	"go.uber.org/zap"
)

// DefectError reports an internal consistency violation in a proto-graph,
// e.g. an edge referencing a logical position the parser never emitted.
// Fatal for that document's pass only; the run continues for other paths.
type DefectError struct {
	Path     string
	Position int
	Detail   string
}

func (e *DefectError) Error() string {
	return fmt.Sprintf("builder defect in %q at position %d: %s", e.Path, e.Position, e.Detail)
}

// GraphBuilder turns one document's proto-graph into a session fragment,
// consulting the global store so unchanged content is reused verbatim
// instead of rebuilt.
type GraphBuilder struct {
	allocator *Allocator
	logger    *zap.Logger
}

func NewGraphBuilder(allocator *Allocator, logger *zap.Logger) *GraphBuilder {
	return &GraphBuilder{allocator: allocator, logger: logger}
}

// BuildResult is one document's session fragment plus the bookkeeping the
// compiler needs for convergence decisions.
type BuildResult struct {
	Path     string
	Fragment *store.MemoryStore

	Unresolved []domain.UnresolvedRef

	NewBeliefs      int
	ReusedBeliefs   int
	NewRelations    int
	ReusedRelations int
}

// Changed reports whether this pass produced anything the global store does
// not already have.
func (r *BuildResult) Changed() bool {
	return r.NewBeliefs > 0 || r.NewRelations > 0
}

// Build resolves every proto-node through the allocator (same path and
// position always yields the same BID as any prior pass) and checks the
// global store for a semantically equivalent node. On a cache hit the
// existing node is carried into the fragment untouched. Proto-edges whose
// target resolves neither in the global store nor in the in-progress
// fragment are recorded with an unresolved placeholder.
//
// The global store is never written; the fragment is the only output.
func (b *GraphBuilder) Build(ctx context.Context, pg *domain.ProtoGraph, global domain.BeliefStore) (*BuildResult, error) {
	if pg == nil || pg.Path == "" {
		return nil, &DefectError{Path: "", Position: 0, Detail: "proto-graph has no path"}
	}

	bids := make(map[int]domain.BID, len(pg.Nodes))
	seen := make(map[int]bool, len(pg.Nodes))
	for _, n := range pg.Nodes {
		if seen[n.Position] {
			return nil, &DefectError{Path: pg.Path, Position: n.Position, Detail: "duplicate logical position"}
		}
		seen[n.Position] = true
		if !domain.ValidKind(string(n.Kind)) {
			return nil, &DefectError{Path: pg.Path, Position: n.Position, Detail: fmt.Sprintf("invalid kind %q", n.Kind)}
		}
	}
	for _, e := range pg.Edges {
		if !seen[e.SourcePosition] {
			return nil, &DefectError{Path: pg.Path, Position: e.SourcePosition, Detail: "edge source position absent from proto-graph"}
		}
		if !domain.ValidRelationType(string(e.Type)) {
			return nil, &DefectError{Path: pg.Path, Position: e.SourcePosition, Detail: fmt.Sprintf("invalid relation type %q", e.Type)}
		}
		if e.TargetPath == "" && e.TargetTitle == "" {
			return nil, &DefectError{Path: pg.Path, Position: e.SourcePosition, Detail: "edge has no target path or title"}
		}
	}

	// Re-adopt BIDs the global store already issued for this path, so a
	// fresh process over a persistent cache keeps identities stable.
	known, err := global.BeliefsByPath(ctx, pg.Path)
	if err != nil {
		return nil, err
	}
	for _, kb := range known {
		if err := b.allocator.Seed(pg.Path, kb.Position, kb.ID); err != nil {
			return nil, err
		}
	}

	res := &BuildResult{Path: pg.Path, Fragment: store.NewMemoryStore()}

	for _, n := range pg.Nodes {
		id, err := b.allocator.Allocate(pg.Path, n.Position)
		if err != nil {
			return nil, err
		}
		bids[n.Position] = id

		belief := &domain.Belief{
			ID:       id,
			Path:     pg.Path,
			Position: n.Position,
			Title:    n.Title,
			Content:  n.Content,
			Kind:     n.Kind,
		}

		existing, err := global.GetBelief(ctx, id)
		switch {
		case err == nil && existing.EquivalentTo(belief):
			// Cache hit: reuse verbatim, no re-insertion at reconciliation.
			if _, _, err := res.Fragment.InsertBelief(ctx, existing); err != nil {
				return nil, err
			}
			res.ReusedBeliefs++
			continue
		case err != nil && !errors.Is(err, store.ErrNotFound):
			return nil, err
		}

		if _, _, err := res.Fragment.InsertBelief(ctx, belief); err != nil {
			return nil, err
		}
		res.NewBeliefs++
	}

	// New relations take keys above everything the global store has issued
	// for their source, so a removed sibling's key is never reused.
	nextKey := make(map[domain.BID]int64)

	for _, e := range pg.Edges {
		source := bids[e.SourcePosition]
		ref := domain.TargetRef{Path: e.TargetPath, Title: e.TargetTitle}

		// Same-document targets first, then the global cache.
		target, resolved, err := res.Fragment.Resolve(ctx, ref)
		if err != nil {
			return nil, err
		}
		if !resolved {
			target, resolved, err = global.Resolve(ctx, ref)
			if err != nil {
				return nil, err
			}
		}
		if resolved {
			ref.BID = target.ID
		} else {
			res.Unresolved = append(res.Unresolved, domain.UnresolvedRef{
				SourcePath:     pg.Path,
				SourcePosition: e.SourcePosition,
				TargetPath:     e.TargetPath,
				TargetTitle:    e.TargetTitle,
				Type:           e.Type,
			})
		}

		rel := &domain.Relation{Source: source, Target: ref, Type: e.Type}

		siblings, err := global.RelationsBySource(ctx, source)
		if err != nil {
			return nil, err
		}
		if _, ok := nextKey[source]; !ok {
			var max int64
			for _, s := range siblings {
				if s.SortKey > max {
					max = s.SortKey
				}
			}
			nextKey[source] = max
		}

		if prior := priorRelation(siblings, rel); prior != nil {
			// Sort keys are never reused or recomputed: the prior key is the
			// key, even when the target just resolved into its reserved slot.
			rel.SortKey = prior.SortKey
			if prior.Target.BID == ref.BID {
				res.ReusedRelations++
			} else {
				res.NewRelations++
			}
		} else {
			nextKey[source] += domain.SortKeyStride
			rel.SortKey = nextKey[source]
			res.NewRelations++
		}

		if _, err := res.Fragment.InsertRelation(ctx, rel); err != nil {
			return nil, err
		}
	}

	b.logger.Debug("built session fragment",
		zap.String("path", pg.Path),
		zap.Int("new_beliefs", res.NewBeliefs),
		zap.Int("reused_beliefs", res.ReusedBeliefs),
		zap.Int("new_relations", res.NewRelations),
		zap.Int("reused_relations", res.ReusedRelations),
		zap.Int("unresolved", len(res.Unresolved)),
	)
	return res, nil
}

// priorRelation finds the sibling with this relation's identity, if any.
func priorRelation(siblings []domain.Relation, rel *domain.Relation) *domain.Relation {
	id := rel.Identity()
	for i := range siblings {
		if siblings[i].Identity() == id {
			return &siblings[i]
		}
	}
	return nil
}
