package store

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/pcarleton/cartograph/internal/domain"
)

func testBelief(path string, position int, title string) *domain.Belief {
	return &domain.Belief{
		ID:       uuid.New(),
		Path:     path,
		Position: position,
		Title:    title,
		Content:  "content of " + title,
		Kind:     domain.KindSection,
	}
}

func TestInsertBeliefNotifications(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	b := testBelief("docs/a", 1, "Alpha")
	_, n, err := s.InsertBelief(ctx, b)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if n.Kind != domain.NotifBeliefInserted || !n.Structural {
		t.Errorf("expected structural insert notification, got %+v", n)
	}

	// Same payload again: unchanged, non-structural, no version bump.
	v1, _ := s.Version(ctx)
	_, n, err = s.InsertBelief(ctx, b)
	if err != nil {
		t.Fatalf("re-insert: %v", err)
	}
	if n.Kind != domain.NotifBeliefUnchanged || n.Structural {
		t.Errorf("expected non-structural unchanged notification, got %+v", n)
	}
	v2, _ := s.Version(ctx)
	if v1 != v2 {
		t.Errorf("no-op upsert bumped version: %d -> %d", v1, v2)
	}

	// Changed title: updated, structural.
	changed := *b
	changed.Title = "Alpha, revised"
	_, n, err = s.InsertBelief(ctx, &changed)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if n.Kind != domain.NotifBeliefUpdated || !n.Structural {
		t.Errorf("expected structural update notification, got %+v", n)
	}

	got, err := s.GetBelief(ctx, b.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Title != "Alpha, revised" {
		t.Errorf("title not updated: %q", got.Title)
	}
}

func TestGetBeliefMissing(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.GetBelief(context.Background(), uuid.New())
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestInsertRelationPreservesSortKey(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	src := uuid.New()

	rel := &domain.Relation{
		Source: src,
		Target: domain.TargetRef{Path: "docs/b"},
		Type:   domain.RelationLink,
	}
	if _, err := s.InsertRelation(ctx, rel); err != nil {
		t.Fatalf("insert: %v", err)
	}
	rels, _ := s.RelationsBySource(ctx, src)
	if len(rels) != 1 {
		t.Fatalf("expected 1 relation, got %d", len(rels))
	}
	key := rels[0].SortKey
	if key == 0 {
		t.Fatal("expected a non-zero assigned sort key")
	}

	// Same identity, now resolved: update in place, same key.
	resolved := &domain.Relation{
		Source: src,
		Target: domain.TargetRef{BID: uuid.New(), Path: "docs/b"},
		Type:   domain.RelationLink,
	}
	n, err := s.InsertRelation(ctx, resolved)
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if n.Kind != domain.NotifRelationUpdated || !n.Structural {
		t.Errorf("expected structural update, got %+v", n)
	}
	rels, _ = s.RelationsBySource(ctx, src)
	if len(rels) != 1 {
		t.Fatalf("upsert duplicated the relation: %d rows", len(rels))
	}
	if rels[0].SortKey != key {
		t.Errorf("sort key changed on update: %d -> %d", key, rels[0].SortKey)
	}
	if !rels[0].Target.Resolved() {
		t.Error("target resolution lost on update")
	}
}

func TestSortKeyMonotonicityUnderInsertion(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	src := uuid.New()

	first := &domain.Relation{Source: src, Target: domain.TargetRef{Title: "one"}, Type: domain.RelationChild}
	second := &domain.Relation{Source: src, Target: domain.TargetRef{Title: "two"}, Type: domain.RelationChild}
	if _, err := s.InsertRelation(ctx, first); err != nil {
		t.Fatal(err)
	}
	if _, err := s.InsertRelation(ctx, second); err != nil {
		t.Fatal(err)
	}
	rels, _ := s.RelationsBySource(ctx, src)
	k1, k2 := rels[0].SortKey, rels[1].SortKey
	if k2-k1 != domain.SortKeyStride {
		t.Fatalf("expected stride gap, got %d and %d", k1, k2)
	}

	// Insert between the two using the gap: neither sibling may move.
	mid := &domain.Relation{
		Source:  src,
		Target:  domain.TargetRef{Title: "between"},
		Type:    domain.RelationChild,
		SortKey: k1 + (k2-k1)/2,
	}
	if _, err := s.InsertRelation(ctx, mid); err != nil {
		t.Fatal(err)
	}
	rels, _ = s.RelationsBySource(ctx, src)
	if len(rels) != 3 {
		t.Fatalf("expected 3 relations, got %d", len(rels))
	}
	if rels[0].SortKey != k1 || rels[2].SortKey != k2 {
		t.Errorf("sibling sort keys changed: %d, %d, %d", rels[0].SortKey, rels[1].SortKey, rels[2].SortKey)
	}
	if rels[1].Target.Title != "between" {
		t.Errorf("insertion order wrong: %+v", rels)
	}
}

func TestSortKeyCollisionShiftsOnlyTail(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	src := uuid.New()

	before := &domain.Relation{Source: src, Target: domain.TargetRef{Title: "before"}, Type: domain.RelationChild, SortKey: 512}
	at := &domain.Relation{Source: src, Target: domain.TargetRef{Title: "at"}, Type: domain.RelationChild, SortKey: 1024}
	after := &domain.Relation{Source: src, Target: domain.TargetRef{Title: "after"}, Type: domain.RelationChild, SortKey: 2048}
	for _, r := range []*domain.Relation{before, at, after} {
		if _, err := s.InsertRelation(ctx, r); err != nil {
			t.Fatal(err)
		}
	}

	colliding := &domain.Relation{Source: src, Target: domain.TargetRef{Title: "new"}, Type: domain.RelationChild, SortKey: 1024}
	n, err := s.InsertRelation(ctx, colliding)
	if err != nil {
		t.Fatal(err)
	}
	if n.Kind != domain.NotifReindexed || n.Structural {
		t.Errorf("collision insert must be a non-structural reindex, got %+v", n)
	}

	rels, _ := s.RelationsBySource(ctx, src)
	titles := make([]string, len(rels))
	for i, r := range rels {
		titles[i] = r.Target.Title
	}
	want := []string{"before", "new", "at", "after"}
	for i := range want {
		if titles[i] != want[i] {
			t.Fatalf("order after reindex: %v, want %v", titles, want)
		}
	}
	if rels[0].SortKey != 512 {
		t.Errorf("untouched sibling was renumbered: %d", rels[0].SortKey)
	}
}

func TestRemoveRelationNotifies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	src := uuid.New()
	target := domain.TargetRef{Path: "docs/b"}

	if _, err := s.InsertRelation(ctx, &domain.Relation{Source: src, Target: target, Type: domain.RelationLink}); err != nil {
		t.Fatal(err)
	}
	n, err := s.RemoveRelation(ctx, src, domain.RelationLink, target)
	if err != nil {
		t.Fatalf("remove: %v", err)
	}
	if n.Kind != domain.NotifRelationRemoved {
		t.Errorf("expected removal notification, got %+v", n)
	}

	if _, err := s.RemoveRelation(ctx, src, domain.RelationLink, target); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound on double remove, got %v", err)
	}
}

func TestResolveOrder(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	doc := testBelief("docs/a", 0, "Document A")
	doc.Kind = domain.KindDocument
	sec := testBelief("docs/a", 1, "Section One")
	for _, b := range []*domain.Belief{doc, sec} {
		if _, _, err := s.InsertBelief(ctx, b); err != nil {
			t.Fatal(err)
		}
	}

	// By BID.
	got, ok, err := s.Resolve(ctx, domain.TargetRef{BID: sec.ID})
	if err != nil || !ok || got.ID != sec.ID {
		t.Fatalf("resolve by BID: %v %v %+v", err, ok, got)
	}

	// By path: the document node wins over lower sections.
	got, ok, _ = s.Resolve(ctx, domain.TargetRef{Path: "docs/a"})
	if !ok || got.ID != doc.ID {
		t.Fatalf("resolve by path returned %+v", got)
	}

	// By title.
	got, ok, _ = s.Resolve(ctx, domain.TargetRef{Title: "Section One"})
	if !ok || got.ID != sec.ID {
		t.Fatalf("resolve by title returned %+v", got)
	}

	// Miss: unresolved, not an error.
	_, ok, err = s.Resolve(ctx, domain.TargetRef{Title: "Missing"})
	if err != nil {
		t.Fatalf("resolve miss errored: %v", err)
	}
	if ok {
		t.Fatal("resolved a reference with no match")
	}
}

func TestEvalInducedSubgraph(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	a := testBelief("docs/a", 0, "A")
	a.Kind = domain.KindDocument
	b := testBelief("docs/b", 0, "B")
	b.Kind = domain.KindDocument
	c := testBelief("docs/c", 0, "C")
	c.Kind = domain.KindDocument
	for _, n := range []*domain.Belief{a, b, c} {
		if _, _, err := s.InsertBelief(ctx, n); err != nil {
			t.Fatal(err)
		}
	}
	// a -> b -> c, plus an unresolved edge off b.
	mustInsertRelation(t, s, &domain.Relation{Source: a.ID, Target: domain.TargetRef{BID: b.ID, Path: "docs/b"}, Type: domain.RelationLink})
	mustInsertRelation(t, s, &domain.Relation{Source: b.ID, Target: domain.TargetRef{BID: c.ID, Path: "docs/c"}, Type: domain.RelationLink})
	mustInsertRelation(t, s, &domain.Relation{Source: b.ID, Target: domain.TargetRef{Title: "Nowhere"}, Type: domain.RelationLink})

	sub, err := s.Eval(ctx, domain.Query{Path: "docs/a", Depth: 1})
	if err != nil {
		t.Fatal(err)
	}
	// Depth 1 from a: a and b, not c. Incident relations of both, including
	// b's unresolved edge and b's outgoing edge to c.
	if len(sub.Beliefs) != 2 {
		t.Fatalf("expected 2 beliefs, got %d: %+v", len(sub.Beliefs), sub.Beliefs)
	}
	if sub.Beliefs[0].ID != a.ID || sub.Beliefs[1].ID != b.ID {
		t.Errorf("unexpected beliefs in subgraph: %+v", sub.Beliefs)
	}
	if len(sub.Relations) != 3 {
		t.Fatalf("expected 3 incident relations, got %d", len(sub.Relations))
	}

	// Depth 0: roots only, but still with incident relations.
	sub, err = s.Eval(ctx, domain.Query{BID: b.ID, Depth: 0})
	if err != nil {
		t.Fatal(err)
	}
	if len(sub.Beliefs) != 1 || sub.Beliefs[0].ID != b.ID {
		t.Fatalf("expected just b, got %+v", sub.Beliefs)
	}
	if len(sub.Relations) != 3 {
		t.Errorf("expected a->b, b->c and the unresolved edge, got %d", len(sub.Relations))
	}

	// No match: empty subgraph, no error.
	sub, err = s.Eval(ctx, domain.Query{Path: "docs/missing", Depth: 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(sub.Beliefs) != 0 || len(sub.Relations) != 0 {
		t.Errorf("expected empty subgraph, got %+v", sub)
	}
}

func mustInsertRelation(t *testing.T, s *MemoryStore, r *domain.Relation) {
	t.Helper()
	if _, err := s.InsertRelation(context.Background(), r); err != nil {
		t.Fatal(err)
	}
}
