package store

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/pcarleton/cartograph/internal/domain"
)

// MemoryStore is the in-memory BeliefStore. The compiler uses one long-lived
// instance as the global cache and a fresh instance per pass as the session
// fragment. All methods are safe for concurrent readers; reconciliation is
// the only writer of the global instance.
type MemoryStore struct {
	mu        sync.RWMutex
	beliefs   map[domain.BID]*domain.Belief
	relations map[string]*domain.Relation // identity → relation
	bySource  map[domain.BID][]string     // source BID → identities
	byTarget  map[string][]string         // target key → identities
	byPath    map[string][]domain.BID
	byTitle   map[string][]domain.BID
	version   uint64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		beliefs:   make(map[domain.BID]*domain.Belief),
		relations: make(map[string]*domain.Relation),
		bySource:  make(map[domain.BID][]string),
		byTarget:  make(map[string][]string),
		byPath:    make(map[string][]domain.BID),
		byTitle:   make(map[string][]domain.BID),
	}
}

func (s *MemoryStore) InsertBelief(ctx context.Context, b *domain.Belief) (domain.BID, domain.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	existing, ok := s.beliefs[b.ID]
	if ok {
		if existing.EquivalentTo(b) {
			return b.ID, domain.Notification{
				Kind:       domain.NotifBeliefUnchanged,
				Structural: false,
				Belief:     existing,
			}, nil
		}
		// Overwrite payload under the same BID. Reindex the title lookup if
		// the title moved.
		if existing.Title != b.Title {
			s.byTitle[existing.Title] = removeBID(s.byTitle[existing.Title], b.ID)
			s.byTitle[b.Title] = append(s.byTitle[b.Title], b.ID)
		}
		updated := *b
		updated.CreatedAt = existing.CreatedAt
		updated.UpdatedAt = now
		s.beliefs[b.ID] = &updated
		s.version++
		return b.ID, domain.Notification{
			Kind:       domain.NotifBeliefUpdated,
			Structural: true,
			Belief:     &updated,
		}, nil
	}

	inserted := *b
	inserted.CreatedAt = now
	inserted.UpdatedAt = now
	s.beliefs[b.ID] = &inserted
	if b.Path != "" {
		s.byPath[b.Path] = append(s.byPath[b.Path], b.ID)
	}
	s.byTitle[b.Title] = append(s.byTitle[b.Title], b.ID)
	s.version++
	return b.ID, domain.Notification{
		Kind:       domain.NotifBeliefInserted,
		Structural: true,
		Belief:     &inserted,
	}, nil
}

func (s *MemoryStore) GetBelief(ctx context.Context, id domain.BID) (*domain.Belief, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.beliefs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *b
	return &cp, nil
}

func (s *MemoryStore) BeliefsByPath(ctx context.Context, path string) ([]domain.Belief, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Belief
	for _, id := range s.byPath[path] {
		if b, ok := s.beliefs[id]; ok {
			out = append(out, *b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out, nil
}

// InsertRelation upserts by identity. An existing relation keeps its prior
// sort key; only a change in resolution is structural. A new relation with
// SortKey 0 is appended after the source's last sibling. An explicit SortKey
// that collides with a sibling shifts the colliding tail — the shifted
// relations are the changed ones, untouched siblings keep their keys.
func (s *MemoryStore) InsertRelation(ctx context.Context, r *domain.Relation) (domain.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := r.Identity()
	if existing, ok := s.relations[id]; ok {
		resolutionChanged := existing.Target.BID != r.Target.BID
		if !resolutionChanged {
			return domain.Notification{
				Kind:       domain.NotifRelationUpdated,
				Structural: false,
				Source:     r.Source,
				Target:     existing.Target,
				Type:       r.Type,
			}, nil
		}
		existing.Target = r.Target // sort key deliberately untouched
		s.version++
		return domain.Notification{
			Kind:       domain.NotifRelationUpdated,
			Structural: resolutionChanged,
			Source:     r.Source,
			Target:     r.Target,
			Type:       r.Type,
		}, nil
	}

	reindexed := false
	cp := *r
	if cp.SortKey == 0 {
		cp.SortKey = s.nextSortKey(cp.Source)
	} else if s.sortKeyTaken(cp.Source, cp.SortKey) {
		if err := s.shiftSiblings(cp.Source, cp.SortKey); err != nil {
			return domain.Notification{}, err
		}
		reindexed = true
	}
	cp.CreatedAt = time.Now()
	s.relations[id] = &cp
	s.bySource[cp.Source] = append(s.bySource[cp.Source], id)
	tk := cp.Target.Key()
	s.byTarget[tk] = append(s.byTarget[tk], id)
	s.version++

	kind := domain.NotifRelationAdded
	if reindexed {
		kind = domain.NotifReindexed
	}
	return domain.Notification{
		Kind:       kind,
		Structural: !reindexed,
		Source:     cp.Source,
		Target:     cp.Target,
		Type:       cp.Type,
	}, nil
}

func (s *MemoryStore) RemoveRelation(ctx context.Context, source domain.BID, typ domain.RelationType, target domain.TargetRef) (domain.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := &domain.Relation{Source: source, Type: typ, Target: target}
	id := r.Identity()
	existing, ok := s.relations[id]
	if !ok {
		return domain.Notification{}, ErrNotFound
	}
	delete(s.relations, id)
	s.bySource[source] = removeString(s.bySource[source], id)
	tk := existing.Target.Key()
	s.byTarget[tk] = removeString(s.byTarget[tk], id)
	s.version++
	return domain.Notification{
		Kind:       domain.NotifRelationRemoved,
		Structural: true,
		Source:     source,
		Target:     existing.Target,
		Type:       typ,
	}, nil
}

func (s *MemoryStore) RelationsBySource(ctx context.Context, source domain.BID) ([]domain.Relation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.relationsBySourceLocked(source), nil
}

func (s *MemoryStore) relationsBySourceLocked(source domain.BID) []domain.Relation {
	var out []domain.Relation
	for _, id := range s.bySource[source] {
		if r, ok := s.relations[id]; ok {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SortKey < out[j].SortKey })
	return out
}

func (s *MemoryStore) RelationsByTarget(ctx context.Context, target domain.TargetRef) ([]domain.Relation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Relation
	for _, id := range s.byTarget[target.Key()] {
		if r, ok := s.relations[id]; ok {
			out = append(out, *r)
		}
	}
	// Also match resolved relations when looking up by BID.
	if target.Resolved() {
		for _, r := range s.relations {
			if r.Target.BID == target.BID && r.Target.Key() != target.Key() {
				out = append(out, *r)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identity() < out[j].Identity() })
	return out, nil
}

// Resolve looks a reference up by BID, then by path, then by title. A miss
// is not an error: unresolved is a normal, persistent state.
func (s *MemoryStore) Resolve(ctx context.Context, ref domain.TargetRef) (*domain.Belief, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if ref.Resolved() {
		if b, ok := s.beliefs[ref.BID]; ok {
			cp := *b
			return &cp, true, nil
		}
		return nil, false, nil
	}
	if ref.Path != "" {
		if b := s.documentNodeLocked(ref.Path); b != nil {
			cp := *b
			return &cp, true, nil
		}
		return nil, false, nil
	}
	if ref.Title != "" {
		if b := s.byTitleLocked(ref.Title); b != nil {
			cp := *b
			return &cp, true, nil
		}
	}
	return nil, false, nil
}

// documentNodeLocked returns the lowest-position belief of a path,
// preferring the document-kind node.
func (s *MemoryStore) documentNodeLocked(path string) *domain.Belief {
	var best *domain.Belief
	for _, id := range s.byPath[path] {
		b, ok := s.beliefs[id]
		if !ok {
			continue
		}
		if b.Kind == domain.KindDocument {
			return b
		}
		if best == nil || b.Position < best.Position {
			best = b
		}
	}
	return best
}

// byTitleLocked picks deterministically among title collisions: lowest
// (path, position) wins.
func (s *MemoryStore) byTitleLocked(title string) *domain.Belief {
	var best *domain.Belief
	for _, id := range s.byTitle[title] {
		b, ok := s.beliefs[id]
		if !ok {
			continue
		}
		if best == nil || b.Path < best.Path || (b.Path == best.Path && b.Position < best.Position) {
			best = b
		}
	}
	return best
}

// Eval returns the minimal connected subgraph satisfying the query: the
// matched roots, everything reachable within Depth hops over resolved
// relations, and every relation directly incident to an included belief.
func (s *MemoryStore) Eval(ctx context.Context, q domain.Query) (*domain.Subgraph, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	roots := s.matchRootsLocked(q)
	included := make(map[domain.BID]*domain.Belief)
	frontier := roots
	for depth := 0; depth <= q.Depth && len(frontier) > 0; depth++ {
		var next []domain.BID
		for _, id := range frontier {
			if _, seen := included[id]; seen {
				continue
			}
			b, ok := s.beliefs[id]
			if !ok {
				continue
			}
			included[id] = b
			if depth == q.Depth {
				continue
			}
			for _, rel := range s.relationsBySourceLocked(id) {
				if rel.Target.Resolved() {
					next = append(next, rel.Target.BID)
				}
			}
		}
		frontier = next
	}

	sub := &domain.Subgraph{}
	seenRel := make(map[string]bool)
	for id := range included {
		for _, rel := range s.relationsBySourceLocked(id) {
			if !seenRel[rel.Identity()] {
				seenRel[rel.Identity()] = true
				sub.Relations = append(sub.Relations, rel)
			}
		}
		for _, relID := range s.byTarget[domain.TargetRef{BID: id}.Key()] {
			if r, ok := s.relations[relID]; ok && !seenRel[r.Identity()] {
				seenRel[r.Identity()] = true
				sub.Relations = append(sub.Relations, *r)
			}
		}
	}
	for _, r := range s.relations {
		if r.Target.Resolved() {
			if _, ok := included[r.Target.BID]; ok && !seenRel[r.Identity()] {
				seenRel[r.Identity()] = true
				sub.Relations = append(sub.Relations, *r)
			}
		}
	}

	for _, b := range included {
		sub.Beliefs = append(sub.Beliefs, *b)
	}
	sortSubgraph(sub)
	return sub, nil
}

// sortSubgraph puts a subgraph into its contractual order: beliefs by
// (path, position), relations by (source, sort key).
func sortSubgraph(sub *domain.Subgraph) {
	sort.Slice(sub.Beliefs, func(i, j int) bool {
		if sub.Beliefs[i].Path != sub.Beliefs[j].Path {
			return sub.Beliefs[i].Path < sub.Beliefs[j].Path
		}
		return sub.Beliefs[i].Position < sub.Beliefs[j].Position
	})
	sort.Slice(sub.Relations, func(i, j int) bool {
		if sub.Relations[i].Source != sub.Relations[j].Source {
			return sub.Relations[i].Source.String() < sub.Relations[j].Source.String()
		}
		return sub.Relations[i].SortKey < sub.Relations[j].SortKey
	})
}

func (s *MemoryStore) matchRootsLocked(q domain.Query) []domain.BID {
	var roots []domain.BID
	switch {
	case q.BID != domain.NilBID:
		roots = []domain.BID{q.BID}
	case q.Path != "":
		roots = append(roots, s.byPath[q.Path]...)
	case q.Title != "":
		roots = append(roots, s.byTitle[q.Title]...)
	}
	if q.Kind == "" {
		return roots
	}
	var filtered []domain.BID
	for _, id := range roots {
		if b, ok := s.beliefs[id]; ok && b.Kind == q.Kind {
			filtered = append(filtered, id)
		}
	}
	return filtered
}

func (s *MemoryStore) Version(ctx context.Context) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version, nil
}

// AllBeliefs snapshots every node in deterministic (path, position) order.
// Used when merging a session fragment into the global store.
func (s *MemoryStore) AllBeliefs() []domain.Belief {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Belief, 0, len(s.beliefs))
	for _, b := range s.beliefs {
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Path != out[j].Path {
			return out[i].Path < out[j].Path
		}
		return out[i].Position < out[j].Position
	})
	return out
}

// AllRelations snapshots every relation in deterministic identity order.
func (s *MemoryStore) AllRelations() []domain.Relation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Relation, 0, len(s.relations))
	for _, r := range s.relations {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identity() < out[j].Identity() })
	return out
}

func (s *MemoryStore) nextSortKey(source domain.BID) int64 {
	var max int64
	for _, id := range s.bySource[source] {
		if r, ok := s.relations[id]; ok && r.SortKey > max {
			max = r.SortKey
		}
	}
	return max + domain.SortKeyStride
}

func (s *MemoryStore) sortKeyTaken(source domain.BID, key int64) bool {
	for _, id := range s.bySource[source] {
		if r, ok := s.relations[id]; ok && r.SortKey == key {
			return true
		}
	}
	return false
}

// shiftSiblings reassigns keys to the siblings at or after the colliding
// key. Only the shifted relations change; everything before the insertion
// point keeps its key.
func (s *MemoryStore) shiftSiblings(source domain.BID, from int64) error {
	sibs := s.relationsBySourceLocked(source)
	for i := len(sibs) - 1; i >= 0; i-- {
		if sibs[i].SortKey < from {
			break
		}
		old := s.relations[sibs[i].Identity()]
		if old.SortKey > math.MaxInt64-domain.SortKeyStride {
			return &domain.CorruptionError{
				Invariant: "sort-key space",
				Detail:    "sort key overflow while reindexing siblings of " + source.String(),
			}
		}
		old.SortKey += domain.SortKeyStride
	}
	return nil
}

func removeBID(ids []domain.BID, id domain.BID) []domain.BID {
	out := ids[:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}

func removeString(ss []string, s string) []string {
	out := ss[:0]
	for _, v := range ss {
		if v != s {
			out = append(out, v)
		}
	}
	return out
}
