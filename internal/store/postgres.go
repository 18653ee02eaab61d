package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pcarleton/cartograph/internal/domain"
)

// PostgresStore is the disk-backed BeliefStore. It implements the same
// contract as MemoryStore, including notification semantics, so the
// compiler can reconcile into either. Schema lives in migrations/.
type PostgresStore struct {
	db *pgxpool.Pool
}

func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) InsertBelief(ctx context.Context, b *domain.Belief) (domain.BID, domain.Notification, error) {
	existing := &domain.Belief{}
	err := s.db.QueryRow(ctx,
		`SELECT id, path, position, title, content, kind, created_at, updated_at
		 FROM beliefs WHERE id = $1`, b.ID,
	).Scan(&existing.ID, &existing.Path, &existing.Position, &existing.Title,
		&existing.Content, &existing.Kind, &existing.CreatedAt, &existing.UpdatedAt)
	switch {
	case err == nil:
		if existing.EquivalentTo(b) {
			return b.ID, domain.Notification{Kind: domain.NotifBeliefUnchanged, Belief: existing}, nil
		}
		updated := *b
		updated.CreatedAt = existing.CreatedAt
		updated.UpdatedAt = time.Now()
		_, err = s.db.Exec(ctx,
			`UPDATE beliefs SET path = $2, position = $3, title = $4, content = $5, kind = $6, updated_at = $7
			 WHERE id = $1`,
			b.ID, b.Path, b.Position, b.Title, b.Content, b.Kind, updated.UpdatedAt)
		if err != nil {
			return domain.NilBID, domain.Notification{}, err
		}
		if err := s.bumpVersion(ctx); err != nil {
			return domain.NilBID, domain.Notification{}, err
		}
		return b.ID, domain.Notification{Kind: domain.NotifBeliefUpdated, Structural: true, Belief: &updated}, nil
	case errors.Is(err, pgx.ErrNoRows):
		inserted := *b
		now := time.Now()
		inserted.CreatedAt = now
		inserted.UpdatedAt = now
		_, err = s.db.Exec(ctx,
			`INSERT INTO beliefs (id, path, position, title, content, kind, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			b.ID, b.Path, b.Position, b.Title, b.Content, b.Kind, now, now)
		if err != nil {
			return domain.NilBID, domain.Notification{}, err
		}
		if err := s.bumpVersion(ctx); err != nil {
			return domain.NilBID, domain.Notification{}, err
		}
		return b.ID, domain.Notification{Kind: domain.NotifBeliefInserted, Structural: true, Belief: &inserted}, nil
	default:
		return domain.NilBID, domain.Notification{}, err
	}
}

func (s *PostgresStore) GetBelief(ctx context.Context, id domain.BID) (*domain.Belief, error) {
	b := &domain.Belief{}
	err := s.db.QueryRow(ctx,
		`SELECT id, path, position, title, content, kind, created_at, updated_at
		 FROM beliefs WHERE id = $1`, id,
	).Scan(&b.ID, &b.Path, &b.Position, &b.Title, &b.Content, &b.Kind, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return b, nil
}

func (s *PostgresStore) BeliefsByPath(ctx context.Context, path string) ([]domain.Belief, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, path, position, title, content, kind, created_at, updated_at
		 FROM beliefs WHERE path = $1 ORDER BY position`, path)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanBeliefs(rows)
}

func (s *PostgresStore) InsertRelation(ctx context.Context, r *domain.Relation) (domain.Notification, error) {
	key := r.Target.Key()

	existing := &domain.Relation{}
	err := s.db.QueryRow(ctx,
		`SELECT source_id, rel_type, target_bid, target_path, target_title, sort_key, created_at
		 FROM relations WHERE source_id = $1 AND rel_type = $2 AND target_key = $3`,
		r.Source, r.Type, key,
	).Scan(&existing.Source, &existing.Type, &existing.Target.BID, &existing.Target.Path,
		&existing.Target.Title, &existing.SortKey, &existing.CreatedAt)
	switch {
	case err == nil:
		resolutionChanged := existing.Target.BID != r.Target.BID
		if !resolutionChanged {
			return domain.Notification{Kind: domain.NotifRelationUpdated, Source: r.Source, Target: existing.Target, Type: r.Type}, nil
		}
		// Prior sort key is preserved on update.
		_, err = s.db.Exec(ctx,
			`UPDATE relations SET target_bid = $4
			 WHERE source_id = $1 AND rel_type = $2 AND target_key = $3`,
			r.Source, r.Type, key, r.Target.BID)
		if err != nil {
			return domain.Notification{}, err
		}
		if err := s.bumpVersion(ctx); err != nil {
			return domain.Notification{}, err
		}
		return domain.Notification{Kind: domain.NotifRelationUpdated, Structural: true, Source: r.Source, Target: r.Target, Type: r.Type}, nil
	case errors.Is(err, pgx.ErrNoRows):
		sortKey := r.SortKey
		reindexed := false
		if sortKey == 0 {
			if err := s.db.QueryRow(ctx,
				`SELECT COALESCE(MAX(sort_key), 0) + $2 FROM relations WHERE source_id = $1`,
				r.Source, domain.SortKeyStride,
			).Scan(&sortKey); err != nil {
				return domain.Notification{}, err
			}
		} else {
			var taken bool
			if err := s.db.QueryRow(ctx,
				`SELECT EXISTS (SELECT 1 FROM relations WHERE source_id = $1 AND sort_key = $2)`,
				r.Source, sortKey,
			).Scan(&taken); err != nil {
				return domain.Notification{}, err
			}
			if taken {
				_, err = s.db.Exec(ctx,
					`UPDATE relations SET sort_key = sort_key + $3
					 WHERE source_id = $1 AND sort_key >= $2`,
					r.Source, sortKey, domain.SortKeyStride)
				if err != nil {
					return domain.Notification{}, err
				}
				reindexed = true
			}
		}
		_, err = s.db.Exec(ctx,
			`INSERT INTO relations (source_id, rel_type, target_key, target_bid, target_path, target_title, sort_key, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			r.Source, r.Type, key, r.Target.BID, r.Target.Path, r.Target.Title, sortKey, time.Now())
		if err != nil {
			return domain.Notification{}, err
		}
		if err := s.bumpVersion(ctx); err != nil {
			return domain.Notification{}, err
		}
		kind := domain.NotifRelationAdded
		if reindexed {
			kind = domain.NotifReindexed
		}
		return domain.Notification{Kind: kind, Structural: !reindexed, Source: r.Source, Target: r.Target, Type: r.Type}, nil
	default:
		return domain.Notification{}, err
	}
}

func (s *PostgresStore) RemoveRelation(ctx context.Context, source domain.BID, typ domain.RelationType, target domain.TargetRef) (domain.Notification, error) {
	tag, err := s.db.Exec(ctx,
		`DELETE FROM relations WHERE source_id = $1 AND rel_type = $2 AND target_key = $3`,
		source, typ, target.Key())
	if err != nil {
		return domain.Notification{}, err
	}
	if tag.RowsAffected() == 0 {
		return domain.Notification{}, ErrNotFound
	}
	if err := s.bumpVersion(ctx); err != nil {
		return domain.Notification{}, err
	}
	return domain.Notification{Kind: domain.NotifRelationRemoved, Structural: true, Source: source, Target: target, Type: typ}, nil
}

func (s *PostgresStore) RelationsBySource(ctx context.Context, source domain.BID) ([]domain.Relation, error) {
	rows, err := s.db.Query(ctx,
		`SELECT source_id, rel_type, target_bid, target_path, target_title, sort_key, created_at
		 FROM relations WHERE source_id = $1 ORDER BY sort_key`, source)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRelations(rows)
}

func (s *PostgresStore) RelationsByTarget(ctx context.Context, target domain.TargetRef) ([]domain.Relation, error) {
	rows, err := s.db.Query(ctx,
		`SELECT source_id, rel_type, target_bid, target_path, target_title, sort_key, created_at
		 FROM relations WHERE target_key = $1 OR ($2 != $3 AND target_bid = $2)
		 ORDER BY source_id, sort_key`,
		target.Key(), target.BID, domain.NilBID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRelations(rows)
}

func (s *PostgresStore) Resolve(ctx context.Context, ref domain.TargetRef) (*domain.Belief, bool, error) {
	var (
		b   *domain.Belief
		err error
	)
	switch {
	case ref.Resolved():
		b, err = s.GetBelief(ctx, ref.BID)
	case ref.Path != "":
		b = &domain.Belief{}
		err = s.db.QueryRow(ctx,
			`SELECT id, path, position, title, content, kind, created_at, updated_at
			 FROM beliefs WHERE path = $1
			 ORDER BY (kind != 'document'), position LIMIT 1`, ref.Path,
		).Scan(&b.ID, &b.Path, &b.Position, &b.Title, &b.Content, &b.Kind, &b.CreatedAt, &b.UpdatedAt)
	case ref.Title != "":
		b = &domain.Belief{}
		err = s.db.QueryRow(ctx,
			`SELECT id, path, position, title, content, kind, created_at, updated_at
			 FROM beliefs WHERE title = $1
			 ORDER BY path, position LIMIT 1`, ref.Title,
		).Scan(&b.ID, &b.Path, &b.Position, &b.Title, &b.Content, &b.Kind, &b.CreatedAt, &b.UpdatedAt)
	default:
		return nil, false, nil
	}
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) || errors.Is(err, ErrNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return b, true, nil
}

// Eval walks the graph hop by hop using the point queries above. The result
// shape and ordering match MemoryStore.Eval.
func (s *PostgresStore) Eval(ctx context.Context, q domain.Query) (*domain.Subgraph, error) {
	roots, err := s.matchRoots(ctx, q)
	if err != nil {
		return nil, err
	}

	included := make(map[domain.BID]domain.Belief)
	frontier := roots
	for depth := 0; depth <= q.Depth && len(frontier) > 0; depth++ {
		var next []domain.BID
		for _, id := range frontier {
			if _, seen := included[id]; seen {
				continue
			}
			b, err := s.GetBelief(ctx, id)
			if err != nil {
				if errors.Is(err, ErrNotFound) {
					continue
				}
				return nil, err
			}
			included[id] = *b
			if depth == q.Depth {
				continue
			}
			rels, err := s.RelationsBySource(ctx, id)
			if err != nil {
				return nil, err
			}
			for _, rel := range rels {
				if rel.Target.Resolved() {
					next = append(next, rel.Target.BID)
				}
			}
		}
		frontier = next
	}

	sub := &domain.Subgraph{}
	seenRel := make(map[string]bool)
	for id, b := range included {
		sub.Beliefs = append(sub.Beliefs, b)
		out, err := s.RelationsBySource(ctx, id)
		if err != nil {
			return nil, err
		}
		in, err := s.RelationsByTarget(ctx, domain.TargetRef{BID: id})
		if err != nil {
			return nil, err
		}
		for _, r := range append(out, in...) {
			if !seenRel[r.Identity()] {
				seenRel[r.Identity()] = true
				sub.Relations = append(sub.Relations, r)
			}
		}
	}
	sortSubgraph(sub)
	return sub, nil
}

func (s *PostgresStore) matchRoots(ctx context.Context, q domain.Query) ([]domain.BID, error) {
	if q.BID != domain.NilBID {
		if q.Kind == "" {
			return []domain.BID{q.BID}, nil
		}
		b, err := s.GetBelief(ctx, q.BID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return nil, nil
			}
			return nil, err
		}
		if b.Kind != q.Kind {
			return nil, nil
		}
		return []domain.BID{q.BID}, nil
	}

	query := `SELECT id FROM beliefs WHERE path = $1 AND ($2 = '' OR kind = $2)`
	arg := q.Path
	if q.Path == "" && q.Title != "" {
		query = `SELECT id FROM beliefs WHERE title = $1 AND ($2 = '' OR kind = $2)`
		arg = q.Title
	}
	rows, err := s.db.Query(ctx, query, arg, q.Kind)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var roots []domain.BID
	for rows.Next() {
		var id domain.BID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		roots = append(roots, id)
	}
	return roots, rows.Err()
}

func (s *PostgresStore) Version(ctx context.Context) (uint64, error) {
	var v uint64
	err := s.db.QueryRow(ctx, `SELECT version FROM store_version WHERE id = 1`).Scan(&v)
	if err != nil {
		return 0, err
	}
	return v, nil
}

func (s *PostgresStore) bumpVersion(ctx context.Context) error {
	_, err := s.db.Exec(ctx, `UPDATE store_version SET version = version + 1 WHERE id = 1`)
	return err
}

func scanBeliefs(rows pgx.Rows) ([]domain.Belief, error) {
	var out []domain.Belief
	for rows.Next() {
		var b domain.Belief
		if err := rows.Scan(&b.ID, &b.Path, &b.Position, &b.Title, &b.Content, &b.Kind, &b.CreatedAt, &b.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func scanRelations(rows pgx.Rows) ([]domain.Relation, error) {
	var out []domain.Relation
	for rows.Next() {
		var r domain.Relation
		if err := rows.Scan(&r.Source, &r.Type, &r.Target.BID, &r.Target.Path, &r.Target.Title, &r.SortKey, &r.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
