package service

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/pcarleton/cartograph/internal/domain"
	"github.com/pcarleton/cartograph/internal/store"
	"go.uber.org/zap"
)

// MaxAttempts bounds Building passes per path per run. The bound is the
// sole termination guarantee in the presence of cyclic or permanently
// missing references; there is no cycle detection and no timeout.
const MaxAttempts = 3

type PathState string

const (
	StateQueued            PathState = "queued"
	StateBuilding          PathState = "building"
	StateConverged         PathState = "converged"
	StateDeferred          PathState = "deferred"
	StateAttemptsExhausted PathState = "attempts_exhausted"
	StateFailed            PathState = "failed" // builder defect, isolated to this path
)

// PathReport is the diagnostics surface for one compiled path.
type PathReport struct {
	Path            string                 `json:"path"`
	State           PathState              `json:"state"`
	Attempts        int                    `json:"attempts"`
	Unresolved      []domain.UnresolvedRef `json:"unresolved,omitempty"`
	HitAttemptBound bool                   `json:"hit_attempt_bound"`
	Defect          string                 `json:"defect,omitempty"`
}

// RunReport aggregates one compilation run.
type RunReport struct {
	Paths      map[string]*PathReport `json:"paths"`
	Rounds     int                    `json:"rounds"`
	Aborted    bool                   `json:"aborted"`
	StartedAt  time.Time              `json:"started_at"`
	FinishedAt time.Time              `json:"finished_at"`
}

// Compiler orchestrates the multi-pass, multi-document build. It owns each
// path's session fragment for the duration of a pass; the global store is
// mutated only by reconciliation, which is serialized, so an aborted run
// leaves the global store at its pre-run state plus the fully reconciled
// paths.
type Compiler struct {
	global  domain.BeliefStore
	paths   *store.PathMap
	parser  domain.Parser
	source  domain.Source
	builder *GraphBuilder
	logger  *zap.Logger

	mu         sync.Mutex
	lastReport *RunReport
}

func NewCompiler(global domain.BeliefStore, paths *store.PathMap, parser domain.Parser, source domain.Source, builder *GraphBuilder, logger *zap.Logger) *Compiler {
	return &Compiler{
		global:  global,
		paths:   paths,
		parser:  parser,
		source:  source,
		builder: builder,
		logger:  logger,
	}
}

// RunAll compiles every document the source enumerates. Index entries for
// documents that vanished from the corpus are dropped first; removal is
// never silent. The beliefs a removed document contributed stay in the
// global store, so references into it keep resolving until their sources
// are recompiled.
func (c *Compiler) RunAll(ctx context.Context) (*RunReport, error) {
	paths, err := c.source.List(ctx)
	if err != nil {
		return nil, err
	}
	corpus := make(map[string]bool, len(paths))
	for _, p := range paths {
		corpus[p] = true
	}
	for _, e := range c.paths.Paths() {
		if corpus[e.Path] {
			continue
		}
		n := c.paths.Remove(e.Path)
		c.logger.Info("path removed from corpus",
			zap.String("path", e.Path),
			zap.String("change", string(n.Change)))
	}
	return c.Run(ctx, paths)
}

// Run compiles the given paths to a fixed point. Each round builds every
// queued path against the current global store (read-only), then reconciles
// the fragments serially in round order. A path converges when none of its
// unresolved references could plausibly still resolve; it defers (and
// requeues) when one could; it finalizes with partial resolution when the
// attempt bound is hit. Structural path changes requeue dependents.
//
// A run over a fully populated, unchanged global store converges every path
// in one attempt with zero deferrals; that property is what makes the cache
// worth having.
func (c *Compiler) Run(ctx context.Context, paths []string) (*RunReport, error) {
	report := &RunReport{
		Paths:     make(map[string]*PathReport),
		StartedAt: time.Now(),
	}
	defer func() {
		report.FinishedAt = time.Now()
		c.mu.Lock()
		c.lastReport = report
		c.mu.Unlock()
	}()

	queue := dedup(paths)
	for _, p := range queue {
		report.Paths[p] = &PathReport{Path: p, State: StateQueued}
	}

	for len(queue) > 0 {
		report.Rounds++
		round := queue
		queue = nil

		// Building: every queued path runs against the same global snapshot.
		// Session fragments never observe each other.
		outcomes := make(map[string]*BuildResult, len(round))
		for _, p := range round {
			if err := ctx.Err(); err != nil {
				report.Aborted = true
				return report, err
			}
			pr := report.Paths[p]
			pr.Attempts++
			pr.State = StateBuilding

			res, err := c.buildPath(ctx, p)
			if err != nil {
				var defect *DefectError
				if errors.As(err, &defect) {
					// Isolated: this document's pass fails, the run continues.
					pr.State = StateFailed
					pr.Defect = defect.Error()
					c.logger.Error("builder defect", zap.String("path", p), zap.Error(defect))
					continue
				}
				var corrupt *domain.CorruptionError
				if errors.As(err, &corrupt) {
					// The store can no longer be trusted; abort the run.
					report.Aborted = true
					c.logger.Error("store corruption, aborting run", zap.Error(corrupt))
					return report, corrupt
				}
				pr.State = StateFailed
				pr.Defect = err.Error()
				c.logger.Error("pass failed", zap.String("path", p), zap.Error(err))
				continue
			}
			outcomes[p] = res
		}

		// Reconciliation: the sole mutation point, serialized in round order.
		// Cancellation between paths never merges a partial fragment.
		requeued := make(map[string]bool)
		for _, p := range round {
			res := outcomes[p]
			if res == nil {
				continue
			}
			if err := ctx.Err(); err != nil {
				report.Aborted = true
				return report, err
			}
			pathNotif, err := c.reconcile(ctx, res)
			if err != nil {
				var corrupt *domain.CorruptionError
				if errors.As(err, &corrupt) {
					report.Aborted = true
					c.logger.Error("store corruption during reconciliation, aborting run", zap.Error(corrupt))
					return report, corrupt
				}
				return report, err
			}

			if pathNotif.Change.Structural() {
				deps, err := c.dependentsOf(ctx, res)
				if err != nil {
					return report, err
				}
				for _, d := range deps {
					if d == p || requeued[d] {
						continue
					}
					pr, known := report.Paths[d]
					if !known {
						pr = &PathReport{Path: d, State: StateQueued}
						report.Paths[d] = pr
					}
					if pr.Attempts >= MaxAttempts {
						c.logger.Warn("dependent hit attempt bound, not requeuing",
							zap.String("path", d), zap.String("changed", p))
						continue
					}
					requeued[d] = true
					c.logger.Debug("requeuing dependent",
						zap.String("path", d),
						zap.String("changed", p),
						zap.String("change", string(pathNotif.Change)))
				}
			}
		}

		// Transitions, decided against the post-pass global store.
		nextRound := make(map[string]bool, len(requeued))
		for d := range requeued {
			nextRound[d] = true
		}
		for _, p := range round {
			res := outcomes[p]
			if res == nil {
				continue // failed; finalized above
			}
			pr := report.Paths[p]

			pending, permanent, err := c.splitUnresolved(ctx, res.Unresolved, nextRound)
			if err != nil {
				return report, err
			}
			pr.Unresolved = permanent

			switch {
			case len(pending) == 0:
				pr.State = StateConverged
			case pr.Attempts >= MaxAttempts:
				// Finalized with whatever resolved; a warning, never an error.
				pr.State = StateAttemptsExhausted
				pr.HitAttemptBound = true
				pr.Unresolved = append(pending, permanent...)
				c.logger.Warn("attempt bound exhausted",
					zap.String("path", p),
					zap.Int("unresolved", len(pr.Unresolved)))
			default:
				pr.State = StateDeferred
				nextRound[p] = true
			}
		}

		for p := range nextRound {
			queue = append(queue, p)
		}
		sort.Strings(queue)
		for _, p := range queue {
			if report.Paths[p].State != StateDeferred {
				report.Paths[p].State = StateQueued
			}
		}
	}

	return report, nil
}

// LastReport returns the diagnostics of the most recent run, or nil.
func (c *Compiler) LastReport() *RunReport {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastReport
}

func (c *Compiler) buildPath(ctx context.Context, path string) (*BuildResult, error) {
	data, err := c.source.Read(ctx, path)
	if err != nil {
		return nil, err
	}
	pg, err := c.parser.Parse(ctx, data, path)
	if err != nil {
		return nil, err
	}
	return c.builder.Build(ctx, pg, c.global)
}

// reconcile merges one session fragment into the global store: beliefs are
// upserted, relations upserted or removed to match the fragment, and the
// path index updated. Notifications produced purely by index bookkeeping
// stay non-structural so they cannot requeue unrelated paths.
func (c *Compiler) reconcile(ctx context.Context, res *BuildResult) (domain.PathNotification, error) {
	var notifs []domain.Notification

	beliefs := res.Fragment.AllBeliefs()
	for i := range beliefs {
		_, n, err := c.global.InsertBelief(ctx, &beliefs[i])
		if err != nil {
			return domain.PathNotification{}, err
		}
		notifs = append(notifs, n)
	}

	for i := range beliefs {
		src := beliefs[i].ID
		fragRels, err := res.Fragment.RelationsBySource(ctx, src)
		if err != nil {
			return domain.PathNotification{}, err
		}
		globalRels, err := c.global.RelationsBySource(ctx, src)
		if err != nil {
			return domain.PathNotification{}, err
		}

		keep := make(map[string]bool, len(fragRels))
		for j := range fragRels {
			keep[fragRels[j].Identity()] = true
			n, err := c.global.InsertRelation(ctx, &fragRels[j])
			if err != nil {
				return domain.PathNotification{}, err
			}
			notifs = append(notifs, n)
		}
		// Edges the re-parse dropped are removed explicitly.
		for j := range globalRels {
			if keep[globalRels[j].Identity()] {
				continue
			}
			n, err := c.global.RemoveRelation(ctx, src, globalRels[j].Type, globalRels[j].Target)
			if err != nil && !errors.Is(err, store.ErrNotFound) {
				return domain.PathNotification{}, err
			}
			notifs = append(notifs, n)
		}
	}

	notifs = SuppressReindexPairs(notifs)
	structural := 0
	for _, n := range notifs {
		if n.Structural {
			structural++
		}
	}

	root, parts := pathStructure(beliefs)
	fp := store.Fingerprint(root, parts)
	pathNotif := c.paths.ProcessPath(res.Path, root, fp)

	c.logger.Debug("reconciled",
		zap.String("path", res.Path),
		zap.Int("notifications", len(notifs)),
		zap.Int("structural", structural),
		zap.String("path_change", string(pathNotif.Change)))
	return pathNotif, nil
}

// dependentsOf computes the paths holding a reference to anything this
// fragment defines: by raw path text, by raw title text, or by resolved BID.
func (c *Compiler) dependentsOf(ctx context.Context, res *BuildResult) ([]string, error) {
	beliefs := res.Fragment.AllBeliefs()
	refs := []domain.TargetRef{{Path: res.Path}}
	for i := range beliefs {
		refs = append(refs,
			domain.TargetRef{BID: beliefs[i].ID},
			domain.TargetRef{Title: beliefs[i].Title},
			domain.TargetRef{Path: res.Path, Title: beliefs[i].Title},
		)
	}

	seen := make(map[string]bool)
	var deps []string
	for _, ref := range refs {
		rels, err := c.global.RelationsByTarget(ctx, ref)
		if err != nil {
			return nil, err
		}
		for _, r := range rels {
			src, err := c.global.GetBelief(ctx, r.Source)
			if err != nil {
				if errors.Is(err, store.ErrNotFound) {
					continue
				}
				return nil, err
			}
			if src.Path == "" || src.Path == res.Path || seen[src.Path] {
				continue
			}
			seen[src.Path] = true
			deps = append(deps, src.Path)
		}
	}
	sort.Strings(deps)
	return deps, nil
}

// splitUnresolved classifies a pass's unresolved references against the
// post-pass global store. Pending refs could still resolve — the target now
// exists in the global store, or its path is queued for another round — and
// justify a deferral. Everything else is permanently unresolved for this
// run: legitimate, persistent state surfaced as diagnostics.
func (c *Compiler) splitUnresolved(ctx context.Context, refs []domain.UnresolvedRef, nextRound map[string]bool) (pending, permanent []domain.UnresolvedRef, err error) {
	for _, u := range refs {
		_, resolved, rerr := c.global.Resolve(ctx, u.TargetRef())
		if rerr != nil {
			return nil, nil, rerr
		}
		if resolved || (u.TargetPath != "" && nextRound[u.TargetPath]) {
			pending = append(pending, u)
		} else {
			permanent = append(permanent, u)
		}
	}
	return pending, permanent, nil
}

// SuppressReindexPairs downgrades removed/added notification pairs that
// cancel out — same relation identity, same resolution — to non-structural.
// Such a pair is pure index bookkeeping and must never requeue a dependent.
func SuppressReindexPairs(notifs []domain.Notification) []domain.Notification {
	type relKey struct {
		source domain.BID
		typ    domain.RelationType
		target string
		bid    domain.BID
	}
	removed := make(map[relKey][]int)
	added := make(map[relKey][]int)
	for i, n := range notifs {
		k := relKey{source: n.Source, typ: n.Type, target: n.Target.Key(), bid: n.Target.BID}
		switch n.Kind {
		case domain.NotifRelationRemoved:
			removed[k] = append(removed[k], i)
		case domain.NotifRelationAdded:
			added[k] = append(added[k], i)
		}
	}
	for k, rs := range removed {
		as, ok := added[k]
		if !ok {
			continue
		}
		pairs := len(rs)
		if len(as) < pairs {
			pairs = len(as)
		}
		for i := 0; i < pairs; i++ {
			notifs[rs[i]].Structural = false
			notifs[as[i]].Structural = false
			notifs[rs[i]].Kind = domain.NotifReindexed
			notifs[as[i]].Kind = domain.NotifReindexed
		}
	}
	return notifs
}

// pathStructure extracts the fingerprint inputs from a fragment's beliefs,
// which arrive in (path, position) order.
func pathStructure(beliefs []domain.Belief) (domain.BID, []store.FingerprintPart) {
	var root domain.BID
	parts := make([]store.FingerprintPart, 0, len(beliefs))
	for i := range beliefs {
		if beliefs[i].Kind == domain.KindDocument && root == domain.NilBID {
			root = beliefs[i].ID
		}
		parts = append(parts, store.FingerprintPart{BID: beliefs[i].ID, Title: beliefs[i].Title})
	}
	if root == domain.NilBID && len(beliefs) > 0 {
		root = beliefs[0].ID
	}
	return root, parts
}

func dedup(paths []string) []string {
	seen := make(map[string]bool, len(paths))
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return out
}
