package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/pcarleton/cartograph/internal/domain"
	"github.com/pcarleton/cartograph/internal/store"
)

// GraphHandler exposes the query surface: point lookups, declarative Eval
// queries, and the path index.
type GraphHandler struct {
	beliefs domain.BeliefStore
	paths   *store.PathMap
}

func NewGraphHandler(beliefs domain.BeliefStore, paths *store.PathMap) *GraphHandler {
	return &GraphHandler{beliefs: beliefs, paths: paths}
}

// Eval handles GET /v1/graph/eval?path=&bid=&title=&kind=&depth=.
// The response is a self-contained subgraph; relation order reflects the
// preserved sort keys and nothing else.
func (h *GraphHandler) Eval(w http.ResponseWriter, r *http.Request) {
	var q domain.Query

	if s := r.URL.Query().Get("bid"); s != "" {
		id, err := uuid.Parse(s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid bid")
			return
		}
		q.BID = id
	}
	q.Path = r.URL.Query().Get("path")
	q.Title = r.URL.Query().Get("title")
	if s := r.URL.Query().Get("kind"); s != "" {
		if !domain.ValidKind(s) {
			writeError(w, http.StatusBadRequest, "invalid kind")
			return
		}
		q.Kind = domain.Kind(s)
	}
	if q.BID == domain.NilBID && q.Path == "" && q.Title == "" {
		writeError(w, http.StatusBadRequest, "one of bid, path or title is required")
		return
	}
	q.Depth = 1
	if s := r.URL.Query().Get("depth"); s != "" {
		d, err := strconv.Atoi(s)
		if err != nil || d < 0 {
			writeError(w, http.StatusBadRequest, "invalid depth")
			return
		}
		q.Depth = d
	}

	sub, err := h.beliefs.Eval(r.Context(), q)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}

	version, err := h.beliefs.Version(r.Context())
	if err == nil {
		w.Header().Set("ETag", fmt.Sprintf(`"v%d"`, version))
	}
	writeJSON(w, http.StatusOK, sub)
}

// GetBelief handles GET /v1/beliefs/{bid}.
func (h *GraphHandler) GetBelief(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "bid"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid bid")
		return
	}

	b, err := h.beliefs.GetBelief(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "belief not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}

	rels, err := h.beliefs.RelationsBySource(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"belief":    b,
		"relations": rels,
	})
}

// ListPaths handles GET /v1/paths.
func (h *GraphHandler) ListPaths(w http.ResponseWriter, r *http.Request) {
	entries := h.paths.Paths()
	type pathEntry struct {
		Path string     `json:"path"`
		BID  domain.BID `json:"bid"`
	}
	out := make([]pathEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, pathEntry{Path: e.Path, BID: e.NewBID})
	}
	writeJSON(w, http.StatusOK, map[string]any{"paths": out, "count": len(out)})
}
