package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pcarleton/cartograph/internal/domain"
	"github.com/pcarleton/cartograph/internal/service"
	"github.com/pcarleton/cartograph/internal/source"
	"github.com/pcarleton/cartograph/internal/store"
)

func newTestApp(t *testing.T) *App {
	t.Helper()
	dir := t.TempDir()

	write := func(rel, content string) {
		full := filepath.Join(dir, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
		require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
	}
	write("a.graph.json", `{
		"nodes": [{"position": 0, "title": "Alpha", "content": "alpha body", "kind": "document"}],
		"edges": [{"source_position": 0, "target_path": "b", "type": "link"}]
	}`)
	write("b.graph.json", `{
		"nodes": [
			{"position": 0, "title": "Beta", "kind": "document"},
			{"position": 1, "title": "Beta Section", "kind": "section"}
		],
		"edges": [{"source_position": 0, "target_title": "Beta Section", "type": "child"}]
	}`)

	return NewApp(store.NewMemoryStore(), source.NewLoader(dir), zap.NewNop())
}

func doRequest(app *App, method, target, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	app.Router.ServeHTTP(rec, req)
	return rec
}

func TestCompileAndQuery(t *testing.T) {
	app := newTestApp(t)

	rec := doRequest(app, http.MethodPost, "/v1/compile", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var report service.RunReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.False(t, report.Aborted)
	require.Contains(t, report.Paths, "a")
	require.Contains(t, report.Paths, "b")
	assert.Equal(t, service.StateConverged, report.Paths["a"].State)
	assert.Equal(t, service.StateConverged, report.Paths["b"].State)

	rec = doRequest(app, http.MethodGet, "/v1/graph/eval?path=a&depth=1", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get("ETag"))

	var sub domain.Subgraph
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sub))
	require.Len(t, sub.Beliefs, 2) // a's document and b's document, reached over the link
	assert.Equal(t, "Alpha", sub.Beliefs[0].Title)
	assert.Equal(t, "Beta", sub.Beliefs[1].Title)
	require.NotEmpty(t, sub.Relations)
	assert.True(t, sub.Relations[0].Target.Resolved())

	rec = doRequest(app, http.MethodGet, "/v1/beliefs/"+sub.Beliefs[0].ID.String(), "")
	require.Equal(t, http.StatusOK, rec.Code)
	var detail struct {
		Belief    domain.Belief     `json:"belief"`
		Relations []domain.Relation `json:"relations"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &detail))
	assert.Equal(t, "Alpha", detail.Belief.Title)
	assert.Len(t, detail.Relations, 1)

	rec = doRequest(app, http.MethodGet, "/v1/paths", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var paths struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &paths))
	assert.Equal(t, 2, paths.Count)

	rec = doRequest(app, http.MethodGet, "/v1/runs/latest", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCompileSelectedPaths(t *testing.T) {
	app := newTestApp(t)

	rec := doRequest(app, http.MethodPost, "/v1/compile", `{"paths": ["b"]}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var report service.RunReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Contains(t, report.Paths, "b")
	assert.NotContains(t, report.Paths, "a")

	rec = doRequest(app, http.MethodPost, "/v1/compile", `{"paths": [`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestQueryValidation(t *testing.T) {
	app := newTestApp(t)

	rec := doRequest(app, http.MethodGet, "/v1/graph/eval", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(app, http.MethodGet, "/v1/graph/eval?bid=not-a-uuid", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(app, http.MethodGet, "/v1/graph/eval?path=a&depth=-1", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(app, http.MethodGet, "/v1/graph/eval?path=a&kind=chapter", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(app, http.MethodGet, "/v1/beliefs/not-a-uuid", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(app, http.MethodGet, "/v1/beliefs/00000000-0000-0000-0000-000000000001", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestLatestRunBeforeAnyCompile(t *testing.T) {
	app := newTestApp(t)
	rec := doRequest(app, http.MethodGet, "/v1/runs/latest", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealth(t *testing.T) {
	app := newTestApp(t)
	rec := doRequest(app, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
}
