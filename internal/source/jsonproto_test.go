package source

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/pcarleton/cartograph/internal/domain"
)

func writeDoc(t *testing.T, dir, rel, content string) {
	t.Helper()
	full := filepath.Join(dir, rel)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestListStripsSuffixAndSorts(t *testing.T) {
	dir := t.TempDir()
	writeDoc(t, dir, "notes/b.graph.json", "{}")
	writeDoc(t, dir, "a.graph.json", "{}")
	writeDoc(t, dir, "README.md", "not a document")

	paths, err := NewLoader(dir).List(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"a", "notes/b"}
	if !reflect.DeepEqual(paths, want) {
		t.Errorf("List = %v, want %v", paths, want)
	}
}

func TestReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	writeDoc(t, dir, "notes/b.graph.json", `{"nodes":[]}`)

	data, err := NewLoader(dir).Read(context.Background(), "notes/b")
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `{"nodes":[]}` {
		t.Errorf("Read = %q", data)
	}

	if _, err := NewLoader(dir).Read(context.Background(), "missing"); err == nil {
		t.Error("reading a missing path did not fail")
	}
}

func TestParse(t *testing.T) {
	l := NewLoader("")
	ctx := context.Background()

	doc := `{
		"path": "notes/b",
		"nodes": [
			{"position": 0, "title": "B", "content": "hello", "kind": "document"},
			{"position": 1, "title": "Item", "kind": "list_item"}
		],
		"edges": [
			{"source_position": 0, "target_path": "notes/a", "type": "link"},
			{"source_position": 1, "target_title": "Elsewhere", "type": "embed"}
		]
	}`
	pg, err := l.Parse(ctx, []byte(doc), "notes/b")
	if err != nil {
		t.Fatal(err)
	}
	if pg.Path != "notes/b" || len(pg.Nodes) != 2 || len(pg.Edges) != 2 {
		t.Fatalf("parsed %+v", pg)
	}
	if pg.Nodes[1].Kind != domain.KindListItem || pg.Edges[1].Type != domain.RelationEmbed {
		t.Errorf("enum fields decoded wrong: %+v", pg)
	}

	// The embedded path field is optional.
	pg, err = l.Parse(ctx, []byte(`{"nodes":[]}`), "notes/b")
	if err != nil {
		t.Fatal(err)
	}
	if pg.Path != "notes/b" {
		t.Errorf("requested path not adopted: %q", pg.Path)
	}

	// A disagreeing path field is a hard error.
	if _, err := l.Parse(ctx, []byte(`{"path":"other"}`), "notes/b"); err == nil {
		t.Error("path disagreement accepted")
	}

	// Unknown fields are rejected to catch schema drift early.
	if _, err := l.Parse(ctx, []byte(`{"vertices":[]}`), "notes/b"); err == nil {
		t.Error("unknown field accepted")
	}

	if _, err := l.Parse(ctx, []byte(`{`), "notes/b"); err == nil {
		t.Error("malformed JSON accepted")
	}
}
