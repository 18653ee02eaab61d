// Package source feeds the compiler from a directory of proto-graph JSON
// documents — the serialized output of the external document-to-proto-graph
// transducer. The real markup parser stays outside this module; anything
// that can emit this format can drive the compiler.
package source

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pcarleton/cartograph/internal/domain"
)

// Ext is the file suffix of serialized proto-graphs.
const Ext = ".graph.json"

// Loader reads proto-graph documents from a directory tree. It implements
// both domain.Source and domain.Parser. Parsing a given byte sequence is
// deterministic, per the parser contract.
type Loader struct {
	dir string
}

func NewLoader(dir string) *Loader {
	return &Loader{dir: dir}
}

// List enumerates corpus paths: file paths relative to the corpus root,
// with the proto-graph suffix stripped, in sorted order.
func (l *Loader) List(ctx context.Context) ([]string, error) {
	var paths []string
	err := filepath.WalkDir(l.dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(p, Ext) {
			return nil
		}
		rel, err := filepath.Rel(l.dir, p)
		if err != nil {
			return err
		}
		paths = append(paths, strings.TrimSuffix(filepath.ToSlash(rel), Ext))
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)
	return paths, nil
}

func (l *Loader) Read(ctx context.Context, path string) ([]byte, error) {
	return os.ReadFile(filepath.Join(l.dir, filepath.FromSlash(path)+Ext))
}

// Parse decodes one serialized proto-graph. The document's own path field
// is optional; when present it must agree with the requested path.
func (l *Loader) Parse(ctx context.Context, data []byte, path string) (*domain.ProtoGraph, error) {
	var pg domain.ProtoGraph
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&pg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if pg.Path != "" && pg.Path != path {
		return nil, fmt.Errorf("parse %s: document declares path %q", path, pg.Path)
	}
	pg.Path = path
	return &pg, nil
}
