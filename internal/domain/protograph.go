package domain

import "context"

// ProtoNode is one logical unit as emitted by the external parser, before
// identity assignment.
type ProtoNode struct {
	Position int    `json:"position"`
	Title    string `json:"title"`
	Content  string `json:"content"`
	Kind     Kind   `json:"kind"`
}

// ProtoEdge is a reference emitted by the external parser. The target is
// raw path/title text; resolution happens in the graph builder.
type ProtoEdge struct {
	SourcePosition int          `json:"source_position"`
	TargetPath     string       `json:"target_path,omitempty"`
	TargetTitle    string       `json:"target_title,omitempty"`
	Type           RelationType `json:"type"`
}

// ProtoGraph is the parser's output for one document: an ordered sequence
// of proto-nodes and proto-edges. Node order is document order; edge order
// is reference order within the document.
type ProtoGraph struct {
	Path  string      `json:"path"`
	Nodes []ProtoNode `json:"nodes"`
	Edges []ProtoEdge `json:"edges"`
}

// Parser is the external document-to-proto-graph transducer. It must be
// deterministic for identical input bytes.
type Parser interface {
	Parse(ctx context.Context, data []byte, path string) (*ProtoGraph, error)
}

// Source enumerates and reads corpus documents for the compiler.
type Source interface {
	List(ctx context.Context) ([]string, error)
	Read(ctx context.Context, path string) ([]byte, error)
}
