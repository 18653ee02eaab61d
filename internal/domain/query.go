package domain

// Query selects the roots of an induced subgraph. Exactly one of BID, Path
// or Title should be set; Kind optionally narrows the match. Depth bounds
// the traversal from the matched roots over resolved relations (0 means
// roots only, 1 adds direct neighbors, and so on).
type Query struct {
	BID   BID    `json:"bid,omitempty"`
	Path  string `json:"path,omitempty"`
	Title string `json:"title,omitempty"`
	Kind  Kind   `json:"kind,omitempty"`
	Depth int    `json:"depth"`
}

// Subgraph is a self-contained view: the matched beliefs, everything
// reachable within the query depth, and all relations directly incident to
// the included beliefs. Relations are ordered by (source, sort key); callers
// must not read anything else into slice order.
type Subgraph struct {
	Beliefs   []Belief   `json:"beliefs"`
	Relations []Relation `json:"relations"`
}
