package store

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"sync"

	"github.com/pcarleton/cartograph/internal/domain"
)

// PathMap maps external document paths to node identifiers and detects when
// a path's resolved identity or descendant structure changes between two
// reconciliations. Entries are never silently dropped: removal is an
// explicit, notified event.
type PathMap struct {
	mu      sync.RWMutex
	entries map[string]pathEntry
}

type pathEntry struct {
	bid         domain.BID
	fingerprint string
}

func NewPathMap() *PathMap {
	return &PathMap{entries: make(map[string]pathEntry)}
}

// FingerprintPart is one unit of a path's reader-visible structure.
type FingerprintPart struct {
	BID   domain.BID
	Title string
}

// Fingerprint digests the reader-visible structure of a path: its root BID
// plus the ordered identities and titles of its units. Sort-key values and
// content payloads are excluded, so pure reindexing cannot change a
// fingerprint and neither can an edit that no dependent could resolve
// differently.
func Fingerprint(root domain.BID, parts []FingerprintPart) string {
	h := sha256.New()
	h.Write(root[:])
	for _, p := range parts {
		h.Write([]byte{0})
		h.Write(p.BID[:])
		h.Write([]byte{0})
		h.Write([]byte(p.Title))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// ProcessPath compares the new resolution against the prior record.
// Unchanged: same BID, same fingerprint. Updated: same BID, descendant
// structure changed. Rebound: the path now maps to a different BID — a
// structural event requiring a full dependent reparse.
func (m *PathMap) ProcessPath(path string, bid domain.BID, fingerprint string) domain.PathNotification {
	m.mu.Lock()
	defer m.mu.Unlock()

	prior, ok := m.entries[path]
	m.entries[path] = pathEntry{bid: bid, fingerprint: fingerprint}
	if !ok {
		// First resolution of this path. Classified as updated so dependents
		// holding an unresolved reference to it get a chance to re-resolve.
		return domain.PathNotification{Path: path, Change: domain.PathUpdated, NewBID: bid}
	}
	switch {
	case prior.bid != bid:
		return domain.PathNotification{Path: path, Change: domain.PathRebound, OldBID: prior.bid, NewBID: bid}
	case prior.fingerprint != fingerprint:
		return domain.PathNotification{Path: path, Change: domain.PathUpdated, OldBID: prior.bid, NewBID: bid}
	default:
		return domain.PathNotification{Path: path, Change: domain.PathUnchanged, OldBID: prior.bid, NewBID: bid}
	}
}

// Remove drops a path's record and notifies. Missing paths return a
// zero-value notification with Change empty.
func (m *PathMap) Remove(path string) domain.PathNotification {
	m.mu.Lock()
	defer m.mu.Unlock()
	prior, ok := m.entries[path]
	if !ok {
		return domain.PathNotification{}
	}
	delete(m.entries, path)
	return domain.PathNotification{Path: path, Change: domain.PathRemoved, OldBID: prior.bid}
}

// BID returns the recorded identity for a path.
func (m *PathMap) BID(path string) (domain.BID, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[path]
	return e.bid, ok
}

// Paths returns a sorted snapshot of all recorded paths and their BIDs.
func (m *PathMap) Paths() []domain.PathNotification {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.PathNotification, 0, len(m.entries))
	for p, e := range m.entries {
		out = append(out, domain.PathNotification{Path: p, Change: domain.PathUnchanged, NewBID: e.bid})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}
