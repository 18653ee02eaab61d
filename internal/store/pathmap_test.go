package store

import (
	"testing"

	"github.com/google/uuid"
	"github.com/pcarleton/cartograph/internal/domain"
)

func TestProcessPathTransitions(t *testing.T) {
	m := NewPathMap()
	root := uuid.New()
	fp := Fingerprint(root, []FingerprintPart{{BID: root, Title: "Doc"}})

	// First resolution counts as an update so dependents re-resolve.
	n := m.ProcessPath("docs/a", root, fp)
	if n.Change != domain.PathUpdated || !n.Change.Structural() {
		t.Fatalf("first resolution: %+v", n)
	}

	// Identical pass.
	n = m.ProcessPath("docs/a", root, fp)
	if n.Change != domain.PathUnchanged || n.Change.Structural() {
		t.Fatalf("identical pass: %+v", n)
	}

	// Same identity, changed structure.
	fp2 := Fingerprint(root, []FingerprintPart{{BID: root, Title: "Doc, renamed"}})
	n = m.ProcessPath("docs/a", root, fp2)
	if n.Change != domain.PathUpdated || n.OldBID != root {
		t.Fatalf("structure change: %+v", n)
	}

	// New identity.
	rebound := uuid.New()
	n = m.ProcessPath("docs/a", rebound, fp2)
	if n.Change != domain.PathRebound || n.OldBID != root || n.NewBID != rebound {
		t.Fatalf("rebinding: %+v", n)
	}

	n = m.Remove("docs/a")
	if n.Change != domain.PathRemoved || n.OldBID != rebound {
		t.Fatalf("removal: %+v", n)
	}
	if _, ok := m.BID("docs/a"); ok {
		t.Error("removed path still recorded")
	}
	if n := m.Remove("docs/a"); n.Change != "" {
		t.Errorf("double removal notified: %+v", n)
	}
}

func TestFingerprintExcludesContent(t *testing.T) {
	root := uuid.New()
	child := uuid.New()
	parts := []FingerprintPart{{BID: root, Title: "Doc"}, {BID: child, Title: "Section"}}

	a := Fingerprint(root, parts)
	b := Fingerprint(root, parts)
	if a != b {
		t.Fatal("fingerprint not deterministic")
	}

	// A title change is reader-visible structure.
	renamed := []FingerprintPart{{BID: root, Title: "Doc"}, {BID: child, Title: "Section, renamed"}}
	if Fingerprint(root, renamed) == a {
		t.Error("title change did not alter fingerprint")
	}

	// Reordering units is reader-visible structure.
	swapped := []FingerprintPart{parts[1], parts[0]}
	if Fingerprint(root, swapped) == a {
		t.Error("unit reorder did not alter fingerprint")
	}

	// Boundary ambiguity: shifting bytes between adjacent titles must not
	// collide.
	x := Fingerprint(root, []FingerprintPart{{BID: root, Title: "ab"}, {BID: child, Title: "c"}})
	y := Fingerprint(root, []FingerprintPart{{BID: root, Title: "a"}, {BID: child, Title: "bc"}})
	if x == y {
		t.Error("fingerprint collides across title boundaries")
	}
}
