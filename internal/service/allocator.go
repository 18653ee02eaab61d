package service

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/pcarleton/cartograph/internal/domain"
)

// Allocator issues stable, collision-resistant BIDs keyed by
// (path, logical position). Allocation is idempotent: the same pair always
// yields the same BID within a process lifetime, which is what makes the
// global cache usable across passes.
type Allocator struct {
	mu     sync.Mutex
	ids    map[positionKey]domain.BID
	owners map[domain.BID]positionKey
}

type positionKey struct {
	path     string
	position int
}

func NewAllocator() *Allocator {
	return &Allocator{
		ids:    make(map[positionKey]domain.BID),
		owners: make(map[domain.BID]positionKey),
	}
}

// Allocate returns the BID on record for (path, position), minting a fresh
// one if none exists. A freshly minted BID already owned by another logical
// unit is a violated invariant and aborts the run.
func (a *Allocator) Allocate(path string, position int) (domain.BID, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	key := positionKey{path: path, position: position}
	if id, ok := a.ids[key]; ok {
		return id, nil
	}

	id := uuid.New()
	if owner, taken := a.owners[id]; taken {
		return domain.NilBID, &domain.CorruptionError{
			Invariant: "unique BID",
			Detail: fmt.Sprintf("minted %s for (%s, %d) but it already identifies (%s, %d)",
				id, path, position, owner.path, owner.position),
		}
	}
	a.ids[key] = id
	a.owners[id] = key
	return id, nil
}

// Seed records a previously issued BID for (path, position), e.g. when
// warming the allocator from a persistent store at startup.
func (a *Allocator) Seed(path string, position int, id domain.BID) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	key := positionKey{path: path, position: position}
	if prior, ok := a.ids[key]; ok && prior != id {
		return &domain.CorruptionError{
			Invariant: "stable BID",
			Detail: fmt.Sprintf("(%s, %d) already allocated %s, cannot seed %s",
				path, position, prior, id),
		}
	}
	if owner, taken := a.owners[id]; taken && owner != key {
		return &domain.CorruptionError{
			Invariant: "unique BID",
			Detail: fmt.Sprintf("%s already identifies (%s, %d), cannot seed for (%s, %d)",
				id, owner.path, owner.position, path, position),
		}
	}
	a.ids[key] = id
	a.owners[id] = key
	return nil
}
