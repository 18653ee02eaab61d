package domain

type NotificationKind string

const (
	NotifBeliefInserted  NotificationKind = "belief_inserted"
	NotifBeliefUpdated   NotificationKind = "belief_updated"
	NotifBeliefUnchanged NotificationKind = "belief_unchanged"
	NotifRelationAdded   NotificationKind = "relation_added"
	NotifRelationUpdated NotificationKind = "relation_updated"
	NotifRelationRemoved NotificationKind = "relation_removed"
	NotifReindexed       NotificationKind = "reindexed"
)

// Notification is the typed change value returned from every mutating store
// operation. There is no ambient event bus: the compiler inspects each
// notification synchronously and decides whether dependents must requeue.
//
// Structural means the resolvable content visible to a reader changed.
// Index bookkeeping (sort-key reassignment, no-op upserts) is always
// non-structural and must never trigger a reparse.
type Notification struct {
	Kind       NotificationKind `json:"kind"`
	Structural bool             `json:"structural"`

	Belief *Belief   `json:"belief,omitempty"`
	Source BID       `json:"source,omitempty"`
	Target TargetRef `json:"target,omitempty"`
	Type   RelationType `json:"type,omitempty"`
}

// PathChange classifies what happened to a path's resolution between two
// reconciliations.
type PathChange string

const (
	PathUnchanged PathChange = "unchanged" // same BID, same fingerprint
	PathUpdated   PathChange = "updated"   // same BID, descendant structure changed
	PathRebound   PathChange = "rebound"   // path now maps to a different BID
	PathRemoved   PathChange = "removed"   // explicit removal, never silent
)

// Structural reports whether dependents of the path must be reparsed.
func (c PathChange) Structural() bool {
	return c == PathUpdated || c == PathRebound || c == PathRemoved
}

// PathNotification is emitted by the path index when a path's record changes.
type PathNotification struct {
	Path   string     `json:"path"`
	Change PathChange `json:"change"`
	OldBID BID        `json:"old_bid,omitempty"`
	NewBID BID        `json:"new_bid,omitempty"`
}
