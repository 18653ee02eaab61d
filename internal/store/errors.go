package store

import "errors"

// ErrNotFound is returned by point lookups on a missing BID. It is never
// substituted with a zero value.
var ErrNotFound = errors.New("not found")
