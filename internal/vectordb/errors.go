package vectordb

import (
	"errors"
	"fmt"
)

// Error taxonomy shared by the builder and the query facade. The facade maps
// these onto HTTP statuses; the builder treats anything but ErrTransient as
// fatal.
var (
	// ErrNotFound covers unknown collections, unknown primary keys, and
	// nearest-neighbor lookups that miss (distance > 0 on an exact-match
	// search).
	ErrNotFound = errors.New("not found")

	// ErrBadRequest covers malformed client input before it reaches the
	// store.
	ErrBadRequest = errors.New("bad request")

	// ErrStore wraps any error surfaced by the vector store itself.
	ErrStore = errors.New("vector store error")

	// ErrTransient marks an error worth one retry during the offline build.
	ErrTransient = errors.New("transient store error")
)

// StoreError wraps err as an ErrStore, keeping the original message.
func StoreError(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrStore, op, err)
}

// NotFoundf builds an ErrNotFound with context.
func NotFoundf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}
