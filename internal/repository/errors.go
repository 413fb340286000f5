// Package repository defines the data access layer and the error values
// shared across repositories.  These sentinel values allow higher layers to
// distinguish failure scenarios with errors.Is without inspecting driver
// specific errors.
package repository

import "errors"

// ErrNotFound is returned when a row looked up by key does not exist.
// Repositories wrap it with the entity name, e.g. "order 42: not found".
var ErrNotFound = errors.New("not found")

// ErrVersionConflict is returned by check-and-set updates whose expected
// version or status no longer matches the stored row.  Callers re-read and
// re-evaluate rather than blindly retrying the same write.
var ErrVersionConflict = errors.New("version conflict")

// ErrConflict is returned when an insert collides with existing state, such
// as a second ledger entry for the same correlation id.
var ErrConflict = errors.New("conflict")
