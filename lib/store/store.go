// Package store defines the persistence interface of the coordination core. Database implementations only store
// documents (see Record); Store maps the core's entities onto them.
package store

import (
	"context"
	"errors"
)

// DB defines required methods for document backends.
type DB interface {
	// Put inserts or replaces the record.
	Put(ctx context.Context, rec Record) error
	// Insert stores the record only if no record with the same kind and id exists, ErrDuplicate otherwise.
	Insert(ctx context.Context, rec Record) error
	// Get returns the record or ErrNotFound.
	Get(ctx context.Context, kind, id string) (Record, error)
	// List returns the records of a kind matching the filter, ordered by id.
	List(ctx context.Context, kind string, f Filter) ([]Record, error)
	// Swap replaces the record only if its stored status equals oldStatus, ErrConflict otherwise.
	Swap(ctx context.Context, rec Record, oldStatus string) error
	// Delete removes the record. Deleting a missing record is not an error.
	Delete(ctx context.Context, kind, id string) error
	// Close releases the connection. Must be called at termination time.
	Close() error
}

// Errors returned
var (
	ErrNotFound  = errors.New("data was not found in store")
	ErrDuplicate = errors.New("data already exists in store")
	ErrConflict  = errors.New("data was modified concurrently")
)
