package store

import (
	"context"
	"io"
)

// ContentStore is hash-addressed physical storage with reference counting.
// It has no knowledge of documents or sessions. Identical bytes stored under
// different logical names share one physical copy and one reference count.
//
// Release never deletes bytes; physical deletion is the garbage collector's
// exclusive responsibility via Remove, so a concurrent save can re-create a
// reference to content without racing a delete.
type ContentStore interface {
	// Put stores the bytes read from r under their SHA-256 hex digest and
	// counts one reference. Storing bytes that already exist increments the
	// existing count instead of writing a second copy.
	Put(ctx context.Context, r io.Reader) (hash string, size int64, err error)

	// Get writes the content for hash to w. Returns ErrNotFound for an
	// unknown hash.
	Get(ctx context.Context, hash string, w io.Writer) error

	// Stat returns the stored size and current reference count for hash.
	Stat(ctx context.Context, hash string) (size int64, refs int64, err error)

	// Retain increments the reference count for hash.
	Retain(ctx context.Context, hash string) error

	// Release decrements the reference count and returns the new count.
	// The count never goes below zero and the bytes are never removed here.
	Release(ctx context.Context, hash string) (refs int64, err error)

	// Remove physically deletes the bytes for hash. Callers other than the
	// garbage collector must not use it.
	Remove(ctx context.Context, hash string) error
}
