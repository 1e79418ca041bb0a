package store

import (
	"context"
	"io"
	"time"

	"github.com/mpilhlt/pdf-tei-editor-sub003/internal/model"
)

// RemoteStore is the shared mirror the sync engine reconciles against:
// content objects keyed by hash, one metadata snapshot with a monotonic
// version, and a coarse mirror-wide sync lock. Transport failures should be
// wrapped in ErrRemoteUnavailable by implementations.
type RemoteStore interface {
	// PutContent stores a content object under its hash. Idempotent: the
	// same hash may be stored multiple times. size is the number of bytes
	// that will be read from r.
	PutContent(ctx context.Context, hash string, r io.Reader, size int64) error

	// GetContent writes the object for hash to w. ErrNotFound when absent.
	GetContent(ctx context.Context, hash string, w io.Writer) error

	// DeleteContent removes a content object. Deleting an absent object is
	// not an error.
	DeleteContent(ctx context.Context, hash string) error

	// ListContent returns the hashes of all stored content objects.
	ListContent(ctx context.Context) ([]string, error)

	// Snapshot downloads the current metadata snapshot. ErrNotFound when the
	// mirror has never been synced to.
	Snapshot(ctx context.Context) (*model.Snapshot, error)

	// PutSnapshot replaces the metadata snapshot.
	PutSnapshot(ctx context.Context, snap *model.Snapshot) error

	// SnapshotVersion returns the snapshot's version without downloading it.
	// Returns 0 when no snapshot exists.
	SnapshotVersion(ctx context.Context) (int64, error)

	// AcquireSyncLock takes the mirror-wide sync lock for owner with the
	// given TTL. Fails with ErrLocked while a live lock held by a different
	// owner exists; an expired lock is reclaimed.
	AcquireSyncLock(ctx context.Context, owner string, ttl time.Duration) error

	// ReleaseSyncLock releases the sync lock if owner holds it. Releasing a
	// lock that is absent or expired is not an error.
	ReleaseSyncLock(ctx context.Context, owner string) error

	// Validate verifies the remote is accessible and properly configured.
	Validate(ctx context.Context) error
}
