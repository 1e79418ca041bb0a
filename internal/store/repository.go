package store

import (
	"context"
	"time"

	"github.com/mpilhlt/pdf-tei-editor-sub003/internal/model"
)

// RecordFilter narrows ListRecords. Zero values mean "no filter".
type RecordFilter struct {
	DocID          string
	Collection     string
	Variant        string
	SyncStatus     model.SyncStatus
	IncludeDeleted bool
}

// Repository is the transactional record store describing every known file:
// identity, grouping, versioning, lock state, sync state, access control.
// It is the single source of truth and the only component permitted to
// mutate FileRecord and Lock state. Mutations that logically change local
// data bump the local version counter in the same transaction.
type Repository interface {
	// Record operations

	// GetRecord returns the record for a stable ID, including soft-deleted
	// ones. Returns ErrNotFound for an unknown ID.
	GetRecord(ctx context.Context, stableID string) (*model.FileRecord, error)

	// ListRecords returns records matching the filter. Soft-deleted records
	// are excluded unless the filter includes them.
	ListRecords(ctx context.Context, f RecordFilter) ([]model.FileRecord, error)

	// InsertRecord creates a new record and bumps the local version.
	InsertRecord(ctx context.Context, rec *model.FileRecord) error

	// UpdateRecordContent points an existing record at new bytes, marks it
	// pending upload, and bumps the local version.
	UpdateRecordContent(ctx context.Context, stableID, contentHash string, size int64, at time.Time) error

	// PromoteGold marks the record as the gold standard for its
	// (doc, variant) pair, demoting any previous gold in the same
	// transaction, and bumps the local version.
	PromoteGold(ctx context.Context, stableID string, at time.Time) error

	// SoftDelete flags records deleted and pending delete, and bumps the
	// local version. It never touches the content store.
	SoftDelete(ctx context.Context, stableIDs []string, at time.Time) error

	// HardDelete permanently removes a record row. Garbage collector only.
	HardDelete(ctx context.Context, stableID string) error

	// ListDeletedBefore returns soft-deleted records last updated before the
	// cutoff, optionally filtered by sync status ("" matches all).
	ListDeletedBefore(ctx context.Context, cutoff time.Time, status model.SyncStatus) ([]model.FileRecord, error)

	// ListOrphanArtifacts returns soft-deleted derived artifacts stranded
	// by their document's source deletion. The cutoff and status filter
	// narrow the result exactly like ListDeletedBefore.
	ListOrphanArtifacts(ctx context.Context, cutoff time.Time, status model.SyncStatus) ([]model.FileRecord, error)

	// Sync bookkeeping

	// MarkSynced records a completed transfer for the record: sync hash and
	// remote modification time are set, status becomes synced, any conflict
	// mark is cleared. The local version is not bumped.
	MarkSynced(ctx context.Context, stableID, syncHash string, at time.Time) error

	// SetSyncStatus changes only the record's sync status.
	SetSyncStatus(ctx context.Context, stableID string, status model.SyncStatus) error

	// UpsertRemote writes a record exactly as given, creating it if absent.
	// Used when applying remote state during sync; does not bump the local
	// version counter.
	UpsertRemote(ctx context.Context, rec *model.FileRecord) error

	// MarkConflict flags a record as conflicting and stores the remote side
	// of the divergence for later resolution.
	MarkConflict(ctx context.Context, stableID string, ct model.ConflictType, remoteHash string, remoteTime time.Time) error

	// ResolveLocalWins clears the conflict mark and requeues the record with
	// the given pending status, bumping the local version. The stored remote
	// hash becomes the new sync baseline so the requeued record classifies
	// as a plain local change.
	ResolveLocalWins(ctx context.Context, stableID string, status model.SyncStatus, at time.Time) error

	// ListConflicts returns all records currently marked conflicting.
	ListConflicts(ctx context.Context) ([]model.FileRecord, error)

	// SyncState returns the process-wide sync counters.
	SyncState(ctx context.Context) (*model.SyncState, error)

	// FinishSync commits the end of a successful pass in one transaction:
	// remote version, last-synced local version (set to the current local
	// version), and last sync time.
	FinishSync(ctx context.Context, remoteVersion int64, at time.Time) error

	// UnsyncedCount counts records whose sync status is not synced.
	UnsyncedCount(ctx context.Context) (int64, error)

	// Lock persistence (lease logic lives in LockManager)

	// GetLock returns the lock row for a stable ID, or nil when absent.
	GetLock(ctx context.Context, stableID string) (*model.Lock, error)

	// PutLock inserts or replaces the lock row for its stable ID.
	PutLock(ctx context.Context, lock *model.Lock) error

	// DeleteLock removes the lock row for a stable ID. Removing an absent
	// row is not an error.
	DeleteLock(ctx context.Context, stableID string) error

	// ListLocksBySession returns all lock rows owned by a session.
	ListLocksBySession(ctx context.Context, sessionID string) ([]model.Lock, error)

	// DeleteLocksBySession removes every lock row owned by a session.
	DeleteLocksBySession(ctx context.Context, sessionID string) error

	// Close closes the underlying connection.
	Close() error
}
