package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mpilhlt/pdf-tei-editor-sub003/internal/model"
)

// DefaultSyncLockTTL bounds how long a crashed syncer can strand the
// mirror-wide sync lock before another peer reclaims it.
const DefaultSyncLockTTL = 10 * time.Minute

// SyncEngine reconciles the local repository and content store against the
// remote mirror. One pass is linearized across all peers by the mirror-wide
// sync lock; per-file edit leases are independent of it, and a pass never
// waits on one — files under a live lease are surfaced as pending instead.
type SyncEngine struct {
	repo      Repository
	content   ContentStore
	remote    RemoteStore
	locks     *LockManager
	progress  Progress
	encryptor Encryptor
	decCtx    DecryptionContext
	clock     Clock
	idgen     IDGenerator
	logger    Logger
	lockTTL   time.Duration
}

// NewSyncEngine creates a SyncEngine. encryptor may be nil for a plaintext
// mirror. A non-positive lockTTL selects DefaultSyncLockTTL.
func NewSyncEngine(repo Repository, content ContentStore, remote RemoteStore, locks *LockManager, progress Progress, encryptor Encryptor, clock Clock, idgen IDGenerator, logger Logger, lockTTL time.Duration) *SyncEngine {
	if lockTTL <= 0 {
		lockTTL = DefaultSyncLockTTL
	}
	return &SyncEngine{
		repo:      repo,
		content:   content,
		remote:    remote,
		locks:     locks,
		progress:  progress,
		encryptor: encryptor,
		clock:     clock,
		idgen:     idgen,
		logger:    logger,
		lockTTL:   lockTTL,
	}
}

// SetDecryptionContext installs the unlocked key used to decrypt content
// downloaded from an encrypted mirror.
func (e *SyncEngine) SetDecryptionContext(dc DecryptionContext) { e.decCtx = dc }

// StatusReport is the answer to a syncStatus query.
type StatusReport struct {
	NeedsSync     bool
	LocalVersion  int64
	RemoteVersion int64
	UnsyncedCount int64
	LastSyncTime  time.Time
}

// Status reports the local view of sync state without touching the remote.
func (e *SyncEngine) Status(ctx context.Context) (*StatusReport, error) {
	state, err := e.repo.SyncState(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading sync state: %w", err)
	}
	unsynced, err := e.repo.UnsyncedCount(ctx)
	if err != nil {
		return nil, fmt.Errorf("counting unsynced: %w", err)
	}
	return &StatusReport{
		NeedsSync:     state.LocalVersion != state.LastSyncedLocalVersion || unsynced > 0,
		LocalVersion:  state.LocalVersion,
		RemoteVersion: state.RemoteVersion,
		UnsyncedCount: unsynced,
		LastSyncTime:  state.LastSyncAt,
	}, nil
}

// Sync runs one full pass against the remote mirror, emitting a progress
// event to the caller's session after each phase. A transport failure
// aborts the whole pass before any local metadata is committed; the remote
// sync lock is released on every exit path.
func (e *SyncEngine) Sync(ctx context.Context, session model.Session, force bool) (*model.SyncSummary, error) {
	start := e.clock.Now()
	summary := &model.SyncSummary{}
	defer func() { summary.Duration = e.clock.Now().Sub(start) }()

	// Phase 1: O(1) skip check against the version counters.
	state, err := e.repo.SyncState(ctx)
	if err != nil {
		return summary, fmt.Errorf("loading sync state: %w", err)
	}
	if !force {
		remoteVer, err := e.remote.SnapshotVersion(ctx)
		if err != nil {
			return e.fail(session, summary, fmt.Errorf("probing remote version: %w", err))
		}
		if state.LocalVersion == state.LastSyncedLocalVersion && remoteVer == state.RemoteVersion {
			summary.Skipped = true
			e.publish(session, EventComplete, map[string]any{"skipped": true})
			return summary, nil
		}
	}
	e.phase(session, "skip_check", 1)

	// Phase 2: take the mirror-wide sync lock.
	if err := e.remote.AcquireSyncLock(ctx, session.ID, e.lockTTL); err != nil {
		return e.fail(session, summary, fmt.Errorf("acquiring sync lock: %w", err))
	}
	// Released on success, error, and cancellation alike.
	releaseCtx := context.WithoutCancel(ctx)
	defer func() {
		if err := e.remote.ReleaseSyncLock(releaseCtx, session.ID); err != nil {
			e.logger.Error("releasing sync lock", "error", err)
		}
	}()
	e.phase(session, "remote_lock", 2)

	// Phase 3: download the remote snapshot and diff.
	snap, err := e.remote.Snapshot(ctx)
	if errors.Is(err, ErrNotFound) {
		snap = &model.Snapshot{}
	} else if err != nil {
		return e.fail(session, summary, fmt.Errorf("downloading snapshot: %w", err))
	}
	local, err := e.repo.ListRecords(ctx, RecordFilter{IncludeDeleted: true})
	if err != nil {
		return e.fail(session, summary, fmt.Errorf("listing local records: %w", err))
	}
	plan := classify(local, snap.Records)
	summary.Conflicts = len(plan.conflicts)
	e.phase(session, "diff", 3)

	// Phase 4: deletions travel by flag only; the flags are applied to the
	// repository at commit and to the mirror via the snapshot upload.
	summary.DeletedLocal = len(plan.deleteLocal)
	summary.DeletedRemote = len(plan.deleteRemote)
	e.phase(session, "deletions", 4)

	// Phase 5: content transfers.
	uploaded, pending, err := e.uploadChanged(ctx, plan.uploads)
	if err != nil {
		return e.fail(session, summary, err)
	}
	summary.Pending = pending
	downloads, err := e.downloadChanged(ctx, plan.downloads)
	if err != nil {
		return e.fail(session, summary, err)
	}
	summary.Uploaded = len(uploaded)
	summary.Downloaded = len(downloads)
	e.phase(session, "data", 5)

	// Phase 6: metadata-only changes need no transfer.
	summary.MetadataSynced = len(plan.metaLocal) + len(plan.metaRemote)
	e.phase(session, "metadata", 6)

	// Phase 7: upload the updated snapshot, then commit local state.
	now := e.clock.Now()
	newVersion := snap.Version
	if len(uploaded) > 0 || len(plan.deleteRemote) > 0 || len(plan.metaRemote) > 0 {
		next := buildSnapshot(snap, uploaded, plan.deleteRemote, plan.metaRemote, now, session.User)
		if err := e.remote.PutSnapshot(ctx, next); err != nil {
			return e.fail(session, summary, fmt.Errorf("uploading snapshot: %w", err))
		}
		newVersion = next.Version
	}
	if err := e.commit(ctx, plan, uploaded, downloads, newVersion, now); err != nil {
		return e.fail(session, summary, fmt.Errorf("committing sync results: %w", err))
	}
	e.phase(session, "snapshot", 7)

	summary.Duration = e.clock.Now().Sub(start)
	e.publish(session, EventComplete, map[string]any{
		"uploaded":   summary.Uploaded,
		"downloaded": summary.Downloaded,
		"conflicts":  summary.Conflicts,
		"pending":    summary.Pending,
	})
	e.logger.Info("sync pass complete",
		"uploaded", summary.Uploaded,
		"downloaded", summary.Downloaded,
		"deleted_local", summary.DeletedLocal,
		"deleted_remote", summary.DeletedRemote,
		"metadata", summary.MetadataSynced,
		"conflicts", summary.Conflicts,
		"pending", summary.Pending,
		"duration", summary.Duration)
	return summary, nil
}

// uploadChanged pushes locally changed content to the mirror, skipping any
// record under a live local edit lease. Uploads are idempotent by hash, so
// a later abort leaves at worst orphaned remote content.
func (e *SyncEngine) uploadChanged(ctx context.Context, uploads []model.FileRecord) (done []model.FileRecord, pending int, err error) {
	for i := range uploads {
		rec := uploads[i]
		locked, _, lockErr := e.locks.Check(ctx, rec.StableID)
		if lockErr != nil {
			return nil, 0, fmt.Errorf("checking lock for %s: %w", rec.StableID, lockErr)
		}
		if locked {
			pending++
			continue
		}
		if upErr := e.uploadContent(ctx, rec.ContentHash); upErr != nil {
			return nil, 0, fmt.Errorf("uploading %s: %w", rec.StableID, upErr)
		}
		done = append(done, rec)
	}
	return done, pending, nil
}

// uploadContent copies one blob from the content store to the mirror,
// encrypting it when a key is configured.
func (e *SyncEngine) uploadContent(ctx context.Context, hash string) error {
	var plain bytes.Buffer
	if err := e.content.Get(ctx, hash, &plain); err != nil {
		return fmt.Errorf("reading content: %w", err)
	}
	payload := plain.Bytes()
	if e.encryptor != nil {
		var sealed bytes.Buffer
		if err := e.encryptor.Encrypt(&plain, &sealed); err != nil {
			return fmt.Errorf("encrypting content: %w", err)
		}
		payload = sealed.Bytes()
	}
	return e.remote.PutContent(ctx, hash, bytes.NewReader(payload), int64(len(payload)))
}

type downloadedItem struct {
	remote model.FileRecord
	local  *model.FileRecord // nil when the record is new locally
	hash   string            // plaintext hash after storing locally
	size   int64
}

// downloadChanged pulls remotely changed content into the content store.
// Repository rows are not touched here; that happens at commit.
func (e *SyncEngine) downloadChanged(ctx context.Context, downloads []recordPair) ([]downloadedItem, error) {
	if len(downloads) > 0 && e.encryptor != nil && e.decCtx == nil {
		return nil, fmt.Errorf("encrypted mirror requires an unlocked key for downloads: %w", ErrValidation)
	}

	var items []downloadedItem
	for _, pair := range downloads {
		var sealed bytes.Buffer
		if err := e.remote.GetContent(ctx, pair.remote.ContentHash, &sealed); err != nil {
			return nil, fmt.Errorf("downloading %s: %w", pair.remote.StableID, err)
		}
		payload := sealed.Bytes()
		if e.encryptor != nil {
			var plain bytes.Buffer
			if err := e.decCtx.Decrypt(&sealed, &plain); err != nil {
				return nil, fmt.Errorf("decrypting %s: %w", pair.remote.StableID, err)
			}
			payload = plain.Bytes()
		}
		hash, size, err := e.content.Put(ctx, bytes.NewReader(payload))
		if err != nil {
			return nil, fmt.Errorf("storing downloaded content: %w", err)
		}
		if hash != pair.remote.ContentHash {
			return nil, fmt.Errorf("downloaded content for %s hashed to %s, expected %s: %w",
				pair.remote.StableID, hash, pair.remote.ContentHash, ErrValidation)
		}
		items = append(items, downloadedItem{remote: pair.remote, local: pair.local, hash: hash, size: size})
	}
	return items, nil
}

// commit applies the pass's outcome to the repository in short per-record
// transactions, then seals the pass with FinishSync. It runs only after all
// remote I/O has succeeded, so an aborted pass leaves local metadata as it
// was.
func (e *SyncEngine) commit(ctx context.Context, plan *syncPlan, uploaded []model.FileRecord, downloads []downloadedItem, remoteVersion int64, now time.Time) error {
	for i := range uploaded {
		if err := e.repo.MarkSynced(ctx, uploaded[i].StableID, uploaded[i].ContentHash, now); err != nil {
			return fmt.Errorf("marking %s synced: %w", uploaded[i].StableID, err)
		}
	}

	for _, item := range downloads {
		rec := item.remote
		rec.SyncStatus = model.SyncSynced
		rec.SyncHash = rec.ContentHash
		rec.Size = item.size
		rec.RemoteModifiedAt = now
		rec.ConflictType = ""
		rec.RemoteHash = ""
		if err := e.repo.UpsertRemote(ctx, &rec); err != nil {
			return fmt.Errorf("applying download %s: %w", rec.StableID, err)
		}
		if item.local != nil && item.local.ContentHash != item.hash {
			if _, err := e.content.Release(ctx, item.local.ContentHash); err != nil {
				e.logger.Warn("releasing replaced content", "hash", item.local.ContentHash, "error", err)
			}
		}
	}

	for i := range plan.deleteLocal {
		rec := plan.deleteLocal[i]
		rec.Deleted = true
		rec.SyncStatus = model.SyncSynced
		rec.SyncHash = rec.ContentHash
		rec.UpdatedAt = now
		if err := e.repo.UpsertRemote(ctx, &rec); err != nil {
			return fmt.Errorf("flagging %s deleted: %w", rec.StableID, err)
		}
	}

	for i := range plan.deleteRemote {
		if err := e.repo.SetSyncStatus(ctx, plan.deleteRemote[i].StableID, model.SyncSynced); err != nil {
			return fmt.Errorf("settling deletion of %s: %w", plan.deleteRemote[i].StableID, err)
		}
	}

	for i := range plan.metaLocal {
		rec := plan.metaLocal[i]
		rec.SyncStatus = model.SyncSynced
		rec.SyncHash = rec.ContentHash
		if err := e.repo.UpsertRemote(ctx, &rec); err != nil {
			return fmt.Errorf("applying metadata for %s: %w", rec.StableID, err)
		}
	}

	for i := range plan.metaRemote {
		if err := e.repo.MarkSynced(ctx, plan.metaRemote[i].StableID, plan.metaRemote[i].ContentHash, now); err != nil {
			return fmt.Errorf("marking metadata of %s synced: %w", plan.metaRemote[i].StableID, err)
		}
	}

	for _, c := range plan.conflicts {
		if err := e.repo.MarkConflict(ctx, c.stableID, c.conflictType, c.remoteHash, c.remoteTime); err != nil {
			return fmt.Errorf("marking conflict on %s: %w", c.stableID, err)
		}
	}

	return e.repo.FinishSync(ctx, remoteVersion, now)
}

// fail reports an aborted pass: the error event goes to the caller's feed
// and the summary carries an error count instead of partial results.
func (e *SyncEngine) fail(session model.Session, summary *model.SyncSummary, err error) (*model.SyncSummary, error) {
	summary.Errors++
	e.publish(session, EventError, map[string]any{"error": err.Error()})
	e.logger.Error("sync pass failed", "error", err)
	return summary, err
}

func (e *SyncEngine) phase(session model.Session, name string, step int) {
	e.publish(session, EventProgress, map[string]any{"phase": name, "step": step, "of": 7})
}

func (e *SyncEngine) publish(session model.Session, t EventType, data map[string]any) {
	if e.progress != nil {
		e.progress.Publish(session.ID, Event{Type: t, Data: data})
	}
}

// buildSnapshot derives the next mirror snapshot from the previous one plus
// this pass's outgoing changes. Records held back by edit leases or pending
// conflict resolution keep their previous remote state.
func buildSnapshot(prev *model.Snapshot, uploaded, deleteRemote, metaRemote []model.FileRecord, now time.Time, user string) *model.Snapshot {
	byID := make(map[string]int, len(prev.Records))
	next := &model.Snapshot{
		Version:   prev.Version + 1,
		UpdatedAt: now,
		UpdatedBy: user,
		Records:   append([]model.FileRecord(nil), prev.Records...),
	}
	for i := range next.Records {
		byID[next.Records[i].StableID] = i
	}

	put := func(rec model.FileRecord) {
		if i, ok := byID[rec.StableID]; ok {
			next.Records[i] = rec
		} else {
			byID[rec.StableID] = len(next.Records)
			next.Records = append(next.Records, rec)
		}
	}

	for i := range uploaded {
		rec := uploaded[i]
		rec.SyncStatus = model.SyncSynced
		rec.SyncHash = rec.ContentHash
		rec.RemoteModifiedAt = now
		rec.UpdatedAt = now
		rec.ConflictType = ""
		rec.RemoteHash = ""
		rec.Deleted = false
		put(rec)
	}
	for i := range deleteRemote {
		rec := deleteRemote[i]
		if j, ok := byID[rec.StableID]; ok {
			next.Records[j].Deleted = true
			next.Records[j].UpdatedAt = now
		}
	}
	for i := range metaRemote {
		rec := metaRemote[i]
		if j, ok := byID[rec.StableID]; ok {
			prev := next.Records[j]
			prev.Variant = rec.Variant
			prev.Version = rec.Version
			prev.Gold = rec.Gold
			prev.Collections = rec.Collections
			prev.Visibility = rec.Visibility
			prev.Editability = rec.Editability
			prev.Owner = rec.Owner
			prev.UpdatedAt = now
			next.Records[j] = prev
		} else {
			rec.UpdatedAt = now
			put(rec)
		}
	}
	return next
}
