package store

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/mpilhlt/pdf-tei-editor-sub003/internal/model"
)

// Conflict resolution strategies. KeepBoth is the only one that destroys no
// data, so it is the safe default.
const (
	StrategyLocalWins  = "local_wins"
	StrategyRemoteWins = "remote_wins"
	StrategyKeepBoth   = "keep_both"
)

// recordPair couples a remote record with its local counterpart (nil when
// the record is new locally).
type recordPair struct {
	remote model.FileRecord
	local  *model.FileRecord
}

type conflictItem struct {
	stableID     string
	conflictType model.ConflictType
	remoteHash   string
	remoteTime   time.Time
}

// syncPlan is the outcome of diffing local records against the remote
// snapshot: every record classified as unchanged, one-sided change,
// deletion, metadata-only change, or conflict.
type syncPlan struct {
	uploads      []model.FileRecord
	downloads    []recordPair
	deleteLocal  []model.FileRecord // remote deleted, flag locally
	deleteRemote []model.FileRecord // local deleted, flag on the mirror
	metaLocal    []model.FileRecord // remote metadata applied locally
	metaRemote   []model.FileRecord // local metadata pushed to the mirror
	conflicts    []conflictItem
}

// classify diffs by stable ID against the sync-hash baseline: a side has
// changed iff its current content hash differs from the hash recorded at
// the last successful sync. Both sides changed means conflict; deletions
// compare the deleted flag against the same baseline.
func classify(local []model.FileRecord, remote []model.FileRecord) *syncPlan {
	plan := &syncPlan{}
	remoteByID := make(map[string]*model.FileRecord, len(remote))
	for i := range remote {
		remoteByID[remote[i].StableID] = &remote[i]
	}
	localSeen := make(map[string]bool, len(local))

	for i := range local {
		l := local[i]
		localSeen[l.StableID] = true
		r := remoteByID[l.StableID]
		localChanged := l.ContentHash != l.SyncHash

		switch {
		case r == nil:
			if l.SyncHash == "" {
				// Never synced: new local record, or a local delete that
				// nothing else ever saw — the latter needs no propagation.
				if !l.Deleted {
					plan.uploads = append(plan.uploads, l)
				}
			} else if l.Deleted {
				// Both sides forgot it; nothing to carry either way.
			} else if localChanged {
				plan.conflicts = append(plan.conflicts, conflictItem{
					stableID:     l.StableID,
					conflictType: model.ConflictDeletedRemoteModLoc,
				})
			} else {
				// The mirror hard-removed it and we have no local edits.
				plan.deleteLocal = append(plan.deleteLocal, l)
			}

		case l.Deleted && r.Deleted:
			// Already agreed.

		case l.Deleted:
			if r.ContentHash != l.SyncHash {
				plan.conflicts = append(plan.conflicts, conflictItem{
					stableID:     l.StableID,
					conflictType: model.ConflictDeletedLocalModRem,
					remoteHash:   r.ContentHash,
					remoteTime:   r.UpdatedAt,
				})
			} else {
				plan.deleteRemote = append(plan.deleteRemote, l)
			}

		case r.Deleted:
			if l.SyncHash == "" {
				// No sync baseline: either never synced under this ID or
				// resurrected by a local-wins resolution. The upload
				// overrides the tombstone.
				plan.uploads = append(plan.uploads, l)
			} else if localChanged {
				plan.conflicts = append(plan.conflicts, conflictItem{
					stableID:     l.StableID,
					conflictType: model.ConflictDeletedRemoteModLoc,
					remoteTime:   r.UpdatedAt,
				})
			} else {
				plan.deleteLocal = append(plan.deleteLocal, l)
			}

		default:
			remoteChanged := r.ContentHash != l.SyncHash
			switch {
			case localChanged && remoteChanged:
				plan.conflicts = append(plan.conflicts, conflictItem{
					stableID:     l.StableID,
					conflictType: model.ConflictBothModified,
					remoteHash:   r.ContentHash,
					remoteTime:   r.UpdatedAt,
				})
			case localChanged:
				plan.uploads = append(plan.uploads, l)
			case remoteChanged:
				plan.downloads = append(plan.downloads, recordPair{remote: *r, local: &local[i]})
			case metadataDiffers(&l, r):
				if r.UpdatedAt.After(l.UpdatedAt) {
					plan.metaLocal = append(plan.metaLocal, *r)
				} else {
					plan.metaRemote = append(plan.metaRemote, l)
				}
			}
		}
	}

	for i := range remote {
		r := remote[i]
		if localSeen[r.StableID] || r.Deleted {
			continue
		}
		plan.downloads = append(plan.downloads, recordPair{remote: r})
	}

	return plan
}

// metadataDiffers compares the fields that can change without a content
// transfer.
func metadataDiffers(l, r *model.FileRecord) bool {
	if l.Gold != r.Gold || l.Variant != r.Variant || l.Version != r.Version ||
		l.Visibility != r.Visibility || l.Editability != r.Editability || l.Owner != r.Owner {
		return true
	}
	if len(l.Collections) != len(r.Collections) {
		return true
	}
	for i := range l.Collections {
		if l.Collections[i] != r.Collections[i] {
			return true
		}
	}
	return false
}

// Conflicts lists every record currently awaiting a resolution decision.
// Each diverged stable ID appears exactly once.
func (e *SyncEngine) Conflicts(ctx context.Context) ([]model.ConflictInfo, error) {
	records, err := e.repo.ListConflicts(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing conflicts: %w", err)
	}
	infos := make([]model.ConflictInfo, 0, len(records))
	for i := range records {
		rec := records[i]
		infos = append(infos, model.ConflictInfo{
			StableID:     rec.StableID,
			DocID:        rec.DocID,
			Variant:      rec.Variant,
			ConflictType: rec.ConflictType,
			LocalHash:    rec.ContentHash,
			RemoteHash:   rec.RemoteHash,
			LocalTime:    rec.LocalModifiedAt,
			RemoteTime:   rec.RemoteModifiedAt,
		})
	}
	return infos, nil
}

// ResolveConflict applies the chosen strategy to one conflicted record.
// local_wins requeues the local state for upload; remote_wins overwrites
// local content with the remote version, discarding local edits; keep_both
// preserves the local edit as a new variant while the original identity
// takes the remote version.
func (e *SyncEngine) ResolveConflict(ctx context.Context, session model.Session, stableID, strategy, newVariant string) error {
	rec, err := e.repo.GetRecord(ctx, stableID)
	if err != nil {
		return err
	}
	if rec.SyncStatus != model.SyncConflict {
		return fmt.Errorf("record %s is not in conflict: %w", stableID, ErrValidation)
	}
	if !e.locks.auth.CanWrite(session, rec) {
		return fmt.Errorf("session %s cannot resolve %s: %w", session.ID, stableID, ErrPermissionDenied)
	}

	switch strategy {
	case StrategyLocalWins:
		return e.resolveLocalWins(ctx, rec)
	case StrategyRemoteWins:
		return e.resolveRemoteWins(ctx, rec)
	case StrategyKeepBoth:
		return e.resolveKeepBoth(ctx, session, rec, newVariant)
	default:
		return fmt.Errorf("unknown strategy %q: %w", strategy, ErrValidation)
	}
}

// resolveLocalWins marks the local side authoritative and requeues it.
func (e *SyncEngine) resolveLocalWins(ctx context.Context, rec *model.FileRecord) error {
	status := model.SyncPendingUpload
	if rec.Deleted {
		status = model.SyncPendingDelete
	}
	if err := e.repo.ResolveLocalWins(ctx, rec.StableID, status, e.clock.Now()); err != nil {
		return fmt.Errorf("requeuing %s: %w", rec.StableID, err)
	}
	e.logger.Info("conflict resolved", "stable_id", rec.StableID, "strategy", StrategyLocalWins)
	return nil
}

// resolveRemoteWins overwrites the local record with the remote version.
func (e *SyncEngine) resolveRemoteWins(ctx context.Context, rec *model.FileRecord) error {
	now := e.clock.Now()
	resolved := *rec
	resolved.SyncStatus = model.SyncSynced
	resolved.ConflictType = ""
	resolved.RemoteHash = ""
	resolved.UpdatedAt = now

	switch rec.ConflictType {
	case model.ConflictDeletedRemoteModLoc:
		// The remote deletion stands; local edits are discarded.
		resolved.Deleted = true
		resolved.SyncHash = resolved.ContentHash
	default:
		hash, size, err := e.fetchRemoteContent(ctx, rec.RemoteHash)
		if err != nil {
			return err
		}
		oldHash := resolved.ContentHash
		resolved.ContentHash = hash
		resolved.SyncHash = hash
		resolved.Size = size
		resolved.Deleted = false
		resolved.LocalModifiedAt = now
		if err := e.repo.UpsertRemote(ctx, &resolved); err != nil {
			return fmt.Errorf("applying remote version of %s: %w", rec.StableID, err)
		}
		if oldHash != hash {
			if _, err := e.content.Release(ctx, oldHash); err != nil {
				e.logger.Warn("releasing discarded content", "hash", oldHash, "error", err)
			}
		}
		e.logger.Info("conflict resolved", "stable_id", rec.StableID, "strategy", StrategyRemoteWins)
		return nil
	}

	if err := e.repo.UpsertRemote(ctx, &resolved); err != nil {
		return fmt.Errorf("applying remote deletion of %s: %w", rec.StableID, err)
	}
	e.logger.Info("conflict resolved", "stable_id", rec.StableID, "strategy", StrategyRemoteWins)
	return nil
}

// resolveKeepBoth forks the local edit into a new variant record queued for
// upload, then lets the original identity take the remote version. Nothing
// is discarded.
func (e *SyncEngine) resolveKeepBoth(ctx context.Context, session model.Session, rec *model.FileRecord, newVariant string) error {
	if newVariant == "" {
		newVariant = rec.Variant + "-local"
	}
	now := e.clock.Now()

	// The fork shares the local bytes, so it owns one more reference.
	if err := e.content.Retain(ctx, rec.ContentHash); err != nil {
		return fmt.Errorf("retaining forked content: %w", err)
	}
	fork := &model.FileRecord{
		StableID:        e.idgen.New(),
		ContentHash:     rec.ContentHash,
		DocID:           rec.DocID,
		FileType:        rec.FileType,
		Variant:         newVariant,
		Version:         1,
		Collections:     rec.Collections,
		Visibility:      rec.Visibility,
		Editability:     rec.Editability,
		Owner:           session.User,
		Size:            rec.Size,
		SyncStatus:      model.SyncPendingUpload,
		LocalModifiedAt: now,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := e.repo.InsertRecord(ctx, fork); err != nil {
		if _, relErr := e.content.Release(ctx, rec.ContentHash); relErr != nil {
			e.logger.Warn("releasing forked content after failed insert", "hash", rec.ContentHash, "error", relErr)
		}
		return fmt.Errorf("inserting forked record: %w", err)
	}

	if err := e.resolveRemoteWins(ctx, rec); err != nil {
		return err
	}
	e.logger.Info("conflict resolved", "stable_id", rec.StableID, "strategy", StrategyKeepBoth, "fork", fork.StableID, "variant", newVariant)
	return nil
}

// fetchRemoteContent downloads one blob into the content store and returns
// its plaintext hash and size.
func (e *SyncEngine) fetchRemoteContent(ctx context.Context, remoteHash string) (string, int64, error) {
	if remoteHash == "" {
		return "", 0, fmt.Errorf("conflict record carries no remote hash: %w", ErrValidation)
	}
	if e.encryptor != nil && e.decCtx == nil {
		return "", 0, fmt.Errorf("encrypted mirror requires an unlocked key: %w", ErrValidation)
	}
	var sealed bytes.Buffer
	if err := e.remote.GetContent(ctx, remoteHash, &sealed); err != nil {
		return "", 0, fmt.Errorf("downloading remote content: %w", err)
	}
	payload := sealed.Bytes()
	if e.encryptor != nil {
		var plain bytes.Buffer
		if err := e.decCtx.Decrypt(&sealed, &plain); err != nil {
			return "", 0, fmt.Errorf("decrypting remote content: %w", err)
		}
		payload = plain.Bytes()
	}
	hash, size, err := e.content.Put(ctx, bytes.NewReader(payload))
	if err != nil {
		return "", 0, fmt.Errorf("storing remote content: %w", err)
	}
	return hash, size, nil
}
