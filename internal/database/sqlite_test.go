package database_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mpilhlt/pdf-tei-editor-sub003/internal/model"
	"github.com/mpilhlt/pdf-tei-editor-sub003/internal/store"
	"github.com/mpilhlt/pdf-tei-editor-sub003/internal/testutil"
)

var testTime = time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)

// newRecord returns a minimal valid record for insertion tests.
func newRecord(stableID, docID string) *model.FileRecord {
	return &model.FileRecord{
		StableID:        stableID,
		ContentHash:     "hash-" + stableID,
		DocID:           docID,
		FileType:        model.FileTypeArtifact,
		Variant:         "grobid",
		Version:         1,
		Visibility:      model.VisibilityPublic,
		Editability:     model.EditabilityOpen,
		Owner:           "alice",
		Size:            42,
		SyncStatus:      model.SyncPendingUpload,
		LocalModifiedAt: testTime,
		CreatedAt:       testTime,
		UpdatedAt:       testTime,
	}
}

func TestRecordRoundtrip(t *testing.T) {
	ctx := context.Background()
	repo := testutil.NewTestRepository(t)

	rec := newRecord("rec-1", "doc-1")
	rec.Collections = []string{"corpus-a", "corpus-b"}
	if err := repo.InsertRecord(ctx, rec); err != nil {
		t.Fatalf("InsertRecord() error = %v", err)
	}

	got, err := repo.GetRecord(ctx, "rec-1")
	if err != nil {
		t.Fatalf("GetRecord() error = %v", err)
	}
	if got.ContentHash != rec.ContentHash {
		t.Errorf("got.ContentHash = %q, want %q", got.ContentHash, rec.ContentHash)
	}
	if got.Owner != "alice" || got.Size != 42 {
		t.Errorf("got = %+v, want owner alice and size 42", got)
	}
	if len(got.Collections) != 2 || got.Collections[0] != "corpus-a" {
		t.Errorf("got.Collections = %v, want [corpus-a corpus-b]", got.Collections)
	}
	if !got.RemoteModifiedAt.IsZero() {
		t.Errorf("got.RemoteModifiedAt = %v, want zero for a never-synced record", got.RemoteModifiedAt)
	}
	if !got.LocalModifiedAt.Equal(testTime) {
		t.Errorf("got.LocalModifiedAt = %v, want %v", got.LocalModifiedAt, testTime)
	}

	if _, err := repo.GetRecord(ctx, "nope"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("GetRecord(nope) error = %v, want ErrNotFound", err)
	}
}

func TestListRecordsFilters(t *testing.T) {
	ctx := context.Background()
	repo := testutil.NewTestRepository(t)

	a := newRecord("a", "doc-1")
	a.Collections = []string{"corpus-a"}
	b := newRecord("b", "doc-1")
	b.Variant = "manual"
	c := newRecord("c", "doc-2")
	for _, rec := range []*model.FileRecord{a, b, c} {
		if err := repo.InsertRecord(ctx, rec); err != nil {
			t.Fatalf("InsertRecord(%s) error = %v", rec.StableID, err)
		}
	}
	if err := repo.SoftDelete(ctx, []string{"c"}, testTime); err != nil {
		t.Fatalf("SoftDelete() error = %v", err)
	}

	t.Run("deleted excluded by default", func(t *testing.T) {
		records, err := repo.ListRecords(ctx, store.RecordFilter{})
		if err != nil {
			t.Fatalf("ListRecords() error = %v", err)
		}
		if len(records) != 2 {
			t.Errorf("len(records) = %d, want 2", len(records))
		}
	})

	t.Run("include deleted", func(t *testing.T) {
		records, err := repo.ListRecords(ctx, store.RecordFilter{IncludeDeleted: true})
		if err != nil {
			t.Fatalf("ListRecords() error = %v", err)
		}
		if len(records) != 3 {
			t.Errorf("len(records) = %d, want 3", len(records))
		}
	})

	t.Run("by variant", func(t *testing.T) {
		records, err := repo.ListRecords(ctx, store.RecordFilter{Variant: "manual"})
		if err != nil {
			t.Fatalf("ListRecords() error = %v", err)
		}
		if len(records) != 1 || records[0].StableID != "b" {
			t.Errorf("records = %+v, want only b", records)
		}
	})

	t.Run("by collection", func(t *testing.T) {
		records, err := repo.ListRecords(ctx, store.RecordFilter{Collection: "corpus-a"})
		if err != nil {
			t.Fatalf("ListRecords() error = %v", err)
		}
		if len(records) != 1 || records[0].StableID != "a" {
			t.Errorf("records = %+v, want only a", records)
		}
	})
}

func TestGoldUniqueness(t *testing.T) {
	ctx := context.Background()
	repo := testutil.NewTestRepository(t)

	first := newRecord("v1", "doc-1")
	second := newRecord("v2", "doc-1")
	second.Version = 2
	other := newRecord("other", "doc-1")
	other.Variant = "manual"
	for _, rec := range []*model.FileRecord{first, second, other} {
		if err := repo.InsertRecord(ctx, rec); err != nil {
			t.Fatalf("InsertRecord(%s) error = %v", rec.StableID, err)
		}
	}

	if err := repo.PromoteGold(ctx, "v1", testTime); err != nil {
		t.Fatalf("PromoteGold(v1) error = %v", err)
	}
	if err := repo.PromoteGold(ctx, "other", testTime); err != nil {
		t.Fatalf("PromoteGold(other) error = %v", err)
	}

	// Promoting v2 demotes v1 in the same transaction; the other variant's
	// gold is untouched.
	if err := repo.PromoteGold(ctx, "v2", testTime.Add(time.Minute)); err != nil {
		t.Fatalf("PromoteGold(v2) error = %v", err)
	}

	for _, tc := range []struct {
		id   string
		gold bool
	}{
		{"v1", false},
		{"v2", true},
		{"other", true},
	} {
		rec, err := repo.GetRecord(ctx, tc.id)
		if err != nil {
			t.Fatalf("GetRecord(%s) error = %v", tc.id, err)
		}
		if rec.Gold != tc.gold {
			t.Errorf("%s.Gold = %v, want %v", tc.id, rec.Gold, tc.gold)
		}
	}

	t.Run("deleted record cannot be promoted", func(t *testing.T) {
		if err := repo.SoftDelete(ctx, []string{"v2"}, testTime.Add(time.Hour)); err != nil {
			t.Fatalf("SoftDelete() error = %v", err)
		}
		if err := repo.PromoteGold(ctx, "v2", testTime.Add(time.Hour)); !errors.Is(err, store.ErrNotFound) {
			t.Errorf("PromoteGold(deleted) error = %v, want ErrNotFound", err)
		}
	})
}

func TestLocalVersionCounter(t *testing.T) {
	ctx := context.Background()
	repo := testutil.NewTestRepository(t)

	version := func() int64 {
		t.Helper()
		state, err := repo.SyncState(ctx)
		if err != nil {
			t.Fatalf("SyncState() error = %v", err)
		}
		return state.LocalVersion
	}

	if got := version(); got != 0 {
		t.Fatalf("initial local version = %d, want 0", got)
	}

	if err := repo.InsertRecord(ctx, newRecord("rec-1", "doc-1")); err != nil {
		t.Fatalf("InsertRecord() error = %v", err)
	}
	if got := version(); got != 1 {
		t.Errorf("after insert local version = %d, want 1", got)
	}

	if err := repo.UpdateRecordContent(ctx, "rec-1", "hash-2", 10, testTime); err != nil {
		t.Fatalf("UpdateRecordContent() error = %v", err)
	}
	if got := version(); got != 2 {
		t.Errorf("after update local version = %d, want 2", got)
	}

	// Applying remote state is not a local change.
	if err := repo.MarkSynced(ctx, "rec-1", "hash-2", testTime); err != nil {
		t.Fatalf("MarkSynced() error = %v", err)
	}
	remote := newRecord("rec-2", "doc-2")
	if err := repo.UpsertRemote(ctx, remote); err != nil {
		t.Fatalf("UpsertRemote() error = %v", err)
	}
	if err := repo.SetSyncStatus(ctx, "rec-2", model.SyncSynced); err != nil {
		t.Fatalf("SetSyncStatus() error = %v", err)
	}
	if got := version(); got != 2 {
		t.Errorf("after sync bookkeeping local version = %d, want 2", got)
	}

	// A soft delete of several records is one change.
	if err := repo.SoftDelete(ctx, []string{"rec-1", "rec-2"}, testTime); err != nil {
		t.Fatalf("SoftDelete() error = %v", err)
	}
	if got := version(); got != 3 {
		t.Errorf("after soft delete local version = %d, want 3", got)
	}

	if err := repo.HardDelete(ctx, "rec-1"); err != nil {
		t.Fatalf("HardDelete() error = %v", err)
	}
	if got := version(); got != 3 {
		t.Errorf("after hard delete local version = %d, want 3", got)
	}
}

func TestFinishSync(t *testing.T) {
	ctx := context.Background()
	repo := testutil.NewTestRepository(t)

	if err := repo.InsertRecord(ctx, newRecord("rec-1", "doc-1")); err != nil {
		t.Fatalf("InsertRecord() error = %v", err)
	}
	if err := repo.FinishSync(ctx, 7, testTime); err != nil {
		t.Fatalf("FinishSync() error = %v", err)
	}

	state, err := repo.SyncState(ctx)
	if err != nil {
		t.Fatalf("SyncState() error = %v", err)
	}
	if state.RemoteVersion != 7 {
		t.Errorf("state.RemoteVersion = %d, want 7", state.RemoteVersion)
	}
	if state.LastSyncedLocalVersion != state.LocalVersion {
		t.Errorf("state.LastSyncedLocalVersion = %d, want %d", state.LastSyncedLocalVersion, state.LocalVersion)
	}
	if !state.LastSyncAt.Equal(testTime) {
		t.Errorf("state.LastSyncAt = %v, want %v", state.LastSyncAt, testTime)
	}
}

func TestUnsyncedCount(t *testing.T) {
	ctx := context.Background()
	repo := testutil.NewTestRepository(t)

	if err := repo.InsertRecord(ctx, newRecord("rec-1", "doc-1")); err != nil {
		t.Fatalf("InsertRecord() error = %v", err)
	}
	if err := repo.InsertRecord(ctx, newRecord("rec-2", "doc-2")); err != nil {
		t.Fatalf("InsertRecord() error = %v", err)
	}

	count, err := repo.UnsyncedCount(ctx)
	if err != nil {
		t.Fatalf("UnsyncedCount() error = %v", err)
	}
	if count != 2 {
		t.Errorf("UnsyncedCount() = %d, want 2", count)
	}

	if err := repo.MarkSynced(ctx, "rec-1", "hash-rec-1", testTime); err != nil {
		t.Fatalf("MarkSynced() error = %v", err)
	}
	count, err = repo.UnsyncedCount(ctx)
	if err != nil {
		t.Fatalf("UnsyncedCount() error = %v", err)
	}
	if count != 1 {
		t.Errorf("UnsyncedCount() = %d, want 1", count)
	}
}

func TestConflictBookkeeping(t *testing.T) {
	ctx := context.Background()
	repo := testutil.NewTestRepository(t)

	rec := newRecord("rec-1", "doc-1")
	rec.SyncHash = "base"
	if err := repo.InsertRecord(ctx, rec); err != nil {
		t.Fatalf("InsertRecord() error = %v", err)
	}

	remoteTime := testTime.Add(time.Minute)
	if err := repo.MarkConflict(ctx, "rec-1", model.ConflictBothModified, "remote-hash", remoteTime); err != nil {
		t.Fatalf("MarkConflict() error = %v", err)
	}

	conflicts, err := repo.ListConflicts(ctx)
	if err != nil {
		t.Fatalf("ListConflicts() error = %v", err)
	}
	if len(conflicts) != 1 {
		t.Fatalf("len(conflicts) = %d, want 1", len(conflicts))
	}
	got := conflicts[0]
	if got.SyncStatus != model.SyncConflict || got.ConflictType != model.ConflictBothModified {
		t.Errorf("conflict = %+v, want both-modified conflict status", got)
	}
	if got.RemoteHash != "remote-hash" || !got.RemoteModifiedAt.Equal(remoteTime) {
		t.Errorf("conflict remote side = (%q, %v), want (remote-hash, %v)", got.RemoteHash, got.RemoteModifiedAt, remoteTime)
	}

	if err := repo.ResolveLocalWins(ctx, "rec-1", model.SyncPendingUpload, testTime.Add(time.Hour)); err != nil {
		t.Fatalf("ResolveLocalWins() error = %v", err)
	}
	resolved, err := repo.GetRecord(ctx, "rec-1")
	if err != nil {
		t.Fatalf("GetRecord() error = %v", err)
	}
	if resolved.SyncStatus != model.SyncPendingUpload || resolved.ConflictType != "" || resolved.RemoteHash != "" {
		t.Errorf("resolved = %+v, want requeued with conflict fields cleared", resolved)
	}
	// The remote hash became the new sync baseline.
	if resolved.SyncHash != "remote-hash" {
		t.Errorf("resolved.SyncHash = %q, want %q", resolved.SyncHash, "remote-hash")
	}
}

func TestLockPersistence(t *testing.T) {
	ctx := context.Background()
	repo := testutil.NewTestRepository(t)

	if lock, err := repo.GetLock(ctx, "rec-1"); err != nil || lock != nil {
		t.Fatalf("GetLock() on empty table = (%v, %v), want (nil, nil)", lock, err)
	}

	lock := &model.Lock{
		StableID:   "rec-1",
		SessionID:  "s1",
		AcquiredAt: testTime,
		RenewedAt:  testTime,
		ExpiresAt:  testTime.Add(90 * time.Second),
	}
	if err := repo.PutLock(ctx, lock); err != nil {
		t.Fatalf("PutLock() error = %v", err)
	}

	got, err := repo.GetLock(ctx, "rec-1")
	if err != nil {
		t.Fatalf("GetLock() error = %v", err)
	}
	if got == nil || got.SessionID != "s1" || !got.ExpiresAt.Equal(lock.ExpiresAt) {
		t.Errorf("GetLock() = %+v, want stored lock", got)
	}

	// PutLock replaces in place.
	lock.SessionID = "s2"
	if err := repo.PutLock(ctx, lock); err != nil {
		t.Fatalf("PutLock() replace error = %v", err)
	}
	got, err = repo.GetLock(ctx, "rec-1")
	if err != nil {
		t.Fatalf("GetLock() error = %v", err)
	}
	if got.SessionID != "s2" {
		t.Errorf("got.SessionID = %q, want %q", got.SessionID, "s2")
	}

	if err := repo.PutLock(ctx, &model.Lock{StableID: "rec-2", SessionID: "s2", AcquiredAt: testTime, RenewedAt: testTime, ExpiresAt: testTime.Add(time.Minute)}); err != nil {
		t.Fatalf("PutLock(rec-2) error = %v", err)
	}
	locks, err := repo.ListLocksBySession(ctx, "s2")
	if err != nil {
		t.Fatalf("ListLocksBySession() error = %v", err)
	}
	if len(locks) != 2 {
		t.Errorf("len(locks) = %d, want 2", len(locks))
	}

	if err := repo.DeleteLocksBySession(ctx, "s2"); err != nil {
		t.Fatalf("DeleteLocksBySession() error = %v", err)
	}
	locks, err = repo.ListLocksBySession(ctx, "s2")
	if err != nil {
		t.Fatalf("ListLocksBySession() error = %v", err)
	}
	if len(locks) != 0 {
		t.Errorf("len(locks) = %d, want 0 after session release", len(locks))
	}

	// DeleteLock on an absent row is a no-op.
	if err := repo.DeleteLock(ctx, "rec-1"); err != nil {
		t.Errorf("DeleteLock() error = %v", err)
	}
}

func TestLocksSurviveRecordUpsert(t *testing.T) {
	ctx := context.Background()
	repo := testutil.NewTestRepository(t)

	rec := newRecord("rec-1", "doc-1")
	if err := repo.InsertRecord(ctx, rec); err != nil {
		t.Fatalf("InsertRecord() error = %v", err)
	}
	if err := repo.PutLock(ctx, &model.Lock{StableID: "rec-1", SessionID: "s1", AcquiredAt: testTime, RenewedAt: testTime, ExpiresAt: testTime.Add(time.Minute)}); err != nil {
		t.Fatalf("PutLock() error = %v", err)
	}

	// A metadata sync rewrites the record row; the edit lease must survive.
	rec.Gold = true
	if err := repo.UpsertRemote(ctx, rec); err != nil {
		t.Fatalf("UpsertRemote() error = %v", err)
	}

	lock, err := repo.GetLock(ctx, "rec-1")
	if err != nil {
		t.Fatalf("GetLock() error = %v", err)
	}
	if lock == nil {
		t.Fatal("lock vanished after record upsert")
	}
}

func TestSoftDeleteSemantics(t *testing.T) {
	ctx := context.Background()
	repo := testutil.NewTestRepository(t)

	rec := newRecord("rec-1", "doc-1")
	rec.Gold = true
	if err := repo.InsertRecord(ctx, rec); err != nil {
		t.Fatalf("InsertRecord() error = %v", err)
	}

	if err := repo.SoftDelete(ctx, []string{"rec-1"}, testTime.Add(time.Minute)); err != nil {
		t.Fatalf("SoftDelete() error = %v", err)
	}
	got, err := repo.GetRecord(ctx, "rec-1")
	if err != nil {
		t.Fatalf("GetRecord() error = %v", err)
	}
	if !got.Deleted || got.Gold || got.SyncStatus != model.SyncPendingDelete {
		t.Errorf("got = %+v, want deleted, demoted, pending_delete", got)
	}

	// Deleting an already-deleted or unknown record fails.
	if err := repo.SoftDelete(ctx, []string{"rec-1"}, testTime); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("SoftDelete() again error = %v, want ErrNotFound", err)
	}
	if err := repo.SoftDelete(ctx, []string{"nope"}, testTime); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("SoftDelete(nope) error = %v, want ErrNotFound", err)
	}
}

func TestDeletedAndOrphanQueries(t *testing.T) {
	ctx := context.Background()
	repo := testutil.NewTestRepository(t)

	src := newRecord("src", "doc-1")
	src.FileType = model.FileTypeSource
	art := newRecord("art", "doc-1")
	otherSrc := newRecord("src-2", "doc-2")
	otherSrc.FileType = model.FileTypeSource
	otherArt := newRecord("art-2", "doc-2")
	for _, rec := range []*model.FileRecord{src, art, otherSrc, otherArt} {
		if err := repo.InsertRecord(ctx, rec); err != nil {
			t.Fatalf("InsertRecord(%s) error = %v", rec.StableID, err)
		}
	}

	if err := repo.SoftDelete(ctx, []string{"src", "art", "art-2"}, testTime.Add(time.Minute)); err != nil {
		t.Fatalf("SoftDelete() error = %v", err)
	}

	t.Run("deleted before cutoff", func(t *testing.T) {
		records, err := repo.ListDeletedBefore(ctx, testTime.Add(time.Hour), "")
		if err != nil {
			t.Fatalf("ListDeletedBefore() error = %v", err)
		}
		if len(records) != 3 {
			t.Errorf("len(records) = %d, want 3", len(records))
		}

		records, err = repo.ListDeletedBefore(ctx, testTime, "")
		if err != nil {
			t.Fatalf("ListDeletedBefore() error = %v", err)
		}
		if len(records) != 0 {
			t.Errorf("len(records) = %d, want 0 before the deletions", len(records))
		}
	})

	t.Run("orphans need a dead source", func(t *testing.T) {
		orphans, err := repo.ListOrphanArtifacts(ctx, testTime.Add(time.Hour), "")
		if err != nil {
			t.Fatalf("ListOrphanArtifacts() error = %v", err)
		}
		// art lost its source; art-2's source is still live.
		if len(orphans) != 1 || orphans[0].StableID != "art" {
			t.Errorf("orphans = %+v, want only art", orphans)
		}
	})

	t.Run("orphans honor cutoff and status", func(t *testing.T) {
		orphans, err := repo.ListOrphanArtifacts(ctx, testTime, "")
		if err != nil {
			t.Fatalf("ListOrphanArtifacts() error = %v", err)
		}
		if len(orphans) != 0 {
			t.Errorf("orphans = %+v, want none before the deletions", orphans)
		}

		orphans, err = repo.ListOrphanArtifacts(ctx, testTime.Add(time.Hour), model.SyncSynced)
		if err != nil {
			t.Fatalf("ListOrphanArtifacts() error = %v", err)
		}
		if len(orphans) != 0 {
			t.Errorf("orphans = %+v, want none outside the status filter", orphans)
		}
	})
}
