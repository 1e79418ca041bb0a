package store_test

import (
	"bytes"
	"context"
	"testing"

	"github.com/mpilhlt/pdf-tei-editor-sub003/internal/content"
	"github.com/mpilhlt/pdf-tei-editor-sub003/internal/model"
	"github.com/mpilhlt/pdf-tei-editor-sub003/internal/remote"
	"github.com/mpilhlt/pdf-tei-editor-sub003/internal/store"
	"github.com/mpilhlt/pdf-tei-editor-sub003/internal/testutil"
)

// env wires a complete engine against in-memory backends with a stub clock,
// the standard fixture for tests in this package.
type env struct {
	repo    store.Repository
	content *content.MemoryStore
	remote  *remote.MemoryStore
	clock   *testutil.StubClock
	idgen   *testutil.StubIDGenerator
	locks   *store.LockManager
	gc      *store.GarbageCollector
	engine  *store.SyncEngine
	svc     *store.Service
}

func newEnv(t *testing.T) *env {
	t.Helper()

	repo := testutil.NewTestRepository(t)
	cs := content.NewMemoryStore()
	rs := remote.NewMemoryStore("test-mirror")
	clock := testutil.FixedClock()
	idgen := testutil.NewStubIDGenerator()
	logger := store.NopLogger{}
	auth := store.RoleAuthorizer{}

	locks := store.NewLockManager(repo, auth, clock, logger, 0)
	gc := store.NewGarbageCollector(repo, cs, clock, logger, 0)
	engine := store.NewSyncEngine(repo, cs, rs, locks, store.NopProgress{}, nil, clock, idgen, logger, 0)

	svc := store.NewService(store.Deps{
		Repository: repo,
		Content:    cs,
		Locks:      locks,
		GC:         gc,
		Sync:       engine,
		Auth:       auth,
		Progress:   store.NopProgress{},
		Logger:     logger,
		Clock:      clock,
		IDGen:      idgen,
	})

	return &env{
		repo:    repo,
		content: cs,
		remote:  rs,
		clock:   clock,
		idgen:   idgen,
		locks:   locks,
		gc:      gc,
		engine:  engine,
		svc:     svc,
	}
}

func editorSession(id string) model.Session {
	return model.Session{ID: id, User: "user-" + id, Role: model.RoleEditor}
}

func adminSession(id string) model.Session {
	return model.Session{ID: id, User: "admin-" + id, Role: model.RoleAdmin}
}

// insertRecord seeds a record directly, bypassing the service layer.
func (e *env) insertRecord(t *testing.T, rec model.FileRecord) model.FileRecord {
	t.Helper()

	now := e.clock.Now()
	if rec.Version == 0 {
		rec.Version = 1
	}
	if rec.Visibility == "" {
		rec.Visibility = model.VisibilityPublic
	}
	if rec.Editability == "" {
		rec.Editability = model.EditabilityOpen
	}
	if rec.SyncStatus == "" {
		rec.SyncStatus = model.SyncPendingUpload
	}
	rec.LocalModifiedAt = now
	rec.CreatedAt = now
	rec.UpdatedAt = now

	if err := e.repo.InsertRecord(context.Background(), &rec); err != nil {
		t.Fatalf("InsertRecord() error = %v", err)
	}
	return rec
}

// save stores content through the service and returns the result.
func (e *env) save(t *testing.T, session model.Session, req store.SaveRequest) *store.SaveResult {
	t.Helper()

	result, err := e.svc.Save(context.Background(), session, req)
	if err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	return result
}

// getRecord loads a record, failing the test on error.
func (e *env) getRecord(t *testing.T, stableID string) *model.FileRecord {
	t.Helper()

	rec, err := e.repo.GetRecord(context.Background(), stableID)
	if err != nil {
		t.Fatalf("GetRecord(%s) error = %v", stableID, err)
	}
	return rec
}

// contentOf reads a record's bytes from the local content store.
func (e *env) contentOf(t *testing.T, hash string) []byte {
	t.Helper()

	var buf bytes.Buffer
	if err := e.content.Get(context.Background(), hash, &buf); err != nil {
		t.Fatalf("content.Get(%s) error = %v", hash, err)
	}
	return buf.Bytes()
}

// seedRemoteRecord publishes a record and its content on the mirror as if
// another peer had synced it, bumping the snapshot version.
func (e *env) seedRemoteRecord(t *testing.T, rec model.FileRecord, data []byte) {
	t.Helper()
	ctx := context.Background()

	if err := e.remote.PutContent(ctx, rec.ContentHash, bytes.NewReader(data), int64(len(data))); err != nil {
		t.Fatalf("remote.PutContent() error = %v", err)
	}

	snap, err := e.remote.Snapshot(ctx)
	if err != nil {
		snap = &model.Snapshot{}
	}

	replaced := false
	for i := range snap.Records {
		if snap.Records[i].StableID == rec.StableID {
			snap.Records[i] = rec
			replaced = true
			break
		}
	}
	if !replaced {
		snap.Records = append(snap.Records, rec)
	}
	snap.Version++
	snap.UpdatedAt = e.clock.Now()
	snap.UpdatedBy = "other-peer"

	if err := e.remote.PutSnapshot(ctx, snap); err != nil {
		t.Fatalf("remote.PutSnapshot() error = %v", err)
	}
}
