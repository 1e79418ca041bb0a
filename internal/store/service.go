package store

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"

	"github.com/mpilhlt/pdf-tei-editor-sub003/internal/model"
)

// Service is the orchestration layer coordinating the repository, content
// store, lock manager, garbage collector, and sync engine into the
// operations the application calls.
type Service struct {
	repo     Repository
	content  ContentStore
	locks    *LockManager
	gc       *GarbageCollector
	sync     *SyncEngine
	auth     Authorizer
	progress Progress
	logger   Logger
	clock    Clock
	idgen    IDGenerator
}

// Deps bundles the collaborators a Service needs.
type Deps struct {
	Repository Repository
	Content    ContentStore
	Locks      *LockManager
	GC         *GarbageCollector
	Sync       *SyncEngine
	Auth       Authorizer
	Progress   Progress
	Logger     Logger
	Clock      Clock
	IDGen      IDGenerator
}

// NewService creates a Service from its dependencies.
func NewService(d Deps) *Service {
	return &Service{
		repo:     d.Repository,
		content:  d.Content,
		locks:    d.Locks,
		gc:       d.GC,
		sync:     d.Sync,
		auth:     d.Auth,
		progress: d.Progress,
		logger:   d.Logger,
		clock:    d.Clock,
		idgen:    d.IDGen,
	}
}

// Locks returns the per-file lock manager.
func (s *Service) Locks() *LockManager { return s.locks }

// GC returns the garbage collector.
func (s *Service) GC() *GarbageCollector { return s.gc }

// Sync returns the sync engine.
func (s *Service) Sync() *SyncEngine { return s.sync }

// SaveRequest describes one save call. An empty StableID creates a new
// record; otherwise the request targets an existing one.
type SaveRequest struct {
	StableID    string
	DocID       string
	FileType    model.FileType
	Variant     string
	Collections []string
	Visibility  string
	Editability string
	Content     []byte

	// NewVersion forces a new version record instead of updating in place.
	NewVersion bool
	// PromoteGold marks the resulting version as the gold standard for its
	// (doc, variant) pair. Requires a reviewer or admin role.
	PromoteGold bool
}

// SaveResult reports what a save did.
type SaveResult struct {
	StableID    string
	ContentHash string
	Version     int64
	Action      string // "created", "updated", "new_version", "promoted"
}

// Save decides between update, new version, and gold promotion by comparing
// the caller against the existing record, stores the bytes content-addressed,
// and commits the metadata. See SaveRequest for the decision inputs.
func (s *Service) Save(ctx context.Context, session model.Session, req SaveRequest) (*SaveResult, error) {
	if !session.CanEdit() {
		return nil, fmt.Errorf("role %s cannot save: %w", session.Role, ErrPermissionDenied)
	}
	if req.StableID == "" && (req.DocID == "" || req.FileType == "") {
		return nil, fmt.Errorf("new records need doc_id and file_type: %w", ErrValidation)
	}
	if len(req.Content) == 0 && !req.PromoteGold {
		return nil, fmt.Errorf("empty content: %w", ErrValidation)
	}
	if req.PromoteGold && !session.CanPromote() {
		return nil, fmt.Errorf("role %s cannot promote gold: %w", session.Role, ErrPermissionDenied)
	}

	if req.StableID == "" {
		return s.create(ctx, session, req)
	}

	rec, err := s.repo.GetRecord(ctx, req.StableID)
	if err != nil {
		return nil, err
	}
	if rec.Deleted {
		return nil, fmt.Errorf("record %s is deleted: %w", req.StableID, ErrNotFound)
	}
	if !s.auth.CanWrite(session, rec) {
		return nil, fmt.Errorf("session %s cannot write %s: %w", session.ID, rec.StableID, ErrPermissionDenied)
	}
	if rec.SyncStatus == model.SyncConflict {
		return nil, fmt.Errorf("record %s has an unresolved sync conflict: %w", rec.StableID, ErrConflictDetected)
	}
	if err := s.ensureNotLockedByOther(ctx, session, rec.StableID); err != nil {
		return nil, err
	}

	switch {
	case req.PromoteGold && len(req.Content) == 0:
		return s.promote(ctx, rec)
	case req.NewVersion:
		return s.newVersion(ctx, session, rec, req)
	default:
		return s.update(ctx, rec, req)
	}
}

// create inserts a brand-new record owned by the caller.
func (s *Service) create(ctx context.Context, session model.Session, req SaveRequest) (*SaveResult, error) {
	hash, size, err := s.content.Put(ctx, bytes.NewReader(req.Content))
	if err != nil {
		return nil, fmt.Errorf("storing content: %w", err)
	}

	now := s.clock.Now()
	rec := &model.FileRecord{
		StableID:        s.idgen.New(),
		ContentHash:     hash,
		DocID:           req.DocID,
		FileType:        req.FileType,
		Variant:         req.Variant,
		Version:         1,
		Collections:     req.Collections,
		Visibility:      orDefault(req.Visibility, model.VisibilityPublic),
		Editability:     orDefault(req.Editability, model.EditabilityOpen),
		Owner:           session.User,
		Size:            size,
		SyncStatus:      model.SyncPendingUpload,
		LocalModifiedAt: now,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.repo.InsertRecord(ctx, rec); err != nil {
		// Undo the reference the failed insert would have owned.
		if _, relErr := s.content.Release(ctx, hash); relErr != nil {
			s.logger.Warn("releasing content after failed insert", "hash", hash, "error", relErr)
		}
		return nil, fmt.Errorf("inserting record: %w", err)
	}

	result := &SaveResult{StableID: rec.StableID, ContentHash: hash, Version: 1, Action: "created"}
	if req.PromoteGold {
		if err := s.repo.PromoteGold(ctx, rec.StableID, now); err != nil {
			return nil, fmt.Errorf("promoting gold: %w", err)
		}
		result.Action = "promoted"
	}
	s.logger.Info("record created", "stable_id", rec.StableID, "doc_id", rec.DocID, "hash", hash)
	return result, nil
}

// update points the existing record at new bytes. Saving byte-identical
// content is a no-op.
func (s *Service) update(ctx context.Context, rec *model.FileRecord, req SaveRequest) (*SaveResult, error) {
	hash, size, err := s.content.Put(ctx, bytes.NewReader(req.Content))
	if err != nil {
		return nil, fmt.Errorf("storing content: %w", err)
	}

	if hash == rec.ContentHash {
		// Same bytes: drop the reference Put just counted and keep the row.
		if _, err := s.content.Release(ctx, hash); err != nil {
			return nil, fmt.Errorf("releasing duplicate reference: %w", err)
		}
		return &SaveResult{StableID: rec.StableID, ContentHash: hash, Version: rec.Version, Action: "updated"}, nil
	}

	if err := s.repo.UpdateRecordContent(ctx, rec.StableID, hash, size, s.clock.Now()); err != nil {
		if _, relErr := s.content.Release(ctx, hash); relErr != nil {
			s.logger.Warn("releasing content after failed update", "hash", hash, "error", relErr)
		}
		return nil, fmt.Errorf("updating record: %w", err)
	}
	if _, err := s.content.Release(ctx, rec.ContentHash); err != nil {
		s.logger.Warn("releasing previous content", "hash", rec.ContentHash, "error", err)
	}

	result := &SaveResult{StableID: rec.StableID, ContentHash: hash, Version: rec.Version, Action: "updated"}
	if req.PromoteGold {
		if err := s.repo.PromoteGold(ctx, rec.StableID, s.clock.Now()); err != nil {
			return nil, fmt.Errorf("promoting gold: %w", err)
		}
		result.Action = "promoted"
	}
	s.logger.Info("record updated", "stable_id", rec.StableID, "hash", hash)
	return result, nil
}

// newVersion inserts a fresh record for the next version of the artifact,
// leaving the previous version addressable under its own stable ID.
func (s *Service) newVersion(ctx context.Context, session model.Session, prev *model.FileRecord, req SaveRequest) (*SaveResult, error) {
	hash, size, err := s.content.Put(ctx, bytes.NewReader(req.Content))
	if err != nil {
		return nil, fmt.Errorf("storing content: %w", err)
	}

	now := s.clock.Now()
	rec := &model.FileRecord{
		StableID:        s.idgen.New(),
		ContentHash:     hash,
		DocID:           prev.DocID,
		FileType:        prev.FileType,
		Variant:         prev.Variant,
		Version:         prev.Version + 1,
		Collections:     prev.Collections,
		Visibility:      prev.Visibility,
		Editability:     prev.Editability,
		Owner:           session.User,
		Size:            size,
		SyncStatus:      model.SyncPendingUpload,
		LocalModifiedAt: now,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.repo.InsertRecord(ctx, rec); err != nil {
		if _, relErr := s.content.Release(ctx, hash); relErr != nil {
			s.logger.Warn("releasing content after failed insert", "hash", hash, "error", relErr)
		}
		return nil, fmt.Errorf("inserting version record: %w", err)
	}

	result := &SaveResult{StableID: rec.StableID, ContentHash: hash, Version: rec.Version, Action: "new_version"}
	if req.PromoteGold {
		if err := s.repo.PromoteGold(ctx, rec.StableID, now); err != nil {
			return nil, fmt.Errorf("promoting gold: %w", err)
		}
		result.Action = "promoted"
	}
	s.logger.Info("new version created", "stable_id", rec.StableID, "version", rec.Version, "previous", prev.StableID)
	return result, nil
}

// promote marks an existing version gold without touching its content.
func (s *Service) promote(ctx context.Context, rec *model.FileRecord) (*SaveResult, error) {
	if err := s.repo.PromoteGold(ctx, rec.StableID, s.clock.Now()); err != nil {
		return nil, fmt.Errorf("promoting gold: %w", err)
	}
	s.logger.Info("gold promoted", "stable_id", rec.StableID, "doc_id", rec.DocID, "variant", rec.Variant)
	return &SaveResult{StableID: rec.StableID, ContentHash: rec.ContentHash, Version: rec.Version, Action: "promoted"}, nil
}

// Delete soft-deletes the given records. Physical content is untouched; the
// garbage collector reclaims it once nothing references it. Each record
// requires write permission, and none may be locked by another session.
func (s *Service) Delete(ctx context.Context, session model.Session, stableIDs []string) error {
	if len(stableIDs) == 0 {
		return fmt.Errorf("no ids given: %w", ErrValidation)
	}
	for _, id := range stableIDs {
		rec, err := s.repo.GetRecord(ctx, id)
		if err != nil {
			return err
		}
		if !s.auth.CanWrite(session, rec) {
			return fmt.Errorf("session %s cannot delete %s: %w", session.ID, id, ErrPermissionDenied)
		}
		if err := s.ensureNotLockedByOther(ctx, session, id); err != nil {
			return err
		}
	}
	if err := s.repo.SoftDelete(ctx, stableIDs, s.clock.Now()); err != nil {
		return fmt.Errorf("soft deleting: %w", err)
	}
	s.logger.Info("records soft-deleted", "count", len(stableIDs))
	return nil
}

// Get writes the record's content to w after a read permission check.
func (s *Service) Get(ctx context.Context, session model.Session, stableID string, w io.Writer) (*model.FileRecord, error) {
	rec, err := s.repo.GetRecord(ctx, stableID)
	if err != nil {
		return nil, err
	}
	if rec.Deleted {
		return nil, fmt.Errorf("record %s is deleted: %w", stableID, ErrNotFound)
	}
	if !s.auth.CanRead(session, rec) {
		return nil, fmt.Errorf("session %s cannot read %s: %w", session.ID, stableID, ErrPermissionDenied)
	}
	if err := s.content.Get(ctx, rec.ContentHash, w); err != nil {
		return nil, fmt.Errorf("reading content: %w", err)
	}
	return rec, nil
}

// ListDocuments returns document-grouped views the session may read,
// filtered by collection and variant.
func (s *Service) ListDocuments(ctx context.Context, session model.Session, filter RecordFilter) ([]model.DocumentView, error) {
	records, err := s.repo.ListRecords(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("listing records: %w", err)
	}

	byDoc := make(map[string]*model.DocumentView)
	var order []string
	for i := range records {
		rec := records[i]
		if !s.auth.CanRead(session, &rec) {
			continue
		}
		view, ok := byDoc[rec.DocID]
		if !ok {
			view = &model.DocumentView{DocID: rec.DocID}
			byDoc[rec.DocID] = view
			order = append(order, rec.DocID)
		}
		if rec.FileType == model.FileTypeSource && view.Source == nil {
			view.Source = &rec
		} else {
			view.Artifacts = append(view.Artifacts, rec)
		}
	}

	sort.Strings(order)
	views := make([]model.DocumentView, 0, len(order))
	for _, docID := range order {
		views = append(views, *byDoc[docID])
	}
	return views, nil
}

// ensureNotLockedByOther rejects mutations on records another session holds
// a live lease on.
func (s *Service) ensureNotLockedByOther(ctx context.Context, session model.Session, stableID string) error {
	locked, by, err := s.locks.Check(ctx, stableID)
	if err != nil {
		return err
	}
	if locked && by != session.ID {
		return fmt.Errorf("%s held by session %s: %w", stableID, by, ErrLocked)
	}
	return nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
