package model

import "time"

// FileType categorizes an artifact within a document.
type FileType string

const (
	FileTypeSource   FileType = "source"   // original uploaded document
	FileTypeArtifact FileType = "artifact" // derived rendition/extraction
	FileTypeSchema   FileType = "schema"
)

// SyncStatus tracks where a record stands relative to the remote mirror.
type SyncStatus string

const (
	SyncSynced        SyncStatus = "synced"
	SyncPendingUpload SyncStatus = "pending_upload"
	SyncPendingDelete SyncStatus = "pending_delete"
	SyncConflict      SyncStatus = "conflict"
)

// ConflictType classifies how a record diverged between local and remote.
type ConflictType string

const (
	ConflictBothModified        ConflictType = "both-modified"
	ConflictDeletedRemoteModLoc ConflictType = "deleted-remote-modified-local"
	ConflictDeletedLocalModRem  ConflictType = "deleted-local-modified-remote"
)

// Visibility and editability make up a record's access control.
const (
	VisibilityPublic  = "public"
	VisibilityPrivate = "private"

	EditabilityOpen      = "open"
	EditabilityProtected = "protected"
)

// FileRecord is one row per artifact version known to the system.
// ContentHash addresses the physical bytes in the content store; StableID
// is the logical identity that lock and sync operations key on.
type FileRecord struct {
	StableID    string `json:"stable_id"` // survives content changes; primary key
	ContentHash string `json:"content_hash"`
	DocID       string `json:"doc_id"` // groups a source with its derived artifacts
	FileType    FileType `json:"file_type"`
	Variant     string   `json:"variant"`
	Version     int64    `json:"version"`
	Gold        bool     `json:"gold"`        // at most one per (DocID, Variant)
	Collections []string `json:"collections"` // membership drives access control
	Visibility  string   `json:"visibility"`
	Editability string   `json:"editability"`
	Owner       string   `json:"owner"`
	Size        int64    `json:"size"`

	SyncStatus       SyncStatus   `json:"sync_status"`
	SyncHash         string       `json:"sync_hash"` // content hash at the last successful sync
	ConflictType     ConflictType `json:"conflict_type,omitempty"`
	RemoteHash       string       `json:"remote_hash,omitempty"` // remote side of a pending conflict
	LocalModifiedAt  time.Time    `json:"local_modified_at"`
	RemoteModifiedAt time.Time    `json:"remote_modified_at"`

	Deleted   bool      `json:"deleted"` // soft delete; bytes stay until GC confirms zero refs
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// InCollection reports whether the record belongs to the named collection.
func (r *FileRecord) InCollection(name string) bool {
	for _, c := range r.Collections {
		if c == name {
			return true
		}
	}
	return false
}

// Lock is an ephemeral lease over a stable ID. At most one active lock per
// stable ID exists; an expired lock is reclaimed lazily on the next
// acquire/check, never by a background sweep.
type Lock struct {
	StableID   string
	SessionID  string
	AcquiredAt time.Time
	RenewedAt  time.Time
	ExpiresAt  time.Time
}

// Expired reports whether the lease has lapsed at the given instant.
func (l *Lock) Expired(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}

// Role is the caller's claim, issued by the (external) auth layer.
type Role string

const (
	RoleViewer   Role = "viewer"
	RoleEditor   Role = "editor"
	RoleReviewer Role = "reviewer"
	RoleAdmin    Role = "admin"
)

// Session identifies one editing session. The ID is opaque to the engine.
type Session struct {
	ID   string
	User string
	Role Role
}

// CanEdit reports whether the role carries write capability at all.
func (s Session) CanEdit() bool {
	return s.Role == RoleEditor || s.Role == RoleReviewer || s.Role == RoleAdmin
}

// CanPromote reports whether the role may designate gold-standard versions.
func (s Session) CanPromote() bool {
	return s.Role == RoleReviewer || s.Role == RoleAdmin
}

// IsAdmin reports whether the role bypasses ownership and age gates.
func (s Session) IsAdmin() bool { return s.Role == RoleAdmin }

// SyncState is the single-row bookkeeping the sync engine's skip check and
// status report read. Counters are bumped transactionally with the change
// that caused them so they survive restarts.
type SyncState struct {
	LocalVersion           int64
	RemoteVersion          int64
	LastSyncedLocalVersion int64
	LastSyncAt             time.Time
}

// ConflictInfo is the derived view returned by syncConflicts: local vs
// remote state for one stable ID that diverged since the last sync.
type ConflictInfo struct {
	StableID     string
	DocID        string
	Variant      string
	ConflictType ConflictType
	LocalHash    string
	RemoteHash   string
	LocalTime    time.Time
	RemoteTime   time.Time
}

// Snapshot is the remote mirror's metadata: every record the mirror knows,
// plus a monotonic version used for the O(1) sync skip check.
type Snapshot struct {
	Version   int64        `json:"version"`
	UpdatedAt time.Time    `json:"updated_at"`
	UpdatedBy string       `json:"updated_by"`
	Records   []FileRecord `json:"records"`
}

// SyncSummary is the result of one sync pass.
type SyncSummary struct {
	Skipped        bool
	Uploaded       int
	Downloaded     int
	DeletedLocal   int
	DeletedRemote  int
	MetadataSynced int
	Conflicts      int
	Pending        int // held back because a live local edit lock covers the file
	Errors         int
	Duration       time.Duration
}

// GCResult reports one garbage collection pass.
type GCResult struct {
	PurgedCount   int
	OrphansPurged int
	BytesFreed    int64
	Skipped       int // per-record failures, logged and skipped
}

// DocumentView groups a document's artifacts for listing: one entry per
// doc ID with the source first and derived artifacts nested under it.
type DocumentView struct {
	DocID     string
	Source    *FileRecord
	Artifacts []FileRecord
}
