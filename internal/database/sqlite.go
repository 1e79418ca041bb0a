package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mpilhlt/pdf-tei-editor-sub003/internal/database/migrations"
	"github.com/mpilhlt/pdf-tei-editor-sub003/internal/model"
	"github.com/mpilhlt/pdf-tei-editor-sub003/internal/store"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// SQLiteRepository implements the Repository interface using SQLite.
type SQLiteRepository struct {
	db   *sql.DB
	path string
}

// NewSQLiteRepository creates a new SQLite repository connection.
// path can be a file path or ":memory:" for in-memory database.
func NewSQLiteRepository(path string) (*SQLiteRepository, error) {
	db, err := OpenConnection(path)
	if err != nil {
		return nil, err
	}

	return &SQLiteRepository{
		db:   db,
		path: path,
	}, nil
}

// OpenConnection opens and configures a SQLite database connection with appropriate PRAGMAs.
// This is exported for use in tools and tests that need a properly configured SQLite connection.
// path can be a file path or ":memory:" for in-memory database.
func OpenConnection(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable foreign key constraints (SQLite default is OFF for backward compatibility)
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	// Wait for concurrent writers instead of failing immediately.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	return db, nil
}

// recordColumns is the canonical column order used by every record query.
const recordColumns = `stable_id, content_hash, doc_id, file_type, variant, version, gold,
	collections, visibility, editability, owner, size,
	sync_status, sync_hash, conflict_type, remote_hash,
	local_modified_at, remote_modified_at, deleted, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*model.FileRecord, error) {
	var rec model.FileRecord
	var collections string
	var remoteModifiedAt sql.NullTime

	err := row.Scan(
		&rec.StableID, &rec.ContentHash, &rec.DocID, &rec.FileType, &rec.Variant,
		&rec.Version, &rec.Gold, &collections, &rec.Visibility, &rec.Editability,
		&rec.Owner, &rec.Size, &rec.SyncStatus, &rec.SyncHash, &rec.ConflictType,
		&rec.RemoteHash, &rec.LocalModifiedAt, &remoteModifiedAt, &rec.Deleted,
		&rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(collections), &rec.Collections); err != nil {
		return nil, fmt.Errorf("decoding collections for %s: %w", rec.StableID, err)
	}
	if remoteModifiedAt.Valid {
		rec.RemoteModifiedAt = remoteModifiedAt.Time
	}
	return &rec, nil
}

func encodeCollections(collections []string) (string, error) {
	if collections == nil {
		collections = []string{}
	}
	data, err := json.Marshal(collections)
	if err != nil {
		return "", fmt.Errorf("encoding collections: %w", err)
	}
	return string(data), nil
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

// execer abstracts *sql.DB and *sql.Tx so helpers work inside and outside
// transactions.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// bumpLocalVersion advances the change counter. Every mutation that alters
// local data calls this inside its own transaction so the counter can never
// drift from the data it describes.
func bumpLocalVersion(ctx context.Context, e execer) error {
	_, err := e.ExecContext(ctx, `UPDATE sync_state SET local_version = local_version + 1 WHERE id = 1`)
	if err != nil {
		return fmt.Errorf("bumping local version: %w", err)
	}
	return nil
}

// Record operations

func (s *SQLiteRepository) GetRecord(ctx context.Context, stableID string) (*model.FileRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM file_records WHERE stable_id = ?`, stableID)
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("record %s: %w", stableID, store.ErrNotFound)
		}
		return nil, fmt.Errorf("getting record: %w", err)
	}
	return rec, nil
}

func (s *SQLiteRepository) ListRecords(ctx context.Context, f store.RecordFilter) ([]model.FileRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM file_records WHERE 1=1`
	var args []any

	if !f.IncludeDeleted {
		query += ` AND deleted = 0`
	}
	if f.DocID != "" {
		query += ` AND doc_id = ?`
		args = append(args, f.DocID)
	}
	if f.Variant != "" {
		query += ` AND variant = ?`
		args = append(args, f.Variant)
	}
	if f.SyncStatus != "" {
		query += ` AND sync_status = ?`
		args = append(args, f.SyncStatus)
	}
	query += ` ORDER BY doc_id, file_type, variant, version`

	records, err := s.queryRecords(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing records: %w", err)
	}

	// Collection membership is stored as a JSON array; filter in Go rather
	// than depending on the json1 extension.
	if f.Collection != "" {
		filtered := records[:0]
		for _, rec := range records {
			if rec.InCollection(f.Collection) {
				filtered = append(filtered, rec)
			}
		}
		records = filtered
	}
	return records, nil
}

func (s *SQLiteRepository) queryRecords(ctx context.Context, query string, args ...any) ([]model.FileRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []model.FileRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}

func (s *SQLiteRepository) InsertRecord(ctx context.Context, rec *model.FileRecord) error {
	collections, err := encodeCollections(rec.Collections)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	if rec.Gold {
		// Demote any existing gold in the same transaction so the partial
		// unique index never sees two at once.
		if err := demoteGold(ctx, tx, rec.DocID, rec.Variant, rec.UpdatedAt); err != nil {
			return err
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO file_records (`+recordColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.StableID, rec.ContentHash, rec.DocID, rec.FileType, rec.Variant,
		rec.Version, rec.Gold, collections, rec.Visibility, rec.Editability,
		rec.Owner, rec.Size, rec.SyncStatus, rec.SyncHash, rec.ConflictType,
		rec.RemoteHash, rec.LocalModifiedAt, nullTime(rec.RemoteModifiedAt),
		rec.Deleted, rec.CreatedAt, rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting record: %w", err)
	}

	if err := bumpLocalVersion(ctx, tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

func (s *SQLiteRepository) UpdateRecordContent(ctx context.Context, stableID, contentHash string, size int64, at time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE file_records
		SET content_hash = ?, size = ?, sync_status = ?,
		    local_modified_at = ?, updated_at = ?
		WHERE stable_id = ?`,
		contentHash, size, model.SyncPendingUpload, at, at, stableID)
	if err != nil {
		return fmt.Errorf("updating record content: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("record %s: %w", stableID, store.ErrNotFound)
	}

	if err := bumpLocalVersion(ctx, tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// demoteGold clears the gold flag on the current gold record for the
// (doc, variant) pair, if any, and marks it pending upload so the demotion
// reaches the mirror.
func demoteGold(ctx context.Context, e execer, docID, variant string, at time.Time) error {
	_, err := e.ExecContext(ctx, `
		UPDATE file_records
		SET gold = 0, sync_status = ?, local_modified_at = ?, updated_at = ?
		WHERE doc_id = ? AND variant = ? AND gold = 1 AND deleted = 0`,
		model.SyncPendingUpload, at, at, docID, variant)
	if err != nil {
		return fmt.Errorf("demoting previous gold: %w", err)
	}
	return nil
}

func (s *SQLiteRepository) PromoteGold(ctx context.Context, stableID string, at time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		`SELECT doc_id, variant FROM file_records WHERE stable_id = ? AND deleted = 0`, stableID)
	var docID, variant string
	if err := row.Scan(&docID, &variant); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("record %s: %w", stableID, store.ErrNotFound)
		}
		return fmt.Errorf("loading record for promotion: %w", err)
	}

	if err := demoteGold(ctx, tx, docID, variant, at); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE file_records
		SET gold = 1, sync_status = ?, local_modified_at = ?, updated_at = ?
		WHERE stable_id = ?`,
		model.SyncPendingUpload, at, at, stableID)
	if err != nil {
		return fmt.Errorf("promoting record: %w", err)
	}

	if err := bumpLocalVersion(ctx, tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

func (s *SQLiteRepository) SoftDelete(ctx context.Context, stableIDs []string, at time.Time) error {
	if len(stableIDs) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	for _, id := range stableIDs {
		res, err := tx.ExecContext(ctx, `
			UPDATE file_records
			SET deleted = 1, gold = 0, sync_status = ?,
			    local_modified_at = ?, updated_at = ?
			WHERE stable_id = ? AND deleted = 0`,
			model.SyncPendingDelete, at, at, id)
		if err != nil {
			return fmt.Errorf("soft-deleting record %s: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("record %s: %w", id, store.ErrNotFound)
		}
	}

	if err := bumpLocalVersion(ctx, tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

func (s *SQLiteRepository) HardDelete(ctx context.Context, stableID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM file_records WHERE stable_id = ?`, stableID)
	if err != nil {
		return fmt.Errorf("hard-deleting record: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("record %s: %w", stableID, store.ErrNotFound)
	}
	return nil
}

func (s *SQLiteRepository) ListDeletedBefore(ctx context.Context, cutoff time.Time, status model.SyncStatus) ([]model.FileRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM file_records WHERE deleted = 1 AND updated_at < ?`
	args := []any{cutoff}
	if status != "" {
		query += ` AND sync_status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY updated_at`

	records, err := s.queryRecords(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing deleted records: %w", err)
	}
	return records, nil
}

func (s *SQLiteRepository) ListOrphanArtifacts(ctx context.Context, cutoff time.Time, status model.SyncStatus) ([]model.FileRecord, error) {
	// An orphan lost its source to deletion; artifacts that never had a
	// source are ordinary records.
	query := `
		SELECT ` + recordColumns + ` FROM file_records f
		WHERE f.deleted = 1 AND f.updated_at < ? AND f.file_type != ?
		  AND EXISTS (
		      SELECT 1 FROM file_records src
		      WHERE src.doc_id = f.doc_id AND src.file_type = ? AND src.deleted = 1
		  )
		  AND NOT EXISTS (
		      SELECT 1 FROM file_records src
		      WHERE src.doc_id = f.doc_id AND src.file_type = ? AND src.deleted = 0
		  )`
	args := []any{cutoff, model.FileTypeSource, model.FileTypeSource, model.FileTypeSource}
	if status != "" {
		query += ` AND f.sync_status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY f.updated_at`

	records, err := s.queryRecords(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing orphan artifacts: %w", err)
	}
	return records, nil
}

// Sync bookkeeping

func (s *SQLiteRepository) MarkSynced(ctx context.Context, stableID, syncHash string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE file_records
		SET sync_status = ?, sync_hash = ?, conflict_type = '', remote_hash = '',
		    remote_modified_at = ?, updated_at = ?
		WHERE stable_id = ?`,
		model.SyncSynced, syncHash, at, at, stableID)
	if err != nil {
		return fmt.Errorf("marking record synced: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("record %s: %w", stableID, store.ErrNotFound)
	}
	return nil
}

func (s *SQLiteRepository) SetSyncStatus(ctx context.Context, stableID string, status model.SyncStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE file_records SET sync_status = ? WHERE stable_id = ?`, status, stableID)
	if err != nil {
		return fmt.Errorf("setting sync status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("record %s: %w", stableID, store.ErrNotFound)
	}
	return nil
}

func (s *SQLiteRepository) UpsertRemote(ctx context.Context, rec *model.FileRecord) error {
	collections, err := encodeCollections(rec.Collections)
	if err != nil {
		return err
	}

	// Applying remote state is not a local change, so the version counter
	// stays put.
	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO file_records (`+recordColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.StableID, rec.ContentHash, rec.DocID, rec.FileType, rec.Variant,
		rec.Version, rec.Gold, collections, rec.Visibility, rec.Editability,
		rec.Owner, rec.Size, rec.SyncStatus, rec.SyncHash, rec.ConflictType,
		rec.RemoteHash, rec.LocalModifiedAt, nullTime(rec.RemoteModifiedAt),
		rec.Deleted, rec.CreatedAt, rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upserting remote record: %w", err)
	}
	return nil
}

func (s *SQLiteRepository) MarkConflict(ctx context.Context, stableID string, ct model.ConflictType, remoteHash string, remoteTime time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE file_records
		SET sync_status = ?, conflict_type = ?, remote_hash = ?, remote_modified_at = ?
		WHERE stable_id = ?`,
		model.SyncConflict, ct, remoteHash, nullTime(remoteTime), stableID)
	if err != nil {
		return fmt.Errorf("marking conflict: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("record %s: %w", stableID, store.ErrNotFound)
	}
	return nil
}

func (s *SQLiteRepository) ResolveLocalWins(ctx context.Context, stableID string, status model.SyncStatus, at time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	// Adopting the remote hash as the sync baseline makes the requeued
	// record classify as a plain local change on the next pass.
	res, err := tx.ExecContext(ctx, `
		UPDATE file_records
		SET sync_status = ?, sync_hash = remote_hash, conflict_type = '', remote_hash = '',
		    local_modified_at = ?, updated_at = ?
		WHERE stable_id = ?`,
		status, at, at, stableID)
	if err != nil {
		return fmt.Errorf("resolving conflict: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("record %s: %w", stableID, store.ErrNotFound)
	}

	if err := bumpLocalVersion(ctx, tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

func (s *SQLiteRepository) ListConflicts(ctx context.Context) ([]model.FileRecord, error) {
	records, err := s.queryRecords(ctx,
		`SELECT `+recordColumns+` FROM file_records WHERE sync_status = ? ORDER BY doc_id, variant`,
		model.SyncConflict)
	if err != nil {
		return nil, fmt.Errorf("listing conflicts: %w", err)
	}
	return records, nil
}

func (s *SQLiteRepository) SyncState(ctx context.Context) (*model.SyncState, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT local_version, remote_version, last_synced_local_version, last_sync_at
		FROM sync_state WHERE id = 1`)

	var st model.SyncState
	var lastSyncAt sql.NullTime
	if err := row.Scan(&st.LocalVersion, &st.RemoteVersion, &st.LastSyncedLocalVersion, &lastSyncAt); err != nil {
		return nil, fmt.Errorf("reading sync state: %w", err)
	}
	if lastSyncAt.Valid {
		st.LastSyncAt = lastSyncAt.Time
	}
	return &st, nil
}

func (s *SQLiteRepository) FinishSync(ctx context.Context, remoteVersion int64, at time.Time) error {
	// last_synced_local_version catches up to local_version atomically so
	// the next skip check sees a clean state.
	_, err := s.db.ExecContext(ctx, `
		UPDATE sync_state
		SET remote_version = ?, last_synced_local_version = local_version, last_sync_at = ?
		WHERE id = 1`,
		remoteVersion, at)
	if err != nil {
		return fmt.Errorf("finishing sync: %w", err)
	}
	return nil
}

func (s *SQLiteRepository) UnsyncedCount(ctx context.Context) (int64, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM file_records WHERE sync_status != ?`, model.SyncSynced)
	var count int64
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("counting unsynced records: %w", err)
	}
	return count, nil
}

// Lock persistence

func (s *SQLiteRepository) GetLock(ctx context.Context, stableID string) (*model.Lock, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT stable_id, session_id, acquired_at, renewed_at, expires_at
		FROM locks WHERE stable_id = ?`, stableID)

	var lock model.Lock
	err := row.Scan(&lock.StableID, &lock.SessionID, &lock.AcquiredAt, &lock.RenewedAt, &lock.ExpiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // Not found
		}
		return nil, fmt.Errorf("getting lock: %w", err)
	}
	return &lock, nil
}

func (s *SQLiteRepository) PutLock(ctx context.Context, lock *model.Lock) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO locks (stable_id, session_id, acquired_at, renewed_at, expires_at)
		VALUES (?, ?, ?, ?, ?)`,
		lock.StableID, lock.SessionID, lock.AcquiredAt, lock.RenewedAt, lock.ExpiresAt)
	if err != nil {
		return fmt.Errorf("putting lock: %w", err)
	}
	return nil
}

func (s *SQLiteRepository) DeleteLock(ctx context.Context, stableID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM locks WHERE stable_id = ?`, stableID)
	if err != nil {
		return fmt.Errorf("deleting lock: %w", err)
	}
	return nil
}

func (s *SQLiteRepository) ListLocksBySession(ctx context.Context, sessionID string) ([]model.Lock, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT stable_id, session_id, acquired_at, renewed_at, expires_at
		FROM locks WHERE session_id = ? ORDER BY stable_id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("listing session locks: %w", err)
	}
	defer rows.Close()

	var locks []model.Lock
	for rows.Next() {
		var lock model.Lock
		if err := rows.Scan(&lock.StableID, &lock.SessionID, &lock.AcquiredAt, &lock.RenewedAt, &lock.ExpiresAt); err != nil {
			return nil, fmt.Errorf("scanning lock: %w", err)
		}
		locks = append(locks, lock)
	}
	return locks, rows.Err()
}

func (s *SQLiteRepository) DeleteLocksBySession(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM locks WHERE session_id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("deleting session locks: %w", err)
	}
	return nil
}

// Path returns the database file path (or ":memory:" for in-memory databases).
func (s *SQLiteRepository) Path() string {
	return s.path
}

// CheckMigrations verifies the database schema is up-to-date.
func (s *SQLiteRepository) CheckMigrations() error {
	return migrations.CheckDBMigrationStatus(s.db)
}

// MigrateUp brings the database schema to the latest version.
func (s *SQLiteRepository) MigrateUp() error {
	return migrations.MigrateUp(s.db)
}

// Close closes the database connection.
func (s *SQLiteRepository) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Compile-time check that SQLiteRepository implements the Repository interface
var _ store.Repository = (*SQLiteRepository)(nil)
