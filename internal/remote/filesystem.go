package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/mpilhlt/pdf-tei-editor-sub003/internal/model"
	"github.com/mpilhlt/pdf-tei-editor-sub003/internal/store"
)

// FileSystemStore is a filesystem-based implementation of the RemoteStore
// interface, typically pointed at a network mount shared between peers.
// It stores content and the metadata snapshot as files:
//
//	<root>/
//	  content/
//	    <hash>            (content objects, named by SHA-256)
//	  snapshot.json       (metadata snapshot)
//	  snapshot.version    (snapshot version, readable without the snapshot)
//	  sync.lock           (mirror-wide sync lock)
type FileSystemStore struct {
	name       string
	root       string
	contentDir string
}

// syncLockFile is the on-disk form of the mirror-wide sync lock.
type syncLockFile struct {
	Owner     string    `json:"owner"`
	ExpiresAt time.Time `json:"expires_at"`
}

// NewFileSystemStore creates a new filesystem remote store rooted at the given path.
func NewFileSystemStore(name, root string) (*FileSystemStore, error) {
	contentDir := filepath.Join(root, "content")
	if err := os.MkdirAll(contentDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create content directory: %w", err)
	}

	return &FileSystemStore{
		name:       name,
		root:       root,
		contentDir: contentDir,
	}, nil
}

// PutContent stores a content object identified by its hash.
// The operation is idempotent: storing the same hash multiple times is safe.
func (v *FileSystemStore) PutContent(ctx context.Context, hash string, r io.Reader, size int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	destPath := filepath.Join(v.contentDir, hash)

	// If content already exists, skip (idempotent)
	if _, err := os.Stat(destPath); err == nil {
		written, err := io.Copy(io.Discard, r)
		if err != nil {
			return fmt.Errorf("failed to read content: %w", err)
		}
		if written != size {
			return fmt.Errorf("size mismatch: expected %d bytes, got %d", size, written)
		}
		return nil
	}

	return v.writeFile(destPath, r, size)
}

// GetContent retrieves a content object by hash and writes it to w.
func (v *FileSystemStore) GetContent(ctx context.Context, hash string, w io.Writer) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	srcPath := filepath.Join(v.contentDir, hash)
	return v.readFile(srcPath, w, fmt.Sprintf("remote content %s", hash))
}

// DeleteContent removes a content object. Deleting an absent object is a no-op.
func (v *FileSystemStore) DeleteContent(ctx context.Context, hash string) error {
	err := os.Remove(filepath.Join(v.contentDir, hash))
	if err != nil && !os.IsNotExist(err) {
		return transportErr("deleting remote content", err)
	}
	return nil
}

// ListContent returns the hashes of all stored content objects.
func (v *FileSystemStore) ListContent(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(v.contentDir)
	if err != nil {
		return nil, transportErr("listing remote content", err)
	}

	var hashes []string
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		hashes = append(hashes, entry.Name())
	}
	return hashes, nil
}

// Snapshot retrieves the metadata snapshot.
func (v *FileSystemStore) Snapshot(ctx context.Context) (*model.Snapshot, error) {
	data, err := os.ReadFile(filepath.Join(v.root, "snapshot.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("remote snapshot: %w", store.ErrNotFound)
		}
		return nil, transportErr("reading snapshot", err)
	}

	var snap model.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	return &snap, nil
}

// PutSnapshot replaces the metadata snapshot and its version marker.
func (v *FileSystemStore) PutSnapshot(ctx context.Context, snap *model.Snapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}

	destPath := filepath.Join(v.root, "snapshot.json")
	if err := v.writeFile(destPath, strings.NewReader(string(data)), int64(len(data))); err != nil {
		return err
	}

	// The version marker lets peers run the skip check without downloading
	// the full snapshot.
	versionPath := filepath.Join(v.root, "snapshot.version")
	versionData := strconv.FormatInt(snap.Version, 10)
	if err := os.WriteFile(versionPath, []byte(versionData), 0644); err != nil {
		return transportErr("writing version marker", err)
	}
	return nil
}

// SnapshotVersion returns the snapshot version without reading the snapshot.
// Returns 0 if no version marker exists.
func (v *FileSystemStore) SnapshotVersion(ctx context.Context) (int64, error) {
	data, err := os.ReadFile(filepath.Join(v.root, "snapshot.version"))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, transportErr("reading version marker", err)
	}

	version, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing version: %w", err)
	}
	return version, nil
}

// AcquireSyncLock takes the mirror-wide sync lock. An expired lock is
// reclaimed regardless of owner.
func (v *FileSystemStore) AcquireSyncLock(ctx context.Context, owner string, ttl time.Duration) error {
	lockPath := filepath.Join(v.root, "sync.lock")

	data, err := os.ReadFile(lockPath)
	if err == nil {
		var lock syncLockFile
		if err := json.Unmarshal(data, &lock); err == nil {
			if lock.Owner != "" && lock.Owner != owner && time.Now().Before(lock.ExpiresAt) {
				return fmt.Errorf("sync lock held by %s until %s: %w",
					lock.Owner, lock.ExpiresAt.Format(time.RFC3339), store.ErrLocked)
			}
		}
	} else if !os.IsNotExist(err) {
		return transportErr("reading sync lock", err)
	}

	lock := syncLockFile{Owner: owner, ExpiresAt: time.Now().Add(ttl)}
	lockData, err := json.Marshal(lock)
	if err != nil {
		return fmt.Errorf("encoding sync lock: %w", err)
	}
	if err := os.WriteFile(lockPath, lockData, 0644); err != nil {
		return transportErr("writing sync lock", err)
	}
	return nil
}

// ReleaseSyncLock releases the sync lock if owner holds it. Releasing a lock
// that is absent or held by someone else is a no-op.
func (v *FileSystemStore) ReleaseSyncLock(ctx context.Context, owner string) error {
	lockPath := filepath.Join(v.root, "sync.lock")

	data, err := os.ReadFile(lockPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return transportErr("reading sync lock", err)
	}

	var lock syncLockFile
	if err := json.Unmarshal(data, &lock); err != nil || lock.Owner != owner {
		return nil
	}

	if err := os.Remove(lockPath); err != nil && !os.IsNotExist(err) {
		return transportErr("removing sync lock", err)
	}
	return nil
}

// Validate verifies that the remote directories are accessible.
func (v *FileSystemStore) Validate(ctx context.Context) error {
	info, err := os.Stat(v.root)
	if err != nil {
		return transportErr("remote root not accessible", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("remote root is not a directory: %s", v.root)
	}

	info, err = os.Stat(v.contentDir)
	if err != nil {
		return transportErr("remote content directory not accessible", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("remote content path is not a directory: %s", v.contentDir)
	}
	return nil
}

// writeFile writes data from r to the specified path using atomic write (temp file + rename).
func (v *FileSystemStore) writeFile(destPath string, r io.Reader, expectedSize int64) error {
	// Create temp file in the same directory to ensure atomic rename works
	dir := filepath.Dir(destPath)
	tmpFile, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return transportErr("creating temp file", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	written, err := io.Copy(tmpFile, r)
	if err != nil {
		tmpFile.Close()
		return transportErr("writing data", err)
	}

	if err := tmpFile.Close(); err != nil {
		return transportErr("closing temp file", err)
	}

	if written != expectedSize {
		return fmt.Errorf("size mismatch: expected %d bytes, got %d", expectedSize, written)
	}

	if err := os.Rename(tmpPath, destPath); err != nil {
		return transportErr("renaming temp file", err)
	}

	success = true
	return nil
}

// readFile reads from the specified path and writes to w.
func (v *FileSystemStore) readFile(srcPath string, w io.Writer, what string) error {
	f, err := os.Open(srcPath)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%s: %w", what, store.ErrNotFound)
		}
		return transportErr("opening file", err)
	}
	defer f.Close()

	if _, err := io.Copy(w, f); err != nil {
		return transportErr("reading file", err)
	}
	return nil
}

// Compile-time check that FileSystemStore implements the RemoteStore interface
var _ store.RemoteStore = (*FileSystemStore)(nil)
