package content

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/mpilhlt/pdf-tei-editor-sub003/internal/store"
)

// FileSystemStore stores content on the local filesystem, sharded by the
// first two characters of the hash so no single directory grows unbounded:
//
//	<root>/
//	  objects/
//	    ab/
//	      abcdef...        (content bytes, named by SHA-256)
//	      abcdef....refs   (reference count sidecar)
//
// A process-wide mutex serializes refcount updates; the sidecar read-modify-
// write is not atomic on its own.
type FileSystemStore struct {
	root       string
	objectsDir string
	mu         sync.Mutex
}

// NewFileSystemStore creates a filesystem content store rooted at the given
// path.
func NewFileSystemStore(root string) (*FileSystemStore, error) {
	objectsDir := filepath.Join(root, "objects")
	if err := os.MkdirAll(objectsDir, 0755); err != nil {
		return nil, fmt.Errorf("creating objects directory: %w", err)
	}
	return &FileSystemStore{root: root, objectsDir: objectsDir}, nil
}

// objectPath derives the sharded physical location from the hash.
func (s *FileSystemStore) objectPath(hash string) string {
	return filepath.Join(s.objectsDir, hash[:2], hash)
}

// Put stores the bytes under their SHA-256 digest and counts one reference.
// The write goes through a temp file and an atomic rename; storing bytes
// that already exist only bumps the refcount.
func (s *FileSystemStore) Put(ctx context.Context, r io.Reader) (string, int64, error) {
	if err := ctx.Err(); err != nil {
		return "", 0, err
	}

	// Spool to a temp file while hashing, then move into place once the
	// hash (and thus the final path) is known.
	tmp, err := os.CreateTemp(s.objectsDir, ".tmp-*")
	if err != nil {
		return "", 0, fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	h := sha256.New()
	size, err := io.Copy(io.MultiWriter(tmp, h), r)
	if err != nil {
		tmp.Close()
		return "", 0, fmt.Errorf("writing content: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", 0, fmt.Errorf("closing temp file: %w", err)
	}
	hash := hex.EncodeToString(h.Sum(nil))

	s.mu.Lock()
	defer s.mu.Unlock()

	destPath := s.objectPath(hash)
	if _, err := os.Stat(destPath); err == nil {
		// Deduplicated: the bytes are already there.
		os.Remove(tmpPath)
	} else {
		if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
			return "", 0, fmt.Errorf("creating shard directory: %w", err)
		}
		if err := os.Rename(tmpPath, destPath); err != nil {
			return "", 0, fmt.Errorf("moving content into place: %w", err)
		}
	}
	success = true

	if _, err := s.bumpRefs(hash, 1); err != nil {
		return "", 0, err
	}
	return hash, size, nil
}

// Get writes the content for hash to w.
func (s *FileSystemStore) Get(ctx context.Context, hash string, w io.Writer) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f, err := os.Open(s.objectPath(hash))
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("content %s: %w", hash, store.ErrNotFound)
		}
		return fmt.Errorf("opening content: %w", err)
	}
	defer f.Close()
	if _, err := io.Copy(w, f); err != nil {
		return fmt.Errorf("reading content: %w", err)
	}
	return nil
}

// Stat returns the stored size and reference count for hash.
func (s *FileSystemStore) Stat(ctx context.Context, hash string) (int64, int64, error) {
	info, err := os.Stat(s.objectPath(hash))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, 0, fmt.Errorf("content %s: %w", hash, store.ErrNotFound)
		}
		return 0, 0, fmt.Errorf("stat content: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	refs, err := s.readRefs(hash)
	if err != nil {
		return 0, 0, err
	}
	return info.Size(), refs, nil
}

// Retain increments the reference count.
func (s *FileSystemStore) Retain(ctx context.Context, hash string) error {
	if _, err := os.Stat(s.objectPath(hash)); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("content %s: %w", hash, store.ErrNotFound)
		}
		return fmt.Errorf("stat content: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.bumpRefs(hash, 1)
	return err
}

// Release decrements the reference count and returns the new count. Never
// deletes bytes.
func (s *FileSystemStore) Release(ctx context.Context, hash string) (int64, error) {
	if _, err := os.Stat(s.objectPath(hash)); err != nil {
		if os.IsNotExist(err) {
			return 0, fmt.Errorf("content %s: %w", hash, store.ErrNotFound)
		}
		return 0, fmt.Errorf("stat content: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bumpRefs(hash, -1)
}

// Remove physically deletes the bytes and the refcount sidecar. Garbage
// collector only.
func (s *FileSystemStore) Remove(ctx context.Context, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	path := s.objectPath(hash)
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("content %s: %w", hash, store.ErrNotFound)
		}
		return fmt.Errorf("removing content: %w", err)
	}
	if err := os.Remove(path + ".refs"); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing refcount: %w", err)
	}
	return nil
}

// readRefs loads the sidecar count; a missing sidecar counts as zero.
// Callers hold s.mu.
func (s *FileSystemStore) readRefs(hash string) (int64, error) {
	data, err := os.ReadFile(s.objectPath(hash) + ".refs")
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("reading refcount: %w", err)
	}
	refs, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing refcount: %w", err)
	}
	return refs, nil
}

// bumpRefs adjusts the sidecar count by delta, clamping at zero, and
// returns the new count. Callers hold s.mu.
func (s *FileSystemStore) bumpRefs(hash string, delta int64) (int64, error) {
	refs, err := s.readRefs(hash)
	if err != nil {
		return 0, err
	}
	refs += delta
	if refs < 0 {
		refs = 0
	}
	path := s.objectPath(hash) + ".refs"
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return 0, fmt.Errorf("creating shard directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(strconv.FormatInt(refs, 10)), 0644); err != nil {
		return 0, fmt.Errorf("writing refcount: %w", err)
	}
	return refs, nil
}

var _ store.ContentStore = (*FileSystemStore)(nil)
