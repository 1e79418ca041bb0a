package remote

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/mpilhlt/pdf-tei-editor-sub003/internal/model"
	"github.com/mpilhlt/pdf-tei-editor-sub003/internal/store"
)

// MemoryStore is an in-memory implementation of the RemoteStore interface.
// It stores all content and the snapshot in memory, making it useful for
// testing. Safe for concurrent use.
type MemoryStore struct {
	name     string
	content  map[string][]byte
	snapshot *model.Snapshot
	mu       sync.RWMutex

	lockOwner   string
	lockExpires time.Time
}

// NewMemoryStore creates a new in-memory remote store with the given name.
func NewMemoryStore(name string) *MemoryStore {
	return &MemoryStore{
		name:    name,
		content: make(map[string][]byte),
	}
}

// PutContent stores a content object identified by its hash.
// Idempotent: storing the same hash multiple times is safe.
func (m *MemoryStore) PutContent(ctx context.Context, hash string, r io.Reader, size int64) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("failed to read content: %w", err)
	}
	if int64(len(data)) != size {
		return fmt.Errorf("size mismatch: expected %d bytes, got %d", size, len(data))
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.content[hash] = data
	return nil
}

// GetContent retrieves a content object by hash and writes it to w.
func (m *MemoryStore) GetContent(ctx context.Context, hash string, w io.Writer) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	data, ok := m.content[hash]
	if !ok {
		return fmt.Errorf("remote content %s: %w", hash, store.ErrNotFound)
	}
	if _, err := io.Copy(w, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("failed to write content: %w", err)
	}
	return nil
}

// DeleteContent removes a content object. Deleting an absent object is a no-op.
func (m *MemoryStore) DeleteContent(ctx context.Context, hash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.content, hash)
	return nil
}

// ListContent returns the hashes of all stored content objects, sorted.
func (m *MemoryStore) ListContent(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	hashes := make([]string, 0, len(m.content))
	for hash := range m.content {
		hashes = append(hashes, hash)
	}
	sort.Strings(hashes)
	return hashes, nil
}

// Snapshot returns a copy of the current metadata snapshot.
func (m *MemoryStore) Snapshot(ctx context.Context) (*model.Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.snapshot == nil {
		return nil, fmt.Errorf("remote snapshot: %w", store.ErrNotFound)
	}
	snap := *m.snapshot
	snap.Records = append([]model.FileRecord(nil), m.snapshot.Records...)
	return &snap, nil
}

// PutSnapshot replaces the metadata snapshot.
func (m *MemoryStore) PutSnapshot(ctx context.Context, snap *model.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *snap
	cp.Records = append([]model.FileRecord(nil), snap.Records...)
	m.snapshot = &cp
	return nil
}

// SnapshotVersion returns the snapshot version, or 0 when none exists.
func (m *MemoryStore) SnapshotVersion(ctx context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.snapshot == nil {
		return 0, nil
	}
	return m.snapshot.Version, nil
}

// AcquireSyncLock takes the mirror-wide sync lock. An expired lock is
// reclaimed regardless of owner.
func (m *MemoryStore) AcquireSyncLock(ctx context.Context, owner string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	if m.lockOwner != "" && m.lockOwner != owner && now.Before(m.lockExpires) {
		return fmt.Errorf("sync lock held by %s: %w", m.lockOwner, store.ErrLocked)
	}
	m.lockOwner = owner
	m.lockExpires = now.Add(ttl)
	return nil
}

// ReleaseSyncLock releases the sync lock if owner holds it.
func (m *MemoryStore) ReleaseSyncLock(ctx context.Context, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.lockOwner == owner {
		m.lockOwner = ""
		m.lockExpires = time.Time{}
	}
	return nil
}

// Validate always succeeds for the in-memory store.
func (m *MemoryStore) Validate(ctx context.Context) error {
	return nil
}

// Compile-time check that MemoryStore implements the RemoteStore interface
var _ store.RemoteStore = (*MemoryStore)(nil)
