package content

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"sync"

	"github.com/mpilhlt/pdf-tei-editor-sub003/internal/store"
)

// MemoryStore is an in-memory implementation of the ContentStore interface,
// useful for testing. Safe for concurrent use.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
	refs    map[string]int64
}

// NewMemoryStore creates an empty in-memory content store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		objects: make(map[string][]byte),
		refs:    make(map[string]int64),
	}
}

// Put stores the bytes under their SHA-256 digest and counts one reference.
// Identical bytes share one stored copy.
func (m *MemoryStore) Put(ctx context.Context, r io.Reader) (string, int64, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", 0, fmt.Errorf("reading content: %w", err)
	}
	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[hash]; !ok {
		m.objects[hash] = data
	}
	m.refs[hash]++
	return hash, int64(len(data)), nil
}

// Get writes the content for hash to w.
func (m *MemoryStore) Get(ctx context.Context, hash string, w io.Writer) error {
	m.mu.RLock()
	data, ok := m.objects[hash]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("content %s: %w", hash, store.ErrNotFound)
	}
	if _, err := io.Copy(w, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("writing content: %w", err)
	}
	return nil
}

// Stat returns the stored size and reference count for hash.
func (m *MemoryStore) Stat(ctx context.Context, hash string) (int64, int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.objects[hash]
	if !ok {
		return 0, 0, fmt.Errorf("content %s: %w", hash, store.ErrNotFound)
	}
	return int64(len(data)), m.refs[hash], nil
}

// Retain increments the reference count.
func (m *MemoryStore) Retain(ctx context.Context, hash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[hash]; !ok {
		return fmt.Errorf("content %s: %w", hash, store.ErrNotFound)
	}
	m.refs[hash]++
	return nil
}

// Release decrements the reference count and returns the new count. The
// bytes stay in place regardless; only Remove deletes them.
func (m *MemoryStore) Release(ctx context.Context, hash string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[hash]; !ok {
		return 0, fmt.Errorf("content %s: %w", hash, store.ErrNotFound)
	}
	if m.refs[hash] > 0 {
		m.refs[hash]--
	}
	return m.refs[hash], nil
}

// Remove physically deletes the bytes. Garbage collector only.
func (m *MemoryStore) Remove(ctx context.Context, hash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[hash]; !ok {
		return fmt.Errorf("content %s: %w", hash, store.ErrNotFound)
	}
	delete(m.objects, hash)
	delete(m.refs, hash)
	return nil
}

var _ store.ContentStore = (*MemoryStore)(nil)
