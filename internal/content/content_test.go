package content_test

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/mpilhlt/pdf-tei-editor-sub003/internal/content"
	"github.com/mpilhlt/pdf-tei-editor-sub003/internal/store"
	"github.com/mpilhlt/pdf-tei-editor-sub003/internal/testutil"
)

// newStores builds one store of each implementation so every subtest runs
// against both.
func newStores(t *testing.T) map[string]store.ContentStore {
	t.Helper()

	fs, err := content.NewFileSystemStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileSystemStore() error = %v", err)
	}
	return map[string]store.ContentStore{
		"memory":     content.NewMemoryStore(),
		"filesystem": fs,
	}
}

func TestContentStorePutGet(t *testing.T) {
	ctx := context.Background()
	for name, cs := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			data := []byte("some artifact bytes")

			hash, size, err := cs.Put(ctx, bytes.NewReader(data))
			if err != nil {
				t.Fatalf("Put() error = %v", err)
			}
			if want := testutil.SHA256Hex(data); hash != want {
				t.Errorf("Put() hash = %q, want %q", hash, want)
			}
			if size != int64(len(data)) {
				t.Errorf("Put() size = %d, want %d", size, len(data))
			}

			var buf bytes.Buffer
			if err := cs.Get(ctx, hash, &buf); err != nil {
				t.Fatalf("Get() error = %v", err)
			}
			if !bytes.Equal(buf.Bytes(), data) {
				t.Errorf("Get() = %q, want %q", buf.Bytes(), data)
			}
		})
	}
}

func TestContentStoreDedup(t *testing.T) {
	ctx := context.Background()
	for name, cs := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			data := []byte("stored twice")

			h1, _, err := cs.Put(ctx, bytes.NewReader(data))
			if err != nil {
				t.Fatalf("Put() error = %v", err)
			}
			h2, _, err := cs.Put(ctx, bytes.NewReader(data))
			if err != nil {
				t.Fatalf("Put() again error = %v", err)
			}
			if h1 != h2 {
				t.Fatalf("hashes differ: %q vs %q", h1, h2)
			}

			_, refs, err := cs.Stat(ctx, h1)
			if err != nil {
				t.Fatalf("Stat() error = %v", err)
			}
			if refs != 2 {
				t.Errorf("refs = %d, want 2", refs)
			}
		})
	}
}

func TestContentStoreRefCounting(t *testing.T) {
	ctx := context.Background()
	for name, cs := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			data := []byte("refcounted")
			hash, _, err := cs.Put(ctx, bytes.NewReader(data))
			if err != nil {
				t.Fatalf("Put() error = %v", err)
			}

			if err := cs.Retain(ctx, hash); err != nil {
				t.Fatalf("Retain() error = %v", err)
			}
			refs, err := cs.Release(ctx, hash)
			if err != nil {
				t.Fatalf("Release() error = %v", err)
			}
			if refs != 1 {
				t.Errorf("Release() refs = %d, want 1", refs)
			}

			// Dropping the last reference never deletes the bytes.
			refs, err = cs.Release(ctx, hash)
			if err != nil {
				t.Fatalf("Release() error = %v", err)
			}
			if refs != 0 {
				t.Errorf("Release() refs = %d, want 0", refs)
			}
			var buf bytes.Buffer
			if err := cs.Get(ctx, hash, &buf); err != nil {
				t.Errorf("Get() after final release error = %v", err)
			}

			// Release clamps at zero.
			refs, err = cs.Release(ctx, hash)
			if err != nil {
				t.Fatalf("Release() error = %v", err)
			}
			if refs != 0 {
				t.Errorf("Release() below zero refs = %d, want 0", refs)
			}
		})
	}
}

func TestContentStoreRemove(t *testing.T) {
	ctx := context.Background()
	for name, cs := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			hash, _, err := cs.Put(ctx, bytes.NewReader([]byte("to be removed")))
			if err != nil {
				t.Fatalf("Put() error = %v", err)
			}

			if err := cs.Remove(ctx, hash); err != nil {
				t.Fatalf("Remove() error = %v", err)
			}
			var buf bytes.Buffer
			if err := cs.Get(ctx, hash, &buf); !errors.Is(err, store.ErrNotFound) {
				t.Errorf("Get() after remove error = %v, want ErrNotFound", err)
			}
			if err := cs.Remove(ctx, hash); !errors.Is(err, store.ErrNotFound) {
				t.Errorf("Remove() again error = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestContentStoreMissing(t *testing.T) {
	ctx := context.Background()
	missing := testutil.SHA256Hex([]byte("never stored"))
	for name, cs := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			var buf bytes.Buffer
			if err := cs.Get(ctx, missing, &buf); !errors.Is(err, store.ErrNotFound) {
				t.Errorf("Get() error = %v, want ErrNotFound", err)
			}
			if err := cs.Retain(ctx, missing); !errors.Is(err, store.ErrNotFound) {
				t.Errorf("Retain() error = %v, want ErrNotFound", err)
			}
			if _, err := cs.Release(ctx, missing); !errors.Is(err, store.ErrNotFound) {
				t.Errorf("Release() error = %v, want ErrNotFound", err)
			}
			if _, _, err := cs.Stat(ctx, missing); !errors.Is(err, store.ErrNotFound) {
				t.Errorf("Stat() error = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestFileSystemStoreSharding(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	fs, err := content.NewFileSystemStore(root)
	if err != nil {
		t.Fatalf("NewFileSystemStore() error = %v", err)
	}

	data := []byte("sharded object")
	hash, _, err := fs.Put(ctx, bytes.NewReader(data))
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	path := filepath.Join(root, "objects", hash[:2], hash)
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("object not at sharded path %s: %v", path, err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("object bytes = %q, want %q", got, data)
	}

	// No temp files left behind.
	entries, err := os.ReadDir(filepath.Join(root, "objects"))
	if err != nil {
		t.Fatalf("ReadDir() error = %v", err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			t.Errorf("stray file in objects dir: %s", e.Name())
		}
	}
}

func TestFileSystemStoreRefsSurviveReopen(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()

	fs, err := content.NewFileSystemStore(root)
	if err != nil {
		t.Fatalf("NewFileSystemStore() error = %v", err)
	}
	hash, _, err := fs.Put(ctx, bytes.NewReader([]byte("persistent")))
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if err := fs.Retain(ctx, hash); err != nil {
		t.Fatalf("Retain() error = %v", err)
	}

	reopened, err := content.NewFileSystemStore(root)
	if err != nil {
		t.Fatalf("NewFileSystemStore() reopen error = %v", err)
	}
	_, refs, err := reopened.Stat(ctx, hash)
	if err != nil {
		t.Fatalf("Stat() error = %v", err)
	}
	if refs != 2 {
		t.Errorf("refs after reopen = %d, want 2", refs)
	}
}
