package testutil

import (
	"testing"

	"github.com/mpilhlt/pdf-tei-editor-sub003/internal/database"
	"github.com/mpilhlt/pdf-tei-editor-sub003/internal/store"
)

// NewTestRepository creates a new in-memory SQLite repository with the schema
// applied. The repository is automatically closed when the test completes.
func NewTestRepository(t *testing.T) store.Repository {
	t.Helper()

	repo, err := database.NewSQLiteRepository(":memory:")
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}

	if err := repo.MigrateUp(); err != nil {
		repo.Close()
		t.Fatalf("failed to apply schema: %v", err)
	}

	t.Cleanup(func() {
		repo.Close()
	})

	return repo
}
