package database

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/mpilhlt/pdf-tei-editor-sub003/internal/config"
	"github.com/mpilhlt/pdf-tei-editor-sub003/internal/store"
)

// NewRepositoryFromConfig creates a Repository implementation based on the database config type.
func NewRepositoryFromConfig(cfg config.DatabaseConfig, peerID string) (store.Repository, error) {
	switch cfg.Type {
	case "sqlite", "":
		if cfg.DataDir == "" {
			return nil, fmt.Errorf("data_dir required for sqlite database")
		}
		if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
		dbPath := filepath.Join(cfg.DataDir, peerID+".db")
		return NewSQLiteRepository(dbPath)
	case "memory":
		repo, err := NewSQLiteRepository(":memory:")
		if err != nil {
			return nil, err
		}
		if err := repo.MigrateUp(); err != nil {
			repo.Close()
			return nil, fmt.Errorf("migrating in-memory database: %w", err)
		}
		return repo, nil
	default:
		return nil, fmt.Errorf("unknown database type: %s", cfg.Type)
	}
}
