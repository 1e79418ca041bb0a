package content

import (
	"fmt"

	"github.com/mpilhlt/pdf-tei-editor-sub003/internal/config"
	"github.com/mpilhlt/pdf-tei-editor-sub003/internal/store"
)

// NewStoreFromConfig creates a ContentStore based on the config type.
func NewStoreFromConfig(cfg config.ContentConfig) (store.ContentStore, error) {
	switch cfg.Type {
	case "memory":
		return NewMemoryStore(), nil
	case "filesystem", "":
		if cfg.Root == "" {
			return nil, fmt.Errorf("filesystem content store requires root to be set")
		}
		return NewFileSystemStore(cfg.Root)
	default:
		return nil, fmt.Errorf("unknown content store type: %s", cfg.Type)
	}
}
