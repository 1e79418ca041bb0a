package remote

import (
	"context"
	"fmt"

	"github.com/mpilhlt/pdf-tei-editor-sub003/internal/config"
	"github.com/mpilhlt/pdf-tei-editor-sub003/internal/store"
)

// NewStoreFromConfig creates a RemoteStore implementation based on the remote config type.
func NewStoreFromConfig(ctx context.Context, cfg config.RemoteConfig) (store.RemoteStore, error) {
	switch cfg.Type {
	case "memory":
		return NewMemoryStore(cfg.Name), nil
	case "s3":
		return NewS3Store(ctx, cfg)
	case "filesystem":
		if cfg.FSRoot == "" {
			return nil, fmt.Errorf("filesystem remote requires fs_root to be set")
		}
		return NewFileSystemStore(cfg.Name, cfg.FSRoot)
	default:
		return nil, fmt.Errorf("unknown remote type: %s", cfg.Type)
	}
}
