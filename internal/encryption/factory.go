package encryption

import (
	"fmt"

	"github.com/mpilhlt/pdf-tei-editor-sub003/internal/config"
	"github.com/mpilhlt/pdf-tei-editor-sub003/internal/store"
)

// NewEncryptorFromConfig creates an Encryptor based on the configuration type.
// Returns nil for type "none": remote content is then stored in plaintext.
func NewEncryptorFromConfig(cfg config.EncryptionConfig) (store.Encryptor, error) {
	switch cfg.Type {
	case "none", "":
		return nil, nil
	case "age":
		return NewAgeEncryptor(cfg), nil
	case "test":
		return NewTestEncryptor(), nil
	default:
		return nil, fmt.Errorf("unknown encryption type: %q", cfg.Type)
	}
}
