package testutil

import (
	"github.com/mpilhlt/pdf-tei-editor-sub003/internal/encryption"
	"github.com/mpilhlt/pdf-tei-editor-sub003/internal/store"
)

// NewTestEncryptor creates a deterministic encryptor for testing.
func NewTestEncryptor() store.Encryptor {
	return encryption.NewTestEncryptor()
}
