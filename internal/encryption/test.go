package encryption

import (
	"bytes"
	"fmt"
	"io"

	"github.com/mpilhlt/pdf-tei-editor-sub003/internal/store"
)

// testHeader marks data sealed by TestEncryptor.
var testHeader = []byte("TEIENC\x00\x00")

// testMask is XORed over every payload byte, so sealed output shares no
// byte run with the plaintext while staying trivially reversible.
const testMask = 0x5A

// TestEncryptor is a deterministic encryptor for testing: a fixed header
// followed by the XOR-masked payload. No key material, no randomness.
type TestEncryptor struct {
	setupCalled bool
}

var _ store.Encryptor = (*TestEncryptor)(nil)

// NewTestEncryptor creates a new TestEncryptor.
func NewTestEncryptor() *TestEncryptor {
	return &TestEncryptor{}
}

func (e *TestEncryptor) Setup(passphrase string) error {
	e.setupCalled = true
	return nil
}

func (e *TestEncryptor) Encrypt(r io.Reader, w io.Writer) error {
	if _, err := w.Write(testHeader); err != nil {
		return fmt.Errorf("writing test header: %w", err)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("reading plaintext: %w", err)
	}
	maskBytes(data)
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("writing masked data: %w", err)
	}
	return nil
}

func (e *TestEncryptor) Unlock(passphrase string) (store.DecryptionContext, error) {
	return &TestDecryptionContext{}, nil
}

func (e *TestEncryptor) IsConfigured() bool {
	return true
}

// TestDecryptionContext reverses TestEncryptor: it verifies the header and
// unmasks the payload.
type TestDecryptionContext struct{}

var _ store.DecryptionContext = (*TestDecryptionContext)(nil)

func (c *TestDecryptionContext) Decrypt(r io.Reader, w io.Writer) error {
	header := make([]byte, len(testHeader))
	if _, err := io.ReadFull(r, header); err != nil {
		return fmt.Errorf("reading test header: %w", err)
	}
	if !bytes.Equal(header, testHeader) {
		return fmt.Errorf("invalid test encryption header")
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("reading masked data: %w", err)
	}
	maskBytes(data)
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("writing plaintext: %w", err)
	}
	return nil
}

// maskBytes applies the XOR mask in place. It is its own inverse.
func maskBytes(p []byte) {
	for i := range p {
		p[i] ^= testMask
	}
}
