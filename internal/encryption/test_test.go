package encryption_test

import (
	"bytes"
	"testing"

	"github.com/mpilhlt/pdf-tei-editor-sub003/internal/encryption"
)

func TestTestEncryptorRoundtrip(t *testing.T) {
	enc := encryption.NewTestEncryptor()
	plaintext := []byte("deterministic payload")

	var sealed bytes.Buffer
	if err := enc.Encrypt(bytes.NewReader(plaintext), &sealed); err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	if bytes.Equal(sealed.Bytes(), plaintext) {
		t.Error("sealed output identical to plaintext")
	}
	if bytes.Contains(sealed.Bytes(), plaintext) {
		t.Error("sealed output carries the plaintext verbatim")
	}

	dc, err := enc.Unlock("ignored")
	if err != nil {
		t.Fatalf("Unlock() error = %v", err)
	}
	var opened bytes.Buffer
	if err := dc.Decrypt(bytes.NewReader(sealed.Bytes()), &opened); err != nil {
		t.Fatalf("Decrypt() error = %v", err)
	}
	if !bytes.Equal(opened.Bytes(), plaintext) {
		t.Errorf("Decrypt() = %q, want %q", opened.Bytes(), plaintext)
	}
}

func TestTestDecryptionContextRejectsPlaintext(t *testing.T) {
	dc := &encryption.TestDecryptionContext{}
	var out bytes.Buffer
	if err := dc.Decrypt(bytes.NewReader([]byte("not sealed at all")), &out); err == nil {
		t.Error("Decrypt() of unsealed data succeeded")
	}
}
