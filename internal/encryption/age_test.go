package encryption_test

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/mpilhlt/pdf-tei-editor-sub003/internal/config"
	"github.com/mpilhlt/pdf-tei-editor-sub003/internal/encryption"
)

func newAgeEncryptor(t *testing.T) *encryption.AgeEncryptor {
	t.Helper()

	dir := t.TempDir()
	return encryption.NewAgeEncryptor(config.EncryptionConfig{
		Type:           "age",
		PublicKeyPath:  filepath.Join(dir, "teistore.pub"),
		PrivateKeyPath: filepath.Join(dir, "teistore.key"),
	})
}

func TestAgeEncryptorSetup(t *testing.T) {
	enc := newAgeEncryptor(t)

	if enc.IsConfigured() {
		t.Error("IsConfigured() = true before Setup")
	}
	if err := enc.Setup("correct horse battery staple"); err != nil {
		t.Fatalf("Setup() error = %v", err)
	}
	if !enc.IsConfigured() {
		t.Error("IsConfigured() = false after Setup")
	}
}

func TestAgeEncryptorRoundtrip(t *testing.T) {
	enc := newAgeEncryptor(t)
	if err := enc.Setup("passphrase"); err != nil {
		t.Fatalf("Setup() error = %v", err)
	}

	plaintext := []byte("<TEI>secret document</TEI>")
	var ciphertext bytes.Buffer
	if err := enc.Encrypt(bytes.NewReader(plaintext), &ciphertext); err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	if bytes.Contains(ciphertext.Bytes(), plaintext) {
		t.Error("ciphertext contains the plaintext")
	}

	dc, err := enc.Unlock("passphrase")
	if err != nil {
		t.Fatalf("Unlock() error = %v", err)
	}
	var decrypted bytes.Buffer
	if err := dc.Decrypt(bytes.NewReader(ciphertext.Bytes()), &decrypted); err != nil {
		t.Fatalf("Decrypt() error = %v", err)
	}
	if !bytes.Equal(decrypted.Bytes(), plaintext) {
		t.Errorf("Decrypt() = %q, want %q", decrypted.Bytes(), plaintext)
	}
}

func TestAgeEncryptorWrongPassphrase(t *testing.T) {
	enc := newAgeEncryptor(t)
	if err := enc.Setup("right"); err != nil {
		t.Fatalf("Setup() error = %v", err)
	}
	if _, err := enc.Unlock("wrong"); err == nil {
		t.Error("Unlock() with wrong passphrase succeeded")
	}
}

func TestAgeEncryptorUnconfigured(t *testing.T) {
	enc := newAgeEncryptor(t)

	var buf bytes.Buffer
	if err := enc.Encrypt(bytes.NewReader([]byte("x")), &buf); err == nil {
		t.Error("Encrypt() without keys succeeded")
	}
	if _, err := enc.Unlock("passphrase"); err == nil {
		t.Error("Unlock() without keys succeeded")
	}
}
