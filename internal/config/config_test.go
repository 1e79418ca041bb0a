package config_test

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mpilhlt/pdf-tei-editor-sub003/internal/config"
)

func TestNewConfigDefaults(t *testing.T) {
	cfg := config.NewConfig("peer-1", "/data/teistore")

	if cfg.PeerID != "peer-1" {
		t.Errorf("cfg.PeerID = %q, want %q", cfg.PeerID, "peer-1")
	}
	if cfg.Database.Type != "sqlite" {
		t.Errorf("cfg.Database.Type = %q, want %q", cfg.Database.Type, "sqlite")
	}
	if want := filepath.Join("/data/teistore", "db"); cfg.Database.DataDir != want {
		t.Errorf("cfg.Database.DataDir = %q, want %q", cfg.Database.DataDir, want)
	}
	if cfg.Content.Type != "filesystem" {
		t.Errorf("cfg.Content.Type = %q, want %q", cfg.Content.Type, "filesystem")
	}
	if cfg.Encryption.Type != "none" {
		t.Errorf("cfg.Encryption.Type = %q, want %q", cfg.Encryption.Type, "none")
	}
	if cfg.Locks.TTLSeconds != 90 || cfg.Locks.HeartbeatSeconds != 30 {
		t.Errorf("cfg.Locks = %+v, want 90s TTL and 30s heartbeat", cfg.Locks)
	}
	if cfg.GC.MinAgeHours != 24 {
		t.Errorf("cfg.GC.MinAgeHours = %d, want 24", cfg.GC.MinAgeHours)
	}
	if cfg.Sync.LockTTLMinutes != 10 {
		t.Errorf("cfg.Sync.LockTTLMinutes = %d, want 10", cfg.Sync.LockTTLMinutes)
	}
}

func TestConfigRoundtrip(t *testing.T) {
	cfg := config.NewConfig("peer-1", "/data/teistore")
	cfg.Remote = config.RemoteConfig{
		Type:     "s3",
		Name:     "shared-mirror",
		S3Bucket: "tei-docs",
		S3Prefix: "mirror/",
		S3Region: "eu-central-1",
	}

	m := &config.Manager{}
	var buf bytes.Buffer
	if err := m.Write(&buf, cfg); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	got, err := m.Read(&buf)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if got.PeerID != cfg.PeerID {
		t.Errorf("got.PeerID = %q, want %q", got.PeerID, cfg.PeerID)
	}
	if got.Remote != cfg.Remote {
		t.Errorf("got.Remote = %+v, want %+v", got.Remote, cfg.Remote)
	}
	if got.Locks != cfg.Locks {
		t.Errorf("got.Locks = %+v, want %+v", got.Locks, cfg.Locks)
	}
}

func TestConfigReadRejectsGarbage(t *testing.T) {
	m := &config.Manager{}
	if _, err := m.Read(strings.NewReader("peer_id = [broken")); err == nil {
		t.Error("Read() of malformed TOML succeeded")
	}
}

func TestConfigInit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "teistore.toml")
	cfg := config.NewConfig("peer-1", dir)

	if err := config.Init(path, cfg); err != nil {
		t.Fatalf("Init() error = %v", err)
	}

	got, err := config.ReadFromFile(path)
	if err != nil {
		t.Fatalf("ReadFromFile() error = %v", err)
	}
	if got.PeerID != "peer-1" {
		t.Errorf("got.PeerID = %q, want %q", got.PeerID, "peer-1")
	}

	// A second init must not clobber the existing file.
	if err := config.Init(path, config.NewConfig("peer-2", dir)); err == nil {
		t.Error("Init() over an existing config succeeded")
	}
}

func TestReadFromFileMissing(t *testing.T) {
	if _, err := config.ReadFromFile(filepath.Join(t.TempDir(), "absent.toml")); err == nil {
		t.Error("ReadFromFile() of a missing file succeeded")
	}
}
