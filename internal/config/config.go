package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config is the main configuration for the storage engine.
type Config struct {
	PeerID     string           `toml:"peer_id"` // identifies this peer on the shared mirror
	BaseDir    string           `toml:"base_dir"`
	LogDir     string           `toml:"log_dir"`
	Database   DatabaseConfig   `toml:"database"`
	Content    ContentConfig    `toml:"content"`
	Remote     RemoteConfig     `toml:"remote"`
	Encryption EncryptionConfig `toml:"encryption"`
	Locks      LocksConfig      `toml:"locks"`
	GC         GCConfig         `toml:"gc"`
	Sync       SyncConfig       `toml:"sync"`
}

// DatabaseConfig configures the metadata repository.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type DatabaseConfig struct {
	Type    string `toml:"type"`               // "sqlite" or "memory"
	DataDir string `toml:"data_dir,omitempty"` // only used for type=sqlite
}

// ContentConfig configures the local content store.
type ContentConfig struct {
	Type string `toml:"type"`           // "filesystem" or "memory"
	Root string `toml:"root,omitempty"` // only used for type=filesystem
}

// RemoteConfig configures the remote mirror backend.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type RemoteConfig struct {
	Type string `toml:"type"` // "s3", "filesystem", or "memory"
	Name string `toml:"name"`

	// S3-specific fields (only used when Type == "s3")
	S3Bucket   string `toml:"s3_bucket,omitempty"`
	S3Prefix   string `toml:"s3_prefix,omitempty"`
	S3Region   string `toml:"s3_region,omitempty"`
	S3Endpoint string `toml:"s3_endpoint,omitempty"` // for S3-compatible providers

	// Static credentials; leave empty to use the default AWS credential chain.
	S3AccessKeyID     string `toml:"s3_access_key_id,omitempty"`
	S3SecretAccessKey string `toml:"s3_secret_access_key,omitempty"`

	// FileSystem-specific fields (only used when Type == "filesystem")
	FSRoot string `toml:"fs_root,omitempty"`
}

// EncryptionConfig holds paths to the age key pair used to encrypt content
// stored on the remote mirror. Type "none" disables encryption.
type EncryptionConfig struct {
	Type           string `toml:"type"` // "none" (default), "age", or "test"
	PublicKeyPath  string `toml:"public_key_path"`
	PrivateKeyPath string `toml:"private_key_path"`
}

// LocksConfig tunes the per-file edit leases.
type LocksConfig struct {
	TTLSeconds       int `toml:"ttl_seconds"`       // lease lifetime; default 90
	HeartbeatSeconds int `toml:"heartbeat_seconds"` // advisory client interval; default 30
}

// GCConfig tunes the garbage collector.
type GCConfig struct {
	MinAgeHours int `toml:"min_age_hours"` // grace period before non-admin purge; default 24
}

// SyncConfig tunes the sync engine.
type SyncConfig struct {
	LockTTLMinutes int `toml:"lock_ttl_minutes"` // mirror-wide sync lock TTL; default 10
}

// NewConfig creates a Config with the provided values and default paths.
func NewConfig(peerID, baseDir string) *Config {
	return &Config{
		PeerID:  peerID,
		BaseDir: baseDir,
		LogDir:  filepath.Join(baseDir, "log"),
		Database: DatabaseConfig{
			Type:    "sqlite",
			DataDir: filepath.Join(baseDir, "db"),
		},
		Content: ContentConfig{
			Type: "filesystem",
			Root: filepath.Join(baseDir, "content"),
		},
		Encryption: EncryptionConfig{
			Type:           "none",
			PublicKeyPath:  filepath.Join(baseDir, "keys", "teistore.pub"),
			PrivateKeyPath: filepath.Join(baseDir, "keys", "teistore.key"),
		},
		Locks: LocksConfig{TTLSeconds: 90, HeartbeatSeconds: 30},
		GC:    GCConfig{MinAgeHours: 24},
		Sync:  SyncConfig{LockTTLMinutes: 10},
	}
}

// Manager handles reading and writing configuration.
type Manager struct{}

// Read decodes a Config from the provided reader.
func (m *Manager) Read(r io.Reader) (*Config, error) {
	var cfg Config
	if _, err := toml.NewDecoder(r).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}

// Write encodes a Config to the provided writer.
func (m *Manager) Write(w io.Writer, cfg *Config) error {
	if err := toml.NewEncoder(w).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// ReadFromFile reads a Config from the specified file path.
func ReadFromFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	cfg, err := m.Read(f)
	if err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	return cfg, nil
}

// writeToFile writes a Config to the specified file path.
func writeToFile(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	if err := m.Write(f, cfg); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	return nil
}

// Init initializes a new config file at the specified path with the provided Config.
func Init(path string, cfg *Config) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}

	if err := writeToFile(path, cfg); err != nil {
		return fmt.Errorf("initializing config: %w", err)
	}
	return nil
}
