package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config represents the main configuration for dcol.
type Config struct {
	PeerName     string           `toml:"peer_name"`
	BaseDir      string           `toml:"base_dir"`
	LogDir       string           `toml:"log_dir"`
	CollectionID string           `toml:"collection_id"`
	Identity     IdentityConfig   `toml:"identity"`
	Database     DatabaseConfig   `toml:"database"`
	BlockStore   BlockStoreConfig `toml:"blockstore"`
	Content      ContentConfig    `toml:"content"`
	Validator    ValidatorConfig  `toml:"validator"`
	Schema       SchemaConfig     `toml:"schema"`
}

// IdentityConfig holds the signing key locations and at-rest protection.
type IdentityConfig struct {
	PublicKeyPath  string `toml:"public_key_path"`
	PrivateKeyPath string `toml:"private_key_path"`
	Encryption     string `toml:"encryption"`  // "age" (default) or "none"
	PoWWorkers     int    `toml:"pow_workers"` // proof-of-work miner pool size
}

// DatabaseConfig represents configuration for the local store backing the
// operation log, catalog, and pin index.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type DatabaseConfig struct {
	Type    string `toml:"type"`               // "sqlite" or "memory"
	DataDir string `toml:"data_dir,omitempty"` // only used for type=sqlite
}

// BlockStoreConfig represents configuration for the content-addressed
// block store backend.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type BlockStoreConfig struct {
	Type string `toml:"type"` // "memory", "filesystem", or "s3"

	// Filesystem-specific fields (only used when Type == "filesystem")
	Root string `toml:"root,omitempty"`

	// S3-specific fields (only used when Type == "s3")
	S3Bucket          string `toml:"s3_bucket,omitempty"`
	S3Prefix          string `toml:"s3_prefix,omitempty"`
	S3Region          string `toml:"s3_region,omitempty"`
	S3AccessKeyID     string `toml:"s3_access_key_id,omitempty"`
	S3SecretAccessKey string `toml:"s3_secret_access_key,omitempty"`
}

// ContentConfig holds the pinning policy and cleanup cadence.
type ContentConfig struct {
	CapacityBytes      int64    `toml:"capacity_bytes"`
	MaxFileSize        int64    `toml:"max_file_size"`
	AllowedMimeTypes   []string `toml:"allowed_mime_types,omitempty"`
	BlockedMimeTypes   []string `toml:"blocked_mime_types,omitempty"`
	MaxAgeDays         int      `toml:"max_age_days"`
	CleanupThreshold   float64  `toml:"cleanup_threshold"`
	EmergencyThreshold float64  `toml:"emergency_threshold"`
	SweepSeconds       int      `toml:"sweep_seconds"`
}

// ValidatorConfig holds the admission limits.
type ValidatorConfig struct {
	MaxBytesPerOperation   int64 `toml:"max_bytes_per_operation"`
	MaxOperationsPerMinute int   `toml:"max_operations_per_minute"`
	MaxBytesPerMinute      int64 `toml:"max_bytes_per_minute"`
	RequireProofOfWork     bool  `toml:"require_proof_of_work"`
	PoWDifficulty          int   `toml:"pow_difficulty"`
}

// SchemaConfig bounds the accepted schema versions for the built-in
// checker.
type SchemaConfig struct {
	MinVersion int `toml:"min_version"`
	MaxVersion int `toml:"max_version"`
}

// NewConfig creates a Config with the provided values and sensible
// defaults rooted under baseDir.
func NewConfig(collectionID, baseDir string) *Config {
	return &Config{
		BaseDir:      baseDir,
		LogDir:       filepath.Join(baseDir, "log"),
		CollectionID: collectionID,
		Identity: IdentityConfig{
			PublicKeyPath:  filepath.Join(baseDir, "keys", "dcol.pub"),
			PrivateKeyPath: filepath.Join(baseDir, "keys", "dcol.key"),
			Encryption:     "age",
			PoWWorkers:     2,
		},
		Database: DatabaseConfig{
			Type:    "sqlite",
			DataDir: filepath.Join(baseDir, "db"),
		},
		BlockStore: BlockStoreConfig{
			Type: "filesystem",
			Root: filepath.Join(baseDir, "content"),
		},
		Content: ContentConfig{
			CapacityBytes:      1 << 30,
			MaxFileSize:        64 << 20,
			MaxAgeDays:         30,
			CleanupThreshold:   0.8,
			EmergencyThreshold: 0.95,
			SweepSeconds:       300,
		},
		Validator: ValidatorConfig{
			MaxBytesPerOperation:   1 << 20,
			MaxOperationsPerMinute: 60,
			MaxBytesPerMinute:      8 << 20,
		},
		Schema: SchemaConfig{
			MinVersion: 1,
			MaxVersion: 1,
		},
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

// Init initializes a new config file at the specified path.
func Init(path string, cfg *Config) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}

	if err := writeToFile(path, cfg); err != nil {
		return fmt.Errorf("initializing config: %w", err)
	}
	return nil
}
