package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Page sizes used for folder listings.
const (
	DefaultPageSize = 200
	DebugPageSize   = 50

	DefaultMaxConcurrentTransfers = 4
)

// Config represents the main configuration for fpsync.
type Config struct {
	BaseDir     string            `toml:"base_dir" validate:"required"`
	LogDir      string            `toml:"log_dir" validate:"required"`
	LogLevel    string            `toml:"log_level" validate:"omitempty,oneof=debug info warn error"`
	Database    DatabaseConfig    `toml:"database"`
	Remote      RemoteConfig      `toml:"remote"`
	Cache       CacheConfig       `toml:"cache"`
	Enumeration EnumerationConfig `toml:"enumeration"`
	Transfers   TransferConfig    `toml:"transfers"`
}

// DatabaseConfig represents configuration for the metadata store.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type DatabaseConfig struct {
	Type    string `toml:"type" validate:"required,oneof=sqlite memory"`
	DataDir string `toml:"data_dir,omitempty" validate:"required_if=Type sqlite"` // only used for type=sqlite
}

// RemoteConfig represents configuration for the remote file API.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type RemoteConfig struct {
	Type string `toml:"type" validate:"required,oneof=memory s3"`

	// S3-specific fields (only used when Type == "s3")
	S3Bucket          string `toml:"s3_bucket,omitempty" validate:"required_if=Type s3"`
	S3Prefix          string `toml:"s3_prefix,omitempty"`
	S3Region          string `toml:"s3_region,omitempty"`
	S3Endpoint        string `toml:"s3_endpoint,omitempty" validate:"omitempty,url"`
	S3AccessKeyID     string `toml:"s3_access_key_id,omitempty"`
	S3SecretAccessKey string `toml:"s3_secret_access_key,omitempty"`
	S3UsePathStyle    bool   `toml:"s3_use_path_style,omitempty"`
}

// CacheConfig locates the on-disk file cache. Each account gets its own
// domain root beneath Dir.
type CacheConfig struct {
	Dir string `toml:"dir" validate:"required"`
}

// EnumerationConfig tunes folder listings.
type EnumerationConfig struct {
	PageSize int  `toml:"page_size" validate:"gte=0,lte=1000"`
	Debug    bool `toml:"debug"`
}

// EffectivePageSize returns the configured page size, or the default for the
// current mode when none is set.
func (e EnumerationConfig) EffectivePageSize() int {
	switch {
	case e.PageSize > 0:
		return e.PageSize
	case e.Debug:
		return DebugPageSize
	default:
		return DefaultPageSize
	}
}

// TransferConfig bounds background transfers.
type TransferConfig struct {
	MaxConcurrent int `toml:"max_concurrent" validate:"gte=0,lte=64"`
}

// EffectiveMaxConcurrent returns the configured bound or the default.
func (t TransferConfig) EffectiveMaxConcurrent() int {
	if t.MaxConcurrent > 0 {
		return t.MaxConcurrent
	}
	return DefaultMaxConcurrentTransfers
}

// NewConfig creates a Config rooted at baseDir with a sqlite store and an
// in-memory remote.
func NewConfig(baseDir string) *Config {
	return &Config{
		BaseDir:  baseDir,
		LogDir:   filepath.Join(baseDir, "log"),
		LogLevel: "info",
		Database: DatabaseConfig{Type: "sqlite", DataDir: filepath.Join(baseDir, "db")},
		Remote:   RemoteConfig{Type: "memory"},
		Cache:    CacheConfig{Dir: filepath.Join(baseDir, "cache")},
		Enumeration: EnumerationConfig{
			PageSize: DefaultPageSize,
		},
		Transfers: TransferConfig{MaxConcurrent: DefaultMaxConcurrentTransfers},
	}
}

// Manager handles reading and writing configuration.
type Manager struct{}

// Read decodes and validates a Config from the provided reader.
func (m *Manager) Read(r io.Reader) (*Config, error) {
	var cfg Config
	if _, err := toml.NewDecoder(r).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
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

func writeToFile(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
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

// Init writes cfg to a new config file at path. An existing file is never
// overwritten.
func Init(path string, cfg *Config) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}
	if err := Validate(cfg); err != nil {
		return fmt.Errorf("initializing config: %w", err)
	}
	if err := writeToFile(path, cfg); err != nil {
		return fmt.Errorf("initializing config: %w", err)
	}
	return nil
}
