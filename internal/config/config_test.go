package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestManager_ReadWrite_RoundTrip(t *testing.T) {
	original := &Config{
		BaseDir:  "/home/user/.local/share/fpsync",
		LogDir:   "/home/user/.local/share/fpsync/log",
		LogLevel: "debug",
		Database: DatabaseConfig{Type: "sqlite", DataDir: "/home/user/.local/share/fpsync/db"},
		Remote: RemoteConfig{
			Type:       "s3",
			S3Bucket:   "files",
			S3Prefix:   "nc",
			S3Region:   "eu-west-1",
			S3Endpoint: "http://localhost:9000",
		},
		Cache:       CacheConfig{Dir: "/home/user/.local/share/fpsync/cache"},
		Enumeration: EnumerationConfig{PageSize: 75},
		Transfers:   TransferConfig{MaxConcurrent: 2},
	}

	var buf bytes.Buffer
	m := &Manager{}

	if err := m.Write(&buf, original); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	got, err := m.Read(&buf)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}

	if got.BaseDir != original.BaseDir {
		t.Errorf("BaseDir = %q, want %q", got.BaseDir, original.BaseDir)
	}
	if got.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want %q", got.LogLevel, "debug")
	}
	if got.Database.DataDir != original.Database.DataDir {
		t.Errorf("Database.DataDir = %q, want %q", got.Database.DataDir, original.Database.DataDir)
	}
	if got.Remote.Type != "s3" || got.Remote.S3Bucket != "files" {
		t.Errorf("Remote = %+v, want s3 bucket files", got.Remote)
	}
	if got.Remote.S3Endpoint != "http://localhost:9000" {
		t.Errorf("Remote.S3Endpoint = %q", got.Remote.S3Endpoint)
	}
	if got.Cache.Dir != original.Cache.Dir {
		t.Errorf("Cache.Dir = %q, want %q", got.Cache.Dir, original.Cache.Dir)
	}
	if got.Enumeration.PageSize != 75 {
		t.Errorf("Enumeration.PageSize = %d, want 75", got.Enumeration.PageSize)
	}
	if got.Transfers.MaxConcurrent != 2 {
		t.Errorf("Transfers.MaxConcurrent = %d, want 2", got.Transfers.MaxConcurrent)
	}
}

func TestNewConfig(t *testing.T) {
	cfg := NewConfig("/data/fpsync")

	if cfg.LogDir != "/data/fpsync/log" {
		t.Errorf("LogDir = %q, want %q", cfg.LogDir, "/data/fpsync/log")
	}
	if cfg.Database.Type != "sqlite" || cfg.Database.DataDir != "/data/fpsync/db" {
		t.Errorf("Database = %+v", cfg.Database)
	}
	if cfg.Remote.Type != "memory" {
		t.Errorf("Remote.Type = %q, want memory", cfg.Remote.Type)
	}
	if cfg.Cache.Dir != "/data/fpsync/cache" {
		t.Errorf("Cache.Dir = %q", cfg.Cache.Dir)
	}
	if err := Validate(cfg); err != nil {
		t.Errorf("Validate(NewConfig()) error = %v", err)
	}
}

func TestEnumerationConfig_EffectivePageSize(t *testing.T) {
	tests := []struct {
		name string
		cfg  EnumerationConfig
		want int
	}{
		{"explicit", EnumerationConfig{PageSize: 20}, 20},
		{"explicit wins over debug", EnumerationConfig{PageSize: 20, Debug: true}, 20},
		{"debug default", EnumerationConfig{Debug: true}, DebugPageSize},
		{"production default", EnumerationConfig{}, DefaultPageSize},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cfg.EffectivePageSize(); got != tt.want {
				t.Errorf("EffectivePageSize() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid default", func(*Config) {}, ""},
		{"unknown database type", func(c *Config) { c.Database.Type = "postgres" }, "Database.Type"},
		{"sqlite without data_dir", func(c *Config) { c.Database.DataDir = "" }, "DataDir"},
		{"memory with data_dir", func(c *Config) { c.Database.Type = "memory" }, "data_dir"},
		{"s3 without bucket", func(c *Config) { c.Remote.Type = "s3" }, "S3Bucket"},
		{"bad endpoint", func(c *Config) {
			c.Remote = RemoteConfig{Type: "s3", S3Bucket: "b", S3Endpoint: "not a url"}
		}, "S3Endpoint"},
		{"half credentials", func(c *Config) {
			c.Remote = RemoteConfig{Type: "s3", S3Bucket: "b", S3AccessKeyID: "key"}
		}, "set together"},
		{"s3 settings on memory remote", func(c *Config) { c.Remote.S3Bucket = "b" }, "s3 settings"},
		{"bad log level", func(c *Config) { c.LogLevel = "verbose" }, "LogLevel"},
		{"negative page size", func(c *Config) { c.Enumeration.PageSize = -1 }, "PageSize"},
		{"missing cache dir", func(c *Config) { c.Cache.Dir = "" }, "Cache.Dir"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewConfig("/data/fpsync")
			tt.mutate(cfg)
			err := Validate(cfg)
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() error = %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Validate() expected error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want it to contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestInit(t *testing.T) {
	t.Run("writes new config", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "sub", "fpsync.toml")
		if err := Init(path, NewConfig("/data/fpsync")); err != nil {
			t.Fatalf("Init() error = %v", err)
		}
		cfg, err := ReadFromFile(path)
		if err != nil {
			t.Fatalf("ReadFromFile() error = %v", err)
		}
		if cfg.BaseDir != "/data/fpsync" {
			t.Errorf("BaseDir = %q, want /data/fpsync", cfg.BaseDir)
		}
	})

	t.Run("refuses to overwrite", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "fpsync.toml")
		if err := os.WriteFile(path, []byte("x"), 0644); err != nil {
			t.Fatal(err)
		}
		if err := Init(path, NewConfig("/data/fpsync")); err == nil {
			t.Error("Init() expected error for existing file")
		}
	})
}

func TestReadFromFile_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fpsync.toml")
	content := "base_dir = \"/x\"\nlog_dir = \"/x/log\"\n[database]\ntype = \"sqlite\"\n[remote]\ntype = \"ftp\"\n[cache]\ndir = \"/x/cache\"\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadFromFile(path); err == nil {
		t.Error("ReadFromFile() expected validation error")
	}
}
