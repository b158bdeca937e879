package database

import (
	"fmt"
	"os"
	"path/filepath"

	"fpsync/internal/config"
	"fpsync/internal/fp"
)

// StoreFileName is the metadata store file inside the data directory.
const StoreFileName = "fpsync.db"

// NewStoreFromConfig creates a metadata store based on the database config type.
func NewStoreFromConfig(cfg config.DatabaseConfig, logger fp.Logger) (*SQLiteStore, error) {
	switch cfg.Type {
	case "sqlite":
		if cfg.DataDir == "" {
			return nil, fmt.Errorf("data_dir required for sqlite database")
		}
		if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		return NewSQLiteStore(filepath.Join(cfg.DataDir, StoreFileName), logger)
	case "memory":
		return NewSQLiteStore(":memory:", logger)
	default:
		return nil, fmt.Errorf("unknown database type: %s", cfg.Type)
	}
}
