package app

import (
	"fmt"
	"os"
	"path/filepath"
)

// Environment overrides for the default locations.
const (
	envConfigPath = "FPSYNC_CONFIG_PATH"
	envHome       = "FPSYNC_HOME"
)

// GetDefaults returns the default locations used by the CLI:
//   - config_path: the TOML config file, FPSYNC_CONFIG_PATH or ~/.config/fpsync.toml
//   - base_dir: FPSYNC_HOME or ~/.local/share/fpsync
//   - log_dir: rotated log files under base_dir
//   - cache_dir: file provider domain roots under base_dir, one per account
func GetDefaults() (map[string]string, error) {
	configPath, err := fromEnvOrHome(envConfigPath, ".config", "fpsync.toml")
	if err != nil {
		return nil, err
	}
	baseDir, err := fromEnvOrHome(envHome, ".local", "share", "fpsync")
	if err != nil {
		return nil, err
	}

	return map[string]string{
		"config_path": configPath,
		"base_dir":    baseDir,
		"log_dir":     filepath.Join(baseDir, "log"),
		"cache_dir":   filepath.Join(baseDir, "cache"),
	}, nil
}

// fromEnvOrHome returns the value of env, or elem joined under the user's
// home directory when it is unset.
func fromEnvOrHome(env string, elem ...string) (string, error) {
	if path := os.Getenv(env); path != "" {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(append([]string{home}, elem...)...), nil
}
