package app

import (
	"fmt"
	"os"
	"path/filepath"
)

// GetDefaults returns application default paths, checking environment variables first.
// Environment variables:
//   - DCOL_CONFIG_PATH: config file location (default: ~/.config/dcol.toml)
//   - DCOL_HOME: base directory for dcol data (default: ~/.local/share/dcol)
func GetDefaults() (map[string]string, error) {
	configPath, err := getConfigPath()
	if err != nil {
		return nil, err
	}

	baseDir, err := getBaseDir()
	if err != nil {
		return nil, err
	}

	return map[string]string{
		"config_path": configPath,
		"base_dir":    baseDir,
		"log_dir":     filepath.Join(baseDir, "log"),
	}, nil
}

// getConfigPath returns the config file path, checking DCOL_CONFIG_PATH
// first, then falling back to the default ~/.config/dcol.toml.
func getConfigPath() (string, error) {
	if path := os.Getenv("DCOL_CONFIG_PATH"); path != "" {
		return path, nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(homeDir, ".config", "dcol.toml"), nil
}

// getBaseDir returns the base directory for dcol data, checking DCOL_HOME
// first, then falling back to the XDG default ~/.local/share/dcol.
func getBaseDir() (string, error) {
	if path := os.Getenv("DCOL_HOME"); path != "" {
		return path, nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "dcol"), nil
}
