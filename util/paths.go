package util

import (
	"fmt"
	"os"
	"path/filepath"
)

const (
	AppConfigDir = ".config/" + Name
)

// GetConfigDir returns ~/.config/<name>/, creating it when missing.
func GetConfigDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}

	configDir := filepath.Join(homeDir, AppConfigDir)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create config directory: %w", err)
	}

	return configDir, nil
}

// ResolveFilePath prefers ./filename, then the user config directory. When
// neither exists the config directory path is returned so callers can create it.
func ResolveFilePath(filename string) string {
	return resolveIn("", filename)
}

// ResolveFilePathWithSubdir is ResolveFilePath for files kept in a subdirectory
// (e.g. keys/server_ed25519.pem).
func ResolveFilePathWithSubdir(subdir, filename string) string {
	return resolveIn(subdir, filename)
}

func resolveIn(subdir, filename string) string {
	localPath := filepath.Join(subdir, filename)
	if _, err := os.Stat(localPath); err == nil {
		return localPath
	}

	configDir, err := GetConfigDir()
	if err != nil {
		return localPath
	}

	userDir := filepath.Join(configDir, subdir)
	userPath := filepath.Join(userDir, filename)
	if _, err := os.Stat(userPath); err == nil {
		return userPath
	}

	if subdir != "" {
		os.MkdirAll(userDir, 0755)
	}
	return userPath
}
