package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	// FilePermissions is the default permission mode for regular files (read/write for owner, read for others)
	FilePermissions = 0644
	// DirPermissions is the default permission mode for directories (rwxr-xr-x)
	DirPermissions = 0755

	// HomeEnv overrides the configuration directory
	HomeEnv = "LOADRAMP_HOME"
)

var (
	// ConfigDir is the global configuration directory (~/.loadramp)
	ConfigDir string

	// PlansDir holds saved plan files
	PlansDir string

	// RunsDir is the default parent directory for run artifacts
	RunsDir string

	// DatabasePath is the SQLite database file for run history
	DatabasePath string
)

// Initialize sets up the configuration directories.
// It creates ~/.loadramp/ (or $LOADRAMP_HOME) if it doesn't exist.
func Initialize() error {
	dir := os.Getenv(HomeEnv)
	if dir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		dir = filepath.Join(homeDir, ".loadramp")
	}
	dir, err := ExpandPath(dir)
	if err != nil {
		return err
	}

	ConfigDir = dir
	PlansDir = filepath.Join(ConfigDir, "plans")
	RunsDir = filepath.Join(ConfigDir, "runs")
	DatabasePath = filepath.Join(ConfigDir, "loadramp.db")

	for _, d := range []string{ConfigDir, PlansDir, RunsDir} {
		if err := os.MkdirAll(d, DirPermissions); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", d, err)
		}
	}

	return nil
}

// ExpandPath expands a leading ~/ to the home directory
func ExpandPath(path string) (string, error) {
	if !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, path[2:]), nil
}
