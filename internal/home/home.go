package home

import (
	"fmt"
	"os"
	"path/filepath"
)

const (
	// DefaultDirName is the default name for the ocrbatch home directory.
	DefaultDirName = ".ocrbatch"

	// DataDirName is the subdirectory holding the state database.
	DataDirName = "data"

	// ArtifactsDirName is the subdirectory for wave summary artifacts.
	ArtifactsDirName = "artifacts"

	// ConfigFileName is the default config file name.
	ConfigFileName = "config.yaml"

	// StateDBFileName is the SQLite state database file name.
	StateDBFileName = "batches.db"
)

// Dir represents the ocrbatch home directory structure.
type Dir struct {
	path string
}

// New creates a new Dir with the given path.
// If path is empty, uses the default (~/.ocrbatch).
func New(path string) (*Dir, error) {
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		path = filepath.Join(home, DefaultDirName)
	}

	return &Dir{path: path}, nil
}

// Path returns the root path of the home directory.
func (d *Dir) Path() string {
	return d.path
}

// DataPath returns the path to the data directory.
func (d *Dir) DataPath() string {
	return filepath.Join(d.path, DataDirName)
}

// StateDBPath returns the path to the SQLite state database.
func (d *Dir) StateDBPath() string {
	return filepath.Join(d.DataPath(), StateDBFileName)
}

// ArtifactsPath returns the path to the artifacts directory.
func (d *Dir) ArtifactsPath() string {
	return filepath.Join(d.path, ArtifactsDirName)
}

// ConfigPath returns the path to the default config file.
func (d *Dir) ConfigPath() string {
	return filepath.Join(d.path, ConfigFileName)
}

// EnsureExists creates the home directory and subdirectories if they don't exist.
func (d *Dir) EnsureExists() error {
	if err := os.MkdirAll(d.DataPath(), 0o755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	if err := os.MkdirAll(d.ArtifactsPath(), 0o755); err != nil {
		return fmt.Errorf("failed to create artifacts directory: %w", err)
	}
	return nil
}

// Exists returns true if the home directory exists.
func (d *Dir) Exists() bool {
	_, err := os.Stat(d.path)
	return err == nil
}

// ConfigExists returns true if the config file exists in the home directory.
func (d *Dir) ConfigExists() bool {
	_, err := os.Stat(d.ConfigPath())
	return err == nil
}
