package home

import (
	"os"
	"path/filepath"
	"testing"
)

func TestNewDefault(t *testing.T) {
	d, err := New("")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	home, _ := os.UserHomeDir()
	want := filepath.Join(home, DefaultDirName)
	if d.Path() != want {
		t.Errorf("Path() = %q, want %q", d.Path(), want)
	}
}

func TestEnsureExists(t *testing.T) {
	root := filepath.Join(t.TempDir(), "home")
	d, err := New(root)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if d.Exists() {
		t.Fatal("Exists() = true before creation")
	}
	if err := d.EnsureExists(); err != nil {
		t.Fatalf("EnsureExists: %v", err)
	}
	for _, dir := range []string{d.DataPath(), d.ArtifactsPath()} {
		if _, err := os.Stat(dir); err != nil {
			t.Errorf("missing directory %s: %v", dir, err)
		}
	}
	if got, want := d.StateDBPath(), filepath.Join(root, "data", "batches.db"); got != want {
		t.Errorf("StateDBPath() = %q, want %q", got, want)
	}
	if d.ConfigExists() {
		t.Error("ConfigExists() = true with no config written")
	}
}
