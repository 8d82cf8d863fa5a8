package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func validConfig(t *testing.T) *Config {
	t.Helper()
	root := t.TempDir()
	labels := filepath.Join(root, "labels")
	images := filepath.Join(root, "images")
	for _, dir := range []string{labels, images} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatal(err)
		}
	}

	cfg := DefaultConfig()
	cfg.Paths = PathsCfg{
		LabelSourceDir: labels,
		ImageSourceDir: images,
		OutputDir:      filepath.Join(root, "out"),
	}
	cfg.Model.Name = "gemini-2.0-flash"
	cfg.Prompt.Name = "catalog-ocr"
	cfg.Prompt.TemplateFile = "page.tmpl"
	return cfg
}

func TestValidateOK(t *testing.T) {
	cfg := validConfig(t)
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	// Output dir is created as a side effect.
	if _, err := os.Stat(cfg.Paths.OutputDir); err != nil {
		t.Errorf("output dir not created: %v", err)
	}
}

func TestValidateFailures(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing label dir", func(c *Config) { c.Paths.LabelSourceDir = "/nonexistent/labels" }},
		{"missing image dir", func(c *Config) { c.Paths.ImageSourceDir = "/nonexistent/images" }},
		{"empty output dir", func(c *Config) { c.Paths.OutputDir = "" }},
		{"inverted year range", func(c *Config) { c.Filters.TargetYears = &YearRange{Start: 2000, End: 1990} }},
		{"negative max retries", func(c *Config) { c.Execution.MaxRetries = -1 }},
		{"zero batch size", func(c *Config) { c.Execution.BatchSizeLimit = 0 }},
		{"zero concurrency", func(c *Config) { c.Execution.MaxConcurrentBatches = 0 }},
		{"missing model", func(c *Config) { c.Model.Name = "" }},
		{"bad backend", func(c *Config) { c.Batch.Backend = "bedrock" }},
		{"zero poll interval", func(c *Config) { c.Batch.PollIntervalSeconds = 0 }},
		{"zero upload attempts", func(c *Config) { c.Files.UploadRetryAttempts = 0 }},
		{"missing prompt name", func(c *Config) { c.Prompt.Name = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig(t)
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !errors.Is(err, ErrInvalid) {
				t.Errorf("error %v is not ErrInvalid", err)
			}
		})
	}
}

func TestResolveEnvVars(t *testing.T) {
	t.Setenv("OCRBATCH_TEST_KEY", "secret123")

	tests := []struct {
		input string
		want  string
	}{
		{"${OCRBATCH_TEST_KEY}", "secret123"},
		{"$OCRBATCH_TEST_KEY", "secret123"},
		{"prefix-${OCRBATCH_TEST_KEY}-suffix", "prefix-secret123-suffix"},
		{"no vars here", "no vars here"},
		{"${OCRBATCH_UNSET_VAR}", ""},
		{"", ""},
	}

	for _, tt := range tests {
		if got := ResolveEnvVars(tt.input); got != tt.want {
			t.Errorf("ResolveEnvVars(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestWriteDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := WriteDefault(path); err != nil {
		t.Fatalf("WriteDefault: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	content := string(data)
	if !strings.HasPrefix(content, "# ocrbatch configuration") {
		t.Error("missing header comment")
	}
	for _, want := range []string{
		"execution:",
		"batch_size_limit: 100",
		"poll_interval_seconds: 10",
		"display_name_prefix: ocr-batch-job",
		"label_source_dir: /path/to/labels",
		"name: gemini-2.0-flash",
	} {
		if !strings.Contains(content, want) {
			t.Errorf("default config missing %q", want)
		}
	}
}

func TestManagerLoadsFileOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
paths:
  label_source_dir: /data/labels
  image_source_dir: /data/images
  output_dir: /data/out
model:
  name: gemini-2.0-flash
execution:
  batch_size_limit: 25
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cm, err := NewManager(path)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	cfg := cm.Get()

	if cfg.Paths.LabelSourceDir != "/data/labels" {
		t.Errorf("label_source_dir = %q", cfg.Paths.LabelSourceDir)
	}
	if cfg.Execution.BatchSizeLimit != 25 {
		t.Errorf("batch_size_limit = %d, want 25 (file override)", cfg.Execution.BatchSizeLimit)
	}
	// Keys the file leaves out keep their defaults, even inside a section it sets.
	if cfg.Execution.MaxRetries != 3 {
		t.Errorf("max_retries = %d, want default 3", cfg.Execution.MaxRetries)
	}
	if cfg.Batch.PollIntervalSeconds != 10 {
		t.Errorf("poll_interval_seconds = %d, want default 10", cfg.Batch.PollIntervalSeconds)
	}
}

func TestManagerRejectsBrokenFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("paths: [not: a: mapping"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := NewManager(path); err == nil {
		t.Fatal("expected error for broken config file")
	}
}

func TestManagerMissingFileUsesDefaults(t *testing.T) {
	cm, err := NewManager("")
	if err != nil {
		t.Fatalf("NewManager with no file: %v", err)
	}
	if cm.Get().Execution.BatchSizeLimit != 100 {
		t.Errorf("batch_size_limit = %d, want default 100", cm.Get().Execution.BatchSizeLimit)
	}
}
