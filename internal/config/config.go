package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v2"
)

// Manager owns the viper instance bound to one config file. Structural
// settings (paths, model, prompt, backend) are pinned for the lifetime
// of a run; a config-file change mid-run only moves the scheduling
// knobs, so the state machine never sees its filesystem roots or model
// switch under it.
type Manager struct {
	v *viper.Viper

	mu  sync.Mutex
	cfg *Config
}

// NewManager binds a manager to cfgFile (or the default search path)
// and loads the initial configuration.
func NewManager(cfgFile string) (*Manager, error) {
	v := viper.New()
	v.SetEnvPrefix("OCRBATCH")
	v.AutomaticEnv()

	defaults := DefaultConfig()
	v.SetDefault("execution.max_retries", defaults.Execution.MaxRetries)
	v.SetDefault("execution.batch_size_limit", defaults.Execution.BatchSizeLimit)
	v.SetDefault("execution.max_concurrent_batches", defaults.Execution.MaxConcurrentBatches)
	v.SetDefault("batch.poll_interval_seconds", defaults.Batch.PollIntervalSeconds)
	v.SetDefault("batch.max_poll_attempts", defaults.Batch.MaxPollAttempts)
	v.SetDefault("batch.display_name_prefix", defaults.Batch.DisplayNamePrefix)
	v.SetDefault("batch.backend", defaults.Batch.Backend)
	v.SetDefault("files.upload_retry_attempts", defaults.Files.UploadRetryAttempts)
	v.SetDefault("files.upload_retry_backoff_seconds", defaults.Files.UploadRetryBackoffSeconds)
	v.SetDefault("files.upload_concurrency", defaults.Files.UploadConcurrency)
	v.SetDefault("prompt.registry_dir", defaults.Prompt.RegistryDir)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.ocrbatch")
	}

	// A missing file is fine (defaults + env); a broken one is not.
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("%w: error reading config file: %v", ErrInvalid, err)
		}
	}

	m := &Manager{v: v}
	cfg, err := m.read()
	if err != nil {
		return nil, err
	}
	m.cfg = cfg
	return m, nil
}

// read decodes the current viper state.
func (m *Manager) read() (*Config, error) {
	var cfg Config
	if err := m.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("%w: failed to unmarshal config: %v", ErrInvalid, err)
	}
	return &cfg, nil
}

// Get returns the live configuration. The pointer stays valid across
// reloads; only scheduling knobs mutate (see Watch).
func (m *Manager) Get() *Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg
}

// Watch re-reads the config file on change and applies the scheduling
// knobs to the live configuration. Everything else is ignored until
// the next run. A file edit that no longer parses keeps the previous
// values.
func (m *Manager) Watch(logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	m.v.OnConfigChange(func(e fsnotify.Event) {
		next, err := m.read()
		if err != nil {
			logger.Warn("ignoring config change that does not parse", "file", e.Name, "error", err)
			return
		}

		m.mu.Lock()
		m.cfg.Batch.PollIntervalSeconds = next.Batch.PollIntervalSeconds
		m.cfg.Batch.MaxPollAttempts = next.Batch.MaxPollAttempts
		m.cfg.Files.UploadRetryAttempts = next.Files.UploadRetryAttempts
		m.cfg.Files.UploadRetryBackoffSeconds = next.Files.UploadRetryBackoffSeconds
		m.mu.Unlock()

		logger.Info("config reloaded, scheduling knobs apply next pass", "file", e.Name)
	})
	m.v.WatchConfig()
}

// ResolveEnvVars expands $VAR and ${VAR} references against the
// environment. Unset variables expand to "".
func ResolveEnvVars(value string) string {
	return os.Expand(value, os.Getenv)
}

// WriteDefault writes a starter configuration to path. Defaults are
// filled in; the fields an operator must edit carry placeholder values
// so the file fails validation loudly until completed.
func WriteDefault(path string) error {
	cfg := DefaultConfig()
	cfg.Paths = PathsCfg{
		LabelSourceDir: "/path/to/labels",
		ImageSourceDir: "/path/to/images",
		OutputDir:      "/path/to/output",
	}
	cfg.Model.Name = "gemini-2.0-flash"
	cfg.Prompt.Name = "catalog-ocr"
	cfg.Prompt.TemplateFile = "page.tmpl"

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := []byte(`# ocrbatch configuration
# Edit paths.* to point at your label/image/output trees.
# Remote service credentials come from the environment only:
#   export GEMINI_API_KEY=xxx   (batch.backend: gemini)
#   export OPENAI_API_KEY=xxx   (batch.backend: openai)

`)
	return os.WriteFile(path, append(header, data...), 0o644)
}
