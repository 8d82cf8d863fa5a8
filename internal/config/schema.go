package config

import (
	"errors"
	"fmt"
	"os"
)

// Config holds the orchestrator configuration.
// Loaded from ./config.yaml or ~/.ocrbatch/config.yaml.
type Config struct {
	Paths     PathsCfg     `mapstructure:"paths" yaml:"paths"`
	Filters   FiltersCfg   `mapstructure:"filters" yaml:"filters"`
	Execution ExecutionCfg `mapstructure:"execution" yaml:"execution"`
	Model     ModelCfg     `mapstructure:"model" yaml:"model"`
	Batch     BatchCfg     `mapstructure:"batch" yaml:"batch"`
	Files     FilesCfg     `mapstructure:"files" yaml:"files"`
	Prompt    PromptCfg    `mapstructure:"prompt" yaml:"prompt"`
	Tracking  TrackingCfg  `mapstructure:"tracking" yaml:"tracking"`
}

// PathsCfg locates the workload on disk.
type PathsCfg struct {
	LabelSourceDir string `mapstructure:"label_source_dir" yaml:"label_source_dir"` // read-only; existence of a label defines the workload
	ImageSourceDir string `mapstructure:"image_source_dir" yaml:"image_source_dir"` // read-only page images
	OutputDir      string `mapstructure:"output_dir" yaml:"output_dir"`             // only directory the orchestrator writes
}

// YearRange is an inclusive [Start, End] filter.
type YearRange struct {
	Start int `mapstructure:"start" yaml:"start"`
	End   int `mapstructure:"end" yaml:"end"`
}

// FiltersCfg narrows the scanned workload.
type FiltersCfg struct {
	TargetStates []string   `mapstructure:"target_states" yaml:"target_states"` // empty = all states
	TargetYears  *YearRange `mapstructure:"target_years" yaml:"target_years"`   // nil = all years
}

// ExecutionCfg bounds scheduling.
type ExecutionCfg struct {
	MaxRetries           int  `mapstructure:"max_retries" yaml:"max_retries"`
	BatchSizeLimit       int  `mapstructure:"batch_size_limit" yaml:"batch_size_limit"`
	MaxConcurrentBatches int  `mapstructure:"max_concurrent_batches" yaml:"max_concurrent_batches"`
	DryRun               bool `mapstructure:"dry_run" yaml:"dry_run"`
}

// GenerationCfg is passed through to the remote model.
type GenerationCfg struct {
	Temperature      *float64 `mapstructure:"temperature" yaml:"temperature,omitempty"`
	MaxOutputTokens  *int     `mapstructure:"max_output_tokens" yaml:"max_output_tokens,omitempty"`
	ResponseMIMEType string   `mapstructure:"response_mime_type" yaml:"response_mime_type,omitempty"`
}

// ModelCfg selects the remote model.
type ModelCfg struct {
	Name             string         `mapstructure:"name" yaml:"name"`
	GenerationConfig *GenerationCfg `mapstructure:"generation_config" yaml:"generation_config,omitempty"`
}

// BatchCfg controls batch lifecycle polling.
type BatchCfg struct {
	PollIntervalSeconds int    `mapstructure:"poll_interval_seconds" yaml:"poll_interval_seconds"`
	MaxPollAttempts     int    `mapstructure:"max_poll_attempts" yaml:"max_poll_attempts"`
	DisplayNamePrefix   string `mapstructure:"display_name_prefix" yaml:"display_name_prefix"`
	Backend             string `mapstructure:"backend" yaml:"backend"` // "gemini" (default) or "openai"
}

// FilesCfg controls file upload behavior.
type FilesCfg struct {
	UploadRetryAttempts       int     `mapstructure:"upload_retry_attempts" yaml:"upload_retry_attempts"`
	UploadRetryBackoffSeconds float64 `mapstructure:"upload_retry_backoff_seconds" yaml:"upload_retry_backoff_seconds"`
	UploadConcurrency         int     `mapstructure:"upload_concurrency" yaml:"upload_concurrency"`
}

// PromptCfg locates the prompt template.
type PromptCfg struct {
	RegistryDir  string `mapstructure:"registry_dir" yaml:"registry_dir"`
	Name         string `mapstructure:"name" yaml:"name"`
	TemplateFile string `mapstructure:"template_file" yaml:"template_file"`
}

// TrackingCfg configures the optional observability sink.
type TrackingCfg struct {
	Project string `mapstructure:"project" yaml:"project"` // empty disables tracking
}

// ErrInvalid marks configuration validation failures. These are fatal
// at startup (exit code 1).
var ErrInvalid = errors.New("invalid configuration")

// Validate checks the configuration and creates the output directory.
func (c *Config) Validate() error {
	for name, dir := range map[string]string{
		"paths.label_source_dir": c.Paths.LabelSourceDir,
		"paths.image_source_dir": c.Paths.ImageSourceDir,
	} {
		if dir == "" {
			return fmt.Errorf("%w: %s is required", ErrInvalid, name)
		}
		info, err := os.Stat(dir)
		if err != nil || !info.IsDir() {
			return fmt.Errorf("%w: %s: directory does not exist: %s", ErrInvalid, name, dir)
		}
	}
	if c.Paths.OutputDir == "" {
		return fmt.Errorf("%w: paths.output_dir is required", ErrInvalid)
	}
	if err := os.MkdirAll(c.Paths.OutputDir, 0o755); err != nil {
		return fmt.Errorf("%w: cannot create paths.output_dir: %v", ErrInvalid, err)
	}

	if yr := c.Filters.TargetYears; yr != nil && yr.End < yr.Start {
		return fmt.Errorf("%w: filters.target_years.end must be >= start", ErrInvalid)
	}
	if c.Execution.MaxRetries < 0 {
		return fmt.Errorf("%w: execution.max_retries must be >= 0", ErrInvalid)
	}
	if c.Execution.BatchSizeLimit < 1 {
		return fmt.Errorf("%w: execution.batch_size_limit must be >= 1", ErrInvalid)
	}
	if c.Execution.MaxConcurrentBatches < 1 {
		return fmt.Errorf("%w: execution.max_concurrent_batches must be >= 1", ErrInvalid)
	}
	if c.Model.Name == "" {
		return fmt.Errorf("%w: model.name is required", ErrInvalid)
	}
	if c.Batch.PollIntervalSeconds < 1 {
		return fmt.Errorf("%w: batch.poll_interval_seconds must be >= 1", ErrInvalid)
	}
	if c.Batch.MaxPollAttempts < 1 {
		return fmt.Errorf("%w: batch.max_poll_attempts must be >= 1", ErrInvalid)
	}
	switch c.Batch.Backend {
	case "", "gemini", "openai":
	default:
		return fmt.Errorf("%w: batch.backend must be gemini or openai, got %q", ErrInvalid, c.Batch.Backend)
	}
	if c.Files.UploadRetryAttempts < 1 {
		return fmt.Errorf("%w: files.upload_retry_attempts must be >= 1", ErrInvalid)
	}
	if c.Files.UploadRetryBackoffSeconds < 0 {
		return fmt.Errorf("%w: files.upload_retry_backoff_seconds must be >= 0", ErrInvalid)
	}
	if c.Files.UploadConcurrency < 1 {
		return fmt.Errorf("%w: files.upload_concurrency must be >= 1", ErrInvalid)
	}
	if c.Prompt.Name == "" || c.Prompt.TemplateFile == "" {
		return fmt.Errorf("%w: prompt.name and prompt.template_file are required", ErrInvalid)
	}
	return nil
}
