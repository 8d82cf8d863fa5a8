package config

// DefaultConfig returns configuration with sensible defaults.
// Paths and model name have no defaults; they must come from the
// config file.
func DefaultConfig() *Config {
	return &Config{
		Execution: ExecutionCfg{
			MaxRetries:           3,
			BatchSizeLimit:       100,
			MaxConcurrentBatches: 1,
		},
		Batch: BatchCfg{
			PollIntervalSeconds: 10,
			MaxPollAttempts:     360,
			DisplayNamePrefix:   "ocr-batch-job",
			Backend:             "gemini",
		},
		Files: FilesCfg{
			UploadRetryAttempts:       3,
			UploadRetryBackoffSeconds: 2.0,
			UploadConcurrency:         4,
		},
		Prompt: PromptCfg{
			RegistryDir: "prompts",
		},
	}
}
