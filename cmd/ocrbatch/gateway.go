package main

import (
	"fmt"
	"os"
	"time"

	"github.com/AnsonDev42/gemini-ocr-batch/internal/config"
	"github.com/AnsonDev42/gemini-ocr-batch/internal/gateway"
)

// buildGateway constructs the configured batch backend. Credentials
// come from the environment only.
func buildGateway(cfg *config.Config) (gateway.Gateway, error) {
	backend := cfg.Batch.Backend
	if backend == "" {
		backend = "gemini"
	}

	switch backend {
	case "gemini":
		apiKey := os.Getenv("GEMINI_API_KEY")
		if apiKey == "" {
			return nil, fmt.Errorf("%w: GEMINI_API_KEY not set in environment", config.ErrInvalid)
		}
		return gateway.NewGeminiClient(gateway.GeminiConfig{
			APIKey:            apiKey,
			Model:             cfg.Model.Name,
			GenerationConfig:  generationConfigMap(cfg),
			UploadAttempts:    cfg.Files.UploadRetryAttempts,
			UploadBackoff:     time.Duration(cfg.Files.UploadRetryBackoffSeconds * float64(time.Second)),
			UploadConcurrency: cfg.Files.UploadConcurrency,
			Logger:            logger,
		}), nil

	case "openai":
		apiKey := os.Getenv("OPENAI_API_KEY")
		if apiKey == "" {
			return nil, fmt.Errorf("%w: OPENAI_API_KEY not set in environment", config.ErrInvalid)
		}
		oaCfg := gateway.OpenAIConfig{
			APIKey: apiKey,
			Model:  cfg.Model.Name,
			Logger: logger,
		}
		if gc := cfg.Model.GenerationConfig; gc != nil {
			oaCfg.Temperature = gc.Temperature
			oaCfg.MaxTokens = gc.MaxOutputTokens
		}
		return gateway.NewOpenAIClient(oaCfg), nil

	default:
		return nil, fmt.Errorf("%w: unknown batch backend %q", config.ErrInvalid, backend)
	}
}

// generationConfigMap flattens the model generation settings into the
// request passthrough map.
func generationConfigMap(cfg *config.Config) map[string]any {
	gc := cfg.Model.GenerationConfig
	if gc == nil {
		return nil
	}
	out := make(map[string]any)
	if gc.Temperature != nil {
		out["temperature"] = *gc.Temperature
	}
	if gc.MaxOutputTokens != nil {
		out["max_output_tokens"] = *gc.MaxOutputTokens
	}
	if gc.ResponseMIMEType != "" {
		out["response_mime_type"] = gc.ResponseMIMEType
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
