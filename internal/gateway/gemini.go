package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
)

const (
	GeminiName    = "gemini"
	GeminiBaseURL = "https://generativelanguage.googleapis.com"
)

// GeminiConfig holds configuration for the Gemini batch client.
type GeminiConfig struct {
	APIKey           string
	BaseURL          string
	Model            string
	GenerationConfig map[string]any // passed through per request; nil omits
	Timeout          time.Duration

	// Network retry
	MaxRetries int           // attempts for poll/create/download (default: 3)
	RetryDelay time.Duration // base delay between retries (default: 1s)

	// File upload retry
	UploadAttempts    int           // per-file attempts (default: 3)
	UploadBackoff     time.Duration // base backoff, doubled per attempt (default: 2s)
	UploadConcurrency int           // parallel image uploads (default: 4)

	Logger *slog.Logger
}

// GeminiClient implements Gateway against the Gemini batch API.
type GeminiClient struct {
	apiKey            string
	baseURL           string
	model             string
	generationConfig  map[string]any
	client            *http.Client
	maxRetries        int
	retryDelay        time.Duration
	uploadAttempts    int
	uploadBackoff     time.Duration
	uploadConcurrency int
	logger            *slog.Logger
}

// NewGeminiClient creates a new Gemini batch client.
func NewGeminiClient(cfg GeminiConfig) *GeminiClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = GeminiBaseURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 120 * time.Second
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.UploadAttempts == 0 {
		cfg.UploadAttempts = 3
	}
	if cfg.UploadBackoff == 0 {
		cfg.UploadBackoff = 2 * time.Second
	}
	if cfg.UploadConcurrency == 0 {
		cfg.UploadConcurrency = 4
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &GeminiClient{
		apiKey:            cfg.APIKey,
		baseURL:           strings.TrimRight(cfg.BaseURL, "/"),
		model:             cfg.Model,
		generationConfig:  cfg.GenerationConfig,
		client:            &http.Client{Timeout: cfg.Timeout},
		maxRetries:        cfg.MaxRetries,
		retryDelay:        cfg.RetryDelay,
		uploadAttempts:    cfg.UploadAttempts,
		uploadBackoff:     cfg.UploadBackoff,
		uploadConcurrency: cfg.UploadConcurrency,
		logger:            logger.With("gateway", GeminiName),
	}
}

// geminiBatchLine is one record of the request JSONL.
type geminiBatchLine struct {
	Key     string        `json:"key"`
	Request geminiRequest `json:"request"`
}

type geminiRequest struct {
	Contents         []geminiContent `json:"contents"`
	GenerationConfig map[string]any  `json:"generation_config,omitempty"`
}

type geminiContent struct {
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text     string          `json:"text,omitempty"`
	FileData *geminiFileData `json:"file_data,omitempty"`
}

type geminiFileData struct {
	FileURI  string `json:"file_uri"`
	MIMEType string `json:"mime_type"`
}

// Submit uploads every page image and the request JSONL, then creates
// the batch job. All-or-nothing: any upload that exhausts its retries
// fails the whole bundle with ErrSubmission, leaving no record in
// flight.
func (c *GeminiClient) Submit(ctx context.Context, batchName string, payloads []RecordPayload) (string, error) {
	if len(payloads) == 0 {
		return "", fmt.Errorf("%w: empty bundle", ErrSubmission)
	}

	uploaded, err := c.uploadImages(ctx, payloads)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSubmission, err)
	}

	var lines []byte
	for _, p := range payloads {
		file := uploaded[p.Key]
		line := geminiBatchLine{
			Key: p.Key,
			Request: geminiRequest{
				Contents: []geminiContent{{
					Parts: []geminiPart{
						{Text: p.Prompt},
						{FileData: &geminiFileData{FileURI: file.URI, MIMEType: file.MIMEType}},
					},
				}},
				GenerationConfig: c.generationConfig,
			},
		}
		encoded, err := json.Marshal(line)
		if err != nil {
			return "", fmt.Errorf("%w: failed to encode request line: %v", ErrSubmission, err)
		}
		lines = append(lines, encoded...)
		lines = append(lines, '\n')
	}

	srcFile, err := c.uploadBytes(ctx, lines, batchName+"-requests", "application/jsonl")
	if err != nil {
		return "", fmt.Errorf("%w: request file upload: %v", ErrSubmission, err)
	}

	batchID, err := c.createBatch(ctx, srcFile.Name, batchName)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSubmission, err)
	}

	c.logger.Info("batch submitted", "batch_id", batchID, "records", len(payloads))
	return batchID, nil
}

// uploadImages pushes page images in parallel, bounded by
// uploadConcurrency, retrying each file with exponential backoff.
func (c *GeminiClient) uploadImages(ctx context.Context, payloads []RecordPayload) (map[string]uploadedFile, error) {
	type result struct {
		key  string
		file uploadedFile
		err  error
	}

	sem := make(chan struct{}, c.uploadConcurrency)
	results := make(chan result, len(payloads))
	var wg sync.WaitGroup

	for _, p := range payloads {
		wg.Add(1)
		go func(p RecordPayload) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			file, err := c.uploadImageFile(ctx, p.ImagePath)
			results <- result{key: p.Key, file: file, err: err}
		}(p)
	}
	wg.Wait()
	close(results)

	uploaded := make(map[string]uploadedFile, len(payloads))
	for r := range results {
		if r.err != nil {
			return nil, fmt.Errorf("upload failed for %s: %w", r.key, r.err)
		}
		uploaded[r.key] = r.file
	}
	return uploaded, nil
}

func (c *GeminiClient) uploadImageFile(ctx context.Context, path string) (uploadedFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return uploadedFile{}, err
	}
	return c.uploadBytes(ctx, data, filepath.Base(path), mimeTypeFor(path))
}

func (c *GeminiClient) uploadBytes(ctx context.Context, data []byte, displayName, mimeType string) (uploadedFile, error) {
	var file uploadedFile
	err := retry.Do(
		func() error {
			var err error
			file, err = c.doUpload(ctx, data, displayName, mimeType)
			return err
		},
		retry.Context(ctx),
		retry.Attempts(uint(c.uploadAttempts)),
		retry.Delay(c.uploadBackoff),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
	)
	return file, err
}

func mimeTypeFor(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	default:
		return "application/octet-stream"
	}
}
