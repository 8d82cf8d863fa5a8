package gateway

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	openai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

const OpenAIName = "openai"

// OpenAIConfig holds configuration for the OpenAI batch backend.
type OpenAIConfig struct {
	APIKey      string
	BaseURL     string // optional override
	Model       string
	Temperature *float64
	MaxTokens   *int
	Timeout     time.Duration
	MaxRetries  int
	Logger      *slog.Logger

	HTTPClient *http.Client // optional (tests)
}

// OpenAIClient implements Gateway using the OpenAI Files + Batches API.
// Page images are inlined as data URLs, so submission is a single
// file upload plus batch creation.
type OpenAIClient struct {
	model       string
	temperature *float64
	maxTokens   *int
	client      openai.Client
	logger      *slog.Logger
}

// NewOpenAIClient creates a new OpenAI batch client.
func NewOpenAIClient(cfg OpenAIConfig) *OpenAIClient {
	if cfg.Timeout == 0 {
		cfg.Timeout = 300 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithHTTPClient(httpClient),
		option.WithMaxRetries(cfg.MaxRetries),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &OpenAIClient{
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		client:      openai.NewClient(opts...),
		logger:      logger.With("gateway", OpenAIName),
	}
}

// Submit builds the chat-completion request JSONL, uploads it with
// purpose=batch, and creates the batch job.
func (c *OpenAIClient) Submit(ctx context.Context, batchName string, payloads []RecordPayload) (string, error) {
	if len(payloads) == 0 {
		return "", fmt.Errorf("%w: empty bundle", ErrSubmission)
	}

	jsonl, err := c.buildRequestJSONL(payloads)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSubmission, err)
	}

	file, err := c.client.Files.New(ctx, openai.FileNewParams{
		File:    openai.File(bytes.NewReader(jsonl), batchName+"-requests.jsonl", "application/jsonl"),
		Purpose: openai.FilePurposeBatch,
	})
	if err != nil {
		return "", fmt.Errorf("%w: request file upload: %v", ErrSubmission, err)
	}

	batch, err := c.client.Batches.New(ctx, openai.BatchNewParams{
		CompletionWindow: openai.BatchNewParamsCompletionWindow24h,
		Endpoint:         openai.BatchNewParamsEndpointV1ChatCompletions,
		InputFileID:      file.ID,
	})
	if err != nil {
		return "", fmt.Errorf("%w: batch creation: %v", ErrSubmission, err)
	}

	c.logger.Info("batch submitted", "batch_id", batch.ID, "records", len(payloads))
	return batch.ID, nil
}

// buildRequestJSONL encodes one /v1/chat/completions line per record,
// inlining the page image as a data URL.
func (c *OpenAIClient) buildRequestJSONL(payloads []RecordPayload) ([]byte, error) {
	var out bytes.Buffer
	for _, p := range payloads {
		imageData, err := os.ReadFile(p.ImagePath)
		if err != nil {
			return nil, fmt.Errorf("failed to read image for %s: %w", p.Key, err)
		}
		dataURL := "data:" + mimeTypeFor(p.ImagePath) + ";base64," +
			base64.StdEncoding.EncodeToString(imageData)

		body := map[string]any{
			"model": c.model,
			"messages": []any{
				map[string]any{
					"role": "user",
					"content": []any{
						map[string]any{"type": "text", "text": p.Prompt},
						map[string]any{"type": "image_url", "image_url": map[string]any{"url": dataURL}},
					},
				},
			},
		}
		if c.temperature != nil {
			body["temperature"] = *c.temperature
		}
		if c.maxTokens != nil {
			body["max_tokens"] = *c.maxTokens
		}

		line := map[string]any{
			"custom_id": p.Key,
			"method":    "POST",
			"url":       "/v1/chat/completions",
			"body":      body,
		}
		encoded, err := json.Marshal(line)
		if err != nil {
			return nil, err
		}
		out.Write(encoded)
		out.WriteByte('\n')
	}
	return out.Bytes(), nil
}

// Poll reports the batch's normalized state.
func (c *OpenAIClient) Poll(ctx context.Context, batchID string) (State, error) {
	batch, err := c.client.Batches.Get(ctx, batchID)
	if err != nil {
		return "", fmt.Errorf("failed to poll batch %s: %w", batchID, err)
	}
	return mapOpenAIStatus(batch.Status, batch.RequestCounts.Failed > 0), nil
}

// mapOpenAIStatus normalizes OpenAI batch statuses. A completed batch
// with failed records maps to partially_succeeded.
func mapOpenAIStatus(status openai.BatchStatus, hasFailures bool) State {
	switch status {
	case openai.BatchStatusValidating:
		return StatePending
	case openai.BatchStatusInProgress, openai.BatchStatusFinalizing, openai.BatchStatusCancelling:
		return StateRunning
	case openai.BatchStatusCompleted:
		if hasFailures {
			return StatePartiallySucceeded
		}
		return StateSucceeded
	case openai.BatchStatusFailed:
		return StateFailed
	case openai.BatchStatusCancelled:
		return StateCancelled
	case openai.BatchStatusExpired:
		return StateExpired
	default:
		return StateRunning
	}
}

// Download merges the batch's output and error files into per-record
// outcomes.
func (c *OpenAIClient) Download(ctx context.Context, batchID string) ([]RecordResult, error) {
	batch, err := c.client.Batches.Get(ctx, batchID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch batch %s: %w", batchID, err)
	}

	var results []RecordResult
	for _, fileID := range []string{batch.OutputFileID, batch.ErrorFileID} {
		if fileID == "" {
			continue
		}
		blob, err := c.fileContent(ctx, fileID)
		if err != nil {
			return nil, err
		}
		parsed, err := parseOpenAIResults(blob)
		if err != nil {
			return nil, err
		}
		results = append(results, parsed...)
	}
	return results, nil
}

func (c *OpenAIClient) fileContent(ctx context.Context, fileID string) ([]byte, error) {
	resp, err := c.client.Files.Content(ctx, fileID)
	if err != nil {
		return nil, fmt.Errorf("failed to download file %s: %w", fileID, err)
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

// openaiResultLine is one record of the batch output JSONL.
type openaiResultLine struct {
	CustomID string          `json:"custom_id"`
	Error    json.RawMessage `json:"error"`
	Response *struct {
		StatusCode int             `json:"status_code"`
		Body       json.RawMessage `json:"body"`
	} `json:"response"`
}

type openaiChatBody struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

func parseOpenAIResults(blob []byte) ([]RecordResult, error) {
	var results []RecordResult
	for _, rawLine := range bytes.Split(blob, []byte("\n")) {
		line := bytes.TrimSpace(rawLine)
		if len(line) == 0 {
			continue
		}

		var parsed openaiResultLine
		if err := json.Unmarshal(line, &parsed); err != nil {
			return nil, fmt.Errorf("malformed result line: %w", err)
		}
		if parsed.CustomID == "" {
			continue
		}

		result := RecordResult{Key: parsed.CustomID, RawResponse: json.RawMessage(line)}
		switch {
		case len(parsed.Error) > 0 && string(parsed.Error) != "null":
			result.ServiceError = string(parsed.Error)
		case parsed.Response != nil && parsed.Response.StatusCode != http.StatusOK:
			result.ServiceError = fmt.Sprintf("status %d: %s", parsed.Response.StatusCode, parsed.Response.Body)
		case parsed.Response != nil:
			var body openaiChatBody
			if err := json.Unmarshal(parsed.Response.Body, &body); err == nil && len(body.Choices) > 0 {
				result.Text = body.Choices[0].Message.Content
			}
		}
		results = append(results, result)
	}
	return results, nil
}
