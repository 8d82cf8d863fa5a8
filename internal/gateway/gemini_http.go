package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/avast/retry-go/v4"
)

// uploadedFile is the File API's handle for uploaded bytes.
type uploadedFile struct {
	Name     string
	URI      string
	MIMEType string
}

// geminiJobStates maps remote JOB_STATE_* values to normalized states.
var geminiJobStates = map[string]State{
	"JOB_STATE_PENDING":             StatePending,
	"JOB_STATE_QUEUED":              StatePending,
	"JOB_STATE_PROCESSING":          StateRunning,
	"JOB_STATE_RUNNING":             StateRunning,
	"JOB_STATE_SUCCEEDED":           StateSucceeded,
	"JOB_STATE_PARTIALLY_SUCCEEDED": StatePartiallySucceeded,
	"JOB_STATE_FAILED":              StateFailed,
	"JOB_STATE_CANCELLED":           StateCancelled,
	"JOB_STATE_EXPIRED":             StateExpired,
}

type geminiBatchInfo struct {
	Name  string `json:"name"`
	State string `json:"state"`
	Dest  *struct {
		FileName string `json:"file_name"`
	} `json:"dest"`
}

// Poll reports the batch's normalized state.
func (c *GeminiClient) Poll(ctx context.Context, batchID string) (State, error) {
	info, err := c.getBatch(ctx, batchID)
	if err != nil {
		return "", err
	}
	state, ok := geminiJobStates[info.State]
	if !ok {
		return "", fmt.Errorf("unknown batch state %q for %s", info.State, batchID)
	}
	return state, nil
}

// Download fetches the batch's result file and parses it into
// per-record outcomes.
func (c *GeminiClient) Download(ctx context.Context, batchID string) ([]RecordResult, error) {
	info, err := c.getBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if info.Dest == nil || info.Dest.FileName == "" {
		return nil, fmt.Errorf("batch %s has no result file", batchID)
	}

	blob, err := c.downloadFile(ctx, info.Dest.FileName)
	if err != nil {
		return nil, err
	}
	return parseGeminiResults(blob)
}

// geminiResultLine is one record of the result JSONL.
type geminiResultLine struct {
	Key      string          `json:"key"`
	Error    json.RawMessage `json:"error"`
	Response json.RawMessage `json:"response"`
}

type geminiResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
}

// parseGeminiResults decodes the downloaded result JSONL. Lines
// without a key are dropped; records whose response carries no text
// surface as empty Text and are classified downstream.
func parseGeminiResults(blob []byte) ([]RecordResult, error) {
	var results []RecordResult
	for _, rawLine := range bytes.Split(blob, []byte("\n")) {
		line := bytes.TrimSpace(rawLine)
		if len(line) == 0 {
			continue
		}

		var parsed geminiResultLine
		if err := json.Unmarshal(line, &parsed); err != nil {
			return nil, fmt.Errorf("malformed result line: %w", err)
		}
		if parsed.Key == "" {
			continue
		}

		if len(parsed.Error) > 0 && string(parsed.Error) != "null" {
			results = append(results, RecordResult{
				Key:          parsed.Key,
				RawResponse:  json.RawMessage(line),
				ServiceError: string(parsed.Error),
			})
			continue
		}

		var resp geminiResponse
		text := ""
		if len(parsed.Response) > 0 {
			if err := json.Unmarshal(parsed.Response, &resp); err == nil && len(resp.Candidates) > 0 {
				for _, part := range resp.Candidates[0].Content.Parts {
					text += part.Text
				}
			}
		}
		results = append(results, RecordResult{
			Key:         parsed.Key,
			Text:        text,
			RawResponse: json.RawMessage(line),
		})
	}
	return results, nil
}

// getBatch fetches batch metadata with bounded retry.
func (c *GeminiClient) getBatch(ctx context.Context, batchID string) (*geminiBatchInfo, error) {
	var info geminiBatchInfo
	err := c.withRetry(ctx, func() error {
		body, err := c.doJSON(ctx, "GET", fmt.Sprintf("%s/v1beta/%s", c.baseURL, batchID), nil)
		if err != nil {
			return err
		}
		return json.Unmarshal(body, &info)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to poll batch %s: %w", batchID, err)
	}
	return &info, nil
}

// createBatch creates the remote batch job from an uploaded JSONL file.
func (c *GeminiClient) createBatch(ctx context.Context, srcFileName, displayName string) (string, error) {
	payload := map[string]any{
		"model": c.model,
		"src":   srcFileName,
		"config": map[string]any{
			"display_name": displayName,
		},
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	var created struct {
		Name string `json:"name"`
	}
	err = c.withRetry(ctx, func() error {
		body, err := c.doJSON(ctx, "POST", c.baseURL+"/v1beta/batches", encoded)
		if err != nil {
			return err
		}
		return json.Unmarshal(body, &created)
	})
	if err != nil {
		return "", fmt.Errorf("batch creation failed: %w", err)
	}
	if created.Name == "" {
		return "", fmt.Errorf("batch creation returned no id")
	}
	return created.Name, nil
}

// downloadFile fetches result bytes with bounded retry.
func (c *GeminiClient) downloadFile(ctx context.Context, fileName string) ([]byte, error) {
	var blob []byte
	err := c.withRetry(ctx, func() error {
		var err error
		blob, err = c.doJSON(ctx, "GET", fmt.Sprintf("%s/v1beta/%s:download?alt=media", c.baseURL, fileName), nil)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("result download failed: %w", err)
	}
	return blob, nil
}

// doUpload pushes raw bytes through the File API.
func (c *GeminiClient) doUpload(ctx context.Context, data []byte, displayName, mimeType string) (uploadedFile, error) {
	url := c.baseURL + "/upload/v1beta/files"
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(data))
	if err != nil {
		return uploadedFile{}, err
	}
	req.Header.Set("x-goog-api-key", c.apiKey)
	req.Header.Set("X-Goog-Upload-Protocol", "raw")
	req.Header.Set("X-Goog-File-Name", displayName)
	req.Header.Set("Content-Type", mimeType)

	resp, err := c.client.Do(req)
	if err != nil {
		return uploadedFile{}, err
	}
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return uploadedFile{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return uploadedFile{}, &httpError{status: resp.StatusCode, body: string(body)}
	}

	var parsed struct {
		File struct {
			Name     string `json:"name"`
			URI      string `json:"uri"`
			MIMEType string `json:"mimeType"`
		} `json:"file"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return uploadedFile{}, fmt.Errorf("malformed upload response: %w", err)
	}
	mt := parsed.File.MIMEType
	if mt == "" {
		mt = mimeType
	}
	return uploadedFile{Name: parsed.File.Name, URI: parsed.File.URI, MIMEType: mt}, nil
}

// doJSON performs one request and returns the body, classifying
// retryable statuses.
func (c *GeminiClient) doJSON(ctx context.Context, method, url string, body []byte) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("x-goog-api-key", c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	respBody, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &httpError{status: resp.StatusCode, body: string(respBody)}
	}
	return respBody, nil
}

// withRetry retries transient failures with exponential backoff.
func (c *GeminiClient) withRetry(ctx context.Context, fn func() error) error {
	return retry.Do(
		fn,
		retry.Context(ctx),
		retry.Attempts(uint(c.maxRetries)),
		retry.Delay(c.retryDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			var he *httpError
			if errors.As(err, &he) {
				return he.retryable()
			}
			// Network-level errors are retryable.
			return true
		}),
	)
}

// httpError carries a non-200 response.
type httpError struct {
	status int
	body   string
}

func (e *httpError) Error() string {
	return fmt.Sprintf("gemini error (status %d): %s", e.status, e.body)
}

// retryable returns true for status codes worth retrying.
func (e *httpError) retryable() bool {
	switch e.status {
	case http.StatusTooManyRequests, http.StatusRequestTimeout:
		return true
	default:
		return e.status >= 500
	}
}
