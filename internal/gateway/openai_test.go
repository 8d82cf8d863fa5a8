package gateway

import (
	"strings"
	"testing"

	openai "github.com/openai/openai-go/v3"
)

func TestMapOpenAIStatus(t *testing.T) {
	tests := []struct {
		status      openai.BatchStatus
		hasFailures bool
		want        State
	}{
		{openai.BatchStatusValidating, false, StatePending},
		{openai.BatchStatusInProgress, false, StateRunning},
		{openai.BatchStatusFinalizing, false, StateRunning},
		{openai.BatchStatusCompleted, false, StateSucceeded},
		{openai.BatchStatusCompleted, true, StatePartiallySucceeded},
		{openai.BatchStatusFailed, false, StateFailed},
		{openai.BatchStatusCancelled, false, StateCancelled},
		{openai.BatchStatusExpired, false, StateExpired},
	}
	for _, tt := range tests {
		if got := mapOpenAIStatus(tt.status, tt.hasFailures); got != tt.want {
			t.Errorf("mapOpenAIStatus(%s, %v) = %s, want %s", tt.status, tt.hasFailures, got, tt.want)
		}
	}
}

func TestParseOpenAIResults(t *testing.T) {
	blob := `{"custom_id": "AL:Howard:1849:1", "response": {"status_code": 200, "body": {"choices": [{"message": {"content": "{\"ok\": true}"}}]}}}
{"custom_id": "AL:Howard:1849:2", "response": {"status_code": 429, "body": {"error": {"message": "rate limited"}}}}
{"custom_id": "AL:Howard:1849:3", "error": {"code": "server_error", "message": "boom"}}
{"response": {"status_code": 200}}
`
	results, err := parseOpenAIResults([]byte(blob))
	if err != nil {
		t.Fatalf("parseOpenAIResults: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("len = %d, want 3 (line without custom_id dropped)", len(results))
	}

	if results[0].Text != `{"ok": true}` || results[0].ServiceError != "" {
		t.Errorf("success record = %+v", results[0])
	}
	if !strings.Contains(results[1].ServiceError, "status 429") {
		t.Errorf("non-200 record = %+v", results[1])
	}
	if !strings.Contains(results[2].ServiceError, "server_error") {
		t.Errorf("error record = %+v", results[2])
	}
}

func TestParseOpenAIResultsMalformed(t *testing.T) {
	if _, err := parseOpenAIResults([]byte("{bad")); err == nil {
		t.Error("expected error for malformed line")
	}
}

func TestStateTerminality(t *testing.T) {
	terminal := []State{StateSucceeded, StatePartiallySucceeded, StateFailed, StateCancelled, StateExpired}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []State{StatePending, StateRunning} {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
	if !StateSucceeded.Success() || !StatePartiallySucceeded.Success() {
		t.Error("success states misclassified")
	}
	if StateFailed.Success() {
		t.Error("failed should not be a success state")
	}
}
