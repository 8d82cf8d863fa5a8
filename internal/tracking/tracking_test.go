package tracking

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

func TestSinkPostsRecords(t *testing.T) {
	var mu sync.Mutex
	var received []map[string]any

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]any
		json.NewDecoder(r.Body).Decode(&payload)
		mu.Lock()
		received = append(received, payload)
		mu.Unlock()
	}))
	defer server.Close()

	sink := NewSink(SinkConfig{Endpoint: server.URL, Project: "catalog-ocr"})
	sink.Emit(context.Background(), Record{RecordKey: "AL:Howard:1849:1", BatchID: "b1", Success: true})
	sink.Emit(context.Background(), Record{RecordKey: "AL:Howard:1849:2", BatchID: "b1", ErrorKind: "service_error"})
	sink.Close()

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 2 {
		t.Fatalf("received %d records, want 2", len(received))
	}
	if received[0]["project"] != "catalog-ocr" {
		t.Errorf("project = %v", received[0]["project"])
	}
}

func TestSinkUnreachableDegradesSilently(t *testing.T) {
	sink := NewSink(SinkConfig{Endpoint: "http://127.0.0.1:1"})
	// Must not block or panic.
	for i := 0; i < 10; i++ {
		sink.Emit(context.Background(), Record{RecordKey: "AL:Howard:1849:1"})
	}
	sink.Close()
}

func TestNoopWhenUnconfigured(t *testing.T) {
	tracker := NewSink(SinkConfig{})
	tracker.Emit(context.Background(), Record{RecordKey: "x:y:1:1"})
	tracker.Close()
}
