package gateway

import (
	"context"
	"fmt"
	"sync"
)

// MockGateway is an in-memory Gateway for tests. Batches start in
// StateRunning; tests drive them terminal with Complete/Fail.
type MockGateway struct {
	mu      sync.Mutex
	nextID  int
	batches map[string]*MockBatch

	// SubmitErr, when set, fails the next Submit call.
	SubmitErr error
	// PollErr, when set, fails every Poll call.
	PollErr error
}

// MockBatch is one submitted bundle held by the mock.
type MockBatch struct {
	ID       string
	Name     string
	Payloads []RecordPayload
	State    State
	Results  []RecordResult
}

// NewMockGateway creates an empty mock gateway.
func NewMockGateway() *MockGateway {
	return &MockGateway{batches: make(map[string]*MockBatch)}
}

// Submit records the bundle and returns a deterministic id.
func (m *MockGateway) Submit(_ context.Context, batchName string, payloads []RecordPayload) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.SubmitErr != nil {
		err := m.SubmitErr
		m.SubmitErr = nil
		return "", fmt.Errorf("%w: %v", ErrSubmission, err)
	}

	m.nextID++
	id := fmt.Sprintf("mock-batch-%03d", m.nextID)
	m.batches[id] = &MockBatch{
		ID:       id,
		Name:     batchName,
		Payloads: append([]RecordPayload(nil), payloads...),
		State:    StateRunning,
	}
	return id, nil
}

// Poll returns the batch's scripted state.
func (m *MockGateway) Poll(_ context.Context, batchID string) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.PollErr != nil {
		return "", m.PollErr
	}
	b, ok := m.batches[batchID]
	if !ok {
		return "", fmt.Errorf("unknown batch %s", batchID)
	}
	return b.State, nil
}

// Download returns the batch's scripted results.
func (m *MockGateway) Download(_ context.Context, batchID string) ([]RecordResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.batches[batchID]
	if !ok {
		return nil, fmt.Errorf("unknown batch %s", batchID)
	}
	return append([]RecordResult(nil), b.Results...), nil
}

// Batch returns a submitted batch by id.
func (m *MockGateway) Batch(batchID string) (*MockBatch, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.batches[batchID]
	return b, ok
}

// Batches returns all submitted batches keyed by id.
func (m *MockGateway) Batches() map[string]*MockBatch {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]*MockBatch, len(m.batches))
	for id, b := range m.batches {
		out[id] = b
	}
	return out
}

// Complete marks a batch succeeded with the given results.
func (m *MockGateway) Complete(batchID string, results []RecordResult) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.batches[batchID]; ok {
		b.State = StateSucceeded
		b.Results = results
	}
}

// Fail marks a batch terminal with the given failure state.
func (m *MockGateway) Fail(batchID string, state State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.batches[batchID]; ok {
		b.State = state
	}
}
