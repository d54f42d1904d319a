package mocks

import (
	"context"
	"sync"

	"github.com/opencanvas/genstudio-api/internal/domain"
	"github.com/opencanvas/genstudio-api/internal/provider"
)

// MockAdapter implements provider.Adapter for testing. Poll results can be
// scripted as a sequence; the last result repeats once the script runs out.
type MockAdapter struct {
	ProviderID   string
	ProviderKind domain.TaskKind

	// Custom behavior functions
	SubmitFn func(ctx context.Context, t *domain.Task) (string, error)
	PollFn   func(ctx context.Context, remoteHandle string) (provider.PollResult, error)
	CancelFn func(ctx context.Context, remoteHandle string) error

	// PollScript is consumed one entry per Poll call when PollFn is unset.
	PollScript []provider.PollResult

	mu        sync.Mutex
	pollIndex int

	// Call tracking for verification
	SubmitCalls struct {
		mu    sync.Mutex
		Count int
	}
	PollCalls struct {
		mu    sync.Mutex
		Count int
	}
	CancelCalls struct {
		mu      sync.Mutex
		Count   int
		Handles []string
	}
}

// ID implements provider.Adapter.
func (m *MockAdapter) ID() string {
	if m.ProviderID == "" {
		return "mock-provider"
	}
	return m.ProviderID
}

// Kind implements provider.Adapter.
func (m *MockAdapter) Kind() domain.TaskKind {
	if m.ProviderKind == "" {
		return domain.TaskKindImage
	}
	return m.ProviderKind
}

// Submit implements provider.Adapter.
func (m *MockAdapter) Submit(ctx context.Context, t *domain.Task) (string, error) {
	m.SubmitCalls.mu.Lock()
	m.SubmitCalls.Count++
	m.SubmitCalls.mu.Unlock()

	if m.SubmitFn != nil {
		return m.SubmitFn(ctx, t)
	}
	return "remote-" + t.ID.String(), nil
}

// Poll implements provider.Adapter.
func (m *MockAdapter) Poll(ctx context.Context, remoteHandle string) (provider.PollResult, error) {
	m.PollCalls.mu.Lock()
	m.PollCalls.Count++
	m.PollCalls.mu.Unlock()

	if m.PollFn != nil {
		return m.PollFn(ctx, remoteHandle)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.PollScript) == 0 {
		return provider.PollResult{State: provider.StatePending, RawStatus: "running"}, nil
	}

	result := m.PollScript[m.pollIndex]
	if m.pollIndex < len(m.PollScript)-1 {
		m.pollIndex++
	}
	return result, nil
}

// Cancel implements provider.Adapter.
func (m *MockAdapter) Cancel(ctx context.Context, remoteHandle string) error {
	m.CancelCalls.mu.Lock()
	m.CancelCalls.Count++
	m.CancelCalls.Handles = append(m.CancelCalls.Handles, remoteHandle)
	m.CancelCalls.mu.Unlock()

	if m.CancelFn != nil {
		return m.CancelFn(ctx, remoteHandle)
	}
	return nil
}
