package mocks

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// MockRefunder implements task.Refunder for testing.
type MockRefunder struct {
	// Custom behavior function
	RefundTaskFn func(ctx context.Context, taskID uuid.UUID) error

	// Call tracking for verification
	RefundCalls struct {
		mu      sync.Mutex
		Count   int
		TaskIDs []uuid.UUID
	}
}

// RefundTask implements task.Refunder.
func (m *MockRefunder) RefundTask(ctx context.Context, taskID uuid.UUID) error {
	m.RefundCalls.mu.Lock()
	m.RefundCalls.Count++
	m.RefundCalls.TaskIDs = append(m.RefundCalls.TaskIDs, taskID)
	m.RefundCalls.mu.Unlock()

	if m.RefundTaskFn != nil {
		return m.RefundTaskFn(ctx, taskID)
	}
	return nil
}

// Count returns how many refunds were requested.
func (m *MockRefunder) Count() int {
	m.RefundCalls.mu.Lock()
	defer m.RefundCalls.mu.Unlock()
	return m.RefundCalls.Count
}
