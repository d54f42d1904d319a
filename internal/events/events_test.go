package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTaskLifecycleEvent(t *testing.T) {
	// Define a sample payload
	type testPayload struct {
		Progress int    `json:"progress"`
		Source   string `json:"source"`
	}

	payload := testPayload{
		Progress: 42,
		Source:   "provider_poll",
	}

	taskID := uuid.New()

	// Create a new event
	event, err := NewTaskLifecycleEvent(TypeTaskProgress, taskID, "user-1", payload)

	// Assert creation was successful
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, event.ID)
	assert.Equal(t, TypeTaskProgress, event.Type)
	assert.Equal(t, taskID, event.TaskID)
	assert.Equal(t, "user-1", event.OwnerID)
	assert.NotNil(t, event.Payload)
	assert.WithinDuration(t, time.Now(), event.CreatedAt, 2*time.Second)

	// Verify payload was correctly serialized
	var decodedPayload testPayload
	err = json.Unmarshal(event.Payload, &decodedPayload)
	require.NoError(t, err)
	assert.Equal(t, payload.Progress, decodedPayload.Progress)
	assert.Equal(t, payload.Source, decodedPayload.Source)
}

func TestNewTaskLifecycleEvent_NilPayload(t *testing.T) {
	event, err := NewTaskLifecycleEvent(TypeTaskSubmitted, uuid.New(), "user-1", nil)
	require.NoError(t, err)
	assert.Nil(t, event.Payload)
}

// MockEventHandler implements the EventHandler interface for testing
type MockEventHandler struct {
	// The last event received by this handler
	LastEvent *TaskLifecycleEvent
	// Error to return from HandleEvent
	HandlerError error
	// Count of events handled
	HandledCount int
}

// HandleEvent implements the EventHandler interface
func (h *MockEventHandler) HandleEvent(ctx context.Context, event *TaskLifecycleEvent) error {
	h.LastEvent = event
	h.HandledCount++
	return h.HandlerError
}

func TestEventHandler(t *testing.T) {
	// Create a mock handler
	handler := &MockEventHandler{}

	// Create a test event
	event, err := NewTaskLifecycleEvent(TypeTaskSucceeded, uuid.New(), "user-1", nil)
	require.NoError(t, err)

	// Handle the event
	err = handler.HandleEvent(context.Background(), event)
	assert.NoError(t, err)
	assert.Equal(t, 1, handler.HandledCount)
	assert.Equal(t, event, handler.LastEvent)

	// Test error case
	expectedErr := errors.New("handler error")
	handler.HandlerError = expectedErr
	err = handler.HandleEvent(context.Background(), event)
	assert.Equal(t, expectedErr, err)
	assert.Equal(t, 2, handler.HandledCount)
}
