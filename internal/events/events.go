package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Lifecycle event types emitted by the task subsystem.
const (
	TypeTaskSubmitted  = "task.submitted"
	TypeTaskProcessing = "task.processing"
	TypeTaskProgress   = "task.progress"
	TypeTaskSucceeded  = "task.succeeded"
	TypeTaskFailed     = "task.failed"
	TypeTaskRefunded   = "task.refunded"
)

// TaskLifecycleEvent announces a task's state change to interested
// components (notification fan-out, audit, future webhooks) without coupling
// them to the task packages.
type TaskLifecycleEvent struct {
	// ID is a unique identifier for this event
	ID uuid.UUID `json:"id"`

	// Type is one of the Type* lifecycle constants
	Type string `json:"type"`

	// TaskID identifies the task this event is about
	TaskID uuid.UUID `json:"task_id"`

	// OwnerID identifies the task's owner
	OwnerID string `json:"owner_id"`

	// Payload carries event-specific data serialized as JSON
	Payload json.RawMessage `json:"payload,omitempty"`

	// CreatedAt is the timestamp when the event was created
	CreatedAt time.Time `json:"created_at"`
}

// UnmarshalPayload decodes the event payload into the provided structure.
func (e *TaskLifecycleEvent) UnmarshalPayload(v interface{}) error {
	return json.Unmarshal(e.Payload, v)
}

// NewTaskLifecycleEvent creates a new TaskLifecycleEvent of the given type.
// A nil payload is allowed for events that carry no extra data.
func NewTaskLifecycleEvent(
	eventType string,
	taskID uuid.UUID,
	ownerID string,
	payload interface{},
) (*TaskLifecycleEvent, error) {
	var payloadBytes json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		payloadBytes = b
	}

	return &TaskLifecycleEvent{
		ID:        uuid.New(),
		Type:      eventType,
		TaskID:    taskID,
		OwnerID:   ownerID,
		Payload:   payloadBytes,
		CreatedAt: time.Now(),
	}, nil
}

// EventHandler defines an interface for components that can handle events.
// Handlers are responsible for processing events and taking appropriate actions.
type EventHandler interface {
	// HandleEvent processes the given event within the provided context.
	// Returns an error if the event cannot be handled successfully.
	HandleEvent(ctx context.Context, event *TaskLifecycleEvent) error
}

// EventEmitter defines an interface for components that can emit events.
// This allows services to publish events without direct knowledge of handlers.
type EventEmitter interface {
	// EmitEvent publishes the given event to all registered handlers.
	// Returns an error if the event cannot be emitted.
	EmitEvent(ctx context.Context, event *TaskLifecycleEvent) error
}
