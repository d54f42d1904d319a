package domain

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// TaskStatus represents the lifecycle state of a generation task.
type TaskStatus string

// Possible task status values. The only legal transitions are
// PENDING -> PROCESSING -> {SUCCESS, FAILURE}.
const (
	TaskStatusPending    TaskStatus = "PENDING"
	TaskStatusProcessing TaskStatus = "PROCESSING"
	TaskStatusSuccess    TaskStatus = "SUCCESS"
	TaskStatusFailure    TaskStatus = "FAILURE"
)

// TaskKind identifies what kind of artifact a task produces.
type TaskKind string

// Possible task kinds.
const (
	TaskKindImage TaskKind = "IMAGE"
	TaskKindVideo TaskKind = "VIDEO"
	TaskKindAudio TaskKind = "AUDIO"
	TaskKindText  TaskKind = "TEXT"
)

// Common validation errors for Task
var (
	ErrEmptyTaskID        = errors.New("task ID cannot be empty")
	ErrEmptyTaskOwnerID   = errors.New("task owner ID cannot be empty")
	ErrInvalidTaskKind    = errors.New("invalid task kind")
	ErrInvalidTaskStatus  = errors.New("invalid task status")
	ErrInvalidProgress    = errors.New("progress must be between 0 and 100")
	ErrIllegalTransition  = errors.New("illegal task status transition")
	ErrRemoteHandleReset  = errors.New("remote handle is immutable once assigned")
	ErrCompletedAtRewrite = errors.New("completedAt is set exactly once")
)

// ChargeRecord captures the billing outcome of a task's admission.
// Refunded flips to true at most once, and only when CreditsCharged > 0.
type ChargeRecord struct {
	CreditsCharged     int  `json:"credits_charged"`
	IsFreeUsage        bool `json:"is_free_usage"`
	FreeUsageRemaining int  `json:"free_usage_remaining"`
	Refunded           bool `json:"refunded"`
}

// Task represents one user-submitted generation job and its lifecycle record.
// It is the single source of truth for a job from admission through terminal
// state; all concurrent mutation goes through the store's compare-and-set
// transition.
type Task struct {
	ID                uuid.UUID      `json:"id"`
	OwnerID           string         `json:"owner_id"`
	Kind              TaskKind       `json:"kind"`
	ProviderID        string         `json:"provider_id"`
	Status            TaskStatus     `json:"status"`
	Progress          int            `json:"progress"`
	Prompt            string         `json:"prompt,omitempty"`
	ReferenceInputs   []string       `json:"reference_inputs,omitempty"`
	RemoteHandle      string         `json:"remote_handle,omitempty"`
	ResultURL         string         `json:"result_url,omitempty"`
	ErrorMessage      string         `json:"error_message,omitempty"`
	CorrelationNodeID string         `json:"correlation_node_id,omitempty"`
	Metadata          map[string]any `json:"metadata,omitempty"`
	Charge            ChargeRecord   `json:"charge"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
	CompletedAt       *time.Time     `json:"completed_at,omitempty"`
}

// TaskSummary is the list-view projection of a Task. Large fields
// (reference payloads, metadata) are deliberately excluded.
type TaskSummary struct {
	ID           uuid.UUID  `json:"id"`
	Kind         TaskKind   `json:"kind"`
	Status       TaskStatus `json:"status"`
	Progress     int        `json:"progress"`
	Prompt       string     `json:"prompt,omitempty"`
	ResultURL    string     `json:"result_url,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// IsTerminal reports whether the status is SUCCESS or FAILURE.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusSuccess || s == TaskStatusFailure
}

// IsActive reports whether the status is PENDING or PROCESSING.
func (s TaskStatus) IsActive() bool {
	return s == TaskStatusPending || s == TaskStatusProcessing
}

// CanTransition reports whether moving from s to next is a legal edge of
// the task state machine. Same-state PROCESSING writes (progress updates)
// are allowed.
func (s TaskStatus) CanTransition(next TaskStatus) bool {
	switch s {
	case TaskStatusPending:
		return next == TaskStatusProcessing || next == TaskStatusFailure
	case TaskStatusProcessing:
		return next == TaskStatusProcessing ||
			next == TaskStatusSuccess ||
			next == TaskStatusFailure
	default:
		return false
	}
}

// Validate checks the Task's structural invariants: result URL iff SUCCESS,
// error message iff FAILURE, completedAt iff terminal.
func (t *Task) Validate() error {
	if t.ID == uuid.Nil {
		return ErrEmptyTaskID
	}

	if t.OwnerID == "" {
		return ErrEmptyTaskOwnerID
	}

	if !isValidTaskKind(t.Kind) {
		return ErrInvalidTaskKind
	}

	if !isValidTaskStatus(t.Status) {
		return ErrInvalidTaskStatus
	}

	if t.Progress < 0 || t.Progress > 100 {
		return ErrInvalidProgress
	}

	if (t.ResultURL != "") != (t.Status == TaskStatusSuccess) {
		return errors.New("result URL is set if and only if status is SUCCESS")
	}

	if (t.ErrorMessage != "") != (t.Status == TaskStatusFailure) {
		return errors.New("error message is set if and only if status is FAILURE")
	}

	if (t.CompletedAt != nil) != t.Status.IsTerminal() {
		return errors.New("completedAt is set if and only if status is terminal")
	}

	return nil
}

// isValidTaskStatus checks if the given status is a valid TaskStatus.
func isValidTaskStatus(status TaskStatus) bool {
	switch status {
	case TaskStatusPending, TaskStatusProcessing, TaskStatusSuccess, TaskStatusFailure:
		return true
	default:
		return false
	}
}

// isValidTaskKind checks if the given kind is a valid TaskKind.
func isValidTaskKind(kind TaskKind) bool {
	switch kind {
	case TaskKindImage, TaskKindVideo, TaskKindAudio, TaskKindText:
		return true
	default:
		return false
	}
}
