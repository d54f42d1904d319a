package api

import (
	"time"

	"github.com/opencanvas/genstudio-api/internal/domain"
)

// Common request/response structures

// SubmitTaskRequest defines the payload for the task submission endpoint.
// The owner is taken from the caller's identity, never from the body.
type SubmitTaskRequest struct {
	Kind              string         `json:"kind"                validate:"required,oneof=IMAGE VIDEO AUDIO TEXT"`
	ProviderID        string         `json:"provider_id"         validate:"required"`
	Prompt            string         `json:"prompt"              validate:"required"`
	ReferenceInputs   []string       `json:"reference_inputs,omitempty"`
	CorrelationNodeID string         `json:"correlation_node_id,omitempty"`
	IdempotencyKey    string         `json:"idempotency_key,omitempty"`
	Metadata          map[string]any `json:"metadata,omitempty"`
}

// TaskResponse is the full task view returned by submission, status, and
// cancel endpoints.
type TaskResponse struct {
	ID                string         `json:"id"`
	Kind              string         `json:"kind"`
	ProviderID        string         `json:"provider_id"`
	Status            string         `json:"status"`
	Progress          int            `json:"progress"`
	Prompt            string         `json:"prompt,omitempty"`
	ResultURL         string         `json:"result_url,omitempty"`
	ErrorMessage      string         `json:"error_message,omitempty"`
	CorrelationNodeID string         `json:"correlation_node_id,omitempty"`
	CreditsCharged    int            `json:"credits_charged"`
	IsFreeUsage       bool           `json:"is_free_usage"`
	Metadata          map[string]any `json:"metadata,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
	CompletedAt       *time.Time     `json:"completed_at,omitempty"`
}

// TaskSummaryResponse is the list-view projection of a task.
type TaskSummaryResponse struct {
	ID           string     `json:"id"`
	Kind         string     `json:"kind"`
	Status       string     `json:"status"`
	Progress     int        `json:"progress"`
	Prompt       string     `json:"prompt,omitempty"`
	ResultURL    string     `json:"result_url,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// ResolveNodesRequest defines the payload for the node resolution endpoint.
type ResolveNodesRequest struct {
	NodeIDs []string `json:"node_ids" validate:"required,min=1,max=100"`
}

// ResolveNodesResponse maps node ids to their active task ids. Nodes with
// no active task are absent.
type ResolveNodesResponse struct {
	Nodes map[string]string `json:"nodes"`
}

// taskToResponse converts a domain.Task to a TaskResponse.
func taskToResponse(t *domain.Task) TaskResponse {
	return TaskResponse{
		ID:                t.ID.String(),
		Kind:              string(t.Kind),
		ProviderID:        t.ProviderID,
		Status:            string(t.Status),
		Progress:          t.Progress,
		Prompt:            t.Prompt,
		ResultURL:         t.ResultURL,
		ErrorMessage:      t.ErrorMessage,
		CorrelationNodeID: t.CorrelationNodeID,
		CreditsCharged:    t.Charge.CreditsCharged,
		IsFreeUsage:       t.Charge.IsFreeUsage,
		Metadata:          t.Metadata,
		CreatedAt:         t.CreatedAt,
		CompletedAt:       t.CompletedAt,
	}
}

// summaryToResponse converts a domain.TaskSummary to a TaskSummaryResponse.
func summaryToResponse(s domain.TaskSummary) TaskSummaryResponse {
	return TaskSummaryResponse{
		ID:           s.ID.String(),
		Kind:         string(s.Kind),
		Status:       string(s.Status),
		Progress:     s.Progress,
		Prompt:       s.Prompt,
		ResultURL:    s.ResultURL,
		ErrorMessage: s.ErrorMessage,
		CreatedAt:    s.CreatedAt,
		CompletedAt:  s.CompletedAt,
	}
}
