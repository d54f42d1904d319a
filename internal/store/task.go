package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/opencanvas/genstudio-api/internal/domain"
)

// TransitionFields carries the optional field writes that accompany a task
// status transition. Nil fields are left untouched. Progress writes are
// clamped to be monotonically non-decreasing by the store; the remote
// handle is only written if the task has none yet.
type TransitionFields struct {
	Progress     *int
	RemoteHandle *string
	ResultURL    *string
	ErrorMessage *string
}

// TaskStore defines the interface for persisting generation tasks. It is
// the single source of truth for task state; the compare-and-set
// Transition is the subsystem's only concurrency-safety mechanism.
type TaskStore interface {
	// Create persists a new task in PENDING state together with its
	// admission charge record. Fails with a domain.ErrValidation wrap on a
	// malformed spec and ErrDuplicateSubmission when the owner's
	// idempotency key already has a task.
	Create(ctx context.Context, spec *domain.JobSpec, charge domain.ChargeRecord) (*domain.Task, error)

	// Transition atomically moves a task from expected to next, applying
	// fields, if and only if the task's current status equals expected.
	// Returns false (with nil error) when the compare-and-set loses —
	// someone else already moved the task — in which case the caller must
	// stop writing. Illegal state-machine edges fail with an error.
	Transition(
		ctx context.Context,
		taskID uuid.UUID,
		expected, next domain.TaskStatus,
		fields TransitionFields,
	) (bool, error)

	// GetByID retrieves a task by its ID. Fails with ErrTaskNotFound.
	GetByID(ctx context.Context, taskID uuid.UUID) (*domain.Task, error)

	// ListByUser returns the user's most recent tasks, newest first,
	// projected to summaries (large fields excluded).
	ListByUser(ctx context.Context, userID string, limit int) ([]domain.TaskSummary, error)

	// FindByIdempotencyKey returns the task the owner previously created
	// under the given idempotency key, or ErrTaskNotFound when the key is
	// unused. Lets submission return the original task after a duplicate.
	FindByIdempotencyKey(ctx context.Context, userID, key string) (*domain.Task, error)

	// FindActiveByCorrelation returns the most recent PENDING or
	// PROCESSING task attached to the given correlation node, or nil when
	// there is none.
	FindActiveByCorrelation(ctx context.Context, userID, nodeID string) (*domain.Task, error)

	// ScanStale returns tasks still PENDING or PROCESSING whose updatedAt
	// is older than the given cutoff. Used only by the zombie reaper.
	ScanStale(ctx context.Context, olderThan time.Time) ([]*domain.Task, error)

	// CountActiveByUser returns the number of PENDING/PROCESSING tasks the
	// user currently has; admission uses it for the concurrency limit.
	CountActiveByUser(ctx context.Context, userID string) (int, error)

	// WithTx returns a TaskStore bound to the provided transaction so task
	// creation can share a transaction with the credit charge.
	WithTx(tx *sql.Tx) TaskStore
}
