package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/opencanvas/genstudio-api/internal/domain"
	"github.com/opencanvas/genstudio-api/internal/store"
)

// taskColumns is the full column list for scanning a task row.
const taskColumns = `id, owner_id, kind, provider_id, status, progress, prompt,
	reference_inputs, remote_handle, result_url, error_message,
	correlation_node_id, metadata, credits_charged, is_free_usage,
	free_usage_remaining, refunded, created_at, updated_at, completed_at`

// PostgresTaskStore implements the store.TaskStore interface using PostgreSQL.
// The compare-and-set Transition is the only write path for task status, so
// every concurrent writer (supervisor, reaper, cancel) resolves races through
// the database rather than in memory.
type PostgresTaskStore struct {
	db store.DBTX
}

// NewPostgresTaskStore creates a new PostgresTaskStore.
func NewPostgresTaskStore(db store.DBTX) *PostgresTaskStore {
	return &PostgresTaskStore{
		db: db,
	}
}

// WithTx returns a new TaskStore bound to the given transaction, so task
// creation can share a transaction with the credit charge.
func (s *PostgresTaskStore) WithTx(tx *sql.Tx) store.TaskStore {
	return &PostgresTaskStore{db: tx}
}

// Create persists a new task in PENDING state together with its admission
// charge record. A duplicate (owner, idempotency key) pair maps to
// store.ErrDuplicateSubmission so the caller can return the original task.
func (s *PostgresTaskStore) Create(
	ctx context.Context,
	spec *domain.JobSpec,
	charge domain.ChargeRecord,
) (*domain.Task, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	t := &domain.Task{
		ID:                uuid.New(),
		OwnerID:           spec.OwnerID,
		Kind:              spec.Kind,
		ProviderID:        spec.ProviderID,
		Status:            domain.TaskStatusPending,
		Progress:          0,
		Prompt:            spec.Prompt,
		ReferenceInputs:   spec.ReferenceInputs,
		CorrelationNodeID: spec.CorrelationNodeID,
		Metadata:          spec.Metadata,
		Charge:            charge,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	refInputs, err := json.Marshal(t.ReferenceInputs)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal reference inputs: %w", err)
	}

	metadata, err := json.Marshal(t.Metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal task metadata: %w", err)
	}

	// A NULL idempotency key is exempt from the uniqueness constraint, so
	// key-less submissions never collide with each other.
	idemKey := sql.NullString{String: spec.IdempotencyKey, Valid: spec.IdempotencyKey != ""}

	query := `
		INSERT INTO tasks (
			id, owner_id, kind, provider_id, status, progress, prompt,
			reference_inputs, correlation_node_id, idempotency_key, metadata,
			credits_charged, is_free_usage, free_usage_remaining, refunded,
			created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`

	_, err = s.db.ExecContext(ctx, query,
		t.ID,
		t.OwnerID,
		t.Kind,
		t.ProviderID,
		t.Status,
		t.Progress,
		t.Prompt,
		refInputs,
		t.CorrelationNodeID,
		idemKey,
		metadata,
		charge.CreditsCharged,
		charge.IsFreeUsage,
		charge.FreeUsageRemaining,
		charge.Refunded,
		t.CreatedAt,
		t.UpdatedAt,
	)
	if err != nil {
		if IsUniqueViolation(err) {
			return nil, fmt.Errorf("%w: %v", store.ErrDuplicateSubmission, err)
		}
		return nil, fmt.Errorf("failed to create task: %w", MapError(err))
	}

	return t, nil
}

// Transition atomically moves a task from expected to next, applying fields,
// if and only if the task's current status still equals expected. The status
// guard in the WHERE clause is the compare-and-set: a zero rows-affected
// result means some other writer won and the caller must stop writing.
func (s *PostgresTaskStore) Transition(
	ctx context.Context,
	taskID uuid.UUID,
	expected, next domain.TaskStatus,
	fields store.TransitionFields,
) (bool, error) {
	if !expected.CanTransition(next) {
		return false, fmt.Errorf("%w: %s -> %s", domain.ErrIllegalTransition, expected, next)
	}

	now := time.Now().UTC()
	var completedAt *time.Time
	if next.IsTerminal() {
		completedAt = &now
	}

	// Progress only ever moves forward, and the remote handle is written at
	// most once; both are enforced here so racing writers cannot regress
	// either field.
	query := `
		UPDATE tasks
		SET status = $3,
			progress = GREATEST(progress, COALESCE($4, progress)),
			remote_handle = CASE
				WHEN remote_handle = '' THEN COALESCE($5, remote_handle)
				ELSE remote_handle
			END,
			result_url = COALESCE($6, result_url),
			error_message = COALESCE($7, error_message),
			completed_at = COALESCE(completed_at, $8),
			updated_at = $9
		WHERE id = $1 AND status = $2
	`

	result, err := s.db.ExecContext(ctx, query,
		taskID,
		expected,
		next,
		fields.Progress,
		fields.RemoteHandle,
		fields.ResultURL,
		fields.ErrorMessage,
		completedAt,
		now,
	)
	if err != nil {
		return false, fmt.Errorf("failed to transition task %s: %w", taskID, MapError(err))
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rowsAffected == 1, nil
}

// GetByID retrieves a task by its ID.
func (s *PostgresTaskStore) GetByID(ctx context.Context, taskID uuid.UUID) (*domain.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE id = $1`

	t, err := scanTask(s.db.QueryRowContext(ctx, query, taskID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrTaskNotFound
		}
		return nil, fmt.Errorf("failed to get task %s: %w", taskID, MapError(err))
	}

	return t, nil
}

// FindByIdempotencyKey returns the task the owner previously created under
// the given idempotency key.
func (s *PostgresTaskStore) FindByIdempotencyKey(
	ctx context.Context,
	userID, key string,
) (*domain.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks
		WHERE owner_id = $1 AND idempotency_key = $2`

	t, err := scanTask(s.db.QueryRowContext(ctx, query, userID, key))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrTaskNotFound
		}
		return nil, fmt.Errorf("failed to find task by idempotency key: %w", MapError(err))
	}

	return t, nil
}

// FindActiveByCorrelation returns the most recent PENDING or PROCESSING task
// attached to the given correlation node, or nil when there is none.
func (s *PostgresTaskStore) FindActiveByCorrelation(
	ctx context.Context,
	userID, nodeID string,
) (*domain.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks
		WHERE owner_id = $1
			AND correlation_node_id = $2
			AND status IN ($3, $4)
		ORDER BY created_at DESC
		LIMIT 1`

	t, err := scanTask(s.db.QueryRowContext(ctx, query,
		userID, nodeID, domain.TaskStatusPending, domain.TaskStatusProcessing))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find active task for node %s: %w", nodeID, MapError(err))
	}

	return t, nil
}

// ListByUser returns the user's most recent tasks, newest first, projected to
// summaries.
func (s *PostgresTaskStore) ListByUser(
	ctx context.Context,
	userID string,
	limit int,
) ([]domain.TaskSummary, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, kind, status, progress, prompt, result_url, error_message,
			created_at, completed_at
		FROM tasks
		WHERE owner_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`

	rows, err := s.db.QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks for user: %w", MapError(err))
	}
	defer func() { _ = rows.Close() }()

	var summaries []domain.TaskSummary
	for rows.Next() {
		var sum domain.TaskSummary
		var completedAt sql.NullTime

		if err := rows.Scan(
			&sum.ID,
			&sum.Kind,
			&sum.Status,
			&sum.Progress,
			&sum.Prompt,
			&sum.ResultURL,
			&sum.ErrorMessage,
			&sum.CreatedAt,
			&completedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan task summary row: %w", err)
		}

		if completedAt.Valid {
			t := completedAt.Time
			sum.CompletedAt = &t
		}

		summaries = append(summaries, sum)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating task summary rows: %w", err)
	}

	return summaries, nil
}

// ScanStale returns tasks still PENDING or PROCESSING whose updated_at is
// older than the given cutoff, oldest first. Only the zombie reaper calls
// this.
func (s *PostgresTaskStore) ScanStale(
	ctx context.Context,
	olderThan time.Time,
) ([]*domain.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks
		WHERE status IN ($1, $2) AND updated_at < $3
		ORDER BY updated_at ASC`

	rows, err := s.db.QueryContext(ctx, query,
		domain.TaskStatusPending, domain.TaskStatusProcessing, olderThan)
	if err != nil {
		return nil, fmt.Errorf("failed to scan stale tasks: %w", MapError(err))
	}
	defer func() { _ = rows.Close() }()

	var tasks []*domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan stale task row: %w", err)
		}
		tasks = append(tasks, t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating stale task rows: %w", err)
	}

	return tasks, nil
}

// CountActiveByUser returns the number of PENDING or PROCESSING tasks the
// user currently has.
func (s *PostgresTaskStore) CountActiveByUser(ctx context.Context, userID string) (int, error) {
	query := `SELECT COUNT(*) FROM tasks WHERE owner_id = $1 AND status IN ($2, $3)`

	var count int
	err := s.db.QueryRowContext(ctx, query,
		userID, domain.TaskStatusPending, domain.TaskStatusProcessing).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count active tasks for user: %w", MapError(err))
	}

	return count, nil
}

// rowScanner abstracts *sql.Row and *sql.Rows for scanTask.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanTask reads one full task row into a domain.Task.
func scanTask(row rowScanner) (*domain.Task, error) {
	var t domain.Task
	var refInputs, metadata []byte
	var completedAt sql.NullTime

	err := row.Scan(
		&t.ID,
		&t.OwnerID,
		&t.Kind,
		&t.ProviderID,
		&t.Status,
		&t.Progress,
		&t.Prompt,
		&refInputs,
		&t.RemoteHandle,
		&t.ResultURL,
		&t.ErrorMessage,
		&t.CorrelationNodeID,
		&metadata,
		&t.Charge.CreditsCharged,
		&t.Charge.IsFreeUsage,
		&t.Charge.FreeUsageRemaining,
		&t.Charge.Refunded,
		&t.CreatedAt,
		&t.UpdatedAt,
		&completedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(refInputs) > 0 {
		if err := json.Unmarshal(refInputs, &t.ReferenceInputs); err != nil {
			return nil, fmt.Errorf("failed to unmarshal reference inputs: %w", err)
		}
	}

	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &t.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal task metadata: %w", err)
		}
	}

	if completedAt.Valid {
		ts := completedAt.Time
		t.CompletedAt = &ts
	}

	return &t, nil
}
