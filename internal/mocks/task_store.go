package mocks

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opencanvas/genstudio-api/internal/domain"
	"github.com/opencanvas/genstudio-api/internal/store"
)

// MemoryTaskStore implements store.TaskStore in memory with the same
// compare-and-set semantics as the PostgreSQL store, so concurrency tests
// exercise real CAS races. Custom behavior functions override individual
// methods when set.
type MemoryTaskStore struct {
	mu    sync.Mutex
	tasks map[uuid.UUID]*domain.Task

	// Custom behavior functions
	CreateFn     func(ctx context.Context, spec *domain.JobSpec, charge domain.ChargeRecord) (*domain.Task, error)
	TransitionFn func(ctx context.Context, taskID uuid.UUID, expected, next domain.TaskStatus, fields store.TransitionFields) (bool, error)
	GetByIDFn    func(ctx context.Context, taskID uuid.UUID) (*domain.Task, error)

	// Call tracking for verification
	TransitionCalls struct {
		mu    sync.Mutex
		Count int
	}
}

// NewMemoryTaskStore creates an empty MemoryTaskStore.
func NewMemoryTaskStore() *MemoryTaskStore {
	return &MemoryTaskStore{
		tasks: make(map[uuid.UUID]*domain.Task),
	}
}

// Seed inserts a task directly, bypassing validation. Test setup only.
func (m *MemoryTaskStore) Seed(t *domain.Task) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *t
	m.tasks[t.ID] = &cp
}

// Create implements store.TaskStore.
func (m *MemoryTaskStore) Create(
	ctx context.Context,
	spec *domain.JobSpec,
	charge domain.ChargeRecord,
) (*domain.Task, error) {
	if m.CreateFn != nil {
		return m.CreateFn(ctx, spec, charge)
	}

	if err := spec.Validate(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if spec.IdempotencyKey != "" {
		for _, t := range m.tasks {
			if t.OwnerID == spec.OwnerID && t.Metadata != nil &&
				t.Metadata["idempotency_key"] == spec.IdempotencyKey {
				return nil, store.ErrDuplicateSubmission
			}
		}
	}

	now := time.Now().UTC()
	t := &domain.Task{
		ID:                uuid.New(),
		OwnerID:           spec.OwnerID,
		Kind:              spec.Kind,
		ProviderID:        spec.ProviderID,
		Status:            domain.TaskStatusPending,
		Prompt:            spec.Prompt,
		ReferenceInputs:   spec.ReferenceInputs,
		CorrelationNodeID: spec.CorrelationNodeID,
		Metadata:          map[string]any{},
		Charge:            charge,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	for k, v := range spec.Metadata {
		t.Metadata[k] = v
	}
	if spec.IdempotencyKey != "" {
		t.Metadata["idempotency_key"] = spec.IdempotencyKey
	}

	m.tasks[t.ID] = t
	cp := *t
	return &cp, nil
}

// Transition implements store.TaskStore with real compare-and-set behavior.
func (m *MemoryTaskStore) Transition(
	ctx context.Context,
	taskID uuid.UUID,
	expected, next domain.TaskStatus,
	fields store.TransitionFields,
) (bool, error) {
	m.TransitionCalls.mu.Lock()
	m.TransitionCalls.Count++
	m.TransitionCalls.mu.Unlock()

	if m.TransitionFn != nil {
		return m.TransitionFn(ctx, taskID, expected, next, fields)
	}

	if !expected.CanTransition(next) {
		return false, fmt.Errorf("%w: %s -> %s", domain.ErrIllegalTransition, expected, next)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[taskID]
	if !ok || t.Status != expected {
		return false, nil
	}

	now := time.Now().UTC()
	t.Status = next
	t.UpdatedAt = now

	if fields.Progress != nil && *fields.Progress > t.Progress {
		t.Progress = *fields.Progress
	}
	if fields.RemoteHandle != nil && t.RemoteHandle == "" {
		t.RemoteHandle = *fields.RemoteHandle
	}
	if fields.ResultURL != nil {
		t.ResultURL = *fields.ResultURL
	}
	if fields.ErrorMessage != nil {
		t.ErrorMessage = *fields.ErrorMessage
	}
	if next.IsTerminal() && t.CompletedAt == nil {
		t.CompletedAt = &now
	}

	return true, nil
}

// GetByID implements store.TaskStore.
func (m *MemoryTaskStore) GetByID(ctx context.Context, taskID uuid.UUID) (*domain.Task, error) {
	if m.GetByIDFn != nil {
		return m.GetByIDFn(ctx, taskID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[taskID]
	if !ok {
		return nil, store.ErrTaskNotFound
	}
	cp := *t
	return &cp, nil
}

// FindByIdempotencyKey implements store.TaskStore.
func (m *MemoryTaskStore) FindByIdempotencyKey(
	_ context.Context,
	userID, key string,
) (*domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, t := range m.tasks {
		if t.OwnerID == userID && t.Metadata != nil && t.Metadata["idempotency_key"] == key {
			cp := *t
			return &cp, nil
		}
	}
	return nil, store.ErrTaskNotFound
}

// FindActiveByCorrelation implements store.TaskStore.
func (m *MemoryTaskStore) FindActiveByCorrelation(
	_ context.Context,
	userID, nodeID string,
) (*domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var newest *domain.Task
	for _, t := range m.tasks {
		if t.OwnerID != userID || t.CorrelationNodeID != nodeID || !t.Status.IsActive() {
			continue
		}
		if newest == nil || t.CreatedAt.After(newest.CreatedAt) {
			newest = t
		}
	}
	if newest == nil {
		return nil, nil
	}
	cp := *newest
	return &cp, nil
}

// ListByUser implements store.TaskStore.
func (m *MemoryTaskStore) ListByUser(
	_ context.Context,
	userID string,
	limit int,
) ([]domain.TaskSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var summaries []domain.TaskSummary
	for _, t := range m.tasks {
		if t.OwnerID != userID {
			continue
		}
		summaries = append(summaries, domain.TaskSummary{
			ID:           t.ID,
			Kind:         t.Kind,
			Status:       t.Status,
			Progress:     t.Progress,
			Prompt:       t.Prompt,
			ResultURL:    t.ResultURL,
			ErrorMessage: t.ErrorMessage,
			CreatedAt:    t.CreatedAt,
			CompletedAt:  t.CompletedAt,
		})
	}

	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].CreatedAt.After(summaries[j].CreatedAt)
	})
	if limit > 0 && len(summaries) > limit {
		summaries = summaries[:limit]
	}

	return summaries, nil
}

// ScanStale implements store.TaskStore.
func (m *MemoryTaskStore) ScanStale(
	_ context.Context,
	olderThan time.Time,
) ([]*domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var stale []*domain.Task
	for _, t := range m.tasks {
		if t.Status.IsActive() && t.UpdatedAt.Before(olderThan) {
			cp := *t
			stale = append(stale, &cp)
		}
	}

	sort.Slice(stale, func(i, j int) bool {
		return stale[i].UpdatedAt.Before(stale[j].UpdatedAt)
	})

	return stale, nil
}

// CountActiveByUser implements store.TaskStore.
func (m *MemoryTaskStore) CountActiveByUser(_ context.Context, userID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for _, t := range m.tasks {
		if t.OwnerID == userID && t.Status.IsActive() {
			count++
		}
	}
	return count, nil
}

// WithTx implements store.TaskStore. The in-memory store has no real
// transactions; it returns itself.
func (m *MemoryTaskStore) WithTx(_ *sql.Tx) store.TaskStore {
	return m
}
