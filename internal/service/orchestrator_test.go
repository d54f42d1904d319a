package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencanvas/genstudio-api/internal/domain"
	"github.com/opencanvas/genstudio-api/internal/mocks"
	"github.com/opencanvas/genstudio-api/internal/platform/memindex"
	"github.com/opencanvas/genstudio-api/internal/provider"
	"github.com/opencanvas/genstudio-api/internal/store"
)

// recordingLauncher captures launched tasks instead of starting supervisors.
type recordingLauncher struct {
	mu    sync.Mutex
	tasks []*domain.Task
}

func (l *recordingLauncher) Launch(_ context.Context, t *domain.Task) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.tasks = append(l.tasks, t)
}

func (l *recordingLauncher) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.tasks)
}

type orchestratorFixture struct {
	orchestrator *Orchestrator
	tasks        *mocks.MemoryTaskStore
	ledger       *mocks.MemoryLedger
	adapter      *mocks.MockAdapter
	index        *memindex.NodeTaskIndex
	launcher     *recordingLauncher
}

func newOrchestratorFixture(t *testing.T) *orchestratorFixture {
	t.Helper()

	tasks := mocks.NewMemoryTaskStore()
	ledger := mocks.NewMemoryLedger()
	ledger.SetBalance("user-1", 100)

	adapter := &mocks.MockAdapter{}
	registry := provider.NewRegistry()
	require.NoError(t, registry.Register(adapter))

	index := memindex.New()
	launcher := &recordingLauncher{}
	admission := NewAdmission(nil, tasks, ledger, nil, AdmissionConfig{})

	return &orchestratorFixture{
		orchestrator: NewOrchestrator(tasks, admission, launcher, index, registry, nil, nil),
		tasks:        tasks,
		ledger:       ledger,
		adapter:      adapter,
		index:        index,
		launcher:     launcher,
	}
}

func TestSubmit_HappyPath(t *testing.T) {
	t.Parallel()

	f := newOrchestratorFixture(t)
	ctx := context.Background()

	spec := newJobSpec("user-1")
	spec.CorrelationNodeID = "node-7"

	result, err := f.orchestrator.Submit(ctx, spec)
	require.NoError(t, err)
	assert.False(t, result.AlreadyExists)
	assert.Equal(t, domain.TaskStatusPending, result.Task.Status)
	assert.Equal(t, 1, f.launcher.count())

	boundID, err := f.index.Get(ctx, "user-1", "node-7")
	require.NoError(t, err)
	assert.Equal(t, result.Task.ID, boundID)
}

func TestSubmit_InvalidSpec(t *testing.T) {
	t.Parallel()

	f := newOrchestratorFixture(t)

	spec := newJobSpec("user-1")
	spec.Prompt = ""

	_, err := f.orchestrator.Submit(context.Background(), spec)
	require.ErrorIs(t, err, domain.ErrValidation)
	assert.Equal(t, 0, f.launcher.count())
}

func TestSubmit_UnknownProvider(t *testing.T) {
	t.Parallel()

	f := newOrchestratorFixture(t)

	spec := newJobSpec("user-1")
	spec.ProviderID = "no-such-provider"

	_, err := f.orchestrator.Submit(context.Background(), spec)
	require.ErrorIs(t, err, domain.ErrUnknownProvider)

	// Rejection happens before admission; nothing was charged.
	balance, err := f.ledger.Balance(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, 100, balance)
}

func TestSubmit_DeniedDoesNotLaunch(t *testing.T) {
	t.Parallel()

	f := newOrchestratorFixture(t)

	spec := newJobSpec("user-2") // no balance, no free quota
	_, err := f.orchestrator.Submit(context.Background(), spec)
	requireDenied(t, err, domain.DenialQuotaExceeded)
	assert.Equal(t, 0, f.launcher.count())
}

func TestSubmit_DuplicateReturnsOriginalTask(t *testing.T) {
	t.Parallel()

	f := newOrchestratorFixture(t)
	ctx := context.Background()

	spec := newJobSpec("user-1")
	spec.IdempotencyKey = "retry-key-1"

	first, err := f.orchestrator.Submit(ctx, spec)
	require.NoError(t, err)

	second, err := f.orchestrator.Submit(ctx, spec)
	require.NoError(t, err)
	assert.True(t, second.AlreadyExists)
	assert.Equal(t, first.Task.ID, second.Task.ID)

	// The duplicate neither charged nor launched again.
	assert.Equal(t, 1, f.launcher.count())
	balance, err := f.ledger.Balance(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 100-f.orchestrator.admission.Price(domain.TaskKindImage), balance)
}

// readAccessFunc adapts a function to the ReadAccess collaborator contract.
type readAccessFunc func(ctx context.Context, callerID string, t *domain.Task) (bool, error)

func (f readAccessFunc) CanRead(ctx context.Context, callerID string, t *domain.Task) (bool, error) {
	return f(ctx, callerID, t)
}

func TestGetStatus_ScopedToOwner(t *testing.T) {
	t.Parallel()

	f := newOrchestratorFixture(t)
	ctx := context.Background()

	result, err := f.orchestrator.Submit(ctx, newJobSpec("user-1"))
	require.NoError(t, err)

	got, err := f.orchestrator.GetStatus(ctx, "user-1", result.Task.ID)
	require.NoError(t, err)
	assert.Equal(t, result.Task.ID, got.ID)

	// Without a sharing collaborator another user's lookup reads as not
	// found, not as forbidden, so task ids do not leak.
	_, err = f.orchestrator.GetStatus(ctx, "user-2", result.Task.ID)
	require.ErrorIs(t, err, store.ErrTaskNotFound)
	require.ErrorIs(t, err, ErrTaskNotOwned)
}

func TestGetStatus_SharedReadGranted(t *testing.T) {
	t.Parallel()

	f := newOrchestratorFixture(t)
	ctx := context.Background()

	result, err := f.orchestrator.Submit(ctx, newJobSpec("user-1"))
	require.NoError(t, err)

	f.orchestrator.sharing = readAccessFunc(
		func(_ context.Context, callerID string, t *domain.Task) (bool, error) {
			return callerID == "user-2" && t.OwnerID == "user-1", nil
		})

	got, err := f.orchestrator.GetStatus(ctx, "user-2", result.Task.ID)
	require.NoError(t, err)
	assert.Equal(t, result.Task.ID, got.ID)

	// The grant is per caller, not per task.
	_, err = f.orchestrator.GetStatus(ctx, "user-3", result.Task.ID)
	require.ErrorIs(t, err, domain.ErrForbidden)
}

func TestGetStatus_SharedReadDenied(t *testing.T) {
	t.Parallel()

	f := newOrchestratorFixture(t)
	ctx := context.Background()

	result, err := f.orchestrator.Submit(ctx, newJobSpec("user-1"))
	require.NoError(t, err)

	f.orchestrator.sharing = readAccessFunc(
		func(context.Context, string, *domain.Task) (bool, error) {
			return false, nil
		})

	_, err = f.orchestrator.GetStatus(ctx, "user-2", result.Task.ID)
	require.ErrorIs(t, err, domain.ErrForbidden)

	// The owner never goes through the collaborator.
	got, err := f.orchestrator.GetStatus(ctx, "user-1", result.Task.ID)
	require.NoError(t, err)
	assert.Equal(t, result.Task.ID, got.ID)
}

func TestListTasks(t *testing.T) {
	t.Parallel()

	f := newOrchestratorFixture(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := f.orchestrator.Submit(ctx, newJobSpec("user-1"))
		require.NoError(t, err)
	}

	summaries, err := f.orchestrator.ListTasks(ctx, "user-1", 2)
	require.NoError(t, err)
	assert.Len(t, summaries, 2)

	summaries, err = f.orchestrator.ListTasks(ctx, "user-2", 10)
	require.NoError(t, err)
	assert.Empty(t, summaries)
}

func TestGetActiveForNode_IndexMissFallsBackAndRepairs(t *testing.T) {
	t.Parallel()

	f := newOrchestratorFixture(t)
	ctx := context.Background()

	taskID := uuid.New()
	f.tasks.Seed(&domain.Task{
		ID:                taskID,
		OwnerID:           "user-1",
		Kind:              domain.TaskKindImage,
		Status:            domain.TaskStatusProcessing,
		CorrelationNodeID: "node-3",
		CreatedAt:         time.Now().UTC(),
		UpdatedAt:         time.Now().UTC(),
	})

	got, err := f.orchestrator.GetActiveForNode(ctx, "user-1", "node-3")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, taskID, got.ID)

	// The fallback repaired the binding for the next lookup.
	boundID, err := f.index.Get(ctx, "user-1", "node-3")
	require.NoError(t, err)
	assert.Equal(t, taskID, boundID)
}

func TestGetActiveForNode_StaleBindingDropped(t *testing.T) {
	t.Parallel()

	f := newOrchestratorFixture(t)
	ctx := context.Background()

	// The bound task has already concluded; the binding is stale.
	taskID := uuid.New()
	now := time.Now().UTC()
	f.tasks.Seed(&domain.Task{
		ID:                taskID,
		OwnerID:           "user-1",
		Kind:              domain.TaskKindImage,
		Status:            domain.TaskStatusSuccess,
		Progress:          100,
		ResultURL:         "https://artifacts.example.com/x.png",
		CorrelationNodeID: "node-3",
		CreatedAt:         now,
		UpdatedAt:         now,
		CompletedAt:       &now,
	})
	require.NoError(t, f.index.Put(ctx, "user-1", "node-3", taskID, 0))

	got, err := f.orchestrator.GetActiveForNode(ctx, "user-1", "node-3")
	require.NoError(t, err)
	assert.Nil(t, got)

	boundID, err := f.index.Get(ctx, "user-1", "node-3")
	require.NoError(t, err)
	assert.Equal(t, uuid.Nil, boundID, "stale binding should have been evicted")
}

func TestGetActiveForNode_NoActiveTask(t *testing.T) {
	t.Parallel()

	f := newOrchestratorFixture(t)

	got, err := f.orchestrator.GetActiveForNode(context.Background(), "user-1", "node-9")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestResolveNodes(t *testing.T) {
	t.Parallel()

	f := newOrchestratorFixture(t)
	ctx := context.Background()

	specA := newJobSpec("user-1")
	specA.CorrelationNodeID = "node-a"
	resultA, err := f.orchestrator.Submit(ctx, specA)
	require.NoError(t, err)

	specB := newJobSpec("user-1")
	specB.CorrelationNodeID = "node-b"
	resultB, err := f.orchestrator.Submit(ctx, specB)
	require.NoError(t, err)

	resolved, err := f.orchestrator.ResolveNodes(ctx, "user-1",
		[]string{"node-a", "node-b", "node-unbound"})
	require.NoError(t, err)
	assert.Equal(t, map[string]uuid.UUID{
		"node-a": resultA.Task.ID,
		"node-b": resultB.Task.ID,
	}, resolved)
}

func TestCancel_ActiveTask(t *testing.T) {
	t.Parallel()

	f := newOrchestratorFixture(t)
	ctx := context.Background()

	taskID := uuid.New()
	now := time.Now().UTC()
	f.tasks.Seed(&domain.Task{
		ID:                taskID,
		OwnerID:           "user-1",
		Kind:              domain.TaskKindImage,
		ProviderID:        f.adapter.ID(),
		Status:            domain.TaskStatusProcessing,
		RemoteHandle:      "remote-1",
		CorrelationNodeID: "node-1",
		CreatedAt:         now,
		UpdatedAt:         now,
	})
	require.NoError(t, f.index.Put(ctx, "user-1", "node-1", taskID, 0))

	canceled, err := f.orchestrator.Cancel(ctx, "user-1", taskID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusFailure, canceled.Status)
	assert.Equal(t, "canceled by user", canceled.ErrorMessage)
	assert.NotNil(t, canceled.CompletedAt)

	assert.Equal(t, 1, f.ledger.RefundCalls.Count)
	assert.Equal(t, []string{"remote-1"}, f.adapter.CancelCalls.Handles)

	boundID, err := f.index.Get(ctx, "user-1", "node-1")
	require.NoError(t, err)
	assert.Equal(t, uuid.Nil, boundID)
}

func TestCancel_TerminalTask(t *testing.T) {
	t.Parallel()

	f := newOrchestratorFixture(t)
	ctx := context.Background()

	taskID := uuid.New()
	now := time.Now().UTC()
	f.tasks.Seed(&domain.Task{
		ID:          taskID,
		OwnerID:     "user-1",
		Kind:        domain.TaskKindImage,
		Status:      domain.TaskStatusSuccess,
		Progress:    100,
		ResultURL:   "https://artifacts.example.com/x.png",
		CreatedAt:   now,
		UpdatedAt:   now,
		CompletedAt: &now,
	})

	_, err := f.orchestrator.Cancel(ctx, "user-1", taskID)
	require.ErrorIs(t, err, ErrTaskNotActive)
	assert.Equal(t, 0, f.ledger.RefundCalls.Count)
}

func TestCancel_LosesRaceAgainstConclusion(t *testing.T) {
	t.Parallel()

	f := newOrchestratorFixture(t)
	ctx := context.Background()

	taskID := uuid.New()
	now := time.Now().UTC()
	f.tasks.Seed(&domain.Task{
		ID:           taskID,
		OwnerID:      "user-1",
		Kind:         domain.TaskKindImage,
		Status:       domain.TaskStatusProcessing,
		RemoteHandle: "remote-1",
		CreatedAt:    now,
		UpdatedAt:    now,
	})

	// The supervisor concludes the task between our read and our write.
	f.tasks.TransitionFn = func(
		tctx context.Context,
		id uuid.UUID,
		expected, next domain.TaskStatus,
		fields store.TransitionFields,
	) (bool, error) {
		f.tasks.TransitionFn = nil
		url := "https://artifacts.example.com/x.png"
		progress := 100
		won, err := f.tasks.Transition(tctx, id, domain.TaskStatusProcessing,
			domain.TaskStatusSuccess, store.TransitionFields{Progress: &progress, ResultURL: &url})
		require.NoError(t, err)
		require.True(t, won)
		return f.tasks.Transition(tctx, id, expected, next, fields)
	}

	_, err := f.orchestrator.Cancel(ctx, "user-1", taskID)
	require.ErrorIs(t, err, ErrTaskNotActive)
	assert.Equal(t, 0, f.ledger.RefundCalls.Count, "the loser of the race must not refund")
}

func TestCancel_OtherUsersTask(t *testing.T) {
	t.Parallel()

	f := newOrchestratorFixture(t)
	ctx := context.Background()

	result, err := f.orchestrator.Submit(ctx, newJobSpec("user-1"))
	require.NoError(t, err)

	_, err = f.orchestrator.Cancel(ctx, "user-2", result.Task.ID)
	require.ErrorIs(t, err, store.ErrTaskNotFound)
}

func TestCancel_SharedReaderCannotCancel(t *testing.T) {
	t.Parallel()

	f := newOrchestratorFixture(t)
	ctx := context.Background()

	result, err := f.orchestrator.Submit(ctx, newJobSpec("user-1"))
	require.NoError(t, err)

	f.orchestrator.sharing = readAccessFunc(
		func(context.Context, string, *domain.Task) (bool, error) {
			return true, nil
		})

	_, err = f.orchestrator.Cancel(ctx, "user-2", result.Task.ID)
	require.ErrorIs(t, err, domain.ErrForbidden)
	assert.Equal(t, 0, f.ledger.RefundCalls.Count)

	got, err := f.tasks.GetByID(ctx, result.Task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusPending, got.Status, "the task must stay untouched")
}
