package task

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencanvas/genstudio-api/internal/domain"
	"github.com/opencanvas/genstudio-api/internal/events"
	"github.com/opencanvas/genstudio-api/internal/mocks"
	"github.com/opencanvas/genstudio-api/internal/provider"
	"github.com/opencanvas/genstudio-api/internal/store"
)

// testLogger returns a logger that discards output.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// recordingHandler captures emitted lifecycle event types.
type recordingHandler struct {
	mu    sync.Mutex
	types []string
}

func (h *recordingHandler) HandleEvent(_ context.Context, e *events.TaskLifecycleEvent) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.types = append(h.types, e.Type)
	return nil
}

func (h *recordingHandler) seen(eventType string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, t := range h.types {
		if t == eventType {
			return true
		}
	}
	return false
}

// fastConfig returns budgets small enough for tests to finish quickly.
func fastConfig() SupervisorConfig {
	return SupervisorConfig{
		MaxConcurrent:       4,
		PollInterval:        2 * time.Millisecond,
		MaxPollAttempts:     200,
		SubmitAttempts:      3,
		SubmitRetryDelay:    time.Millisecond,
		TransientFailureCap: 3,
		UnknownStatusCap:    5,
		MissingArtifactCap:  5,
	}
}

// newTestTask seeds a PENDING task into the store and returns it.
func newTestTask(t *testing.T, taskStore *mocks.MemoryTaskStore, providerID string) *domain.Task {
	t.Helper()

	created, err := taskStore.Create(context.Background(), &domain.JobSpec{
		OwnerID:    "user-1",
		Kind:       domain.TaskKindImage,
		ProviderID: providerID,
		Prompt:     "a lighthouse at dusk",
	}, domain.ChargeRecord{CreditsCharged: 10})
	require.NoError(t, err)
	return created
}

// waitForTerminal blocks until the task reaches a terminal state.
func waitForTerminal(
	t *testing.T,
	taskStore *mocks.MemoryTaskStore,
	taskID uuid.UUID,
) *domain.Task {
	t.Helper()

	var final *domain.Task
	require.Eventually(t, func() bool {
		got, err := taskStore.GetByID(context.Background(), taskID)
		if err != nil {
			return false
		}
		if got.Status.IsTerminal() {
			final = got
			return true
		}
		return false
	}, 5*time.Second, time.Millisecond)

	return final
}

func newTestSupervisor(
	t *testing.T,
	taskStore *mocks.MemoryTaskStore,
	adapter *mocks.MockAdapter,
	refunder *mocks.MockRefunder,
	handler *recordingHandler,
) *Supervisor {
	t.Helper()

	registry := provider.NewRegistry()
	require.NoError(t, registry.Register(adapter))

	emitter := events.NewInMemoryEventEmitter(testLogger())
	if handler != nil {
		emitter.RegisterHandler(handler)
	}

	s := NewSupervisor(taskStore, registry, refunder, nil, emitter, fastConfig(), testLogger())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	})

	return s
}

func TestSupervisor_HappyPath(t *testing.T) {
	t.Parallel()

	taskStore := mocks.NewMemoryTaskStore()
	refunder := &mocks.MockRefunder{}
	handler := &recordingHandler{}
	adapter := &mocks.MockAdapter{
		PollScript: []provider.PollResult{
			{State: provider.StatePending, RawStatus: "running", Progress: 30},
			{State: provider.StatePending, RawStatus: "running", Progress: 70},
			{State: provider.StateSuccess, RawStatus: "succeeded", Progress: 100,
				ArtifactURL: "https://cdn.example.com/out.png"},
		},
	}

	s := newTestSupervisor(t, taskStore, adapter, refunder, handler)
	created := newTestTask(t, taskStore, adapter.ID())

	s.Launch(context.Background(), created)
	final := waitForTerminal(t, taskStore, created.ID)

	assert.Equal(t, domain.TaskStatusSuccess, final.Status)
	assert.Equal(t, 100, final.Progress)
	assert.Equal(t, "https://cdn.example.com/out.png", final.ResultURL)
	assert.Empty(t, final.ErrorMessage)
	assert.NotNil(t, final.CompletedAt)
	assert.NotEmpty(t, final.RemoteHandle)

	assert.Equal(t, 0, refunder.Count(), "successful tasks are never refunded")
	assert.True(t, handler.seen(events.TypeTaskProcessing))
	assert.True(t, handler.seen(events.TypeTaskSucceeded))
	assert.False(t, handler.seen(events.TypeTaskFailed))
}

func TestSupervisor_SubmissionExhaustsRetries(t *testing.T) {
	t.Parallel()

	taskStore := mocks.NewMemoryTaskStore()
	refunder := &mocks.MockRefunder{}
	handler := &recordingHandler{}
	adapter := &mocks.MockAdapter{
		SubmitFn: func(context.Context, *domain.Task) (string, error) {
			return "", provider.Transient(errors.New("connection refused"))
		},
	}

	s := newTestSupervisor(t, taskStore, adapter, refunder, handler)
	created := newTestTask(t, taskStore, adapter.ID())

	s.Launch(context.Background(), created)
	final := waitForTerminal(t, taskStore, created.ID)

	assert.Equal(t, domain.TaskStatusFailure, final.Status)
	assert.Contains(t, final.ErrorMessage, "submission failed")
	assert.Empty(t, final.ResultURL)

	assert.Equal(t, 3, adapter.SubmitCalls.Count, "fixed submission retry budget")
	assert.Equal(t, 1, refunder.Count(), "failed submission refunds exactly once")
	assert.True(t, handler.seen(events.TypeTaskFailed))
	assert.True(t, handler.seen(events.TypeTaskRefunded))
}

func TestSupervisor_PermanentSubmissionErrorDoesNotRetry(t *testing.T) {
	t.Parallel()

	taskStore := mocks.NewMemoryTaskStore()
	refunder := &mocks.MockRefunder{}
	adapter := &mocks.MockAdapter{
		SubmitFn: func(context.Context, *domain.Task) (string, error) {
			return "", errors.New("prompt rejected by provider")
		},
	}

	s := newTestSupervisor(t, taskStore, adapter, refunder, nil)
	created := newTestTask(t, taskStore, adapter.ID())

	s.Launch(context.Background(), created)
	final := waitForTerminal(t, taskStore, created.ID)

	assert.Equal(t, domain.TaskStatusFailure, final.Status)
	assert.Equal(t, 1, adapter.SubmitCalls.Count, "permanent errors skip the retry budget")
	assert.Equal(t, 1, refunder.Count())
}

func TestSupervisor_BusinessFailure(t *testing.T) {
	t.Parallel()

	taskStore := mocks.NewMemoryTaskStore()
	refunder := &mocks.MockRefunder{}
	adapter := &mocks.MockAdapter{
		PollScript: []provider.PollResult{
			{State: provider.StatePending, RawStatus: "running"},
			{State: provider.StateBusinessFailure, RawStatus: "failed",
				Message: "content policy violation"},
		},
	}

	s := newTestSupervisor(t, taskStore, adapter, refunder, nil)
	created := newTestTask(t, taskStore, adapter.ID())

	s.Launch(context.Background(), created)
	final := waitForTerminal(t, taskStore, created.ID)

	assert.Equal(t, domain.TaskStatusFailure, final.Status)
	assert.Equal(t, "content policy violation", final.ErrorMessage)
	assert.Empty(t, final.ResultURL)
	assert.Equal(t, 1, refunder.Count())
}

func TestSupervisor_TransientPollFailureBudget(t *testing.T) {
	t.Parallel()

	taskStore := mocks.NewMemoryTaskStore()
	refunder := &mocks.MockRefunder{}
	adapter := &mocks.MockAdapter{
		PollFn: func(context.Context, string) (provider.PollResult, error) {
			return provider.PollResult{}, provider.Transient(errors.New("gateway timeout"))
		},
	}

	s := newTestSupervisor(t, taskStore, adapter, refunder, nil)
	created := newTestTask(t, taskStore, adapter.ID())

	s.Launch(context.Background(), created)
	final := waitForTerminal(t, taskStore, created.ID)

	assert.Equal(t, domain.TaskStatusFailure, final.Status)
	assert.Contains(t, final.ErrorMessage, "unreachable")
	assert.Equal(t, 3, adapter.PollCalls.Count, "three consecutive transient failures end the task")
	assert.Equal(t, 1, refunder.Count())
}

func TestSupervisor_TransientFailuresResetOnSuccess(t *testing.T) {
	t.Parallel()

	taskStore := mocks.NewMemoryTaskStore()
	refunder := &mocks.MockRefunder{}

	// Two transient failures, a good poll, two more failures, then success.
	// The counter resets on the good poll, so the budget of three is never
	// exhausted.
	responses := []func() (provider.PollResult, error){
		func() (provider.PollResult, error) {
			return provider.PollResult{}, provider.Transient(errors.New("timeout"))
		},
		func() (provider.PollResult, error) {
			return provider.PollResult{}, provider.Transient(errors.New("timeout"))
		},
		func() (provider.PollResult, error) {
			return provider.PollResult{State: provider.StatePending, RawStatus: "running"}, nil
		},
		func() (provider.PollResult, error) {
			return provider.PollResult{}, provider.Transient(errors.New("timeout"))
		},
		func() (provider.PollResult, error) {
			return provider.PollResult{}, provider.Transient(errors.New("timeout"))
		},
		func() (provider.PollResult, error) {
			return provider.PollResult{
				State: provider.StateSuccess, RawStatus: "succeeded",
				ArtifactURL: "https://cdn.example.com/out.png",
			}, nil
		},
	}

	var mu sync.Mutex
	call := 0
	adapter := &mocks.MockAdapter{
		PollFn: func(context.Context, string) (provider.PollResult, error) {
			mu.Lock()
			idx := call
			if call < len(responses)-1 {
				call++
			}
			mu.Unlock()
			return responses[idx]()
		},
	}

	s := newTestSupervisor(t, taskStore, adapter, refunder, nil)
	created := newTestTask(t, taskStore, adapter.ID())

	s.Launch(context.Background(), created)
	final := waitForTerminal(t, taskStore, created.ID)

	assert.Equal(t, domain.TaskStatusSuccess, final.Status)
	assert.Equal(t, 0, refunder.Count())
}

func TestSupervisor_UnknownStatusBudget(t *testing.T) {
	t.Parallel()

	taskStore := mocks.NewMemoryTaskStore()
	refunder := &mocks.MockRefunder{}
	adapter := &mocks.MockAdapter{
		PollScript: []provider.PollResult{
			{State: provider.StateUnknown, RawStatus: "phase_3_of_9"},
		},
	}

	s := newTestSupervisor(t, taskStore, adapter, refunder, nil)
	created := newTestTask(t, taskStore, adapter.ID())

	s.Launch(context.Background(), created)
	final := waitForTerminal(t, taskStore, created.ID)

	assert.Equal(t, domain.TaskStatusFailure, final.Status)
	assert.Contains(t, final.ErrorMessage, "unknown state")
	assert.Contains(t, final.ErrorMessage, "phase_3_of_9")
	assert.Equal(t, 5, adapter.PollCalls.Count, "five consecutive unknown statuses end the task")
	assert.Equal(t, 1, refunder.Count())
}

func TestSupervisor_PollAttemptCeiling(t *testing.T) {
	t.Parallel()

	taskStore := mocks.NewMemoryTaskStore()
	refunder := &mocks.MockRefunder{}
	adapter := &mocks.MockAdapter{
		PollScript: []provider.PollResult{
			{State: provider.StatePending, RawStatus: "running"},
		},
	}

	registry := provider.NewRegistry()
	require.NoError(t, registry.Register(adapter))

	cfg := fastConfig()
	cfg.MaxPollAttempts = 3

	s := NewSupervisor(taskStore, registry, refunder, nil,
		events.NewInMemoryEventEmitter(testLogger()), cfg, testLogger())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	})

	created := newTestTask(t, taskStore, adapter.ID())

	s.Launch(context.Background(), created)
	final := waitForTerminal(t, taskStore, created.ID)

	assert.Equal(t, domain.TaskStatusFailure, final.Status)
	assert.Contains(t, final.ErrorMessage, "timeout")
	assert.Equal(t, 3, adapter.PollCalls.Count, "the attempt ceiling stops polling")
	assert.Equal(t, 1, refunder.Count(), "a timed-out task refunds exactly once")
}

func TestSupervisor_SuccessWithoutArtifactBudget(t *testing.T) {
	t.Parallel()

	taskStore := mocks.NewMemoryTaskStore()
	refunder := &mocks.MockRefunder{}
	adapter := &mocks.MockAdapter{
		PollScript: []provider.PollResult{
			{State: provider.StateSuccess, RawStatus: "succeeded"},
		},
	}

	s := newTestSupervisor(t, taskStore, adapter, refunder, nil)
	created := newTestTask(t, taskStore, adapter.ID())

	s.Launch(context.Background(), created)
	final := waitForTerminal(t, taskStore, created.ID)

	assert.Equal(t, domain.TaskStatusFailure, final.Status)
	assert.Contains(t, final.ErrorMessage, "artifact")
	assert.Equal(t, 1, refunder.Count())
}

func TestSupervisor_SuccessAfterMissingArtifact(t *testing.T) {
	t.Parallel()

	taskStore := mocks.NewMemoryTaskStore()
	refunder := &mocks.MockRefunder{}
	adapter := &mocks.MockAdapter{
		PollScript: []provider.PollResult{
			{State: provider.StateSuccess, RawStatus: "succeeded"},
			{State: provider.StateSuccess, RawStatus: "succeeded"},
			{State: provider.StateSuccess, RawStatus: "succeeded",
				ArtifactURL: "https://cdn.example.com/late.png"},
		},
	}

	s := newTestSupervisor(t, taskStore, adapter, refunder, nil)
	created := newTestTask(t, taskStore, adapter.ID())

	s.Launch(context.Background(), created)
	final := waitForTerminal(t, taskStore, created.ID)

	assert.Equal(t, domain.TaskStatusSuccess, final.Status)
	assert.Equal(t, "https://cdn.example.com/late.png", final.ResultURL)
	assert.Equal(t, 0, refunder.Count())
}

func TestSupervisor_StopsWhenTaskConcludedElsewhere(t *testing.T) {
	t.Parallel()

	taskStore := mocks.NewMemoryTaskStore()
	refunder := &mocks.MockRefunder{}

	concluded := make(chan struct{})
	adapter := &mocks.MockAdapter{
		PollFn: func(context.Context, string) (provider.PollResult, error) {
			<-concluded
			return provider.PollResult{
				State: provider.StatePending, RawStatus: "running", Progress: 50,
			}, nil
		},
	}

	s := newTestSupervisor(t, taskStore, adapter, refunder, nil)
	created := newTestTask(t, taskStore, adapter.ID())

	s.Launch(context.Background(), created)

	// Wait for the supervisor to own the task, then conclude it out from
	// under the poll loop the way a cancel or the reaper would.
	require.Eventually(t, func() bool {
		got, err := taskStore.GetByID(context.Background(), created.ID)
		return err == nil && got.Status == domain.TaskStatusProcessing
	}, 5*time.Second, time.Millisecond)

	msg := "canceled by user"
	won, err := taskStore.Transition(context.Background(), created.ID,
		domain.TaskStatusProcessing, domain.TaskStatusFailure,
		store.TransitionFields{ErrorMessage: &msg})
	require.NoError(t, err)
	require.True(t, won)
	close(concluded)

	// The supervisor's next progress write loses its compare-and-set and
	// the loop exits without touching the task.
	require.Eventually(t, func() bool {
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		return s.Shutdown(ctx) == nil
	}, 5*time.Second, 10*time.Millisecond)

	final, err := taskStore.GetByID(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusFailure, final.Status)
	assert.Equal(t, msg, final.ErrorMessage)
	assert.Equal(t, 0, refunder.Count(), "the losing writer must not refund")
}

func TestSupervisor_UnknownProviderFailsTask(t *testing.T) {
	t.Parallel()

	taskStore := mocks.NewMemoryTaskStore()
	refunder := &mocks.MockRefunder{}
	adapter := &mocks.MockAdapter{}

	s := newTestSupervisor(t, taskStore, adapter, refunder, nil)
	created := newTestTask(t, taskStore, "no-such-provider")

	s.Launch(context.Background(), created)
	final := waitForTerminal(t, taskStore, created.ID)

	assert.Equal(t, domain.TaskStatusFailure, final.Status)
	assert.Contains(t, final.ErrorMessage, "no-such-provider")
	assert.Equal(t, 1, refunder.Count())
}
