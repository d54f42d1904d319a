package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/opencanvas/genstudio-api/internal/domain"
	"github.com/opencanvas/genstudio-api/internal/events"
	"github.com/opencanvas/genstudio-api/internal/platform/logger"
	"github.com/opencanvas/genstudio-api/internal/provider"
	"github.com/opencanvas/genstudio-api/internal/store"
)

// Launcher starts the background processing of an admitted task. Implemented
// by task.Supervisor.
type Launcher interface {
	Launch(ctx context.Context, t *domain.Task)
}

// SubmitResult is the outcome of a submission: the task, and whether it
// already existed under the request's idempotency key.
type SubmitResult struct {
	Task          *domain.Task
	AlreadyExists bool
}

// Orchestrator is the facade the API layer talks to. It owns the submission
// pipeline (admission, persistence, launch) and every read about tasks.
// Reads answer from the store only; the live polling state is invisible by
// design, so a response never depends on which process supervises the task.
type Orchestrator struct {
	tasks     store.TaskStore
	admission *Admission
	launcher  Launcher
	index     store.NodeTaskIndex
	registry  *provider.Registry
	sharing   ReadAccess
	emitter   events.EventEmitter
}

// NewOrchestrator creates an Orchestrator. The index may be nil when node
// correlation is not configured; sharing may be nil when no external sharing
// collaborator exists, which keeps reads owner-only; the emitter may be nil.
func NewOrchestrator(
	tasks store.TaskStore,
	admission *Admission,
	launcher Launcher,
	index store.NodeTaskIndex,
	registry *provider.Registry,
	sharing ReadAccess,
	emitter events.EventEmitter,
) *Orchestrator {
	return &Orchestrator{
		tasks:     tasks,
		admission: admission,
		launcher:  launcher,
		index:     index,
		registry:  registry,
		sharing:   sharing,
		emitter:   emitter,
	}
}

// Submit validates, admits, persists, and launches a generation task. On a
// duplicate idempotency key the original task is returned with
// AlreadyExists set and nothing is charged again.
func (o *Orchestrator) Submit(ctx context.Context, spec *domain.JobSpec) (*SubmitResult, error) {
	log := logger.FromContext(ctx)

	if err := spec.Validate(); err != nil {
		return nil, err
	}
	if _, err := o.registry.Get(spec.ProviderID); err != nil {
		return nil, err
	}

	charge, err := o.admission.Authorize(ctx, spec)
	if err != nil {
		if denied, ok := domain.IsPermissionDenied(err); ok {
			log.Info("submission denied",
				slog.String("owner_id", spec.OwnerID),
				slog.String("reason", string(denied.Reason)))
		}
		return nil, err
	}

	created, err := o.admission.Admit(ctx, spec, charge)
	if err != nil {
		if errors.Is(err, store.ErrDuplicateSubmission) && spec.IdempotencyKey != "" {
			existing, ferr := o.tasks.FindByIdempotencyKey(ctx, spec.OwnerID, spec.IdempotencyKey)
			if ferr != nil {
				return nil, fmt.Errorf("failed to load task for duplicate submission: %w", ferr)
			}
			log.Info("duplicate submission, returning original task",
				slog.String("task_id", existing.ID.String()))
			return &SubmitResult{Task: existing, AlreadyExists: true}, nil
		}
		return nil, err
	}

	if o.index != nil && created.CorrelationNodeID != "" {
		if err := o.index.Put(ctx, created.OwnerID, created.CorrelationNodeID,
			created.ID, store.DefaultNodeIndexTTL); err != nil {
			// The index is a cache; the store query path still works.
			log.Warn("failed to record node-task binding", slog.String("error", err.Error()))
		}
	}

	o.emit(ctx, events.TypeTaskSubmitted, created.ID, created.OwnerID)

	o.launcher.Launch(ctx, created)

	return &SubmitResult{Task: created}, nil
}

// GetStatus returns a task the caller may read: their own, or one the
// sharing collaborator grants access to. A configured collaborator owns the
// disclosure decision, so its denial reads as forbidden; without one,
// another user's task reads as not found so ids do not leak.
func (o *Orchestrator) GetStatus(
	ctx context.Context,
	userID string,
	taskID uuid.UUID,
) (*domain.Task, error) {
	t, err := o.tasks.GetByID(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if t.OwnerID == userID {
		return t, nil
	}

	if o.sharing != nil {
		allowed, err := o.sharing.CanRead(ctx, userID, t)
		if err != nil {
			return nil, fmt.Errorf("failed to check read access: %w", err)
		}
		if allowed {
			return t, nil
		}
		return nil, domain.ErrForbidden
	}

	return nil, fmt.Errorf("%w: %w", store.ErrTaskNotFound, ErrTaskNotOwned)
}

// ListTasks returns the caller's most recent tasks, newest first.
func (o *Orchestrator) ListTasks(
	ctx context.Context,
	userID string,
	limit int,
) ([]domain.TaskSummary, error) {
	return o.tasks.ListByUser(ctx, userID, limit)
}

// GetActiveForNode returns the caller's active task attached to the given
// canvas node, or nil when there is none. The index is consulted as a fast
// path but the store stays authoritative: a hit is verified, a miss falls
// back to the correlation query and repairs the binding.
func (o *Orchestrator) GetActiveForNode(
	ctx context.Context,
	userID, nodeID string,
) (*domain.Task, error) {
	if o.index != nil {
		taskID, err := o.index.Get(ctx, userID, nodeID)
		if err != nil {
			logger.FromContext(ctx).Warn("node-task index lookup failed",
				slog.String("error", err.Error()))
		} else if taskID != uuid.Nil {
			t, err := o.tasks.GetByID(ctx, taskID)
			if err == nil && t.OwnerID == userID && t.Status.IsActive() {
				return t, nil
			}
			if err != nil && !errors.Is(err, store.ErrTaskNotFound) {
				return nil, err
			}
			// Stale binding: drop it and fall through to the store.
			_ = o.index.Delete(ctx, userID, nodeID)
		}
	}

	t, err := o.tasks.FindActiveByCorrelation(ctx, userID, nodeID)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, nil
	}

	if o.index != nil {
		if err := o.index.Put(ctx, userID, nodeID, t.ID, store.DefaultNodeIndexTTL); err != nil {
			logger.FromContext(ctx).Warn("failed to repair node-task binding",
				slog.String("error", err.Error()))
		}
	}

	return t, nil
}

// ResolveNodes maps each of the caller's node ids to its active task id,
// omitting nodes with none. Used by clients reconnecting a whole canvas.
func (o *Orchestrator) ResolveNodes(
	ctx context.Context,
	userID string,
	nodeIDs []string,
) (map[string]uuid.UUID, error) {
	resolved := make(map[string]uuid.UUID, len(nodeIDs))

	var fromIndex map[string]uuid.UUID
	if o.index != nil {
		var err error
		fromIndex, err = o.index.GetBatch(ctx, userID, nodeIDs)
		if err != nil {
			logger.FromContext(ctx).Warn("node-task index batch lookup failed",
				slog.String("error", err.Error()))
			fromIndex = nil
		}
	}

	for _, nodeID := range nodeIDs {
		if taskID, ok := fromIndex[nodeID]; ok {
			t, err := o.tasks.GetByID(ctx, taskID)
			if err == nil && t.OwnerID == userID && t.Status.IsActive() {
				resolved[nodeID] = taskID
				continue
			}
		}

		t, err := o.tasks.FindActiveByCorrelation(ctx, userID, nodeID)
		if err != nil {
			return nil, err
		}
		if t != nil {
			resolved[nodeID] = t.ID
		}
	}

	return resolved, nil
}

// Cancel concludes the caller's active task as FAILURE and refunds its
// charge. The compare-and-set decides races against the supervisor and the
// reaper: only the winner refunds. The provider job is canceled best effort.
func (o *Orchestrator) Cancel(
	ctx context.Context,
	userID string,
	taskID uuid.UUID,
) (*domain.Task, error) {
	log := logger.FromContext(ctx)

	t, err := o.GetStatus(ctx, userID, taskID)
	if err != nil {
		return nil, err
	}
	if t.OwnerID != userID {
		// Shared read access never extends to cancellation.
		return nil, domain.ErrForbidden
	}
	if t.Status.IsTerminal() {
		return nil, ErrTaskNotActive
	}

	message := "canceled by user"
	won, err := o.tasks.Transition(ctx, taskID, t.Status, domain.TaskStatusFailure,
		store.TransitionFields{ErrorMessage: &message})
	if err != nil {
		return nil, fmt.Errorf("failed to cancel task: %w", err)
	}
	if !won {
		// The task moved while we looked at it; report the fresh state.
		return nil, ErrTaskNotActive
	}

	log.Info("task canceled",
		slog.String("task_id", taskID.String()),
		slog.String("owner_id", userID))
	o.emit(ctx, events.TypeTaskFailed, taskID, userID)

	if err := o.admission.RefundTask(ctx, taskID); err != nil {
		log.Error("failed to refund canceled task", slog.String("error", err.Error()))
	} else {
		o.emit(ctx, events.TypeTaskRefunded, taskID, userID)
	}

	if t.RemoteHandle != "" {
		if adapter, aerr := o.registry.Get(t.ProviderID); aerr == nil {
			if cerr := adapter.Cancel(ctx, t.RemoteHandle); cerr != nil &&
				!errors.Is(cerr, provider.ErrCancelNotSupported) {
				log.Warn("provider-side cancel failed", slog.String("error", cerr.Error()))
			}
		}
	}

	if o.index != nil && t.CorrelationNodeID != "" {
		_ = o.index.Delete(ctx, userID, t.CorrelationNodeID)
	}

	return o.tasks.GetByID(ctx, taskID)
}

func (o *Orchestrator) emit(ctx context.Context, eventType string, taskID uuid.UUID, ownerID string) {
	if o.emitter == nil {
		return
	}

	event, err := events.NewTaskLifecycleEvent(eventType, taskID, ownerID, nil)
	if err != nil {
		return
	}
	if err := o.emitter.EmitEvent(ctx, event); err != nil {
		logger.FromContext(ctx).Warn("lifecycle event handler failed",
			slog.String("event_type", eventType),
			slog.String("error", err.Error()))
	}
}
