package task

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opencanvas/genstudio-api/internal/domain"
	"github.com/opencanvas/genstudio-api/internal/events"
	"github.com/opencanvas/genstudio-api/internal/platform/logger"
	"github.com/opencanvas/genstudio-api/internal/provider"
	"github.com/opencanvas/genstudio-api/internal/redact"
	"github.com/opencanvas/genstudio-api/internal/store"
)

// Default budget values used when the config leaves them zero.
const (
	DefaultMaxConcurrent       = 32
	DefaultPollInterval        = 10 * time.Second
	DefaultMaxPollAttempts     = 600
	DefaultSubmitAttempts      = 3
	DefaultSubmitRetryDelay    = 2 * time.Second
	DefaultTransientFailureCap = 3
	DefaultUnknownStatusCap    = 5
	DefaultMissingArtifactCap  = 5
)

// SupervisorConfig holds the polling budgets. Every budget exists so that no
// task can stay active forever no matter how the provider misbehaves.
type SupervisorConfig struct {
	// MaxConcurrent bounds how many task goroutines poll at once.
	MaxConcurrent int

	// PollInterval is the delay between provider polls.
	PollInterval time.Duration

	// MaxPollAttempts is the hard ceiling on polls per task.
	MaxPollAttempts int

	// SubmitAttempts is the total number of submission tries.
	SubmitAttempts int

	// SubmitRetryDelay is the fixed delay between submission tries.
	SubmitRetryDelay time.Duration

	// TransientFailureCap is the number of consecutive failed poll calls
	// tolerated before the task is failed.
	TransientFailureCap int

	// UnknownStatusCap is the number of consecutive unrecognized provider
	// statuses tolerated before the task is failed.
	UnknownStatusCap int

	// MissingArtifactCap is the number of consecutive success-without-URL
	// polls tolerated before the task is failed.
	MissingArtifactCap int

	// Strategies is the ordered submission fallback chain. Empty means
	// direct submission only.
	Strategies []SubmissionStrategy
}

// withDefaults returns a copy of the config with zero values filled in.
func (c SupervisorConfig) withDefaults() SupervisorConfig {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = DefaultMaxConcurrent
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.MaxPollAttempts <= 0 {
		c.MaxPollAttempts = DefaultMaxPollAttempts
	}
	if c.SubmitAttempts <= 0 {
		c.SubmitAttempts = DefaultSubmitAttempts
	}
	if c.SubmitRetryDelay <= 0 {
		c.SubmitRetryDelay = DefaultSubmitRetryDelay
	}
	if c.TransientFailureCap <= 0 {
		c.TransientFailureCap = DefaultTransientFailureCap
	}
	if c.UnknownStatusCap <= 0 {
		c.UnknownStatusCap = DefaultUnknownStatusCap
	}
	if c.MissingArtifactCap <= 0 {
		c.MissingArtifactCap = DefaultMissingArtifactCap
	}
	if len(c.Strategies) == 0 {
		c.Strategies = []SubmissionStrategy{DirectSubmission{}}
	}
	return c
}

// Refunder credits back a failed task's charge. Implemented by the admission
// service so refunds share its transaction handling.
type Refunder interface {
	RefundTask(ctx context.Context, taskID uuid.UUID) error
}

// ArtifactMaterializer re-hosts a provider's artifact URL on storage the
// application controls before the task is marked SUCCESS. Optional: a nil
// materializer means provider URLs are stored as-is.
type ArtifactMaterializer interface {
	Materialize(ctx context.Context, t *domain.Task, providerURL string) (string, error)
}

// Supervisor owns the per-task polling goroutines. There is no shared work
// queue: each admitted task gets its own goroutine, bounded by a semaphore,
// and all interleaving with the reaper and cancellation is resolved by the
// store's compare-and-set transition.
type Supervisor struct {
	store        store.TaskStore
	registry     *provider.Registry
	refunder     Refunder
	materializer ArtifactMaterializer
	emitter      events.EventEmitter
	cfg          SupervisorConfig
	logger       *slog.Logger

	sem    chan struct{}
	wg     sync.WaitGroup
	root   context.Context
	cancel context.CancelFunc
}

// NewSupervisor creates a Supervisor. The materializer may be nil.
func NewSupervisor(
	taskStore store.TaskStore,
	registry *provider.Registry,
	refunder Refunder,
	materializer ArtifactMaterializer,
	emitter events.EventEmitter,
	cfg SupervisorConfig,
	log *slog.Logger,
) *Supervisor {
	cfg = cfg.withDefaults()
	if log == nil {
		log = slog.Default()
	}

	root, cancel := context.WithCancel(context.Background())

	return &Supervisor{
		store:        taskStore,
		registry:     registry,
		refunder:     refunder,
		materializer: materializer,
		emitter:      emitter,
		cfg:          cfg,
		logger:       log.With("component", "task_supervisor"),
		sem:          make(chan struct{}, cfg.MaxConcurrent),
		root:         root,
		cancel:       cancel,
	}
}

// Launch starts the polling goroutine for an admitted task. It returns
// immediately; the goroutine's lifetime is tied to the supervisor, not to
// the submitting request.
func (s *Supervisor) Launch(ctx context.Context, t *domain.Task) {
	// Request-scoped attributes travel with the task, but the request
	// context itself must not: the task outlives the HTTP call.
	log := logger.FromContext(ctx).With(
		slog.String("component", "task_supervisor"),
		slog.String("task_id", t.ID.String()),
		slog.String("provider_id", t.ProviderID),
	)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		select {
		case s.sem <- struct{}{}:
			defer func() { <-s.sem }()
		case <-s.root.Done():
			log.Warn("supervisor shutting down before task could start")
			return
		}

		runCtx := logger.WithLogger(s.root, log)
		s.run(runCtx, t)
	}()
}

// Shutdown stops accepting new work and waits for in-flight supervisors to
// notice cancellation, up to the context's deadline. Interrupted tasks stay
// PROCESSING and are recovered by the reaper.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.cancel()
	s.logger.Info("waiting for in-flight task supervisors to stop")

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("supervisor shutdown timed out: %w", ctx.Err())
	}
}

// run drives one task from submission to a terminal state.
func (s *Supervisor) run(ctx context.Context, t *domain.Task) {
	log := logger.FromContext(ctx)

	adapter, err := s.registry.Get(t.ProviderID)
	if err != nil {
		s.failTask(ctx, t.ID, t.OwnerID, domain.TaskStatusPending,
			fmt.Sprintf("unknown provider %q", t.ProviderID))
		return
	}

	handle, ok := s.submit(ctx, adapter, t)
	if !ok {
		return
	}

	log.Info("task submitted to provider", slog.String("remote_handle", handle))
	s.emit(ctx, events.TypeTaskProcessing, t.ID, t.OwnerID, nil)

	s.poll(ctx, adapter, t, handle)
}

// submit tries the provider submission within the retry budget and moves the
// task PENDING -> PROCESSING. Returns the remote handle and whether the task
// is now owned by the polling loop.
func (s *Supervisor) submit(
	ctx context.Context,
	adapter provider.Adapter,
	t *domain.Task,
) (string, bool) {
	log := logger.FromContext(ctx)

	var lastErr error
	for attempt := 1; attempt <= s.cfg.SubmitAttempts; attempt++ {
		handle, err := submitWithStrategies(ctx, s.cfg.Strategies, adapter, t)
		if err == nil {
			progress := 0
			won, terr := s.store.Transition(ctx, t.ID,
				domain.TaskStatusPending, domain.TaskStatusProcessing,
				store.TransitionFields{Progress: &progress, RemoteHandle: &handle})
			if terr != nil {
				log.Error("failed to record task submission", slog.String("error", terr.Error()))
				return "", false
			}
			if !won {
				// Someone (cancel, reaper) already moved the task; the
				// remote job is abandoned, best-effort canceled.
				log.Warn("lost submission race, abandoning remote job")
				_ = adapter.Cancel(ctx, handle)
				return "", false
			}
			return handle, true
		}

		lastErr = err
		if !provider.IsTransient(err) {
			break
		}

		log.Warn("provider submission failed",
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", s.cfg.SubmitAttempts),
			slog.String("error", redact.Error(err)))

		if attempt < s.cfg.SubmitAttempts {
			select {
			case <-time.After(s.cfg.SubmitRetryDelay):
			case <-ctx.Done():
				return "", false
			}
		}
	}

	s.failTask(ctx, t.ID, t.OwnerID, domain.TaskStatusPending,
		fmt.Sprintf("submission failed: %s", redact.Error(lastErr)))
	return "", false
}

// poll drives the PROCESSING phase until a terminal outcome or a budget runs
// out. Every budget violation ends in failTask, so the loop always
// terminates with the task in a terminal state unless another writer got
// there first.
func (s *Supervisor) poll(
	ctx context.Context,
	adapter provider.Adapter,
	t *domain.Task,
	handle string,
) {
	log := logger.FromContext(ctx)

	var (
		attempts        int
		transientFails  int
		unknownStatuses int
		missingArtifact int
	)

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Shutdown: leave the task PROCESSING for the reaper.
			log.Warn("polling interrupted by shutdown")
			return
		case <-ticker.C:
		}

		attempts++
		if attempts > s.cfg.MaxPollAttempts {
			s.failTask(ctx, t.ID, t.OwnerID, domain.TaskStatusProcessing,
				fmt.Sprintf("generation timeout: no terminal result within %d poll attempts", s.cfg.MaxPollAttempts))
			return
		}

		result, err := adapter.Poll(ctx, handle)
		if err != nil {
			if !provider.IsTransient(err) {
				s.failTask(ctx, t.ID, t.OwnerID, domain.TaskStatusProcessing,
					fmt.Sprintf("polling failed: %s", redact.Error(err)))
				return
			}

			transientFails++
			log.Warn("transient poll failure",
				slog.Int("consecutive", transientFails),
				slog.Int("cap", s.cfg.TransientFailureCap),
				slog.String("error", redact.Error(err)))

			if transientFails >= s.cfg.TransientFailureCap {
				s.failTask(ctx, t.ID, t.OwnerID, domain.TaskStatusProcessing,
					fmt.Sprintf("provider unreachable after %d consecutive poll failures", transientFails))
				return
			}
			continue
		}
		transientFails = 0

		switch result.State {
		case provider.StatePending:
			unknownStatuses = 0
			missingArtifact = 0
			if !s.recordProgress(ctx, t, result.Progress) {
				return
			}

		case provider.StateUnknown:
			unknownStatuses++
			log.Warn("unrecognized provider status",
				slog.String("raw_status", result.RawStatus),
				slog.Int("consecutive", unknownStatuses),
				slog.Int("cap", s.cfg.UnknownStatusCap))

			if unknownStatuses >= s.cfg.UnknownStatusCap {
				s.failTask(ctx, t.ID, t.OwnerID, domain.TaskStatusProcessing,
					fmt.Sprintf("provider reported unknown state %q %d times",
						result.RawStatus, unknownStatuses))
				return
			}

		case provider.StateSuccess:
			unknownStatuses = 0
			if result.ArtifactURL == "" {
				// Success with no artifact is treated as still-pending,
				// on its own budget: some providers briefly report done
				// before the artifact URL is available.
				missingArtifact++
				log.Warn("provider reported success without artifact",
					slog.Int("consecutive", missingArtifact),
					slog.Int("cap", s.cfg.MissingArtifactCap))

				if missingArtifact >= s.cfg.MissingArtifactCap {
					s.failTask(ctx, t.ID, t.OwnerID, domain.TaskStatusProcessing,
						"provider reported success but never produced an artifact URL")
					return
				}
				continue
			}

			s.succeedTask(ctx, t, result.ArtifactURL)
			return

		case provider.StateBusinessFailure:
			msg := result.Message
			if msg == "" {
				msg = fmt.Sprintf("provider reported status %q", result.RawStatus)
			}
			s.failTask(ctx, t.ID, t.OwnerID, domain.TaskStatusProcessing, redact.String(msg))
			return
		}
	}
}

// recordProgress writes a forward-only progress update. Returns false when
// the compare-and-set loses, meaning the task was concluded elsewhere and
// this goroutine must stop.
func (s *Supervisor) recordProgress(ctx context.Context, t *domain.Task, progress int) bool {
	if progress < 0 {
		return true
	}
	if progress > 99 {
		// 100 is reserved for the terminal SUCCESS write.
		progress = 99
	}

	won, err := s.store.Transition(ctx, t.ID,
		domain.TaskStatusProcessing, domain.TaskStatusProcessing,
		store.TransitionFields{Progress: &progress})
	if err != nil {
		logger.FromContext(ctx).Error("failed to record progress",
			slog.String("error", err.Error()))
		return true
	}
	if !won {
		logger.FromContext(ctx).Info("task concluded by another writer, stopping poll loop")
		return false
	}

	s.emit(ctx, events.TypeTaskProgress, t.ID, t.OwnerID, map[string]int{"progress": progress})
	return true
}

// succeedTask materializes the artifact and concludes the task as SUCCESS.
func (s *Supervisor) succeedTask(ctx context.Context, t *domain.Task, providerURL string) {
	log := logger.FromContext(ctx)

	finalURL := providerURL
	if s.materializer != nil {
		url, err := s.materializer.Materialize(ctx, t, providerURL)
		if err != nil {
			// The provider URL still works; durability is best effort.
			log.Warn("artifact materialization failed, storing provider URL",
				slog.String("error", redact.Error(err)))
		} else {
			finalURL = url
		}
	}

	progress := 100
	won, err := s.store.Transition(ctx, t.ID,
		domain.TaskStatusProcessing, domain.TaskStatusSuccess,
		store.TransitionFields{Progress: &progress, ResultURL: &finalURL})
	if err != nil {
		log.Error("failed to record task success", slog.String("error", err.Error()))
		return
	}
	if !won {
		log.Info("task concluded by another writer before success could be recorded")
		return
	}

	log.Info("task succeeded", slog.String("result_url", finalURL))
	s.emit(ctx, events.TypeTaskSucceeded, t.ID, t.OwnerID, map[string]string{"result_url": finalURL})
}

// failTask concludes the task as FAILURE and refunds its charge. Losing the
// compare-and-set means another writer concluded the task first; then
// neither the failure nor the refund belongs to this caller.
func (s *Supervisor) failTask(
	ctx context.Context,
	taskID uuid.UUID,
	ownerID string,
	expected domain.TaskStatus,
	message string,
) {
	log := logger.FromContext(ctx)

	won, err := s.store.Transition(ctx, taskID, expected, domain.TaskStatusFailure,
		store.TransitionFields{ErrorMessage: &message})
	if err != nil {
		log.Error("failed to record task failure",
			slog.String("error", err.Error()),
			slog.String("message", message))
		return
	}
	if !won {
		log.Info("task concluded by another writer before failure could be recorded")
		return
	}

	log.Info("task failed", slog.String("reason", message))
	s.emit(ctx, events.TypeTaskFailed, taskID, ownerID, map[string]string{"error": message})

	if err := s.refunder.RefundTask(ctx, taskID); err != nil {
		log.Error("failed to refund task charge", slog.String("error", err.Error()))
		return
	}
	s.emit(ctx, events.TypeTaskRefunded, taskID, ownerID, nil)
}

// emit publishes a lifecycle event, logging instead of failing the task when
// a handler errors.
func (s *Supervisor) emit(
	ctx context.Context,
	eventType string,
	taskID uuid.UUID,
	ownerID string,
	payload interface{},
) {
	if s.emitter == nil {
		return
	}

	event, err := events.NewTaskLifecycleEvent(eventType, taskID, ownerID, payload)
	if err != nil {
		logger.FromContext(ctx).Error("failed to build lifecycle event",
			slog.String("event_type", eventType),
			slog.String("error", err.Error()))
		return
	}

	if err := s.emitter.EmitEvent(ctx, event); err != nil {
		logger.FromContext(ctx).Warn("lifecycle event handler failed",
			slog.String("event_type", eventType),
			slog.String("error", err.Error()))
	}
}
