package task

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/opencanvas/genstudio-api/internal/domain"
	"github.com/opencanvas/genstudio-api/internal/events"
	"github.com/opencanvas/genstudio-api/internal/store"
)

// Default reaper timings.
const (
	DefaultReaperInterval = 5 * time.Minute
	DefaultStaleThreshold = 30 * time.Minute
)

// Reaper periodically fails tasks stuck in an active state. A task goes
// stale when its supervisor goroutine died (crash, deploy) and stopped
// updating it; without the reaper such tasks would stay PENDING or
// PROCESSING forever and their owners would never get their credits back.
type Reaper struct {
	store    store.TaskStore
	refunder Refunder
	emitter  events.EventEmitter
	logger   *slog.Logger

	interval       time.Duration
	staleThreshold time.Duration
}

// NewReaper creates a Reaper. Zero durations fall back to the defaults.
func NewReaper(
	taskStore store.TaskStore,
	refunder Refunder,
	emitter events.EventEmitter,
	interval, staleThreshold time.Duration,
	log *slog.Logger,
) *Reaper {
	if interval <= 0 {
		interval = DefaultReaperInterval
	}
	if staleThreshold <= 0 {
		staleThreshold = DefaultStaleThreshold
	}
	if log == nil {
		log = slog.Default()
	}

	return &Reaper{
		store:          taskStore,
		refunder:       refunder,
		emitter:        emitter,
		logger:         log.With("component", "zombie_reaper"),
		interval:       interval,
		staleThreshold: staleThreshold,
	}
}

// Run sweeps on a ticker until the context is canceled. An immediate first
// sweep picks up tasks orphaned by the previous process.
func (r *Reaper) Run(ctx context.Context) {
	r.logger.Info("zombie reaper started",
		slog.Duration("interval", r.interval),
		slog.Duration("stale_threshold", r.staleThreshold))

	if _, err := r.Sweep(ctx); err != nil {
		r.logger.Error("initial sweep failed", slog.String("error", err.Error()))
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("zombie reaper stopped")
			return
		case <-ticker.C:
			if _, err := r.Sweep(ctx); err != nil {
				r.logger.Error("sweep failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Sweep fails every active task that has not been touched within the stale
// threshold and returns how many tasks it reaped. The compare-and-set keeps
// it safe to race a supervisor that is in fact still alive: whoever writes
// first wins, and a lost set is simply skipped.
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	cutoff := time.Now().UTC().Add(-r.staleThreshold)

	stale, err := r.store.ScanStale(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to scan for stale tasks: %w", err)
	}
	if len(stale) == 0 {
		return 0, nil
	}

	r.logger.Info("found stale tasks", slog.Int("count", len(stale)))

	var reaped int
	for _, t := range stale {
		message := fmt.Sprintf("task stalled in %s for over %s and was reaped",
			t.Status, r.staleThreshold)

		won, err := r.store.Transition(ctx, t.ID, t.Status, domain.TaskStatusFailure,
			store.TransitionFields{ErrorMessage: &message})
		if err != nil {
			r.logger.Error("failed to reap task",
				slog.String("task_id", t.ID.String()),
				slog.String("error", err.Error()))
			continue
		}
		if !won {
			// The supervisor (or a cancel) got there first.
			continue
		}

		reaped++
		r.logger.Warn("reaped stale task",
			slog.String("task_id", t.ID.String()),
			slog.String("owner_id", t.OwnerID),
			slog.String("was_status", string(t.Status)),
			slog.Time("last_update", t.UpdatedAt))

		r.emitEvent(ctx, events.TypeTaskFailed, t, map[string]string{"error": message})

		if err := r.refunder.RefundTask(ctx, t.ID); err != nil {
			r.logger.Error("failed to refund reaped task",
				slog.String("task_id", t.ID.String()),
				slog.String("error", err.Error()))
			continue
		}
		r.emitEvent(ctx, events.TypeTaskRefunded, t, nil)
	}

	if reaped > 0 {
		r.logger.Info("sweep finished", slog.Int("reaped", reaped))
	}

	return reaped, nil
}

func (r *Reaper) emitEvent(
	ctx context.Context,
	eventType string,
	t *domain.Task,
	payload interface{},
) {
	if r.emitter == nil {
		return
	}

	event, err := events.NewTaskLifecycleEvent(eventType, t.ID, t.OwnerID, payload)
	if err != nil {
		r.logger.Error("failed to build lifecycle event", slog.String("error", err.Error()))
		return
	}

	if err := r.emitter.EmitEvent(ctx, event); err != nil {
		r.logger.Warn("lifecycle event handler failed",
			slog.String("event_type", eventType),
			slog.String("error", err.Error()))
	}
}
