// Package provider defines the adapter contract between the task subsystem
// and external generation backends, plus the canonical status vocabulary all
// adapters translate into.
package provider

import (
	"context"
	"fmt"
	"sync"

	"github.com/opencanvas/genstudio-api/internal/domain"
)

// ProgressUnknown marks a poll result whose provider does not report
// progress; the stored progress value is left untouched.
const ProgressUnknown = -1

// PollResult is the canonical view of a remote job's state as reported by
// one poll. RawStatus keeps the provider's literal status string for logging.
type PollResult struct {
	State       State
	RawStatus   string
	Progress    int
	ArtifactURL string
	Message     string
}

// Adapter translates between the task subsystem and one external generation
// backend. Implementations must be safe for concurrent use: many polling
// goroutines share one adapter.
type Adapter interface {
	// ID returns the stable identifier tasks reference as provider_id.
	ID() string

	// Kind returns the artifact kind this adapter produces.
	Kind() domain.TaskKind

	// Submit starts a remote job for the task and returns the provider's
	// handle for it. Errors wrapped by Transient are worth retrying.
	Submit(ctx context.Context, t *domain.Task) (string, error)

	// Poll reports the remote job's current state.
	Poll(ctx context.Context, remoteHandle string) (PollResult, error)

	// Cancel asks the provider to stop the remote job. Best effort;
	// providers without a cancel API return ErrCancelNotSupported.
	Cancel(ctx context.Context, remoteHandle string) error
}

// Registry holds the configured adapters keyed by provider id.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry creates an empty adapter registry.
func NewRegistry() *Registry {
	return &Registry{
		adapters: make(map[string]Adapter),
	}
}

// Register adds an adapter under its ID. Registering the same id twice is a
// wiring bug and fails.
func (r *Registry) Register(a Adapter) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.adapters[a.ID()]; exists {
		return fmt.Errorf("provider %q already registered", a.ID())
	}
	r.adapters[a.ID()] = a

	return nil
}

// Get returns the adapter for the given provider id, or a
// domain.ErrUnknownProvider wrap when none is registered.
func (r *Registry) Get(providerID string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.adapters[providerID]
	if !ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownProvider, providerID)
	}

	return a, nil
}

// IDs returns the registered provider ids, for diagnostics.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.adapters))
	for id := range r.adapters {
		ids = append(ids, id)
	}

	return ids
}
