package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// DefaultNodeIndexTTL is how long a node->task binding survives without a
// refresh. Long enough for a client to reconnect after sleep, short enough
// that dead bindings age out.
const DefaultNodeIndexTTL = 24 * time.Hour

// NodeTaskIndex correlates a caller-side canvas node with its currently
// active task id so a disconnected client can rediscover and resume
// polling its own still-running work. It is a pure availability cache: no
// durability guarantee, misses are normal, and neither the polling
// supervisor nor the reaper ever consults it.
type NodeTaskIndex interface {
	// Put binds nodeID to taskID for the given TTL (DefaultNodeIndexTTL
	// when ttl is zero).
	Put(ctx context.Context, userID, nodeID string, taskID uuid.UUID, ttl time.Duration) error

	// Get returns the task id bound to nodeID, or uuid.Nil when there is
	// no live binding.
	Get(ctx context.Context, userID, nodeID string) (uuid.UUID, error)

	// GetBatch resolves several node ids at once; absent bindings are
	// simply missing from the result map.
	GetBatch(ctx context.Context, userID string, nodeIDs []string) (map[string]uuid.UUID, error)

	// Delete removes the binding for nodeID, if any.
	Delete(ctx context.Context, userID, nodeID string) error
}
