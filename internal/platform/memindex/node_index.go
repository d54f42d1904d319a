// Package memindex implements the node-task index as an in-process map. It
// serves deployments without Redis and tests; bindings expire lazily on read.
package memindex

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opencanvas/genstudio-api/internal/store"
)

type entry struct {
	taskID    uuid.UUID
	expiresAt time.Time
}

// NodeTaskIndex implements store.NodeTaskIndex with a mutex-guarded map.
type NodeTaskIndex struct {
	mu      sync.Mutex
	entries map[string]entry

	// now is overridable so tests can control expiry.
	now func() time.Time
}

// New creates an empty in-process NodeTaskIndex.
func New() *NodeTaskIndex {
	return &NodeTaskIndex{
		entries: make(map[string]entry),
		now:     time.Now,
	}
}

func key(userID, nodeID string) string {
	return userID + "/" + nodeID
}

// Put binds nodeID to taskID for the given TTL.
func (i *NodeTaskIndex) Put(
	_ context.Context,
	userID, nodeID string,
	taskID uuid.UUID,
	ttl time.Duration,
) error {
	if ttl <= 0 {
		ttl = store.DefaultNodeIndexTTL
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	i.entries[key(userID, nodeID)] = entry{
		taskID:    taskID,
		expiresAt: i.now().Add(ttl),
	}

	return nil
}

// Get returns the task id bound to nodeID, or uuid.Nil when the binding is
// absent or expired.
func (i *NodeTaskIndex) Get(_ context.Context, userID, nodeID string) (uuid.UUID, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.getLocked(userID, nodeID), nil
}

// GetBatch resolves several node ids at once; absent bindings are simply
// missing from the result map.
func (i *NodeTaskIndex) GetBatch(
	_ context.Context,
	userID string,
	nodeIDs []string,
) (map[string]uuid.UUID, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	result := make(map[string]uuid.UUID, len(nodeIDs))
	for _, nodeID := range nodeIDs {
		if taskID := i.getLocked(userID, nodeID); taskID != uuid.Nil {
			result[nodeID] = taskID
		}
	}

	return result, nil
}

// Delete removes the binding for nodeID, if any.
func (i *NodeTaskIndex) Delete(_ context.Context, userID, nodeID string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	delete(i.entries, key(userID, nodeID))

	return nil
}

// getLocked looks up a binding and lazily evicts it when expired. Callers
// must hold the mutex.
func (i *NodeTaskIndex) getLocked(userID, nodeID string) uuid.UUID {
	k := key(userID, nodeID)
	e, ok := i.entries[k]
	if !ok {
		return uuid.Nil
	}
	if !i.now().Before(e.expiresAt) {
		delete(i.entries, k)
		return uuid.Nil
	}
	return e.taskID
}
