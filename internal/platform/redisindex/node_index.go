// Package redisindex implements the node-task index on Redis. The index is a
// pure availability cache: bindings expire via TTL, misses are normal, and a
// Redis outage degrades rediscovery without affecting task correctness.
package redisindex

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/opencanvas/genstudio-api/internal/platform/logger"
	"github.com/opencanvas/genstudio-api/internal/store"
)

// NodeTaskIndex implements store.NodeTaskIndex on a Redis client.
type NodeTaskIndex struct {
	client *redis.Client
}

// New creates a NodeTaskIndex backed by the given Redis client.
func New(client *redis.Client) *NodeTaskIndex {
	return &NodeTaskIndex{
		client: client,
	}
}

// indexKey builds the Redis key for a (user, node) binding.
func indexKey(userID, nodeID string) string {
	return fmt.Sprintf("node:task:%s:%s", userID, nodeID)
}

// Put binds nodeID to taskID for the given TTL.
func (i *NodeTaskIndex) Put(
	ctx context.Context,
	userID, nodeID string,
	taskID uuid.UUID,
	ttl time.Duration,
) error {
	if ttl <= 0 {
		ttl = store.DefaultNodeIndexTTL
	}

	if err := i.client.Set(ctx, indexKey(userID, nodeID), taskID.String(), ttl).Err(); err != nil {
		return fmt.Errorf("failed to store node-task binding: %w", err)
	}

	return nil
}

// Get returns the task id bound to nodeID, or uuid.Nil when there is no live
// binding. A corrupt value is treated as a miss and evicted.
func (i *NodeTaskIndex) Get(ctx context.Context, userID, nodeID string) (uuid.UUID, error) {
	val, err := i.client.Get(ctx, indexKey(userID, nodeID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return uuid.Nil, nil
		}
		return uuid.Nil, fmt.Errorf("failed to get node-task binding: %w", err)
	}

	taskID, err := uuid.Parse(val)
	if err != nil {
		logger.FromContext(ctx).Warn("evicting unparseable node-task binding",
			slog.String("node_id", nodeID),
			slog.String("value", val))
		_ = i.client.Del(ctx, indexKey(userID, nodeID)).Err()
		return uuid.Nil, nil
	}

	return taskID, nil
}

// GetBatch resolves several node ids at once; absent bindings are simply
// missing from the result map.
func (i *NodeTaskIndex) GetBatch(
	ctx context.Context,
	userID string,
	nodeIDs []string,
) (map[string]uuid.UUID, error) {
	if len(nodeIDs) == 0 {
		return map[string]uuid.UUID{}, nil
	}

	keys := make([]string, len(nodeIDs))
	for n, nodeID := range nodeIDs {
		keys[n] = indexKey(userID, nodeID)
	}

	vals, err := i.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to batch-get node-task bindings: %w", err)
	}

	result := make(map[string]uuid.UUID, len(nodeIDs))
	for n, val := range vals {
		s, ok := val.(string)
		if !ok {
			continue
		}
		taskID, err := uuid.Parse(s)
		if err != nil {
			continue
		}
		result[nodeIDs[n]] = taskID
	}

	return result, nil
}

// Delete removes the binding for nodeID, if any.
func (i *NodeTaskIndex) Delete(ctx context.Context, userID, nodeID string) error {
	if err := i.client.Del(ctx, indexKey(userID, nodeID)).Err(); err != nil {
		return fmt.Errorf("failed to delete node-task binding: %w", err)
	}

	return nil
}
