// Package usertask maintains the per-user active-task slot in Redis. The
// SetIfAbsent primitive is the single linearization point for the "at most
// one active job per user" invariant while Redis is the coordination
// point.
package usertask

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// checkAndDelete deletes the slot only when it still holds the expected
// job id, so an admin override can never clobber a newer job's claim
const checkAndDelete = `
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`

// Index is the user -> active job id mapping
type Index struct {
	client func() *redis.Client
	ttl    time.Duration
}

// NewIndex creates the index with the configured slot TTL. client yields
// the current Redis client so the index follows reconnects.
func NewIndex(client func() *redis.Client, ttl time.Duration) *Index {
	return &Index{client: client, ttl: ttl}
}

// Key returns the Redis key of a user's slot
func Key(userID int64) string {
	return fmt.Sprintf("vedfolnir:user_active_task:%d", userID)
}

// SetIfAbsent atomically claims the user's slot for a job. Returns true
// only if the slot was empty (SET NX semantics).
func (i *Index) SetIfAbsent(ctx context.Context, userID int64, jobID string) (bool, error) {
	ok, err := i.client().SetNX(ctx, Key(userID), jobID, i.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to claim user task slot: %w", err)
	}
	return ok, nil
}

// Get returns the job id currently holding the user's slot, or "" when
// the slot is empty
func (i *Index) Get(ctx context.Context, userID int64) (string, error) {
	val, err := i.client().Get(ctx, Key(userID)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read user task slot: %w", err)
	}
	return val, nil
}

// Clear releases the user's slot unconditionally. Clearing an empty slot
// is a no-op.
func (i *Index) Clear(ctx context.Context, userID int64) error {
	if err := i.client().Del(ctx, Key(userID)).Err(); err != nil {
		return fmt.Errorf("failed to clear user task slot: %w", err)
	}
	return nil
}

// Extend refreshes the slot TTL for a long-running job
func (i *Index) Extend(ctx context.Context, userID int64, ttl time.Duration) error {
	ok, err := i.client().Expire(ctx, Key(userID), ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to extend user task slot: %w", err)
	}
	if !ok {
		return fmt.Errorf("user %d has no active task slot to extend", userID)
	}
	return nil
}

// ForceClear is the admin override: it deletes the slot only if it still
// maps to expectedJobID. Returns true if the slot was deleted.
func (i *Index) ForceClear(ctx context.Context, userID int64, expectedJobID string) (bool, error) {
	result, err := i.client().Eval(ctx, checkAndDelete, []string{Key(userID)}, expectedJobID).Result()
	if err != nil {
		return false, fmt.Errorf("failed to force-clear user task slot: %w", err)
	}
	deleted, _ := result.(int64)
	return deleted == 1, nil
}
