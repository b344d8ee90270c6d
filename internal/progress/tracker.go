// Package progress maintains the authoritative per-job progress state in
// Redis, mirrors it into the durable row, and pushes updates to
// subscribers. During a job's lifetime the Redis snapshot wins on
// conflict; after the terminal transition the durable row does.
package progress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/iolaire/vedfolnir-queue/internal/job"
	"github.com/iolaire/vedfolnir-queue/internal/logger"
	"github.com/iolaire/vedfolnir-queue/internal/store"
)

// ErrNotFound is returned for missing snapshots and for authorization
// failures alike, so callers cannot distinguish a foreign job from a
// nonexistent one
var ErrNotFound = errors.New("progress not found")

// Snapshot is the current progress of one job
type Snapshot struct {
	JobID     string          `json:"job_id"`
	WorkerID  string          `json:"worker_id,omitempty"`
	Step      string          `json:"step"`
	Percent   int             `json:"percent"`
	Details   json.RawMessage `json:"details,omitempty"`
	UpdatedAt time.Time       `json:"updated_at"`
	Source    string          `json:"source"`
}

// Tracker writes snapshots and fans them out
type Tracker struct {
	client      func() *redis.Client
	store       store.TaskStore
	hub         *Hub
	publisher   Publisher
	ttl         time.Duration
	terminalTTL time.Duration
	log         logger.Logger

	// ownerCache caches jobID -> userID for the duration of execution so
	// every update does not hit the durable store
	ownerCache sync.Map
}

// NewTracker creates the tracker. client yields the current Redis client
// so the tracker follows reconnects. publisher may be nil when only
// in-process subscribers exist (tests, single-process deployments).
func NewTracker(client func() *redis.Client, taskStore store.TaskStore, publisher Publisher, ttl, terminalTTL time.Duration, log logger.Logger) *Tracker {
	return &Tracker{
		client:      client,
		store:       taskStore,
		hub:         NewHub(),
		publisher:   publisher,
		ttl:         ttl,
		terminalTTL: terminalTTL,
		log:         log.WithComponent(logger.ComponentProgress),
	}
}

// Hub exposes the in-process subscriber hub
func (t *Tracker) Hub() *Hub {
	return t.hub
}

// Key returns the Redis key of a job's snapshot
func Key(jobID string) string {
	return "rq:progress:" + jobID
}

// UserKey returns the per-user listing key for a job's snapshot
func UserKey(userID int64, jobID string) string {
	return fmt.Sprintf("rq:user_progress:%d:%s", userID, jobID)
}

func (t *Tracker) owner(ctx context.Context, jobID string) (int64, error) {
	if v, ok := t.ownerCache.Load(jobID); ok {
		return v.(int64), nil
	}
	j, err := t.store.Get(ctx, jobID)
	if err != nil {
		return 0, err
	}
	t.ownerCache.Store(jobID, j.UserID)
	return j.UserID, nil
}

// UpdateProgress records a snapshot for a running job: Redis under both
// the job and the per-user key, a best-effort mirror into the durable row,
// and a push to subscribers with source="worker".
func (t *Tracker) UpdateProgress(ctx context.Context, jobID, workerID, step string, percent int, details json.RawMessage) error {
	userID, err := t.owner(ctx, jobID)
	if err != nil {
		return fmt.Errorf("failed to resolve job owner: %w", err)
	}

	snap := Snapshot{
		JobID:     jobID,
		WorkerID:  workerID,
		Step:      step,
		Percent:   job.ClampPercent(percent),
		Details:   details,
		UpdatedAt: time.Now().UTC(),
		Source:    "worker",
	}

	if err := t.write(ctx, userID, &snap, t.ttl); err != nil {
		return err
	}

	// DB mirror is best effort; the Redis snapshot stays authoritative
	// mid-job
	if err := t.store.SetProgress(ctx, jobID, snap.Step, snap.Percent); err != nil {
		t.log.Warn("Progress mirror to durable store failed", "job_id", jobID, "error", err)
	}

	t.push(ctx, &snap)
	return nil
}

// Complete emits the terminal success event: percent forced to 100, step
// "Completed", TTL shrunk so subscribers retain a short read window
func (t *Tracker) Complete(ctx context.Context, jobID, workerID string, results json.RawMessage) error {
	return t.terminal(ctx, jobID, workerID, "Completed", results)
}

// Fail emits the terminal failure event with a sanitized message baked
// into the step
func (t *Tracker) Fail(ctx context.Context, jobID, workerID, message string, details json.RawMessage) error {
	return t.terminal(ctx, jobID, workerID, "Failed: "+message, details)
}

func (t *Tracker) terminal(ctx context.Context, jobID, workerID, step string, details json.RawMessage) error {
	userID, err := t.owner(ctx, jobID)
	if err != nil {
		return fmt.Errorf("failed to resolve job owner: %w", err)
	}

	snap := Snapshot{
		JobID:     jobID,
		WorkerID:  workerID,
		Step:      step,
		Percent:   100,
		Details:   details,
		UpdatedAt: time.Now().UTC(),
		Source:    "worker",
	}

	if err := t.write(ctx, userID, &snap, t.terminalTTL); err != nil {
		return err
	}

	t.ownerCache.Delete(jobID)
	t.push(ctx, &snap)
	return nil
}

// write stores the snapshot hash under both keys with the given TTL
func (t *Tracker) write(ctx context.Context, userID int64, snap *Snapshot, ttl time.Duration) error {
	fields := map[string]interface{}{
		"job_id":     snap.JobID,
		"worker_id":  snap.WorkerID,
		"step":       snap.Step,
		"percent":    snap.Percent,
		"updated_at": snap.UpdatedAt.Format(time.RFC3339Nano),
		"source":     snap.Source,
	}
	if len(snap.Details) > 0 {
		fields["details"] = string(snap.Details)
	}

	pipe := t.client().Pipeline()
	for _, key := range []string{Key(snap.JobID), UserKey(userID, snap.JobID)} {
		pipe.HSet(ctx, key, fields)
		pipe.Expire(ctx, key, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to write progress snapshot: %w", err)
	}
	return nil
}

func (t *Tracker) push(ctx context.Context, snap *Snapshot) {
	t.hub.Broadcast(*snap)
	if t.publisher != nil {
		if err := t.publisher.Publish(ctx, snap); err != nil {
			t.log.Warn("Progress publish failed", "job_id", snap.JobID, "error", err)
		}
	}
}

// GetProgress returns the snapshot for a job, authorized against the
// requesting user. Foreign jobs and missing jobs are both ErrNotFound.
func (t *Tracker) GetProgress(ctx context.Context, jobID string, requestingUserID int64, admin bool) (*Snapshot, error) {
	if !admin {
		j, err := t.store.Get(ctx, jobID)
		if err != nil {
			return nil, ErrNotFound
		}
		if j.UserID != requestingUserID {
			return nil, ErrNotFound
		}
	}

	data, err := t.client().HGetAll(ctx, Key(jobID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read progress snapshot: %w", err)
	}
	if len(data) == 0 {
		return nil, ErrNotFound
	}
	return snapshotFromHash(data), nil
}

func snapshotFromHash(data map[string]string) *Snapshot {
	snap := &Snapshot{
		JobID:    data["job_id"],
		WorkerID: data["worker_id"],
		Step:     data["step"],
		Source:   data["source"],
	}
	if p, err := strconv.Atoi(data["percent"]); err == nil {
		snap.Percent = p
	}
	if ts, err := time.Parse(time.RFC3339Nano, data["updated_at"]); err == nil {
		snap.UpdatedAt = ts
	}
	if d, ok := data["details"]; ok && d != "" {
		snap.Details = json.RawMessage(d)
	}
	return snap
}
