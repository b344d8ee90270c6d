// Package client is the submitter-facing facade: submit a caption job,
// query or subscribe to its progress, read queue stats. Web and API
// layers depend on this package instead of the internal components.
package client

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/iolaire/vedfolnir-queue/internal/job"
	"github.com/iolaire/vedfolnir-queue/internal/logger"
	"github.com/iolaire/vedfolnir-queue/internal/progress"
	"github.com/iolaire/vedfolnir-queue/internal/queue"
)

// SubmitRequest describes one caption-generation submission
type SubmitRequest struct {
	UserID               int64
	PlatformConnectionID int64
	// Priority defaults to normal when empty
	Priority job.Priority
	// Settings is handed to the caption adapter unparsed
	Settings json.RawMessage
}

// Client is the submission facade
type Client struct {
	queue   *queue.Manager
	tracker *progress.Tracker
	log     logger.Logger
}

// New creates the facade over an already-wired queue manager and
// progress tracker
func New(q *queue.Manager, tracker *progress.Tracker, log logger.Logger) *Client {
	return &Client{queue: q, tracker: tracker, log: log.WithComponent(logger.ComponentQueue)}
}

// SubmitCaptionJob admits one job and returns its id. A user with a job
// already queued or running gets queue.ErrUserHasActiveJob.
func (c *Client) SubmitCaptionJob(ctx context.Context, req SubmitRequest) (string, error) {
	if req.UserID <= 0 {
		return "", fmt.Errorf("user id must be positive")
	}
	if req.PlatformConnectionID <= 0 {
		return "", fmt.Errorf("platform connection id must be positive")
	}
	priority := req.Priority
	if priority == "" {
		priority = job.PriorityNormal
	}
	if _, err := job.ParsePriority(string(priority)); err != nil {
		return "", err
	}

	j := job.New(req.UserID, req.PlatformConnectionID, priority, req.Settings)
	return c.queue.Enqueue(ctx, j)
}

// Progress returns the current snapshot of a job, authorized against the
// requesting user. Foreign and missing jobs are both progress.ErrNotFound.
func (c *Client) Progress(ctx context.Context, jobID string, userID int64, admin bool) (*progress.Snapshot, error) {
	return c.tracker.GetProgress(ctx, jobID, userID, admin)
}

// SubscribeProgress returns a channel of in-process progress events for
// one job and a cancel function the caller must invoke when done
func (c *Client) SubscribeProgress(jobID string) (<-chan progress.Snapshot, func()) {
	return c.tracker.Hub().Subscribe(jobID)
}

// Stats returns the combined queue and store snapshot
func (c *Client) Stats(ctx context.Context) (*queue.Stats, error) {
	return c.queue.Stats(ctx)
}
