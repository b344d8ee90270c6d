// Package caption binds the pluggable caption-generation backend to the
// queue core. The core treats job settings and results as opaque JSON;
// what "generating captions" means is entirely the adapter's business.
package caption

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/iolaire/vedfolnir-queue/internal/job"
	"github.com/iolaire/vedfolnir-queue/internal/logger"
	"github.com/iolaire/vedfolnir-queue/internal/progress"
)

// ProgressFunc reports a step and percent from inside the adapter. The
// processor forwards it to the progress tracker; adapters never touch
// Redis directly.
type ProgressFunc func(step string, percent int, details json.RawMessage)

// Task is the unit of work handed to the adapter
type Task struct {
	JobID                string
	UserID               int64
	PlatformConnectionID int64
	Settings             json.RawMessage
}

// Adapter is the caption-generation backend. Implementations read the
// opaque settings, do the platform work, and return an opaque results
// blob. A returned error marks the job failed (and retryable per its
// queue's policy); adapters signal permanent failures the same way and
// rely on MaxRetries to stop the retry loop.
type Adapter interface {
	GenerateCaptions(ctx context.Context, task *Task, report ProgressFunc) (json.RawMessage, error)
}

// Processor wraps an adapter with the progress plumbing, giving the
// worker a single Process call per job
type Processor struct {
	adapter Adapter
	tracker *progress.Tracker
	log     logger.Logger
}

// NewProcessor creates the processor
func NewProcessor(adapter Adapter, tracker *progress.Tracker, log logger.Logger) *Processor {
	return &Processor{
		adapter: adapter,
		tracker: tracker,
		log:     log.WithComponent(logger.ComponentWorker),
	}
}

// Process runs one job through the adapter. Progress reported by the
// adapter is forwarded to the tracker; tracker write failures are logged
// and never fail the job.
func (p *Processor) Process(ctx context.Context, j *job.Job, workerID string) (json.RawMessage, error) {
	task := &Task{
		JobID:                j.ID,
		UserID:               j.UserID,
		PlatformConnectionID: j.PlatformConnectionID,
		Settings:             j.Settings,
	}

	report := func(step string, percent int, details json.RawMessage) {
		if err := p.tracker.UpdateProgress(ctx, j.ID, workerID, step, percent, details); err != nil {
			p.log.Warn("Progress update failed", "job_id", j.ID, "step", step, "error", err)
		}
	}

	report("Starting caption generation", 0, nil)
	results, err := p.adapter.GenerateCaptions(ctx, task, report)
	if err != nil {
		return nil, fmt.Errorf("caption generation failed: %w", err)
	}
	return results, nil
}
