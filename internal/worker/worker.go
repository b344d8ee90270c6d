// Package worker runs jobs: the integrated worker goroutines polling the
// priority queues, their registration and heartbeat keys, and the worker
// manager that starts, scales and stops them (or launches external
// worker processes instead).
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/iolaire/vedfolnir-queue/internal/errors"
	"github.com/iolaire/vedfolnir-queue/internal/job"
	"github.com/iolaire/vedfolnir-queue/internal/logger"
	"github.com/iolaire/vedfolnir-queue/internal/security"
	"github.com/iolaire/vedfolnir-queue/internal/store"
	"github.com/iolaire/vedfolnir-queue/internal/usertask"
)

// defaultPollInterval is the sleep between empty sweeps of the queues
const defaultPollInterval = time.Second

// Queue is the dispatch surface a worker needs; the queue manager
// satisfies it
type Queue interface {
	Dequeue(ctx context.Context, priorities []job.Priority) (*job.Job, error)
	JobTimeout(ctx context.Context, j *job.Job) time.Duration
	CompleteJob(ctx context.Context, j *job.Job) error
	FailJob(ctx context.Context, j *job.Job, errMsg string) (bool, error)
}

// Processor executes one job's payload; the caption processor satisfies
// it
type Processor interface {
	Process(ctx context.Context, j *job.Job, workerID string) (json.RawMessage, error)
}

// ProgressSink receives terminal progress events; the progress tracker
// satisfies it
type ProgressSink interface {
	Complete(ctx context.Context, jobID, workerID string, results json.RawMessage) error
	Fail(ctx context.Context, jobID, workerID, message string, details json.RawMessage) error
}

// Deps bundles everything a worker needs
type Deps struct {
	Queue     Queue
	Processor Processor
	Progress  ProgressSink
	Store     store.TaskStore
	Sessions  store.Sessions
	Index     *usertask.Index

	// Client yields the current Redis client for registration keys; nil
	// disables registration (tests)
	Client func() *redis.Client

	// HeartbeatTTL bounds the registration and heartbeat keys
	HeartbeatTTL time.Duration
	// PollInterval overrides the sleep between empty sweeps
	PollInterval time.Duration
	// MemoryExceeded reports whether the process is over its worker
	// memory limit; a worker seeing true finishes its job and exits
	MemoryExceeded func() bool
	// MemoryMB yields the process's current memory footprint for the
	// registration hash; nil leaves the field unset
	MemoryMB func() int

	Log logger.Logger
}

// Worker is one integrated worker: a goroutine polling its queues in
// priority order, executing one job at a time
type Worker struct {
	id     string
	queues []job.Priority
	deps   Deps
	log    logger.Logger

	poll time.Duration

	// currentJob holds the id being executed, "" when idle
	currentJob atomic.Value
	processed  atomic.Int64
	failed     atomic.Int64

	stopChan chan struct{}
	doneChan chan struct{}
}

// New creates a worker for the given queues, highest priority first
func New(id string, queues []job.Priority, deps Deps) *Worker {
	poll := deps.PollInterval
	if poll <= 0 {
		poll = defaultPollInterval
	}
	w := &Worker{
		id:       id,
		queues:   queues,
		deps:     deps,
		log:      deps.Log.WithComponent(logger.ComponentWorker).WithFields(map[string]interface{}{"worker_id": id}),
		poll:     poll,
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}
	w.currentJob.Store("")
	return w
}

// ID returns the worker's identifier
func (w *Worker) ID() string { return w.id }

// Queues returns the priorities this worker drains
func (w *Worker) Queues() []job.Priority { return w.queues }

// CurrentJob returns the id of the job being executed, "" when idle
func (w *Worker) CurrentJob() string { return w.currentJob.Load().(string) }

// Processed returns the number of jobs this worker finished (any outcome)
func (w *Worker) Processed() int64 { return w.processed.Load() }

// Failed returns the number of jobs that ended in failure or retry
func (w *Worker) Failed() int64 { return w.failed.Load() }

// Run is the worker loop. It returns when Stop is called or when the
// memory check trips after a job; the caller decides on replacement.
func (w *Worker) Run(ctx context.Context) {
	defer close(w.doneChan)

	w.register(ctx)
	defer w.deregister()

	heartbeatStop := w.startHeartbeat()
	defer close(heartbeatStop)

	w.log.Info("Worker started", "queues", queueNames(w.queues))
	for {
		select {
		case <-w.stopChan:
			w.log.Info("Worker stopping")
			return
		case <-ctx.Done():
			return
		default:
		}

		j, err := w.deps.Queue.Dequeue(ctx, w.queues)
		if err != nil {
			w.log.Error("Dequeue failed", "error", err)
			w.sleep()
			continue
		}
		if j == nil {
			w.sleep()
			continue
		}

		w.execute(ctx, j)

		if w.deps.MemoryExceeded != nil && w.deps.MemoryExceeded() {
			w.log.Warn("Worker over memory limit, exiting for replacement")
			return
		}
	}
}

// Stop signals the loop to exit after its current job and waits for it
func (w *Worker) Stop(timeout time.Duration) bool {
	select {
	case <-w.stopChan:
	default:
		close(w.stopChan)
	}
	select {
	case <-w.doneChan:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Done is closed when the loop has exited
func (w *Worker) Done() <-chan struct{} { return w.doneChan }

func (w *Worker) sleep() {
	select {
	case <-w.stopChan:
	case <-time.After(w.poll):
	}
}

// execute runs one job end to end: mark running, run under the job
// timeout, then settle the terminal state on both sides
func (w *Worker) execute(ctx context.Context, j *job.Job) {
	w.currentJob.Store(j.ID)
	defer w.currentJob.Store("")

	now := time.Now().UTC()
	j.MarkRunning(now)
	if err := w.deps.Store.MarkRunning(ctx, j.ID, now); err != nil {
		w.log.Warn("Failed to mark job running in durable store", "job_id", j.ID, "error", err)
	}
	w.log.Info("Job started", "job_id", j.ID, "user_id", j.UserID, "priority", j.Priority, "attempt", j.Attempts)

	timeout := w.deps.Queue.JobTimeout(ctx, j)
	jobCtx, cancel := context.WithTimeout(ctx, timeout)
	results, err := w.runJob(jobCtx, j)
	if err == nil && jobCtx.Err() == context.DeadlineExceeded {
		err = fmt.Errorf("job exceeded its %s timeout", timeout)
	}
	cancel()

	w.processed.Add(1)
	if err != nil {
		w.failed.Add(1)
		w.fail(ctx, j, err)
		return
	}
	w.complete(ctx, j, results)
}

// runJob invokes the processor under a per-job database session. Panics
// in the processor are converted to errors so one bad job cannot take
// the worker down.
func (w *Worker) runJob(ctx context.Context, j *job.Job) (results json.RawMessage, err error) {
	defer errors.CapturePanic(&err)

	if w.deps.Sessions != nil {
		err = w.deps.Sessions.Wrap(ctx, func(ctx context.Context, s store.TaskStore) error {
			r, perr := w.deps.Processor.Process(ctx, j, w.id)
			results = r
			return perr
		})
		return results, err
	}
	return w.deps.Processor.Process(ctx, j, w.id)
}

func (w *Worker) complete(ctx context.Context, j *job.Job, results json.RawMessage) {
	now := time.Now().UTC()
	j.MarkTerminal(job.StatusCompleted, "", now)

	if err := w.deps.Progress.Complete(ctx, j.ID, w.id, results); err != nil {
		w.log.Warn("Terminal progress write failed", "job_id", j.ID, "error", err)
	}
	if err := w.deps.Queue.CompleteJob(ctx, j); err != nil {
		w.log.Error("Failed to record job completion in queue", "job_id", j.ID, "error", err)
	}
	if err := w.deps.Store.MarkTerminal(ctx, j.ID, job.StatusCompleted, "", now); err != nil {
		w.log.Error("Failed to mark job completed in durable store", "job_id", j.ID, "error", err)
	}
	// Terminal transition releases the user's slot
	if err := w.deps.Index.Clear(ctx, j.UserID); err != nil {
		w.log.Error("Failed to release user slot", "job_id", j.ID, "user_id", j.UserID, "error", err)
	}
	w.log.Info("Job completed", "job_id", j.ID, "user_id", j.UserID)
}

func (w *Worker) fail(ctx context.Context, j *job.Job, jobErr error) {
	msg := security.Sanitize(jobErr.Error())

	retried, err := w.deps.Queue.FailJob(ctx, j, msg)
	if err != nil {
		w.log.Error("Failed to record job failure in queue", "job_id", j.ID, "error", err)
	}
	if retried {
		// The user slot stays held across retries; only the durable row
		// reflects the wait
		j.Status = job.StatusQueued
		if err := w.deps.Store.Update(ctx, j); err != nil {
			w.log.Warn("Failed to mirror retry state to durable store", "job_id", j.ID, "error", err)
		}
		return
	}

	now := time.Now().UTC()
	j.MarkTerminal(job.StatusFailed, msg, now)
	if err := w.deps.Progress.Fail(ctx, j.ID, w.id, msg, nil); err != nil {
		w.log.Warn("Terminal progress write failed", "job_id", j.ID, "error", err)
	}
	if err := w.deps.Store.MarkTerminal(ctx, j.ID, job.StatusFailed, msg, now); err != nil {
		w.log.Error("Failed to mark job failed in durable store", "job_id", j.ID, "error", err)
	}
	if err := w.deps.Index.Clear(ctx, j.UserID); err != nil {
		w.log.Error("Failed to release user slot", "job_id", j.ID, "user_id", j.UserID, "error", err)
	}
	w.log.Error("Job failed", "job_id", j.ID, "user_id", j.UserID, "error", msg)
}

func queueNames(priorities []job.Priority) []string {
	names := make([]string, len(priorities))
	for i, p := range priorities {
		names[i] = string(p)
	}
	return names
}
