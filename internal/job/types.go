package job

import (
	"encoding/json"
	"fmt"
	"time"
)

// Status represents the current status of a caption generation job
type Status string

const (
	// StatusQueued indicates the job is waiting in a priority queue
	StatusQueued Status = "queued"
	// StatusRunning indicates a worker is currently executing the job
	StatusRunning Status = "running"
	// StatusCompleted indicates the job finished successfully
	StatusCompleted Status = "completed"
	// StatusFailed indicates the job failed and exhausted its retries
	StatusFailed Status = "failed"
	// StatusCancelled indicates the job was cancelled before completion
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status is a terminal state
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Priority represents the priority level of a job
type Priority string

const (
	// PriorityUrgent indicates jobs that preempt all other backlog
	PriorityUrgent Priority = "urgent"
	// PriorityHigh indicates high priority jobs
	PriorityHigh Priority = "high"
	// PriorityNormal indicates normal priority jobs
	PriorityNormal Priority = "normal"
	// PriorityLow indicates jobs that can wait for idle capacity
	PriorityLow Priority = "low"
)

// AllPriorities returns the four priorities ordered highest first.
// Workers drain queues in this order.
func AllPriorities() []Priority {
	return []Priority{PriorityUrgent, PriorityHigh, PriorityNormal, PriorityLow}
}

// Rank orders priorities for scheduling; lower ranks drain first
func (p Priority) Rank() int {
	switch p {
	case PriorityUrgent:
		return 0
	case PriorityHigh:
		return 1
	case PriorityNormal:
		return 2
	case PriorityLow:
		return 3
	default:
		return 4
	}
}

// ParsePriority converts a string into a Priority
func ParsePriority(s string) (Priority, error) {
	switch Priority(s) {
	case PriorityUrgent, PriorityHigh, PriorityNormal, PriorityLow:
		return Priority(s), nil
	default:
		return "", fmt.Errorf("unknown priority: %q", s)
	}
}

// Job represents one caption generation task. The durable store holds
// exactly one row per job ID; Redis holds transient queue and progress
// state keyed by the same ID.
type Job struct {
	// ID is the opaque, URL-safe identifier minted by the security gate
	ID string `json:"id"`
	// UserID is the owning end user; at most one of their jobs may be
	// queued or running at any time
	UserID int64 `json:"user_id"`
	// PlatformConnectionID identifies the platform account the captions
	// are generated for
	PlatformConnectionID int64 `json:"platform_connection_id"`
	// Priority determines which queue the job is pushed onto
	Priority Priority `json:"priority"`
	// Status is the current lifecycle state
	Status Status `json:"status"`
	// Settings is an opaque blob handed to the caption adapter unparsed
	Settings json.RawMessage `json:"settings,omitempty"`
	// CreatedAt is when the job was admitted
	CreatedAt time.Time `json:"created_at"`
	// StartedAt is set by the worker that won the queue pop
	StartedAt *time.Time `json:"started_at,omitempty"`
	// CompletedAt is set on terminal transition
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	// ErrorMessage holds the sanitized failure reason, if any
	ErrorMessage string `json:"error_message,omitempty"`
	// ProgressPercent is the last reported progress, clamped to [0,100]
	ProgressPercent int `json:"progress_percent"`
	// CurrentStep is the last reported human-readable step
	CurrentStep string `json:"current_step,omitempty"`
	// Attempts is the number of times a worker has picked the job up
	Attempts int `json:"attempts"`
	// MaxRetries caps re-enqueues after job-body failures
	MaxRetries int `json:"max_retries"`
	// ScheduledFor is the earliest retry time for a backed-off job
	ScheduledFor *time.Time `json:"scheduled_for,omitempty"`
}

// New creates a queued job for the given user and platform connection.
// The ID is left empty; the queue manager asks the security gate to mint
// one during admission.
func New(userID, platformConnectionID int64, priority Priority, settings json.RawMessage) *Job {
	return &Job{
		UserID:               userID,
		PlatformConnectionID: platformConnectionID,
		Priority:             priority,
		Status:               StatusQueued,
		Settings:             settings,
		CreatedAt:            time.Now().UTC(),
		MaxRetries:           3,
	}
}

// MarkRunning transitions the job to running under the given start time
func (j *Job) MarkRunning(at time.Time) {
	j.Status = StatusRunning
	j.StartedAt = &at
	j.Attempts++
}

// MarkTerminal transitions the job to a terminal status. Completed jobs
// are forced to 100 percent so the invariant status=completed implies
// progress=100 holds regardless of the last worker report.
func (j *Job) MarkTerminal(status Status, errMsg string, at time.Time) error {
	if !status.Terminal() {
		return fmt.Errorf("status %q is not terminal", status)
	}
	j.Status = status
	j.CompletedAt = &at
	j.ErrorMessage = errMsg
	if status == StatusCompleted {
		j.ProgressPercent = 100
		j.CurrentStep = "Completed"
	}
	return nil
}

// ClampPercent bounds a reported progress value to [0,100]
func ClampPercent(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

// Validate checks the cross-field invariants the durable store relies on
func (j *Job) Validate() error {
	if j.Status == StatusRunning && j.StartedAt == nil {
		return fmt.Errorf("running job %s has no start time", j.ID)
	}
	if j.Status.Terminal() && j.CompletedAt == nil {
		return fmt.Errorf("terminal job %s has no completion time", j.ID)
	}
	if j.ProgressPercent < 0 || j.ProgressPercent > 100 {
		return fmt.Errorf("job %s progress %d out of range", j.ID, j.ProgressPercent)
	}
	if _, err := ParsePriority(string(j.Priority)); err != nil {
		return err
	}
	return nil
}
