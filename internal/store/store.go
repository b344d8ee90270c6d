// Package store persists jobs in the relational database: the durable
// mirror of queue state, the DB-mode admission check, and the per-job
// session lifecycle workers run under.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/iolaire/vedfolnir-queue/internal/job"
)

// ErrNotFound is returned when no row exists for a job id
var ErrNotFound = errors.New("job not found")

// TaskStore is the durable-store surface the queue core depends on.
// GormStore implements it over Postgres; MemoryStore implements it for
// tests and single-node development.
type TaskStore interface {
	// Create inserts the job row; exactly one row may exist per job id
	Create(ctx context.Context, j *job.Job) error

	// Get returns the row for a job id, or ErrNotFound
	Get(ctx context.Context, id string) (*job.Job, error)

	// Update overwrites the mutable columns of an existing row
	Update(ctx context.Context, j *job.Job) error

	// MarkRunning transitions a row to running and stamps started_at
	MarkRunning(ctx context.Context, id string, at time.Time) error

	// MarkTerminal transitions a row to a terminal status with a
	// sanitized error message
	MarkTerminal(ctx context.Context, id string, status job.Status, errMsg string, at time.Time) error

	// SetProgress mirrors the latest progress snapshot into the row;
	// best effort, the Redis snapshot stays authoritative mid-job
	SetProgress(ctx context.Context, id string, step string, percent int) error

	// CountActiveForUser counts rows with status queued or running for
	// the DB-mode admission check
	CountActiveForUser(ctx context.Context, userID int64) (int64, error)

	// ListQueued returns queued rows ordered by priority then creation
	// time, bounded by limit; the migration pass feeds on it
	ListQueued(ctx context.Context, limit int) ([]*job.Job, error)

	// CountByStatus returns per-status row counts for the stats surface
	CountByStatus(ctx context.Context) (map[job.Status]int64, error)
}

// Sessions provides the per-job database session lifecycle. Wrap opens a
// session, runs fn with a store bound to it, commits on success and rolls
// back on error or panic. No session outlives the job it was created for.
type Sessions interface {
	Wrap(ctx context.Context, fn func(ctx context.Context, s TaskStore) error) error

	// WrapSerializable runs fn at SERIALIZABLE isolation, for the strict
	// admission path
	WrapSerializable(ctx context.Context, fn func(ctx context.Context, s TaskStore) error) error

	// Active returns the number of sessions currently open, for
	// diagnostics
	Active() int64
}
