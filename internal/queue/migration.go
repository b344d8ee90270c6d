package queue

import (
	"context"

	"github.com/iolaire/vedfolnir-queue/internal/job"
)

// migrationBatch bounds one migration pass so recovery cannot stall the
// monitoring loop behind a huge backlog; the pass is restartable and
// idempotent per job
const migrationBatch = 100

// MigrationReport summarizes one migration pass
type MigrationReport struct {
	// Succeeded is the number of rows lifted into Redis
	Succeeded int
	// Skipped is the number of rows already present in Redis
	Skipped int
	// Failed is the number of rows that errored; they stay queued in the
	// DB for the next pass
	Failed int
}

// Migrate lifts DB-queued rows back onto their Redis priority queues
// after recovery: claim the user slot, record the authorization tuple,
// push the job. Partial failure is expected and counted, never aborted.
func (m *Manager) Migrate(ctx context.Context) (MigrationReport, error) {
	var report MigrationReport

	queued, err := m.store.ListQueued(ctx, migrationBatch)
	if err != nil {
		return report, err
	}
	if len(queued) == 0 {
		return report, nil
	}

	client := m.client()
	for _, j := range queued {
		// A payload already in Redis means an earlier pass (or the
		// original enqueue) got this far; re-pushing would duplicate it
		exists, err := client.Exists(ctx, m.keys.payload(j.ID)).Result()
		if err != nil {
			report.Failed++
			m.log.Error("Migration existence check failed", "job_id", j.ID, "error", err)
			continue
		}
		if exists > 0 {
			report.Skipped++
			continue
		}

		claimed, err := m.index.SetIfAbsent(ctx, j.UserID, j.ID)
		if err != nil {
			report.Failed++
			m.log.Error("Migration slot claim failed", "job_id", j.ID, "user_id", j.UserID, "error", err)
			continue
		}
		if !claimed {
			// Slot held by another job of the same user; leave this row
			// for a later pass rather than breaking the invariant
			current, _ := m.index.Get(ctx, j.UserID)
			if current != j.ID {
				report.Skipped++
				m.log.Warn("Migration skipped, user slot held by another job",
					"job_id", j.ID, "user_id", j.UserID, "holder", current)
				continue
			}
		}

		if err := m.gate.RecordAuthorization(ctx, j.ID, j.UserID, j.PlatformConnectionID); err != nil {
			report.Failed++
			m.log.Error("Migration authorization failed", "job_id", j.ID, "error", err)
			continue
		}
		if err := m.push(ctx, j); err != nil {
			report.Failed++
			m.log.Error("Migration push failed", "job_id", j.ID, "error", err)
			continue
		}
		report.Succeeded++
	}

	m.log.Info("Migration pass finished",
		"succeeded", report.Succeeded, "skipped", report.Skipped, "failed", report.Failed)
	return report, nil
}

// DeadLetter returns up to limit jobs from the dead-letter list, newest
// first
func (m *Manager) DeadLetter(ctx context.Context, limit int) ([]*DeadJob, error) {
	if limit <= 0 {
		limit = 50
	}
	ids, err := m.client().LRange(ctx, m.keys.deadLetter, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*DeadJob, 0, len(ids))
	for _, id := range ids {
		env, err := m.loadEnvelope(ctx, id)
		if err != nil {
			out = append(out, &DeadJob{ID: id})
			continue
		}
		out = append(out, &DeadJob{
			ID:       id,
			UserID:   env.Job.UserID,
			Priority: env.Job.Priority,
			Attempts: env.Job.Attempts,
			Error:    env.Job.ErrorMessage,
		})
	}
	return out, nil
}

// DeadJob is one dead-letter entry for the admin surface
type DeadJob struct {
	ID       string
	UserID   int64
	Priority job.Priority
	Attempts int
	Error    string
}

// RequeueDead returns a dead-lettered job to its priority queue with a
// reset attempt counter. Admin path.
func (m *Manager) RequeueDead(ctx context.Context, jobID string) error {
	env, err := m.loadEnvelope(ctx, jobID)
	if err != nil {
		return err
	}
	env.Job.Attempts = 0
	env.Job.ErrorMessage = ""
	env.Job.ScheduledFor = nil

	pipe := m.client().Pipeline()
	if err := m.saveEnvelope(ctx, pipe, env, m.cfg.ResultTTL); err != nil {
		return err
	}
	pipe.LRem(ctx, m.keys.deadLetter, 1, jobID)
	pipe.ZRem(ctx, m.keys.failed, jobID)
	pipe.LPush(ctx, m.keys.queue(env.Job.Priority), jobID)
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}
	m.log.Info("Dead-lettered job requeued", "job_id", jobID)
	return nil
}
