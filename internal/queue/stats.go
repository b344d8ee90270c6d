package queue

import (
	"context"

	"github.com/redis/go-redis/v9"

	"github.com/iolaire/vedfolnir-queue/internal/job"
)

// QueueStats holds the Redis-side counters for one priority queue
type QueueStats struct {
	Priority job.Priority `json:"priority"`
	Pending  int64        `json:"pending"`
}

// Stats is the combined queue and store snapshot for the admin surface
type Stats struct {
	Mode       string                `json:"mode"`
	Queues     []QueueStats          `json:"queues"`
	Processing int64                 `json:"processing"`
	Scheduled  int64                 `json:"scheduled"`
	DeadLetter int64                 `json:"dead_letter"`
	Finished   int64                 `json:"finished"`
	Failed     int64                 `json:"failed"`
	ByStatus   map[job.Status]int64 `json:"by_status,omitempty"`
}

// Stats gathers one pipelined snapshot of every queue-side counter plus
// per-status row counts from the durable store. Redis counters are zero
// in DB_ONLY mode rather than an error; the DB counts still answer.
func (m *Manager) Stats(ctx context.Context) (*Stats, error) {
	s := &Stats{Mode: string(m.Mode())}

	byStatus, err := m.store.CountByStatus(ctx)
	if err != nil {
		m.log.Warn("Store status counts unavailable", "error", err)
	} else {
		s.ByStatus = byStatus
	}

	if !m.redisHealthy() {
		for _, p := range job.AllPriorities() {
			s.Queues = append(s.Queues, QueueStats{Priority: p})
		}
		return s, nil
	}

	client := m.client()
	pipe := client.Pipeline()
	queueLens := make(map[job.Priority]*redis.IntCmd, 4)
	for _, p := range job.AllPriorities() {
		queueLens[p] = pipe.LLen(ctx, m.keys.queue(p))
	}
	processing := pipe.LLen(ctx, m.keys.processing)
	scheduled := pipe.ZCard(ctx, m.keys.scheduled)
	dead := pipe.LLen(ctx, m.keys.deadLetter)
	finished := pipe.ZCard(ctx, m.keys.finished)
	failed := pipe.ZCard(ctx, m.keys.failed)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}

	for _, p := range job.AllPriorities() {
		s.Queues = append(s.Queues, QueueStats{Priority: p, Pending: queueLens[p].Val()})
	}
	s.Processing = processing.Val()
	s.Scheduled = scheduled.Val()
	s.DeadLetter = dead.Val()
	s.Finished = finished.Val()
	s.Failed = failed.Val()
	return s, nil
}
