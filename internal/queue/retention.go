package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/iolaire/vedfolnir-queue/internal/security"
)

// CleanupReport summarizes one retention sweep
type CleanupReport struct {
	FinishedRemoved int
	FailedRemoved   int
}

// Cleanup removes finished and failed job registries whose end time
// predates the configured retention windows (24h for finished, 7d for
// failed by default). The payload and authorization keys of swept jobs
// are deleted alongside the registry entries.
func (m *Manager) Cleanup(ctx context.Context) (CleanupReport, error) {
	var report CleanupReport
	now := time.Now()

	finished, err := m.sweepRegistry(ctx, m.keys.finished, now.Add(-m.cfg.CompletedTaskTTL))
	if err != nil {
		return report, fmt.Errorf("finished registry sweep: %w", err)
	}
	report.FinishedRemoved = finished

	failed, err := m.sweepRegistry(ctx, m.keys.failed, now.Add(-m.cfg.FailedTaskTTL))
	if err != nil {
		return report, fmt.Errorf("failed registry sweep: %w", err)
	}
	report.FailedRemoved = failed

	if finished > 0 || failed > 0 {
		m.log.Info("Retention sweep finished",
			"finished_removed", finished, "failed_removed", failed)
	}
	return report, nil
}

// sweepRegistry deletes registry members scored before the cutoff along
// with their payload keys
func (m *Manager) sweepRegistry(ctx context.Context, registry string, cutoff time.Time) (int, error) {
	client := m.client()
	max := fmt.Sprintf("%d", cutoff.Unix())

	ids, err := client.ZRangeByScore(ctx, registry, &redis.ZRangeBy{Min: "-inf", Max: max}).Result()
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	pipe := client.Pipeline()
	for _, id := range ids {
		pipe.Del(ctx, m.keys.payload(id))
		pipe.Del(ctx, security.AuthKey(id))
		pipe.ZRem(ctx, registry, id)
		// Dead-letter entries follow their failed-registry record out
		if registry == m.keys.failed {
			pipe.LRem(ctx, m.keys.deadLetter, 0, id)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return len(ids), nil
}
