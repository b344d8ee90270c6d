package worker

import (
	"context"
	"os"
	"strings"
	"time"
)

// Registration keys carry a TTL so a crashed worker's entries age out
// instead of lingering as ghosts
const (
	workerKeyPrefix    = "rq:workers:"
	heartbeatKeyPrefix = "rq:active_workers:"
)

// WorkerKey returns the registration hash key of a worker
func WorkerKey(workerID string) string {
	return workerKeyPrefix + workerID
}

// HeartbeatKey returns the liveness key of a worker
func HeartbeatKey(workerID string) string {
	return heartbeatKeyPrefix + workerID
}

// register writes the worker's registration hash. Registration is best
// effort; a worker with no Redis client (tests) simply skips it.
func (w *Worker) register(ctx context.Context) {
	if w.deps.Client == nil {
		return
	}
	hostname, _ := os.Hostname()
	fields := w.liveFields()
	fields["worker_id"] = w.id
	fields["queues"] = strings.Join(queueNames(w.queues), ",")
	fields["hostname"] = hostname
	fields["pid"] = os.Getpid()
	fields["started_at"] = time.Now().UTC().Format(time.RFC3339)

	pipe := w.deps.Client().Pipeline()
	pipe.HSet(ctx, WorkerKey(w.id), fields)
	pipe.Expire(ctx, WorkerKey(w.id), w.deps.HeartbeatTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		w.log.Warn("Worker registration failed", "error", err)
	}
}

// liveFields are the hash fields each heartbeat refreshes, so scans from
// other processes see fresh state
func (w *Worker) liveFields() map[string]interface{} {
	fields := map[string]interface{}{
		"last_heartbeat": time.Now().UTC().Format(time.RFC3339),
		"current_job":    w.CurrentJob(),
		"success_count":  w.Processed() - w.Failed(),
		"fail_count":     w.Failed(),
	}
	if w.deps.MemoryMB != nil {
		fields["memory_mb"] = w.deps.MemoryMB()
	}
	return fields
}

// deregister removes both keys on clean shutdown
func (w *Worker) deregister() {
	if w.deps.Client == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.deps.Client().Del(ctx, WorkerKey(w.id), HeartbeatKey(w.id)).Err(); err != nil {
		w.log.Warn("Worker deregistration failed", "error", err)
	}
}

// startHeartbeat refreshes the liveness key and the registration TTL at
// a third of the heartbeat TTL. Returns the channel that stops it.
func (w *Worker) startHeartbeat() chan struct{} {
	stop := make(chan struct{})
	if w.deps.Client == nil {
		return stop
	}

	interval := w.deps.HeartbeatTTL / 3
	if interval <= 0 {
		interval = time.Minute
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				pipe := w.deps.Client().Pipeline()
				pipe.Set(ctx, HeartbeatKey(w.id), time.Now().UTC().Format(time.RFC3339), w.deps.HeartbeatTTL)
				pipe.HSet(ctx, WorkerKey(w.id), w.liveFields())
				pipe.Expire(ctx, WorkerKey(w.id), w.deps.HeartbeatTTL)
				if _, err := pipe.Exec(ctx); err != nil {
					w.log.Warn("Worker heartbeat failed", "error", err)
				}
				cancel()
			}
		}
	}()
	return stop
}
