// Package queue implements admission and dispatch: the four priority
// queues in Redis, the single-task-per-user gate, retry scheduling,
// Redis<->DB migration, retention sweeps and the stats surface.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/iolaire/vedfolnir-queue/internal/config"
	"github.com/iolaire/vedfolnir-queue/internal/events"
	"github.com/iolaire/vedfolnir-queue/internal/job"
	"github.com/iolaire/vedfolnir-queue/internal/logger"
	"github.com/iolaire/vedfolnir-queue/internal/security"
	"github.com/iolaire/vedfolnir-queue/internal/store"
	"github.com/iolaire/vedfolnir-queue/internal/usertask"
)

var (
	// ErrUserHasActiveJob is returned when admission finds an existing
	// queued or running job for the user
	ErrUserHasActiveJob = errors.New("user already has an active job")
)

// envelope is what actually sits under the payload key: the job plus the
// queue metadata a worker needs without a config lookup
type envelope struct {
	Job        *job.Job `json:"job"`
	TimeoutSec int      `json:"timeout_sec"`
	EnqueuedAt int64    `json:"enqueued_at"`
}

// Manager is the central admission and dispatch component. It exclusively
// owns the user-task index; no other component writes admission state.
type Manager struct {
	cfg   *config.Config
	keys  *keys
	gate  *security.Gate
	index *usertask.Index
	store store.TaskStore
	// sessions backs strict DB-mode admission; optional
	sessions store.Sessions
	log      logger.Logger

	client func() *redis.Client
	// redisHealthy reflects the health monitor's current classification
	redisHealthy func() bool

	// admissionMu serializes the consult-then-claim sequence per process
	admissionMu sync.Mutex

	mode     atomic.Value // events.Mode
	stopOnce sync.Once
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewManager wires the queue manager. It subscribes to the mode bus; the
// fallback manager remains the sole writer of the mode value.
func NewManager(
	cfg *config.Config,
	client func() *redis.Client,
	gate *security.Gate,
	index *usertask.Index,
	taskStore store.TaskStore,
	redisHealthy func() bool,
	bus *events.Bus,
	log logger.Logger,
) *Manager {
	m := &Manager{
		cfg:          cfg,
		keys:         newKeys(cfg.QueuePrefix),
		gate:         gate,
		index:        index,
		store:        taskStore,
		client:       client,
		redisHealthy: redisHealthy,
		log:          log.WithComponent(logger.ComponentQueue),
		stopChan:     make(chan struct{}),
	}
	m.mode.Store(events.ModeRQOnly)

	if bus != nil {
		changes := bus.Subscribe("queue-manager")
		m.wg.Add(1)
		go m.watchModes(changes)
	}
	return m
}

func (m *Manager) watchModes(changes <-chan events.ModeChange) {
	defer m.wg.Done()
	for {
		select {
		case <-m.stopChan:
			return
		case change, ok := <-changes:
			if !ok {
				return
			}
			m.mode.Store(change.To)
			m.log.Info("Queue routing mode updated", "mode", change.To, "previous", change.From)
		}
	}
}

// UseSessions provides the session manager strict DB-mode admission runs
// under. Without it strict admission degrades to best-effort.
func (m *Manager) UseSessions(sessions store.Sessions) {
	m.sessions = sessions
}

// Mode returns the routing mode the manager currently honors
func (m *Manager) Mode() events.Mode {
	return m.mode.Load().(events.Mode)
}

// Stop terminates the mode watcher
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopChan) })
	m.wg.Wait()
}

// redisBacked reports whether new submissions go through Redis
func (m *Manager) redisBacked() bool {
	switch m.Mode() {
	case events.ModeRQOnly, events.ModeHybrid:
		return m.redisHealthy()
	default:
		return false
	}
}

// Enqueue admits a job: mint/validate its id, claim the user's slot, and
// push it onto the priority queue (or the DB table in fallback mode).
// Returns the job id. On any failure after the claim the slot is released
// before returning.
func (m *Manager) Enqueue(ctx context.Context, j *job.Job) (string, error) {
	if j.ID == "" {
		id, err := m.gate.MintJobID()
		if err != nil {
			return "", err
		}
		j.ID = id
	}
	if err := m.gate.ValidateJobID(j.ID); err != nil {
		return "", err
	}
	if _, err := job.ParsePriority(string(j.Priority)); err != nil {
		return "", err
	}
	if j.MaxRetries == 0 {
		j.MaxRetries = m.cfg.Queue(j.Priority).Retry.MaxRetries
	}

	if m.redisBacked() {
		return j.ID, m.enqueueRedis(ctx, j)
	}
	return j.ID, m.enqueueDB(ctx, j)
}

// enqueueRedis is the RQ_ONLY / HYBRID path
func (m *Manager) enqueueRedis(ctx context.Context, j *job.Job) error {
	m.admissionMu.Lock()
	existing, err := m.index.Get(ctx, j.UserID)
	if err != nil {
		m.admissionMu.Unlock()
		return err
	}
	if existing != "" {
		m.admissionMu.Unlock()
		return ErrUserHasActiveJob
	}
	claimed, err := m.index.SetIfAbsent(ctx, j.UserID, j.ID)
	m.admissionMu.Unlock()
	if err != nil {
		return err
	}
	if !claimed {
		return ErrUserHasActiveJob
	}

	if err := m.pushAndPersist(ctx, j); err != nil {
		// Release the claim so the user is not locked out by a failed
		// admission
		if clearErr := m.index.Clear(ctx, j.UserID); clearErr != nil {
			m.log.Error("Failed to release user slot after enqueue error",
				"user_id", j.UserID, "job_id", j.ID, "error", clearErr)
		}
		if clearErr := m.gate.ClearAuthorization(ctx, j.ID); clearErr != nil {
			m.log.Warn("Failed to clear authorization after enqueue error",
				"job_id", j.ID, "error", clearErr)
		}
		return err
	}

	m.log.Info("Job enqueued", "job_id", j.ID, "user_id", j.UserID, "priority", j.Priority)
	return nil
}

func (m *Manager) pushAndPersist(ctx context.Context, j *job.Job) error {
	// Durable row first, queue entry last: a job must never be poppable
	// without its row. The unique primary key guarantees exactly one row
	// per job id.
	if err := m.store.Create(ctx, j); err != nil {
		return err
	}
	if err := m.gate.RecordAuthorization(ctx, j.ID, j.UserID, j.PlatformConnectionID); err != nil {
		m.abandonRow(ctx, j.ID)
		return err
	}
	if err := m.push(ctx, j); err != nil {
		m.abandonRow(ctx, j.ID)
		return err
	}
	return nil
}

// abandonRow marks a row failed after its queue entry could not be
// written, so a later migration pass cannot lift a job that was never
// admitted
func (m *Manager) abandonRow(ctx context.Context, jobID string) {
	if err := m.store.MarkTerminal(ctx, jobID, job.StatusFailed, "enqueue aborted", time.Now()); err != nil {
		m.log.Error("Failed to mark abandoned row terminal", "job_id", jobID, "error", err)
	}
}

// push serializes the job envelope and appends the id to its priority list
func (m *Manager) push(ctx context.Context, j *job.Job) error {
	qc := m.cfg.Queue(j.Priority)
	env := envelope{
		Job:        j,
		TimeoutSec: int(qc.Timeout.Seconds()),
		EnqueuedAt: time.Now().Unix(),
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal job %s: %w", j.ID, err)
	}

	pipe := m.client().Pipeline()
	pipe.Set(ctx, m.keys.payload(j.ID), data, m.cfg.ResultTTL)
	pipe.LPush(ctx, m.keys.queue(j.Priority), j.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to enqueue job %s: %w", j.ID, err)
	}
	return nil
}

// enqueueDB is the DB_ONLY path: insert the row as queued and let the
// migration pass lift it into Redis after recovery. Strict admission wraps
// the count check and the insert in one transaction; best-effort admission
// tolerates the race, which is acceptable in a degraded mode.
func (m *Manager) enqueueDB(ctx context.Context, j *job.Job) error {
	m.admissionMu.Lock()
	defer m.admissionMu.Unlock()

	admit := func(ctx context.Context, s store.TaskStore) error {
		count, err := s.CountActiveForUser(ctx, j.UserID)
		if err != nil {
			return err
		}
		if count > 0 {
			return ErrUserHasActiveJob
		}
		return s.Create(ctx, j)
	}

	var err error
	if m.cfg.DBStrictAdmission && m.sessions != nil {
		err = m.sessions.WrapSerializable(ctx, admit)
	} else {
		err = admit(ctx, m.store)
	}
	if err != nil {
		return err
	}
	m.log.Info("Job queued in DB fallback", "job_id", j.ID, "user_id", j.UserID, "priority", j.Priority)
	return nil
}

// Dequeue pops the oldest job from the first non-empty queue in priority
// order, moving its id onto the processing list. Returns nil when all
// queues are empty.
func (m *Manager) Dequeue(ctx context.Context, priorities []job.Priority) (*job.Job, error) {
	client := m.client()
	for _, p := range priorities {
		id, err := client.RPopLPush(ctx, m.keys.queue(p), m.keys.processing).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to pop from %s queue: %w", p, err)
		}

		env, err := m.loadEnvelope(ctx, id)
		if err != nil {
			// Payload lost or corrupt; drop the id from processing so it
			// cannot wedge the list
			client.LRem(ctx, m.keys.processing, 1, id)
			return nil, err
		}
		return env.Job, nil
	}
	return nil, nil
}

// JobTimeout returns the execution deadline recorded for a job at enqueue
// time, falling back to the priority's configured timeout
func (m *Manager) JobTimeout(ctx context.Context, j *job.Job) time.Duration {
	env, err := m.loadEnvelope(ctx, j.ID)
	if err == nil && env.TimeoutSec > 0 {
		return time.Duration(env.TimeoutSec) * time.Second
	}
	return m.cfg.Queue(j.Priority).Timeout
}

func (m *Manager) loadEnvelope(ctx context.Context, jobID string) (*envelope, error) {
	data, err := m.client().Get(ctx, m.keys.payload(jobID)).Result()
	if err == redis.Nil {
		return nil, fmt.Errorf("job payload missing for %s", jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load job payload %s: %w", jobID, err)
	}
	var env envelope
	if err := json.Unmarshal([]byte(data), &env); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job payload %s: %w", jobID, err)
	}
	if env.Job == nil {
		return nil, fmt.Errorf("job payload %s has no job", jobID)
	}
	return &env, nil
}

func (m *Manager) saveEnvelope(ctx context.Context, pipe redis.Pipeliner, env *envelope, ttl time.Duration) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal job %s: %w", env.Job.ID, err)
	}
	pipe.Set(ctx, m.keys.payload(env.Job.ID), data, ttl)
	return nil
}

// CompleteJob removes a finished job from the processing list and records
// it in the finished registry for the retention sweep
func (m *Manager) CompleteJob(ctx context.Context, j *job.Job) error {
	now := time.Now()
	j.Status = job.StatusCompleted

	env := &envelope{Job: j, EnqueuedAt: now.Unix()}
	pipe := m.client().Pipeline()
	if err := m.saveEnvelope(ctx, pipe, env, m.cfg.ResultTTL); err != nil {
		return err
	}
	pipe.LRem(ctx, m.keys.processing, 1, j.ID)
	pipe.ZAdd(ctx, m.keys.finished, redis.Z{Score: float64(now.Unix()), Member: j.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to complete job %s: %w", j.ID, err)
	}
	return nil
}

// FailJob handles a job-body failure. If retries remain the job is placed
// in the scheduled set with its priority's backoff and the user slot stays
// held; otherwise it moves to the dead-letter list and the failed
// registry. Returns true when a retry was scheduled.
func (m *Manager) FailJob(ctx context.Context, j *job.Job, errMsg string) (bool, error) {
	j.ErrorMessage = errMsg
	now := time.Now()
	policy := m.cfg.Queue(j.Priority).Retry

	if j.Attempts < j.MaxRetries {
		delay := policy.Delay(j.Attempts)
		retryAt := now.Add(delay)
		j.Status = job.StatusQueued
		j.ScheduledFor = &retryAt

		env := &envelope{
			Job:        j,
			TimeoutSec: int(m.cfg.Queue(j.Priority).Timeout.Seconds()),
			EnqueuedAt: now.Unix(),
		}
		pipe := m.client().Pipeline()
		if err := m.saveEnvelope(ctx, pipe, env, m.cfg.ResultTTL); err != nil {
			return false, err
		}
		pipe.ZAdd(ctx, m.keys.scheduled, redis.Z{Score: float64(retryAt.Unix()), Member: j.ID})
		pipe.LRem(ctx, m.keys.processing, 1, j.ID)
		if _, err := pipe.Exec(ctx); err != nil {
			return false, fmt.Errorf("failed to schedule retry for job %s: %w", j.ID, err)
		}

		m.log.Warn("Job scheduled for retry",
			"job_id", j.ID, "attempt", j.Attempts, "max_retries", j.MaxRetries,
			"delay", delay, "retry_at", retryAt.Format(time.RFC3339))
		return true, nil
	}

	j.Status = job.StatusFailed
	j.ScheduledFor = nil

	env := &envelope{Job: j, EnqueuedAt: now.Unix()}
	pipe := m.client().Pipeline()
	if err := m.saveEnvelope(ctx, pipe, env, m.cfg.ResultTTL); err != nil {
		return false, err
	}
	pipe.LPush(ctx, m.keys.deadLetter, j.ID)
	pipe.ZAdd(ctx, m.keys.failed, redis.Z{Score: float64(now.Unix()), Member: j.ID})
	pipe.LRem(ctx, m.keys.processing, 1, j.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("failed to dead-letter job %s: %w", j.ID, err)
	}

	m.log.Error("Job moved to dead letter queue", "job_id", j.ID, "attempts", j.Attempts)
	return false, nil
}

// MoveScheduledToReady lifts due retries from the scheduled set back onto
// their priority queues. Called periodically by the host process. Returns
// the number of jobs moved.
func (m *Manager) MoveScheduledToReady(ctx context.Context) (int, error) {
	client := m.client()
	now := time.Now().Unix()

	ids, err := client.ZRangeByScore(ctx, m.keys.scheduled, &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", now),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read scheduled jobs: %w", err)
	}

	moved := 0
	for _, id := range ids {
		env, err := m.loadEnvelope(ctx, id)
		if err != nil {
			// Payload gone; drop the orphaned schedule entry
			client.ZRem(ctx, m.keys.scheduled, id)
			m.log.Warn("Scheduled job payload missing, entry removed", "job_id", id)
			continue
		}

		env.Job.ScheduledFor = nil
		pipe := client.Pipeline()
		if err := m.saveEnvelope(ctx, pipe, env, m.cfg.ResultTTL); err != nil {
			m.log.Error("Failed to serialize scheduled job", "job_id", id, "error", err)
			continue
		}
		pipe.LPush(ctx, m.keys.queue(env.Job.Priority), id)
		pipe.ZRem(ctx, m.keys.scheduled, id)
		if _, err := pipe.Exec(ctx); err != nil {
			m.log.Error("Failed to move scheduled job to ready queue", "job_id", id, "error", err)
			continue
		}
		moved++
	}

	if moved > 0 {
		m.log.Info("Moved scheduled retries to ready queues", "count", moved)
	}
	return moved, nil
}
