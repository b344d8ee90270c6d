package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/iolaire/vedfolnir-queue/internal/job"
)

// MemoryStore is an in-memory TaskStore used by tests and single-node
// development runs. It honors the same one-row-per-id contract as the
// Postgres store.
type MemoryStore struct {
	mu   sync.RWMutex
	rows map[string]*job.Job
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[string]*job.Job)}
}

func cloneJob(j *job.Job) *job.Job {
	c := *j
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	if j.ScheduledFor != nil {
		t := *j.ScheduledFor
		c.ScheduledFor = &t
	}
	if j.Settings != nil {
		c.Settings = append([]byte(nil), j.Settings...)
	}
	return &c
}

// Create inserts the job row
func (m *MemoryStore) Create(_ context.Context, j *job.Job) error {
	if err := j.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.rows[j.ID]; exists {
		return fmt.Errorf("job %s already exists", j.ID)
	}
	m.rows[j.ID] = cloneJob(j)
	return nil
}

// Get returns the row for a job id
func (m *MemoryStore) Get(_ context.Context, id string) (*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, ok := m.rows[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneJob(j), nil
}

// Update overwrites the mutable columns
func (m *MemoryStore) Update(_ context.Context, j *job.Job) error {
	if err := j.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.rows[j.ID]
	if !ok {
		return ErrNotFound
	}
	next := cloneJob(j)
	next.CreatedAt = cur.CreatedAt
	m.rows[j.ID] = next
	return nil
}

// MarkRunning transitions a row to running
func (m *MemoryStore) MarkRunning(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.rows[id]
	if !ok {
		return ErrNotFound
	}
	j.MarkRunning(at)
	return nil
}

// MarkTerminal transitions a row to a terminal status
func (m *MemoryStore) MarkTerminal(_ context.Context, id string, status job.Status, errMsg string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.rows[id]
	if !ok {
		return ErrNotFound
	}
	return j.MarkTerminal(status, errMsg, at)
}

// SetProgress mirrors the latest snapshot into the row
func (m *MemoryStore) SetProgress(_ context.Context, id string, step string, percent int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.rows[id]
	if !ok {
		return ErrNotFound
	}
	j.CurrentStep = step
	j.ProgressPercent = job.ClampPercent(percent)
	return nil
}

// CountActiveForUser counts queued or running rows for one user
func (m *MemoryStore) CountActiveForUser(_ context.Context, userID int64) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var count int64
	for _, j := range m.rows {
		if j.UserID == userID && (j.Status == job.StatusQueued || j.Status == job.StatusRunning) {
			count++
		}
	}
	return count, nil
}

// ListQueued returns queued rows ordered by priority then creation time
func (m *MemoryStore) ListQueued(_ context.Context, limit int) ([]*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var queued []*job.Job
	for _, j := range m.rows {
		if j.Status == job.StatusQueued {
			queued = append(queued, cloneJob(j))
		}
	}
	sort.Slice(queued, func(a, b int) bool {
		if queued[a].Priority.Rank() != queued[b].Priority.Rank() {
			return queued[a].Priority.Rank() < queued[b].Priority.Rank()
		}
		return queued[a].CreatedAt.Before(queued[b].CreatedAt)
	})
	if limit > 0 && len(queued) > limit {
		queued = queued[:limit]
	}
	return queued, nil
}

// CountByStatus returns per-status row counts
func (m *MemoryStore) CountByStatus(_ context.Context) (map[job.Status]int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[job.Status]int64)
	for _, j := range m.rows {
		out[j.Status]++
	}
	return out, nil
}

// MemorySessions implements Sessions over a MemoryStore. There is no
// transaction to roll back; it exists so worker code runs identically in
// tests.
type MemorySessions struct {
	store  *MemoryStore
	active atomic.Int64
}

// NewMemorySessions wraps a memory store
func NewMemorySessions(store *MemoryStore) *MemorySessions {
	return &MemorySessions{store: store}
}

// Wrap runs fn against the shared store, counting the session as active
// for its duration
func (m *MemorySessions) Wrap(ctx context.Context, fn func(ctx context.Context, s TaskStore) error) (err error) {
	m.active.Add(1)
	defer func() {
		m.active.Add(-1)
		if r := recover(); r != nil {
			err = fmt.Errorf("session panicked: %v", r)
		}
	}()
	return fn(ctx, m.store)
}

// WrapSerializable is Wrap; the single mutex already serializes every
// access to the memory store
func (m *MemorySessions) WrapSerializable(ctx context.Context, fn func(ctx context.Context, s TaskStore) error) error {
	return m.Wrap(ctx, fn)
}

// Active returns the number of open sessions
func (m *MemorySessions) Active() int64 {
	return m.active.Load()
}
