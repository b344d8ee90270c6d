package worker

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/iolaire/vedfolnir-queue/internal/config"
	"github.com/iolaire/vedfolnir-queue/internal/job"
	"github.com/iolaire/vedfolnir-queue/internal/logger"
)

// Manager owns the worker fleet: integrated goroutine workers, external
// OS processes, or both in hybrid mode
type Manager struct {
	cfg      *config.Config
	deps     Deps
	launcher ProcessLauncher
	log      logger.Logger

	mu       sync.Mutex
	groups   []config.WorkerGroup
	workers  map[string]*managedWorker
	procs    map[string]*managedProcess
	stopping bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// managedWorker pairs a worker with the group it was spawned for, so a
// replacement drains the same queues
type managedWorker struct {
	worker  *Worker
	group   config.WorkerGroup
	stopped bool
}

type managedProcess struct {
	name   string
	queues []job.Priority
	proc   Process
}

// NewManager creates the worker manager. deps is the template every
// integrated worker is built from; launcher may be nil unless external
// workers are started.
func NewManager(cfg *config.Config, deps Deps, launcher ProcessLauncher, log logger.Logger) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:      cfg,
		deps:     deps,
		launcher: launcher,
		log:      log.WithComponent(logger.ComponentWorker),
		groups:   cfg.WorkerGroups,
		workers:  make(map[string]*managedWorker),
		procs:    make(map[string]*managedProcess),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// StartIntegratedWorkers spawns the configured worker groups as
// goroutines inside this process
func (m *Manager) StartIntegratedWorkers() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopping {
		return fmt.Errorf("worker manager is stopping")
	}
	for _, group := range m.groups {
		for i := 0; i < group.Count; i++ {
			m.spawnLocked(group)
		}
	}
	m.log.Info("Integrated workers started", "count", len(m.workers))
	return nil
}

// spawnLocked creates one worker and its supervision goroutine. A worker
// that exits on its own (memory limit) is replaced; one stopped through
// the manager is not. Caller holds m.mu.
func (m *Manager) spawnLocked(group config.WorkerGroup) string {
	id := "worker-" + uuid.New().String()[:8]
	w := New(id, group.Queues, m.deps)
	mw := &managedWorker{worker: w, group: group}
	m.workers[id] = mw

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		w.Run(m.ctx)

		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.workers, id)
		if m.stopping || mw.stopped {
			return
		}
		// Self-exit (memory limit); replace in kind
		m.log.Info("Replacing exited worker", "worker_id", id)
		m.spawnLocked(group)
	}()
	return id
}

// StartExternalWorkers launches the configured groups as separate OS
// processes through the launcher
func (m *Manager) StartExternalWorkers(ctx context.Context) error {
	if m.launcher == nil {
		return fmt.Errorf("no process launcher configured")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopping {
		return fmt.Errorf("worker manager is stopping")
	}

	for _, group := range m.groups {
		for i := 0; i < group.Count; i++ {
			name := "external-" + uuid.New().String()[:8]
			proc, err := m.launcher.Launch(ctx, name, queueNames(group.Queues), m.cfg.WorkerTimeout)
			if err != nil {
				return fmt.Errorf("failed to launch external worker %s: %w", name, err)
			}
			m.procs[name] = &managedProcess{name: name, queues: group.Queues, proc: proc}
			m.log.Info("External worker launched", "name", name, "pid", proc.PID())
		}
	}
	return nil
}

// Start launches the fleet according to the configured worker mode
func (m *Manager) Start(ctx context.Context) error {
	switch m.cfg.WorkerMode {
	case config.WorkerModeIntegrated:
		return m.StartIntegratedWorkers()
	case config.WorkerModeExternal:
		return m.StartExternalWorkers(ctx)
	case config.WorkerModeHybrid:
		if err := m.StartIntegratedWorkers(); err != nil {
			return err
		}
		return m.StartExternalWorkers(ctx)
	default:
		return fmt.Errorf("unknown worker mode %q", m.cfg.WorkerMode)
	}
}

// StopWorkers shuts the fleet down. Graceful lets each worker finish its
// current job within the timeout; non-graceful cancels the run context
// immediately. External processes get SIGTERM, then SIGKILL at the
// deadline. Returns the number of workers that did not stop in time,
// so the host process can exit nonzero.
func (m *Manager) StopWorkers(graceful bool, timeout time.Duration) int {
	m.mu.Lock()
	m.stopping = true
	workers := make([]*managedWorker, 0, len(m.workers))
	for _, mw := range m.workers {
		mw.stopped = true
		workers = append(workers, mw)
	}
	procs := make([]*managedProcess, 0, len(m.procs))
	for _, p := range m.procs {
		procs = append(procs, p)
	}
	m.procs = make(map[string]*managedProcess)
	m.mu.Unlock()

	if !graceful {
		m.cancel()
	}

	var failed atomic.Int64
	var wg sync.WaitGroup
	for _, mw := range workers {
		wg.Add(1)
		go func(mw *managedWorker) {
			defer wg.Done()
			if !mw.worker.Stop(timeout) {
				m.log.Warn("Worker did not stop within timeout", "worker_id", mw.worker.ID())
				failed.Add(1)
			}
		}(mw)
	}
	for _, p := range procs {
		wg.Add(1)
		go func(p *managedProcess) {
			defer wg.Done()
			if !m.stopProcess(p, timeout) {
				failed.Add(1)
			}
		}(p)
	}
	wg.Wait()

	m.cancel()
	m.wg.Wait()
	m.log.Info("Worker fleet stopped", "graceful", graceful, "stop_failures", failed.Load())
	return int(failed.Load())
}

// stopProcess signals one external worker and waits for it, killing it
// at the deadline. Returns true when the process exited on the signal.
func (m *Manager) stopProcess(p *managedProcess, timeout time.Duration) bool {
	if err := p.proc.Terminate(); err != nil {
		m.log.Warn("Failed to signal external worker", "name", p.name, "error", err)
	}
	done := make(chan error, 1)
	go func() { done <- p.proc.Wait() }()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		m.log.Warn("External worker did not exit, killing", "name", p.name, "pid", p.proc.PID())
		if err := p.proc.Kill(); err != nil {
			m.log.Error("Failed to kill external worker", "name", p.name, "error", err)
		}
		return false
	}
}

// RestartWorker stops one integrated worker and spawns a replacement on
// the same queues
func (m *Manager) RestartWorker(id string, timeout time.Duration) error {
	m.mu.Lock()
	mw, ok := m.workers[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("no worker %s", id)
	}
	mw.stopped = true
	group := mw.group
	m.mu.Unlock()

	if !mw.worker.Stop(timeout) {
		return fmt.Errorf("worker %s did not stop within %s", id, timeout)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopping {
		return nil
	}
	newID := m.spawnLocked(group)
	m.log.Info("Worker restarted", "old", id, "new", newID)
	return nil
}

// ScaleWorkers re-sizes the set of integrated workers serving one queue
// to target. Scaling up spawns workers on the queue's existing group
// layout; scaling down marks surplus workers stopped and lets them
// drain their current jobs. Workers on other queues are untouched.
func (m *Manager) ScaleWorkers(queue job.Priority, target int, timeout time.Duration) error {
	if _, err := job.ParsePriority(string(queue)); err != nil {
		return err
	}
	if target < 0 {
		return fmt.Errorf("target worker count must not be negative")
	}

	m.mu.Lock()
	if m.stopping {
		m.mu.Unlock()
		return fmt.Errorf("worker manager is stopping")
	}
	var serving []*managedWorker
	for _, mw := range m.workers {
		if servesQueue(mw.group.Queues, queue) {
			serving = append(serving, mw)
		}
	}
	current := len(serving)

	if current < target {
		// Reuse a group already draining the queue so replacements keep
		// the same priority span; otherwise bind new workers to the queue
		// alone
		group := config.WorkerGroup{Queues: []job.Priority{queue}, Count: 1}
		if current > 0 {
			group = serving[0].group
		}
		for i := current; i < target; i++ {
			m.spawnLocked(group)
		}
		m.mu.Unlock()
		m.log.Info("Worker fleet scaled up", "queue", queue, "from", current, "to", target)
		return nil
	}

	surplus := serving[target:]
	for _, mw := range surplus {
		mw.stopped = true
	}
	m.mu.Unlock()

	for _, mw := range surplus {
		if !mw.worker.Stop(timeout) {
			m.log.Warn("Worker did not stop within scale-down timeout", "worker_id", mw.worker.ID())
		}
	}
	if len(surplus) > 0 {
		m.log.Info("Worker fleet scaled down", "queue", queue, "from", current, "to", target)
	}
	return nil
}

func servesQueue(queues []job.Priority, queue job.Priority) bool {
	for _, p := range queues {
		if p == queue {
			return true
		}
	}
	return false
}

// WorkerHealth describes one fleet member for the health report
type WorkerHealth struct {
	ID            string    `json:"id"`
	Kind          string    `json:"kind"`
	Queues        []string  `json:"queues"`
	CurrentJob    string    `json:"current_job,omitempty"`
	Processed     int64     `json:"processed"`
	Failed        int64     `json:"failed"`
	MemoryMB      int       `json:"memory_mb,omitempty"`
	LastHeartbeat time.Time `json:"last_heartbeat,omitempty"`
	Alive         bool      `json:"alive"`
	PID           int       `json:"pid,omitempty"`
}

// HealthReport snapshots the fleet: this process's workers plus every
// registration hash under the worker key prefix, so workers on other
// hosts are visible. A registration whose heartbeat key has expired is
// reported dead.
func (m *Manager) HealthReport(ctx context.Context) []WorkerHealth {
	m.mu.Lock()
	local := make(map[string]bool, len(m.workers)+len(m.procs))
	out := make([]WorkerHealth, 0, len(m.workers)+len(m.procs))
	for id, mw := range m.workers {
		local[id] = true
		h := WorkerHealth{
			ID:         id,
			Kind:       "integrated",
			Queues:     queueNames(mw.worker.Queues()),
			CurrentJob: mw.worker.CurrentJob(),
			Processed:  mw.worker.Processed(),
			Failed:     mw.worker.Failed(),
			Alive:      true,
		}
		if m.deps.MemoryMB != nil {
			h.MemoryMB = m.deps.MemoryMB()
		}
		out = append(out, h)
	}
	for name, p := range m.procs {
		local[name] = true
		out = append(out, WorkerHealth{
			ID:     name,
			Kind:   "external",
			Queues: queueNames(p.queues),
			Alive:  true,
			PID:    p.proc.PID(),
		})
	}
	m.mu.Unlock()

	if m.deps.Client != nil {
		out = append(out, m.scanRegistrations(ctx, local)...)
	}
	return out
}

// scanRegistrations reads the registration hashes other processes wrote
func (m *Manager) scanRegistrations(ctx context.Context, local map[string]bool) []WorkerHealth {
	client := m.deps.Client()
	var out []WorkerHealth
	var cursor uint64
	for {
		keys, next, err := client.Scan(ctx, cursor, workerKeyPrefix+"*", 100).Result()
		if err != nil {
			m.log.Warn("Worker registry scan failed", "error", err)
			return out
		}
		for _, key := range keys {
			id := strings.TrimPrefix(key, workerKeyPrefix)
			if local[id] {
				continue
			}
			data, err := client.HGetAll(ctx, key).Result()
			if err != nil || len(data) == 0 {
				continue
			}
			h := WorkerHealth{
				ID:         id,
				Kind:       "remote",
				CurrentJob: data["current_job"],
				Alive:      client.Exists(ctx, HeartbeatKey(id)).Val() == 1,
			}
			if q := data["queues"]; q != "" {
				h.Queues = strings.Split(q, ",")
			}
			if n, err := strconv.Atoi(data["pid"]); err == nil {
				h.PID = n
			}
			if n, err := strconv.Atoi(data["memory_mb"]); err == nil {
				h.MemoryMB = n
			}
			var success, fail int64
			if n, err := strconv.ParseInt(data["success_count"], 10, 64); err == nil {
				success = n
			}
			if n, err := strconv.ParseInt(data["fail_count"], 10, 64); err == nil {
				fail = n
			}
			h.Processed = success + fail
			h.Failed = fail
			if ts, err := time.Parse(time.RFC3339, data["last_heartbeat"]); err == nil {
				h.LastHeartbeat = ts
			}
			out = append(out, h)
		}
		if next == 0 {
			return out
		}
		cursor = next
	}
}

// Count returns the number of integrated workers currently managed
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.workers)
}
