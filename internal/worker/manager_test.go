package worker

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/iolaire/vedfolnir-queue/internal/config"
	"github.com/iolaire/vedfolnir-queue/internal/job"
	"github.com/iolaire/vedfolnir-queue/internal/store"
	"github.com/iolaire/vedfolnir-queue/internal/usertask"
)

type managerEnv struct {
	queue *fakeQueue
	store *store.MemoryStore
	index *usertask.Index
	deps  Deps
}

func setupManagerDeps(t *testing.T) *managerEnv {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	env := &managerEnv{
		queue: &fakeQueue{},
		store: store.NewMemoryStore(),
		index: usertask.NewIndex(func() *redis.Client { return client }, time.Hour),
	}
	env.deps = Deps{
		Queue: env.queue,
		Processor: &fakeProcessor{fn: func(ctx context.Context, j *job.Job) (json.RawMessage, error) {
			return nil, nil
		}},
		Progress:     &fakeProgress{},
		Store:        env.store,
		Sessions:     store.NewMemorySessions(env.store),
		Index:        env.index,
		PollInterval: 5 * time.Millisecond,
		Log:          quietLogger(t),
	}
	return env
}

func integratedConfig(count int) *config.Config {
	return &config.Config{
		WorkerMode:    config.WorkerModeIntegrated,
		WorkerGroups:  config.DefaultWorkerGroups(count),
		WorkerTimeout: time.Minute,
	}
}

func TestManagerStartsConfiguredFleet(t *testing.T) {
	env := setupManagerDeps(t)
	m := NewManager(integratedConfig(3), env.deps, nil, quietLogger(t))
	defer m.StopWorkers(true, time.Second)

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if m.Count() != 3 {
		t.Errorf("expected 3 workers, got %d", m.Count())
	}

	report := m.HealthReport(context.Background())
	if len(report) != 3 {
		t.Fatalf("expected 3 health entries, got %d", len(report))
	}
	for _, h := range report {
		if !h.Alive {
			t.Errorf("worker %s should report alive", h.ID)
		}
	}
	for _, h := range report {
		if h.Kind != "integrated" {
			t.Errorf("unexpected worker kind %q", h.Kind)
		}
		if len(h.Queues) == 0 {
			t.Errorf("worker %s has no queues", h.ID)
		}
	}
}

func TestManagerStopDrainsFleet(t *testing.T) {
	env := setupManagerDeps(t)
	m := NewManager(integratedConfig(2), env.deps, nil, quietLogger(t))

	if err := m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	m.StopWorkers(true, time.Second)

	if m.Count() != 0 {
		t.Errorf("expected empty fleet after stop, got %d", m.Count())
	}
}

func TestManagerReplacesMemoryExitedWorker(t *testing.T) {
	env := setupManagerDeps(t)
	env.deps.MemoryExceeded = func() bool { return true }

	m := NewManager(integratedConfig(1), env.deps, nil, quietLogger(t))
	defer m.StopWorkers(true, time.Second)

	if err := m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	report := m.HealthReport(context.Background())
	if len(report) != 1 {
		t.Fatalf("expected 1 worker, got %d", len(report))
	}
	original := report[0].ID

	// One job makes the worker trip the memory check and exit
	j := job.New(42, 7, job.PriorityNormal, nil)
	j.ID = "job-aaaaaaaaaaaaaaaa"
	if err := env.store.Create(context.Background(), j); err != nil {
		t.Fatal(err)
	}
	if _, err := env.index.SetIfAbsent(context.Background(), j.UserID, j.ID); err != nil {
		t.Fatal(err)
	}
	env.queue.mu.Lock()
	env.queue.jobs = append(env.queue.jobs, j)
	env.queue.mu.Unlock()

	waitFor(t, "replacement worker", func() bool {
		report := m.HealthReport(context.Background())
		return len(report) == 1 && report[0].ID != original
	})
	if env.queue.completedCount() != 1 {
		t.Error("job should complete before the worker exits")
	}
}

func TestManagerRestartWorker(t *testing.T) {
	env := setupManagerDeps(t)
	m := NewManager(integratedConfig(1), env.deps, nil, quietLogger(t))
	defer m.StopWorkers(true, time.Second)

	if err := m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	original := m.HealthReport(context.Background())[0].ID

	if err := m.RestartWorker(original, time.Second); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	waitFor(t, "replacement worker", func() bool {
		report := m.HealthReport(context.Background())
		return len(report) == 1 && report[0].ID != original
	})

	if err := m.RestartWorker("worker-missing", time.Second); err == nil {
		t.Error("expected error for unknown worker id")
	}
}

func countServing(report []WorkerHealth, queue string) int {
	n := 0
	for _, h := range report {
		for _, q := range h.Queues {
			if q == queue {
				n++
			}
		}
	}
	return n
}

func TestManagerScaleWorkersPerQueue(t *testing.T) {
	env := setupManagerDeps(t)
	// Groups: [urgent,high] x1 and [normal,low] x1
	m := NewManager(integratedConfig(2), env.deps, nil, quietLogger(t))
	defer m.StopWorkers(true, time.Second)

	if err := m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	if err := m.ScaleWorkers(job.PriorityNormal, 3, time.Second); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	waitFor(t, "scale normal up to 3", func() bool {
		return countServing(m.HealthReport(ctx), "normal") == 3
	})
	// The urgent/high group is untouched
	if n := countServing(m.HealthReport(ctx), "urgent"); n != 1 {
		t.Errorf("urgent workers changed by normal-queue scaling: %d", n)
	}

	if err := m.ScaleWorkers(job.PriorityNormal, 1, time.Second); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	waitFor(t, "scale normal down to 1", func() bool {
		return countServing(m.HealthReport(ctx), "normal") == 1
	})
	if n := countServing(m.HealthReport(ctx), "urgent"); n != 1 {
		t.Errorf("urgent workers drained by normal-queue scaling: %d", n)
	}

	if err := m.ScaleWorkers("whenever", 1, time.Second); err == nil {
		t.Error("expected error for unknown queue")
	}
	if err := m.ScaleWorkers(job.PriorityLow, -1, time.Second); err == nil {
		t.Error("expected error for negative target")
	}
}

func TestHealthReportSeesRemoteWorkers(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	env := setupManagerDeps(t)
	env.deps.Client = func() *redis.Client { return client }
	m := NewManager(integratedConfig(1), env.deps, nil, quietLogger(t))
	defer m.StopWorkers(true, time.Second)

	if err := m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	// Another host's worker with a fresh heartbeat
	client.HSet(ctx, WorkerKey("worker-remote1"), map[string]interface{}{
		"worker_id":      "worker-remote1",
		"queues":         "urgent,high",
		"pid":            4242,
		"memory_mb":      256,
		"success_count":  7,
		"fail_count":     2,
		"current_job":    "job-cccccccccccccccc",
		"last_heartbeat": time.Now().UTC().Format(time.RFC3339),
	})
	client.Set(ctx, HeartbeatKey("worker-remote1"), time.Now().UTC().Format(time.RFC3339), time.Hour)

	// A crashed worker: registration lingers, heartbeat key expired
	client.HSet(ctx, WorkerKey("worker-remote2"), map[string]interface{}{
		"worker_id": "worker-remote2",
		"queues":    "low",
	})

	report := m.HealthReport(ctx)
	byID := make(map[string]WorkerHealth, len(report))
	for _, h := range report {
		byID[h.ID] = h
	}
	if len(report) != 3 {
		t.Fatalf("expected 1 local + 2 remote entries, got %d: %+v", len(report), report)
	}

	r1, ok := byID["worker-remote1"]
	if !ok {
		t.Fatal("remote worker missing from report")
	}
	if r1.Kind != "remote" || !r1.Alive {
		t.Errorf("unexpected remote entry: %+v", r1)
	}
	if r1.PID != 4242 || r1.MemoryMB != 256 || r1.Processed != 9 || r1.Failed != 2 {
		t.Errorf("remote counters not carried: %+v", r1)
	}
	if r1.CurrentJob != "job-cccccccccccccccc" || r1.LastHeartbeat.IsZero() {
		t.Errorf("remote live fields not carried: %+v", r1)
	}

	r2, ok := byID["worker-remote2"]
	if !ok {
		t.Fatal("stale remote worker missing from report")
	}
	if r2.Alive {
		t.Error("worker without a heartbeat key must report dead")
	}
}

func TestStopWorkersCountsStuckWorkers(t *testing.T) {
	env := setupManagerDeps(t)
	env.queue.timeout = time.Minute
	env.deps.Processor = &fakeProcessor{fn: func(ctx context.Context, j *job.Job) (json.RawMessage, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}

	m := NewManager(integratedConfig(1), env.deps, nil, quietLogger(t))
	if err := m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	j := job.New(42, 7, job.PriorityNormal, nil)
	j.ID = "job-aaaaaaaaaaaaaaaa"
	if err := env.store.Create(context.Background(), j); err != nil {
		t.Fatal(err)
	}
	env.queue.mu.Lock()
	env.queue.jobs = append(env.queue.jobs, j)
	env.queue.mu.Unlock()

	waitFor(t, "job pickup", func() bool {
		report := m.HealthReport(context.Background())
		return len(report) == 1 && report[0].CurrentJob == j.ID
	})

	if failed := m.StopWorkers(true, 20*time.Millisecond); failed != 1 {
		t.Errorf("expected 1 stop failure, got %d", failed)
	}
}

func TestStopWorkersCleanShutdownReportsZero(t *testing.T) {
	env := setupManagerDeps(t)
	m := NewManager(integratedConfig(2), env.deps, nil, quietLogger(t))
	if err := m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if failed := m.StopWorkers(true, time.Second); failed != 0 {
		t.Errorf("expected 0 stop failures, got %d", failed)
	}
}

type fakeProcess struct {
	pid        int
	mu         sync.Mutex
	terminated bool
	killed     bool
	done       chan struct{}
}

func newFakeProcess(pid int) *fakeProcess {
	return &fakeProcess{pid: pid, done: make(chan struct{})}
}

func (p *fakeProcess) PID() int { return p.pid }

func (p *fakeProcess) Terminate() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.terminated {
		p.terminated = true
		close(p.done)
	}
	return nil
}

func (p *fakeProcess) Kill() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.killed = true
	return nil
}

func (p *fakeProcess) Wait() error {
	<-p.done
	return nil
}

type fakeLauncher struct {
	mu    sync.Mutex
	procs []*fakeProcess
	names []string
}

func (l *fakeLauncher) Launch(ctx context.Context, name string, queues []string, jobTimeout time.Duration) (Process, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p := newFakeProcess(1000 + len(l.procs))
	l.procs = append(l.procs, p)
	l.names = append(l.names, name)
	return p, nil
}

func TestManagerExternalWorkers(t *testing.T) {
	env := setupManagerDeps(t)
	launcher := &fakeLauncher{}
	cfg := &config.Config{
		WorkerMode:    config.WorkerModeExternal,
		WorkerGroups:  config.DefaultWorkerGroups(2),
		WorkerTimeout: time.Minute,
	}
	m := NewManager(cfg, env.deps, launcher, quietLogger(t))

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	launcher.mu.Lock()
	launched := len(launcher.procs)
	launcher.mu.Unlock()
	if launched != 2 {
		t.Fatalf("expected 2 external workers, got %d", launched)
	}

	report := m.HealthReport(context.Background())
	for _, h := range report {
		if h.Kind != "external" || h.PID == 0 {
			t.Errorf("unexpected external entry: %+v", h)
		}
	}

	m.StopWorkers(true, time.Second)
	launcher.mu.Lock()
	defer launcher.mu.Unlock()
	for _, p := range launcher.procs {
		p.mu.Lock()
		if !p.terminated {
			t.Errorf("process %d never signalled", p.pid)
		}
		if p.killed {
			t.Errorf("process %d killed despite exiting on SIGTERM", p.pid)
		}
		p.mu.Unlock()
	}
}

func TestManagerExternalWithoutLauncher(t *testing.T) {
	env := setupManagerDeps(t)
	cfg := &config.Config{
		WorkerMode:   config.WorkerModeExternal,
		WorkerGroups: config.DefaultWorkerGroups(1),
	}
	m := NewManager(cfg, env.deps, nil, quietLogger(t))
	if err := m.Start(context.Background()); err == nil {
		t.Error("expected error without a launcher")
	}
}

func TestManagerHybridMode(t *testing.T) {
	env := setupManagerDeps(t)
	launcher := &fakeLauncher{}
	cfg := &config.Config{
		WorkerMode:    config.WorkerModeHybrid,
		WorkerGroups:  config.DefaultWorkerGroups(1),
		WorkerTimeout: time.Minute,
	}
	m := NewManager(cfg, env.deps, launcher, quietLogger(t))
	defer m.StopWorkers(true, time.Second)

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if m.Count() != 1 {
		t.Errorf("expected 1 integrated worker, got %d", m.Count())
	}
	launcher.mu.Lock()
	launched := len(launcher.procs)
	launcher.mu.Unlock()
	if launched != 1 {
		t.Errorf("expected 1 external worker, got %d", launched)
	}
}

func TestManagerUnknownMode(t *testing.T) {
	env := setupManagerDeps(t)
	cfg := &config.Config{WorkerMode: "serverless"}
	m := NewManager(cfg, env.deps, nil, quietLogger(t))
	if err := m.Start(context.Background()); err == nil {
		t.Error("expected error for unknown worker mode")
	}
}
