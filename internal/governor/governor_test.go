package governor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/iolaire/vedfolnir-queue/internal/config"
	"github.com/iolaire/vedfolnir-queue/internal/logger"
	"github.com/iolaire/vedfolnir-queue/internal/queue"
)

func quietLogger(t *testing.T) logger.Logger {
	cfg := logger.DefaultConfig()
	cfg.Level = logger.LevelError
	cfg.Console.Enabled = false
	log, err := logger.NewLogger(cfg)
	if err != nil {
		t.Fatalf("failed to create test logger: %v", err)
	}
	return log
}

type fakeCleaner struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeCleaner) Cleanup(ctx context.Context) (queue.CleanupReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return queue.CleanupReport{FinishedRemoved: 2, FailedRemoved: 1}, nil
}

func (f *fakeCleaner) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeMover struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeMover) MoveScheduledToReady(ctx context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return 1, nil
}

func (f *fakeMover) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func testGovernor(t *testing.T, limitMB int) (*Governor, *fakeCleaner, *fakeMover, *config.Config) {
	cfg := &config.Config{
		WorkerMemoryLimitMB:   limitMB,
		CleanupInterval:       20 * time.Millisecond,
		ScheduledPollInterval: 10 * time.Millisecond,
	}
	cleaner := &fakeCleaner{}
	mover := &fakeMover{}
	return New(cfg, cleaner, mover, quietLogger(t)), cleaner, mover, cfg
}

func TestMemoryExceeded(t *testing.T) {
	// A zero limit puts any heap over it
	g, _, _, cfg := testGovernor(t, 0)
	g.sample()
	if !g.MemoryExceeded() {
		t.Error("expected exceeded with a zero limit")
	}

	// An absurdly high limit is never crossed
	cfg.WorkerMemoryLimitMB = 1 << 20
	g.sample()
	if g.MemoryExceeded() {
		t.Errorf("expected within limit, heap %dMB", g.MemoryMB())
	}
}

func TestEmergencyCallbackFiresOnEntryOnly(t *testing.T) {
	g, _, _, cfg := testGovernor(t, 0)

	var fired int
	g.RegisterEmergencyCallback("test", func() { fired++ })

	g.sample()
	g.sample()
	if fired != 1 {
		t.Errorf("expected one fire on the emergency edge, got %d", fired)
	}

	// Leaving and re-entering fires again
	cfg.WorkerMemoryLimitMB = 1 << 20
	g.sample()
	cfg.WorkerMemoryLimitMB = 0
	g.sample()
	if fired != 2 {
		t.Errorf("expected a second fire on re-entry, got %d", fired)
	}

	stats := g.Snapshot()
	if stats.Emergencies != 2 {
		t.Errorf("expected 2 emergencies recorded, got %d", stats.Emergencies)
	}
}

func TestEmergencyCallbackPanicIsContained(t *testing.T) {
	g, _, _, _ := testGovernor(t, 0)

	g.RegisterEmergencyCallback("bad", func() { panic("callback bug") })
	var alsoFired bool
	g.RegisterEmergencyCallback("good", func() { alsoFired = true })

	g.sample()
	if !alsoFired {
		t.Error("a panicking callback must not block the others")
	}
}

func TestRegisterEmergencyCallbackIdempotent(t *testing.T) {
	g, _, _, _ := testGovernor(t, 0)

	var fired int
	g.RegisterEmergencyCallback("same", func() { fired++ })
	g.RegisterEmergencyCallback("same", func() { fired++ })

	g.sample()
	if fired != 1 {
		t.Errorf("re-registration under one name should replace, got %d fires", fired)
	}
}

func TestMoverLoopLiftsRetries(t *testing.T) {
	g, _, mover, _ := testGovernor(t, 1<<20)
	if err := g.Start(); err != nil {
		t.Fatal(err)
	}
	defer g.Stop()

	deadline := time.After(3 * time.Second)
	for mover.count() == 0 {
		select {
		case <-deadline:
			t.Fatal("retry mover never ran")
		case <-time.After(5 * time.Millisecond):
		}
	}

	for g.Snapshot().RetriesMoved == 0 {
		select {
		case <-deadline:
			t.Fatal("moved retries never counted")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestScheduledCleanupRuns(t *testing.T) {
	g, cleaner, _, _ := testGovernor(t, 1<<20)
	if err := g.Start(); err != nil {
		t.Fatal(err)
	}
	defer g.Stop()

	deadline := time.After(3 * time.Second)
	for cleaner.count() == 0 {
		select {
		case <-deadline:
			t.Fatal("retention sweep never ran")
		case <-time.After(5 * time.Millisecond):
		}
	}

	for {
		stats := g.Snapshot()
		if stats.CleanupRuns > 0 && stats.FinishedRemoved > 0 && stats.FailedRemoved > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("cleanup counters never updated: %+v", g.Snapshot())
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestStopIsIdempotent(t *testing.T) {
	g, _, _, _ := testGovernor(t, 1<<20)
	if err := g.Start(); err != nil {
		t.Fatal(err)
	}
	g.Stop()
	g.Stop()
}
