// Package governor supervises process resources and runs the scheduled
// maintenance the queue core needs: memory sampling against the worker
// limit, periodic GC, retention sweeps, and the retry mover that lifts
// due retries back onto their queues.
package governor

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/iolaire/vedfolnir-queue/internal/config"
	"github.com/iolaire/vedfolnir-queue/internal/errors"
	"github.com/iolaire/vedfolnir-queue/internal/logger"
	"github.com/iolaire/vedfolnir-queue/internal/queue"
)

// sampleInterval is the cadence of memory sampling
const sampleInterval = 10 * time.Second

// gcSchedule forces a collection every five minutes so heap headroom
// reflects live data rather than lazy collection
const gcSchedule = "@every 5m"

// emergencyFraction of the worker memory limit triggers emergency
// callbacks and an immediate GC
const emergencyFraction = 0.9

// Cleaner runs a retention sweep; the queue manager satisfies it
type Cleaner interface {
	Cleanup(ctx context.Context) (queue.CleanupReport, error)
}

// Mover lifts due retries onto their ready queues; the queue manager
// satisfies it
type Mover interface {
	MoveScheduledToReady(ctx context.Context) (int, error)
}

// Governor owns the maintenance schedule and the memory watchdog
type Governor struct {
	cfg     *config.Config
	cleaner Cleaner
	mover   Mover
	log     logger.Logger

	cron *cron.Cron

	mu                 sync.Mutex
	heapAllocMB        int
	emergencyCallbacks map[string]func()
	inEmergency        bool

	stats Stats

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates the governor. Start must be called for any of its loops to
// run.
func New(cfg *config.Config, cleaner Cleaner, mover Mover, log logger.Logger) *Governor {
	return &Governor{
		cfg:                cfg,
		cleaner:            cleaner,
		mover:              mover,
		log:                log.WithComponent(logger.ComponentGovernor),
		cron:               cron.New(),
		emergencyCallbacks: make(map[string]func()),
		stopChan:           make(chan struct{}),
	}
}

// RegisterEmergencyCallback registers a callback fired once per entry
// into memory emergency. Registration is idempotent per name.
func (g *Governor) RegisterEmergencyCallback(name string, f func()) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.emergencyCallbacks[name] = f
}

// Start launches the memory sampler, the retry mover and the cron
// schedule
func (g *Governor) Start() error {
	if _, err := g.cron.AddFunc(gcSchedule, g.runGC); err != nil {
		return fmt.Errorf("failed to schedule GC: %w", err)
	}
	cleanupSpec := fmt.Sprintf("@every %s", g.cfg.CleanupInterval)
	if _, err := g.cron.AddFunc(cleanupSpec, g.runCleanup); err != nil {
		return fmt.Errorf("failed to schedule retention sweep: %w", err)
	}
	g.cron.Start()

	g.wg.Add(2)
	go g.sampleLoop()
	go g.moverLoop()

	g.log.Info("Resource governor started",
		"sample_interval", sampleInterval,
		"cleanup_interval", g.cfg.CleanupInterval,
		"retry_poll_interval", g.cfg.ScheduledPollInterval)
	return nil
}

// Stop halts the schedule and the loops
func (g *Governor) Stop() {
	g.stopOnce.Do(func() { close(g.stopChan) })
	<-g.cron.Stop().Done()
	g.wg.Wait()
}

// MemoryMB returns the last sampled heap allocation in MB
func (g *Governor) MemoryMB() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.heapAllocMB
}

// MemoryExceeded reports whether the last sample crossed the worker
// memory limit. Workers consult it between jobs.
func (g *Governor) MemoryExceeded() bool {
	return g.MemoryMB() >= g.cfg.WorkerMemoryLimitMB
}

// sampleLoop reads runtime memory statistics on a fixed cadence and
// drives the emergency edge
func (g *Governor) sampleLoop() {
	defer g.wg.Done()
	ticker := time.NewTicker(sampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-g.stopChan:
			return
		case <-ticker.C:
			g.sample()
		}
	}
}

func (g *Governor) sample() {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	heapMB := int(ms.HeapAlloc / (1 << 20))
	threshold := int(float64(g.cfg.WorkerMemoryLimitMB) * emergencyFraction)

	g.mu.Lock()
	g.heapAllocMB = heapMB
	g.stats.Samples++
	entering := heapMB >= threshold && !g.inEmergency
	leaving := heapMB < threshold && g.inEmergency
	if entering {
		g.inEmergency = true
		g.stats.Emergencies++
	}
	if leaving {
		g.inEmergency = false
	}
	var fire []func()
	if entering {
		for _, f := range g.emergencyCallbacks {
			fire = append(fire, f)
		}
	}
	g.mu.Unlock()

	if entering {
		g.log.Warn("Memory emergency",
			"heap_mb", heapMB, "threshold_mb", threshold, "limit_mb", g.cfg.WorkerMemoryLimitMB)
		runtime.GC()
		for _, f := range fire {
			g.fire(f)
		}
	}
	if leaving {
		g.log.Info("Memory back under threshold", "heap_mb", heapMB, "threshold_mb", threshold)
	}
}

// fire runs a callback, logging and swallowing panics
func (g *Governor) fire(f func()) {
	var err error
	func() {
		defer errors.CapturePanic(&err)
		f()
	}()
	if err != nil {
		g.log.Error("Emergency callback panicked", "error", err)
	}
}

// moverLoop lifts due retries back onto their ready queues
func (g *Governor) moverLoop() {
	defer g.wg.Done()
	ticker := time.NewTicker(g.cfg.ScheduledPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-g.stopChan:
			return
		case <-ticker.C:
			moved, err := g.mover.MoveScheduledToReady(context.Background())
			if err != nil {
				g.log.Warn("Retry mover pass failed", "error", err)
				continue
			}
			if moved > 0 {
				g.mu.Lock()
				g.stats.RetriesMoved += int64(moved)
				g.mu.Unlock()
			}
		}
	}
}

func (g *Governor) runGC() {
	start := time.Now()
	runtime.GC()
	g.mu.Lock()
	g.stats.GCRuns++
	g.mu.Unlock()
	g.log.Debug("Scheduled GC finished", "took", time.Since(start))
}

func (g *Governor) runCleanup() {
	report, err := g.cleaner.Cleanup(context.Background())
	if err != nil {
		g.log.Error("Scheduled retention sweep failed", "error", err)
		return
	}
	g.mu.Lock()
	g.stats.CleanupRuns++
	g.stats.FinishedRemoved += int64(report.FinishedRemoved)
	g.stats.FailedRemoved += int64(report.FailedRemoved)
	g.mu.Unlock()
}

// Stats counts the governor's maintenance activity
type Stats struct {
	Samples         int64 `json:"samples"`
	Emergencies     int64 `json:"emergencies"`
	GCRuns          int64 `json:"gc_runs"`
	CleanupRuns     int64 `json:"cleanup_runs"`
	FinishedRemoved int64 `json:"finished_removed"`
	FailedRemoved   int64 `json:"failed_removed"`
	RetriesMoved    int64 `json:"retries_moved"`
}

// Snapshot returns a copy of the activity counters
func (g *Governor) Snapshot() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.stats
}
