// Package fallback owns the operating-mode state machine. It is the sole
// writer of the mode value: Redis failure moves the system to DB_ONLY,
// a successful reconnect moves it through RECOVERY (migrating DB-queued
// jobs back into Redis) and then to RQ_ONLY. Every transition is
// published on the event bus and raised through the alert sink.
package fallback

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/iolaire/vedfolnir-queue/internal/config"
	"github.com/iolaire/vedfolnir-queue/internal/events"
	"github.com/iolaire/vedfolnir-queue/internal/health"
	"github.com/iolaire/vedfolnir-queue/internal/logger"
	"github.com/iolaire/vedfolnir-queue/internal/queue"
)

// Reconnect schedule: 2s base doubling to a 5m cap, bounded by
// RQ_MAX_RECONNECTION_ATTEMPTS
const (
	reconnectBaseDelay = 2 * time.Second
	reconnectMaxDelay  = 300 * time.Second
)

// emergencyMemoryPct is the Redis memory fraction that triggers an
// out-of-schedule retention sweep
const emergencyMemoryPct = 0.9

// Reconnector re-establishes the Redis connection; the connection
// manager satisfies it
type Reconnector interface {
	Reconnect(ctx context.Context) (*redis.Client, error)
}

// Migrator lifts DB-queued jobs back into Redis during recovery; the
// queue manager satisfies it
type Migrator interface {
	Migrate(ctx context.Context) (queue.MigrationReport, error)
}

// Cleaner runs a retention sweep; the queue manager satisfies it
type Cleaner interface {
	Cleanup(ctx context.Context) (queue.CleanupReport, error)
}

// Manager drives mode transitions off health-monitor edges
type Manager struct {
	cfg      *config.Config
	monitor  *health.Monitor
	conn     Reconnector
	migrator Migrator
	cleaner  Cleaner
	bus      *events.Bus
	alerts   AlertSink
	log      logger.Logger

	mu             sync.Mutex
	mode           events.Mode
	lastTransition time.Time
	reconnecting   bool

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewManager wires the fallback manager and registers its health
// callbacks. The initial mode is RQ_ONLY; Start must be called for the
// memory watch to run.
func NewManager(
	cfg *config.Config,
	monitor *health.Monitor,
	conn Reconnector,
	migrator Migrator,
	cleaner Cleaner,
	bus *events.Bus,
	alerts AlertSink,
	log logger.Logger,
) *Manager {
	m := &Manager{
		cfg:      cfg,
		monitor:  monitor,
		conn:     conn,
		migrator: migrator,
		cleaner:  cleaner,
		bus:      bus,
		alerts:   alerts,
		log:      log.WithComponent(logger.ComponentFallback),
		mode:     events.ModeRQOnly,
		stopChan: make(chan struct{}),
	}
	if m.alerts == nil {
		m.alerts = NewLogAlertSink(log)
	}

	monitor.RegisterFailureCallback("fallback-manager", m.onRedisDown)
	monitor.RegisterRecoveryCallback("fallback-manager", m.onRedisUp)
	return m
}

// Mode returns the current operating mode
func (m *Manager) Mode() events.Mode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mode
}

// LastTransition returns when the mode last changed
func (m *Manager) LastTransition() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastTransition
}

// Start launches the memory watch loop
func (m *Manager) Start() {
	m.wg.Add(1)
	go m.watchMemory()
	m.log.Info("Fallback manager started", "mode", m.Mode())
}

// Stop terminates the background loops and waits for them
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopChan) })
	m.wg.Wait()
}

// SetMode is the operator override. Forcing RQ_ONLY is refused while the
// health monitor still classifies Redis as unhealthy; every other target
// is honored as requested.
func (m *Manager) SetMode(mode events.Mode, reason string) error {
	if mode == events.ModeRQOnly && !m.monitor.Healthy() {
		return ErrRedisUnavailable
	}
	m.transition(mode, "operator override: "+reason)
	return nil
}

// onRedisDown is the health monitor's failure edge: switch to DB_ONLY
// and start the bounded reconnect schedule
func (m *Manager) onRedisDown() {
	previous := m.Mode()
	m.transition(events.ModeDBOnly, "redis marked unhealthy")
	m.alerts.Send(AlertWarning, "Redis unavailable, queueing through database fallback", map[string]interface{}{
		"mode":          string(events.ModeDBOnly),
		"previous_mode": string(previous),
	})

	m.mu.Lock()
	if m.reconnecting {
		m.mu.Unlock()
		return
	}
	m.reconnecting = true
	m.mu.Unlock()

	m.wg.Add(1)
	go m.reconnectLoop()
}

// onRedisUp is the recovery edge: enter RECOVERY, migrate the DB backlog
// into Redis, then settle on RQ_ONLY
func (m *Manager) onRedisUp() {
	if m.Mode() == events.ModeRQOnly {
		return
	}
	m.transition(events.ModeRecovery, "redis recovered, migrating backlog")
	m.alerts.Send(AlertInfo, "Redis recovered, recovery migration started", nil)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.runRecovery()
	}()
}

// runRecovery drains the DB backlog in bounded passes. The system
// settles on RQ_ONLY only when the backlog drained cleanly; a pass that
// errors or leaves failed rows drops back to DB_ONLY so no admission
// happens against a queue the backlog could not reach.
func (m *Manager) runRecovery() {
	ctx := context.Background()
	var total queue.MigrationReport

	for {
		select {
		case <-m.stopChan:
			return
		default:
		}

		report, err := m.migrator.Migrate(ctx)
		if err != nil {
			m.log.Error("Recovery migration pass failed", "error", err)
			m.transition(events.ModeDBOnly, "recovery migration failed")
			m.alerts.Send(AlertError, "Recovery migration failed, staying on database fallback", map[string]interface{}{
				"error": err.Error(),
			})
			return
		}
		total.Succeeded += report.Succeeded
		total.Skipped += report.Skipped
		total.Failed += report.Failed
		if report.Failed > 0 {
			m.log.Error("Recovery migration left failed rows", "failed", report.Failed)
			m.transition(events.ModeDBOnly, "recovery migration left failed rows")
			m.alerts.Send(AlertError, "Recovery migration left failed rows, staying on database fallback", map[string]interface{}{
				"migrated": total.Succeeded,
				"failed":   total.Failed,
			})
			return
		}
		if report.Succeeded == 0 {
			break
		}
	}

	m.transition(events.ModeRQOnly, "recovery migration finished")
	m.alerts.Send(AlertInfo, "Recovery finished, Redis queueing restored", map[string]interface{}{
		"migrated": total.Succeeded,
		"skipped":  total.Skipped,
	})
}

// reconnectLoop attempts Redis reconnection on an exponential schedule.
// A successful attempt is confirmed by an out-of-band health check,
// whose recovery edge drives the mode transition; the loop itself only
// re-dials.
func (m *Manager) reconnectLoop() {
	defer m.wg.Done()
	defer func() {
		m.mu.Lock()
		m.reconnecting = false
		m.mu.Unlock()
	}()

	delay := reconnectBaseDelay
	for attempt := 1; attempt <= m.cfg.MaxReconnectionAttempts; attempt++ {
		select {
		case <-m.stopChan:
			return
		case <-time.After(delay):
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		_, err := m.conn.Reconnect(ctx)
		if err == nil {
			status := m.monitor.RunCheck(ctx)
			cancel()
			if status.Healthy {
				m.log.Info("Redis reconnected", "attempt", attempt)
				return
			}
		} else {
			cancel()
			m.log.Warn("Reconnection attempt failed",
				"attempt", attempt, "max_attempts", m.cfg.MaxReconnectionAttempts,
				"next_delay", delay, "error", err)
		}

		delay *= 2
		if delay > reconnectMaxDelay {
			delay = reconnectMaxDelay
		}
	}

	m.alerts.Send(AlertCritical, "Redis reconnection attempts exhausted, manual intervention required", map[string]interface{}{
		"attempts": m.cfg.MaxReconnectionAttempts,
	})
}

// watchMemory samples the monitor's last probe on the health interval
// and triggers an emergency retention sweep when Redis memory crosses
// the emergency fraction
func (m *Manager) watchMemory() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopChan:
			return
		case <-ticker.C:
			status := m.monitor.LastStatus()
			if !status.Healthy || status.MemoryPct < emergencyMemoryPct {
				continue
			}
			m.alerts.Send(AlertWarning, "Redis memory pressure, running emergency cleanup", map[string]interface{}{
				"memory_pct": status.MemoryPct,
			})
			report, err := m.cleaner.Cleanup(context.Background())
			if err != nil {
				m.log.Error("Emergency cleanup failed", "error", err)
				continue
			}
			m.log.Info("Emergency cleanup finished",
				"finished_removed", report.FinishedRemoved,
				"failed_removed", report.FailedRemoved)
		}
	}
}

// transition records the new mode and publishes it. No-op when already
// in the target mode.
func (m *Manager) transition(to events.Mode, reason string) {
	m.mu.Lock()
	from := m.mode
	if from == to {
		m.mu.Unlock()
		return
	}
	m.mode = to
	m.lastTransition = time.Now()
	m.mu.Unlock()

	m.log.Info("Fallback mode changed", "from", from, "to", to, "reason", reason)
	if m.bus != nil {
		m.bus.Publish(events.ModeChange{From: from, To: to, Reason: reason, At: time.Now()})
	}
}
