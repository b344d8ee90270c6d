// Package health probes Redis periodically and classifies the connection
// as healthy or unhealthy. Callbacks fire on edge transitions only: a
// single flip to unhealthy after the failure threshold, a single flip back
// on the first successful probe.
package health

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/iolaire/vedfolnir-queue/internal/errors"
	"github.com/iolaire/vedfolnir-queue/internal/logger"
)

// pingDeadline bounds the health probe so a hung Redis cannot stall the
// monitor loop
const pingDeadline = 5 * time.Second

// Prober is the narrow Redis surface the monitor needs
type Prober interface {
	Ping(ctx context.Context) error
	Info(ctx context.Context, section string) (string, error)
}

// ClientSource yields the current Redis client; the connection manager
// satisfies it so the prober follows reconnects
type ClientSource interface {
	Client() *redis.Client
}

// RedisProber adapts a live client source to the Prober interface
type RedisProber struct {
	source ClientSource
}

// NewRedisProber creates a prober over the connection manager
func NewRedisProber(source ClientSource) *RedisProber {
	return &RedisProber{source: source}
}

// Ping issues a Redis PING
func (p *RedisProber) Ping(ctx context.Context) error {
	return p.source.Client().Ping(ctx).Err()
}

// Info issues INFO for one section
func (p *RedisProber) Info(ctx context.Context, section string) (string, error) {
	return p.source.Client().Info(ctx, section).Result()
}

// Status is the result of one health check
type Status struct {
	Healthy          bool
	ResponseTime     time.Duration
	MemoryPct        float64
	ConnectedClients int
	CheckedAt        time.Time
	Err              error
}

// Callback is invoked on health edge transitions. Implementations must be
// non-blocking; panics are logged and swallowed.
type Callback func()

// Monitor runs the periodic probe task
type Monitor struct {
	prober           Prober
	interval         time.Duration
	memoryThreshold  float64
	failureThreshold int
	log              logger.Logger

	mu                  sync.Mutex
	healthy             bool
	consecutiveFailures int
	lastStatus          Status
	failureCallbacks    map[string]Callback
	recoveryCallbacks   map[string]Callback

	stopChan chan struct{}
	stopOnce sync.Once
	started  bool
	wg       sync.WaitGroup
}

// NewMonitor creates a health monitor. The connection starts out assumed
// healthy; it takes failureThreshold consecutive failed probes to flip.
func NewMonitor(prober Prober, interval time.Duration, memoryThreshold float64, failureThreshold int, log logger.Logger) *Monitor {
	return &Monitor{
		prober:            prober,
		interval:          interval,
		memoryThreshold:   memoryThreshold,
		failureThreshold:  failureThreshold,
		log:               log.WithComponent(logger.ComponentHealth),
		healthy:           true,
		failureCallbacks:  make(map[string]Callback),
		recoveryCallbacks: make(map[string]Callback),
		stopChan:          make(chan struct{}),
	}
}

// RegisterFailureCallback registers a callback fired once per transition
// to unhealthy. Registration is idempotent per name.
func (m *Monitor) RegisterFailureCallback(name string, f Callback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failureCallbacks[name] = f
}

// RegisterRecoveryCallback registers a callback fired once per transition
// back to healthy. Registration is idempotent per name.
func (m *Monitor) RegisterRecoveryCallback(name string, f Callback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recoveryCallbacks[name] = f
}

// CheckHealth runs one probe: PING bounded by a 5s deadline, then INFO
// memory and INFO clients. Healthy requires the ping to succeed, INFO to
// return data, and used/max memory to stay under the threshold.
func (m *Monitor) CheckHealth(ctx context.Context) Status {
	status := Status{CheckedAt: time.Now().UTC()}

	pingCtx, cancel := context.WithTimeout(ctx, pingDeadline)
	start := time.Now()
	err := m.prober.Ping(pingCtx)
	cancel()
	status.ResponseTime = time.Since(start)
	if err != nil {
		status.Err = fmt.Errorf("ping failed: %w", err)
		return status
	}

	memInfo, err := m.prober.Info(ctx, "memory")
	if err != nil {
		status.Err = fmt.Errorf("INFO memory failed: %w", err)
		return status
	}
	clientInfo, err := m.prober.Info(ctx, "clients")
	if err != nil {
		status.Err = fmt.Errorf("INFO clients failed: %w", err)
		return status
	}
	if memInfo == "" || clientInfo == "" {
		status.Err = fmt.Errorf("INFO returned no data")
		return status
	}

	used := parseInfoInt(memInfo, "used_memory")
	max := parseInfoInt(memInfo, "maxmemory")
	if max > 0 {
		status.MemoryPct = float64(used) / float64(max)
	}
	status.ConnectedClients = int(parseInfoInt(clientInfo, "connected_clients"))

	if max > 0 && status.MemoryPct >= m.memoryThreshold {
		status.Err = fmt.Errorf("redis memory at %.1f%% of maxmemory", status.MemoryPct*100)
		return status
	}

	status.Healthy = true
	return status
}

// Healthy reports the monitor's current classification
func (m *Monitor) Healthy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.healthy
}

// LastStatus returns the most recent probe result
func (m *Monitor) LastStatus() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastStatus
}

// StartMonitoring launches the single periodic probe task. Calling it
// twice is a no-op.
func (m *Monitor) StartMonitoring() {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-m.stopChan:
				return
			case <-ticker.C:
				m.RunCheck(context.Background())
			}
		}
	}()
	m.log.Info("Health monitoring started", "interval", m.interval)
}

// StopMonitoring stops the probe task
func (m *Monitor) StopMonitoring() {
	m.stopOnce.Do(func() {
		close(m.stopChan)
	})
	m.wg.Wait()
}

// RunCheck performs one probe and applies the edge-transition rules.
// Exposed so the fallback manager can resample outside the timer.
func (m *Monitor) RunCheck(ctx context.Context) Status {
	status := m.CheckHealth(ctx)

	var fire []Callback
	m.mu.Lock()
	m.lastStatus = status
	if status.Healthy {
		if !m.healthy {
			m.healthy = true
			m.consecutiveFailures = 0
			fire = callbacksOf(m.recoveryCallbacks)
			m.log.Info("Redis recovered", "response_time", status.ResponseTime)
		} else {
			m.consecutiveFailures = 0
		}
	} else {
		m.consecutiveFailures++
		m.log.Warn("Health check failed",
			"error", status.Err,
			"consecutive_failures", m.consecutiveFailures,
			"threshold", m.failureThreshold)
		if m.healthy && m.consecutiveFailures >= m.failureThreshold {
			m.healthy = false
			fire = callbacksOf(m.failureCallbacks)
			m.log.Error("Redis marked unhealthy", "consecutive_failures", m.consecutiveFailures)
		}
	}
	m.mu.Unlock()

	for _, f := range fire {
		m.fire(f)
	}
	return status
}

// fire invokes a callback, logging and swallowing panics so monitoring
// never halts
func (m *Monitor) fire(f Callback) {
	var err error
	func() {
		defer errors.CapturePanic(&err)
		f()
	}()
	if err != nil {
		m.log.Error("Health callback panicked", "error", err)
	}
}

func callbacksOf(set map[string]Callback) []Callback {
	out := make([]Callback, 0, len(set))
	for _, f := range set {
		out = append(out, f)
	}
	return out
}

// parseInfoInt extracts an integer field from INFO output
func parseInfoInt(info, field string) int64 {
	for _, line := range strings.Split(info, "\n") {
		line = strings.TrimRight(line, "\r")
		if value, ok := strings.CutPrefix(line, field+":"); ok {
			n, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
			if err == nil {
				return n
			}
		}
	}
	return 0
}
