// Package redisconn owns the pooled Redis client and its reconnection
// policy. Every other component borrows connections from here; none of
// them dials Redis directly.
package redisconn

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/iolaire/vedfolnir-queue/internal/logger"
)

const (
	defaultPoolSize = 20
	opTimeout       = 5 * time.Second

	initialBackoff = 1 * time.Second
	maxBackoff     = 30 * time.Second
)

// Manager wraps a bounded Redis connection pool with stale detection and
// capped exponential reconnect backoff
type Manager struct {
	opts *redis.Options
	log  logger.Logger

	mu     sync.RWMutex
	client *redis.Client

	connectCount atomic.Int64
	backoff      time.Duration
	lastAttempt  time.Time
}

// New parses the Redis URL, applies pool bounds and timeouts, and verifies
// the initial connection
func New(redisURL string, log logger.Logger) (*Manager, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	opts.PoolSize = defaultPoolSize
	opts.DialTimeout = opTimeout
	opts.ReadTimeout = opTimeout
	opts.WriteTimeout = opTimeout

	m := &Manager{
		opts:    opts,
		log:     log,
		backoff: initialBackoff,
	}

	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	m.client = client
	m.connectCount.Add(1)

	log.Info("Connected to Redis", "addr", opts.Addr, "db", opts.DB, "pool_size", opts.PoolSize)
	return m, nil
}

// Client returns the current client without liveness checks. Callers that
// need a verified connection use GetConnection.
func (m *Manager) Client() *redis.Client {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.client
}

// GetConnection returns the current client if it responds to a ping, or
// attempts a single reconnect honoring the backoff schedule
func (m *Manager) GetConnection(ctx context.Context) (*redis.Client, error) {
	client := m.Client()

	pingCtx, cancel := context.WithTimeout(ctx, opTimeout)
	err := client.Ping(pingCtx).Err()
	cancel()
	if err == nil {
		m.resetBackoff()
		return client, nil
	}

	return m.reconnect(ctx, err)
}

// Reconnect forces a reconnection attempt, used by the fallback manager's
// recovery schedule
func (m *Manager) Reconnect(ctx context.Context) (*redis.Client, error) {
	return m.reconnect(ctx, nil)
}

func (m *Manager) reconnect(ctx context.Context, cause error) (*redis.Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if wait := m.backoff - time.Since(m.lastAttempt); wait > 0 {
		if cause == nil {
			cause = fmt.Errorf("connection stale")
		}
		return nil, fmt.Errorf("reconnect backoff %s remaining: %w", wait.Round(time.Millisecond), cause)
	}
	m.lastAttempt = time.Now()

	client := redis.NewClient(m.opts)
	pingCtx, cancel := context.WithTimeout(ctx, opTimeout)
	err := client.Ping(pingCtx).Err()
	cancel()
	if err != nil {
		client.Close()
		m.backoff *= 2
		if m.backoff > maxBackoff {
			m.backoff = maxBackoff
		}
		m.log.Warn("Redis reconnect failed", "error", err, "next_backoff", m.backoff)
		return nil, fmt.Errorf("failed to reconnect to Redis: %w", err)
	}

	old := m.client
	m.client = client
	m.backoff = initialBackoff
	m.connectCount.Add(1)
	if old != nil {
		old.Close()
	}
	m.log.Info("Redis connection re-established", "connects", m.connectCount.Load())
	return client, nil
}

func (m *Manager) resetBackoff() {
	m.mu.Lock()
	m.backoff = initialBackoff
	m.mu.Unlock()
}

// ConnectCount returns how many times a connection has been established
func (m *Manager) ConnectCount() int64 {
	return m.connectCount.Load()
}

// PoolStats exposes the client pool counters for the resource governor
func (m *Manager) PoolStats() *redis.PoolStats {
	return m.Client().PoolStats()
}

// Close releases the pool
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.client == nil {
		return nil
	}
	err := m.client.Close()
	m.client = nil
	return err
}
