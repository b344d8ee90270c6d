package progress

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Publisher is the push transport progress events leave the process
// through. The default is Redis pub/sub; tests use the in-process hub
// alone.
type Publisher interface {
	Publish(ctx context.Context, snap *Snapshot) error
}

// RedisPublisher publishes snapshots on a per-job pub/sub channel
type RedisPublisher struct {
	client func() *redis.Client
}

// NewRedisPublisher creates the default publisher. client yields the
// current Redis client so publishing survives reconnects.
func NewRedisPublisher(client func() *redis.Client) *RedisPublisher {
	return &RedisPublisher{client: client}
}

// EventChannel returns the pub/sub channel name for a job
func EventChannel(jobID string) string {
	return "rq:progress:events:" + jobID
}

// Publish sends the snapshot as JSON on the job's channel
func (p *RedisPublisher) Publish(ctx context.Context, snap *Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return p.client().Publish(ctx, EventChannel(snap.JobID), data).Err()
}

// subscriberBuffer bounds each subscriber channel; slow subscribers lose
// the oldest snapshot rather than stalling workers
const subscriberBuffer = 32

// Hub fans snapshots out to in-process subscribers keyed by job id
type Hub struct {
	mu   sync.RWMutex
	subs map[string]map[int]chan Snapshot
	next int
}

// NewHub creates an empty hub
func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[int]chan Snapshot)}
}

// Subscribe returns a channel of snapshots for one job and a cancel
// function that must be called when the subscriber is done
func (h *Hub) Subscribe(jobID string) (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, subscriberBuffer)
	h.mu.Lock()
	id := h.next
	h.next++
	if h.subs[jobID] == nil {
		h.subs[jobID] = make(map[int]chan Snapshot)
	}
	h.subs[jobID][id] = ch
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		if set, ok := h.subs[jobID]; ok {
			if c, ok := set[id]; ok {
				close(c)
				delete(set, id)
			}
			if len(set) == 0 {
				delete(h.subs, jobID)
			}
		}
		h.mu.Unlock()
	}
	return ch, cancel
}

// Broadcast delivers a snapshot to all subscribers of its job without
// blocking the caller
func (h *Hub) Broadcast(snap Snapshot) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.subs[snap.JobID] {
		for {
			select {
			case ch <- snap:
			default:
				select {
				case <-ch:
				default:
				}
				continue
			}
			break
		}
	}
}
