// Package events carries fallback-mode transitions between components.
// The fallback manager is the sole publisher; the queue manager and any
// alerting integrations subscribe. Routing mode changes through the bus
// keeps the queue manager free of a back-reference to the fallback
// manager.
package events

import (
	"sync"
	"time"
)

// Mode is the fallback manager's operating mode
type Mode string

const (
	// ModeRQOnly routes all submissions through Redis
	ModeRQOnly Mode = "RQ_ONLY"
	// ModeHybrid keeps Redis primary with the DB mirror active
	ModeHybrid Mode = "HYBRID"
	// ModeDBOnly queues submissions directly in the database
	ModeDBOnly Mode = "DB_ONLY"
	// ModeRecovery migrates DB-queued jobs back into Redis
	ModeRecovery Mode = "RECOVERY"
)

// ModeChange is published on every fallback-mode transition
type ModeChange struct {
	From   Mode
	To     Mode
	Reason string
	At     time.Time
}

// subscriberBuffer absorbs bursts; a subscriber that falls further behind
// loses the oldest notifications rather than blocking the publisher
const subscriberBuffer = 16

// Bus is an in-process fan-out of mode changes
type Bus struct {
	mu   sync.RWMutex
	subs map[string]chan ModeChange
}

// NewBus creates an empty bus
func NewBus() *Bus {
	return &Bus{subs: make(map[string]chan ModeChange)}
}

// Subscribe registers a named subscriber and returns its channel.
// Re-subscribing under the same name replaces the previous channel.
func (b *Bus) Subscribe(name string) <-chan ModeChange {
	ch := make(chan ModeChange, subscriberBuffer)
	b.mu.Lock()
	if old, ok := b.subs[name]; ok {
		close(old)
	}
	b.subs[name] = ch
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber and closes its channel
func (b *Bus) Unsubscribe(name string) {
	b.mu.Lock()
	if ch, ok := b.subs[name]; ok {
		close(ch)
		delete(b.subs, name)
	}
	b.mu.Unlock()
}

// Publish delivers a mode change to every subscriber without blocking.
// When a subscriber's buffer is full the oldest entry is dropped first;
// subscribers always see the latest transition.
func (b *Bus) Publish(change ModeChange) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		for {
			select {
			case ch <- change:
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

// Close shuts down all subscriber channels
func (b *Bus) Close() {
	b.mu.Lock()
	for name, ch := range b.subs {
		close(ch)
		delete(b.subs, name)
	}
	b.mu.Unlock()
}
