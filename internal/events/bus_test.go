package events

import (
	"testing"
	"time"
)

func TestPublishReachesSubscribers(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ch := bus.Subscribe("queue-manager")
	change := ModeChange{From: ModeRQOnly, To: ModeDBOnly, Reason: "redis down", At: time.Now()}
	bus.Publish(change)

	select {
	case got := <-ch:
		if got.To != ModeDBOnly || got.From != ModeRQOnly {
			t.Errorf("unexpected change: %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber never received the change")
	}
}

func TestPublishDropsOldestWhenFull(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ch := bus.Subscribe("slow")
	for i := 0; i < subscriberBuffer+5; i++ {
		to := ModeDBOnly
		if i == subscriberBuffer+4 {
			to = ModeRecovery
		}
		bus.Publish(ModeChange{From: ModeRQOnly, To: to})
	}

	// Drain; the latest transition must still be present
	var last ModeChange
	for {
		select {
		case c := <-ch:
			last = c
			continue
		default:
		}
		break
	}
	if last.To != ModeRecovery {
		t.Errorf("latest transition lost, last seen %+v", last)
	}
}

func TestResubscribeReplacesChannel(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	old := bus.Subscribe("queue-manager")
	fresh := bus.Subscribe("queue-manager")

	if _, ok := <-old; ok {
		t.Error("old channel should be closed on re-subscribe")
	}

	bus.Publish(ModeChange{To: ModeHybrid})
	select {
	case got := <-fresh:
		if got.To != ModeHybrid {
			t.Errorf("unexpected change: %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("fresh channel never received the change")
	}
}

func TestUnsubscribe(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ch := bus.Subscribe("gone")
	bus.Unsubscribe("gone")
	if _, ok := <-ch; ok {
		t.Error("unsubscribed channel should be closed")
	}

	// Publishing after unsubscribe must not panic
	bus.Publish(ModeChange{To: ModeDBOnly})
}

func TestClose(t *testing.T) {
	bus := NewBus()
	a := bus.Subscribe("a")
	b := bus.Subscribe("b")
	bus.Close()

	if _, ok := <-a; ok {
		t.Error("channel a should be closed")
	}
	if _, ok := <-b; ok {
		t.Error("channel b should be closed")
	}
}
