package eventbus

import (
	"testing"
	"time"
)

func TestPublishReachesSubscribers(t *testing.T) {
	t.Parallel()
	bus := New()

	ch, unsub := bus.Subscribe(4)
	defer unsub()

	bus.Publish(Event{Type: "entry.fired", Data: "x"})

	select {
	case e := <-ch:
		if e.Type != "entry.fired" {
			t.Fatalf("Type = %q, want %q", e.Type, "entry.fired")
		}
		if e.Time.IsZero() {
			t.Fatal("Time not stamped")
		}
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestPublishNeverBlocksOnSlowSubscriber(t *testing.T) {
	t.Parallel()
	bus := New()

	_, unsub := bus.Subscribe(1)
	defer unsub()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			bus.Publish(Event{Type: "entry.fired"})
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}

	if got := Drops(bus); got == 0 {
		t.Fatal("expected dropped events for a full buffer")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	t.Parallel()
	bus := New()

	ch, unsub := bus.Subscribe(4)
	unsub()
	unsub() // idempotent

	bus.Publish(Event{Type: "entry.exhausted"})

	// The channel is closed on unsubscribe; a receive must not yield an event.
	select {
	case e, ok := <-ch:
		if ok {
			t.Fatalf("received %v after unsubscribe", e)
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed after unsubscribe")
	}
}
