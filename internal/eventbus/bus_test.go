package eventbus

import (
	"testing"
	"time"
)

func TestPublishFanout(t *testing.T) {
	t.Parallel()
	bus := New()
	a, unsubA := bus.Subscribe(4)
	defer unsubA()
	b, unsubB := bus.Subscribe(4)
	defer unsubB()

	bus.Publish(Event{Type: RunFinished, Data: "x"})

	for i, ch := range []<-chan Event{a, b} {
		select {
		case e := <-ch:
			if e.Type != RunFinished || e.Time.IsZero() {
				t.Fatalf("subscriber %d got %+v", i, e)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d got nothing", i)
		}
	}
}

func TestSubscribePrefixFilters(t *testing.T) {
	t.Parallel()
	bus := New()
	ch, unsub := SubscribePrefix(bus, 4, "build.")
	defer unsub()

	bus.Publish(Event{Type: TaskStarted})
	bus.Publish(Event{Type: BuildFinished})

	select {
	case e := <-ch:
		if e.Type != BuildFinished {
			t.Fatalf("got %q, want %q", e.Type, BuildFinished)
		}
	case <-time.After(time.Second):
		t.Fatal("expected build event")
	}
	select {
	case e := <-ch:
		t.Fatalf("unexpected extra event %q", e.Type)
	default:
	}
}

func TestPublishNeverBlocks(t *testing.T) {
	t.Parallel()
	bus := New()
	_, unsub := bus.Subscribe(1)
	defer unsub()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			bus.Publish(Event{Type: TaskStarted})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	t.Parallel()
	bus := New()
	ch, unsub := bus.Subscribe(1)
	unsub()
	unsub()
	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed")
	}
	bus.Publish(Event{Type: TaskStarted})
}
