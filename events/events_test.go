package events

import (
	"testing"
	"time"
)

func TestPublishReachesAllSubscribers(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ch1, unsub1 := bus.Subscribe()
	ch2, unsub2 := bus.Subscribe()
	defer unsub1()
	defer unsub2()

	bus.Emit(AICLIResponse, "sess-1", map[string]any{"content": "hi"})

	for i, ch := range []<-chan Event{ch1, ch2} {
		select {
		case ev := <-ch:
			if ev.Type != AICLIResponse {
				t.Errorf("subscriber %d: type = %s, want %s", i, ev.Type, AICLIResponse)
			}
			if ev.SessionID != "sess-1" {
				t.Errorf("subscriber %d: sessionId = %s, want sess-1", i, ev.SessionID)
			}
			if ev.Data["content"] != "hi" {
				t.Errorf("subscriber %d: data = %v", i, ev.Data)
			}
			if ev.Time.IsZero() {
				t.Errorf("subscriber %d: zero timestamp", i)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d: no event received", i)
		}
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ch, unsub := bus.Subscribe()
	unsub()

	// Channel is closed after unsubscribe
	if _, ok := <-ch; ok {
		t.Error("read from unsubscribed channel succeeded")
	}
	if n := bus.SubscriberCount(); n != 0 {
		t.Errorf("SubscriberCount = %d, want 0", n)
	}

	// Publishing afterwards must not panic
	bus.Emit(ProcessExit, "sess-1", nil)
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	_, unsub := bus.Subscribe()
	unsub()
	unsub()
}

func TestSlowSubscriberDoesNotBlockPublish(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	// Subscribe but never read
	_, unsub := bus.Subscribe()
	defer unsub()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < DefaultSubscriberBuffer*2; i++ {
			bus.Emit(ToolUse, "sess-1", nil)
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}
	if bus.Dropped() == 0 {
		t.Error("expected dropped events for a full subscriber buffer")
	}
}

func TestCloseClosesSubscriberChannels(t *testing.T) {
	bus := NewBus()
	ch, _ := bus.Subscribe()
	bus.Close()

	select {
	case _, ok := <-ch:
		if ok {
			t.Error("received event after Close, want closed channel")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed after bus Close")
	}

	// Publish and Close after close are no-ops
	bus.Emit(StallDetected, "sess-1", nil)
	bus.Close()
}

func TestSubscribeAfterClose(t *testing.T) {
	bus := NewBus()
	bus.Close()

	ch, unsub := bus.Subscribe()
	defer unsub()
	if _, ok := <-ch; ok {
		t.Error("subscription on a closed bus yielded an open channel")
	}
}
