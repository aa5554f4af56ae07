// Package events provides the outward-facing event bus. Internal components
// publish typed events onto it; transport and persistence layers subscribe.
// Fan-out never blocks a publisher: a subscriber that falls behind has
// events dropped, not queued unboundedly.
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/zhubert/relay-core/logger"
)

// Type names an outward event kind. Downstream consumers pattern-match on
// these values, so they are part of the wire contract.
type Type string

const (
	SessionCleaned     Type = "sessionCleaned"
	SessionCancelled   Type = "sessionCancelled"
	ProcessExit        Type = "processExit"
	AICLIResponse      Type = "aicliResponse"
	AICLIError         Type = "aicliError"
	ToolUse            Type = "toolUse"
	ToolResult         Type = "toolResult"
	PermissionRequired Type = "permissionRequired"
	PermissionDenied   Type = "permissionDenied"
	StallDetected      Type = "stallDetected"
	ThinkingUpdate     Type = "thinkingUpdate"
)

// Event is one outward notification. Data holds the type-specific fields.
type Event struct {
	Type      Type           `json:"type"`
	SessionID string         `json:"sessionId"`
	Data      map[string]any `json:"data,omitempty"`
	Time      time.Time      `json:"time"`
}

// DefaultSubscriberBuffer is the per-subscriber channel depth.
const DefaultSubscriberBuffer = 64

// Bus is a publish/subscribe fan-out of Events.
type Bus struct {
	mu      sync.RWMutex
	subs    map[int]chan Event
	nextID  int
	closed  bool
	dropped atomic.Int64
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Subscribe registers a new subscriber and returns its channel plus an
// unsubscribe function. The channel is closed on unsubscribe or bus close.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan Event, DefaultSubscriberBuffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	b.subs[id] = ch

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if c, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
			}
		})
	}
	return ch, unsubscribe
}

// Publish fans the event out to all subscribers without blocking. A full
// subscriber buffer drops the event for that subscriber only.
func (b *Bus) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.dropped.Add(1)
			logger.WithComponent("events").Warn("subscriber buffer full, dropping event",
				"type", ev.Type, "session", ev.SessionID)
		}
	}
}

// Emit is shorthand for publishing a typed event for a session.
func (b *Bus) Emit(t Type, sessionID string, data map[string]any) {
	b.Publish(Event{Type: t, SessionID: sessionID, Data: data})
}

// Dropped returns the count of events discarded due to full subscriber
// buffers since the bus was created.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close detaches all subscribers and closes their channels. Publishing to a
// closed bus is a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
