package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
)

// Handler receives the raw JSON payload of an event.
type Handler func(ctx context.Context, payload json.RawMessage)

type subscription struct {
	handler Handler
}

// Bus is a typed publish/subscribe registry: event name → ordered handlers.
// Publish invokes handlers synchronously in registration order, so events
// published from one goroutine reach each handler in publish order.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]*subscription
}

// NewBus creates an empty Bus.
func NewBus() *Bus {
	return &Bus{handlers: make(map[string][]*subscription)}
}

// On registers h for event. The returned func removes exactly this registration.
func (b *Bus) On(event string, h Handler) func() {
	sub := &subscription{handler: h}

	b.mu.Lock()
	b.handlers[event] = append(b.handlers[event], sub)
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(event, sub) })
	}
}

// Off removes every handler for event.
func (b *Bus) Off(event string) {
	b.mu.Lock()
	delete(b.handlers, event)
	b.mu.Unlock()
}

// Reset removes all handlers.
func (b *Bus) Reset() {
	b.mu.Lock()
	b.handlers = make(map[string][]*subscription)
	b.mu.Unlock()
}

// Publish delivers payload to the handlers registered for event at call time.
func (b *Bus) Publish(ctx context.Context, event string, payload json.RawMessage) {
	b.mu.RLock()
	subs := append([]*subscription(nil), b.handlers[event]...)
	b.mu.RUnlock()

	for _, sub := range subs {
		b.invoke(ctx, event, sub.handler, payload)
	}
}

// invoke isolates handler panics so one faulty handler cannot kill the reader.
func (b *Bus) invoke(ctx context.Context, event string, h Handler, payload json.RawMessage) {
	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(ctx, "realtime handler panicked", "event", event, "panic", r)
		}
	}()
	h(ctx, payload)
}

func (b *Bus) remove(event string, sub *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.handlers[event]
	for i, s := range subs {
		if s == sub {
			b.handlers[event] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(b.handlers[event]) == 0 {
		delete(b.handlers, event)
	}
}

// Subscribe registers fn for event, decoding each payload into T. Payloads
// that do not decode are logged and skipped.
func Subscribe[T any](b *Bus, event string, fn func(ctx context.Context, v T)) func() {
	return b.On(event, func(ctx context.Context, payload json.RawMessage) {
		var v T
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &v); err != nil {
				slog.WarnContext(ctx, "dropping undecodable realtime payload", "event", event, "error", err)
				return
			}
		}
		fn(ctx, v)
	})
}
