package realtime

import (
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// DefaultTypingIdle is how long after the last keystroke typing:stop is sent.
const DefaultTypingIdle = 3 * time.Second

// TypingEmitter sends typing notifications for a conversation.
type TypingEmitter interface {
	StartTyping(conversationID string) error
	StopTyping(conversationID string) error
}

// TypingOption configures a TypingIndicator.
type TypingOption func(*TypingIndicator)

// WithTypingIdle overrides the idle delay before an automatic stop.
func WithTypingIdle(d time.Duration) TypingOption {
	return func(t *TypingIndicator) {
		t.idle = d
	}
}

// WithTypingRate limits how often typing:start is re-sent while typing
// continues. Zero sends on every keystroke.
func WithTypingRate(every time.Duration) TypingOption {
	return func(t *TypingIndicator) {
		if every <= 0 {
			t.limiter = rate.NewLimiter(rate.Inf, 1)
			return
		}
		t.limiter = rate.NewLimiter(rate.Every(every), 1)
	}
}

// TypingIndicator debounces typing notifications for one conversation.
// Every Start re-arms a timer; when it fires typing:stop is sent.
type TypingIndicator struct {
	emitter        TypingEmitter
	conversationID string
	idle           time.Duration
	limiter        *rate.Limiter

	mu     sync.Mutex
	timer  *time.Timer
	seq    uint64
	active bool
}

// NewTypingIndicator creates an idle indicator for conversationID.
func NewTypingIndicator(emitter TypingEmitter, conversationID string, opts ...TypingOption) *TypingIndicator {
	t := &TypingIndicator{
		emitter:        emitter,
		conversationID: conversationID,
		idle:           DefaultTypingIdle,
		limiter:        rate.NewLimiter(rate.Every(time.Second), 1),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Start records a keystroke.
func (t *TypingIndicator) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.timer != nil {
		t.timer.Stop()
	}
	t.seq++
	seq := t.seq
	t.timer = time.AfterFunc(t.idle, func() { t.expire(seq) })

	if t.active && !t.limiter.Allow() {
		return
	}
	if !t.active {
		// first start of a burst always goes out
		t.limiter.Allow()
	}
	t.active = true
	if err := t.emitter.StartTyping(t.conversationID); err != nil {
		slog.Debug("typing start not sent", "conversation", t.conversationID, "error", err)
	}
}

// Stop cancels the timer and sends typing:stop immediately.
func (t *TypingIndicator) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopLocked()
}

// Close cancels the pending timer without emitting.
func (t *TypingIndicator) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.active = false
}

func (t *TypingIndicator) expire(seq uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if seq != t.seq || t.timer == nil || !t.active {
		return
	}
	t.stopLocked()
}

func (t *TypingIndicator) stopLocked() {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.active = false
	if err := t.emitter.StopTyping(t.conversationID); err != nil {
		slog.Debug("typing stop not sent", "conversation", t.conversationID, "error", err)
	}
}
