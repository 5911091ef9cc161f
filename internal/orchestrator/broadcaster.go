package orchestrator

import (
	"log/slog"
	"sync"
)

// Broadcaster delivers events to any number of subscribers. A subscriber
// that falls behind loses progress events rather than stalling the batch.
// Terminal, captcha and account switch events are always queued; the oldest
// buffered event makes room for them.
type Broadcaster struct {
	mu     sync.Mutex
	subs   map[chan Event]struct{}
	buffer int
	logger *slog.Logger
}

// NewBroadcaster creates a broadcaster with per-subscriber buffer size
func NewBroadcaster(buffer int, logger *slog.Logger) *Broadcaster {
	if buffer <= 0 {
		buffer = 64
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		subs:   make(map[chan Event]struct{}),
		buffer: buffer,
		logger: logger,
	}
}

// Subscribe returns an event channel and a func that unsubscribes and closes it
func (b *Broadcaster) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, b.buffer)

	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, ch)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// mustDeliver reports whether a full subscriber should lose an older event
// instead of e
func mustDeliver(t EventType) bool {
	switch t {
	case EventBatchTerminal, EventCaptchaRequired, EventCaptchaResolved, EventAccountSwitch:
		return true
	}
	return false
}

// Publish implements EventSink
func (b *Broadcaster) Publish(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for ch := range b.subs {
		select {
		case ch <- e:
			continue
		default:
		}

		if !mustDeliver(e.Type) {
			b.logger.Warn("event subscriber is behind, dropping event", "type", e.Type, "batch_id", e.BatchID)
			continue
		}

		// only Publish sends and it holds mu, so one receive frees a slot
		select {
		case old := <-ch:
			b.logger.Warn("event subscriber is behind, dropping oldest event", "type", old.Type, "batch_id", old.BatchID)
		default:
		}
		select {
		case ch <- e:
		default:
			b.logger.Warn("event subscriber is behind, dropping event", "type", e.Type, "batch_id", e.BatchID)
		}
	}
}

// Subscribers returns the current subscriber count
func (b *Broadcaster) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
