// Package bus implements the in-process event bus: typed publish/subscribe
// with prefix-matching subscriptions, bounded replay history, and
// non-blocking delivery so a slow subscriber can never stall a publisher.
package bus

import (
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
)

const (
	defaultBufferSize  = 100
	defaultHistorySize = 5000
)

// Subscription is an active registration on the Bus.
type Subscription struct {
	id     int
	prefix string
	ch     chan Event
}

// Ch returns the channel to receive events on.
func (s *Subscription) Ch() <-chan Event {
	return s.ch
}

// Bus is an in-process pub/sub message bus with topic-prefix matching and a
// bounded FIFO replay history.
type Bus struct {
	mu              sync.RWMutex
	subs            map[int]*Subscription
	nextID          int
	logger          *slog.Logger
	droppedEvents   atomic.Int64
	lastDropWarning atomic.Int64

	histMu   sync.Mutex
	history  []Event
	histCap  int
	histHead int
}

// Option configures a Bus at construction time.
type Option func(*Bus)

// WithLogger attaches a logger used to warn when publishes start dropping.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bus) { b.logger = logger }
}

// WithHistorySize overrides the default 5,000-event bounded history.
func WithHistorySize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.histCap = n
		}
	}
}

// New creates a Bus with the default history size and no logger.
func New(opts ...Option) *Bus {
	b := &Bus{
		subs:    make(map[int]*Subscription),
		histCap: defaultHistorySize,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.history = make([]Event, 0, b.histCap)
	return b
}

// Subscribe registers a subscription for events whose Topic() has the given
// prefix. An empty prefix matches every event. The returned channel has a
// buffer of 100 events; a slow consumer misses events rather than blocking
// the publisher (non-blocking send).
func (b *Bus) Subscribe(topicPrefix string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:     b.nextID,
		prefix: topicPrefix,
		ch:     make(chan Event, defaultBufferSize),
	}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub.id]; ok {
		delete(b.subs, sub.id)
		close(sub.ch)
	}
}

// Publish fans an event out to every matching subscriber and appends it to
// the bounded history. Delivery to each subscriber is non-blocking: a full
// buffer drops the event for that subscriber and increments the drop
// counter rather than stalling the publisher.
func (b *Bus) Publish(evt Event) {
	b.appendHistory(evt)

	topic := evt.Topic()

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if sub.prefix == "" || strings.HasPrefix(topic, sub.prefix) {
			select {
			case sub.ch <- evt:
			default:
				newCount := b.droppedEvents.Add(1)
				b.maybeLogDropWarning(newCount, topic)
			}
		}
	}
}

func (b *Bus) appendHistory(evt Event) {
	b.histMu.Lock()
	defer b.histMu.Unlock()
	if len(b.history) < b.histCap {
		b.history = append(b.history, evt)
		return
	}
	// Ring buffer once at capacity: overwrite the oldest slot.
	b.history[b.histHead] = evt
	b.histHead = (b.histHead + 1) % b.histCap
}

// History returns up to the last n events in emission order (oldest first
// among the returned slice). n <= 0 returns the full bounded history.
func (b *Bus) History(n int) []Event {
	b.histMu.Lock()
	defer b.histMu.Unlock()

	total := len(b.history)
	if total == 0 {
		return nil
	}

	ordered := make([]Event, total)
	if total < b.histCap {
		copy(ordered, b.history)
	} else {
		copy(ordered, b.history[b.histHead:])
		copy(ordered[total-b.histHead:], b.history[:b.histHead])
	}

	if n <= 0 || n >= total {
		return ordered
	}
	return ordered[total-n:]
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// DroppedEventCount returns the total number of events dropped due to full
// subscriber buffers.
func (b *Bus) DroppedEventCount() int64 {
	return b.droppedEvents.Load()
}

// dropThreshold returns the next exponential threshold (1, 10, 100, ...) at
// or below count.
func dropThreshold(count int64) int64 {
	threshold := int64(1)
	for threshold*10 <= count {
		threshold *= 10
	}
	return threshold
}

// maybeLogDropWarning logs a warning when the dropped-event count crosses an
// exponential threshold, using CompareAndSwap to avoid duplicate logs from
// concurrent publishers.
func (b *Bus) maybeLogDropWarning(newCount int64, topic string) {
	if b.logger == nil {
		return
	}
	threshold := dropThreshold(newCount)
	if newCount != threshold {
		return
	}
	lastWarned := b.lastDropWarning.Load()
	if threshold <= lastWarned {
		return
	}
	if b.lastDropWarning.CompareAndSwap(lastWarned, threshold) {
		b.logger.Warn("bus_dropped_events_reached_threshold",
			slog.Int64("count", newCount),
			slog.String("topic", topic),
		)
	}
}
