package events

import (
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

// DefaultBufferSize is the default per-subscriber channel capacity.
const DefaultBufferSize = 256

// Event is one core notification delivered through the in-process bus.
type Event struct {
	Type      string    `json:"type"`
	SessionID string    `json:"sessionId,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload,omitempty"`
}

// Handler consumes a published event.
type Handler func(Event)

// Logger captures warning logs for dropped events.
type Logger interface {
	Printf(format string, args ...any)
}

// Bus defines event subscription and publish behavior.
type Bus interface {
	Subscribe(eventType string, handler Handler) (unsubscribe func())
	SubscribeAll(handler Handler) (unsubscribe func())
	Publish(event Event)
}

// Option customizes bus construction.
type Option func(*InMemoryBus)

// WithBufferSize configures per-subscriber channel capacity.
func WithBufferSize(size int) Option {
	return func(bus *InMemoryBus) {
		if size > 0 {
			bus.bufferSize = size
		}
	}
}

// WithLogger configures the log sink used for dropped-event warnings.
func WithLogger(logger Logger) Option {
	return func(bus *InMemoryBus) {
		if logger != nil {
			bus.logger = logger
		}
	}
}

// InMemoryBus is a thread-safe pub/sub bus backed by buffered channels.
// Publish never blocks: a subscriber whose buffer is full loses the event.
// Each subscriber sees events in publish order.
type InMemoryBus struct {
	mu             sync.RWMutex
	bufferSize     int
	logger         Logger
	typedSubs      map[string][]*subscriber
	wildcardSubs   []*subscriber
	nextSubscriber uint64
}

type subscriber struct {
	id     uint64
	ch     chan Event
	once   sync.Once
	closed bool
}

// New creates an in-memory event bus with optional configuration.
func New(options ...Option) *InMemoryBus {
	bus := &InMemoryBus{
		bufferSize: DefaultBufferSize,
		logger:     log.Default(),
		typedSubs:  make(map[string][]*subscriber),
	}
	for _, option := range options {
		option(bus)
	}
	return bus
}

// Subscribe registers a handler for a specific event type.
func (b *InMemoryBus) Subscribe(eventType string, handler Handler) func() {
	normalizedType := strings.TrimSpace(eventType)
	if normalizedType == "" || handler == nil {
		return func() {}
	}
	sub := b.newSubscriber()

	b.mu.Lock()
	b.typedSubs[normalizedType] = append(b.typedSubs[normalizedType], sub)
	b.mu.Unlock()

	go b.consume(sub, handler)
	return func() {
		b.mu.Lock()
		b.typedSubs[normalizedType] = without(b.typedSubs[normalizedType], sub)
		b.mu.Unlock()
		b.closeSubscriber(sub)
	}
}

// SubscribeAll registers a handler that receives every published event.
func (b *InMemoryBus) SubscribeAll(handler Handler) func() {
	if handler == nil {
		return func() {}
	}
	sub := b.newSubscriber()

	b.mu.Lock()
	b.wildcardSubs = append(b.wildcardSubs, sub)
	b.mu.Unlock()

	go b.consume(sub, handler)
	return func() {
		b.mu.Lock()
		b.wildcardSubs = without(b.wildcardSubs, sub)
		b.mu.Unlock()
		b.closeSubscriber(sub)
	}
}

// Publish delivers an event to typed subscribers and wildcard subscribers.
func (b *InMemoryBus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.typedSubs[strings.TrimSpace(event.Type)] {
		b.deliver(sub, event)
	}
	for _, sub := range b.wildcardSubs {
		b.deliver(sub, event)
	}
}

// deliver must be called with b.mu held so a concurrent unsubscribe cannot
// close the channel mid-send.
func (b *InMemoryBus) deliver(sub *subscriber, event Event) {
	if sub.closed {
		return
	}
	select {
	case sub.ch <- event:
	default:
		b.logger.Printf(
			"events: dropping event for subscriber=%d type=%s session_id=%s",
			sub.id,
			event.Type,
			event.SessionID,
		)
	}
}

func (b *InMemoryBus) newSubscriber() *subscriber {
	b.mu.Lock()
	b.nextSubscriber++
	id := b.nextSubscriber
	b.mu.Unlock()

	return &subscriber{
		id: id,
		ch: make(chan Event, b.bufferSize),
	}
}

func (b *InMemoryBus) closeSubscriber(sub *subscriber) {
	sub.once.Do(func() {
		b.mu.Lock()
		sub.closed = true
		close(sub.ch)
		b.mu.Unlock()
	})
}

func (b *InMemoryBus) consume(sub *subscriber, handler Handler) {
	for event := range sub.ch {
		handler(event)
	}
}

func without(subs []*subscriber, target *subscriber) []*subscriber {
	out := make([]*subscriber, 0, len(subs))
	for _, sub := range subs {
		if sub != target {
			out = append(out, sub)
		}
	}
	return out
}
