package bus

import (
	"context"
	"log/slog"
	"sync"

	"github.com/petal-labs/petalrun/metrics"
	"github.com/petal-labs/petalrun/runtime"
)

// MemBusConfig configures an in-memory event bus.
type MemBusConfig struct {
	// SubscriberBufferSize is the channel buffer size per subscriber (default: 256).
	SubscriberBufferSize int
	Logger               *slog.Logger
}

// MemBus is an in-process event bus. Each subscription drains its own
// buffered channel on a dedicated goroutine, so a slow handler only delays
// itself. When a buffer is full the event is dropped for that subscriber.
type MemBus struct {
	mu      sync.RWMutex
	subs    map[string][]*memSub // topic -> subscribers
	bufSize int
	closed  bool
	logger  *slog.Logger
}

// NewMemBus creates a new in-memory event bus with the given configuration.
func NewMemBus(config MemBusConfig) *MemBus {
	bufSize := config.SubscriberBufferSize
	if bufSize <= 0 {
		bufSize = 256
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &MemBus{
		subs:    make(map[string][]*memSub),
		bufSize: bufSize,
		logger:  logger,
	}
}

// Publish queues event for every subscriber of topic and returns how many
// accepted it.
func (b *MemBus) Publish(_ context.Context, topic string, event runtime.Event) (int, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return 0, ErrClosed
	}
	metrics.EventsPublished.WithLabelValues(string(event.Kind)).Inc()

	n := 0
	for _, sub := range b.subs[topic] {
		if sub.send(event) {
			n++
		}
	}
	return n, nil
}

// Subscribe registers handler on topic.
func (b *MemBus) Subscribe(_ context.Context, topic string, handler Handler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}
	sub := &memSub{
		bus:     b,
		topic:   topic,
		handler: handler,
		ch:      make(chan runtime.Event, b.bufSize),
		done:    make(chan struct{}),
	}
	b.subs[topic] = append(b.subs[topic], sub)
	go sub.loop()
	return sub, nil
}

// Unsubscribe removes every subscription on topic.
func (b *MemBus) Unsubscribe(topic string) {
	b.mu.Lock()
	subs := b.subs[topic]
	delete(b.subs, topic)
	b.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
	if len(subs) > 0 {
		b.logger.Debug("unsubscribed topic", "topic", topic, "subscribers", len(subs))
	}
}

// Close shuts down the bus and all active subscriptions.
func (b *MemBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	for topic, subs := range b.subs {
		for _, sub := range subs {
			sub.close()
		}
		delete(b.subs, topic)
	}
	return nil
}

func (b *MemBus) remove(s *memSub) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subs[s.topic]
	for i, sub := range subs {
		if sub == s {
			b.subs[s.topic] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(b.subs[s.topic]) == 0 {
		delete(b.subs, s.topic)
	}
}

// memSub is an in-memory subscription.
type memSub struct {
	bus     *MemBus
	topic   string
	handler Handler
	ch      chan runtime.Event
	done    chan struct{}

	mu     sync.Mutex
	closed bool
}

func (s *memSub) loop() {
	defer close(s.done)
	for event := range s.ch {
		deliver(s.bus.logger, s.topic, s.handler, event)
	}
}

// Close unsubscribes and releases resources. Events already queued are
// still delivered.
func (s *memSub) Close() error {
	s.bus.remove(s)
	s.close()
	return nil
}

// close performs the actual channel close, guarded against double-close.
func (s *memSub) close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// send delivers an event to the subscription's channel.
// If the channel is full or the subscription is closed, the event is dropped.
func (s *memSub) send(event runtime.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}

	select {
	case s.ch <- event:
		return true
	default:
		metrics.EventsDropped.WithLabelValues(s.topic).Inc()
		s.bus.logger.Warn("dropping event, subscriber buffer full",
			"topic", s.topic, "run_id", event.RunID, "type", event.Kind)
		return false
	}
}

// Compile-time interface checks.
var _ EventBus = (*MemBus)(nil)
var _ Subscription = (*memSub)(nil)
