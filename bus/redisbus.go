package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/petal-labs/petalrun/metrics"
	"github.com/petal-labs/petalrun/runtime"
)

// DefaultChannelPrefix namespaces bus topics in Redis.
const DefaultChannelPrefix = "petalrun:"

// DefaultPublishTimeout is the per-publish timeout.
const DefaultPublishTimeout = 5 * time.Second

// RedisBusConfig configures a Redis pub/sub bus.
type RedisBusConfig struct {
	// URL is the Redis connection URL, used when Client is nil.
	// Format: redis://[:password@]host:port[/db]
	URL string
	// Client is an existing connection to share; the bus does not close it.
	Client *goredis.Client
	// ChannelPrefix is prepended to topics (default: petalrun:).
	ChannelPrefix string
	// PublishTimeout is the per-publish timeout (default 5s).
	PublishTimeout time.Duration
	Logger         *slog.Logger
}

// RedisBus distributes events across processes with Redis PUBLISH and
// SUBSCRIBE. Events travel as JSON.
type RedisBus struct {
	client     *goredis.Client
	ownsClient bool
	prefix     string
	timeout    time.Duration
	logger     *slog.Logger

	mu     sync.Mutex
	subs   map[string][]*redisSub
	closed bool
}

// NewRedisBus creates a Redis-backed bus.
func NewRedisBus(cfg RedisBusConfig) (*RedisBus, error) {
	client := cfg.Client
	owns := false
	if client == nil {
		if cfg.URL == "" {
			return nil, errors.New("redis bus requires a URL or client")
		}
		opts, err := goredis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("redis bus: invalid URL: %w", err)
		}
		client = goredis.NewClient(opts)
		owns = true
	}
	if cfg.ChannelPrefix == "" {
		cfg.ChannelPrefix = DefaultChannelPrefix
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = DefaultPublishTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &RedisBus{
		client:     client,
		ownsClient: owns,
		prefix:     cfg.ChannelPrefix,
		timeout:    cfg.PublishTimeout,
		logger:     cfg.Logger,
		subs:       make(map[string][]*redisSub),
	}, nil
}

// Channel returns the Redis channel name for topic.
func (b *RedisBus) Channel(topic string) string {
	return b.prefix + topic
}

// Publish sends event as JSON and returns the number of Redis subscribers
// that received it.
func (b *RedisBus) Publish(ctx context.Context, topic string, event runtime.Event) (int, error) {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return 0, ErrClosed
	}

	body, err := json.Marshal(event)
	if err != nil {
		return 0, fmt.Errorf("redis bus: marshal event: %w", err)
	}

	publishCtx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	n, err := b.client.Publish(publishCtx, b.Channel(topic), body).Result()
	if err != nil {
		return 0, fmt.Errorf("redis bus: publish %s: %w", topic, err)
	}
	metrics.EventsPublished.WithLabelValues(string(event.Kind)).Inc()
	return int(n), nil
}

// Subscribe registers handler on topic. It returns once Redis has
// confirmed the subscription.
func (b *RedisBus) Subscribe(ctx context.Context, topic string, handler Handler) (Subscription, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	b.mu.Unlock()

	ps := b.client.Subscribe(ctx, b.Channel(topic))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("redis bus: subscribe %s: %w", topic, err)
	}

	sub := &redisSub{bus: b, topic: topic, ps: ps, handler: handler, done: make(chan struct{})}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		_ = ps.Close()
		return nil, ErrClosed
	}
	b.subs[topic] = append(b.subs[topic], sub)
	b.mu.Unlock()

	go sub.loop()
	return sub, nil
}

// Unsubscribe closes every subscription on topic.
func (b *RedisBus) Unsubscribe(topic string) {
	b.mu.Lock()
	subs := b.subs[topic]
	delete(b.subs, topic)
	b.mu.Unlock()

	for _, sub := range subs {
		if err := sub.closePubSub(); err != nil {
			b.logger.Warn("redis bus: unsubscribe", "topic", topic, "error", err)
		}
	}
}

// Close closes all subscriptions and, if the bus created it, the client.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	all := b.subs
	b.subs = make(map[string][]*redisSub)
	b.mu.Unlock()

	for topic, subs := range all {
		for _, sub := range subs {
			if err := sub.closePubSub(); err != nil {
				b.logger.Warn("redis bus: close subscription", "topic", topic, "error", err)
			}
		}
	}
	if b.ownsClient {
		return b.client.Close()
	}
	return nil
}

func (b *RedisBus) remove(s *redisSub) {
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

type redisSub struct {
	bus     *RedisBus
	topic   string
	ps      *goredis.PubSub
	handler Handler
	done    chan struct{}

	once     sync.Once
	closeErr error
}

func (s *redisSub) closePubSub() error {
	s.once.Do(func() { s.closeErr = s.ps.Close() })
	return s.closeErr
}

// loop runs until the PubSub is closed, which closes its channel.
func (s *redisSub) loop() {
	defer close(s.done)
	for msg := range s.ps.Channel() {
		var event runtime.Event
		if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
			s.bus.logger.Warn("redis bus: discarding malformed event", "topic", s.topic, "error", err)
			continue
		}
		deliver(s.bus.logger, s.topic, s.handler, event)
	}
}

func (s *redisSub) Close() error {
	s.bus.remove(s)
	if err := s.closePubSub(); err != nil {
		return fmt.Errorf("redis bus: close subscription: %w", err)
	}
	return nil
}

// Compile-time interface checks.
var _ EventBus = (*RedisBus)(nil)
var _ Subscription = (*redisSub)(nil)
