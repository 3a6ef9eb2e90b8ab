// Package bus provides topic-based event distribution for petalrun. The
// executor publishes runtime events on a topic; distributors, tracers and
// metrics collectors subscribe to it. Delivery is at-least-once to
// subscribers connected at publish time; nothing is kept for disconnected
// ones.
package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/petal-labs/petalrun/runtime"
)

// ExecutionTopic carries every execution event.
const ExecutionTopic = runtime.DefaultTopic

// ErrClosed is returned when publishing or subscribing on a closed bus.
var ErrClosed = errors.New("bus: closed")

// Handler is invoked once per delivered event. Calls for one subscription
// are sequential and in publish order.
type Handler func(runtime.Event)

// EventBus distributes events to subscribers.
type EventBus interface {
	runtime.EventPublisher

	// Subscribe registers handler on topic. The subscription is active when
	// Subscribe returns.
	Subscribe(ctx context.Context, topic string, handler Handler) (Subscription, error)

	// Unsubscribe removes every subscription on topic. It is idempotent;
	// failures are logged.
	Unsubscribe(topic string)

	// Close shuts down the bus and all subscriptions.
	Close() error
}

// Subscription is a registered handler.
type Subscription interface {
	// Close unsubscribes and releases resources.
	Close() error
}

// deliver calls h, turning a panic into a log line so one bad handler
// cannot stop a subscription.
func deliver(logger *slog.Logger, topic string, h Handler, event runtime.Event) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("bus handler panicked", "topic", topic, "run_id", event.RunID,
				"type", event.Kind, "error", fmt.Sprint(r))
		}
	}()
	h(event)
}
