package otel

import (
	"context"

	"github.com/petal-labs/petalrun/runtime"
)

// Publisher wraps an EventPublisher and feeds every event to the given
// handlers before forwarding it. Handlers run whether or not the publish
// succeeds.
type Publisher struct {
	next    runtime.EventPublisher
	handler runtime.EventHandler
}

// NewPublisher returns next decorated with handlers. With no handlers it
// returns next unchanged.
func NewPublisher(next runtime.EventPublisher, handlers ...runtime.EventHandler) runtime.EventPublisher {
	if len(handlers) == 0 {
		return next
	}
	return &Publisher{next: next, handler: runtime.MultiEventHandler(handlers...)}
}

// Publish implements runtime.EventPublisher.
func (p *Publisher) Publish(ctx context.Context, topic string, e runtime.Event) (int, error) {
	p.handler(e)
	return p.next.Publish(ctx, topic, e)
}
