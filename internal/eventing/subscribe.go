package eventing

import (
	"context"
	"fmt"
	"time"

	"cleanroute-fleet/internal/observability/metrics"
)

// Subscribe registers handler under a consumer name. Panics in the handler
// are converted to errors so one consumer cannot take down the publisher.
func Subscribe(bus EventBus, eventType, consumerName string, handler EventHandler) {
	if bus == nil || handler == nil {
		return
	}
	bus.Subscribe(eventType, WrapHandler(consumerName, handler))
}

// WrapHandler adds consumer lag tracking and panic recovery.
func WrapHandler(consumerName string, handler EventHandler) EventHandler {
	return func(ctx context.Context, event any) (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("eventing: consumer %s panicked: %v", consumerName, r)
			}
		}()
		observeConsumerLag(ctx, event, consumerName)
		if err := handler(ctx, event); err != nil {
			return fmt.Errorf("%s: %w", consumerName, err)
		}
		return nil
	}
}

func observeConsumerLag(ctx context.Context, event any, consumerName string) {
	occurredAt := time.Time{}
	if env, ok := EnvelopeFromContext(ctx); ok {
		occurredAt = env.OccurredAt
	}
	if occurredAt.IsZero() {
		occurredAt = extractTimeField(event, "OccurredAt")
	}
	if occurredAt.IsZero() {
		return
	}
	metrics.ObserveConsumerLag(consumerName, time.Since(occurredAt))
}
