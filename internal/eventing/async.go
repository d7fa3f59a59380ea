package eventing

import (
	"context"
	"errors"
	"log"

	"cleanroute-fleet/internal/observability/metrics"
)

const defaultQueueSize = 4096

// ErrQueueFull is returned when the publish queue cannot accept more events.
var ErrQueueFull = errors.New("eventing: publish queue full")

// DeadLetterStore records events whose handlers failed.
type DeadLetterStore interface {
	RecordFailure(ctx context.Context, env Envelope, err error) error
}

type queuedEvent struct {
	env   Envelope
	event any
}

// AsyncPublisher queues events and delivers them to the bus on a single
// worker goroutine, so publishers never wait on consumers.
type AsyncPublisher struct {
	bus    EventBus
	queue  chan queuedEvent
	dlq    DeadLetterStore
	logger *log.Logger
}

// AsyncOption configures the async publisher.
type AsyncOption func(*AsyncPublisher)

// WithDeadLetters records handler failures in store.
func WithDeadLetters(store DeadLetterStore) AsyncOption {
	return func(p *AsyncPublisher) {
		p.dlq = store
	}
}

// WithQueueSize overrides the queue capacity.
func WithQueueSize(size int) AsyncOption {
	return func(p *AsyncPublisher) {
		if size > 0 {
			p.queue = make(chan queuedEvent, size)
		}
	}
}

// NewAsyncPublisher constructs an async publisher over bus.
func NewAsyncPublisher(bus EventBus, logger *log.Logger, opts ...AsyncOption) (*AsyncPublisher, error) {
	if bus == nil {
		return nil, errors.New("eventing: nil bus")
	}
	if logger == nil {
		logger = log.Default()
	}
	p := &AsyncPublisher{
		bus:    bus,
		queue:  make(chan queuedEvent, defaultQueueSize),
		logger: logger,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Publish enqueues the event without blocking.
func (p *AsyncPublisher) Publish(ctx context.Context, event any) error {
	if p == nil {
		return nil
	}
	env, err := BuildEnvelope(event, MetaFromContext(ctx))
	if err != nil {
		return err
	}
	select {
	case p.queue <- queuedEvent{env: env, event: event}:
		return nil
	default:
		metrics.IncQueueDrop("events")
		p.logger.Printf("event queue full: dropped type=%s event=%s", env.EventType, env.EventID)
		return ErrQueueFull
	}
}

// Subscribe delegates to the underlying bus.
func (p *AsyncPublisher) Subscribe(eventType string, handler EventHandler) {
	if p == nil {
		return
	}
	p.bus.Subscribe(eventType, handler)
}

// Pending returns the number of queued events.
func (p *AsyncPublisher) Pending() int {
	if p == nil {
		return 0
	}
	return len(p.queue)
}

// Run delivers queued events until ctx is done, then drains what is left.
func (p *AsyncPublisher) Run(ctx context.Context) {
	for {
		select {
		case item := <-p.queue:
			p.deliver(context.WithoutCancel(ctx), item)
		case <-ctx.Done():
			p.Drain(context.WithoutCancel(ctx))
			return
		}
	}
}

// Drain delivers every queued event synchronously.
func (p *AsyncPublisher) Drain(ctx context.Context) {
	for {
		select {
		case item := <-p.queue:
			p.deliver(ctx, item)
		default:
			return
		}
	}
}

func (p *AsyncPublisher) deliver(ctx context.Context, item queuedEvent) {
	ctx = WithEnvelope(ctx, item.env)
	err := p.bus.Publish(ctx, item.event)
	if err == nil {
		return
	}
	p.logger.Printf("event handler failed: type=%s event=%s err=%v", item.env.EventType, item.env.EventID, err)
	if p.dlq == nil {
		return
	}
	if dlqErr := p.dlq.RecordFailure(ctx, item.env, err); dlqErr != nil {
		p.logger.Printf("dead letter record failed: event=%s err=%v", item.env.EventID, dlqErr)
	}
}
