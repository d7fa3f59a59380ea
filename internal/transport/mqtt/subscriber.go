package mqtt

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"
)

// Handler consumes one inbound bin message.
type Handler interface {
	HandleMessage(ctx context.Context, deviceID string, payload []byte) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, deviceID string, payload []byte) error

// HandleMessage calls f.
func (f HandlerFunc) HandleMessage(ctx context.Context, deviceID string, payload []byte) error {
	return f(ctx, deviceID, payload)
}

// Inbound binds a handler to each inbound topic kind. Nil handlers are not
// subscribed.
type Inbound struct {
	Telemetry Handler
	Register  Handler
	Ack       Handler
}

type subscribeClient interface {
	Subscribe(filter string, handler MessageHandler) error
}

// Subscriber routes bin topics to their handlers.
type Subscriber struct {
	client  subscribeClient
	inbound Inbound
	timeout time.Duration
	logger  *log.Logger
}

// NewSubscriber constructs a subscriber. timeout bounds each handler call.
func NewSubscriber(client subscribeClient, inbound Inbound, timeout time.Duration, logger *log.Logger) (*Subscriber, error) {
	if client == nil {
		return nil, errors.New("mqtt subscriber: nil client")
	}
	if logger == nil {
		logger = log.Default()
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Subscriber{client: client, inbound: inbound, timeout: timeout, logger: logger}, nil
}

// Start subscribes every configured kind. Handlers run with contexts derived
// from ctx.
func (s *Subscriber) Start(ctx context.Context) error {
	routes := []struct {
		filter  string
		handler Handler
	}{
		{TelemetryFilter, s.inbound.Telemetry},
		{RegisterFilter, s.inbound.Register},
		{AckFilter, s.inbound.Ack},
	}
	for _, route := range routes {
		if route.handler == nil {
			continue
		}
		if err := s.client.Subscribe(route.filter, func(topic string, payload []byte) {
			s.route(ctx, topic, payload)
		}); err != nil {
			return fmt.Errorf("mqtt subscriber: %w", err)
		}
	}
	return nil
}

func (s *Subscriber) route(ctx context.Context, topic string, payload []byte) {
	deviceID, kind, ok := ParseTopic(topic)
	if !ok {
		s.logger.Printf("mqtt subscriber: unroutable topic=%s", topic)
		return
	}
	var handler Handler
	switch kind {
	case KindTelemetry:
		handler = s.inbound.Telemetry
	case KindRegister:
		handler = s.inbound.Register
	case KindAck:
		handler = s.inbound.Ack
	}
	if handler == nil {
		s.logger.Printf("mqtt subscriber: no handler for kind=%s topic=%s", kind, topic)
		return
	}
	if ctx.Err() != nil {
		return
	}

	hctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := handler.HandleMessage(hctx, deviceID, payload); err != nil {
		s.logger.Printf("mqtt subscriber: handle %s: device=%s err=%v", kind, deviceID, err)
	}
}
