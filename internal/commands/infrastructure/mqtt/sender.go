package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	commands "cleanroute-fleet/internal/commands/domain"
	"cleanroute-fleet/internal/transport/mqtt"
)

// Publisher is the transport surface the sender needs.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// Sender encodes command messages onto the bin command topics.
type Sender struct {
	publisher Publisher
}

// NewSender constructs a sender.
func NewSender(publisher Publisher) (*Sender, error) {
	if publisher == nil {
		return nil, errors.New("command sender: nil publisher")
	}
	return &Sender{publisher: publisher}, nil
}

// Send publishes msg to the target's command topic.
func (s *Sender) Send(ctx context.Context, target string, msg commands.Message) error {
	if target == "" {
		return errors.New("command sender: empty target")
	}
	if len(msg.Params) == 0 {
		msg.Params = json.RawMessage(`{}`)
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("command sender: encode: %w", err)
	}
	return s.publisher.Publish(ctx, mqtt.CommandTopic(target), payload)
}
