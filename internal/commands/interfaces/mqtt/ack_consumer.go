package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"log"

	commandapp "cleanroute-fleet/internal/commands/application"
	commands "cleanroute-fleet/internal/commands/domain"
)

// Acknowledger applies device acks.
type Acknowledger interface {
	Acknowledge(ctx context.Context, ack commands.Ack) (commandapp.AckOutcome, error)
}

type ackPayload struct {
	CommandID string `json:"command_id"`
	Status    string `json:"status"`
	Detail    string `json:"detail"`
}

// AckConsumer handles cleanroute/bins/+/ack.
type AckConsumer struct {
	acks   Acknowledger
	logger *log.Logger
}

// NewAckConsumer constructs an ack consumer.
func NewAckConsumer(acks Acknowledger, logger *log.Logger) (*AckConsumer, error) {
	if acks == nil {
		return nil, errors.New("ack consumer: nil acknowledger")
	}
	if logger == nil {
		logger = log.Default()
	}
	return &AckConsumer{acks: acks, logger: logger}, nil
}

// HandleMessage decodes one ack. The device id always comes from the topic.
func (c *AckConsumer) HandleMessage(ctx context.Context, deviceID string, payload []byte) error {
	var p ackPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		c.logger.Printf("ack consumer: decode: device=%s err=%v", deviceID, err)
		return nil
	}
	outcome, err := c.acks.Acknowledge(ctx, commands.Ack{
		CommandID: p.CommandID,
		DeviceID:  deviceID,
		Status:    commands.AckStatus(p.Status),
		Detail:    p.Detail,
	})
	var verr *commands.ValidationError
	if errors.As(err, &verr) {
		c.logger.Printf("ack consumer: rejected: device=%s err=%v", deviceID, err)
		return nil
	}
	if err != nil {
		return err
	}
	if outcome != commandapp.AckApplied {
		c.logger.Printf("ack consumer: %s ack: device=%s command=%s", outcome, deviceID, p.CommandID)
	}
	return nil
}
