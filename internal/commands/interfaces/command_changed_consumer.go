package interfaces

import (
	"context"
	"errors"
	"log"

	commandevents "cleanroute-fleet/internal/commands/application/events"
	commands "cleanroute-fleet/internal/commands/domain"
	"cleanroute-fleet/internal/eventing"
)

// CommandStore persists command snapshots.
type CommandStore interface {
	Upsert(ctx context.Context, cmd commands.Command) error
}

// CommandChangedConsumer persists every command transition.
type CommandChangedConsumer struct {
	store CommandStore
}

// NewCommandChangedConsumer constructs a consumer.
func NewCommandChangedConsumer(store CommandStore) (*CommandChangedConsumer, error) {
	if store == nil {
		return nil, errors.New("command consumer: nil store")
	}
	return &CommandChangedConsumer{store: store}, nil
}

// Handle implements eventing.EventHandler.
func (c *CommandChangedConsumer) Handle(ctx context.Context, event any) error {
	evt, ok := event.(commandevents.CommandChanged)
	if !ok {
		return eventing.ErrInvalidEventType
	}
	return c.store.Upsert(ctx, evt.Command)
}

// CommandFailedConsumer logs exhausted commands for operators.
type CommandFailedConsumer struct {
	logger *log.Logger
}

// NewCommandFailedConsumer constructs a consumer.
func NewCommandFailedConsumer(logger *log.Logger) *CommandFailedConsumer {
	if logger == nil {
		logger = log.Default()
	}
	return &CommandFailedConsumer{logger: logger}
}

// Handle implements eventing.EventHandler.
func (c *CommandFailedConsumer) Handle(_ context.Context, event any) error {
	evt, ok := event.(commandevents.CommandFailed)
	if !ok {
		return eventing.ErrInvalidEventType
	}
	if evt.Failure != nil {
		c.logger.Printf("commands: delivery failed: %v", evt.Failure)
		return nil
	}
	c.logger.Printf("commands: delivery failed: command=%s device=%s", evt.CommandID, evt.DeviceID)
	return nil
}
