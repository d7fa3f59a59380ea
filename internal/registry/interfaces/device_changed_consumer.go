package interfaces

import (
	"context"
	"errors"

	"cleanroute-fleet/internal/eventing"
	registryevents "cleanroute-fleet/internal/registry/application/events"
	registry "cleanroute-fleet/internal/registry/domain"
)

// DeviceStore persists device snapshots.
type DeviceStore interface {
	Upsert(ctx context.Context, device registry.Device) error
}

// DeviceChangedConsumer writes registry snapshots to durable storage.
type DeviceChangedConsumer struct {
	store DeviceStore
}

// NewDeviceChangedConsumer constructs a consumer.
func NewDeviceChangedConsumer(store DeviceStore) (*DeviceChangedConsumer, error) {
	if store == nil {
		return nil, errors.New("registry consumer: nil store")
	}
	return &DeviceChangedConsumer{store: store}, nil
}

// Handle implements eventing.EventHandler.
func (c *DeviceChangedConsumer) Handle(ctx context.Context, event any) error {
	evt, ok := event.(registryevents.DeviceChanged)
	if !ok {
		return eventing.ErrInvalidEventType
	}
	return c.store.Upsert(ctx, evt.Device)
}
