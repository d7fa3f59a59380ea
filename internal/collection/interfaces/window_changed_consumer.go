package interfaces

import (
	"context"
	"errors"

	collectionevents "cleanroute-fleet/internal/collection/application/events"
	collection "cleanroute-fleet/internal/collection/domain"
	"cleanroute-fleet/internal/eventing"
)

// WindowStore persists collection windows.
type WindowStore interface {
	Upsert(ctx context.Context, w collection.Window) error
}

// WindowChangedConsumer persists window transitions.
type WindowChangedConsumer struct {
	store WindowStore
}

// NewWindowChangedConsumer constructs a consumer.
func NewWindowChangedConsumer(store WindowStore) (*WindowChangedConsumer, error) {
	if store == nil {
		return nil, errors.New("window consumer: nil store")
	}
	return &WindowChangedConsumer{store: store}, nil
}

// Handle implements eventing.EventHandler.
func (c *WindowChangedConsumer) Handle(ctx context.Context, event any) error {
	evt, ok := event.(collectionevents.WindowChanged)
	if !ok {
		return eventing.ErrInvalidEventType
	}
	return c.store.Upsert(ctx, evt.Window)
}
