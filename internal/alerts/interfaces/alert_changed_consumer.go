package interfaces

import (
	"context"
	"errors"

	alertevents "cleanroute-fleet/internal/alerts/application/events"
	alerts "cleanroute-fleet/internal/alerts/domain"
	"cleanroute-fleet/internal/alerts/notify"
	"cleanroute-fleet/internal/eventing"
)

// AlertStore persists alert records.
type AlertStore interface {
	Upsert(ctx context.Context, alert alerts.Alert) error
}

// AlertChangedConsumer persists alert changes and forwards them to the
// notifier once stored.
type AlertChangedConsumer struct {
	store    AlertStore
	notifier notify.Notifier
}

// NewAlertChangedConsumer constructs a consumer. Either dependency may be
// nil, not both.
func NewAlertChangedConsumer(store AlertStore, notifier notify.Notifier) (*AlertChangedConsumer, error) {
	if store == nil && notifier == nil {
		return nil, errors.New("alert consumer: nil store and notifier")
	}
	return &AlertChangedConsumer{store: store, notifier: notifier}, nil
}

// Handle implements eventing.EventHandler.
func (c *AlertChangedConsumer) Handle(ctx context.Context, event any) error {
	evt, ok := event.(alertevents.AlertChanged)
	if !ok {
		return eventing.ErrInvalidEventType
	}
	if c.store != nil {
		if err := c.store.Upsert(ctx, evt.Alert); err != nil {
			return err
		}
	}
	if c.notifier != nil {
		c.notifier.Notify(ctx, evt)
	}
	return nil
}
