package interfaces

import (
	"context"
	"errors"
	"testing"

	"cleanroute-fleet/internal/eventing"
	registryevents "cleanroute-fleet/internal/registry/application/events"
	registry "cleanroute-fleet/internal/registry/domain"
)

type recordingStore struct {
	saved []registry.Device
}

func (s *recordingStore) Upsert(_ context.Context, device registry.Device) error {
	s.saved = append(s.saved, device)
	return nil
}

func TestDeviceChangedConsumer(t *testing.T) {
	if _, err := NewDeviceChangedConsumer(nil); err == nil {
		t.Fatal("expected error for nil store")
	}
	store := &recordingStore{}
	consumer, err := NewDeviceChangedConsumer(store)
	if err != nil {
		t.Fatalf("new consumer: %v", err)
	}
	evt := registryevents.DeviceChanged{
		DeviceID: "bin-7",
		Reason:   registryevents.ReasonMode,
		Device:   registry.Device{ID: "bin-7", Mode: registry.ModeAwake, Version: 4},
	}
	if err := consumer.Handle(context.Background(), evt); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(store.saved) != 1 || store.saved[0].Version != 4 {
		t.Fatalf("unexpected saved %+v", store.saved)
	}
	if err := consumer.Handle(context.Background(), struct{}{}); !errors.Is(err, eventing.ErrInvalidEventType) {
		t.Fatalf("expected ErrInvalidEventType, got %v", err)
	}
}
