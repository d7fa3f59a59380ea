package interfaces

import (
	"context"
	"errors"
	"testing"

	collectionevents "cleanroute-fleet/internal/collection/application/events"
	collection "cleanroute-fleet/internal/collection/domain"
	"cleanroute-fleet/internal/eventing"
)

type stubStore struct {
	saved []collection.Window
}

func (s *stubStore) Upsert(_ context.Context, w collection.Window) error {
	s.saved = append(s.saved, w)
	return nil
}

func TestWindowChangedConsumer(t *testing.T) {
	if _, err := NewWindowChangedConsumer(nil); err == nil {
		t.Fatal("expected error for nil store")
	}
	store := &stubStore{}
	consumer, _ := NewWindowChangedConsumer(store)
	evt := collectionevents.WindowChanged{
		WindowID: "w-1",
		State:    collection.StateClosing,
		Window:   collection.Window{ID: "w-1", State: collection.StateClosing},
	}
	if err := consumer.Handle(context.Background(), evt); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(store.saved) != 1 || store.saved[0].State != collection.StateClosing {
		t.Fatalf("unexpected saved %+v", store.saved)
	}
	if err := consumer.Handle(context.Background(), struct{}{}); !errors.Is(err, eventing.ErrInvalidEventType) {
		t.Fatalf("expected ErrInvalidEventType, got %v", err)
	}
}
