package interfaces

import (
	"bytes"
	"context"
	"errors"
	"log"
	"strings"
	"testing"

	commandevents "cleanroute-fleet/internal/commands/application/events"
	commands "cleanroute-fleet/internal/commands/domain"
	"cleanroute-fleet/internal/eventing"
)

type stubStore struct {
	saved []commands.Command
	err   error
}

func (s *stubStore) Upsert(_ context.Context, cmd commands.Command) error {
	if s.err != nil {
		return s.err
	}
	s.saved = append(s.saved, cmd)
	return nil
}

func TestCommandChangedConsumer_PersistsSnapshot(t *testing.T) {
	store := &stubStore{}
	consumer, err := NewCommandChangedConsumer(store)
	if err != nil {
		t.Fatalf("new consumer: %v", err)
	}
	evt := commandevents.CommandChanged{
		CommandID: "cmd-1",
		DeviceID:  "bin-1",
		Change:    commandevents.ChangeAcknowledged,
		Command:   commands.Command{ID: "cmd-1", DeviceID: "bin-1", Status: commands.StatusAcknowledged},
	}
	if err := consumer.Handle(context.Background(), evt); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(store.saved) != 1 || store.saved[0].Status != commands.StatusAcknowledged {
		t.Fatalf("unexpected saved %+v", store.saved)
	}

	store.err = errors.New("db down")
	if err := consumer.Handle(context.Background(), evt); err == nil {
		t.Fatal("expected store error to propagate for retry")
	}
	if err := consumer.Handle(context.Background(), "nope"); !errors.Is(err, eventing.ErrInvalidEventType) {
		t.Fatalf("expected ErrInvalidEventType, got %v", err)
	}
}

func TestCommandFailedConsumer_LogsFailure(t *testing.T) {
	var buf bytes.Buffer
	consumer := NewCommandFailedConsumer(log.New(&buf, "", 0))
	evt := commandevents.CommandFailed{
		CommandID: "cmd-2",
		DeviceID:  "bin-2",
		Failure:   &commands.DeliveryFailure{CommandID: "cmd-2", DeviceID: "bin-2", Type: commands.TypeWakeUp, Attempts: 3},
	}
	if err := consumer.Handle(context.Background(), evt); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if !strings.Contains(buf.String(), "bin-2") {
		t.Fatalf("expected device in log, got %q", buf.String())
	}
}
