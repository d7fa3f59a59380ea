package mqtt

import (
	"context"
	"errors"
	"io"
	"log"
	"testing"

	commandapp "cleanroute-fleet/internal/commands/application"
	commands "cleanroute-fleet/internal/commands/domain"
)

type stubAcknowledger struct {
	acks []commands.Ack
	err  error
}

func (s *stubAcknowledger) Acknowledge(_ context.Context, ack commands.Ack) (commandapp.AckOutcome, error) {
	s.acks = append(s.acks, ack)
	if s.err != nil {
		return "", s.err
	}
	return commandapp.AckApplied, nil
}

func TestAckConsumer_UsesTopicDevice(t *testing.T) {
	stub := &stubAcknowledger{}
	consumer, err := NewAckConsumer(stub, log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("new consumer: %v", err)
	}
	payload := []byte(`{"command_id":"cmd-1","status":"ok","detail":"awake"}`)
	if err := consumer.HandleMessage(context.Background(), "bin-9", payload); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(stub.acks) != 1 {
		t.Fatalf("expected one ack, got %d", len(stub.acks))
	}
	got := stub.acks[0]
	if got.DeviceID != "bin-9" || got.CommandID != "cmd-1" || got.Status != commands.AckOK || got.Detail != "awake" {
		t.Fatalf("unexpected ack %+v", got)
	}
}

func TestAckConsumer_ErrorHandling(t *testing.T) {
	stub := &stubAcknowledger{}
	consumer, _ := NewAckConsumer(stub, log.New(io.Discard, "", 0))
	if err := consumer.HandleMessage(context.Background(), "bin-9", []byte(`not json`)); err != nil {
		t.Fatalf("malformed payload should be dropped, got %v", err)
	}
	if len(stub.acks) != 0 {
		t.Fatal("malformed payload reached the dispatcher")
	}

	stub.err = &commands.ValidationError{Field: "command_id", Reason: "required"}
	if err := consumer.HandleMessage(context.Background(), "bin-9", []byte(`{}`)); err != nil {
		t.Fatalf("validation errors are not retryable, got %v", err)
	}

	stub.err = commands.ErrStopped
	if err := consumer.HandleMessage(context.Background(), "bin-9", []byte(`{"command_id":"c"}`)); !errors.Is(err, commands.ErrStopped) {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
}
