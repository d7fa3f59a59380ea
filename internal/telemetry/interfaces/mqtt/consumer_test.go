package mqtt

import (
	"context"
	"errors"
	"io"
	"log"
	"testing"
	"time"

	registryapp "cleanroute-fleet/internal/registry/application"
	registry "cleanroute-fleet/internal/registry/domain"
	"cleanroute-fleet/internal/telemetry/application"
	telemetry "cleanroute-fleet/internal/telemetry/domain"
)

type stubIngester struct {
	samples []telemetry.Sample
	regs    []registryapp.Registration
	err     error
}

func (s *stubIngester) Ingest(_ context.Context, sample telemetry.Sample) (application.Outcome, error) {
	s.samples = append(s.samples, sample)
	return application.OutcomeApplied, s.err
}

func (s *stubIngester) RegisterDevice(_ context.Context, reg registryapp.Registration) (registry.Device, error) {
	s.regs = append(s.regs, reg)
	return registry.Device{ID: reg.DeviceID}, nil
}

func TestTelemetryConsumer_IngestsDecodedSample(t *testing.T) {
	ingester := &stubIngester{}
	consumer, err := NewTelemetryConsumer(ingester, log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("new consumer: %v", err)
	}
	payload := []byte(`{"ts":"2025-12-12T10:00:00Z","fill_pct":72.5,"batt_v":3.85}`)
	if err := consumer.HandleMessage(context.Background(), "B001", payload); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(ingester.samples) != 1 {
		t.Fatalf("expected 1 sample, got %d", len(ingester.samples))
	}
	got := ingester.samples[0]
	if got.DeviceID != "B001" || !got.Timestamp.Equal(time.Date(2025, 12, 12, 10, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected sample: %+v", got)
	}
}

func TestTelemetryConsumer_SwallowsRejections(t *testing.T) {
	ingester := &stubIngester{err: &telemetry.StaleSampleError{DeviceID: "B001"}}
	consumer, _ := NewTelemetryConsumer(ingester, log.New(io.Discard, "", 0))

	if err := consumer.HandleMessage(context.Background(), "B001", []byte(`{"ts":1765533600,"fill_pct":1}`)); err != nil {
		t.Fatalf("stale sample should not surface: %v", err)
	}
	if err := consumer.HandleMessage(context.Background(), "B001", []byte(`{`)); err != nil {
		t.Fatalf("malformed payload should not surface: %v", err)
	}

	ingester.err = errors.New("db down")
	if err := consumer.HandleMessage(context.Background(), "B001", []byte(`{"ts":1765533601,"fill_pct":1}`)); err == nil {
		t.Fatalf("expected infrastructure error to surface")
	}
}

func TestRegistrationConsumer_Registers(t *testing.T) {
	ingester := &stubIngester{}
	consumer, _ := NewRegistrationConsumer(ingester, log.New(io.Discard, "", 0))
	if err := consumer.HandleMessage(context.Background(), "B002", []byte(`{"firmware":"1.0","user_id":"u-1","user_name":"Ari"}`)); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(ingester.regs) != 1 || ingester.regs[0].Owner == nil || ingester.regs[0].DeviceID != "B002" {
		t.Fatalf("unexpected registrations: %+v", ingester.regs)
	}
}
