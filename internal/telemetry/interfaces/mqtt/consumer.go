package mqtt

import (
	"context"
	"errors"
	"log"

	"cleanroute-fleet/internal/observability/metrics"
	registryapp "cleanroute-fleet/internal/registry/application"
	registry "cleanroute-fleet/internal/registry/domain"
	"cleanroute-fleet/internal/telemetry/application"
	telemetry "cleanroute-fleet/internal/telemetry/domain"
	"cleanroute-fleet/internal/telemetry/interfaces"
)

// Ingester is the ingest surface used by the MQTT consumers.
type Ingester interface {
	Ingest(ctx context.Context, sample telemetry.Sample) (application.Outcome, error)
	RegisterDevice(ctx context.Context, reg registryapp.Registration) (registry.Device, error)
}

// TelemetryConsumer handles cleanroute/bins/+/telemetry.
type TelemetryConsumer struct {
	ingester Ingester
	logger   *log.Logger
}

// NewTelemetryConsumer constructs a telemetry consumer.
func NewTelemetryConsumer(ingester Ingester, logger *log.Logger) (*TelemetryConsumer, error) {
	if ingester == nil {
		return nil, errors.New("telemetry consumer: nil ingester")
	}
	if logger == nil {
		logger = log.Default()
	}
	return &TelemetryConsumer{ingester: ingester, logger: logger}, nil
}

// HandleMessage decodes and ingests one sample. Rejected samples are logged
// and counted by the ingest service and not returned, since redelivery cannot
// fix them.
func (c *TelemetryConsumer) HandleMessage(ctx context.Context, deviceID string, payload []byte) error {
	sample, err := interfaces.DecodeSample(payload, deviceID)
	if err != nil {
		metrics.IncIngestError("decode")
		c.logger.Printf("telemetry consumer: decode: topic_device=%s err=%v", deviceID, err)
		return nil
	}
	if sample.DeviceID != deviceID {
		c.logger.Printf("telemetry consumer: bin_id %s differs from topic device %s", sample.DeviceID, deviceID)
	}
	_, err = c.ingester.Ingest(ctx, sample)
	var (
		verr  *telemetry.ValidationError
		stale *telemetry.StaleSampleError
	)
	if errors.As(err, &verr) || errors.As(err, &stale) {
		return nil
	}
	return err
}

// RegistrationConsumer handles cleanroute/bins/+/register.
type RegistrationConsumer struct {
	ingester Ingester
	logger   *log.Logger
}

// NewRegistrationConsumer constructs a registration consumer.
func NewRegistrationConsumer(ingester Ingester, logger *log.Logger) (*RegistrationConsumer, error) {
	if ingester == nil {
		return nil, errors.New("registration consumer: nil ingester")
	}
	if logger == nil {
		logger = log.Default()
	}
	return &RegistrationConsumer{ingester: ingester, logger: logger}, nil
}

// HandleMessage applies a registration report.
func (c *RegistrationConsumer) HandleMessage(ctx context.Context, deviceID string, payload []byte) error {
	reg, err := interfaces.DecodeRegistration(payload, deviceID)
	if err != nil {
		c.logger.Printf("registration consumer: decode: topic_device=%s err=%v", deviceID, err)
		return nil
	}
	_, err = c.ingester.RegisterDevice(ctx, reg)
	return err
}
