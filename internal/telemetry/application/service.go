package application

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"cleanroute-fleet/internal/clock"
	"cleanroute-fleet/internal/config"
	"cleanroute-fleet/internal/eventing"
	"cleanroute-fleet/internal/observability/metrics"
	registryapp "cleanroute-fleet/internal/registry/application"
	registryevents "cleanroute-fleet/internal/registry/application/events"
	registry "cleanroute-fleet/internal/registry/domain"
	telemetryevents "cleanroute-fleet/internal/telemetry/application/events"
	telemetry "cleanroute-fleet/internal/telemetry/domain"
)

// DeviceStore is the registry surface ingest writes through.
type DeviceStore interface {
	Update(ctx context.Context, id, reason string, fn registryapp.Mutation) (registry.Device, bool, error)
	Register(ctx context.Context, reg registryapp.Registration) (registry.Device, error)
}

// SampleStore is the append-only time-series store. Append must be
// idempotent on (device, timestamp).
type SampleStore interface {
	Append(ctx context.Context, sample telemetry.Sample) error
	ListRecent(ctx context.Context, deviceID string, limit int) ([]telemetry.Sample, error)
}

// HealthEvaluator reacts to fresh device state.
type HealthEvaluator interface {
	ResolveOverflow(ctx context.Context, deviceID string, at time.Time) error
	EvaluateDevice(ctx context.Context, deviceID string) error
}

// Outcome classifies what an accepted sample did.
type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeBackfill  Outcome = "backfill"
)

// Service ingests telemetry samples and registration reports.
type Service struct {
	devices   DeviceStore
	samples   SampleStore
	evaluator HealthEvaluator
	policy    config.IngestPolicy
	publisher eventing.Publisher
	clock     clock.Clock
	logger    *log.Logger
}

// ServiceOption customizes the ingest service.
type ServiceOption func(*Service)

// WithPublisher assigns the event publisher.
func WithPublisher(publisher eventing.Publisher) ServiceOption {
	return func(s *Service) {
		s.publisher = publisher
	}
}

// WithClock assigns a clock.
func WithClock(c clock.Clock) ServiceOption {
	return func(s *Service) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithLogger assigns a logger.
func WithLogger(logger *log.Logger) ServiceOption {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewService constructs an ingest service.
func NewService(devices DeviceStore, samples SampleStore, evaluator HealthEvaluator, policy config.IngestPolicy, opts ...ServiceOption) (*Service, error) {
	if devices == nil {
		return nil, errors.New("telemetry: nil device store")
	}
	if samples == nil {
		return nil, errors.New("telemetry: nil sample store")
	}
	if evaluator == nil {
		return nil, errors.New("telemetry: nil evaluator")
	}
	s := &Service{
		devices:   devices,
		samples:   samples,
		evaluator: evaluator,
		policy:    policy,
		clock:     clock.System(),
		logger:    log.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Ingest validates and applies one sample. Validation and staleness failures
// return *telemetry.ValidationError or *telemetry.StaleSampleError and leave
// all state untouched. Duplicates are accepted as no-ops.
func (s *Service) Ingest(ctx context.Context, sample telemetry.Sample) (Outcome, error) {
	start := s.clock.Now()
	result := metrics.IngestResultSuccess
	defer func() {
		metrics.ObserveIngest(result, s.clock.Now().Sub(start))
	}()

	sample.Timestamp = sample.Timestamp.UTC()
	if err := sample.Validate(start, s.policy.FutureTolerance); err != nil {
		result = metrics.IngestResultRejected
		metrics.IncIngestError("invalid_sample")
		s.logger.Printf("telemetry ingest: rejected: %v", err)
		return "", err
	}

	var (
		outcome     Outcome
		reactivated bool
	)
	device, changed, err := s.devices.Update(ctx, sample.DeviceID, registryevents.ReasonTelemetry, func(d *registry.Device, exists bool) error {
		var applyErr error
		outcome, reactivated, applyErr = applySample(d, exists, sample, s.policy.SkewTolerance)
		return applyErr
	})
	if err != nil {
		var stale *telemetry.StaleSampleError
		if errors.As(err, &stale) {
			result = metrics.IngestResultStale
			metrics.IncIngestError("stale_sample")
			s.logger.Printf("telemetry ingest: %v", err)
			return "", err
		}
		result = metrics.IngestResultError
		metrics.IncIngestError("registry")
		return "", fmt.Errorf("telemetry: update device %s: %w", sample.DeviceID, err)
	}
	if reactivated {
		s.logger.Printf("telemetry ingest: archived device %s reported again; reactivated", sample.DeviceID)
	}

	appendErr := s.append(ctx, sample)

	switch outcome {
	case OutcomeDuplicate:
		result = metrics.IngestResultDuplicate
		return outcome, appendErr
	case OutcomeBackfill:
		result = metrics.IngestResultBackfill
		return outcome, appendErr
	}

	if sample.Emptied {
		if err := s.evaluator.ResolveOverflow(ctx, sample.DeviceID, sample.Timestamp); err != nil {
			s.logger.Printf("telemetry ingest: resolve overflow: device=%s err=%v", sample.DeviceID, err)
		}
	}
	if err := s.evaluator.EvaluateDevice(ctx, sample.DeviceID); err != nil {
		s.logger.Printf("telemetry ingest: evaluate: device=%s err=%v", sample.DeviceID, err)
	}

	if changed && s.publisher != nil {
		evt := telemetryevents.TelemetryIngested{
			EventID:    eventing.NewEventID(),
			DeviceID:   sample.DeviceID,
			Sample:     sample,
			Version:    device.Version,
			OccurredAt: sample.Timestamp,
		}
		if err := s.publisher.Publish(eventing.WithEventID(ctx, evt.EventID), evt); err != nil {
			s.logger.Printf("telemetry ingest: publish: device=%s err=%v", sample.DeviceID, err)
		}
	}
	if appendErr != nil {
		result = metrics.IngestResultError
	}
	return outcome, appendErr
}

// RegisterDevice applies a device registration report.
func (s *Service) RegisterDevice(ctx context.Context, reg registryapp.Registration) (registry.Device, error) {
	if reg.At.IsZero() {
		reg.At = s.clock.Now().UTC()
	}
	if strings.EqualFold(strings.TrimSpace(reg.DeviceID), telemetry.ReservedDeviceID) {
		return registry.Device{}, &telemetry.ValidationError{DeviceID: reg.DeviceID, Field: "device_id", Reason: "reserved"}
	}
	if reg.Position != nil {
		check := telemetry.Sample{DeviceID: reg.DeviceID, Timestamp: reg.At, Lat: &reg.Position.Lat, Lon: &reg.Position.Lon}
		if err := check.Validate(time.Time{}, 0); err != nil {
			return registry.Device{}, err
		}
	}
	device, err := s.devices.Register(ctx, reg)
	if err != nil {
		if errors.Is(err, registry.ErrInvalidID) {
			return registry.Device{}, &telemetry.ValidationError{Field: "device_id", Reason: "required"}
		}
		return registry.Device{}, err
	}
	if s.publisher != nil {
		evt := telemetryevents.DeviceRegistered{
			EventID:    eventing.NewEventID(),
			DeviceID:   device.ID,
			Firmware:   device.Firmware,
			OccurredAt: reg.At,
		}
		if device.Owner != nil {
			evt.OwnerID = device.Owner.UserID
		}
		if err := s.publisher.Publish(ctx, evt); err != nil {
			s.logger.Printf("telemetry register: publish: device=%s err=%v", device.ID, err)
		}
	}
	s.logger.Printf("device registered: device=%s firmware=%s", device.ID, device.Firmware)
	return device, nil
}

// Recent returns the latest stored samples for a device, newest first.
func (s *Service) Recent(ctx context.Context, deviceID string, limit int) ([]telemetry.Sample, error) {
	if deviceID == "" {
		return nil, &telemetry.ValidationError{Field: "device_id", Reason: "required"}
	}
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	return s.samples.ListRecent(ctx, deviceID, limit)
}

func (s *Service) append(ctx context.Context, sample telemetry.Sample) error {
	appendCtx := ctx
	if s.policy.AppendTimeout > 0 {
		var cancel context.CancelFunc
		appendCtx, cancel = context.WithTimeout(ctx, s.policy.AppendTimeout)
		defer cancel()
	}
	if err := s.samples.Append(appendCtx, sample); err != nil {
		metrics.IncIngestError("append")
		s.logger.Printf("telemetry ingest: append: device=%s ts=%s err=%v", sample.DeviceID, sample.Timestamp.Format(time.RFC3339), err)
		return fmt.Errorf("telemetry: append sample: %w", err)
	}
	return nil
}

// applySample folds a sample into the device. Samples at LastSeen are
// duplicates; older ones within skew only advance LastEmptiedAt; anything
// older is stale.
func applySample(d *registry.Device, exists bool, s telemetry.Sample, skew time.Duration) (Outcome, bool, error) {
	if exists && !d.LastSeen.IsZero() {
		if s.Timestamp.Equal(d.LastSeen) {
			return OutcomeDuplicate, false, registry.ErrUnchanged
		}
		if s.Timestamp.Before(d.LastSeen) {
			if d.LastSeen.Sub(s.Timestamp) > skew {
				return "", false, &telemetry.StaleSampleError{DeviceID: s.DeviceID, Timestamp: s.Timestamp, LastSeen: d.LastSeen}
			}
			if s.Emptied && s.Timestamp.After(d.LastEmptiedAt) {
				d.LastEmptiedAt = s.Timestamp
				return OutcomeBackfill, false, nil
			}
			return OutcomeBackfill, false, registry.ErrUnchanged
		}
	}

	reactivated := false
	if d.Archived {
		d.Archived = false
		d.ArchivedAt = nil
		reactivated = true
	}
	d.LastSeen = s.Timestamp
	d.LastFillPct = s.FillPct
	if s.BatteryV != nil {
		v := *s.BatteryV
		d.LastBatteryV = &v
	}
	if s.TemperatureC != nil {
		v := *s.TemperatureC
		d.LastTemperatureC = &v
	}
	if s.Lat != nil && s.Lon != nil {
		d.Position = &registry.Position{Lat: *s.Lat, Lon: *s.Lon}
	}
	if s.Emptied {
		d.LastEmptiedAt = s.Timestamp
		d.FillSinceEmptied = 0
	} else if s.FillPct > d.FillSinceEmptied {
		d.FillSinceEmptied = s.FillPct
	}
	return OutcomeApplied, reactivated, nil
}
