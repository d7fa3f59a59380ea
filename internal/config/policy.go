package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// BatteryPolicy defines voltage thresholds in volts.
type BatteryPolicy struct {
	WarningBelowV  float64 `yaml:"warning_below_v"`
	CriticalBelowV float64 `yaml:"critical_below_v"`
}

// OverflowPolicy defines fill thresholds in percent.
type OverflowPolicy struct {
	WarningAbovePct  float64 `yaml:"warning_above_pct"`
	CriticalAbovePct float64 `yaml:"critical_above_pct"`
	ResolveBelowPct  float64 `yaml:"resolve_below_pct"`
}

// EvaluatorPolicy configures the health sweep.
type EvaluatorPolicy struct {
	OfflineAfter  time.Duration `yaml:"offline_after"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// IngestPolicy configures telemetry acceptance windows.
type IngestPolicy struct {
	SkewTolerance   time.Duration `yaml:"skew_tolerance"`
	FutureTolerance time.Duration `yaml:"future_tolerance"`
	AppendTimeout   time.Duration `yaml:"append_timeout"`
}

// CommandPolicy configures delivery retries.
type CommandPolicy struct {
	MaxAttempts int           `yaml:"max_attempts"`
	AckTimeout  time.Duration `yaml:"ack_timeout"`
	Retention   time.Duration `yaml:"retention"`
	QueueSize   int           `yaml:"queue_size"`
}

// CollectionPolicy configures collection-day windows.
type CollectionPolicy struct {
	DefaultHours             int           `yaml:"default_hours"`
	GracePeriod              time.Duration `yaml:"grace_period"`
	TelemetryIntervalMinutes int           `yaml:"telemetry_interval_minutes"`
}

// Policy holds the fleet thresholds and timings.
type Policy struct {
	Battery    BatteryPolicy    `yaml:"battery"`
	Overflow   OverflowPolicy   `yaml:"overflow"`
	Evaluator  EvaluatorPolicy  `yaml:"evaluator"`
	Ingest     IngestPolicy     `yaml:"ingest"`
	Commands   CommandPolicy    `yaml:"commands"`
	Collection CollectionPolicy `yaml:"collection"`
}

// DefaultPolicy returns the built-in thresholds.
func DefaultPolicy() Policy {
	return Policy{
		Battery: BatteryPolicy{
			WarningBelowV:  3.6,
			CriticalBelowV: 3.5,
		},
		Overflow: OverflowPolicy{
			WarningAbovePct:  80,
			CriticalAbovePct: 90,
			ResolveBelowPct:  50,
		},
		Evaluator: EvaluatorPolicy{
			OfflineAfter:  2 * time.Hour,
			SweepInterval: time.Minute,
		},
		Ingest: IngestPolicy{
			SkewTolerance:   10 * time.Minute,
			FutureTolerance: 5 * time.Minute,
			AppendTimeout:   5 * time.Second,
		},
		Commands: CommandPolicy{
			MaxAttempts: 3,
			AckTimeout:  30 * time.Second,
			Retention:   24 * time.Hour,
			QueueSize:   1024,
		},
		Collection: CollectionPolicy{
			DefaultHours:             12,
			GracePeriod:              10 * time.Minute,
			TelemetryIntervalMinutes: 60,
		},
	}
}

// LoadPolicy reads the policy file at path (optional) and applies env overrides.
func LoadPolicy(path string) (Policy, error) {
	policy := DefaultPolicy()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return policy, fmt.Errorf("config: read policy: %w", err)
		}
		if err := yaml.Unmarshal(data, &policy); err != nil {
			return policy, fmt.Errorf("config: parse policy: %w", err)
		}
	}
	applyEnv(&policy)
	if err := policy.Validate(); err != nil {
		return policy, err
	}
	return policy, nil
}

// Validate checks threshold ordering and positive timings.
func (p Policy) Validate() error {
	if p.Battery.CriticalBelowV <= 0 || p.Battery.WarningBelowV <= 0 {
		return errors.New("config: battery thresholds must be positive")
	}
	if p.Battery.CriticalBelowV >= p.Battery.WarningBelowV {
		return errors.New("config: battery critical threshold must be below warning")
	}
	o := p.Overflow
	if o.WarningAbovePct <= 0 || o.CriticalAbovePct > 100 {
		return errors.New("config: overflow thresholds must be within (0,100]")
	}
	if o.WarningAbovePct > o.CriticalAbovePct {
		return errors.New("config: overflow warning threshold must not exceed critical")
	}
	if o.ResolveBelowPct < 0 || o.ResolveBelowPct >= o.WarningAbovePct {
		return errors.New("config: overflow resolve floor must be below the warning threshold")
	}
	if p.Evaluator.OfflineAfter <= 0 || p.Evaluator.SweepInterval <= 0 {
		return errors.New("config: evaluator timings must be positive")
	}
	if p.Ingest.SkewTolerance < 0 || p.Ingest.FutureTolerance < 0 {
		return errors.New("config: ingest tolerances must not be negative")
	}
	if p.Commands.MaxAttempts < 1 {
		return errors.New("config: command max attempts must be at least 1")
	}
	if p.Commands.AckTimeout <= 0 {
		return errors.New("config: command ack timeout must be positive")
	}
	if p.Collection.DefaultHours <= 0 || p.Collection.GracePeriod <= 0 {
		return errors.New("config: collection timings must be positive")
	}
	return nil
}

func applyEnv(p *Policy) {
	p.Battery.WarningBelowV = getenvFloat("FLEET_BATTERY_WARNING_V", p.Battery.WarningBelowV)
	p.Battery.CriticalBelowV = getenvFloat("FLEET_BATTERY_CRITICAL_V", p.Battery.CriticalBelowV)
	p.Overflow.WarningAbovePct = getenvFloat("FLEET_OVERFLOW_WARNING_PCT", p.Overflow.WarningAbovePct)
	p.Overflow.CriticalAbovePct = getenvFloat("FLEET_OVERFLOW_CRITICAL_PCT", p.Overflow.CriticalAbovePct)
	p.Overflow.ResolveBelowPct = getenvFloat("FLEET_OVERFLOW_RESOLVE_PCT", p.Overflow.ResolveBelowPct)
	p.Evaluator.OfflineAfter = getenvDuration("FLEET_OFFLINE_AFTER", p.Evaluator.OfflineAfter)
	p.Evaluator.SweepInterval = getenvDuration("FLEET_SWEEP_INTERVAL", p.Evaluator.SweepInterval)
	p.Ingest.SkewTolerance = getenvDuration("FLEET_INGEST_SKEW", p.Ingest.SkewTolerance)
	p.Commands.MaxAttempts = getenvInt("FLEET_COMMAND_MAX_ATTEMPTS", p.Commands.MaxAttempts)
	p.Commands.AckTimeout = getenvDuration("FLEET_COMMAND_ACK_TIMEOUT", p.Commands.AckTimeout)
	p.Collection.GracePeriod = getenvDuration("FLEET_COLLECTION_GRACE", p.Collection.GracePeriod)
}

func getenvFloat(key string, fallback float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}
