package clickhouse

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	telemetry "cleanroute-fleet/internal/telemetry/domain"
)

// Config holds the ClickHouse connection settings.
type Config struct {
	Addr     string
	Database string
	Username string
	Password string
}

// ReplacingMergeTree collapses re-appended (device_id, ts) rows on merge, and
// reads use FINAL, so duplicate deliveries never show up twice.
const samplesTableDDL = `
CREATE TABLE IF NOT EXISTS fleet_telemetry (
	device_id     String,
	ts            DateTime64(3, 'UTC'),
	fill_pct      Float64,
	battery_v     Nullable(Float64),
	temperature_c Nullable(Float64),
	lat           Nullable(Float64),
	lon           Nullable(Float64),
	emptied       UInt8
) ENGINE = ReplacingMergeTree
PARTITION BY toYYYYMM(ts)
ORDER BY (device_id, ts)`

// SampleStore appends telemetry samples to ClickHouse.
type SampleStore struct {
	conn   driver.Conn
	logger *log.Logger
}

// Open connects to ClickHouse and ensures the schema exists.
func Open(ctx context.Context, cfg Config, logger *log.Logger) (*SampleStore, error) {
	if cfg.Addr == "" {
		return nil, errors.New("clickhouse: empty addr")
	}
	if logger == nil {
		logger = log.Default()
	}
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{cfg.Addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		DialTimeout: 5 * time.Second,
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("clickhouse: open: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("clickhouse: ping: %w", err)
	}
	store := &SampleStore{conn: conn, logger: logger}
	if err := store.InitSchema(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}
	logger.Printf("clickhouse: connected addr=%s db=%s", cfg.Addr, cfg.Database)
	return store, nil
}

// InitSchema creates the samples table if missing.
func (s *SampleStore) InitSchema(ctx context.Context) error {
	if err := s.conn.Exec(ctx, samplesTableDDL); err != nil {
		return fmt.Errorf("clickhouse: create fleet_telemetry: %w", err)
	}
	return nil
}

// Append inserts one sample.
func (s *SampleStore) Append(ctx context.Context, sample telemetry.Sample) error {
	var emptied uint8
	if sample.Emptied {
		emptied = 1
	}
	err := s.conn.Exec(ctx, `
		INSERT INTO fleet_telemetry (device_id, ts, fill_pct, battery_v, temperature_c, lat, lon, emptied)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sample.DeviceID,
		sample.Timestamp.UTC(),
		sample.FillPct,
		sample.BatteryV,
		sample.TemperatureC,
		sample.Lat,
		sample.Lon,
		emptied,
	)
	if err != nil {
		return fmt.Errorf("clickhouse: insert sample: %w", err)
	}
	return nil
}

// ListRecent returns the newest samples for a device.
func (s *SampleStore) ListRecent(ctx context.Context, deviceID string, limit int) ([]telemetry.Sample, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT device_id, ts, fill_pct, battery_v, temperature_c, lat, lon, emptied
		FROM fleet_telemetry FINAL
		WHERE device_id = ?
		ORDER BY ts DESC
		LIMIT ?`, deviceID, uint64(limit))
	if err != nil {
		return nil, fmt.Errorf("clickhouse: query samples: %w", err)
	}
	defer rows.Close()

	var out []telemetry.Sample
	for rows.Next() {
		var (
			sample  telemetry.Sample
			emptied uint8
		)
		if err := rows.Scan(&sample.DeviceID, &sample.Timestamp, &sample.FillPct,
			&sample.BatteryV, &sample.TemperatureC, &sample.Lat, &sample.Lon, &emptied); err != nil {
			return nil, fmt.Errorf("clickhouse: scan sample: %w", err)
		}
		sample.Timestamp = sample.Timestamp.UTC()
		sample.Emptied = emptied == 1
		out = append(out, sample)
	}
	return out, rows.Err()
}

// Close closes the connection.
func (s *SampleStore) Close() error {
	if s == nil || s.conn == nil {
		return nil
	}
	return s.conn.Close()
}
