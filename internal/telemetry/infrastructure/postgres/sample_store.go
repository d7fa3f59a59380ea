package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	telemetry "cleanroute-fleet/internal/telemetry/domain"
)

const defaultSamplesTable = "fleet_telemetry"

// DBTX is satisfied by *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// SampleStore appends telemetry samples to Postgres.
type SampleStore struct {
	db    DBTX
	table string
}

// SampleStoreOption configures the store.
type SampleStoreOption func(*SampleStore)

// WithSamplesTable overrides the default table name.
func WithSamplesTable(table string) SampleStoreOption {
	return func(s *SampleStore) {
		if table != "" {
			s.table = table
		}
	}
}

// NewSampleStore constructs a Postgres sample store.
func NewSampleStore(db DBTX, opts ...SampleStoreOption) (*SampleStore, error) {
	if db == nil {
		return nil, errors.New("sample store: nil db")
	}
	store := &SampleStore{db: db, table: defaultSamplesTable}
	for _, opt := range opts {
		opt(store)
	}
	return store, nil
}

// Append stores the sample. Re-appending the same (device, ts) is a no-op.
func (s *SampleStore) Append(ctx context.Context, sample telemetry.Sample) error {
	query := fmt.Sprintf(`
INSERT INTO %s (device_id, ts, fill_pct, battery_v, temperature_c, lat, lon, emptied)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (device_id, ts) DO NOTHING`, s.table)
	_, err := s.db.ExecContext(ctx, query,
		sample.DeviceID,
		sample.Timestamp.UTC(),
		sample.FillPct,
		nullableFloat(sample.BatteryV),
		nullableFloat(sample.TemperatureC),
		nullableFloat(sample.Lat),
		nullableFloat(sample.Lon),
		sample.Emptied,
	)
	return err
}

// ListRecent returns the newest samples for a device.
func (s *SampleStore) ListRecent(ctx context.Context, deviceID string, limit int) ([]telemetry.Sample, error) {
	query := fmt.Sprintf(`
SELECT device_id, ts, fill_pct, battery_v, temperature_c, lat, lon, emptied
FROM %s
WHERE device_id = $1
ORDER BY ts DESC
LIMIT $2`, s.table)
	rows, err := s.db.QueryContext(ctx, query, deviceID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []telemetry.Sample
	for rows.Next() {
		var (
			sample                  telemetry.Sample
			battery, temp, lat, lon sql.NullFloat64
		)
		if err := rows.Scan(&sample.DeviceID, &sample.Timestamp, &sample.FillPct, &battery, &temp, &lat, &lon, &sample.Emptied); err != nil {
			return nil, err
		}
		sample.Timestamp = sample.Timestamp.UTC()
		sample.BatteryV = floatPtr(battery)
		sample.TemperatureC = floatPtr(temp)
		sample.Lat = floatPtr(lat)
		sample.Lon = floatPtr(lon)
		out = append(out, sample)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func nullableFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}
