package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	registry "cleanroute-fleet/internal/registry/domain"
)

const defaultDevicesTable = "fleet_devices"

// DBTX is satisfied by *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// DeviceRepository persists device snapshots.
type DeviceRepository struct {
	db    DBTX
	table string
}

// DeviceOption configures the repository.
type DeviceOption func(*DeviceRepository)

// WithDeviceTable overrides the default table name.
func WithDeviceTable(table string) DeviceOption {
	return func(repo *DeviceRepository) {
		if table != "" {
			repo.table = table
		}
	}
}

// NewDeviceRepository constructs a repository.
func NewDeviceRepository(db DBTX, opts ...DeviceOption) *DeviceRepository {
	repo := &DeviceRepository{db: db, table: defaultDevicesTable}
	for _, opt := range opts {
		opt(repo)
	}
	return repo
}

const deviceColumns = `id, lat, lon, last_seen, mode, firmware, last_emptied_at, last_fill_pct,
	last_battery_v, last_temperature_c, fill_since_emptied, owner_user_id, owner_name,
	owner_phone, wifi_ssid, archived, archived_at, version, created_at, updated_at, last_ack_at`

// Upsert stores the snapshot unless a newer version is already stored.
// Async persistence may deliver snapshots out of order.
func (r *DeviceRepository) Upsert(ctx context.Context, device registry.Device) error {
	if r == nil || r.db == nil {
		return errors.New("device repo: nil db")
	}
	if device.ID == "" {
		return errors.New("device repo: empty id")
	}

	var lat, lon sql.NullFloat64
	if device.Position != nil {
		lat = sql.NullFloat64{Float64: device.Position.Lat, Valid: true}
		lon = sql.NullFloat64{Float64: device.Position.Lon, Valid: true}
	}
	var ownerID, ownerName, ownerPhone, ssid sql.NullString
	if device.Owner != nil {
		ownerID = nullableString(device.Owner.UserID)
		ownerName = nullableString(device.Owner.Name)
		ownerPhone = nullableString(device.Owner.Phone)
		ssid = nullableString(device.Owner.WifiSSID)
	}

	query := fmt.Sprintf(`
INSERT INTO %s (%s)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)
ON CONFLICT (id)
DO UPDATE SET
	lat = EXCLUDED.lat,
	lon = EXCLUDED.lon,
	last_seen = EXCLUDED.last_seen,
	mode = EXCLUDED.mode,
	firmware = EXCLUDED.firmware,
	last_emptied_at = EXCLUDED.last_emptied_at,
	last_fill_pct = EXCLUDED.last_fill_pct,
	last_battery_v = EXCLUDED.last_battery_v,
	last_temperature_c = EXCLUDED.last_temperature_c,
	fill_since_emptied = EXCLUDED.fill_since_emptied,
	owner_user_id = EXCLUDED.owner_user_id,
	owner_name = EXCLUDED.owner_name,
	owner_phone = EXCLUDED.owner_phone,
	wifi_ssid = EXCLUDED.wifi_ssid,
	archived = EXCLUDED.archived,
	archived_at = EXCLUDED.archived_at,
	version = EXCLUDED.version,
	updated_at = EXCLUDED.updated_at,
	last_ack_at = EXCLUDED.last_ack_at
WHERE %s.version < EXCLUDED.version`, r.table, deviceColumns, r.table)

	_, err := r.db.ExecContext(ctx, query,
		device.ID,
		lat,
		lon,
		nullableTime(device.LastSeen),
		string(device.Mode),
		device.Firmware,
		nullableTime(device.LastEmptiedAt),
		device.LastFillPct,
		nullableFloat(device.LastBatteryV),
		nullableFloat(device.LastTemperatureC),
		device.FillSinceEmptied,
		ownerID,
		ownerName,
		ownerPhone,
		ssid,
		device.Archived,
		nullableTimePtr(device.ArchivedAt),
		device.Version,
		device.CreatedAt.UTC(),
		device.UpdatedAt.UTC(),
		nullableTime(device.LastAckAt),
	)
	return err
}

// Get loads a device by id. Returns nil when absent.
func (r *DeviceRepository) Get(ctx context.Context, id string) (*registry.Device, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("device repo: nil db")
	}
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1 LIMIT 1`, deviceColumns, r.table)
	device, err := scanDevice(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &device, nil
}

// ListAll loads every device, archived included.
func (r *DeviceRepository) ListAll(ctx context.Context) ([]registry.Device, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("device repo: nil db")
	}
	query := fmt.Sprintf(`SELECT %s FROM %s ORDER BY id ASC`, deviceColumns, r.table)
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []registry.Device
	for rows.Next() {
		device, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, device)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDevice(row rowScanner) (registry.Device, error) {
	var (
		device                               registry.Device
		lat, lon, battery, temperature       sql.NullFloat64
		lastSeen, lastEmptied, archivedAt    sql.NullTime
		lastAck                              sql.NullTime
		mode                                 string
		ownerID, ownerName, ownerPhone, ssid sql.NullString
	)
	if err := row.Scan(
		&device.ID,
		&lat,
		&lon,
		&lastSeen,
		&mode,
		&device.Firmware,
		&lastEmptied,
		&device.LastFillPct,
		&battery,
		&temperature,
		&device.FillSinceEmptied,
		&ownerID,
		&ownerName,
		&ownerPhone,
		&ssid,
		&device.Archived,
		&archivedAt,
		&device.Version,
		&device.CreatedAt,
		&device.UpdatedAt,
		&lastAck,
	); err != nil {
		return registry.Device{}, err
	}
	if lat.Valid && lon.Valid {
		device.Position = &registry.Position{Lat: lat.Float64, Lon: lon.Float64}
	}
	if lastSeen.Valid {
		device.LastSeen = lastSeen.Time.UTC()
	}
	if lastAck.Valid {
		device.LastAckAt = lastAck.Time.UTC()
	}
	if lastEmptied.Valid {
		device.LastEmptiedAt = lastEmptied.Time.UTC()
	}
	if archivedAt.Valid {
		at := archivedAt.Time.UTC()
		device.ArchivedAt = &at
	}
	if battery.Valid {
		v := battery.Float64
		device.LastBatteryV = &v
	}
	if temperature.Valid {
		v := temperature.Float64
		device.LastTemperatureC = &v
	}
	if ownerID.Valid {
		device.Owner = &registry.Owner{
			UserID:   ownerID.String,
			Name:     ownerName.String,
			Phone:    ownerPhone.String,
			WifiSSID: ssid.String,
		}
	}
	if parsed, ok := registry.ParseMode(mode); ok {
		device.Mode = parsed
	} else {
		device.Mode = registry.ModeUnknown
	}
	device.CreatedAt = device.CreatedAt.UTC()
	device.UpdatedAt = device.UpdatedAt.UTC()
	return device, nil
}

func nullableTime(value time.Time) any {
	if value.IsZero() {
		return nil
	}
	return value.UTC()
}

func nullableTimePtr(value *time.Time) any {
	if value == nil {
		return nil
	}
	return nullableTime(*value)
}

func nullableFloat(value *float64) any {
	if value == nil {
		return nil
	}
	return *value
}

func nullableString(value string) sql.NullString {
	return sql.NullString{String: value, Valid: value != ""}
}
