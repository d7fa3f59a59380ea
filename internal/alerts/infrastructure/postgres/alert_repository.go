package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	alerts "cleanroute-fleet/internal/alerts/domain"
)

const defaultAlertsTable = "fleet_alerts"

// DBTX is satisfied by *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// AlertRepository persists alert records.
type AlertRepository struct {
	db    DBTX
	table string
}

// AlertOption configures the repository.
type AlertOption func(*AlertRepository)

// WithAlertTable overrides the default table name.
func WithAlertTable(table string) AlertOption {
	return func(repo *AlertRepository) {
		if table != "" {
			repo.table = table
		}
	}
}

// NewAlertRepository constructs a repository.
func NewAlertRepository(db DBTX, opts ...AlertOption) *AlertRepository {
	repo := &AlertRepository{db: db, table: defaultAlertsTable}
	for _, opt := range opts {
		opt(repo)
	}
	return repo
}

const alertColumns = `id, device_id, kind, severity, message, window_id, created_at, updated_at, resolved_at, resolved_by`

// Upsert writes the alert. A resolved row is final, and an older update
// never overwrites a newer one.
func (r *AlertRepository) Upsert(ctx context.Context, alert alerts.Alert) error {
	if r == nil || r.db == nil {
		return errors.New("alert repo: nil db")
	}
	if alert.ID == "" {
		return errors.New("alert repo: empty id")
	}
	query := fmt.Sprintf(`
INSERT INTO %s (%s)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (id)
DO UPDATE SET
	severity = EXCLUDED.severity,
	message = EXCLUDED.message,
	updated_at = EXCLUDED.updated_at,
	resolved_at = EXCLUDED.resolved_at,
	resolved_by = EXCLUDED.resolved_by
WHERE %s.resolved_at IS NULL AND %s.updated_at <= EXCLUDED.updated_at`,
		r.table, alertColumns, r.table, r.table)

	var resolvedAt sql.NullTime
	if alert.ResolvedAt != nil {
		resolvedAt = sql.NullTime{Time: alert.ResolvedAt.UTC(), Valid: true}
	}
	_, err := r.db.ExecContext(ctx, query,
		alert.ID,
		alert.DeviceID,
		string(alert.Kind),
		string(alert.Severity),
		alert.Message,
		alert.WindowID,
		alert.CreatedAt.UTC(),
		alert.UpdatedAt.UTC(),
		resolvedAt,
		alert.ResolvedBy,
	)
	return err
}

// GetByID returns nil when the alert does not exist.
func (r *AlertRepository) GetByID(ctx context.Context, id string) (*alerts.Alert, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("alert repo: nil db")
	}
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, alertColumns, r.table)
	alert, err := scanAlert(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &alert, nil
}

// ListOpen returns every unresolved alert, oldest first.
func (r *AlertRepository) ListOpen(ctx context.Context) ([]alerts.Alert, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE resolved_at IS NULL ORDER BY created_at`, alertColumns, r.table)
	return r.list(ctx, query)
}

// ListResolvedSince returns alerts resolved at or after since, oldest first.
func (r *AlertRepository) ListResolvedSince(ctx context.Context, since time.Time) ([]alerts.Alert, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE resolved_at >= $1 ORDER BY resolved_at`, alertColumns, r.table)
	return r.list(ctx, query, since.UTC())
}

func (r *AlertRepository) list(ctx context.Context, query string, args ...any) ([]alerts.Alert, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("alert repo: nil db")
	}
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []alerts.Alert
	for rows.Next() {
		alert, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, alert)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAlert(row rowScanner) (alerts.Alert, error) {
	var (
		alert      alerts.Alert
		kind       string
		severity   string
		resolvedAt sql.NullTime
	)
	err := row.Scan(
		&alert.ID,
		&alert.DeviceID,
		&kind,
		&severity,
		&alert.Message,
		&alert.WindowID,
		&alert.CreatedAt,
		&alert.UpdatedAt,
		&resolvedAt,
		&alert.ResolvedBy,
	)
	if err != nil {
		return alerts.Alert{}, err
	}
	alert.Kind = alerts.Kind(kind)
	alert.Severity = alerts.Severity(severity)
	alert.CreatedAt = alert.CreatedAt.UTC()
	alert.UpdatedAt = alert.UpdatedAt.UTC()
	if resolvedAt.Valid {
		t := resolvedAt.Time.UTC()
		alert.ResolvedAt = &t
	}
	return alert, nil
}
