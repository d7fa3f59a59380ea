package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	collection "cleanroute-fleet/internal/collection/domain"
)

const defaultWindowsTable = "collection_windows"

// DBTX is satisfied by *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// WindowRepository persists collection windows.
type WindowRepository struct {
	db    DBTX
	table string
}

// WindowOption configures the repository.
type WindowOption func(*WindowRepository)

// WithWindowTable overrides the default table name.
func WithWindowTable(table string) WindowOption {
	return func(repo *WindowRepository) {
		if table != "" {
			repo.table = table
		}
	}
}

// NewWindowRepository constructs a repository.
func NewWindowRepository(db DBTX, opts ...WindowOption) *WindowRepository {
	repo := &WindowRepository{db: db, table: defaultWindowsTable}
	for _, opt := range opts {
		opt(repo)
	}
	return repo
}

const windowColumns = `id, state, started_at, duration_seconds, hours, end_requested_at, end_trigger, closed_at,
	close_reason, wake_broadcast_id, sleep_broadcast_id, reminder_alert_ids, offline_reminded, reminders_resolved`

// Upsert writes the window. A closed window is final.
func (r *WindowRepository) Upsert(ctx context.Context, w collection.Window) error {
	if r == nil || r.db == nil {
		return errors.New("window repo: nil db")
	}
	if w.ID == "" {
		return errors.New("window repo: empty id")
	}
	reminders, err := json.Marshal(nonNilStrings(w.ReminderAlertIDs))
	if err != nil {
		return err
	}
	offline, err := json.Marshal(offlineList(w.OfflineReminded))
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`
INSERT INTO %s (%s)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12::jsonb, $13::jsonb, $14)
ON CONFLICT (id)
DO UPDATE SET
	state = EXCLUDED.state,
	end_requested_at = EXCLUDED.end_requested_at,
	end_trigger = EXCLUDED.end_trigger,
	closed_at = EXCLUDED.closed_at,
	close_reason = EXCLUDED.close_reason,
	sleep_broadcast_id = EXCLUDED.sleep_broadcast_id,
	reminder_alert_ids = EXCLUDED.reminder_alert_ids,
	offline_reminded = EXCLUDED.offline_reminded,
	reminders_resolved = EXCLUDED.reminders_resolved
WHERE %s.closed_at IS NULL`,
		r.table, windowColumns, r.table)

	_, err = r.db.ExecContext(ctx, query,
		w.ID,
		string(w.State),
		w.StartedAt.UTC(),
		int64(w.Duration/time.Second),
		w.Hours,
		nullTimePtr(w.EndRequestedAt),
		string(w.EndTrigger),
		nullTimePtr(w.ClosedAt),
		string(w.CloseReason),
		w.WakeBroadcastID,
		w.SleepBroadcastID,
		string(reminders),
		string(offline),
		w.RemindersResolved,
	)
	return err
}

// ListOpen returns windows that are not idle, oldest first.
func (r *WindowRepository) ListOpen(ctx context.Context) ([]collection.Window, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE state <> 'idle' ORDER BY started_at`, windowColumns, r.table)
	return r.list(ctx, query)
}

// ListRecent returns the latest windows, newest first.
func (r *WindowRepository) ListRecent(ctx context.Context, limit int) ([]collection.Window, error) {
	if limit <= 0 {
		limit = 20
	}
	query := fmt.Sprintf(`SELECT %s FROM %s ORDER BY started_at DESC LIMIT $1`, windowColumns, r.table)
	return r.list(ctx, query, limit)
}

func (r *WindowRepository) list(ctx context.Context, query string, args ...any) ([]collection.Window, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("window repo: nil db")
	}
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []collection.Window
	for rows.Next() {
		w, err := scanWindow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWindow(row rowScanner) (collection.Window, error) {
	var (
		w               collection.Window
		state           string
		trigger         string
		reason          string
		durationSeconds int64
		endRequestedAt  sql.NullTime
		closedAt        sql.NullTime
		reminders       []byte
		offline         []byte
	)
	err := row.Scan(
		&w.ID,
		&state,
		&w.StartedAt,
		&durationSeconds,
		&w.Hours,
		&endRequestedAt,
		&trigger,
		&closedAt,
		&reason,
		&w.WakeBroadcastID,
		&w.SleepBroadcastID,
		&reminders,
		&offline,
		&w.RemindersResolved,
	)
	if err != nil {
		return collection.Window{}, err
	}
	w.State = collection.State(state)
	w.EndTrigger = collection.EndTrigger(trigger)
	w.CloseReason = collection.CloseReason(reason)
	w.StartedAt = w.StartedAt.UTC()
	w.Duration = time.Duration(durationSeconds) * time.Second
	if endRequestedAt.Valid {
		t := endRequestedAt.Time.UTC()
		w.EndRequestedAt = &t
	}
	if closedAt.Valid {
		t := closedAt.Time.UTC()
		w.ClosedAt = &t
	}
	if len(reminders) > 0 {
		if err := json.Unmarshal(reminders, &w.ReminderAlertIDs); err != nil {
			return collection.Window{}, fmt.Errorf("window repo: reminder ids: %w", err)
		}
	}
	w.OfflineReminded = make(map[string]bool)
	if len(offline) > 0 {
		var ids []string
		if err := json.Unmarshal(offline, &ids); err != nil {
			return collection.Window{}, fmt.Errorf("window repo: offline set: %w", err)
		}
		for _, id := range ids {
			w.OfflineReminded[id] = true
		}
	}
	return w, nil
}

func offlineList(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for id, ok := range set {
		if ok {
			out = append(out, id)
		}
	}
	return out
}

func nonNilStrings(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}

func nullTimePtr(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
