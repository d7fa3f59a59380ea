package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	commands "cleanroute-fleet/internal/commands/domain"
)

const defaultCommandsTable = "fleet_commands"

// DBTX is satisfied by *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// CommandRepository persists command snapshots.
type CommandRepository struct {
	db    DBTX
	table string
}

// CommandOption configures the repository.
type CommandOption func(*CommandRepository)

// WithCommandTable overrides the default table name.
func WithCommandTable(table string) CommandOption {
	return func(repo *CommandRepository) {
		if table != "" {
			repo.table = table
		}
	}
}

// NewCommandRepository constructs a repository.
func NewCommandRepository(db DBTX, opts ...CommandOption) *CommandRepository {
	repo := &CommandRepository{db: db, table: defaultCommandsTable}
	for _, opt := range opts {
		opt(repo)
	}
	return repo
}

const commandColumns = `id, device_id, broadcast_id, type, payload, idempotency_key, status, attempts, max_attempts,
	ack_timeout_ms, created_at, sent_at, acked_at, finished_at, result, detail, error, superseded_by`

// Upsert writes a command snapshot. Finished rows are final and a snapshot
// from an earlier attempt never replaces a later one.
func (r *CommandRepository) Upsert(ctx context.Context, cmd commands.Command) error {
	if r == nil || r.db == nil {
		return errors.New("command repo: nil db")
	}
	if cmd.ID == "" {
		return errors.New("command repo: empty id")
	}
	query := fmt.Sprintf(`
INSERT INTO %s (%s)
VALUES ($1, $2, $3, $4, $5::jsonb, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
ON CONFLICT (id)
DO UPDATE SET
	status = EXCLUDED.status,
	attempts = EXCLUDED.attempts,
	sent_at = EXCLUDED.sent_at,
	acked_at = EXCLUDED.acked_at,
	finished_at = EXCLUDED.finished_at,
	result = EXCLUDED.result,
	detail = EXCLUDED.detail,
	error = EXCLUDED.error,
	superseded_by = EXCLUDED.superseded_by
WHERE %s.finished_at IS NULL AND %s.attempts <= EXCLUDED.attempts`,
		r.table, commandColumns, r.table, r.table)

	payload := "{}"
	if len(cmd.Payload) > 0 {
		payload = string(cmd.Payload)
	}
	_, err := r.db.ExecContext(ctx, query,
		cmd.ID,
		cmd.DeviceID,
		cmd.BroadcastID,
		string(cmd.Type),
		payload,
		cmd.IdempotencyKey,
		string(cmd.Status),
		cmd.Attempts,
		cmd.MaxAttempts,
		cmd.AckTimeout.Milliseconds(),
		cmd.CreatedAt.UTC(),
		nullTime(cmd.SentAt),
		nullTimePtr(cmd.AckedAt),
		nullTimePtr(cmd.FinishedAt),
		string(cmd.Result),
		cmd.Detail,
		cmd.Error,
		cmd.SupersededBy,
	)
	return err
}

// GetByID returns nil when the command does not exist.
func (r *CommandRepository) GetByID(ctx context.Context, id string) (*commands.Command, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("command repo: nil db")
	}
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, commandColumns, r.table)
	cmd, err := scanCommand(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &cmd, nil
}

// ListPending returns every unfinished command, oldest first.
func (r *CommandRepository) ListPending(ctx context.Context) ([]commands.Command, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE finished_at IS NULL ORDER BY created_at`, commandColumns, r.table)
	return r.list(ctx, query)
}

// ListSince returns commands created at or after since, oldest first.
func (r *CommandRepository) ListSince(ctx context.Context, since time.Time) ([]commands.Command, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE created_at >= $1 ORDER BY created_at`, commandColumns, r.table)
	return r.list(ctx, query, since.UTC())
}

// ListByDevice returns the latest commands for one device, newest first.
func (r *CommandRepository) ListByDevice(ctx context.Context, deviceID string, limit int) ([]commands.Command, error) {
	if limit <= 0 {
		limit = 100
	}
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE device_id = $1 ORDER BY created_at DESC LIMIT $2`, commandColumns, r.table)
	return r.list(ctx, query, deviceID, limit)
}

func (r *CommandRepository) list(ctx context.Context, query string, args ...any) ([]commands.Command, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("command repo: nil db")
	}
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []commands.Command
	for rows.Next() {
		cmd, err := scanCommand(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cmd)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCommand(row rowScanner) (commands.Command, error) {
	var (
		cmd          commands.Command
		typ          string
		status       string
		result       string
		payload      []byte
		ackTimeoutMS int64
		sentAt       sql.NullTime
		ackedAt      sql.NullTime
		finishedAt   sql.NullTime
	)
	err := row.Scan(
		&cmd.ID,
		&cmd.DeviceID,
		&cmd.BroadcastID,
		&typ,
		&payload,
		&cmd.IdempotencyKey,
		&status,
		&cmd.Attempts,
		&cmd.MaxAttempts,
		&ackTimeoutMS,
		&cmd.CreatedAt,
		&sentAt,
		&ackedAt,
		&finishedAt,
		&result,
		&cmd.Detail,
		&cmd.Error,
		&cmd.SupersededBy,
	)
	if err != nil {
		return commands.Command{}, err
	}
	cmd.Type = commands.Type(typ)
	cmd.Status = commands.Status(status)
	cmd.Result = commands.AckStatus(result)
	cmd.AckTimeout = time.Duration(ackTimeoutMS) * time.Millisecond
	cmd.CreatedAt = cmd.CreatedAt.UTC()
	if len(payload) > 0 {
		cmd.Payload = append([]byte(nil), payload...)
	}
	if sentAt.Valid {
		cmd.SentAt = sentAt.Time.UTC()
	}
	if ackedAt.Valid {
		t := ackedAt.Time.UTC()
		cmd.AckedAt = &t
	}
	if finishedAt.Valid {
		t := finishedAt.Time.UTC()
		cmd.FinishedAt = &t
	}
	return cmd, nil
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func nullTimePtr(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return nullTime(*t)
}
