package integration_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"testing"
	"time"

	commands "cleanroute-fleet/internal/commands/domain"
	commandpostgres "cleanroute-fleet/internal/commands/infrastructure/postgres"

	_ "github.com/jackc/pgx/v5/stdlib"
)

func TestCommandRepository_FinishedRowsAreFinal(t *testing.T) {
	dsn := os.Getenv("PG_DSN")
	if dsn == "" {
		t.Skip("PG_DSN not set")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer db.Close()

	var exists bool
	_ = db.QueryRow(`SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name = 'fleet_commands')`).Scan(&exists)
	if !exists {
		t.Skip("fleet_commands missing; run migrations")
	}

	ctx := context.Background()
	repo := commandpostgres.NewCommandRepository(db)
	id := fmt.Sprintf("cmd-it-%d", time.Now().UnixNano())
	defer func() {
		_, _ = db.ExecContext(ctx, `DELETE FROM fleet_commands WHERE id = $1`, id)
	}()

	created := time.Now().UTC().Truncate(time.Millisecond)
	cmd := commands.Command{
		ID:          id,
		DeviceID:    "bin-it",
		Type:        commands.TypeWakeUp,
		Payload:     json.RawMessage(`{"collection_hours":12}`),
		Status:      commands.StatusPending,
		Attempts:    1,
		MaxAttempts: 3,
		AckTimeout:  30 * time.Second,
		CreatedAt:   created,
		SentAt:      created,
	}
	if err := repo.Upsert(ctx, cmd); err != nil {
		t.Fatalf("insert: %v", err)
	}

	acked := cmd.Clone()
	done := created.Add(2 * time.Second)
	acked.Status = commands.StatusAcknowledged
	acked.Result = commands.AckOK
	acked.AckedAt = &done
	acked.FinishedAt = &done
	if err := repo.Upsert(ctx, acked); err != nil {
		t.Fatalf("ack: %v", err)
	}

	// a late retry snapshot must not reopen the row
	retry := cmd.Clone()
	retry.Attempts = 2
	if err := repo.Upsert(ctx, retry); err != nil {
		t.Fatalf("stale upsert: %v", err)
	}

	got, err := repo.GetByID(ctx, id)
	if err != nil || got == nil {
		t.Fatalf("get: %v %v", got, err)
	}
	if got.Status != commands.StatusAcknowledged || got.Attempts != 1 || got.FinishedAt == nil {
		t.Fatalf("unexpected row %+v", got)
	}
	if got.AckTimeout != 30*time.Second {
		t.Fatalf("ack timeout not round-tripped: %v", got.AckTimeout)
	}

	pending, err := repo.ListPending(ctx)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	for _, p := range pending {
		if p.ID == id {
			t.Fatal("acknowledged command listed as pending")
		}
	}
}
