package integration_test

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"testing"
	"time"

	telemetry "cleanroute-fleet/internal/telemetry/domain"
	telemetrypostgres "cleanroute-fleet/internal/telemetry/infrastructure/postgres"

	_ "github.com/jackc/pgx/v5/stdlib"
)

func TestSampleStore_AppendIsIdempotentAndRecentIsNewestFirst(t *testing.T) {
	dsn := os.Getenv("PG_DSN")
	if dsn == "" {
		t.Skip("PG_DSN not set")
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer db.Close()

	if !tableExists(db, "fleet_telemetry") {
		t.Skip("fleet_telemetry missing; run migrations")
	}

	ctx := context.Background()
	deviceID := fmt.Sprintf("bin-it-%d", time.Now().UnixNano())
	defer func() {
		_, _ = db.ExecContext(ctx, `DELETE FROM fleet_telemetry WHERE device_id = $1`, deviceID)
	}()

	store, err := telemetrypostgres.NewSampleStore(db)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	start := time.Now().UTC().Truncate(time.Second).Add(-48 * time.Hour)
	for i := 0; i < 48; i++ {
		batt := 3.7 + float64(i%3)/10
		sample := telemetry.Sample{
			DeviceID:  deviceID,
			Timestamp: start.Add(time.Duration(i) * time.Hour),
			FillPct:   float64(i),
			BatteryV:  &batt,
			Emptied:   i == 24,
		}
		if err := store.Append(ctx, sample); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		// at-least-once delivery
		if err := store.Append(ctx, sample); err != nil {
			t.Fatalf("re-append %d: %v", i, err)
		}
	}

	var count int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM fleet_telemetry WHERE device_id = $1`, deviceID).Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 48 {
		t.Fatalf("expected 48 rows, got %d", count)
	}

	recent, err := store.ListRecent(ctx, deviceID, 5)
	if err != nil {
		t.Fatalf("list recent: %v", err)
	}
	if len(recent) != 5 {
		t.Fatalf("expected 5 samples, got %d", len(recent))
	}
	if recent[0].FillPct != 47 || !recent[0].Timestamp.After(recent[1].Timestamp) {
		t.Fatalf("expected newest first, got %+v", recent[0])
	}
	if recent[0].BatteryV == nil || recent[0].Lat != nil {
		t.Fatalf("nullable columns not round-tripped: %+v", recent[0])
	}
}

func tableExists(db *sql.DB, name string) bool {
	var exists bool
	err := db.QueryRow(`SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name = $1)`, name).Scan(&exists)
	return err == nil && exists
}
