package telemetry_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/orbvoice/internal/telemetry"
)

// testDSN returns the test database DSN from the environment, or skips the
// test if ORBVOICE_TEST_POSTGRES_DSN is not set.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("ORBVOICE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("ORBVOICE_TEST_POSTGRES_DSN not set, skipping PostgreSQL integration tests")
	}
	return dsn
}

func TestPostgresSink_WriteTurn(t *testing.T) {
	dsn := testDSN(t)
	ctx := context.Background()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	t.Cleanup(pool.Close)
	if _, err := pool.Exec(ctx, `DROP TABLE IF EXISTS turn_records`); err != nil {
		t.Fatalf("drop: %v", err)
	}

	sink, err := telemetry.NewPostgresSink(ctx, dsn)
	if err != nil {
		t.Fatalf("NewPostgresSink: %v", err)
	}
	t.Cleanup(sink.Close)

	rec := telemetry.TurnRecord{
		SessionID:    "s-1",
		Turn:         2,
		Kind:         telemetry.KindAgent,
		Mode:         "manual",
		Started:      time.Now().UTC().Truncate(time.Millisecond),
		Duration:     3 * time.Second,
		AudioChunks:  12,
		FramesPlayed: 90,
		TextParts:    1,
		FirstContent: 700 * time.Millisecond,
		Outcome:      telemetry.OutcomeComplete,
	}
	if err := sink.Write(ctx, rec); err != nil {
		t.Fatalf("Write: %v", err)
	}

	var (
		outcome string
		played  int
		dur     int64
	)
	err = pool.QueryRow(ctx,
		`SELECT outcome, frames_played, duration_ns FROM turn_records WHERE session_id = $1 AND turn = $2`,
		"s-1", 2,
	).Scan(&outcome, &played, &dur)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if outcome != "complete" || played != 90 || dur != int64(3*time.Second) {
		t.Errorf("row = (%s, %d, %d)", outcome, played, dur)
	}
	if err := sink.Ping(ctx); err != nil {
		t.Errorf("Ping: %v", err)
	}
}
