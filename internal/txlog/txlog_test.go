package txlog

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/kestrel-embedded/i2c-hsm/internal/bus"
	"github.com/kestrel-embedded/i2c-hsm/internal/driverevents"
	"github.com/kestrel-embedded/i2c-hsm/internal/infrastructure/database"
)

// setupTestStore creates an in-memory SQLite database with the
// transactions columns of migrations/20260106_090000_transactions.up.sql
// (declared STRICT here, which the migration is not) and wraps it the same
// way database.Open does.
func setupTestStore(t *testing.T) *Store {
	t.Helper()

	sqlDB, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("opening test db: %v", err)
	}
	t.Cleanup(func() { sqlDB.Close() })

	schema := `
		CREATE TABLE transactions (
			id          TEXT PRIMARY KEY,
			ao_name     TEXT NOT NULL,
			op          TEXT NOT NULL,
			reg_addr    INTEGER NOT NULL,
			outcome     TEXT NOT NULL,
			error_code  TEXT NOT NULL DEFAULT '',
			retries     INTEGER NOT NULL DEFAULT 0,
			duration_us INTEGER NOT NULL DEFAULT 0,
			occurred_at TEXT NOT NULL
		) STRICT;`
	if _, err := sqlDB.Exec(schema); err != nil {
		t.Fatalf("creating schema: %v", err)
	}

	return New(&database.DB{DB: sqlDB})
}

func TestInsertAndGet(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	rec := Record{
		AOName:   "pressure-sensor-api",
		Op:       "Read",
		RegAddr:  0x10,
		Outcome:  "Success",
		Duration: 4 * time.Millisecond,
	}
	if err := s.Insert(ctx, rec); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	recent, err := s.Recent(ctx, "pressure-sensor-api", 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(recent) != 1 {
		t.Fatalf("len(recent) = %d, want 1", len(recent))
	}

	got, err := s.Get(ctx, recent[0].ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.AOName != rec.AOName || got.Op != rec.Op || got.RegAddr != rec.RegAddr || got.Outcome != rec.Outcome {
		t.Fatalf("got = %#v", got)
	}
	if got.Duration != rec.Duration {
		t.Fatalf("Duration = %v, want %v", got.Duration, rec.Duration)
	}
}

func TestGetNotFound(t *testing.T) {
	s := setupTestStore(t)

	_, err := s.Get(context.Background(), "missing-id")
	if err != ErrRecordNotFound {
		t.Fatalf("err = %v, want ErrRecordNotFound", err)
	}
}

func TestRecentOrdersNewestFirstAndRespectsLimit(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 1, 6, 9, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		err := s.Insert(ctx, Record{
			AOName:     "pressure-sensor-api",
			Op:         "Write",
			Outcome:    "Success",
			OccurredAt: base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("Insert %d: %v", i, err)
		}
	}

	recent, err := s.Recent(ctx, "pressure-sensor-api", 2)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("len(recent) = %d, want 2", len(recent))
	}
	if !recent[0].OccurredAt.After(recent[1].OccurredAt) {
		t.Fatalf("expected newest first, got %v then %v", recent[0].OccurredAt, recent[1].OccurredAt)
	}
}

func TestPruneRemovesOnlyOldRecords(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	cutoff := time.Date(2026, 1, 6, 9, 0, 0, 0, time.UTC)
	if err := s.Insert(ctx, Record{AOName: "a", Op: "Read", Outcome: "Success", OccurredAt: cutoff.Add(-time.Hour)}); err != nil {
		t.Fatalf("Insert old: %v", err)
	}
	if err := s.Insert(ctx, Record{AOName: "a", Op: "Read", Outcome: "Success", OccurredAt: cutoff.Add(time.Hour)}); err != nil {
		t.Fatalf("Insert new: %v", err)
	}

	n, err := s.Prune(ctx, cutoff)
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if n != 1 {
		t.Fatalf("pruned = %d, want 1", n)
	}

	recent, err := s.Recent(ctx, "a", 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(recent) != 1 {
		t.Fatalf("len(recent) = %d, want 1", len(recent))
	}
}

func TestWatcherRecordsPublishedTransactions(t *testing.T) {
	s := setupTestStore(t)
	w := NewWatcher(s, nil)

	b := bus.NewLocal()
	if err := w.Watch(b, "i2c/pressure-sensor-api/transaction"); err != nil {
		t.Fatalf("Watch: %v", err)
	}

	b.Publish("i2c/pressure-sensor-api/transaction", driverevents.TransactionReport{
		AOName:  "pressure-sensor-api",
		Op:      "Read",
		RegAddr: 0x20,
		Outcome: "Failure",
		Code:    driverevents.ErrI2cTimeout,
		Retries: 2,
	})

	deadline := time.Now().Add(time.Second)
	for {
		recent, err := s.Recent(context.Background(), "pressure-sensor-api", 10)
		if err != nil {
			t.Fatalf("Recent: %v", err)
		}
		if len(recent) == 1 {
			if recent[0].Code != driverevents.ErrI2cTimeout || recent[0].Retries != 2 {
				t.Fatalf("got = %#v", recent[0])
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for watcher to record transaction")
		}
		time.Sleep(time.Millisecond)
	}
}
