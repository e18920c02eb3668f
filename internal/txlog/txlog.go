// Package txlog persists a rolling history of completed I2C transactions
// to SQLite, for field diagnostics after the fact. It sits off the hot
// path entirely: it is an optional subscriber on the same publish/subscribe
// bus the API active object already publishes its transaction reports to,
// never a collaborator either AO calls directly.
package txlog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kestrel-embedded/i2c-hsm/internal/bus"
	"github.com/kestrel-embedded/i2c-hsm/internal/driverevents"
	"github.com/kestrel-embedded/i2c-hsm/internal/infrastructure/database"
)

// Logger is the narrow logging dependency a Watcher needs to report
// insert failures without blocking the bus's delivery goroutine on them.
type Logger interface {
	Warn(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Warn(string, ...any) {}

// ErrRecordNotFound is returned by Get when no record matches the given ID.
var ErrRecordNotFound = errors.New("txlog: record not found")

// Record is one completed transaction, as persisted.
type Record struct {
	ID         string
	AOName     string
	Op         string
	RegAddr    uint8
	Outcome    string
	Code       driverevents.ErrorCode
	Retries    int
	Duration   time.Duration
	OccurredAt time.Time
}

// Store persists Records to a SQLite database opened via
// internal/infrastructure/database.
type Store struct {
	db *database.DB
}

// New wraps an already-open database connection. Callers run
// db.Migrate(ctx) against the embedded migrations/ package before
// constructing a Store, the sequencing cmd/i2cdemo uses.
func New(db *database.DB) *Store {
	return &Store{db: db}
}

// Insert persists one completed transaction, generating a fresh uuid for
// its ID when r.ID is empty.
func (s *Store) Insert(ctx context.Context, r Record) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.OccurredAt.IsZero() {
		r.OccurredAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO transactions (
			id, ao_name, op, reg_addr, outcome, error_code, retries, duration_us, occurred_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID,
		r.AOName,
		r.Op,
		r.RegAddr,
		r.Outcome,
		string(r.Code),
		r.Retries,
		r.Duration.Microseconds(),
		r.OccurredAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("inserting transaction record: %w", err)
	}
	return nil
}

// Get retrieves a single record by ID.
func (s *Store) Get(ctx context.Context, id string) (Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, ao_name, op, reg_addr, outcome, error_code, retries, duration_us, occurred_at
		FROM transactions WHERE id = ?`, id)
	r, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, ErrRecordNotFound
		}
		return Record{}, fmt.Errorf("querying transaction record: %w", err)
	}
	return r, nil
}

// Recent returns the most recent records for an AO, newest first. A limit
// of <= 0 defaults to 50; callers after a wider window should page with
// their own WHERE clause against the database directly.
func (s *Store) Recent(ctx context.Context, aoName string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, ao_name, op, reg_addr, outcome, error_code, retries, duration_us, occurred_at
		FROM transactions
		WHERE ao_name = ?
		ORDER BY occurred_at DESC
		LIMIT ?`, aoName, limit)
	if err != nil {
		return nil, fmt.Errorf("querying recent transactions: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		r, scanErr := scanRecordFromRows(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scanning transaction record: %w", scanErr)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating transaction records: %w", err)
	}
	return records, nil
}

// Prune deletes records older than before, returning the number removed.
// Intended to be called periodically so the log stays "rolling" rather
// than growing without bound.
func (s *Store) Prune(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM transactions WHERE occurred_at < ?",
		before.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, fmt.Errorf("pruning transaction records: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking rows affected: %w", err)
	}
	return n, nil
}

// Watcher subscribes to one or more drivers' transaction topics and
// persists every report it sees, each insert run in its own short-lived
// context so a slow disk never blocks the bus's delivery goroutine for
// longer than defaultWriteTimeout.
type Watcher struct {
	store   *Store
	logger  Logger
	timeout time.Duration
}

const defaultWriteTimeout = 2 * time.Second

// NewWatcher constructs a Watcher over store. A nil logger discards
// insert-failure warnings.
func NewWatcher(store *Store, logger Logger) *Watcher {
	if logger == nil {
		logger = noopLogger{}
	}
	return &Watcher{store: store, logger: logger, timeout: defaultWriteTimeout}
}

// Watch subscribes to transactionTopic on b (see apidriver.TransactionTopic;
// the device layer publishes no transaction reports), inserting a Record
// for every driverevents.TransactionReport published.
func (w *Watcher) Watch(b bus.Subscriber, transactionTopic string) error {
	return b.Subscribe(transactionTopic, driverevents.TransactionReport{}, func(v any) {
		report, ok := v.(driverevents.TransactionReport)
		if !ok {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
		defer cancel()

		err := w.store.Insert(ctx, Record{
			AOName:   report.AOName,
			Op:       report.Op,
			RegAddr:  report.RegAddr,
			Outcome:  report.Outcome,
			Code:     report.Code,
			Retries:  report.Retries,
			Duration: time.Duration(report.Duration) * time.Microsecond,
		})
		if err != nil {
			w.logger.Warn("txlog: recording transaction failed", "ao", report.AOName, "error", err)
		}
	})
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row *sql.Row) (Record, error) {
	return scanRecordRow(row)
}

func scanRecordFromRows(rows *sql.Rows) (Record, error) {
	return scanRecordRow(rows)
}

func scanRecordRow(scanner rowScanner) (Record, error) {
	var r Record
	var regAddr int
	var code string
	var occurredAt string

	err := scanner.Scan(
		&r.ID,
		&r.AOName,
		&r.Op,
		&regAddr,
		&r.Outcome,
		&code,
		&r.Retries,
		&r.Duration,
		&occurredAt,
	)
	if err != nil {
		return Record{}, err
	}

	r.RegAddr = uint8(regAddr)
	r.Code = driverevents.ErrorCode(code)
	r.Duration = r.Duration * time.Microsecond
	if t, parseErr := time.Parse(time.RFC3339Nano, occurredAt); parseErr == nil {
		r.OccurredAt = t
	}
	return r, nil
}
