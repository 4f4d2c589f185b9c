/*
Package sqlite provides a SQLite-backed implementation of redemption.Store.

PURPOSE:
  Default durable store. Every counter (balance, draw progress, item and
  prize stock) is mutated by a single conditional statement, so the
  database itself refuses any write that would take a counter below zero.

CONDITIONAL ADJUSTMENTS:
  UPDATE balances SET points = points + ?
   WHERE user_id = ? AND points + ? >= 0
  RETURNING points

  No row returned means the condition failed (or the row is missing), and
  nothing was written. CHECK (... >= 0) constraints back this up at the
  schema level.

APPEND-ONLY ENFORCEMENT:
  Triggers abort any UPDATE or DELETE on receipts and ledger_entries.
  Delivery state for the fulfillment relay lives in receipt_deliveries.

KEY TABLES:
  balances:           Per-user points and draw progress
  catalog_items:      Redeemable items with cost and remaining stock
  prize_entries:      Gacha pool with decimal weight and remaining stock
  receipts:           Immutable transaction records, UNIQUE(user_id, idempotency_key)
  ledger_entries:     Append-only balance movements
  pending_intents:    Markers for in-flight transactions
  receipt_deliveries: Outbox bookkeeping

CONCURRENCY:
  Opened with WAL, a busy timeout and _txlock=immediate: every scope starts
  with BEGIN IMMEDIATE and takes the write lock up front, so two scopes can
  never interleave their read and write phases. A scope that cannot get the
  lock within the busy timeout fails with ErrConcurrentModification and is
  retried by the engine.

  ":memory:" databases exist per connection, so they are pinned to a single
  connection. Inside a scope all reads go through the Tx.

USAGE:
  store, err := sqlite.New("./data/rewards.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - redemption/store.go: Interface definitions
  - store/memory: In-memory implementation for testing
  - store/postgres: Production implementation
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/taiyaki/reward-engine/redemption"
)

// Store implements redemption.Store using SQLite.
type Store struct {
	conn
	db *sql.DB
}

var _ redemption.Store = (*Store)(nil)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	store := &Store{conn: conn{q: db}, db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS balances (
		user_id TEXT PRIMARY KEY,
		points INTEGER NOT NULL DEFAULT 0 CHECK (points >= 0),
		draw_count INTEGER NOT NULL DEFAULT 0 CHECK (draw_count >= 0),
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS catalog_items (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		cost INTEGER NOT NULL CHECK (cost > 0),
		remaining INTEGER NOT NULL CHECK (remaining >= 0)
	);

	CREATE TABLE IF NOT EXISTS prize_entries (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		weight TEXT NOT NULL,
		remaining INTEGER NOT NULL CHECK (remaining >= 0)
	);

	-- Receipts (append-only)
	CREATE TABLE IF NOT EXISTS receipts (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		user_id TEXT NOT NULL,
		idempotency_key TEXT,
		kind TEXT NOT NULL,
		outcomes_json TEXT NOT NULL,
		points_delta INTEGER NOT NULL,
		bonus_points INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	);

	-- Idempotency keys are scoped per user
	CREATE UNIQUE INDEX IF NOT EXISTS idx_receipts_user_key
		ON receipts(user_id, idempotency_key) WHERE idempotency_key IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_receipts_user_seq
		ON receipts(user_id, seq DESC);

	-- Ledger entries (append-only)
	CREATE TABLE IF NOT EXISTS ledger_entries (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id TEXT NOT NULL,
		delta INTEGER NOT NULL,
		reference TEXT NOT NULL,
		reason TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_ledger_entries_user
		ON ledger_entries(user_id, id);
	CREATE INDEX IF NOT EXISTS idx_ledger_entries_reference
		ON ledger_entries(reference);

	CREATE TABLE IF NOT EXISTS pending_intents (
		transaction_id TEXT PRIMARY KEY,
		idempotency_key TEXT,
		user_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		cost INTEGER NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_pending_intents_created
		ON pending_intents(created_at);

	CREATE TABLE IF NOT EXISTS receipt_deliveries (
		receipt_id TEXT PRIMARY KEY REFERENCES receipts(id),
		delivered_at TEXT NOT NULL
	);

	CREATE TRIGGER IF NOT EXISTS receipts_no_update BEFORE UPDATE ON receipts
	BEGIN SELECT RAISE(ABORT, 'receipts are append-only'); END;
	CREATE TRIGGER IF NOT EXISTS receipts_no_delete BEFORE DELETE ON receipts
	BEGIN SELECT RAISE(ABORT, 'receipts are append-only'); END;
	CREATE TRIGGER IF NOT EXISTS ledger_entries_no_update BEFORE UPDATE ON ledger_entries
	BEGIN SELECT RAISE(ABORT, 'ledger entries are append-only'); END;
	CREATE TRIGGER IF NOT EXISTS ledger_entries_no_delete BEFORE DELETE ON ledger_entries
	BEGIN SELECT RAISE(ABORT, 'ledger entries are append-only'); END;
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// TRANSACTIONAL STORE (redemption.TxStore interface)
// =============================================================================

// WithTx executes fn within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(tx redemption.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapError("begin transaction", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{conn: conn{q: sqlTx}}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return mapError("commit transaction", err)
	}
	return nil
}

type txStore struct {
	conn
}

var _ redemption.Tx = (*txStore)(nil)

// =============================================================================
// HELPERS
// =============================================================================

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func now() string {
	return time.Now().UTC().Format(redemption.LedgerTime)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(redemption.LedgerTime)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(redemption.LedgerTime, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("malformed timestamp %q: %w", s, err)
	}
	return t, nil
}

// limitArg maps "no limit" onto SQLite's LIMIT -1.
func limitArg(limit int) int {
	if limit <= 0 {
		return -1
	}
	return limit
}

// mapError translates driver failures into redemption sentinels.
func mapError(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}

	var se sqlite3.Error
	if errors.As(err, &se) {
		switch {
		case se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked:
			return fmt.Errorf("%s: %w: %v", op, redemption.ErrConcurrentModification, err)
		case se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey:
			return fmt.Errorf("%s: %w", op, redemption.ErrDuplicateIdempotencyKey)
		case se.ExtendedCode == sqlite3.ErrConstraintCheck:
			return fmt.Errorf("%s: %w: %v", op, redemption.ErrInvariantViolation, err)
		case se.ExtendedCode == sqlite3.ErrConstraintForeignKey:
			return fmt.Errorf("%s: %w: %v", op, redemption.ErrInvalidRequest, err)
		}
	}
	return redemption.Unavailable(op, err)
}
