/*
Package postgres provides a PostgreSQL implementation of redemption.Store
on top of gorm.

PURPOSE:
  Production store. Same contract as store/sqlite, but concurrent scopes
  run in parallel: per-row locks taken by the conditional UPDATE serialize
  only the requests that touch the same balance or stock row.

CONDITIONAL ADJUSTMENTS:
  UPDATE ... SET v = v + $1 WHERE key = $2 AND v + $1 >= 0 RETURNING v

  Under READ COMMITTED a second writer blocks on the row lock, then
  re-evaluates the WHERE clause against the committed value. Zero rows
  scanned means the condition failed.

ERRORS:
  gorm runs with TranslateError so unique violations surface as
  gorm.ErrDuplicatedKey. Serialization failures and deadlocks (40001,
  40P01) become ErrConcurrentModification.

SEE ALSO:
  - redemption/store.go: Interface definitions
  - store/sqlite: Default embedded implementation
*/
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/sirupsen/logrus"
	"github.com/taiyaki/reward-engine/redemption"
	gormpg "gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type Store struct {
	conn
	db *gorm.DB
}

var _ redemption.Store = (*Store)(nil)

// New connects to dsn and migrates the schema.
func New(dsn string, log logrus.FieldLogger) (*Store, error) {
	db, err := gorm.Open(gormpg.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Warn),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(50)
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetConnMaxLifetime(time.Hour)

	store := &Store{conn: conn{db: db}, db: db}
	if err := store.migrate(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}

	if log != nil {
		log.WithField("driver", "postgres").Info("connected to PostgreSQL")
	}
	return store, nil
}

func (s *Store) migrate() error {
	if err := s.db.AutoMigrate(
		&balanceRow{}, &itemRow{}, &prizeRow{}, &receiptRow{},
		&ledgerEntryRow{}, &intentRow{}, &deliveryRow{},
	); err != nil {
		return err
	}
	return s.db.Exec(appendOnlySQL).Error
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// WithTx runs fn in a gorm transaction. Errors from fn pass through
// unchanged; only begin and commit failures are translated.
func (s *Store) WithTx(ctx context.Context, fn func(tx redemption.Tx) error) error {
	var fnErr error
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		fnErr = fn(&txStore{conn: conn{db: tx}})
		return fnErr
	})
	if fnErr != nil {
		return fnErr
	}
	if err != nil {
		return mapError("commit transaction", err)
	}
	return nil
}

type txStore struct {
	conn
}

var _ redemption.Tx = (*txStore)(nil)

// =============================================================================
// ERROR MAPPING
// =============================================================================

func mapError(op string, err error) error {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%s: %w", op, err)
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return fmt.Errorf("%s: %w", op, redemption.ErrDuplicateIdempotencyKey)
	case errors.Is(err, gorm.ErrForeignKeyViolated):
		return fmt.Errorf("%s: %w: %v", op, redemption.ErrInvalidRequest, err)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "55P03":
			return fmt.Errorf("%s: %w: %v", op, redemption.ErrConcurrentModification, err)
		case "23505":
			return fmt.Errorf("%s: %w", op, redemption.ErrDuplicateIdempotencyKey)
		case "23514":
			return fmt.Errorf("%s: %w: %v", op, redemption.ErrInvariantViolation, err)
		}
	}
	return redemption.Unavailable(op, err)
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
