/*
errors.go - Error types for the redemption engine

PURPOSE:
  All error kinds in one place. Store implementations map driver failures
  onto these sentinels so callers branch with errors.Is() only.

ERROR CATEGORIES:
  1. Rejections - Business rule refusals (balance, stock, draw count)
  2. Lookups - Unknown users, items and prizes
  3. Idempotency - Duplicate or conflicting keys
  4. Store - Persistence unavailable, write contention
  5. Invariant - Observed state that must never exist

SEE ALSO:
  - engine.go: Returns these errors
  - api/handlers.go: Maps these errors to HTTP status codes
*/
package redemption

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInsufficientBalance is returned when a spend exceeds the balance.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrOutOfStock is returned when a catalog item has no remaining units.
	ErrOutOfStock = errors.New("out of stock")

	// ErrUnknownUser is returned when no balance record exists for the user.
	ErrUnknownUser = errors.New("unknown user")

	// ErrItemNotFound is returned when a catalog item does not exist.
	ErrItemNotFound = errors.New("catalog item not found")

	// ErrPrizeNotFound is returned when a prize entry does not exist.
	ErrPrizeNotFound = errors.New("prize entry not found")

	// ErrInvalidDrawCount is returned for a draw batch other than 1 or 10.
	ErrInvalidDrawCount = errors.New("invalid draw count")

	// ErrInvalidRequest is returned for malformed input (empty ids, bad amounts).
	ErrInvalidRequest = errors.New("invalid request")

	// ErrPityNotReached is returned when a pity claim lacks draw progress.
	ErrPityNotReached = errors.New("pity threshold not reached")

	// ErrDuplicateIdempotencyKey is returned by a store when a receipt with the
	// same (user, key) already exists. The engine turns it into a replay.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

	// ErrIdempotencyKeyConflict is returned when a key is reused for a
	// different kind of transaction.
	ErrIdempotencyKeyConflict = errors.New("idempotency key reused for a different operation")

	// ErrConcurrentModification is returned when the store rejects a write
	// because of lock contention. The rolled-back scope may be retried.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrPersistenceUnavailable is returned when the store cannot be reached.
	ErrPersistenceUnavailable = errors.New("persistence unavailable")

	// ErrInvariantViolation is returned when a stored counter is observed
	// outside its allowed range.
	ErrInvariantViolation = errors.New("invariant violation")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InsufficientBalanceError provides details about a balance shortage.
type InsufficientBalanceError struct {
	UserID    UserID
	Available Points
	Requested Points
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance: available %d, requested %d, shortfall %d",
		e.Available, e.Requested, e.Requested-e.Available)
}

func (e *InsufficientBalanceError) Unwrap() error {
	return ErrInsufficientBalance
}

// OutOfStockError names the exhausted inventory counter.
// Resource is "item" or "prize".
type OutOfStockError struct {
	Resource string
	ID       string
}

func (e *OutOfStockError) Error() string {
	return fmt.Sprintf("out of stock: %s %s", e.Resource, e.ID)
}

func (e *OutOfStockError) Unwrap() error {
	return ErrOutOfStock
}

// InvariantViolationError describes a counter observed outside its allowed
// range, or a ledger replay that disagrees with the stored balance.
type InvariantViolationError struct {
	Subject string
	ID      string
	Value   int64
}

func (e *InvariantViolationError) Error() string {
	return fmt.Sprintf("invariant violation: %s %s is %d", e.Subject, e.ID, e.Value)
}

func (e *InvariantViolationError) Unwrap() error {
	return ErrInvariantViolation
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}

// IsClientError returns true if the error is due to the request itself.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrOutOfStock) ||
		errors.Is(err, ErrInvalidDrawCount) ||
		errors.Is(err, ErrInvalidRequest) ||
		errors.Is(err, ErrPityNotReached) ||
		errors.Is(err, ErrIdempotencyKeyConflict)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrUnknownUser) ||
		errors.Is(err, ErrItemNotFound) ||
		errors.Is(err, ErrPrizeNotFound)
}

// Unavailable wraps a driver error as a persistence failure.
func Unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrPersistenceUnavailable, err)
}
