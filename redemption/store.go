/*
store.go - Persistence contracts for balances, inventory and receipts

PURPOSE:
  Defines the interface between the engine and the database. The store owns
  every counter and is the sole synchronization point between concurrent
  requests; the engine holds no locks of its own.

KEY INTERFACES:
  Reader:     Point reads (balance, item, prize pool, receipts, entries)
  Tx:         Conditional mutations available inside one atomic scope
  TxStore:    Opens atomic scopes
  ReceiptLog: Read-only receipt history and feed
  Journal:    Pending-intent markers for crash recovery
  Outbox:     Receipt delivery bookkeeping for the fulfillment relay
  Store:      Everything above, as implemented by each backend

CONDITIONAL ADJUSTMENT CONTRACT:
  AdjustBalance / AdjustItemStock / AdjustPrizeStock apply a signed delta
  only when the result stays >= 0, as a single compare-and-set at the store.
  A refused adjustment changes nothing and returns the matching rejection
  (ErrInsufficientBalance, ErrOutOfStock). Two racing decrements of the last
  unit can never both succeed.

ATOMIC SCOPES:
  WithTx runs fn inside one transaction. If fn returns an error every
  mutation it made is discarded; the store state is exactly as before.

APPEND-ONLY CONTRACT:
  Receipts and ledger entries are never updated or deleted. AppendReceipt
  rejects a second receipt for the same (user, idempotency key) with
  ErrDuplicateIdempotencyKey.

IMPLEMENTATIONS:
  - store/memory: In-memory, single mutex, for tests
  - store/sqlite: Embedded SQL with immediate-lock transactions
  - store/postgres: gorm over PostgreSQL

SEE ALSO:
  - engine.go: The only writer of receipts
  - recovery.go: Consumer of the journal
*/
package redemption

import (
	"context"
	"time"
)

// =============================================================================
// READ SIDE
// =============================================================================

// Reader exposes point reads shared by stores and transactions.
type Reader interface {
	// Balance returns the user's record. Unknown users return Known=false.
	Balance(ctx context.Context, user UserID) (Balance, error)

	// Item returns ErrItemNotFound for unknown ids.
	Item(ctx context.Context, id ItemID) (CatalogItem, error)

	// Prize returns ErrPrizeNotFound for unknown ids.
	Prize(ctx context.Context, id PrizeID) (PrizeEntry, error)

	// Prizes returns the whole pool in ascending ID order, sold-out included.
	Prizes(ctx context.Context) ([]PrizeEntry, error)

	// Items returns the catalog in ascending ID order.
	Items(ctx context.Context) ([]CatalogItem, error)

	// FindReceipt returns nil, nil when no receipt exists for (user, key).
	FindReceipt(ctx context.Context, user UserID, key string) (*Receipt, error)

	// ReceiptByID returns nil, nil when the transaction has no receipt.
	ReceiptByID(ctx context.Context, id TransactionID) (*Receipt, error)

	// EntriesFor returns the ledger entries that reference a transaction.
	EntriesFor(ctx context.Context, id TransactionID) ([]LedgerEntry, error)
}

// =============================================================================
// WRITE SIDE
// =============================================================================

// Tx is the set of mutations available inside an atomic scope.
type Tx interface {
	Reader

	// AdjustBalance applies delta if the result stays >= 0 and appends one
	// ledger entry. A positive delta creates the user record if missing.
	// Returns the new balance.
	AdjustBalance(ctx context.Context, user UserID, delta Points, ref EntryRef) (Points, error)

	// AdjustDrawCount applies delta to the user's draw progress if the
	// result stays >= 0; otherwise ErrPityNotReached. A positive delta
	// creates the user record if missing.
	AdjustDrawCount(ctx context.Context, user UserID, delta int64) (int64, error)

	// AdjustItemStock applies delta if the result stays >= 0; otherwise
	// ErrOutOfStock. Returns the new remaining count.
	AdjustItemStock(ctx context.Context, id ItemID, delta int64) (int64, error)

	// AdjustPrizeStock is AdjustItemStock for prize entries.
	AdjustPrizeStock(ctx context.Context, id PrizeID, delta int64) (int64, error)

	// AppendReceipt assigns Seq and persists the receipt.
	AppendReceipt(ctx context.Context, r Receipt) (Receipt, error)

	// CloseIntent removes the pending marker; absent markers are ignored.
	CloseIntent(ctx context.Context, id TransactionID) error
}

// TxStore opens atomic scopes.
type TxStore interface {
	Reader

	// WithTx runs fn atomically. Any error from fn rolls back everything.
	WithTx(ctx context.Context, fn func(tx Tx) error) error
}

// =============================================================================
// SUPPORTING CONTRACTS
// =============================================================================

// ReceiptLog serves receipt history. Both lists are ordered by Seq.
type ReceiptLog interface {
	// ListReceipts returns the user's newest receipts first.
	ListReceipts(ctx context.Context, user UserID, limit int) ([]Receipt, error)

	// ReceiptsAfter returns receipts with Seq > after, oldest first.
	ReceiptsAfter(ctx context.Context, after int64, limit int) ([]Receipt, error)
}

// Ledger serves the append-only entry history for audits.
type Ledger interface {
	Entries(ctx context.Context, user UserID) ([]LedgerEntry, error)
}

// Journal persists pending-intent markers outside any atomic scope.
type Journal interface {
	// OpenIntent records the intent unless one already exists for the
	// transaction. opened reports whether this call created it.
	OpenIntent(ctx context.Context, in Intent) (opened bool, err error)

	CloseIntent(ctx context.Context, id TransactionID) error

	// StaleIntents returns intents created before olderThan, oldest first.
	StaleIntents(ctx context.Context, olderThan time.Time) ([]Intent, error)
}

// Outbox tracks which receipts the fulfillment relay has delivered.
type Outbox interface {
	// UndeliveredReceipts returns receipts without a delivery mark, by Seq.
	UndeliveredReceipts(ctx context.Context, limit int) ([]Receipt, error)

	MarkDelivered(ctx context.Context, id TransactionID, at time.Time) error
}

// CatalogWriter seeds inventory. Existing ids are left untouched so a
// restart never resets stock that has already been spent.
type CatalogWriter interface {
	SeedItem(ctx context.Context, item CatalogItem) (bool, error)
	SeedPrize(ctx context.Context, prize PrizeEntry) (bool, error)
}

// Store is the full persistence surface implemented by every backend.
type Store interface {
	TxStore
	ReceiptLog
	Ledger
	Journal
	Outbox
	CatalogWriter

	Close() error
}

// LedgerTime is the fixed-width UTC layout used when timestamps are stored
// as text. Lexical order equals chronological order.
const LedgerTime = "2006-01-02T15:04:05.000000Z"
