/*
Package redemption provides the redemption and draw transaction engine.

PURPOSE:
  Spends a user's point balance on catalog items or on weighted random draws
  against a prize pool with finite stock. Each spend debits the balance,
  decrements inventory and appends an immutable receipt as one atomic unit,
  under any number of concurrent requests.

KEY CONCEPTS IN THIS FILE (types.go):
  - Points: Integer spendable value (never fractional, never negative at rest)
  - Balance: Per-user points plus draw progress for pity claims
  - CatalogItem / PrizeEntry: Inventory counters with cost or weight
  - Receipt: Immutable record of one completed transaction
  - LedgerEntry: Append-only balance movement, replayable for audit
  - Intent: Pending-transaction marker used for crash recovery

DESIGN PRINCIPLES:
  1. The store owns every counter. The engine never caches a balance or a
     stock level across steps of one transaction.
  2. Counters change through conditional adjustments only. Read-then-write in
     application memory is never used to mutate a counter.
  3. Receipts are append-only and keyed by (user, idempotency key).

SEE ALSO:
  - store.go: Persistence contracts
  - engine.go: Transaction engine
  - recovery.go: Dangling intent reconciliation
*/
package redemption

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type UserID string
type ItemID string
type PrizeID string
type TransactionID string

// Points is the spendable unit. Negative values only appear as deltas.
type Points int64

// =============================================================================
// BALANCE
// =============================================================================

// Balance is a user's ledger record.
// Known is false when no record exists yet; Points is then zero.
type Balance struct {
	UserID    UserID
	Points    Points
	DrawCount int64 // resolved draws not yet spent on a pity claim
	Known     bool
}

// =============================================================================
// INVENTORY
// =============================================================================

// CatalogItem is a fixed-price item redeemable for points.
type CatalogItem struct {
	ID        ItemID
	Name      string
	Cost      Points
	Remaining int64
}

// PrizeEntry is one entry of the gacha prize pool.
// Weight is a probability mass in (0, 1].
type PrizeEntry struct {
	ID        PrizeID
	Name      string
	Weight    decimal.Decimal
	Remaining int64
}

// =============================================================================
// RECEIPT - Immutable record of a completed transaction
// =============================================================================

type Kind string

const (
	KindRedeem Kind = "redeem" // catalog item for points
	KindDraw   Kind = "draw"   // one or more gacha draws
	KindPity   Kind = "pity"   // prize claimed with accumulated draw progress
	KindGrant  Kind = "grant"  // points credited by an operator
)

// Outcome is what one step of a transaction produced.
// For a losing draw NoWin is true and ID is empty.
type Outcome struct {
	ID    string `json:"id,omitempty"`
	Name  string `json:"name"`
	NoWin bool   `json:"no_win,omitempty"`
}

// NoWinOutcome is the sentinel outcome of a losing draw.
var NoWinOutcome = Outcome{Name: "no win", NoWin: true}

type Receipt struct {
	Seq            int64 // store-assigned append order, used as a feed cursor
	ID             TransactionID
	IdempotencyKey string
	UserID         UserID
	Kind           Kind
	Outcomes       []Outcome
	PointsDelta    Points // net balance change, bonus included
	BonusPoints    Points
	CreatedAt      time.Time
}

// OutcomeName summarizes the outcomes as one display string.
func (r Receipt) OutcomeName() string {
	names := make([]string, 0, len(r.Outcomes))
	for _, o := range r.Outcomes {
		names = append(names, o.Name)
	}
	return strings.Join(names, ", ")
}

// Wins returns the outcomes that secured an item or prize.
func (r Receipt) Wins() []Outcome {
	var wins []Outcome
	for _, o := range r.Outcomes {
		if !o.NoWin {
			wins = append(wins, o)
		}
	}
	return wins
}

// =============================================================================
// LEDGER ENTRY - Append-only balance movement
// =============================================================================

// LedgerEntry records one balance adjustment. Reference is the transaction
// that caused it; reversals reuse the reference of the transaction they undo.
type LedgerEntry struct {
	ID        int64
	UserID    UserID
	Delta     Points
	Reference TransactionID
	Reason    string
	CreatedAt time.Time
}

// EntryRef describes the ledger entry written alongside a balance adjustment.
type EntryRef struct {
	Reference TransactionID
	Reason    string
}

// =============================================================================
// INTENT - Pending-transaction marker
// =============================================================================

// Intent is written before a transaction's scope opens and removed when it
// commits. An intent that outlives its request marks a transaction whose
// outcome must be reconciled.
type Intent struct {
	TransactionID  TransactionID
	IdempotencyKey string
	UserID         UserID
	Kind           Kind
	Cost           Points
	CreatedAt      time.Time
}
