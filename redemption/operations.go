package redemption

import (
	"context"
	"errors"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/taiyaki/reward-engine/gacha"
)

// =============================================================================
// REDEEM
// =============================================================================

// Redeem spends the item's cost on one unit of a catalog item.
func (e *Engine) Redeem(ctx context.Context, user UserID, item ItemID, key string) (*Result, error) {
	var it CatalogItem
	return e.execute(ctx, operation{
		kind: KindRedeem,
		user: user,
		key:  key,
		prepare: func(ctx context.Context) (Points, Points, error) {
			if item == "" {
				return 0, 0, ErrInvalidRequest
			}
			var err error
			it, err = e.store.Item(ctx, item)
			if err != nil {
				return 0, 0, err
			}
			if it.Remaining < 0 {
				return 0, 0, &InvariantViolationError{Subject: "item stock", ID: string(item), Value: it.Remaining}
			}
			if it.Remaining == 0 {
				return 0, 0, &OutOfStockError{Resource: "item", ID: string(item)}
			}
			return it.Cost, 0, nil
		},
		resolve: func(ctx context.Context, tx Tx, _ TransactionID) ([]Outcome, error) {
			if _, err := tx.AdjustItemStock(ctx, item, -1); err != nil {
				return nil, err
			}
			return []Outcome{{ID: string(it.ID), Name: it.Name}}, nil
		},
	})
}

// =============================================================================
// DRAW
// =============================================================================

// Draw runs a batch of 1 or MultiDrawCount weighted draws as one transaction.
func (e *Engine) Draw(ctx context.Context, user UserID, count int, key string) (*Result, error) {
	op := operation{
		kind: KindDraw,
		user: user,
		key:  key,
		prepare: func(ctx context.Context) (Points, Points, error) {
			switch count {
			case 1:
				return e.cfg.SingleDrawCost, 0, nil
			case MultiDrawCount:
				return e.cfg.MultiDrawCost, 0, nil
			default:
				return 0, 0, ErrInvalidDrawCount
			}
		},
		resolve: func(ctx context.Context, tx Tx, _ TransactionID) ([]Outcome, error) {
			outcomes, err := e.resolveDraws(ctx, tx, count)
			if err != nil {
				return nil, err
			}
			if _, err := tx.AdjustDrawCount(ctx, user, int64(count)); err != nil {
				return nil, err
			}
			return outcomes, nil
		},
	}
	if count == MultiDrawCount {
		op.bonus = e.cfg.MultiDrawBonus
	}
	return e.execute(ctx, op)
}

// resolveDraws selects count outcomes against one pool snapshot that is
// kept in step with the stock taken earlier in the batch.
func (e *Engine) resolveDraws(ctx context.Context, tx Tx, count int) ([]Outcome, error) {
	entries, names, err := snapshot(ctx, tx)
	if err != nil {
		return nil, err
	}

	outcomes := make([]Outcome, 0, count)
	for i := 0; i < count; i++ {
		var o Outcome
		o, entries, err = e.resolveOne(ctx, tx, entries, names)
		if err != nil {
			return nil, err
		}
		outcomes = append(outcomes, o)
	}
	return outcomes, nil
}

// resolveOne selects and secures a single prize. Losing the decrement to a
// concurrent winner refreshes the snapshot and selects again; after
// MaxResolveAttempts the draw falls back to no-win.
func (e *Engine) resolveOne(ctx context.Context, tx Tx, entries []gacha.Entry, names map[string]string) (Outcome, []gacha.Entry, error) {
	for attempt := 0; attempt < e.cfg.MaxResolveAttempts; attempt++ {
		id, won := gacha.Select(entries, e.cfg.NoWinMass, e.random())
		if !won {
			return NoWinOutcome, entries, nil
		}

		_, err := tx.AdjustPrizeStock(ctx, PrizeID(id), -1)
		if err == nil {
			gacha.Take(entries, id)
			return Outcome{ID: id, Name: names[id]}, entries, nil
		}
		if !errors.Is(err, ErrOutOfStock) {
			return Outcome{}, entries, err
		}

		e.log.WithFields(logrus.Fields{"prize_id": id, "attempt": attempt + 1}).
			Debug("prize sold out after selection, re-resolving")
		entries, names, err = snapshot(ctx, tx)
		if err != nil {
			return Outcome{}, entries, err
		}
	}
	return NoWinOutcome, entries, nil
}

func snapshot(ctx context.Context, tx Tx) ([]gacha.Entry, map[string]string, error) {
	pool, err := tx.Prizes(ctx)
	if err != nil {
		return nil, nil, err
	}
	entries := make([]gacha.Entry, 0, len(pool))
	names := make(map[string]string, len(pool))
	for _, p := range pool {
		if p.Remaining < 0 {
			return nil, nil, &InvariantViolationError{Subject: "prize stock", ID: string(p.ID), Value: p.Remaining}
		}
		entries = append(entries, gacha.Entry{ID: string(p.ID), Weight: p.Weight, Remaining: p.Remaining})
		names[string(p.ID)] = p.Name
	}
	return entries, names, nil
}

// =============================================================================
// PITY
// =============================================================================

// ClaimPity exchanges PityThreshold accumulated draws for one unit of a
// chosen prize. No points move.
func (e *Engine) ClaimPity(ctx context.Context, user UserID, prize PrizeID, key string) (*Result, error) {
	var p PrizeEntry
	pity := gacha.Pity{Threshold: e.cfg.PityThreshold}
	return e.execute(ctx, operation{
		kind: KindPity,
		user: user,
		key:  key,
		prepare: func(ctx context.Context) (Points, Points, error) {
			if prize == "" {
				return 0, 0, ErrInvalidRequest
			}
			var err error
			p, err = e.store.Prize(ctx, prize)
			if err != nil {
				return 0, 0, err
			}
			bal, err := e.store.Balance(ctx, user)
			if err != nil {
				return 0, 0, err
			}
			if !pity.Reached(bal.DrawCount) {
				return 0, 0, ErrPityNotReached
			}
			if p.Remaining <= 0 {
				return 0, 0, &OutOfStockError{Resource: "prize", ID: string(prize)}
			}
			return 0, 0, nil
		},
		resolve: func(ctx context.Context, tx Tx, _ TransactionID) ([]Outcome, error) {
			if _, err := tx.AdjustDrawCount(ctx, user, -pity.Threshold); err != nil {
				return nil, err
			}
			if _, err := tx.AdjustPrizeStock(ctx, prize, -1); err != nil {
				return nil, err
			}
			return []Outcome{{ID: string(p.ID), Name: p.Name}}, nil
		},
	})
}

// =============================================================================
// GRANT
// =============================================================================

// Grant credits points to a user, creating the balance record on first use.
func (e *Engine) Grant(ctx context.Context, user UserID, amount Points, reason, key string) (*Result, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "grant"
	}
	return e.execute(ctx, operation{
		kind: KindGrant,
		user: user,
		key:  key,
		prepare: func(ctx context.Context) (Points, Points, error) {
			if amount <= 0 {
				return 0, 0, ErrInvalidRequest
			}
			return 0, amount, nil
		},
		resolve: func(ctx context.Context, tx Tx, _ TransactionID) ([]Outcome, error) {
			return []Outcome{{Name: reason}}, nil
		},
	})
}

// =============================================================================
// READS
// =============================================================================

// GetBalance returns the user's record. It is not transactional with
// concurrent spends; callers must re-read it after each mutation.
func (e *Engine) GetBalance(ctx context.Context, user UserID) (Balance, error) {
	if user == "" {
		return Balance{}, ErrInvalidRequest
	}
	bal, err := e.store.Balance(ctx, user)
	if err != nil {
		return Balance{}, err
	}
	if bal.Points < 0 || bal.DrawCount < 0 {
		err := &InvariantViolationError{Subject: "balance", ID: string(user), Value: int64(bal.Points)}
		if bal.DrawCount < 0 {
			err = &InvariantViolationError{Subject: "draw count", ID: string(user), Value: bal.DrawCount}
		}
		return Balance{}, e.fail(e.log.WithField("user_id", user), err)
	}
	return bal, nil
}

// Audit is the result of replaying a user's ledger entries.
type Audit struct {
	UserID   UserID
	Stored   Points
	Replayed Points
	Entries  int
}

func (a Audit) Consistent() bool {
	return a.Stored == a.Replayed
}

// AuditBalance replays the user's ledger entries and compares the sum with
// the stored balance. A mismatch is reported as an invariant violation.
func (e *Engine) AuditBalance(ctx context.Context, user UserID) (Audit, error) {
	bal, err := e.store.Balance(ctx, user)
	if err != nil {
		return Audit{}, err
	}
	entries, err := e.store.Entries(ctx, user)
	if err != nil {
		return Audit{}, err
	}
	if !bal.Known && len(entries) == 0 {
		return Audit{}, ErrUnknownUser
	}

	audit := Audit{UserID: user, Stored: bal.Points, Entries: len(entries)}
	for _, entry := range entries {
		audit.Replayed += entry.Delta
	}
	if !audit.Consistent() {
		return audit, e.fail(e.log.WithField("user_id", user), &InvariantViolationError{
			Subject: "ledger replay", ID: string(user), Value: int64(audit.Replayed - audit.Stored),
		})
	}
	return audit, nil
}
