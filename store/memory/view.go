package memory

import (
	"context"
	"sort"
	"time"

	"github.com/taiyaki/reward-engine/redemption"
)

// view reads and mutates state directly. The caller holds the lock.
type view struct {
	st *state
}

var _ redemption.Tx = (*view)(nil)

func (v *view) Balance(_ context.Context, user redemption.UserID) (redemption.Balance, error) {
	row, ok := v.st.balances[user]
	if !ok {
		return redemption.Balance{UserID: user}, nil
	}
	return redemption.Balance{UserID: user, Points: row.points, DrawCount: row.drawCount, Known: true}, nil
}

func (v *view) Item(_ context.Context, id redemption.ItemID) (redemption.CatalogItem, error) {
	item, ok := v.st.items[id]
	if !ok {
		return redemption.CatalogItem{}, redemption.ErrItemNotFound
	}
	return item, nil
}

func (v *view) Items(_ context.Context) ([]redemption.CatalogItem, error) {
	out := make([]redemption.CatalogItem, 0, len(v.st.items))
	for _, item := range v.st.items {
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (v *view) Prize(_ context.Context, id redemption.PrizeID) (redemption.PrizeEntry, error) {
	prize, ok := v.st.prizes[id]
	if !ok {
		return redemption.PrizeEntry{}, redemption.ErrPrizeNotFound
	}
	return prize, nil
}

func (v *view) Prizes(_ context.Context) ([]redemption.PrizeEntry, error) {
	out := make([]redemption.PrizeEntry, 0, len(v.st.prizes))
	for _, prize := range v.st.prizes {
		out = append(out, prize)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (v *view) FindReceipt(_ context.Context, user redemption.UserID, key string) (*redemption.Receipt, error) {
	i, ok := v.st.byKey[receiptKey{user: user, key: key}]
	if !ok {
		return nil, nil
	}
	r := v.st.receipts[i]
	return &r, nil
}

func (v *view) ReceiptByID(_ context.Context, id redemption.TransactionID) (*redemption.Receipt, error) {
	i, ok := v.st.byID[id]
	if !ok {
		return nil, nil
	}
	r := v.st.receipts[i]
	return &r, nil
}

func (v *view) EntriesFor(_ context.Context, id redemption.TransactionID) ([]redemption.LedgerEntry, error) {
	var out []redemption.LedgerEntry
	for _, e := range v.st.entries {
		if e.Reference == id {
			out = append(out, e)
		}
	}
	return out, nil
}

// =============================================================================
// CONDITIONAL ADJUSTMENTS
// =============================================================================

func (v *view) AdjustBalance(_ context.Context, user redemption.UserID, delta redemption.Points, ref redemption.EntryRef) (redemption.Points, error) {
	row, ok := v.st.balances[user]
	if !ok && delta <= 0 {
		return 0, &redemption.InsufficientBalanceError{UserID: user, Available: 0, Requested: -delta}
	}
	if row.points+delta < 0 {
		return row.points, &redemption.InsufficientBalanceError{UserID: user, Available: row.points, Requested: -delta}
	}
	row.points += delta
	v.st.balances[user] = row

	v.st.entries = append(v.st.entries, redemption.LedgerEntry{
		ID:        int64(len(v.st.entries) + 1),
		UserID:    user,
		Delta:     delta,
		Reference: ref.Reference,
		Reason:    ref.Reason,
		CreatedAt: time.Now().UTC(),
	})
	return row.points, nil
}

func (v *view) AdjustDrawCount(_ context.Context, user redemption.UserID, delta int64) (int64, error) {
	row, ok := v.st.balances[user]
	if !ok && delta < 0 {
		return 0, redemption.ErrPityNotReached
	}
	if row.drawCount+delta < 0 {
		return row.drawCount, redemption.ErrPityNotReached
	}
	row.drawCount += delta
	v.st.balances[user] = row
	return row.drawCount, nil
}

func (v *view) AdjustItemStock(_ context.Context, id redemption.ItemID, delta int64) (int64, error) {
	item, ok := v.st.items[id]
	if !ok {
		return 0, redemption.ErrItemNotFound
	}
	if item.Remaining+delta < 0 {
		return item.Remaining, &redemption.OutOfStockError{Resource: "item", ID: string(id)}
	}
	item.Remaining += delta
	v.st.items[id] = item
	return item.Remaining, nil
}

func (v *view) AdjustPrizeStock(_ context.Context, id redemption.PrizeID, delta int64) (int64, error) {
	prize, ok := v.st.prizes[id]
	if !ok {
		return 0, redemption.ErrPrizeNotFound
	}
	if prize.Remaining+delta < 0 {
		return prize.Remaining, &redemption.OutOfStockError{Resource: "prize", ID: string(id)}
	}
	prize.Remaining += delta
	v.st.prizes[id] = prize
	return prize.Remaining, nil
}

// =============================================================================
// APPENDS
// =============================================================================

func (v *view) AppendReceipt(_ context.Context, r redemption.Receipt) (redemption.Receipt, error) {
	if _, dup := v.st.byID[r.ID]; dup {
		return redemption.Receipt{}, redemption.ErrDuplicateIdempotencyKey
	}
	k := receiptKey{user: r.UserID, key: r.IdempotencyKey}
	if r.IdempotencyKey != "" {
		if _, dup := v.st.byKey[k]; dup {
			return redemption.Receipt{}, redemption.ErrDuplicateIdempotencyKey
		}
	}

	r.Seq = int64(len(v.st.receipts) + 1)
	r.Outcomes = append([]redemption.Outcome(nil), r.Outcomes...)
	v.st.receipts = append(v.st.receipts, r)
	idx := len(v.st.receipts) - 1
	v.st.byID[r.ID] = idx
	if r.IdempotencyKey != "" {
		v.st.byKey[k] = idx
	}
	return r, nil
}

func (v *view) CloseIntent(_ context.Context, id redemption.TransactionID) error {
	delete(v.st.intents, id)
	return nil
}
