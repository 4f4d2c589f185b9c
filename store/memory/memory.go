// Package memory provides an in-memory redemption.Store.
//
// A single mutex serializes every scope. That is enough to satisfy the
// conditional adjustment contract in tests and local development, but it
// serializes unrelated users too, so production deployments use sqlite or
// postgres.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/taiyaki/reward-engine/redemption"
)

// =============================================================================
// STATE
// =============================================================================

type receiptKey struct {
	user redemption.UserID
	key  string
}

type balanceRow struct {
	points    redemption.Points
	drawCount int64
}

type state struct {
	balances  map[redemption.UserID]balanceRow
	items     map[redemption.ItemID]redemption.CatalogItem
	prizes    map[redemption.PrizeID]redemption.PrizeEntry
	receipts  []redemption.Receipt
	byKey     map[receiptKey]int
	byID      map[redemption.TransactionID]int
	entries   []redemption.LedgerEntry
	intents   map[redemption.TransactionID]redemption.Intent
	delivered map[redemption.TransactionID]time.Time
}

func newState() *state {
	return &state{
		balances:  make(map[redemption.UserID]balanceRow),
		items:     make(map[redemption.ItemID]redemption.CatalogItem),
		prizes:    make(map[redemption.PrizeID]redemption.PrizeEntry),
		byKey:     make(map[receiptKey]int),
		byID:      make(map[redemption.TransactionID]int),
		intents:   make(map[redemption.TransactionID]redemption.Intent),
		delivered: make(map[redemption.TransactionID]time.Time),
	}
}

// clone copies every container. Receipts and entries are immutable once
// appended, so their contents are shared.
func (s *state) clone() *state {
	c := newState()
	for k, v := range s.balances {
		c.balances[k] = v
	}
	for k, v := range s.items {
		c.items[k] = v
	}
	for k, v := range s.prizes {
		c.prizes[k] = v
	}
	c.receipts = append([]redemption.Receipt(nil), s.receipts...)
	for k, v := range s.byKey {
		c.byKey[k] = v
	}
	for k, v := range s.byID {
		c.byID[k] = v
	}
	c.entries = append([]redemption.LedgerEntry(nil), s.entries...)
	for k, v := range s.intents {
		c.intents[k] = v
	}
	for k, v := range s.delivered {
		c.delivered[k] = v
	}
	return c
}

// =============================================================================
// MEMORY STORE
// =============================================================================

type Memory struct {
	mu sync.RWMutex
	st *state
}

var _ redemption.Store = (*Memory)(nil)

func New() *Memory {
	return &Memory{st: newState()}
}

// WithTx runs fn under the write lock. On error the state is restored from
// a snapshot taken before fn ran.
func (m *Memory) WithTx(ctx context.Context, fn func(redemption.Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.st.clone()
	if err := fn(&view{st: m.st}); err != nil {
		m.st = snapshot
		return err
	}
	if err := ctx.Err(); err != nil {
		m.st = snapshot
		return err
	}
	return nil
}

func (m *Memory) Close() error { return nil }

func (m *Memory) read() *view {
	return &view{st: m.st}
}

func (m *Memory) Balance(ctx context.Context, user redemption.UserID) (redemption.Balance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.read().Balance(ctx, user)
}

func (m *Memory) Item(ctx context.Context, id redemption.ItemID) (redemption.CatalogItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.read().Item(ctx, id)
}

func (m *Memory) Items(ctx context.Context) ([]redemption.CatalogItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.read().Items(ctx)
}

func (m *Memory) Prize(ctx context.Context, id redemption.PrizeID) (redemption.PrizeEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.read().Prize(ctx, id)
}

func (m *Memory) Prizes(ctx context.Context) ([]redemption.PrizeEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.read().Prizes(ctx)
}

func (m *Memory) FindReceipt(ctx context.Context, user redemption.UserID, key string) (*redemption.Receipt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.read().FindReceipt(ctx, user, key)
}

func (m *Memory) ReceiptByID(ctx context.Context, id redemption.TransactionID) (*redemption.Receipt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.read().ReceiptByID(ctx, id)
}

func (m *Memory) EntriesFor(ctx context.Context, id redemption.TransactionID) ([]redemption.LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.read().EntriesFor(ctx, id)
}

// =============================================================================
// RECEIPT LOG / LEDGER
// =============================================================================

func (m *Memory) ListReceipts(_ context.Context, user redemption.UserID, limit int) ([]redemption.Receipt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []redemption.Receipt
	for i := len(m.st.receipts) - 1; i >= 0; i-- {
		if m.st.receipts[i].UserID == user {
			out = append(out, m.st.receipts[i])
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (m *Memory) ReceiptsAfter(_ context.Context, after int64, limit int) ([]redemption.Receipt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []redemption.Receipt
	for _, r := range m.st.receipts {
		if r.Seq > after {
			out = append(out, r)
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (m *Memory) Entries(_ context.Context, user redemption.UserID) ([]redemption.LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []redemption.LedgerEntry
	for _, e := range m.st.entries {
		if e.UserID == user {
			out = append(out, e)
		}
	}
	return out, nil
}

// =============================================================================
// JOURNAL
// =============================================================================

func (m *Memory) OpenIntent(_ context.Context, in redemption.Intent) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.st.intents[in.TransactionID]; exists {
		return false, nil
	}
	m.st.intents[in.TransactionID] = in
	return true, nil
}

func (m *Memory) CloseIntent(ctx context.Context, id redemption.TransactionID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return (&view{st: m.st}).CloseIntent(ctx, id)
}

func (m *Memory) StaleIntents(_ context.Context, olderThan time.Time) ([]redemption.Intent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []redemption.Intent
	for _, in := range m.st.intents {
		if in.CreatedAt.Before(olderThan) {
			out = append(out, in)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].TransactionID < out[j].TransactionID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// =============================================================================
// OUTBOX / CATALOG
// =============================================================================

func (m *Memory) UndeliveredReceipts(_ context.Context, limit int) ([]redemption.Receipt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []redemption.Receipt
	for _, r := range m.st.receipts {
		if _, done := m.st.delivered[r.ID]; done {
			continue
		}
		out = append(out, r)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) MarkDelivered(_ context.Context, id redemption.TransactionID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.st.byID[id]; !ok {
		return redemption.ErrInvalidRequest
	}
	if _, done := m.st.delivered[id]; !done {
		m.st.delivered[id] = at
	}
	return nil
}

func (m *Memory) SeedItem(_ context.Context, item redemption.CatalogItem) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.st.items[item.ID]; exists {
		return false, nil
	}
	m.st.items[item.ID] = item
	return true, nil
}

func (m *Memory) SeedPrize(_ context.Context, prize redemption.PrizeEntry) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.st.prizes[prize.ID]; exists {
		return false, nil
	}
	m.st.prizes[prize.ID] = prize
	return true, nil
}
