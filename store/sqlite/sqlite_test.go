package sqlite_test

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/taiyaki/reward-engine/logging"
	"github.com/taiyaki/reward-engine/redemption"
	"github.com/taiyaki/reward-engine/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestStore(t *testing.T) *sqlite.Store {
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func newFileStore(t *testing.T) *sqlite.Store {
	store, err := sqlite.New(filepath.Join(t.TempDir(), "rewards.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func newEngine(store redemption.Store) *redemption.Engine {
	log := logging.Discard()
	cfg := redemption.DefaultConfig()
	cfg.RetryBackoff = 5 * time.Millisecond
	cfg.MaxAttempts = 10
	return redemption.NewEngine(store, cfg, log)
}

func credit(t *testing.T, store *sqlite.Store, user redemption.UserID, points redemption.Points) {
	t.Helper()
	err := store.WithTx(context.Background(), func(tx redemption.Tx) error {
		_, err := tx.AdjustBalance(context.Background(), user, points, redemption.EntryRef{Reference: "seed", Reason: "grant"})
		return err
	})
	require.NoError(t, err)
}

// =============================================================================
// CONDITIONAL ADJUSTMENT TESTS
// =============================================================================

func TestAdjustBalance_RefusesOverdraw(t *testing.T) {
	// GIVEN: User with 5 points
	// WHEN: Debiting 6
	// THEN: Refused with the available amount, balance untouched

	store := newTestStore(t)
	ctx := context.Background()
	credit(t, store, "alice", 5)

	err := store.WithTx(ctx, func(tx redemption.Tx) error {
		_, err := tx.AdjustBalance(ctx, "alice", -6, redemption.EntryRef{Reference: "t1", Reason: "redeem"})
		return err
	})

	var balErr *redemption.InsufficientBalanceError
	require.ErrorAs(t, err, &balErr)
	assert.Equal(t, redemption.Points(5), balErr.Available)

	bal, err := store.Balance(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, bal.Known)
	assert.Equal(t, redemption.Points(5), bal.Points)

	entries, err := store.Entries(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, entries, 1, "refused debit leaves no entry")
}

func TestAdjustBalance_UnknownUser(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	bal, err := store.Balance(ctx, "ghost")
	require.NoError(t, err)
	assert.False(t, bal.Known)

	err = store.WithTx(ctx, func(tx redemption.Tx) error {
		_, err := tx.AdjustBalance(ctx, "ghost", -1, redemption.EntryRef{Reference: "t"})
		return err
	})
	assert.ErrorIs(t, err, redemption.ErrInsufficientBalance)
}

func TestAdjustStock_StopsAtZero(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	_, err := store.SeedItem(ctx, redemption.CatalogItem{ID: "mug", Name: "Mug", Cost: 3, Remaining: 1})
	require.NoError(t, err)
	_, err = store.SeedPrize(ctx, redemption.PrizeEntry{ID: "plush", Name: "Plush", Weight: decimal.RequireFromString("0.05"), Remaining: 0})
	require.NoError(t, err)

	err = store.WithTx(ctx, func(tx redemption.Tx) error {
		left, err := tx.AdjustItemStock(ctx, "mug", -1)
		require.NoError(t, err)
		assert.Equal(t, int64(0), left)

		_, err = tx.AdjustItemStock(ctx, "mug", -1)
		assert.ErrorIs(t, err, redemption.ErrOutOfStock)

		_, err = tx.AdjustPrizeStock(ctx, "plush", -1)
		assert.ErrorIs(t, err, redemption.ErrOutOfStock)

		_, err = tx.AdjustItemStock(ctx, "nope", -1)
		assert.ErrorIs(t, err, redemption.ErrItemNotFound)
		return nil
	})
	require.NoError(t, err)

	prize, err := store.Prize(ctx, "plush")
	require.NoError(t, err)
	assert.True(t, prize.Weight.Equal(decimal.RequireFromString("0.05")))
}

func TestAdjustDrawCount(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	err := store.WithTx(ctx, func(tx redemption.Tx) error {
		n, err := tx.AdjustDrawCount(ctx, "alice", 36)
		require.NoError(t, err)
		assert.Equal(t, int64(36), n)

		n, err = tx.AdjustDrawCount(ctx, "alice", -35)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		_, err = tx.AdjustDrawCount(ctx, "alice", -35)
		assert.ErrorIs(t, err, redemption.ErrPityNotReached)
		return nil
	})
	require.NoError(t, err)
}

// =============================================================================
// APPEND-ONLY TESTS
// =============================================================================

func TestReceipts_DuplicateKeyRejected(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	appendReceipt := func(id string) error {
		return store.WithTx(ctx, func(tx redemption.Tx) error {
			_, err := tx.AppendReceipt(ctx, redemption.Receipt{
				ID: redemption.TransactionID(id), UserID: "alice", IdempotencyKey: "k1",
				Kind: redemption.KindRedeem, CreatedAt: time.Now(),
			})
			return err
		})
	}

	require.NoError(t, appendReceipt("t1"))
	assert.ErrorIs(t, appendReceipt("t2"), redemption.ErrDuplicateIdempotencyKey)

	r, err := store.FindReceipt(ctx, "alice", "k1")
	require.NoError(t, err)
	require.NotNil(t, r)
	assert.Equal(t, redemption.TransactionID("t1"), r.ID)
	assert.Equal(t, []redemption.Outcome{}, r.Outcomes)
}

func TestReceipts_RoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	at := time.Date(2026, 3, 10, 12, 30, 0, 123456000, time.UTC)

	want := redemption.Receipt{
		ID:             "t1",
		IdempotencyKey: "k1",
		UserID:         "alice",
		Kind:           redemption.KindDraw,
		Outcomes:       []redemption.Outcome{{ID: "plush", Name: "Plush"}, redemption.NoWinOutcome},
		PointsDelta:    -27,
		BonusPoints:    3,
		CreatedAt:      at,
	}
	require.NoError(t, store.WithTx(ctx, func(tx redemption.Tx) error {
		got, err := tx.AppendReceipt(ctx, want)
		want.Seq = got.Seq
		return err
	}))

	got, err := store.ReceiptByID(ctx, "t1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, want, *got)

	missing, err := store.ReceiptByID(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestTriggers_BlockReceiptAndEntryRewrites(t *testing.T) {
	store, err := sqlite.New(filepath.Join(t.TempDir(), "rewards.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	ctx := context.Background()
	credit(t, store, "alice", 5)

	require.NoError(t, store.WithTx(ctx, func(tx redemption.Tx) error {
		_, err := tx.AppendReceipt(ctx, redemption.Receipt{ID: "t1", UserID: "alice", Kind: redemption.KindGrant})
		return err
	}))

	// Raw statements bypass the store API entirely.
	err = store.WithTx(ctx, func(tx redemption.Tx) error {
		return sqlite.ExecForTest(ctx, tx, "UPDATE receipts SET points_delta = 100 WHERE id = 't1'")
	})
	assert.Error(t, err)

	err = store.WithTx(ctx, func(tx redemption.Tx) error {
		return sqlite.ExecForTest(ctx, tx, "DELETE FROM ledger_entries")
	})
	assert.Error(t, err)

	entries, _ := store.Entries(ctx, "alice")
	assert.Len(t, entries, 1)
}

// =============================================================================
// JOURNAL AND OUTBOX
// =============================================================================

func TestIntents_OpenOnceAndExpire(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	in := redemption.Intent{TransactionID: "t1", UserID: "alice", Kind: redemption.KindDraw, Cost: 3, CreatedAt: time.Now().Add(-time.Hour)}

	opened, err := store.OpenIntent(ctx, in)
	require.NoError(t, err)
	assert.True(t, opened)

	opened, err = store.OpenIntent(ctx, in)
	require.NoError(t, err)
	assert.False(t, opened)

	stale, err := store.StaleIntents(ctx, time.Now().Add(-time.Minute))
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, redemption.Points(3), stale[0].Cost)

	require.NoError(t, store.CloseIntent(ctx, "t1"))
	stale, err = store.StaleIntents(ctx, time.Now())
	require.NoError(t, err)
	assert.Empty(t, stale)
}

func TestIntents_MalformedTimestamp(t *testing.T) {
	// GIVEN: An intent row whose created_at does not parse
	// THEN: Listing stale intents fails instead of treating it as infinitely old

	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.WithTx(ctx, func(tx redemption.Tx) error {
		return sqlite.ExecForTest(ctx, tx, `INSERT INTO pending_intents
			(transaction_id, idempotency_key, user_id, kind, cost, created_at)
			VALUES ('t1', 'k1', 'alice', 'draw', 3, '0000-not-a-time')`)
	}))

	_, err := store.StaleIntents(ctx, time.Now())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "malformed timestamp")
}

func TestOutbox(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.WithTx(ctx, func(tx redemption.Tx) error {
		for i := 1; i <= 3; i++ {
			if _, err := tx.AppendReceipt(ctx, redemption.Receipt{
				ID: redemption.TransactionID(fmt.Sprintf("t%d", i)), UserID: "alice", Kind: redemption.KindRedeem,
			}); err != nil {
				return err
			}
		}
		return nil
	}))

	require.NoError(t, store.MarkDelivered(ctx, "t1", time.Now()))
	require.NoError(t, store.MarkDelivered(ctx, "t1", time.Now()), "marking twice is harmless")

	pending, err := store.UndeliveredReceipts(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, redemption.TransactionID("t2"), pending[0].ID)

	feed, err := store.ReceiptsAfter(ctx, pending[0].Seq, 0)
	require.NoError(t, err)
	require.Len(t, feed, 1)
	assert.Equal(t, redemption.TransactionID("t3"), feed[0].ID)

	assert.Error(t, store.MarkDelivered(ctx, "nope", time.Now()))
}

// =============================================================================
// ENGINE ON SQLITE
// =============================================================================

func TestEngine_RedeemScenario(t *testing.T) {
	store := newTestStore(t)
	e := newEngine(store)
	ctx := context.Background()
	credit(t, store, "alice", 5)
	_, err := store.SeedItem(ctx, redemption.CatalogItem{ID: "mug", Name: "Mug", Cost: 3, Remaining: 4})
	require.NoError(t, err)

	res, err := e.Redeem(ctx, "alice", "mug", "k1")
	require.NoError(t, err)
	assert.Equal(t, redemption.Points(2), res.Balance)

	again, err := e.Redeem(ctx, "alice", "mug", "k1")
	require.NoError(t, err)
	assert.True(t, again.Replayed)
	assert.Equal(t, res.Receipt.ID, again.Receipt.ID)

	item, _ := store.Item(ctx, "mug")
	assert.Equal(t, int64(3), item.Remaining)

	audit, err := e.AuditBalance(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, audit.Consistent())
}

func TestEngine_ConcurrentRedemptions_FileDatabase(t *testing.T) {
	// GIVEN: 3 units in stock and 12 funded buyers on separate connections
	// THEN: Exactly 3 succeed; stock ends at zero

	store := newFileStore(t)
	e := newEngine(store)
	ctx := context.Background()
	_, err := store.SeedItem(ctx, redemption.CatalogItem{ID: "plush", Name: "Plush", Cost: 3, Remaining: 3})
	require.NoError(t, err)

	const buyers = 12
	for i := 0; i < buyers; i++ {
		credit(t, store, redemption.UserID(fmt.Sprintf("u%d", i)), 3)
	}

	var wg sync.WaitGroup
	var ok int32
	for i := 0; i < buyers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := e.Redeem(ctx, redemption.UserID(fmt.Sprintf("u%d", i)), "plush", "buy")
			if err == nil {
				atomic.AddInt32(&ok, 1)
				return
			}
			assert.ErrorIs(t, err, redemption.ErrOutOfStock)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(3), ok)
	item, err := store.Item(ctx, "plush")
	require.NoError(t, err)
	assert.Equal(t, int64(0), item.Remaining)
}
