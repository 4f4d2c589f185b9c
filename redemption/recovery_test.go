package redemption_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/taiyaki/reward-engine/redemption"
	"github.com/taiyaki/reward-engine/store/memory"
)

func openStaleIntent(t *testing.T, store redemption.Store, id redemption.TransactionID, user redemption.UserID) {
	t.Helper()
	opened, err := store.OpenIntent(context.Background(), redemption.Intent{
		TransactionID: id,
		UserID:        user,
		Kind:          redemption.KindRedeem,
		Cost:          3,
		CreatedAt:     time.Now().Add(-time.Hour),
	})
	require.NoError(t, err)
	require.True(t, opened)
}

func TestRecoverer_ClassifiesStaleIntents(t *testing.T) {
	// GIVEN: Three stale intents
	//   - "done" has a receipt
	//   - "dangling" debited 3 points but never wrote a receipt
	//   - "empty" applied nothing
	// WHEN: Reconciling
	// THEN: completed / compensated / abandoned, all intents closed

	store := memory.New()
	e := newTestEngine(t, store)
	ctx := context.Background()
	fund(t, e, "alice", 10)

	openStaleIntent(t, store, "done", "alice")
	err := store.WithTx(ctx, func(tx redemption.Tx) error {
		_, err := tx.AppendReceipt(ctx, redemption.Receipt{ID: "done", UserID: "alice", Kind: redemption.KindRedeem})
		return err
	})
	require.NoError(t, err)

	openStaleIntent(t, store, "dangling", "alice")
	err = store.WithTx(ctx, func(tx redemption.Tx) error {
		_, err := tx.AdjustBalance(ctx, "alice", -3, redemption.EntryRef{Reference: "dangling", Reason: "redeem"})
		return err
	})
	require.NoError(t, err)

	openStaleIntent(t, store, "empty", "alice")

	rec := redemption.NewRecoverer(store, quietLogger())
	report, err := rec.Reconcile(ctx, time.Minute)
	require.NoError(t, err)

	assert.Equal(t, redemption.RecoveryReport{Completed: 1, Compensated: 1, Abandoned: 1}, report)

	bal, _ := e.GetBalance(ctx, "alice")
	assert.Equal(t, redemption.Points(10), bal.Points, "dangling debit reversed")

	entries, _ := store.EntriesFor(ctx, "dangling")
	require.Len(t, entries, 2)
	assert.Equal(t, redemption.ReasonReversal, entries[1].Reason)
	assert.Equal(t, redemption.Points(3), entries[1].Delta)

	intents, _ := store.StaleIntents(ctx, time.Now().Add(time.Hour))
	assert.Empty(t, intents)

	audit, err := e.AuditBalance(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, audit.Consistent())
}

func TestRecoverer_IgnoresFreshIntents(t *testing.T) {
	store := memory.New()
	ctx := context.Background()

	_, err := store.OpenIntent(ctx, redemption.Intent{TransactionID: "fresh", UserID: "alice", CreatedAt: time.Now()})
	require.NoError(t, err)

	report, err := redemption.NewRecoverer(store, quietLogger()).Reconcile(ctx, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, redemption.RecoveryReport{}, report)

	intents, _ := store.StaleIntents(ctx, time.Now().Add(time.Hour))
	assert.Len(t, intents, 1)
}

func TestRecoverer_IsIdempotent(t *testing.T) {
	store := memory.New()
	e := newTestEngine(t, store)
	ctx := context.Background()
	fund(t, e, "alice", 10)

	openStaleIntent(t, store, "dangling", "alice")
	require.NoError(t, store.WithTx(ctx, func(tx redemption.Tx) error {
		_, err := tx.AdjustBalance(ctx, "alice", -3, redemption.EntryRef{Reference: "dangling", Reason: "draw"})
		return err
	}))

	rec := redemption.NewRecoverer(store, quietLogger())
	_, err := rec.Reconcile(ctx, time.Minute)
	require.NoError(t, err)

	// A second marker for the same transaction finds net zero.
	openStaleIntent(t, store, "dangling", "alice")
	report, err := rec.Reconcile(ctx, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Abandoned)

	bal, _ := e.GetBalance(ctx, "alice")
	assert.Equal(t, redemption.Points(10), bal.Points)
}
