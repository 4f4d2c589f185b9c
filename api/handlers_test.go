/*
handlers_test.go - HTTP tests for the reward API

Tests for:
- Redeem, draw and pity flows over HTTP
- Idempotent retries through the Idempotency-Key header
- Error to status mapping
- Admin gate, grants, audit and reconcile
- Fulfillment feed paging
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
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

type testServer struct {
	t      *testing.T
	store  *sqlite.Store
	router http.Handler
}

func newTestServer(t *testing.T, random float64) *testServer {
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	log := logging.Discard()

	cfg := redemption.DefaultConfig()
	cfg.RetryBackoff = time.Millisecond
	engine := redemption.NewEngine(store, cfg, log, redemption.WithRandom(func() float64 { return random }))

	ctx := context.Background()
	_, err = store.SeedItem(ctx, redemption.CatalogItem{ID: "sticker", Name: "Sticker Pack", Cost: 3, Remaining: 1})
	require.NoError(t, err)
	_, err = store.SeedPrize(ctx, redemption.PrizeEntry{ID: "plush", Name: "Taiyaki Plush", Weight: decimal.RequireFromString("0.25"), Remaining: 2})
	require.NoError(t, err)

	h := NewHandler(engine, store, log)
	h.IsAdmin = func(id string) bool { return id == "ops" }
	return &testServer{t: t, store: store, router: NewRouter(h, nil)}
}

func (s *testServer) do(method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	s.t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(s.t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) grant(user string, points int64) {
	s.t.Helper()
	rec := s.do("POST", "/api/admin/grants", GrantRequest{UserID: user, Points: points, Reason: "signup"},
		map[string]string{adminHeader: "ops"})
	require.Equal(s.t, http.StatusOK, rec.Code, rec.Body.String())
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

// =============================================================================
// USER FLOWS
// =============================================================================

func TestRedeem_OverHTTP(t *testing.T) {
	// GIVEN: alice with 5 points, one sticker in stock
	// WHEN: Redeeming it, then retrying with the same key, then a new key
	// THEN: 200 with balance 2, replayed on retry, 409 once sold out

	s := newTestServer(t, 0.5)
	s.grant("alice", 5)

	key := map[string]string{idempotencyHeader: "order-1"}
	rec := s.do("POST", "/api/users/alice/redeem", RedeemRequest{ItemID: "sticker"}, key)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	first := decodeBody[TransactionResponse](t, rec)
	assert.Equal(t, int64(2), first.Balance)
	assert.Equal(t, int64(-3), first.Receipt.PointsDelta)
	assert.Equal(t, "Sticker Pack", first.Receipt.OutcomeName)
	assert.False(t, first.Replayed)

	rec = s.do("POST", "/api/users/alice/redeem", RedeemRequest{ItemID: "sticker"}, key)
	require.Equal(t, http.StatusOK, rec.Code)
	again := decodeBody[TransactionResponse](t, rec)
	assert.True(t, again.Replayed)
	assert.Equal(t, first.Receipt.TransactionID, again.Receipt.TransactionID)

	s.grant("bob", 10)
	rec = s.do("POST", "/api/users/bob/redeem", RedeemRequest{ItemID: "sticker"}, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestErrorStatuses(t *testing.T) {
	s := newTestServer(t, 0.5)
	s.grant("alice", 2)

	cases := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"insufficient balance", "POST", "/api/users/alice/redeem", RedeemRequest{ItemID: "sticker"}, http.StatusPaymentRequired},
		{"unknown item", "POST", "/api/users/alice/redeem", RedeemRequest{ItemID: "yacht"}, http.StatusNotFound},
		{"missing item", "POST", "/api/users/alice/redeem", RedeemRequest{}, http.StatusBadRequest},
		{"bad draw count", "POST", "/api/users/alice/draw", DrawRequest{Count: 5}, http.StatusBadRequest},
		{"unknown user draws", "POST", "/api/users/ghost/draw", DrawRequest{Count: 1}, http.StatusPaymentRequired},
		{"pity not reached", "POST", "/api/users/alice/pity", PityRequest{PrizeID: "plush"}, http.StatusConflict},
		{"bad limit", "GET", "/api/users/alice/receipts?limit=x", nil, http.StatusBadRequest},
		{"bad cursor", "GET", "/api/receipts?after=-1", nil, http.StatusBadRequest},
		{"no route", "GET", "/api/nope", nil, http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := s.do(tc.method, tc.path, tc.body, nil)
			assert.Equal(t, tc.want, rec.Code, rec.Body.String())
			resp := decodeBody[ErrorResponse](t, rec)
			assert.NotEmpty(t, resp.Error)
		})
	}

	rec := s.do("POST", "/api/users/alice/redeem", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "empty body is invalid JSON")
}

func TestStatusFor_StoreErrors(t *testing.T) {
	status, _ := statusFor(redemption.Unavailable("load", errors.New("disk gone")))
	assert.Equal(t, http.StatusServiceUnavailable, status)

	status, _ = statusFor(fmt.Errorf("scope: %w", redemption.ErrConcurrentModification))
	assert.Equal(t, http.StatusServiceUnavailable, status)

	status, _ = statusFor(&redemption.InvariantViolationError{Subject: "balance", ID: "alice", Value: -1})
	assert.Equal(t, http.StatusInternalServerError, status)

	status, _ = statusFor(redemption.ErrIdempotencyKeyConflict)
	assert.Equal(t, http.StatusConflict, status)

	rec := httptest.NewRecorder()
	writeDomainError(rec, redemption.ErrPersistenceUnavailable)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
}

func TestDraw_AndBalance(t *testing.T) {
	// GIVEN: r=0.1 lands on plush (weight 0.25 of mass 1.25)
	// WHEN: alice draws once with an empty body
	// THEN: She wins plush, pays 3, and her draw count is 1

	s := newTestServer(t, 0.1)
	s.grant("alice", 10)

	rec := s.do("POST", "/api/users/alice/draw", nil, map[string]string{idempotencyHeader: "d1"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decodeBody[TransactionResponse](t, rec)
	require.Len(t, resp.Receipt.Outcomes, 1)
	assert.Equal(t, "plush", resp.Receipt.Outcomes[0].ID)
	assert.Equal(t, int64(7), resp.Balance)

	rec = s.do("GET", "/api/users/alice/balance", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	bal := decodeBody[BalanceDTO](t, rec)
	assert.True(t, bal.Known)
	assert.Equal(t, int64(7), bal.Points)
	assert.Equal(t, int64(1), bal.DrawCount)
	assert.Equal(t, int64(34), bal.PityRemaining)

	rec = s.do("GET", "/api/users/nobody/balance", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	bal = decodeBody[BalanceDTO](t, rec)
	assert.False(t, bal.Known)
	assert.Equal(t, int64(0), bal.Points)

	rec = s.do("GET", "/api/users/alice/receipts", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	receipts := decodeBody[[]ReceiptDTO](t, rec)
	require.Len(t, receipts, 2)
	assert.Equal(t, "draw", receipts[0].Kind, "newest first")
	assert.Equal(t, "grant", receipts[1].Kind)
}

// =============================================================================
// CATALOG AND FEED
// =============================================================================

func TestCatalog(t *testing.T) {
	s := newTestServer(t, 0.5)

	rec := s.do("GET", "/api/catalog/items", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	items := decodeBody[[]ItemDTO](t, rec)
	require.Len(t, items, 1)
	assert.Equal(t, int64(3), items[0].Cost)

	rec = s.do("GET", "/api/catalog/prizes", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	pool := decodeBody[PrizePoolResponse](t, rec)
	require.Len(t, pool.Prizes, 1)
	assert.True(t, decimal.RequireFromString(pool.Prizes[0].Probability).Equal(decimal.RequireFromString("0.2")))
	assert.True(t, decimal.RequireFromString(pool.NoWinProbability).Equal(decimal.RequireFromString("0.8")))
}

func TestReceiptFeed_Pages(t *testing.T) {
	s := newTestServer(t, 0.5)
	for i := 0; i < 5; i++ {
		s.grant(fmt.Sprintf("user-%d", i), 1)
	}

	rec := s.do("GET", "/api/receipts?limit=3", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	page := decodeBody[ReceiptFeedResponse](t, rec)
	require.Len(t, page.Receipts, 3)
	assert.Equal(t, "user-0", page.Receipts[0].UserID)

	rec = s.do("GET", fmt.Sprintf("/api/receipts?after=%d&limit=3", page.NextCursor), nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	next := decodeBody[ReceiptFeedResponse](t, rec)
	require.Len(t, next.Receipts, 2)
	assert.Equal(t, "user-3", next.Receipts[0].UserID)

	rec = s.do("GET", fmt.Sprintf("/api/receipts?after=%d", next.NextCursor), nil, nil)
	empty := decodeBody[ReceiptFeedResponse](t, rec)
	assert.Empty(t, empty.Receipts)
	assert.Equal(t, next.NextCursor, empty.NextCursor)
}

// =============================================================================
// ADMIN
// =============================================================================

func TestAdmin_Gate(t *testing.T) {
	s := newTestServer(t, 0.5)
	body := GrantRequest{UserID: "alice", Points: 5}

	rec := s.do("POST", "/api/admin/grants", body, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = s.do("POST", "/api/admin/grants", body, map[string]string{adminHeader: "alice"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do("POST", "/api/admin/grants", GrantRequest{UserID: "alice", Points: 0},
		map[string]string{adminHeader: "ops"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdmin_AuditAndReconcile(t *testing.T) {
	s := newTestServer(t, 0.5)
	s.grant("alice", 5)
	admin := map[string]string{adminHeader: "ops"}

	rec := s.do("GET", "/api/admin/audit/alice", nil, admin)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	audit := decodeBody[AuditDTO](t, rec)
	assert.True(t, audit.Consistent)
	assert.Equal(t, int64(5), audit.Replayed)

	rec = s.do("GET", "/api/admin/audit/ghost", nil, admin)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// An intent abandoned before its scope opened
	_, err := s.store.OpenIntent(context.Background(), redemption.Intent{
		TransactionID: "tx-lost", UserID: "alice", Kind: redemption.KindDraw, Cost: 3,
		CreatedAt: time.Now().Add(-time.Hour),
	})
	require.NoError(t, err)

	rec = s.do("POST", "/api/admin/reconcile", nil, admin)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	report := decodeBody[redemption.RecoveryReport](t, rec)
	assert.Equal(t, 1, report.Abandoned)
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, 0.5)
	rec := s.do("GET", "/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Content-Type"))
}
