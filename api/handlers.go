/*
handlers.go - HTTP API handlers for the reward engine

PURPOSE:
  Exposes the transaction engine via REST API. Handles HTTP request and
  response, JSON serialization, and delegates to redemption.Engine.

ENDPOINTS:
  Users:
    GET    /api/users/{id}/balance     Points, draw count, pity progress
    POST   /api/users/{id}/redeem      Redeem a catalog item
    POST   /api/users/{id}/draw        One draw or a ten-draw
    POST   /api/users/{id}/pity        Claim a prize with pity progress
    GET    /api/users/{id}/receipts    Receipt history, newest first

  Catalog:
    GET    /api/catalog/items          Redeemable items and stock
    GET    /api/catalog/prizes         Prize pool with live probabilities

  Fulfillment:
    GET    /api/receipts?after=&limit= Global receipt feed, oldest first

  Admin (X-Admin-ID header):
    POST   /api/admin/grants           Credit points
    POST   /api/admin/reconcile        Settle stale intents now
    GET    /api/admin/audit/{id}       Replay a user's ledger

IDEMPOTENCY:
  Mutating endpoints read the Idempotency-Key header. A retried request
  with the same key returns the first receipt with replayed=true.

IDENTITY:
  The {id} path segment is trusted. Authentication happens upstream.

ERROR HANDLING:
  Errors are returned as JSON with the status chosen by statusFor:
  - 400: Invalid input
  - 402: Insufficient balance
  - 404: Unknown user, item or prize
  - 409: Out of stock, idempotency conflict, pity not reached
  - 503: Store unavailable or contended
  - 500: Invariant violation, internal errors

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"
	"github.com/taiyaki/reward-engine/gacha"
	"github.com/taiyaki/reward-engine/redemption"
)

const (
	idempotencyHeader = "Idempotency-Key"
	adminHeader       = "X-Admin-ID"

	defaultPageSize = 50
	maxPageSize     = 500
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine    *redemption.Engine
	Store     redemption.Store
	Recoverer *redemption.Recoverer

	// StaleAfter is the intent age the reconcile endpoint settles.
	StaleAfter time.Duration

	// IsAdmin decides which X-Admin-ID values are accepted on /api/admin.
	// Nil refuses everyone.
	IsAdmin func(id string) bool

	Log logrus.FieldLogger
}

// NewHandler creates a handler with a recoverer on the same store.
func NewHandler(engine *redemption.Engine, store redemption.Store, log logrus.FieldLogger) *Handler {
	return &Handler{
		Engine:     engine,
		Store:      store,
		Recoverer:  redemption.NewRecoverer(store, log),
		StaleAfter: 2 * time.Minute,
		Log:        log,
	}
}

// =============================================================================
// USER HANDLERS
// =============================================================================

// GetBalance returns the user's balance. Unknown users get known=false.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	user := redemption.UserID(chi.URLParam(r, "id"))

	bal, err := h.Engine.GetBalance(r.Context(), user)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	pity := gacha.Pity{Threshold: h.Engine.Config().PityThreshold}
	writeJSON(w, http.StatusOK, BalanceDTO{
		UserID:        string(user),
		Points:        int64(bal.Points),
		DrawCount:     bal.DrawCount,
		PityRemaining: pity.Remaining(bal.DrawCount),
		Known:         bal.Known,
	})
}

// Redeem spends points on a catalog item.
func (h *Handler) Redeem(w http.ResponseWriter, r *http.Request) {
	var req RedeemRequest
	if !decode(w, r, &req) {
		return
	}

	res, err := h.Engine.Redeem(r.Context(),
		redemption.UserID(chi.URLParam(r, "id")),
		redemption.ItemID(req.ItemID),
		r.Header.Get(idempotencyHeader))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionResponse(res))
}

// Draw runs one draw or a ten-draw.
func (h *Handler) Draw(w http.ResponseWriter, r *http.Request) {
	req := DrawRequest{Count: 1}
	if r.ContentLength != 0 && !decode(w, r, &req) {
		return
	}

	res, err := h.Engine.Draw(r.Context(),
		redemption.UserID(chi.URLParam(r, "id")),
		req.Count,
		r.Header.Get(idempotencyHeader))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionResponse(res))
}

// ClaimPity exchanges pity progress for a prize of the user's choice.
func (h *Handler) ClaimPity(w http.ResponseWriter, r *http.Request) {
	var req PityRequest
	if !decode(w, r, &req) {
		return
	}

	res, err := h.Engine.ClaimPity(r.Context(),
		redemption.UserID(chi.URLParam(r, "id")),
		redemption.PrizeID(req.PrizeID),
		r.Header.Get(idempotencyHeader))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionResponse(res))
}

// ListReceipts returns the user's receipts, newest first.
func (h *Handler) ListReceipts(w http.ResponseWriter, r *http.Request) {
	limit, err := pageSize(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid limit", err)
		return
	}

	receipts, err := h.Store.ListReceipts(r.Context(), redemption.UserID(chi.URLParam(r, "id")), limit)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toReceiptDTOs(receipts))
}

// =============================================================================
// CATALOG HANDLERS
// =============================================================================

func (h *Handler) ListItems(w http.ResponseWriter, r *http.Request) {
	items, err := h.Store.Items(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}

	dtos := make([]ItemDTO, len(items))
	for i, it := range items {
		dtos[i] = ItemDTO{ID: string(it.ID), Name: it.Name, Cost: int64(it.Cost), Remaining: it.Remaining}
	}
	writeJSON(w, http.StatusOK, dtos)
}

// ListPrizes returns the pool with each entry's current probability.
func (h *Handler) ListPrizes(w http.ResponseWriter, r *http.Request) {
	prizes, err := h.Store.Prizes(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}

	entries := make([]gacha.Entry, len(prizes))
	for i, p := range prizes {
		entries[i] = gacha.Entry{ID: string(p.ID), Weight: p.Weight, Remaining: p.Remaining}
	}
	probs, noWin := gacha.Probabilities(entries, h.Engine.Config().NoWinMass)

	resp := PrizePoolResponse{Prizes: make([]PrizeDTO, len(prizes)), NoWinProbability: noWin.String()}
	for i, p := range prizes {
		prob := probs[string(p.ID)]
		resp.Prizes[i] = PrizeDTO{
			ID:          string(p.ID),
			Name:        p.Name,
			Weight:      p.Weight.String(),
			Probability: prob.String(),
			Remaining:   p.Remaining,
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// =============================================================================
// FULFILLMENT FEED
// =============================================================================

// ReceiptFeed pages through every receipt in commit order. Pass the
// returned next_cursor as after to continue.
func (h *Handler) ReceiptFeed(w http.ResponseWriter, r *http.Request) {
	var after int64
	if s := r.URL.Query().Get("after"); s != "" {
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil || v < 0 {
			writeError(w, http.StatusBadRequest, "Invalid cursor", err)
			return
		}
		after = v
	}
	limit, err := pageSize(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid limit", err)
		return
	}

	receipts, err := h.Store.ReceiptsAfter(r.Context(), after, limit)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	resp := ReceiptFeedResponse{Receipts: toReceiptDTOs(receipts), NextCursor: after}
	if n := len(receipts); n > 0 {
		resp.NextCursor = receipts[n-1].Seq
	}
	writeJSON(w, http.StatusOK, resp)
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// CreateGrant credits points to a user.
func (h *Handler) CreateGrant(w http.ResponseWriter, r *http.Request) {
	var req GrantRequest
	if !decode(w, r, &req) {
		return
	}

	res, err := h.Engine.Grant(r.Context(),
		redemption.UserID(req.UserID),
		redemption.Points(req.Points),
		req.Reason,
		r.Header.Get(idempotencyHeader))
	if err != nil {
		writeDomainError(w, err)
		return
	}

	h.Log.WithFields(logrus.Fields{
		"admin_id": r.Header.Get(adminHeader),
		"user_id":  req.UserID,
		"points":   req.Points,
		"replayed": res.Replayed,
	}).Info("points granted")

	writeJSON(w, http.StatusOK, toTransactionResponse(res))
}

// Reconcile settles stale intents immediately.
func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	report, err := h.Recoverer.Reconcile(r.Context(), h.StaleAfter)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// AuditBalance replays a user's ledger. A mismatch is reported with 500
// and the audit body.
func (h *Handler) AuditBalance(w http.ResponseWriter, r *http.Request) {
	audit, err := h.Engine.AuditBalance(r.Context(), redemption.UserID(chi.URLParam(r, "id")))
	if errors.Is(err, redemption.ErrInvariantViolation) {
		writeJSON(w, http.StatusInternalServerError, toAuditDTO(audit))
		return
	}
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toAuditDTO(audit))
}

type pinger interface {
	Ping(ctx context.Context) error
}

// Health pings the store when it supports it.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if p, ok := h.Store.(pinger); ok {
		if err := p.Ping(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "Store unavailable", err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

func writeDomainError(w http.ResponseWriter, err error) {
	status, message := statusFor(err)
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	writeError(w, status, message, err)
}

// statusFor maps engine errors onto HTTP statuses.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, redemption.ErrInvalidRequest), errors.Is(err, redemption.ErrInvalidDrawCount):
		return http.StatusBadRequest, "Invalid request"
	case errors.Is(err, redemption.ErrInsufficientBalance):
		return http.StatusPaymentRequired, "Insufficient balance"
	case redemption.IsNotFound(err):
		return http.StatusNotFound, "Not found"
	case errors.Is(err, redemption.ErrOutOfStock):
		return http.StatusConflict, "Out of stock"
	case errors.Is(err, redemption.ErrIdempotencyKeyConflict), errors.Is(err, redemption.ErrDuplicateIdempotencyKey):
		return http.StatusConflict, "Idempotency key already used"
	case errors.Is(err, redemption.ErrPityNotReached):
		return http.StatusConflict, "Pity threshold not reached"
	case errors.Is(err, redemption.ErrPersistenceUnavailable), errors.Is(err, redemption.ErrConcurrentModification):
		return http.StatusServiceUnavailable, "Service temporarily unavailable"
	case errors.Is(err, redemption.ErrInvariantViolation):
		return http.StatusInternalServerError, "Invariant violation"
	default:
		return http.StatusInternalServerError, "Internal error"
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON", err)
		return false
	}
	return true
}

func pageSize(r *http.Request) (int, error) {
	s := r.URL.Query().Get("limit")
	if s == "" {
		return defaultPageSize, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, err
	}
	if n < 1 {
		return 0, errors.New("limit must be positive")
	}
	if n > maxPageSize {
		n = maxPageSize
	}
	return n, nil
}
