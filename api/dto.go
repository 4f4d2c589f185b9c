/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the domain model in redemption/ from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

TYPES:
  Balance:      BalanceDTO
  Transactions: RedeemRequest, DrawRequest, PityRequest, GrantRequest,
                TransactionResponse, ReceiptDTO
  Catalog:      ItemDTO, PrizeDTO, PrizePoolResponse
  Admin:        AuditDTO (recovery uses redemption.RecoveryReport as is)

VALIDATION:
  Validation is done by the engine, not in DTOs. DTOs are pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
  - redemption/types.go: Domain types
*/
package api

import (
	"time"

	"github.com/taiyaki/reward-engine/redemption"
)

// =============================================================================
// REQUEST TYPES
// =============================================================================

type RedeemRequest struct {
	ItemID string `json:"item_id"`
}

type DrawRequest struct {
	Count int `json:"count"`
}

type PityRequest struct {
	PrizeID string `json:"prize_id"`
}

// GrantRequest credits points to a user. Admin only.
type GrantRequest struct {
	UserID string `json:"user_id"`
	Points int64  `json:"points"`
	Reason string `json:"reason"`
}

// =============================================================================
// RESPONSE TYPES
// =============================================================================

// BalanceDTO is a user's balance. Known is false for a user who never
// received a credit; Points is then 0.
type BalanceDTO struct {
	UserID        string `json:"user_id"`
	Points        int64  `json:"points"`
	DrawCount     int64  `json:"draw_count"`
	PityRemaining int64  `json:"pity_remaining"`
	Known         bool   `json:"known"`
}

// ReceiptDTO represents a committed transaction.
type ReceiptDTO struct {
	TransactionID  string               `json:"transaction_id"`
	Seq            int64                `json:"seq"`
	UserID         string               `json:"user_id"`
	IdempotencyKey string               `json:"idempotency_key,omitempty"`
	Kind           string               `json:"kind"`
	Outcomes       []redemption.Outcome `json:"outcomes"`
	OutcomeName    string               `json:"outcome_name"`
	PointsDelta    int64                `json:"points_delta"`
	BonusPoints    int64                `json:"bonus_points,omitempty"`
	CreatedAt      string               `json:"created_at"`
}

// TransactionResponse is returned by every mutating user endpoint.
type TransactionResponse struct {
	Receipt  ReceiptDTO `json:"receipt"`
	Balance  int64      `json:"balance"`
	Replayed bool       `json:"replayed"`
}

// ReceiptFeedResponse is a page of the global receipt log.
type ReceiptFeedResponse struct {
	Receipts   []ReceiptDTO `json:"receipts"`
	NextCursor int64        `json:"next_cursor"`
}

type ItemDTO struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Cost      int64  `json:"cost"`
	Remaining int64  `json:"remaining"`
}

// PrizeDTO carries the configured weight and the current effective
// probability, which moves as entries sell out.
type PrizeDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Weight      string `json:"weight"`
	Probability string `json:"probability"`
	Remaining   int64  `json:"remaining"`
}

type PrizePoolResponse struct {
	Prizes           []PrizeDTO `json:"prizes"`
	NoWinProbability string     `json:"no_win_probability"`
}

type AuditDTO struct {
	UserID     string `json:"user_id"`
	Stored     int64  `json:"stored"`
	Replayed   int64  `json:"replayed"`
	Entries    int    `json:"entries"`
	Consistent bool   `json:"consistent"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toReceiptDTO(r redemption.Receipt) ReceiptDTO {
	outcomes := r.Outcomes
	if outcomes == nil {
		outcomes = []redemption.Outcome{}
	}
	return ReceiptDTO{
		TransactionID:  string(r.ID),
		Seq:            r.Seq,
		UserID:         string(r.UserID),
		IdempotencyKey: r.IdempotencyKey,
		Kind:           string(r.Kind),
		Outcomes:       outcomes,
		OutcomeName:    r.OutcomeName(),
		PointsDelta:    int64(r.PointsDelta),
		BonusPoints:    int64(r.BonusPoints),
		CreatedAt:      r.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}

func toReceiptDTOs(receipts []redemption.Receipt) []ReceiptDTO {
	dtos := make([]ReceiptDTO, len(receipts))
	for i, r := range receipts {
		dtos[i] = toReceiptDTO(r)
	}
	return dtos
}

func toTransactionResponse(res *redemption.Result) TransactionResponse {
	return TransactionResponse{
		Receipt:  toReceiptDTO(res.Receipt),
		Balance:  int64(res.Balance),
		Replayed: res.Replayed,
	}
}

func toAuditDTO(a redemption.Audit) AuditDTO {
	return AuditDTO{
		UserID:     string(a.UserID),
		Stored:     int64(a.Stored),
		Replayed:   int64(a.Replayed),
		Entries:    a.Entries,
		Consistent: a.Consistent(),
	}
}
