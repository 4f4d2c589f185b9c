package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/taiyaki/reward-engine/redemption"
)

// =============================================================================
// CONDITIONAL ADJUSTMENTS (redemption.Tx interface)
// =============================================================================

// AdjustBalance applies delta in one statement. Credits upsert the row so
// the first grant creates the user.
func (ts *txStore) AdjustBalance(ctx context.Context, user redemption.UserID, delta redemption.Points, ref redemption.EntryRef) (redemption.Points, error) {
	stamp := now()
	var points int64
	var err error

	if delta > 0 {
		err = ts.q.QueryRowContext(ctx, `
			INSERT INTO balances (user_id, points, draw_count, updated_at)
			VALUES (?, ?, 0, ?)
			ON CONFLICT(user_id) DO UPDATE
			SET points = points + excluded.points, updated_at = excluded.updated_at
			RETURNING points
		`, user, int64(delta), stamp).Scan(&points)
	} else {
		err = ts.q.QueryRowContext(ctx, `
			UPDATE balances SET points = points + ?, updated_at = ?
			WHERE user_id = ? AND points + ? >= 0
			RETURNING points
		`, int64(delta), stamp, user, int64(delta)).Scan(&points)
		if errors.Is(err, sql.ErrNoRows) {
			bal, berr := ts.Balance(ctx, user)
			if berr != nil {
				return 0, berr
			}
			return bal.Points, &redemption.InsufficientBalanceError{UserID: user, Available: bal.Points, Requested: -delta}
		}
	}
	if err != nil {
		return 0, mapError("adjust balance", err)
	}

	_, err = ts.q.ExecContext(ctx, `
		INSERT INTO ledger_entries (user_id, delta, reference, reason, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, user, int64(delta), ref.Reference, nullString(ref.Reason), stamp)
	if err != nil {
		return 0, mapError("append ledger entry", err)
	}

	return redemption.Points(points), nil
}

func (ts *txStore) AdjustDrawCount(ctx context.Context, user redemption.UserID, delta int64) (int64, error) {
	var count int64
	var err error

	if delta > 0 {
		err = ts.q.QueryRowContext(ctx, `
			INSERT INTO balances (user_id, points, draw_count, updated_at)
			VALUES (?, 0, ?, ?)
			ON CONFLICT(user_id) DO UPDATE
			SET draw_count = draw_count + excluded.draw_count, updated_at = excluded.updated_at
			RETURNING draw_count
		`, user, delta, now()).Scan(&count)
	} else {
		err = ts.q.QueryRowContext(ctx, `
			UPDATE balances SET draw_count = draw_count + ?, updated_at = ?
			WHERE user_id = ? AND draw_count + ? >= 0
			RETURNING draw_count
		`, delta, now(), user, delta).Scan(&count)
		if errors.Is(err, sql.ErrNoRows) {
			return 0, redemption.ErrPityNotReached
		}
	}
	if err != nil {
		return 0, mapError("adjust draw count", err)
	}
	return count, nil
}

func (ts *txStore) AdjustItemStock(ctx context.Context, id redemption.ItemID, delta int64) (int64, error) {
	var remaining int64
	err := ts.q.QueryRowContext(ctx, `
		UPDATE catalog_items SET remaining = remaining + ?
		WHERE id = ? AND remaining + ? >= 0
		RETURNING remaining
	`, delta, id, delta).Scan(&remaining)
	if errors.Is(err, sql.ErrNoRows) {
		if _, ierr := ts.Item(ctx, id); ierr != nil {
			return 0, ierr
		}
		return 0, &redemption.OutOfStockError{Resource: "item", ID: string(id)}
	}
	if err != nil {
		return 0, mapError("adjust item stock", err)
	}
	return remaining, nil
}

func (ts *txStore) AdjustPrizeStock(ctx context.Context, id redemption.PrizeID, delta int64) (int64, error) {
	var remaining int64
	err := ts.q.QueryRowContext(ctx, `
		UPDATE prize_entries SET remaining = remaining + ?
		WHERE id = ? AND remaining + ? >= 0
		RETURNING remaining
	`, delta, id, delta).Scan(&remaining)
	if errors.Is(err, sql.ErrNoRows) {
		if _, perr := ts.Prize(ctx, id); perr != nil {
			return 0, perr
		}
		return 0, &redemption.OutOfStockError{Resource: "prize", ID: string(id)}
	}
	if err != nil {
		return 0, mapError("adjust prize stock", err)
	}
	return remaining, nil
}

// =============================================================================
// APPENDS
// =============================================================================

func (ts *txStore) AppendReceipt(ctx context.Context, r redemption.Receipt) (redemption.Receipt, error) {
	if r.Outcomes == nil {
		r.Outcomes = []redemption.Outcome{}
	}
	outcomesJSON, err := json.Marshal(r.Outcomes)
	if err != nil {
		return r, fmt.Errorf("failed to encode outcomes: %w", err)
	}

	err = ts.q.QueryRowContext(ctx, `
		INSERT INTO receipts
		(id, user_id, idempotency_key, kind, outcomes_json, points_delta, bonus_points, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING seq
	`,
		r.ID,
		r.UserID,
		nullString(r.IdempotencyKey),
		r.Kind,
		string(outcomesJSON),
		int64(r.PointsDelta),
		int64(r.BonusPoints),
		formatTime(r.CreatedAt),
	).Scan(&r.Seq)
	if err != nil {
		return r, mapError("append receipt", err)
	}
	return r, nil
}
