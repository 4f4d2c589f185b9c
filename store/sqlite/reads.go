package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/taiyaki/reward-engine/redemption"
)

// conn holds the statements shared by the store and its transactions.
type conn struct {
	q querier
}

// =============================================================================
// BALANCES AND INVENTORY (redemption.Reader interface)
// =============================================================================

func (c conn) Balance(ctx context.Context, user redemption.UserID) (redemption.Balance, error) {
	bal := redemption.Balance{UserID: user}
	var points int64
	err := c.q.QueryRowContext(ctx,
		"SELECT points, draw_count FROM balances WHERE user_id = ?", user,
	).Scan(&points, &bal.DrawCount)
	if errors.Is(err, sql.ErrNoRows) {
		return bal, nil
	}
	if err != nil {
		return bal, mapError("load balance", err)
	}
	bal.Points = redemption.Points(points)
	bal.Known = true
	return bal, nil
}

func (c conn) Item(ctx context.Context, id redemption.ItemID) (redemption.CatalogItem, error) {
	var item redemption.CatalogItem
	var cost int64
	err := c.q.QueryRowContext(ctx,
		"SELECT id, name, cost, remaining FROM catalog_items WHERE id = ?", id,
	).Scan(&item.ID, &item.Name, &cost, &item.Remaining)
	if errors.Is(err, sql.ErrNoRows) {
		return item, redemption.ErrItemNotFound
	}
	if err != nil {
		return item, mapError("load item", err)
	}
	item.Cost = redemption.Points(cost)
	return item, nil
}

func (c conn) Items(ctx context.Context) ([]redemption.CatalogItem, error) {
	rows, err := c.q.QueryContext(ctx, "SELECT id, name, cost, remaining FROM catalog_items ORDER BY id ASC")
	if err != nil {
		return nil, mapError("list items", err)
	}
	defer rows.Close()

	var items []redemption.CatalogItem
	for rows.Next() {
		var item redemption.CatalogItem
		var cost int64
		if err := rows.Scan(&item.ID, &item.Name, &cost, &item.Remaining); err != nil {
			return nil, fmt.Errorf("failed to scan item: %w", err)
		}
		item.Cost = redemption.Points(cost)
		items = append(items, item)
	}
	return items, rows.Err()
}

func (c conn) Prize(ctx context.Context, id redemption.PrizeID) (redemption.PrizeEntry, error) {
	row := c.q.QueryRowContext(ctx, "SELECT id, name, weight, remaining FROM prize_entries WHERE id = ?", id)
	prize, err := scanPrize(row)
	if errors.Is(err, sql.ErrNoRows) {
		return prize, redemption.ErrPrizeNotFound
	}
	if err != nil {
		return prize, mapError("load prize", err)
	}
	return prize, nil
}

func (c conn) Prizes(ctx context.Context) ([]redemption.PrizeEntry, error) {
	rows, err := c.q.QueryContext(ctx, "SELECT id, name, weight, remaining FROM prize_entries ORDER BY id ASC")
	if err != nil {
		return nil, mapError("list prizes", err)
	}
	defer rows.Close()

	var prizes []redemption.PrizeEntry
	for rows.Next() {
		prize, err := scanPrize(rows)
		if err != nil {
			return nil, err
		}
		prizes = append(prizes, prize)
	}
	return prizes, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPrize(row scanner) (redemption.PrizeEntry, error) {
	var prize redemption.PrizeEntry
	var weight string
	if err := row.Scan(&prize.ID, &prize.Name, &weight, &prize.Remaining); err != nil {
		return prize, err
	}
	w, err := decimal.NewFromString(weight)
	if err != nil {
		return prize, fmt.Errorf("prize %s: invalid weight %q: %w", prize.ID, weight, err)
	}
	prize.Weight = w
	return prize, nil
}

// =============================================================================
// RECEIPTS
// =============================================================================

const receiptColumns = `seq, id, user_id, idempotency_key, kind, outcomes_json, points_delta, bonus_points, created_at`

func (c conn) FindReceipt(ctx context.Context, user redemption.UserID, key string) (*redemption.Receipt, error) {
	row := c.q.QueryRowContext(ctx,
		"SELECT "+receiptColumns+" FROM receipts WHERE user_id = ? AND idempotency_key = ?", user, key)
	return optionalReceipt(row)
}

func (c conn) ReceiptByID(ctx context.Context, id redemption.TransactionID) (*redemption.Receipt, error) {
	row := c.q.QueryRowContext(ctx, "SELECT "+receiptColumns+" FROM receipts WHERE id = ?", id)
	return optionalReceipt(row)
}

func optionalReceipt(row scanner) (*redemption.Receipt, error) {
	r, err := scanReceipt(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, mapError("load receipt", err)
	}
	return &r, nil
}

func (c conn) queryReceipts(ctx context.Context, query string, args ...any) ([]redemption.Receipt, error) {
	rows, err := c.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapError("query receipts", err)
	}
	defer rows.Close()

	var receipts []redemption.Receipt
	for rows.Next() {
		r, err := scanReceipt(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan receipt: %w", err)
		}
		receipts = append(receipts, r)
	}
	return receipts, rows.Err()
}

func scanReceipt(row scanner) (redemption.Receipt, error) {
	var (
		r              redemption.Receipt
		idempotencyKey sql.NullString
		outcomesJSON   string
		pointsDelta    int64
		bonusPoints    int64
		createdAt      string
	)
	err := row.Scan(&r.Seq, &r.ID, &r.UserID, &idempotencyKey, &r.Kind,
		&outcomesJSON, &pointsDelta, &bonusPoints, &createdAt)
	if err != nil {
		return r, err
	}
	if err := json.Unmarshal([]byte(outcomesJSON), &r.Outcomes); err != nil {
		return r, fmt.Errorf("receipt %s: invalid outcomes: %w", r.ID, err)
	}
	r.IdempotencyKey = idempotencyKey.String
	r.PointsDelta = redemption.Points(pointsDelta)
	r.BonusPoints = redemption.Points(bonusPoints)
	if r.CreatedAt, err = parseTime(createdAt); err != nil {
		return r, fmt.Errorf("receipt %s: %w", r.ID, err)
	}
	return r, nil
}

// =============================================================================
// LEDGER ENTRIES
// =============================================================================

func (c conn) EntriesFor(ctx context.Context, id redemption.TransactionID) ([]redemption.LedgerEntry, error) {
	return c.queryEntries(ctx,
		"SELECT id, user_id, delta, reference, reason, created_at FROM ledger_entries WHERE reference = ? ORDER BY id ASC", id)
}

func (c conn) queryEntries(ctx context.Context, query string, args ...any) ([]redemption.LedgerEntry, error) {
	rows, err := c.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapError("query ledger entries", err)
	}
	defer rows.Close()

	var entries []redemption.LedgerEntry
	for rows.Next() {
		var (
			e         redemption.LedgerEntry
			delta     int64
			reason    sql.NullString
			createdAt string
		)
		if err := rows.Scan(&e.ID, &e.UserID, &delta, &e.Reference, &reason, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
		}
		e.Delta = redemption.Points(delta)
		e.Reason = reason.String
		var err error
		if e.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("ledger entry %d: %w", e.ID, err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// =============================================================================
// INTENTS
// =============================================================================

func (c conn) CloseIntent(ctx context.Context, id redemption.TransactionID) error {
	if _, err := c.q.ExecContext(ctx, "DELETE FROM pending_intents WHERE transaction_id = ?", id); err != nil {
		return mapError("close intent", err)
	}
	return nil
}
