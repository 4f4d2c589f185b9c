package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/taiyaki/reward-engine/redemption"
)

// =============================================================================
// RECEIPT LOG AND LEDGER (redemption.ReceiptLog, redemption.Ledger)
// =============================================================================

func (s *Store) ListReceipts(ctx context.Context, user redemption.UserID, limit int) ([]redemption.Receipt, error) {
	return s.queryReceipts(ctx,
		"SELECT "+receiptColumns+" FROM receipts WHERE user_id = ? ORDER BY seq DESC LIMIT ?",
		user, limitArg(limit))
}

func (s *Store) ReceiptsAfter(ctx context.Context, after int64, limit int) ([]redemption.Receipt, error) {
	return s.queryReceipts(ctx,
		"SELECT "+receiptColumns+" FROM receipts WHERE seq > ? ORDER BY seq ASC LIMIT ?",
		after, limitArg(limit))
}

func (s *Store) Entries(ctx context.Context, user redemption.UserID) ([]redemption.LedgerEntry, error) {
	return s.queryEntries(ctx,
		"SELECT id, user_id, delta, reference, reason, created_at FROM ledger_entries WHERE user_id = ? ORDER BY id ASC", user)
}

// =============================================================================
// JOURNAL (redemption.Journal)
// =============================================================================

func (s *Store) OpenIntent(ctx context.Context, in redemption.Intent) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO pending_intents (transaction_id, idempotency_key, user_id, kind, cost, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(transaction_id) DO NOTHING
	`, in.TransactionID, nullString(in.IdempotencyKey), in.UserID, in.Kind, int64(in.Cost), formatTime(in.CreatedAt))
	if err != nil {
		return false, mapError("open intent", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, mapError("open intent", err)
	}
	return n == 1, nil
}

func (s *Store) StaleIntents(ctx context.Context, olderThan time.Time) ([]redemption.Intent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT transaction_id, idempotency_key, user_id, kind, cost, created_at
		FROM pending_intents
		WHERE created_at < ?
		ORDER BY created_at ASC, transaction_id ASC
	`, formatTime(olderThan))
	if err != nil {
		return nil, mapError("list stale intents", err)
	}
	defer rows.Close()

	var intents []redemption.Intent
	for rows.Next() {
		var (
			in        redemption.Intent
			key       sql.NullString
			cost      int64
			createdAt string
		)
		if err := rows.Scan(&in.TransactionID, &key, &in.UserID, &in.Kind, &cost, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan intent: %w", err)
		}
		in.IdempotencyKey = key.String
		in.Cost = redemption.Points(cost)
		var err error
		if in.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("intent %s: %w", in.TransactionID, err)
		}
		intents = append(intents, in)
	}
	return intents, rows.Err()
}

// =============================================================================
// OUTBOX (redemption.Outbox)
// =============================================================================

func (s *Store) UndeliveredReceipts(ctx context.Context, limit int) ([]redemption.Receipt, error) {
	return s.queryReceipts(ctx, `
		SELECT r.seq, r.id, r.user_id, r.idempotency_key, r.kind, r.outcomes_json,
		       r.points_delta, r.bonus_points, r.created_at
		FROM receipts r
		LEFT JOIN receipt_deliveries d ON d.receipt_id = r.id
		WHERE d.receipt_id IS NULL
		ORDER BY r.seq ASC
		LIMIT ?
	`, limitArg(limit))
}

func (s *Store) MarkDelivered(ctx context.Context, id redemption.TransactionID, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO receipt_deliveries (receipt_id, delivered_at) VALUES (?, ?)
		ON CONFLICT(receipt_id) DO NOTHING
	`, id, formatTime(at))
	if err != nil {
		return mapError("mark delivered", err)
	}
	return nil
}

// =============================================================================
// CATALOG (redemption.CatalogWriter)
// =============================================================================

func (s *Store) SeedItem(ctx context.Context, item redemption.CatalogItem) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO catalog_items (id, name, cost, remaining) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, item.ID, item.Name, int64(item.Cost), item.Remaining)
	if err != nil {
		return false, mapError("seed item", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (s *Store) SeedPrize(ctx context.Context, prize redemption.PrizeEntry) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO prize_entries (id, name, weight, remaining) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, prize.ID, prize.Name, prize.Weight.String(), prize.Remaining)
	if err != nil {
		return false, mapError("seed prize", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}
