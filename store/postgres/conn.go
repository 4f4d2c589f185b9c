package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/taiyaki/reward-engine/redemption"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// conn holds the queries shared by the store and its transactions.
type conn struct {
	db *gorm.DB
}

// =============================================================================
// READS (redemption.Reader interface)
// =============================================================================

func (c conn) Balance(ctx context.Context, user redemption.UserID) (redemption.Balance, error) {
	var row balanceRow
	err := c.db.WithContext(ctx).Where("user_id = ?", string(user)).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return redemption.Balance{UserID: user}, nil
	}
	if err != nil {
		return redemption.Balance{}, mapError("load balance", err)
	}
	return redemption.Balance{UserID: user, Points: redemption.Points(row.Points), DrawCount: row.DrawCount, Known: true}, nil
}

func (c conn) Item(ctx context.Context, id redemption.ItemID) (redemption.CatalogItem, error) {
	var row itemRow
	err := c.db.WithContext(ctx).Where("id = ?", string(id)).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return redemption.CatalogItem{}, redemption.ErrItemNotFound
	}
	if err != nil {
		return redemption.CatalogItem{}, mapError("load item", err)
	}
	return row.toItem(), nil
}

func (c conn) Items(ctx context.Context) ([]redemption.CatalogItem, error) {
	var rows []itemRow
	if err := c.db.WithContext(ctx).Order("id ASC").Find(&rows).Error; err != nil {
		return nil, mapError("list items", err)
	}
	items := make([]redemption.CatalogItem, 0, len(rows))
	for _, row := range rows {
		items = append(items, row.toItem())
	}
	return items, nil
}

func (c conn) Prize(ctx context.Context, id redemption.PrizeID) (redemption.PrizeEntry, error) {
	var row prizeRow
	err := c.db.WithContext(ctx).Where("id = ?", string(id)).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return redemption.PrizeEntry{}, redemption.ErrPrizeNotFound
	}
	if err != nil {
		return redemption.PrizeEntry{}, mapError("load prize", err)
	}
	return row.toPrize(), nil
}

func (c conn) Prizes(ctx context.Context) ([]redemption.PrizeEntry, error) {
	var rows []prizeRow
	if err := c.db.WithContext(ctx).Order("id ASC").Find(&rows).Error; err != nil {
		return nil, mapError("list prizes", err)
	}
	prizes := make([]redemption.PrizeEntry, 0, len(rows))
	for _, row := range rows {
		prizes = append(prizes, row.toPrize())
	}
	return prizes, nil
}

func (c conn) FindReceipt(ctx context.Context, user redemption.UserID, key string) (*redemption.Receipt, error) {
	return c.takeReceipt(ctx, "user_id = ? AND idempotency_key = ?", string(user), key)
}

func (c conn) ReceiptByID(ctx context.Context, id redemption.TransactionID) (*redemption.Receipt, error) {
	return c.takeReceipt(ctx, "id = ?", string(id))
}

func (c conn) takeReceipt(ctx context.Context, query string, args ...any) (*redemption.Receipt, error) {
	var row receiptRow
	err := c.db.WithContext(ctx).Where(query, args...).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, mapError("load receipt", err)
	}
	r, err := row.toReceipt()
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (c conn) EntriesFor(ctx context.Context, id redemption.TransactionID) ([]redemption.LedgerEntry, error) {
	var rows []ledgerEntryRow
	if err := c.db.WithContext(ctx).Where("reference = ?", string(id)).Order("id ASC").Find(&rows).Error; err != nil {
		return nil, mapError("query ledger entries", err)
	}
	return toEntries(rows), nil
}

func (c conn) CloseIntent(ctx context.Context, id redemption.TransactionID) error {
	err := c.db.WithContext(ctx).Where("transaction_id = ?", string(id)).Delete(&intentRow{}).Error
	if err != nil {
		return mapError("close intent", err)
	}
	return nil
}

// =============================================================================
// CONDITIONAL ADJUSTMENTS (redemption.Tx interface)
// =============================================================================

type returned struct {
	Value int64
}

func (ts *txStore) AdjustBalance(ctx context.Context, user redemption.UserID, delta redemption.Points, ref redemption.EntryRef) (redemption.Points, error) {
	var out returned
	var res *gorm.DB
	if delta > 0 {
		res = ts.db.WithContext(ctx).Raw(`
			INSERT INTO balances (user_id, points, draw_count, updated_at)
			VALUES (?, ?, 0, now())
			ON CONFLICT (user_id) DO UPDATE
			SET points = balances.points + EXCLUDED.points, updated_at = EXCLUDED.updated_at
			RETURNING points AS value
		`, string(user), int64(delta)).Scan(&out)
	} else {
		res = ts.db.WithContext(ctx).Raw(`
			UPDATE balances SET points = points + ?, updated_at = now()
			WHERE user_id = ? AND points + ? >= 0
			RETURNING points AS value
		`, int64(delta), string(user), int64(delta)).Scan(&out)
	}
	if res.Error != nil {
		return 0, mapError("adjust balance", res.Error)
	}
	if res.RowsAffected == 0 {
		bal, err := ts.Balance(ctx, user)
		if err != nil {
			return 0, err
		}
		return bal.Points, &redemption.InsufficientBalanceError{UserID: user, Available: bal.Points, Requested: -delta}
	}

	entry := ledgerEntryRow{
		UserID:    string(user),
		Delta:     int64(delta),
		Reference: string(ref.Reference),
		Reason:    ref.Reason,
		CreatedAt: time.Now().UTC(),
	}
	if err := ts.db.WithContext(ctx).Create(&entry).Error; err != nil {
		return 0, mapError("append ledger entry", err)
	}
	return redemption.Points(out.Value), nil
}

func (ts *txStore) AdjustDrawCount(ctx context.Context, user redemption.UserID, delta int64) (int64, error) {
	var out returned
	var res *gorm.DB
	if delta > 0 {
		res = ts.db.WithContext(ctx).Raw(`
			INSERT INTO balances (user_id, points, draw_count, updated_at)
			VALUES (?, 0, ?, now())
			ON CONFLICT (user_id) DO UPDATE
			SET draw_count = balances.draw_count + EXCLUDED.draw_count, updated_at = EXCLUDED.updated_at
			RETURNING draw_count AS value
		`, string(user), delta).Scan(&out)
	} else {
		res = ts.db.WithContext(ctx).Raw(`
			UPDATE balances SET draw_count = draw_count + ?, updated_at = now()
			WHERE user_id = ? AND draw_count + ? >= 0
			RETURNING draw_count AS value
		`, delta, string(user), delta).Scan(&out)
	}
	if res.Error != nil {
		return 0, mapError("adjust draw count", res.Error)
	}
	if res.RowsAffected == 0 {
		return 0, redemption.ErrPityNotReached
	}
	return out.Value, nil
}

func (ts *txStore) AdjustItemStock(ctx context.Context, id redemption.ItemID, delta int64) (int64, error) {
	var out returned
	res := ts.db.WithContext(ctx).Raw(`
		UPDATE catalog_items SET remaining = remaining + ?
		WHERE id = ? AND remaining + ? >= 0
		RETURNING remaining AS value
	`, delta, string(id), delta).Scan(&out)
	if res.Error != nil {
		return 0, mapError("adjust item stock", res.Error)
	}
	if res.RowsAffected == 0 {
		if _, err := ts.Item(ctx, id); err != nil {
			return 0, err
		}
		return 0, &redemption.OutOfStockError{Resource: "item", ID: string(id)}
	}
	return out.Value, nil
}

func (ts *txStore) AdjustPrizeStock(ctx context.Context, id redemption.PrizeID, delta int64) (int64, error) {
	var out returned
	res := ts.db.WithContext(ctx).Raw(`
		UPDATE prize_entries SET remaining = remaining + ?
		WHERE id = ? AND remaining + ? >= 0
		RETURNING remaining AS value
	`, delta, string(id), delta).Scan(&out)
	if res.Error != nil {
		return 0, mapError("adjust prize stock", res.Error)
	}
	if res.RowsAffected == 0 {
		if _, err := ts.Prize(ctx, id); err != nil {
			return 0, err
		}
		return 0, &redemption.OutOfStockError{Resource: "prize", ID: string(id)}
	}
	return out.Value, nil
}

func (ts *txStore) AppendReceipt(ctx context.Context, r redemption.Receipt) (redemption.Receipt, error) {
	if r.Outcomes == nil {
		r.Outcomes = []redemption.Outcome{}
	}
	outcomes, err := json.Marshal(r.Outcomes)
	if err != nil {
		return r, fmt.Errorf("failed to encode outcomes: %w", err)
	}

	row := receiptRow{
		ID:             string(r.ID),
		UserID:         string(r.UserID),
		IdempotencyKey: nullable(r.IdempotencyKey),
		Kind:           string(r.Kind),
		Outcomes:       string(outcomes),
		PointsDelta:    int64(r.PointsDelta),
		BonusPoints:    int64(r.BonusPoints),
		CreatedAt:      r.CreatedAt.UTC(),
	}
	if err := ts.db.WithContext(ctx).Create(&row).Error; err != nil {
		return r, mapError("append receipt", err)
	}
	r.Seq = row.Seq
	return r, nil
}

// =============================================================================
// STORE-ONLY OPERATIONS
// =============================================================================

func (s *Store) ListReceipts(ctx context.Context, user redemption.UserID, limit int) ([]redemption.Receipt, error) {
	q := s.db.WithContext(ctx).Where("user_id = ?", string(user)).Order("seq DESC")
	return findReceipts(q, limit)
}

func (s *Store) ReceiptsAfter(ctx context.Context, after int64, limit int) ([]redemption.Receipt, error) {
	q := s.db.WithContext(ctx).Where("seq > ?", after).Order("seq ASC")
	return findReceipts(q, limit)
}

func (s *Store) UndeliveredReceipts(ctx context.Context, limit int) ([]redemption.Receipt, error) {
	q := s.db.WithContext(ctx).
		Where("NOT EXISTS (SELECT 1 FROM receipt_deliveries d WHERE d.receipt_id = receipts.id)").
		Order("seq ASC")
	return findReceipts(q, limit)
}

func findReceipts(q *gorm.DB, limit int) ([]redemption.Receipt, error) {
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []receiptRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, mapError("query receipts", err)
	}
	receipts := make([]redemption.Receipt, 0, len(rows))
	for _, row := range rows {
		r, err := row.toReceipt()
		if err != nil {
			return nil, err
		}
		receipts = append(receipts, r)
	}
	return receipts, nil
}

func (s *Store) MarkDelivered(ctx context.Context, id redemption.TransactionID, at time.Time) error {
	var exists int64
	if err := s.db.WithContext(ctx).Model(&receiptRow{}).Where("id = ?", string(id)).Count(&exists).Error; err != nil {
		return mapError("mark delivered", err)
	}
	if exists == 0 {
		return redemption.ErrInvalidRequest
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).
		Create(&deliveryRow{ReceiptID: string(id), DeliveredAt: at.UTC()}).Error
	if err != nil {
		return mapError("mark delivered", err)
	}
	return nil
}

func (s *Store) Entries(ctx context.Context, user redemption.UserID) ([]redemption.LedgerEntry, error) {
	var rows []ledgerEntryRow
	if err := s.db.WithContext(ctx).Where("user_id = ?", string(user)).Order("id ASC").Find(&rows).Error; err != nil {
		return nil, mapError("query ledger entries", err)
	}
	return toEntries(rows), nil
}

func (s *Store) OpenIntent(ctx context.Context, in redemption.Intent) (bool, error) {
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&intentRow{
		TransactionID:  string(in.TransactionID),
		IdempotencyKey: in.IdempotencyKey,
		UserID:         string(in.UserID),
		Kind:           string(in.Kind),
		Cost:           int64(in.Cost),
		CreatedAt:      in.CreatedAt.UTC(),
	})
	if res.Error != nil {
		return false, mapError("open intent", res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (s *Store) StaleIntents(ctx context.Context, olderThan time.Time) ([]redemption.Intent, error) {
	var rows []intentRow
	err := s.db.WithContext(ctx).
		Where("created_at < ?", olderThan.UTC()).
		Order("created_at ASC, transaction_id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, mapError("list stale intents", err)
	}
	intents := make([]redemption.Intent, 0, len(rows))
	for _, row := range rows {
		intents = append(intents, redemption.Intent{
			TransactionID:  redemption.TransactionID(row.TransactionID),
			IdempotencyKey: row.IdempotencyKey,
			UserID:         redemption.UserID(row.UserID),
			Kind:           redemption.Kind(row.Kind),
			Cost:           redemption.Points(row.Cost),
			CreatedAt:      row.CreatedAt.UTC(),
		})
	}
	return intents, nil
}

func (s *Store) SeedItem(ctx context.Context, item redemption.CatalogItem) (bool, error) {
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&itemRow{
		ID: string(item.ID), Name: item.Name, Cost: int64(item.Cost), Remaining: item.Remaining,
	})
	if res.Error != nil {
		return false, mapError("seed item", res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (s *Store) SeedPrize(ctx context.Context, prize redemption.PrizeEntry) (bool, error) {
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&prizeRow{
		ID: string(prize.ID), Name: prize.Name, Weight: prize.Weight, Remaining: prize.Remaining,
	})
	if res.Error != nil {
		return false, mapError("seed prize", res.Error)
	}
	return res.RowsAffected == 1, nil
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func (row itemRow) toItem() redemption.CatalogItem {
	return redemption.CatalogItem{
		ID: redemption.ItemID(row.ID), Name: row.Name, Cost: redemption.Points(row.Cost), Remaining: row.Remaining,
	}
}

func (row prizeRow) toPrize() redemption.PrizeEntry {
	return redemption.PrizeEntry{
		ID: redemption.PrizeID(row.ID), Name: row.Name, Weight: row.Weight, Remaining: row.Remaining,
	}
}

func (row receiptRow) toReceipt() (redemption.Receipt, error) {
	r := redemption.Receipt{
		Seq:         row.Seq,
		ID:          redemption.TransactionID(row.ID),
		UserID:      redemption.UserID(row.UserID),
		Kind:        redemption.Kind(row.Kind),
		PointsDelta: redemption.Points(row.PointsDelta),
		BonusPoints: redemption.Points(row.BonusPoints),
		CreatedAt:   row.CreatedAt.UTC(),
	}
	if row.IdempotencyKey != nil {
		r.IdempotencyKey = *row.IdempotencyKey
	}
	if err := json.Unmarshal([]byte(row.Outcomes), &r.Outcomes); err != nil {
		return r, fmt.Errorf("receipt %s: invalid outcomes: %w", row.ID, err)
	}
	return r, nil
}

func toEntries(rows []ledgerEntryRow) []redemption.LedgerEntry {
	entries := make([]redemption.LedgerEntry, 0, len(rows))
	for _, row := range rows {
		entries = append(entries, redemption.LedgerEntry{
			ID:        row.ID,
			UserID:    redemption.UserID(row.UserID),
			Delta:     redemption.Points(row.Delta),
			Reference: redemption.TransactionID(row.Reference),
			Reason:    row.Reason,
			CreatedAt: row.CreatedAt.UTC(),
		})
	}
	return entries
}
