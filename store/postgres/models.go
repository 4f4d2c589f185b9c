package postgres

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// TABLE MODELS
// =============================================================================

type balanceRow struct {
	UserID    string    `gorm:"primaryKey"`
	Points    int64     `gorm:"not null;default:0;check:chk_balances_points,points >= 0"`
	DrawCount int64     `gorm:"not null;default:0;check:chk_balances_draw_count,draw_count >= 0"`
	UpdatedAt time.Time `gorm:"not null"`
}

func (balanceRow) TableName() string { return "balances" }

type itemRow struct {
	ID        string `gorm:"primaryKey"`
	Name      string `gorm:"not null"`
	Cost      int64  `gorm:"not null;check:chk_catalog_items_cost,cost > 0"`
	Remaining int64  `gorm:"not null;check:chk_catalog_items_remaining,remaining >= 0"`
}

func (itemRow) TableName() string { return "catalog_items" }

type prizeRow struct {
	ID        string          `gorm:"primaryKey"`
	Name      string          `gorm:"not null"`
	Weight    decimal.Decimal `gorm:"type:numeric(12,8);not null"`
	Remaining int64           `gorm:"not null;check:chk_prize_entries_remaining,remaining >= 0"`
}

func (prizeRow) TableName() string { return "prize_entries" }

type receiptRow struct {
	Seq            int64     `gorm:"primaryKey;autoIncrement"`
	ID             string    `gorm:"column:id;uniqueIndex;not null"`
	UserID         string    `gorm:"not null;uniqueIndex:idx_receipts_user_key,priority:1;index:idx_receipts_user_seq,priority:1"`
	IdempotencyKey *string   `gorm:"uniqueIndex:idx_receipts_user_key,priority:2"`
	Kind           string    `gorm:"not null"`
	Outcomes       string    `gorm:"type:jsonb;not null"`
	PointsDelta    int64     `gorm:"not null"`
	BonusPoints    int64     `gorm:"not null;default:0"`
	CreatedAt      time.Time `gorm:"not null"`
}

func (receiptRow) TableName() string { return "receipts" }

type ledgerEntryRow struct {
	ID        int64     `gorm:"primaryKey;autoIncrement"`
	UserID    string    `gorm:"not null;index"`
	Delta     int64     `gorm:"not null"`
	Reference string    `gorm:"not null;index"`
	Reason    string
	CreatedAt time.Time `gorm:"not null"`
}

func (ledgerEntryRow) TableName() string { return "ledger_entries" }

type intentRow struct {
	TransactionID  string `gorm:"primaryKey"`
	IdempotencyKey string
	UserID         string    `gorm:"not null"`
	Kind           string    `gorm:"not null"`
	Cost           int64     `gorm:"not null"`
	CreatedAt      time.Time `gorm:"not null;index"`
}

func (intentRow) TableName() string { return "pending_intents" }

type deliveryRow struct {
	ReceiptID   string    `gorm:"primaryKey"`
	DeliveredAt time.Time `gorm:"not null"`
}

func (deliveryRow) TableName() string { return "receipt_deliveries" }

// appendOnlySQL installs triggers that reject rewrites of the immutable tables.
const appendOnlySQL = `
CREATE OR REPLACE FUNCTION reward_append_only() RETURNS trigger AS $$
BEGIN
	RAISE EXCEPTION '% is append-only', TG_TABLE_NAME;
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS receipts_append_only ON receipts;
CREATE TRIGGER receipts_append_only BEFORE UPDATE OR DELETE ON receipts
	FOR EACH ROW EXECUTE FUNCTION reward_append_only();

DROP TRIGGER IF EXISTS ledger_entries_append_only ON ledger_entries;
CREATE TRIGGER ledger_entries_append_only BEFORE UPDATE OR DELETE ON ledger_entries
	FOR EACH ROW EXECUTE FUNCTION reward_append_only();
`
