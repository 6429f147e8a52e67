package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type WalletTransactionType string

const (
	WalletTransactionTopup             WalletTransactionType = "topup"
	WalletTransactionSpendOnBidPackage WalletTransactionType = "spend_on_bid_package"
	WalletTransactionPayForOrder       WalletTransactionType = "pay_for_order"
	WalletTransactionAuctionPayout     WalletTransactionType = "auction_payout"
	WalletTransactionOrderRefund       WalletTransactionType = "order_refund"
)

// MoneyPlaces 是所有金額欄位 decimal(20,2) 的小數位數
const MoneyPlaces = 2

// IsMoney 回報金額能否不經四捨五入存進金額欄位
func IsMoney(amount decimal.Decimal) bool {
	return amount.Equal(amount.Truncate(MoneyPlaces))
}

// WalletTransaction 代表錢包帳本中的一筆不可變紀錄
// BalanceAfter = BalanceBefore + Amount，且寫入當下等於帳戶的 MonetaryBalance
// (Type, ReferenceID) 的唯一索引是冪等檢查之外的最後防線
type WalletTransaction struct {
	ID            uuid.UUID             `gorm:"type:uuid;primaryKey;<-:create"`
	AccountID     uuid.UUID             `gorm:"type:uuid;not null;index:idx_wallet_tx_account_created,priority:1;<-:create"`
	Amount        decimal.Decimal       `gorm:"type:decimal(20,2);not null;<-:create"`
	BalanceBefore decimal.Decimal       `gorm:"type:decimal(20,2);not null;<-:create"`
	BalanceAfter  decimal.Decimal       `gorm:"type:decimal(20,2);not null;<-:create"`
	Type          WalletTransactionType `gorm:"type:varchar(32);not null;uniqueIndex:idx_wallet_tx_type_reference,priority:1;<-:create"`
	ReferenceID   *string               `gorm:"type:varchar(64);uniqueIndex:idx_wallet_tx_type_reference,priority:2;<-:create"`
	Description   string                `gorm:"type:text;not null;default:'';<-:create"`
	Sequence      int64                 `gorm:"not null;index:idx_wallet_tx_account_created,priority:2;<-:create"`
	CreatedAt     time.Time             `gorm:"<-:create"`
}

func (w *WalletTransaction) BeforeCreate(tx *gorm.DB) error {
	return assignID(&w.ID)
}

type TopupStatus string

const (
	TopupStatusPending   TopupStatus = "pending"
	TopupStatusSucceeded TopupStatus = "succeeded"
	TopupStatusFailed    TopupStatus = "failed"
)

// Topup 代表一筆透過金流閘道進行的儲值
// ClientOrderID 是送給金流閘道的訂單編號，回呼事件以它為冪等鍵
type Topup struct {
	ID                    uuid.UUID           `gorm:"type:uuid;primaryKey"`
	AccountID             uuid.UUID           `gorm:"type:uuid;not null;index"`
	ClientOrderID         string              `gorm:"type:varchar(64);not null;uniqueIndex"`
	Amount                decimal.Decimal     `gorm:"type:decimal(20,2);not null"`
	PaidAmount            decimal.NullDecimal `gorm:"type:decimal(20,2)"`
	Status                TopupStatus         `gorm:"type:varchar(16);not null"`
	ExternalTransactionID string              `gorm:"type:varchar(128);not null;default:''"`
	RawPayload            datatypes.JSON      `gorm:"type:jsonb"`
	FailureReason         string              `gorm:"type:text;not null;default:''"`
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

func (t *Topup) BeforeCreate(tx *gorm.DB) error {
	return assignID(&t.ID)
}
