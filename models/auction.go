package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type AuctionStatus string

const (
	AuctionStatusPending       AuctionStatus = "pending"
	AuctionStatusApproved      AuctionStatus = "approved"
	AuctionStatusCancelled     AuctionStatus = "cancelled"
	AuctionStatusUserCancelled AuctionStatus = "user_cancelled"
	AuctionStatusEndedNoBids   AuctionStatus = "ended_no_bids"
	AuctionStatusEndedWithBids AuctionStatus = "ended_with_bids"
	AuctionStatusPaid          AuctionStatus = "paid"
	AuctionStatusDispute       AuctionStatus = "dispute"
)

// Auction 代表一場針對單一商品的限時拍賣
// CurrentPrice 和 BidCount 是 bids 表的去正規化快取，與 bids 表受同一把 row lock 保護
type Auction struct {
	ID           uuid.UUID           `gorm:"type:uuid;primaryKey"`
	OwnerID      uuid.UUID           `gorm:"type:uuid;not null;index;<-:create"`
	ProductID    uuid.UUID           `gorm:"type:uuid;not null"`
	StartAt      time.Time           `gorm:"not null"`
	EndAt        time.Time           `gorm:"not null;index:idx_auction_status_end_at,priority:2"`
	StartPrice   decimal.Decimal     `gorm:"type:decimal(20,2);not null"`
	StepPrice    decimal.Decimal     `gorm:"type:decimal(20,2);not null"`
	CurrentPrice decimal.NullDecimal `gorm:"type:decimal(20,2)"`
	BidCount     int64               `gorm:"not null;default:0"`
	WinnerID     *uuid.UUID          `gorm:"type:uuid"`
	Status       AuctionStatus       `gorm:"type:varchar(32);not null;index:idx_auction_status_end_at,priority:1"`
	Note         string              `gorm:"type:text;not null;default:''"`
	CreatedAt    time.Time
	UpdatedAt    time.Time

	// 外鍵關聯
	Tags []AuctionTag `gorm:"foreignKey:AuctionID"`
}

func (a *Auction) BeforeCreate(tx *gorm.DB) error {
	return assignID(&a.ID)
}

// HasWinner 回傳是否已經有人出價
func (a *Auction) HasWinner() bool {
	return a.WinnerID != nil && a.BidCount > 0
}

// PriceFloor 回傳下一口出價的比較基準，尚未有人出價時為起標價
func (a *Auction) PriceFloor() decimal.Decimal {
	if a.CurrentPrice.Valid {
		return a.CurrentPrice.Decimal
	}
	return a.StartPrice
}

// AuctionTag 代表拍賣與標籤的關聯，標籤本身由外部的 CRUD 服務管理
type AuctionTag struct {
	AuctionID uuid.UUID `gorm:"type:uuid;primaryKey"`
	TagID     uuid.UUID `gorm:"type:uuid;primaryKey"`
	CreatedAt time.Time
}
