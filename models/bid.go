package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Bid 代表拍賣商品的出價紀錄
// 只會在出價被接受時新增一次，之後不會被修改或刪除
type Bid struct {
	ID        uuid.UUID       `gorm:"type:uuid;primaryKey;<-:create"`
	AuctionID uuid.UUID       `gorm:"type:uuid;not null;index:idx_bid_auction_created,priority:1;<-:create"`
	BidderID  uuid.UUID       `gorm:"type:uuid;not null;index;<-:create"`
	Price     decimal.Decimal `gorm:"type:decimal(20,2);not null;<-:create"`
	CreatedAt time.Time       `gorm:"index:idx_bid_auction_created,priority:2;<-:create"`
}

func (b *Bid) BeforeCreate(tx *gorm.DB) error {
	return assignID(&b.ID)
}
