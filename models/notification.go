package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type NotificationType string

const (
	NotificationAuctionEnded   NotificationType = "auction_ended"
	NotificationAuctionWon     NotificationType = "auction_won"
	NotificationOrderPaid      NotificationType = "order_paid"
	NotificationPayoutReleased NotificationType = "payout_released"
)

// Notification 代表送給單一收件者的站內通知
type Notification struct {
	ID               uuid.UUID        `gorm:"type:uuid;primaryKey"`
	Type             NotificationType `gorm:"type:varchar(32);not null"`
	Title            string           `gorm:"type:varchar(255);not null"`
	Message          string           `gorm:"type:text;not null"`
	RecipientID      uuid.UUID        `gorm:"type:uuid;not null;index"`
	RelatedAuctionID *uuid.UUID       `gorm:"type:uuid"`
	ReadAt           *time.Time
	CreatedAt        time.Time
}

func (n *Notification) BeforeCreate(tx *gorm.DB) error {
	return assignID(&n.ID)
}

// All 回傳所有需要 migrate 的 model
func All() []any {
	return []any{
		&Account{},
		&ShippingAddress{},
		&Auction{},
		&AuctionTag{},
		&Bid{},
		&Order{},
		&WalletTransaction{},
		&Topup{},
		&Notification{},
	}
}
