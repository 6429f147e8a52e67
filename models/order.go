package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type OrderStatus string

const (
	OrderStatusPendingPayment OrderStatus = "pending_payment"
	OrderStatusPaid           OrderStatus = "paid"
	OrderStatusProcessing     OrderStatus = "processing"
	OrderStatusShipped        OrderStatus = "shipped"
	OrderStatusDelivered      OrderStatus = "delivered"
	OrderStatusCompleted      OrderStatus = "completed"
	OrderStatusCancelled      OrderStatus = "cancelled"
	OrderStatusRefunded       OrderStatus = "refunded"
)

// Order 代表拍賣結束且有得標者時產生的訂單
// 每場拍賣最多一筆訂單，由 auction_id 的唯一索引保證
type Order struct {
	ID              uuid.UUID       `gorm:"type:uuid;primaryKey"`
	AuctionID       uuid.UUID       `gorm:"type:uuid;not null;uniqueIndex;<-:create"`
	SellerID        uuid.UUID       `gorm:"type:uuid;not null;index;<-:create"`
	WinnerID        uuid.UUID       `gorm:"type:uuid;not null;index;<-:create"`
	FinalPrice      decimal.Decimal `gorm:"type:decimal(20,2);not null;<-:create"`
	Status          OrderStatus     `gorm:"type:varchar(32);not null"`
	ReceiverName    string          `gorm:"type:varchar(255);not null;default:''"`
	ReceiverPhone   string          `gorm:"type:varchar(32);not null;default:''"`
	ReceiverAddress string          `gorm:"type:text;not null;default:''"`
	PaidAt          *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (o *Order) BeforeCreate(tx *gorm.DB) error {
	return assignID(&o.ID)
}
