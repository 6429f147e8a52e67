package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type AccountRole string

const (
	AccountRoleUser  AccountRole = "user"
	AccountRoleAdmin AccountRole = "admin"
)

type AccountStatus string

const (
	AccountStatusActive   AccountStatus = "active"
	AccountStatusDisabled AccountStatus = "disabled"
)

// Account 代表使用者的競標身份
// BidCredits 為每次出價消耗的點數，MonetaryBalance 為錢包餘額的快取值，
// 只能透過 ledger 在同一個交易中寫入 WalletTransaction 時一併更新
type Account struct {
	ID              uuid.UUID       `gorm:"type:uuid;primaryKey"`
	Username        string          `gorm:"type:varchar(255);not null"`
	Role            AccountRole     `gorm:"type:varchar(16);not null;default:user"`
	Status          AccountStatus   `gorm:"type:varchar(16);not null;default:active"`
	BidCredits      int64           `gorm:"not null;default:0"`
	MonetaryBalance decimal.Decimal `gorm:"type:decimal(20,2);not null;default:0"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (a *Account) BeforeCreate(tx *gorm.DB) error {
	return assignID(&a.ID)
}

func (a *Account) IsAdmin() bool {
	return a.Role == AccountRoleAdmin
}

func (a *Account) IsActive() bool {
	return a.Status == AccountStatusActive
}

// ShippingAddress 代表使用者預先建立的收件資訊，付款時會快照到訂單上
type ShippingAddress struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey"`
	AccountID    uuid.UUID `gorm:"type:uuid;not null;index"`
	ReceiverName string    `gorm:"type:varchar(255);not null"`
	Phone        string    `gorm:"type:varchar(32);not null"`
	Address      string    `gorm:"type:text;not null"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (s *ShippingAddress) BeforeCreate(tx *gorm.DB) error {
	return assignID(&s.ID)
}

// assignID 在主鍵尚未指定時產生 uuid v7
func assignID(id *uuid.UUID) error {
	if *id != uuid.Nil {
		return nil
	}
	v7, err := uuid.NewV7()
	if err != nil {
		return err
	}
	*id = v7
	return nil
}
