// Package storetest 提供以 sqlite in-memory 資料庫執行的測試環境
package storetest

import (
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"bidmart/models"
	"bidmart/store"
)

// NewDB 建立一個獨立的 in-memory 資料庫並完成 migrate
// 只允許一條連線，因此交易之間會互相排隊，效果等同於 row lock
func NewDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_busy_timeout=5000", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, store.AutoMigrate(db))
	return db
}

// NewStore 建立使用 NewDB 的 Store
func NewStore(t *testing.T) (*store.Store, *gorm.DB) {
	t.Helper()
	db := NewDB(t)
	s, err := store.New(db)
	require.NoError(t, err)
	return s, db
}

// CreateAccount 建立一個啟用中的一般帳戶
func CreateAccount(t *testing.T, db *gorm.DB, credits int64, balance string) *models.Account {
	t.Helper()
	account := &models.Account{
		Username:        "user-" + uuid.NewString()[:8],
		Role:            models.AccountRoleUser,
		Status:          models.AccountStatusActive,
		BidCredits:      credits,
		MonetaryBalance: decimal.RequireFromString(balance),
	}
	require.NoError(t, db.Create(account).Error)
	return account
}

// CreateAuction 建立一場已核准的拍賣，競標時間為 [now-1h, now+end)
func CreateAuction(t *testing.T, db *gorm.DB, ownerID uuid.UUID, now time.Time, end time.Duration, startPrice, stepPrice string) *models.Auction {
	t.Helper()
	auction := &models.Auction{
		OwnerID:    ownerID,
		ProductID:  uuid.New(),
		StartAt:    now.Add(-time.Hour),
		EndAt:      now.Add(end),
		StartPrice: decimal.RequireFromString(startPrice),
		StepPrice:  decimal.RequireFromString(stepPrice),
		Status:     models.AuctionStatusApproved,
	}
	require.NoError(t, db.Create(auction).Error)
	return auction
}

// Reload 重新讀取資料列
func Reload[T any](t *testing.T, db *gorm.DB, id uuid.UUID) *T {
	t.Helper()
	var row T
	require.NoError(t, db.Where("id = ?", id).Take(&row).Error)
	return &row
}
