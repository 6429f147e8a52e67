package store

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"bidmart/bizerr"
	"bidmart/models"
)

func forUpdate(tx *gorm.DB) *gorm.DB {
	return tx.Clauses(clause.Locking{Strength: "UPDATE"})
}

// LockAuction 以 SELECT ... FOR UPDATE 鎖定拍賣
func LockAuction(tx *gorm.DB, id uuid.UUID) (*models.Auction, error) {
	const op = "LockAuction"
	var auction models.Auction
	if err := forUpdate(tx).Where("id = ?", id).Take(&auction).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, bizerr.ErrAuctionNotFound
		}
		return nil, fmt.Errorf("[%s] Fail to lock auction, id=%s, err=%w", op, id, err)
	}
	return &auction, nil
}

// LockOrder 以 SELECT ... FOR UPDATE 鎖定訂單
func LockOrder(tx *gorm.DB, id uuid.UUID) (*models.Order, error) {
	const op = "LockOrder"
	var order models.Order
	if err := forUpdate(tx).Where("id = ?", id).Take(&order).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, bizerr.ErrOrderNotFound
		}
		return nil, fmt.Errorf("[%s] Fail to lock order, id=%s, err=%w", op, id, err)
	}
	return &order, nil
}

// LockAccount 以 SELECT ... FOR UPDATE 鎖定帳戶
// 呼叫前必須已經取得同一交易中需要的 Auction 與 Order 鎖
func LockAccount(tx *gorm.DB, id uuid.UUID) (*models.Account, error) {
	const op = "LockAccount"
	var account models.Account
	if err := forUpdate(tx).Where("id = ?", id).Take(&account).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, bizerr.ErrAccountNotFound
		}
		return nil, fmt.Errorf("[%s] Fail to lock account, id=%s, err=%w", op, id, err)
	}
	return &account, nil
}

// FindOrderByAuction 查詢拍賣對應的訂單，不存在時回傳 nil, nil
func FindOrderByAuction(tx *gorm.DB, auctionID uuid.UUID) (*models.Order, error) {
	const op = "FindOrderByAuction"
	var order models.Order
	if err := tx.Where("auction_id = ?", auctionID).Take(&order).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("[%s] Fail to find order, auctionID=%s, err=%w", op, auctionID, err)
	}
	return &order, nil
}

// ExpiredAuction 是過期拍賣查詢的結果，同時作為下一頁的游標
type ExpiredAuction struct {
	ID    uuid.UUID
	EndAt time.Time
}

// FindExpiredAuctions 查詢已經過了結束時間但仍在競標中的拍賣，依 (end_at, id) 排序
// after 不為 nil 時只回傳排在 after 之後的拍賣
func FindExpiredAuctions(tx *gorm.DB, now time.Time, after *ExpiredAuction, limit int) ([]ExpiredAuction, error) {
	const op = "FindExpiredAuctions"
	query := tx.Model(&models.Auction{}).
		Select("id", "end_at").
		Where("status = ? AND end_at <= ?", models.AuctionStatusApproved, now)
	if after != nil {
		query = query.Where("end_at > ? OR (end_at = ? AND id > ?)", after.EndAt, after.EndAt, after.ID)
	}
	var auctions []ExpiredAuction
	err := query.
		Order("end_at").
		Order("id").
		Limit(limit).
		Scan(&auctions).Error
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to query expired auctions, err=%w", op, err)
	}
	return auctions, nil
}

// LockTopup 以 SELECT ... FOR UPDATE 鎖定儲值紀錄
// 儲值流程先鎖儲值紀錄再鎖帳戶
func LockTopup(tx *gorm.DB, clientOrderID string) (*models.Topup, error) {
	const op = "LockTopup"
	var topup models.Topup
	if err := forUpdate(tx).Where("client_order_id = ?", clientOrderID).Take(&topup).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, bizerr.ErrTopupNotFound
		}
		return nil, fmt.Errorf("[%s] Fail to lock topup, clientOrderID=%s, err=%w", op, clientOrderID, err)
	}
	return &topup, nil
}
