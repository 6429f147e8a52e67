package auction

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"bidmart/bizerr"
	"bidmart/models"
	"bidmart/notify"
	"bidmart/store"
)

// BidTooLowError 帶有當下可以接受的最低出價
type BidTooLowError struct {
	Minimum decimal.Decimal
}

func (e *BidTooLowError) Error() string {
	return fmt.Sprintf("%s: bid must be at least %s", bizerr.ErrBidTooLow.Code, e.Minimum)
}

func (e *BidTooLowError) Unwrap() error {
	return bizerr.ErrBidTooLow.WithMessage("bid must be at least %s", e.Minimum)
}

// PlaceBid 在同一個交易中驗證並套用一筆出價
//
// 先鎖拍賣再鎖帳戶，同一場拍賣的出價因此完全依序執行，
// 後到的出價一定看得到前一筆已 commit 的 currentPrice
func (s *Service) PlaceBid(ctx context.Context, auctionID, bidderID uuid.UUID, price decimal.Decimal) (*models.Bid, error) {
	const op = "PlaceBid"
	if !price.IsPositive() {
		return nil, bizerr.ErrInvalidInput.WithMessage("bid price must be positive")
	}
	if !models.IsMoney(price) {
		return nil, bizerr.ErrInvalidInput.WithMessage("bid price allows at most %d decimal places", models.MoneyPlaces)
	}
	now := s.options.clock()

	var (
		bid      *models.Bid
		bidCount int64
	)
	err := s.store.Transaction(ctx, func(tx *gorm.DB) error {
		auction, err := store.LockAuction(tx, auctionID)
		if err != nil {
			return err
		}
		if err := CheckBiddable(auction, now); err != nil {
			return err
		}
		if auction.OwnerID == bidderID {
			return bizerr.ErrOwnerCannotBid
		}
		account, err := store.LockAccount(tx, bidderID)
		if err != nil {
			return err
		}
		if !account.IsActive() {
			return bizerr.ErrAccountDisabled
		}
		if account.BidCredits < s.config.CostPerBid {
			return bizerr.ErrInsufficientBidCredits.WithMessage("placing a bid costs %d credits, %d available", s.config.CostPerBid, account.BidCredits)
		}
		if minimum := MinimumBid(auction); price.LessThan(minimum) {
			return &BidTooLowError{Minimum: minimum}
		}

		bidCount = auction.BidCount + 1
		err = tx.Model(auction).Updates(map[string]any{
			"bid_count":     bidCount,
			"current_price": decimal.NewNullDecimal(price),
			"winner_id":     bidderID,
			"updated_at":    now,
		}).Error
		if err != nil {
			return fmt.Errorf("[%s] Fail to update auction, id=%s, err=%w", op, auctionID, err)
		}
		err = tx.Model(account).Updates(map[string]any{
			"bid_credits": account.BidCredits - s.config.CostPerBid,
			"updated_at":  now,
		}).Error
		if err != nil {
			return fmt.Errorf("[%s] Fail to charge bid credits, accountID=%s, err=%w", op, bidderID, err)
		}
		bid = &models.Bid{
			AuctionID: auctionID,
			BidderID:  bidderID,
			Price:     price,
			CreatedAt: now,
		}
		if err := tx.Create(bid).Error; err != nil {
			return fmt.Errorf("[%s] Fail to append bid, auctionID=%s, err=%w", op, auctionID, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	err = s.options.pusher.PushToAuction(auctionID, notify.LiveEvent{
		Type:      notify.EventBidPlaced,
		AuctionID: auctionID.String(),
		BidderID:  bidderID.String(),
		Price:     price.String(),
		BidCount:  bidCount,
		Status:    string(models.AuctionStatusApproved),
		At:        now,
	})
	if err != nil {
		s.logger.Warn("Fail to push bid event",
			slog.String("auction", auctionID.String()),
			slog.Any("error", err))
	}
	return bid, nil
}
