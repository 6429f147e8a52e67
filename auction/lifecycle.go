package auction

import (
	"time"

	"github.com/shopspring/decimal"

	"bidmart/bizerr"
	"bidmart/models"
)

// Event 是造成拍賣狀態改變的事件
type Event string

const (
	EventApprove Event = "approve"
	EventReject  Event = "reject"
	EventCancel  Event = "cancel"
	EventEdit    Event = "edit"
	EventClose   Event = "close"
	EventPay     Event = "pay"
	EventDispute Event = "dispute"
)

// Next 回傳拍賣在 event 發生後的狀態，不允許的轉換回傳對應的衝突錯誤
//
//	Pending ──approve──> Approved ──close──> EndedNoBids
//	   │                    │          └───> EndedWithBids ──pay──> Paid
//	   └──reject──> Cancelled                      └──dispute──> Dispute
//
// cancel 與 edit 只允許在還沒有人出價前執行
func Next(a *models.Auction, event Event, now time.Time) (models.AuctionStatus, error) {
	unbid := a.Status == models.AuctionStatusApproved && a.BidCount == 0

	switch event {
	case EventApprove:
		if a.Status == models.AuctionStatusPending {
			return models.AuctionStatusApproved, nil
		}
	case EventReject:
		if a.Status == models.AuctionStatusPending {
			return models.AuctionStatusCancelled, nil
		}
	case EventCancel:
		switch {
		case a.Status == models.AuctionStatusPending,
			a.Status == models.AuctionStatusCancelled,
			unbid:
			return models.AuctionStatusUserCancelled, nil
		}
		return a.Status, bizerr.ErrAuctionNotCancellable.WithMessage("auction in status %s with %d bids cannot be cancelled", a.Status, a.BidCount)
	case EventEdit:
		switch {
		case a.Status == models.AuctionStatusPending,
			a.Status == models.AuctionStatusCancelled,
			a.Status == models.AuctionStatusUserCancelled,
			unbid:
			return models.AuctionStatusPending, nil
		}
		return a.Status, bizerr.ErrAuctionNotEditable.WithMessage("auction in status %s with %d bids cannot be edited", a.Status, a.BidCount)
	case EventClose:
		if a.Status == models.AuctionStatusApproved && !now.Before(a.EndAt) {
			if a.HasWinner() {
				return models.AuctionStatusEndedWithBids, nil
			}
			return models.AuctionStatusEndedNoBids, nil
		}
	case EventPay, EventDispute:
		if a.Status == models.AuctionStatusEndedWithBids {
			if event == EventPay {
				return models.AuctionStatusPaid, nil
			}
			return models.AuctionStatusDispute, nil
		}
	}
	return a.Status, bizerr.ErrInvalidTransition.WithMessage("cannot %s auction in status %s", event, a.Status)
}

// CheckBiddable 檢查拍賣是否在可出價的狀態與時間內
func CheckBiddable(a *models.Auction, now time.Time) error {
	if a.Status != models.AuctionStatusApproved {
		return bizerr.ErrAuctionNotBiddable.WithMessage("auction is %s", a.Status)
	}
	if now.Before(a.StartAt) || now.After(a.EndAt) {
		return bizerr.ErrAuctionNotActive
	}
	return nil
}

// MinimumBid 回傳下一口可以接受的最低價格
func MinimumBid(a *models.Auction) decimal.Decimal {
	return a.PriceFloor().Add(a.StepPrice)
}
