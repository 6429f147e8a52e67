package notify

import (
	"time"

	"github.com/google/uuid"
)

// 即時事件類型
const (
	EventBidPlaced     = "bid.placed"
	EventAuctionClosed = "auction.closed"
	EventNotification  = "notification"
)

// LiveEvent 是推送到 SSE 連線的事件內容
type LiveEvent struct {
	Type           string    `json:"type" msgpack:"type"`
	AuctionID      string    `json:"auctionId,omitempty" msgpack:"auctionId"`
	BidderID       string    `json:"bidderId,omitempty" msgpack:"bidderId"`
	Price          string    `json:"price,omitempty" msgpack:"price"`
	BidCount       int64     `json:"bidCount,omitempty" msgpack:"bidCount"`
	Status         string    `json:"status,omitempty" msgpack:"status"`
	NotificationID string    `json:"notificationId,omitempty" msgpack:"notificationId"`
	Title          string    `json:"title,omitempty" msgpack:"title"`
	Message        string    `json:"message,omitempty" msgpack:"message"`
	At             time.Time `json:"at" msgpack:"at"`
}

// UserChannel 回傳使用者的推送頻道
func UserChannel(accountID uuid.UUID) string {
	return "user:" + accountID.String()
}

// AuctionChannel 回傳拍賣的推送頻道
func AuctionChannel(auctionID uuid.UUID) string {
	return "auction:" + auctionID.String()
}
