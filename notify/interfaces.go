//go:generate mockgen -package=notify -destination=mock.go -source=interfaces.go

package notify

import (
	"context"

	"github.com/google/uuid"
)

// Pusher 將即時事件推送給線上的使用者，不保證送達
type Pusher interface {
	PushToUser(accountID uuid.UUID, event LiveEvent) error
	PushToAuction(auctionID uuid.UUID, event LiveEvent) error
}

// Notifier 建立站內通知並推送即時事件
type Notifier interface {
	Notify(ctx context.Context, notice Notice) ([]uuid.UUID, error)
}
