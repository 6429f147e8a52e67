package closing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	redisAdapter "bidmart/adapters/redis"
	"bidmart/auction"
	"bidmart/bizerr"
	"bidmart/models"
	"bidmart/notify"
	"bidmart/store"
)

type Outcome string

const (
	OutcomeEndedNoBids   Outcome = "ended_no_bids"
	OutcomeEndedWithBids Outcome = "ended_with_bids"
	// OutcomeSkipped 表示拍賣已經被結標過或還不能結標
	OutcomeSkipped Outcome = "skipped"
)

type Result struct {
	Outcome Outcome
	Auction *models.Auction
	// Order 只在有得標者時存在，可能是先前中斷的執行留下的訂單
	Order *models.Order
}

type closerOptions struct {
	logger    *slog.Logger
	pusher    notify.Pusher
	clock     func() time.Time
	keyPrefix string
}

type CloserOption func(*closerOptions)

// WithCloserLogger 設置日誌記錄器
func WithCloserLogger(logger *slog.Logger) CloserOption {
	return func(o *closerOptions) {
		o.logger = logger
	}
}

// WithCloserPusher 設置結標事件的即時推送
func WithCloserPusher(pusher notify.Pusher) CloserOption {
	return func(o *closerOptions) {
		o.pusher = pusher
	}
}

// WithCloserClock 設置時間來源
func WithCloserClock(clock func() time.Time) CloserOption {
	return func(o *closerOptions) {
		o.clock = clock
	}
}

// WithCloserKeyPrefix 設置互斥鎖 key 的前綴
func WithCloserKeyPrefix(prefix string) CloserOption {
	return func(o *closerOptions) {
		o.keyPrefix = prefix
	}
}

// Closer 結束單一場拍賣，重複執行同一場拍賣是安全的
type Closer struct {
	store    *store.Store
	mutexes  redisAdapter.MutexFactory
	notifier notify.Notifier
	logger   *slog.Logger
	options  closerOptions
}

func NewCloser(s *store.Store, mutexes redisAdapter.MutexFactory, notifier notify.Notifier, opts ...CloserOption) (*Closer, error) {
	if s == nil || mutexes == nil || notifier == nil {
		return nil, errors.New("store, mutex factory and notifier cannot be nil")
	}
	options := closerOptions{
		logger: slog.Default(),
		pusher: notify.Discard,
		clock:  func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(&options)
	}
	return &Closer{
		store:    s,
		mutexes:  mutexes,
		notifier: notifier,
		logger:   options.logger.With(slog.String("caller", "AuctionCloser")),
		options:  options,
	}, nil
}

// Close 取得拍賣的互斥鎖後結標，commit 之後才送出通知
// 互斥鎖被其他執行持有時會等待，取得後重新檢查狀態，因此重複派發只會有一次生效
func (c *Closer) Close(ctx context.Context, auctionID uuid.UUID) (Result, error) {
	const op = "Close"
	mutex := c.mutexes(c.options.keyPrefix + LockName(auctionID))
	lockCtx, err := mutex.Lock(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("[%s] Fail to acquire close lock, auctionID=%s, err=%w", op, auctionID, err)
	}
	defer func() {
		if _, err := mutex.Unlock(); err != nil {
			c.logger.Warn("Fail to release close lock", slog.String("auction", auctionID.String()), slog.Any("error", err))
		}
	}()

	// 超過鎖的最長持有時間時 lockCtx 會被取消，交易隨之 rollback
	result, err := c.close(lockCtx, auctionID)
	if err != nil {
		return Result{}, err
	}
	if result.Outcome == OutcomeSkipped {
		c.logger.Info("Auction already closed or not yet due",
			slog.String("auction", auctionID.String()),
			slog.String("status", string(result.Auction.Status)))
		return result, nil
	}
	c.logger.Info("Auction closed",
		slog.String("auction", auctionID.String()),
		slog.String("outcome", string(result.Outcome)))
	c.afterCommit(ctx, result)
	return result, nil
}

func (c *Closer) close(ctx context.Context, auctionID uuid.UUID) (Result, error) {
	const op = "close"
	now := c.options.clock()
	var result Result
	err := c.store.Transaction(ctx, func(tx *gorm.DB) error {
		a, err := store.LockAuction(tx, auctionID)
		if err != nil {
			return err
		}
		result.Auction = a
		status, err := auction.Next(a, auction.EventClose, now)
		if errors.Is(err, bizerr.ErrInvalidTransition) {
			result.Outcome = OutcomeSkipped
			return nil
		}
		if err != nil {
			return err
		}

		result.Outcome = OutcomeEndedNoBids
		if status == models.AuctionStatusEndedWithBids {
			result.Outcome = OutcomeEndedWithBids
			// 先前的執行可能在建立訂單後中斷，訂單已存在時沿用
			order, err := store.FindOrderByAuction(tx, auctionID)
			if err != nil {
				return err
			}
			if order == nil {
				order = &models.Order{
					AuctionID:  a.ID,
					SellerID:   a.OwnerID,
					WinnerID:   *a.WinnerID,
					FinalPrice: a.CurrentPrice.Decimal,
					Status:     models.OrderStatusPendingPayment,
					CreatedAt:  now,
					UpdatedAt:  now,
				}
				if err := tx.Create(order).Error; err != nil {
					return fmt.Errorf("[%s] Fail to create order, auctionID=%s, err=%w", op, auctionID, err)
				}
			}
			result.Order = order
		}

		err = tx.Model(a).Updates(map[string]any{
			"status":     status,
			"updated_at": now,
		}).Error
		if err != nil {
			return fmt.Errorf("[%s] Fail to update auction status, auctionID=%s, err=%w", op, auctionID, err)
		}
		a.Status = status
		a.UpdatedAt = now
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	return result, nil
}

// afterCommit 通知賣家與得標者，並推送結標事件，失敗只會記錄
func (c *Closer) afterCommit(ctx context.Context, result Result) {
	a := result.Auction
	event := notify.LiveEvent{
		Type:      notify.EventAuctionClosed,
		AuctionID: a.ID.String(),
		BidCount:  a.BidCount,
		Status:    string(a.Status),
		At:        a.UpdatedAt,
	}

	var notices []notify.Notice
	if result.Outcome == OutcomeEndedNoBids {
		notices = append(notices, notify.Notice{
			Type:             models.NotificationAuctionEnded,
			Title:            "Auction ended",
			Message:          "Your auction ended without any bids.",
			RecipientIDs:     []uuid.UUID{a.OwnerID},
			RelatedAuctionID: &a.ID,
		})
	} else {
		price := a.CurrentPrice.Decimal.String()
		event.BidderID = a.WinnerID.String()
		event.Price = price
		notices = append(notices,
			notify.Notice{
				Type:             models.NotificationAuctionEnded,
				Title:            "Auction ended",
				Message:          fmt.Sprintf("Your auction ended with a winning bid of %s.", price),
				RecipientIDs:     []uuid.UUID{a.OwnerID},
				RelatedAuctionID: &a.ID,
			},
			notify.Notice{
				Type:             models.NotificationAuctionWon,
				Title:            "You won the auction",
				Message:          fmt.Sprintf("You won the auction at %s. Please complete the payment.", price),
				RecipientIDs:     []uuid.UUID{*a.WinnerID},
				RelatedAuctionID: &a.ID,
			},
		)
	}
	notify.Deliver(ctx, c.notifier, c.logger, notices...)

	if err := c.options.pusher.PushToAuction(a.ID, event); err != nil {
		c.logger.Warn("Fail to push auction closed event", slog.String("auction", a.ID.String()), slog.Any("error", err))
	}
}
