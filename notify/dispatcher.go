// Package notify 負責交易 commit 之後的通知與即時推送
//
// 這裡的失敗只會被記錄，不會影響已經 commit 的狀態
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"gorm.io/gorm"

	"bidmart/bizerr"
	"bidmart/models"
	"bidmart/store"
)

// Notice 描述一則要送給一或多位收件者的通知
type Notice struct {
	Type             models.NotificationType
	Title            string
	Message          string
	RecipientIDs     []uuid.UUID
	RelatedAuctionID *uuid.UUID
}

type dispatcherOptions struct {
	logger *slog.Logger
	pusher Pusher
	clock  func() time.Time
}

type Option func(*dispatcherOptions)

// WithLogger 設置日誌記錄器
func WithLogger(logger *slog.Logger) Option {
	return func(o *dispatcherOptions) {
		o.logger = logger
	}
}

// WithPusher 設置即時推送，預設不推送
func WithPusher(pusher Pusher) Option {
	return func(o *dispatcherOptions) {
		o.pusher = pusher
	}
}

// WithClock 設置時間來源
func WithClock(clock func() time.Time) Option {
	return func(o *dispatcherOptions) {
		o.clock = clock
	}
}

// Dispatcher 在獨立的交易中寫入通知，再逐一推送給收件者
type Dispatcher struct {
	store   *store.Store
	logger  *slog.Logger
	options dispatcherOptions
}

func NewDispatcher(s *store.Store, opts ...Option) (*Dispatcher, error) {
	if s == nil {
		return nil, errors.New("store cannot be nil")
	}
	options := dispatcherOptions{
		logger: slog.Default(),
		pusher: Discard,
		clock:  func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(&options)
	}
	return &Dispatcher{
		store:   s,
		logger:  options.logger.With(slog.String("caller", "NotificationDispatcher")),
		options: options,
	}, nil
}

// Notify 為每位收件者建立一則通知並推送，回傳通知 ID
// 推送失敗只會記錄，寫入失敗才會回傳錯誤
func (d *Dispatcher) Notify(ctx context.Context, notice Notice) ([]uuid.UUID, error) {
	const op = "Notify"
	recipients := lo.Uniq(lo.Filter(notice.RecipientIDs, func(id uuid.UUID, _ int) bool {
		return id != uuid.Nil
	}))
	if notice.Title == "" || len(recipients) == 0 {
		return nil, bizerr.ErrInvalidInput.WithMessage("notification requires a title and at least one recipient")
	}

	now := d.options.clock()
	rows := lo.Map(recipients, func(id uuid.UUID, _ int) models.Notification {
		return models.Notification{
			Type:             notice.Type,
			Title:            notice.Title,
			Message:          notice.Message,
			RecipientID:      id,
			RelatedAuctionID: notice.RelatedAuctionID,
			CreatedAt:        now,
		}
	})
	err := d.store.Transaction(ctx, func(tx *gorm.DB) error {
		return tx.Create(&rows).Error
	})
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to create notifications, type=%s, err=%w", op, notice.Type, err)
	}

	ids := make([]uuid.UUID, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.ID)
		event := LiveEvent{
			Type:           EventNotification,
			NotificationID: row.ID.String(),
			Title:          row.Title,
			Message:        row.Message,
			At:             now,
		}
		if row.RelatedAuctionID != nil {
			event.AuctionID = row.RelatedAuctionID.String()
		}
		if err := d.options.pusher.PushToUser(row.RecipientID, event); err != nil {
			d.logger.Warn("Fail to push notification",
				slog.String("recipient", row.RecipientID.String()),
				slog.String("notification", row.ID.String()),
				slog.Any("error", err))
		}
	}
	return ids, nil
}

// Deliver 依序送出通知，失敗只記錄不回傳
func Deliver(ctx context.Context, notifier Notifier, logger *slog.Logger, notices ...Notice) {
	for _, notice := range notices {
		if _, err := notifier.Notify(ctx, notice); err != nil {
			logger.Error("Fail to deliver notification",
				slog.String("type", string(notice.Type)),
				slog.Any("error", err))
		}
	}
}
