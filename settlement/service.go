// Package settlement 處理得標者付款與賣家撥款
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"bidmart/auction"
	"bidmart/bizerr"
	"bidmart/identity"
	"bidmart/ledger"
	"bidmart/models"
	"bidmart/notify"
	"bidmart/store"
)

type serviceOptions struct {
	logger *slog.Logger
	clock  func() time.Time
}

type Option func(*serviceOptions)

// WithLogger 設置日誌記錄器
func WithLogger(logger *slog.Logger) Option {
	return func(o *serviceOptions) {
		o.logger = logger
	}
}

// WithClock 設置時間來源
func WithClock(clock func() time.Time) Option {
	return func(o *serviceOptions) {
		o.clock = clock
	}
}

type Service struct {
	store    *store.Store
	notifier notify.Notifier
	logger   *slog.Logger
	options  serviceOptions
}

func NewService(s *store.Store, notifier notify.Notifier, opts ...Option) (*Service, error) {
	if s == nil || notifier == nil {
		return nil, errors.New("store and notifier cannot be nil")
	}
	options := serviceOptions{
		logger: slog.Default(),
		clock:  func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(&options)
	}
	return &Service{
		store:    s,
		notifier: notifier,
		logger:   options.logger.With(slog.String("caller", "SettlementService")),
		options:  options,
	}, nil
}

// PayOrder 由得標者以錢包餘額支付訂單，並把收件資訊快照到訂單上
// 同一筆訂單只會被扣款一次，重複呼叫回傳 OrderAlreadyPaid
func (s *Service) PayOrder(ctx context.Context, orderID, payerID, addressID uuid.UUID) (*models.Order, error) {
	const op = "PayOrder"
	// 查詢條件包含得標者，因此其他人的訂單一律視為不存在
	order, err := s.findOrder(ctx, "id = ? AND winner_id = ?", orderID, payerID)
	if err != nil {
		return nil, err
	}

	now := s.options.clock()
	err = s.store.Transaction(ctx, func(tx *gorm.DB) error {
		a, err := store.LockAuction(tx, order.AuctionID)
		if err != nil {
			return err
		}
		order, err = store.LockOrder(tx, orderID)
		if err != nil {
			return err
		}
		if err := checkPayable(order); err != nil {
			return err
		}
		auctionStatus, err := auction.Next(a, auction.EventPay, now)
		if err != nil {
			return bizerr.ErrOrderNotPayable.WithMessage("auction is %s", a.Status)
		}

		payer, err := store.LockAccount(tx, payerID)
		if err != nil {
			return err
		}
		if !payer.IsActive() {
			return bizerr.ErrAccountDisabled
		}
		if payer.MonetaryBalance.LessThan(order.FinalPrice) {
			return bizerr.ErrInsufficientBalance.WithMessage("order costs %s, balance is %s", order.FinalPrice, payer.MonetaryBalance)
		}

		var address models.ShippingAddress
		if err := tx.Where("id = ? AND account_id = ?", addressID, payerID).Take(&address).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return bizerr.ErrShippingAddressNotFound
			}
			return fmt.Errorf("[%s] Fail to read shipping address, id=%s, err=%w", op, addressID, err)
		}
		order.ReceiverName = address.ReceiverName
		order.ReceiverPhone = address.Phone
		order.ReceiverAddress = address.Address

		applied, err := ledger.Applied(tx, models.WalletTransactionPayForOrder, orderID.String())
		if err != nil {
			return err
		}
		if applied {
			return bizerr.ErrOrderAlreadyPaid
		}
		_, err = ledger.Debit(tx, payer, ledger.Posting{
			Amount:      order.FinalPrice,
			Type:        models.WalletTransactionPayForOrder,
			ReferenceID: orderID.String(),
			Description: fmt.Sprintf("Payment for auction %s", order.AuctionID),
		}, now)
		if errors.Is(err, bizerr.ErrAlreadyApplied) {
			return bizerr.ErrOrderAlreadyPaid
		}
		if err != nil {
			return err
		}

		order.Status = models.OrderStatusPaid
		order.PaidAt = &now
		order.UpdatedAt = now
		err = tx.Model(order).Updates(map[string]any{
			"status":           order.Status,
			"paid_at":          now,
			"receiver_name":    order.ReceiverName,
			"receiver_phone":   order.ReceiverPhone,
			"receiver_address": order.ReceiverAddress,
			"updated_at":       now,
		}).Error
		if err != nil {
			return fmt.Errorf("[%s] Fail to mark order paid, id=%s, err=%w", op, orderID, err)
		}
		err = tx.Model(a).Updates(map[string]any{
			"status":     auctionStatus,
			"updated_at": now,
		}).Error
		if err != nil {
			return fmt.Errorf("[%s] Fail to mark auction paid, id=%s, err=%w", op, a.ID, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Order paid", slog.String("order", orderID.String()), slog.String("amount", order.FinalPrice.String()))
	notify.Deliver(ctx, s.notifier, s.logger, notify.Notice{
		Type:             models.NotificationOrderPaid,
		Title:            "Order paid",
		Message:          fmt.Sprintf("The winner paid %s for your auction.", order.FinalPrice),
		RecipientIDs:     []uuid.UUID{order.SellerID},
		RelatedAuctionID: &order.AuctionID,
	})
	return order, nil
}

func checkPayable(order *models.Order) error {
	switch order.Status {
	case models.OrderStatusPendingPayment:
		return nil
	case models.OrderStatusPaid,
		models.OrderStatusProcessing,
		models.OrderStatusShipped,
		models.OrderStatusDelivered,
		models.OrderStatusCompleted:
		return bizerr.ErrOrderAlreadyPaid
	default:
		return bizerr.ErrOrderNotPayable.WithMessage("order is %s", order.Status)
	}
}

// ReleasePayout 在訂單完成後把成交金額撥給賣家，同一筆訂單只會撥款一次
func (s *Service) ReleasePayout(ctx context.Context, caller identity.Identity, orderID uuid.UUID) (*models.WalletTransaction, error) {
	if err := caller.RequireAdmin(); err != nil {
		return nil, err
	}
	now := s.options.clock()
	var (
		order *models.Order
		entry *models.WalletTransaction
	)
	err := s.store.Transaction(ctx, func(tx *gorm.DB) error {
		var err error
		order, err = store.LockOrder(tx, orderID)
		if err != nil {
			return err
		}
		if order.Status != models.OrderStatusCompleted {
			return bizerr.ErrInvalidTransition.WithMessage("payout requires a completed order, order is %s", order.Status)
		}
		applied, err := ledger.Applied(tx, models.WalletTransactionAuctionPayout, orderID.String())
		if err != nil {
			return err
		}
		if applied {
			return bizerr.ErrAlreadyApplied
		}
		seller, err := store.LockAccount(tx, order.SellerID)
		if err != nil {
			return err
		}
		entry, err = ledger.Credit(tx, seller, ledger.Posting{
			Amount:      order.FinalPrice,
			Type:        models.WalletTransactionAuctionPayout,
			ReferenceID: orderID.String(),
			Description: fmt.Sprintf("Payout for auction %s", order.AuctionID),
		}, now)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Payout released", slog.String("order", orderID.String()), slog.String("amount", order.FinalPrice.String()))
	notify.Deliver(ctx, s.notifier, s.logger, notify.Notice{
		Type:             models.NotificationPayoutReleased,
		Title:            "Payout released",
		Message:          fmt.Sprintf("%s has been added to your wallet.", order.FinalPrice),
		RecipientIDs:     []uuid.UUID{order.SellerID},
		RelatedAuctionID: &order.AuctionID,
	})
	return entry, nil
}

func (s *Service) findOrder(ctx context.Context, query string, args ...any) (*models.Order, error) {
	const op = "findOrder"
	var order models.Order
	if err := s.store.DB(ctx).Where(query, args...).Take(&order).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, bizerr.ErrOrderNotFound
		}
		return nil, fmt.Errorf("[%s] Fail to read order, err=%w", op, err)
	}
	return &order, nil
}
