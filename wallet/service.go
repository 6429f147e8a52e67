// Package wallet 處理儲值與點數購買
package wallet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"bidmart/bizerr"
	"bidmart/ledger"
	"bidmart/models"
	"bidmart/store"
)

// TopupSucceeded 是金流閘道通知儲值成功的事件
type TopupSucceeded struct {
	ClientOrderID         string          `json:"clientOrderId"`
	ExternalTransactionID string          `json:"externalTransactionId"`
	PaidAmount            decimal.Decimal `json:"paidAmount"`
	RawPayload            json.RawMessage `json:"rawPayload,omitempty"`
}

// BidPackage 是可以用錢包餘額購買的出價點數組合
type BidPackage struct {
	ID      string
	Credits int64
	Price   decimal.Decimal
}

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
	store   *store.Store
	logger  *slog.Logger
	options serviceOptions
}

func NewService(s *store.Store, opts ...Option) (*Service, error) {
	if s == nil {
		return nil, errors.New("store cannot be nil")
	}
	options := serviceOptions{
		logger: slog.Default(),
		clock:  func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(&options)
	}
	return &Service{
		store:   s,
		logger:  options.logger.With(slog.String("caller", "WalletService")),
		options: options,
	}, nil
}

// CreateTopup 建立一筆待付款的儲值，回傳的 ClientOrderID 交給金流閘道
func (s *Service) CreateTopup(ctx context.Context, accountID uuid.UUID, amount decimal.Decimal) (*models.Topup, error) {
	const op = "CreateTopup"
	if !amount.IsPositive() {
		return nil, bizerr.ErrInvalidInput.WithMessage("topup amount must be positive")
	}
	if !models.IsMoney(amount) {
		return nil, bizerr.ErrInvalidInput.WithMessage("topup amount allows at most %d decimal places", models.MoneyPlaces)
	}
	var account models.Account
	if err := s.store.DB(ctx).Where("id = ?", accountID).Take(&account).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, bizerr.ErrAccountNotFound
		}
		return nil, fmt.Errorf("[%s] Fail to read account, id=%s, err=%w", op, accountID, err)
	}
	if !account.IsActive() {
		return nil, bizerr.ErrAccountDisabled
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to generate topup id, err=%w", op, err)
	}
	now := s.options.clock()
	topup := &models.Topup{
		ID:            id,
		AccountID:     accountID,
		ClientOrderID: "TP" + strings.ReplaceAll(id.String(), "-", ""),
		Amount:        amount,
		Status:        models.TopupStatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.store.DB(ctx).Create(topup).Error; err != nil {
		return nil, fmt.Errorf("[%s] Fail to create topup, err=%w", op, err)
	}
	return topup, nil
}

// HandleTopupSucceeded 依金流閘道的通知入帳，以 ClientOrderID 保證冪等
// 金額不符時將儲值標記為失敗並 commit，之後回傳 TopupAmountMismatch
func (s *Service) HandleTopupSucceeded(ctx context.Context, event TopupSucceeded) (*models.Topup, error) {
	const op = "HandleTopupSucceeded"
	if event.ClientOrderID == "" {
		return nil, bizerr.ErrInvalidInput.WithMessage("client order id is required")
	}
	now := s.options.clock()

	var (
		topup    *models.Topup
		mismatch bool
		credited bool
	)
	err := s.store.Transaction(ctx, func(tx *gorm.DB) error {
		var err error
		topup, err = store.LockTopup(tx, event.ClientOrderID)
		if err != nil {
			return err
		}
		if topup.Status != models.TopupStatusPending {
			return nil
		}

		topup.PaidAmount = decimal.NewNullDecimal(event.PaidAmount)
		topup.ExternalTransactionID = event.ExternalTransactionID
		topup.UpdatedAt = now
		if len(event.RawPayload) > 0 {
			topup.RawPayload = datatypes.JSON(event.RawPayload)
		}
		if !event.PaidAmount.Equal(topup.Amount) {
			mismatch = true
			topup.Status = models.TopupStatusFailed
			topup.FailureReason = fmt.Sprintf("paid %s, expected %s", event.PaidAmount, topup.Amount)
		} else {
			account, err := store.LockAccount(tx, topup.AccountID)
			if err != nil {
				return err
			}
			_, err = ledger.Credit(tx, account, ledger.Posting{
				Amount:      topup.Amount,
				Type:        models.WalletTransactionTopup,
				ReferenceID: topup.ID.String(),
				Description: "Wallet topup " + topup.ClientOrderID,
			}, now)
			if err != nil {
				return err
			}
			credited = true
			topup.Status = models.TopupStatusSucceeded
		}
		updates := map[string]any{
			"status":                  topup.Status,
			"paid_amount":             topup.PaidAmount,
			"external_transaction_id": topup.ExternalTransactionID,
			"failure_reason":          topup.FailureReason,
			"updated_at":              now,
		}
		if topup.RawPayload != nil {
			updates["raw_payload"] = topup.RawPayload
		}
		if err := tx.Model(topup).Updates(updates).Error; err != nil {
			return fmt.Errorf("[%s] Fail to update topup, clientOrderID=%s, err=%w", op, event.ClientOrderID, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	switch {
	case mismatch:
		s.logger.Warn("Topup amount mismatch",
			slog.String("clientOrderId", event.ClientOrderID),
			slog.String("expected", topup.Amount.String()),
			slog.String("paid", event.PaidAmount.String()))
		return topup, bizerr.ErrTopupAmountMismatch.WithMessage("paid %s, expected %s", event.PaidAmount, topup.Amount)
	case credited:
		s.logger.Info("Topup credited", slog.String("clientOrderId", event.ClientOrderID), slog.String("amount", topup.Amount.String()))
	default:
		s.logger.Info("Topup already handled", slog.String("clientOrderId", event.ClientOrderID), slog.String("status", string(topup.Status)))
	}
	return topup, nil
}

// PurchaseBidCredits 以錢包餘額購買出價點數，同一個 purchaseRef 只會扣款一次
func (s *Service) PurchaseBidCredits(ctx context.Context, accountID uuid.UUID, pkg BidPackage, purchaseRef string) (*models.Account, error) {
	const op = "PurchaseBidCredits"
	if pkg.Credits <= 0 || !pkg.Price.IsPositive() || purchaseRef == "" {
		return nil, bizerr.ErrInvalidInput.WithMessage("package must have positive credits and price, and purchase reference is required")
	}
	if !models.IsMoney(pkg.Price) {
		return nil, bizerr.ErrInvalidInput.WithMessage("package price allows at most %d decimal places", models.MoneyPlaces)
	}
	now := s.options.clock()
	var account *models.Account
	err := s.store.Transaction(ctx, func(tx *gorm.DB) error {
		var err error
		account, err = store.LockAccount(tx, accountID)
		if err != nil {
			return err
		}
		if !account.IsActive() {
			return bizerr.ErrAccountDisabled
		}
		applied, err := ledger.Applied(tx, models.WalletTransactionSpendOnBidPackage, purchaseRef)
		if err != nil {
			return err
		}
		if applied {
			return bizerr.ErrAlreadyApplied
		}
		_, err = ledger.Debit(tx, account, ledger.Posting{
			Amount:      pkg.Price,
			Type:        models.WalletTransactionSpendOnBidPackage,
			ReferenceID: purchaseRef,
			Description: fmt.Sprintf("Bid package %s (%d credits)", pkg.ID, pkg.Credits),
		}, now)
		if err != nil {
			return err
		}
		account.BidCredits += pkg.Credits
		err = tx.Model(account).Updates(map[string]any{
			"bid_credits": account.BidCredits,
			"updated_at":  now,
		}).Error
		if err != nil {
			return fmt.Errorf("[%s] Fail to add bid credits, accountID=%s, err=%w", op, accountID, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return account, nil
}

// Statement 依記帳順序列出帳戶的錢包紀錄
func (s *Service) Statement(ctx context.Context, accountID uuid.UUID) ([]models.WalletTransaction, error) {
	return ledger.Entries(s.store.DB(ctx), accountID)
}
