// Package auction 實作拍賣的生命週期與出價流程
package auction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"
	"github.com/samber/lo"
	"gorm.io/gorm"

	"bidmart/bizerr"
	"bidmart/identity"
	"bidmart/models"
	"bidmart/notify"
	"bidmart/store"
)

type Config struct {
	// CostPerBid 每次出價消耗的點數
	CostPerBid int64
	Policy     Policy
}

type serviceOptions struct {
	logger *slog.Logger
	pusher notify.Pusher
	clock  func() time.Time
}

type Option func(*serviceOptions)

// WithLogger 設置日誌記錄器
func WithLogger(logger *slog.Logger) Option {
	return func(o *serviceOptions) {
		o.logger = logger
	}
}

// WithPusher 設置出價成功後的即時推送
func WithPusher(pusher notify.Pusher) Option {
	return func(o *serviceOptions) {
		o.pusher = pusher
	}
}

// WithClock 設置時間來源
func WithClock(clock func() time.Time) Option {
	return func(o *serviceOptions) {
		o.clock = clock
	}
}

type Service struct {
	store     *store.Store
	config    Config
	logger    *slog.Logger
	sanitizer *bluemonday.Policy
	options   serviceOptions
}

func NewService(s *store.Store, config Config, opts ...Option) (*Service, error) {
	if s == nil {
		return nil, errors.New("store cannot be nil")
	}
	if config.CostPerBid < 0 {
		return nil, errors.New("cost per bid cannot be negative")
	}
	options := serviceOptions{
		logger: slog.Default(),
		pusher: notify.Discard,
		clock:  func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(&options)
	}
	return &Service{
		store:     s,
		config:    config,
		logger:    options.logger.With(slog.String("caller", "AuctionService")),
		sanitizer: bluemonday.StrictPolicy(),
		options:   options,
	}, nil
}

// Create 建立拍賣，符合自動核准條件時直接進入 Approved
func (s *Service) Create(ctx context.Context, caller identity.Identity, draft Draft) (*models.Auction, error) {
	const op = "Create"
	now := s.options.clock()
	if err := draft.Validate(now); err != nil {
		return nil, err
	}
	var owner models.Account
	if err := s.store.DB(ctx).Where("id = ?", caller.AccountID).Take(&owner).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, bizerr.ErrAccountNotFound
		}
		return nil, fmt.Errorf("[%s] Fail to read owner, accountID=%s, err=%w", op, caller.AccountID, err)
	}
	if !owner.IsActive() {
		return nil, bizerr.ErrAccountDisabled
	}

	status := models.AuctionStatusPending
	if s.config.Policy.AutoApprove(draft) {
		status = models.AuctionStatusApproved
	}
	auction := &models.Auction{
		OwnerID:    caller.AccountID,
		ProductID:  draft.ProductID,
		StartAt:    draft.StartAt.UTC(),
		EndAt:      draft.EndAt.UTC(),
		StartPrice: draft.StartPrice,
		StepPrice:  draft.StepPrice,
		Status:     status,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	err := s.store.Transaction(ctx, func(tx *gorm.DB) error {
		if err := tx.Create(auction).Error; err != nil {
			return fmt.Errorf("[%s] Fail to create auction, err=%w", op, err)
		}
		return reconcileTags(tx, auction.ID, draft.TagIDs, now)
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("Auction created",
		slog.String("auction", auction.ID.String()),
		slog.String("status", string(auction.Status)))
	return auction, nil
}

// Approve 管理員核准待審核的拍賣
func (s *Service) Approve(ctx context.Context, caller identity.Identity, auctionID uuid.UUID) (*models.Auction, error) {
	if err := caller.RequireAdmin(); err != nil {
		return nil, err
	}
	return s.transition(ctx, auctionID, EventApprove, "")
}

// Reject 管理員退回待審核的拍賣並記錄原因
func (s *Service) Reject(ctx context.Context, caller identity.Identity, auctionID uuid.UUID, reason string) (*models.Auction, error) {
	if err := caller.RequireAdmin(); err != nil {
		return nil, err
	}
	return s.transition(ctx, auctionID, EventReject, reason)
}

// Dispute 管理員將已結標的拍賣標記為爭議中
func (s *Service) Dispute(ctx context.Context, caller identity.Identity, auctionID uuid.UUID, reason string) (*models.Auction, error) {
	if err := caller.RequireAdmin(); err != nil {
		return nil, err
	}
	return s.transition(ctx, auctionID, EventDispute, reason)
}

// Cancel 賣家取消尚未有人出價的拍賣
func (s *Service) Cancel(ctx context.Context, caller identity.Identity, auctionID uuid.UUID, reason string) (*models.Auction, error) {
	if err := s.authorizeOwner(ctx, caller, auctionID); err != nil {
		return nil, err
	}
	return s.transition(ctx, auctionID, EventCancel, reason)
}

// Update 賣家修改拍賣內容，修改後需要重新審核
func (s *Service) Update(ctx context.Context, caller identity.Identity, auctionID uuid.UUID, draft Draft) (*models.Auction, error) {
	const op = "Update"
	now := s.options.clock()
	if err := draft.Validate(now); err != nil {
		return nil, err
	}
	if err := s.authorizeOwner(ctx, caller, auctionID); err != nil {
		return nil, err
	}

	var auction *models.Auction
	err := s.store.Transaction(ctx, func(tx *gorm.DB) error {
		var err error
		auction, err = store.LockAuction(tx, auctionID)
		if err != nil {
			return err
		}
		status, err := Next(auction, EventEdit, now)
		if err != nil {
			return err
		}
		auction.ProductID = draft.ProductID
		auction.StartAt = draft.StartAt.UTC()
		auction.EndAt = draft.EndAt.UTC()
		auction.StartPrice = draft.StartPrice
		auction.StepPrice = draft.StepPrice
		auction.Status = status
		auction.Note = ""
		auction.UpdatedAt = now
		err = tx.Model(auction).Updates(map[string]any{
			"product_id":  auction.ProductID,
			"start_at":    auction.StartAt,
			"end_at":      auction.EndAt,
			"start_price": auction.StartPrice,
			"step_price":  auction.StepPrice,
			"status":      auction.Status,
			"note":        auction.Note,
			"updated_at":  now,
		}).Error
		if err != nil {
			return fmt.Errorf("[%s] Fail to update auction, id=%s, err=%w", op, auctionID, err)
		}
		return reconcileTags(tx, auctionID, draft.TagIDs, now)
	})
	if err != nil {
		return nil, err
	}
	return auction, nil
}

// Get 讀取拍賣與標籤
func (s *Service) Get(ctx context.Context, auctionID uuid.UUID) (*models.Auction, error) {
	const op = "Get"
	var auction models.Auction
	err := s.store.DB(ctx).Preload("Tags").Where("id = ?", auctionID).Take(&auction).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, bizerr.ErrAuctionNotFound
		}
		return nil, fmt.Errorf("[%s] Fail to read auction, id=%s, err=%w", op, auctionID, err)
	}
	return &auction, nil
}

// Bids 依出價時間由新到舊列出出價紀錄
func (s *Service) Bids(ctx context.Context, auctionID uuid.UUID, limit int) ([]models.Bid, error) {
	const op = "Bids"
	if limit <= 0 {
		limit = 50
	}
	var bids []models.Bid
	err := s.store.DB(ctx).
		Where("auction_id = ?", auctionID).
		Order("created_at DESC").Order("price DESC").
		Limit(limit).
		Find(&bids).Error
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to list bids, auctionID=%s, err=%w", op, auctionID, err)
	}
	return bids, nil
}

// authorizeOwner 在開交易前確認呼叫者是賣家，owner_id 建立後不會改變因此不需要上鎖
func (s *Service) authorizeOwner(ctx context.Context, caller identity.Identity, auctionID uuid.UUID) error {
	const op = "authorizeOwner"
	var auction models.Auction
	err := s.store.DB(ctx).Select("id", "owner_id").Where("id = ?", auctionID).Take(&auction).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return bizerr.ErrAuctionNotFound
		}
		return fmt.Errorf("[%s] Fail to read auction owner, id=%s, err=%w", op, auctionID, err)
	}
	if auction.OwnerID != caller.AccountID {
		return bizerr.ErrNotOwner
	}
	return nil
}

// transition 鎖定拍賣後套用只改變狀態與備註的事件
func (s *Service) transition(ctx context.Context, auctionID uuid.UUID, event Event, note string) (*models.Auction, error) {
	const op = "transition"
	now := s.options.clock()
	var auction *models.Auction
	err := s.store.Transaction(ctx, func(tx *gorm.DB) error {
		var err error
		auction, err = store.LockAuction(tx, auctionID)
		if err != nil {
			return err
		}
		status, err := Next(auction, event, now)
		if err != nil {
			return err
		}
		updates := map[string]any{
			"status":     status,
			"updated_at": now,
		}
		if note != "" {
			auction.Note = s.sanitizer.Sanitize(note)
			updates["note"] = auction.Note
		}
		if err := tx.Model(auction).Updates(updates).Error; err != nil {
			return fmt.Errorf("[%s] Fail to %s auction, id=%s, err=%w", op, event, auctionID, err)
		}
		auction.Status = status
		auction.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("Auction status changed",
		slog.String("auction", auctionID.String()),
		slog.String("event", string(event)),
		slog.String("status", string(auction.Status)))
	return auction, nil
}

// reconcileTags 只刪除不再需要的標籤並新增缺少的標籤，保留未改變的關聯
func reconcileTags(tx *gorm.DB, auctionID uuid.UUID, tagIDs []uuid.UUID, now time.Time) error {
	const op = "reconcileTags"
	var existing []uuid.UUID
	if err := tx.Model(&models.AuctionTag{}).Where("auction_id = ?", auctionID).Pluck("tag_id", &existing).Error; err != nil {
		return fmt.Errorf("[%s] Fail to read tags, auctionID=%s, err=%w", op, auctionID, err)
	}
	want := lo.Uniq(lo.Without(tagIDs, uuid.Nil))
	removed, added := lo.Difference(existing, want)
	if len(removed) > 0 {
		err := tx.Where("auction_id = ? AND tag_id IN ?", auctionID, removed).Delete(&models.AuctionTag{}).Error
		if err != nil {
			return fmt.Errorf("[%s] Fail to remove tags, auctionID=%s, err=%w", op, auctionID, err)
		}
	}
	if len(added) > 0 {
		rows := lo.Map(added, func(tagID uuid.UUID, _ int) models.AuctionTag {
			return models.AuctionTag{AuctionID: auctionID, TagID: tagID, CreatedAt: now}
		})
		if err := tx.Create(&rows).Error; err != nil {
			return fmt.Errorf("[%s] Fail to add tags, auctionID=%s, err=%w", op, auctionID, err)
		}
	}
	return nil
}
