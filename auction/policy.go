package auction

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"bidmart/bizerr"
	"bidmart/models"
)

// Policy 決定新建立的拍賣是否可以跳過人工審核
// 上限為零時不會自動核准任何拍賣
type Policy struct {
	MinDuration   time.Duration
	MaxDuration   time.Duration
	MaxStartPrice decimal.Decimal
	MaxStepPrice  decimal.Decimal
}

func DefaultPolicy() Policy {
	return Policy{
		MinDuration:   time.Hour,
		MaxDuration:   7 * 24 * time.Hour,
		MaxStartPrice: decimal.NewFromInt(1000),
		MaxStepPrice:  decimal.NewFromInt(100),
	}
}

func (p Policy) AutoApprove(d Draft) bool {
	duration := d.EndAt.Sub(d.StartAt)
	return duration >= p.MinDuration &&
		duration <= p.MaxDuration &&
		d.StartPrice.LessThanOrEqual(p.MaxStartPrice) &&
		d.StepPrice.LessThanOrEqual(p.MaxStepPrice)
}

// Draft 是建立或修改拍賣時由賣家提供的內容
type Draft struct {
	ProductID  uuid.UUID
	StartAt    time.Time
	EndAt      time.Time
	StartPrice decimal.Decimal
	StepPrice  decimal.Decimal
	TagIDs     []uuid.UUID
}

// Validate 在開交易前檢查輸入
func (d Draft) Validate(now time.Time) error {
	switch {
	case d.ProductID == uuid.Nil:
		return bizerr.ErrInvalidInput.WithMessage("product is required")
	case !d.EndAt.After(d.StartAt):
		return bizerr.ErrInvalidInput.WithMessage("end time must be after start time")
	case !d.EndAt.After(now):
		return bizerr.ErrInvalidInput.WithMessage("end time must be in the future")
	case !d.StartPrice.IsPositive():
		return bizerr.ErrInvalidInput.WithMessage("start price must be positive")
	case !d.StepPrice.IsPositive():
		return bizerr.ErrInvalidInput.WithMessage("step price must be positive")
	case !models.IsMoney(d.StartPrice) || !models.IsMoney(d.StepPrice):
		return bizerr.ErrInvalidInput.WithMessage("prices allow at most %d decimal places", models.MoneyPlaces)
	}
	return nil
}
