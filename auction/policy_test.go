package auction

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"bidmart/bizerr"
)

func draftFor(duration time.Duration, start, step int64) Draft {
	return Draft{
		ProductID:  uuid.New(),
		StartAt:    now,
		EndAt:      now.Add(duration),
		StartPrice: decimal.NewFromInt(start),
		StepPrice:  decimal.NewFromInt(step),
	}
}

func TestPolicy_AutoApprove(t *testing.T) {
	policy := DefaultPolicy()
	tests := []struct {
		name  string
		draft Draft
		want  bool
	}{
		{"within limits", draftFor(24*time.Hour, 100, 10), true},
		{"shortest duration", draftFor(time.Hour, 100, 10), true},
		{"longest duration", draftFor(7*24*time.Hour, 100, 10), true},
		{"too short", draftFor(59*time.Minute, 100, 10), false},
		{"too long", draftFor(7*24*time.Hour+time.Second, 100, 10), false},
		{"start price at ceiling", draftFor(24*time.Hour, 1000, 10), true},
		{"start price above ceiling", draftFor(24*time.Hour, 1001, 10), false},
		{"step price above ceiling", draftFor(24*time.Hour, 100, 101), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, policy.AutoApprove(tt.draft))
		})
	}

	assert.False(t, Policy{}.AutoApprove(draftFor(24*time.Hour, 1, 1)), "zero policy never auto approves")
}

func TestDraft_Validate(t *testing.T) {
	valid := draftFor(24*time.Hour, 100, 10)
	assert.NoError(t, valid.Validate(now))
	cents := valid
	cents.StartPrice = decimal.RequireFromString("99.99")
	cents.StepPrice = decimal.RequireFromString("0.50")
	assert.NoError(t, cents.Validate(now))

	noProduct := valid
	noProduct.ProductID = uuid.Nil
	reversed := valid
	reversed.EndAt = valid.StartAt.Add(-time.Minute)
	ended := valid
	ended.StartAt = now.Add(-2 * time.Hour)
	ended.EndAt = now.Add(-time.Hour)
	freeStart := valid
	freeStart.StartPrice = decimal.Zero
	negativeStep := valid
	negativeStep.StepPrice = decimal.NewFromInt(-1)
	finePrice := valid
	finePrice.StartPrice = decimal.RequireFromString("100.005")
	fineStep := valid
	fineStep.StepPrice = decimal.RequireFromString("0.004")

	for name, d := range map[string]Draft{
		"missing product":    noProduct,
		"end before start":   reversed,
		"already ended":      ended,
		"zero start price":   freeStart,
		"negative step size": negativeStep,
		"sub-cent start":     finePrice,
		"sub-cent step":      fineStep,
	} {
		t.Run(name, func(t *testing.T) {
			assert.ErrorIs(t, d.Validate(now), bizerr.ErrInvalidInput)
		})
	}
}
