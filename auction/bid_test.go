package auction_test

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	"pgregory.net/rapid"

	"bidmart/auction"
	"bidmart/bizerr"
	"bidmart/models"
	"bidmart/notify"
	"bidmart/store/storetest"
)

func price(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

func TestPlaceBid_WinningBid(t *testing.T) {
	ctx := context.Background()
	ctrl := gomock.NewController(t)
	pusher := notify.NewMockPusher(ctrl)
	svc, db := newService(t, auction.WithPusher(pusher))

	seller := storetest.CreateAccount(t, db, 0, "0")
	bidder := storetest.CreateAccount(t, db, 3, "0")
	open := storetest.CreateAuction(t, db, seller.ID, now, time.Hour, "100", "10")

	pusher.EXPECT().PushToAuction(open.ID, notify.LiveEvent{
		Type:      notify.EventBidPlaced,
		AuctionID: open.ID.String(),
		BidderID:  bidder.ID.String(),
		Price:     "150",
		BidCount:  1,
		Status:    string(models.AuctionStatusApproved),
		At:        now,
	}).Return(errors.New("push failed"))

	bid, err := svc.PlaceBid(ctx, open.ID, bidder.ID, price("150"))
	require.NoError(t, err, "push failure does not fail the bid")
	assert.Equal(t, bidder.ID, bid.BidderID)

	stored := storetest.Reload[models.Auction](t, db, open.ID)
	assert.True(t, stored.CurrentPrice.Valid)
	assert.True(t, stored.CurrentPrice.Decimal.Equal(price("150")))
	assert.Equal(t, int64(1), stored.BidCount)
	require.NotNil(t, stored.WinnerID)
	assert.Equal(t, bidder.ID, *stored.WinnerID)
	assert.Equal(t, int64(2), storetest.Reload[models.Account](t, db, bidder.ID).BidCredits)

	var bids []models.Bid
	require.NoError(t, db.Where("auction_id = ?", open.ID).Find(&bids).Error)
	require.Len(t, bids, 1)
	assert.True(t, bids[0].Price.Equal(price("150")))
}

func TestPlaceBid_Rejections(t *testing.T) {
	ctx := context.Background()
	svc, db := newService(t)

	seller := storetest.CreateAccount(t, db, 5, "0")
	bidder := storetest.CreateAccount(t, db, 5, "0")
	broke := storetest.CreateAccount(t, db, 0, "0")
	disabled := storetest.CreateAccount(t, db, 5, "0")
	require.NoError(t, db.Model(disabled).Update("status", models.AccountStatusDisabled).Error)

	open := storetest.CreateAuction(t, db, seller.ID, now, time.Hour, "100", "10")
	ended := storetest.CreateAuction(t, db, seller.ID, now, -time.Second, "100", "10")
	notStarted := storetest.CreateAuction(t, db, seller.ID, now, 3*time.Hour, "100", "10")
	require.NoError(t, db.Model(notStarted).Update("start_at", now.Add(time.Hour)).Error)
	pending := storetest.CreateAuction(t, db, seller.ID, now, time.Hour, "100", "10")
	require.NoError(t, db.Model(pending).Update("status", models.AuctionStatusPending).Error)

	tests := []struct {
		name      string
		auctionID uuid.UUID
		bidderID  uuid.UUID
		price     string
		wantErr   error
	}{
		{"non positive price", open.ID, bidder.ID, "0", bizerr.ErrInvalidInput},
		{"sub-cent price", open.ID, bidder.ID, "150.005", bizerr.ErrInvalidInput},
		{"auction not found", uuid.New(), bidder.ID, "150", bizerr.ErrAuctionNotFound},
		{"auction pending", pending.ID, bidder.ID, "150", bizerr.ErrAuctionNotBiddable},
		{"auction ended", ended.ID, bidder.ID, "150", bizerr.ErrAuctionNotActive},
		{"auction not started", notStarted.ID, bidder.ID, "150", bizerr.ErrAuctionNotActive},
		{"owner cannot bid", open.ID, seller.ID, "150", bizerr.ErrOwnerCannotBid},
		{"bidder not found", open.ID, uuid.New(), "150", bizerr.ErrAccountNotFound},
		{"bidder disabled", open.ID, disabled.ID, "150", bizerr.ErrAccountDisabled},
		{"insufficient credits", open.ID, broke.ID, "150", bizerr.ErrInsufficientBidCredits},
		{"start price without step", open.ID, bidder.ID, "100", bizerr.ErrBidTooLow},
		{"just below minimum", open.ID, bidder.ID, "109.99", bizerr.ErrBidTooLow},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.PlaceBid(ctx, tt.auctionID, tt.bidderID, price(tt.price))
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}

	// 所有失敗的出價都不會留下任何變動
	for _, id := range []uuid.UUID{open.ID, ended.ID, notStarted.ID, pending.ID} {
		stored := storetest.Reload[models.Auction](t, db, id)
		assert.Zero(t, stored.BidCount)
		assert.False(t, stored.CurrentPrice.Valid)
		assert.Nil(t, stored.WinnerID)
	}
	assert.Equal(t, int64(5), storetest.Reload[models.Account](t, db, seller.ID).BidCredits)
	assert.Equal(t, int64(5), storetest.Reload[models.Account](t, db, bidder.ID).BidCredits)
	assert.Equal(t, int64(0), storetest.Reload[models.Account](t, db, broke.ID).BidCredits)
	var count int64
	require.NoError(t, db.Model(&models.Bid{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestPlaceBid_TooLowReportsMinimum(t *testing.T) {
	ctx := context.Background()
	svc, db := newService(t)
	seller := storetest.CreateAccount(t, db, 0, "0")
	first := storetest.CreateAccount(t, db, 5, "0")
	second := storetest.CreateAccount(t, db, 5, "0")
	open := storetest.CreateAuction(t, db, seller.ID, now, time.Hour, "100", "10")

	_, err := svc.PlaceBid(ctx, open.ID, first.ID, price("150"))
	require.NoError(t, err)

	_, err = svc.PlaceBid(ctx, open.ID, second.ID, price("155"))
	var tooLow *auction.BidTooLowError
	require.ErrorAs(t, err, &tooLow)
	assert.True(t, tooLow.Minimum.Equal(price("160")))
	assert.Equal(t, "BID_TOO_LOW", bizerr.CodeOf(err))
	assert.Equal(t, bizerr.KindConflict, bizerr.KindOf(err))

	_, err = svc.PlaceBid(ctx, open.ID, second.ID, price("160"))
	require.NoError(t, err)
	stored := storetest.Reload[models.Auction](t, db, open.ID)
	assert.Equal(t, second.ID, *stored.WinnerID)
	assert.Equal(t, int64(2), stored.BidCount)
}

func TestPlaceBid_ConcurrentBidsAreSerialized(t *testing.T) {
	ctx := context.Background()
	svc, db := newService(t)
	seller := storetest.CreateAccount(t, db, 0, "0")
	open := storetest.CreateAuction(t, db, seller.ID, now, time.Hour, "100", "10")

	const n = 20
	bidders := make([]*models.Account, n)
	for i := range bidders {
		bidders[i] = storetest.CreateAccount(t, db, 1, "0")
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted []decimal.Decimal
		rejected int
	)
	for i, bidder := range bidders {
		wg.Add(1)
		go func(i int, bidderID uuid.UUID) {
			defer wg.Done()
			// 每口出價相差剛好一個 step，最高價一定會被接受
			p := decimal.NewFromInt(int64(110 + 10*i))
			_, err := svc.PlaceBid(ctx, open.ID, bidderID, p)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				assert.ErrorIs(t, err, bizerr.ErrBidTooLow)
				rejected++
				return
			}
			accepted = append(accepted, p)
		}(i, bidder.ID)
	}
	wg.Wait()

	require.NotEmpty(t, accepted)
	assert.Equal(t, n, len(accepted)+rejected)

	stored := storetest.Reload[models.Auction](t, db, open.ID)
	assert.Equal(t, int64(len(accepted)), stored.BidCount)
	assert.True(t, stored.CurrentPrice.Decimal.Equal(decimal.NewFromInt(110+10*(n-1))))
	assert.Equal(t, bidders[n-1].ID, *stored.WinnerID)

	var bids []models.Bid
	require.NoError(t, db.Where("auction_id = ?", open.ID).Order("price").Find(&bids).Error)
	require.Len(t, bids, len(accepted))
	for i := 1; i < len(bids); i++ {
		assert.True(t, bids[i].Price.GreaterThanOrEqual(bids[i-1].Price.Add(open.StepPrice)),
			"accepted bids increase by at least one step")
	}

	var spent int64
	for _, bidder := range bidders {
		spent += 1 - storetest.Reload[models.Account](t, db, bidder.ID).BidCredits
	}
	assert.Equal(t, int64(len(accepted)), spent, "credits are charged once per accepted bid")
}

func TestPlaceBid_MonotonicPrice(t *testing.T) {
	ctx := context.Background()
	svc, db := newService(t)
	seller := storetest.CreateAccount(t, db, 0, "0")

	rapid.Check(t, func(rt *rapid.T) {
		startCents := rapid.Int64Range(1, 100_000).Draw(rt, "startCents")
		stepCents := rapid.Int64Range(1, 10_000).Draw(rt, "stepCents")
		open := storetest.CreateAuction(t, db, seller.ID, now, time.Hour,
			decimal.New(startCents, -2).String(), decimal.New(stepCents, -2).String())
		bidder := storetest.CreateAccount(t, db, 100, "0")

		offsets := rapid.SliceOfN(rapid.Int64Range(-2*stepCents, 3*stepCents), 1, 8).Draw(rt, "offsets")
		for _, offset := range offsets {
			before := storetest.Reload[models.Auction](t, db, open.ID)
			minimum := auction.MinimumBid(before)
			bid := minimum.Add(decimal.New(offset, -2))
			if !bid.IsPositive() {
				continue
			}

			_, err := svc.PlaceBid(ctx, open.ID, bidder.ID, bid)
			after := storetest.Reload[models.Auction](t, db, open.ID)
			if bid.LessThan(minimum) {
				if !errors.Is(err, bizerr.ErrBidTooLow) {
					rt.Fatalf("bid %s below minimum %s: got %v", bid, minimum, err)
				}
				if after.BidCount != before.BidCount || !after.PriceFloor().Equal(before.PriceFloor()) {
					rt.Fatalf("rejected bid mutated the auction")
				}
				continue
			}
			if err != nil {
				rt.Fatalf("bid %s at or above minimum %s rejected: %v", bid, minimum, err)
			}
			if !after.CurrentPrice.Decimal.Equal(bid) || after.BidCount != before.BidCount+1 {
				rt.Fatalf("accepted bid %s not applied: price=%s count=%d", bid, after.CurrentPrice.Decimal, after.BidCount)
			}
			if after.CurrentPrice.Decimal.LessThan(before.PriceFloor().Add(before.StepPrice)) {
				rt.Fatalf("price %s did not rise by a step from %s", after.CurrentPrice.Decimal, before.PriceFloor())
			}
		}
	})
}

func TestPlaceBid_BidsOrderedByPrice(t *testing.T) {
	ctx := context.Background()
	svc, db := newService(t)
	seller := storetest.CreateAccount(t, db, 0, "0")
	open := storetest.CreateAuction(t, db, seller.ID, now, time.Hour, "100", "10")

	prices := []string{"110", "125", "135.5", "200"}
	for _, p := range prices {
		bidder := storetest.CreateAccount(t, db, 1, "0")
		_, err := svc.PlaceBid(ctx, open.ID, bidder.ID, price(p))
		require.NoError(t, err)
	}
	bids, err := svc.Bids(ctx, open.ID, 0)
	require.NoError(t, err)
	require.Len(t, bids, len(prices))
	assert.True(t, sort.SliceIsSorted(bids, func(i, j int) bool { return bids[i].Price.GreaterThan(bids[j].Price) }))
}
