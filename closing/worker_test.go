package closing_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	redisAdapter "bidmart/adapters/redis"
	"bidmart/closing"
	"bidmart/models"
	"bidmart/notify"
	"bidmart/store/storetest"
)

type closerFunc func(ctx context.Context, auctionID uuid.UUID) (closing.Result, error)

func (f closerFunc) Close(ctx context.Context, auctionID uuid.UUID) (closing.Result, error) {
	return f(ctx, auctionID)
}

func startWorker(t *testing.T, e *env, closer closing.TaskCloser) {
	t.Helper()
	consumer, err := redisAdapter.NewGroupConsumer[closing.Task](e.client, closingStream, "closers", "node-1",
		redisAdapter.WithGroupConsumerLogger[closing.Task](discardLogger),
		redisAdapter.WithGroupConsumerBlockTimeout[closing.Task](50*time.Millisecond),
	)
	require.NoError(t, err)
	worker, err := closing.NewWorker(consumer, closer, redisAdapter.NewDispatchMarker(e.client), discardLogger)
	require.NoError(t, err)
	require.NoError(t, worker.Start())
	t.Cleanup(worker.Close)
}

func pendingCount(t *testing.T, e *env) int64 {
	t.Helper()
	pending, err := e.client.XPending(context.Background(), closingStream, "closers").Result()
	require.NoError(t, err)
	return pending.Count
}

func TestWorker_ClosesDispatchedAuctions(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	seller := storetest.CreateAccount(t, e.db, 0, "0")
	bidder := storetest.CreateAccount(t, e.db, 1, "0")
	withBid := storetest.CreateAuction(t, e.db, seller.ID, now, time.Hour, "100", "10")
	noBid := storetest.CreateAuction(t, e.db, seller.ID, now, time.Hour, "100", "10")
	_, err := e.bids.PlaceBid(ctx, withBid.ID, bidder.ID, decimal.NewFromInt(150))
	require.NoError(t, err)

	notifier, err := notify.NewDispatcher(e.store, notify.WithLogger(discardLogger))
	require.NoError(t, err)
	startWorker(t, e, newCloser(t, e, notifier))

	producer, err := redisAdapter.NewProducer[closing.Task](e.client, closingStream)
	require.NoError(t, err)
	scanner := newScanner(t, e, redisAdapter.NewDispatchMarker(e.client), producer)
	dispatched, err := scanner.Scan(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, dispatched)

	assert.Eventually(t, func() bool {
		var open int64
		require.NoError(t, e.db.Model(&models.Auction{}).Where("status = ?", models.AuctionStatusApproved).Count(&open).Error)
		return open == 0
	}, 2*time.Second, 20*time.Millisecond)

	assert.Equal(t, models.AuctionStatusEndedWithBids, storetest.Reload[models.Auction](t, e.db, withBid.ID).Status)
	assert.Equal(t, models.AuctionStatusEndedNoBids, storetest.Reload[models.Auction](t, e.db, noBid.ID).Status)
	assert.Equal(t, int64(1), countOrders(t, e.db))
	assert.Eventually(t, func() bool { return pendingCount(t, e) == 0 }, time.Second, 10*time.Millisecond)

	// 一場無人出價通知賣家，一場有得標者通知賣家與得標者
	var notices int64
	require.NoError(t, e.db.Model(&models.Notification{}).Count(&notices).Error)
	assert.Equal(t, int64(3), notices)

	// 已結標的拍賣不會再被掃描到
	dispatched, err = scanner.Scan(ctx)
	require.NoError(t, err)
	assert.Zero(t, dispatched)
}

func TestWorker_FailedTaskIsRedispatched(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	seller := storetest.CreateAccount(t, e.db, 0, "0")
	a := storetest.CreateAuction(t, e.db, seller.ID, now, time.Hour, "100", "10")

	var (
		mu    sync.Mutex
		calls int
	)
	startWorker(t, e, closerFunc(func(_ context.Context, auctionID uuid.UUID) (closing.Result, error) {
		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, a.ID, auctionID)
		calls++
		return closing.Result{}, errors.New("database unavailable")
	}))

	producer, err := redisAdapter.NewProducer[closing.Task](e.client, closingStream)
	require.NoError(t, err)
	scanner := newScanner(t, e, redisAdapter.NewDispatchMarker(e.client), producer)
	dispatched, err := scanner.Scan(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, dispatched)

	assert.Eventually(t, func() bool {
		dead, err := e.client.XLen(ctx, redisAdapter.DeadLetterStream(closingStream)).Result()
		return err == nil && dead == 1
	}, 2*time.Second, 20*time.Millisecond)
	assert.Eventually(t, func() bool { return !e.server.Exists(closing.MarkerName(a.ID)) }, time.Second, 10*time.Millisecond)

	dispatched, err = scanner.Scan(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, dispatched, "cleared marker allows the next scan to retry")
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls == 2
	}, 2*time.Second, 20*time.Millisecond)
}
