package closing_test

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	redisAdapter "bidmart/adapters/redis"
	"bidmart/auction"
	"bidmart/models"
	"bidmart/store"
	"bidmart/store/storetest"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

type env struct {
	store  *store.Store
	db     *gorm.DB
	client *redis.Client
	server *miniredis.Miniredis
	bids   *auction.Service
}

func newEnv(t *testing.T) *env {
	t.Helper()
	s, db := storetest.NewStore(t)
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { client.Close() })
	bids, err := auction.NewService(s, auction.Config{CostPerBid: 1},
		auction.WithClock(func() time.Time { return now }),
		auction.WithLogger(discardLogger))
	require.NoError(t, err)
	return &env{store: s, db: db, client: client, server: server, bids: bids}
}

func (e *env) mutexes() redisAdapter.MutexFactory {
	return redisAdapter.NewMutexFactory(e.client,
		redisAdapter.WithAutoRenewMutexExpiry(2*time.Second),
		redisAdapter.WithAutoRenewMutexRetryDelay(10*time.Millisecond),
		redisAdapter.WithAutoRenewMutexMaxHold(5*time.Second))
}

func countOrders(t *testing.T, db *gorm.DB) int64 {
	t.Helper()
	var count int64
	require.NoError(t, db.Model(&models.Order{}).Count(&count).Error)
	return count
}
