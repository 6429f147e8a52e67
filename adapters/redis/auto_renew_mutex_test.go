package redis

import (
	"context"
	"testing"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

const testLockKey = "auction:0191f7a4-0000-7000-8000-000000000001:close-lock"

func assertContextDone(t *testing.T, ctx context.Context) {
	t.Helper()
	select {
	case <-ctx.Done():
	case <-time.After(100 * time.Millisecond):
		t.Error("lock context was not cancelled")
	}
}

func TestAutoRenewMutex_Lock(t *testing.T) {
	t.Run("successful lock", func(t *testing.T) {
		defer goleak.VerifyNone(t)
		client, mock, cleanup := setupTest(t)
		defer cleanup()

		mock.Regexp().ExpectSetNX(testLockKey, ".*", 8*time.Second).SetVal(true)
		mock.Regexp().ExpectEvalSha(".*", []string{testLockKey}, []string{".*"}).SetVal(int64(1))

		mutex := NewAutoRenewMutex(client, testLockKey)
		lockCtx, err := mutex.Lock(context.Background())
		require.NoError(t, err)
		assert.True(t, mutex.Valid())

		ok, err := mutex.Unlock()
		assert.NoError(t, err)
		assert.True(t, ok)
		assert.False(t, mutex.Valid())
		assertContextDone(t, lockCtx)
	})

	t.Run("context already cancelled", func(t *testing.T) {
		defer goleak.VerifyNone(t)
		client, _, cleanup := setupTest(t)
		defer cleanup()

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		lockCtx, err := NewAutoRenewMutex(client, testLockKey).Lock(ctx)
		assert.ErrorIs(t, err, context.Canceled)
		assert.Nil(t, lockCtx)
	})

	t.Run("redis error is returned", func(t *testing.T) {
		defer goleak.VerifyNone(t)
		client, mock, cleanup := setupTest(t)
		defer cleanup()

		mock.Regexp().ExpectSetNX(testLockKey, ".*", 8*time.Second).SetErr(redis.ErrClosed)

		lockCtx, err := NewAutoRenewMutex(client, testLockKey).Lock(context.Background())
		assert.ErrorIs(t, err, redis.ErrClosed)
		assert.Nil(t, lockCtx)
	})

	t.Run("redis error is retried until deadline", func(t *testing.T) {
		defer goleak.VerifyNone(t)
		client, mock, cleanup := setupTest(t)
		defer cleanup()

		mock.Regexp().ExpectSetNX(testLockKey, ".*", 8*time.Second).SetErr(redis.ErrClosed)
		ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		defer cancel()

		mutex := NewAutoRenewMutex(client, testLockKey,
			WithAutoRenewMutexSkipLockError(true),
			WithAutoRenewMutexRetryDelay(time.Second))
		lockCtx, err := mutex.Lock(ctx)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.Nil(t, lockCtx)
	})
}

func TestAutoRenewMutex_AutoRenew(t *testing.T) {
	t.Run("successful auto renew", func(t *testing.T) {
		defer goleak.VerifyNone(t)
		client, mock, cleanup := setupTest(t)
		defer cleanup()

		mock.Regexp().ExpectSetNX(testLockKey, ".*", 2*time.Second).SetVal(true)
		mock.Regexp().ExpectEvalSha(".*", []string{testLockKey}, []string{".*", "2000"}).SetVal(int64(1))
		mock.Regexp().ExpectEvalSha(".*", []string{testLockKey}, []string{".*", "2000"}).SetVal(int64(1))
		mock.Regexp().ExpectEvalSha(".*", []string{testLockKey}, []string{".*"}).SetVal(int64(1))

		mutex := NewAutoRenewMutex(client, testLockKey,
			WithAutoRenewMutexExpiry(2*time.Second),
			WithAutoRenewMutexRenewInterval(100*time.Millisecond))

		lockCtx, err := mutex.Lock(context.Background())
		require.NoError(t, err)

		time.Sleep(250 * time.Millisecond)
		assert.True(t, mutex.Valid())

		ok, err := mutex.Unlock()
		assert.NoError(t, err)
		assert.True(t, ok)
		assertContextDone(t, lockCtx)
	})

	t.Run("auto renew fails", func(t *testing.T) {
		defer goleak.VerifyNone(t)
		client, mock, cleanup := setupTest(t)
		defer cleanup()

		mock.Regexp().ExpectSetNX(testLockKey, ".*", 2*time.Second).SetVal(true)
		mock.Regexp().ExpectEvalSha(".*", []string{testLockKey}, []string{".*", "2000"}).SetErr(redis.ErrClosed)
		mock.Regexp().ExpectEvalSha(".*", []string{testLockKey}, []string{".*"}).SetVal(int64(-1))

		mutex := NewAutoRenewMutex(client, testLockKey,
			WithAutoRenewMutexExpiry(2*time.Second),
			WithAutoRenewMutexRenewInterval(100*time.Millisecond))

		lockCtx, err := mutex.Lock(context.Background())
		require.NoError(t, err)

		time.Sleep(150 * time.Millisecond)
		assert.False(t, mutex.Valid())
		assertContextDone(t, lockCtx)

		ok, err := mutex.Unlock()
		assert.ErrorIs(t, err, redsync.ErrLockAlreadyExpired)
		assert.False(t, ok)
	})
}

func TestAutoRenewMutex_MaxHold(t *testing.T) {
	client, server := setupMiniredis(t)

	mutex := NewAutoRenewMutex(client, testLockKey,
		WithAutoRenewMutexExpiry(time.Second),
		WithAutoRenewMutexRenewInterval(30*time.Millisecond),
		WithAutoRenewMutexMaxHold(100*time.Millisecond))

	lockCtx, err := mutex.Lock(context.Background())
	require.NoError(t, err)
	assert.True(t, mutex.Valid())

	select {
	case <-lockCtx.Done():
		assert.ErrorIs(t, lockCtx.Err(), context.DeadlineExceeded)
	case <-time.After(time.Second):
		t.Fatal("lock context should expire after max hold")
	}
	assert.Eventually(t, func() bool { return !mutex.Valid() }, time.Second, 10*time.Millisecond)

	// 持有者停止續期後，鎖在 expiry 到期前仍然存在
	assert.True(t, server.Exists(testLockKey))
	other := NewAutoRenewMutex(client, testLockKey, WithAutoRenewMutexRetryDelay(10*time.Millisecond))
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	_, err = other.Lock(ctx)
	cancel()
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// 過期後可以被其他人重新取得
	server.FastForward(2 * time.Second)
	otherCtx, err := other.Lock(context.Background())
	require.NoError(t, err)
	ok, err := other.Unlock()
	assert.NoError(t, err)
	assert.True(t, ok)
	assertContextDone(t, otherCtx)
}

func TestAutoRenewMutex_WaitsForRelease(t *testing.T) {
	client, _ := setupMiniredis(t)
	holder := NewAutoRenewMutex(client, testLockKey, WithAutoRenewMutexExpiry(time.Second))
	waiter := NewAutoRenewMutex(client, testLockKey, WithAutoRenewMutexRetryDelay(10*time.Millisecond))

	_, err := holder.Lock(context.Background())
	require.NoError(t, err)

	acquired := make(chan error, 1)
	go func() {
		_, err := waiter.Lock(context.Background())
		acquired <- err
	}()

	select {
	case <-acquired:
		t.Fatal("waiter acquired a held lock")
	case <-time.After(50 * time.Millisecond):
	}

	ok, err := holder.Unlock()
	require.NoError(t, err)
	assert.True(t, ok)

	select {
	case err := <-acquired:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("waiter should acquire the lock after release")
	}
	assert.True(t, waiter.Valid())
	_, err = waiter.Unlock()
	assert.NoError(t, err)
}

func TestMutexFactory(t *testing.T) {
	client, server := setupMiniredis(t)
	factory := NewMutexFactory(client, WithAutoRenewMutexExpiry(time.Second))

	first := factory("auction:a:close-lock")
	second := factory("auction:b:close-lock")

	_, err := first.Lock(context.Background())
	require.NoError(t, err)
	_, err = second.Lock(context.Background())
	require.NoError(t, err)
	assert.True(t, server.Exists("auction:a:close-lock"))
	assert.True(t, server.Exists("auction:b:close-lock"))

	_, err = first.Unlock()
	assert.NoError(t, err)
	_, err = second.Unlock()
	assert.NoError(t, err)
	assert.False(t, server.Exists("auction:a:close-lock"))
}
