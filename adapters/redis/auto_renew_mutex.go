package redis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"
)

// AutoRenewMutex 是在持有期間背景續期的 redsync 互斥鎖
// Lock 回傳的 context 會在鎖失效、續期失敗或超過 maxHold 時取消，持有者應以它約束臨界區
type AutoRenewMutex struct {
	*redsync.Mutex
	cancel   context.CancelFunc
	renewing bool
	mu       sync.Mutex
	wg       sync.WaitGroup
	options  autoRenewMutexOptions
}

type autoRenewMutexOptions struct {
	renewInterval time.Duration
	retryDelay    time.Duration
	expiry        time.Duration
	maxHold       time.Duration
	skipLockError bool
}

type AutoRenewMutexOption func(*autoRenewMutexOptions)

// WithAutoRenewMutexRenewInterval 設置自動續期間隔，預設為 expiry 的三分之一
func WithAutoRenewMutexRenewInterval(d time.Duration) AutoRenewMutexOption {
	return func(o *autoRenewMutexOptions) {
		o.renewInterval = d
	}
}

// WithAutoRenewMutexRetryDelay 設置鎖被占用時的重試間隔
func WithAutoRenewMutexRetryDelay(d time.Duration) AutoRenewMutexOption {
	return func(o *autoRenewMutexOptions) {
		o.retryDelay = d
	}
}

// WithAutoRenewMutexExpiry 設置鎖在 redis 上的存活時間
func WithAutoRenewMutexExpiry(d time.Duration) AutoRenewMutexOption {
	return func(o *autoRenewMutexOptions) {
		o.expiry = d
	}
}

// WithAutoRenewMutexMaxHold 設置最長持有時間，超過後停止續期並取消 Lock 回傳的 context，
// 鎖會在 expiry 之後自然失效，0 表示不限制
func WithAutoRenewMutexMaxHold(d time.Duration) AutoRenewMutexOption {
	return func(o *autoRenewMutexOptions) {
		o.maxHold = d
	}
}

// WithAutoRenewMutexSkipLockError 設置 redis 連線錯誤時是否繼續重試
func WithAutoRenewMutexSkipLockError(skip bool) AutoRenewMutexOption {
	return func(o *autoRenewMutexOptions) {
		o.skipLockError = skip
	}
}

func defaultAutoRenewMutexOptions() autoRenewMutexOptions {
	return autoRenewMutexOptions{
		expiry:     8 * time.Second,
		retryDelay: 500 * time.Millisecond,
	}
}

// NewAutoRenewMutex 建立 key 對應的互斥鎖，每次嘗試只向 redis 要一次鎖，重試由 Lock 控制
func NewAutoRenewMutex(client *redis.Client, key string, opts ...AutoRenewMutexOption) IAutoRenewMutex {
	options := defaultAutoRenewMutexOptions()
	for _, opt := range opts {
		opt(&options)
	}
	if options.renewInterval <= 0 {
		options.renewInterval = options.expiry / 3
	}

	mutex := redsync.New(goredis.NewPool(client)).NewMutex(
		key,
		redsync.WithExpiry(options.expiry),
		redsync.WithTries(1),
		redsync.WithRetryDelay(options.retryDelay),
	)
	return &AutoRenewMutex{
		Mutex:   mutex,
		options: options,
	}
}

// MutexFactory 依照 key 建立互斥鎖
type MutexFactory func(key string) IAutoRenewMutex

// NewMutexFactory 建立共用同一組選項的 MutexFactory
func NewMutexFactory(client *redis.Client, opts ...AutoRenewMutexOption) MutexFactory {
	return func(key string) IAutoRenewMutex {
		return NewAutoRenewMutex(client, key, opts...)
	}
}

// Lock 等到取得鎖或 ctx 結束為止，取得後開始背景續期
func (m *AutoRenewMutex) Lock(ctx context.Context) (context.Context, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		err := m.Mutex.LockContext(ctx)
		if err == nil {
			return m.hold(ctx), nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var redisErr *redsync.RedisError
		if errors.As(err, &redisErr) && !m.options.skipLockError {
			return nil, fmt.Errorf("failed to acquire lock: %w", err)
		}

		// 鎖被其他持有者占用，等待後再試
		wait := time.NewTimer(m.options.retryDelay)
		select {
		case <-ctx.Done():
			wait.Stop()
			return nil, ctx.Err()
		case <-wait.C:
		}
	}
}

// hold 建立持有期間的 context 並啟動續期
func (m *AutoRenewMutex) hold(ctx context.Context) context.Context {
	var (
		holdCtx context.Context
		cancel  context.CancelFunc
	)
	if m.options.maxHold > 0 {
		holdCtx, cancel = context.WithTimeout(ctx, m.options.maxHold)
	} else {
		holdCtx, cancel = context.WithCancel(ctx)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancel = cancel
	if !m.renewing {
		m.renewing = true
		m.wg.Add(1)
		go m.renew(holdCtx)
	}
	return holdCtx
}

// renew 每隔 renewInterval 延長一次鎖，延長失敗或 ctx 結束即停止
func (m *AutoRenewMutex) renew(ctx context.Context) {
	defer m.wg.Done()
	defer m.stopAutoRenew()

	ticker := time.NewTicker(m.options.renewInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ok, err := m.Mutex.Extend(); err != nil || !ok {
				return
			}
		}
	}
}

// Unlock 停止續期後釋放鎖
func (m *AutoRenewMutex) Unlock() (bool, error) {
	m.stopAutoRenew()
	m.wg.Wait()
	return m.Mutex.Unlock()
}

// Valid 回報鎖是否仍在續期且尚未過期
func (m *AutoRenewMutex) Valid() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.renewing && time.Now().Before(m.Mutex.Until())
}

func (m *AutoRenewMutex) stopAutoRenew() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.renewing {
		return
	}
	m.renewing = false
	if m.cancel != nil {
		m.cancel()
	}
}
