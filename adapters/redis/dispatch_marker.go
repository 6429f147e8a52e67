package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DispatchMarker 以帶 TTL 的 key 標記「某件工作已經派發」，避免重複派發
// 標記的值是派發者的 token，只有持有同一個 token 的人可以提前清除
type DispatchMarker struct {
	client  *redis.Client
	options DispatchMarkerOptions
}

// DispatchMarkerOptions 定義了 DispatchMarker 的配置選項
type DispatchMarkerOptions struct {
	Prefix string
}

type DispatchMarkerOption func(*DispatchMarkerOptions)

// WithDispatchMarkerPrefix 設定 key 前綴
func WithDispatchMarkerPrefix(prefix string) DispatchMarkerOption {
	return func(o *DispatchMarkerOptions) {
		o.Prefix = prefix
	}
}

// NewDispatchMarker 建立一個新的 DispatchMarker 實例
func NewDispatchMarker(client *redis.Client, opts ...DispatchMarkerOption) IDispatchMarker {
	options := &DispatchMarkerOptions{}
	for _, opt := range opts {
		opt(options)
	}

	return &DispatchMarker{
		client:  client,
		options: *options,
	}
}

// Mark 在標記不存在時設置標記
func (m *DispatchMarker) Mark(ctx context.Context, name, token string, ttl time.Duration) (bool, error) {
	const op = "redis.DispatchMarker.Mark"
	ok, err := m.client.SetNX(ctx, m.options.Prefix+name, token, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("%s: failed to set marker: %w", op, err)
	}
	return ok, nil
}

// clearScript 只在標記的值等於 token 時刪除，避免清掉其他派發者之後設置的標記
var clearScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`)

// Clear 移除屬於 token 的標記
func (m *DispatchMarker) Clear(ctx context.Context, name, token string) (bool, error) {
	const op = "redis.DispatchMarker.Clear"
	n, err := clearScript.Run(ctx, m.client, []string{m.options.Prefix + name}, token).Int64()
	if err != nil {
		return false, fmt.Errorf("%s: failed to execute clear script: %w", op, err)
	}
	return n == 1, nil
}
