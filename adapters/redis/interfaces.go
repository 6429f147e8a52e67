//go:generate mockgen -package=redis -destination=mock.go -source=interfaces.go

package redis

import (
	"context"
	"time"
)

// IProducer 定義了 Producer 的操作介面
type IProducer[T any] interface {
	Start()
	// Publish 非同步發布，不保證送達
	Publish(data T) error
	// PublishSync 同步發布，回傳 stream 中的訊息 ID
	PublishSync(ctx context.Context, data T) (string, error)
	Close()
}

// IGroupConsumer 定義了 GroupConsumer 的操作介面
type IGroupConsumer[T any] interface {
	Start() error
	Subscribe() <-chan *Message[T]
	Close() error
}

// IConsumer 定義了 Consumer 的操作介面
type IConsumer[T any] interface {
	Start()
	Subscribe() <-chan T
	Close()
}

// IAutoRenewMutex 定義了 AutoRenewMutex 的操作介面
type IAutoRenewMutex interface {
	Lock(ctx context.Context) (context.Context, error)
	Unlock() (bool, error)
	Valid() bool
}

// IDispatchMarker 定義了 DispatchMarker 的操作介面
type IDispatchMarker interface {
	// Mark 在標記不存在時設置標記，回傳是否由本次呼叫設置
	Mark(ctx context.Context, name, token string, ttl time.Duration) (bool, error)
	// Clear 只在標記仍屬於 token 時移除標記
	Clear(ctx context.Context, name, token string) (bool, error)
}
