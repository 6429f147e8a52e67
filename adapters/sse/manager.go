package sse

import (
	"errors"
	"log/slog"
	"sync"

	redisAdapter "bidmart/adapters/redis"
)

// ErrManagerClosed 表示連線管理器已經停止
var ErrManagerClosed = errors.New("connection manager is closed")

type managerOptions[T any] struct {
	logger     *slog.Logger
	subscriber redisAdapter.IConsumer[PublishRequest[T]]
	bufferSize int
}

type Option[T any] func(*managerOptions[T])

// WithLogger 設置日誌記錄器
func WithLogger[T any](logger *slog.Logger) Option[T] {
	return func(o *managerOptions[T]) {
		o.logger = logger
	}
}

// WithSubscriber 設置訊息來源，通常是讀取跨節點 Redis Stream 的 Consumer
func WithSubscriber[T any](subscriber redisAdapter.IConsumer[PublishRequest[T]]) Option[T] {
	return func(o *managerOptions[T]) {
		o.subscriber = subscriber
	}
}

// WithBufferSize 設置每個訂閱者的緩衝大小
func WithBufferSize[T any](size int) Option[T] {
	return func(o *managerOptions[T]) {
		o.bufferSize = size
	}
}

// connectionManager 管理多個 SSE 頻道的訂閱與發布。
// 透過 subscriber 接收其他節點寫入 Redis Stream 的訊息，讓多個服務實例能夠協同運作。
type connectionManager[T any] struct {
	logger *slog.Logger

	mu     sync.RWMutex   // 保護 active 和 channels 的讀寫
	wg     sync.WaitGroup // 用於等待所有 goroutine 完成
	active bool           // 標記 manager 是否正在運作中

	channels map[string]IChannel[T] // 儲存所有活躍的頻道
	options  managerOptions[T]
}

// NewConnectionManager 建立一個新的連線管理器。
func NewConnectionManager[T any](opts ...Option[T]) (IConnectionManager[T], error) {
	options := managerOptions[T]{
		logger:     slog.Default(),
		bufferSize: 16,
	}
	for _, opt := range opts {
		opt(&options)
	}
	if options.bufferSize < 1 {
		return nil, errors.New("buffer size must be positive")
	}

	return &connectionManager[T]{
		logger:   options.logger.With(slog.String("caller", "ConnectionManager")),
		channels: make(map[string]IChannel[T]),
		active:   true,
		options:  options,
	}, nil
}

// Start 啟動連線管理器，開始處理訊息的接收與廣播。
func (cm *connectionManager[T]) Start() {
	if cm.options.subscriber == nil {
		return
	}
	cm.options.subscriber.Start()

	cm.wg.Add(1)
	go func() {
		defer cm.wg.Done()
		defer cm.logger.Info("broadcast goroutine stopped")
		for msg := range cm.options.subscriber.Subscribe() {
			if err := cm.Publish(msg.Channel, msg.Message); err != nil {
				return
			}
		}
	}()
}

// Done 停止連線管理器的運作。
func (cm *connectionManager[T]) Done() {
	cm.mu.Lock()
	if !cm.active {
		cm.mu.Unlock()
		return
	}
	cm.active = false
	cm.mu.Unlock()

	// subscriber 關閉後下游通道會被關閉，廣播 goroutine 隨之結束
	if cm.options.subscriber != nil {
		cm.options.subscriber.Close()
	}
	cm.wg.Wait()

	cm.mu.Lock()
	defer cm.mu.Unlock()
	for _, channel := range cm.channels {
		channel.UnsubscribeAll()
	}
	clear(cm.channels)
}

// Subscribe 訂閱指定的頻道。
func (cm *connectionManager[T]) Subscribe(channelName string) (<-chan T, error) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if !cm.active {
		return nil, ErrManagerClosed
	}

	c, ok := cm.channels[channelName]
	if !ok {
		c = NewChannel[T](cm.options.bufferSize)
		cm.channels[channelName] = c
	}
	return c.Subscribe(), nil
}

// Publish 發布訊息到本節點指定的頻道，沒有訂閱者時直接忽略。
func (cm *connectionManager[T]) Publish(channelName string, data T) error {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	if !cm.active {
		return ErrManagerClosed
	}

	c, ok := cm.channels[channelName]
	if !ok {
		return nil
	}
	if dropped := c.Broadcast(data); dropped > 0 {
		cm.logger.Warn("slow subscribers, message dropped", slog.String("channel", channelName), slog.Int("dropped", dropped))
	}
	return nil
}

// Unsubscribe 取消訂閱指定的頻道。
func (cm *connectionManager[T]) Unsubscribe(channelName string, ch <-chan T) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	c, ok := cm.channels[channelName]
	if !ok {
		return
	}

	c.Unsubscribe(ch)
	if c.IsIdle() {
		delete(cm.channels, channelName)
	}
}
