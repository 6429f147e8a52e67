// Package rabbitmq 提供以 RabbitMQ queue 為來源的事件消費者
package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"bidmart/bizerr"
)

// Handler 處理一則解析後的消息
type Handler[T any] func(ctx context.Context, message T) error

type consumerOptions struct {
	logger         *slog.Logger
	workers        int
	prefetch       int
	handleTimeout  time.Duration
	consumerTag    string
	declareDurable bool
}

type ConsumerOption func(*consumerOptions)

// WithConsumerLogger 設置日誌記錄器
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(o *consumerOptions) {
		o.logger = logger
	}
}

// WithConsumerWorkers 設置同時處理消息的 worker 數量
func WithConsumerWorkers(workers int) ConsumerOption {
	return func(o *consumerOptions) {
		o.workers = workers
	}
}

// WithConsumerPrefetch 設置 channel 的 QoS prefetch
func WithConsumerPrefetch(prefetch int) ConsumerOption {
	return func(o *consumerOptions) {
		o.prefetch = prefetch
	}
}

// WithConsumerHandleTimeout 設置單則消息的處理時限
func WithConsumerHandleTimeout(d time.Duration) ConsumerOption {
	return func(o *consumerOptions) {
		o.handleTimeout = d
	}
}

// WithConsumerTag 設置 consumer tag
func WithConsumerTag(tag string) ConsumerOption {
	return func(o *consumerOptions) {
		o.consumerTag = tag
	}
}

// Consumer 從 queue 讀取 JSON 消息交給 Handler，並依處理結果決定 ack 或 nack
//
//   - 解析失敗：nack 且不重新排隊，消息交給 queue 的 dead letter 設定處理
//   - 業務錯誤：ack，重送也只會得到同樣的結果
//   - 基礎設施錯誤或可重試的錯誤：nack 並重新排隊
type Consumer[T any] struct {
	channel *amqp.Channel
	queue   string
	handler Handler[T]
	logger  *slog.Logger
	options consumerOptions

	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
	mu         sync.Mutex
	started    bool
}

// NewConsumer 宣告 queue 並設定 QoS，呼叫 Start 之後才開始消費
func NewConsumer[T any](conn *amqp.Connection, queue string, handler Handler[T], opts ...ConsumerOption) (*Consumer[T], error) {
	const op = "NewConsumer"
	if conn == nil {
		return nil, errors.New("amqp connection cannot be nil")
	}
	if queue == "" {
		return nil, errors.New("queue cannot be empty")
	}
	if handler == nil {
		return nil, errors.New("handler cannot be nil")
	}
	options := defaultOptions()
	for _, opt := range opts {
		opt(&options)
	}

	channel, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to open channel, err=%w", op, err)
	}
	_, err = channel.QueueDeclare(
		queue,
		options.declareDurable,
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		channel.Close()
		return nil, fmt.Errorf("[%s] Fail to declare queue, queue=%s, err=%w", op, queue, err)
	}
	if err := channel.Qos(options.prefetch, 0, false); err != nil {
		channel.Close()
		return nil, fmt.Errorf("[%s] Fail to set QoS, err=%w", op, err)
	}

	consumer := newConsumer(queue, handler, options)
	consumer.channel = channel
	return consumer, nil
}

func defaultOptions() consumerOptions {
	return consumerOptions{
		logger:         slog.Default(),
		workers:        4,
		prefetch:       16,
		handleTimeout:  30 * time.Second,
		declareDurable: true,
	}
}

func newConsumer[T any](queue string, handler Handler[T], options consumerOptions) *Consumer[T] {
	if options.workers <= 0 {
		options.workers = 1
	}
	return &Consumer[T]{
		queue:   queue,
		handler: handler,
		logger:  options.logger.With(slog.String("caller", "RabbitConsumer"), slog.String("queue", queue)),
		options: options,
	}
}

// Start 開始消費 queue，不會阻塞
func (c *Consumer[T]) Start() error {
	const op = "Consumer.Start"
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return nil
	}
	deliveries, err := c.channel.Consume(
		c.queue,
		c.options.consumerTag,
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("[%s] Fail to start consuming, queue=%s, err=%w", op, c.queue, err)
	}
	c.run(deliveries)
	return nil
}

// run 啟動 worker，deliveries 關閉或 Close 時結束
func (c *Consumer[T]) run(deliveries <-chan amqp.Delivery) {
	ctx, cancel := context.WithCancel(context.Background())
	c.cancelFunc = cancel
	c.started = true
	c.logger.Info("starting consumer workers", slog.Int("workers", c.options.workers))

	for i := range c.options.workers {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.worker(ctx, deliveries, i)
		}()
	}
}

func (c *Consumer[T]) worker(ctx context.Context, deliveries <-chan amqp.Delivery, workerID int) {
	for {
		select {
		case <-ctx.Done():
			return
		case delivery, ok := <-deliveries:
			if !ok {
				c.logger.Warn("delivery channel closed", slog.Int("workerId", workerID))
				return
			}
			c.process(ctx, delivery)
		}
	}
}

// process 處理單則消息並 ack 或 nack
func (c *Consumer[T]) process(ctx context.Context, delivery amqp.Delivery) {
	logger := c.logger.With(slog.String("messageId", delivery.MessageId), slog.Uint64("deliveryTag", delivery.DeliveryTag))

	var message T
	if err := json.Unmarshal(delivery.Body, &message); err != nil {
		logger.Error("failed to unmarshal message", slog.Any("error", err), slog.String("body", string(delivery.Body)))
		if err := delivery.Nack(false, false); err != nil {
			logger.Warn("failed to nack message", slog.Any("error", err))
		}
		return
	}

	handleCtx, cancel := context.WithTimeout(ctx, c.options.handleTimeout)
	defer cancel()
	err := c.handler(handleCtx, message)
	switch {
	case err == nil:
		if err := delivery.Ack(false); err != nil {
			logger.Warn("failed to ack message", slog.Any("error", err))
		}
	case bizerr.KindOf(err) == bizerr.KindInfrastructure || bizerr.IsRetryable(err):
		logger.Error("failed to handle message, requeue", slog.Any("error", err), slog.Bool("redelivered", delivery.Redelivered))
		if err := delivery.Nack(false, true); err != nil {
			logger.Warn("failed to nack message", slog.Any("error", err))
		}
	default:
		logger.Warn("message rejected by handler", slog.String("code", bizerr.CodeOf(err)), slog.Any("error", err))
		if err := delivery.Ack(false); err != nil {
			logger.Warn("failed to ack message", slog.Any("error", err))
		}
	}
}

// Close 停止 worker 並關閉 channel，處理中的消息會先完成
func (c *Consumer[T]) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		c.cancelFunc()
		c.wg.Wait()
		c.started = false
	}
	if c.channel != nil && !c.channel.IsClosed() {
		if err := c.channel.Close(); err != nil {
			return fmt.Errorf("[Consumer.Close] Fail to close channel, err=%w", err)
		}
	}
	c.logger.Info("consumer closed")
	return nil
}
