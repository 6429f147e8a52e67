package redis

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/redis/go-redis/v9"
)

var (
	ErrConsumerClosed = errors.New("consumer is closed")
)

// DeadLetterStream 回傳 stream 對應的死信 stream
func DeadLetterStream(stream string) string {
	return stream + ":dead-letter"
}

// Message 封裝消息和ack所需資料
type Message[T any] struct {
	Data T

	client    *redis.Client
	done      bool
	messageID string
	stream    string
	group     string

	raw map[string]any
}

// ID 回傳消息在 stream 中的 ID
func (m *Message[T]) ID() string {
	return m.messageID
}

// Done 確認消息已處理完成
func (m *Message[T]) Done(ctx context.Context) error {
	const op = "Message.Done"
	if m.done {
		return nil
	}
	err := m.client.XAck(ctx, m.stream, m.group, m.messageID).Err()
	if err != nil {
		return fmt.Errorf("[%s] failed to ack message: %w", op, err)
	}
	m.done = true
	return nil
}

// Fail 確認消息處理失敗，將消息連同錯誤原因移到死信 stream
func (m *Message[T]) Fail(ctx context.Context, failErr error) error {
	const op = "Message.Fail"
	if m.done {
		return nil
	}

	values := maps.Clone(m.raw)
	values["error"] = failErr.Error()
	values["sourceId"] = m.messageID
	err := m.client.XAdd(ctx, &redis.XAddArgs{
		Stream: DeadLetterStream(m.stream),
		Values: values,
	}).Err()
	if err != nil {
		return fmt.Errorf("[%s] failed to move message to dead letter queue: %w", op, err)
	}

	err = m.client.XAck(ctx, m.stream, m.group, m.messageID).Err()
	if err != nil {
		return fmt.Errorf("[%s] failed to ack failed message: %w", op, err)
	}
	m.done = true
	return nil
}

// GroupConsumer 以 consumer group 讀取 stream，同一條消息只會交給 group 中的一個 consumer
// 已經交出去但閒置超過 claimMinIdle 仍未確認的消息(通常是處理中的節點崩潰)，
// 會被其他 consumer 以 XAUTOCLAIM 接手
type GroupConsumer[T any] struct {
	client     *redis.Client
	stream     string
	group      string
	consumer   string
	downStream chan *Message[T]
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
	closed     bool
	logger     *slog.Logger
	options    groupConsumerOptions[T]
}

type groupConsumerOptions[T any] struct {
	logger        *slog.Logger
	parseFunc     func(map[string]any) (T, error)
	bufferSize    int
	blockTimeout  time.Duration
	retryDelay    time.Duration
	claimMinIdle  time.Duration
	claimInterval time.Duration
	claimBatch    int64
}

type GroupConsumerOption[T any] func(*groupConsumerOptions[T])

// WithGroupConsumerLogger 設置日誌記錄器
func WithGroupConsumerLogger[T any](logger *slog.Logger) GroupConsumerOption[T] {
	return func(o *groupConsumerOptions[T]) {
		o.logger = logger
	}
}

// WithGroupConsumerParseFunc 設置消息解析函數
func WithGroupConsumerParseFunc[T any](fn func(map[string]any) (T, error)) GroupConsumerOption[T] {
	return func(o *groupConsumerOptions[T]) {
		o.parseFunc = fn
	}
}

// WithGroupConsumerBufferSize 設置下游channel的緩衝大小
func WithGroupConsumerBufferSize[T any](size int) GroupConsumerOption[T] {
	return func(o *groupConsumerOptions[T]) {
		o.bufferSize = size
	}
}

// WithGroupConsumerBlockTimeout 設置阻塞讀取超時時間
func WithGroupConsumerBlockTimeout[T any](d time.Duration) GroupConsumerOption[T] {
	return func(o *groupConsumerOptions[T]) {
		o.blockTimeout = d
	}
}

// WithGroupConsumerRetryDelay 設置讀取失敗後的等待時間
func WithGroupConsumerRetryDelay[T any](d time.Duration) GroupConsumerOption[T] {
	return func(o *groupConsumerOptions[T]) {
		o.retryDelay = d
	}
}

// WithGroupConsumerClaim 設置接手閒置消息的條件，minIdle 為 0 表示不接手
func WithGroupConsumerClaim[T any](minIdle, interval time.Duration) GroupConsumerOption[T] {
	return func(o *groupConsumerOptions[T]) {
		o.claimMinIdle = minIdle
		o.claimInterval = interval
	}
}

func NewGroupConsumer[T any](
	client *redis.Client,
	stream, group, consumer string,
	opts ...GroupConsumerOption[T],
) (IGroupConsumer[T], error) {
	if client == nil {
		return nil, errors.New("redis client cannot be nil")
	}
	if stream == "" || group == "" || consumer == "" {
		return nil, errors.New("stream, group and consumer cannot be empty")
	}

	// 默認選項
	options := groupConsumerOptions[T]{
		logger:        slog.Default(),
		parseFunc:     DefaultParseFromMessage[T],
		bufferSize:    1,
		blockTimeout:  time.Second,
		retryDelay:    100 * time.Millisecond,
		claimInterval: 30 * time.Second,
		claimBatch:    10,
	}

	// 應用自定義選項
	for _, opt := range opts {
		opt(&options)
	}

	return &GroupConsumer[T]{
		logger:   options.logger.With(slog.String("caller", "GroupConsumer"), slog.String("stream", stream), slog.String("group", group), slog.String("consumer", consumer)),
		client:   client,
		stream:   stream,
		group:    group,
		consumer: consumer,
		closed:   true,
		options:  options,
	}, nil
}

func (s *GroupConsumer[T]) Start() error {
	if !s.closed {
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	if err := s.ensureGroup(ctx); err != nil {
		cancel()
		return err
	}
	s.downStream = make(chan *Message[T], s.options.bufferSize)
	s.cancelFunc = cancel
	s.closed = false
	s.logger.Info("starting group consumer")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.logger.Info("group consumer goroutine stopped")
		defer close(s.downStream)

		if err := s.messagesWorkflow(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error("group consumer stopped unexpectedly", slog.Any("error", err))
		}
	}()

	return nil
}

// ensureGroup 建立 consumer group，group 已存在時忽略錯誤
func (s *GroupConsumer[T]) ensureGroup(ctx context.Context) error {
	const op = "GroupConsumer.ensureGroup"
	err := s.client.XGroupCreateMkStream(ctx, s.stream, s.group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("[%s] failed to create consumer group: %w", op, err)
	}
	return nil
}

// Subscribe 訂閱Stream，返回Message通道
func (s *GroupConsumer[T]) Subscribe() <-chan *Message[T] {
	return s.downStream
}

func (s *GroupConsumer[T]) Close() error {
	if s.closed {
		return nil
	}
	s.logger.Info("closing group consumer")
	s.closed = true
	s.cancelFunc()

	s.wg.Wait()
	s.logger.Info("group consumer closed gracefully")
	return nil
}

// messagesWorkflow 處理消息的工作流程
func (s *GroupConsumer[T]) messagesWorkflow(ctx context.Context) error {
	var lastClaim time.Time
	for {
		if ctx.Err() != nil {
			return context.Canceled
		}
		if s.options.claimMinIdle > 0 && time.Since(lastClaim) >= s.options.claimInterval {
			lastClaim = time.Now()
			if err := s.reclaim(ctx); err != nil {
				if errors.Is(err, context.Canceled) {
					return err
				}
				s.logger.Error("reclaim pending messages error", slog.Any("error", err))
			}
		}

		message, err := s.fetchNextMessage(ctx)
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return context.Canceled
			}
			// 其他的錯誤一般是server跟redis之間的通訊異常，稍後重試即可
			s.logger.Error("fetch message error", slog.Any("error", err))
			select {
			case <-ctx.Done():
				return context.Canceled
			case <-time.After(s.options.retryDelay):
			}
			continue
		}
		if err := s.dispatch(ctx, message); err != nil {
			return err
		}
	}
}

// reclaim 接手其他 consumer 閒置過久的消息
func (s *GroupConsumer[T]) reclaim(ctx context.Context) error {
	start := "0-0"
	for {
		messages, next, err := s.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   s.stream,
			Group:    s.group,
			Consumer: s.consumer,
			MinIdle:  s.options.claimMinIdle,
			Start:    start,
			Count:    s.options.claimBatch,
		}).Result()
		if err != nil {
			if ctx.Err() != nil {
				return context.Canceled
			}
			return fmt.Errorf("failed to auto claim messages: %w", err)
		}
		if len(messages) > 0 {
			s.logger.Warn("reclaimed idle messages", slog.Int("count", len(messages)))
		}
		for _, message := range messages {
			if err := s.dispatch(ctx, message); err != nil {
				return err
			}
		}
		if next == "0-0" || next == "" || len(messages) == 0 {
			return nil
		}
		start = next
	}
}

// dispatch 解析消息並交給下游，只有 context 取消時會回傳錯誤
func (s *GroupConsumer[T]) dispatch(ctx context.Context, message redis.XMessage) error {
	data, err := s.options.parseFunc(message.Values)
	if err != nil {
		// 解析失敗的問題一個是原始資料，一個是解析方案，不管哪種都是需要額外處理的
		// 不會因為重試就成功，因此先將消息移動到dead-letter，系統繼續處理下一條消息
		s.logger.Error("failed to parse message",
			slog.String("messageId", message.ID),
			slog.Any("error", err),
		)
		if deadLetterErr := s.moveToDeadLetter(ctx, message, err); deadLetterErr != nil {
			// 消息會以 pending 的形式留在 stream 中，等待之後被 reclaim
			s.logger.Error("error moving message to dead letter",
				slog.String("messageId", message.ID),
				slog.Any("error", deadLetterErr),
			)
		}
		return nil
	}
	msg := &Message[T]{
		Data:      data,
		messageID: message.ID,
		stream:    s.stream,
		group:     s.group,
		client:    s.client,
		raw:       message.Values,
	}
	return s.moveToDownStream(ctx, msg)
}

func (s *GroupConsumer[T]) fetchNextMessage(ctx context.Context) (redis.XMessage, error) {
	streams, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    s.group,
		Consumer: s.consumer,
		Streams:  []string{s.stream, ">"},
		Count:    1,
		Block:    s.options.blockTimeout,
	}).Result()
	if err != nil {
		return redis.XMessage{}, err
	}
	if len(streams) == 0 || len(streams[0].Messages) == 0 {
		return redis.XMessage{}, redis.Nil
	}
	return streams[0].Messages[0], nil
}

// 添加死信處理
func (s *GroupConsumer[T]) moveToDeadLetter(ctx context.Context, message redis.XMessage, cause error) error {
	values := maps.Clone(message.Values)
	values["error"] = cause.Error()
	values["sourceId"] = message.ID
	err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: DeadLetterStream(s.stream),
		Values: values,
	}).Err()

	if err != nil {
		return fmt.Errorf("failed to move message to dead letter queue: %w", err)
	}

	// 確認原消息
	return s.client.XAck(ctx, s.stream, s.group, message.ID).Err()
}

// moveToDownStream 處理發送消息到下游channel
func (s *GroupConsumer[T]) moveToDownStream(ctx context.Context, message *Message[T]) error {
	if ctx.Err() != nil {
		return context.Canceled
	}
	select {
	case <-ctx.Done():
		return context.Canceled
	case s.downStream <- message:
		return nil
	}
}
