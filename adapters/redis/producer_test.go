package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestNewProducer(t *testing.T) {
	tests := []struct {
		name    string
		client  *redis.Client
		stream  string
		opts    []ProducerOption[TestMessage]
		wantErr bool
		errMsg  string
	}{
		{
			name:   "valid configuration",
			client: redis.NewClient(&redis.Options{}),
			stream: "test-stream",
		},
		{
			name:    "nil client",
			client:  nil,
			stream:  "test-stream",
			wantErr: true,
			errMsg:  "redis client cannot be nil",
		},
		{
			name:    "empty stream",
			client:  redis.NewClient(&redis.Options{}),
			stream:  "",
			wantErr: true,
			errMsg:  "stream cannot be empty",
		},
		{
			name:   "with custom options",
			client: redis.NewClient(&redis.Options{}),
			stream: "test-stream",
			opts: []ProducerOption[TestMessage]{
				WithProducerLogger[TestMessage](slog.Default()),
				WithProducerBufferSize[TestMessage](200),
				WithProducerMaxLen[TestMessage](1000),
				WithProducerParseFunc[TestMessage](func(msg TestMessage) (map[string]any, error) {
					return map[string]any{"test": "value"}, nil
				}),
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			defer goleak.VerifyNone(t)

			producer, err := NewProducer[TestMessage](tt.client, tt.stream, tt.opts...)

			if tt.wantErr {
				assert.Error(t, err)
				assert.Contains(t, err.Error(), tt.errMsg)
				assert.Nil(t, producer)
			} else {
				assert.NoError(t, err)
				assert.NotNil(t, producer)
				producer.Close()
			}

			if tt.client != nil {
				tt.client.Close()
			}
		})
	}
}

func TestProducer_Publish(t *testing.T) {
	t.Run("successful publish", func(t *testing.T) {
		defer goleak.VerifyNone(t)
		client, mock, cleanup := setupTest(t)
		defer cleanup()

		msg := TestMessage{ID: "1", Data: "bid placed"}
		msgValues, err := DefaultParseToMessage(msg)
		require.NoError(t, err)
		mock.ExpectXAdd(&redis.XAddArgs{
			Stream: "test-stream",
			Values: msgValues,
		}).SetVal("1234-0")

		producer, err := NewProducer[TestMessage](client, "test-stream")
		require.NoError(t, err)

		producer.Start()
		producer.Start() // 重複啟動不會有作用
		assert.NoError(t, producer.Publish(msg))

		time.Sleep(100 * time.Millisecond)
		producer.Close()
		producer.Close()
	})

	t.Run("publish before start", func(t *testing.T) {
		defer goleak.VerifyNone(t)
		client, _, cleanup := setupTest(t)
		defer cleanup()

		producer, err := NewProducer[TestMessage](client, "test-stream")
		require.NoError(t, err)

		err = producer.Publish(TestMessage{ID: "1"})
		assert.ErrorIs(t, err, ErrProducerClosed)
	})

	t.Run("publish to closed producer", func(t *testing.T) {
		defer goleak.VerifyNone(t)
		client, _, cleanup := setupTest(t)
		defer cleanup()

		producer, err := NewProducer[TestMessage](client, "test-stream")
		require.NoError(t, err)

		producer.Start()
		producer.Close()

		err = producer.Publish(TestMessage{ID: "1"})
		assert.ErrorIs(t, err, ErrProducerClosed)
	})

	t.Run("publish with custom parse function error", func(t *testing.T) {
		defer goleak.VerifyNone(t)
		client, _, cleanup := setupTest(t)
		defer cleanup()

		producer, err := NewProducer[TestMessage](
			client,
			"test-stream",
			WithProducerParseFunc[TestMessage](func(TestMessage) (map[string]any, error) {
				return nil, fmt.Errorf("parse error")
			}),
		)
		require.NoError(t, err)

		producer.Start()
		assert.Error(t, producer.Publish(TestMessage{}))
		producer.Close()
	})
}

func TestProducer_PublishSync(t *testing.T) {
	msg := TestMessage{ID: "auction-1", Data: "close"}
	msgValues, err := DefaultParseToMessage(msg)
	require.NoError(t, err)

	t.Run("success", func(t *testing.T) {
		client, mock, cleanup := setupTest(t)
		defer cleanup()
		mock.ExpectXAdd(&redis.XAddArgs{
			Stream: "closing",
			Values: msgValues,
		}).SetVal("1-0")

		producer, err := NewProducer[TestMessage](client, "closing")
		require.NoError(t, err)

		id, err := producer.PublishSync(context.Background(), msg)
		require.NoError(t, err)
		assert.Equal(t, "1-0", id)
	})

	t.Run("with max length", func(t *testing.T) {
		client, mock, cleanup := setupTest(t)
		defer cleanup()
		mock.ExpectXAdd(&redis.XAddArgs{
			Stream: "closing",
			Values: msgValues,
			MaxLen: 100,
			Approx: true,
		}).SetVal("2-0")

		producer, err := NewProducer[TestMessage](client, "closing", WithProducerMaxLen[TestMessage](100))
		require.NoError(t, err)

		id, err := producer.PublishSync(context.Background(), msg)
		require.NoError(t, err)
		assert.Equal(t, "2-0", id)
	})

	t.Run("redis error", func(t *testing.T) {
		client, mock, cleanup := setupTest(t)
		defer cleanup()
		redisErr := errors.New("connection refused")
		mock.ExpectXAdd(&redis.XAddArgs{
			Stream: "closing",
			Values: msgValues,
		}).SetErr(redisErr)

		producer, err := NewProducer[TestMessage](client, "closing")
		require.NoError(t, err)

		_, err = producer.PublishSync(context.Background(), msg)
		assert.ErrorIs(t, err, redisErr)
	})
}
