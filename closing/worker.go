package closing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	redisAdapter "bidmart/adapters/redis"
)

// TaskCloser 結束單一場拍賣
type TaskCloser interface {
	Close(ctx context.Context, auctionID uuid.UUID) (Result, error)
}

// Worker 從 consumer group 取得結標工作並執行
// 失敗的工作會移到死信 stream 並清除派發標記，下一次掃描會重新派發
type Worker struct {
	consumer   redisAdapter.IGroupConsumer[Task]
	closer     TaskCloser
	marker     redisAdapter.IDispatchMarker
	logger     *slog.Logger
	wg         sync.WaitGroup
	cancelFunc context.CancelFunc
}

func NewWorker(
	consumer redisAdapter.IGroupConsumer[Task],
	closer TaskCloser,
	marker redisAdapter.IDispatchMarker,
	logger *slog.Logger,
) (*Worker, error) {
	if consumer == nil || closer == nil || marker == nil {
		return nil, errors.New("consumer, closer and marker cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		consumer: consumer,
		closer:   closer,
		marker:   marker,
		logger:   logger.With(slog.String("caller", "ClosingWorker")),
	}, nil
}

func (w *Worker) Start() error {
	const op = "Worker.Start"
	if err := w.consumer.Start(); err != nil {
		return fmt.Errorf("[%s] Fail to start consumer, err=%w", op, err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	w.cancelFunc = cancel
	w.logger.Info("Start closing worker")
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer w.logger.Info("Closing worker stopped")
		ch := w.consumer.Subscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				w.handle(ctx, msg)
			}
		}
	}()
	return nil
}

func (w *Worker) handle(ctx context.Context, msg *redisAdapter.Message[Task]) {
	task := msg.Data
	logger := w.logger.With(slog.String("auction", task.AuctionID.String()), slog.String("messageId", msg.ID()))
	logger.Debug("Receive closing task")

	result, closeErr := w.closer.Close(ctx, task.AuctionID)
	if closeErr != nil {
		if ctx.Err() != nil {
			// 關閉中，消息留在 pending 等待被接手
			return
		}
		logger.Error("Fail to close auction", slog.Any("error", closeErr))
		if _, err := w.marker.Clear(ctx, MarkerName(task.AuctionID), task.DispatchID); err != nil {
			logger.Error("Fail to clear dispatch marker", slog.Any("error", err))
		}
		if err := msg.Fail(ctx, closeErr); err != nil {
			logger.Error("Fail to fail message", slog.Any("error", err))
		}
		return
	}
	if err := msg.Done(ctx); err != nil {
		logger.Error("Close success but fail to done message", slog.Any("error", err))
		return
	}
	logger.Debug("Closing task done", slog.String("outcome", string(result.Outcome)))
}

// Close 停止 consumer 並等待處理中的工作結束
func (w *Worker) Close() {
	if w.cancelFunc == nil {
		return
	}
	w.consumer.Close()
	w.cancelFunc()
	w.wg.Wait()
}
