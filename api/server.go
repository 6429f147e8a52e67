package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"bidmart/adapters/rabbitmq"
	redisAdapter "bidmart/adapters/redis"
	"bidmart/adapters/sse"
	"bidmart/auction"
	"bidmart/closing"
	"bidmart/notify"
	"bidmart/settlement"
	"bidmart/store"
	"bidmart/wallet"
)

// ServerImpl 組裝所有服務與背景工作
type ServerImpl struct {
	Auctions   *auction.Service
	Settlement *settlement.Service
	Wallet     *wallet.Service
	Notifier   *notify.Dispatcher

	db          *gorm.DB
	redisClient *redis.Client
	amqpConn    *amqp.Connection

	liveProducer  *redisAdapter.Producer[sse.PublishRequest[notify.LiveEvent]]
	sseManager    sse.IConnectionManager[notify.LiveEvent]
	events        *EventsHandler
	scanner       *closing.Scanner
	worker        *closing.Worker
	topupConsumer *rabbitmq.Consumer[wallet.TopupSucceeded]
	wg            sync.WaitGroup
	cancelFunc    context.CancelFunc
	logger        *slog.Logger

	config ServerConfig
}

func NewServer(config ServerConfig) (*ServerImpl, error) {
	const op = "NewServer"
	logger := slog.Default()

	// 初始化資料庫連線
	db, err := store.Open(config.DB)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to open database, err=%w", op, err)
	}
	if config.Migrate {
		if err := store.AutoMigrate(db); err != nil {
			return nil, fmt.Errorf("[%s] Fail to migrate database, err=%w", op, err)
		}
	}
	s, err := store.New(db, store.WithLogger(logger), store.WithLockTimeout(config.LockTimeout))
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to create store, err=%w", op, err)
	}

	// 初始化Redis連線
	redisClient := redis.NewClient(&redis.Options{
		Addr:     config.Redis.Addr,
		Password: config.Redis.Password,
		DB:       config.Redis.DB,
	})

	// 即時事件：所有節點寫入同一個 stream，各自讀取後推送給本節點的連線
	liveProducer, err := redisAdapter.NewProducer(
		redisClient,
		config.Redis.StreamKeys.Live,
		redisAdapter.WithProducerLogger[sse.PublishRequest[notify.LiveEvent]](logger),
		redisAdapter.WithProducerMaxLen[sse.PublishRequest[notify.LiveEvent]](10000),
	)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to create live event producer, err=%w", op, err)
	}
	pusher, err := notify.NewLivePusher(liveProducer)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to create live pusher, err=%w", op, err)
	}
	liveConsumer, err := redisAdapter.NewConsumer[sse.PublishRequest[notify.LiveEvent]](
		redisClient,
		config.Redis.StreamKeys.Live,
		redisAdapter.WithConsumerLogger[sse.PublishRequest[notify.LiveEvent]](logger),
	)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to create live event consumer, err=%w", op, err)
	}
	sseManager, err := sse.NewConnectionManager[notify.LiveEvent](
		sse.WithLogger[notify.LiveEvent](logger),
		sse.WithSubscriber(liveConsumer),
	)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to create sse connection manager, err=%w", op, err)
	}

	// 初始化服務
	notifier, err := notify.NewDispatcher(s, notify.WithLogger(logger), notify.WithPusher(pusher))
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to create notifier, err=%w", op, err)
	}
	auctions, err := auction.NewService(s, auction.Config{
		CostPerBid: config.Auction.CostPerBid,
		Policy:     config.Auction.Policy,
	}, auction.WithLogger(logger), auction.WithPusher(pusher))
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to create auction service, err=%w", op, err)
	}
	settlements, err := settlement.NewService(s, notifier, settlement.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to create settlement service, err=%w", op, err)
	}
	wallets, err := wallet.NewService(s, wallet.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to create wallet service, err=%w", op, err)
	}
	events, err := NewEventsHandler(sseManager, auctions, config.Auth.PublicKey, logger)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to create events handler, err=%w", op, err)
	}

	// 結標排程：scanner 派發工作，worker 以 consumer group 分散到各節點執行
	marker := redisAdapter.NewDispatchMarker(redisClient, redisAdapter.WithDispatchMarkerPrefix(config.Redis.KeyPrefix))
	closingProducer, err := redisAdapter.NewProducer[closing.Task](redisClient, config.Redis.StreamKeys.Closing,
		redisAdapter.WithProducerLogger[closing.Task](logger))
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to create closing producer, err=%w", op, err)
	}
	scanner, err := closing.NewScanner(s, marker, closingProducer,
		closing.WithScannerLogger(logger),
		closing.WithScannerInterval(config.Closing.ScanInterval),
		closing.WithScannerBatchSize(config.Closing.BatchSize),
		closing.WithScannerMarkerTTL(config.Closing.DispatchTTL),
	)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to create closing scanner, err=%w", op, err)
	}
	mutexes := redisAdapter.NewMutexFactory(redisClient, redisAdapter.WithAutoRenewMutexMaxHold(config.Closing.LockHold))
	closer, err := closing.NewCloser(s, mutexes, notifier,
		closing.WithCloserLogger(logger),
		closing.WithCloserPusher(pusher),
		closing.WithCloserKeyPrefix(config.Redis.KeyPrefix),
	)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to create closer, err=%w", op, err)
	}
	groupConsumer, err := redisAdapter.NewGroupConsumer[closing.Task](
		redisClient,
		config.Redis.StreamKeys.Closing,
		config.Redis.ConsumerGroup,
		config.ID,
		redisAdapter.WithGroupConsumerLogger[closing.Task](logger),
		redisAdapter.WithGroupConsumerClaim[closing.Task](config.Closing.LockHold, 30*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to create closing group consumer, err=%w", op, err)
	}
	worker, err := closing.NewWorker(groupConsumer, closer, marker, logger)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to create closing worker, err=%w", op, err)
	}

	// 金流閘道的儲值成功事件
	amqpConn, err := amqp.Dial(config.AMQP.URL)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to dial RabbitMQ, err=%w", op, err)
	}
	topupConsumer, err := rabbitmq.NewConsumer[wallet.TopupSucceeded](amqpConn, config.AMQP.TopupQueue,
		func(ctx context.Context, event wallet.TopupSucceeded) error {
			_, err := wallets.HandleTopupSucceeded(ctx, event)
			return err
		},
		rabbitmq.WithConsumerLogger(logger),
		rabbitmq.WithConsumerWorkers(config.AMQP.Workers),
		rabbitmq.WithConsumerPrefetch(config.AMQP.Prefetch),
		rabbitmq.WithConsumerTag(config.ID),
	)
	if err != nil {
		amqpConn.Close()
		return nil, fmt.Errorf("[%s] Fail to create topup consumer, err=%w", op, err)
	}

	return &ServerImpl{
		Auctions:      auctions,
		Settlement:    settlements,
		Wallet:        wallets,
		Notifier:      notifier,
		db:            db,
		redisClient:   redisClient,
		amqpConn:      amqpConn,
		liveProducer:  liveProducer,
		sseManager:    sseManager,
		events:        events,
		scanner:       scanner,
		worker:        worker,
		topupConsumer: topupConsumer,
		logger:        logger.With(slog.String("caller", "Server")),
		config:        config,
	}, nil
}

// RegisterRoutes 註冊 HTTP 端點
func (impl *ServerImpl) RegisterRoutes(router gin.IRouter) {
	impl.events.Register(router)
}

func (impl *ServerImpl) Start() error {
	const op = "Start"
	// 啟動即時事件
	impl.liveProducer.Start()
	impl.sseManager.Start()
	// 啟動結標worker
	if err := impl.worker.Start(); err != nil {
		return fmt.Errorf("[%s] Fail to start closing worker, err=%w", op, err)
	}
	// 啟動儲值事件consumer
	if err := impl.topupConsumer.Start(); err != nil {
		return fmt.Errorf("[%s] Fail to start topup consumer, err=%w", op, err)
	}
	// 啟動結標scanner
	ctx, cancel := context.WithCancel(context.Background())
	impl.cancelFunc = cancel
	impl.wg.Add(1)
	go func() {
		defer impl.wg.Done()
		impl.scanner.Run(ctx)
	}()
	impl.logger.Info("Server started", slog.String("id", impl.config.ID))
	return nil
}

func (impl *ServerImpl) Close() {
	// 停止派發新的結標工作
	if impl.cancelFunc != nil {
		impl.cancelFunc()
	}
	impl.wg.Wait()
	// 關閉背景工作
	impl.worker.Close()
	if err := impl.topupConsumer.Close(); err != nil {
		impl.logger.Error("Fail to close topup consumer", slog.Any("error", err))
	}
	// 關閉即時事件
	impl.sseManager.Done()
	impl.liveProducer.Close()
	// 關閉連線
	if err := impl.amqpConn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		impl.logger.Error("Fail to close RabbitMQ connection", slog.Any("error", err))
	}
	if err := impl.redisClient.Close(); err != nil {
		impl.logger.Error("Fail to close redis client", slog.Any("error", err))
	}
	if sqlDB, err := impl.db.DB(); err == nil {
		sqlDB.Close()
	}
}
