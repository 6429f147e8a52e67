// Package store 提供交易與 row lock 的共用操作
//
// 所有同時鎖定多個資料列的流程都必須遵守固定的上鎖順序：
// Auction → Order → Topup → Account
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/schema"

	"bidmart/bizerr"
	"bidmart/models"
)

// pgLockNotAvailable 是 postgres 在 lock_timeout 到期時回傳的 SQLSTATE
const pgLockNotAvailable = "55P03"

type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	Schema   string
}

// Open 建立 postgres 連線
func Open(config Config) (*gorm.DB, error) {
	const op = "Open"
	dsn := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable&search_path=%s", config.User, config.Password, config.Host, config.Port, config.Database, config.Schema)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		TranslateError: true,
		NamingStrategy: schema.NamingStrategy{
			TablePrefix: config.Schema + ".",
		},
	})
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to connect to database, err=%w", op, err)
	}
	return db, nil
}

// AutoMigrate 建立或更新所有資料表
func AutoMigrate(db *gorm.DB) error {
	const op = "AutoMigrate"
	if err := db.AutoMigrate(models.All()...); err != nil {
		return fmt.Errorf("[%s] Fail to migrate schema, err=%w", op, err)
	}
	return nil
}

type storeOptions struct {
	logger      *slog.Logger
	lockTimeout time.Duration
}

type Option func(*storeOptions)

// WithLogger 設置日誌記錄器
func WithLogger(logger *slog.Logger) Option {
	return func(o *storeOptions) {
		o.logger = logger
	}
}

// WithLockTimeout 設置等待 row lock 的上限，0 表示不限制
func WithLockTimeout(timeout time.Duration) Option {
	return func(o *storeOptions) {
		o.lockTimeout = timeout
	}
}

type Store struct {
	db      *gorm.DB
	logger  *slog.Logger
	options storeOptions
}

func New(db *gorm.DB, opts ...Option) (*Store, error) {
	if db == nil {
		return nil, errors.New("db cannot be nil")
	}
	options := storeOptions{
		logger:      slog.Default(),
		lockTimeout: 3 * time.Second,
	}
	for _, opt := range opts {
		opt(&options)
	}
	return &Store{
		db:      db,
		logger:  options.logger.With(slog.String("caller", "Store")),
		options: options,
	}, nil
}

// DB 回傳不在交易中的連線，用於不需要上鎖的讀取
func (s *Store) DB(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx)
}

// Transaction 在單一交易中執行 fn
// fn 回傳錯誤或 commit 失敗時交易一定會被 rollback，錯誤會原樣(或轉換為 LockTimeout)回傳
func (s *Store) Transaction(ctx context.Context, fn func(tx *gorm.DB) error) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if s.options.lockTimeout > 0 && tx.Dialector.Name() == "postgres" {
			stmt := fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", s.options.lockTimeout.Milliseconds())
			if err := tx.Exec(stmt).Error; err != nil {
				return err
			}
		}
		return fn(tx)
	})
	if err == nil {
		return nil
	}
	if lockErr := asLockTimeout(err); lockErr != nil {
		s.logger.Warn("Row lock not acquired in time", slog.Any("error", err))
		return lockErr
	}
	return err
}

// asLockTimeout 將等待 row lock 逾時的錯誤轉換為可重試的 LockTimeout，其他錯誤回傳 nil
func asLockTimeout(err error) error {
	var bizErr *bizerr.Error
	if errors.As(err, &bizErr) {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgLockNotAvailable {
		return bizerr.ErrLockTimeout.Wrap(err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return bizerr.ErrLockTimeout.Wrap(err)
	}
	return nil
}
