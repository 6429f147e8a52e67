package api

import (
	"crypto"
	"time"

	"bidmart/auction"
	"bidmart/store"
)

type ServerConfig struct {
	// ID 是本節點在 consumer group 中的名稱，每個節點必須不同
	ID          string
	DB          store.Config
	Migrate     bool
	LockTimeout time.Duration
	Redis       RedisConfig
	AMQP        AMQPConfig
	Auth        AuthConfig
	Auction     AuctionConfig
	Closing     ClosingConfig
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int

	// KeyPrefix 加在派發標記和結標鎖的 key 前面
	KeyPrefix     string
	StreamKeys    RedisStreamKeys
	ConsumerGroup string
}

type RedisStreamKeys struct {
	Closing string
	Live    string
}

type AMQPConfig struct {
	URL        string
	TopupQueue string
	Workers    int
	Prefetch   int
}

type AuthConfig struct {
	PublicKey crypto.PublicKey
}

type AuctionConfig struct {
	CostPerBid int64
	Policy     auction.Policy
}

type ClosingConfig struct {
	ScanInterval time.Duration
	BatchSize    int
	// DispatchTTL 是派發標記的存活時間，超過後視為工作已被放棄，可以重新派發
	DispatchTTL time.Duration
	// LockHold 是結標鎖最長的持有時間，也是閒置消息被其他節點接手的門檻
	LockHold time.Duration
}
