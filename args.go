package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/shopspring/decimal"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"bidmart/api"
	"bidmart/auction"
	"bidmart/store"
)

func ParseArgs() Args {
	// server config
	pflag.String("server-url", "0.0.0.0:8080", "")
	pflag.String("node-id", "", "unique name of this node in consumer groups")

	// db config
	pflag.String("db-user", "", "")
	pflag.String("db-password", "", "")
	pflag.String("db-host", "", "")
	pflag.Int("db-port", 5432, "")
	pflag.String("db-database", "", "")
	pflag.String("db-schema", "public", "")
	pflag.Bool("db-migrate", false, "migrate schema on startup")
	pflag.Duration("db-lock-timeout", 5*time.Second, "max wait for a row lock")

	// redis config
	pflag.String("redis-addr", "", "")
	pflag.String("redis-password", "", "")
	pflag.Int("redis-db", 15, "")
	pflag.String("redis-key-prefix", "bidmart:", "")
	pflag.String("redis-consumer-group", "bidmart-closers", "")

	// redis stream keys
	pflag.String("redis-stream-key-for-closing", "bidmart-closing-stream", "")
	pflag.String("redis-stream-key-for-live", "bidmart-live-stream", "")

	// amqp config
	pflag.String("amqp-url", "", "")
	pflag.String("amqp-topup-queue", "payment.topup.succeeded", "")
	pflag.Int("amqp-workers", 4, "")
	pflag.Int("amqp-prefetch", 16, "")

	// auth config
	pflag.String("auth-public-key-file", "", "PEM encoded Ed25519 public key for access tokens")

	// auction config
	pflag.Int64("auction-cost-per-bid", 1, "bid credits consumed per bid")
	pflag.Duration("auction-auto-approve-min-duration", time.Hour, "")
	pflag.Duration("auction-auto-approve-max-duration", 7*24*time.Hour, "")
	pflag.String("auction-auto-approve-max-start-price", "1000", "")
	pflag.String("auction-auto-approve-max-step-price", "100", "")

	// closing config
	pflag.Duration("closing-scan-interval", time.Minute, "")
	pflag.Int("closing-batch-size", 100, "")
	pflag.Duration("closing-dispatch-ttl", 5*time.Minute, "")
	pflag.Duration("closing-lock-hold", time.Minute, "")

	// bind pflag to viper
	pflag.Parse()
	viper.BindPFlags(pflag.CommandLine)
	viper.AutomaticEnv()
	viper.SetEnvPrefix("BIDMART")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	// initial arguments
	args := Args{
		ServerURL: viper.GetString("server-url"),
		ServerConfig: api.ServerConfig{
			ID: viper.GetString("node-id"),
			DB: store.Config{
				User:     viper.GetString("db-user"),
				Password: viper.GetString("db-password"),
				Host:     viper.GetString("db-host"),
				Port:     viper.GetInt("db-port"),
				Database: viper.GetString("db-database"),
				Schema:   viper.GetString("db-schema"),
			},
			Migrate:     viper.GetBool("db-migrate"),
			LockTimeout: viper.GetDuration("db-lock-timeout"),
			Redis: api.RedisConfig{
				Addr:          viper.GetString("redis-addr"),
				Password:      viper.GetString("redis-password"),
				DB:            viper.GetInt("redis-db"),
				KeyPrefix:     viper.GetString("redis-key-prefix"),
				ConsumerGroup: viper.GetString("redis-consumer-group"),
				StreamKeys: api.RedisStreamKeys{
					Closing: viper.GetString("redis-stream-key-for-closing"),
					Live:    viper.GetString("redis-stream-key-for-live"),
				},
			},
			AMQP: api.AMQPConfig{
				URL:        viper.GetString("amqp-url"),
				TopupQueue: viper.GetString("amqp-topup-queue"),
				Workers:    viper.GetInt("amqp-workers"),
				Prefetch:   viper.GetInt("amqp-prefetch"),
			},
			Auction: api.AuctionConfig{
				CostPerBid: viper.GetInt64("auction-cost-per-bid"),
				Policy: auction.Policy{
					MinDuration: viper.GetDuration("auction-auto-approve-min-duration"),
					MaxDuration: viper.GetDuration("auction-auto-approve-max-duration"),
				},
			},
			Closing: api.ClosingConfig{
				ScanInterval: viper.GetDuration("closing-scan-interval"),
				BatchSize:    viper.GetInt("closing-batch-size"),
				DispatchTTL:  viper.GetDuration("closing-dispatch-ttl"),
				LockHold:     viper.GetDuration("closing-lock-hold"),
			},
		},
		publicKeyFile: viper.GetString("auth-public-key-file"),
		maxStartPrice: viper.GetString("auction-auto-approve-max-start-price"),
		maxStepPrice:  viper.GetString("auction-auto-approve-max-step-price"),
	}
	if args.ServerConfig.ID == "" {
		args.ServerConfig.ID, _ = os.Hostname()
	}
	return args
}

type Args struct {
	ServerURL    string
	ServerConfig api.ServerConfig

	publicKeyFile string
	maxStartPrice string
	maxStepPrice  string
}

// Validate 檢查必要參數，並解析需要額外處理的欄位
func (args *Args) Validate() error {
	if args.ServerURL == "" || args.ServerConfig.ID == "" {
		return errors.New("server url and node id are required")
	}
	if args.ServerConfig.DB.Host == "" || args.ServerConfig.DB.Database == "" {
		return errors.New("db host and database are required")
	}
	if args.ServerConfig.Redis.Addr == "" || args.ServerConfig.AMQP.URL == "" {
		return errors.New("redis addr and amqp url are required")
	}
	if args.ServerConfig.Auction.CostPerBid <= 0 {
		return errors.New("cost per bid must be positive")
	}

	var err error
	policy := &args.ServerConfig.Auction.Policy
	if policy.MaxStartPrice, err = decimal.NewFromString(args.maxStartPrice); err != nil {
		return fmt.Errorf("invalid auto approve max start price, err=%w", err)
	}
	if policy.MaxStepPrice, err = decimal.NewFromString(args.maxStepPrice); err != nil {
		return fmt.Errorf("invalid auto approve max step price, err=%w", err)
	}

	if args.publicKeyFile == "" {
		return errors.New("auth public key file is required")
	}
	pem, err := os.ReadFile(args.publicKeyFile)
	if err != nil {
		return fmt.Errorf("fail to read auth public key, err=%w", err)
	}
	if args.ServerConfig.Auth.PublicKey, err = jwt.ParseEdPublicKeyFromPEM(pem); err != nil {
		return fmt.Errorf("fail to parse auth public key, err=%w", err)
	}
	return nil
}
