package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"AgentVault/internal/chain"
	"AgentVault/internal/chain/ethereum"
	"AgentVault/internal/chain/solana"
	"AgentVault/internal/config"
	"AgentVault/internal/killswitch"
	"AgentVault/internal/notify"
	"AgentVault/internal/observability/metrics"
	"AgentVault/internal/pipeline"
	"AgentVault/internal/policy"
	"AgentVault/internal/price"
	"AgentVault/internal/storage/mysql"
	"AgentVault/internal/txn"
	"AgentVault/internal/wallet"
	"AgentVault/pkg/logger"
)

type stores struct {
	db         *sql.DB
	txs        txn.Store
	wallets    wallet.Store
	policies   policy.Store
	killSwitch killswitch.Store
}

func (s *stores) Close() {
	if s.txs != nil {
		_ = s.txs.Close()
	}
	if s.wallets != nil {
		_ = s.wallets.Close()
	}
	if s.policies != nil {
		_ = s.policies.Close()
	}
	if s.db != nil {
		_ = s.db.Close()
	}
}

func openStores(ctx context.Context, cfg *config.Config) (*stores, error) {
	seed, err := wallet.LoadSeed(cfg.Wallets.SeedPath)
	if err != nil {
		return nil, err
	}
	policies, err := policy.LoadFile(cfg.Policy.DefinitionsPath)
	if err != nil {
		return nil, err
	}

	s := &stores{}
	switch cfg.Storage.Driver {
	case "memory", "":
		s.txs = txn.NewMemoryStore()
		if s.wallets, err = wallet.NewMemoryStore(seed...); err != nil {
			return nil, err
		}
		s.killSwitch = killswitch.NewMemoryStore()
	case "mysql":
		if s.db, err = mysql.Open(ctx, cfg.Storage); err != nil {
			return nil, err
		}
		if err := mysql.Migrate(ctx, s.db); err != nil {
			s.Close()
			return nil, err
		}
		if s.txs, err = txn.NewMySQLStore(s.db); err != nil {
			s.Close()
			return nil, err
		}
		s.wallets = wallet.NewMySQLStore(s.db)
		if err := wallet.Seed(ctx, s.wallets, seed); err != nil {
			s.Close()
			return nil, err
		}
		if s.killSwitch, err = killswitch.NewMySQLStore(s.db); err != nil {
			s.Close()
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown storage driver: %s", cfg.Storage.Driver)
	}

	switch cfg.Policy.Source {
	case "memory", "":
		if s.policies, err = policy.NewMemoryStore(policies...); err != nil {
			s.Close()
			return nil, err
		}
	case "mysql":
		if s.db == nil {
			s.Close()
			return nil, fmt.Errorf("policy source mysql requires the mysql storage driver")
		}
		store, err := policy.NewMySQLStore(s.db)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.policies = store
		if err := policy.Import(ctx, store, policies); err != nil {
			s.Close()
			return nil, err
		}
	default:
		s.Close()
		return nil, fmt.Errorf("unknown policy source: %s", cfg.Policy.Source)
	}
	logger.Named("vaultd").Info("stores ready",
		slog.String("driver", cfg.Storage.Driver),
		slog.Int("seed_wallets", len(seed)),
		slog.Int("policies", len(policies)),
	)
	return s, nil
}

func newRegistry(cfg config.ChainsConfig) (*chain.Registry, error) {
	defs, err := chain.LoadDefinitions(cfg.DefinitionsPath)
	if err != nil {
		return nil, err
	}
	return chain.NewRegistry(defs, map[chain.Kind]chain.Factory{
		chain.KindEthereum: ethereum.Factory,
		chain.KindSolana:   solana.Factory,
	}), nil
}

func newPriceResolver(ctx context.Context, cfg config.PriceConfig) (*price.Resolver, func(), error) {
	timeout := config.Seconds(cfg.TimeoutSeconds)
	var oracles []price.Oracle
	if cfg.Pyth.Enabled {
		oracles = append(oracles, price.NewPyth(cfg.Pyth.Endpoint, cfg.Pyth.Feeds, timeout))
	}
	if cfg.CoinGecko.Enabled {
		oracles = append(oracles, price.NewCoinGecko(cfg.CoinGecko.Endpoint, cfg.CoinGecko.APIKey,
			cfg.CoinGecko.CoinIDs, cfg.CoinGecko.Platforms, timeout))
	}
	if len(oracles) == 0 {
		logger.Named("vaultd").Warn("no price oracle enabled, USD limits use the unpriced fallback")
	}

	var (
		cache   price.Cache = price.NewMemoryCache()
		closeFn             = func() {}
	)
	switch cfg.Cache {
	case "memory", "":
	case "redis":
		redisCache, err := price.NewRedisCache(ctx, price.RedisCacheConfig{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
		})
		if err != nil {
			return nil, nil, err
		}
		cache = redisCache
		closeFn = func() { _ = redisCache.Close() }
	default:
		return nil, nil, fmt.Errorf("unknown price cache: %s", cfg.Cache)
	}

	resolver := price.NewResolver(oracles,
		price.WithCache(cache),
		price.WithTTL(config.Seconds(cfg.TTLSeconds), config.Seconds(cfg.StaleSeconds)),
		price.WithTimeout(timeout),
		price.WithResultHook(metrics.ObservePriceLookup),
	)
	return resolver, closeFn, nil
}

func newDispatcher(cfg config.NotifyConfig) (*notify.Dispatcher, func(), error) {
	var (
		sinks   []notify.Sink
		closers []func() error
	)
	if cfg.Log {
		sinks = append(sinks, notify.NewLogSink())
	}
	if cfg.Webhook.URL != "" {
		sinks = append(sinks, notify.NewWebhookSink(cfg.Webhook.URL, config.Seconds(cfg.Webhook.TimeoutSeconds)))
	}
	if cfg.AMQP.URL != "" {
		sink, err := notify.NewAMQPSink(notify.AMQPConfig{
			URL:      cfg.AMQP.URL,
			Exchange: cfg.AMQP.Exchange,
			Durable:  cfg.AMQP.Durable,
		})
		if err != nil {
			return nil, nil, err
		}
		sinks = append(sinks, sink)
		closers = append(closers, sink.Close)
	}
	dispatcher := notify.NewDispatcher(notify.NewFanout(sinks...), cfg.BufferSize,
		2*config.Seconds(cfg.Webhook.TimeoutSeconds))
	closeFn := func() {
		for _, c := range closers {
			_ = c()
		}
	}
	return dispatcher, closeFn, nil
}

// killSwitchHook mirrors every committed kill switch change into the
// state gauge and the notification stream.
func killSwitchHook(dispatcher *notify.Dispatcher) killswitch.Hook {
	return func(_ context.Context, prev, next killswitch.Snapshot) {
		metrics.SetKillSwitchState(string(next.State))
		dispatcher.Publish(notify.Event{
			Type: notify.EventKillSwitch,
			Payload: map[string]string{
				"state":    string(next.State),
				"previous": string(prev.State),
				"actor":    next.Actor,
				"reason":   next.Reason,
				"version":  fmt.Sprintf("%d", next.Version),
			},
			OccurredAt: time.Now().UTC(),
		})
	}
}

func openQueue(ctx context.Context, cfg config.QueueConfig) (pipeline.Queue, error) {
	switch cfg.Driver {
	case "", "memory":
		return pipeline.NewMemoryQueue(cfg.Size), nil
	case "redis":
		queue, err := pipeline.NewRedisQueue(ctx, pipeline.RedisQueueConfig{
			Address:   cfg.Redis.Address,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			Queue:     cfg.Redis.Queue,
			BlockWait: config.Seconds(cfg.Redis.BlockWaitSeconds),
		})
		if err != nil {
			return nil, err
		}
		return queue, nil
	case "rabbitmq":
		queue, err := pipeline.NewRabbitMQQueue(pipeline.RabbitMQConfig{
			URL:        cfg.RabbitMQ.URL,
			Queue:      cfg.RabbitMQ.Queue,
			Prefetch:   cfg.RabbitMQ.Prefetch,
			Durable:    cfg.RabbitMQ.Durable,
			AutoDelete: cfg.RabbitMQ.AutoDelete,
		})
		if err != nil {
			return nil, err
		}
		return queue, nil
	default:
		return nil, fmt.Errorf("unknown queue driver: %s", cfg.Driver)
	}
}
