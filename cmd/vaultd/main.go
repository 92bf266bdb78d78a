package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"AgentVault/internal/config"
	"AgentVault/internal/keystore"
	"AgentVault/internal/killswitch"
	"AgentVault/internal/observability/metrics"
	"AgentVault/internal/pipeline"
	"AgentVault/internal/policy"
	"AgentVault/pkg/logger"
)

// main is the entrypoint of the AgentVault transaction daemon.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("vaultd: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("AGENTVAULT_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "vaultd.json")
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := initLogger(cfg); err != nil {
		return err
	}
	defer logger.Sync()
	log := logger.Named("vaultd")

	stores, err := openStores(ctx, cfg)
	if err != nil {
		return err
	}
	defer stores.Close()

	registry, err := newRegistry(cfg.Chains)
	if err != nil {
		return err
	}
	defer registry.Close()

	resolver, closeCache, err := newPriceResolver(ctx, cfg.Price)
	if err != nil {
		return err
	}
	defer closeCache()

	defaults, err := policy.DefaultsFromConfig(cfg.Policy.Defaults)
	if err != nil {
		return err
	}
	engine := policy.NewEngine(stores.policies, resolver, stores.txs, defaults)

	dispatcher, closeSinks, err := newDispatcher(cfg.Notify)
	if err != nil {
		return err
	}
	defer closeSinks()

	gate, err := killswitch.NewGate(ctx, stores.killSwitch, killswitch.WithHook(killSwitchHook(dispatcher)))
	if err != nil {
		return err
	}
	metrics.SetKillSwitchState(string(gate.Snapshot().State))
	var autoStop *killswitch.AutoStop
	if cfg.KillSwitch.AutoStop.Enabled {
		autoStop = killswitch.NewAutoStop(gate, cfg.KillSwitch.AutoStop.ConsecutiveFailures,
			config.Seconds(cfg.KillSwitch.AutoStop.WindowSeconds))
	}

	queue, err := openQueue(ctx, cfg.Queue)
	if err != nil {
		return err
	}
	defer func() {
		if err := queue.Close(); err != nil {
			log.Warn("close queue", slog.Any("error", err))
		}
	}()

	pipe, err := pipeline.New(pipeline.Deps{
		Transactions: stores.txs,
		Wallets:      stores.wallets,
		Policy:       engine,
		Adapters:     registry,
		Keys:         keystore.NewFileStore(cfg.KeyStore.Dir, cfg.KeyStore.PasswordEnv),
		Gate:         gate,
	}, pipeline.ConfigFrom(cfg.Pipeline),
		pipeline.WithNotifier(dispatcher),
		pipeline.WithProducer(queue),
		pipeline.WithAutoStop(autoStop),
	)
	if err != nil {
		return err
	}
	processor := pipeline.NewProcessor(pipe, queue, pipeline.WithWorkerCount(cfg.Pipeline.Workers))
	scheduler := pipeline.NewScheduler(pipe, config.Seconds(cfg.Pipeline.SchedulerIntervalSeconds),
		pipeline.WithRefresher(gate))

	log.Info("vaultd started",
		slog.String("storage", cfg.Storage.Driver),
		slog.String("queue", cfg.Queue.Driver),
		slog.Int("workers", cfg.Pipeline.Workers),
		slog.String("kill_switch", string(gate.Snapshot().State)),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return processor.Start(gctx) })
	g.Go(func() error { return scheduler.Run(gctx) })
	if cfg.Metrics.Enabled {
		g.Go(func() error { return metrics.StartServer(gctx, cfg.Metrics.Address) })
	}
	err = g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if cerr := dispatcher.Close(shutdownCtx); cerr != nil {
		log.Warn("flush notifications", slog.Any("error", cerr))
	}
	log.Info("vaultd stopped")

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func initLogger(cfg *config.Config) error {
	audit := cfg.Logging.Audit
	if audit.Enabled && audit.Path == "" {
		if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
			return err
		}
		audit.Path = filepath.Join(cfg.Runtime.DataDir, "audit.log")
	}
	return logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.OutputPaths,
		Audit: logger.AuditConfig{
			Enabled:    audit.Enabled,
			Path:       audit.Path,
			MaxSizeMB:  audit.MaxSizeMB,
			MaxBackups: audit.MaxBackups,
			MaxAgeDays: audit.MaxAgeDays,
			Compress:   audit.Compress,
		},
	})
}
