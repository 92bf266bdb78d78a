package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config is the root of configs/vaultd.json.
type Config struct {
	Logging    LoggingConfig    `json:"logging"`
	Storage    StorageConfig    `json:"storage"`
	Queue      QueueConfig      `json:"queue"`
	Chains     ChainsConfig     `json:"chains"`
	Wallets    WalletsConfig    `json:"wallets"`
	Policy     PolicyConfig     `json:"policy"`
	Price      PriceConfig      `json:"price"`
	Pipeline   PipelineConfig   `json:"pipeline"`
	KillSwitch KillSwitchConfig `json:"kill_switch"`
	Notify     NotifyConfig     `json:"notify"`
	KeyStore   KeyStoreConfig   `json:"keystore"`
	Metrics    MetricsConfig    `json:"metrics"`
	Runtime    RuntimeConfig    `json:"runtime"`
}

// LoggingConfig mirrors pkg/logger.Config.
type LoggingConfig struct {
	Level       string         `json:"level"`
	Format      string         `json:"format"`
	OutputPaths []string       `json:"output_paths"`
	Audit       AuditLogConfig `json:"audit"`
}

// AuditLogConfig controls the rotating audit file.
type AuditLogConfig struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
	MaxAgeDays int    `json:"max_age_days"`
	Compress   bool   `json:"compress"`
}

// StorageConfig selects the durable store shared by transactions, wallets,
// policies and the kill switch.
type StorageConfig struct {
	Driver                 string `json:"driver"`
	DSN                    string `json:"dsn"`
	DSNEnv                 string `json:"dsn_env"`
	MaxOpenConns           int    `json:"max_open_conns"`
	MaxIdleConns           int    `json:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `json:"conn_max_lifetime_seconds"`
	ConnMaxIdleTimeSeconds int    `json:"conn_max_idle_time_seconds"`
}

// QueueConfig selects the transport carrying transaction ids to workers.
type QueueConfig struct {
	Driver   string         `json:"driver"`
	Size     int            `json:"size"`
	Redis    RedisConfig    `json:"redis"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq"`
}

// RedisConfig is shared by the Redis queue and the Redis price cache.
type RedisConfig struct {
	Address          string `json:"address"`
	Password         string `json:"password"`
	DB               int    `json:"db"`
	Queue            string `json:"queue"`
	Prefix           string `json:"prefix"`
	BlockWaitSeconds int    `json:"block_wait_seconds"`
}

// RabbitMQConfig describes a RabbitMQ connection.
type RabbitMQConfig struct {
	URL        string `json:"url"`
	Queue      string `json:"queue"`
	Exchange   string `json:"exchange"`
	RoutingKey string `json:"routing_key"`
	Prefetch   int    `json:"prefetch"`
	Durable    bool   `json:"durable"`
	AutoDelete bool   `json:"auto_delete"`
}

// ChainsConfig points at the YAML chain definitions.
type ChainsConfig struct {
	DefinitionsPath string `json:"definitions_path"`
}

// WalletsConfig points at the YAML wallet seed file.
type WalletsConfig struct {
	SeedPath string `json:"seed_path"`
}

// PolicyConfig configures the policy store and the built-in defaults used
// when no rule exists at any level.
type PolicyConfig struct {
	Source          string         `json:"source"`
	DefinitionsPath string         `json:"definitions_path"`
	Defaults        PolicyDefaults `json:"defaults"`
}

// PolicyDefaults are the conservative fallbacks of the policy engine.
type PolicyDefaults struct {
	InstantMax           string `json:"instant_max"`
	NotifyMax            string `json:"notify_max"`
	DelayMax             string `json:"delay_max"`
	InstantMaxUSD        string `json:"instant_max_usd"`
	NotifyMaxUSD         string `json:"notify_max_usd"`
	DelayMaxUSD          string `json:"delay_max_usd"`
	DelaySeconds         int    `json:"delay_seconds"`
	WindowSeconds        int    `json:"window_seconds"`
	TokenTier            string `json:"token_tier"`
	UnpricedUSDFallback  string `json:"unpriced_usd_fallback"`
	AllowAllDestinations bool   `json:"allow_all_destinations"`
	AllowAllTokens       bool   `json:"allow_all_tokens"`
	AllowAllContracts    bool   `json:"allow_all_contracts"`
	AllowAllMethods      bool   `json:"allow_all_methods"`
	AllowAllSpenders     bool   `json:"allow_all_spenders"`
}

// PriceConfig configures the price resolver and its oracles.
type PriceConfig struct {
	TTLSeconds     int             `json:"ttl_seconds"`
	StaleSeconds   int             `json:"stale_seconds"`
	TimeoutSeconds int             `json:"timeout_seconds"`
	Cache          string          `json:"cache"`
	Redis          RedisConfig     `json:"redis"`
	Pyth           PythConfig      `json:"pyth"`
	CoinGecko      CoinGeckoConfig `json:"coingecko"`
}

// PythConfig maps asset keys to Pyth price feed ids.
type PythConfig struct {
	Enabled  bool              `json:"enabled"`
	Endpoint string            `json:"endpoint"`
	Feeds    map[string]string `json:"feeds"`
}

// CoinGeckoConfig maps native assets to coin ids and chains to platforms.
type CoinGeckoConfig struct {
	Enabled   bool              `json:"enabled"`
	Endpoint  string            `json:"endpoint"`
	APIKey    string            `json:"api_key"`
	APIKeyEnv string            `json:"api_key_env"`
	CoinIDs   map[string]string `json:"coin_ids"`
	Platforms map[string]string `json:"platforms"`
}

// PipelineConfig holds the retry, polling and scheduling knobs.
type PipelineConfig struct {
	Workers                   int `json:"workers"`
	ClaimLeaseSeconds         int `json:"claim_lease_seconds"`
	MaxTransientRetries       int `json:"max_transient_retries"`
	MaxRebuilds               int `json:"max_rebuilds"`
	BaseBackoffMillis         int `json:"base_backoff_millis"`
	MaxBackoffMillis          int `json:"max_backoff_millis"`
	ConfirmPollAttempts       int `json:"confirm_poll_attempts"`
	ConfirmPollIntervalMillis int `json:"confirm_poll_interval_millis"`
	ApprovalTimeoutSeconds    int `json:"approval_timeout_seconds"`
	SchedulerIntervalSeconds  int `json:"scheduler_interval_seconds"`
	ReconcileAfterSeconds     int `json:"reconcile_after_seconds"`
}

// KillSwitchConfig configures automatic tripping.
type KillSwitchConfig struct {
	AutoStop AutoStopConfig `json:"auto_stop"`
}

// AutoStopConfig trips the kill switch after repeated chain failures.
type AutoStopConfig struct {
	Enabled             bool `json:"enabled"`
	ConsecutiveFailures int  `json:"consecutive_failures"`
	WindowSeconds       int  `json:"window_seconds"`
}

// NotifyConfig configures notification sinks.
type NotifyConfig struct {
	BufferSize int            `json:"buffer_size"`
	Log        bool           `json:"log"`
	Webhook    WebhookConfig  `json:"webhook"`
	AMQP       RabbitMQConfig `json:"amqp"`
}

// WebhookConfig posts events to an HTTP endpoint.
type WebhookConfig struct {
	URL            string `json:"url"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// KeyStoreConfig locates encrypted key files.
type KeyStoreConfig struct {
	Dir         string `json:"dir"`
	PasswordEnv string `json:"password_env"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Address string `json:"address"`
}

// RuntimeConfig holds process-wide paths.
type RuntimeConfig struct {
	DataDir string `json:"data_dir"`
	EnvFile string `json:"env_file"`
}

// Load parses the JSON config at path, overlays an optional .env file and
// applies defaults.
func Load(path string) (*Config, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("config path is empty")
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	baseDir := filepath.Dir(path)
	if err := loadEnvFile(resolvePath(baseDir, cfg.Runtime.EnvFile, ".env")); err != nil {
		return nil, err
	}
	cfg.applyEnv()
	cfg.applyDefaults(baseDir)
	return &cfg, nil
}

func loadEnvFile(path string) error {
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

// applyEnv resolves settings referenced through *_env keys.
func (c *Config) applyEnv() {
	if v := envValue(c.Storage.DSNEnv); v != "" {
		c.Storage.DSN = v
	}
	if v := envValue(c.Price.CoinGecko.APIKeyEnv); v != "" {
		c.Price.CoinGecko.APIKey = v
	}
}

func envValue(key string) string {
	if strings.TrimSpace(key) == "" {
		return ""
	}
	return strings.TrimSpace(os.Getenv(key))
}

// applyDefaults fills every knob the file left empty.
func (c *Config) applyDefaults(baseDir string) {
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}

	if c.Queue.Driver == "" {
		c.Queue.Driver = "memory"
	}
	if c.Queue.Size <= 0 {
		c.Queue.Size = 1024
	}
	if c.Queue.Redis.Queue == "" {
		c.Queue.Redis.Queue = "agentvault:transactions"
	}
	if c.Queue.Redis.BlockWaitSeconds <= 0 {
		c.Queue.Redis.BlockWaitSeconds = 5
	}
	if c.Queue.RabbitMQ.Queue == "" {
		c.Queue.RabbitMQ.Queue = "agentvault.transactions"
	}

	c.Chains.DefinitionsPath = resolvePath(baseDir, c.Chains.DefinitionsPath, "chains.yaml")
	c.Wallets.SeedPath = resolvePath(baseDir, c.Wallets.SeedPath, "wallets.yaml")

	if c.Policy.Source == "" {
		c.Policy.Source = "memory"
	}
	c.Policy.DefinitionsPath = resolvePath(baseDir, c.Policy.DefinitionsPath, "policies.yaml")
	d := &c.Policy.Defaults
	if d.InstantMaxUSD == "" && d.InstantMax == "" {
		d.InstantMaxUSD = "100"
	}
	if d.NotifyMaxUSD == "" && d.NotifyMax == "" {
		d.NotifyMaxUSD = "1000"
	}
	if d.DelayMaxUSD == "" && d.DelayMax == "" {
		d.DelayMaxUSD = "10000"
	}
	if d.DelaySeconds <= 0 {
		d.DelaySeconds = 300
	}
	if d.WindowSeconds <= 0 {
		d.WindowSeconds = 86400
	}
	if d.TokenTier == "" {
		d.TokenTier = "APPROVAL"
	}
	if d.UnpricedUSDFallback == "" {
		d.UnpricedUSDFallback = "1000000000"
	}

	if c.Price.TTLSeconds <= 0 {
		c.Price.TTLSeconds = 60
	}
	if c.Price.StaleSeconds <= 0 {
		c.Price.StaleSeconds = 300
	}
	if c.Price.TimeoutSeconds <= 0 {
		c.Price.TimeoutSeconds = 5
	}
	if c.Price.Cache == "" {
		c.Price.Cache = "memory"
	}
	if c.Price.Redis.Prefix == "" {
		c.Price.Redis.Prefix = "agentvault:price:"
	}
	if c.Price.Pyth.Endpoint == "" {
		c.Price.Pyth.Endpoint = "https://hermes.pyth.network"
	}
	if c.Price.CoinGecko.Endpoint == "" {
		c.Price.CoinGecko.Endpoint = "https://api.coingecko.com/api/v3"
	}
	if len(c.Price.CoinGecko.CoinIDs) == 0 {
		c.Price.CoinGecko.CoinIDs = map[string]string{"ethereum": "ethereum", "solana": "solana"}
	}
	if len(c.Price.CoinGecko.Platforms) == 0 {
		c.Price.CoinGecko.Platforms = map[string]string{"ethereum": "ethereum", "solana": "solana"}
	}

	p := &c.Pipeline
	if p.Workers <= 0 {
		p.Workers = 4
	}
	if p.ClaimLeaseSeconds <= 0 {
		p.ClaimLeaseSeconds = 300
	}
	if p.MaxTransientRetries <= 0 {
		p.MaxTransientRetries = 5
	}
	if p.MaxRebuilds <= 0 {
		p.MaxRebuilds = 2
	}
	if p.BaseBackoffMillis <= 0 {
		p.BaseBackoffMillis = 500
	}
	if p.MaxBackoffMillis <= 0 {
		p.MaxBackoffMillis = 8000
	}
	if p.ConfirmPollAttempts <= 0 {
		p.ConfirmPollAttempts = 30
	}
	if p.ConfirmPollIntervalMillis <= 0 {
		p.ConfirmPollIntervalMillis = 2000
	}
	if p.ApprovalTimeoutSeconds <= 0 {
		p.ApprovalTimeoutSeconds = 86400
	}
	if p.SchedulerIntervalSeconds <= 0 {
		p.SchedulerIntervalSeconds = 5
	}
	if p.ReconcileAfterSeconds <= 0 {
		p.ReconcileAfterSeconds = 300
	}

	if c.KillSwitch.AutoStop.ConsecutiveFailures <= 0 {
		c.KillSwitch.AutoStop.ConsecutiveFailures = 5
	}
	if c.KillSwitch.AutoStop.WindowSeconds <= 0 {
		c.KillSwitch.AutoStop.WindowSeconds = 300
	}

	if c.Notify.BufferSize <= 0 {
		c.Notify.BufferSize = 256
	}
	if c.Notify.Webhook.TimeoutSeconds <= 0 {
		c.Notify.Webhook.TimeoutSeconds = 5
	}
	if c.Notify.AMQP.Exchange == "" {
		c.Notify.AMQP.Exchange = "agentvault.events"
	}

	c.KeyStore.Dir = resolvePath(baseDir, c.KeyStore.Dir, "keys")
	if c.KeyStore.PasswordEnv == "" {
		c.KeyStore.PasswordEnv = "AGENTVAULT_KEYSTORE_PASSWORD"
	}

	if c.Metrics.Address == "" {
		c.Metrics.Address = ":9102"
	}

	c.Runtime.DataDir = resolvePath(baseDir, c.Runtime.DataDir, "data")
}

func resolvePath(baseDir, value, fallback string) string {
	if value == "" {
		value = fallback
	}
	if filepath.IsAbs(value) {
		return value
	}
	return filepath.Join(baseDir, value)
}

// Backoff returns the base and cap of the transient retry backoff.
func (p PipelineConfig) Backoff() (time.Duration, time.Duration) {
	return time.Duration(p.BaseBackoffMillis) * time.Millisecond, time.Duration(p.MaxBackoffMillis) * time.Millisecond
}

// ConfirmInterval is the delay between confirmation polls.
func (p PipelineConfig) ConfirmInterval() time.Duration {
	return time.Duration(p.ConfirmPollIntervalMillis) * time.Millisecond
}

// Seconds converts a seconds knob into a duration.
func Seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
