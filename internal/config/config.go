// Package config loads the monitord YAML configuration and validates the
// parts a listener cannot run without.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ecerlabs/chainpay/internal/chain"
)

// Config is the full monitord configuration.
type Config struct {
	Log      LogConfig       `yaml:"log"`
	Control  ControlConfig   `yaml:"control"`
	Database DatabaseConfig  `yaml:"database"`
	Redis    RedisConfig     `yaml:"redis"`
	Bus      BusConfig       `yaml:"bus"`
	Telegram TelegramConfig  `yaml:"telegram"`
	Price    PriceConfig     `yaml:"price"`
	Watchers []WatcherConfig `yaml:"watchers"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	// Level is debug, info, warn, or error.
	Level string `yaml:"level"`
}

// ControlConfig holds the HTTP control/status server settings.
type ControlConfig struct {
	Addr string `yaml:"addr"`
}

// DatabaseConfig holds Postgres settings. Empty Host disables Postgres and
// falls back to the in-memory order store (development only).
type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"ssl_mode"`
}

// RedisConfig holds the dedupe store settings. Empty Addr keeps dedupe
// in-process.
type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"`
}

// BusConfig holds NATS settings.
type BusConfig struct {
	URL  string `yaml:"url"`
	Name string `yaml:"name"`
}

// TelegramConfig holds the admin-alert bot settings.
type TelegramConfig struct {
	BotToken    string `yaml:"bot_token"`
	AdminChatID string `yaml:"admin_chat_id"`
}

// PriceConfig holds the CoinGecko oracle settings.
type PriceConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Currency string        `yaml:"currency"`
	TTL      time.Duration `yaml:"ttl"`
}

// WatcherConfig declares one (chain, asset) pair to monitor at startup.
type WatcherConfig struct {
	Chain  string `yaml:"chain"`
	Asset  string `yaml:"asset"`
	Wallet string `yaml:"wallet"`

	// RPC and WS endpoints. WS is optional for EVM native watchers (the
	// adapter falls back to polling) and required for Solana.
	RPCURL string `yaml:"rpc_url"`
	WSURL  string `yaml:"ws_url"`

	// TokenAddress is the ERC-20/TRC-20 contract for token watchers.
	TokenAddress string `yaml:"token_address"`

	// TokenAccount and TokenMint configure SPL watchers.
	TokenAccount string `yaml:"token_account"`
	TokenMint    string `yaml:"token_mint"`

	PollInterval time.Duration `yaml:"poll_interval"`
}

// Default returns the configuration used when a field is absent from the
// file.
func Default() Config {
	return Config{
		Log:     LogConfig{Level: "info"},
		Control: ControlConfig{Addr: ":8085"},
		Bus:     BusConfig{URL: "nats://localhost:4222", Name: "chainpay-monitord"},
		Price:   PriceConfig{Enabled: true, Currency: "usd", TTL: time.Minute},
	}
}

// Load reads and validates the configuration file.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations a listener cannot start from: a watcher
// without a collection wallet or endpoint is a fatal config error, not
// something to limp along without.
func (c *Config) Validate() error {
	if len(c.Watchers) == 0 {
		return fmt.Errorf("config: at least one watcher is required")
	}

	for i, w := range c.Watchers {
		ch, err := chain.ParseChain(w.Chain)
		if err != nil {
			return fmt.Errorf("watcher %d: %w", i, err)
		}
		asset, err := chain.ParseAsset(w.Asset)
		if err != nil {
			return fmt.Errorf("watcher %d: %w", i, err)
		}
		if w.Wallet == "" {
			return fmt.Errorf("watcher %d (%s/%s): collection wallet is required", i, w.Chain, w.Asset)
		}
		if w.RPCURL == "" {
			return fmt.Errorf("watcher %d (%s/%s): rpc_url is required", i, w.Chain, w.Asset)
		}

		switch {
		case ch == chain.ChainSolana && w.WSURL == "":
			return fmt.Errorf("watcher %d (%s/%s): ws_url is required for solana", i, w.Chain, w.Asset)
		case ch == chain.ChainSolana && asset.Stable() && (w.TokenAccount == "" || w.TokenMint == ""):
			return fmt.Errorf("watcher %d (%s/%s): token_account and token_mint are required", i, w.Chain, w.Asset)
		case ch.EVM() && asset.Stable() && w.TokenAddress == "":
			return fmt.Errorf("watcher %d (%s/%s): token_address is required", i, w.Chain, w.Asset)
		case ch == chain.ChainTron && w.TokenAddress == "":
			return fmt.Errorf("watcher %d (%s/%s): token_address is required", i, w.Chain, w.Asset)
		case ch == chain.ChainTron && !asset.Stable():
			return fmt.Errorf("watcher %d (%s/%s): only token watchers are supported on tron", i, w.Chain, w.Asset)
		}
	}

	return nil
}
