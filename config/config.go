package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/noma-protocol/frontend-sub002/models"

	"gopkg.in/yaml.v3"
)

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port              int `yaml:"port"`
	ReadTimeoutMS     int `yaml:"read_timeout_ms"`
	WriteTimeoutMS    int `yaml:"write_timeout_ms"`
	ShutdownTimeoutMS int `yaml:"shutdown_timeout_ms"`
}

// ChainConfig holds chain-client and poller settings.
type ChainConfig struct {
	RPCURL         string  `yaml:"rpc_url"`
	TokenAddress   string  `yaml:"token_address"`
	TokenSymbol    string  `yaml:"token_symbol"`
	TokenDecimals  int     `yaml:"token_decimals"`
	DefaultPool    string  `yaml:"default_pool"`
	ExchangeHelper string  `yaml:"exchange_helper"`
	PollIntervalMS int     `yaml:"poll_interval_ms"`
	MinTradeSize   float64 `yaml:"min_trade_size"`
	MaxReconnects  int     `yaml:"max_reconnects"`
	BackoffBaseMS  int     `yaml:"backoff_base_ms"`
	WatchTransfers bool    `yaml:"watch_transfers"`
}

// ChatConfig controls the realtime hub.
type ChatConfig struct {
	MaxMessageLen        int      `yaml:"max_message_len"`
	HistoryLimit         int      `yaml:"history_limit"`
	AdminAddresses       []string `yaml:"admin_addresses"`
	KickDurationMins     int      `yaml:"kick_duration_mins"`
	BroadcastTradeAlerts bool     `yaml:"broadcast_trade_alerts"`
}

// DataConfig contains persistence-related settings.
type DataConfig struct {
	Backend   string `yaml:"backend"` // "sqlite" or "postgres"
	DBPath    string `yaml:"db_path"`
	PoolsPath string `yaml:"pools_path"`
}

// Config aggregates all app configuration knobs.
type Config struct {
	Server ServerConfig `yaml:"server"`
	Chain  ChainConfig  `yaml:"chain"`
	Chat   ChatConfig   `yaml:"chat"`
	Data   DataConfig   `yaml:"data"`
}

// Load reads configuration from disk, falling back to defaults and
// letting environment variables override the chain/server essentials.
func Load(path string) (*Config, error) {
	cfg := Default()

	configPath := path
	if configPath == "" {
		configPath = filepath.Join("config", "default.yaml")
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			cfg.applyEnv()
			return &cfg, nil
		}
		return nil, fmt.Errorf("config: unable to read %s: %w", configPath, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: unable to parse %s: %w", configPath, err)
	}

	cfg.applyDefaults()
	cfg.applyEnv()
	return &cfg, nil
}

// Default returns baseline configuration values.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Port:              8090,
			ReadTimeoutMS:     10000,
			WriteTimeoutMS:    10000,
			ShutdownTimeoutMS: 5000,
		},
		Chain: ChainConfig{
			TokenSymbol:    "NOMA",
			TokenDecimals:  18,
			PollIntervalMS: 5000,
			MinTradeSize:   10,
			MaxReconnects:  10,
			BackoffBaseMS:  2000,
		},
		Chat: ChatConfig{
			MaxMessageLen:    500,
			HistoryLimit:     50,
			KickDurationMins: 10,
		},
		Data: DataConfig{
			Backend:   "sqlite",
			DBPath:    "data/relay.db",
			PoolsPath: "config/pools.yaml",
		},
	}
}

func (c *Config) applyDefaults() {
	def := Default()

	if c.Server.Port == 0 {
		c.Server.Port = def.Server.Port
	}
	if c.Server.ReadTimeoutMS == 0 {
		c.Server.ReadTimeoutMS = def.Server.ReadTimeoutMS
	}
	if c.Server.WriteTimeoutMS == 0 {
		c.Server.WriteTimeoutMS = def.Server.WriteTimeoutMS
	}
	if c.Server.ShutdownTimeoutMS == 0 {
		c.Server.ShutdownTimeoutMS = def.Server.ShutdownTimeoutMS
	}

	if c.Chain.TokenSymbol == "" {
		c.Chain.TokenSymbol = def.Chain.TokenSymbol
	}
	if c.Chain.TokenDecimals == 0 {
		c.Chain.TokenDecimals = def.Chain.TokenDecimals
	}
	if c.Chain.PollIntervalMS == 0 {
		c.Chain.PollIntervalMS = def.Chain.PollIntervalMS
	}
	if c.Chain.MinTradeSize == 0 {
		c.Chain.MinTradeSize = def.Chain.MinTradeSize
	}
	if c.Chain.MaxReconnects == 0 {
		c.Chain.MaxReconnects = def.Chain.MaxReconnects
	}
	if c.Chain.BackoffBaseMS == 0 {
		c.Chain.BackoffBaseMS = def.Chain.BackoffBaseMS
	}

	if c.Chat.MaxMessageLen == 0 {
		c.Chat.MaxMessageLen = def.Chat.MaxMessageLen
	}
	if c.Chat.HistoryLimit == 0 {
		c.Chat.HistoryLimit = def.Chat.HistoryLimit
	}
	if c.Chat.KickDurationMins == 0 {
		c.Chat.KickDurationMins = def.Chat.KickDurationMins
	}

	if c.Data.Backend == "" {
		c.Data.Backend = def.Data.Backend
	}
	if c.Data.DBPath == "" {
		c.Data.DBPath = def.Data.DBPath
	}
	if c.Data.PoolsPath == "" {
		c.Data.PoolsPath = def.Data.PoolsPath
	}
}

// applyEnv lets a handful of environment variables override file values,
// matching how the deployment passes chain endpoints around.
func (c *Config) applyEnv() {
	if v := os.Getenv("NOMA_RPC_URL"); v != "" {
		c.Chain.RPCURL = v
	}
	if v := os.Getenv("NOMA_TOKEN_ADDRESS"); v != "" {
		c.Chain.TokenAddress = v
	}
	if v := os.Getenv("NOMA_DEFAULT_POOL"); v != "" {
		c.Chain.DefaultPool = v
	}
	if v := os.Getenv("NOMA_EXCHANGE_HELPER"); v != "" {
		c.Chain.ExchangeHelper = v
	}
	if v := os.Getenv("NOMA_DATA_BACKEND"); v != "" {
		c.Data.Backend = v
	}
}

// poolsDocument is the on-disk shape of the reloadable pool registry file.
type poolsDocument struct {
	Pools []models.PoolConfig `yaml:"pools"`
}

// LoadPools reads the pool registry document. Pool and token addresses are
// normalized to lowercase so identity comparisons are case-insensitive.
func LoadPools(path string) ([]models.PoolConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read pools %s: %w", path, err)
	}

	var doc poolsDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("config: parse pools %s: %w", path, err)
	}

	for i := range doc.Pools {
		doc.Pools[i].Address = strings.ToLower(strings.TrimSpace(doc.Pools[i].Address))
		doc.Pools[i].Token0 = strings.ToLower(strings.TrimSpace(doc.Pools[i].Token0))
		doc.Pools[i].Token1 = strings.ToLower(strings.TrimSpace(doc.Pools[i].Token1))
		if doc.Pools[i].Version == "" {
			doc.Pools[i].Version = models.PoolV2
		}
	}

	return doc.Pools, nil
}
