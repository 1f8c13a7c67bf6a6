package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	TradingConfig     TradingConfig     `json:"trading"`
	MonitorConfig     MonitorConfig     `json:"monitor"`
	ReconcileConfig   ReconcileConfig   `json:"reconcile"`
	QueueConfig       QueueConfig       `json:"queue"`
	PersistenceConfig PersistenceConfig `json:"persistence"`
	VenueConfig       VenueConfig       `json:"venue"`
	PriceFeedConfig   PriceFeedConfig   `json:"price_feed"`
	DatabaseConfig    DatabaseConfig    `json:"database"`
	VaultConfig       VaultConfig       `json:"vault"`
	ServerConfig      ServerConfig      `json:"server"`
	LoggingConfig     LoggingConfig     `json:"logging"`
}

// Duration is a time.Duration that unmarshals from either a JSON number
// (nanoseconds) or a string like "30s", matching what the env overrides
// accept.
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch value := v.(type) {
	case float64:
		*d = Duration(time.Duration(value))
		return nil
	case string:
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", value, err)
		}
		*d = Duration(parsed)
		return nil
	default:
		return fmt.Errorf("invalid duration value %v", v)
	}
}

// TradingConfig holds position sizing and fee parameters
type TradingConfig struct {
	Mode              string  `json:"mode"` // "real" or "synthetic"
	QuoteAsset        string  `json:"quote_asset"`
	FeeRate           float64 `json:"fee_rate"` // taker fee as a fraction, e.g. 0.0005
	MaxOpenPositions  int     `json:"max_open_positions"`
	OrderNotional     float64 `json:"order_notional"`      // quote notional per signal-driven entry
	StopLossPercent   float64 `json:"stop_loss_percent"`   // default SL distance from entry, %
	TakeProfitPercent float64 `json:"take_profit_percent"` // default TP distance from entry, %
	InitialBalance    float64 `json:"initial_balance"`     // synthetic mode starting quote balance
}

type MonitorConfig struct {
	Interval Duration `json:"interval"`
}

type ReconcileConfig struct {
	Interval Duration `json:"interval"`
}

type QueueConfig struct {
	Workers    int      `json:"workers"`
	BufferSize int      `json:"buffer_size"`
	MaxRetries int      `json:"max_retries"`
	BaseDelay  Duration `json:"base_delay"`
	MaxDelay   Duration `json:"max_delay"`
}

type PersistenceConfig struct {
	Backend string      `json:"backend"` // "file" or "redis"
	DataDir string      `json:"data_dir"`
	Redis   RedisConfig `json:"redis"`
}

type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	Prefix   string `json:"prefix"`
}

type VenueConfig struct {
	APIKey    string   `json:"api_key"`
	SecretKey string   `json:"secret_key"`
	BaseURL   string   `json:"base_url"`
	TestNet   bool     `json:"testnet"`
	Timeout   Duration `json:"timeout"`
}

type PriceFeedConfig struct {
	StreamURL    string   `json:"stream_url"`
	PollInterval Duration `json:"poll_interval"`
	MaxAge       Duration `json:"max_age"` // price older than this counts as stale
}

type DatabaseConfig struct {
	Enabled  bool   `json:"enabled"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	Database string `json:"database"`
	SSLMode  string `json:"ssl_mode"`
}

type VaultConfig struct {
	Enabled    bool   `json:"enabled"`
	Address    string `json:"address"`
	Token      string `json:"token"`
	MountPath  string `json:"mount_path"`
	SecretPath string `json:"secret_path"`
	TLSEnabled bool   `json:"tls_enabled"`
	CACert     string `json:"ca_cert"`
}

type ServerConfig struct {
	Host           string `json:"host"`
	Port           int    `json:"port"`
	ProductionMode bool   `json:"production_mode"`
}

type LoggingConfig struct {
	Level      string `json:"level"`       // debug, info, warn, error
	JSONFormat bool   `json:"json_format"` // JSON output; console writer otherwise
}

// DefaultConfig returns a configuration with safe defaults (synthetic mode,
// file persistence, no external services required).
func DefaultConfig() *Config {
	return &Config{
		TradingConfig: TradingConfig{
			Mode:              "synthetic",
			QuoteAsset:        "USDT",
			FeeRate:           0.0005,
			MaxOpenPositions:  10,
			OrderNotional:     100.0,
			StopLossPercent:   2.0,
			TakeProfitPercent: 4.0,
			InitialBalance:    10000.0,
		},
		MonitorConfig:   MonitorConfig{Interval: Duration(time.Second)},
		ReconcileConfig: ReconcileConfig{Interval: Duration(5 * time.Minute)},
		QueueConfig: QueueConfig{
			Workers:    4,
			BufferSize: 256,
			MaxRetries: 3,
			BaseDelay:  Duration(500 * time.Millisecond),
			MaxDelay:   Duration(30 * time.Second),
		},
		PersistenceConfig: PersistenceConfig{
			Backend: "file",
			DataDir: "data",
			Redis: RedisConfig{
				Addr:   "localhost:6379",
				Prefix: "levbot",
			},
		},
		VenueConfig: VenueConfig{
			BaseURL: "https://api.binance.com",
			Timeout: Duration(10 * time.Second),
		},
		PriceFeedConfig: PriceFeedConfig{
			PollInterval: Duration(time.Second),
			MaxAge:       Duration(10 * time.Second),
		},
		DatabaseConfig: DatabaseConfig{
			Host:    "localhost",
			Port:    5432,
			SSLMode: "disable",
		},
		VaultConfig: VaultConfig{
			Address:    "http://localhost:8200",
			MountPath:  "secret",
			SecretPath: "leverage-bot/api-keys",
		},
		ServerConfig: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		LoggingConfig: LoggingConfig{
			Level:      "info",
			JSONFormat: true,
		},
	}
}

// LoadConfig reads the JSON config file (when present) and applies
// environment overrides on top of the defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			file, err := os.ReadFile(path)
			if err != nil {
				return nil, fmt.Errorf("error reading config file: %w", err)
			}
			if err := json.Unmarshal(file, cfg); err != nil {
				return nil, fmt.Errorf("error parsing config file: %w", err)
			}
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if c.TradingConfig.Mode != "real" && c.TradingConfig.Mode != "synthetic" {
		return fmt.Errorf("invalid trading mode %q: must be \"real\" or \"synthetic\"", c.TradingConfig.Mode)
	}
	if c.TradingConfig.FeeRate < 0 || c.TradingConfig.FeeRate >= 1 {
		return fmt.Errorf("invalid fee rate %v", c.TradingConfig.FeeRate)
	}
	if c.QueueConfig.Workers <= 0 {
		return fmt.Errorf("queue workers must be positive, got %d", c.QueueConfig.Workers)
	}
	if c.PersistenceConfig.Backend != "file" && c.PersistenceConfig.Backend != "redis" {
		return fmt.Errorf("invalid persistence backend %q", c.PersistenceConfig.Backend)
	}
	if c.TradingConfig.Mode == "real" && c.VenueConfig.APIKey == "" && !c.VaultConfig.Enabled {
		return fmt.Errorf("real mode requires venue API credentials (config, env, or vault)")
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	cfg.TradingConfig.Mode = getEnvOrDefault("TRADING_MODE", cfg.TradingConfig.Mode)
	cfg.TradingConfig.QuoteAsset = getEnvOrDefault("TRADING_QUOTE_ASSET", cfg.TradingConfig.QuoteAsset)
	cfg.TradingConfig.FeeRate = getEnvFloatOrDefault("TRADING_FEE_RATE", cfg.TradingConfig.FeeRate)
	cfg.TradingConfig.MaxOpenPositions = getEnvIntOrDefault("TRADING_MAX_OPEN_POSITIONS", cfg.TradingConfig.MaxOpenPositions)
	cfg.TradingConfig.OrderNotional = getEnvFloatOrDefault("TRADING_ORDER_NOTIONAL", cfg.TradingConfig.OrderNotional)
	cfg.TradingConfig.InitialBalance = getEnvFloatOrDefault("TRADING_INITIAL_BALANCE", cfg.TradingConfig.InitialBalance)

	cfg.MonitorConfig.Interval = getEnvDurationOrDefault("MONITOR_INTERVAL", cfg.MonitorConfig.Interval)
	cfg.ReconcileConfig.Interval = getEnvDurationOrDefault("RECONCILE_INTERVAL", cfg.ReconcileConfig.Interval)

	cfg.QueueConfig.Workers = getEnvIntOrDefault("QUEUE_WORKERS", cfg.QueueConfig.Workers)
	cfg.QueueConfig.BufferSize = getEnvIntOrDefault("QUEUE_BUFFER_SIZE", cfg.QueueConfig.BufferSize)
	cfg.QueueConfig.MaxRetries = getEnvIntOrDefault("QUEUE_MAX_RETRIES", cfg.QueueConfig.MaxRetries)

	cfg.PersistenceConfig.Backend = getEnvOrDefault("PERSISTENCE_BACKEND", cfg.PersistenceConfig.Backend)
	cfg.PersistenceConfig.DataDir = getEnvOrDefault("PERSISTENCE_DATA_DIR", cfg.PersistenceConfig.DataDir)
	cfg.PersistenceConfig.Redis.Addr = getEnvOrDefault("REDIS_ADDR", cfg.PersistenceConfig.Redis.Addr)
	cfg.PersistenceConfig.Redis.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.PersistenceConfig.Redis.Password)

	cfg.VenueConfig.APIKey = getEnvOrDefault("VENUE_API_KEY", cfg.VenueConfig.APIKey)
	cfg.VenueConfig.SecretKey = getEnvOrDefault("VENUE_SECRET_KEY", cfg.VenueConfig.SecretKey)
	cfg.VenueConfig.BaseURL = getEnvOrDefault("VENUE_BASE_URL", cfg.VenueConfig.BaseURL)
	cfg.VenueConfig.TestNet = getEnvOrDefault("VENUE_TESTNET", boolString(cfg.VenueConfig.TestNet)) == "true"

	cfg.PriceFeedConfig.StreamURL = getEnvOrDefault("PRICE_STREAM_URL", cfg.PriceFeedConfig.StreamURL)

	cfg.DatabaseConfig.Enabled = getEnvOrDefault("DB_ENABLED", boolString(cfg.DatabaseConfig.Enabled)) == "true"
	cfg.DatabaseConfig.Host = getEnvOrDefault("DB_HOST", cfg.DatabaseConfig.Host)
	cfg.DatabaseConfig.Port = getEnvIntOrDefault("DB_PORT", cfg.DatabaseConfig.Port)
	cfg.DatabaseConfig.User = getEnvOrDefault("DB_USER", cfg.DatabaseConfig.User)
	cfg.DatabaseConfig.Password = getEnvOrDefault("DB_PASSWORD", cfg.DatabaseConfig.Password)
	cfg.DatabaseConfig.Database = getEnvOrDefault("DB_NAME", cfg.DatabaseConfig.Database)

	cfg.VaultConfig.Enabled = getEnvOrDefault("VAULT_ENABLED", boolString(cfg.VaultConfig.Enabled)) == "true"
	cfg.VaultConfig.Address = getEnvOrDefault("VAULT_ADDR", cfg.VaultConfig.Address)
	cfg.VaultConfig.Token = getEnvOrDefault("VAULT_TOKEN", cfg.VaultConfig.Token)
	cfg.VaultConfig.MountPath = getEnvOrDefault("VAULT_MOUNT_PATH", cfg.VaultConfig.MountPath)
	cfg.VaultConfig.SecretPath = getEnvOrDefault("VAULT_SECRET_PATH", cfg.VaultConfig.SecretPath)

	cfg.ServerConfig.Host = getEnvOrDefault("SERVER_HOST", cfg.ServerConfig.Host)
	cfg.ServerConfig.Port = getEnvIntOrDefault("SERVER_PORT", cfg.ServerConfig.Port)
	cfg.ServerConfig.ProductionMode = getEnvOrDefault("SERVER_PRODUCTION", boolString(cfg.ServerConfig.ProductionMode)) == "true"

	cfg.LoggingConfig.Level = getEnvOrDefault("LOG_LEVEL", cfg.LoggingConfig.Level)
	cfg.LoggingConfig.JSONFormat = getEnvOrDefault("LOG_JSON", boolString(cfg.LoggingConfig.JSONFormat)) == "true"
}

func boolString(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue Duration) Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return Duration(d)
		}
	}
	return defaultValue
}
