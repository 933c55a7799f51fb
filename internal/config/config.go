package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"coinwatch/internal/logging"
)

// Store drivers understood by StoreConfig.Driver.
const (
	DriverPostgres = "postgres"
	DriverMongo    = "mongo"
	DriverMemory   = "memory"
)

// DefaultAssets is the monitored coin set used when none is configured.
var DefaultAssets = []string{
	"bitcoin",
	"ethereum",
	"ripple",
	"cardano",
	"dogecoin",
	"polkadot",
	"solana",
	"binancecoin",
	"litecoin",
}

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	CoinGecko CoinGeckoConfig `mapstructure:"coingecko"`
	Assets    []string        `mapstructure:"assets"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Store     StoreConfig     `mapstructure:"store"`
	Alerts    AlertsConfig    `mapstructure:"alerts"`
	Alerting  AlertingConfig  `mapstructure:"alerting"`
	Server    ServerConfig    `mapstructure:"server"`
	Export    ExportConfig    `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// SchedulerConfig governs the tick cadence.
type SchedulerConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	AlignToBucket   bool          `mapstructure:"align_to_bucket"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
	RunImmediately  bool          `mapstructure:"run_immediately"`
	DispatchWorkers int           `mapstructure:"dispatch_workers"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
}

// CoinGeckoConfig captures upstream price API access.
type CoinGeckoConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	ProBaseURL     string        `mapstructure:"pro_base_url"`
	APIKey         string        `mapstructure:"api_key"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	BaseDelay      time.Duration `mapstructure:"base_delay"`
	UserAgent      string        `mapstructure:"user_agent"`
}

// RedisConfig encapsulates price cache connectivity.
type RedisConfig struct {
	Addr             string        `mapstructure:"addr"`
	Password         string        `mapstructure:"password"`
	DB               int           `mapstructure:"db"`
	KeyPrefix        string        `mapstructure:"key_prefix"`
	PriceTTL         time.Duration `mapstructure:"price_ttl"`
	HistoryRetention time.Duration `mapstructure:"history_retention"`
}

// StoreConfig selects and configures the alert store.
type StoreConfig struct {
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MongoURI        string        `mapstructure:"mongo_uri"`
	MongoDatabase   string        `mapstructure:"mongo_database"`
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout"`
}

// AlertsConfig tunes alert evaluation.
type AlertsConfig struct {
	Workers int `mapstructure:"workers"`
}

// AlertingConfig defines extra delivery channels for triggered alerts.
type AlertingConfig struct {
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig 描述 Telegram 告警参数。
type TelegramConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	BotToken string        `mapstructure:"bot_token"`
	ChatID   string        `mapstructure:"chat_id"`
	APIBase  string        `mapstructure:"api_base"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// ServerConfig configures the HTTP/WebSocket listener.
type ServerConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	Addr           string        `mapstructure:"addr"`
	JWTSecret      string        `mapstructure:"jwt_secret"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
	MaxClients     int           `mapstructure:"max_clients"`
	ShutdownGrace  time.Duration `mapstructure:"shutdown_grace"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("COINWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "coinwatch")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("scheduler.interval", "30s")
	v.SetDefault("scheduler.align_to_bucket", false)
	v.SetDefault("scheduler.startup_delay", "0s")
	v.SetDefault("scheduler.run_immediately", true)
	v.SetDefault("scheduler.dispatch_workers", 4)
	v.SetDefault("scheduler.advisory_lock_key", int64(0))

	v.SetDefault("coingecko.base_url", "https://api.coingecko.com/api/v3")
	v.SetDefault("coingecko.pro_base_url", "https://pro-api.coingecko.com/api/v3")
	v.SetDefault("coingecko.request_timeout", "10s")
	v.SetDefault("coingecko.max_attempts", 3)
	v.SetDefault("coingecko.base_delay", "1s")
	v.SetDefault("coingecko.user_agent", "coinwatch/1.0")
	v.SetDefault("coingecko.api_key", "")

	v.SetDefault("assets", DefaultAssets)

	v.SetDefault("redis.addr", "127.0.0.1:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.key_prefix", "")
	v.SetDefault("redis.price_ttl", "60s")
	v.SetDefault("redis.history_retention", "24h")

	// keys without a meaningful default are still registered so env overrides reach Unmarshal
	v.SetDefault("store.driver", DriverPostgres)
	v.SetDefault("store.dsn", "")
	v.SetDefault("store.mongo_uri", "")
	v.SetDefault("store.max_open_conns", 10)
	v.SetDefault("store.max_idle_conns", 2)
	v.SetDefault("store.conn_max_lifetime", "30m")
	v.SetDefault("store.mongo_database", "crypto-monitor")
	v.SetDefault("store.connect_timeout", "10s")

	v.SetDefault("alerts.workers", 8)

	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")
	v.SetDefault("alerting.telegram.bot_token", "")
	v.SetDefault("alerting.telegram.chat_id", "")
	v.SetDefault("alerting.telegram.timeout", "10s")

	v.SetDefault("server.enabled", true)
	v.SetDefault("server.addr", ":5000")
	v.SetDefault("server.jwt_secret", "")
	v.SetDefault("server.allowed_origins", []string{"http://localhost:3000"})
	v.SetDefault("server.max_clients", 100)
	v.SetDefault("server.shutdown_grace", "5s")

	v.SetDefault("export.max_data_points", 2880)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if c.Scheduler.DispatchWorkers < 0 {
		return fmt.Errorf("scheduler.dispatch_workers cannot be negative")
	}
	if len(c.Assets) == 0 {
		return fmt.Errorf("assets must list at least one coin id")
	}
	for _, id := range c.Assets {
		if strings.TrimSpace(id) == "" {
			return fmt.Errorf("assets contains an empty coin id")
		}
	}
	if c.CoinGecko.MaxAttempts <= 0 {
		return fmt.Errorf("coingecko.max_attempts must be greater than zero")
	}
	if c.Redis.PriceTTL <= 0 {
		return fmt.Errorf("redis.price_ttl must be greater than zero")
	}
	if c.Redis.HistoryRetention <= 0 {
		return fmt.Errorf("redis.history_retention must be greater than zero")
	}
	switch c.Store.Driver {
	case DriverPostgres:
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required for the postgres driver")
		}
	case DriverMongo:
		if c.Store.MongoURI == "" {
			return fmt.Errorf("store.mongo_uri is required for the mongo driver")
		}
	case DriverMemory:
	default:
		return fmt.Errorf("store.driver %q is not supported", c.Store.Driver)
	}
	if c.Alerts.Workers <= 0 {
		return fmt.Errorf("alerts.workers must be greater than zero")
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token 必须配置")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id 必须配置")
		}
	}
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	return nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
