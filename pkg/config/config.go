package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Environment string           `yaml:"environment" default:"development" validate:"required"`
	Log         LogConfig        `yaml:"log"`
	Server      ServerConfig     `yaml:"server"`
	Metrics     MetricsConfig    `yaml:"metrics"`
	Binance     BinanceConfig    `yaml:"binance"`
	Stream      StreamConfig     `yaml:"stream"`
	Forecast    ForecastConfig   `yaml:"forecast"`
	Storage     StorageConfig    `yaml:"storage"`
	ClickHouse  ClickHouseConfig `yaml:"clickhouse"`
	Kafka       KafkaConfig      `yaml:"kafka"`
	Redis       RedisConfig      `yaml:"redis"`
	Continuity  ContinuityConfig `yaml:"continuity"`
}

type LogConfig struct {
	Level  string `yaml:"level" default:"info" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" default:"json" validate:"oneof=json console"`
	Output string `yaml:"output" default:"stdout"`
}

type ServerConfig struct {
	Enabled         bool          `yaml:"enabled" default:"true"`
	Port            int           `yaml:"port" default:"8080" validate:"gte=1,lte=65535"`
	ReadTimeout     time.Duration `yaml:"read_timeout" default:"10s"`
	WriteTimeout    time.Duration `yaml:"write_timeout" default:"10s"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" default:"15s"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" default:"true"`
	Path    string `yaml:"path" default:"/metrics"`
}

type BinanceConfig struct {
	RESTBaseURL    string        `yaml:"rest_base_url" default:"https://api.binance.com" validate:"url"`
	WebSocketURL   string        `yaml:"websocket_url" default:"wss://stream.binance.com:9443/ws"`
	Symbol         string        `yaml:"symbol" default:"ETHUSDT" validate:"required,uppercase"`
	Interval       string        `yaml:"interval" default:"3m" validate:"oneof=1m 3m 5m 15m 30m 1h 2h 4h"`
	APIKey         string        `yaml:"api_key"`
	SecretKey      string        `yaml:"secret_key"`
	PageSize       int           `yaml:"page_size" default:"1000" validate:"gte=1,lte=1000"`
	PageDelay      time.Duration `yaml:"page_delay" default:"100ms"`
	RequestTimeout time.Duration `yaml:"request_timeout" default:"10s"`
}

// IntervalDuration converts the exchange interval code ("3m", "1h") to a duration.
func (b BinanceConfig) IntervalDuration() time.Duration {
	d, err := time.ParseDuration(b.Interval)
	if err != nil {
		return 0
	}
	return d
}

type StreamConfig struct {
	MaxRetries   int           `yaml:"max_retries" default:"5" validate:"gte=0"`
	BackoffStep  time.Duration `yaml:"backoff_step" default:"5s"`
	BackoffMax   time.Duration `yaml:"backoff_max" default:"30s"`
	PingInterval time.Duration `yaml:"ping_interval" default:"20s"`
	PongTimeout  time.Duration `yaml:"pong_timeout" default:"10s"`
	ReadTimeout  time.Duration `yaml:"read_timeout" default:"60s"`
}

type ForecastConfig struct {
	HalfLife        float64       `yaml:"half_life" default:"5" validate:"gt=0"`
	CLevel          float64       `yaml:"c_level" default:"1.0" validate:"gt=0"`
	CTrend          float64       `yaml:"c_trend" default:"0.1" validate:"gt=0"`
	R0Mult          float64       `yaml:"r0_mult" default:"0.1" validate:"gt=0"`
	HorizonsMinutes []int         `yaml:"horizons_minutes" default:"[3,6,9,15,30,60]" validate:"min=1,dive,gt=0"`
	HistoryWindow   time.Duration `yaml:"history_window" default:"168h"`
	StateMaxAge     time.Duration `yaml:"state_max_age" default:"168h"`
}

type StorageConfig struct {
	Backend    string `yaml:"backend" default:"sqlite" validate:"oneof=sqlite clickhouse"`
	SQLitePath string `yaml:"sqlite_path" default:"data/candlecast.db"`
}

type ClickHouseConfig struct {
	Host         string        `yaml:"host" default:"localhost"`
	Port         int           `yaml:"port" default:"9000"`
	Database     string        `yaml:"database" default:"candlecast"`
	User         string        `yaml:"user" default:"default"`
	Password     string        `yaml:"password"`
	UseHTTP      bool          `yaml:"use_http"`
	DialTimeout  time.Duration `yaml:"dial_timeout" default:"5s"`
	ReadTimeout  time.Duration `yaml:"read_timeout" default:"30s"`
	AsyncInsert  bool          `yaml:"async_insert"`
	WaitForAsync bool          `yaml:"wait_for_async_insert" default:"true"`
}

type KafkaConfig struct {
	Enabled     bool     `yaml:"enabled"`
	Brokers     []string `yaml:"brokers"`
	Topic       string   `yaml:"topic" default:"candlecast.predictions"`
	AlertsTopic string   `yaml:"alerts_topic" default:"candlecast.alerts"`
	Compression string   `yaml:"compression" default:"gzip" validate:"oneof=gzip snappy lz4 zstd"`
}

type RedisConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Addr      string        `yaml:"addr" default:"localhost:6379"`
	Password  string        `yaml:"password"`
	DB        int           `yaml:"db"`
	PoolSize  int           `yaml:"pool_size" default:"10" validate:"gte=1"`
	KeyPrefix string        `yaml:"key_prefix" default:"candlecast"`
	TTL       time.Duration `yaml:"ttl" default:"1h"`
}

type ContinuityConfig struct {
	Enabled bool          `yaml:"enabled" default:"true"`
	Every   time.Duration `yaml:"every" default:"15m"`
}

// Default returns a configuration populated only from default tags.
func Default() *Config {
	var c Config
	if err := defaults.Set(&c); err != nil {
		panic(fmt.Sprintf("config defaults: %v", err))
	}
	return &c
}

// Load reads a YAML file over the defaults. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	c := Default()

	b, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("read config: %w", err)
	default:
		if err := yaml.Unmarshal(b, c); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return c, nil
}

// LoadWithEnv loads .env (if present), the YAML file, then applies environment overrides.
func LoadWithEnv(path string) (*Config, error) {
	_ = godotenv.Load()

	c, err := Load(path)
	if err != nil {
		return nil, err
	}

	if v := os.Getenv("BINANCE_API_KEY"); v != "" {
		c.Binance.APIKey = v
	}
	if v := os.Getenv("BINANCE_SECRET_KEY"); v != "" {
		c.Binance.SecretKey = v
	}
	if v := os.Getenv("SYMBOL"); v != "" {
		c.Binance.Symbol = strings.ToUpper(v)
	}
	if v := os.Getenv("BACKEND"); v != "" {
		c.Storage.Backend = v
	}
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		c.Storage.SQLitePath = v
	}
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		c.Kafka.Brokers = strings.Split(v, ",")
		c.Kafka.Enabled = true
	}
	if v := os.Getenv("KAFKA_TOPIC"); v != "" {
		c.Kafka.Topic = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
		c.Redis.Enabled = true
	}
	if v := os.Getenv("HALF_LIFE"); v != "" {
		hl, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("HALF_LIFE: %w", err)
		}
		c.Forecast.HalfLife = hl
	}

	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return c, nil
}

var validate = validator.New()

// Validate checks field constraints and cross-field rules.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}
	iv := c.Binance.IntervalDuration()
	if iv <= 0 {
		return fmt.Errorf("binance.interval %q is not a duration", c.Binance.Interval)
	}
	if (24*time.Hour)%iv != 0 {
		return fmt.Errorf("binance.interval %s must divide a day", iv)
	}
	for _, h := range c.Forecast.HorizonsMinutes {
		if (time.Duration(h)*time.Minute)%iv != 0 {
			return fmt.Errorf("forecast.horizons_minutes: %d is not a multiple of %s", h, iv)
		}
	}
	if c.Forecast.HistoryWindow < iv {
		return fmt.Errorf("forecast.history_window must cover at least one interval")
	}
	if c.Stream.BackoffMax < c.Stream.BackoffStep {
		return fmt.Errorf("stream.backoff_max must be >= stream.backoff_step")
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka.brokers is required when kafka is enabled")
	}
	if c.Storage.Backend == "sqlite" && c.Storage.SQLitePath == "" {
		return fmt.Errorf("storage.sqlite_path is required for the sqlite backend")
	}
	return nil
}
