package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"prediction-trader-go/gateway"
	"prediction-trader-go/infrastructure/logger"
	"prediction-trader-go/infrastructure/recorder"
	"prediction-trader-go/internal/feed"
	"prediction-trader-go/order"
	"prediction-trader-go/portfolio"
	"prediction-trader-go/risk"
)

// AppConfig holds the main runtime configuration.
type AppConfig struct {
	Env        string                             `yaml:"env"`
	Mode       string                             `yaml:"mode"` // 目前仅支持 paper
	Logging    logger.Config                      `yaml:"logging"`
	Metrics    MetricsConfig                      `yaml:"metrics"`
	Engine     EngineConfig                       `yaml:"engine"`
	Tickers    map[string]order.TickerConstraints `yaml:"tickers"`
	Portfolio  portfolio.Config                   `yaml:"portfolio"`
	Checkpoint CheckpointConfig                   `yaml:"checkpoint"`
	Recorder   RecorderConfig                     `yaml:"recorder"`
	Feed       FeedConfig                         `yaml:"feed"`
	Alerts     AlertConfig                        `yaml:"alerts"`
	Paper      PaperConfig                        `yaml:"paper"`
}

type MetricsConfig struct {
	Addr      string `yaml:"addr"` // 为空则不启动 HTTP
	Namespace string `yaml:"namespace"`
}

type EngineConfig struct {
	Retry              gateway.RetryPolicy   `yaml:"retry"`
	ReconcileInterval  time.Duration         `yaml:"reconcileInterval"`
	ReconcileTimeout   time.Duration         `yaml:"reconcileTimeout"`
	Retention          time.Duration         `yaml:"retention"`
	EvictInterval      time.Duration         `yaml:"evictInterval"`
	CheckpointInterval time.Duration         `yaml:"checkpointInterval"`
	PositionsInterval  time.Duration         `yaml:"positionsInterval"`
	StopTimeout        time.Duration         `yaml:"stopTimeout"`
	SafetyRails        risk.SafetyRails      `yaml:"safetyRails"`
	Breaker            gateway.BreakerConfig `yaml:"breaker"`          // threshold 为 0 不启用
	CancelOnShutdown   bool                  `yaml:"cancelOnShutdown"` // 停止前撤销全部挂单
}

// CheckpointConfig Path 与 DSN 二选一，DSN 优先。
type CheckpointConfig struct {
	Path string `yaml:"path"`
	DSN  string `yaml:"dsn"`
}

type RecorderConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Sink            string `yaml:"sink"` // memory | sql | redis
	DSN             string `yaml:"dsn"`
	RedisURL        string `yaml:"redisURL"`
	Stream          string `yaml:"stream"`
	StreamMaxLen    int64  `yaml:"streamMaxLen"`
	recorder.Config `yaml:",inline"`
}

type FeedConfig struct {
	Enabled     bool `yaml:"enabled"`
	feed.Config `yaml:",inline"`
}

type AlertConfig struct {
	ThrottleInterval time.Duration `yaml:"throttleInterval"`
}

type PaperConfig struct {
	RatePerSecond float64           `yaml:"ratePerSecond"`
	Burst         int               `yaml:"burst"`
	RejectTickers map[string]string `yaml:"rejectTickers"` // ticker -> 拒单原因
	MarketPrice   decimal.Decimal   `yaml:"marketPrice"`
}

// Load reads YAML config from path, fills defaults and validates.
func Load(path string) (AppConfig, error) {
	var cfg AppConfig
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse yaml: %w", err)
	}
	ApplyDefaults(&cfg)
	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadWithEnvOverrides loads config then overrides deployment-specific fields from env vars if present.
func LoadWithEnvOverrides(path string) (AppConfig, error) {
	cfg, err := Load(path)
	if err != nil {
		return cfg, err
	}
	if v := os.Getenv("PT_CHECKPOINT_DSN"); v != "" {
		cfg.Checkpoint.DSN = v
	}
	if v := os.Getenv("PT_RECORDER_REDIS_URL"); v != "" {
		cfg.Recorder.RedisURL = v
	}
	if v := os.Getenv("PT_RECORDER_DSN"); v != "" {
		cfg.Recorder.DSN = v
	}
	if v := os.Getenv("PT_METRICS_ADDR"); v != "" {
		cfg.Metrics.Addr = v
	}
	if v := os.Getenv("PT_MAX_OPEN_ORDERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("PT_MAX_OPEN_ORDERS: %w", err)
		}
		cfg.Engine.SafetyRails.MaxOpenOrders = n
	}
	return cfg, Validate(cfg)
}

// ApplyDefaults 填充未配置的字段。
func ApplyDefaults(cfg *AppConfig) {
	if cfg.Env == "" {
		cfg.Env = "dev"
	}
	if cfg.Mode == "" {
		cfg.Mode = "paper"
	}
	defLog := logger.DefaultConfig()
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = defLog.Level
	}
	if len(cfg.Logging.Outputs) == 0 {
		cfg.Logging.Outputs = defLog.Outputs
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = defLog.Format
	}
	if cfg.Metrics.Namespace == "" {
		cfg.Metrics.Namespace = "pt"
	}

	defRetry := gateway.DefaultRetryPolicy()
	r := &cfg.Engine.Retry
	if r.MaxAttempts == 0 {
		r.MaxAttempts = defRetry.MaxAttempts
	}
	if r.InitialBackoff == 0 {
		r.InitialBackoff = defRetry.InitialBackoff
	}
	if r.MaxBackoff == 0 {
		r.MaxBackoff = defRetry.MaxBackoff
	}
	if r.Multiplier == 0 {
		r.Multiplier = defRetry.Multiplier
	}
	if r.CallTimeout == 0 {
		r.CallTimeout = defRetry.CallTimeout
	}

	e := &cfg.Engine
	setDuration(&e.ReconcileInterval, time.Second)
	setDuration(&e.ReconcileTimeout, 10*time.Second)
	setDuration(&e.Retention, 30*time.Minute)
	setDuration(&e.EvictInterval, time.Minute)
	setDuration(&e.CheckpointInterval, 5*time.Second)
	setDuration(&e.PositionsInterval, 2*time.Second)
	setDuration(&e.StopTimeout, 10*time.Second)

	defRails := risk.DefaultSafetyRails()
	if e.SafetyRails.MaxNotionalPerOrder.IsZero() {
		e.SafetyRails.MaxNotionalPerOrder = defRails.MaxNotionalPerOrder
	}
	if e.SafetyRails.MaxOpenOrders == 0 {
		e.SafetyRails.MaxOpenOrders = defRails.MaxOpenOrders
	}
	if e.SafetyRails.MarketReferencePrice.IsZero() {
		e.SafetyRails.MarketReferencePrice = defRails.MarketReferencePrice
	}

	if cfg.Portfolio.Source == "" {
		cfg.Portfolio.Source = "portfolio"
	}
	setDuration(&cfg.Portfolio.Retention, e.Retention)

	if cfg.Recorder.Enabled && cfg.Recorder.Sink == "" {
		cfg.Recorder.Sink = "memory"
	}
	setDuration(&cfg.Alerts.ThrottleInterval, time.Minute)
	if cfg.Paper.RatePerSecond == 0 {
		cfg.Paper.RatePerSecond = 20
	}
	if cfg.Paper.Burst == 0 {
		cfg.Paper.Burst = 20
	}
}

func setDuration(d *time.Duration, def time.Duration) {
	if *d == 0 {
		*d = def
	}
}
