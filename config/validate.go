package config

import (
	"errors"
	"fmt"
)

// Validate ensures the configuration is usable.
func Validate(cfg AppConfig) error {
	if cfg.Env == "" {
		return errors.New("env is required")
	}
	if cfg.Mode != "paper" {
		return fmt.Errorf("mode %q is not supported (only paper)", cfg.Mode)
	}

	r := cfg.Engine.Retry
	if r.MaxAttempts < 1 {
		return errors.New("engine.retry.maxAttempts must be >= 1")
	}
	if r.InitialBackoff < 0 || r.MaxBackoff < 0 || r.CallTimeout < 0 {
		return errors.New("engine.retry durations must be >= 0")
	}
	if r.MaxBackoff > 0 && r.InitialBackoff > r.MaxBackoff {
		return errors.New("engine.retry.initialBackoff must be <= maxBackoff")
	}
	if r.Multiplier != 0 && r.Multiplier < 1 {
		return errors.New("engine.retry.multiplier must be >= 1")
	}
	if r.Jitter < 0 || r.Jitter >= 1 {
		return errors.New("engine.retry.jitter must be in [0, 1)")
	}

	e := cfg.Engine
	if e.ReconcileInterval < 0 || e.ReconcileTimeout < 0 || e.Retention < 0 ||
		e.EvictInterval < 0 || e.CheckpointInterval < 0 || e.PositionsInterval < 0 || e.StopTimeout < 0 {
		return errors.New("engine durations must be >= 0")
	}
	if err := e.SafetyRails.Validate(); err != nil {
		return fmt.Errorf("engine.%w", err)
	}
	if b := e.Breaker; b.Threshold < 0 || b.Cooldown < 0 || b.HalfOpenProbes < 0 {
		return errors.New("engine.breaker values must be >= 0")
	}

	for ticker, tc := range cfg.Tickers {
		if tc.TickSize.IsNegative() {
			return fmt.Errorf("ticker %s tickSize must be >= 0", ticker)
		}
		if tc.MinQty < 0 || tc.MaxQty < 0 {
			return fmt.Errorf("ticker %s qty bounds must be >= 0", ticker)
		}
		if tc.MaxQty > 0 && tc.MinQty > tc.MaxQty {
			return fmt.Errorf("ticker %s minQty must be <= maxQty", ticker)
		}
		if tc.MinNotional.IsNegative() {
			return fmt.Errorf("ticker %s minNotional must be >= 0", ticker)
		}
	}

	p := cfg.Portfolio
	if p.Limits.SingleMax < 0 || p.Limits.DailyMax < 0 || p.Limits.NetMax < 0 {
		return errors.New("portfolio.limits must be >= 0")
	}
	if p.MinInterval < 0 || p.Retention < 0 {
		return errors.New("portfolio durations must be >= 0")
	}
	if p.MinPnL.IsPositive() {
		return errors.New("portfolio.minPnL must be <= 0")
	}

	if rc := cfg.Recorder; rc.Enabled {
		switch rc.Sink {
		case "memory":
		case "sql":
			if rc.DSN == "" {
				return errors.New("recorder.dsn is required for sql sink")
			}
		case "redis":
			if rc.RedisURL == "" {
				return errors.New("recorder.redisURL is required for redis sink")
			}
		default:
			return fmt.Errorf("recorder.sink %q is not supported", rc.Sink)
		}
	}

	if cfg.Feed.Enabled && cfg.Metrics.Addr == "" {
		return errors.New("feed requires metrics.addr")
	}
	if cfg.Paper.RatePerSecond < 0 || cfg.Paper.Burst < 0 {
		return errors.New("paper rate limits must be >= 0")
	}
	return nil
}
