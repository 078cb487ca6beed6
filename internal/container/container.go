package container

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"prediction-trader-go/bus"
	"prediction-trader-go/config"
	"prediction-trader-go/gateway"
	"prediction-trader-go/infrastructure/alert"
	"prediction-trader-go/infrastructure/logger"
	"prediction-trader-go/infrastructure/monitor"
	"prediction-trader-go/infrastructure/recorder"
	"prediction-trader-go/internal/checkpoint"
	hotconfig "prediction-trader-go/internal/config"
	"prediction-trader-go/internal/engine"
	"prediction-trader-go/internal/feed"
	"prediction-trader-go/internal/store"
	"prediction-trader-go/order"
	"prediction-trader-go/portfolio"
)

// Container 依赖注入容器，管理所有组件的生命周期
type Container struct {
	// 配置
	cfg        config.AppConfig
	configPath string

	// 基础设施
	logger   *logger.Logger
	monitor  *monitor.Monitor
	alertMgr *alert.Manager
	recorder *recorder.Recorder

	// 持久化连接，由容器持有并在停止时关闭
	dbs   []*gorm.DB
	redis *redis.Client

	// 交易所网关
	paper    *gateway.PaperExchange
	breaker  *gateway.Breaker
	exchange gateway.ExchangeClient

	// 核心服务
	commands   *bus.CommandBus
	events     *bus.EventBus
	checkpoint engine.Checkpointer
	engine     *engine.Engine
	portfolio  *portfolio.Manager
	feed       *feed.Server
	reloader   *hotconfig.HotReloader

	// HTTP服务器
	httpServer *httpServerComponent

	// 生命周期管理
	lifecycle *LifecycleManager
	stopOnce  sync.Once
}

// New 从配置文件创建 Container
func New(configPath string) (*Container, error) {
	cfg, err := config.LoadWithEnvOverrides(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config failed: %w", err)
	}
	c := NewFromConfig(cfg)
	c.configPath = configPath
	return c, nil
}

// NewFromConfig 使用已加载的配置创建 Container，不启用热更新。
func NewFromConfig(cfg config.AppConfig) *Container {
	config.ApplyDefaults(&cfg)
	return &Container{
		cfg:       cfg,
		lifecycle: NewLifecycleManager(),
	}
}

// Build 构建所有组件
func (c *Container) Build(ctx context.Context) error {
	if err := config.Validate(c.cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if err := c.buildInfrastructure(); err != nil {
		return fmt.Errorf("build infrastructure failed: %w", err)
	}
	if err := c.buildPersistence(ctx); err != nil {
		c.closeConnections()
		return fmt.Errorf("build persistence failed: %w", err)
	}
	c.buildGateway()
	if err := c.buildCoreServices(); err != nil {
		c.closeConnections()
		return fmt.Errorf("build core services failed: %w", err)
	}
	if err := c.buildReloader(); err != nil {
		c.closeConnections()
		return fmt.Errorf("build hot reloader failed: %w", err)
	}

	c.registerLifecycleComponents()
	c.logger.Info("Container built",
		zap.String("env", c.cfg.Env),
		zap.String("mode", c.cfg.Mode),
		zap.Strings("components", c.lifecycle.Names()))
	return nil
}

func (c *Container) buildInfrastructure() error {
	var err error
	c.logger, err = logger.New(c.cfg.Logging)
	if err != nil {
		return fmt.Errorf("create logger failed: %w", err)
	}

	monitorCfg := monitor.DefaultConfig()
	monitorCfg.Namespace = c.cfg.Metrics.Namespace
	c.monitor = monitor.New(monitorCfg)

	c.alertMgr = alert.NewManager([]alert.Channel{
		alert.NewLoggerChannel("log", c.logger),
	}, c.cfg.Alerts.ThrottleInterval)
	return nil
}

func (c *Container) buildPersistence(ctx context.Context) error {
	switch cp := c.cfg.Checkpoint; {
	case cp.DSN != "":
		db, err := c.openDB(ctx, cp.DSN)
		if err != nil {
			return err
		}
		sqlStore, err := checkpoint.NewSQLStore(db)
		if err != nil {
			return err
		}
		c.checkpoint = sqlStore
	case cp.Path != "":
		c.checkpoint = checkpoint.NewFileStore(cp.Path)
	}

	rc := c.cfg.Recorder
	if !rc.Enabled {
		return nil
	}
	var sink recorder.Sink
	switch rc.Sink {
	case "sql":
		db, err := c.openDB(ctx, rc.DSN)
		if err != nil {
			return err
		}
		sqlSink, err := recorder.NewSQLSink(db)
		if err != nil {
			return err
		}
		sink = sqlSink
	case "redis":
		client, err := store.OpenRedis(ctx, rc.RedisURL)
		if err != nil {
			return err
		}
		c.redis = client
		sink = recorder.NewRedisStreamSink(client, rc.Stream, rc.StreamMaxLen)
	default:
		sink = recorder.NewMemorySink()
	}
	c.recorder = recorder.New(rc.Config, sink, c.logger.WithFields(map[string]interface{}{"component": "recorder"}),
		recorder.WithDropHook(c.monitor.RecordRecorderDrop))
	return nil
}

func (c *Container) openDB(ctx context.Context, dsn string) (*gorm.DB, error) {
	db, err := store.OpenDB(ctx, store.DBConfig{DSN: dsn, MaxOpenConns: 4, MaxIdleConns: 2, ConnMaxLifetime: time.Hour})
	if err != nil {
		return nil, err
	}
	c.dbs = append(c.dbs, db)
	c.logger.Info("Database connected", zap.String("dialect", store.Dialect(dsn)))
	return db, nil
}

func (c *Container) buildGateway() {
	pc := c.cfg.Paper
	opts := []gateway.PaperOption{}
	for ticker, code := range pc.RejectTickers {
		opts = append(opts, gateway.WithRejectTicker(ticker, code))
	}
	if pc.MarketPrice.IsPositive() {
		opts = append(opts, gateway.WithMarketPrice(pc.MarketPrice))
	}
	c.paper = gateway.NewPaperExchange(opts...)

	var client gateway.ExchangeClient = c.paper
	if bc := c.cfg.Engine.Breaker; bc.Threshold > 0 {
		c.breaker = gateway.NewBreaker(c.paper, bc, gateway.WithStateHook(c.onBreakerChange))
		client = c.breaker
	}

	var limiter gateway.RateLimiter
	if pc.RatePerSecond > 0 {
		limiter = gateway.NewTokenBucketLimiter(pc.RatePerSecond, pc.Burst)
	}
	c.exchange = gateway.NewInstrumented(client, limiter, c.monitor)
}

func (c *Container) onBreakerChange(from, to gateway.BreakerState) {
	c.monitor.SetBreakerState(from, to)
	c.logger.Warn("Exchange circuit breaker state changed",
		zap.String("from", from.String()),
		zap.String("to", to.String()))
	if to == gateway.BreakerOpen {
		_ = c.alertMgr.Warning("exchange_breaker_open", "exchange circuit breaker opened", nil)
	}
}

func (c *Container) buildCoreServices() error {
	var rec bus.Recorder
	if c.recorder != nil {
		rec = c.recorder
	}
	var busOpts []bus.Option
	if rec != nil {
		busOpts = append(busOpts, bus.WithRecorder(rec))
	}
	c.commands = bus.NewCommandBus(busOpts...)
	c.events = bus.NewEventBus(busOpts...)

	c.portfolio = portfolio.New(c.cfg.Portfolio, c.commands, c.events,
		c.logger.WithFields(map[string]interface{}{"component": "portfolio"}), c.monitor)

	ec := c.cfg.Engine
	comp := engine.Components{
		Exchange:   c.exchange,
		Commands:   c.commands,
		Events:     c.events,
		Logger:     c.logger.WithFields(map[string]interface{}{"component": "engine"}),
		AlertMgr:   c.alertMgr,
		Metrics:    c.monitor,
		Checkpoint: c.checkpoint,
		Positions:  c.portfolio,
	}
	if c.recorder != nil {
		comp.Errors = c.recorder
	}
	eng, err := engine.New(engine.Config{
		Retry:              ec.Retry,
		ReconcileInterval:  ec.ReconcileInterval,
		ReconcileTimeout:   ec.ReconcileTimeout,
		Retention:          ec.Retention,
		EvictInterval:      ec.EvictInterval,
		CheckpointInterval: ec.CheckpointInterval,
		PositionsInterval:  ec.PositionsInterval,
		StopTimeout:        ec.StopTimeout,
		Rails:              ec.SafetyRails,
		Constraints:        order.ConstraintSet(c.cfg.Tickers),
	}, comp)
	if err != nil {
		return err
	}
	c.engine = eng

	if c.cfg.Feed.Enabled {
		c.feed = feed.New(c.cfg.Feed.Config, c.events, c.logger.WithFields(map[string]interface{}{"component": "feed"}))
	}
	return nil
}

func (c *Container) buildReloader() error {
	if c.configPath == "" {
		return nil
	}
	r, err := hotconfig.NewHotReloader(c.configPath, hotconfig.DefaultHotReloadConfig(), c.logger)
	if err != nil {
		return err
	}
	r.Register("safety_rails", hotconfig.ApplierFunc(func(cfg config.AppConfig) error {
		return c.engine.SetSafetyRails(cfg.Engine.SafetyRails)
	}))
	r.Register("portfolio_limits", hotconfig.ApplierFunc(func(cfg config.AppConfig) error {
		c.portfolio.SetLimits(cfg.Portfolio.Limits)
		return nil
	}))
	c.reloader = r
	return nil
}

func (c *Container) registerLifecycleComponents() {
	if c.recorder != nil {
		c.lifecycle.Register("recorder", c.recorder)
	}
	c.lifecycle.Register("engine", funcComponent{
		start:  c.engine.Start,
		stop:   c.stopEngine,
		health: c.engine.Health,
	})
	if c.breaker != nil {
		c.lifecycle.Register("exchange_breaker", funcComponent{health: c.breaker.Health})
	}
	c.lifecycle.Register("portfolio", newRunner(c.portfolio.Run, c.portfolio.Close))
	if c.cfg.Metrics.Addr != "" {
		c.httpServer = &httpServerComponent{
			name:    "http_server",
			handler: c.Handler(),
			addr:    c.cfg.Metrics.Addr,
			logger:  c.logger,
		}
		c.lifecycle.Register("http_server", c.httpServer)
	}
	if c.feed != nil {
		c.lifecycle.Register("feed", funcComponent{stop: c.feed.Close})
	}
	if c.reloader != nil {
		c.lifecycle.Register("hot_reload", c.reloader)
	}
}

// stopEngine 按配置先撤销挂单，再停止引擎
func (c *Container) stopEngine() error {
	if c.cfg.Engine.CancelOnShutdown && c.engine.State() == engine.StateRunning {
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.Engine.StopTimeout)
		defer cancel()
		for _, o := range c.engine.Ledger().List(order.Filter{ActiveOnly: true}) {
			if _, err := c.engine.Cancel(ctx, o.ClientOrderID, "shutdown"); err != nil {
				c.logger.LogError(err, map[string]interface{}{"action": "cancel_on_shutdown", "order_id": o.ClientOrderID})
			}
		}
	}
	return c.engine.Stop()
}

// Handler 返回 /metrics、/healthz、/orders、/positions 以及事件推送的路由
func (c *Container) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.monitor.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		if err := c.HealthCheck(); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/orders", func(w http.ResponseWriter, r *http.Request) {
		f := order.Filter{ActiveOnly: r.URL.Query().Get("active") == "true"}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(c.engine.Ledger().List(f))
	})
	mux.HandleFunc("/positions", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(c.portfolio.Positions())
	})
	if c.feed != nil {
		mux.Handle(c.feed.Path(), c.feed)
	}
	return mux
}

func (c *Container) Start(ctx context.Context) error {
	c.logger.Info("Starting container")

	if err := c.lifecycle.StartAll(ctx); err != nil {
		return fmt.Errorf("start failed: %w", err)
	}

	c.logger.Info("Container started")
	return nil
}

func (c *Container) Stop() error {
	var err error
	c.stopOnce.Do(func() {
		c.logger.Info("Stopping container")
		err = c.lifecycle.StopAll()
		if err != nil {
			c.logger.LogError(err, map[string]interface{}{"action": "stop"})
		}
		c.closeConnections()
		_ = c.logger.Close()
	})
	return err
}

func (c *Container) closeConnections() {
	for _, db := range c.dbs {
		if err := store.CloseDB(db); err != nil && c.logger != nil {
			c.logger.Warn("Close database failed", zap.Error(err))
		}
	}
	c.dbs = nil
	if c.redis != nil {
		_ = c.redis.Close()
		c.redis = nil
	}
}

func (c *Container) HealthCheck() error {
	return c.lifecycle.CheckHealth()
}

// HTTPAddr 实际监听地址；未配置 metrics.addr 时为空
func (c *Container) HTTPAddr() string {
	if c.httpServer == nil {
		return ""
	}
	return c.httpServer.Addr()
}

func (c *Container) Config() config.AppConfig { return c.cfg }
func (c *Container) Logger() *logger.Logger { return c.logger }
func (c *Container) Engine() *engine.Engine { return c.engine }
func (c *Container) Portfolio() *portfolio.Manager { return c.portfolio }
func (c *Container) PaperExchange() *gateway.PaperExchange { return c.paper }
func (c *Container) Recorder() *recorder.Recorder { return c.recorder }
func (c *Container) Monitor() *monitor.Monitor { return c.monitor }

// runner 把阻塞的 Run(ctx) 适配为 Lifecycle
type runner struct {
	run   func(ctx context.Context) error
	close func()

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

func newRunner(run func(ctx context.Context) error, closeFn func()) *runner {
	return &runner{run: run, close: closeFn}
}

func (r *runner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done != nil {
		return errors.New("already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})
	go func() {
		defer close(r.done)
		err := r.run(runCtx)
		if err != nil && !errors.Is(err, context.Canceled) {
			r.mu.Lock()
			r.err = err
			r.mu.Unlock()
		}
	}()
	return nil
}

func (r *runner) Stop() error {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	if r.close != nil {
		r.close()
	}
	return nil
}

func (r *runner) Health() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done == nil {
		return errors.New("not started")
	}
	if r.err != nil {
		return r.err
	}
	select {
	case <-r.done:
		return errors.New("exited")
	default:
		return nil
	}
}
