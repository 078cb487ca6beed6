package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"prediction-trader-go/bus"
	"prediction-trader-go/gateway"
	"prediction-trader-go/infrastructure/alert"
	"prediction-trader-go/infrastructure/logger"
	"prediction-trader-go/order"
	"prediction-trader-go/risk"
)

// EngineState 执行引擎状态
type EngineState int

const (
	StateIdle EngineState = iota
	StateRunning
	StateStopping
	StateStopped
)

func (s EngineState) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateRunning:
		return "Running"
	case StateStopping:
		return "Stopping"
	case StateStopped:
		return "Stopped"
	default:
		return "Unknown"
	}
}

var (
	ErrNotRunning      = errors.New("engine not running")
	ErrAlreadyStarted  = errors.New("engine already started")
	ErrUnknownCommand  = errors.New("unknown command kind")
	ErrReplaceAborted  = errors.New("replace aborted: original order not cancelled")
	ErrMissingExchange = errors.New("exchange client is required")
)

// Config 执行引擎配置
type Config struct {
	Retry              gateway.RetryPolicy
	ReconcileInterval  time.Duration
	ReconcileTimeout   time.Duration // 单次 get_order/list_fills 超时
	Retention          time.Duration // 终态订单保留时长
	EvictInterval      time.Duration
	CheckpointInterval time.Duration
	PositionsInterval  time.Duration // 交易所持仓快照轮询
	StopTimeout        time.Duration

	Rails       risk.SafetyRails
	Constraints order.ConstraintSet
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		Retry:              gateway.DefaultRetryPolicy(),
		ReconcileInterval:  time.Second,
		ReconcileTimeout:   10 * time.Second,
		Retention:          30 * time.Minute,
		EvictInterval:      time.Minute,
		CheckpointInterval: 5 * time.Second,
		PositionsInterval:  2 * time.Second,
		StopTimeout:        10 * time.Second,
		Rails:              risk.DefaultSafetyRails(),
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Retry.MaxAttempts <= 0 {
		c.Retry = d.Retry
	}
	if c.ReconcileInterval <= 0 {
		c.ReconcileInterval = d.ReconcileInterval
	}
	if c.ReconcileTimeout <= 0 {
		c.ReconcileTimeout = d.ReconcileTimeout
	}
	if c.Retention <= 0 {
		c.Retention = d.Retention
	}
	if c.EvictInterval <= 0 {
		c.EvictInterval = d.EvictInterval
	}
	if c.CheckpointInterval <= 0 {
		c.CheckpointInterval = d.CheckpointInterval
	}
	if c.PositionsInterval <= 0 {
		c.PositionsInterval = d.PositionsInterval
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = d.StopTimeout
	}
	return c
}

// Metrics 引擎上报的指标。infrastructure/monitor.Monitor 实现了该接口。
type Metrics interface {
	RecordCommand(kind string)
	RecordEvent(kind string)
	RecordSafetyRail(rail string)
	RecordValidationReject()
	RecordRetry(op string)
	RecordReconcile(elapsed time.Duration, applied, stale, errors int)
	SetOpenOrders(n int)
	SetCommandBacklog(n int)
}

// Checkpointer 持久化账本快照。
type Checkpointer interface {
	Save(ctx context.Context, orders []order.Order) error
	Load(ctx context.Context) ([]order.Order, error)
}

// ErrorRecorder 接收命令与对账过程中的错误，infrastructure/recorder 实现该接口。
type ErrorRecorder interface {
	RecordError(stage, clientOrderID string, err error)
}

// PositionSink 接收交易所持仓快照，portfolio.Manager 实现该接口。
type PositionSink interface {
	SyncPositions(positions []gateway.RemotePosition, at time.Time)
}

// Components 引擎依赖的组件
type Components struct {
	Exchange   gateway.ExchangeClient
	Ledger     *order.Ledger
	Commands   *bus.CommandBus
	Events     *bus.EventBus
	Logger     *logger.Logger
	AlertMgr   *alert.Manager
	Metrics    Metrics
	Checkpoint Checkpointer
	Errors     ErrorRecorder
	Positions  PositionSink
}

// Statistics 运行统计
type Statistics struct {
	StartTime        time.Time
	CommandsHandled  int64
	EventsPublished  int64
	ReconcilePasses  int64
	ReconcileApplied int64
	LastReconcileAt  time.Time
	Errors           int64
}

// Engine 执行引擎：账本的唯一写入者，负责提交、撤单、对账与事件发布。
type Engine struct {
	cfg         Config
	exchange    gateway.ExchangeClient
	ledger      *order.Ledger
	commands    *bus.CommandBus
	events      *bus.EventBus
	logger      *logger.Logger
	alertMgr    *alert.Manager
	metrics     Metrics
	checkpoint  Checkpointer
	errs        ErrorRecorder
	positions   PositionSink
	rails       *risk.RailsHolder
	constraints order.ConstraintSet

	locks   *keyedMutex
	admitMu sync.Mutex // 串行化护栏检查与建单，保证挂单数上限
	now     func() time.Time

	state    EngineState
	stateMu  sync.RWMutex
	stopFn   context.CancelFunc
	wg       sync.WaitGroup
	stats    Statistics
	statsMu  sync.Mutex
	resuming sync.WaitGroup
}

// New 创建执行引擎
func New(cfg Config, comp Components) (*Engine, error) {
	if comp.Exchange == nil {
		return nil, ErrMissingExchange
	}
	cfg = cfg.withDefaults()
	if err := cfg.Rails.Validate(); err != nil {
		return nil, fmt.Errorf("invalid safety rails: %w", err)
	}
	if comp.Ledger == nil {
		comp.Ledger = order.NewLedger()
	}
	if comp.Commands == nil {
		comp.Commands = bus.NewCommandBus()
	}
	if comp.Events == nil {
		comp.Events = bus.NewEventBus()
	}
	if comp.Logger == nil {
		comp.Logger = logger.Nop()
	}
	if comp.Metrics == nil {
		comp.Metrics = nopMetrics{}
	}
	return &Engine{
		cfg:         cfg,
		exchange:    comp.Exchange,
		ledger:      comp.Ledger,
		commands:    comp.Commands,
		events:      comp.Events,
		logger:      comp.Logger,
		alertMgr:    comp.AlertMgr,
		metrics:     comp.Metrics,
		checkpoint:  comp.Checkpoint,
		errs:        comp.Errors,
		positions:   comp.Positions,
		rails:       risk.NewRailsHolder(cfg.Rails),
		constraints: cfg.Constraints,
		locks:       newKeyedMutex(),
		now:         func() time.Time { return time.Now().UTC() },
		state:       StateIdle,
	}, nil
}

// Ledger 返回账本（只读用途）。
func (e *Engine) Ledger() *order.Ledger { return e.ledger }

// Events 返回事件总线。
func (e *Engine) Events() *bus.EventBus { return e.events }

// Commands 返回命令总线。
func (e *Engine) Commands() *bus.CommandBus { return e.commands }

// SetSafetyRails 热更新安全护栏，对之后的提交生效。
func (e *Engine) SetSafetyRails(r risk.SafetyRails) error {
	if err := r.Validate(); err != nil {
		return err
	}
	e.rails.Store(r)
	e.logger.Info("Safety rails updated",
		zap.String("max_notional", r.MaxNotionalPerOrder.String()),
		zap.Int("max_open_orders", r.MaxOpenOrders))
	return nil
}

// SafetyRails 当前生效的护栏。
func (e *Engine) SafetyRails() risk.SafetyRails { return e.rails.Load() }

// Start 恢复检查点并启动命令消费、对账、清理与检查点循环。
func (e *Engine) Start(ctx context.Context) error {
	e.stateMu.Lock()
	if e.state != StateIdle {
		e.stateMu.Unlock()
		return fmt.Errorf("%w: state %s", ErrAlreadyStarted, e.state)
	}
	e.state = StateRunning
	e.stateMu.Unlock()

	e.logger.Info("Execution engine starting",
		zap.Duration("reconcile_interval", e.cfg.ReconcileInterval),
		zap.Int("max_attempts", e.cfg.Retry.MaxAttempts))

	if err := e.Restore(ctx); err != nil {
		e.setState(StateStopped)
		return fmt.Errorf("restore checkpoint: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	e.stopFn = cancel

	e.statsMu.Lock()
	e.stats.StartTime = e.now()
	e.statsMu.Unlock()

	e.wg.Add(3)
	go e.commandLoop(runCtx)
	go e.tickerLoop(runCtx, e.cfg.ReconcileInterval, e.reconcileTick)
	go e.tickerLoop(runCtx, e.cfg.EvictInterval, e.evictTick)
	if e.checkpoint != nil {
		e.wg.Add(1)
		go e.tickerLoop(runCtx, e.cfg.CheckpointInterval, e.saveCheckpoint)
	}
	if e.positions != nil && gateway.SupportsPositions(e.exchange) {
		e.wg.Add(1)
		go e.tickerLoop(runCtx, e.cfg.PositionsInterval, e.positionsTick)
	}

	e.logger.Info("Execution engine started")
	return nil
}

// Stop 停止所有循环；正在处理的命令会执行完毕。最后写一次检查点。
func (e *Engine) Stop() error {
	e.stateMu.Lock()
	if e.state != StateRunning {
		e.stateMu.Unlock()
		return ErrNotRunning
	}
	e.state = StateStopping
	e.stateMu.Unlock()

	e.logger.Info("Execution engine stopping")
	e.commands.Close()
	e.stopFn()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		e.resuming.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-time.After(e.cfg.StopTimeout):
		err = fmt.Errorf("stop timeout after %s", e.cfg.StopTimeout)
		e.logger.Warn("Execution engine stop timed out")
	}

	if e.checkpoint != nil {
		ctx, cancel := context.WithTimeout(context.Background(), e.cfg.StopTimeout)
		e.saveCheckpoint(ctx)
		cancel()
	}
	e.setState(StateStopped)
	e.logger.Info("Execution engine stopped")
	return err
}

// State 当前状态
func (e *Engine) State() EngineState {
	e.stateMu.RLock()
	defer e.stateMu.RUnlock()
	return e.state
}

func (e *Engine) setState(s EngineState) {
	e.stateMu.Lock()
	e.state = s
	e.stateMu.Unlock()
}

// Health 供生命周期管理器探测。
func (e *Engine) Health() error {
	if s := e.State(); s != StateRunning {
		return fmt.Errorf("%w: state %s", ErrNotRunning, s)
	}
	return nil
}

// GetStatistics 返回统计快照
func (e *Engine) GetStatistics() Statistics {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	return e.stats
}

func (e *Engine) bumpStats(fn func(*Statistics)) {
	e.statsMu.Lock()
	fn(&e.stats)
	e.statsMu.Unlock()
}

// Restore 从检查点恢复账本。提交结果未知的 PENDING 订单标记为 FAILED；
// 撤单中的订单重新发起撤单；其余活跃订单交给对账循环。
func (e *Engine) Restore(ctx context.Context) error {
	if e.checkpoint == nil {
		return nil
	}
	orders, err := e.checkpoint.Load(ctx)
	if err != nil {
		return err
	}
	if len(orders) == 0 {
		return nil
	}
	if err := e.ledger.Restore(orders); err != nil {
		return err
	}
	e.logger.Info("Ledger restored from checkpoint", zap.Int("orders", len(orders)))

	for _, o := range orders {
		switch o.Status {
		case order.StatusPending:
			unlock := e.locks.Lock(o.ClientOrderID)
			e.fail(o.ClientOrderID, bus.ReasonSubmitInterrupted, "submit outcome unknown after restart")
			unlock()
		case order.StatusCancelling:
			e.resuming.Add(1)
			go func(id string) {
				defer e.resuming.Done()
				if _, err := e.finishCancel(ctx, id, "resume after restart"); err != nil {
					e.logger.Warn("Resumed cancel failed", zap.String("order_id", id), zap.Error(err))
				}
			}(o.ClientOrderID)
		}
	}
	e.metrics.SetOpenOrders(e.ledger.OpenCount())
	return nil
}

func (e *Engine) commandLoop(ctx context.Context) {
	defer e.wg.Done()
	for {
		cmd, err := e.commands.Next(ctx)
		if err != nil {
			return
		}
		e.metrics.SetCommandBacklog(e.commands.Len())
		// 停止时让当前命令完整执行，避免留下结果未知的订单
		if _, err := e.HandleCommand(context.WithoutCancel(ctx), cmd); err != nil {
			e.logger.Debug("Command finished with error",
				zap.String("kind", string(cmd.Kind)),
				zap.String("order_id", cmd.ClientOrderID),
				zap.Error(err))
			e.recordError("command:"+string(cmd.Kind), cmd.ClientOrderID, err)
		}
	}
}

func (e *Engine) tickerLoop(ctx context.Context, interval time.Duration, tick func(context.Context)) {
	defer e.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tick(ctx)
		}
	}
}

func (e *Engine) reconcileTick(ctx context.Context) {
	if err := e.Reconcile(ctx); err != nil && ctx.Err() == nil {
		e.logger.Warn("Reconcile pass finished with errors", zap.Error(err))
	}
}

func (e *Engine) evictTick(context.Context) {
	n := e.ledger.Evict(e.now(), e.cfg.Retention)
	if n > 0 {
		e.logger.Info("Evicted terminal orders", zap.Int("count", n))
	}
	e.metrics.SetOpenOrders(e.ledger.OpenCount())
}

func (e *Engine) positionsTick(ctx context.Context) {
	if err := e.PollPositions(ctx); err != nil && ctx.Err() == nil {
		e.bumpStats(func(s *Statistics) { s.Errors++ })
		e.logger.Warn("Positions snapshot failed", zap.Error(err))
		e.recordError("positions", "", err)
	}
}

// PollPositions 拉取一次交易所持仓并交给 PositionSink。
func (e *Engine) PollPositions(ctx context.Context) error {
	if e.positions == nil {
		return nil
	}
	pos, err := gateway.Once(ctx, e.cfg.ReconcileTimeout, gateway.OpPositions,
		func(ctx context.Context) ([]gateway.RemotePosition, error) {
			return gateway.Positions(ctx, e.exchange)
		})
	if err != nil {
		return err
	}
	e.positions.SyncPositions(pos, e.now())
	return nil
}

func (e *Engine) saveCheckpoint(ctx context.Context) {
	if err := e.checkpoint.Save(ctx, e.ledger.Snapshot()); err != nil {
		e.bumpStats(func(s *Statistics) { s.Errors++ })
		e.logger.Error("Checkpoint save failed", zap.Error(err))
		e.recordError("checkpoint", "", err)
	}
}

func (e *Engine) recordError(stage, id string, err error) {
	if e.errs != nil {
		e.errs.RecordError(stage, id, err)
	}
}

type nopMetrics struct{}

func (nopMetrics) RecordCommand(string)                         {}
func (nopMetrics) RecordEvent(string)                           {}
func (nopMetrics) RecordSafetyRail(string)                      {}
func (nopMetrics) RecordValidationReject()                      {}
func (nopMetrics) RecordRetry(string)                           {}
func (nopMetrics) RecordReconcile(time.Duration, int, int, int) {}
func (nopMetrics) SetOpenOrders(int)                            {}
func (nopMetrics) SetCommandBacklog(int)                        {}
