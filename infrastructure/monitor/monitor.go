package monitor

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"prediction-trader-go/gateway"
)

// Monitor Prometheus监控指标收集器，使用独立 registry。
type Monitor struct {
	registry *prometheus.Registry

	// 命令与事件
	commands   *prometheus.CounterVec
	events     *prometheus.CounterVec
	railHits   *prometheus.CounterVec
	validation prometheus.Counter

	// 交易所适配器
	adapterCalls   *prometheus.CounterVec
	adapterErrors  *prometheus.CounterVec
	adapterLatency *prometheus.HistogramVec
	retries        *prometheus.CounterVec
	breakerState   prometheus.Gauge

	// 对账
	reconcilePasses   prometheus.Counter
	reconcileErrors   prometheus.Counter
	reconcileStale    prometheus.Counter
	reconcileApplied  prometheus.Counter
	reconcileDuration prometheus.Histogram

	// 状态
	openOrders     prometheus.Gauge
	commandBacklog prometheus.Gauge
	position       *prometheus.GaugeVec
	realizedPnL    *prometheus.GaugeVec
	recorderDrops  prometheus.Counter
}

// Config 监控配置
type Config struct {
	Namespace string `yaml:"namespace"`
	Subsystem string `yaml:"subsystem"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		Namespace: "pt",
		Subsystem: "execution",
	}
}

// New 创建新的Monitor实例
func New(cfg Config) *Monitor {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	ns, sub := cfg.Namespace, cfg.Subsystem

	return &Monitor{
		registry: reg,

		commands: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "commands_total",
			Help: "处理的命令数",
		}, []string{"kind"}),
		events: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "events_total",
			Help: "发布的事件数",
		}, []string{"kind"}),
		railHits: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "safety_rail_violations_total",
			Help: "安全护栏拒单数",
		}, []string{"rail"}),
		validation: factory.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "validation_rejects_total",
			Help: "参数校验拒单数",
		}),

		adapterCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "adapter_calls_total",
			Help: "交易所调用次数",
		}, []string{"op"}),
		adapterErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "adapter_errors_total",
			Help: "交易所调用错误数",
		}, []string{"op", "kind"}),
		adapterLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns, Subsystem: sub,
			Name:    "adapter_latency_seconds",
			Help:    "交易所调用延迟分布（秒）",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"op"}),
		retries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "adapter_retries_total",
			Help: "重试次数",
		}, []string{"op"}),

		breakerState: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: sub,
			Name: "adapter_breaker_state",
			Help: "熔断器状态：0 关闭，1 打开，2 半开",
		}),

		reconcilePasses: factory.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "reconcile_passes_total",
			Help: "对账轮次",
		}),
		reconcileErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "reconcile_errors_total",
			Help: "对账失败的订单数",
		}),
		reconcileStale: factory.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "reconcile_stale_total",
			Help: "丢弃的过期对账结果",
		}),
		reconcileApplied: factory.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "reconcile_applied_total",
			Help: "对账应用的状态变更数",
		}),
		reconcileDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: ns, Subsystem: sub,
			Name:    "reconcile_duration_seconds",
			Help:    "单轮对账耗时（秒）",
			Buckets: prometheus.DefBuckets,
		}),

		openOrders: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: sub,
			Name: "open_orders",
			Help: "非终态订单数",
		}),
		commandBacklog: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: sub,
			Name: "command_backlog",
			Help: "命令队列积压",
		}),
		position: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: "portfolio",
			Name: "position",
			Help: "当前净仓位（张）",
		}, []string{"ticker"}),
		realizedPnL: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: "portfolio",
			Name: "realized_pnl",
			Help: "已实现盈亏",
		}, []string{"ticker"}),
		recorderDrops: factory.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "recorder",
			Name: "dropped_total",
			Help: "记录队列已满被丢弃的条目",
		}),
	}
}

func (m *Monitor) RecordCommand(kind string) {
	m.commands.WithLabelValues(kind).Inc()
}

func (m *Monitor) RecordEvent(kind string) {
	m.events.WithLabelValues(kind).Inc()
}

func (m *Monitor) RecordSafetyRail(rail string) {
	m.railHits.WithLabelValues(rail).Inc()
}

func (m *Monitor) RecordValidationReject() {
	m.validation.Inc()
}

// ObserveCall 实现 gateway.CallObserver。
func (m *Monitor) ObserveCall(op string, err error, elapsed time.Duration) {
	m.adapterCalls.WithLabelValues(op).Inc()
	m.adapterLatency.WithLabelValues(op).Observe(elapsed.Seconds())
	if err != nil {
		m.adapterErrors.WithLabelValues(op, gateway.Classify(err).String()).Inc()
	}
}

func (m *Monitor) RecordRetry(op string) {
	m.retries.WithLabelValues(op).Inc()
}

// SetBreakerState 可直接作为 gateway.WithStateHook 的回调。
func (m *Monitor) SetBreakerState(_, to gateway.BreakerState) {
	m.breakerState.Set(float64(to))
}

// RecordReconcile 记录一轮对账的结果。
func (m *Monitor) RecordReconcile(elapsed time.Duration, applied, stale, errors int) {
	m.reconcilePasses.Inc()
	m.reconcileDuration.Observe(elapsed.Seconds())
	m.reconcileApplied.Add(float64(applied))
	m.reconcileStale.Add(float64(stale))
	m.reconcileErrors.Add(float64(errors))
}

func (m *Monitor) SetOpenOrders(n int) {
	m.openOrders.Set(float64(n))
}

func (m *Monitor) SetCommandBacklog(n int) {
	m.commandBacklog.Set(float64(n))
}

func (m *Monitor) UpdatePosition(ticker string, net int64, realized float64) {
	m.position.WithLabelValues(ticker).Set(float64(net))
	m.realizedPnL.WithLabelValues(ticker).Set(realized)
}

func (m *Monitor) RecordRecorderDrop() {
	m.recorderDrops.Inc()
}

// Handler 返回 /metrics 处理器。
func (m *Monitor) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Monitor) Registry() *prometheus.Registry {
	return m.registry
}
