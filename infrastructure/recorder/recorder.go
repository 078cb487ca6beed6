// Package recorder 异步记录总线上的命令、事件和错误。
// 队列满时直接丢弃并计数，交易路径永不阻塞在记录上。
package recorder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"prediction-trader-go/bus"
	"prediction-trader-go/infrastructure/logger"
)

// Kind 记录类别。
type Kind string

const (
	KindCommand Kind = "command"
	KindEvent   Kind = "event"
	KindError   Kind = "error"
)

var (
	ErrNotStarted     = errors.New("recorder: not started")
	ErrAlreadyStarted = errors.New("recorder: already started")
	ErrDegraded       = errors.New("recorder: degraded")
)

// Record 一条落盘记录。Payload 为原始对象的 JSON。
type Record struct {
	Kind          Kind            `json:"kind"`
	Name          string          `json:"name"`
	ClientOrderID string          `json:"client_order_id"`
	Seq           uint64          `json:"seq"`
	Source        string          `json:"source"`
	Payload       json.RawMessage `json:"payload"`
	At            time.Time       `json:"at"`
}

// Sink 批量写入后端。
type Sink interface {
	Write(ctx context.Context, records []Record) error
	Close() error
}

type Config struct {
	QueueSize     int           `yaml:"queueSize"`
	BatchSize     int           `yaml:"batchSize"`
	FlushInterval time.Duration `yaml:"flushInterval"`
	WriteTimeout  time.Duration `yaml:"writeTimeout"`
}

func DefaultConfig() Config {
	return Config{
		QueueSize:     4096,
		BatchSize:     256,
		FlushInterval: 200 * time.Millisecond,
		WriteTimeout:  5 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.QueueSize <= 0 {
		c.QueueSize = def.QueueSize
	}
	if c.BatchSize <= 0 {
		c.BatchSize = def.BatchSize
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = def.FlushInterval
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	return c
}

// Stats 运行计数。
type Stats struct {
	Enqueued  uint64
	Written   uint64
	Dropped   uint64
	Failed    uint64
	LastError string
}

type Option func(*Recorder)

// WithDropHook 每丢弃一条记录调用一次，通常接到监控计数器。
func WithDropHook(fn func()) Option {
	return func(r *Recorder) { r.onDrop = fn }
}

// Recorder 实现 bus.Recorder。
type Recorder struct {
	cfg    Config
	sink   Sink
	logger *logger.Logger
	onDrop func()

	queue chan Record
	done  chan struct{}
	wg    sync.WaitGroup

	mu      sync.Mutex
	started bool
	stopped bool

	enqueued atomic.Uint64
	written  atomic.Uint64
	dropped  atomic.Uint64
	failed   atomic.Uint64
	lastErr  atomic.Value
}

var _ bus.Recorder = (*Recorder)(nil)

func New(cfg Config, sink Sink, log *logger.Logger, opts ...Option) *Recorder {
	cfg = cfg.withDefaults()
	if log == nil {
		log = logger.Nop()
	}
	r := &Recorder{
		cfg:    cfg,
		sink:   sink,
		logger: log,
		queue:  make(chan Record, cfg.QueueSize),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Recorder) RecordCommand(cmd bus.Command) {
	r.enqueue(KindCommand, string(cmd.Kind), cmd.ClientOrderID, 0, cmd.Source, cmd)
}

func (r *Recorder) RecordEvent(ev bus.Event) {
	r.enqueue(KindEvent, string(ev.Kind), ev.ClientOrderID, ev.Seq, "engine", ev)
}

// RecordError 记录处理阶段出现的错误。
func (r *Recorder) RecordError(stage, clientOrderID string, err error) {
	if err == nil {
		return
	}
	r.enqueue(KindError, stage, clientOrderID, 0, stage, map[string]string{"error": err.Error()})
}

func (r *Recorder) enqueue(kind Kind, name, id string, seq uint64, source string, v interface{}) {
	payload, err := json.Marshal(v)
	if err != nil {
		payload, _ = json.Marshal(map[string]string{"marshal_error": err.Error()})
	}
	rec := Record{
		Kind:          kind,
		Name:          name,
		ClientOrderID: id,
		Seq:           seq,
		Source:        source,
		Payload:       payload,
		At:            time.Now().UTC(),
	}
	select {
	case <-r.done:
		r.drop()
		return
	default:
	}
	select {
	case r.queue <- rec:
		r.enqueued.Add(1)
	default:
		r.drop()
	}
}

func (r *Recorder) drop() {
	r.dropped.Add(1)
	if r.onDrop != nil {
		r.onDrop()
	}
}

// Start 启动后台写入协程。
func (r *Recorder) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return ErrAlreadyStarted
	}
	r.started = true
	r.wg.Add(1)
	go r.loop()
	r.logger.Info("Recorder started",
		zap.Int("queue_size", r.cfg.QueueSize),
		zap.Int("batch_size", r.cfg.BatchSize))
	return nil
}

// Stop 排空队列、写完最后一批并关闭 sink。
func (r *Recorder) Stop() error {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return ErrNotStarted
	}
	if r.stopped {
		r.mu.Unlock()
		return nil
	}
	r.stopped = true
	close(r.done)
	r.mu.Unlock()

	r.wg.Wait()
	st := r.Stats()
	r.logger.Info("Recorder stopped",
		zap.Uint64("written", st.Written),
		zap.Uint64("dropped", st.Dropped),
		zap.Uint64("failed", st.Failed))
	return r.sink.Close()
}

// Health 最近一次写入失败时返回 ErrDegraded。丢弃不视为故障。
func (r *Recorder) Health() error {
	if v, ok := r.lastErr.Load().(string); ok && v != "" {
		return fmt.Errorf("%w: %s", ErrDegraded, v)
	}
	return nil
}

func (r *Recorder) Stats() Stats {
	st := Stats{
		Enqueued: r.enqueued.Load(),
		Written:  r.written.Load(),
		Dropped:  r.dropped.Load(),
		Failed:   r.failed.Load(),
	}
	if v, ok := r.lastErr.Load().(string); ok {
		st.LastError = v
	}
	return st
}

func (r *Recorder) loop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]Record, 0, r.cfg.BatchSize)
	for {
		select {
		case rec := <-r.queue:
			batch = append(batch, rec)
			if len(batch) >= r.cfg.BatchSize {
				batch = r.flush(batch)
			}
		case <-ticker.C:
			batch = r.flush(batch)
		case <-r.done:
			for {
				select {
				case rec := <-r.queue:
					batch = append(batch, rec)
					if len(batch) >= r.cfg.BatchSize {
						batch = r.flush(batch)
					}
				default:
					r.flush(batch)
					return
				}
			}
		}
	}
}

func (r *Recorder) flush(batch []Record) []Record {
	if len(batch) == 0 {
		return batch
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.WriteTimeout)
	defer cancel()
	if err := r.sink.Write(ctx, batch); err != nil {
		r.failed.Add(uint64(len(batch)))
		r.lastErr.Store(err.Error())
		r.logger.Warn("Recorder write failed", zap.Int("records", len(batch)), zap.Error(err))
	} else {
		r.written.Add(uint64(len(batch)))
		r.lastErr.Store("")
	}
	return batch[:0]
}
