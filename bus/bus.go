package bus

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// CommandBus 命令通道：多生产者、单消费者（执行引擎），FIFO。
type CommandBus struct {
	box      *mailbox[Command]
	recorder Recorder
}

// Option 配置总线。
type Option func(*options)

type options struct {
	recorder        Recorder
	redeliveryDelay time.Duration
	maxRedelivery   time.Duration
}

// WithRecorder 为总线挂载记录器。
func WithRecorder(r Recorder) Option {
	return func(o *options) { o.recorder = r }
}

// WithRedelivery 设置订阅处理失败后的重投间隔（初始值与上限）。
func WithRedelivery(initial, max time.Duration) Option {
	return func(o *options) {
		o.redeliveryDelay = initial
		o.maxRedelivery = max
	}
}

func buildOptions(opts []Option) options {
	o := options{redeliveryDelay: 50 * time.Millisecond, maxRedelivery: 2 * time.Second}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func NewCommandBus(opts ...Option) *CommandBus {
	o := buildOptions(opts)
	return &CommandBus{box: newMailbox[Command](), recorder: o.recorder}
}

// Publish 非阻塞入队。总线关闭后返回 ErrClosed。
func (b *CommandBus) Publish(cmd Command) error {
	if err := b.box.push(cmd); err != nil {
		return err
	}
	if b.recorder != nil {
		b.recorder.RecordCommand(cmd)
	}
	return nil
}

// Next 取下一条命令。关闭且排空后返回 ErrClosed。
func (b *CommandBus) Next(ctx context.Context) (Command, error) {
	return b.box.pop(ctx)
}

// Len 积压的命令数。
func (b *CommandBus) Len() int { return b.box.len() }

func (b *CommandBus) Close() { b.box.close() }

// Filter 订阅过滤条件。空字段表示不限。
type Filter struct {
	Kinds          []EventKind
	ClientOrderIDs []string
}

func (f Filter) Match(e Event) bool {
	if len(f.Kinds) > 0 && !containsKind(f.Kinds, e.Kind) {
		return false
	}
	if len(f.ClientOrderIDs) > 0 && !containsString(f.ClientOrderIDs, e.ClientOrderID) {
		return false
	}
	return true
}

func containsKind(kinds []EventKind, k EventKind) bool {
	for _, x := range kinds {
		if x == k {
			return true
		}
	}
	return false
}

func containsString(ss []string, s string) bool {
	for _, x := range ss {
		if x == s {
			return true
		}
	}
	return false
}

// Subscription 一个订阅者的邮箱。只能有一个消费协程。
type Subscription struct {
	id     uint64
	filter Filter
	box    *mailbox[Event]
	bus    *EventBus
}

func (s *Subscription) ID() uint64     { return s.id }
func (s *Subscription) Filter() Filter { return s.filter }

// Next 取下一条事件。取消订阅且排空后返回 ErrClosed。
func (s *Subscription) Next(ctx context.Context) (Event, error) {
	return s.box.pop(ctx)
}

// Backlog 尚未消费的事件数。
func (s *Subscription) Backlog() int { return s.box.len() }

// Handler 处理一条事件；返回错误时该事件会被重新投递。
type Handler func(ctx context.Context, e Event) error

// Run 持续消费事件直到 ctx 结束或订阅关闭。handler 出错时按退避重投同一事件，
// 不会跳到下一条，保证至少一次且同一订单内有序。
func (s *Subscription) Run(ctx context.Context, h Handler) error {
	for {
		e, err := s.box.pop(ctx)
		if err != nil {
			if errors.Is(err, ErrClosed) {
				return nil
			}
			return err
		}
		eb := backoff.NewExponentialBackOff()
		eb.InitialInterval = s.bus.opts.redeliveryDelay
		eb.MaxInterval = s.bus.opts.maxRedelivery
		eb.MaxElapsedTime = 0
		err = backoff.Retry(func() error { return h(ctx, e) }, backoff.WithContext(eb, ctx))
		if err != nil && ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// Unsubscribe 等价于 EventBus.Unsubscribe(s)。
func (s *Subscription) Unsubscribe() { s.bus.Unsubscribe(s) }

// EventBus 事件发布/订阅注册表，按订单号、事件类型索引。
// Publish 在同一把锁内依次投递给所有订阅者，保证各订阅者看到相同的同订单顺序。
type EventBus struct {
	mu       sync.Mutex
	nextID   uint64
	all      map[uint64]*Subscription
	wildcard map[uint64]*Subscription
	byOrder  map[string]map[uint64]*Subscription
	byKind   map[EventKind]map[uint64]*Subscription
	closed   bool
	opts     options
}

func NewEventBus(opts ...Option) *EventBus {
	return &EventBus{
		all:      make(map[uint64]*Subscription),
		wildcard: make(map[uint64]*Subscription),
		byOrder:  make(map[string]map[uint64]*Subscription),
		byKind:   make(map[EventKind]map[uint64]*Subscription),
		opts:     buildOptions(opts),
	}
}

// Subscribe 新增订阅，不影响已有订阅者。
func (b *EventBus) Subscribe(f Filter) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	s := &Subscription{id: b.nextID, filter: f, box: newMailbox[Event](), bus: b}
	if b.closed {
		s.box.close()
		return s
	}
	b.all[s.id] = s
	switch {
	case len(f.ClientOrderIDs) > 0:
		for _, id := range f.ClientOrderIDs {
			index(b.byOrder, id, s)
		}
	case len(f.Kinds) > 0:
		for _, k := range f.Kinds {
			index(b.byKind, k, s)
		}
	default:
		b.wildcard[s.id] = s
	}
	return s
}

func index[K comparable](m map[K]map[uint64]*Subscription, key K, s *Subscription) {
	set, ok := m[key]
	if !ok {
		set = make(map[uint64]*Subscription)
		m[key] = set
	}
	set[s.id] = s
}

func unindex[K comparable](m map[K]map[uint64]*Subscription, key K, id uint64) {
	if set, ok := m[key]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(m, key)
		}
	}
}

// Unsubscribe 移除订阅并关闭其邮箱；已排队的事件仍可被取走。
func (b *EventBus) Unsubscribe(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.all[s.id]; !ok {
		return
	}
	delete(b.all, s.id)
	delete(b.wildcard, s.id)
	for _, id := range s.filter.ClientOrderIDs {
		unindex(b.byOrder, id, s.id)
	}
	for _, k := range s.filter.Kinds {
		unindex(b.byKind, k, s.id)
	}
	s.box.close()
}

// Publish 投递事件，返回接收者数量。
func (b *EventBus) Publish(e Event) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0
	}
	targets := make([]*Subscription, 0, len(b.wildcard)+2)
	seen := make(map[uint64]struct{})
	collect := func(set map[uint64]*Subscription) {
		for id, s := range set {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			if s.filter.Match(e) {
				targets = append(targets, s)
			}
		}
	}
	collect(b.wildcard)
	collect(b.byOrder[e.ClientOrderID])
	collect(b.byKind[e.Kind])
	sort.Slice(targets, func(i, j int) bool { return targets[i].id < targets[j].id })

	n := 0
	for _, s := range targets {
		if s.box.push(e) == nil {
			n++
		}
	}
	if b.opts.recorder != nil {
		b.opts.recorder.RecordEvent(e)
	}
	return n
}

// Subscribers 当前订阅数量。
func (b *EventBus) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.all)
}

// Close 关闭所有订阅。
func (b *EventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for _, s := range b.all {
		s.box.close()
	}
	b.all = make(map[uint64]*Subscription)
	b.wildcard = make(map[uint64]*Subscription)
	b.byOrder = make(map[string]map[uint64]*Subscription)
	b.byKind = make(map[EventKind]map[uint64]*Subscription)
}
