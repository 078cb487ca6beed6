// Package feed 通过 websocket 把事件总线推送给外部观察者。
//
// 连接参数：
//
//	/events?client_order_id=c-1&client_order_id=c-2&kind=OrderFilled
//
// 同名参数可重复，也可用逗号分隔；为空表示不过滤。
package feed

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"prediction-trader-go/bus"
	"prediction-trader-go/infrastructure/logger"
)

var ErrTooManyClients = errors.New("feed: too many clients")

type Config struct {
	Path         string        `yaml:"path"`
	MaxClients   int           `yaml:"maxClients"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	PingInterval time.Duration `yaml:"pingInterval"`
}

func DefaultConfig() Config {
	return Config{
		Path:         "/events",
		MaxClients:   64,
		WriteTimeout: 5 * time.Second,
		PingInterval: 30 * time.Second,
	}
}

// Server 每个连接对应一个总线订阅，慢客户端只积压自己的邮箱。
type Server struct {
	cfg      Config
	events   *bus.EventBus
	logger   *logger.Logger
	upgrader websocket.Upgrader

	mu     sync.Mutex
	conns  map[*websocket.Conn]struct{}
	active int
	closed bool
	wg     sync.WaitGroup
}

func New(cfg Config, events *bus.EventBus, log *logger.Logger) *Server {
	def := DefaultConfig()
	if cfg.Path == "" {
		cfg.Path = def.Path
	}
	if cfg.MaxClients <= 0 {
		cfg.MaxClients = def.MaxClients
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Server{
		cfg:    cfg,
		events: events,
		logger: log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		conns: make(map[*websocket.Conn]struct{}),
	}
}

func (s *Server) Path() string { return s.cfg.Path }

// ParseFilter 从查询参数构造订阅过滤条件。
func ParseFilter(r *http.Request) (bus.Filter, error) {
	q := r.URL.Query()
	var f bus.Filter
	for _, id := range splitValues(q["client_order_id"]) {
		f.ClientOrderIDs = append(f.ClientOrderIDs, id)
	}
	for _, k := range splitValues(q["kind"]) {
		kind := bus.EventKind(k)
		if !kind.Valid() {
			return bus.Filter{}, fmt.Errorf("unknown event kind %q", k)
		}
		f.Kinds = append(f.Kinds, kind)
	}
	return f, nil
}

func splitValues(raw []string) []string {
	var out []string
	for _, v := range raw {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	filter, err := ParseFilter(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.reserve(); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	// 握手完成前先订阅，客户端连上后不会漏掉事件
	sub := s.events.Subscribe(filter)
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		sub.Unsubscribe()
		s.release(nil)
		s.logger.Warn("Feed upgrade failed", zap.Error(err))
		return
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		sub.Unsubscribe()
		s.release(nil)
		_ = conn.Close()
		return
	}
	s.conns[conn] = struct{}{}
	s.mu.Unlock()

	go s.serve(conn, sub)
}

func (s *Server) reserve() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return http.ErrServerClosed
	}
	if s.active >= s.cfg.MaxClients {
		return ErrTooManyClients
	}
	s.active++
	s.wg.Add(1)
	return nil
}

func (s *Server) release(conn *websocket.Conn) {
	s.mu.Lock()
	if conn != nil {
		delete(s.conns, conn)
	}
	s.active--
	s.mu.Unlock()
	s.wg.Done()
}

func (s *Server) serve(conn *websocket.Conn, sub *bus.Subscription) {
	filter := sub.Filter()
	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		sub.Unsubscribe()
		_ = conn.Close()
		s.release(conn)
	}()

	s.logger.Info("Feed client connected",
		zap.String("remote", conn.RemoteAddr().String()),
		zap.Strings("orders", filter.ClientOrderIDs),
		zap.Int("kinds", len(filter.Kinds)))

	// 读协程只处理控制帧，对端关闭时结束写循环
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()
	go s.ping(ctx, conn)

	for {
		ev, err := sub.Next(ctx)
		if err != nil {
			return
		}
		_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
		if err := conn.WriteJSON(ev); err != nil {
			s.logger.Info("Feed client dropped", zap.String("remote", conn.RemoteAddr().String()), zap.Error(err))
			return
		}
	}
}

func (s *Server) ping(ctx context.Context, conn *websocket.Conn) {
	t := time.NewTicker(s.cfg.PingInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.cfg.WriteTimeout)); err != nil {
				return
			}
		}
	}
}

// Clients 当前连接数，含握手中的连接。
func (s *Server) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Close 断开全部连接并等待处理协程退出。
func (s *Server) Close() error {
	s.mu.Lock()
	s.closed = true
	for c := range s.conns {
		_ = c.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutdown"),
			time.Now().Add(time.Second))
		_ = c.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
	return nil
}
