package config

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	appconfig "prediction-trader-go/config"
	"prediction-trader-go/infrastructure/logger"
)

// HotReloadConfig 热更新配置
type HotReloadConfig struct {
	Enabled      bool          // 是否启用热更新
	CooldownTime time.Duration // 冷却时间，避免编辑器连续写入触发多次
	PollInterval time.Duration // 轮询模式的检查间隔
	ForcePolling bool          // 不使用 fsnotify，直接轮询 mtime
}

// DefaultHotReloadConfig 默认热更新配置
func DefaultHotReloadConfig() HotReloadConfig {
	return HotReloadConfig{
		Enabled:      true,
		CooldownTime: 2 * time.Second,
		PollInterval: 2 * time.Second,
	}
}

// Applier 接收校验通过的新配置，只应用可在线生效的部分。
type Applier interface {
	Apply(cfg appconfig.AppConfig) error
}

// ApplierFunc 适配普通函数。
type ApplierFunc func(cfg appconfig.AppConfig) error

func (f ApplierFunc) Apply(cfg appconfig.AppConfig) error { return f(cfg) }

type namedApplier struct {
	name    string
	applier Applier
}

// HotReloader 配置热更新器。监听配置文件所在目录，兼容编辑器的 rename 写入。
type HotReloader struct {
	config     HotReloadConfig
	configPath string
	watcher    *fsnotify.Watcher
	logger     *logger.Logger
	load       func(path string) (appconfig.AppConfig, error)

	mu         sync.RWMutex
	appliers   []namedApplier
	lastReload time.Time
	lastErr    error
	reloads    int

	stopOnce sync.Once
	stopChan chan struct{}
	doneChan chan struct{}
	started  bool
}

// NewHotReloader 创建热更新器。fsnotify 不可用时退化为轮询。
func NewHotReloader(configPath string, cfg HotReloadConfig, log *logger.Logger) (*HotReloader, error) {
	if log == nil {
		log = logger.Nop()
	}
	abs, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	h := &HotReloader{
		config:     cfg,
		configPath: abs,
		logger:     log,
		load:       appconfig.LoadWithEnvOverrides,
		stopChan:   make(chan struct{}),
		doneChan:   make(chan struct{}),
	}
	if !cfg.ForcePolling {
		w, err := fsnotify.NewWatcher()
		if err != nil {
			log.Warn("fsnotify unavailable, falling back to polling", zap.Error(err))
		} else {
			h.watcher = w
		}
	}
	return h, nil
}

// Register 注册应用器，按注册顺序调用。
func (h *HotReloader) Register(name string, a Applier) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.appliers = append(h.appliers, namedApplier{name: name, applier: a})
}

// Start 启动热更新监听
func (h *HotReloader) Start(ctx context.Context) error {
	if !h.config.Enabled {
		close(h.doneChan)
		return nil
	}
	h.mu.Lock()
	h.started = true
	h.mu.Unlock()

	if h.watcher == nil {
		go h.poll(ctx)
		return nil
	}
	if err := h.watcher.Add(filepath.Dir(h.configPath)); err != nil {
		close(h.doneChan)
		return fmt.Errorf("failed to watch config dir: %w", err)
	}
	go h.watch(ctx)
	return nil
}

// Stop 停止热更新
func (h *HotReloader) Stop() error {
	h.stopOnce.Do(func() { close(h.stopChan) })

	h.mu.RLock()
	started := h.started
	h.mu.RUnlock()
	if started {
		select {
		case <-h.doneChan:
		case <-time.After(time.Second):
			h.logger.Warn("Hot reloader did not stop in time")
		}
	}
	if h.watcher != nil {
		return h.watcher.Close()
	}
	return nil
}

// Health 最近一次重载失败时返回该错误。
func (h *HotReloader) Health() error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.lastErr
}

func (h *HotReloader) watch(ctx context.Context) {
	defer close(h.doneChan)

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.stopChan:
			return
		case event, ok := <-h.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != h.configPath {
				continue
			}
			// 只处理写入和创建事件
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				h.handleConfigChange()
			}
		case err, ok := <-h.watcher.Errors:
			if !ok {
				return
			}
			// 记录错误但继续监听
			h.logger.Warn("Config watcher error", zap.Error(err))
		}
	}
}

func (h *HotReloader) poll(ctx context.Context) {
	defer close(h.doneChan)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-h.stopChan:
			cancel()
		case <-ctx.Done():
		}
	}()
	w := appconfig.Watcher{
		Path:     h.configPath,
		Interval: h.config.PollInterval,
		OnError:  h.recordFailure,
	}
	_ = w.Start(ctx, func(cfg appconfig.AppConfig) {
		_ = h.apply(cfg)
	})
}

// handleConfigChange 处理配置变化
func (h *HotReloader) handleConfigChange() {
	h.mu.RLock()
	cooling := time.Since(h.lastReload) < h.config.CooldownTime
	h.mu.RUnlock()
	if cooling {
		return
	}
	_ = h.Reload()
}

// Reload 立即读取并应用配置文件。校验失败时保持当前配置。
func (h *HotReloader) Reload() error {
	cfg, err := h.load(h.configPath)
	if err != nil {
		h.recordFailure(err)
		return err
	}
	return h.apply(cfg)
}

func (h *HotReloader) apply(cfg appconfig.AppConfig) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var errs []error
	for _, a := range h.appliers {
		if err := a.applier.Apply(cfg); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", a.name, err))
		}
	}
	h.lastReload = time.Now()
	h.lastErr = errors.Join(errs...)
	if h.lastErr != nil {
		h.logger.LogError(h.lastErr, map[string]interface{}{"event": "config_reload", "path": h.configPath})
		return h.lastErr
	}
	h.reloads++
	h.logger.Info("Config reloaded", zap.String("path", h.configPath), zap.Int("appliers", len(h.appliers)))
	return nil
}

func (h *HotReloader) recordFailure(err error) {
	h.mu.Lock()
	h.lastErr = err
	h.mu.Unlock()
	h.logger.LogError(err, map[string]interface{}{"event": "config_reload", "path": h.configPath})
}

// GetLastReloadTime 获取最后重载时间
func (h *HotReloader) GetLastReloadTime() time.Time {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.lastReload
}

// Reloads 成功应用的次数。
func (h *HotReloader) Reloads() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.reloads
}
