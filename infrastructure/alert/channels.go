package alert

import (
	"errors"
	"sync"

	"go.uber.org/zap"

	"prediction-trader-go/infrastructure/logger"
)

// LoggerChannel 把告警写入 zap 日志。
type LoggerChannel struct {
	log  *logger.Logger
	name string
}

func NewLoggerChannel(name string, log *logger.Logger) *LoggerChannel {
	if log == nil {
		log = logger.Nop()
	}
	return &LoggerChannel{log: log, name: name}
}

func (c *LoggerChannel) Send(alert Alert) error {
	fields := make([]zap.Field, 0, len(alert.Fields)+3)
	fields = append(fields,
		zap.String("level", string(alert.Level)),
		zap.String("key", alert.Key),
		zap.Time("alert_ts", alert.Timestamp))
	for k, v := range alert.Fields {
		fields = append(fields, zap.Any(k, v))
	}
	switch alert.Level {
	case LevelCritical, LevelError:
		c.log.Error(alert.Message, fields...)
	case LevelWarning:
		c.log.Warn(alert.Message, fields...)
	default:
		c.log.Info(alert.Message, fields...)
	}
	return nil
}

func (c *LoggerChannel) Name() string { return c.name }

// MemoryChannel 在内存中保存告警，供测试与健康检查读取。
type MemoryChannel struct {
	name      string
	mu        sync.Mutex
	alerts    []Alert
	shouldErr bool
}

func NewMemoryChannel(name string) *MemoryChannel {
	return &MemoryChannel{name: name}
}

func (c *MemoryChannel) Send(alert Alert) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.shouldErr {
		return errors.New("memory channel error")
	}
	c.alerts = append(c.alerts, alert)
	return nil
}

func (c *MemoryChannel) Name() string { return c.name }

// Alerts 返回收到的告警副本。
func (c *MemoryChannel) Alerts() []Alert {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Alert, len(c.alerts))
	copy(out, c.alerts)
	return out
}

// SetShouldError 设置是否返回错误
func (c *MemoryChannel) SetShouldError(shouldErr bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.shouldErr = shouldErr
}

// Count 返回接收到的告警数量
func (c *MemoryChannel) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.alerts)
}
