package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appconfig "prediction-trader-go/config"
)

const baseYAML = `
env: dev
mode: paper
engine:
  safetyRails:
    maxOpenOrders: 5
`

// recordingApplier 记录收到的配置
type recordingApplier struct {
	mu   sync.Mutex
	seen []appconfig.AppConfig
	err  error
}

func (r *recordingApplier) Apply(cfg appconfig.AppConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, cfg)
	return r.err
}

func (r *recordingApplier) last() (appconfig.AppConfig, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.seen) == 0 {
		return appconfig.AppConfig{}, 0
	}
	return r.seen[len(r.seen)-1], len(r.seen)
}

func writeConfig(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func newReloader(t *testing.T, cfg HotReloadConfig) (*HotReloader, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfig(t, path, baseYAML)
	h, err := NewHotReloader(path, cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { h.Stop() })
	return h, path
}

func TestReloadAppliesInOrder(t *testing.T) {
	h, path := newReloader(t, DefaultHotReloadConfig())
	var order []string
	h.Register("rails", ApplierFunc(func(cfg appconfig.AppConfig) error {
		order = append(order, "rails")
		assert.Equal(t, 9, cfg.Engine.SafetyRails.MaxOpenOrders)
		return nil
	}))
	h.Register("limits", ApplierFunc(func(appconfig.AppConfig) error {
		order = append(order, "limits")
		return nil
	}))

	writeConfig(t, path, "env: dev\nengine:\n  safetyRails:\n    maxOpenOrders: 9\n")
	require.NoError(t, h.Reload())
	assert.Equal(t, []string{"rails", "limits"}, order)
	assert.Equal(t, 1, h.Reloads())
	assert.False(t, h.GetLastReloadTime().IsZero())
	assert.NoError(t, h.Health())
}

func TestReloadKeepsConfigOnInvalidFile(t *testing.T) {
	h, path := newReloader(t, DefaultHotReloadConfig())
	rec := &recordingApplier{}
	h.Register("rec", rec)

	writeConfig(t, path, "env: dev\nmode: live\n")
	assert.Error(t, h.Reload())
	_, n := rec.last()
	assert.Zero(t, n)
	assert.Error(t, h.Health())

	writeConfig(t, path, baseYAML)
	require.NoError(t, h.Reload())
	assert.NoError(t, h.Health())
}

func TestReloadJoinsApplierErrors(t *testing.T) {
	h, _ := newReloader(t, DefaultHotReloadConfig())
	ok := &recordingApplier{}
	h.Register("bad", &recordingApplier{err: errors.New("rejected")})
	h.Register("ok", ok)

	err := h.Reload()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad: rejected")
	_, n := ok.last()
	assert.Equal(t, 1, n, "后续应用器仍会被调用")
	assert.Zero(t, h.Reloads())
}

func TestWatchTriggersOnWrite(t *testing.T) {
	cfg := DefaultHotReloadConfig()
	cfg.CooldownTime = 0
	h, path := newReloader(t, cfg)
	rec := &recordingApplier{}
	h.Register("rec", rec)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, h.Start(ctx))

	writeConfig(t, path, "env: dev\nengine:\n  safetyRails:\n    maxOpenOrders: 12\n")
	require.Eventually(t, func() bool {
		got, n := rec.last()
		return n > 0 && got.Engine.SafetyRails.MaxOpenOrders == 12
	}, 2*time.Second, 10*time.Millisecond)

	// 同目录其它文件不触发
	_, before := rec.last()
	writeConfig(t, filepath.Join(filepath.Dir(path), "other.yaml"), "x: 1")
	time.Sleep(50 * time.Millisecond)
	_, after := rec.last()
	assert.Equal(t, before, after)

	require.NoError(t, h.Stop())
}

func TestPollingFallback(t *testing.T) {
	cfg := DefaultHotReloadConfig()
	cfg.ForcePolling = true
	cfg.PollInterval = 10 * time.Millisecond
	h, path := newReloader(t, cfg)
	assert.Nil(t, h.watcher)
	rec := &recordingApplier{}
	h.Register("rec", rec)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, h.Start(ctx))

	writeConfig(t, path, "env: dev\nengine:\n  safetyRails:\n    maxOpenOrders: 3\n")

	// 每次检查都推进 mtime，与轮询协程的首次 stat 无关
	bump := 0
	require.Eventually(t, func() bool {
		bump++
		future := time.Now().Add(time.Duration(bump) * time.Second)
		_ = os.Chtimes(path, future, future)
		got, n := rec.last()
		return n > 0 && got.Engine.SafetyRails.MaxOpenOrders == 3
	}, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, h.Stop())
}

func TestDisabledReloaderIsNoop(t *testing.T) {
	h, _ := newReloader(t, HotReloadConfig{})
	require.NoError(t, h.Start(context.Background()))
	require.NoError(t, h.Stop())
}
