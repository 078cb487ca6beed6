package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"go.uber.org/zap"

	"prediction-trader-go/config"
	"prediction-trader-go/internal/container"
)

func main() {
	cfgPath := flag.String("config", "configs/config.yaml", "配置文件路径")
	checkOnly := flag.Bool("check", false, "仅校验配置后退出")
	flag.Parse()

	if *checkOnly {
		if _, err := config.LoadWithEnvOverrides(*cfgPath); err != nil {
			fmt.Fprintf(os.Stderr, "配置无效: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("config ok")
		return
	}

	if err := run(*cfgPath); err != nil {
		log.Fatalf("runner 退出: %v", err)
	}
}

func run(cfgPath string) error {
	c, err := container.New(cfgPath)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := c.Build(ctx); err != nil {
		return err
	}
	// 组件在 Stop 中按逆序退出，不随信号 ctx 一起取消
	if err := c.Start(context.Background()); err != nil {
		_ = c.Stop()
		return err
	}
	lg := c.Logger()
	cfg := c.Config()
	lg.LogEvent("runner_start", map[string]interface{}{
		"env":       cfg.Env,
		"mode":      cfg.Mode,
		"http_addr": c.HTTPAddr(),
	})

	notify(lg.Logger, daemon.SdNotifyReady)
	go watchdog(ctx, lg.Logger, c.HealthCheck)

	<-ctx.Done()
	notify(lg.Logger, daemon.SdNotifyStopping)
	lg.LogEvent("runner_exit", map[string]interface{}{"env": cfg.Env})
	return c.Stop()
}

// notify 非 systemd 环境下 SdNotify 返回 false，忽略即可
func notify(lg *zap.Logger, state string) {
	if _, err := daemon.SdNotify(false, state); err != nil {
		lg.Warn("sd_notify failed", zap.String("state", state), zap.Error(err))
	}
}

// watchdog 健康时按 WatchdogSec 的一半喂狗；不健康则停止喂狗交给 systemd 重启
func watchdog(ctx context.Context, lg *zap.Logger, health func() error) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval == 0 {
		return
	}
	ticker := time.NewTicker(interval / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := health(); err != nil {
				lg.Warn("Health check failed, skipping watchdog ping", zap.Error(err))
				continue
			}
			notify(lg, daemon.SdNotifyWatchdog)
		}
	}
}
