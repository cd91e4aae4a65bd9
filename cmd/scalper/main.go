package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"btc-scalper/config"
	"btc-scalper/internal/container"
)

func main() {
	cfgPath := flag.String("config", "configs/config.yaml", "配置文件路径")
	envFile := flag.String("env", ".env", "环境变量文件，不存在时忽略")
	flag.Parse()

	if err := config.LoadEnvFile(*envFile); err != nil {
		log.Fatalf("加载环境变量失败: %v", err)
	}

	c, err := container.New(*cfgPath)
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := c.Build(ctx); err != nil {
		log.Fatalf("初始化失败: %v", err)
	}

	if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		log.Printf("sd_notify ready: %v", err)
	}
	go watchdog(ctx, c.HealthCheck)

	runErr := c.Run(ctx)
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	if runErr != nil {
		log.Printf("运行异常退出: %v", runErr)
		os.Exit(1)
	}
}

// watchdog 在 systemd 配置 WatchdogSec 时按一半间隔发送心跳；不健康时停发，由 systemd 重启。
func watchdog(ctx context.Context, healthy func() error) {
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
			if err := healthy(); err != nil {
				log.Printf("health check failed, watchdog ping skipped: %v", err)
				continue
			}
			_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
		}
	}
}
