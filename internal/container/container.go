package container

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"btc-scalper/audit"
	"btc-scalper/config"
	"btc-scalper/decision"
	"btc-scalper/gateway"
	"btc-scalper/infrastructure/alert"
	"btc-scalper/infrastructure/logger"
	"btc-scalper/internal/api"
	"btc-scalper/internal/engine"
	"btc-scalper/inventory"
	"btc-scalper/market"
	"btc-scalper/metrics"
	"btc-scalper/news"
	"btc-scalper/order"
	"btc-scalper/risk"
)

const (
	// feedRestartDelay 行情重连耗尽后重新拉起的间隔，期间由引擎按中断时长升级熔断
	feedRestartDelay = 30 * time.Second
	featureWindow    = time.Minute
	configPollEvery  = 2 * time.Second
	shutdownTimeout  = 10 * time.Second
)

// Container 依赖注入容器，管理所有组件的生命周期
type Container struct {
	// 配置
	cfg        config.AppConfig
	configPath string

	// 基础设施
	logger  *logger.Logger
	metrics *metrics.Collector
	alerts  *alert.Manager

	// 行情与交易所网关
	book      *market.OrderBook
	publisher *market.Publisher
	feed      *gateway.FeedClient
	venue     *gateway.RESTVenue // 仅实盘

	// 风控与核心服务
	kill       *risk.KillSwitch
	position   *inventory.Position
	orders     *order.Manager
	retry      *order.RetryManager
	reconciler *order.Reconciler // 仅实盘
	emergency  *order.EmergencyShutdown
	newsFlag   *news.Static
	blackout   *news.FileBlackout
	ring       *audit.Ring
	auditOut   *audit.MultiWriter
	engine     *engine.Engine

	// HTTP服务器
	api *api.Server

	// 生命周期管理
	lifecycle *LifecycleManager
	stopOnce  sync.Once
	stopErr   error
}

// New 加载配置（含环境变量覆盖）并创建容器；组件在 Build 中创建。
func New(configPath string) (*Container, error) {
	cfg, err := config.LoadWithEnvOverrides(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config failed: %w", err)
	}
	c := NewWithConfig(cfg)
	c.configPath = configPath
	return c, nil
}

// NewWithConfig 使用已加载的配置创建容器，不启用配置热更新。
func NewWithConfig(cfg config.AppConfig) *Container {
	return &Container{
		cfg:       cfg,
		lifecycle: NewLifecycleManager(),
	}
}

// Build 构建所有组件
func (c *Container) Build(ctx context.Context) error {
	if err := c.buildInfrastructure(); err != nil {
		return fmt.Errorf("build infrastructure failed: %w", err)
	}
	if err := c.buildGateway(); err != nil {
		return fmt.Errorf("build gateway failed: %w", err)
	}
	if err := c.buildCoreServices(ctx); err != nil {
		return fmt.Errorf("build core services failed: %w", err)
	}

	c.registerLifecycleComponents()
	c.logger.Info("container built successfully",
		zap.String("symbol", c.cfg.Symbol),
		zap.String("mode", string(c.cfg.Mode)),
		zap.String("env", c.cfg.Env))
	return nil
}

func (c *Container) buildInfrastructure() error {
	log, err := logger.New(c.cfg.Log)
	if err != nil {
		return fmt.Errorf("create logger failed: %w", err)
	}
	c.logger = log
	c.metrics = metrics.New(metrics.DefaultConfig())

	channels := []alert.Channel{alert.NewZapChannel(log.Logger)}
	if c.cfg.Alert.WebhookURL != "" {
		channels = append(channels, alert.NewWebhookChannel(c.cfg.Alert.WebhookURL, nil))
	}
	c.alerts = alert.NewManager(channels, c.cfg.Alert.Throttle)
	return nil
}

func (c *Container) buildGateway() error {
	c.book = market.NewOrderBook(c.cfg.Symbol)
	c.publisher = market.NewPublisher()
	c.feed = gateway.NewFeedClient(c.cfg.Feed, c.book, c.publisher, c.logger.Named("feed").Logger)

	if c.cfg.Mode == order.ModeLive {
		c.venue = gateway.NewRESTVenue(c.cfg.Venue, nil)
	}
	return nil
}

func (c *Container) buildCoreServices(ctx context.Context) error {
	zl := c.logger.Logger

	rulebook, err := risk.NewRulebook(c.cfg.Rulebook)
	if err != nil {
		return fmt.Errorf("rulebook: %w", err)
	}
	rb := rulebook.Config()
	ksCfg := c.cfg.KillSwitch
	if ksCfg.MaxDrawdownPct <= 0 {
		ksCfg.MaxDrawdownPct = rb.MaxDrawdownPct
	}
	if ksCfg.MaxDailyLossPct <= 0 {
		ksCfg.MaxDailyLossPct = rb.MaxDailyLossPct
	}
	c.kill = risk.NewKillSwitch(ksCfg, nil, c.logger.Named("risk").Logger)
	c.kill.OnActivate(c.onKillSwitch)
	gate := risk.NewVetoGate(rulebook, risk.NewForbiddenChecker(c.cfg.Forbidden, nil), nil)
	tracker := risk.NewMetricsTracker(c.cfg.Account.InitialEquity, nil)

	c.position = inventory.NewPosition(c.cfg.Symbol, c.cfg.Account.Leverage)

	var venue order.Venue
	if c.venue != nil {
		venue = c.venue
	}
	c.orders, err = order.NewManager(order.Config{
		Mode:        c.cfg.Mode,
		Symbol:      c.cfg.Symbol,
		Paper:       c.cfg.Paper,
		DefaultTTL:  c.cfg.Engine.OrderTTL,
		Constraints: c.cfg.Constraints,
	}, venue, c.book, c.logger.Named("order").Logger)
	if err != nil {
		return fmt.Errorf("order manager: %w", err)
	}
	c.retry = order.NewRetryManager(c.cfg.Retry, c.orders, c.kill.IsActive, c.logger.Named("retry").Logger)
	if c.venue != nil {
		c.reconciler = order.NewReconciler(c.venue, c.orders, order.ReconcilerConfig{
			Interval: c.cfg.Engine.ReconcileInterval,
		}, zl)
	}
	c.emergency = order.NewEmergencyShutdown(c.kill, c.orders, c.position, c.cfg.Engine.EmergencyFlatten, zl)

	c.newsFlag = news.NewStatic(c.cfg.News.Avoid, c.cfg.News.Reason)
	newsSrc := news.Any{c.newsFlag}
	if c.cfg.News.BlackoutFile != "" {
		c.blackout, err = news.NewFileBlackout(c.cfg.News.BlackoutFile, zl)
		if err != nil {
			return fmt.Errorf("news blackout: %w", err)
		}
		newsSrc = append(newsSrc, c.blackout)
	}

	if err := c.buildAudit(ctx); err != nil {
		return err
	}

	c.engine, err = engine.New(engine.Config{
		Symbol:             c.cfg.Symbol,
		Interval:           c.cfg.Engine.Interval,
		FeedLossEscalation: c.cfg.Engine.FeedLossEscalation,
		InitialEquity:      c.cfg.Account.InitialEquity,
		OrderTTL:           c.cfg.Engine.OrderTTL,
	}, engine.Components{
		Book:     c.book,
		Features: decision.NewBookFeatureSource(featureWindow),
		Decider:  decision.NewHTTPClient(c.cfg.Decision.URL, c.cfg.Decision.Timeout, c.logger.Named("decision").Logger),
		Gate:     gate,
		Kill:     c.kill,
		Tracker:  tracker,
		Position: c.position,
		Orders:   c.orders,
		Retry:    c.retry,
		News:     newsSrc,
		Audit:    c.auditOut,
		Metrics:  c.metrics,
		Logger:   c.logger.Named("engine"),
	})
	if err != nil {
		return fmt.Errorf("engine: %w", err)
	}

	if c.cfg.Env != "dev" {
		gin.SetMode(gin.ReleaseMode)
	}
	c.api = api.NewServer(api.Deps{
		Status:    c.engine,
		Kill:      c.kill,
		Emergency: c.emergency,
		Audit:     c.ring,
		Metrics:   c.metrics.Handler(),
	}, zl)
	return nil
}

func (c *Container) buildAudit(ctx context.Context) error {
	c.ring = audit.NewRing(c.cfg.Audit.RingSize)
	writers := []audit.Writer{c.ring}
	if c.cfg.Audit.File != "" {
		fw, err := audit.NewFileWriter(c.cfg.Audit.File)
		if err != nil {
			return fmt.Errorf("audit file: %w", err)
		}
		writers = append(writers, fw)
	}
	if rc := c.cfg.Audit.Redis; rc.Addr != "" {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		rdb, err := audit.NewRedisClient(pingCtx, rc)
		if err != nil {
			// Redis 只是审计副本，不可用时降级为本地文件
			c.logger.LogError(err, map[string]interface{}{
				"component": "audit",
				"addr":      rc.Addr,
			})
		} else {
			writers = append(writers, audit.NewRedisStreamWriter(rdb, rc.Stream, rc.MaxLen))
		}
	}
	c.auditOut = audit.NewMultiWriter(writers...)
	return nil
}

func (c *Container) registerLifecycleComponents() {
	if c.blackout != nil {
		c.lifecycle.Register(&blackoutComponent{blackout: c.blackout})
	}
	if c.cfg.API.Addr != "" {
		c.lifecycle.Register(&httpServerComponent{
			name:    "ops api",
			handler: c.api.Handler(),
			addr:    c.cfg.API.Addr,
			logger:  c.logger,
		})
	}
}

func (c *Container) onKillSwitch(st risk.KillSwitchState) {
	if err := c.alerts.KillSwitchActivated(st); err != nil {
		c.logger.Warn("kill switch alert failed", zap.Error(err))
	}
}

// Run 启动全部组件并阻塞到 ctx 结束；任一循环返回错误时其余循环随之退出。
func (c *Container) Run(ctx context.Context) error {
	if err := c.lifecycle.StartAll(ctx); err != nil {
		return fmt.Errorf("start components failed: %w", err)
	}
	defer c.Stop()

	engineFeed := c.publisher.Subscribe()
	alertFeed := c.publisher.Subscribe()
	retryEvents := c.retry.Subscribe()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.runFeed(gctx) })
	g.Go(func() error { return c.engine.WatchFeed(gctx, engineFeed) })
	g.Go(func() error { return c.engine.Run(gctx) })
	g.Go(func() error { return c.retry.Run(gctx) })
	g.Go(func() error {
		c.relayEvents(gctx, alertFeed, retryEvents)
		return nil
	})
	if c.reconciler != nil {
		g.Go(func() error { return c.reconciler.Run(gctx) })
	}
	if c.configPath != "" {
		g.Go(func() error { return c.watchConfig(gctx) })
	}

	c.logger.Info("container started")
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// runFeed 行情重连耗尽后等待一段时间重新拉起，进程本身不退出。
func (c *Container) runFeed(ctx context.Context) error {
	for {
		err := c.feed.Run(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil && !errors.Is(err, gateway.ErrFeedLost) {
			return fmt.Errorf("market feed: %w", err)
		}
		c.logger.Warn("market feed restarting", zap.Duration("delay", feedRestartDelay), zap.Error(err))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(feedRestartDelay):
		}
	}
}

func (c *Container) relayEvents(ctx context.Context, feed <-chan market.FeedEvent, retries <-chan order.RetryEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-feed:
			if err := c.alerts.FeedEvent(ev); err != nil {
				c.logger.Warn("feed alert failed", zap.Error(err))
			}
		case ev := <-retries:
			c.metrics.RecordRetryEvent(string(ev.Kind))
			if err := c.alerts.RetryEvent(ev); err != nil {
				c.logger.Warn("retry alert failed", zap.Error(err))
			}
		}
	}
}

// watchConfig 只应用可在运行中调整的字段；风控规则在启动时冻结。
func (c *Container) watchConfig(ctx context.Context) error {
	w := &config.Watcher{
		Path:     c.configPath,
		Interval: configPollEvery,
		OnError: func(err error) {
			c.logger.LogError(err, map[string]interface{}{"component": "config watcher"})
		},
	}
	err := w.Start(ctx, func(next config.AppConfig) {
		c.newsFlag.Set(next.News.Avoid, next.News.Reason)
		c.logger.Info("config reloaded",
			zap.Bool("news_avoid", next.News.Avoid),
			zap.String("news_reason", next.News.Reason))
	})
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// Stop 撤销挂单并释放资源，可重复调用。
func (c *Container) Stop() error {
	if c.logger == nil {
		return nil
	}
	c.stopOnce.Do(func() { c.stopErr = c.stop() })
	return c.stopErr
}

func (c *Container) stop() error {
	c.logger.Info("stopping container...")

	var errs []error
	if c.orders != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		n := c.orders.CancelAll(ctx)
		cancel()
		if n > 0 {
			c.logger.Info("open orders cancelled on shutdown", zap.Int("count", n))
		}
	}
	if err := c.lifecycle.StopAll(); err != nil {
		errs = append(errs, err)
	}
	if c.auditOut != nil {
		if err := c.auditOut.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close audit: %w", err))
		}
	}
	c.logger.Info("container stopped")
	_ = c.logger.Close()
	return errors.Join(errs...)
}

// HealthCheck 检查组件与引擎状态
func (c *Container) HealthCheck() error {
	if err := c.lifecycle.CheckHealth(); err != nil {
		return err
	}
	if st := c.engine.State(); st != engine.StateRunning {
		return fmt.Errorf("engine not running (state: %s)", st)
	}
	return nil
}

// Engine 暴露引擎供测试与运维使用。
func (c *Container) Engine() *engine.Engine { return c.engine }

// KillSwitch 暴露熔断开关。
func (c *Container) KillSwitch() *risk.KillSwitch { return c.kill }
