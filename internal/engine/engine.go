// Package engine 决策循环编排：每个周期按固定顺序采集状态、请求决策、
// 经过准入检查后下单，并输出一条审计记录。
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"btc-scalper/audit"
	"btc-scalper/decision"
	"btc-scalper/infrastructure/logger"
	"btc-scalper/inventory"
	"btc-scalper/market"
	"btc-scalper/metrics"
	"btc-scalper/news"
	"btc-scalper/order"
	"btc-scalper/risk"
)

// State 引擎状态
type State int32

const (
	// StateIdle 空闲状态
	StateIdle State = iota
	// StateRunning 运行状态
	StateRunning
	// StateStopped 停止状态
	StateStopped
)

// String 返回状态名称
func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateRunning:
		return "RUNNING"
	case StateStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// Config 引擎配置
type Config struct {
	Symbol             string
	Interval           time.Duration // 决策周期，默认 1s
	FeedLossEscalation time.Duration // 行情中断超过该时长激活熔断，默认 30s，<0 关闭
	InitialEquity      float64
	OrderTTL           time.Duration // 限价单有效期，0 使用订单管理器默认值
}

// Components 引擎依赖组件
type Components struct {
	Book     *market.OrderBook
	Features decision.FeatureSource
	Decider  decision.Service
	Gate     *risk.VetoGate
	Kill     *risk.KillSwitch
	Tracker  *risk.MetricsTracker
	Position *inventory.Position
	Orders   *order.Manager
	Retry    *order.RetryManager // 可选，为空时直接提交
	News     news.Source         // 可选
	Audit    audit.Writer
	Metrics  *metrics.Collector // 可选
	Logger   *logger.Logger     // 可选
	Clock    risk.Clock         // 可选
}

// Statistics 引擎统计信息
type Statistics struct {
	StartTime        time.Time `json:"startTime"`
	TotalCycles      int64     `json:"totalCycles"`
	Skipped          int64     `json:"skipped"`
	Vetoed           int64     `json:"vetoed"`
	Holds            int64     `json:"holds"`
	Dispatched       int64     `json:"dispatched"`
	DispatchFailures int64     `json:"dispatchFailures"`
	Errors           int64     `json:"errors"`
	Fills            int64     `json:"fills"`
	LastCycleTime    time.Time `json:"lastCycleTime"`
	LastOutcome      string    `json:"lastOutcome"`
}

// Engine 决策循环。周期在单个 goroutine 中串行执行；
// 成交回调可能来自对账或重试 goroutine，持仓与风险指标各自加锁。
type Engine struct {
	cfg Config

	book     *market.OrderBook
	features decision.FeatureSource
	decider  decision.Service
	gate     *risk.VetoGate
	kill     *risk.KillSwitch
	tracker  *risk.MetricsTracker
	position *inventory.Position
	orders   *order.Manager
	retry    *order.RetryManager
	news     news.Source
	audit    audit.Writer
	metrics  *metrics.Collector
	logger   *logger.Logger
	clock    risk.Clock

	state      atomic.Int32
	feedDownAt atomic.Int64 // unix nano；0 表示行情正常

	statsMu sync.RWMutex
	stats   Statistics
}

// New 创建引擎并注册订单事件与熔断回调。
func New(cfg Config, c Components) (*Engine, error) {
	if err := validateComponents(c); err != nil {
		return nil, fmt.Errorf("invalid components: %w", err)
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.FeedLossEscalation == 0 {
		cfg.FeedLossEscalation = 30 * time.Second
	}
	if c.News == nil {
		c.News = news.NewStatic(false, "")
	}
	if c.Metrics == nil {
		c.Metrics = metrics.New(metrics.DefaultConfig())
	}
	if c.Logger == nil {
		c.Logger = logger.Nop()
	}
	if c.Clock == nil {
		c.Clock = risk.NowUTC
	}

	e := &Engine{
		cfg:      cfg,
		book:     c.Book,
		features: c.Features,
		decider:  c.Decider,
		gate:     c.Gate,
		kill:     c.Kill,
		tracker:  c.Tracker,
		position: c.Position,
		orders:   c.Orders,
		retry:    c.Retry,
		news:     c.News,
		audit:    c.Audit,
		metrics:  c.Metrics,
		logger:   c.Logger,
		clock:    c.Clock,
	}
	e.orders.OnEvent(e.onOrderEvent)
	e.kill.OnActivate(e.onKillSwitch)
	return e, nil
}

func validateComponents(c Components) error {
	switch {
	case c.Book == nil:
		return errors.New("order book is required")
	case c.Features == nil:
		return errors.New("feature source is required")
	case c.Decider == nil:
		return errors.New("decision service is required")
	case c.Gate == nil:
		return errors.New("veto gate is required")
	case c.Kill == nil:
		return errors.New("kill switch is required")
	case c.Tracker == nil:
		return errors.New("metrics tracker is required")
	case c.Position == nil:
		return errors.New("position is required")
	case c.Orders == nil:
		return errors.New("order manager is required")
	case c.Audit == nil:
		return errors.New("audit writer is required")
	}
	return nil
}

// Run 按固定间隔执行周期直到 ctx 结束。上一周期未结束时错过的 tick 被丢弃。
func (e *Engine) Run(ctx context.Context) error {
	if !e.state.CompareAndSwap(int32(StateIdle), int32(StateRunning)) {
		return fmt.Errorf("engine already started (state: %s)", e.State())
	}
	e.statsMu.Lock()
	e.stats.StartTime = e.clock.Now()
	e.statsMu.Unlock()

	e.logger.Info("trading engine started",
		zap.String("symbol", e.cfg.Symbol),
		zap.Duration("interval", e.cfg.Interval),
		zap.String("mode", string(e.orders.Mode())))

	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			e.state.Store(int32(StateStopped))
			e.logger.Info("trading engine stopped")
			return nil
		case <-ticker.C:
			e.RunCycle(ctx)
		}
	}
}

// State 当前状态
func (e *Engine) State() State { return State(e.state.Load()) }

// GetStatistics 统计信息拷贝
func (e *Engine) GetStatistics() Statistics {
	e.statsMu.RLock()
	defer e.statsMu.RUnlock()
	return e.stats
}

// WatchFeed 消费行情连接事件，记录中断起点供周期判断是否升级为熔断。
func (e *Engine) WatchFeed(ctx context.Context, events <-chan market.FeedEvent) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			e.metrics.RecordFeedEvent(string(ev.Type))
			switch ev.Type {
			case market.FeedConnected:
				e.feedDownAt.Store(0)
			case market.FeedDisconnected, market.FeedLost:
				e.feedDownAt.CompareAndSwap(0, e.clock.Now().UnixNano())
			}
		}
	}
}

// FeedDownFor 行情已中断的时长，正常时为 0。
func (e *Engine) FeedDownFor() time.Duration {
	since := e.feedDownAt.Load()
	if since == 0 {
		return 0
	}
	return e.clock.Now().Sub(time.Unix(0, since))
}

func (e *Engine) checkFeedLoss() {
	if e.cfg.FeedLossEscalation < 0 {
		return
	}
	down := e.FeedDownFor()
	if down == 0 || down < e.cfg.FeedLossEscalation {
		return
	}
	e.kill.Activate(risk.TriggerAutoFeedLoss,
		fmt.Sprintf("market feed down for %s (limit %s)", down.Truncate(time.Second), e.cfg.FeedLossEscalation))
}

func (e *Engine) onKillSwitch(st risk.KillSwitchState) {
	e.metrics.RecordKillSwitchActivation(string(st.Trigger))
	e.metrics.SetKillSwitch(true)
	e.logger.LogRisk("kill_switch_activated", map[string]interface{}{
		"trigger":             string(st.Trigger),
		"reason":              st.Reason,
		"cooldown_expires_at": st.CooldownExpiresAt,
	})
}

// Status 运维接口使用的状态视图。
type Status struct {
	State        string               `json:"state"`
	Symbol       string               `json:"symbol"`
	Mode         string               `json:"mode"`
	BookReady    bool                 `json:"bookReady"`
	FeedDownMs   int64                `json:"feedDownMs"`
	KillSwitch   risk.KillSwitchState `json:"killSwitch"`
	Position     inventory.Snapshot   `json:"position"`
	Metrics      risk.MetricsSnapshot `json:"metrics"`
	ActiveOrders []order.Order        `json:"activeOrders"`
	Stats        Statistics           `json:"stats"`
}

// Status 当前状态快照
func (e *Engine) Status() Status {
	return Status{
		State:        e.State().String(),
		Symbol:       e.cfg.Symbol,
		Mode:         string(e.orders.Mode()),
		BookReady:    e.book.IsReady(),
		FeedDownMs:   e.FeedDownFor().Milliseconds(),
		KillSwitch:   e.kill.State(),
		Position:     e.position.Snapshot(),
		Metrics:      e.tracker.Metrics(),
		ActiveOrders: e.orders.Active(),
		Stats:        e.GetStatistics(),
	}
}
