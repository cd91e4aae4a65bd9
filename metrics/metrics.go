// Package metrics 提供剥头皮引擎的 Prometheus 指标。
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Config 指标命名空间。
type Config struct {
	Namespace string
	Subsystem string
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		Namespace: "scalper",
		Subsystem: "engine",
	}
}

// Collector 使用私有 registry，测试之间互不干扰。
type Collector struct {
	registry *prometheus.Registry

	// 周期指标
	cycles        *prometheus.CounterVec
	cycleDuration prometheus.Histogram
	decisionLat   prometheus.Histogram
	decisionFails *prometheus.CounterVec

	// 风控指标
	vetoes          *prometheus.CounterVec
	killSwitch      prometheus.Gauge
	killActivations *prometheus.CounterVec
	dailyPnLPct     prometheus.Gauge
	drawdownPct     prometheus.Gauge
	consecLosses    prometheus.Gauge

	// 订单指标
	orders   *prometheus.CounterVec
	retries  *prometheus.CounterVec
	fills    prometheus.Counter
	position prometheus.Gauge
	equity   prometheus.Gauge

	// 行情指标
	spreadBps       prometheus.Gauge
	bookStaleness   prometheus.Gauge
	feedEvents      *prometheus.CounterVec
	auditWriteFails prometheus.Counter
}

// New 创建 Collector
func New(cfg Config) *Collector {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	ns, sub := cfg.Namespace, cfg.Subsystem

	return &Collector{
		registry: reg,

		cycles: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "cycles_total",
			Help: "决策周期数（按结果）",
		}, []string{"outcome"}),
		cycleDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: ns, Subsystem: sub,
			Name:    "cycle_duration_seconds",
			Help:    "单个周期耗时（秒）",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}),
		decisionLat: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: ns, Subsystem: sub,
			Name:    "decision_latency_seconds",
			Help:    "决策服务延迟（秒）",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}),
		decisionFails: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "decision_failures_total",
			Help: "决策服务失败次数（按类型）",
		}, []string{"kind"}),

		vetoes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "veto_failures_total",
			Help: "准入检查失败次数（按检查项）",
		}, []string{"check"}),
		killSwitch: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: sub,
			Name: "kill_switch_active",
			Help: "熔断开关状态(0=关闭,1=激活)",
		}),
		killActivations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "kill_switch_activations_total",
			Help: "熔断激活次数（按触发源）",
		}, []string{"trigger"}),
		dailyPnLPct: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: sub,
			Name: "daily_pnl_pct",
			Help: "日内盈亏百分比",
		}),
		drawdownPct: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: sub,
			Name: "drawdown_pct",
			Help: "当前回撤百分比",
		}),
		consecLosses: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: sub,
			Name: "consecutive_losses",
			Help: "连续亏损笔数",
		}),

		orders: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "order_events_total",
			Help: "订单事件数（按状态）",
		}, []string{"event"}),
		retries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "order_retry_events_total",
			Help: "重试事件数（按类型）",
		}, []string{"kind"}),
		fills: factory.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "fills_total",
			Help: "成交笔数",
		}),
		position: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: sub,
			Name: "position_btc",
			Help: "当前净仓位（BTC，空头为负）",
		}),
		equity: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: sub,
			Name: "equity",
			Help: "账户权益",
		}),

		spreadBps: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: sub,
			Name: "book_spread_bps",
			Help: "当前价差（bps）",
		}),
		bookStaleness: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: sub,
			Name: "book_staleness_seconds",
			Help: "盘口距上次更新的时间（秒）",
		}),
		feedEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "feed_events_total",
			Help: "行情连接事件数",
		}, []string{"type"}),
		auditWriteFails: factory.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "audit_write_failures_total",
			Help: "审计写入失败次数",
		}),
	}
}

// 周期相关方法
func (c *Collector) RecordCycle(outcome string, seconds float64) {
	c.cycles.WithLabelValues(outcome).Inc()
	c.cycleDuration.Observe(seconds)
}

func (c *Collector) RecordDecision(seconds float64, failureKind string) {
	c.decisionLat.Observe(seconds)
	if failureKind != "" {
		c.decisionFails.WithLabelValues(failureKind).Inc()
	}
}

// 风控相关方法
func (c *Collector) RecordVetoFailures(checks []string) {
	for _, name := range checks {
		c.vetoes.WithLabelValues(name).Inc()
	}
}

func (c *Collector) SetKillSwitch(active bool) {
	if active {
		c.killSwitch.Set(1)
		return
	}
	c.killSwitch.Set(0)
}

func (c *Collector) RecordKillSwitchActivation(trigger string) {
	c.killActivations.WithLabelValues(trigger).Inc()
	c.killSwitch.Set(1)
}

func (c *Collector) UpdateRisk(dailyPnLPct, drawdownPct float64, consecutiveLosses int) {
	c.dailyPnLPct.Set(dailyPnLPct)
	c.drawdownPct.Set(drawdownPct)
	c.consecLosses.Set(float64(consecutiveLosses))
}

// 订单相关方法
func (c *Collector) RecordOrderEvent(event string) {
	c.orders.WithLabelValues(event).Inc()
}

func (c *Collector) RecordRetryEvent(kind string) {
	c.retries.WithLabelValues(kind).Inc()
}

func (c *Collector) RecordFill() {
	c.fills.Inc()
}

func (c *Collector) UpdatePosition(qty, equity float64) {
	c.position.Set(qty)
	c.equity.Set(equity)
}

// 行情相关方法
func (c *Collector) UpdateBook(spreadBps, stalenessSeconds float64) {
	c.spreadBps.Set(spreadBps)
	c.bookStaleness.Set(stalenessSeconds)
}

func (c *Collector) RecordFeedEvent(typ string) {
	c.feedEvents.WithLabelValues(typ).Inc()
}

func (c *Collector) RecordAuditFailure() {
	c.auditWriteFails.Inc()
}

// Handler 返回HTTP handler用于暴露指标
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Registry 返回prometheus registry
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}
