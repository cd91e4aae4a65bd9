package risk

import (
	"sync"
	"time"
)

// MetricsSnapshot 风险指标的时点拷贝。
type MetricsSnapshot struct {
	DailyPnL           float64   `json:"dailyPnl"`
	DailyPnLPct        float64   `json:"dailyPnlPct"`
	DailyTrades        int       `json:"dailyTrades"`
	DailyWins          int       `json:"dailyWins"`
	DailyLosses        int       `json:"dailyLosses"`
	ConsecutiveWins    int       `json:"consecutiveWins"`
	ConsecutiveLosses  int       `json:"consecutiveLosses"`
	Equity             float64   `json:"equity"`
	PeakEquity         float64   `json:"peakEquity"`
	StartOfDayEquity   float64   `json:"startOfDayEquity"`
	CurrentDrawdownPct float64   `json:"currentDrawdownPct"`
	MaxDrawdownPct     float64   `json:"maxDrawdownPct"`
	OrdersLastMinute   int       `json:"ordersLastMinute"`
	OrdersLastHour     int       `json:"ordersLastHour"`
	Day                time.Time `json:"day"`
}

// DailyLossPct 日内亏损百分比，盈利时为 0。
func (m MetricsSnapshot) DailyLossPct() float64 {
	if m.DailyPnLPct >= 0 {
		return 0
	}
	return -m.DailyPnLPct
}

// MetricsTracker 单写者的风险指标累加器。写方法只由引擎的成交路径调用，
// 其他组件通过 Metrics() 读取一致的时点快照。
type MetricsTracker struct {
	mu    sync.Mutex
	clock Clock

	day              time.Time
	startOfDayEquity float64
	equity           float64
	peakEquity       float64
	maxDrawdownPct   float64

	dailyPnL    float64
	dailyTrades int
	dailyWins   int
	dailyLosses int

	consecutiveWins   int
	consecutiveLosses int

	orders []time.Time
}

// NewMetricsTracker initialEquity 同时作为峰值与日初权益。
func NewMetricsTracker(initialEquity float64, clock Clock) *MetricsTracker {
	clock = orDefault(clock)
	return &MetricsTracker{
		clock:            clock,
		day:              utcDay(clock.Now()),
		startOfDayEquity: initialEquity,
		equity:           initialEquity,
		peakEquity:       initialEquity,
	}
}

func utcDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// rollDay 跨越 UTC 日界时清零日内计数，连续盈亏与峰值保留。
func (t *MetricsTracker) rollDay(now time.Time) {
	day := utcDay(now)
	if !day.After(t.day) {
		return
	}
	t.day = day
	t.startOfDayEquity = t.equity
	t.dailyPnL = 0
	t.dailyTrades = 0
	t.dailyWins = 0
	t.dailyLosses = 0
}

// RecordTradeClose 记录一笔平仓。pnl 为净盈亏，equity 为平仓后的账户权益。
func (t *MetricsTracker) RecordTradeClose(pnl, equity float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rollDay(t.clock.Now())

	t.dailyPnL += pnl
	t.dailyTrades++
	switch {
	case pnl > 0:
		t.dailyWins++
		t.consecutiveWins++
		t.consecutiveLosses = 0
	case pnl < 0:
		t.dailyLosses++
		t.consecutiveLosses++
		t.consecutiveWins = 0
	}

	t.equity = equity
	if equity > t.peakEquity {
		t.peakEquity = equity
	}
	if dd := t.drawdownPct(); dd > t.maxDrawdownPct {
		t.maxDrawdownPct = dd
	}
}

// UpdateEquity 只刷新权益（例如按盯市价），不计入交易笔数。
func (t *MetricsTracker) UpdateEquity(equity float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rollDay(t.clock.Now())
	t.equity = equity
	if equity > t.peakEquity {
		t.peakEquity = equity
	}
	if dd := t.drawdownPct(); dd > t.maxDrawdownPct {
		t.maxDrawdownPct = dd
	}
}

// RecordOrderPlaced 记录一次下单用于限频。
func (t *MetricsTracker) RecordOrderPlaced() {
	t.mu.Lock()
	t.orders = append(t.orders, t.clock.Now())
	t.mu.Unlock()
}

func (t *MetricsTracker) drawdownPct() float64 {
	if t.peakEquity <= 0 {
		return 0
	}
	dd := (t.peakEquity - t.equity) / t.peakEquity * 100
	if dd < 0 {
		return 0
	}
	return dd
}

// prune 丢弃一小时之前的下单时间戳。
func (t *MetricsTracker) prune(now time.Time) {
	cutoff := now.Add(-time.Hour)
	i := 0
	for i < len(t.orders) && !t.orders[i].After(cutoff) {
		i++
	}
	if i > 0 {
		t.orders = append(t.orders[:0], t.orders[i:]...)
	}
}

// Metrics 先修剪下单窗口再计算快照。
func (t *MetricsTracker) Metrics() MetricsSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.clock.Now()
	t.rollDay(now)
	t.prune(now)

	minuteAgo := now.Add(-time.Minute)
	lastMinute := 0
	for _, ts := range t.orders {
		if ts.After(minuteAgo) {
			lastMinute++
		}
	}

	pnlPct := 0.0
	if t.startOfDayEquity > 0 {
		pnlPct = t.dailyPnL / t.startOfDayEquity * 100
	}
	return MetricsSnapshot{
		DailyPnL:           t.dailyPnL,
		DailyPnLPct:        pnlPct,
		DailyTrades:        t.dailyTrades,
		DailyWins:          t.dailyWins,
		DailyLosses:        t.dailyLosses,
		ConsecutiveWins:    t.consecutiveWins,
		ConsecutiveLosses:  t.consecutiveLosses,
		Equity:             t.equity,
		PeakEquity:         t.peakEquity,
		StartOfDayEquity:   t.startOfDayEquity,
		CurrentDrawdownPct: t.drawdownPct(),
		MaxDrawdownPct:     t.maxDrawdownPct,
		OrdersLastMinute:   lastMinute,
		OrdersLastHour:     len(t.orders),
		Day:                t.day,
	}
}
