package risk

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTrackerStreaksAreExclusive(t *testing.T) {
	tr := NewMetricsTracker(10000, newFakeClock())
	tr.RecordTradeClose(-10, 9990)
	tr.RecordTradeClose(-10, 9980)
	tr.RecordTradeClose(-10, 9970)
	m := tr.Metrics()
	assert.Equal(t, 3, m.ConsecutiveLosses)
	assert.Equal(t, 0, m.ConsecutiveWins)

	tr.RecordTradeClose(25, 9995)
	m = tr.Metrics()
	assert.Equal(t, 0, m.ConsecutiveLosses)
	assert.Equal(t, 1, m.ConsecutiveWins)
	assert.Equal(t, 4, m.DailyTrades)
	assert.Equal(t, 1, m.DailyWins)
	assert.Equal(t, 3, m.DailyLosses)
	assert.InDelta(t, -5, m.DailyPnL, 1e-9)
	assert.InDelta(t, -0.05, m.DailyPnLPct, 1e-9)
	assert.InDelta(t, 0.05, m.DailyLossPct(), 1e-9)
}

func TestTrackerDrawdownFromMonotonicPeak(t *testing.T) {
	tr := NewMetricsTracker(10000, newFakeClock())
	tr.RecordTradeClose(1000, 11000)
	tr.RecordTradeClose(-550, 10450)
	m := tr.Metrics()
	assert.Equal(t, 11000.0, m.PeakEquity)
	assert.InDelta(t, 5, m.CurrentDrawdownPct, 1e-9)

	tr.RecordTradeClose(200, 10650)
	m = tr.Metrics()
	assert.Equal(t, 11000.0, m.PeakEquity)
	assert.Less(t, m.CurrentDrawdownPct, 5.0)
	assert.InDelta(t, 5, m.MaxDrawdownPct, 1e-9)
}

func TestTrackerOrderWindowPrunedOnRead(t *testing.T) {
	clk := newFakeClock()
	tr := NewMetricsTracker(10000, clk)
	for i := 0; i < 5; i++ {
		tr.RecordOrderPlaced()
	}
	clk.Advance(30 * time.Second)
	tr.RecordOrderPlaced()
	m := tr.Metrics()
	assert.Equal(t, 6, m.OrdersLastMinute)
	assert.Equal(t, 6, m.OrdersLastHour)

	clk.Advance(45 * time.Second)
	m = tr.Metrics()
	assert.Equal(t, 1, m.OrdersLastMinute)
	assert.Equal(t, 6, m.OrdersLastHour)

	clk.Advance(time.Hour)
	m = tr.Metrics()
	assert.Equal(t, 0, m.OrdersLastMinute)
	assert.Equal(t, 0, m.OrdersLastHour)
}

func TestTrackerDailyResetAtUTCMidnight(t *testing.T) {
	clk := &fakeClock{t: time.Date(2024, 3, 1, 23, 59, 0, 0, time.UTC)}
	tr := NewMetricsTracker(10000, clk)
	tr.RecordTradeClose(-100, 9900)
	tr.RecordTradeClose(-100, 9800)
	assert.Equal(t, 2, tr.Metrics().DailyTrades)

	clk.Advance(2 * time.Minute)
	m := tr.Metrics()
	assert.Equal(t, 0, m.DailyTrades)
	assert.Equal(t, 0.0, m.DailyPnL)
	assert.Equal(t, 9800.0, m.StartOfDayEquity)
	// 连续亏损跨日保留
	assert.Equal(t, 2, m.ConsecutiveLosses)
	assert.InDelta(t, 2, m.CurrentDrawdownPct, 1e-9)
}
