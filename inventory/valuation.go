package inventory

import (
	"math"
	"time"
)

// Snapshot 持仓的时点拷贝。
type Snapshot struct {
	Symbol          string    `json:"symbol"`
	Side            Side      `json:"side"`
	Quantity        float64   `json:"quantity"`
	SignedQty       float64   `json:"signedQty"`
	EntryPrice      float64   `json:"entryPrice"`
	MarkPrice       float64   `json:"markPrice"`
	UnrealizedPnL   float64   `json:"unrealizedPnl"`
	RealizedPnL     float64   `json:"realizedPnl"`
	Fees            float64   `json:"fees"`
	MarginUsed      float64   `json:"marginUsed"`
	Leverage        float64   `json:"leverage"`
	OpenedAt        time.Time `json:"openedAt,omitempty"`
	HoldUntil       time.Time `json:"holdUntil,omitempty"`
	FlaggedForClose bool      `json:"flaggedForClose"`
	FlagReason      string    `json:"flagReason,omitempty"`
}

// Mark 更新盯市价格，price<=0 忽略。
func (p *Position) Mark(price float64) {
	if price <= 0 {
		return
	}
	p.mu.Lock()
	p.mark = price
	p.mu.Unlock()
}

func (p *Position) unrealized() float64 {
	if math.Abs(p.qty) < epsilon || p.mark <= 0 {
		return 0
	}
	return (p.mark - p.entry) * p.qty
}

// Valuation 返回净持仓与未实现盈亏。
func (p *Position) Valuation() (net, unrealized float64) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.qty, p.unrealized()
}

// RealizedPnL 累计已实现盈亏（已扣费）。
func (p *Position) RealizedPnL() float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.realized
}

// Equity 初始权益 + 已实现 + 未实现。
func (p *Position) Equity(initial float64) float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return initial + p.realized + p.unrealized()
}

// Snapshot 返回持仓拷贝。
func (p *Position) Snapshot() Snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	qty := math.Abs(p.qty)
	return Snapshot{
		Symbol:          p.symbol,
		Side:            sideOf(p.qty),
		Quantity:        qty,
		SignedQty:       p.qty,
		EntryPrice:      p.entry,
		MarkPrice:       p.mark,
		UnrealizedPnL:   p.unrealized(),
		RealizedPnL:     p.realized,
		Fees:            p.fees,
		MarginUsed:      qty * p.mark / p.leverage,
		Leverage:        p.leverage,
		OpenedAt:        p.openedAt,
		HoldUntil:       p.holdUntil,
		FlaggedForClose: p.flagged,
		FlagReason:      p.flagReason,
	}
}
