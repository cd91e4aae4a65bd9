package inventory

import (
	"math"
	"sync"
	"time"

	"btc-scalper/market"
)

const (
	epsilon     = 1e-12
	maxSeenFill = 4096
)

// Side 持仓方向。
type Side string

const (
	Long  Side = "LONG"
	Short Side = "SHORT"
	Flat  Side = "FLAT"
)

// Fill 影响持仓的一笔成交。
type Fill struct {
	ID       string
	Side     market.Side
	Price    float64
	Quantity float64
	Fee      float64
	Ts       time.Time
}

// TradeClose 一次（部分）平仓的结果，PnL 已扣除开平仓手续费。
type TradeClose struct {
	Side       Side          `json:"side"`
	Quantity   float64       `json:"quantity"`
	EntryPrice float64       `json:"entryPrice"`
	ExitPrice  float64       `json:"exitPrice"`
	GrossPnL   float64       `json:"grossPnl"`
	Fees       float64       `json:"fees"`
	PnL        float64       `json:"pnl"`
	OpenedAt   time.Time     `json:"openedAt"`
	ClosedAt   time.Time     `json:"closedAt"`
	HoldTime   time.Duration `json:"holdTime"`
}

// Position 单一交易对的净持仓，只由成交路径写入。
type Position struct {
	mu       sync.RWMutex
	symbol   string
	leverage float64

	qty       float64 // 带符号
	entry     float64
	entryFees float64 // 尚未分摊到平仓的开仓手续费
	openedAt  time.Time
	holdUntil time.Time
	mark      float64

	realized float64
	fees     float64

	flagged    bool
	flagReason string

	seen  map[string]struct{}
	order []string
}

// NewPosition leverage<=0 时按 1 倍计算保证金。
func NewPosition(symbol string, leverage float64) *Position {
	if leverage <= 0 {
		leverage = 1
	}
	return &Position{symbol: symbol, leverage: leverage, seen: make(map[string]struct{})}
}

func (p *Position) markSeen(id string) bool {
	if id == "" {
		return true
	}
	if _, ok := p.seen[id]; ok {
		return false
	}
	p.seen[id] = struct{}{}
	p.order = append(p.order, id)
	if len(p.order) > maxSeenFill {
		delete(p.seen, p.order[0])
		p.order = p.order[1:]
	}
	return true
}

// ApplyFill 按成交更新持仓；同一 fill id 只生效一次。
// 返回的 TradeClose 非空表示本次成交减少了原有持仓。
func (p *Position) ApplyFill(f Fill) (close *TradeClose, applied bool) {
	if f.Quantity <= 0 || f.Price <= 0 {
		return nil, false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.markSeen(f.ID) {
		return nil, false
	}

	delta := f.Quantity
	if f.Side == market.Sell {
		delta = -f.Quantity
	}
	p.fees += f.Fee
	p.mark = f.Price

	// 同向加仓或从空仓开仓
	if math.Abs(p.qty) < epsilon || (p.qty > 0) == (delta > 0) {
		p.open(delta, f.Price, f.Fee, f.Ts)
		return nil, true
	}

	closing := math.Min(math.Abs(p.qty), f.Quantity)
	closeFee := f.Fee * closing / f.Quantity
	entryFeeShare := p.entryFees * closing / math.Abs(p.qty)
	side := Long
	dir := 1.0
	if p.qty < 0 {
		side = Short
		dir = -1
	}
	gross := (f.Price - p.entry) * closing * dir
	tc := &TradeClose{
		Side:       side,
		Quantity:   closing,
		EntryPrice: p.entry,
		ExitPrice:  f.Price,
		GrossPnL:   gross,
		Fees:       closeFee + entryFeeShare,
		PnL:        gross - closeFee - entryFeeShare,
		OpenedAt:   p.openedAt,
		ClosedAt:   f.Ts,
		HoldTime:   f.Ts.Sub(p.openedAt),
	}
	p.realized += tc.PnL
	p.entryFees -= entryFeeShare
	p.qty += dir * -closing

	if math.Abs(p.qty) < epsilon {
		p.reset()
	}
	// 反手：剩余数量按成交价开新仓
	if rest := f.Quantity - closing; rest > epsilon {
		restDelta := rest
		if f.Side == market.Sell {
			restDelta = -rest
		}
		p.open(restDelta, f.Price, f.Fee-closeFee, f.Ts)
	}
	return tc, true
}

func (p *Position) open(delta, price, fee float64, ts time.Time) {
	if math.Abs(p.qty) < epsilon {
		p.openedAt = ts
		p.entry = price
		p.qty = delta
	} else {
		total := math.Abs(p.qty) + math.Abs(delta)
		p.entry = (p.entry*math.Abs(p.qty) + price*math.Abs(delta)) / total
		p.qty += delta
	}
	p.entryFees += fee
}

func (p *Position) reset() {
	p.qty = 0
	p.entry = 0
	p.entryFees = 0
	p.openedAt = time.Time{}
	p.holdUntil = time.Time{}
	p.flagged = false
	p.flagReason = ""
}

// Quantity 带符号净持仓（多为正）。
func (p *Position) Quantity() float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.qty
}

// Side 当前方向。
func (p *Position) Side() Side {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return sideOf(p.qty)
}

func sideOf(qty float64) Side {
	switch {
	case qty > epsilon:
		return Long
	case qty < -epsilon:
		return Short
	default:
		return Flat
	}
}

// SetHoldDeadline 记录最长持仓截止时间；空仓时忽略。
func (p *Position) SetHoldDeadline(t time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if math.Abs(p.qty) < epsilon {
		return
	}
	p.holdUntil = t
}

// HoldExpired 非空仓且已超过持仓截止时间。
func (p *Position) HoldExpired(now time.Time) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return math.Abs(p.qty) >= epsilon && !p.holdUntil.IsZero() && !now.Before(p.holdUntil)
}

// FlagForClose 标记需要平仓（紧急停机时使用）。
func (p *Position) FlagForClose(reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if math.Abs(p.qty) < epsilon {
		return
	}
	p.flagged = true
	p.flagReason = reason
}

// FlaggedForClose 是否已被标记平仓。
func (p *Position) FlaggedForClose() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.flagged
}
