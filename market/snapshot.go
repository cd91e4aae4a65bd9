package market

import (
	"math"
	"time"
)

// BookSide 盘口的一侧。
type BookSide int

const (
	SideBid BookSide = iota
	SideAsk
)

func (s BookSide) String() string {
	if s == SideBid {
		return "bid"
	}
	return "ask"
}

// Side 主动方向。
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// Opposite 返回反方向。
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// Snapshot 某一时刻的盘口拷贝。所有读方法都是纯函数，空盘口返回哨兵值而不是错误。
type Snapshot struct {
	Symbol      string
	Timestamp   time.Time
	Sequence    uint64
	Bids        []PriceLevel
	Asks        []PriceLevel
	Reference   float64 // 标记价格，未收到时为 0
	ReferenceTs time.Time
}

// ReferenceAt 未过期的参考价；没有或已超过 maxAge 时返回 0。
func (s Snapshot) ReferenceAt(now time.Time, maxAge time.Duration) float64 {
	if s.Reference <= 0 || s.ReferenceTs.IsZero() {
		return 0
	}
	if maxAge > 0 && now.Sub(s.ReferenceTs) > maxAge {
		return 0
	}
	return s.Reference
}

// BestBid 买一价，无买盘返回 0。
func (s Snapshot) BestBid() float64 {
	if len(s.Bids) == 0 {
		return 0
	}
	return s.Bids[0].Price.InexactFloat64()
}

// BestAsk 卖一价，无卖盘返回 0。
func (s Snapshot) BestAsk() float64 {
	if len(s.Asks) == 0 {
		return 0
	}
	return s.Asks[0].Price.InexactFloat64()
}

// MidPrice 中间价；缺失任一侧返回 0。
func (s Snapshot) MidPrice() float64 {
	bid, ask := s.BestBid(), s.BestAsk()
	if bid == 0 || ask == 0 {
		return 0
	}
	return (bid + ask) / 2
}

// SpreadBps 买卖价差（基点）；缺失任一侧返回 +Inf。
func (s Snapshot) SpreadBps() float64 {
	mid := s.MidPrice()
	if mid == 0 {
		return math.Inf(1)
	}
	return (s.BestAsk() - s.BestBid()) / mid * 10000
}

// Imbalance 前 levels 档的买卖量失衡，范围 [-1, 1]。
func (s Snapshot) Imbalance(levels int) float64 {
	if levels <= 0 {
		return 0
	}
	return CalculateImbalance(s.Liquidity(SideBid, levels), s.Liquidity(SideAsk, levels))
}

// Liquidity 某一侧前 levels 档的挂单量之和。
func (s Snapshot) Liquidity(side BookSide, levels int) float64 {
	book := s.Bids
	if side == SideAsk {
		book = s.Asks
	}
	total := 0.0
	for i, lvl := range book {
		if i >= levels {
			break
		}
		total += lvl.Quantity.InexactFloat64()
	}
	return total
}

// Levels 某一侧的档位数。
func (s Snapshot) Levels(side BookSide) int {
	if side == SideAsk {
		return len(s.Asks)
	}
	return len(s.Bids)
}

// EstimateFillPrice 逐档吃单估算成交均价。
// 深度不足时买单返回 +Inf、卖单返回 0。
func (s Snapshot) EstimateFillPrice(size float64, side Side) float64 {
	insufficient := 0.0
	book := s.Bids
	if side == Buy {
		insufficient = math.Inf(1)
		book = s.Asks
	}
	if size <= 0 {
		if len(book) == 0 {
			return insufficient
		}
		return book[0].Price.InexactFloat64()
	}
	remaining := size
	notional := 0.0
	for _, lvl := range book {
		qty := lvl.Quantity.InexactFloat64()
		price := lvl.Price.InexactFloat64()
		take := math.Min(qty, remaining)
		notional += take * price
		remaining -= take
		if remaining <= 1e-12 {
			return notional / size
		}
	}
	return insufficient
}

// Staleness 距离上次更新的时长；从未更新返回一个很大的值。
func (s Snapshot) Staleness(now time.Time) time.Duration {
	if s.Timestamp.IsZero() {
		return time.Duration(math.MaxInt64)
	}
	return now.Sub(s.Timestamp)
}

// IsReady 两侧有档位且未超过 maxAge。
func (s Snapshot) IsReady(now time.Time, maxAge time.Duration) bool {
	if len(s.Bids) == 0 || len(s.Asks) == 0 {
		return false
	}
	return s.Staleness(now) <= maxAge
}
