package market

import (
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

const (
	// MaxLevels 每一侧保留的最大档位数。
	MaxLevels = 20
	// DefaultMaxAge 超过该时间没有更新即视为行情陈旧。
	DefaultMaxAge = 5 * time.Second
)

// PriceLevel 单个价格档位，数量为 0 表示删除。
type PriceLevel struct {
	Price    decimal.Decimal
	Quantity decimal.Decimal
}

// Level 便于测试/解析构造档位。
func Level(price, qty float64) PriceLevel {
	return PriceLevel{Price: decimal.NewFromFloat(price), Quantity: decimal.NewFromFloat(qty)}
}

// LevelUpdate 对应一条带序号的深度消息。Snapshot 为 true 时是有限档快照（depth20），
// 整体替换两侧；否则按档位增量合并。
type LevelUpdate struct {
	Symbol       string
	SequenceLow  uint64
	SequenceHigh uint64
	Bids         []PriceLevel
	Asks         []PriceLevel
	Snapshot     bool
	Ts           time.Time
}

// TopOfBook 对应只推送最优一档的行情（bookTicker）。
type TopOfBook struct {
	Symbol   string
	Sequence uint64
	Bid      PriceLevel
	Ask      PriceLevel
	Ts       time.Time
}

// ReferencePrice 独立于盘口的参考价（标记价格），用于偏离检查。
type ReferencePrice struct {
	Symbol string
	Price  decimal.Decimal
	Index  decimal.Decimal
	Ts     time.Time
}

// OrderBook 本地盘口副本：行情协程写入，引擎读取快照。
// 深度流与 bookTicker 各自维护序号，互不阻挡。
type OrderBook struct {
	mu        sync.RWMutex
	symbol    string
	bids      []PriceLevel // 价格降序
	asks      []PriceLevel // 价格升序
	seq       uint64       // 深度流
	hasSeq    bool
	topSeq    uint64 // bookTicker
	hasTopSeq bool
	lastTop   TopOfBook
	ref       decimal.Decimal
	refTs     time.Time
	updatedAt time.Time
	feedLost  bool
	discarded uint64

	maxAge time.Duration
	now    func() time.Time
}

// NewOrderBook 创建盘口副本。
func NewOrderBook(symbol string) *OrderBook {
	return &OrderBook{
		symbol: symbol,
		bids:   make([]PriceLevel, 0, MaxLevels),
		asks:   make([]PriceLevel, 0, MaxLevels),
		maxAge: DefaultMaxAge,
		now:    time.Now,
	}
}

// SetMaxAge 调整陈旧阈值。
func (ob *OrderBook) SetMaxAge(d time.Duration) {
	if d <= 0 {
		return
	}
	ob.mu.Lock()
	ob.maxAge = d
	ob.mu.Unlock()
}

// SetClock 注入时钟（测试用）。
func (ob *OrderBook) SetClock(now func() time.Time) {
	ob.mu.Lock()
	ob.now = now
	ob.mu.Unlock()
}

// ApplyUpdate 合并深度消息；序号不大于深度流已应用序号或档位非法的更新被丢弃。
func (ob *OrderBook) ApplyUpdate(u LevelUpdate) bool {
	if !validLevels(u.Bids) || !validLevels(u.Asks) {
		ob.countDiscard()
		return false
	}
	ob.mu.Lock()
	defer ob.mu.Unlock()
	if ob.hasSeq && u.SequenceHigh <= ob.seq {
		ob.discarded++
		return false
	}
	if u.Snapshot {
		ob.bids = replaceLevels(ob.bids, u.Bids, true)
		ob.asks = replaceLevels(ob.asks, u.Asks, false)
	} else {
		for _, lvl := range u.Bids {
			ob.bids = upsertLevel(ob.bids, lvl, true)
		}
		for _, lvl := range u.Asks {
			ob.asks = upsertLevel(ob.asks, lvl, false)
		}
	}
	ob.uncross(len(u.Bids) > 0)
	// 快照可能落后于已收到的 bookTicker，最优一档以较新的为准
	if u.Snapshot && ob.hasTopSeq && ob.topSeq > u.SequenceHigh {
		ob.overlayTop(ob.lastTop)
	}
	ob.bids = truncate(ob.bids)
	ob.asks = truncate(ob.asks)
	ob.seq = u.SequenceHigh
	ob.hasSeq = true
	ob.touch(u.Ts)
	return true
}

// ApplyTopOfBook 只更新最优一档：高于新买一的买档、低于新卖一的卖档被移除。
// 序号只与 bookTicker 自身比较。
func (ob *OrderBook) ApplyTopOfBook(t TopOfBook) bool {
	if !validLevel(t.Bid) || !validLevel(t.Ask) {
		ob.countDiscard()
		return false
	}
	ob.mu.Lock()
	defer ob.mu.Unlock()
	if ob.hasTopSeq && t.Sequence <= ob.topSeq {
		ob.discarded++
		return false
	}
	ob.overlayTop(t)
	ob.bids = truncate(ob.bids)
	ob.asks = truncate(ob.asks)
	ob.topSeq = t.Sequence
	ob.hasTopSeq = true
	ob.lastTop = t
	ob.touch(t.Ts)
	return true
}

// ApplyReference 写入参考价；价格非正或时间早于已有参考价的更新被丢弃。
func (ob *OrderBook) ApplyReference(r ReferencePrice) bool {
	if !r.Price.IsPositive() {
		ob.countDiscard()
		return false
	}
	ob.mu.Lock()
	defer ob.mu.Unlock()
	ts := r.Ts
	if ts.IsZero() {
		ts = ob.now()
	}
	if !ob.refTs.IsZero() && ts.Before(ob.refTs) {
		ob.discarded++
		return false
	}
	ob.ref = r.Price
	ob.refTs = ts
	return true
}

// overlayTop 需持有 ob.mu。
func (ob *OrderBook) overlayTop(t TopOfBook) {
	if t.Bid.Price.IsPositive() {
		i := 0
		for i < len(ob.bids) && ob.bids[i].Price.GreaterThan(t.Bid.Price) {
			i++
		}
		ob.bids = ob.bids[i:]
		ob.bids = upsertLevel(ob.bids, t.Bid, true)
	}
	if t.Ask.Price.IsPositive() {
		i := 0
		for i < len(ob.asks) && ob.asks[i].Price.LessThan(t.Ask.Price) {
			i++
		}
		ob.asks = ob.asks[i:]
		ob.asks = upsertLevel(ob.asks, t.Ask, false)
	}
	ob.uncross(t.Bid.Price.IsPositive())
}

// Reset 清空盘口、参考价与序号（重连后重新同步）。
func (ob *OrderBook) Reset() {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	ob.bids = ob.bids[:0]
	ob.asks = ob.asks[:0]
	ob.seq, ob.topSeq = 0, 0
	ob.hasSeq, ob.hasTopSeq = false, false
	ob.lastTop = TopOfBook{}
	ob.ref = decimal.Decimal{}
	ob.refTs = time.Time{}
	ob.updatedAt = time.Time{}
}

// MarkFeedLost 行情断开后在下一次成功更新前都视为未就绪。
func (ob *OrderBook) MarkFeedLost() {
	ob.mu.Lock()
	ob.feedLost = true
	ob.mu.Unlock()
}

// IsReady 两侧都有档位、行情未断开且未陈旧。
func (ob *OrderBook) IsReady() bool {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	if ob.feedLost || len(ob.bids) == 0 || len(ob.asks) == 0 {
		return false
	}
	return ob.now().Sub(ob.updatedAt) <= ob.maxAge
}

// Snapshot 返回深拷贝，读方不会看到写入中的中间状态。
func (ob *OrderBook) Snapshot() Snapshot {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	s := Snapshot{
		Symbol:      ob.symbol,
		Timestamp:   ob.updatedAt,
		Sequence:    ob.sequence(),
		Bids:        make([]PriceLevel, len(ob.bids)),
		Asks:        make([]PriceLevel, len(ob.asks)),
		Reference:   ob.ref.InexactFloat64(),
		ReferenceTs: ob.refTs,
	}
	copy(s.Bids, ob.bids)
	copy(s.Asks, ob.asks)
	return s
}

// Sequence 两个流中较大的已应用序号。
func (ob *OrderBook) Sequence() uint64 {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	return ob.sequence()
}

func (ob *OrderBook) sequence() uint64 {
	return max(ob.seq, ob.topSeq)
}

// Discarded 被丢弃的更新数（乱序/非法）。
func (ob *OrderBook) Discarded() uint64 {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	return ob.discarded
}

func (ob *OrderBook) countDiscard() {
	ob.mu.Lock()
	ob.discarded++
	ob.mu.Unlock()
}

func (ob *OrderBook) touch(ts time.Time) {
	ob.feedLost = false
	if ts.IsZero() {
		ts = ob.now()
	}
	ob.updatedAt = ts
}

// uncross 出现交叉时以本次更新的一侧为准，剔除另一侧的过期档位。
func (ob *OrderBook) uncross(bidsFresh bool) {
	if len(ob.bids) == 0 || len(ob.asks) == 0 {
		return
	}
	if ob.bids[0].Price.LessThan(ob.asks[0].Price) {
		return
	}
	if bidsFresh {
		best := ob.bids[0].Price
		i := 0
		for i < len(ob.asks) && ob.asks[i].Price.LessThanOrEqual(best) {
			i++
		}
		ob.asks = ob.asks[i:]
		return
	}
	best := ob.asks[0].Price
	i := 0
	for i < len(ob.bids) && ob.bids[i].Price.GreaterThanOrEqual(best) {
		i++
	}
	ob.bids = ob.bids[i:]
}

// upsertLevel 在有序切片中插入/替换/删除一个档位。
func upsertLevel(levels []PriceLevel, lvl PriceLevel, desc bool) []PriceLevel {
	idx := sort.Search(len(levels), func(i int) bool {
		if desc {
			return levels[i].Price.LessThanOrEqual(lvl.Price)
		}
		return levels[i].Price.GreaterThanOrEqual(lvl.Price)
	})
	exists := idx < len(levels) && levels[idx].Price.Equal(lvl.Price)
	switch {
	case lvl.Quantity.IsZero() && exists:
		return append(levels[:idx], levels[idx+1:]...)
	case lvl.Quantity.IsZero():
		return levels
	case exists:
		levels[idx].Quantity = lvl.Quantity
		return levels
	}
	levels = append(levels, PriceLevel{})
	copy(levels[idx+1:], levels[idx:])
	levels[idx] = lvl
	return levels
}

// replaceLevels 用快照档位整体替换一侧，复用底层数组。
func replaceLevels(dst, src []PriceLevel, desc bool) []PriceLevel {
	dst = dst[:0]
	for _, lvl := range src {
		dst = upsertLevel(dst, lvl, desc)
	}
	return dst
}

func truncate(levels []PriceLevel) []PriceLevel {
	if len(levels) > MaxLevels {
		return levels[:MaxLevels]
	}
	return levels
}

func validLevel(l PriceLevel) bool {
	if l.Price.IsZero() && l.Quantity.IsZero() {
		// bookTicker 某一侧为空
		return true
	}
	return l.Price.IsPositive() && !l.Quantity.IsNegative()
}

func validLevels(levels []PriceLevel) bool {
	for _, l := range levels {
		if !l.Price.IsPositive() || l.Quantity.IsNegative() {
			return false
		}
	}
	return true
}
