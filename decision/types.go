// Package decision 定义与外部 AI 决策服务之间的契约。
// 核心只透传特征，不解释其含义；任何异常响应都被替换为安全的 HOLD。
package decision

import (
	"time"
	"unicode/utf8"

	"btc-scalper/market"
)

// Action 决策动作。
type Action string

const (
	ActionBuy        Action = "BUY"
	ActionSell       Action = "SELL"
	ActionHold       Action = "HOLD"
	ActionExit       Action = "EXIT"
	ActionCloseLong  Action = "CLOSE_LONG"
	ActionCloseShort Action = "CLOSE_SHORT"
)

// Valid 是否为已知动作。
func (a Action) Valid() bool {
	switch a {
	case ActionBuy, ActionSell, ActionHold, ActionExit, ActionCloseLong, ActionCloseShort:
		return true
	}
	return false
}

// IsEntry 开仓动作（BUY/SELL）。
func (a Action) IsEntry() bool { return a == ActionBuy || a == ActionSell }

// IsActionable 除 HOLD 外都需要下单。
func (a Action) IsActionable() bool { return a.Valid() && a != ActionHold }

// OrderType 下单类型。
type OrderType string

const (
	OrderLimit    OrderType = "LIMIT"
	OrderMarket   OrderType = "MARKET"
	OrderPostOnly OrderType = "POST_ONLY"
)

// Valid 是否为已知类型。
func (t OrderType) Valid() bool {
	return t == OrderLimit || t == OrderMarket || t == OrderPostOnly
}

// MaxRationaleLen rationale 的最大字节数，超出部分按字符边界截断。
const MaxRationaleLen = 512

// Decision 决策服务返回的建议动作。
type Decision struct {
	RequestID   string    `json:"requestId"`
	Action      Action    `json:"action"`
	Size        float64   `json:"size"`
	OrderType   OrderType `json:"orderType"`
	LimitPrice  float64   `json:"limitPrice,omitempty"`
	HoldTimeMs  int64     `json:"holdTimeMs"`
	StopPrice   float64   `json:"stopPrice,omitempty"`
	TargetPrice float64   `json:"targetPrice,omitempty"`
	Confidence  float64   `json:"confidence"`
	Rationale   string    `json:"rationale"`
	Fallback    bool      `json:"fallback,omitempty"`
}

// HoldTime 以 time.Duration 表示的持仓时间。
func (d Decision) HoldTime() time.Duration {
	return time.Duration(d.HoldTimeMs) * time.Millisecond
}

// OrderIntent 结合当前净仓位给出下单方向与数量；ok=false 表示无需下单。
func (d Decision) OrderIntent(position float64) (side market.Side, qty float64, ok bool) {
	switch d.Action {
	case ActionBuy:
		return market.Buy, d.Size, d.Size > 0
	case ActionSell:
		return market.Sell, d.Size, d.Size > 0
	case ActionExit:
		if position > 0 {
			return market.Sell, position, true
		}
		if position < 0 {
			return market.Buy, -position, true
		}
	case ActionCloseLong:
		if position > 0 {
			return market.Sell, position, true
		}
	case ActionCloseShort:
		if position < 0 {
			return market.Buy, -position, true
		}
	}
	return "", 0, false
}

// Fallback 超时/错误时使用的安全决策：HOLD、最短持仓时间、零置信度。
func Fallback(requestID string, minHold time.Duration, reason string) Decision {
	return Decision{
		RequestID:  requestID,
		Action:     ActionHold,
		Size:       0,
		OrderType:  OrderLimit,
		HoldTimeMs: minHold.Milliseconds(),
		Confidence: 0,
		Rationale:  truncate("fallback: "+reason, MaxRationaleLen),
		Fallback:   true,
	}
}

// truncate 截到不超过 n 字节，且不切断多字节字符。
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// SubVector 一组带时间戳的数值特征。
type SubVector struct {
	Values    map[string]float64 `json:"values"`
	Timestamp time.Time          `json:"timestamp"`
}

// FeatureVector 外部特征计算器的输出，原样透传给决策服务。
type FeatureVector struct {
	Microstructure SubVector `json:"microstructure"`
	Momentum       SubVector `json:"momentum"`
	MeanReversion  SubVector `json:"meanReversion"`
	Volatility     SubVector `json:"volatility"`
}

// MarketSnapshot 行情摘要。
type MarketSnapshot struct {
	Symbol      string    `json:"symbol"`
	Price       float64   `json:"price"`
	Bid         float64   `json:"bid"`
	Ask         float64   `json:"ask"`
	MarkPrice   float64   `json:"markPrice,omitempty"`
	High24h     float64   `json:"high24h"`
	Low24h      float64   `json:"low24h"`
	Volume24h   float64   `json:"volume24h"`
	Change24hPc float64   `json:"change24hPct"`
	Timestamp   time.Time `json:"timestamp"`
}

// PositionSummary 当前仓位摘要。
type PositionSummary struct {
	Side          string  `json:"side"`
	Quantity      float64 `json:"quantity"`
	EntryPrice    float64 `json:"entryPrice,omitempty"`
	UnrealizedPnL float64 `json:"unrealizedPnl"`
	HoldingMs     int64   `json:"holdingMs"`
}

// RiskContext 决策请求中附带的风险标量。
type RiskContext struct {
	DailyPnLPct       float64  `json:"dailyPnlPct"`
	DrawdownPct       float64  `json:"drawdownPct"`
	ConsecutiveLosses int      `json:"consecutiveLosses"`
	NewsAvoid         bool     `json:"newsAvoid"`
	NewsFlags         []string `json:"newsFlags,omitempty"`
}

// Request 发往决策服务的请求。
type Request struct {
	ID       string          `json:"id"`
	Features FeatureVector   `json:"features"`
	Market   MarketSnapshot  `json:"market"`
	Position PositionSummary `json:"position"`
	Risk     RiskContext     `json:"risk"`
}
