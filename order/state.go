package order

import (
	"time"

	"btc-scalper/market"
)

// Status 订单生命周期状态。
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusSubmitted Status = "SUBMITTED"
	StatusPartial   Status = "PARTIAL"
	StatusFilled    Status = "FILLED"
	StatusCancelled Status = "CANCELLED"
	StatusRejected  Status = "REJECTED"
	StatusExpired   Status = "EXPIRED"
)

// Type 下单类型。
type Type string

const (
	TypeLimit    Type = "LIMIT"
	TypeMarket   Type = "MARKET"
	TypePostOnly Type = "POST_ONLY"
)

// Order 订单视图。只有 Manager 修改订单，其他组件拿到的都是拷贝。
type Order struct {
	ID           string        `json:"id"`
	VenueID      string        `json:"venueId,omitempty"`
	DecisionID   string        `json:"decisionId,omitempty"`
	Symbol       string        `json:"symbol"`
	Side         market.Side   `json:"side"`
	Type         Type          `json:"type"`
	Price        float64       `json:"price,omitempty"`
	Quantity     float64       `json:"quantity"`
	FilledQty    float64       `json:"filledQty"`
	AvgFillPrice float64       `json:"avgFillPrice,omitempty"`
	Fees         float64       `json:"fees"`
	ReduceOnly   bool          `json:"reduceOnly,omitempty"`
	HoldTime     time.Duration `json:"holdTime,omitempty"`
	Status       Status        `json:"status"`
	LastError    string        `json:"lastError,omitempty"`
	CreatedAt    time.Time     `json:"createdAt"`
	UpdatedAt    time.Time     `json:"updatedAt"`
	ExpiresAt    time.Time     `json:"expiresAt,omitempty"`
}

// Remaining 未成交数量。
func (o Order) Remaining() float64 {
	r := o.Quantity - o.FilledQty
	if r < 0 {
		return 0
	}
	return r
}

// Request 下单请求。ID 为空时由 Manager 生成。
type Request struct {
	ID         string
	DecisionID string
	Symbol     string
	Side       market.Side
	Type       Type
	Price      float64
	Quantity   float64
	ReduceOnly bool
	TTL        time.Duration // 挂单有效期，0 表示使用默认值
	HoldTime   time.Duration // 开仓单成交后的持仓时长，重试与替换时随请求保留
}

// Fill 一笔成交。ID 在同一订单内唯一，用于下游去重。
type Fill struct {
	ID        string      `json:"id"`
	OrderID   string      `json:"orderId"`
	Side      market.Side `json:"side"`
	Price     float64     `json:"price"`
	Quantity  float64     `json:"quantity"`
	Fee       float64     `json:"fee"`
	Maker     bool        `json:"maker"`
	Timestamp time.Time   `json:"timestamp"`
}

// EventType 订单事件类型。
type EventType string

const (
	EventSubmitted EventType = "SUBMITTED"
	EventPartial   EventType = "PARTIAL"
	EventFilled    EventType = "FILLED"
	EventCancelled EventType = "CANCELLED"
	EventRejected  EventType = "REJECTED"
	EventExpired   EventType = "EXPIRED"
)

// Event 订单事件。SelfInitiated 表示撤单由本进程发起（Cancel/CancelAll）。
type Event struct {
	Type          EventType
	Order         Order
	Fill          *Fill
	Err           error
	SelfInitiated bool
}
