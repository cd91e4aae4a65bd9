package order

import (
	"context"
	"math"
	"time"

	"go.uber.org/zap"

	"btc-scalper/inventory"
	"btc-scalper/market"
	"btc-scalper/risk"
)

// ShutdownReport 紧急停机结果。
type ShutdownReport struct {
	Reason          string    `json:"reason"`
	KillSwitchNew   bool      `json:"killSwitchNew"`
	CancelledOrders int       `json:"cancelledOrders"`
	PositionFlagged bool      `json:"positionFlagged"`
	FlattenOrderID  string    `json:"flattenOrderId,omitempty"`
	FlattenError    string    `json:"flattenError,omitempty"`
	At              time.Time `json:"at"`
}

// EmergencyShutdown 熔断 + 撤销全部挂单 + 标记平仓，可选市价平仓。
type EmergencyShutdown struct {
	kill     *risk.KillSwitch
	orders   *Manager
	position *inventory.Position
	flatten  bool
	logger   *zap.Logger
}

// NewEmergencyShutdown flatten=true 时会以只减仓市价单平掉剩余持仓。
func NewEmergencyShutdown(kill *risk.KillSwitch, orders *Manager, position *inventory.Position, flatten bool, logger *zap.Logger) *EmergencyShutdown {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EmergencyShutdown{kill: kill, orders: orders, position: position, flatten: flatten, logger: logger}
}

// Execute 可重复调用；熔断已激活时仍会撤单和标记持仓。
// 平仓单直接交给 Manager，不经过准入检查（熔断激活时准入必然拒绝）。
func (e *EmergencyShutdown) Execute(ctx context.Context, reason string) ShutdownReport {
	if reason == "" {
		reason = "emergency shutdown"
	}
	rep := ShutdownReport{Reason: reason, At: time.Now().UTC()}
	rep.KillSwitchNew = e.kill.Activate(risk.TriggerEmergency, reason)
	rep.CancelledOrders = e.orders.CancelAll(ctx)

	qty := e.position.Quantity()
	if math.Abs(qty) > 0 {
		e.position.FlagForClose(reason)
		rep.PositionFlagged = true
	}

	if e.flatten && qty != 0 {
		side := market.Sell
		if qty < 0 {
			side = market.Buy
		}
		o, err := e.orders.Submit(ctx, Request{
			Side:       side,
			Type:       TypeMarket,
			Quantity:   math.Abs(qty),
			ReduceOnly: true,
		})
		rep.FlattenOrderID = o.ID
		if err != nil {
			rep.FlattenError = err.Error()
		}
	}

	e.logger.Error("emergency shutdown executed",
		zap.String("reason", reason),
		zap.Int("cancelled_orders", rep.CancelledOrders),
		zap.Bool("position_flagged", rep.PositionFlagged),
		zap.String("flatten_order_id", rep.FlattenOrderID),
		zap.String("flatten_error", rep.FlattenError))
	return rep
}
