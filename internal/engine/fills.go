package engine

import (
	"btc-scalper/inventory"
	"btc-scalper/order"
)

// onOrderEvent 订单事件观察者。每次提交（含重试与替换）计入限频窗口；
// 成交先写持仓，平仓时再写风险指标，随后检查回撤与日亏损熔断。
// 持仓按 fill id 去重，同一成交只生效一次。
func (e *Engine) onOrderEvent(ev order.Event) {
	e.metrics.RecordOrderEvent(string(ev.Type))
	switch ev.Type {
	case order.EventSubmitted:
		e.tracker.RecordOrderPlaced()
	case order.EventCancelled, order.EventRejected, order.EventExpired:
		e.logger.LogOrder(string(ev.Type), ev.Order.ID, orderFields(ev))
	}
	if ev.Fill != nil {
		e.applyFill(ev.Order, *ev.Fill)
	}
}

func orderFields(ev order.Event) map[string]interface{} {
	fields := map[string]interface{}{
		"side":           string(ev.Order.Side),
		"type":           string(ev.Order.Type),
		"filled_qty":     ev.Order.FilledQty,
		"self_initiated": ev.SelfInitiated,
	}
	if ev.Err != nil {
		fields["error"] = ev.Err.Error()
	}
	return fields
}

func (e *Engine) applyFill(o order.Order, f order.Fill) {
	tc, applied := e.position.ApplyFill(inventory.Fill{
		ID:       o.ID + "/" + f.ID,
		Side:     f.Side,
		Price:    f.Price,
		Quantity: f.Quantity,
		Fee:      f.Fee,
		Ts:       f.Timestamp,
	})
	if !applied {
		return
	}
	e.metrics.RecordFill()
	e.statsMu.Lock()
	e.stats.Fills++
	e.statsMu.Unlock()

	// 持仓时长随订单携带，重试与替换后的新订单同样生效
	if hold := o.HoldTime; hold > 0 && !o.ReduceOnly {
		ts := f.Timestamp
		if ts.IsZero() {
			ts = e.clock.Now()
		}
		e.position.SetHoldDeadline(ts.Add(hold))
	}
	if tc == nil {
		return
	}

	equity := e.position.Equity(e.cfg.InitialEquity)
	e.tracker.RecordTradeClose(tc.PnL, equity)
	m := e.tracker.Metrics()
	e.logger.LogTrade("trade_closed", map[string]interface{}{
		"order_id":           o.ID,
		"side":               string(tc.Side),
		"quantity":           tc.Quantity,
		"entry_price":        tc.EntryPrice,
		"exit_price":         tc.ExitPrice,
		"pnl":                tc.PnL,
		"equity":             equity,
		"consecutive_losses": m.ConsecutiveLosses,
	})
	e.kill.CheckDrawdownTrigger(m.CurrentDrawdownPct)
	e.kill.CheckDailyLossTrigger(m.DailyLossPct())
}
