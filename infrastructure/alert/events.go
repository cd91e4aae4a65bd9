package alert

import (
	"btc-scalper/market"
	"btc-scalper/order"
	"btc-scalper/risk"
)

// KillSwitchActivated 熔断激活告警，注册到 KillSwitch.OnActivate。
func (m *Manager) KillSwitchActivated(state risk.KillSwitchState) error {
	return m.SendCritical("kill switch activated", map[string]interface{}{
		"trigger":             string(state.Trigger),
		"reason":              state.Reason,
		"activated_at":        state.ActivatedAt,
		"cooldown_expires_at": state.CooldownExpiresAt,
	})
}

// RetryEvent 只对永久失败告警。
func (m *Manager) RetryEvent(ev order.RetryEvent) error {
	if ev.Kind != order.PermanentFailure {
		return nil
	}
	return m.SendError("order permanently failed", map[string]interface{}{
		"order_id": ev.OrderID,
		"attempts": ev.Attempts,
		"reason":   ev.Reason,
	})
}

// FeedEvent 断线为 WARNING，彻底丢失为 CRITICAL。
func (m *Manager) FeedEvent(ev market.FeedEvent) error {
	fields := map[string]interface{}{"attempt": ev.Attempt}
	if ev.Err != nil {
		fields["error"] = ev.Err.Error()
	}
	switch ev.Type {
	case market.FeedDisconnected:
		return m.SendWarning("market feed disconnected", fields)
	case market.FeedLost:
		return m.SendCritical("market feed lost", fields)
	}
	return nil
}
