package risk

import (
	"encoding/json"
	"math"
	"time"
)

// 检查项名称，审计日志按名称聚合。
const (
	CheckKillSwitch        = "kill_switch"
	CheckPositionSize      = "position_size"
	CheckExposure          = "exposure"
	CheckDailyLoss         = "daily_loss"
	CheckDrawdown          = "drawdown"
	CheckSpread            = "spread"
	CheckSlippage          = "slippage"
	CheckLiquidity         = "liquidity"
	CheckHoldTime          = "hold_time"
	CheckOrderRate         = "order_rate"
	CheckConsecutiveLosses = "consecutive_losses"
	CheckLeverage          = "leverage"

	CheckAction     = "action"
	CheckLimitPrice = "limit_price"
	CheckEntrySize  = "entry_size"
	CheckConfidence = "confidence"
	CheckCloseable  = "closeable_position"

	// ForbiddenCheckPrefix 禁止条件在 Veto 中的名称前缀。
	ForbiddenCheckPrefix = "forbidden:"
)

// CheckResult 单项检查的结果，纯值对象。Timestamp 由评估方统一写入，检查方法本身不读时钟。
type CheckResult struct {
	Name      string    `json:"name"`
	Passed    bool      `json:"passed"`
	Reason    string    `json:"reason,omitempty"`
	Observed  float64   `json:"observed"`
	Limit     float64   `json:"limit"`
	Timestamp time.Time `json:"timestamp"`
}

// MarshalJSON 把 Inf/NaN 写成 null，JSON 不支持这两种值。
func (c CheckResult) MarshalJSON() ([]byte, error) {
	type alias CheckResult
	out := struct {
		alias
		Observed *float64 `json:"observed"`
		Limit    *float64 `json:"limit"`
	}{alias: alias(c), Observed: finite(c.Observed), Limit: finite(c.Limit)}
	return json.Marshal(out)
}

func finite(v float64) *float64 {
	if math.IsInf(v, 0) || math.IsNaN(v) {
		return nil
	}
	return &v
}

func passed(name string, observed, limit float64) CheckResult {
	return CheckResult{Name: name, Passed: true, Observed: observed, Limit: limit}
}

func failed(name, reason string, observed, limit float64) CheckResult {
	if reason == "" {
		reason = name + " check failed"
	}
	return CheckResult{Name: name, Passed: false, Reason: reason, Observed: observed, Limit: limit}
}

func stamp(results []CheckResult, ts time.Time) []CheckResult {
	for i := range results {
		results[i].Timestamp = ts
	}
	return results
}

// Veto 准入结论。Vetoed 由 Checks 推导，不能单独设置。
type Veto struct {
	DecisionID string        `json:"decisionId"`
	Checks     []CheckResult `json:"checks"`
	Timestamp  time.Time     `json:"timestamp"`
}

// Vetoed 至少一项检查失败。
func (v Veto) Vetoed() bool {
	for _, c := range v.Checks {
		if !c.Passed {
			return true
		}
	}
	return false
}

// FailedChecks 按评估顺序返回失败项名称。
func (v Veto) FailedChecks() []string {
	var names []string
	for _, c := range v.Checks {
		if !c.Passed {
			names = append(names, c.Name)
		}
	}
	return names
}

// Reasons 失败原因，用于日志/告警。
func (v Veto) Reasons() []string {
	var out []string
	for _, c := range v.Checks {
		if !c.Passed {
			out = append(out, c.Reason)
		}
	}
	return out
}

// MarshalJSON 附带派生字段，审计日志不需要重新计算。
func (v Veto) MarshalJSON() ([]byte, error) {
	type alias Veto
	return json.Marshal(struct {
		alias
		Vetoed       bool     `json:"vetoed"`
		FailedChecks []string `json:"failedChecks"`
	}{alias: alias(v), Vetoed: v.Vetoed(), FailedChecks: v.FailedChecks()})
}
