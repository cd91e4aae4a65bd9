package risk

import (
	"fmt"
	"math"

	"btc-scalper/decision"
	"btc-scalper/market"
)

const (
	// SlippagePenaltyBps 深度不足时的固定滑点惩罚。
	SlippagePenaltyBps = 1000.0
	// MaxLimitDeviation 限价相对参考价的最大偏离比例。
	MaxLimitDeviation = 0.01
	// MinConfidence 可执行决策的最低置信度。
	MinConfidence = 0.3
)

// CycleState 周期开始时采集的一组一致状态。
type CycleState struct {
	Position   float64 // 带符号净仓位（BTC）
	Equity     float64
	Metrics    MetricsSnapshot
	KillSwitch KillSwitchState
}

// VetoGate 交易准入：所有检查都跑完，任何一项失败即否决。
type VetoGate struct {
	rulebook  *Rulebook
	forbidden *ForbiddenChecker
	clock     Clock
}

// NewVetoGate 组合规则集与禁止条件检查。
func NewVetoGate(rb *Rulebook, fc *ForbiddenChecker, clock Clock) *VetoGate {
	return &VetoGate{rulebook: rb, forbidden: fc, clock: orDefault(clock)}
}

// Rulebook 规则集。
func (g *VetoGate) Rulebook() *Rulebook { return g.rulebook }

// EstimateSlippageBps 以吃单侧最优价为基准估算滑点；深度不足返回惩罚值。
func EstimateSlippageBps(snap market.Snapshot, side market.Side, size float64) float64 {
	best := snap.BestAsk()
	if side == market.Sell {
		best = snap.BestBid()
	}
	if best <= 0 {
		return SlippagePenaltyBps
	}
	fill := snap.EstimateFillPrice(size, side)
	if math.IsInf(fill, 0) || fill <= 0 {
		return SlippagePenaltyBps
	}
	if side == market.Buy {
		return (fill - best) / best * 10000
	}
	return (best - fill) / best * 10000
}

// takerLiquidity 吃单侧（买单吃卖盘）全部档位的深度。
func takerLiquidity(snap market.Snapshot, side market.Side) float64 {
	if side == market.Sell {
		return snap.Liquidity(market.SideBid, market.MaxLevels)
	}
	return snap.Liquidity(market.SideAsk, market.MaxLevels)
}

// Evaluate 顺序：熔断开关 → 禁止条件 → 规则集 → 决策合理性。
func (g *VetoGate) Evaluate(d decision.Decision, snap market.Snapshot, ref float64, st CycleState) Veto {
	now := g.clock.Now()
	checks := make([]CheckResult, 0, 24)

	checks = append(checks, g.rulebook.CheckKillSwitch(st.KillSwitch))

	fr := g.forbidden.Check(snap, ref)
	for _, e := range fr.Evaluations {
		name := ForbiddenCheckPrefix + string(e.Condition)
		if e.Active {
			checks = append(checks, failed(name, e.Reason, e.Observed, e.Limit))
		} else {
			checks = append(checks, passed(name, e.Observed, e.Limit))
		}
	}

	side, qty, _ := d.OrderIntent(st.Position)
	if side == "" {
		side = market.Buy
	}
	ctx := DecisionContext{
		Position:       st.Position,
		ReferencePrice: ref,
		Equity:         st.Equity,
		Metrics:        st.Metrics,
		KillSwitch:     st.KillSwitch,
		SpreadBps:      snap.SpreadBps(),
		SlippageBps:    EstimateSlippageBps(snap, side, qty),
		Liquidity:      takerLiquidity(snap, side),
		Timestamp:      now,
	}
	// 规则集自带的 kill_switch 已在首位评估过。
	for _, c := range g.rulebook.ValidateDecision(d, ctx) {
		if c.Name == CheckKillSwitch {
			continue
		}
		checks = append(checks, c)
	}

	checks = append(checks, g.sanity(d, st.Position, ref)...)
	return Veto{DecisionID: d.RequestID, Checks: stamp(checks, now), Timestamp: now}
}

func (g *VetoGate) sanity(d decision.Decision, position, ref float64) []CheckResult {
	var out []CheckResult

	if !d.Action.Valid() {
		out = append(out, failed(CheckAction, fmt.Sprintf("unknown action %q", d.Action), 0, 0))
		return out
	}

	if d.LimitPrice > 0 && d.OrderType != decision.OrderMarket {
		dev := math.Inf(1)
		if ref > 0 {
			dev = math.Abs(d.LimitPrice-ref) / ref
		}
		if dev > MaxLimitDeviation {
			out = append(out, failed(CheckLimitPrice,
				fmt.Sprintf("limit price %.2f is %.3f%% from reference %.2f", d.LimitPrice, dev*100, ref), dev, MaxLimitDeviation))
		} else {
			out = append(out, passed(CheckLimitPrice, dev, MaxLimitDeviation))
		}
	}

	if d.Action.IsEntry() {
		if !(d.Size > 0) {
			out = append(out, failed(CheckEntrySize, fmt.Sprintf("entry size %.6f is not positive", d.Size), d.Size, 0))
		} else {
			out = append(out, passed(CheckEntrySize, d.Size, 0))
		}
	}

	if d.Action.IsActionable() {
		if !(d.Confidence >= MinConfidence) {
			out = append(out, failed(CheckConfidence, fmt.Sprintf("confidence %.2f below %.2f", d.Confidence, MinConfidence), d.Confidence, MinConfidence))
		} else {
			out = append(out, passed(CheckConfidence, d.Confidence, MinConfidence))
		}
	}

	switch d.Action {
	case decision.ActionExit, decision.ActionCloseLong, decision.ActionCloseShort:
		if _, _, ok := d.OrderIntent(position); !ok {
			out = append(out, failed(CheckCloseable, fmt.Sprintf("%s with position %.6f", d.Action, position), position, 0))
		} else {
			out = append(out, passed(CheckCloseable, position, 0))
		}
	}
	return out
}
