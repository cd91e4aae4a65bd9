package risk

import (
	"fmt"
	"math"
	"time"

	"btc-scalper/decision"
	"btc-scalper/market"
)

// RulebookConfig 硬性风控上限。构造并校验后只读。
type RulebookConfig struct {
	MaxPositionBTC       float64       // 最大持仓（BTC）
	MaxExposurePct       float64       // 单笔名义价值 / 权益（%）
	MaxDailyLossPct      float64       // 日内最大亏损（%）
	MaxDrawdownPct       float64       // 最大回撤（%）
	MaxConsecutiveLosses int           // 最大连续亏损笔数
	MaxSpreadBps         float64       // 最大价差（bps）
	MaxSlippageBps       float64       // 最大滑点（bps）
	MinLiquidityBTC      float64       // 吃单侧最小深度（BTC）
	MinHoldTime          time.Duration // 最短持仓时间
	MaxHoldTime          time.Duration // 最长持仓时间
	MaxOrdersPerMinute   int
	MaxOrdersPerHour     int
	MaxLeverage          float64 // 总持仓名义价值 / 权益
}

// DefaultRulebookConfig 默认上限。
func DefaultRulebookConfig() RulebookConfig {
	return RulebookConfig{
		MaxPositionBTC:       0.5,
		MaxExposurePct:       5,
		MaxDailyLossPct:      2,
		MaxDrawdownPct:       5,
		MaxConsecutiveLosses: 5,
		MaxSpreadBps:         10,
		MaxSlippageBps:       5,
		MinLiquidityBTC:      10,
		MinHoldTime:          5 * time.Second,
		MaxHoldTime:          300 * time.Second,
		MaxOrdersPerMinute:   10,
		MaxOrdersPerHour:     100,
		MaxLeverage:          3,
	}
}

// RulebookOverrides 可选覆盖项，nil 表示沿用默认值。
type RulebookOverrides struct {
	MaxPositionBTC       *float64 `yaml:"maxPositionBtc"`
	MaxExposurePct       *float64 `yaml:"maxExposurePct"`
	MaxDailyLossPct      *float64 `yaml:"maxDailyLossPct"`
	MaxDrawdownPct       *float64 `yaml:"maxDrawdownPct"`
	MaxConsecutiveLosses *int     `yaml:"maxConsecutiveLosses"`
	MaxSpreadBps         *float64 `yaml:"maxSpreadBps"`
	MaxSlippageBps       *float64 `yaml:"maxSlippageBps"`
	MinLiquidityBTC      *float64 `yaml:"minLiquidityBtc"`
	MinHoldTimeMs        *int64   `yaml:"minHoldTimeMs"`
	MaxHoldTimeMs        *int64   `yaml:"maxHoldTimeMs"`
	MaxOrdersPerMinute   *int     `yaml:"maxOrdersPerMinute"`
	MaxOrdersPerHour     *int     `yaml:"maxOrdersPerHour"`
	MaxLeverage          *float64 `yaml:"maxLeverage"`
}

func (o RulebookOverrides) apply(c RulebookConfig) RulebookConfig {
	setF := func(dst *float64, v *float64) {
		if v != nil {
			*dst = *v
		}
	}
	setI := func(dst *int, v *int) {
		if v != nil {
			*dst = *v
		}
	}
	setF(&c.MaxPositionBTC, o.MaxPositionBTC)
	setF(&c.MaxExposurePct, o.MaxExposurePct)
	setF(&c.MaxDailyLossPct, o.MaxDailyLossPct)
	setF(&c.MaxDrawdownPct, o.MaxDrawdownPct)
	setI(&c.MaxConsecutiveLosses, o.MaxConsecutiveLosses)
	setF(&c.MaxSpreadBps, o.MaxSpreadBps)
	setF(&c.MaxSlippageBps, o.MaxSlippageBps)
	setF(&c.MinLiquidityBTC, o.MinLiquidityBTC)
	if o.MinHoldTimeMs != nil {
		c.MinHoldTime = time.Duration(*o.MinHoldTimeMs) * time.Millisecond
	}
	if o.MaxHoldTimeMs != nil {
		c.MaxHoldTime = time.Duration(*o.MaxHoldTimeMs) * time.Millisecond
	}
	setI(&c.MaxOrdersPerMinute, o.MaxOrdersPerMinute)
	setI(&c.MaxOrdersPerHour, o.MaxOrdersPerHour)
	setF(&c.MaxLeverage, o.MaxLeverage)
	return c
}

// Validate 检查声明的取值范围。
func (c RulebookConfig) Validate() error {
	inRange := func(name string, v, lo, hi float64, loInclusive bool) error {
		if math.IsNaN(v) || v > hi || v < lo || (!loInclusive && v == lo) {
			return fmt.Errorf("%w: %s=%v out of range", ErrInvalidRulebook, name, v)
		}
		return nil
	}
	checks := []error{
		inRange("maxPositionBtc", c.MaxPositionBTC, 0, 10, false),
		inRange("maxExposurePct", c.MaxExposurePct, 0, 100, false),
		inRange("maxDailyLossPct", c.MaxDailyLossPct, 0, 100, false),
		inRange("maxDrawdownPct", c.MaxDrawdownPct, 0, 100, false),
		inRange("maxConsecutiveLosses", float64(c.MaxConsecutiveLosses), 1, 1000, true),
		inRange("maxSpreadBps", c.MaxSpreadBps, 0, 1000, false),
		inRange("maxSlippageBps", c.MaxSlippageBps, 0, 1000, false),
		inRange("minLiquidityBtc", c.MinLiquidityBTC, 0, 10000, true),
		inRange("maxOrdersPerMinute", float64(c.MaxOrdersPerMinute), 1, 10000, true),
		inRange("maxOrdersPerHour", float64(c.MaxOrdersPerHour), 1, 100000, true),
		inRange("maxLeverage", c.MaxLeverage, 1, 125, true),
	}
	for _, err := range checks {
		if err != nil {
			return err
		}
	}
	if c.MinHoldTime <= 0 {
		return fmt.Errorf("%w: minHoldTime must be > 0", ErrInvalidRulebook)
	}
	if c.MaxHoldTime < c.MinHoldTime || c.MaxHoldTime > 24*time.Hour {
		return fmt.Errorf("%w: maxHoldTime must be within [minHoldTime, 24h]", ErrInvalidRulebook)
	}
	if c.MaxOrdersPerHour < c.MaxOrdersPerMinute {
		return fmt.Errorf("%w: maxOrdersPerHour must be >= maxOrdersPerMinute", ErrInvalidRulebook)
	}
	return nil
}

// Rulebook 冻结后的规则集合，所有字段只读，检查方法是纯函数。
type Rulebook struct {
	cfg RulebookConfig
}

// NewRulebook 默认值合并覆盖项并校验；校验失败不可继续运行。
func NewRulebook(overrides RulebookOverrides) (*Rulebook, error) {
	cfg := overrides.apply(DefaultRulebookConfig())
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Rulebook{cfg: cfg}, nil
}

// Config 返回配置副本。
func (r *Rulebook) Config() RulebookConfig { return r.cfg }

// BoundHoldTime 把外部建议的持仓时间夹到合法区间。
func (r *Rulebook) BoundHoldTime(d time.Duration) time.Duration {
	if d < r.cfg.MinHoldTime {
		return r.cfg.MinHoldTime
	}
	if d > r.cfg.MaxHoldTime {
		return r.cfg.MaxHoldTime
	}
	return d
}

// BoundPositionSize 把外部建议的下单量夹到 [0, MaxPositionBTC]。
func (r *Rulebook) BoundPositionSize(size float64) float64 {
	if size <= 0 || math.IsNaN(size) {
		return 0
	}
	return math.Min(size, r.cfg.MaxPositionBTC)
}

// CheckPositionSize 检查下单后的绝对持仓。
func (r *Rulebook) CheckPositionSize(size float64) CheckResult {
	limit := r.cfg.MaxPositionBTC
	if size > limit {
		return failed(CheckPositionSize, fmt.Sprintf("position %.6f BTC exceeds max %.6f BTC", size, limit), size, limit)
	}
	return passed(CheckPositionSize, size, limit)
}

// CheckExposure 单笔名义价值占权益百分比。
func (r *Rulebook) CheckExposure(notional, equity float64) CheckResult {
	limit := r.cfg.MaxExposurePct
	if equity <= 0 {
		return failed(CheckExposure, "equity is not positive", math.Inf(1), limit)
	}
	pct := notional / equity * 100
	if pct > limit {
		return failed(CheckExposure, fmt.Sprintf("exposure %.2f%% exceeds max %.2f%%", pct, limit), pct, limit)
	}
	return passed(CheckExposure, pct, limit)
}

// CheckDailyLoss lossPct 为正数表示亏损百分比。
func (r *Rulebook) CheckDailyLoss(lossPct float64) CheckResult {
	limit := r.cfg.MaxDailyLossPct
	if lossPct >= limit {
		return failed(CheckDailyLoss, fmt.Sprintf("daily loss %.2f%% reached max %.2f%%", lossPct, limit), lossPct, limit)
	}
	return passed(CheckDailyLoss, lossPct, limit)
}

// CheckDrawdown 回撤百分比。
func (r *Rulebook) CheckDrawdown(drawdownPct float64) CheckResult {
	limit := r.cfg.MaxDrawdownPct
	if drawdownPct >= limit {
		return failed(CheckDrawdown, fmt.Sprintf("drawdown %.2f%% reached max %.2f%%", drawdownPct, limit), drawdownPct, limit)
	}
	return passed(CheckDrawdown, drawdownPct, limit)
}

// CheckSpread 价差（bps）。
func (r *Rulebook) CheckSpread(spreadBps float64) CheckResult {
	limit := r.cfg.MaxSpreadBps
	if !(spreadBps <= limit) {
		return failed(CheckSpread, fmt.Sprintf("spread %.2f bps exceeds max %.2f bps", spreadBps, limit), spreadBps, limit)
	}
	return passed(CheckSpread, spreadBps, limit)
}

// CheckSlippage 预估滑点（bps）。
func (r *Rulebook) CheckSlippage(slippageBps float64) CheckResult {
	limit := r.cfg.MaxSlippageBps
	if !(slippageBps <= limit) {
		return failed(CheckSlippage, fmt.Sprintf("estimated slippage %.2f bps exceeds max %.2f bps", slippageBps, limit), slippageBps, limit)
	}
	return passed(CheckSlippage, slippageBps, limit)
}

// CheckLiquidity 吃单侧深度（BTC）。
func (r *Rulebook) CheckLiquidity(liquidity float64) CheckResult {
	limit := r.cfg.MinLiquidityBTC
	if liquidity < limit {
		return failed(CheckLiquidity, fmt.Sprintf("liquidity %.4f BTC below min %.4f BTC", liquidity, limit), liquidity, limit)
	}
	return passed(CheckLiquidity, liquidity, limit)
}

// CheckHoldTime 先夹取再检查，observed 为夹取后的毫秒数。
func (r *Rulebook) CheckHoldTime(proposed time.Duration) CheckResult {
	bounded := r.BoundHoldTime(proposed)
	observed := float64(bounded.Milliseconds())
	limit := float64(r.cfg.MaxHoldTime.Milliseconds())
	if bounded < r.cfg.MinHoldTime || bounded > r.cfg.MaxHoldTime {
		return failed(CheckHoldTime, fmt.Sprintf("hold time %dms outside [%d, %d]ms", bounded.Milliseconds(),
			r.cfg.MinHoldTime.Milliseconds(), r.cfg.MaxHoldTime.Milliseconds()), observed, limit)
	}
	res := passed(CheckHoldTime, observed, limit)
	if bounded != proposed {
		res.Reason = fmt.Sprintf("clamped from %dms", proposed.Milliseconds())
	}
	return res
}

// CheckOrderRate 再下一单是否会超出分钟/小时限频。
func (r *Rulebook) CheckOrderRate(lastMinute, lastHour int) CheckResult {
	if lastMinute >= r.cfg.MaxOrdersPerMinute {
		return failed(CheckOrderRate, fmt.Sprintf("%d orders in last minute, max %d", lastMinute, r.cfg.MaxOrdersPerMinute),
			float64(lastMinute), float64(r.cfg.MaxOrdersPerMinute))
	}
	if lastHour >= r.cfg.MaxOrdersPerHour {
		return failed(CheckOrderRate, fmt.Sprintf("%d orders in last hour, max %d", lastHour, r.cfg.MaxOrdersPerHour),
			float64(lastHour), float64(r.cfg.MaxOrdersPerHour))
	}
	return passed(CheckOrderRate, float64(lastMinute), float64(r.cfg.MaxOrdersPerMinute))
}

// CheckConsecutiveLosses 连续亏损笔数。
func (r *Rulebook) CheckConsecutiveLosses(n int) CheckResult {
	limit := float64(r.cfg.MaxConsecutiveLosses)
	if n >= r.cfg.MaxConsecutiveLosses {
		return failed(CheckConsecutiveLosses, fmt.Sprintf("%d consecutive losses, max %d", n, r.cfg.MaxConsecutiveLosses), float64(n), limit)
	}
	return passed(CheckConsecutiveLosses, float64(n), limit)
}

// CheckLeverage 总名义价值 / 权益。
func (r *Rulebook) CheckLeverage(leverage float64) CheckResult {
	limit := r.cfg.MaxLeverage
	if !(leverage <= limit) {
		return failed(CheckLeverage, fmt.Sprintf("leverage %.2fx exceeds max %.2fx", leverage, limit), leverage, limit)
	}
	return passed(CheckLeverage, leverage, limit)
}

// CheckKillSwitch 熔断开关激活时一律拒绝。
func (r *Rulebook) CheckKillSwitch(state KillSwitchState) CheckResult {
	if state.Active {
		reason := fmt.Sprintf("kill switch active (%s): %s", state.Trigger, state.Reason)
		return failed(CheckKillSwitch, reason, 1, 0)
	}
	return passed(CheckKillSwitch, 0, 0)
}

// DecisionContext ValidateDecision 的输入，由调用方在周期开始时一次性采集。
type DecisionContext struct {
	Position       float64 // 带符号净仓位（BTC）
	ReferencePrice float64
	Equity         float64
	Metrics        MetricsSnapshot
	KillSwitch     KillSwitchState
	SpreadBps      float64
	SlippageBps    float64
	Liquidity      float64
	Timestamp      time.Time // 写入每项结果，由调用方在周期开始时取一次
}

// ValidateDecision 跑完整组检查，不在首个失败处短路，审计需要每一项的结果。
func (r *Rulebook) ValidateDecision(d decision.Decision, ctx DecisionContext) []CheckResult {
	side, qty, _ := d.OrderIntent(ctx.Position)
	// 开仓量先夹取再检查；平仓量跟随现有仓位，不夹取
	proposed := qty
	if d.Action.IsEntry() {
		qty = r.BoundPositionSize(qty)
	}
	signed := 0.0
	switch side {
	case market.Buy:
		signed = qty
	case market.Sell:
		signed = -qty
	}
	resulting := math.Abs(ctx.Position + signed)
	notional := qty * ctx.ReferencePrice
	leverage := math.Inf(1)
	if ctx.Equity > 0 {
		leverage = resulting * ctx.ReferencePrice / ctx.Equity
	}
	lossPct := math.Max(0, -ctx.Metrics.DailyPnLPct)
	size := r.CheckPositionSize(resulting)
	if qty != proposed && size.Passed {
		size.Reason = fmt.Sprintf("entry size clamped from %.6f BTC", proposed)
	}
	return stamp([]CheckResult{
		r.CheckKillSwitch(ctx.KillSwitch),
		size,
		r.CheckExposure(notional, ctx.Equity),
		r.CheckDailyLoss(lossPct),
		r.CheckDrawdown(ctx.Metrics.CurrentDrawdownPct),
		r.CheckSpread(ctx.SpreadBps),
		r.CheckSlippage(ctx.SlippageBps),
		r.CheckLiquidity(ctx.Liquidity),
		r.CheckHoldTime(d.HoldTime()),
		r.CheckOrderRate(ctx.Metrics.OrdersLastMinute, ctx.Metrics.OrdersLastHour),
		r.CheckConsecutiveLosses(ctx.Metrics.ConsecutiveLosses),
		r.CheckLeverage(leverage),
	}, ctx.Timestamp)
}
