package risk

import (
	"fmt"
	"math"
	"time"

	"btc-scalper/market"
)

// Condition 禁止交易的市场状态。
type Condition string

const (
	CondSpreadTooWide      Condition = "spread_too_wide"
	CondLiquidityTooLow    Condition = "liquidity_too_low"
	CondStaleQuotes        Condition = "stale_quotes"
	CondReferenceDeviation Condition = "reference_deviation"
	CondThinBook           Condition = "thin_book"
)

// ForbiddenConfig 禁止条件阈值。
type ForbiddenConfig struct {
	MaxSpreadBps          float64       `yaml:"maxSpreadBps"`
	MinLiquidity          float64       `yaml:"minLiquidity"` // 两侧各自前 LiquidityLevels 档的最小深度（BTC）
	LiquidityLevels       int           `yaml:"liquidityLevels"`
	MaxQuoteAge           time.Duration `yaml:"maxQuoteAge"`
	MaxReferenceDeviation float64       `yaml:"maxReferenceDeviation"` // 比例，0.005 = 0.5%
	MinLevels             int           `yaml:"minLevels"`
}

// DefaultForbiddenConfig 默认阈值。
func DefaultForbiddenConfig() ForbiddenConfig {
	return ForbiddenConfig{
		MaxSpreadBps:          10,
		MinLiquidity:          10,
		LiquidityLevels:       10,
		MaxQuoteAge:           5 * time.Second,
		MaxReferenceDeviation: 0.005,
		MinLevels:             3,
	}
}

func (c ForbiddenConfig) withDefaults() ForbiddenConfig {
	d := DefaultForbiddenConfig()
	if c.MaxSpreadBps <= 0 {
		c.MaxSpreadBps = d.MaxSpreadBps
	}
	if c.MinLiquidity < 0 {
		c.MinLiquidity = 0
	}
	if c.LiquidityLevels <= 0 {
		c.LiquidityLevels = d.LiquidityLevels
	}
	if c.MaxQuoteAge <= 0 {
		c.MaxQuoteAge = d.MaxQuoteAge
	}
	if c.MaxReferenceDeviation <= 0 {
		c.MaxReferenceDeviation = d.MaxReferenceDeviation
	}
	if c.MinLevels <= 0 {
		c.MinLevels = 1
	}
	return c
}

// ConditionEval 单个条件的评估结果。
type ConditionEval struct {
	Condition Condition `json:"condition"`
	Active    bool      `json:"active"`
	Reason    string    `json:"reason,omitempty"`
	Observed  float64   `json:"observed"`
	Limit     float64   `json:"limit"`
}

// ForbiddenResult 检查结果；CanTrade 当且仅当 Active 为空。
type ForbiddenResult struct {
	Evaluations []ConditionEval `json:"evaluations"`
	Active      []Condition     `json:"active"`
	CanTrade    bool            `json:"canTrade"`
	Timestamp   time.Time       `json:"timestamp"`
}

// Names 命中条件名称。
func (r ForbiddenResult) Names() []string {
	out := make([]string, 0, len(r.Active))
	for _, c := range r.Active {
		out = append(out, string(c))
	}
	return out
}

// Has 是否命中指定条件。
func (r ForbiddenResult) Has(c Condition) bool {
	for _, a := range r.Active {
		if a == c {
			return true
		}
	}
	return false
}

// ForbiddenChecker 无状态：每次调用只依据传入快照和调用时刻的时钟。
type ForbiddenChecker struct {
	cfg   ForbiddenConfig
	clock Clock
}

// NewForbiddenChecker 创建检查器，未设置的阈值取默认值。
func NewForbiddenChecker(cfg ForbiddenConfig, clock Clock) *ForbiddenChecker {
	return &ForbiddenChecker{cfg: cfg.withDefaults(), clock: orDefault(clock)}
}

// Config 阈值副本。
func (f *ForbiddenChecker) Config() ForbiddenConfig { return f.cfg }

// Check 独立评估五个条件。ref<=0 时跳过参考价偏离检查。
func (f *ForbiddenChecker) Check(snap market.Snapshot, ref float64) ForbiddenResult {
	now := f.clock.Now()
	res := ForbiddenResult{Timestamp: now}
	eval := func(c Condition, hit bool, observed, limit float64, format string, args ...any) {
		e := ConditionEval{Condition: c, Active: hit, Observed: observed, Limit: limit}
		if hit {
			e.Reason = fmt.Sprintf(format, args...)
			res.Active = append(res.Active, c)
		}
		res.Evaluations = append(res.Evaluations, e)
	}

	spread := snap.SpreadBps()
	eval(CondSpreadTooWide, !(spread <= f.cfg.MaxSpreadBps), spread, f.cfg.MaxSpreadBps,
		"spread %.2f bps exceeds %.2f bps", spread, f.cfg.MaxSpreadBps)

	liq := math.Min(snap.Liquidity(market.SideBid, f.cfg.LiquidityLevels), snap.Liquidity(market.SideAsk, f.cfg.LiquidityLevels))
	eval(CondLiquidityTooLow, liq < f.cfg.MinLiquidity, liq, f.cfg.MinLiquidity,
		"liquidity %.4f BTC below %.4f BTC", liq, f.cfg.MinLiquidity)

	age := math.Inf(1)
	if !snap.Timestamp.IsZero() {
		age = now.Sub(snap.Timestamp).Seconds()
	}
	eval(CondStaleQuotes, age > f.cfg.MaxQuoteAge.Seconds(), age, f.cfg.MaxQuoteAge.Seconds(),
		"quotes are %.1fs old, max %.1fs", age, f.cfg.MaxQuoteAge.Seconds())

	if ref > 0 {
		mid := snap.MidPrice()
		dev := math.Inf(1)
		if mid > 0 {
			dev = math.Abs(mid-ref) / ref
		}
		eval(CondReferenceDeviation, dev > f.cfg.MaxReferenceDeviation, dev, f.cfg.MaxReferenceDeviation,
			"mid %.2f deviates %.4f%% from reference %.2f", mid, dev*100, ref)
	}

	levels := min(snap.Levels(market.SideBid), snap.Levels(market.SideAsk))
	eval(CondThinBook, levels < f.cfg.MinLevels, float64(levels), float64(f.cfg.MinLevels),
		"book has %d levels on thinnest side, min %d", levels, f.cfg.MinLevels)

	res.CanTrade = len(res.Active) == 0
	return res
}
