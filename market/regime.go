package market

import "math"

// Regime 行情状态，作为特征提供给决策服务。
type Regime int

const (
	RegimeCalm Regime = iota
	RegimeTrendUp
	RegimeTrendDown
	RegimeHighVol
)

func (r Regime) String() string {
	switch r {
	case RegimeTrendUp:
		return "TREND_UP"
	case RegimeTrendDown:
		return "TREND_DOWN"
	case RegimeHighVol:
		return "HIGH_VOL"
	default:
		return "CALM"
	}
}

// RegimeConfig 判定阈值。
type RegimeConfig struct {
	HighVolBps  float64 // 已实现波动率超过该值即为高波动
	TrendBps    float64 // 短均线偏离长均线超过该值即为趋势
	ShortWindow int
	LongWindow  int
}

// DefaultRegimeConfig 按 1s 采样的默认阈值。
func DefaultRegimeConfig() RegimeConfig {
	return RegimeConfig{
		HighVolBps:  15,
		TrendBps:    5,
		ShortWindow: 5,
		LongWindow:  30,
	}
}

// RegimeDetector 用短/长均线偏离与波动率区分行情状态。非并发安全。
type RegimeDetector struct {
	cfg  RegimeConfig
	mids []float64
}

// NewRegimeDetector 窗口非法时使用默认值。
func NewRegimeDetector(cfg RegimeConfig) *RegimeDetector {
	def := DefaultRegimeConfig()
	if cfg.ShortWindow <= 0 {
		cfg.ShortWindow = def.ShortWindow
	}
	if cfg.LongWindow < cfg.ShortWindow {
		cfg.LongWindow = cfg.ShortWindow
	}
	if cfg.HighVolBps <= 0 {
		cfg.HighVolBps = def.HighVolBps
	}
	if cfg.TrendBps <= 0 {
		cfg.TrendBps = def.TrendBps
	}
	return &RegimeDetector{cfg: cfg, mids: make([]float64, 0, cfg.LongWindow)}
}

// AddPrice 追加中间价，只保留长窗口。
func (r *RegimeDetector) AddPrice(mid float64) {
	if mid <= 0 {
		return
	}
	r.mids = append(r.mids, mid)
	if len(r.mids) > r.cfg.LongWindow {
		r.mids = r.mids[len(r.mids)-r.cfg.LongWindow:]
	}
}

// TrendBps 短均线相对长均线的偏离（基点）；长窗口未填满时为 0。
func (r *RegimeDetector) TrendBps() float64 {
	if len(r.mids) < r.cfg.LongWindow {
		return 0
	}
	long := mean(r.mids)
	short := mean(r.mids[len(r.mids)-r.cfg.ShortWindow:])
	if long == 0 {
		return 0
	}
	return (short - long) / long * 10000
}

// Detect 高波动优先于趋势判定。
func (r *RegimeDetector) Detect(volBps float64) Regime {
	if volBps > r.cfg.HighVolBps {
		return RegimeHighVol
	}
	trend := r.TrendBps()
	if math.Abs(trend) > r.cfg.TrendBps {
		if trend > 0 {
			return RegimeTrendUp
		}
		return RegimeTrendDown
	}
	return RegimeCalm
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sum := 0.0
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}
