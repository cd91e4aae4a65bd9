package decision

import (
	"context"
	"math"
	"sync"
	"time"

	"btc-scalper/market"
)

// FeatureSource 提供特征向量与行情摘要。真实部署中由外部特征计算器实现。
type FeatureSource interface {
	Features(ctx context.Context, snap market.Snapshot) (FeatureVector, MarketSnapshot, error)
}

// BookFeatureSource 仅依据盘口快照推导一组微观结构特征，
// 同时维护 24h 高低点与最近中间价序列。
type BookFeatureSource struct {
	window time.Duration

	mu     sync.Mutex
	points []pricePoint
	regime *market.RegimeDetector
}

type pricePoint struct {
	ts  time.Time
	mid float64
}

// NewBookFeatureSource window 为动量/波动率的回看窗口。
func NewBookFeatureSource(window time.Duration) *BookFeatureSource {
	if window <= 0 {
		window = time.Minute
	}
	return &BookFeatureSource{window: window, regime: market.NewRegimeDetector(market.DefaultRegimeConfig())}
}

// Features 实现 FeatureSource。
func (b *BookFeatureSource) Features(_ context.Context, snap market.Snapshot) (FeatureVector, MarketSnapshot, error) {
	ts := snap.Timestamp
	mid := snap.MidPrice()

	b.mu.Lock()
	if mid > 0 {
		b.points = append(b.points, pricePoint{ts: ts, mid: mid})
	}
	cutoff := ts.Add(-24 * time.Hour)
	i := 0
	for i < len(b.points) && b.points[i].ts.Before(cutoff) {
		i++
	}
	b.points = b.points[i:]
	points := append([]pricePoint(nil), b.points...)
	b.regime.AddPrice(mid)
	trend := b.regime.TrendBps()
	b.mu.Unlock()

	high, low, first := 0.0, math.MaxFloat64, 0.0
	var recent []float64
	for _, p := range points {
		high = math.Max(high, p.mid)
		low = math.Min(low, p.mid)
		if first == 0 {
			first = p.mid
		}
		if !p.ts.Before(ts.Add(-b.window)) {
			recent = append(recent, p.mid)
		}
	}
	if len(points) == 0 {
		low = 0
	}

	momentum, meanRev := 0.0, 0.0
	if n := len(recent); n > 1 {
		momentum = (recent[n-1] - recent[0]) / recent[0] * 10000
		sum := 0.0
		for _, v := range recent {
			sum += v
		}
		avg := sum / float64(n)
		meanRev = (recent[n-1] - avg) / avg * 10000
	}
	vol := market.RealizedVolBps(recent)
	b.mu.Lock()
	regime := b.regime.Detect(vol)
	b.mu.Unlock()

	spread := snap.SpreadBps()
	if math.IsInf(spread, 0) {
		spread = 0
	}
	fv := FeatureVector{
		Microstructure: SubVector{Timestamp: ts, Values: map[string]float64{
			"spreadBps":   spread,
			"imbalance5":  snap.Imbalance(5),
			"imbalance20": snap.Imbalance(market.MaxLevels),
			"bidDepth":    snap.Liquidity(market.SideBid, market.MaxLevels),
			"askDepth":    snap.Liquidity(market.SideAsk, market.MaxLevels),
		}},
		Momentum: SubVector{Timestamp: ts, Values: map[string]float64{
			"returnBps": momentum,
			"trendBps":  trend,
		}},
		MeanReversion: SubVector{Timestamp: ts, Values: map[string]float64{"deviationBps": meanRev}},
		Volatility: SubVector{Timestamp: ts, Values: map[string]float64{
			"realizedBps": vol,
			"regime":      float64(regime), // 0 平稳 1 上行 2 下行 3 高波动
		}},
	}

	change := 0.0
	if first > 0 && mid > 0 {
		change = (mid - first) / first * 100
	}
	ms := MarketSnapshot{
		Symbol:      snap.Symbol,
		Price:       mid,
		Bid:         snap.BestBid(),
		Ask:         snap.BestAsk(),
		MarkPrice:   snap.ReferenceAt(ts, market.DefaultMaxAge),
		High24h:     high,
		Low24h:      low,
		Change24hPc: change,
		Timestamp:   ts,
	}
	return fv, ms, nil
}
