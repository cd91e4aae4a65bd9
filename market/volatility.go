package market

import "math"

// RealizedVolBps 相邻中间价对数收益率的均方根，单位基点。
// 非正价格被跳过，不足两个有效点时返回 0。
func RealizedVolBps(mids []float64) float64 {
	var sq float64
	n := 0
	prev := 0.0
	for _, m := range mids {
		if m <= 0 {
			continue
		}
		if prev > 0 {
			r := math.Log(m / prev)
			sq += r * r
			n++
		}
		prev = m
	}
	if n == 0 {
		return 0
	}
	return math.Sqrt(sq/float64(n)) * 10000
}
