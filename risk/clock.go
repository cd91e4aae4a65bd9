package risk

import "time"

// Clock 抽象时间便于测试。
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now().UTC() }

// NowUTC 默认使用 UTC 时间。
var NowUTC Clock = realClock{}

// ClockFunc 适配普通函数。
type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time { return f() }

func orDefault(c Clock) Clock {
	if c == nil {
		return NowUTC
	}
	return c
}
