package order

import (
	"fmt"
	"math"
)

// SymbolConstraints 交易对的价格/数量精度与名义价值限制。
type SymbolConstraints struct {
	TickSize    float64 `yaml:"tickSize"`
	StepSize    float64 `yaml:"stepSize"`
	MinQty      float64 `yaml:"minQty"`
	MaxQty      float64 `yaml:"maxQty"`
	MinNotional float64 `yaml:"minNotional"`
}

// Validate 检查订单价格/数量是否符合精度与最小名义。
func (c SymbolConstraints) Validate(price, qty float64) error {
	if c.TickSize > 0 && !isMultiple(price, c.TickSize) {
		return fmt.Errorf("price %.8f not aligned to tickSize %.8f", price, c.TickSize)
	}
	if c.StepSize > 0 && !isMultiple(qty, c.StepSize) {
		return fmt.Errorf("qty %.8f not aligned to stepSize %.8f", qty, c.StepSize)
	}
	if c.MinQty > 0 && qty < c.MinQty {
		return fmt.Errorf("qty %.8f < minQty %.8f", qty, c.MinQty)
	}
	if c.MaxQty > 0 && qty > c.MaxQty {
		return fmt.Errorf("qty %.8f > maxQty %.8f", qty, c.MaxQty)
	}
	if c.MinNotional > 0 && price*qty < c.MinNotional {
		return fmt.Errorf("notional %.8f < minNotional %.8f", price*qty, c.MinNotional)
	}
	return nil
}

// RoundPrice 买单向下、卖单向上取整到 tick，保证不会比原价更激进。
func (c SymbolConstraints) RoundPrice(price float64, buy bool) float64 {
	if c.TickSize <= 0 {
		return price
	}
	steps := price / c.TickSize
	if buy {
		steps = math.Floor(steps + 1e-9)
	} else {
		steps = math.Ceil(steps - 1e-9)
	}
	return steps * c.TickSize
}

// RoundQty 向下取整到 step。
func (c SymbolConstraints) RoundQty(qty float64) float64 {
	if c.StepSize <= 0 {
		return qty
	}
	return math.Floor(qty/c.StepSize+1e-9) * c.StepSize
}

func isMultiple(value, step float64) bool {
	if step <= 0 {
		return true
	}
	ratio := value / step
	return math.Abs(ratio-math.Round(ratio)) <= 1e-8
}
