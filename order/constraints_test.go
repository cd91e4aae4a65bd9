package order

import "testing"

func TestSymbolConstraintsValidate(t *testing.T) {
	c := SymbolConstraints{
		TickSize:    0.01,
		StepSize:    0.001,
		MinQty:      0.001,
		MaxQty:      10,
		MinNotional: 5,
	}
	if err := c.Validate(100.01, 0.1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := c.Validate(100.015, 0.002); err == nil {
		t.Fatalf("expected tick size error")
	}
	if err := c.Validate(100.01, 0.0005); err == nil {
		t.Fatalf("expected qty error")
	}
	if err := c.Validate(100.01, 0.0006); err == nil {
		t.Fatalf("expected min qty error")
	}
	if err := c.Validate(100.01, 11); err == nil {
		t.Fatalf("expected max qty error")
	}
	if err := c.Validate(10, 0.2); err == nil {
		t.Fatalf("expected notional error")
	}
}

func TestSymbolConstraintsRounding(t *testing.T) {
	c := SymbolConstraints{TickSize: 0.1, StepSize: 0.001}
	if got := c.RoundPrice(50000.17, true); got < 50000.09 || got > 50000.11 {
		t.Fatalf("buy price should round down, got %f", got)
	}
	if got := c.RoundPrice(50000.11, false); got < 50000.19 || got > 50000.21 {
		t.Fatalf("sell price should round up, got %f", got)
	}
	if got := c.RoundQty(0.12345); got < 0.1229 || got > 0.1231 {
		t.Fatalf("qty should round down to step, got %f", got)
	}
	if got := (SymbolConstraints{}).RoundQty(0.12345); got != 0.12345 {
		t.Fatalf("zero step should not round, got %f", got)
	}
}
