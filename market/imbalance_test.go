package market

import (
	"testing"
)

func TestCalculateImbalance(t *testing.T) {
	tests := []struct {
		name      string
		bidVolume float64
		askVolume float64
		expected  float64
	}{
		{name: "Equal volumes", bidVolume: 100, askVolume: 100, expected: 0},
		{name: "More bid volume", bidVolume: 150, askVolume: 100, expected: 0.2},
		{name: "More ask volume", bidVolume: 100, askVolume: 150, expected: -0.2},
		{name: "Zero volumes", bidVolume: 0, askVolume: 0, expected: 0},
		{name: "One zero volume", bidVolume: 100, askVolume: 0, expected: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := CalculateImbalance(tt.bidVolume, tt.askVolume)
			if result != tt.expected {
				t.Errorf("CalculateImbalance(%f, %f) = %f, want %f",
					tt.bidVolume, tt.askVolume, result, tt.expected)
			}
		})
	}
}
