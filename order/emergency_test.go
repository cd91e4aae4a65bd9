package order

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"btc-scalper/inventory"
	"btc-scalper/market"
	"btc-scalper/risk"
)

func TestEmergencyShutdown(t *testing.T) {
	tests := []struct {
		name        string
		flatten     bool
		position    float64
		wantFlatten bool
	}{
		{name: "flag only", flatten: false, position: 0.2},
		{name: "flatten long", flatten: true, position: 0.2, wantFlatten: true},
		{name: "flat book", flatten: true, position: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			m, rec := newPaper(t, newBook())
			kill := risk.NewKillSwitch(risk.KillSwitchConfig{ConfirmationToken: "ok"}, nil, nil)
			pos := inventory.NewPosition("BTCUSDT", 1)
			if tt.position > 0 {
				pos.ApplyFill(inventory.Fill{ID: "seed", Side: market.Buy, Price: 50000, Quantity: tt.position, Ts: time.Now()})
			}
			for _, p := range []float64{49000, 49100} {
				_, err := m.Submit(ctx, Request{Side: market.Buy, Type: TypeLimit, Price: p, Quantity: 0.1})
				require.NoError(t, err)
			}

			rep := NewEmergencyShutdown(kill, m, pos, tt.flatten, nil).Execute(ctx, "")
			assert.True(t, kill.IsActive())
			assert.Equal(t, risk.TriggerEmergency, kill.State().Trigger)
			assert.True(t, rep.KillSwitchNew)
			assert.Equal(t, "emergency shutdown", rep.Reason)
			assert.Equal(t, 2, rep.CancelledOrders)
			assert.Equal(t, tt.position != 0, rep.PositionFlagged)
			assert.Equal(t, tt.position != 0, pos.FlaggedForClose())

			if !tt.wantFlatten {
				assert.Empty(t, rep.FlattenOrderID)
				return
			}
			require.NotEmpty(t, rep.FlattenOrderID)
			assert.Empty(t, rep.FlattenError)
			o, ok := m.Get(rep.FlattenOrderID)
			require.True(t, ok)
			assert.Equal(t, market.Sell, o.Side)
			assert.True(t, o.ReduceOnly)
			assert.Equal(t, StatusFilled, o.Status)

			rec.mu.Lock()
			last := rec.events[len(rec.events)-1]
			rec.mu.Unlock()
			assert.Equal(t, EventFilled, last.Type)
		})
	}
}

func TestEmergencyShutdownRepeatable(t *testing.T) {
	ctx := context.Background()
	m, _ := newPaper(t, newBook())
	kill := risk.NewKillSwitch(risk.KillSwitchConfig{}, nil, nil)
	pos := inventory.NewPosition("BTCUSDT", 1)
	es := NewEmergencyShutdown(kill, m, pos, false, nil)

	first := es.Execute(ctx, "feed lost")
	second := es.Execute(ctx, "operator")
	assert.True(t, first.KillSwitchNew)
	assert.False(t, second.KillSwitchNew)
	assert.Equal(t, "feed lost", kill.State().Reason)
}
