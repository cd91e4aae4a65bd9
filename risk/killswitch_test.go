package risk

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKillSwitchActivateIsIdempotent(t *testing.T) {
	clk := newFakeClock()
	ks := NewKillSwitch(KillSwitchConfig{ConfirmationToken: "tok"}, clk, nil)

	require.True(t, ks.Activate(TriggerAutoLoss, "daily loss"))
	first := ks.State()

	clk.Advance(time.Minute)
	assert.False(t, ks.Activate(TriggerAutoLoss, "again"))
	assert.False(t, ks.Activate(TriggerManual, "manual"))
	second := ks.State()
	assert.Equal(t, first.ActivatedAt, second.ActivatedAt)
	assert.Equal(t, TriggerAutoLoss, second.Trigger)
	assert.Equal(t, "daily loss", second.Reason)
}

func TestKillSwitchReasonNeverEmpty(t *testing.T) {
	ks := NewKillSwitch(KillSwitchConfig{}, newFakeClock(), nil)
	ks.Activate(TriggerManual, "")
	assert.NotEmpty(t, ks.State().Reason)
}

func TestKillSwitchDeactivateCooldown(t *testing.T) {
	for _, cooldown := range []time.Duration{5 * time.Minute, time.Hour} {
		t.Run(cooldown.String(), func(t *testing.T) {
			clk := newFakeClock()
			ks := NewKillSwitch(KillSwitchConfig{Cooldown: cooldown, ConfirmationToken: "tok"}, clk, nil)
			require.True(t, ks.Activate(TriggerManual, "ops"))
			assert.Equal(t, clk.Now().Add(cooldown), ks.State().CooldownExpiresAt)

			clk.Advance(cooldown - time.Second)
			assert.False(t, ks.Deactivate("tok"))
			assert.True(t, ks.IsActive())

			clk.Advance(time.Second)
			assert.False(t, ks.Deactivate("wrong"))
			assert.True(t, ks.IsActive())

			assert.True(t, ks.Deactivate("tok"))
			assert.False(t, ks.IsActive())
			assert.Equal(t, KillSwitchState{}, ks.State())
		})
	}
}

func TestKillSwitchDefaultCooldown(t *testing.T) {
	ks := NewKillSwitch(KillSwitchConfig{}, newFakeClock(), nil)
	assert.Equal(t, DefaultCooldown, ks.Cooldown())
}

func TestKillSwitchEmptyTokenNeverDeactivates(t *testing.T) {
	clk := newFakeClock()
	ks := NewKillSwitch(KillSwitchConfig{Cooldown: time.Second}, clk, nil)
	ks.Activate(TriggerManual, "ops")
	clk.Advance(time.Hour)
	assert.False(t, ks.Deactivate(""))
}

func TestKillSwitchAutoTriggers(t *testing.T) {
	ks := NewKillSwitch(KillSwitchConfig{MaxDrawdownPct: 5, MaxDailyLossPct: 2}, newFakeClock(), nil)
	assert.False(t, ks.CheckDrawdownTrigger(4.9))
	assert.False(t, ks.CheckDailyLossTrigger(1.9))
	assert.True(t, ks.CheckDrawdownTrigger(5))
	assert.Equal(t, TriggerAutoDrawdown, ks.State().Trigger)
	assert.False(t, ks.CheckDailyLossTrigger(3))
	assert.False(t, ks.TriggerOnError(errors.New("boom")))
	assert.Equal(t, TriggerAutoDrawdown, ks.State().Trigger)
}

func TestKillSwitchTriggerOnError(t *testing.T) {
	ks := NewKillSwitch(KillSwitchConfig{}, newFakeClock(), nil)
	assert.True(t, ks.TriggerOnError(errors.New("cycle panic")))
	st := ks.State()
	assert.Equal(t, TriggerAutoError, st.Trigger)
	assert.Equal(t, "cycle panic", st.Reason)
}

func TestKillSwitchObserversInOrder(t *testing.T) {
	ks := NewKillSwitch(KillSwitchConfig{}, newFakeClock(), nil)
	var seen []string
	ks.OnActivate(func(s KillSwitchState) { seen = append(seen, "a:"+string(s.Trigger)) })
	ks.OnActivate(func(s KillSwitchState) { seen = append(seen, "b:"+string(s.Trigger)) })

	ks.Activate(TriggerEmergency, "shutdown")
	ks.Activate(TriggerManual, "ignored")
	assert.Equal(t, []string{"a:EMERGENCY", "b:EMERGENCY"}, seen)
}
