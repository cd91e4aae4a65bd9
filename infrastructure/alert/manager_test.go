package alert

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"btc-scalper/market"
	"btc-scalper/order"
	"btc-scalper/risk"
)

type recordChannel struct {
	name string
	fail bool

	mu     sync.Mutex
	alerts []Alert
}

func (c *recordChannel) Send(a Alert) error {
	if c.fail {
		return errors.New("mock error")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.alerts = append(c.alerts, a)
	return nil
}

func (c *recordChannel) Name() string { return c.name }

func (c *recordChannel) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.alerts)
}

func TestSendAlert(t *testing.T) {
	ch := &recordChannel{name: "mock"}
	mgr := NewManager([]Channel{ch}, 5*time.Minute)
	assert.Equal(t, []string{"mock"}, mgr.GetChannels())

	require.NoError(t, mgr.SendWarning("spread wide", map[string]interface{}{"bps": 12.0}))
	require.Equal(t, 1, ch.count())
	got := ch.alerts[0]
	assert.Equal(t, LevelWarning, got.Level)
	assert.Equal(t, 12.0, got.Fields["bps"])
	assert.False(t, got.Timestamp.IsZero())
}

func TestThrottling(t *testing.T) {
	ch := &recordChannel{name: "mock"}
	mgr := NewManager([]Channel{ch}, time.Minute)
	now := time.Unix(1700000000, 0)
	mgr.throttle.now = func() time.Time { return now }

	require.NoError(t, mgr.SendError("x", nil))
	require.NoError(t, mgr.SendError("x", nil))
	assert.Equal(t, 1, ch.count(), "same message throttled")

	require.NoError(t, mgr.SendWarning("x", nil))
	assert.Equal(t, 2, ch.count(), "different level not throttled")

	now = now.Add(time.Minute)
	require.NoError(t, mgr.SendError("x", nil))
	assert.Equal(t, 3, ch.count())

	// CRITICAL 从不限流
	require.NoError(t, mgr.SendCritical("halt", nil))
	require.NoError(t, mgr.SendCritical("halt", nil))
	assert.Equal(t, 5, ch.count())
}

func TestChannelFailures(t *testing.T) {
	bad := &recordChannel{name: "bad", fail: true}
	mgr := NewManager([]Channel{bad}, time.Minute)
	err := mgr.SendError("x", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "channel bad failed")

	good := &recordChannel{name: "good"}
	mgr.AddChannel(good)
	assert.NoError(t, mgr.SendError("y", nil), "partial failure tolerated")
	assert.Equal(t, 1, good.count())
}

func TestDomainAlerts(t *testing.T) {
	ch := &recordChannel{name: "mock"}
	mgr := NewManager([]Channel{ch}, time.Minute)

	require.NoError(t, mgr.KillSwitchActivated(risk.KillSwitchState{Active: true, Trigger: risk.TriggerAutoDrawdown, Reason: "dd 5.2%"}))
	require.NoError(t, mgr.RetryEvent(order.RetryEvent{Kind: order.RetryScheduled, OrderID: "a"}))
	require.NoError(t, mgr.RetryEvent(order.RetryEvent{Kind: order.PermanentFailure, OrderID: "a", Attempts: 3, Reason: "503"}))
	require.NoError(t, mgr.FeedEvent(market.FeedEvent{Type: market.FeedConnected}))
	require.NoError(t, mgr.FeedEvent(market.FeedEvent{Type: market.FeedLost, Attempt: 10, Err: errors.New("dial")}))

	require.Equal(t, 3, ch.count())
	assert.Equal(t, LevelCritical, ch.alerts[0].Level)
	assert.Equal(t, "AUTO_DRAWDOWN", ch.alerts[0].Fields["trigger"])
	assert.Equal(t, LevelError, ch.alerts[1].Level)
	assert.Equal(t, 3, ch.alerts[1].Fields["attempts"])
	assert.Equal(t, "market feed lost", ch.alerts[2].Message)
	assert.Equal(t, "dial", ch.alerts[2].Fields["error"])
}

func TestZapChannel(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	ch := NewZapChannel(zap.New(core))
	require.NoError(t, ch.Send(Alert{Level: LevelCritical, Message: "kill switch activated", Fields: map[string]interface{}{"trigger": "MANUAL"}}))
	require.NoError(t, ch.Send(Alert{Level: LevelWarning, Message: "feed"}))

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, zap.ErrorLevel, entries[0].Level)
	assert.Equal(t, "MANUAL", entries[0].ContextMap()["trigger"])
	assert.Equal(t, zap.WarnLevel, entries[1].Level)
}

func TestWebhookChannel(t *testing.T) {
	var got Alert
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	ch := NewWebhookChannel(srv.URL, srv.Client())
	require.NoError(t, ch.Send(Alert{Level: LevelError, Message: "order permanently failed"}))
	assert.Equal(t, LevelError, got.Level)

	fail := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer fail.Close()
	err := NewWebhookChannel(fail.URL, nil).Send(Alert{Level: LevelError, Message: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}
