package container

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"btc-scalper/audit"
	"btc-scalper/config"
	"btc-scalper/gateway"
	"btc-scalper/internal/engine"
	"btc-scalper/order"
	"btc-scalper/risk"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func holdServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"action":"HOLD","side":"NONE","size":0,"confidence":0.5,"reasoning":"flat"}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(t *testing.T, decideURL string) config.AppConfig {
	t.Helper()
	cfg := config.Default()
	cfg.Engine.Interval = 20 * time.Millisecond
	cfg.Decision.URL = decideURL
	cfg.Decision.Timeout = 200 * time.Millisecond
	cfg.Audit.File = filepath.Join(t.TempDir(), "audit.log")
	cfg.API.Addr = ""
	cfg.Feed = gateway.FeedConfig{
		URL:         "ws://127.0.0.1:1",
		Symbol:      "BTCUSDT",
		MaxAttempts: 1,
		BaseBackoff: 10 * time.Millisecond,
		MaxBackoff:  10 * time.Millisecond,
	}
	cfg.Log.Level = "error"
	return cfg
}

func TestRunPaperWithoutFeed(t *testing.T) {
	cfg := testConfig(t, holdServer(t).URL)
	c := NewWithConfig(cfg)
	require.NoError(t, c.Build(context.Background()))
	assert.Nil(t, c.reconciler)
	assert.Nil(t, c.venue)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	require.NoError(t, c.Run(ctx))

	assert.Equal(t, engine.StateStopped, c.Engine().State())
	require.Greater(t, c.ring.Total(), uint64(0))
	last := c.ring.Recent(1)[0]
	assert.Equal(t, audit.OutcomeSkippedNotReady, last.Outcome)

	raw, err := os.ReadFile(cfg.Audit.File)
	require.NoError(t, err)
	assert.Contains(t, string(raw), string(audit.OutcomeSkippedNotReady))

	// 重复 Stop 无副作用
	assert.NoError(t, c.Stop())
}

func TestBuildRejectsLooseRulebook(t *testing.T) {
	cfg := testConfig(t, "http://127.0.0.1:1/decide")
	zero := 0.0
	cfg.Rulebook.MaxLeverage = &zero

	err := NewWithConfig(cfg).Build(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rulebook")
}

func TestBuildLiveWiresVenue(t *testing.T) {
	cfg := testConfig(t, "http://127.0.0.1:1/decide")
	cfg.Mode = order.ModeLive
	cfg.Venue = gateway.RESTConfig{BaseURL: "http://127.0.0.1:1", APIKey: "k", APISecret: "s"}
	cfg.KillSwitch.ConfirmationToken = "token"

	c := NewWithConfig(cfg)
	require.NoError(t, c.Build(context.Background()))
	assert.NotNil(t, c.venue)
	assert.NotNil(t, c.reconciler)
	assert.Equal(t, order.ModeLive, c.orders.Mode())
	require.NoError(t, c.auditOut.Close())
}

func TestKillSwitchThresholdsFollowRulebook(t *testing.T) {
	cfg := testConfig(t, "http://127.0.0.1:1/decide")
	c := NewWithConfig(cfg)
	require.NoError(t, c.Build(context.Background()))
	defer c.auditOut.Close()

	// 默认日内亏损上限 2%
	assert.False(t, c.kill.CheckDailyLossTrigger(1.5))
	assert.True(t, c.kill.CheckDailyLossTrigger(2.5))
	assert.Equal(t, risk.TriggerAutoLoss, c.kill.State().Trigger)
}

func TestOpsAPIWired(t *testing.T) {
	cfg := testConfig(t, "http://127.0.0.1:1/decide")
	c := NewWithConfig(cfg)
	require.NoError(t, c.Build(context.Background()))
	defer c.auditOut.Close()

	req := httptest.NewRequest(http.MethodPost, "/kill", strings.NewReader(`{"reason":"drill"}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	c.api.Handler().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, c.KillSwitch().IsActive())
	assert.Equal(t, "drill", c.KillSwitch().State().Reason)

	w = httptest.NewRecorder()
	c.api.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "kill_switch")
}

func TestAuditFallsBackWithoutRedis(t *testing.T) {
	cfg := testConfig(t, "http://127.0.0.1:1/decide")
	cfg.Audit.Redis.Addr = "127.0.0.1:1"
	c := NewWithConfig(cfg)
	require.NoError(t, c.Build(context.Background()))
	require.NoError(t, c.auditOut.Write(context.Background(), audit.Record{CycleID: "c1", Outcome: audit.OutcomeHold}))
	assert.Equal(t, uint64(1), c.ring.Total())
	require.NoError(t, c.auditOut.Close())
}
