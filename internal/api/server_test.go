package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"btc-scalper/audit"
	"btc-scalper/internal/engine"
	"btc-scalper/order"
	"btc-scalper/risk"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fixedStatus struct {
	st engine.Status
}

func (f fixedStatus) Status() engine.Status { return f.st }

type recordShutdown struct {
	reasons []string
}

func (r *recordShutdown) Execute(_ context.Context, reason string) order.ShutdownReport {
	r.reasons = append(r.reasons, reason)
	if reason == "" {
		reason = "emergency shutdown"
	}
	return order.ShutdownReport{Reason: reason, KillSwitchNew: true, CancelledOrders: 2}
}

type harness struct {
	srv   *Server
	kill  *risk.KillSwitch
	now   *time.Time
	ring  *audit.Ring
	emerg *recordShutdown
}

func newHarness(t *testing.T, state string) *harness {
	t.Helper()
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	h := &harness{now: &now, ring: audit.NewRing(10), emerg: &recordShutdown{}}
	h.kill = risk.NewKillSwitch(risk.KillSwitchConfig{
		Cooldown:          time.Minute,
		ConfirmationToken: "let-me-in",
	}, risk.ClockFunc(func() time.Time { return *h.now }), nil)
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("scalper_up 1\n"))
	})
	h.srv = NewServer(Deps{
		Status:    fixedStatus{st: engine.Status{State: state, Symbol: "BTCUSDT", BookReady: true}},
		Kill:      h.kill,
		Emergency: h.emerg,
		Audit:     h.ring,
		Metrics:   metrics,
	}, nil)
	return h
}

func (h *harness) do(method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	tests := []struct {
		state string
		want  int
	}{
		{state: "RUNNING", want: http.StatusOK},
		{state: "IDLE", want: http.StatusServiceUnavailable},
		{state: "STOPPED", want: http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.state, func(t *testing.T) {
			h := newHarness(t, tt.state)
			w := h.do(http.MethodGet, "/healthz", "")
			assert.Equal(t, tt.want, w.Code)
			assert.Contains(t, w.Body.String(), tt.state)
		})
	}
}

func TestStatus(t *testing.T) {
	h := newHarness(t, "RUNNING")
	w := h.do(http.MethodGet, "/status", "")
	require.Equal(t, http.StatusOK, w.Code)

	var st map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
	assert.Equal(t, "BTCUSDT", st["symbol"])
	assert.Equal(t, true, st["bookReady"])
}

func TestKillAndRelease(t *testing.T) {
	h := newHarness(t, "RUNNING")

	w := h.do(http.MethodPost, "/kill/release", `{"token":"let-me-in"}`)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = h.do(http.MethodPost, "/kill", `{"reason":"manual check"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"activated":true`)
	assert.True(t, h.kill.IsActive())
	assert.Equal(t, risk.TriggerManual, h.kill.State().Trigger)
	assert.Equal(t, "manual check", h.kill.State().Reason)

	// 重复激活幂等
	w = h.do(http.MethodPost, "/kill", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"activated":false`)

	w = h.do(http.MethodPost, "/kill/release", `{"token":"let-me-in"}`)
	assert.Equal(t, http.StatusForbidden, w.Code, "cooldown not elapsed")

	*h.now = h.now.Add(2 * time.Minute)
	w = h.do(http.MethodPost, "/kill/release", `{"token":"wrong"}`)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.True(t, h.kill.IsActive())

	w = h.do(http.MethodPost, "/kill/release", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = h.do(http.MethodPost, "/kill/release", `{"token":"let-me-in"}`)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.False(t, h.kill.IsActive())

	w = h.do(http.MethodGet, "/kill", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"active":false`)
}

func TestEmergency(t *testing.T) {
	h := newHarness(t, "RUNNING")
	w := h.do(http.MethodPost, "/emergency", `{"reason":"exchange incident"}`)
	require.Equal(t, http.StatusOK, w.Code)

	var rep order.ShutdownReport
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rep))
	assert.Equal(t, "exchange incident", rep.Reason)
	assert.Equal(t, 2, rep.CancelledOrders)

	w = h.do(http.MethodPost, "/emergency", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"exchange incident", ""}, h.emerg.reasons)

	w = h.do(http.MethodPost, "/emergency", `{"reason":`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRecentAudit(t *testing.T) {
	h := newHarness(t, "RUNNING")
	ctx := context.Background()
	for _, id := range []string{"c1", "c2", "c3"} {
		require.NoError(t, h.ring.Write(ctx, audit.Record{CycleID: id, Outcome: audit.OutcomeHold}))
	}

	w := h.do(http.MethodGet, "/audit/recent?n=2", "")
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Total   uint64         `json:"total"`
		Records []audit.Record `json:"records"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, uint64(3), body.Total)
	require.Len(t, body.Records, 2)
	assert.Equal(t, "c3", body.Records[0].CycleID)
	assert.Equal(t, "c2", body.Records[1].CycleID)

	w = h.do(http.MethodGet, "/audit/recent?n=abc", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestMetricsRoute(t *testing.T) {
	h := newHarness(t, "RUNNING")
	w := h.do(http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.HasPrefix(w.Body.String(), "scalper_up"))
}
