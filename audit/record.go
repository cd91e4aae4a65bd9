// Package audit 每个决策周期输出一条不可变记录。
package audit

import (
	"context"
	"encoding/json"
	"time"

	"btc-scalper/decision"
	"btc-scalper/risk"
)

// Outcome 周期结果。
type Outcome string

const (
	OutcomeSkippedKillSwitch Outcome = "SKIPPED_KILL_SWITCH"
	OutcomeSkippedNotReady   Outcome = "SKIPPED_NOT_READY"
	OutcomeSkippedNews       Outcome = "SKIPPED_NEWS"
	OutcomeVetoed            Outcome = "VETOED"
	OutcomeHold              Outcome = "HOLD"
	OutcomeDispatched        Outcome = "DISPATCHED"
	OutcomeDispatchFailed    Outcome = "DISPATCH_FAILED"
	OutcomeError             Outcome = "ERROR"
)

// Record 一个周期的审计记录。写出后不再修改。
type Record struct {
	CycleID           string                `json:"cycleId"`
	Timestamp         time.Time             `json:"timestamp"`
	Symbol            string                `json:"symbol"`
	Outcome           Outcome               `json:"outcome"`
	SkipReason        string                `json:"skipReason,omitempty"`
	Request           *decision.Request     `json:"request,omitempty"`
	Decision          *decision.Decision    `json:"decision,omitempty"`
	DecisionFailure   string                `json:"decisionFailure,omitempty"`
	DecisionLatencyMs int64                 `json:"decisionLatencyMs,omitempty"`
	Veto              *risk.Veto            `json:"veto,omitempty"`
	ActionTaken       bool                  `json:"actionTaken"`
	OrderID           string                `json:"orderId,omitempty"`
	OrderError        string                `json:"orderError,omitempty"`
	Error             string                `json:"error,omitempty"`
	KillSwitch        risk.KillSwitchState  `json:"killSwitch"`
	Metrics           *risk.MetricsSnapshot `json:"metrics,omitempty"`
}

// JSON 序列化为单行 JSON。
func (r Record) JSON() ([]byte, error) {
	return json.Marshal(r)
}

// Writer 审计输出。
type Writer interface {
	Write(ctx context.Context, rec Record) error
	Close() error
}
