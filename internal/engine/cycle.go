package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"btc-scalper/audit"
	"btc-scalper/decision"
	"btc-scalper/market"
	"btc-scalper/order"
	"btc-scalper/risk"
)

// RunCycle 执行一个决策周期并返回写出的审计记录。
// 顺序固定：熔断 -> 盘口就绪 -> 采集状态 -> 新闻回避 -> 决策 -> 准入 -> 下单。
// 任何一步 panic 都在这里捕获并激活 AUTO_ERROR 熔断；无论结果如何都写出一条审计记录。
func (e *Engine) RunCycle(ctx context.Context) (rec audit.Record) {
	started := time.Now()
	now := e.clock.Now()
	rec = audit.Record{CycleID: uuid.NewString(), Timestamp: now, Symbol: e.cfg.Symbol}

	defer func() {
		if r := recover(); r != nil {
			e.fail(&rec, fmt.Errorf("cycle panic: %v", r))
		}
		rec.KillSwitch = e.kill.State()
		e.finish(ctx, rec, time.Since(started))
	}()

	// 周期开始时取一次快照，本周期所有检查都基于它
	snap := e.book.Snapshot()
	ready := e.book.IsReady()
	e.housekeep(ctx, snap, ready)

	if ks := e.kill.State(); ks.Active {
		rec.Outcome = audit.OutcomeSkippedKillSwitch
		rec.SkipReason = fmt.Sprintf("kill switch %s: %s", ks.Trigger, ks.Reason)
		return rec
	}
	if !ready {
		rec.Outcome = audit.OutcomeSkippedNotReady
		rec.SkipReason = "order book not ready"
		return rec
	}

	net, _ := e.position.Valuation()
	equity := e.position.Equity(e.cfg.InitialEquity)
	m := e.tracker.Metrics()
	rec.Metrics = &m
	features, mkt, err := e.features.Features(ctx, snap)
	if err != nil {
		e.fail(&rec, fmt.Errorf("features: %w", err))
		return rec
	}
	avoid, flags := e.news.Avoid()
	if avoid {
		rec.Outcome = audit.OutcomeSkippedNews
		rec.SkipReason = "news avoidance: " + strings.Join(flags, ",")
		return rec
	}

	req := decision.Request{
		ID:       decision.NewRequestID(),
		Features: features,
		Market:   mkt,
		Position: e.positionSummary(now),
		Risk: decision.RiskContext{
			DailyPnLPct:       m.DailyPnLPct,
			DrawdownPct:       m.CurrentDrawdownPct,
			ConsecutiveLosses: m.ConsecutiveLosses,
			NewsAvoid:         avoid,
			NewsFlags:         flags,
		},
	}
	rec.Request = &req
	d := e.decide(ctx, req, now, &rec)
	rec.Decision = &d

	// 偏离检查以标记价格为准；标记价格缺失或过期时退回中间价
	ref := snap.ReferenceAt(now, market.DefaultMaxAge)
	if ref <= 0 {
		ref = snap.MidPrice()
	}
	veto := e.gate.Evaluate(d, snap, ref, risk.CycleState{
		Position:   net,
		Equity:     equity,
		Metrics:    m,
		KillSwitch: e.kill.State(),
	})
	rec.Veto = &veto
	e.metrics.RecordVetoFailures(veto.FailedChecks())

	switch {
	case veto.Vetoed():
		rec.Outcome = audit.OutcomeVetoed
	case !d.Action.IsActionable():
		rec.Outcome = audit.OutcomeHold
	default:
		e.dispatch(ctx, &rec, d, snap, net)
	}
	return rec
}

// housekeep 撮合/过期已有挂单、盯市并检查行情中断。
// 这些操作模拟交易所侧的推进，不受本周期是否跳过影响。
func (e *Engine) housekeep(ctx context.Context, snap market.Snapshot, ready bool) {
	e.checkFeedLoss()
	if ready || e.orders.Mode() == order.ModeLive {
		e.orders.CheckFills(ctx, snap)
	}
	if mid := snap.MidPrice(); mid > 0 {
		e.position.Mark(mid)
	}
	e.tracker.UpdateEquity(e.position.Equity(e.cfg.InitialEquity))
}

// decide 持仓到期时直接生成 EXIT，否则请求外部决策；失败时使用安全 HOLD。
func (e *Engine) decide(ctx context.Context, req decision.Request, now time.Time, rec *audit.Record) decision.Decision {
	minHold := e.gate.Rulebook().Config().MinHoldTime
	if e.position.HoldExpired(now) {
		return decision.Decision{
			RequestID:  req.ID,
			Action:     decision.ActionExit,
			OrderType:  decision.OrderMarket,
			HoldTimeMs: minHold.Milliseconds(),
			Confidence: 1,
			Rationale:  "max hold time reached",
		}
	}

	out := e.decider.Decide(ctx, req)
	rec.DecisionLatencyMs = out.Latency.Milliseconds()
	kind := ""
	if !out.OK() {
		kind = out.Failure.Kind.String()
		rec.DecisionFailure = out.Failure.Error()
	}
	e.metrics.RecordDecision(out.Latency.Seconds(), kind)
	return out.Resolve(req.ID, minHold)
}

// dispatch 把通过准入的决策转为订单。开仓量与持仓时长按规则集夹取，
// 价格与数量按交易对精度取整。限频计数在订单提交事件中完成。
func (e *Engine) dispatch(ctx context.Context, rec *audit.Record, d decision.Decision, snap market.Snapshot, net float64) {
	side, qty, ok := d.OrderIntent(net)
	if !ok {
		rec.Outcome = audit.OutcomeHold
		return
	}
	rb := e.gate.Rulebook()
	req := order.Request{
		ID:         uuid.NewString(),
		DecisionID: d.RequestID,
		Symbol:     e.cfg.Symbol,
		Side:       side,
		Type:       order.Type(d.OrderType),
		Price:      d.LimitPrice,
		Quantity:   qty,
		ReduceOnly: !d.Action.IsEntry(),
		TTL:        e.cfg.OrderTTL,
	}
	if d.Action.IsEntry() {
		req.Quantity = rb.BoundPositionSize(qty)
		req.HoldTime = rb.BoundHoldTime(d.HoldTime())
	}
	// 未给限价时挂在己方最优价
	if req.Type != order.TypeMarket && req.Price <= 0 {
		if side == market.Buy {
			req.Price = snap.BestBid()
		} else {
			req.Price = snap.BestAsk()
		}
	}
	req = e.orders.Normalize(req)

	var (
		o   order.Order
		err error
	)
	if e.retry != nil {
		o, err = e.retry.SubmitWithRetry(ctx, req)
	} else {
		o, err = e.orders.Submit(ctx, req)
	}
	rec.OrderID = o.ID
	if rec.OrderID == "" {
		rec.OrderID = req.ID
	}
	if err != nil {
		rec.Outcome = audit.OutcomeDispatchFailed
		rec.OrderError = err.Error()
		return
	}
	rec.Outcome = audit.OutcomeDispatched
	rec.ActionTaken = true
}

func (e *Engine) positionSummary(now time.Time) decision.PositionSummary {
	ps := e.position.Snapshot()
	s := decision.PositionSummary{
		Side:          string(ps.Side),
		Quantity:      ps.Quantity,
		EntryPrice:    ps.EntryPrice,
		UnrealizedPnL: ps.UnrealizedPnL,
	}
	if !ps.OpenedAt.IsZero() {
		s.HoldingMs = now.Sub(ps.OpenedAt).Milliseconds()
	}
	return s
}

// fail 记录周期异常并激活 AUTO_ERROR 熔断。
func (e *Engine) fail(rec *audit.Record, err error) {
	rec.Outcome = audit.OutcomeError
	rec.Error = err.Error()
	e.kill.TriggerOnError(err)
	e.logger.LogError(err, map[string]interface{}{"cycle_id": rec.CycleID})
}

// finish 写审计、刷新指标与统计。
func (e *Engine) finish(ctx context.Context, rec audit.Record, elapsed time.Duration) {
	// 关闭过程中 ctx 已取消，最后一条记录仍需写出
	if err := e.audit.Write(context.WithoutCancel(ctx), rec); err != nil {
		e.metrics.RecordAuditFailure()
		e.logger.LogError(err, map[string]interface{}{"cycle_id": rec.CycleID, "action": "audit_write"})
	}

	m := e.tracker.Metrics()
	snap := e.book.Snapshot()
	net, _ := e.position.Valuation()
	e.metrics.RecordCycle(string(rec.Outcome), elapsed.Seconds())
	e.metrics.SetKillSwitch(rec.KillSwitch.Active)
	e.metrics.UpdateRisk(m.DailyPnLPct, m.CurrentDrawdownPct, m.ConsecutiveLosses)
	e.metrics.UpdatePosition(net, m.Equity)
	e.metrics.UpdateBook(snap.SpreadBps(), snap.Staleness(e.clock.Now()).Seconds())

	e.statsMu.Lock()
	e.stats.TotalCycles++
	e.stats.LastCycleTime = rec.Timestamp
	e.stats.LastOutcome = string(rec.Outcome)
	switch rec.Outcome {
	case audit.OutcomeSkippedKillSwitch, audit.OutcomeSkippedNotReady, audit.OutcomeSkippedNews:
		e.stats.Skipped++
	case audit.OutcomeVetoed:
		e.stats.Vetoed++
	case audit.OutcomeHold:
		e.stats.Holds++
	case audit.OutcomeDispatched:
		e.stats.Dispatched++
	case audit.OutcomeDispatchFailed:
		e.stats.DispatchFailures++
	case audit.OutcomeError:
		e.stats.Errors++
	}
	e.statsMu.Unlock()

	fields := map[string]interface{}{
		"outcome":     string(rec.Outcome),
		"duration_ms": elapsed.Milliseconds(),
	}
	if rec.SkipReason != "" {
		fields["skip_reason"] = rec.SkipReason
	}
	if rec.Decision != nil {
		fields["action"] = string(rec.Decision.Action)
		fields["fallback"] = rec.Decision.Fallback
	}
	if rec.Veto != nil && rec.Veto.Vetoed() {
		fields["failed_checks"] = rec.Veto.FailedChecks()
	}
	if rec.OrderID != "" {
		fields["order_id"] = rec.OrderID
	}
	e.logger.LogCycle(rec.CycleID, fields)
}
