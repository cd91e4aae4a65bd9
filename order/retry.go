package order

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"btc-scalper/gateway"
	"btc-scalper/risk"
)

// RetryConfig 重试参数。
type RetryConfig struct {
	MaxRetries int           `yaml:"maxRetries"`
	BaseDelay  time.Duration `yaml:"baseDelay"`
}

// DefaultRetryConfig 默认最多 3 次，基准延迟 500ms。
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxRetries: 3, BaseDelay: 500 * time.Millisecond}
}

// Backoff 第 attempts 次尝试失败后的等待时间：base × 2^(attempts−1)。
func (c RetryConfig) Backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	return c.BaseDelay * time.Duration(1<<uint(attempts-1))
}

// RetryEventKind 重试事件类型。
type RetryEventKind string

const (
	RetryScheduled   RetryEventKind = "RETRY_SCHEDULED"
	RetrySubmitted   RetryEventKind = "RETRY_SUBMITTED"
	RetryCompleted   RetryEventKind = "COMPLETED"
	PermanentFailure RetryEventKind = "PERMANENT_FAILURE"
)

// RetryEvent 重试管理器对外事件。
type RetryEvent struct {
	Kind     RetryEventKind
	OrderID  string
	Attempts int
	Delay    time.Duration
	Reason   string
	Ts       time.Time
}

type tracked struct {
	req      Request
	attempts int
}

// Submitter RetryManager 依赖的订单管理能力。
type Submitter interface {
	Submit(ctx context.Context, req Request) (Order, error)
	Cancel(ctx context.Context, id string) bool
	Get(id string) (Order, bool)
	OnEvent(fn func(Event))
}

// RetryManager 包装 Manager：被动撤单/过期/可重试的拒单按指数退避重新提交。
// 本进程主动撤单以及熔断期间不重试。
type RetryManager struct {
	cfg    RetryConfig
	orders Submitter
	halted func() bool
	logger *zap.Logger
	after  func(time.Duration) <-chan time.Time

	mu      sync.Mutex
	entries map[string]*tracked

	events chan Event
	outMu  sync.Mutex
	subs   []chan RetryEvent
	wg     sync.WaitGroup
}

// NewRetryManager 创建重试管理器并订阅订单事件。halted 为 nil 表示从不暂停。
func NewRetryManager(cfg RetryConfig, orders Submitter, halted func() bool, logger *zap.Logger) *RetryManager {
	def := DefaultRetryConfig()
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	if halted == nil {
		halted = func() bool { return false }
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &RetryManager{
		cfg:     cfg,
		orders:  orders,
		halted:  halted,
		logger:  logger,
		after:   time.After,
		entries: make(map[string]*tracked),
		events:  make(chan Event, 256),
	}
	orders.OnEvent(r.enqueue)
	return r
}

func (r *RetryManager) enqueue(ev Event) {
	switch ev.Type {
	case EventFilled, EventCancelled, EventExpired, EventRejected:
	default:
		return
	}
	if !r.isTracked(ev.Order.ID) {
		return
	}
	select {
	case r.events <- ev:
	default:
		r.logger.Error("retry queue full, event dropped", zap.String("order_id", ev.Order.ID))
	}
}

// Subscribe 订阅重试事件。
func (r *RetryManager) Subscribe() <-chan RetryEvent {
	ch := make(chan RetryEvent, 32)
	r.outMu.Lock()
	r.subs = append(r.subs, ch)
	r.outMu.Unlock()
	return ch
}

func (r *RetryManager) publish(ev RetryEvent) {
	ev.Ts = time.Now().UTC()
	r.outMu.Lock()
	defer r.outMu.Unlock()
	for _, ch := range r.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (r *RetryManager) isTracked(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[id]
	return ok
}

// Attempts 订单当前的尝试次数，未跟踪返回 0。
func (r *RetryManager) Attempts(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[id]; ok {
		return e.attempts
	}
	return 0
}

// Tracked 正在跟踪的订单数量。
func (r *RetryManager) Tracked() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// SubmitWithRetry 先登记跟踪再提交，保证同步产生的拒单事件也能被处理。
// 熔断期间直接拒绝，不触达订单管理器。
func (r *RetryManager) SubmitWithRetry(ctx context.Context, req Request) (Order, error) {
	if r.halted() {
		return Order{}, fmt.Errorf("submit: %w", risk.ErrKillSwitchOn)
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	r.mu.Lock()
	r.entries[req.ID] = &tracked{req: req, attempts: 1}
	r.mu.Unlock()

	o, err := r.orders.Submit(ctx, req)
	if err != nil && errors.Is(err, ErrInvalidRequest) {
		r.untrack(req.ID)
	}
	return o, err
}

func (r *RetryManager) untrack(id string) *tracked {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.entries[id]
	delete(r.entries, id)
	return e
}

// Run 处理订单事件直到 ctx 结束，并等待已排期的重试退出。
func (r *RetryManager) Run(ctx context.Context) error {
	defer r.wg.Wait()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-r.events:
			r.handle(ctx, ev)
		}
	}
}

func (r *RetryManager) handle(ctx context.Context, ev Event) {
	id := ev.Order.ID
	switch {
	case ev.Type == EventFilled:
		if e := r.untrack(id); e != nil {
			r.publish(RetryEvent{Kind: RetryCompleted, OrderID: id, Attempts: e.attempts})
		}
		return
	case ev.Type == EventCancelled && ev.SelfInitiated:
		r.untrack(id)
		return
	case ev.Type == EventRejected && ev.Err != nil && !gateway.IsRetryable(ev.Err):
		if e := r.untrack(id); e != nil {
			r.fail(id, e.attempts, ev.Err.Error())
		}
		return
	}

	e := r.untrack(id)
	if e == nil {
		return
	}
	if r.halted() {
		r.fail(id, e.attempts, risk.ErrKillSwitchOn.Error())
		return
	}
	if e.attempts >= r.cfg.MaxRetries {
		r.fail(id, e.attempts, fmt.Sprintf("%s after %d attempts", ev.Type, e.attempts))
		return
	}

	delay := r.cfg.Backoff(e.attempts)
	next := e.req
	next.ID = uuid.NewString()
	// 剩余数量才需要重新提交
	if ev.Order.FilledQty > 0 {
		next.Quantity = ev.Order.Remaining()
	}
	entry := &tracked{req: next, attempts: e.attempts + 1}
	r.mu.Lock()
	r.entries[next.ID] = entry
	r.mu.Unlock()

	r.logger.Info("order retry scheduled",
		zap.String("order_id", id),
		zap.String("next_id", next.ID),
		zap.Int("attempt", entry.attempts),
		zap.Duration("delay", delay))
	r.publish(RetryEvent{Kind: RetryScheduled, OrderID: next.ID, Attempts: entry.attempts, Delay: delay, Reason: string(ev.Type)})

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		select {
		case <-ctx.Done():
			r.untrack(next.ID)
			return
		case <-r.after(delay):
		}
		if r.halted() {
			r.untrack(next.ID)
			r.fail(next.ID, entry.attempts-1, risk.ErrKillSwitchOn.Error())
			return
		}
		r.publish(RetryEvent{Kind: RetrySubmitted, OrderID: next.ID, Attempts: entry.attempts})
		if _, err := r.orders.Submit(ctx, next); err != nil {
			r.logger.Warn("retry submit failed", zap.String("order_id", next.ID), zap.Error(err))
			if errors.Is(err, ErrInvalidRequest) {
				r.untrack(next.ID)
				r.fail(next.ID, entry.attempts, err.Error())
			}
		}
	}()
}

func (r *RetryManager) fail(id string, attempts int, reason string) {
	r.logger.Error("order permanently failed",
		zap.String("order_id", id),
		zap.Int("attempts", attempts),
		zap.String("reason", reason))
	r.publish(RetryEvent{Kind: PermanentFailure, OrderID: id, Attempts: attempts, Reason: reason})
}

// CancelAndReplace 撤旧单后以新价格提交，并把跟踪条目转到新订单上。
// 撤单失败时放弃替换，原订单的跟踪状态保持不变。
func (r *RetryManager) CancelAndReplace(ctx context.Context, id string, newPrice float64) (Order, error) {
	if r.halted() {
		return Order{}, fmt.Errorf("replace %s: %w", id, risk.ErrKillSwitchOn)
	}
	r.mu.Lock()
	e, ok := r.entries[id]
	var entry tracked
	if ok {
		entry = *e
	}
	r.mu.Unlock()
	if !ok {
		o, found := r.orders.Get(id)
		if !found {
			return Order{}, fmt.Errorf("%w: %s", ErrUnknownOrder, id)
		}
		entry = tracked{req: Request{
			DecisionID: o.DecisionID, Symbol: o.Symbol, Side: o.Side, Type: o.Type,
			Price: o.Price, Quantity: o.Quantity, ReduceOnly: o.ReduceOnly, HoldTime: o.HoldTime,
		}, attempts: 1}
	}

	if !r.orders.Cancel(ctx, id) {
		return Order{}, fmt.Errorf("%w: %s", ErrCancelFailed, id)
	}

	old, _ := r.orders.Get(id)
	next := entry.req
	next.ID = uuid.NewString()
	next.Price = newPrice
	if old.FilledQty > 0 {
		next.Quantity = old.Remaining()
	}

	r.mu.Lock()
	delete(r.entries, id)
	r.entries[next.ID] = &tracked{req: next, attempts: entry.attempts}
	r.mu.Unlock()

	r.logger.Info("order replaced",
		zap.String("old_id", id),
		zap.String("new_id", next.ID),
		zap.Float64("price", newPrice))
	o, err := r.orders.Submit(ctx, next)
	if err != nil && errors.Is(err, ErrInvalidRequest) {
		r.untrack(next.ID)
	}
	return o, err
}
