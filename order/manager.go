package order

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"btc-scalper/gateway"
	"btc-scalper/market"
)

// Mode 执行模式。
type Mode string

const (
	ModePaper Mode = "paper"
	ModeLive  Mode = "live"
)

// PaperConfig 模拟撮合参数。
type PaperConfig struct {
	Latency     time.Duration `yaml:"latency"`
	TakerFeeBps float64       `yaml:"takerFeeBps"`
	MakerFeeBps float64       `yaml:"makerFeeBps"`
}

// Config 订单管理配置。
type Config struct {
	Mode        Mode
	Symbol      string
	Paper       PaperConfig
	DefaultTTL  time.Duration // 挂单默认有效期，0 表示不过期
	Constraints *SymbolConstraints
}

// Venue 实盘下单接口，以客户端订单号为键。
type Venue interface {
	Submit(ctx context.Context, req gateway.OrderRequest) (gateway.ExecutionReport, error)
	Cancel(ctx context.Context, symbol, clientOrderID string) (gateway.ExecutionReport, error)
	Query(ctx context.Context, symbol, clientOrderID string) (gateway.ExecutionReport, error)
}

// BookSource 模拟撮合读取盘口。
type BookSource interface {
	Snapshot() market.Snapshot
}

// Manager 订单的唯一所有者；外部只能通过 Submit/Cancel 发出指令并读取拷贝。
type Manager struct {
	cfg    Config
	venue  Venue
	book   BookSource
	sm     *StateMachine
	logger *zap.Logger
	now    func() time.Time

	mu     sync.RWMutex
	orders map[string]*Order

	obsMu     sync.Mutex
	observers []func(Event)
}

// NewManager 创建订单管理器。实盘模式必须提供 venue。
func NewManager(cfg Config, venue Venue, book BookSource, logger *zap.Logger) (*Manager, error) {
	if cfg.Mode == "" {
		cfg.Mode = ModePaper
	}
	if cfg.Mode == ModeLive && venue == nil {
		return nil, ErrNoVenue
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		cfg:    cfg,
		venue:  venue,
		book:   book,
		sm:     NewStateMachine(),
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
		orders: make(map[string]*Order),
	}, nil
}

// SetClock 注入时钟（测试用）。
func (m *Manager) SetClock(now func() time.Time) { m.now = now }

// Mode 当前执行模式。
func (m *Manager) Mode() Mode { return m.cfg.Mode }

// OnEvent 注册事件回调，按注册顺序在锁外同步调用。
func (m *Manager) OnEvent(fn func(Event)) {
	m.obsMu.Lock()
	m.observers = append(m.observers, fn)
	m.obsMu.Unlock()
}

func (m *Manager) emit(events ...Event) {
	if len(events) == 0 {
		return
	}
	m.obsMu.Lock()
	observers := append([]func(Event){}, m.observers...)
	m.obsMu.Unlock()
	for _, ev := range events {
		for _, fn := range observers {
			fn(ev)
		}
	}
}

func (m *Manager) validate(req Request) error {
	if req.Side != market.Buy && req.Side != market.Sell {
		return fmt.Errorf("%w: side %q", ErrInvalidRequest, req.Side)
	}
	if !(req.Quantity > 0) || math.IsInf(req.Quantity, 0) {
		return fmt.Errorf("%w: quantity %v", ErrInvalidRequest, req.Quantity)
	}
	switch req.Type {
	case TypeMarket:
	case TypeLimit, TypePostOnly:
		if !(req.Price > 0) {
			return fmt.Errorf("%w: %s order needs a price", ErrInvalidRequest, req.Type)
		}
		if m.cfg.Constraints != nil {
			if err := m.cfg.Constraints.Validate(req.Price, req.Quantity); err != nil {
				return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
			}
		}
	default:
		return fmt.Errorf("%w: type %q", ErrInvalidRequest, req.Type)
	}
	return nil
}

// Normalize 按交易对精度取整：买价向下、卖价向上，数量向下。未配置精度时原样返回。
func (m *Manager) Normalize(req Request) Request {
	c := m.cfg.Constraints
	if c == nil {
		return req
	}
	if req.Type != TypeMarket && req.Price > 0 {
		req.Price = c.RoundPrice(req.Price, req.Side == market.Buy)
	}
	req.Quantity = c.RoundQty(req.Quantity)
	return req
}

// Submit 新建 PENDING 订单并推进到 SUBMITTED。
// 模拟模式下立即尝试撮合；实盘模式下传输错误包装为可重试错误，交易所业务错误保持原样。
func (m *Manager) Submit(ctx context.Context, req Request) (Order, error) {
	if req.Type == "" {
		req.Type = TypeLimit
	}
	if req.Symbol == "" {
		req.Symbol = m.cfg.Symbol
	}
	if err := m.validate(req); err != nil {
		return Order{}, err
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	now := m.now()
	o := &Order{
		ID:         req.ID,
		DecisionID: req.DecisionID,
		Symbol:     req.Symbol,
		Side:       req.Side,
		Type:       req.Type,
		Price:      req.Price,
		Quantity:   req.Quantity,
		ReduceOnly: req.ReduceOnly,
		HoldTime:   req.HoldTime,
		Status:     StatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	ttl := req.TTL
	if ttl <= 0 {
		ttl = m.cfg.DefaultTTL
	}
	if ttl > 0 && req.Type != TypeMarket {
		o.ExpiresAt = now.Add(ttl)
	}

	m.mu.Lock()
	if _, dup := m.orders[o.ID]; dup {
		m.mu.Unlock()
		return Order{}, fmt.Errorf("%w: duplicate id %s", ErrInvalidRequest, o.ID)
	}
	m.orders[o.ID] = o
	_ = m.transition(o, StatusSubmitted)
	submitted := *o
	m.mu.Unlock()

	m.logger.Info("order submitted",
		zap.String("order_id", o.ID),
		zap.String("side", string(o.Side)),
		zap.String("type", string(o.Type)),
		zap.Float64("price", o.Price),
		zap.Float64("qty", o.Quantity),
		zap.String("mode", string(m.cfg.Mode)))
	m.emit(Event{Type: EventSubmitted, Order: submitted})

	if m.cfg.Mode == ModeLive {
		return m.submitLive(ctx, o.ID)
	}
	return m.submitPaper(ctx, o.ID)
}

func (m *Manager) submitLive(ctx context.Context, id string) (Order, error) {
	o, _ := m.Get(id)
	venueType := "LIMIT"
	if o.Type == TypeMarket {
		venueType = "MARKET"
	}
	rep, err := m.venue.Submit(ctx, gateway.OrderRequest{
		ClientOrderID: o.ID,
		Symbol:        o.Symbol,
		Side:          o.Side,
		Type:          venueType,
		Price:         o.Price,
		Quantity:      o.Quantity,
		ReduceOnly:    o.ReduceOnly,
		PostOnly:      o.Type == TypePostOnly,
	})
	if err != nil {
		// 交易所业务错误（4xx）保持不可重试，其余视为传输问题
		var apiErr *gateway.APIError
		if !errors.As(err, &apiErr) {
			err = gateway.Retryable("submit", err)
		}
		final := m.finish(id, StatusRejected, err, false)
		return final, fmt.Errorf("submit %s: %w", id, err)
	}
	if rep.ClientOrderID == "" {
		rep.ClientOrderID = id
	}
	if err := m.ApplyReport(rep); err != nil {
		return Order{}, err
	}
	final, _ := m.Get(id)
	if final.Status == StatusRejected {
		return final, fmt.Errorf("submit %s: %w", id, gateway.Retryable("submit", errors.New("rejected by venue")))
	}
	return final, nil
}

func (m *Manager) submitPaper(ctx context.Context, id string) (Order, error) {
	if d := m.cfg.Paper.Latency; d > 0 {
		t := time.NewTimer(d)
		select {
		case <-ctx.Done():
			t.Stop()
			final := m.finish(id, StatusRejected, ctx.Err(), false)
			return final, ctx.Err()
		case <-t.C:
		}
	}
	if m.book == nil {
		final := m.finish(id, StatusRejected, ErrNoLiquidity, false)
		return final, ErrNoLiquidity
	}
	snap := m.book.Snapshot()

	m.mu.Lock()
	o, ok := m.orders[id]
	if !ok || m.sm.IsFinalState(o.Status) {
		m.mu.Unlock()
		return m.mustGet(id), nil
	}
	fill, rejectErr := m.paperMatch(o, snap, true)
	m.mu.Unlock()

	if rejectErr != nil {
		final := m.finish(id, StatusRejected, rejectErr, false)
		return final, rejectErr
	}
	if fill != nil {
		m.applyFill(id, *fill)
	}
	return m.mustGet(id), nil
}

// paperMatch 需持有 m.mu。
// 市价单按对手方最优价成交；限价单只有已穿价时成交，否则挂单等待 CheckFills。
func (m *Manager) paperMatch(o *Order, snap market.Snapshot, atSubmit bool) (*Fill, error) {
	bid, ask := snap.BestBid(), snap.BestAsk()
	opposite := ask
	if o.Side == market.Sell {
		opposite = bid
	}
	qty := o.Remaining()

	if o.Type == TypeMarket {
		if opposite <= 0 {
			return nil, ErrNoLiquidity
		}
		return m.paperFill(o, opposite, qty, false), nil
	}

	crossed := opposite > 0 && ((o.Side == market.Buy && o.Price >= opposite) || (o.Side == market.Sell && o.Price <= opposite))
	if !crossed {
		return nil, nil
	}
	if atSubmit {
		if o.Type == TypePostOnly {
			return nil, ErrPostOnlyCross
		}
		return m.paperFill(o, opposite, qty, false), nil
	}
	// 挂单被动成交按自身限价
	return m.paperFill(o, o.Price, qty, true), nil
}

func (m *Manager) paperFill(o *Order, price, qty float64, maker bool) *Fill {
	bps := m.cfg.Paper.TakerFeeBps
	if maker {
		bps = m.cfg.Paper.MakerFeeBps
	}
	return &Fill{
		ID:        uuid.NewString(),
		OrderID:   o.ID,
		Side:      o.Side,
		Price:     price,
		Quantity:  qty,
		Fee:       price * qty * bps / 10000,
		Maker:     maker,
		Timestamp: m.now(),
	}
}

// applyFill 累加成交并推进状态，发出 PARTIAL/FILLED 事件。
func (m *Manager) applyFill(id string, f Fill) {
	m.mu.Lock()
	o, ok := m.orders[id]
	if !ok || m.sm.IsFinalState(o.Status) || f.Quantity <= 0 {
		m.mu.Unlock()
		return
	}
	notional := o.AvgFillPrice*o.FilledQty + f.Price*f.Quantity
	o.FilledQty += f.Quantity
	o.AvgFillPrice = notional / o.FilledQty
	o.Fees += f.Fee
	to := StatusPartial
	if o.Remaining() <= 1e-12 {
		to = StatusFilled
	}
	if err := m.transition(o, to); err != nil {
		m.logger.Warn("fill transition rejected", zap.String("order_id", id), zap.Error(err))
	}
	snapshot := *o
	m.mu.Unlock()

	typ := EventPartial
	if snapshot.Status == StatusFilled {
		typ = EventFilled
	}
	m.logger.Info("order fill",
		zap.String("order_id", id),
		zap.String("fill_id", f.ID),
		zap.Float64("price", f.Price),
		zap.Float64("qty", f.Quantity),
		zap.Float64("fee", f.Fee),
		zap.String("status", string(snapshot.Status)))
	m.emit(Event{Type: typ, Order: snapshot, Fill: &f})
}

// finish 把订单推进到终态并发出事件；已是终态时返回当前拷贝。
func (m *Manager) finish(id string, to Status, cause error, self bool) Order {
	m.mu.Lock()
	o, ok := m.orders[id]
	if !ok {
		m.mu.Unlock()
		return Order{}
	}
	if err := m.transition(o, to); err != nil {
		snapshot := *o
		m.mu.Unlock()
		return snapshot
	}
	if cause != nil {
		o.LastError = cause.Error()
	}
	snapshot := *o
	m.mu.Unlock()

	var typ EventType
	switch to {
	case StatusCancelled:
		typ = EventCancelled
	case StatusExpired:
		typ = EventExpired
	default:
		typ = EventRejected
	}
	fields := []zap.Field{zap.String("order_id", id), zap.String("status", string(to)), zap.Bool("self_initiated", self)}
	if cause != nil {
		fields = append(fields, zap.Error(cause))
	}
	m.logger.Info("order finished", fields...)
	m.emit(Event{Type: typ, Order: snapshot, Err: cause, SelfInitiated: self})
	return snapshot
}

// transition 需持有 m.mu。
func (m *Manager) transition(o *Order, to Status) error {
	if err := m.sm.ValidateTransition(o.Status, to); err != nil {
		return err
	}
	o.Status = to
	o.UpdatedAt = m.now()
	return nil
}

// Cancel 只对 PENDING/SUBMITTED/PARTIAL 生效；终态订单返回 false。
func (m *Manager) Cancel(ctx context.Context, id string) bool {
	m.mu.RLock()
	o, ok := m.orders[id]
	cancellable := ok && m.sm.CanCancel(o.Status)
	var symbol string
	if ok {
		symbol = o.Symbol
	}
	m.mu.RUnlock()
	if !cancellable {
		return false
	}

	if m.cfg.Mode == ModeLive {
		rep, err := m.venue.Cancel(ctx, symbol, id)
		if err != nil {
			m.logger.Warn("venue cancel failed", zap.String("order_id", id), zap.Error(err))
			return false
		}
		if rep.ClientOrderID == "" {
			rep.ClientOrderID = id
		}
		if rep.Status == "" {
			rep.Status = gateway.VenueStatusCanceled
		}
		m.applyReport(rep, true)
		final, _ := m.Get(id)
		return final.Status == StatusCancelled
	}

	final := m.finish(id, StatusCancelled, nil, true)
	return final.Status == StatusCancelled
}

// CancelAll 尽力撤销所有活跃订单，返回成功数量。
func (m *Manager) CancelAll(ctx context.Context) int {
	n := 0
	for _, o := range m.Active() {
		if m.Cancel(ctx, o.ID) {
			n++
		}
	}
	return n
}

// CheckFills 模拟模式下用最新盘口撮合挂单；两种模式下都处理挂单过期。
func (m *Manager) CheckFills(ctx context.Context, snap market.Snapshot) []Fill {
	now := m.now()
	var expired []Order
	var fills []Fill

	m.mu.Lock()
	for _, o := range m.orders {
		if !m.sm.CanCancel(o.Status) || o.Status == StatusPending {
			continue
		}
		if !o.ExpiresAt.IsZero() && !now.Before(o.ExpiresAt) {
			expired = append(expired, *o)
			continue
		}
		if m.cfg.Mode != ModePaper {
			continue
		}
		if f, _ := m.paperMatch(o, snap, false); f != nil {
			fills = append(fills, *f)
		}
	}
	m.mu.Unlock()

	for _, f := range fills {
		m.applyFill(f.OrderID, f)
	}
	for _, o := range expired {
		if m.cfg.Mode == ModeLive {
			if _, err := m.venue.Cancel(ctx, o.Symbol, o.ID); err != nil {
				m.logger.Warn("expire cancel failed", zap.String("order_id", o.ID), zap.Error(err))
				continue
			}
		}
		m.finish(o.ID, StatusExpired, errors.New("order expired"), false)
	}
	return fills
}

// ApplyReport 处理交易所回报（下单响应或对账查询）。
func (m *Manager) ApplyReport(rep gateway.ExecutionReport) error {
	return m.applyReport(rep, false)
}

func (m *Manager) applyReport(rep gateway.ExecutionReport, self bool) error {
	m.mu.Lock()
	o, ok := m.orders[rep.ClientOrderID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownOrder, rep.ClientOrderID)
	}
	if rep.VenueOrderID != "" {
		o.VenueID = rep.VenueOrderID
	}
	var fill *Fill
	if delta := rep.FilledQty - o.FilledQty; delta > 1e-12 && !m.sm.IsFinalState(o.Status) {
		price := rep.AvgPrice
		if o.FilledQty > 0 {
			price = (rep.AvgPrice*rep.FilledQty - o.AvgFillPrice*o.FilledQty) / delta
		}
		fill = &Fill{
			ID:        rep.ClientOrderID + ":" + strconv.FormatFloat(rep.FilledQty, 'f', -1, 64),
			OrderID:   o.ID,
			Side:      o.Side,
			Price:     price,
			Quantity:  delta,
			Fee:       rep.Fee - o.Fees,
			Timestamp: m.now(),
		}
	}
	m.mu.Unlock()

	if fill != nil {
		m.applyFill(o.ID, *fill)
	}
	switch rep.Status {
	case gateway.VenueStatusCanceled:
		m.finish(o.ID, StatusCancelled, nil, self)
	case gateway.VenueStatusRejected:
		m.finish(o.ID, StatusRejected, errors.New("rejected by venue"), false)
	case gateway.VenueStatusExpired:
		m.finish(o.ID, StatusExpired, errors.New("expired by venue"), false)
	}
	return nil
}

// Get 返回订单拷贝。
func (m *Manager) Get(id string) (Order, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orders[id]
	if !ok {
		return Order{}, false
	}
	return *o, true
}

func (m *Manager) mustGet(id string) Order {
	o, _ := m.Get(id)
	return o
}

// Active 所有可撤销（未终结）订单的拷贝。
func (m *Manager) Active() []Order {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Order, 0)
	for _, o := range m.orders {
		if m.sm.CanCancel(o.Status) {
			out = append(out, *o)
		}
	}
	return out
}

// Prune 删除 before 之前结束的终态订单，返回删除数量。
func (m *Manager) Prune(before time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, o := range m.orders {
		if m.sm.IsFinalState(o.Status) && o.UpdatedAt.Before(before) {
			delete(m.orders, id)
			n++
		}
	}
	return n
}
