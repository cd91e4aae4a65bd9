package order

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"btc-scalper/gateway"
	"btc-scalper/market"
)

type staticBook struct {
	mu   sync.Mutex
	snap market.Snapshot
}

func (b *staticBook) Snapshot() market.Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snap
}

func (b *staticBook) set(bid, ask float64) {
	b.mu.Lock()
	b.snap = market.Snapshot{
		Symbol:    "BTCUSDT",
		Timestamp: time.Now(),
		Bids:      []market.PriceLevel{market.Level(bid, 5)},
		Asks:      []market.PriceLevel{market.Level(ask, 5)},
	}
	b.mu.Unlock()
}

func newBook() *staticBook {
	b := &staticBook{}
	b.set(50000, 50010)
	return b
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) on(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) types() []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventType, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Type)
	}
	return out
}

func newPaper(t *testing.T, book BookSource) (*Manager, *recorder) {
	t.Helper()
	m, err := NewManager(Config{Mode: ModePaper, Symbol: "BTCUSDT", Paper: PaperConfig{TakerFeeBps: 4, MakerFeeBps: 2}}, nil, book, nil)
	require.NoError(t, err)
	rec := &recorder{}
	m.OnEvent(rec.on)
	return m, rec
}

func TestPaperMarketOrderFillsAtBestOpposite(t *testing.T) {
	m, rec := newPaper(t, newBook())
	o, err := m.Submit(context.Background(), Request{Side: market.Buy, Type: TypeMarket, Quantity: 0.1})
	require.NoError(t, err)
	assert.Equal(t, StatusFilled, o.Status)
	assert.Equal(t, 50010.0, o.AvgFillPrice)
	assert.InDelta(t, 50010*0.1*4/10000, o.Fees, 1e-9)
	assert.Equal(t, []EventType{EventSubmitted, EventFilled}, rec.types())

	rec.mu.Lock()
	fill := rec.events[1].Fill
	rec.mu.Unlock()
	require.NotNil(t, fill)
	assert.NotEmpty(t, fill.ID)
	assert.False(t, fill.Maker)
}

func TestPaperLimitRestsUntilCrossed(t *testing.T) {
	book := newBook()
	m, rec := newPaper(t, book)
	o, err := m.Submit(context.Background(), Request{Side: market.Buy, Type: TypeLimit, Price: 49990, Quantity: 0.1})
	require.NoError(t, err)
	assert.Equal(t, StatusSubmitted, o.Status)
	assert.Len(t, m.Active(), 1)

	assert.Empty(t, m.CheckFills(context.Background(), book.Snapshot()))

	book.set(49980, 49989)
	fills := m.CheckFills(context.Background(), book.Snapshot())
	require.Len(t, fills, 1)
	assert.Equal(t, 49990.0, fills[0].Price)
	assert.True(t, fills[0].Maker)

	got, _ := m.Get(o.ID)
	assert.Equal(t, StatusFilled, got.Status)
	assert.Empty(t, m.Active())
	assert.Equal(t, []EventType{EventSubmitted, EventFilled}, rec.types())
}

func TestPaperLimitCrossingAtSubmitFills(t *testing.T) {
	m, _ := newPaper(t, newBook())
	o, err := m.Submit(context.Background(), Request{Side: market.Sell, Type: TypeLimit, Price: 49995, Quantity: 0.1})
	require.NoError(t, err)
	assert.Equal(t, StatusFilled, o.Status)
	assert.Equal(t, 50000.0, o.AvgFillPrice)
}

func TestPaperPostOnlyCrossRejected(t *testing.T) {
	m, rec := newPaper(t, newBook())
	o, err := m.Submit(context.Background(), Request{Side: market.Buy, Type: TypePostOnly, Price: 50010, Quantity: 0.1})
	assert.ErrorIs(t, err, ErrPostOnlyCross)
	assert.Equal(t, StatusRejected, o.Status)
	assert.Equal(t, []EventType{EventSubmitted, EventRejected}, rec.types())
}

func TestPaperMarketWithoutLiquidityRejected(t *testing.T) {
	m, _ := newPaper(t, &staticBook{})
	o, err := m.Submit(context.Background(), Request{Side: market.Buy, Type: TypeMarket, Quantity: 0.1})
	assert.ErrorIs(t, err, ErrNoLiquidity)
	assert.Equal(t, StatusRejected, o.Status)
}

func TestSubmitValidation(t *testing.T) {
	m, _ := newPaper(t, newBook())
	cases := []Request{
		{Side: market.Buy, Type: TypeMarket, Quantity: 0},
		{Side: "HOLD", Type: TypeMarket, Quantity: 1},
		{Side: market.Buy, Type: TypeLimit, Quantity: 1},
		{Side: market.Buy, Type: "IOC", Price: 1, Quantity: 1},
	}
	for _, req := range cases {
		_, err := m.Submit(context.Background(), req)
		assert.ErrorIs(t, err, ErrInvalidRequest)
	}
}

func TestCancelOnlyFromActiveStates(t *testing.T) {
	m, rec := newPaper(t, newBook())
	ctx := context.Background()
	o, err := m.Submit(ctx, Request{Side: market.Buy, Type: TypeLimit, Price: 49000, Quantity: 0.1})
	require.NoError(t, err)

	assert.True(t, m.Cancel(ctx, o.ID))
	assert.False(t, m.Cancel(ctx, o.ID), "terminal order")
	assert.False(t, m.Cancel(ctx, "missing"))

	filled, err := m.Submit(ctx, Request{Side: market.Buy, Type: TypeMarket, Quantity: 0.1})
	require.NoError(t, err)
	assert.False(t, m.Cancel(ctx, filled.ID))

	rec.mu.Lock()
	defer rec.mu.Unlock()
	var cancels int
	for _, ev := range rec.events {
		if ev.Type == EventCancelled {
			cancels++
			assert.True(t, ev.SelfInitiated)
		}
	}
	assert.Equal(t, 1, cancels)
}

func TestCancelAllCountsSuccesses(t *testing.T) {
	m, _ := newPaper(t, newBook())
	ctx := context.Background()
	for _, p := range []float64{49000, 49100, 49200} {
		_, err := m.Submit(ctx, Request{Side: market.Buy, Type: TypeLimit, Price: p, Quantity: 0.1})
		require.NoError(t, err)
	}
	assert.Equal(t, 3, m.CancelAll(ctx))
	assert.Equal(t, 0, m.CancelAll(ctx))
}

func TestRestingOrderExpires(t *testing.T) {
	book := newBook()
	m, rec := newPaper(t, book)
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	m.SetClock(func() time.Time { return now })
	o, err := m.Submit(context.Background(), Request{Side: market.Buy, Type: TypeLimit, Price: 49000, Quantity: 0.1, TTL: time.Minute})
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	m.CheckFills(context.Background(), book.Snapshot())
	got, _ := m.Get(o.ID)
	assert.Equal(t, StatusExpired, got.Status)
	assert.Contains(t, rec.types(), EventExpired)
}

func TestPaperLatencyRespectsContext(t *testing.T) {
	m, err := NewManager(Config{Mode: ModePaper, Paper: PaperConfig{Latency: time.Second}}, nil, newBook(), nil)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	o, err := m.Submit(ctx, Request{Side: market.Buy, Type: TypeMarket, Quantity: 0.1})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, StatusRejected, o.Status)
}

type fakeVenue struct {
	mu        sync.Mutex
	submitErr error
	cancelErr error
	submits   []gateway.OrderRequest
	reports   map[string]gateway.ExecutionReport
	onSubmit  func(gateway.OrderRequest) gateway.ExecutionReport
}

func newFakeVenue() *fakeVenue {
	return &fakeVenue{reports: make(map[string]gateway.ExecutionReport)}
}

func (v *fakeVenue) Submit(_ context.Context, req gateway.OrderRequest) (gateway.ExecutionReport, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.submits = append(v.submits, req)
	if v.submitErr != nil {
		return gateway.ExecutionReport{}, v.submitErr
	}
	rep := gateway.ExecutionReport{ClientOrderID: req.ClientOrderID, VenueOrderID: "v-" + req.ClientOrderID, Status: gateway.VenueStatusNew}
	if v.onSubmit != nil {
		rep = v.onSubmit(req)
	}
	v.reports[req.ClientOrderID] = rep
	return rep, nil
}

func (v *fakeVenue) Cancel(_ context.Context, _ string, id string) (gateway.ExecutionReport, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.cancelErr != nil {
		return gateway.ExecutionReport{}, v.cancelErr
	}
	rep := v.reports[id]
	rep.ClientOrderID = id
	rep.Status = gateway.VenueStatusCanceled
	v.reports[id] = rep
	return rep, nil
}

func (v *fakeVenue) Query(_ context.Context, _ string, id string) (gateway.ExecutionReport, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	rep, ok := v.reports[id]
	if !ok {
		return rep, errors.New("not found")
	}
	return rep, nil
}

func (v *fakeVenue) set(rep gateway.ExecutionReport) {
	v.mu.Lock()
	v.reports[rep.ClientOrderID] = rep
	v.mu.Unlock()
}

func newLive(t *testing.T, v *fakeVenue) (*Manager, *recorder) {
	t.Helper()
	m, err := NewManager(Config{Mode: ModeLive, Symbol: "BTCUSDT"}, v, nil, nil)
	require.NoError(t, err)
	rec := &recorder{}
	m.OnEvent(rec.on)
	return m, rec
}

func TestLiveRequiresVenue(t *testing.T) {
	_, err := NewManager(Config{Mode: ModeLive}, nil, nil, nil)
	assert.ErrorIs(t, err, ErrNoVenue)
}

func TestLiveSubmitFailureIsRetryable(t *testing.T) {
	v := newFakeVenue()
	v.submitErr = errors.New("connection reset")
	m, rec := newLive(t, v)
	o, err := m.Submit(context.Background(), Request{Side: market.Buy, Type: TypeLimit, Price: 50000, Quantity: 0.1})
	require.Error(t, err)
	assert.True(t, gateway.IsRetryable(err))
	assert.Equal(t, StatusRejected, o.Status)
	assert.Equal(t, []EventType{EventSubmitted, EventRejected}, rec.types())
}

func TestLiveVenueBusinessErrorKeepsClassification(t *testing.T) {
	v := newFakeVenue()
	v.submitErr = &gateway.APIError{Status: 400, Code: -2010, Msg: "Account has insufficient balance"}
	m, rec := newLive(t, v)
	o, err := m.Submit(context.Background(), Request{Side: market.Buy, Type: TypeLimit, Price: 50000, Quantity: 0.1})
	require.Error(t, err)
	assert.False(t, gateway.IsRetryable(err))
	var apiErr *gateway.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, -2010, apiErr.Code)
	assert.Equal(t, StatusRejected, o.Status)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	last := rec.events[len(rec.events)-1]
	assert.Equal(t, EventRejected, last.Type)
	assert.False(t, gateway.IsRetryable(last.Err))
}

func TestNormalizeRoundsToConstraints(t *testing.T) {
	m, err := NewManager(Config{
		Mode:        ModePaper,
		Symbol:      "BTCUSDT",
		Constraints: &SymbolConstraints{TickSize: 0.1, StepSize: 0.001, MinQty: 0.001},
	}, nil, newBook(), nil)
	require.NoError(t, err)

	buy := m.Normalize(Request{Side: market.Buy, Type: TypeLimit, Price: 50000.17, Quantity: 0.0505})
	assert.InDelta(t, 50000.1, buy.Price, 1e-9)
	assert.InDelta(t, 0.05, buy.Quantity, 1e-12)

	sell := m.Normalize(Request{Side: market.Sell, Type: TypePostOnly, Price: 50000.11, Quantity: 0.2})
	assert.InDelta(t, 50000.2, sell.Price, 1e-9)

	mkt := m.Normalize(Request{Side: market.Sell, Type: TypeMarket, Quantity: 0.12345})
	assert.Zero(t, mkt.Price)
	assert.InDelta(t, 0.123, mkt.Quantity, 1e-12)

	// 取整后的请求能通过精度校验
	_, err = m.Submit(context.Background(), buy)
	assert.NoError(t, err)
	_, err = m.Submit(context.Background(), Request{Side: market.Buy, Type: TypeLimit, Price: 50000.17, Quantity: 0.0505})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	plain, _ := newPaper(t, newBook())
	req := Request{Side: market.Buy, Type: TypeLimit, Price: 50000.17, Quantity: 0.0505}
	assert.Equal(t, req, plain.Normalize(req))
}

func TestLiveReportsProduceFills(t *testing.T) {
	v := newFakeVenue()
	m, rec := newLive(t, v)
	ctx := context.Background()
	o, err := m.Submit(ctx, Request{Side: market.Buy, Type: TypePostOnly, Price: 50000, Quantity: 0.3})
	require.NoError(t, err)
	assert.Equal(t, StatusSubmitted, o.Status)
	assert.True(t, v.submits[0].PostOnly)
	assert.Equal(t, "LIMIT", v.submits[0].Type)

	require.NoError(t, m.ApplyReport(gateway.ExecutionReport{ClientOrderID: o.ID, Status: gateway.VenueStatusPartiallyFilled, FilledQty: 0.1, AvgPrice: 50000, Fee: 1}))
	// 重复回报不产生新成交
	require.NoError(t, m.ApplyReport(gateway.ExecutionReport{ClientOrderID: o.ID, Status: gateway.VenueStatusPartiallyFilled, FilledQty: 0.1, AvgPrice: 50000, Fee: 1}))
	require.NoError(t, m.ApplyReport(gateway.ExecutionReport{ClientOrderID: o.ID, Status: gateway.VenueStatusFilled, FilledQty: 0.3, AvgPrice: 50000, Fee: 3}))

	got, _ := m.Get(o.ID)
	assert.Equal(t, StatusFilled, got.Status)
	assert.InDelta(t, 0.3, got.FilledQty, 1e-12)
	assert.InDelta(t, 3, got.Fees, 1e-12)
	assert.Equal(t, []EventType{EventSubmitted, EventPartial, EventFilled}, rec.types())

	assert.ErrorIs(t, m.ApplyReport(gateway.ExecutionReport{ClientOrderID: "nope"}), ErrUnknownOrder)
}

func TestLiveCancelFailureKeepsOrder(t *testing.T) {
	v := newFakeVenue()
	m, _ := newLive(t, v)
	ctx := context.Background()
	o, err := m.Submit(ctx, Request{Side: market.Sell, Type: TypeLimit, Price: 50100, Quantity: 0.1})
	require.NoError(t, err)

	v.cancelErr = errors.New("timeout")
	assert.False(t, m.Cancel(ctx, o.ID))
	got, _ := m.Get(o.ID)
	assert.Equal(t, StatusSubmitted, got.Status)

	v.cancelErr = nil
	assert.True(t, m.Cancel(ctx, o.ID))
}
