package order

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kats-trader/internal/exchange"
	"kats-trader/internal/risk"
	"kats-trader/pkg/types"
)

type fakeBroker struct {
	placed    []string
	cancelled []string
	modified  []int64
	placeErr  error
	nextNo    string
}

func (b *fakeBroker) PlaceOrder(_ context.Context, stockCode string, _ types.Side, _, _ int64) (*exchange.OrderResult, error) {
	if b.placeErr != nil {
		return nil, b.placeErr
	}
	b.placed = append(b.placed, stockCode)
	return &exchange.OrderResult{OrderNo: b.nextNo, OrderTime: "093015"}, nil
}

func (b *fakeBroker) CancelOrder(_ context.Context, orderNo, _ string) (*exchange.OrderResult, error) {
	b.cancelled = append(b.cancelled, orderNo)
	return &exchange.OrderResult{OrderNo: orderNo}, nil
}

func (b *fakeBroker) ModifyOrder(_ context.Context, orderNo, _ string, newPrice int64) (*exchange.OrderResult, error) {
	b.modified = append(b.modified, newPrice)
	return &exchange.OrderResult{OrderNo: orderNo}, nil
}

type fakeGate struct {
	result      risk.CheckResult
	filled      []int64
	rejected    []string
	rejectedAmt []int64
	closed      []string
}

func (g *fakeGate) ValidateOrder(context.Context, types.TradeSignal) risk.CheckResult {
	return g.result
}

func (g *fakeGate) OnOrderFilled(_ types.TradeSignal, filledAmount int64, _ string) {
	g.filled = append(g.filled, filledAmount)
}

func (g *fakeGate) OnOrderRejected(sig types.TradeSignal, amount int64, _ string) {
	g.rejected = append(g.rejected, sig.StockCode)
	g.rejectedAmt = append(g.rejectedAmt, amount)
}

func (g *fakeGate) OnPositionClosed(stockCode, _ string, _ types.StockGrade, _ string, _ int64) {
	g.closed = append(g.closed, stockCode)
}

func passGate(qty int64) *fakeGate {
	return &fakeGate{result: risk.CheckResult{
		Passed:    true,
		Sizing:    risk.Sizing{Quantity: qty, Amount: qty * 71200},
		MarginKey: "005930_1",
	}}
}

func newLiveManager(t *testing.T, broker *fakeBroker, gate *fakeGate) *Manager {
	t.Helper()
	tr := NewTracker(testTrackerConfig(), discardLogger())
	return NewManager(types.ModeLive, broker, tr, gate, nil, nil,
		func(string) *types.OrderbookData { return nil }, discardLogger())
}

func newPaperManager(t *testing.T, gate *fakeGate, book *types.OrderbookData) (*Manager, *PaperAccount) {
	t.Helper()
	tr := NewTracker(testTrackerConfig(), discardLogger())
	acct := NewPaperAccount(100_000_000, 0.00015, 0.0018, discardLogger())
	m := NewManager(types.ModePaper, &fakeBroker{}, tr, gate, acct, nil,
		func(string) *types.OrderbookData { return book }, discardLogger())
	return m, acct
}

func TestPlaceLiveOrder(t *testing.T) {
	t.Parallel()

	broker := &fakeBroker{nextNo: "0001234567"}
	gate := passGate(100)
	m := newLiveManager(t, broker, gate)

	o, err := m.Place(context.Background(), testSignal())
	require.NoError(t, err)
	assert.Equal(t, types.StateSubmitted, o.CurrentState())
	assert.Equal(t, "0001234567", o.BrokerOrderNo)

	found, ok := m.Tracker().FindByBrokerNo("0001234567")
	require.True(t, ok)
	assert.Equal(t, o.ID, found.ID)
}

func TestPlaceRejectedByRisk(t *testing.T) {
	t.Parallel()

	gate := &fakeGate{result: risk.CheckResult{StepName: "cash_margin", Reason: "available 0"}}
	m := newLiveManager(t, &fakeBroker{}, gate)

	_, err := m.Place(context.Background(), testSignal())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cash_margin")
}

func TestPlaceBrokerErrorUnwinds(t *testing.T) {
	t.Parallel()

	broker := &fakeBroker{placeErr: errors.New("EGW00123: order refused")}
	gate := passGate(100)
	m := newLiveManager(t, broker, gate)

	o, err := m.Place(context.Background(), testSignal())
	require.Error(t, err)
	assert.Equal(t, types.StateRejected, o.CurrentState())
	assert.Equal(t, []string{"005930"}, gate.rejected)
}

func TestPlaceWhileBlocked(t *testing.T) {
	t.Parallel()

	m := newLiveManager(t, &fakeBroker{}, passGate(100))
	m.Block()

	_, err := m.Place(context.Background(), testSignal())
	assert.ErrorIs(t, err, ErrTradingBlocked)

	m.Unblock()
	_, err = m.Place(context.Background(), testSignal())
	assert.NoError(t, err)
}

func TestPaperPlaceFillsSync(t *testing.T) {
	t.Parallel()

	gate := passGate(100)
	m, acct := newPaperManager(t, gate, testBook(50000, 10000, 49950, 10000))

	o, err := m.Place(context.Background(), testSignal())
	require.NoError(t, err)
	assert.Equal(t, types.StateFilled, o.CurrentState())

	pos := m.Position("005930")
	require.NotNil(t, pos)
	assert.Equal(t, int64(100), pos.Quantity)
	assert.InDelta(t, 50050.0, pos.AvgPrice, 0.01) // ask + 0.1% slippage

	require.Len(t, gate.filled, 1)
	assert.Equal(t, int64(100*50050), gate.filled[0])
	assert.Less(t, acct.Cash(), int64(100_000_000))
}

func TestPaperPlacePartialStaysTracked(t *testing.T) {
	t.Parallel()

	gate := passGate(5000)
	m, _ := newPaperManager(t, gate, testBook(50000, 1000, 49950, 1000))

	o, err := m.Place(context.Background(), testSignal())
	require.NoError(t, err)
	assert.Equal(t, types.StatePartialFilled, o.CurrentState())
	assert.Equal(t, int64(200), o.FilledQty)

	_, ok := m.Tracker().Get(o.ID)
	assert.True(t, ok, "the remainder rests with the tracker")
	assert.Empty(t, gate.filled, "settlement waits for the full fill")
}

func TestHandleNoticeFillFlow(t *testing.T) {
	t.Parallel()

	broker := &fakeBroker{nextNo: "0001234567"}
	gate := passGate(100)
	m := newLiveManager(t, broker, gate)

	o, err := m.Place(context.Background(), testSignal())
	require.NoError(t, err)

	m.HandleNotice(types.OrderNotice{
		OrderNo: "0001234567", StockCode: "005930", Side: types.BUY,
		ExecQty: 40, ExecPrice: 71000, RemainingQty: 60,
	})
	assert.Equal(t, types.StatePartialFilled, o.CurrentState())
	pos := m.Position("005930")
	require.NotNil(t, pos)
	assert.Equal(t, int64(40), pos.Quantity)

	m.HandleNotice(types.OrderNotice{
		OrderNo: "0001234567", StockCode: "005930", Side: types.BUY,
		ExecQty: 60, ExecPrice: 71400,
	})
	assert.Equal(t, types.StateFilled, o.CurrentState())
	assert.Equal(t, int64(100), m.Position("005930").Quantity)
	require.Len(t, gate.filled, 1)
}

func TestHandleNoticeReject(t *testing.T) {
	t.Parallel()

	broker := &fakeBroker{nextNo: "0001234567"}
	gate := passGate(100)
	m := newLiveManager(t, broker, gate)

	o, err := m.Place(context.Background(), testSignal())
	require.NoError(t, err)

	m.HandleNotice(types.OrderNotice{
		OrderNo: "0001234567", StockCode: "005930",
		RejectReason: "주문가능금액 부족",
	})
	assert.Equal(t, types.StateRejected, o.CurrentState())
	assert.Equal(t, []string{"005930"}, gate.rejected)
}

func TestHandleNoticeUnknownOrder(t *testing.T) {
	t.Parallel()

	m := newLiveManager(t, &fakeBroker{}, passGate(100))
	assert.NotPanics(t, func() {
		m.HandleNotice(types.OrderNotice{OrderNo: "404", ExecQty: 10, ExecPrice: 100})
	})
}

func TestCancelReleasesReservations(t *testing.T) {
	t.Parallel()

	broker := &fakeBroker{nextNo: "0001234567"}
	gate := passGate(100)
	m := newLiveManager(t, broker, gate)

	o, err := m.Place(context.Background(), testSignal())
	require.NoError(t, err)

	require.NoError(t, m.Cancel(context.Background(), o.ID))
	assert.Equal(t, types.StateCancelled, o.CurrentState())
	assert.Equal(t, []string{"0001234567"}, broker.cancelled)
	assert.Equal(t, []string{"005930"}, gate.rejected, "nothing filled, everything releases")
	assert.Equal(t, []int64{100 * 71200}, gate.rejectedAmt)
}

func TestAmendedCancelReleasesFullReservation(t *testing.T) {
	t.Parallel()

	broker := &fakeBroker{nextNo: "0001234567"}
	gate := passGate(100)
	m := newLiveManager(t, broker, gate)

	o, err := m.Place(context.Background(), testSignal())
	require.NoError(t, err)

	// Chasing to market rewrites the price to 0; the cancel must still
	// give back the amount reserved at placement, not price*quantity.
	require.NoError(t, m.Modify(context.Background(), o.ID, 0))
	require.NoError(t, m.Cancel(context.Background(), o.ID))

	require.Len(t, gate.rejectedAmt, 1)
	assert.Equal(t, int64(100*71200), gate.rejectedAmt[0])
}

func TestPartialFillCancelReleasesExcess(t *testing.T) {
	t.Parallel()

	broker := &fakeBroker{nextNo: "0001234567"}
	gate := passGate(100)
	m := newLiveManager(t, broker, gate)

	o, err := m.Place(context.Background(), testSignal())
	require.NoError(t, err)

	m.HandleNotice(types.OrderNotice{
		OrderNo: "0001234567", StockCode: "005930", Side: types.BUY,
		ExecQty: 40, ExecPrice: 71000, RemainingQty: 60,
	})
	require.NoError(t, m.Cancel(context.Background(), o.ID))

	// The filled slice settles as exposure; the rest of the placement
	// reservation comes back.
	require.Len(t, gate.filled, 1)
	assert.Equal(t, int64(40*71000), gate.filled[0])
	require.Len(t, gate.rejectedAmt, 1)
	assert.Equal(t, int64(100*71200-40*71000), gate.rejectedAmt[0])
}

func TestSellClosesPosition(t *testing.T) {
	t.Parallel()

	gate := passGate(100)
	m, _ := newPaperManager(t, gate, testBook(50000, 10000, 49950, 10000))

	_, err := m.Place(context.Background(), testSignal())
	require.NoError(t, err)
	require.NotNil(t, m.Position("005930"))

	gate.result.Sizing = risk.Sizing{Quantity: 100, Amount: 100 * 49950}
	gate.result.MarginKey = ""
	sell := testSignal()
	sell.Side = types.SELL
	_, err = m.Place(context.Background(), sell)
	require.NoError(t, err)

	assert.Nil(t, m.Position("005930"))
	assert.Equal(t, []string{"005930"}, gate.closed)
}

func TestModifySubmittedOrder(t *testing.T) {
	t.Parallel()

	broker := &fakeBroker{nextNo: "0001234567"}
	m := newLiveManager(t, broker, passGate(100))

	o, err := m.Place(context.Background(), testSignal())
	require.NoError(t, err)

	require.NoError(t, m.Modify(context.Background(), o.ID, 71500))
	assert.Equal(t, types.StateSubmitted, o.CurrentState())
	assert.Equal(t, int64(71500), o.Price)
	assert.Equal(t, []int64{71500}, broker.modified)
}

func TestCancelAllPending(t *testing.T) {
	t.Parallel()

	broker := &fakeBroker{nextNo: "0001234567"}
	m := newLiveManager(t, broker, passGate(100))

	_, err := m.Place(context.Background(), testSignal())
	require.NoError(t, err)

	require.NoError(t, m.CancelAllPending(context.Background()))
	assert.Len(t, broker.cancelled, 1)
	assert.Empty(t, m.Tracker().Pending())
}

func TestCloseAllPositions(t *testing.T) {
	t.Parallel()

	gate := passGate(100)
	m, _ := newPaperManager(t, gate, testBook(50000, 10000, 49950, 10000))

	_, err := m.Place(context.Background(), testSignal())
	require.NoError(t, err)
	require.NotNil(t, m.Position("005930"))

	require.NoError(t, m.CloseAllPositions(context.Background()))
	assert.Nil(t, m.Position("005930"))
}

func TestPyramidSignalFromPosition(t *testing.T) {
	t.Parallel()

	gate := passGate(100)
	tr := NewTracker(testTrackerConfig(), discardLogger())
	acct := NewPaperAccount(100_000_000, 0, 0, discardLogger())
	pyr, err := NewPyramid(testPyramidConfig())
	require.NoError(t, err)
	book := testBook(50000, 10000, 49950, 10000)
	m := NewManager(types.ModePaper, &fakeBroker{}, tr, gate, acct, pyr,
		func(string) *types.OrderbookData { return book }, discardLogger())

	// Stage 0 buys half the sized position
	o, err := m.Place(context.Background(), testSignal())
	require.NoError(t, err)
	assert.Equal(t, int64(50), o.Quantity)
	assert.Equal(t, 1, pyr.Stage("005930"))

	pos := m.Position("005930")
	require.NotNil(t, pos)
	assert.Equal(t, int64(100), pos.PlannedTotal)

	// Up 5% from the average entry: stage 1 fires
	trigger := int64(pos.AvgPrice * 1.06)
	sig, ok := m.PyramidSignal("005930", trigger)
	require.True(t, ok)
	assert.Equal(t, types.BUY, sig.Side)
	assert.Equal(t, "005930", sig.StockCode)

	// Barely above entry: not yet
	_, ok = m.PyramidSignal("005930", int64(pos.AvgPrice*1.01))
	assert.False(t, ok)
}
