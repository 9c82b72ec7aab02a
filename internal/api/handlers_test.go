package api

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kats-trader/internal/order"
	"kats-trader/pkg/types"
)

type fakeProvider struct {
	positions []order.Position
	pending   []*order.Order
	risk      RiskStatus
}

func (f *fakeProvider) Mode() types.TradeMode        { return types.ModePaper }
func (f *fakeProvider) Equity() int64                { return 100_500_000 }
func (f *fakeProvider) Cash() int64                  { return 93_000_000 }
func (f *fakeProvider) RealizedPnL() int64           { return 500_000 }
func (f *fakeProvider) Positions() []order.Position  { return f.positions }
func (f *fakeProvider) PendingOrders() []*order.Order { return f.pending }
func (f *fakeProvider) LastPrice(string) int64       { return 75000 }
func (f *fakeProvider) RiskStatus() RiskStatus       { return f.risk }

func newTestHandlers(p StatusProvider) *Handlers {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewHandlers(p, NewHub(logger), logger)
}

func TestHandleStatus(t *testing.T) {
	t.Parallel()

	provider := &fakeProvider{
		positions: []order.Position{{
			StockCode: "005930",
			Quantity:  100,
			AvgPrice:  71200,
			Grade:     types.GradeA,
			StopLoss:  69000,
		}},
		risk: RiskStatus{DrawdownLevel: "GREEN", LockedCapital: 1_000_000},
	}
	h := newTestHandlers(provider)

	rec := httptest.NewRecorder()
	h.HandleStatus(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var snap StatusSnapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, types.ModePaper, snap.Mode)
	assert.Equal(t, int64(100_500_000), snap.Equity)
	require.Len(t, snap.Positions, 1)

	pos := snap.Positions[0]
	assert.Equal(t, int64(75000), pos.LastPrice)
	assert.Equal(t, int64(380_000), pos.UnrealizedPnL) // (75000-71200) × 100
	assert.InDelta(t, 5.337, pos.ProfitPct, 0.01)
	assert.Equal(t, "GREEN", snap.Risk.DrawdownLevel)
}

func TestHandleOrders(t *testing.T) {
	t.Parallel()

	o := order.NewOrder(types.TradeSignal{
		StockCode: "000660", Side: types.SELL, Quantity: 50, Price: 200000, StrategyCode: "GR",
	})
	require.NoError(t, o.TransitionTo(types.StateSubmitted, nil))
	o.SetBrokerOrderNo("0001234567")

	h := newTestHandlers(&fakeProvider{pending: []*order.Order{o}})

	rec := httptest.NewRecorder()
	h.HandleOrders(rec, httptest.NewRequest(http.MethodGet, "/api/orders", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var orders []OrderStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &orders))
	require.Len(t, orders, 1)
	assert.Equal(t, o.ID, orders[0].OrderID)
	assert.Equal(t, "0001234567", orders[0].BrokerNo)
	assert.Equal(t, "SUBMITTED", orders[0].State)
}

func TestHandleRisk(t *testing.T) {
	t.Parallel()

	h := newTestHandlers(&fakeProvider{risk: RiskStatus{
		DrawdownLevel: "RED",
		PaperForced:   true,
		TradingHalted: true,
		HaltReason:    "paper trading only",
	}})

	rec := httptest.NewRecorder()
	h.HandleRisk(rec, httptest.NewRequest(http.MethodGet, "/api/risk", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var risk RiskStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &risk))
	assert.True(t, risk.PaperForced)
	assert.Equal(t, "RED", risk.DrawdownLevel)
}

func TestHandleHealth(t *testing.T) {
	t.Parallel()

	h := newTestHandlers(&fakeProvider{})
	rec := httptest.NewRecorder()
	h.HandleHealth(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}
