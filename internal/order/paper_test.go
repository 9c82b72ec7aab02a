package order

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kats-trader/pkg/types"
)

func testBook(askPrice, askVol, bidPrice, bidVol int64) *types.OrderbookData {
	book := &types.OrderbookData{StockCode: "005930"}
	book.AskPrices[0] = askPrice
	book.AskVolumes[0] = askVol
	book.BidPrices[0] = bidPrice
	book.BidVolumes[0] = bidVol
	return book
}

func TestSimulateFillSmallOrder(t *testing.T) {
	t.Parallel()

	o := submittedOrder(t, testSignal()) // BUY 100
	fill := SimulateFill(o, testBook(10000, 10000, 9990, 10000))

	require.True(t, fill.Filled)
	assert.Equal(t, int64(100), fill.Qty)
	// best ask + 0.1% base slippage
	assert.Equal(t, int64(10010), fill.Price)
}

func TestSimulateFillSellHitsBid(t *testing.T) {
	t.Parallel()

	sig := testSignal()
	sig.Side = types.SELL
	o := submittedOrder(t, sig)

	fill := SimulateFill(o, testBook(10010, 10000, 10000, 10000))
	require.True(t, fill.Filled)
	assert.Equal(t, int64(9990), fill.Price, "slippage works against the seller")
}

func TestSimulateFillLargeOrderPartialWithImpact(t *testing.T) {
	t.Parallel()

	sig := testSignal()
	sig.Quantity = 5000
	o := submittedOrder(t, sig)

	fill := SimulateFill(o, testBook(10000, 1000, 9990, 1000))
	require.True(t, fill.Filled)
	assert.Equal(t, int64(200), fill.Qty, "partial fill of a fifth of the level")

	// ratio 5.0: impact (5.0−0.2)×0.05×100 = 24%, plus 0.1% base
	assert.Equal(t, int64(12410), fill.Price)
}

func TestSimulateFillRejections(t *testing.T) {
	t.Parallel()

	o := submittedOrder(t, testSignal())

	fill := SimulateFill(o, nil)
	assert.True(t, fill.Rejected)

	fill = SimulateFill(o, testBook(0, 0, 0, 0))
	assert.True(t, fill.Rejected)
	assert.Contains(t, fill.Reason, "degenerate")
}

func TestPaperAccountRoundTrip(t *testing.T) {
	t.Parallel()

	a := NewPaperAccount(10_000_000, 0.00015, 0.0018, discardLogger())

	require.NoError(t, a.ApplyFill("005930", types.BUY, 10, 10000))
	// gross 100000, commission floor(15) = 15
	assert.Equal(t, int64(10_000_000-100_015), a.Cash())

	pos, ok := a.Position("005930")
	require.True(t, ok)
	assert.Equal(t, int64(10), pos.Quantity)
	assert.InDelta(t, 10000.0, pos.AvgPrice, 0.01)

	require.NoError(t, a.ApplyFill("005930", types.SELL, 10, 11000))
	// gross 110000, commission 16, tax 198 -> proceeds 109786
	assert.Equal(t, int64(9786), a.RealizedPnL())
	assert.Equal(t, int64(10_009_771), a.Cash())

	_, ok = a.Position("005930")
	assert.False(t, ok, "flat positions are dropped")
}

func TestPaperAccountAveragesBuys(t *testing.T) {
	t.Parallel()

	a := NewPaperAccount(10_000_000, 0, 0, discardLogger())
	require.NoError(t, a.ApplyFill("005930", types.BUY, 10, 10000))
	require.NoError(t, a.ApplyFill("005930", types.BUY, 30, 12000))

	pos, _ := a.Position("005930")
	assert.Equal(t, int64(40), pos.Quantity)
	assert.InDelta(t, 11500.0, pos.AvgPrice, 0.01)
}

func TestPaperAccountRejectsBadFills(t *testing.T) {
	t.Parallel()

	a := NewPaperAccount(100_000, 0.00015, 0.0018, discardLogger())

	err := a.ApplyFill("005930", types.BUY, 100, 10000)
	assert.ErrorContains(t, err, "insufficient cash")

	err = a.ApplyFill("005930", types.SELL, 1, 10000)
	assert.ErrorContains(t, err, "no position")
}

func TestPaperAccountTotalEquity(t *testing.T) {
	t.Parallel()

	a := NewPaperAccount(1_000_000, 0, 0, discardLogger())
	require.NoError(t, a.ApplyFill("005930", types.BUY, 10, 10000))

	// marked at the last price when available
	equity := a.TotalEquity(func(string) int64 { return 12000 })
	assert.Equal(t, int64(900_000+120_000), equity)

	// falls back to average cost without a quote
	equity = a.TotalEquity(nil)
	assert.Equal(t, int64(1_000_000), equity)
}
