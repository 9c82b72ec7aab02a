package risk

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kats-trader/internal/market"
	"kats-trader/pkg/types"
)

type fakeVI struct {
	check market.ProximityCheck
}

func (f *fakeVI) CheckProximity(string, int64) market.ProximityCheck {
	return f.check
}

func newTestManager(capital, balance int64, vi VIChecker) *Manager {
	cfg := testRiskConfig()
	getBalance := func(context.Context) (int64, error) { return balance, nil }

	return NewManager(
		NewSizer(cfg),
		NewAllocator(cfg.SectorCapPct),
		NewKillSwitch(capital, cfg.DailyLossLimitPct, discardLogger()),
		NewDrawdown(discardLogger()),
		NewPositionLock(),
		NewMarginGuard(0.00015, 0.0018, 5*time.Second, getBalance, discardLogger()),
		vi,
		func() int64 { return capital },
		discardLogger(),
	)
}

func TestPipelinePasses(t *testing.T) {
	t.Parallel()

	m := newTestManager(100_000_000, 100_000_000, &fakeVI{check: market.ProximityCheck{Tradeable: true}})

	res := m.ValidateOrder(context.Background(), buySignal())
	require.True(t, res.Passed, "rejected at step %s: %s", res.StepName, res.Reason)
	assert.Equal(t, int64(600), res.Sizing.Quantity)
	assert.NotEmpty(t, res.MarginKey)
}

func TestPipelineRejectsAtSizing(t *testing.T) {
	t.Parallel()

	m := newTestManager(100_000_000, 100_000_000, nil)

	sig := buySignal()
	sig.Confidence = 1
	res := m.ValidateOrder(context.Background(), sig)
	assert.False(t, res.Passed)
	assert.Equal(t, "per_trade_risk", res.StepName)
}

func TestPipelineRejectsOnDrawdownHalt(t *testing.T) {
	t.Parallel()

	m := newTestManager(100_000_000, 100_000_000, nil)
	m.drawdown.Evaluate(-1.0, -1.0, -16.0) // BLACK

	res := m.ValidateOrder(context.Background(), buySignal())
	assert.False(t, res.Passed)
	assert.Equal(t, "monthly_cumulative_loss", res.StepName)
}

func TestPipelineRejectsOnKillSwitch(t *testing.T) {
	t.Parallel()

	// Current capital down 5% from the kill switch's start capital
	m := newTestManager(95_000_000, 95_000_000, nil)
	m.killSwitch.ResetDaily(100_000_000)

	res := m.ValidateOrder(context.Background(), buySignal())
	assert.False(t, res.Passed)
	assert.Equal(t, "daily_kill_switch", res.StepName)
}

func TestPipelineRejectsOnGradeLimit(t *testing.T) {
	t.Parallel()

	m := newTestManager(100_000_000, 100_000_000, nil)
	// BULL grade A allocation is 35%; fill most of it
	m.allocator.RecordOpen(types.GradeA, "other", 30_000_000)

	res := m.ValidateOrder(context.Background(), buySignal())
	assert.False(t, res.Passed)
	assert.Equal(t, "grade_limit", res.StepName)
	assert.Contains(t, res.Reason, "grade A")
}

func TestPipelineVIRejectionReleasesLock(t *testing.T) {
	t.Parallel()

	vi := &fakeVI{check: market.ProximityCheck{State: types.VITriggered, Reason: "VI in effect"}}
	m := newTestManager(100_000_000, 100_000_000, vi)

	res := m.ValidateOrder(context.Background(), buySignal())
	assert.False(t, res.Passed)
	assert.Equal(t, "vi_status", res.StepName)
	assert.Zero(t, m.lock.StockExposure("005930"), "rejection must release the lock reservation")
}

func TestPipelineMarginRejectionReleasesLock(t *testing.T) {
	t.Parallel()

	m := newTestManager(100_000_000, 1_000_000, nil) // balance far below the sized order

	res := m.ValidateOrder(context.Background(), buySignal())
	assert.False(t, res.Passed)
	assert.Equal(t, "cash_margin", res.StepName)
	assert.Zero(t, m.lock.StockExposure("005930"))
}

func TestPipelineSellSkipsExposureChecks(t *testing.T) {
	t.Parallel()

	m := newTestManager(100_000_000, 0, &fakeVI{check: market.ProximityCheck{Tradeable: true}})

	sell := types.TradeSignal{
		StockCode: "005930",
		Side:      types.SELL,
		Quantity:  100,
		Price:     71200,
	}
	res := m.ValidateOrder(context.Background(), sell)
	require.True(t, res.Passed, "rejected at %s: %s", res.StepName, res.Reason)
	assert.Equal(t, int64(100), res.Sizing.Quantity)
	assert.Empty(t, res.MarginKey, "sells reserve no cash")
}

func TestPipelineGreenDrawdownHalvesSize(t *testing.T) {
	t.Parallel()

	m := newTestManager(100_000_000, 100_000_000, nil)
	m.drawdown.Evaluate(-2.5, -2.5, -2.5) // GREEN

	res := m.ValidateOrder(context.Background(), buySignal())
	require.True(t, res.Passed, "rejected at %s: %s", res.StepName, res.Reason)
	assert.Equal(t, int64(300), res.Sizing.Quantity)
}

func TestManagerResetDaily(t *testing.T) {
	t.Parallel()

	m := newTestManager(100_000_000, 100_000_000, nil)
	res := m.ValidateOrder(context.Background(), buySignal())
	require.True(t, res.Passed)
	require.NotZero(t, m.lock.StockExposure("005930"))

	m.ResetDaily(100_000_000)
	assert.Zero(t, m.lock.StockExposure("005930"))
	assert.Zero(t, m.margin.Pending())
	assert.False(t, m.killSwitch.Triggered())
}

func TestOnOrderRejectedUnwinds(t *testing.T) {
	t.Parallel()

	m := newTestManager(100_000_000, 100_000_000, nil)
	sig := buySignal()

	res := m.ValidateOrder(context.Background(), sig)
	require.True(t, res.Passed)

	m.OnOrderRejected(sig, res.Sizing.Amount, res.MarginKey)
	assert.Zero(t, m.lock.StockExposure("005930"))
	assert.Zero(t, m.margin.Pending())
}

func TestOnPositionClosedReleasesOwningStrategy(t *testing.T) {
	t.Parallel()

	m := newTestManager(100_000_000, 100_000_000, nil)

	// Wide stops keep the sized amounts well under the grade hard cap,
	// so both strategies can hold the stock at once.
	vb := buySignal()
	vb.StopLossPrice = 40000
	res := m.ValidateOrder(context.Background(), vb)
	require.True(t, res.Passed, "rejected at %s: %s", res.StepName, res.Reason)

	gr := buySignal()
	gr.StopLossPrice = 40000
	gr.StrategyCode = "GR"
	grRes := m.ValidateOrder(context.Background(), gr)
	require.True(t, grRes.Passed, "rejected at %s: %s", grRes.StepName, grRes.Reason)

	// Closing the VB position leaves GR's reservation untouched.
	m.OnPositionClosed("005930", "VB", vb.Grade, vb.Sector, res.Sizing.Amount)
	assert.Zero(t, m.lock.StrategyExposure("005930", "VB"))
	assert.Equal(t, grRes.Sizing.Amount, m.lock.StrategyExposure("005930", "GR"))
}
