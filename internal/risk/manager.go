package risk

import (
	"context"
	"log/slog"

	"kats-trader/internal/market"
	"kats-trader/pkg/types"
)

// Pipeline step numbers, in evaluation order.
const (
	stepPerTradeRisk = iota + 1
	stepMonthlyCumulativeLoss
	stepDailyKillSwitch
	stepGradeLimit
	stepSectorConcentration
	stepSpecialEvent
	stepGlobalPositionLock
	stepVIStatus
	stepCashMargin
)

var stepNames = map[int]string{
	stepPerTradeRisk:          "per_trade_risk",
	stepMonthlyCumulativeLoss: "monthly_cumulative_loss",
	stepDailyKillSwitch:       "daily_kill_switch",
	stepGradeLimit:            "grade_limit",
	stepSectorConcentration:   "sector_concentration",
	stepSpecialEvent:          "special_event",
	stepGlobalPositionLock:    "global_position_lock",
	stepVIStatus:              "vi_status",
	stepCashMargin:            "cash_margin",
}

// CheckResult is the outcome of running a signal through the pipeline.
// On rejection, Step/StepName/Reason identify the failing check. On
// success, Sizing carries the approved position size and MarginKey the
// cash reservation to release once the order settles or dies.
type CheckResult struct {
	Passed   bool
	Step     int
	StepName string
	Reason   string

	Sizing    Sizing
	MarginKey string
}

// VIChecker is the market-side VI proximity check the pipeline consults.
type VIChecker interface {
	CheckProximity(stockCode string, price int64) market.ProximityCheck
}

// Manager runs the nine-check validation pipeline over every signal.
// The first failing check rejects the order; checks that reserve state
// (position lock, margin) release it again when a later check rejects.
type Manager struct {
	sizer      *Sizer
	allocator  *Allocator
	killSwitch *KillSwitch
	drawdown   *Drawdown
	lock       *PositionLock
	margin     *MarginGuard
	vi         VIChecker

	capital func() int64 // current account equity

	logger *slog.Logger
}

// NewManager wires the pipeline from its component checks.
func NewManager(
	sizer *Sizer,
	allocator *Allocator,
	killSwitch *KillSwitch,
	drawdown *Drawdown,
	lock *PositionLock,
	margin *MarginGuard,
	vi VIChecker,
	capital func() int64,
	logger *slog.Logger,
) *Manager {
	return &Manager{
		sizer:      sizer,
		allocator:  allocator,
		killSwitch: killSwitch,
		drawdown:   drawdown,
		lock:       lock,
		margin:     margin,
		vi:         vi,
		capital:    capital,
		logger:     logger.With("component", "risk"),
	}
}

func reject(step int, reason string) CheckResult {
	return CheckResult{Step: step, StepName: stepNames[step], Reason: reason}
}

// ValidateOrder runs a signal through every check in order. BUY signals
// get the full pipeline; SELLs (position exits) skip sizing and the
// exposure checks but still respect halts and VI state.
func (m *Manager) ValidateOrder(ctx context.Context, sig types.TradeSignal) CheckResult {
	capital := m.capital()

	var sizing Sizing
	if sig.Side == types.BUY {
		// Step 1: position sizing within the per-trade risk budget
		var err error
		sizing, err = m.sizer.Size(sig, capital)
		if err != nil {
			return reject(stepPerTradeRisk, err.Error())
		}
		// A GREEN drawdown halves the size
		if scale := m.drawdown.RiskScale(); scale < 1.0 {
			sizing.Quantity = int64(float64(sizing.Quantity) * scale)
			if sizing.Quantity < 1 {
				sizing.Quantity = 1
			}
			sizing.Amount = sizing.Quantity * sig.Price
			sizing.RiskAmount = sizing.Quantity * (sig.Price - sig.StopLossPrice)
		}
	} else {
		sizing = Sizing{Quantity: sig.Quantity, Amount: sig.Quantity * sig.Price}
	}

	// Step 2: drawdown protocol halts
	if ok, reason := m.drawdown.CanTrade(); !ok {
		return reject(stepMonthlyCumulativeLoss, reason)
	}

	// Step 3: daily kill switch
	if !m.killSwitch.Check(capital) {
		return reject(stepDailyKillSwitch, "daily loss limit reached, trading halted")
	}

	if sig.Side == types.BUY {
		// Step 4: regime grade allocation
		if err := m.allocator.CheckGrade(sig.Grade, sig.Regime, sizing.Amount, capital); err != nil {
			return reject(stepGradeLimit, err.Error())
		}

		// Step 5: sector concentration
		if err := m.allocator.CheckSector(sig.Sector, sizing.Amount, capital); err != nil {
			return reject(stepSectorConcentration, err.Error())
		}
	}

	// Step 6: special events carry no hard rule yet, log for the journal
	m.logger.Debug("special event check",
		"step", stepNames[stepSpecialEvent],
		"stock_code", sig.StockCode,
	)

	if sig.Side == types.BUY {
		// Step 7: global position lock reserves the exposure
		if err := m.lock.CheckAndReserve(sig.StockCode, sig.StrategyCode, sig.Grade, sizing.Amount, capital); err != nil {
			return reject(stepGlobalPositionLock, err.Error())
		}
	}

	// Step 8: VI state; release the lock reservation on rejection
	if m.vi != nil {
		if check := m.vi.CheckProximity(sig.StockCode, sig.Price); !check.Tradeable {
			if sig.Side == types.BUY {
				m.lock.Release(sig.StockCode, sig.StrategyCode, sizing.Amount)
			}
			return reject(stepVIStatus, check.Reason)
		}
	}

	// Step 9: cash margin; release the lock reservation on rejection
	marginKey, err := m.margin.Check(ctx, sig.StockCode, sig.Side, sizing.Quantity, sig.Price)
	if err != nil {
		if sig.Side == types.BUY {
			m.lock.Release(sig.StockCode, sig.StrategyCode, sizing.Amount)
		}
		return reject(stepCashMargin, err.Error())
	}

	return CheckResult{Passed: true, Sizing: sizing, MarginKey: marginKey}
}

// OnOrderFilled settles the bookkeeping for a completed BUY: the margin
// reservation converts into real exposure.
func (m *Manager) OnOrderFilled(sig types.TradeSignal, filledAmount int64, marginKey string) {
	if marginKey != "" {
		m.margin.ReleaseKey(marginKey)
	}
	if sig.Side == types.BUY {
		m.allocator.RecordOpen(sig.Grade, sig.Sector, filledAmount)
	}
	m.margin.InvalidateBalance()
}

// OnOrderRejected unwinds reservations for an order the broker refused.
func (m *Manager) OnOrderRejected(sig types.TradeSignal, amount int64, marginKey string) {
	if sig.Side == types.BUY {
		m.lock.Release(sig.StockCode, sig.StrategyCode, amount)
	}
	if marginKey != "" {
		m.margin.ReleaseKey(marginKey)
	}
}

// OnPositionClosed releases the exposure a closed position held under
// the strategy that opened it.
func (m *Manager) OnPositionClosed(stockCode, strategy string, grade types.StockGrade, sector string, amount int64) {
	m.lock.Release(stockCode, strategy, amount)
	m.allocator.RecordClose(grade, sector, amount)
	m.margin.InvalidateBalance()
}

// ResetDaily re-arms all daily state for a new session.
func (m *Manager) ResetDaily(newCapital int64) {
	m.killSwitch.ResetDaily(newCapital)
	m.drawdown.ResetDaily()
	m.lock.ClearAll()
	m.margin.ClearReservations()
	m.logger.Info("daily risk state reset", "capital", newCapital)
}

// Drawdown exposes the drawdown protocol for the status API and engine.
func (m *Manager) Drawdown() *Drawdown { return m.drawdown }

// KillSwitch exposes the kill switch for the status API and engine.
func (m *Manager) KillSwitch() *KillSwitch { return m.killSwitch }
