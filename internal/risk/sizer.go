// Package risk implements the pre-trade validation pipeline: position
// sizing, grade/sector allocation limits, the global position lock, the
// daily kill switch, the drawdown protocol, the cash margin guard, and
// trailing stops. Manager chains the checks in a fixed order; the first
// failure rejects the order.
package risk

import (
	"fmt"

	"kats-trader/internal/config"
	"kats-trader/pkg/types"
)

// rMultipleTarget is the profit target in R multiples (risk units).
const rMultipleTarget = 3.0

// confidenceMult scales the risk budget by signal confidence.
// Signals at 2 stars or below are rejected outright.
var confidenceMult = map[int]float64{
	5: 1.0,
	4: 0.75,
	3: 0.5,
}

// Sizing is the computed position size for an approved signal.
type Sizing struct {
	Quantity    int64
	Amount      int64 // quantity × entry
	RiskAmount  int64 // 1R: quantity × (entry − stop)
	TargetPrice int64 // entry + 3R
}

// Sizer computes position sizes from the account risk budget.
// Risk per trade scales with the market regime (2.0% in a strong bull
// down to 0.5% in a strong bear) and the signal's confidence; the
// resulting amount is capped by the stock's grade limit.
type Sizer struct {
	cfg config.RiskConfig
}

// NewSizer creates a position sizer.
func NewSizer(cfg config.RiskConfig) *Sizer {
	return &Sizer{cfg: cfg}
}

// Size computes the position for a signal against current capital.
func (s *Sizer) Size(sig types.TradeSignal, capital int64) (Sizing, error) {
	if sig.Grade == types.GradeD {
		return Sizing{}, fmt.Errorf("grade D stocks are not tradeable")
	}
	mult, ok := confidenceMult[sig.Confidence]
	if !ok {
		return Sizing{}, fmt.Errorf("confidence %d below minimum (3)", sig.Confidence)
	}
	if sig.Price <= 0 {
		return Sizing{}, fmt.Errorf("sizing requires a positive entry price")
	}
	if sig.StopLossPrice >= sig.Price {
		return Sizing{}, fmt.Errorf("stop loss %d must be below entry %d", sig.StopLossPrice, sig.Price)
	}

	riskPct, ok := s.cfg.RegimeRisk[string(sig.Regime)]
	if !ok {
		return Sizing{}, fmt.Errorf("no risk budget for regime %q", sig.Regime)
	}
	gradeLimit, ok := s.cfg.GradeLimits[string(sig.Grade)]
	if !ok {
		return Sizing{}, fmt.Errorf("no grade limit for grade %q", sig.Grade)
	}

	entry := float64(sig.Price)
	stopPct := (entry - float64(sig.StopLossPrice)) / entry

	// Risk budget divided by the per-share risk gives the raw amount;
	// the grade cap bounds total exposure to one name.
	rawAmount := float64(capital) * riskPct * mult / stopPct
	capAmount := float64(capital) * gradeLimit
	amount := rawAmount
	if capAmount < amount {
		amount = capAmount
	}

	qty := int64(amount / entry)
	if qty < 1 {
		return Sizing{}, fmt.Errorf("computed size below one share (amount %d, entry %d)", int64(amount), sig.Price)
	}

	perShareRisk := sig.Price - sig.StopLossPrice
	return Sizing{
		Quantity:    qty,
		Amount:      qty * sig.Price,
		RiskAmount:  qty * perShareRisk,
		TargetPrice: sig.Price + int64(rMultipleTarget*float64(perShareRisk)),
	}, nil
}
