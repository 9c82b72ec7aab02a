package market

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"kats-trader/pkg/types"
)

// viEntry is the per-stock VI tracking state.
type viEntry struct {
	state        types.VIState
	staticUpper  int64 // price that would trigger a static VI on the upside
	staticLower  int64 // downside trigger
	coolingUntil time.Time
	cooldown     *time.Timer
}

// ProximityCheck is the result of a pre-order VI check.
type ProximityCheck struct {
	State     types.VIState
	Tradeable bool
	Reason    string
}

// VIMonitor tracks the volatility-interruption state of each stock.
//
// State transitions:
//
//	NORMAL    --(VI notice class "1")--> VI_TRIGGERED
//	TRIGGERED --(VI notice class "2")--> COOLING
//	COOLING   --(cooldown elapsed)-----> NORMAL
//
// While triggered or cooling the stock is not tradeable. In NORMAL state a
// price within proximityPct of the static trigger bands degrades to
// WARNING, which is still tradeable but flagged to strategies.
type VIMonitor struct {
	mu      sync.Mutex
	entries map[string]*viEntry

	cooldown     time.Duration
	proximityPct float64

	logger *slog.Logger
}

// NewVIMonitor creates a monitor. cooldown is the post-release cooling
// period; proximityPct is the warning band around trigger prices in percent.
func NewVIMonitor(cooldown time.Duration, proximityPct float64, logger *slog.Logger) *VIMonitor {
	return &VIMonitor{
		entries:      make(map[string]*viEntry),
		cooldown:     cooldown,
		proximityPct: proximityPct,
		logger:       logger.With("component", "vi"),
	}
}

func (m *VIMonitor) entry(stockCode string) *viEntry {
	e, ok := m.entries[stockCode]
	if !ok {
		e = &viEntry{state: types.VINormal}
		m.entries[stockCode] = e
	}
	return e
}

// SeedTriggerPrices estimates static VI bands from the previous close.
// Static VI triggers at ±10% from the reference price; realtime notices
// later replace these estimates with exact values.
func (m *VIMonitor) SeedTriggerPrices(stockCode string, prevClose int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.entry(stockCode)
	e.staticUpper = prevClose + prevClose/10
	e.staticLower = prevClose - prevClose/10
}

// HandleNotice applies a realtime VI notice.
func (m *VIMonitor) HandleNotice(vi types.VIData) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.entry(vi.StockCode)

	switch vi.Class {
	case "1": // triggered
		if e.cooldown != nil {
			e.cooldown.Stop()
			e.cooldown = nil
		}
		e.state = types.VITriggered
		m.logger.Warn("vi triggered",
			"stock_code", vi.StockCode,
			"trigger_price", vi.TriggerPrice,
			"time", vi.Time,
		)

	case "2": // released, start cooldown
		e.state = types.VICooling
		e.coolingUntil = time.Now().Add(m.cooldown)
		if e.cooldown != nil {
			e.cooldown.Stop()
		}
		code := vi.StockCode
		e.cooldown = time.AfterFunc(m.cooldown, func() { m.endCooldown(code) })
		m.logger.Info("vi released, cooling",
			"stock_code", vi.StockCode,
			"cooldown", m.cooldown,
		)

	default:
		m.logger.Debug("unknown vi class", "stock_code", vi.StockCode, "class", vi.Class)
	}

	// Realtime notices carry the exact static bands
	if vi.StaticBase > 0 {
		e.staticUpper = vi.StaticBase + vi.StaticBase/10
		e.staticLower = vi.StaticBase - vi.StaticBase/10
	}
}

func (m *VIMonitor) endCooldown(stockCode string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[stockCode]
	if !ok || e.state != types.VICooling {
		return
	}
	e.state = types.VINormal
	e.cooldown = nil
	m.logger.Info("vi cooldown complete", "stock_code", stockCode)
}

// State returns the current VI state of a stock.
func (m *VIMonitor) State(stockCode string) types.VIState {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[stockCode]
	if !ok {
		return types.VINormal
	}
	return e.state
}

// IsTradeable reports whether orders for a stock should be allowed.
func (m *VIMonitor) IsTradeable(stockCode string) bool {
	switch m.State(stockCode) {
	case types.VITriggered, types.VICooling:
		return false
	}
	return true
}

// CheckProximity evaluates whether a price is safe to trade at given the
// stock's VI state and distance to its static trigger bands.
func (m *VIMonitor) CheckProximity(stockCode string, price int64) ProximityCheck {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[stockCode]
	if !ok {
		return ProximityCheck{State: types.VINormal, Tradeable: true}
	}

	switch e.state {
	case types.VITriggered:
		return ProximityCheck{
			State:  types.VITriggered,
			Reason: "VI in effect",
		}
	case types.VICooling:
		remaining := time.Until(e.coolingUntil).Round(time.Second)
		if remaining < 0 {
			remaining = 0
		}
		return ProximityCheck{
			State:  types.VICooling,
			Reason: fmt.Sprintf("VI cooldown, %s remaining", remaining),
		}
	}

	if price > 0 && e.staticUpper > 0 {
		band := float64(e.staticUpper) * m.proximityPct / 100
		if float64(e.staticUpper-price) <= band && price <= e.staticUpper {
			return ProximityCheck{
				State:     types.VIWarning,
				Tradeable: true,
				Reason:    fmt.Sprintf("within %.1f%% of upper VI trigger %d", m.proximityPct, e.staticUpper),
			}
		}
		if e.staticLower > 0 && float64(price-e.staticLower) <= band && price >= e.staticLower {
			return ProximityCheck{
				State:     types.VIWarning,
				Tradeable: true,
				Reason:    fmt.Sprintf("within %.1f%% of lower VI trigger %d", m.proximityPct, e.staticLower),
			}
		}
	}

	return ProximityCheck{State: types.VINormal, Tradeable: true}
}

// Clear resets all VI state. Used between trading sessions.
func (m *VIMonitor) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, e := range m.entries {
		if e.cooldown != nil {
			e.cooldown.Stop()
		}
	}
	m.entries = make(map[string]*viEntry)
}
