package risk

import (
	"log/slog"
	"sync"
	"time"
)

// DrawdownLevel is the escalating loss-protection state.
type DrawdownLevel string

const (
	LevelNone   DrawdownLevel = "NONE"
	LevelGreen  DrawdownLevel = "GREEN"  // daily ≤ −2%: halve risk
	LevelYellow DrawdownLevel = "YELLOW" // daily ≤ −3%: halt until market close
	LevelOrange DrawdownLevel = "ORANGE" // monthly ≤ −6%: halt until next month
	LevelRed    DrawdownLevel = "RED"    // cumulative ≤ −10%: 7-day halt, paper only
	LevelBlack  DrawdownLevel = "BLACK"  // cumulative ≤ −15%: manual resume only
)

// Drawdown thresholds in percent. Negative numbers are losses.
const (
	greenDailyPct      = -2.0
	yellowDailyPct     = -3.0
	orangeMonthlyPct   = -6.0
	redCumulativePct   = -10.0
	blackCumulativePct = -15.0
)

const redHaltDays = 7

// paperWinsToRecover is how many consecutive winning paper trades lift a
// RED halt. A losing paper trade resets the count.
const paperWinsToRecover = 5

var kst = time.FixedZone("KST", 9*60*60)

var levelRank = map[DrawdownLevel]int{
	LevelNone:   0,
	LevelGreen:  1,
	LevelYellow: 2,
	LevelOrange: 3,
	LevelRed:    4,
	LevelBlack:  5,
}

// Drawdown implements the escalating drawdown protocol. Levels only
// escalate as losses deepen; they come back down through the daily and
// monthly resets (GREEN/YELLOW and ORANGE respectively), the paper-trade
// recovery path (RED), or a manual ForceResume (BLACK).
type Drawdown struct {
	mu          sync.Mutex
	level       DrawdownLevel
	haltUntil   time.Time
	paperForced bool
	paperWins   int

	now    func() time.Time
	logger *slog.Logger
}

// NewDrawdown creates the protocol in its clean state.
func NewDrawdown(logger *slog.Logger) *Drawdown {
	return &Drawdown{
		level:  LevelNone,
		now:    time.Now,
		logger: logger.With("component", "drawdown"),
	}
}

// Evaluate applies the current PnL percentages and returns the resulting
// level. Inside an active halt window the existing level is returned
// unchanged; otherwise the level escalates (never downgrades) to match
// the deepest threshold crossed.
func (d *Drawdown) Evaluate(dailyPct, monthlyPct, cumulativePct float64) DrawdownLevel {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if !d.haltUntil.IsZero() && now.Before(d.haltUntil) {
		return d.level
	}

	candidate := classify(dailyPct, monthlyPct, cumulativePct)
	if levelRank[candidate] <= levelRank[d.level] {
		return d.level
	}

	d.level = candidate
	switch candidate {
	case LevelYellow:
		d.haltUntil = nextMarketClose(now)
	case LevelOrange:
		d.haltUntil = firstOfNextMonth(now)
	case LevelRed:
		d.haltUntil = now.AddDate(0, 0, redHaltDays)
		d.paperForced = true
		d.paperWins = 0
	case LevelBlack:
		d.haltUntil = time.Time{} // indefinite, ForceResume only
	}

	d.logger.Warn("drawdown level escalated",
		"level", candidate,
		"daily_pct", dailyPct,
		"monthly_pct", monthlyPct,
		"cumulative_pct", cumulativePct,
		"halt_until", d.haltUntil,
	)
	return d.level
}

func classify(dailyPct, monthlyPct, cumulativePct float64) DrawdownLevel {
	switch {
	case cumulativePct <= blackCumulativePct:
		return LevelBlack
	case cumulativePct <= redCumulativePct:
		return LevelRed
	case monthlyPct <= orangeMonthlyPct:
		return LevelOrange
	case dailyPct <= yellowDailyPct:
		return LevelYellow
	case dailyPct <= greenDailyPct:
		return LevelGreen
	}
	return LevelNone
}

// nextMarketClose returns 16:30 KST today, or tomorrow if already past.
func nextMarketClose(now time.Time) time.Time {
	local := now.In(kst)
	closeAt := time.Date(local.Year(), local.Month(), local.Day(), 16, 30, 0, 0, kst)
	if !local.Before(closeAt) {
		closeAt = closeAt.AddDate(0, 0, 1)
	}
	return closeAt
}

// firstOfNextMonth returns 09:00 KST on the 1st of the following month.
func firstOfNextMonth(now time.Time) time.Time {
	local := now.In(kst)
	firstOfThis := time.Date(local.Year(), local.Month(), 1, 9, 0, 0, 0, kst)
	return firstOfThis.AddDate(0, 1, 0)
}

// CanTrade reports whether live trading is allowed right now.
func (d *Drawdown) CanTrade() (bool, string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch d.level {
	case LevelBlack:
		return false, "BLACK drawdown halt, manual resume required"
	case LevelRed:
		return false, "RED drawdown halt, paper trading only"
	case LevelYellow, LevelOrange:
		if d.haltUntil.IsZero() || d.now().Before(d.haltUntil) {
			return false, string(d.level) + " drawdown halt until " + d.haltUntil.In(kst).Format("2006-01-02 15:04")
		}
	}
	return true, ""
}

// RiskScale returns the position-size multiplier for the current level.
func (d *Drawdown) RiskScale() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.level == LevelGreen {
		return 0.5
	}
	return 1.0
}

// Level returns the current drawdown level.
func (d *Drawdown) Level() DrawdownLevel {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.level
}

// PaperForced reports whether the protocol has forced paper-only trading.
func (d *Drawdown) PaperForced() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.paperForced
}

// RecordPaperTrade feeds the RED recovery path: enough consecutive
// winning paper trades lift the halt; a loss resets the streak.
func (d *Drawdown) RecordPaperTrade(win bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.level != LevelRed {
		return
	}
	if !win {
		d.paperWins = 0
		return
	}
	d.paperWins++
	if d.paperWins >= paperWinsToRecover {
		d.logger.Info("drawdown RED recovered via paper trading", "wins", d.paperWins)
		d.level = LevelNone
		d.haltUntil = time.Time{}
		d.paperForced = false
		d.paperWins = 0
	}
}

// ForceResume clears any level including BLACK. Manual use only.
func (d *Drawdown) ForceResume() {
	d.mu.Lock()
	d.level = LevelNone
	d.haltUntil = time.Time{}
	d.paperForced = false
	d.paperWins = 0
	d.mu.Unlock()
}

// ResetDaily clears daily levels (GREEN, YELLOW) at the session rollover.
func (d *Drawdown) ResetDaily() {
	d.mu.Lock()
	if d.level == LevelGreen || d.level == LevelYellow {
		d.level = LevelNone
		d.haltUntil = time.Time{}
	}
	d.mu.Unlock()
}

// ResetMonthly clears the ORANGE level at the month rollover.
func (d *Drawdown) ResetMonthly() {
	d.mu.Lock()
	if d.level == LevelOrange {
		d.level = LevelNone
		d.haltUntil = time.Time{}
	}
	d.mu.Unlock()
}
