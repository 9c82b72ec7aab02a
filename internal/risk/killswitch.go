package risk

import (
	"context"
	"log/slog"
	"sync"
)

// KillSwitch halts all trading once the daily loss crosses the limit
// (default −3% of the session's starting capital). Tripping it fires an
// emergency shutdown in the background: cancel every pending order, then
// notify. It stays tripped until the next daily reset.
type KillSwitch struct {
	mu           sync.Mutex
	startCapital int64
	lossLimitPct float64
	triggered    bool

	cancelAll func(context.Context) error
	notify    func(reason string) error

	logger *slog.Logger
}

// NewKillSwitch creates a kill switch armed at the given starting capital.
func NewKillSwitch(startCapital int64, lossLimitPct float64, logger *slog.Logger) *KillSwitch {
	return &KillSwitch{
		startCapital: startCapital,
		lossLimitPct: lossLimitPct,
		logger:       logger.With("component", "killswitch"),
	}
}

// SetShutdownHooks wires the emergency actions run when the switch trips.
func (k *KillSwitch) SetShutdownHooks(cancelAll func(context.Context) error, notify func(reason string) error) {
	k.mu.Lock()
	k.cancelAll = cancelAll
	k.notify = notify
	k.mu.Unlock()
}

// Check marks the current capital against the daily loss limit. Returns
// false when trading must stop. The first breach fires the emergency
// shutdown asynchronously.
func (k *KillSwitch) Check(currentCapital int64) bool {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.triggered {
		return false
	}
	if k.startCapital <= 0 {
		return true
	}

	pnlPct := float64(currentCapital-k.startCapital) / float64(k.startCapital)
	if pnlPct > -k.lossLimitPct {
		return true
	}

	k.triggered = true
	k.logger.Error("daily kill switch triggered",
		"start_capital", k.startCapital,
		"current_capital", currentCapital,
		"pnl_pct", pnlPct*100,
	)

	cancelAll, notify := k.cancelAll, k.notify
	go k.emergencyShutdown(cancelAll, notify, pnlPct)
	return false
}

func (k *KillSwitch) emergencyShutdown(cancelAll func(context.Context) error, notify func(string) error, pnlPct float64) {
	if cancelAll != nil {
		if err := cancelAll(context.Background()); err != nil {
			k.logger.Error("emergency cancel-all failed", "error", err)
		}
	}
	if notify != nil {
		reason := "daily loss limit breached"
		if err := notify(reason); err != nil {
			k.logger.Error("emergency notify failed", "error", err)
		}
	}
}

// Triggered reports whether the switch has tripped today.
func (k *KillSwitch) Triggered() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.triggered
}

// ResetDaily re-arms the switch with the new session's starting capital.
func (k *KillSwitch) ResetDaily(newCapital int64) {
	k.mu.Lock()
	k.startCapital = newCapital
	k.triggered = false
	k.mu.Unlock()
}
