package risk

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"kats-trader/pkg/types"
)

// MarginGuard verifies a BUY order fits in available cash before it goes
// out. Available cash is the broker balance (cached briefly to stay under
// the request quota) minus reservations for orders already in flight.
// Fees are computed with decimal arithmetic: commission on both sides of
// the round trip plus the sell-side transaction tax.
type MarginGuard struct {
	mu           sync.Mutex
	reservations map[string]int64 // "<code>_<seq>" -> amount
	reserveOrder []string         // insertion order, for oldest-first release
	reserveSeq   int64

	cachedBalance int64
	cachedAt      time.Time
	balanceTTL    time.Duration

	feeRate decimal.Decimal // 2×commission + tax, round trip

	getBalance func(ctx context.Context) (int64, error)
	logger     *slog.Logger
}

// NewMarginGuard creates a guard. getBalance fetches the broker cash
// balance; results are cached for balanceTTL.
func NewMarginGuard(commissionRate, taxRate float64, balanceTTL time.Duration, getBalance func(ctx context.Context) (int64, error), logger *slog.Logger) *MarginGuard {
	commission := decimal.NewFromFloat(commissionRate)
	tax := decimal.NewFromFloat(taxRate)
	return &MarginGuard{
		reservations: make(map[string]int64),
		balanceTTL:   balanceTTL,
		feeRate:      commission.Add(commission).Add(tax),
		getBalance:   getBalance,
		logger:       logger.With("component", "margin"),
	}
}

// Check verifies cash for a BUY and reserves the required amount,
// returning the reservation key. SELLs always pass with no reservation.
func (g *MarginGuard) Check(ctx context.Context, stockCode string, side types.Side, qty, price int64) (string, error) {
	if side == types.SELL {
		return "", nil
	}

	gross := decimal.NewFromInt(price).Mul(decimal.NewFromInt(qty))
	fee := gross.Mul(g.feeRate).Floor()
	required := gross.Add(fee).IntPart()

	balance, err := g.balance(ctx)
	if err != nil {
		return "", fmt.Errorf("margin check: %w", err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	available := balance - g.pendingLocked()
	if required > available {
		return "", fmt.Errorf("margin check: need %d (incl. fees) but only %d available", required, available)
	}

	g.reserveSeq++
	key := fmt.Sprintf("%s_%d", stockCode, g.reserveSeq)
	g.reservations[key] = required
	g.reserveOrder = append(g.reserveOrder, key)
	return key, nil
}

// balance returns the cash balance, refreshing the cache when stale.
func (g *MarginGuard) balance(ctx context.Context) (int64, error) {
	g.mu.Lock()
	if time.Since(g.cachedAt) < g.balanceTTL {
		bal := g.cachedBalance
		g.mu.Unlock()
		return bal, nil
	}
	g.mu.Unlock()

	bal, err := g.getBalance(ctx)
	if err != nil {
		return 0, err
	}

	g.mu.Lock()
	g.cachedBalance = bal
	g.cachedAt = time.Now()
	g.mu.Unlock()
	return bal, nil
}

// pendingLocked sums reservations. Caller must hold g.mu.
func (g *MarginGuard) pendingLocked() int64 {
	var sum int64
	for _, amount := range g.reservations {
		sum += amount
	}
	return sum
}

// Pending returns the total reserved amount.
func (g *MarginGuard) Pending() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.pendingLocked()
}

// ReleaseKey frees one reservation by its key.
func (g *MarginGuard) ReleaseKey(key string) {
	g.mu.Lock()
	g.dropLocked(key)
	g.mu.Unlock()
}

// ReleaseAmount frees a reservation by amount: an exact match if one
// exists, otherwise the oldest reservation.
func (g *MarginGuard) ReleaseAmount(amount int64) {
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, key := range g.reserveOrder {
		if g.reservations[key] == amount {
			g.dropLocked(key)
			return
		}
	}
	if len(g.reserveOrder) > 0 {
		g.dropLocked(g.reserveOrder[0])
	}
}

// dropLocked removes one reservation. Caller must hold g.mu.
func (g *MarginGuard) dropLocked(key string) {
	if _, ok := g.reservations[key]; !ok {
		return
	}
	delete(g.reservations, key)
	for i, k := range g.reserveOrder {
		if k == key {
			g.reserveOrder = append(g.reserveOrder[:i], g.reserveOrder[i+1:]...)
			break
		}
	}
}

// ClearReservations drops every reservation. Used at daily reset.
func (g *MarginGuard) ClearReservations() {
	g.mu.Lock()
	g.reservations = make(map[string]int64)
	g.reserveOrder = nil
	g.mu.Unlock()
}

// InvalidateBalance forces the next check to refetch the broker balance.
func (g *MarginGuard) InvalidateBalance() {
	g.mu.Lock()
	g.cachedAt = time.Time{}
	g.mu.Unlock()
}

// EnforceCashOrderParams stamps the cash-account-only fields onto an
// order body and strips everything that would imply margin lending.
func EnforceCashOrderParams(body map[string]string) {
	body["ORD_DVSN"] = "00"
	body["CTAC_TLNO"] = ""
	body["SLL_TYPE"] = "01"
	body["ALGO_NO"] = ""
	delete(body, "CANO_LOAN")
	delete(body, "MGNT_DVSN")
	delete(body, "LOAN_DT")
}
