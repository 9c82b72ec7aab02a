package order

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/shopspring/decimal"

	"kats-trader/pkg/types"
)

// Paper fill model. A small order against the best level fills instantly
// with base slippage; anything larger gets a partial fill with price
// impact growing in the excess ratio.
const (
	maxInstantFillRatio = 0.20 // full fill up to 20% of the best level's volume
	marketImpactCoeff   = 0.05
	baseSlippagePct     = 0.1
)

// FillResult is the outcome of simulating one order against the book.
type FillResult struct {
	Filled   bool // any quantity executed
	Qty      int64
	Price    int64
	Rejected bool
	Reason   string
}

// SimulateFill models how an order would execute against the current
// orderbook. BUYs hit the best ask, SELLs the best bid.
func SimulateFill(o *Order, book *types.OrderbookData) FillResult {
	if book == nil {
		return FillResult{Rejected: true, Reason: "no orderbook data"}
	}

	var levelPrice, levelVol int64
	if o.Side == types.BUY {
		levelPrice, levelVol = book.BestAsk()
	} else {
		levelPrice, levelVol = book.BestBid()
	}
	if levelPrice <= 0 || levelVol <= 0 {
		return FillResult{Rejected: true, Reason: "degenerate orderbook"}
	}

	qty := o.Remaining()
	ratio := float64(qty) / float64(levelVol)

	slippagePct := decimal.NewFromFloat(baseSlippagePct)
	fillQty := qty
	if ratio > maxInstantFillRatio {
		fillQty = levelVol / 5
		if fillQty < 1 {
			fillQty = 1
		}
		impact := (ratio - maxInstantFillRatio) * marketImpactCoeff * 100
		slippagePct = slippagePct.Add(decimal.NewFromFloat(impact))
	}

	price := decimal.NewFromInt(levelPrice)
	adj := price.Mul(slippagePct).Div(decimal.NewFromInt(100))
	if o.Side == types.BUY {
		price = price.Add(adj)
	} else {
		price = price.Sub(adj)
	}

	return FillResult{Filled: true, Qty: fillQty, Price: price.Round(0).IntPart()}
}

// PaperPosition is one simulated holding.
type PaperPosition struct {
	StockCode string
	Quantity  int64
	AvgPrice  float64
}

// PaperAccount is the simulated cash account backing PAPER mode. Fees
// use decimal arithmetic so commission and tax match the broker's
// rounding to the won.
type PaperAccount struct {
	mu        sync.Mutex
	cash      decimal.Decimal
	positions map[string]*PaperPosition
	realized  decimal.Decimal

	commissionRate decimal.Decimal // per side
	taxRate        decimal.Decimal // sell side only
	logger         *slog.Logger
}

// NewPaperAccount creates a simulated account seeded with initial cash.
func NewPaperAccount(initialCash int64, commissionRate, taxRate float64, logger *slog.Logger) *PaperAccount {
	return &PaperAccount{
		cash:           decimal.NewFromInt(initialCash),
		positions:      make(map[string]*PaperPosition),
		commissionRate: decimal.NewFromFloat(commissionRate),
		taxRate:        decimal.NewFromFloat(taxRate),
		logger:         logger.With("component", "paper"),
	}
}

// ApplyFill settles one execution against the account.
func (a *PaperAccount) ApplyFill(stockCode string, side types.Side, qty, price int64) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	gross := decimal.NewFromInt(price).Mul(decimal.NewFromInt(qty))
	commission := gross.Mul(a.commissionRate).Floor()

	if side == types.BUY {
		cost := gross.Add(commission)
		if cost.GreaterThan(a.cash) {
			return fmt.Errorf("paper account: insufficient cash for %s x%d @ %d", stockCode, qty, price)
		}
		a.cash = a.cash.Sub(cost)

		pos, ok := a.positions[stockCode]
		if !ok {
			pos = &PaperPosition{StockCode: stockCode}
			a.positions[stockCode] = pos
		}
		total := pos.Quantity + qty
		pos.AvgPrice = (pos.AvgPrice*float64(pos.Quantity) + float64(price*qty)) / float64(total)
		pos.Quantity = total
		return nil
	}

	pos, ok := a.positions[stockCode]
	if !ok || pos.Quantity < qty {
		return fmt.Errorf("paper account: no position to sell %s x%d", stockCode, qty)
	}

	tax := gross.Mul(a.taxRate).Floor()
	proceeds := gross.Sub(commission).Sub(tax)
	a.cash = a.cash.Add(proceeds)

	costBasis := decimal.NewFromFloat(pos.AvgPrice).Mul(decimal.NewFromInt(qty))
	a.realized = a.realized.Add(proceeds.Sub(costBasis))

	pos.Quantity -= qty
	if pos.Quantity == 0 {
		delete(a.positions, stockCode)
	}
	return nil
}

// Cash returns available cash in whole won.
func (a *PaperAccount) Cash() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cash.Round(0).IntPart()
}

// RealizedPnL returns realized profit and loss in whole won.
func (a *PaperAccount) RealizedPnL() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.realized.Round(0).IntPart()
}

// Position returns a copy of the holding for one stock.
func (a *PaperAccount) Position(stockCode string) (PaperPosition, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	pos, ok := a.positions[stockCode]
	if !ok {
		return PaperPosition{}, false
	}
	return *pos, true
}

// Positions returns copies of all holdings.
func (a *PaperAccount) Positions() []PaperPosition {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]PaperPosition, 0, len(a.positions))
	for _, pos := range a.positions {
		out = append(out, *pos)
	}
	return out
}

// TotalEquity marks every position at lastPrice (falling back to the
// average cost when no quote is available) and adds cash.
func (a *PaperAccount) TotalEquity(lastPrice func(stockCode string) int64) int64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	equity := a.cash
	for code, pos := range a.positions {
		mark := int64(pos.AvgPrice)
		if lastPrice != nil {
			if p := lastPrice(code); p > 0 {
				mark = p
			}
		}
		equity = equity.Add(decimal.NewFromInt(mark).Mul(decimal.NewFromInt(pos.Quantity)))
	}
	return equity.Round(0).IntPart()
}
