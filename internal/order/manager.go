package order

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"kats-trader/internal/exchange"
	"kats-trader/internal/risk"
	"kats-trader/pkg/types"
)

// Metadata keys stamped onto orders at placement.
const (
	metaMarginKey = "margin_key"
	metaGrade     = "grade"
	metaSector    = "sector"
	metaReserved  = "reserved_amount"
	metaError     = "error"
)

// ErrTradingBlocked is returned while the manager refuses new orders
// (kill switch or drawdown halt).
var ErrTradingBlocked = errors.New("trading blocked")

// Broker is the slice of the KIS client the manager needs.
type Broker interface {
	PlaceOrder(ctx context.Context, stockCode string, side types.Side, qty, price int64) (*exchange.OrderResult, error)
	CancelOrder(ctx context.Context, orderNo, stockCode string) (*exchange.OrderResult, error)
	ModifyOrder(ctx context.Context, orderNo, stockCode string, newPrice int64) (*exchange.OrderResult, error)
}

// RiskGate is the validation pipeline the manager runs every signal
// through, plus the settlement callbacks that keep its exposure
// bookkeeping honest.
type RiskGate interface {
	ValidateOrder(ctx context.Context, sig types.TradeSignal) risk.CheckResult
	OnOrderFilled(sig types.TradeSignal, filledAmount int64, marginKey string)
	OnOrderRejected(sig types.TradeSignal, amount int64, marginKey string)
	OnPositionClosed(stockCode, strategy string, grade types.StockGrade, sector string, amount int64)
}

// Position is one open holding as the manager tracks it.
type Position struct {
	StockCode    string
	StrategyCode string
	Quantity     int64
	AvgPrice     float64
	Grade        types.StockGrade
	Sector       string
	StopLoss     int64
	PlannedTotal int64 // full sized position the pyramid builds toward
}

// ProfitPct returns the unrealized profit at the given price, in percent.
func (p *Position) ProfitPct(price int64) float64 {
	if p.AvgPrice <= 0 {
		return 0
	}
	return (float64(price) - p.AvgPrice) / p.AvgPrice * 100
}

// Manager is the order facade: it validates signals through the risk
// pipeline, routes them to the broker (LIVE) or the fill simulator
// (PAPER), applies executions to position state, and settles the risk
// bookkeeping as orders complete.
type Manager struct {
	mu        sync.Mutex
	positions map[string]*Position
	blocked   bool

	mode    types.TradeMode
	broker  Broker
	tracker *Tracker
	risk    RiskGate
	paper   *PaperAccount
	pyramid *Pyramid
	book    func(stockCode string) *types.OrderbookData

	logger *slog.Logger
}

// NewManager wires the order facade. paper may be nil in LIVE mode;
// book supplies the current orderbook for paper fills.
func NewManager(
	mode types.TradeMode,
	broker Broker,
	tracker *Tracker,
	gate RiskGate,
	paper *PaperAccount,
	pyramid *Pyramid,
	book func(stockCode string) *types.OrderbookData,
	logger *slog.Logger,
) *Manager {
	m := &Manager{
		positions: make(map[string]*Position),
		mode:      mode,
		broker:    broker,
		tracker:   tracker,
		risk:      gate,
		paper:     paper,
		pyramid:   pyramid,
		book:      book,
		logger:    logger.With("component", "orders"),
	}
	tracker.SetActions(m.cancelTracked, m.amendToMarket)
	return m
}

// Block stops all new order placement. Cancels and notices still flow.
func (m *Manager) Block() {
	m.mu.Lock()
	m.blocked = true
	m.mu.Unlock()
	m.logger.Warn("order placement blocked")
}

// Unblock re-enables order placement.
func (m *Manager) Unblock() {
	m.mu.Lock()
	m.blocked = false
	m.mu.Unlock()
	m.logger.Info("order placement unblocked")
}

// Blocked reports whether new orders are refused.
func (m *Manager) Blocked() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.blocked
}

// Place validates a signal through the risk pipeline and submits the
// resulting order. BUY quantities come from the sizer, staged down by
// the pyramid; the signal's own quantity is only used for SELLs.
func (m *Manager) Place(ctx context.Context, sig types.TradeSignal) (*Order, error) {
	if m.Blocked() {
		return nil, ErrTradingBlocked
	}

	res := m.risk.ValidateOrder(ctx, sig)
	if !res.Passed {
		m.logger.Info("signal rejected",
			"stock_code", sig.StockCode,
			"side", sig.Side,
			"step", res.StepName,
			"reason", res.Reason,
		)
		return nil, fmt.Errorf("risk check %s: %s", res.StepName, res.Reason)
	}

	sig.Quantity = res.Sizing.Quantity
	planned := res.Sizing.Quantity
	if sig.Side == types.BUY && m.pyramid != nil {
		if pos := m.Position(sig.StockCode); pos != nil && pos.PlannedTotal > 0 {
			planned = pos.PlannedTotal
		}
		if qty := m.pyramid.StageQuantity(sig.StockCode, planned); qty > 0 {
			sig.Quantity = qty
		}
	}

	o := NewOrder(sig)
	o.SetMeta(metaMarginKey, res.MarginKey)
	o.SetMeta(metaGrade, string(sig.Grade))
	o.SetMeta(metaSector, sig.Sector)
	o.SetMeta(metaReserved, strconv.FormatInt(res.Sizing.Amount, 10))
	o.plannedTotal = planned

	if err := o.TransitionTo(types.StateSubmitted, nil); err != nil {
		return nil, err
	}

	if m.mode == types.ModePaper {
		return o, m.paperExecute(o)
	}
	return o, m.submitLive(ctx, o)
}

func (m *Manager) submitLive(ctx context.Context, o *Order) error {
	result, err := m.broker.PlaceOrder(ctx, o.StockCode, o.Side, o.Quantity, o.Price)
	if err != nil {
		m.rejectOrder(o, err.Error())
		return fmt.Errorf("place order %s: %w", o.ID, err)
	}

	o.SetBrokerOrderNo(result.OrderNo)
	m.tracker.Track(o)
	m.tracker.LinkBrokerNo(o.ID, result.OrderNo)
	return nil
}

// paperExecute runs one order through the fill simulator and settles it
// synchronously.
func (m *Manager) paperExecute(o *Order) error {
	fill := SimulateFill(o, m.book(o.StockCode))
	if fill.Rejected {
		m.rejectOrder(o, fill.Reason)
		return fmt.Errorf("paper fill %s: %s", o.ID, fill.Reason)
	}

	if m.paper != nil {
		if err := m.paper.ApplyFill(o.StockCode, o.Side, fill.Qty, fill.Price); err != nil {
			m.rejectOrder(o, err.Error())
			return err
		}
	}

	if err := o.RecordFill(fill.Qty, fill.Price); err != nil {
		return err
	}
	m.applyExecution(o, fill.Qty, fill.Price)

	// The unfilled remainder stays tracked; the TTL sweep chases or
	// cancels it like a resting live order.
	if o.CurrentState() == types.StatePartialFilled {
		m.tracker.Track(o)
	}
	return nil
}

// HandleNotice routes a realtime execution notice back to its order.
func (m *Manager) HandleNotice(n types.OrderNotice) {
	o, ok := m.tracker.FindByBrokerNo(n.OrderNo)
	if !ok {
		m.logger.Warn("notice for unknown order", "order_no", n.OrderNo, "stock_code", n.StockCode)
		return
	}

	if n.RejectReason != "" {
		m.logger.Error("order rejected by broker",
			"order_id", o.ID,
			"order_no", n.OrderNo,
			"reason", n.RejectReason,
		)
		m.rejectOrder(o, n.RejectReason)
		return
	}

	if n.ExecQty <= 0 {
		return // acceptance notice, nothing to settle
	}

	if err := o.RecordFill(n.ExecQty, n.ExecPrice); err != nil {
		m.logger.Error("fill rejected by state machine", "order_id", o.ID, "error", err)
		return
	}
	m.applyExecution(o, n.ExecQty, n.ExecPrice)
}

// applyExecution updates position state for one execution and, when the
// order completes, settles the risk bookkeeping.
func (m *Manager) applyExecution(o *Order, execQty, execPrice int64) {
	m.logger.Info("execution",
		"order_id", o.ID,
		"stock_code", o.StockCode,
		"side", o.Side,
		"qty", execQty,
		"price", execPrice,
		"state", o.CurrentState(),
	)

	if o.Side == types.BUY {
		m.recordBuy(o, execQty, execPrice)
	} else {
		m.recordSell(o, execQty, execPrice)
	}

	if o.CurrentState() == types.StateFilled {
		m.settleFilled(o)
	}
}

func (m *Manager) recordBuy(o *Order, qty, price int64) {
	m.mu.Lock()
	pos, ok := m.positions[o.StockCode]
	if !ok {
		pos = &Position{
			StockCode:    o.StockCode,
			StrategyCode: o.StrategyCode,
			Grade:        types.StockGrade(o.Meta(metaGrade)),
			Sector:       o.Meta(metaSector),
			StopLoss:     o.StopLossPrice,
			PlannedTotal: o.plannedTotal,
		}
		m.positions[o.StockCode] = pos
	}
	total := pos.Quantity + qty
	pos.AvgPrice = (pos.AvgPrice*float64(pos.Quantity) + float64(price*qty)) / float64(total)
	pos.Quantity = total
	m.mu.Unlock()

	if m.pyramid != nil && o.CurrentState() == types.StateFilled {
		m.pyramid.Advance(o.StockCode)
	}
}

func (m *Manager) recordSell(o *Order, qty, price int64) {
	m.mu.Lock()
	pos, ok := m.positions[o.StockCode]
	if !ok {
		m.mu.Unlock()
		m.logger.Warn("sell execution without a tracked position", "stock_code", o.StockCode)
		return
	}
	closedAmount := int64(pos.AvgPrice) * qty
	pos.Quantity -= qty
	closed := pos.Quantity <= 0
	strategy, grade, sector := pos.StrategyCode, pos.Grade, pos.Sector
	if closed {
		delete(m.positions, o.StockCode)
	}
	m.mu.Unlock()

	m.risk.OnPositionClosed(o.StockCode, strategy, grade, sector, closedAmount)
	if closed && m.pyramid != nil {
		m.pyramid.Reset(o.StockCode)
	}
}

// settleFilled converts a completed BUY's reservations into exposure.
func (m *Manager) settleFilled(o *Order) {
	sig := types.TradeSignal{
		StockCode: o.StockCode,
		Side:      o.Side,
		Grade:     types.StockGrade(o.Meta(metaGrade)),
		Sector:    o.Meta(metaSector),
	}
	filledAmount := int64(o.AvgFillPrice * float64(o.FilledQty))
	m.risk.OnOrderFilled(sig, filledAmount, o.Meta(metaMarginKey))
}

// rejectOrder marks an order rejected and unwinds its reservations.
func (m *Manager) rejectOrder(o *Order, reason string) {
	if err := o.TransitionTo(types.StateRejected, map[string]string{metaError: reason}); err != nil {
		m.logger.Error("reject transition failed", "order_id", o.ID, "error", err)
	}
	sig := types.TradeSignal{StockCode: o.StockCode, Side: o.Side, StrategyCode: o.StrategyCode}
	m.risk.OnOrderRejected(sig, reservedAmount(o), o.Meta(metaMarginKey))
}

// reservedAmount is what the risk pipeline locked at placement. The
// order's live price*quantity cannot serve here: amends rewrite the
// price (a market chase sets it to 0) while the reservation does not
// move.
func reservedAmount(o *Order) int64 {
	amount, err := strconv.ParseInt(o.Meta(metaReserved), 10, 64)
	if err != nil {
		return 0
	}
	return amount
}

// Cancel requests cancellation of a tracked order's remaining quantity.
func (m *Manager) Cancel(ctx context.Context, orderID string) error {
	o, ok := m.tracker.Get(orderID)
	if !ok {
		return fmt.Errorf("cancel: unknown order %s", orderID)
	}
	return m.cancelTracked(ctx, o)
}

func (m *Manager) cancelTracked(ctx context.Context, o *Order) error {
	if err := o.TransitionTo(types.StateCancelRequested, nil); err != nil {
		return err
	}

	if m.mode != types.ModePaper {
		if _, err := m.broker.CancelOrder(ctx, o.BrokerOrderNo, o.StockCode); err != nil {
			return fmt.Errorf("cancel order %s: %w", o.ID, err)
		}
	}

	if err := o.TransitionTo(types.StateCancelled, nil); err != nil {
		// The fill raced the cancel and won; nothing left to release.
		if o.CurrentState() == types.StateFilled {
			return nil
		}
		return err
	}

	// Release what never filled. A partially filled order keeps its
	// position and converts the filled slice into exposure; the rest of
	// the reservation comes back.
	sig := types.TradeSignal{
		StockCode:    o.StockCode,
		Side:         o.Side,
		StrategyCode: o.StrategyCode,
		Grade:        types.StockGrade(o.Meta(metaGrade)),
		Sector:       o.Meta(metaSector),
	}
	if o.FilledQty > 0 {
		filledAmount := int64(o.AvgFillPrice * float64(o.FilledQty))
		m.risk.OnOrderFilled(sig, filledAmount, o.Meta(metaMarginKey))
		if excess := reservedAmount(o) - filledAmount; excess > 0 {
			m.risk.OnOrderRejected(sig, excess, "")
		}
	} else {
		m.risk.OnOrderRejected(sig, reservedAmount(o), o.Meta(metaMarginKey))
	}
	return nil
}

// Modify amends a resting order's price. SUBMITTED orders amend in
// place; partially filled orders go through AMEND_REQUESTED.
func (m *Manager) Modify(ctx context.Context, orderID string, newPrice int64) error {
	o, ok := m.tracker.Get(orderID)
	if !ok {
		return fmt.Errorf("modify: unknown order %s", orderID)
	}

	switch state := o.CurrentState(); state {
	case types.StateSubmitted:
		// fall through to the broker call

	case types.StatePartialFilled:
		if err := o.TransitionTo(types.StateAmendRequested, nil); err != nil {
			return err
		}

	default:
		return fmt.Errorf("modify: order %s in state %s", orderID, state)
	}

	if m.mode != types.ModePaper {
		if _, err := m.broker.ModifyOrder(ctx, o.BrokerOrderNo, o.StockCode, newPrice); err != nil {
			return fmt.Errorf("modify order %s: %w", o.ID, err)
		}
	}
	o.SetPrice(newPrice)

	if o.CurrentState() == types.StateAmendRequested {
		return o.TransitionTo(types.StateSubmitted, nil)
	}
	return nil
}

// amendToMarket is the tracker's near-TTL action: chase the market with
// the remaining quantity.
func (m *Manager) amendToMarket(ctx context.Context, o *Order) error {
	if m.mode != types.ModePaper {
		if _, err := m.broker.ModifyOrder(ctx, o.BrokerOrderNo, o.StockCode, 0); err != nil {
			return err
		}
		o.SetPrice(0)
		return nil
	}

	o.SetPrice(0)
	return m.paperExecute(o)
}

// CancelAllPending cancels every non-terminal order. Used by the
// emergency shutdown and the end-of-session sweep.
func (m *Manager) CancelAllPending(ctx context.Context) error {
	var errs []error
	for _, o := range m.tracker.Pending() {
		if err := m.cancelTracked(ctx, o); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// CloseAllPositions market-sells every open position, bypassing the
// risk pipeline. Only the emergency shutdown calls this.
func (m *Manager) CloseAllPositions(ctx context.Context) error {
	m.mu.Lock()
	open := make([]*Position, 0, len(m.positions))
	for _, pos := range m.positions {
		p := *pos
		open = append(open, &p)
	}
	m.mu.Unlock()

	var errs []error
	for _, pos := range open {
		o := NewOrder(types.TradeSignal{
			StockCode: pos.StockCode,
			Side:      types.SELL,
			Quantity:  pos.Quantity,
			Price:     0,
		})
		if err := o.TransitionTo(types.StateSubmitted, nil); err != nil {
			errs = append(errs, err)
			continue
		}

		if m.mode == types.ModePaper {
			if err := m.paperExecute(o); err != nil {
				errs = append(errs, err)
			}
			continue
		}
		if err := m.submitLive(ctx, o); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// PyramidSignal checks whether a position qualifies for its next stage
// at the given price, returning the ready-to-place BUY signal.
func (m *Manager) PyramidSignal(stockCode string, price int64) (types.TradeSignal, bool) {
	if m.pyramid == nil {
		return types.TradeSignal{}, false
	}
	pos := m.Position(stockCode)
	if pos == nil {
		return types.TradeSignal{}, false
	}
	if !m.pyramid.CheckOpportunity(stockCode, types.BUY, pos.ProfitPct(price)) {
		return types.TradeSignal{}, false
	}

	return types.TradeSignal{
		StockCode:     stockCode,
		Side:          types.BUY,
		Price:         price,
		StopLossPrice: pos.StopLoss,
		StrategyCode:  pos.StrategyCode,
		Grade:         pos.Grade,
		Sector:        pos.Sector,
	}, true
}

// Position returns a copy of one open position, or nil.
func (m *Manager) Position(stockCode string) *Position {
	m.mu.Lock()
	defer m.mu.Unlock()
	pos, ok := m.positions[stockCode]
	if !ok {
		return nil
	}
	p := *pos
	return &p
}

// Positions returns copies of all open positions.
func (m *Manager) Positions() []Position {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Position, 0, len(m.positions))
	for _, pos := range m.positions {
		out = append(out, *pos)
	}
	return out
}

// RestorePosition seeds a position from persisted state at startup.
func (m *Manager) RestorePosition(pos Position) {
	m.mu.Lock()
	p := pos
	m.positions[pos.StockCode] = &p
	m.mu.Unlock()
}

// Tracker exposes the TTL tracker for the engine and status API.
func (m *Manager) Tracker() *Tracker { return m.tracker }
