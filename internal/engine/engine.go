// Package engine is the central orchestrator of the trader.
//
// It wires together all subsystems:
//
//  1. The KIS REST client and token manager handle authenticated calls.
//  2. The realtime WebSocket feeds ticks, orderbooks, VI notices, and
//     own-order notices into the market hub and the order manager.
//  3. Every trade signal passes through the risk pipeline before the
//     order manager routes it to the broker or the paper simulator.
//  4. Trailing stops and pyramid stages are evaluated on every tick of
//     a held stock.
//  5. The session loop handles the daily cycle: history preload before
//     the open, order cleanup near the close, and the daily reset.
//
// Lifecycle: New() → Start() → [runs until SIGINT] → Stop()
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"kats-trader/internal/api"
	"kats-trader/internal/config"
	"kats-trader/internal/exchange"
	"kats-trader/internal/journal"
	"kats-trader/internal/market"
	"kats-trader/internal/order"
	"kats-trader/internal/risk"
	"kats-trader/internal/store"
	"kats-trader/pkg/types"
)

var kst = time.FixedZone("KST", 9*60*60)

const (
	equityRefreshEvery = 10 * time.Second
	sessionCheckEvery  = 30 * time.Second

	// KRX regular session
	cancelSweepHour   = 15
	cancelSweepMinute = 20
	closeHour         = 15
	closeMinute       = 30
)

// Engine orchestrates all components of the trading system.
type Engine struct {
	cfg       *config.Config
	watchlist []string
	mode      types.TradeMode

	tokens  *exchange.TokenManager
	client  *exchange.Client
	ws      *exchange.WSClient
	cache   *market.RealtimeCache
	vi      *market.VIMonitor
	hub     *market.Hub
	riskMgr *risk.Manager
	orders  *order.Manager
	tracker *order.Tracker
	paper   *order.PaperAccount // nil in LIVE mode
	store   *store.Store
	journal *journal.Journal
	status  *api.Server // nil when the dashboard is disabled

	// stops maps stock code -> active trailing stop
	stops   map[string]*risk.TrailingStop
	stopsMu sync.Mutex

	equity       atomic.Int64
	sessionStart atomic.Int64 // equity at daily reset
	monthStart   atomic.Int64
	initial      atomic.Int64

	sessionSwept atomic.Bool // end-of-session cleanup done today

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *slog.Logger
}

// New creates and wires all engine components. watchlist is the set of
// stock codes traded this session.
func New(cfg *config.Config, watchlist []string, logger *slog.Logger) (*Engine, error) {
	mode := types.TradeMode(cfg.TradeMode)

	tokens := exchange.NewTokenManager(cfg.API.AppKey, cfg.API.AppSecret, cfg.BaseURL(), cfg.API.TokenCacheDir, logger)
	client := exchange.NewClient(cfg, tokens, logger)
	ws := exchange.NewWSClient(cfg.API.WSURL, cfg.API.ApprovalKey, logger)

	cache := market.NewRealtimeCache(cfg.Cache.FreshWithin, cfg.Cache.StaleWarnAfter, logger)
	viMon := market.NewVIMonitor(cfg.VI.Cooldown, cfg.VI.ProximityPct, logger)
	hub := market.NewHub(cache, viMon, logger)

	st, err := store.Open(cfg.Store.DataDir)
	if err != nil {
		return nil, err
	}
	jnl, err := journal.Open(cfg.Journal.Path, logger)
	if err != nil {
		st.Close()
		return nil, err
	}

	var paper *order.PaperAccount
	startCash := cfg.Paper.InitialCash
	if mode == types.ModePaper {
		if snap, err := st.LoadAccount(); err == nil && snap != nil {
			startCash = snap.Cash
		}
		paper = order.NewPaperAccount(startCash, cfg.Risk.CommissionRate, cfg.Risk.TaxRate, logger)
	}

	e := &Engine{
		cfg:       cfg,
		watchlist: watchlist,
		mode:      mode,
		tokens:    tokens,
		client:    client,
		ws:        ws,
		cache:     cache,
		vi:        viMon,
		hub:       hub,
		paper:     paper,
		store:     st,
		journal:   jnl,
		stops:     make(map[string]*risk.TrailingStop),
		logger:    logger.With("component", "engine"),
	}
	e.ctx, e.cancel = context.WithCancel(context.Background())

	e.equity.Store(startCash)
	e.sessionStart.Store(startCash)
	e.monthStart.Store(startCash)
	e.initial.Store(startCash)

	margin := risk.NewMarginGuard(
		cfg.Risk.CommissionRate,
		cfg.Risk.TaxRate,
		cfg.Risk.BalanceTTL,
		e.availableCash,
		logger,
	)
	e.riskMgr = risk.NewManager(
		risk.NewSizer(cfg.Risk),
		risk.NewAllocator(cfg.Risk.SectorCapPct),
		risk.NewKillSwitch(startCash, cfg.Risk.DailyLossLimitPct, logger),
		risk.NewDrawdown(logger),
		risk.NewPositionLock(),
		margin,
		viMon,
		func() int64 { return e.equity.Load() },
		logger,
	)

	pyramid, err := order.NewPyramid(cfg.Pyramid)
	if err != nil {
		st.Close()
		jnl.Close()
		return nil, err
	}
	e.tracker = order.NewTracker(cfg.Tracker, logger)
	e.orders = order.NewManager(mode, client, e.tracker, e.riskMgr, paper, pyramid, cache.GetOrderbook, logger)

	e.riskMgr.KillSwitch().SetShutdownHooks(e.emergencyCancelAll, e.notifyKill)

	if cfg.Dashboard.Enabled {
		e.status = api.NewServer(cfg.Dashboard, e, logger)
	}

	return e, nil
}

// Start restores persisted state, loads price history, opens the
// realtime feed, and launches all background loops.
func (e *Engine) Start() error {
	startCtx, cancel := context.WithTimeout(e.ctx, 2*time.Minute)
	defer cancel()

	if err := e.restoreState(startCtx); err != nil {
		return err
	}

	if err := e.hub.LoadHistory(startCtx, e.client, e.watchlist); err != nil {
		e.logger.Warn("history preload incomplete", "error", err)
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.tokens.Run(e.ctx)
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.ws.Run(e.ctx); err != nil && e.ctx.Err() == nil {
			e.logger.Error("realtime feed stopped", "error", err)
		}
	}()

	if err := e.subscribeAll(startCtx); err != nil {
		return err
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.tracker.Run(e.ctx)
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.dispatchEvents()
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.equityLoop()
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.sessionLoop()
	}()

	if e.status != nil {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			if err := e.status.Start(); err != nil {
				e.logger.Error("status server stopped", "error", err)
			}
		}()
	}

	e.logger.Info("engine started",
		"mode", e.mode,
		"watchlist", len(e.watchlist),
		"equity", e.equity.Load(),
	)
	return nil
}

// Stop gracefully shuts down: cancels pending orders as a safety net,
// persists positions and the paper account, and closes all resources.
func (e *Engine) Stop() {
	e.logger.Info("shutting down...")

	cancelCtx, cancelCancel := context.WithTimeout(context.Background(), 15*time.Second)
	if err := e.orders.CancelAllPending(cancelCtx); err != nil {
		e.logger.Error("cancel-all on shutdown failed", "error", err)
	}
	cancelCancel()

	e.persistState()

	e.cancel()
	if e.status != nil {
		if err := e.status.Stop(); err != nil {
			e.logger.Error("status server stop failed", "error", err)
		}
	}
	e.wg.Wait()

	e.ws.Close()
	e.journal.Close()
	e.store.Close()

	e.logger.Info("shutdown complete")
}

// restoreState reloads persisted positions and, in LIVE mode, syncs the
// starting equity from the broker.
func (e *Engine) restoreState(ctx context.Context) error {
	positions, err := e.store.LoadPositions()
	if err != nil {
		return fmt.Errorf("restore positions: %w", err)
	}
	for _, pos := range positions {
		e.orders.RestorePosition(pos)
		e.armStop(pos.StockCode, pos.AvgPrice)
		e.logger.Info("position restored",
			"stock_code", pos.StockCode,
			"qty", pos.Quantity,
			"avg_price", pos.AvgPrice,
		)
	}

	if e.mode == types.ModeLive {
		bal, err := e.client.GetBalance(ctx)
		if err != nil {
			return fmt.Errorf("initial balance: %w", err)
		}
		e.equity.Store(bal.TotalEval)
		e.sessionStart.Store(bal.TotalEval)
		e.monthStart.Store(bal.TotalEval)
		e.initial.Store(bal.TotalEval)
		e.riskMgr.KillSwitch().ResetDaily(bal.TotalEval)
	}
	return nil
}

// subscribeAll registers the realtime subscriptions: ticks, orderbooks,
// and VI notices per watched stock, plus the own-order notice stream.
func (e *Engine) subscribeAll(ctx context.Context) error {
	for _, code := range e.watchlist {
		for _, trID := range []string{exchange.TrExecution, exchange.TrOrderbook, exchange.TrVI} {
			if err := e.ws.Subscribe(ctx, trID, code); err != nil {
				return fmt.Errorf("subscribe %s/%s: %w", trID, code, err)
			}
		}
	}
	if err := e.ws.Subscribe(ctx, exchange.TrNotice, e.cfg.API.AccountNo); err != nil {
		return fmt.Errorf("subscribe order notices: %w", err)
	}
	return nil
}

// dispatchEvents routes realtime events to the hub and order manager.
func (e *Engine) dispatchEvents() {
	for {
		select {
		case <-e.ctx.Done():
			return
		case tick := <-e.ws.Executions():
			e.onTick(tick)
		case book := <-e.ws.Orderbooks():
			e.hub.HandleOrderbook(book)
		case viData := <-e.ws.VINotices():
			e.onVI(viData)
		case notice := <-e.ws.OrderNotices():
			e.onNotice(notice)
		}
	}
}

// onTick feeds the hub, then evaluates the held position's trailing
// stop and pyramid opportunity at the new price.
func (e *Engine) onTick(tick types.PriceData) {
	e.hub.HandleTick(tick)

	pos := e.orders.Position(tick.StockCode)
	if pos == nil {
		return
	}

	if e.checkTrailingStop(tick.StockCode, tick.Price) {
		return // exiting, no point pyramiding
	}

	if sig, ok := e.orders.PyramidSignal(tick.StockCode, tick.Price); ok {
		if _, err := e.orders.Place(e.ctx, sig); err != nil {
			e.logger.Info("pyramid stage rejected", "stock_code", tick.StockCode, "error", err)
		}
	}
}

func (e *Engine) onVI(viData types.VIData) {
	e.hub.HandleVI(viData)
	e.publish(api.NewStreamEvent("vi", viData.StockCode, api.VIEvent{
		StockCode: viData.StockCode,
		State:     string(e.vi.State(viData.StockCode)),
	}))
}

// onNotice settles an own-order notice and journals the result.
func (e *Engine) onNotice(notice types.OrderNotice) {
	e.orders.HandleNotice(notice)

	o, ok := e.tracker.FindByBrokerNo(notice.OrderNo)
	if !ok {
		return
	}
	if err := e.journal.RecordOrder(e.ctx, o); err != nil {
		e.logger.Error("journal order failed", "order_id", o.ID, "error", err)
	}
	if notice.ExecQty > 0 {
		if err := e.journal.RecordFill(e.ctx, o.ID, notice.StockCode, notice.Side,
			notice.ExecQty, notice.ExecPrice, notice.Timestamp); err != nil {
			e.logger.Error("journal fill failed", "order_id", o.ID, "error", err)
		}
		e.publish(api.NewStreamEvent("fill", notice.StockCode, api.FillEvent{
			OrderID:   o.ID,
			StockCode: notice.StockCode,
			Side:      string(notice.Side),
			Qty:       notice.ExecQty,
			Price:     notice.ExecPrice,
			State:     string(o.CurrentState()),
		}))

		if notice.Side == types.BUY {
			if pos := e.orders.Position(notice.StockCode); pos != nil {
				e.armStop(notice.StockCode, pos.AvgPrice)
			}
		} else if e.orders.Position(notice.StockCode) == nil {
			e.disarmStop(notice.StockCode)
			e.store.DeletePosition(notice.StockCode)
		}
	}
}

// armStop creates the trailing stop for a new position. An existing
// active stop is kept; its high-water mark must survive pyramid adds.
func (e *Engine) armStop(stockCode string, avgPrice float64) {
	e.stopsMu.Lock()
	defer e.stopsMu.Unlock()

	if ts, ok := e.stops[stockCode]; ok && ts.Active() {
		return
	}
	e.stops[stockCode] = risk.NewTrailingStop(stockCode, risk.StopFixedPct, int64(avgPrice))
}

func (e *Engine) disarmStop(stockCode string) {
	e.stopsMu.Lock()
	delete(e.stops, stockCode)
	e.stopsMu.Unlock()
}

// checkTrailingStop returns true when the stop fired and an exit was
// submitted.
func (e *Engine) checkTrailingStop(stockCode string, price int64) bool {
	e.stopsMu.Lock()
	ts, ok := e.stops[stockCode]
	e.stopsMu.Unlock()
	if !ok {
		return false
	}

	triggered, reason := ts.UpdateAndCheck(price, e.hub.Candles(stockCode))
	if !triggered {
		return false
	}

	pos := e.orders.Position(stockCode)
	if pos == nil {
		return false
	}
	e.logger.Info("trailing stop triggered",
		"stock_code", stockCode,
		"price", price,
		"reason", reason,
	)

	sig := types.TradeSignal{
		StockCode:    stockCode,
		Side:         types.SELL,
		Quantity:     pos.Quantity,
		Price:        0, // market exit
		StrategyCode: pos.StrategyCode,
	}
	if _, err := e.orders.Place(e.ctx, sig); err != nil {
		e.logger.Error("stop exit failed", "stock_code", stockCode, "error", err)
	}
	return true
}

// equityLoop refreshes account equity and feeds the drawdown protocol
// and kill switch.
func (e *Engine) equityLoop() {
	ticker := time.NewTicker(equityRefreshEvery)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			e.refreshEquity()
		}
	}
}

func (e *Engine) refreshEquity() {
	var equity int64
	if e.mode == types.ModePaper {
		equity = e.paper.TotalEquity(e.LastPrice)
	} else {
		bal, err := e.client.GetBalance(e.ctx)
		if err != nil {
			e.logger.Warn("equity refresh failed", "error", err)
			return
		}
		equity = bal.TotalEval
	}
	e.equity.Store(equity)

	level := e.riskMgr.Drawdown().Evaluate(
		pnlPct(equity, e.sessionStart.Load()),
		pnlPct(equity, e.monthStart.Load()),
		pnlPct(equity, e.initial.Load()),
	)
	if level != risk.LevelNone {
		e.publish(api.NewStreamEvent("drawdown", "", api.DrawdownEvent{Level: string(level)}))
	}

	if !e.riskMgr.KillSwitch().Check(equity) && !e.orders.Blocked() {
		e.orders.Block()
	}
}

func pnlPct(current, base int64) float64 {
	if base <= 0 {
		return 0
	}
	return float64(current-base) / float64(base) * 100
}

// sessionLoop drives the daily cycle in exchange time.
func (e *Engine) sessionLoop() {
	ticker := time.NewTicker(sessionCheckEvery)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case now := <-ticker.C:
			e.checkSession(now.In(kst))
		}
	}
}

func (e *Engine) checkSession(now time.Time) {
	pastSweep := now.Hour() > cancelSweepHour ||
		(now.Hour() == cancelSweepHour && now.Minute() >= cancelSweepMinute)
	pastClose := now.Hour() > closeHour ||
		(now.Hour() == closeHour && now.Minute() >= closeMinute)

	if pastSweep && !e.sessionSwept.Load() {
		e.sessionSwept.Store(true)
		e.logger.Info("session ending, cancelling resting orders")
		if err := e.orders.CancelAllPending(e.ctx); err != nil {
			e.logger.Error("session cancel-all failed", "error", err)
		}
	}

	if pastClose {
		e.endOfDay(now)
	}

	// A new session: reset daily state once the clock is before the
	// sweep again (next morning).
	if !pastSweep && e.sessionSwept.Load() {
		e.sessionSwept.Store(false)
		e.startOfDay(now)
	}
}

// endOfDay records the day once and persists state.
func (e *Engine) endOfDay(now time.Time) {
	day := now.Format("2006-01-02")
	if _, _, ok, _ := e.journal.DailyPnL(e.ctx, day); ok {
		return
	}

	equity := e.equity.Load()
	realized := equity - e.sessionStart.Load()
	if err := e.journal.RecordDailyPnL(e.ctx, day, realized, equity); err != nil {
		e.logger.Error("record daily pnl failed", "error", err)
	}
	e.persistState()

	e.logger.Info("session closed",
		"day", day,
		"equity", equity,
		"realized", realized,
	)
}

// startOfDay re-arms the daily risk state for a new session.
func (e *Engine) startOfDay(now time.Time) {
	equity := e.equity.Load()
	e.sessionStart.Store(equity)
	if now.Day() == 1 {
		e.monthStart.Store(equity)
		e.riskMgr.Drawdown().ResetMonthly()
	}

	e.riskMgr.ResetDaily(equity)
	e.orders.Unblock()
	e.hub.ClearSession()

	ctx, cancel := context.WithTimeout(e.ctx, 2*time.Minute)
	if err := e.hub.LoadHistory(ctx, e.client, e.watchlist); err != nil {
		e.logger.Warn("history reload incomplete", "error", err)
	}
	cancel()

	e.logger.Info("new session armed", "equity", equity)
}

// persistState saves positions and the paper account snapshot.
func (e *Engine) persistState() {
	for _, pos := range e.orders.Positions() {
		if err := e.store.SavePosition(pos); err != nil {
			e.logger.Error("save position failed", "stock_code", pos.StockCode, "error", err)
		}
	}
	if e.paper != nil {
		snap := store.AccountSnapshot{Cash: e.paper.Cash(), RealizedPnL: e.paper.RealizedPnL()}
		if err := e.store.SaveAccount(snap); err != nil {
			e.logger.Error("save account failed", "error", err)
		}
	}
}

// availableCash is the margin guard's balance source.
func (e *Engine) availableCash(ctx context.Context) (int64, error) {
	if e.mode == types.ModePaper {
		return e.paper.Cash(), nil
	}
	bal, err := e.client.GetBalance(ctx)
	if err != nil {
		return 0, err
	}
	return bal.Cash, nil
}

// emergencyCancelAll is the kill switch's cancel hook.
func (e *Engine) emergencyCancelAll(ctx context.Context) error {
	e.orders.Block()
	return e.orders.CancelAllPending(ctx)
}

// notifyKill is the kill switch's notification hook.
func (e *Engine) notifyKill(reason string) error {
	e.publish(api.NewStreamEvent("kill", "", api.KillEvent{
		Reason:  reason,
		Capital: e.equity.Load(),
	}))
	return nil
}

func (e *Engine) publish(evt api.StreamEvent) {
	if e.status != nil {
		e.status.Publish(evt)
	}
}

// ————————————————————————————————————————————————————————————————————————
// api.StatusProvider
// ————————————————————————————————————————————————————————————————————————

// Mode returns the configured trade mode.
func (e *Engine) Mode() types.TradeMode { return e.mode }

// Equity returns the latest account equity.
func (e *Engine) Equity() int64 { return e.equity.Load() }

// Cash returns available cash.
func (e *Engine) Cash() int64 {
	if e.paper != nil {
		return e.paper.Cash()
	}
	cash, err := e.availableCash(e.ctx)
	if err != nil {
		return 0
	}
	return cash
}

// RealizedPnL returns realized profit and loss for the account.
func (e *Engine) RealizedPnL() int64 {
	if e.paper != nil {
		return e.paper.RealizedPnL()
	}
	return e.equity.Load() - e.initial.Load()
}

// Positions returns all open positions.
func (e *Engine) Positions() []order.Position { return e.orders.Positions() }

// PendingOrders returns all non-terminal orders.
func (e *Engine) PendingOrders() []*order.Order { return e.tracker.Pending() }

// LastPrice returns the latest traded price for a stock, 0 if unknown.
func (e *Engine) LastPrice(stockCode string) int64 {
	if tick := e.cache.GetPrice(stockCode); tick != nil {
		return tick.Price
	}
	return 0
}

// RiskStatus summarizes the risk state for the status API.
func (e *Engine) RiskStatus() api.RiskStatus {
	dd := e.riskMgr.Drawdown()
	canTrade, reason := dd.CanTrade()

	return api.RiskStatus{
		DrawdownLevel:       string(dd.Level()),
		PaperForced:         dd.PaperForced(),
		KillSwitchTriggered: e.riskMgr.KillSwitch().Triggered(),
		TradingHalted:       !canTrade || e.orders.Blocked(),
		HaltReason:          reason,
		LockedCapital:       e.tracker.LockedCapital(),
	}
}
