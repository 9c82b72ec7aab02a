package order

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"kats-trader/internal/config"
	"kats-trader/pkg/types"
)

const amendedMetaKey = "_amended"

// Tracker watches pending orders and enforces per-strategy lifetimes.
// At 80% of an order's TTL an unfilled limit order is amended to market
// price once; at 100% the remaining quantity is cancelled. The sweep runs
// every CheckInterval.
type Tracker struct {
	mu       sync.Mutex
	orders   map[string]*Order
	byBroker map[string]string // broker order no -> internal ID

	cfg config.TrackerConfig

	cancelFn func(context.Context, *Order) error
	amendFn  func(context.Context, *Order) error

	logger *slog.Logger
}

// NewTracker creates a tracker. Cancel/amend actions are wired by the
// manager via SetActions before Run is called.
func NewTracker(cfg config.TrackerConfig, logger *slog.Logger) *Tracker {
	return &Tracker{
		orders:   make(map[string]*Order),
		byBroker: make(map[string]string),
		cfg:      cfg,
		logger:   logger.With("component", "tracker"),
	}
}

// SetActions wires the cancel and amend-to-market callbacks.
func (t *Tracker) SetActions(cancel, amend func(context.Context, *Order) error) {
	t.cancelFn = cancel
	t.amendFn = amend
}

// Track registers an order for TTL enforcement.
func (t *Tracker) Track(o *Order) {
	t.mu.Lock()
	t.orders[o.ID] = o
	if no := o.BrokerOrderNo; no != "" {
		t.byBroker[no] = o.ID
	}
	t.mu.Unlock()
}

// LinkBrokerNo indexes an order by its broker-assigned number so realtime
// notices can be routed back to it.
func (t *Tracker) LinkBrokerNo(orderID, brokerNo string) {
	t.mu.Lock()
	t.byBroker[brokerNo] = orderID
	t.mu.Unlock()
}

// Remove drops an order from tracking.
func (t *Tracker) Remove(orderID string) {
	t.mu.Lock()
	if o, ok := t.orders[orderID]; ok {
		delete(t.byBroker, o.BrokerOrderNo)
	}
	delete(t.orders, orderID)
	t.mu.Unlock()
}

// Get returns a tracked order by internal ID.
func (t *Tracker) Get(orderID string) (*Order, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	o, ok := t.orders[orderID]
	return o, ok
}

// FindByBrokerNo returns a tracked order by broker order number.
func (t *Tracker) FindByBrokerNo(brokerNo string) (*Order, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	id, ok := t.byBroker[brokerNo]
	if !ok {
		return nil, false
	}
	o, ok := t.orders[id]
	return o, ok
}

// Pending returns all non-terminal tracked orders.
func (t *Tracker) Pending() []*Order {
	t.mu.Lock()
	defer t.mu.Unlock()

	var pending []*Order
	for _, o := range t.orders {
		if o.Pending() {
			pending = append(pending, o)
		}
	}
	return pending
}

// LockedCapital returns the capital tied up in pending BUY orders:
// Σ price × remaining quantity.
func (t *Tracker) LockedCapital() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	var locked int64
	for _, o := range t.orders {
		if o.Side != types.BUY || !o.Pending() {
			continue
		}
		locked += o.Price * o.Remaining()
	}
	return locked
}

// Run sweeps tracked orders until ctx is cancelled.
func (t *Tracker) Run(ctx context.Context) {
	ticker := time.NewTicker(t.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.sweep(ctx)
		}
	}
}

// ttlFor returns the order lifetime for a strategy code.
func (t *Tracker) ttlFor(strategyCode string) time.Duration {
	if ttl, ok := t.cfg.StrategyTTL[strategyCode]; ok {
		return ttl
	}
	return t.cfg.DefaultTTL
}

func (t *Tracker) sweep(ctx context.Context) {
	now := time.Now()

	t.mu.Lock()
	pending := make([]*Order, 0, len(t.orders))
	for id, o := range t.orders {
		if !o.Pending() {
			delete(t.byBroker, o.BrokerOrderNo)
			delete(t.orders, id)
			continue
		}
		pending = append(pending, o)
	}
	t.mu.Unlock()

	for _, o := range pending {
		ttl := t.ttlFor(o.StrategyCode)
		ratio := float64(now.Sub(o.CreatedAt)) / float64(ttl)

		switch {
		case ratio >= 1.0:
			t.logger.Info("order ttl expired, cancelling",
				"order_id", o.ID,
				"strategy", o.StrategyCode,
				"age", now.Sub(o.CreatedAt).Round(time.Second),
			)
			if t.cancelFn != nil {
				if err := t.cancelFn(ctx, o); err != nil {
					t.logger.Error("ttl cancel failed", "order_id", o.ID, "error", err)
				}
			}

		case ratio >= t.cfg.AmendThreshold:
			// Amend once: chase the market with the remaining quantity
			if o.Price == 0 || o.Meta(amendedMetaKey) != "" {
				continue
			}
			if o.CurrentState() != types.StateSubmitted {
				continue
			}
			t.logger.Info("order near ttl, amending to market",
				"order_id", o.ID,
				"strategy", o.StrategyCode,
			)
			if t.amendFn != nil {
				if err := t.amendFn(ctx, o); err != nil {
					t.logger.Error("ttl amend failed", "order_id", o.ID, "error", err)
					continue
				}
			}
			o.SetMeta(amendedMetaKey, "1")
		}
	}
}
