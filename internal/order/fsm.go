// Package order implements the order lifecycle: the state machine, the
// unfilled-order tracker, the paper-trading fill engine, pyramid position
// building, and the manager facade that routes orders to the broker or the
// simulator.
package order

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"kats-trader/pkg/types"
)

// ErrInvalidTransition is returned when a state change is not allowed by
// the transition table.
var ErrInvalidTransition = errors.New("invalid order state transition")

// validTransitions is the order lifecycle:
//
//	CREATED ──> SUBMITTED ──> PARTIAL_FILLED ──> FILLED
//	   │            │    │         │      │
//	   │            │    └────> CANCEL_REQUESTED ──> CANCELLED
//	   │            │              └──> AMEND_REQUESTED ──> SUBMITTED
//	   └──> REJECTED (also from SUBMITTED, AMEND_REQUESTED)
//
// CANCEL_REQUESTED may still end FILLED when the fill races the cancel.
var validTransitions = map[types.OrderState][]types.OrderState{
	types.StateCreated:         {types.StateSubmitted, types.StateRejected},
	types.StateSubmitted:       {types.StatePartialFilled, types.StateFilled, types.StateCancelRequested, types.StateRejected, types.StateError},
	types.StatePartialFilled:   {types.StateFilled, types.StateCancelRequested, types.StateAmendRequested},
	types.StateCancelRequested: {types.StateCancelled, types.StateFilled},
	types.StateAmendRequested:  {types.StateSubmitted, types.StateRejected},
}

// reservedMetaKeys never merge into order metadata from a transition.
var reservedMetaKeys = map[string]bool{
	"state":     true,
	"timestamp": true,
}

// Transition is one recorded state change.
type Transition struct {
	From     types.OrderState
	To       types.OrderState
	At       time.Time
	Metadata map[string]string
}

// Order is one tracked order with its full transition history.
// All mutation goes through TransitionTo / RecordFill under the mutex.
type Order struct {
	mu sync.Mutex

	ID            string
	StockCode     string
	Side          types.Side
	Quantity      int64
	Price         int64 // limit price, 0 = market
	StrategyCode  string
	StopLossPrice int64

	State         types.OrderState
	FilledQty     int64
	AvgFillPrice  float64
	BrokerOrderNo string

	CreatedAt time.Time
	UpdatedAt time.Time
	History   []Transition
	Metadata  map[string]string

	plannedTotal int64 // full position the pyramid builds toward
}

// GenerateOrderID builds an internal order ID, unique and sortable by
// creation time.
func GenerateOrderID() string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("ORD-%d-%s", time.Now().UnixMilli(), suffix)
}

// NewOrder creates an order in CREATED state from a trade signal.
func NewOrder(sig types.TradeSignal) *Order {
	now := time.Now()
	return &Order{
		ID:            GenerateOrderID(),
		StockCode:     sig.StockCode,
		Side:          sig.Side,
		Quantity:      sig.Quantity,
		Price:         sig.Price,
		StrategyCode:  sig.StrategyCode,
		StopLossPrice: sig.StopLossPrice,
		State:         types.StateCreated,
		CreatedAt:     now,
		UpdatedAt:     now,
		Metadata:      make(map[string]string),
	}
}

// TransitionTo moves the order to a new state, recording history and
// merging metadata (reserved keys skipped).
func (o *Order) TransitionTo(to types.OrderState, metadata map[string]string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !transitionAllowed(o.State, to) {
		return fmt.Errorf("%w: %s -> %s (order %s)", ErrInvalidTransition, o.State, to, o.ID)
	}

	from := o.State
	now := time.Now()

	o.State = to
	o.UpdatedAt = now
	o.History = append(o.History, Transition{From: from, To: to, At: now, Metadata: metadata})

	for k, v := range metadata {
		if reservedMetaKeys[k] {
			continue
		}
		o.Metadata[k] = v
	}
	return nil
}

func transitionAllowed(from, to types.OrderState) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// RecordFill applies an execution: updates the filled quantity and the
// weighted average fill price, then transitions to PARTIAL_FILLED or
// FILLED depending on the remaining quantity.
func (o *Order) RecordFill(execQty int64, execPrice int64) error {
	if execQty <= 0 {
		return fmt.Errorf("fill qty must be positive, got %d (order %s)", execQty, o.ID)
	}

	o.mu.Lock()
	total := o.FilledQty + execQty
	o.AvgFillPrice = (o.AvgFillPrice*float64(o.FilledQty) + float64(execPrice*execQty)) / float64(total)
	o.FilledQty = total
	remaining := o.Quantity - total
	o.mu.Unlock()

	meta := map[string]string{
		"exec_qty":   fmt.Sprintf("%d", execQty),
		"exec_price": fmt.Sprintf("%d", execPrice),
	}
	if remaining <= 0 {
		return o.TransitionTo(types.StateFilled, meta)
	}
	// Already partial filled stays there; the transition table rejects
	// PARTIAL_FILLED -> PARTIAL_FILLED, so only transition the first time.
	if o.CurrentState() == types.StatePartialFilled {
		return nil
	}
	return o.TransitionTo(types.StatePartialFilled, meta)
}

// CurrentState returns the state under the lock.
func (o *Order) CurrentState() types.OrderState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.State
}

// Remaining returns the unfilled quantity.
func (o *Order) Remaining() int64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.Quantity - o.FilledQty
}

// Pending reports whether the order can still change state.
func (o *Order) Pending() bool {
	return !o.CurrentState().Terminal()
}

// SetPrice changes the limit price after an amend (0 = market).
func (o *Order) SetPrice(price int64) {
	o.mu.Lock()
	o.Price = price
	o.UpdatedAt = time.Now()
	o.mu.Unlock()
}

// SetBrokerOrderNo records the broker-assigned order number.
func (o *Order) SetBrokerOrderNo(no string) {
	o.mu.Lock()
	o.BrokerOrderNo = no
	o.mu.Unlock()
}

// Meta returns one metadata value.
func (o *Order) Meta(key string) string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.Metadata[key]
}

// SetMeta stores one metadata value.
func (o *Order) SetMeta(key, value string) {
	o.mu.Lock()
	o.Metadata[key] = value
	o.mu.Unlock()
}
