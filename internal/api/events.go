package api

import "time"

// StreamEvent is the wrapper for all events pushed over /ws.
type StreamEvent struct {
	Type      string    `json:"type"` // "snapshot", "fill", "order", "kill", "drawdown", "vi"
	Timestamp time.Time `json:"timestamp"`
	StockCode string    `json:"stock_code,omitempty"`
	Data      any       `json:"data"`
}

// NewStreamEvent stamps an event with the current time.
func NewStreamEvent(eventType, stockCode string, data any) StreamEvent {
	return StreamEvent{
		Type:      eventType,
		Timestamp: time.Now(),
		StockCode: stockCode,
		Data:      data,
	}
}

// FillEvent is one execution notification.
type FillEvent struct {
	OrderID   string `json:"order_id"`
	StockCode string `json:"stock_code"`
	Side      string `json:"side"`
	Qty       int64  `json:"qty"`
	Price     int64  `json:"price"`
	State     string `json:"state"` // PARTIAL_FILLED or FILLED
}

// OrderEvent is an order lifecycle notification.
type OrderEvent struct {
	OrderID   string `json:"order_id"`
	StockCode string `json:"stock_code"`
	Side      string `json:"side"`
	Quantity  int64  `json:"quantity"`
	Price     int64  `json:"price"`
	State     string `json:"state"`
	Reason    string `json:"reason,omitempty"`
}

// KillEvent is emitted when the daily kill switch trips.
type KillEvent struct {
	Reason  string `json:"reason"`
	Capital int64  `json:"capital"`
}

// DrawdownEvent is emitted when the drawdown protocol escalates.
type DrawdownEvent struct {
	Level     string    `json:"level"`
	HaltUntil time.Time `json:"halt_until,omitempty"`
}

// VIEvent is emitted on volatility-interruption state changes.
type VIEvent struct {
	StockCode string `json:"stock_code"`
	State     string `json:"state"`
}
