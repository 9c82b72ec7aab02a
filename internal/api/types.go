package api

import (
	"time"

	"kats-trader/pkg/types"
)

// StatusSnapshot is the complete state exposed by /api/status.
type StatusSnapshot struct {
	Timestamp time.Time       `json:"timestamp"`
	Mode      types.TradeMode `json:"mode"`

	Equity      int64 `json:"equity"`
	Cash        int64 `json:"cash"`
	RealizedPnL int64 `json:"realized_pnl"`

	Positions     []PositionStatus `json:"positions"`
	PendingOrders []OrderStatus    `json:"pending_orders"`
	Risk          RiskStatus       `json:"risk"`
}

// PositionStatus is one open holding with its mark.
type PositionStatus struct {
	StockCode     string  `json:"stock_code"`
	Quantity      int64   `json:"quantity"`
	AvgPrice      float64 `json:"avg_price"`
	LastPrice     int64   `json:"last_price"`
	UnrealizedPnL int64   `json:"unrealized_pnl"`
	ProfitPct     float64 `json:"profit_pct"`
	Grade         string  `json:"grade"`
	Sector        string  `json:"sector,omitempty"`
	StopLoss      int64   `json:"stop_loss"`
}

// OrderStatus is one pending order.
type OrderStatus struct {
	OrderID   string    `json:"order_id"`
	BrokerNo  string    `json:"broker_no,omitempty"`
	StockCode string    `json:"stock_code"`
	Side      string    `json:"side"`
	Quantity  int64     `json:"quantity"`
	FilledQty int64     `json:"filled_qty"`
	Price     int64     `json:"price"`
	State     string    `json:"state"`
	Strategy  string    `json:"strategy,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// RiskStatus is the aggregate risk state for /api/risk.
type RiskStatus struct {
	DrawdownLevel string `json:"drawdown_level"`
	PaperForced   bool   `json:"paper_forced"`

	KillSwitchTriggered bool `json:"kill_switch_triggered"`

	TradingHalted bool   `json:"trading_halted"`
	HaltReason    string `json:"halt_reason,omitempty"`

	LockedCapital int64 `json:"locked_capital"`
}
