package api

import (
	"time"

	"kats-trader/internal/order"
	"kats-trader/pkg/types"
)

// StatusProvider is the slice of engine state the server reads. All
// methods must be safe for concurrent use.
type StatusProvider interface {
	Mode() types.TradeMode
	Equity() int64
	Cash() int64
	RealizedPnL() int64
	Positions() []order.Position
	PendingOrders() []*order.Order
	LastPrice(stockCode string) int64
	RiskStatus() RiskStatus
}

// BuildSnapshot aggregates engine state into one status snapshot.
func BuildSnapshot(p StatusProvider) StatusSnapshot {
	positions := p.Positions()
	posStatus := make([]PositionStatus, 0, len(positions))
	for _, pos := range positions {
		last := p.LastPrice(pos.StockCode)
		ps := PositionStatus{
			StockCode: pos.StockCode,
			Quantity:  pos.Quantity,
			AvgPrice:  pos.AvgPrice,
			LastPrice: last,
			Grade:     string(pos.Grade),
			Sector:    pos.Sector,
			StopLoss:  pos.StopLoss,
		}
		if last > 0 {
			ps.UnrealizedPnL = int64(float64(last)-pos.AvgPrice) * pos.Quantity
			ps.ProfitPct = pos.ProfitPct(last)
		}
		posStatus = append(posStatus, ps)
	}

	pending := p.PendingOrders()
	orderStatus := make([]OrderStatus, 0, len(pending))
	for _, o := range pending {
		orderStatus = append(orderStatus, OrderStatus{
			OrderID:   o.ID,
			BrokerNo:  o.BrokerOrderNo,
			StockCode: o.StockCode,
			Side:      string(o.Side),
			Quantity:  o.Quantity,
			FilledQty: o.FilledQty,
			Price:     o.Price,
			State:     string(o.CurrentState()),
			Strategy:  o.StrategyCode,
			CreatedAt: o.CreatedAt,
		})
	}

	return StatusSnapshot{
		Timestamp:     time.Now(),
		Mode:          p.Mode(),
		Equity:        p.Equity(),
		Cash:          p.Cash(),
		RealizedPnL:   p.RealizedPnL(),
		Positions:     posStatus,
		PendingOrders: orderStatus,
		Risk:          p.RiskStatus(),
	}
}
