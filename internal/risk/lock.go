package risk

import (
	"fmt"
	"sync"

	"kats-trader/pkg/types"
)

// gradeHardCap is the absolute per-stock exposure ceiling by grade, in
// percent of capital. Unlike the regime allocation tables these never
// loosen, whatever the market looks like.
var gradeHardCap = map[types.StockGrade]float64{
	types.GradeA: 30,
	types.GradeB: 20,
	types.GradeC: 10,
	types.GradeD: 0,
}

// reservation identifies one strategy's claim on one stock.
type reservation struct {
	stock    string
	strategy string
}

// PositionLock serializes position-opening across strategies. Every new
// order reserves its amount against the stock under one mutex, so two
// signals for the same name cannot both pass the exposure check. The
// hard cap applies per stock; reservations are held per strategy so one
// strategy releasing never disturbs another's claim.
type PositionLock struct {
	mu       sync.Mutex
	reserved map[reservation]int64
	byStock  map[string]int64 // per-stock totals across strategies
	grades   map[string]types.StockGrade
}

// NewPositionLock creates an empty lock.
func NewPositionLock() *PositionLock {
	return &PositionLock{
		reserved: make(map[reservation]int64),
		byStock:  make(map[string]int64),
		grades:   make(map[string]types.StockGrade),
	}
}

// CheckAndReserve atomically verifies the grade hard cap and reserves the
// amount against the stock under the given strategy.
func (l *PositionLock) CheckAndReserve(stockCode, strategy string, grade types.StockGrade, amount, capital int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	capPct, ok := gradeHardCap[grade]
	if !ok {
		return fmt.Errorf("unknown grade %q", grade)
	}
	limit := int64(float64(capital) * capPct / 100)

	current := l.byStock[stockCode]
	if current+amount > limit {
		return fmt.Errorf("position lock: %s at %.1f%% + %.1f%% new exceeds grade %s hard cap %.1f%%",
			stockCode,
			pct(current, capital), pct(amount, capital), grade, capPct)
	}

	l.reserved[reservation{stockCode, strategy}] += amount
	l.byStock[stockCode] = current + amount
	l.grades[stockCode] = grade
	return nil
}

// Release frees up to amount of the strategy's reservation for a stock.
// Releasing more than was reserved clears the entry, never going negative
// or touching another strategy's claim.
func (l *PositionLock) Release(stockCode, strategy string, amount int64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := reservation{stockCode, strategy}
	held := l.reserved[key]
	if amount > held {
		amount = held
	}

	if held-amount <= 0 {
		delete(l.reserved, key)
	} else {
		l.reserved[key] = held - amount
	}

	l.byStock[stockCode] -= amount
	if l.byStock[stockCode] <= 0 {
		delete(l.byStock, stockCode)
		delete(l.grades, stockCode)
	}
}

// StockExposure returns the reserved amount for one stock, summed over
// all strategies.
func (l *PositionLock) StockExposure(stockCode string) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.byStock[stockCode]
}

// StrategyExposure returns one strategy's reservation on one stock.
func (l *PositionLock) StrategyExposure(stockCode, strategy string) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.reserved[reservation{stockCode, strategy}]
}

// RemainingCapacity returns how much more exposure a stock of the given
// grade could take before hitting its hard cap.
func (l *PositionLock) RemainingCapacity(stockCode string, grade types.StockGrade, capital int64) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	limit := int64(float64(capital) * gradeHardCap[grade] / 100)
	remaining := limit - l.byStock[stockCode]
	if remaining < 0 {
		return 0
	}
	return remaining
}

// ClearAll drops every reservation. Used at daily reset.
func (l *PositionLock) ClearAll() {
	l.mu.Lock()
	l.reserved = make(map[reservation]int64)
	l.byStock = make(map[string]int64)
	l.grades = make(map[string]types.StockGrade)
	l.mu.Unlock()
}
