package risk

import (
	"fmt"
	"sync"

	"kats-trader/pkg/types"
)

// regimeAllocation is the capital split for one market regime, in percent.
type regimeAllocation struct {
	GradeA, GradeB, GradeC, Cash float64
}

// regimeAllocations maps each regime to its target allocation. Bearish
// regimes push capital out of lower grades and into cash.
var regimeAllocations = map[types.MarketRegime]regimeAllocation{
	types.RegimeStrongBull: {GradeA: 40, GradeB: 30, GradeC: 10, Cash: 20},
	types.RegimeBull:       {GradeA: 35, GradeB: 25, GradeC: 10, Cash: 30},
	types.RegimeSideways:   {GradeA: 25, GradeB: 15, GradeC: 5, Cash: 55},
	types.RegimeBear:       {GradeA: 15, GradeB: 10, GradeC: 0, Cash: 75},
	types.RegimeStrongBear: {GradeA: 10, GradeB: 0, GradeC: 0, Cash: 90},
}

// Allocator enforces grade and sector concentration limits against the
// regime allocation tables. It tracks open exposure per grade and sector;
// the manager records opens and closes as positions change.
type Allocator struct {
	mu             sync.Mutex
	gradeExposure  map[types.StockGrade]int64
	sectorExposure map[string]int64

	sectorCapPct float64
}

// NewAllocator creates an allocator with the given sector cap in percent.
func NewAllocator(sectorCapPct float64) *Allocator {
	return &Allocator{
		gradeExposure:  make(map[types.StockGrade]int64),
		sectorExposure: make(map[string]int64),
		sectorCapPct:   sectorCapPct,
	}
}

// CheckGrade verifies that adding amount to a grade stays inside the
// regime's allocation for that grade.
func (a *Allocator) CheckGrade(grade types.StockGrade, regime types.MarketRegime, amount, capital int64) error {
	alloc, ok := regimeAllocations[regime]
	if !ok {
		return fmt.Errorf("no allocation table for regime %q", regime)
	}

	var limitPct float64
	switch grade {
	case types.GradeA:
		limitPct = alloc.GradeA
	case types.GradeB:
		limitPct = alloc.GradeB
	case types.GradeC:
		limitPct = alloc.GradeC
	default:
		return fmt.Errorf("grade %s has no allocation in regime %s", grade, regime)
	}
	if limitPct == 0 {
		return fmt.Errorf("grade %s allocation is 0%% in regime %s", grade, regime)
	}

	a.mu.Lock()
	current := a.gradeExposure[grade]
	var invested int64
	for _, exposure := range a.gradeExposure {
		invested += exposure
	}
	a.mu.Unlock()

	limit := int64(float64(capital) * limitPct / 100)
	if current+amount > limit {
		return fmt.Errorf("grade %s limit exceeded: %.1f%% held + %.1f%% new > %.1f%% cap (regime %s)",
			grade,
			pct(current, capital), pct(amount, capital), limitPct, regime)
	}

	// The regime's cash target is a floor, not a leftover: the trade is
	// refused when it would push cash below it.
	cashAfter := capital - invested - amount
	cashFloor := int64(float64(capital) * alloc.Cash / 100)
	if cashAfter < cashFloor {
		return fmt.Errorf("cash floor breached: %.1f%% after trade < %.1f%% minimum (regime %s)",
			pct(cashAfter, capital), alloc.Cash, regime)
	}
	return nil
}

// CheckSector verifies that adding amount to a sector stays inside the
// sector concentration cap.
func (a *Allocator) CheckSector(sector string, amount, capital int64) error {
	if sector == "" {
		return nil
	}

	a.mu.Lock()
	current := a.sectorExposure[sector]
	a.mu.Unlock()

	limit := int64(float64(capital) * a.sectorCapPct / 100)
	if current+amount > limit {
		return fmt.Errorf("sector %s concentration exceeded: %.1f%% held + %.1f%% new > %.1f%% cap",
			sector,
			pct(current, capital), pct(amount, capital), a.sectorCapPct)
	}
	return nil
}

// RecordOpen adds a filled position to the exposure tallies.
func (a *Allocator) RecordOpen(grade types.StockGrade, sector string, amount int64) {
	a.mu.Lock()
	a.gradeExposure[grade] += amount
	if sector != "" {
		a.sectorExposure[sector] += amount
	}
	a.mu.Unlock()
}

// RecordClose removes a closed position from the exposure tallies.
func (a *Allocator) RecordClose(grade types.StockGrade, sector string, amount int64) {
	a.mu.Lock()
	a.gradeExposure[grade] -= amount
	if a.gradeExposure[grade] < 0 {
		a.gradeExposure[grade] = 0
	}
	if sector != "" {
		a.sectorExposure[sector] -= amount
		if a.sectorExposure[sector] < 0 {
			a.sectorExposure[sector] = 0
		}
	}
	a.mu.Unlock()
}

// GradeExposure returns the open exposure for one grade.
func (a *Allocator) GradeExposure(grade types.StockGrade) int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.gradeExposure[grade]
}

// Clear drops all exposure tallies.
func (a *Allocator) Clear() {
	a.mu.Lock()
	a.gradeExposure = make(map[types.StockGrade]int64)
	a.sectorExposure = make(map[string]int64)
	a.mu.Unlock()
}

func pct(amount, capital int64) float64 {
	if capital == 0 {
		return 0
	}
	return float64(amount) / float64(capital) * 100
}
