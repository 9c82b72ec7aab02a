package order

import (
	"fmt"
	"sync"

	"kats-trader/internal/config"
	"kats-trader/pkg/types"
)

// Pyramid splits a planned position into staged entries: the first stage
// opens half the position, later stages add only once the position shows
// enough profit. Stage ratios and profit triggers come from config
// (defaults 0.5/0.3/0.2 at 0%/5%/10% profit).
type Pyramid struct {
	mu     sync.Mutex
	stages map[string]int // stock code -> completed stage count

	cfg config.PyramidConfig
}

// NewPyramid validates the stage configuration and creates the tracker.
func NewPyramid(cfg config.PyramidConfig) (*Pyramid, error) {
	if cfg.MaxStages <= 0 {
		return nil, fmt.Errorf("pyramid: max_stages must be positive")
	}
	if len(cfg.Ratios) != cfg.MaxStages {
		return nil, fmt.Errorf("pyramid: need %d ratios, got %d", cfg.MaxStages, len(cfg.Ratios))
	}
	if len(cfg.Triggers) != cfg.MaxStages {
		return nil, fmt.Errorf("pyramid: need %d triggers, got %d", cfg.MaxStages, len(cfg.Triggers))
	}

	var sum float64
	for _, r := range cfg.Ratios {
		sum += r
	}
	if sum < 0.99 || sum > 1.01 {
		return nil, fmt.Errorf("pyramid: ratios must sum to 1.0, got %.3f", sum)
	}

	return &Pyramid{
		stages: make(map[string]int),
		cfg:    cfg,
	}, nil
}

// Stage returns how many stages have been completed for a stock.
func (p *Pyramid) Stage(stockCode string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stages[stockCode]
}

// CheckOpportunity reports whether a position qualifies for its next
// pyramid stage: a long position in profit that has reached the next
// stage's trigger and has stages remaining.
func (p *Pyramid) CheckOpportunity(stockCode string, side types.Side, profitPct float64) bool {
	if side != types.BUY || profitPct <= 0 {
		return false
	}

	p.mu.Lock()
	stage := p.stages[stockCode]
	p.mu.Unlock()

	if stage >= p.cfg.MaxStages {
		return false
	}
	return profitPct >= p.cfg.Triggers[stage]
}

// StageQuantity returns the share quantity for the next stage out of the
// planned total position, at least one share.
func (p *Pyramid) StageQuantity(stockCode string, plannedTotal int64) int64 {
	p.mu.Lock()
	stage := p.stages[stockCode]
	p.mu.Unlock()

	if stage >= p.cfg.MaxStages {
		return 0
	}
	qty := int64(float64(plannedTotal) * p.cfg.Ratios[stage])
	if qty < 1 {
		qty = 1
	}
	return qty
}

// Advance marks one stage complete for a stock.
func (p *Pyramid) Advance(stockCode string) {
	p.mu.Lock()
	if p.stages[stockCode] < p.cfg.MaxStages {
		p.stages[stockCode]++
	}
	p.mu.Unlock()
}

// Reset clears the stage count, typically after the position closes.
func (p *Pyramid) Reset(stockCode string) {
	p.mu.Lock()
	delete(p.stages, stockCode)
	p.mu.Unlock()
}
