package core

import (
	"fmt"

	"PredictCore/internal/amm"
	fpmath "PredictCore/internal/math"
	"PredictCore/internal/risk"
)

// MarketSnapshot is a consistent copy of one market's state. It backs the
// read-only query surface and warm restarts.
type MarketSnapshot struct {
	Market        *amm.Market             `json:"market"`
	Probabilities []fpmath.Fixed          `json:"probabilities"`
	Breaker       risk.BreakerState       `json:"breaker"`
	Exposures     []risk.AccountExposure  `json:"exposures"`
	Liquidations  []risk.LiquidationEntry `json:"liquidations"`
	LastBatchID   uint64                  `json:"last_batch_id"`
	Events        uint64                  `json:"events"`
	StateHash     [32]byte                `json:"state_hash"`
}

// Snapshot captures the market under its lock.
func (o *Orchestrator) Snapshot(marketID string) (*MarketSnapshot, error) {
	rt, err := o.runtime(marketID)
	if err != nil {
		return nil, err
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()

	snap := &MarketSnapshot{
		Market:       rt.market.Clone(),
		Breaker:      rt.breaker,
		Liquidations: rt.liquidations.Entries(),
		LastBatchID:  rt.lastBatchID,
		Events:       rt.events,
		StateHash:    rt.hasher.GetPrevHash(),
	}
	if rt.market.Status != amm.MarketCollapsed {
		if snap.Probabilities, err = o.engine.Probabilities(rt.market); err != nil {
			return nil, err
		}
	}
	for _, account := range rt.sortedAccounts() {
		snap.Exposures = append(snap.Exposures, rt.exposures[account].Clone())
	}
	return snap, nil
}

// Exposure returns one account's exposure in a market. Accounts that
// never traded report a flat exposure.
func (o *Orchestrator) Exposure(marketID, account string) (risk.AccountExposure, error) {
	rt, err := o.runtime(marketID)
	if err != nil {
		return risk.AccountExposure{}, err
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.exposureFor(account).Clone(), nil
}

// Breaker returns the market's breaker state.
func (o *Orchestrator) Breaker(marketID string) (risk.BreakerState, error) {
	rt, err := o.runtime(marketID)
	if err != nil {
		return risk.BreakerState{}, err
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.breaker, nil
}

// Restore installs a market from a snapshot, replacing any existing state
// for it. The detector window starts empty.
func (o *Orchestrator) Restore(snap *MarketSnapshot) error {
	if snap == nil || snap.Market == nil {
		return fmt.Errorf("empty snapshot")
	}
	m := snap.Market.Clone()
	rt := newMarketRuntime(m)
	rt.breaker = snap.Breaker
	rt.phase.Store(uint32(snap.Breaker.Phase))
	rt.closed.Store(m.Status == amm.MarketCollapsed)
	for _, e := range snap.Exposures {
		if len(e.Position) != m.Outcomes() {
			return fmt.Errorf("snapshot %s: exposure %s has %d outcomes, market has %d",
				m.ID, e.Account, len(e.Position), m.Outcomes())
		}
		rt.exposures[e.Account] = e.Clone()
	}
	for _, l := range snap.Liquidations {
		rt.liquidations.Upsert(l)
	}
	rt.lastBatchID = snap.LastBatchID
	rt.events = snap.Events
	rt.hasher.SetPrevHash(snap.StateHash)

	o.mu.Lock()
	o.markets[m.ID] = rt
	o.mu.Unlock()
	o.sequences.Restore(m.ID, snap.LastBatchID)
	return nil
}
