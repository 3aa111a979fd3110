package core

import (
	"errors"
	"fmt"

	"PredictCore/internal/amm"
	"PredictCore/internal/event"
	"PredictCore/internal/risk"
)

// ErrReplayDiverged means the replayed state does not hash to what the
// log recorded.
var ErrReplayDiverged = errors.New("replayed state diverges from result log")

// Replay re-applies logged events newer than the restored snapshots, in
// log order, to markets, exposures, breakers and the ledger. Nothing is
// emitted. Once the tail is applied the state hash of each touched market
// is recomputed and must equal the hash of its last logged event; any
// mismatch fails with ErrReplayDiverged.
func (o *Orchestrator) Replay(envs []*event.EventEnvelope) error {
	events := make([]event.Event, len(envs))
	for i, env := range envs {
		e, err := env.Decode()
		if err != nil {
			return fmt.Errorf("sequence %d: %w", env.Sequence, err)
		}
		events[i] = e
	}

	last := make(map[string]int)
	var order []string
	for i, env := range envs {
		rt, err := o.replayRuntime(events[i])
		if err != nil {
			return fmt.Errorf("sequence %d: %w", env.Sequence, err)
		}
		rt.mu.Lock()
		err = o.replayLocked(rt, events[i])
		if err == nil {
			rt.events++
			rt.hasher.SetPrevHash(env.StateHash)
		}
		rt.mu.Unlock()
		if err != nil {
			return fmt.Errorf("sequence %d (%s): %w", env.Sequence, env.EventType, err)
		}
		if _, seen := last[env.MarketID]; !seen {
			order = append(order, env.MarketID)
		}
		last[env.MarketID] = i
	}

	for _, id := range order {
		i := last[id]
		rt, err := o.runtime(id)
		if err != nil {
			return err
		}
		rt.mu.Lock()
		check := &StateHasher{prevHash: envs[i].PrevHash}
		got := check.ComputeHash(rt.events, rt.stateDigest(events[i]))
		rt.mu.Unlock()
		if got != envs[i].StateHash {
			return fmt.Errorf("%w: market %s at sequence %d", ErrReplayDiverged, id, envs[i].Sequence)
		}
	}
	if len(envs) > 0 {
		o.logger.Info().Int("events", len(envs)).Int("markets", len(order)).
			Int64("to_sequence", envs[len(envs)-1].Sequence).Msg("result log tail replayed")
	}
	return nil
}

// replayRuntime finds the market of e, creating it for MarketCreated.
func (o *Orchestrator) replayRuntime(e event.Event) (*marketRuntime, error) {
	created, ok := e.(*event.MarketCreated)
	if !ok {
		return o.runtime(e.Market())
	}
	if rt, err := o.runtime(created.MarketID); err == nil {
		return rt, nil
	}
	curve, err := amm.ParseCurveID(created.Curve)
	if err != nil {
		return nil, err
	}
	m, err := amm.NewMarket(created.MarketID, curve, created.Outcomes, created.Liquidity, created.FeeBps, created.CreatedAt)
	if err != nil {
		return nil, err
	}
	rt := newMarketRuntime(m)
	o.mu.Lock()
	o.markets[m.ID] = rt
	o.mu.Unlock()
	return rt, nil
}

func (o *Orchestrator) replayLocked(rt *marketRuntime, e event.Event) error {
	switch ev := e.(type) {
	case *event.MarketCreated, *event.CommitmentsExpired:
		return nil

	case *event.BatchResult:
		for _, r := range ev.Results {
			if r.Status != event.StatusExecuted {
				continue
			}
			outcome := int(r.Outcome)
			if err := o.engine.ApplyLogged(rt.market, outcome, r.Quantity, r.Cost, r.Fee); err != nil {
				return fmt.Errorf("intent %s: %w", r.IntentID, err)
			}
			rt.market.FeesCollected = rt.market.FeesCollected.SatAdd(r.PriorityFee)
			cash, err := r.Cost.Add(r.Fee)
			if err == nil {
				cash, err = cash.Add(r.PriorityFee)
			}
			if err != nil {
				return fmt.Errorf("intent %s: %w", r.IntentID, err)
			}
			next, err := risk.ApplyFill(rt.exposureFor(r.Account), risk.Fill{
				Outcome:  outcome,
				Quantity: r.Quantity,
				CashFlow: cash,
				At:       ev.ExecutedAt,
			})
			if err != nil {
				return fmt.Errorf("intent %s: %w", r.IntentID, err)
			}
			rt.exposures[r.Account] = next
		}
		for _, st := range ev.Settlements {
			if err := o.ledger.ApplySettlement(st); err != nil {
				return fmt.Errorf("settle %s: %w", st.Ref, err)
			}
		}
		if ev.BatchID > rt.lastBatchID {
			rt.lastBatchID = ev.BatchID
			o.sequences.Restore(rt.market.ID, ev.BatchID)
		}
		return nil

	case *event.BreakerChanged:
		to, err := risk.ParsePhase(ev.To)
		if err != nil {
			return err
		}
		reason, err := risk.ParseReason(ev.Reason)
		if err != nil {
			return err
		}
		params := o.params.Get(rt.market.ID)
		rt.breaker = risk.Replayed(rt.breaker, to, reason, ev.Detail, ev.At, ev.CooldownUntil, params.Breaker)
		rt.phase.Store(uint32(rt.breaker.Phase))
		return nil

	case *event.MarketResolved:
		if _, err := o.engine.Collapse(rt.market, ev.Winner); err != nil {
			return err
		}
		for _, p := range ev.Payouts {
			if err := o.ledger.ApplySettlement(p); err != nil {
				return fmt.Errorf("payout %s: %w", p.Account, err)
			}
			rt.exposures[p.Account] = risk.NewExposure(p.Account, rt.market.ID, rt.market.Outcomes())
		}
		rt.liquidations = risk.NewLiquidationQueue(rt.market.ID)
		rt.closed.Store(true)
		return nil

	default:
		return fmt.Errorf("cannot replay %T", e)
	}
}
