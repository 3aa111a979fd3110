package core

import (
	"sort"

	"PredictCore/internal/event"
	fpmath "PredictCore/internal/math"
)

// stateDigest builds the canonical bytes hashed after an event:
//
//	u8 event_type | u64 market_sequence | u8 breaker_phase |
//	q[0..n] (i64 LE) | pool | fees |
//	per exposure (sorted by account): len | account | positions |
//	per result (batch order): intent id | status | quantity | cost | fee
func (rt *marketRuntime) stateDigest(e event.Event) []byte {
	m := rt.market
	digest := make([]byte, 0, 64+8*len(m.Q)+64*len(rt.exposures))

	digest = append(digest, byte(e.EventType()))
	digest = appendInt64LE(digest, m.Sequence)
	digest = append(digest, byte(rt.breaker.Phase))
	for _, q := range m.Q {
		digest = appendFixedLE(digest, q)
	}
	digest = appendFixedLE(digest, m.Pool)
	digest = appendFixedLE(digest, m.FeesCollected)

	for _, account := range rt.sortedAccounts() {
		exp := rt.exposures[account]
		digest = append(digest, byte(len(account)))
		digest = append(digest, account...)
		for _, p := range exp.Position {
			digest = appendFixedLE(digest, p)
		}
	}

	if br, ok := e.(*event.BatchResult); ok {
		for _, r := range br.Results {
			digest = append(digest, r.IntentID[:]...)
			if r.Status == event.StatusExecuted {
				digest = append(digest, 1)
			} else {
				digest = append(digest, 0)
			}
			digest = appendFixedLE(digest, r.Quantity)
			digest = appendFixedLE(digest, r.Cost)
			digest = appendFixedLE(digest, r.Fee)
			digest = appendFixedLE(digest, r.PriorityFee)
		}
	}
	return digest
}

func (rt *marketRuntime) sortedAccounts() []string {
	accounts := make([]string, 0, len(rt.exposures))
	for a := range rt.exposures {
		accounts = append(accounts, a)
	}
	sort.Strings(accounts)
	return accounts
}

func appendFixedLE(buf []byte, v fpmath.Fixed) []byte {
	return appendInt64LE(buf, v.Raw())
}

func appendInt64LE(buf []byte, v int64) []byte {
	return append(buf,
		byte(v),
		byte(v>>8),
		byte(v>>16),
		byte(v>>24),
		byte(v>>32),
		byte(v>>40),
		byte(v>>48),
		byte(v>>56),
	)
}
