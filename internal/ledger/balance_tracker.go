package ledger

import (
	"fmt"

	fpmath "PredictCore/internal/math"
)

// BalanceTracker maintains in-memory account balances.
// Not thread-safe; Memory guards it.
type BalanceTracker struct {
	balances map[AccountKey]fpmath.Fixed
}

func NewBalanceTracker() *BalanceTracker {
	return &BalanceTracker{balances: make(map[AccountKey]fpmath.Fixed)}
}

// ApplyBatch applies all journals or none.
func (bt *BalanceTracker) ApplyBatch(batch *Batch) error {
	if err := batch.Validate(); err != nil {
		return fmt.Errorf("invalid batch: %w", err)
	}
	next := make(map[AccountKey]fpmath.Fixed, 2*len(batch.Journals))
	get := func(k AccountKey) fpmath.Fixed {
		if v, ok := next[k]; ok {
			return v
		}
		return bt.balances[k]
	}
	for _, j := range batch.Journals {
		debit, err := get(j.DebitAccount).Add(j.Amount)
		if err != nil {
			return fmt.Errorf("journal %s: %w", j.DebitAccount.AccountPath(), err)
		}
		credit, err := get(j.CreditAccount).Sub(j.Amount)
		if err != nil {
			return fmt.Errorf("journal %s: %w", j.CreditAccount.AccountPath(), err)
		}
		next[j.DebitAccount] = debit
		next[j.CreditAccount] = credit
	}
	for k, v := range next {
		bt.balances[k] = v
	}
	return nil
}

func (bt *BalanceTracker) GetBalance(key AccountKey) fpmath.Fixed {
	return bt.balances[key]
}

func (bt *BalanceTracker) SetBalance(key AccountKey, v fpmath.Fixed) {
	bt.balances[key] = v
}

// ComputeGlobalBalance sums all balances; a consistent ledger sums to zero.
func (bt *BalanceTracker) ComputeGlobalBalance() fpmath.Fixed {
	var total fpmath.Fixed
	for _, b := range bt.balances {
		total += b
	}
	return total
}

// Snapshot returns a copy of all balances.
func (bt *BalanceTracker) Snapshot() map[AccountKey]fpmath.Fixed {
	out := make(map[AccountKey]fpmath.Fixed, len(bt.balances))
	for k, v := range bt.balances {
		out[k] = v
	}
	return out
}
