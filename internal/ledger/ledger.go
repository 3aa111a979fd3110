package ledger

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	fpmath "PredictCore/internal/math"
)

var (
	ErrInsufficientCollateral = errors.New("insufficient collateral")
	ErrInvalidAmount          = errors.New("amount must be positive")
)

// Ledger is the account collaborator the core settles against. It owns
// collateral balances; the core only reads them and submits settlements.
type Ledger interface {
	Collateral(account string) (fpmath.Fixed, error)
	ApplySettlement(s Settlement) error
}

type holdingKey struct {
	account  string
	marketID string
}

// Memory is an in-process double-entry ledger. Safe for concurrent use.
type Memory struct {
	mu       sync.RWMutex
	tracker  *BalanceTracker
	holdings map[holdingKey][]fpmath.Fixed
}

func NewMemory() *Memory {
	return &Memory{
		tracker:  NewBalanceTracker(),
		holdings: make(map[holdingKey][]fpmath.Fixed),
	}
}

func (m *Memory) Collateral(account string) (fpmath.Fixed, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tracker.GetBalance(UserCollateral(account)), nil
}

// Deposit moves funds external:deposits -> user:collateral.
func (m *Memory) Deposit(account string, amount fpmath.Fixed) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tracker.ApplyBatch(&Batch{Ref: "deposit:" + account, Journals: []Journal{{
		Ref:           "deposit:" + account,
		DebitAccount:  UserCollateral(account),
		CreditAccount: External(SubTypeExternalDeposits),
		Amount:        amount,
		JournalType:   JournalTypeDeposit,
	}}})
}

// Withdraw moves funds user:collateral -> external:withdrawals.
func (m *Memory) Withdraw(account string, amount fpmath.Fixed) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if have := m.tracker.GetBalance(UserCollateral(account)); have < amount {
		return fmt.Errorf("%w: have=%s, need=%s", ErrInsufficientCollateral, have, amount)
	}
	return m.tracker.ApplyBatch(&Batch{Ref: "withdraw:" + account, Journals: []Journal{{
		Ref:           "withdraw:" + account,
		DebitAccount:  External(SubTypeExternalWithdrawals),
		CreditAccount: UserCollateral(account),
		Amount:        amount,
		JournalType:   JournalTypeWithdrawal,
	}}})
}

// ApplySettlement posts the settlement journals and outcome share deltas
// atomically.
func (m *Memory) ApplySettlement(s Settlement) error {
	batch, err := GenerateSettlementBatch(s)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	key := holdingKey{account: s.Account, marketID: s.MarketID}
	held := m.holdings[key]
	if held != nil && len(s.OutcomeDeltas) != len(held) {
		return fmt.Errorf("settlement %s: %d outcome deltas, holdings have %d", s.Ref, len(s.OutcomeDeltas), len(held))
	}
	next := make([]fpmath.Fixed, len(s.OutcomeDeltas))
	copy(next, held)
	for i, d := range s.OutcomeDeltas {
		if next[i], err = next[i].Add(d); err != nil {
			return fmt.Errorf("settlement %s outcome %d: %w", s.Ref, i, err)
		}
	}
	if err := m.tracker.ApplyBatch(batch); err != nil {
		return fmt.Errorf("settlement %s: %w", s.Ref, err)
	}
	if len(next) > 0 {
		m.holdings[key] = next
	}
	return nil
}

// Holdings returns the account's outcome shares in a market.
func (m *Memory) Holdings(account, marketID string) []fpmath.Fixed {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]fpmath.Fixed(nil), m.holdings[holdingKey{account: account, marketID: marketID}]...)
}

func (m *Memory) Balance(key AccountKey) fpmath.Fixed {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tracker.GetBalance(key)
}

// Validate checks the ledger is zero-sum.
func (m *Memory) Validate() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return ValidateGlobalBalance(m.tracker)
}

// BalanceEntry is one balance in a snapshot.
type BalanceEntry struct {
	Key    AccountKey   `json:"key"`
	Amount fpmath.Fixed `json:"amount"`
}

// Snapshot returns all balances sorted by account path.
func (m *Memory) Snapshot() []BalanceEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]BalanceEntry, 0, len(m.tracker.balances))
	for k, v := range m.tracker.Snapshot() {
		out = append(out, BalanceEntry{Key: k, Amount: v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.AccountPath() < out[j].Key.AccountPath() })
	return out
}

// Restore replaces all balances from a snapshot.
func (m *Memory) Restore(entries []BalanceEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tracker = NewBalanceTracker()
	for _, e := range entries {
		m.tracker.SetBalance(e.Key, e.Amount)
	}
}
