package ledger

import (
	"fmt"

	fpmath "PredictCore/internal/math"
)

// JournalType represents the purpose of a journal entry
type JournalType int32

const (
	JournalTypeDeposit JournalType = iota
	JournalTypeWithdrawal
	JournalTypeTradeCost
	JournalTypeTradeProceeds
	JournalTypeTradeFee
	JournalTypePayout
)

func (t JournalType) String() string {
	switch t {
	case JournalTypeDeposit:
		return "deposit"
	case JournalTypeWithdrawal:
		return "withdrawal"
	case JournalTypeTradeCost:
		return "trade_cost"
	case JournalTypeTradeProceeds:
		return "trade_proceeds"
	case JournalTypeTradeFee:
		return "trade_fee"
	case JournalTypePayout:
		return "payout"
	default:
		return "unknown"
	}
}

// Journal is a single double-entry transfer. Debit increases the debit
// account balance; credit decreases the credit account balance.
type Journal struct {
	Ref           string
	DebitAccount  AccountKey
	CreditAccount AccountKey
	Amount        fpmath.Fixed // always positive
	JournalType   JournalType
}

// Batch is the set of journals applied atomically for one settlement.
type Batch struct {
	Ref      string
	Journals []Journal
}

// Validate ensures the batch is well-formed. Each journal moves one
// positive amount, so every batch balances by construction.
func (b *Batch) Validate() error {
	for i, j := range b.Journals {
		if j.Amount <= 0 {
			return fmt.Errorf("batch %s journal %d has non-positive amount: %s", b.Ref, i, j.Amount)
		}
		if j.DebitAccount == j.CreditAccount {
			return fmt.Errorf("batch %s journal %d has same debit and credit account", b.Ref, i)
		}
	}
	return nil
}
