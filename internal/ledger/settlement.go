package ledger

import (
	"fmt"

	fpmath "PredictCore/internal/math"
)

type SettlementKind uint8

const (
	SettlementTrade SettlementKind = iota
	SettlementPayout
)

// Settlement is the per-account delta of one executed trade or of a
// market resolution payout.
type Settlement struct {
	Ref           string         `json:"ref"`
	Kind          SettlementKind `json:"kind"`
	Account       string         `json:"account"`
	MarketID      string         `json:"market_id"`
	OutcomeDeltas []fpmath.Fixed `json:"outcome_deltas"`
	// CashDelta is the signed cash change excluding fees: negative when
	// the account pays the market.
	CashDelta fpmath.Fixed `json:"cash_delta"`
	// FeeDelta is the fee paid, never negative.
	FeeDelta fpmath.Fixed `json:"fee_delta"`
}

func (s Settlement) Validate() error {
	if s.Account == "" || s.MarketID == "" {
		return fmt.Errorf("settlement %s: account and market are required", s.Ref)
	}
	if s.FeeDelta < 0 {
		return fmt.Errorf("settlement %s: negative fee %s", s.Ref, s.FeeDelta)
	}
	return nil
}

// GenerateSettlementBatch builds the balanced journals for s:
//
//	pay:      user:collateral -> system:{market}:pool
//	receive:  system:{market}:pool -> user:collateral
//	fee:      user:collateral -> system:{market}:fees
func GenerateSettlementBatch(s Settlement) (*Batch, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	user := UserCollateral(s.Account)
	pool := MarketPool(s.MarketID)

	batch := &Batch{Ref: s.Ref, Journals: make([]Journal, 0, 2)}
	switch {
	case s.CashDelta < 0:
		amount, err := s.CashDelta.Neg()
		if err != nil {
			return nil, err
		}
		batch.Journals = append(batch.Journals, Journal{
			Ref:           s.Ref,
			DebitAccount:  pool,
			CreditAccount: user,
			Amount:        amount,
			JournalType:   JournalTypeTradeCost,
		})
	case s.CashDelta > 0:
		jt := JournalTypeTradeProceeds
		if s.Kind == SettlementPayout {
			jt = JournalTypePayout
		}
		batch.Journals = append(batch.Journals, Journal{
			Ref:           s.Ref,
			DebitAccount:  user,
			CreditAccount: pool,
			Amount:        s.CashDelta,
			JournalType:   jt,
		})
	}
	if s.FeeDelta > 0 {
		batch.Journals = append(batch.Journals, Journal{
			Ref:           s.Ref,
			DebitAccount:  MarketFees(s.MarketID),
			CreditAccount: user,
			Amount:        s.FeeDelta,
			JournalType:   JournalTypeTradeFee,
		})
	}
	return batch, nil
}
