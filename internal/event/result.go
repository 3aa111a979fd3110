package event

import (
	"time"

	"github.com/google/uuid"

	"PredictCore/internal/ledger"
	fpmath "PredictCore/internal/math"
)

type TradeStatus string

const (
	StatusExecuted TradeStatus = "executed"
	StatusRejected TradeStatus = "rejected"
)

// TradeResult is the outcome of one intent in a batch.
type TradeResult struct {
	IntentID   uuid.UUID   `json:"intent_id"`
	Commitment string      `json:"commitment_hash"`
	Account    string      `json:"account"`
	Outcome    uint32      `json:"outcome"`
	Status     TradeStatus `json:"status"`

	// Executed only
	Quantity  fpmath.Fixed `json:"quantity,omitempty"`
	Price     fpmath.Fixed `json:"price,omitempty"`
	Cost      fpmath.Fixed `json:"cost,omitempty"`
	Fee       fpmath.Fixed `json:"fee,omitempty"`
	ProbAfter fpmath.Fixed `json:"prob_after,omitempty"`

	// PriorityFee is the committed fee bid, charged on top of Fee
	PriorityFee fpmath.Fixed `json:"priority_fee,omitempty"`

	// Rejected only
	Reason string `json:"reason,omitempty"`
	Class  string `json:"class,omitempty"`
}

// BatchResult is the ordered outcome of one executed batch.
type BatchResult struct {
	MarketID      string              `json:"market_id"`
	BatchID       uint64              `json:"batch_id"`
	Sequence      uint64              `json:"market_sequence"`
	ClosedAt      time.Time           `json:"closed_at"`
	ExecutedAt    time.Time           `json:"executed_at"`
	Results       []TradeResult       `json:"results"`
	Settlements   []ledger.Settlement `json:"settlements"`
	Probabilities []fpmath.Fixed      `json:"probabilities"`
	Liquidations  int                 `json:"liquidations"`
	Aborted       bool                `json:"aborted,omitempty"`
	AbortReason   string              `json:"abort_reason,omitempty"`
	StateHash     [32]byte            `json:"state_hash"`
}

func (b *BatchResult) EventType() EventType { return EventTypeBatchExecuted }
func (b *BatchResult) Market() string       { return b.MarketID }

// Executed counts executed trades.
func (b *BatchResult) Executed() int {
	n := 0
	for _, r := range b.Results {
		if r.Status == StatusExecuted {
			n++
		}
	}
	return n
}

type MarketCreated struct {
	MarketID  string       `json:"market_id"`
	Curve     string       `json:"curve"`
	Outcomes  int          `json:"outcomes"`
	Liquidity fpmath.Fixed `json:"liquidity"`
	FeeBps    int64        `json:"fee_bps"`
	CreatedAt time.Time    `json:"created_at"`
}

func (m *MarketCreated) EventType() EventType { return EventTypeMarketCreated }
func (m *MarketCreated) Market() string       { return m.MarketID }

type BreakerChanged struct {
	MarketID      string    `json:"market_id"`
	From          string    `json:"from"`
	To            string    `json:"to"`
	Reason        string    `json:"reason"`
	Detail        string    `json:"detail,omitempty"`
	At            time.Time `json:"at"`
	CooldownUntil time.Time `json:"cooldown_until,omitempty"`
}

func (b *BreakerChanged) EventType() EventType { return EventTypeBreakerChanged }
func (b *BreakerChanged) Market() string       { return b.MarketID }

type MarketResolved struct {
	MarketID       string              `json:"market_id"`
	Winner         int                 `json:"winner"`
	PayoutPerShare fpmath.Fixed        `json:"payout_per_share"`
	Liability      fpmath.Fixed        `json:"liability"`
	MakerPnL       fpmath.Fixed        `json:"maker_pnl"`
	Payouts        []ledger.Settlement `json:"payouts"`
	At             time.Time           `json:"at"`
}

func (m *MarketResolved) EventType() EventType { return EventTypeMarketResolved }
func (m *MarketResolved) Market() string       { return m.MarketID }

type CommitmentsExpired struct {
	MarketID string      `json:"market_id"`
	IDs      []uuid.UUID `json:"ids"`
	At       time.Time   `json:"at"`
}

func (c *CommitmentsExpired) EventType() EventType { return EventTypeCommitmentsExpired }
func (c *CommitmentsExpired) Market() string       { return c.MarketID }
