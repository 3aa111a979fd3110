package query

import "time"

// Amounts are rendered as decimal strings so clients never see raw ULPs.

// MarketResponse is the public view of one market.
type MarketResponse struct {
	MarketID      string   `json:"market_id"`
	Curve         string   `json:"curve"`
	Status        string   `json:"status"`
	Liquidity     string   `json:"liquidity"`
	FeeBps        int64    `json:"fee_bps"`
	Quantities    []string `json:"quantities"`
	Probabilities []string `json:"probabilities"`
	Pool          string   `json:"pool"`
	FeesCollected string   `json:"fees_collected"`
	Winner        *int     `json:"winner,omitempty"`

	Breaker      BreakerResponse `json:"breaker"`
	Liquidations int             `json:"liquidations"`
	LastBatchID  uint64          `json:"last_batch_id"`
	Sequence     int64           `json:"market_sequence"`
	StateHash    string          `json:"state_hash"`

	AsOfSequence int64 `json:"as_of_sequence"`
}

// BreakerResponse is the circuit breaker state of a market.
type BreakerResponse struct {
	Phase         string     `json:"phase"`
	Reason        string     `json:"reason,omitempty"`
	Detail        string     `json:"detail,omitempty"`
	TrippedAt     *time.Time `json:"tripped_at,omitempty"`
	HaltUntil     *time.Time `json:"halt_until,omitempty"`
	CooldownUntil *time.Time `json:"cooldown_until,omitempty"`
	Trips         uint64     `json:"trips"`
}

// AccountResponse is one account's exposure and health in a market.
type AccountResponse struct {
	Account  string `json:"account"`
	MarketID string `json:"market_id"`

	Collateral string   `json:"collateral"`
	Positions  []string `json:"positions"`
	CostBasis  []string `json:"cost_basis"`

	RealizedPnL       string `json:"realized_pnl"`
	UnrealizedPnL     string `json:"unrealized_pnl"`
	Equity            string `json:"equity"`
	Notional          string `json:"notional"`
	InitialMargin     string `json:"initial_margin"`
	MaintenanceMargin string `json:"maintenance_margin"`
	MarginUtilization string `json:"margin_utilization"`
	HealthRatio       string `json:"health_ratio"`
	Liquidatable      bool   `json:"liquidatable"`

	AsOfSequence int64 `json:"as_of_sequence"`
}

// LiquidationResponse is one entry of a market's liquidation queue.
type LiquidationResponse struct {
	Account     string    `json:"account"`
	HealthRatio string    `json:"health_ratio"`
	Notional    string    `json:"notional"`
	EnqueuedAt  time.Time `json:"enqueued_at"`
}

// JournalHistoryEntry is a persisted journal row touching an account.
type JournalHistoryEntry struct {
	JournalID     string    `json:"journal_id"`
	Sequence      int64     `json:"sequence"`
	Ref           string    `json:"ref"`
	MarketID      string    `json:"market_id"`
	DebitAccount  string    `json:"debit_account"`
	CreditAccount string    `json:"credit_account"`
	Amount        string    `json:"amount"`
	JournalType   string    `json:"journal_type"`
	Timestamp     time.Time `json:"timestamp"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy       bool         `json:"is_healthy"`
	HashChainBreaks []ChainBreak `json:"hash_chain_breaks,omitempty"`
	LedgerError     string       `json:"ledger_error,omitempty"`
	AsOfSequence    int64        `json:"as_of_sequence"`
}

// ChainBreak locates a result log row whose prev hash does not follow its
// market's chain.
type ChainBreak struct {
	Sequence int64  `json:"sequence"`
	MarketID string `json:"market_id"`
}
