package query

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"PredictCore/internal/amm"
	"PredictCore/internal/core"
	fpmath "PredictCore/internal/math"
	"PredictCore/internal/observability"
	"PredictCore/internal/risk"
)

var ErrNotFound = errors.New("not found")

// StateReader is the read side of the orchestrator.
type StateReader interface {
	Snapshot(marketID string) (*core.MarketSnapshot, error)
	Exposure(marketID, account string) (risk.AccountExposure, error)
	Markets() []string
	GetSequence() int64
}

// BalanceReader is the read side of the ledger.
type BalanceReader interface {
	Collateral(account string) (fpmath.Fixed, error)
	Validate() error
}

// QueryService provides read-only access to market and account state.
// Live state comes from consistent per-market snapshots of the core;
// history comes from the Postgres result log when a database is
// configured. Responses carry as_of_sequence, the global result sequence
// observed when the request was served.
type QueryService struct {
	state   StateReader
	ledger  BalanceReader
	db      *sql.DB
	metrics *observability.Metrics
}

// NewQueryService builds the service. db may be nil, which disables the
// history endpoints.
func NewQueryService(state StateReader, ledger BalanceReader, db *sql.DB, metrics *observability.Metrics) *QueryService {
	return &QueryService{state: state, ledger: ledger, db: db, metrics: metrics}
}

// GetMarket returns the market's pricing and breaker state.
func (qs *QueryService) GetMarket(ctx context.Context, marketID string) (*MarketResponse, error) {
	defer qs.observe("market", time.Now())
	asOf := qs.state.GetSequence()
	snap, err := qs.snapshot(marketID)
	if err != nil {
		return nil, err
	}
	m := snap.Market
	resp := &MarketResponse{
		MarketID:      m.ID,
		Curve:         m.Curve.String(),
		Status:        m.Status.String(),
		Liquidity:     m.Liquidity.String(),
		FeeBps:        m.FeeBps,
		Quantities:    renderAll(m.Q),
		Probabilities: renderAll(snap.Probabilities),
		Pool:          m.Pool.String(),
		FeesCollected: m.FeesCollected.String(),
		Breaker:       breakerResponse(snap.Breaker),
		Liquidations:  len(snap.Liquidations),
		LastBatchID:   snap.LastBatchID,
		Sequence:      m.Sequence,
		StateHash:     "0x" + hex.EncodeToString(snap.StateHash[:]),
		AsOfSequence:  asOf,
	}
	if m.Status == amm.MarketCollapsed {
		w := m.Winner
		resp.Winner = &w
	}
	return resp, nil
}

// ListMarkets returns every market in id order.
func (qs *QueryService) ListMarkets(ctx context.Context) ([]*MarketResponse, error) {
	ids := qs.state.Markets()
	out := make([]*MarketResponse, 0, len(ids))
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		m, err := qs.GetMarket(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// GetAccount returns one account's positions and margin health in a market.
// Health figures are those computed at the end of the last batch.
func (qs *QueryService) GetAccount(ctx context.Context, marketID, account string) (*AccountResponse, error) {
	defer qs.observe("account", time.Now())
	asOf := qs.state.GetSequence()
	e, err := qs.state.Exposure(marketID, account)
	if err != nil {
		return nil, qs.fail("account", mapErr(err))
	}
	collateral, err := qs.ledger.Collateral(account)
	if err != nil {
		return nil, qs.fail("account", err)
	}
	return &AccountResponse{
		Account:           account,
		MarketID:          marketID,
		Collateral:        collateral.String(),
		Positions:         renderAll(e.Position),
		CostBasis:         renderAll(e.CostBasis),
		RealizedPnL:       e.RealizedPnL.String(),
		UnrealizedPnL:     e.UnrealizedPnL.String(),
		Equity:            e.Equity.String(),
		Notional:          e.Notional.String(),
		InitialMargin:     e.InitialMargin.String(),
		MaintenanceMargin: e.MaintenanceMargin.String(),
		MarginUtilization: e.MarginUtilization.String(),
		HealthRatio:       e.HealthRatio.String(),
		Liquidatable:      e.Liquidatable(),
		AsOfSequence:      asOf,
	}, nil
}

// GetLiquidations returns the market's liquidation queue, worst health
// first.
func (qs *QueryService) GetLiquidations(ctx context.Context, marketID string) ([]LiquidationResponse, error) {
	defer qs.observe("liquidations", time.Now())
	snap, err := qs.snapshot(marketID)
	if err != nil {
		return nil, err
	}
	out := make([]LiquidationResponse, 0, len(snap.Liquidations))
	for _, l := range snap.Liquidations {
		out = append(out, LiquidationResponse{
			Account:     l.Account,
			HealthRatio: l.HealthRatio.String(),
			Notional:    l.Notional.String(),
			EnqueuedAt:  l.EnqueuedAt,
		})
	}
	return out, nil
}

// GetJournalHistory returns persisted journal entries touching account,
// newest first. afterSequence pages backwards.
func (qs *QueryService) GetJournalHistory(ctx context.Context, account string, limit int, afterSequence *int64) ([]JournalHistoryEntry, error) {
	defer qs.observe("journal", time.Now())
	if qs.db == nil {
		return nil, qs.fail("journal", fmt.Errorf("history unavailable: no database configured"))
	}
	path := fmt.Sprintf("user:%s:collateral", account)

	query := `
		SELECT journal_id, sequence, ref, market_id, debit_account, credit_account,
		       amount, journal_type, timestamp
		FROM predict.journal
		WHERE (debit_account = $1 OR credit_account = $1)`
	args := []interface{}{path}
	argIdx := 2

	if afterSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *afterSequence)
		argIdx++
	}
	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, qs.fail("journal", err)
	}
	defer rows.Close()

	var entries []JournalHistoryEntry
	for rows.Next() {
		var (
			e      JournalHistoryEntry
			amount int64
		)
		if err := rows.Scan(&e.JournalID, &e.Sequence, &e.Ref, &e.MarketID,
			&e.DebitAccount, &e.CreditAccount, &amount, &e.JournalType, &e.Timestamp); err != nil {
			return nil, err
		}
		e.Amount = fpmath.Fixed(amount).String()
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- Admin APIs ---

// VerifyIntegrity checks the per-market hash chains of the result log and
// the ledger's global balance.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{AsOfSequence: qs.state.GetSequence()}

	if qs.db != nil {
		rows, err := qs.db.QueryContext(ctx, `
			SELECT sequence, market_id FROM (
				SELECT sequence, market_id, prev_hash,
				       LAG(state_hash) OVER (PARTITION BY market_id ORDER BY sequence) AS expected
				FROM predict.result_log
			) chain
			WHERE expected IS NOT NULL AND prev_hash <> expected
			ORDER BY sequence
			LIMIT 10`)
		if err != nil {
			return nil, err
		}
		defer rows.Close()
		for rows.Next() {
			var b ChainBreak
			if err := rows.Scan(&b.Sequence, &b.MarketID); err != nil {
				return nil, err
			}
			report.HashChainBreaks = append(report.HashChainBreaks, b)
		}
		if err := rows.Err(); err != nil {
			return nil, err
		}
	}

	if err := qs.ledger.Validate(); err != nil {
		report.LedgerError = err.Error()
	}
	report.IsHealthy = len(report.HashChainBreaks) == 0 && report.LedgerError == ""
	return report, nil
}

// --- helpers ---

func (qs *QueryService) snapshot(marketID string) (*core.MarketSnapshot, error) {
	snap, err := qs.state.Snapshot(marketID)
	if err != nil {
		return nil, qs.fail("market", mapErr(err))
	}
	return snap, nil
}

func mapErr(err error) error {
	if errors.Is(err, core.ErrUnknownMarket) {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	return err
}

func (qs *QueryService) observe(endpoint string, start time.Time) {
	if qs.metrics == nil {
		return
	}
	qs.metrics.QueryRequests.WithLabelValues(endpoint).Inc()
	qs.metrics.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
}

func (qs *QueryService) fail(endpoint string, err error) error {
	if qs.metrics != nil {
		code := "internal"
		if errors.Is(err, ErrNotFound) {
			code = "not_found"
		}
		qs.metrics.QueryErrors.WithLabelValues(endpoint, code).Inc()
	}
	return err
}

func breakerResponse(s risk.BreakerState) BreakerResponse {
	r := BreakerResponse{Phase: s.Phase.String(), Detail: s.Detail, Trips: s.Trips}
	if s.Reason != risk.ReasonNone {
		r.Reason = s.Reason.String()
	}
	r.TrippedAt = timePtr(s.TrippedAt)
	r.HaltUntil = timePtr(s.HaltUntil)
	r.CooldownUntil = timePtr(s.CooldownUntil)
	return r
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func renderAll(values []fpmath.Fixed) []string {
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = v.String()
	}
	return out
}
