package risk_test

import (
	"errors"
	"reflect"
	"testing"
	"time"

	fpmath "PredictCore/internal/math"
	"PredictCore/internal/risk"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func fx(s string) fpmath.Fixed { return fpmath.MustParseFixed(s) }

func probs(ps ...string) []fpmath.Fixed {
	out := make([]fpmath.Fixed, len(ps))
	for i, p := range ps {
		out[i] = fx(p)
	}
	return out
}

func mustFill(t *testing.T, e risk.AccountExposure, f risk.Fill) risk.AccountExposure {
	t.Helper()
	out, err := risk.ApplyFill(e, f)
	if err != nil {
		t.Fatalf("ApplyFill: %v", err)
	}
	return out
}

func mustEvaluate(t *testing.T, e risk.AccountExposure, collateral fpmath.Fixed, p []fpmath.Fixed, tier risk.Tier) risk.AccountExposure {
	t.Helper()
	out, err := risk.Evaluate(e, collateral, p, tier)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	return out
}

// ============================================================================
// Evaluate
// ============================================================================

func TestEvaluate_LongPosition(t *testing.T) {
	e := mustFill(t, risk.NewExposure("alice", "m1", 2), risk.Fill{Outcome: 0, Quantity: fx("1000"), CashFlow: fx("500")})
	e = mustEvaluate(t, e, 0, probs("0.5", "0.5"), risk.StandardTier)

	checks := []struct {
		name      string
		got, want fpmath.Fixed
	}{
		{"equity", e.Equity, fx("500")},
		{"notional", e.Notional, fx("500")},
		{"im", e.InitialMargin, fx("50")},
		{"mm", e.MaintenanceMargin, fx("25")},
		{"utilization", e.MarginUtilization, fx("0.1")},
		{"health", e.HealthRatio, fx("20")},
		{"unrealized", e.UnrealizedPnL, 0},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %s, want %s", c.name, c.got, c.want)
		}
	}
}

func TestEvaluate_ShortUsesComplementPrice(t *testing.T) {
	e := mustFill(t, risk.NewExposure("bob", "m1", 2), risk.Fill{Outcome: 1, Quantity: fx("-100"), CashFlow: fx("-30")})
	e = mustEvaluate(t, e, fx("100"), probs("0.7", "0.3"), risk.StandardTier)
	if e.Notional != fx("70") {
		t.Errorf("notional = %s, want 70", e.Notional)
	}
	if e.Equity != fx("70") {
		t.Errorf("equity = %s, want 70 (100 - 30 mark)", e.Equity)
	}
}

func TestEvaluate_FlatAccountIsHealthy(t *testing.T) {
	e := mustEvaluate(t, risk.NewExposure("carol", "m1", 3), fx("10"), probs("0.2", "0.3", "0.5"), risk.StandardTier)
	if e.MarginUtilization != 0 || e.HealthRatio != fpmath.MaxFixed || e.Liquidatable() {
		t.Errorf("flat account: util=%s health=%s", e.MarginUtilization, e.HealthRatio)
	}
}

func TestEvaluate_NonPositiveEquity(t *testing.T) {
	e := mustFill(t, risk.NewExposure("dave", "m1", 2), risk.Fill{Outcome: 0, Quantity: fx("100"), CashFlow: fx("50")})
	e = mustEvaluate(t, e, fx("-60"), probs("0.5", "0.5"), risk.StandardTier)
	if e.MarginUtilization != fpmath.MaxFixed {
		t.Errorf("utilization = %s, want max", e.MarginUtilization)
	}
	if !e.Liquidatable() {
		t.Error("negative equity should be liquidatable")
	}
}

// ============================================================================
// ApplyFill
// ============================================================================

func TestApplyFill_RealizedPnL(t *testing.T) {
	e := risk.NewExposure("alice", "m1", 2)
	e = mustFill(t, e, risk.Fill{Outcome: 0, Quantity: fx("100"), CashFlow: fx("40")})
	e = mustFill(t, e, risk.Fill{Outcome: 0, Quantity: fx("-50"), CashFlow: fx("-30")})
	if e.RealizedPnL != fx("10") || e.CostBasis[0] != fx("20") || e.Position[0] != fx("50") {
		t.Fatalf("after partial close: pnl=%s basis=%s pos=%s", e.RealizedPnL, e.CostBasis[0], e.Position[0])
	}

	// flip through zero
	e = mustFill(t, e, risk.Fill{Outcome: 0, Quantity: fx("-100"), CashFlow: fx("-60")})
	if e.RealizedPnL != fx("20") || e.Position[0] != fx("-50") || e.CostBasis[0] != fx("-30") {
		t.Fatalf("after flip: pnl=%s basis=%s pos=%s", e.RealizedPnL, e.CostBasis[0], e.Position[0])
	}
	if e.Version != 3 {
		t.Errorf("version = %d, want 3", e.Version)
	}
}

func TestApplyFill_RecentTradesBounded(t *testing.T) {
	e := risk.NewExposure("alice", "m1", 2)
	for i := 0; i < risk.RecentTradeCapacity+5; i++ {
		e = mustFill(t, e, risk.Fill{Outcome: 0, Quantity: fx("1"), CashFlow: fx("0.5"), At: t0.Add(time.Duration(i) * time.Second)})
	}
	if len(e.RecentTrades) != risk.RecentTradeCapacity {
		t.Fatalf("recent trades = %d", len(e.RecentTrades))
	}
	if want := t0.Add(time.Duration(risk.RecentTradeCapacity+4) * time.Second); !e.RecentTrades[len(e.RecentTrades)-1].Equal(want) {
		t.Error("newest trade not last")
	}
}

func TestReducesExposure(t *testing.T) {
	e := mustFill(t, risk.NewExposure("alice", "m1", 2), risk.Fill{Outcome: 0, Quantity: fx("10"), CashFlow: fx("5")})
	cases := []struct {
		outcome int
		qty     string
		want    bool
	}{
		{0, "-5", true},
		{0, "-10", true},
		{0, "-11", false}, // flips
		{0, "1", false},
		{1, "-1", false}, // no position
	}
	for _, c := range cases {
		if got := e.ReducesExposure(c.outcome, fx(c.qty)); got != c.want {
			t.Errorf("ReducesExposure(%d, %s) = %v, want %v", c.outcome, c.qty, got, c.want)
		}
	}
}

// ============================================================================
// CheckTrade
// ============================================================================

func atCapAccount(t *testing.T) (risk.AccountExposure, risk.Tier) {
	t.Helper()
	tier := risk.StandardTier
	tier.MarginCap = fx("0.1")
	e := mustFill(t, risk.NewExposure("alice", "m1", 2), risk.Fill{Outcome: 0, Quantity: fx("1000"), CashFlow: fx("500")})
	e = mustEvaluate(t, e, 0, probs("0.5", "0.5"), tier)
	if e.MarginUtilization != tier.MarginCap {
		t.Fatalf("setup: utilization %s, want exactly cap", e.MarginUtilization)
	}
	return e, tier
}

func TestCheckTrade_AtCapIncreaseRejected(t *testing.T) {
	current, tier := atCapAccount(t)
	snapshot := current.Clone()

	_, err := risk.CheckTrade(current, risk.TradeCheck{
		Collateral:  0,
		Tier:        tier,
		Fill:        risk.Fill{Outcome: 0, Quantity: fx("10"), CashFlow: fx("5"), At: t0},
		ProbsBefore: probs("0.5", "0.5"),
		ProbsAfter:  probs("0.5", "0.5"),
	})
	if !errors.Is(err, risk.ErrMarginCapExceeded) {
		t.Fatalf("expected ErrMarginCapExceeded, got %v", err)
	}
	if !reflect.DeepEqual(current, snapshot) {
		t.Fatal("exposure mutated by rejected trade")
	}
}

func TestCheckTrade_ReducingTradeAllowedAtCap(t *testing.T) {
	current, tier := atCapAccount(t)
	proposed, err := risk.CheckTrade(current, risk.TradeCheck{
		Tier:        tier,
		Fill:        risk.Fill{Outcome: 0, Quantity: fx("-100"), CashFlow: fx("-50"), At: t0},
		ProbsBefore: probs("0.5", "0.5"),
		ProbsAfter:  probs("0.5", "0.5"),
	})
	if err != nil {
		t.Fatalf("reducing trade rejected: %v", err)
	}
	if proposed.Position[0] != fx("900") || proposed.MarginUtilization != fx("0.09") {
		t.Errorf("proposed pos=%s util=%s", proposed.Position[0], proposed.MarginUtilization)
	}
	if current.Position[0] != fx("1000") {
		t.Error("current exposure modified")
	}
}

func TestCheckTrade_NonIncreasingAllowedAboveCap(t *testing.T) {
	current, tier := atCapAccount(t)
	tier.MarginCap = fx("0.05")

	proposed, err := risk.CheckTrade(current, risk.TradeCheck{
		Tier:        tier,
		Fill:        risk.Fill{Outcome: 0, Quantity: fx("-100"), CashFlow: fx("-50"), At: t0},
		ProbsBefore: probs("0.5", "0.5"),
		ProbsAfter:  probs("0.5", "0.5"),
	})
	if err != nil {
		t.Fatalf("trade lowering utilization rejected: %v", err)
	}
	if proposed.MarginUtilization <= tier.MarginCap {
		t.Fatalf("setup: utilization %s should stay above cap %s", proposed.MarginUtilization, tier.MarginCap)
	}

	// same utilization is not an increase either
	if _, err := risk.CheckTrade(current, risk.TradeCheck{
		Tier:        tier,
		Fill:        risk.Fill{Outcome: 1, Quantity: 0, CashFlow: 0, At: t0},
		ProbsBefore: probs("0.5", "0.5"),
		ProbsAfter:  probs("0.5", "0.5"),
	}); err != nil {
		t.Fatalf("utilization-neutral fill rejected: %v", err)
	}
}

func TestCheckTrade_WithinCap(t *testing.T) {
	e := risk.NewExposure("bob", "m1", 2)
	proposed, err := risk.CheckTrade(e, risk.TradeCheck{
		Collateral:  fx("1000"),
		Tier:        risk.StandardTier,
		Fill:        risk.Fill{Outcome: 1, Quantity: fx("100"), CashFlow: fx("52")},
		ProbsBefore: probs("0.5", "0.5"),
		ProbsAfter:  probs("0.48", "0.52"),
	})
	if err != nil {
		t.Fatalf("CheckTrade: %v", err)
	}
	if proposed.Version != 1 || proposed.Position[1] != fx("100") {
		t.Errorf("proposed %+v", proposed)
	}
}
