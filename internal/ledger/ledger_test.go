package ledger_test

import (
	"errors"
	"testing"

	"PredictCore/internal/ledger"
	fpmath "PredictCore/internal/math"
)

func fx(s string) fpmath.Fixed { return fpmath.MustParseFixed(s) }

func mustDeposit(t *testing.T, m *ledger.Memory, account, amount string) {
	t.Helper()
	if err := m.Deposit(account, fx(amount)); err != nil {
		t.Fatalf("Deposit: %v", err)
	}
}

// ============================================================================
// Test: AccountKey
// ============================================================================

func TestAccountKey_Paths(t *testing.T) {
	cases := []struct {
		key  ledger.AccountKey
		want string
	}{
		{ledger.UserCollateral("alice"), "user:alice:collateral"},
		{ledger.MarketPool("m1"), "system:m1:pool"},
		{ledger.MarketFees("m1"), "system:m1:fees"},
		{ledger.External(ledger.SubTypeExternalDeposits), "external:deposits"},
	}
	for _, c := range cases {
		if got := c.key.AccountPath(); got != c.want {
			t.Errorf("got %q, want %q", got, c.want)
		}
	}
}

// ============================================================================
// Test: Batch / BalanceTracker
// ============================================================================

func TestBatch_RejectsNonPositiveAndSelfTransfer(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	bad := []ledger.Batch{
		{Ref: "zero", Journals: []ledger.Journal{{DebitAccount: ledger.UserCollateral("a"), CreditAccount: ledger.MarketPool("m"), Amount: 0}}},
		{Ref: "self", Journals: []ledger.Journal{{DebitAccount: ledger.UserCollateral("a"), CreditAccount: ledger.UserCollateral("a"), Amount: 1}}},
	}
	for _, b := range bad {
		b := b
		if err := bt.ApplyBatch(&b); err == nil {
			t.Errorf("batch %s accepted", b.Ref)
		}
	}
	if len(bt.Snapshot()) != 0 {
		t.Error("rejected batch changed balances")
	}
}

func TestBalanceTracker_AllOrNothing(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	bt.SetBalance(ledger.UserCollateral("a"), fpmath.MinFixed+1)
	batch := &ledger.Batch{Ref: "x", Journals: []ledger.Journal{
		{DebitAccount: ledger.MarketPool("m"), CreditAccount: ledger.UserCollateral("b"), Amount: fx("5")},
		{DebitAccount: ledger.MarketPool("m"), CreditAccount: ledger.UserCollateral("a"), Amount: fx("5")},
	}}
	if err := bt.ApplyBatch(batch); !errors.Is(err, fpmath.ErrArithmeticOverflow) {
		t.Fatalf("expected overflow, got %v", err)
	}
	if bt.GetBalance(ledger.MarketPool("m")) != 0 || bt.GetBalance(ledger.UserCollateral("b")) != 0 {
		t.Fatal("partial batch applied")
	}
}

// ============================================================================
// Test: Memory ledger
// ============================================================================

func TestMemory_DepositWithdraw(t *testing.T) {
	m := ledger.NewMemory()
	mustDeposit(t, m, "alice", "100")

	if c, _ := m.Collateral("alice"); c != fx("100") {
		t.Fatalf("collateral = %s", c)
	}
	if err := m.Withdraw("alice", fx("150")); !errors.Is(err, ledger.ErrInsufficientCollateral) {
		t.Fatalf("expected ErrInsufficientCollateral, got %v", err)
	}
	if err := m.Withdraw("alice", fx("40")); err != nil {
		t.Fatal(err)
	}
	if c, _ := m.Collateral("alice"); c != fx("60") {
		t.Fatalf("collateral after withdraw = %s", c)
	}
	if err := m.Deposit("alice", 0); !errors.Is(err, ledger.ErrInvalidAmount) {
		t.Errorf("zero deposit: %v", err)
	}
	if err := m.Validate(); err != nil {
		t.Fatalf("ledger not zero-sum: %v", err)
	}
}

func TestMemory_ApplySettlement(t *testing.T) {
	m := ledger.NewMemory()
	mustDeposit(t, m, "alice", "100")

	buy := ledger.Settlement{
		Ref:           "intent-1",
		Account:       "alice",
		MarketID:      "m1",
		OutcomeDeltas: []fpmath.Fixed{fx("10"), 0},
		CashDelta:     fx("-5.124921973"),
		FeeDelta:      fx("0.015374766"),
	}
	if err := m.ApplySettlement(buy); err != nil {
		t.Fatalf("ApplySettlement: %v", err)
	}
	if c, _ := m.Collateral("alice"); c != fx("94.859703261") {
		t.Errorf("collateral = %s", c)
	}
	if got := m.Balance(ledger.MarketPool("m1")); got != fx("5.124921973") {
		t.Errorf("pool = %s", got)
	}
	if got := m.Balance(ledger.MarketFees("m1")); got != fx("0.015374766") {
		t.Errorf("fees = %s", got)
	}
	if h := m.Holdings("alice", "m1"); len(h) != 2 || h[0] != fx("10") {
		t.Errorf("holdings = %v", h)
	}

	sell := ledger.Settlement{Ref: "intent-2", Account: "alice", MarketID: "m1", OutcomeDeltas: []fpmath.Fixed{fx("-4"), 0}, CashDelta: fx("2")}
	if err := m.ApplySettlement(sell); err != nil {
		t.Fatal(err)
	}
	if h := m.Holdings("alice", "m1"); h[0] != fx("6") {
		t.Errorf("holdings after sell = %v", h)
	}
	if err := m.Validate(); err != nil {
		t.Fatalf("ledger not zero-sum: %v", err)
	}
}

func TestMemory_SettlementShapeMismatch(t *testing.T) {
	m := ledger.NewMemory()
	first := ledger.Settlement{Ref: "1", Account: "a", MarketID: "m1", OutcomeDeltas: []fpmath.Fixed{1, 0}}
	if err := m.ApplySettlement(first); err != nil {
		t.Fatal(err)
	}
	bad := ledger.Settlement{Ref: "2", Account: "a", MarketID: "m1", OutcomeDeltas: []fpmath.Fixed{1, 0, 0}, CashDelta: fx("-1")}
	if err := m.ApplySettlement(bad); err == nil {
		t.Fatal("mismatched outcome count accepted")
	}
	if c, _ := m.Collateral("a"); c != 0 {
		t.Fatalf("rejected settlement moved cash: %s", c)
	}
}

func TestMemory_SnapshotRestore(t *testing.T) {
	m := ledger.NewMemory()
	mustDeposit(t, m, "bob", "10")
	mustDeposit(t, m, "alice", "20")

	snap := m.Snapshot()
	if len(snap) != 3 || snap[0].Key.AccountPath() != "external:deposits" {
		t.Fatalf("snapshot = %+v", snap)
	}

	restored := ledger.NewMemory()
	restored.Restore(snap)
	if c, _ := restored.Collateral("alice"); c != fx("20") {
		t.Fatalf("restored collateral = %s", c)
	}
	if err := restored.Validate(); err != nil {
		t.Fatal(err)
	}
}
