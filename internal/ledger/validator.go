package ledger

import "fmt"

// ValidateGlobalBalance verifies the ledger is zero-sum.
func ValidateGlobalBalance(bt *BalanceTracker) error {
	if total := bt.ComputeGlobalBalance(); total != 0 {
		return fmt.Errorf("global balance is non-zero: %s", total)
	}
	return nil
}
