package ledger

import "fmt"

// AccountScope represents the top-level account namespace
type AccountScope uint8

const (
	AccountScopeUser AccountScope = iota
	AccountScopeSystem
	AccountScopeExternal
)

// AccountSubType represents the account purpose
type AccountSubType uint8

const (
	SubTypeCollateral AccountSubType = iota

	// System sub-types, keyed by market
	SubTypeMarketPool
	SubTypeMarketFees

	// External sub-types
	SubTypeExternalDeposits
	SubTypeExternalWithdrawals
)

// AccountKey identifies one ledger balance. Entity is the account id for
// user accounts and the market id for system accounts.
type AccountKey struct {
	Scope   AccountScope
	Entity  string
	SubType AccountSubType
}

func UserCollateral(account string) AccountKey {
	return AccountKey{Scope: AccountScopeUser, Entity: account, SubType: SubTypeCollateral}
}

func MarketPool(marketID string) AccountKey {
	return AccountKey{Scope: AccountScopeSystem, Entity: marketID, SubType: SubTypeMarketPool}
}

func MarketFees(marketID string) AccountKey {
	return AccountKey{Scope: AccountScopeSystem, Entity: marketID, SubType: SubTypeMarketFees}
}

func External(subType AccountSubType) AccountKey {
	return AccountKey{Scope: AccountScopeExternal, SubType: subType}
}

// AccountPath returns the string representation for storage/logging
func (k AccountKey) AccountPath() string {
	switch k.Scope {
	case AccountScopeUser:
		return fmt.Sprintf("user:%s:%s", k.Entity, k.subTypeName())
	case AccountScopeSystem:
		return fmt.Sprintf("system:%s:%s", k.Entity, k.subTypeName())
	case AccountScopeExternal:
		return fmt.Sprintf("external:%s", k.subTypeName())
	}
	return "unknown"
}

func (k AccountKey) subTypeName() string {
	switch k.SubType {
	case SubTypeCollateral:
		return "collateral"
	case SubTypeMarketPool:
		return "pool"
	case SubTypeMarketFees:
		return "fees"
	case SubTypeExternalDeposits:
		return "deposits"
	case SubTypeExternalWithdrawals:
		return "withdrawals"
	default:
		return "unknown"
	}
}
