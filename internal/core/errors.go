package core

import (
	"errors"

	"PredictCore/internal/amm"
	"PredictCore/internal/intake"
	"PredictCore/internal/ledger"
	fpmath "PredictCore/internal/math"
	"PredictCore/internal/risk"
)

var (
	ErrBatchAborted    = errors.New("batch aborted after invariant violation")
	ErrUnknownMarket   = errors.New("unknown market")
	ErrMarketExists    = errors.New("market already exists")
	ErrBatchOutOfOrder = errors.New("batch out of order")
)

// ErrorClass is the propagation class of an error.
type ErrorClass string

const (
	ClassInput        ErrorClass = "input"
	ClassBusinessRule ErrorClass = "business_rule"
	ClassNumeric      ErrorClass = "numeric"
	ClassInvariant    ErrorClass = "invariant"
	ClassInternal     ErrorClass = "internal"
)

type classRule struct {
	target error
	class  ErrorClass
	code   string
}

// Matched in order; invariant violations must win over anything they wrap,
// and a fixed-point cause wins over the solver failure it ended.
var classRules = []classRule{
	{amm.ErrInvariantViolation, ClassInvariant, "invariant_violation"},
	{ErrBatchAborted, ClassInvariant, "batch_aborted"},

	{fpmath.ErrArithmeticOverflow, ClassNumeric, "arithmetic_overflow"},
	{fpmath.ErrDivisionByZero, ClassNumeric, "division_by_zero"},
	{fpmath.ErrDomain, ClassNumeric, "domain_error"},
	{amm.ErrPricingDidNotConverge, ClassNumeric, "pricing_did_not_converge"},

	{amm.ErrSlippageExceeded, ClassBusinessRule, "slippage_exceeded"},
	{amm.ErrMarketNotActive, ClassBusinessRule, "market_not_active"},
	{risk.ErrMarginCapExceeded, ClassBusinessRule, "margin_cap_exceeded"},
	{risk.ErrMarketHalted, ClassBusinessRule, "market_halted"},
	{risk.ErrMarketCooling, ClassBusinessRule, "market_cooling"},
	{risk.ErrManipulationDetected, ClassBusinessRule, "manipulation_detected"},
	{risk.ErrUnknownTier, ClassBusinessRule, "unknown_tier"},
	{ledger.ErrInsufficientCollateral, ClassBusinessRule, "insufficient_collateral"},
	{intake.ErrQueueFull, ClassBusinessRule, "queue_full"},

	{amm.ErrInvalidOrder, ClassInput, "invalid_order"},
	{amm.ErrInvalidMarket, ClassInput, "invalid_market"},
	{amm.ErrStaleQuote, ClassInput, "stale_quote"},
	{intake.ErrCommitmentDuplicate, ClassInput, "commitment_duplicate"},
	{intake.ErrCommitmentNotFound, ClassInput, "commitment_not_found"},
	{intake.ErrCommitmentExpired, ClassInput, "commitment_expired"},
	{intake.ErrRevealMismatch, ClassInput, "reveal_mismatch"},
	{intake.ErrRevealTooEarly, ClassInput, "reveal_too_early"},
	{intake.ErrAlreadyRevealed, ClassInput, "already_revealed"},
	{intake.ErrNotOwner, ClassInput, "not_owner"},
	{intake.ErrInvalidIntent, ClassInput, "invalid_intent"},
	{intake.ErrInvalidCommitment, ClassInput, "invalid_commitment"},
	{ErrUnknownMarket, ClassInput, "unknown_market"},
	{ErrMarketExists, ClassInput, "market_exists"},
	{ErrBatchOutOfOrder, ClassInput, "batch_out_of_order"},
	{risk.ErrNotHalted, ClassInput, "not_halted"},
	{risk.ErrInvalidParams, ClassInput, "invalid_params"},
}

// Classify returns the class and stable reason code of err.
func Classify(err error) (ErrorClass, string) {
	if err == nil {
		return "", ""
	}
	for _, r := range classRules {
		if errors.Is(err, r.target) {
			return r.class, r.code
		}
	}
	return ClassInternal, "internal"
}

// IsFatal reports whether err must abort the batch and halt the market.
func IsFatal(err error) bool {
	class, _ := Classify(err)
	return class == ClassInvariant
}
