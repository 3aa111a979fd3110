package risk

import (
	"fmt"
	"time"
)

type Phase uint8

const (
	PhaseInactive Phase = iota
	PhaseTripped
	PhaseCooling
)

func (p Phase) String() string {
	switch p {
	case PhaseInactive:
		return "inactive"
	case PhaseTripped:
		return "tripped"
	case PhaseCooling:
		return "cooling"
	default:
		return "unknown"
	}
}

type Reason uint8

const (
	ReasonNone Reason = iota
	ReasonManipulation
	ReasonInvariantViolation
	ReasonLiquidationCascade
	ReasonExternal
	ReasonManual
)

func (r Reason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonManipulation:
		return "manipulation"
	case ReasonInvariantViolation:
		return "invariant_violation"
	case ReasonLiquidationCascade:
		return "liquidation_cascade"
	case ReasonExternal:
		return "external"
	case ReasonManual:
		return "manual"
	default:
		return "unknown"
	}
}

type BreakerPolicy struct {
	HaltDuration     time.Duration
	CooldownDuration time.Duration
}

// BreakerState is the circuit breaker record for one market. All
// transitions are pure: they take a state and return the next one.
type BreakerState struct {
	MarketID        string
	Phase           Phase
	Reason          Reason
	Detail          string
	TrippedAt       time.Time
	HaltUntil       time.Time
	CooldownUntil   time.Time
	ResumeRequested bool
	Trips           uint64
}

// NewBreaker returns the genesis state.
func NewBreaker(marketID string) BreakerState {
	return BreakerState{MarketID: marketID, Phase: PhaseInactive}
}

// CanTransitionTo validates phase transitions.
func (p Phase) CanTransitionTo(next Phase) bool {
	switch p {
	case PhaseInactive:
		return next == PhaseTripped
	case PhaseTripped:
		return next == PhaseCooling
	case PhaseCooling:
		return next == PhaseInactive || next == PhaseTripped
	default:
		return false
	}
}

// Trip halts the market. Tripping an already tripped market keeps the
// original trigger; changed is false in that case.
func Trip(s BreakerState, reason Reason, detail string, now time.Time, policy BreakerPolicy) (next BreakerState, changed bool) {
	if !s.Phase.CanTransitionTo(PhaseTripped) {
		return s, false
	}
	next = s
	next.Phase = PhaseTripped
	next.Reason = reason
	next.Detail = detail
	next.TrippedAt = now
	next.HaltUntil = now.Add(policy.HaltDuration)
	next.CooldownUntil = next.HaltUntil.Add(policy.CooldownDuration)
	next.ResumeRequested = false
	next.Trips++
	return next, true
}

// Replayed rebuilds the state a logged phase change left behind. The halt
// deadline is derived from cooldownUntil and the policy.
func Replayed(s BreakerState, to Phase, reason Reason, detail string, at, cooldownUntil time.Time, policy BreakerPolicy) BreakerState {
	next := s
	next.Phase = to
	next.CooldownUntil = cooldownUntil
	switch to {
	case PhaseTripped:
		next.Reason = reason
		next.Detail = detail
		next.TrippedAt = at
		next.HaltUntil = cooldownUntil.Add(-policy.CooldownDuration)
		next.ResumeRequested = false
		next.Trips++
	case PhaseInactive:
		next.ResumeRequested = false
	}
	return next
}

// ParsePhase is the inverse of Phase.String.
func ParsePhase(s string) (Phase, error) {
	for _, p := range []Phase{PhaseInactive, PhaseTripped, PhaseCooling} {
		if p.String() == s {
			return p, nil
		}
	}
	return 0, fmt.Errorf("unknown breaker phase %q", s)
}

// ParseReason is the inverse of Reason.String.
func ParseReason(s string) (Reason, error) {
	for _, r := range []Reason{ReasonNone, ReasonManipulation, ReasonInvariantViolation, ReasonLiquidationCascade, ReasonExternal, ReasonManual} {
		if r.String() == s {
			return r, nil
		}
	}
	return 0, fmt.Errorf("unknown breaker reason %q", s)
}

// ForceTrip is Trip driven by an external signal such as a shard migration.
func ForceTrip(s BreakerState, detail string, now time.Time, policy BreakerPolicy) (BreakerState, bool) {
	return Trip(s, ReasonExternal, detail, now, policy)
}

// Advance applies timed transitions. Tripped moves to Cooling once the
// halt duration has passed. Cooling returns to Inactive after the
// cooldown, provided the liquidation backlog is empty or a resume was
// requested.
func Advance(s BreakerState, now time.Time, backlogEmpty bool) BreakerState {
	next := s
	if next.Phase == PhaseTripped && !now.Before(next.HaltUntil) {
		next.Phase = PhaseCooling
	}
	if next.Phase == PhaseCooling && !now.Before(next.CooldownUntil) && (backlogEmpty || next.ResumeRequested) {
		next = clearBreaker(next)
	}
	return next
}

// Resume records an explicit resume signal and applies it if the
// cooldown has already elapsed.
func Resume(s BreakerState, now time.Time) (BreakerState, error) {
	if s.Phase == PhaseInactive {
		return s, fmt.Errorf("%w: market %s", ErrNotHalted, s.MarketID)
	}
	next := s
	next.ResumeRequested = true
	return Advance(next, now, false), nil
}

func clearBreaker(s BreakerState) BreakerState {
	s.Phase = PhaseInactive
	s.Reason = ReasonNone
	s.Detail = ""
	s.ResumeRequested = false
	return s
}

// Admit gates a trade. reducing marks trades that only shrink an existing
// exposure, which are the only ones accepted while cooling.
func (s BreakerState) Admit(reducing bool) error {
	switch s.Phase {
	case PhaseTripped:
		return fmt.Errorf("%w: %s since %s", ErrMarketHalted, s.Reason, s.TrippedAt.Format(time.RFC3339))
	case PhaseCooling:
		if !reducing {
			return ErrMarketCooling
		}
	}
	return nil
}

// AdmitsCommits reports whether the intake may accept new commitments.
func (s BreakerState) AdmitsCommits() bool {
	return s.Phase != PhaseTripped
}
