package risk

import (
	"errors"
	"fmt"
	"sync"
	"time"

	fpmath "PredictCore/internal/math"
)

var (
	ErrMarginCapExceeded    = errors.New("margin cap exceeded")
	ErrMarketHalted         = errors.New("market halted")
	ErrMarketCooling        = errors.New("market cooling: only exposure-reducing trades accepted")
	ErrManipulationDetected = errors.New("manipulation pattern detected")
	ErrNotHalted            = errors.New("market breaker is not engaged")
	ErrInvalidParams        = errors.New("invalid risk params")
)

// Params holds the per-market risk policy.
type Params struct {
	MarketID string
	Detector DetectorConfig
	Breaker  BreakerPolicy

	// CascadeThreshold trips the breaker when more accounts than this
	// enter the liquidation queue during one batch. Zero disables it.
	CascadeThreshold int

	EffectiveSeq uint64
}

func DefaultParams(marketID string) Params {
	return Params{
		MarketID: marketID,
		Detector: DefaultDetectorConfig(),
		Breaker: BreakerPolicy{
			HaltDuration:     time.Hour,
			CooldownDuration: 5 * time.Minute,
		},
		CascadeThreshold: 10,
	}
}

// ValidateParams checks that risk parameters are within valid ranges.
func ValidateParams(p Params) error {
	d := p.Detector
	if d.WindowDuration <= 0 {
		return fmt.Errorf("%w: window_duration must be > 0, got %s", ErrInvalidParams, d.WindowDuration)
	}
	if d.WindowTrades < 2 {
		return fmt.Errorf("%w: window_trades must be >= 2, got %d", ErrInvalidParams, d.WindowTrades)
	}
	if d.TripThreshold <= 0 {
		return fmt.Errorf("%w: trip_threshold must be > 0, got %d", ErrInvalidParams, d.TripThreshold)
	}
	if d.FlashLoanMinFraction <= 0 || d.FlashLoanMinFraction > fpmath.One {
		return fmt.Errorf("%w: flash_loan_min_fraction must be in (0, 1], got %s", ErrInvalidParams, d.FlashLoanMinFraction)
	}
	if d.RapidFireMinFraction <= 0 || d.RapidFireMinFraction > fpmath.One {
		return fmt.Errorf("%w: rapid_fire_min_fraction must be in (0, 1], got %s", ErrInvalidParams, d.RapidFireMinFraction)
	}
	if d.RapidFireCount < 2 || d.RapidFireCount > d.WindowTrades {
		return fmt.Errorf("%w: rapid_fire_count must be in [2, %d], got %d", ErrInvalidParams, d.WindowTrades, d.RapidFireCount)
	}
	if d.WashMaxNetFraction < 0 || d.WashMaxNetFraction >= fpmath.One {
		return fmt.Errorf("%w: wash_max_net_fraction must be in [0, 1), got %s", ErrInvalidParams, d.WashMaxNetFraction)
	}
	if d.PriceVelocityLimit <= 0 || d.PriceVelocityLimit >= fpmath.One {
		return fmt.Errorf("%w: price_velocity_limit must be in (0, 1), got %s", ErrInvalidParams, d.PriceVelocityLimit)
	}
	if p.Breaker.HaltDuration <= 0 {
		return fmt.Errorf("%w: halt_duration must be > 0", ErrInvalidParams)
	}
	if p.Breaker.CooldownDuration < 0 {
		return fmt.Errorf("%w: cooldown_duration must be >= 0", ErrInvalidParams)
	}
	if p.CascadeThreshold < 0 {
		return fmt.Errorf("%w: cascade_threshold must be >= 0", ErrInvalidParams)
	}
	return nil
}

// ParamsManager keeps the active params per market.
type ParamsManager struct {
	mu       sync.RWMutex
	params   map[string]Params
	defaults Params
}

func NewParamsManager(defaults Params) *ParamsManager {
	return &ParamsManager{params: make(map[string]Params), defaults: defaults}
}

// Get returns the params for marketID, falling back to the defaults.
func (m *ParamsManager) Get(marketID string) Params {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if p, ok := m.params[marketID]; ok {
		return p
	}
	p := m.defaults
	p.MarketID = marketID
	return p
}

func (m *ParamsManager) Update(p Params) error {
	if err := ValidateParams(p); err != nil {
		return fmt.Errorf("invalid risk params for %s: %w", p.MarketID, err)
	}
	m.mu.Lock()
	m.params[p.MarketID] = p
	m.mu.Unlock()
	return nil
}
