package risk

import (
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto"

	fpmath "PredictCore/internal/math"
	"PredictCore/internal/observability"
)

var ErrUnknownTier = errors.New("unknown leverage tier")

// Tier is an account's leverage tier. MarginCap bounds IM/equity.
type Tier struct {
	Name       string
	MarginCap  fpmath.Fixed
	IMFraction fpmath.Fixed
	MMFraction fpmath.Fixed
}

func (t Tier) Validate() error {
	if t.MarginCap <= 0 {
		return fmt.Errorf("%w: tier %q margin_cap must be > 0", ErrInvalidParams, t.Name)
	}
	if t.MMFraction <= 0 {
		return fmt.Errorf("%w: tier %q mm_fraction must be > 0", ErrInvalidParams, t.Name)
	}
	if t.IMFraction <= t.MMFraction {
		return fmt.Errorf("%w: tier %q im_fraction (%s) must be > mm_fraction (%s)", ErrInvalidParams, t.Name, t.IMFraction, t.MMFraction)
	}
	if t.IMFraction > fpmath.One {
		return fmt.Errorf("%w: tier %q im_fraction must be <= 1", ErrInvalidParams, t.Name)
	}
	return nil
}

// TierProvider resolves an account's leverage tier.
type TierProvider interface {
	Tier(account string) (Tier, error)
}

// StandardTier is 10% initial, 5% maintenance, capped at full utilization.
var StandardTier = Tier{
	Name:       "standard",
	MarginCap:  fpmath.One,
	IMFraction: fpmath.MustParseFixed("0.10"),
	MMFraction: fpmath.MustParseFixed("0.05"),
}

// StaticTiers serves tiers from a fixed table.
type StaticTiers struct {
	Default   Tier
	ByAccount map[string]Tier
}

func (s StaticTiers) Tier(account string) (Tier, error) {
	if t, ok := s.ByAccount[account]; ok {
		return t, nil
	}
	if s.Default.Name == "" {
		return Tier{}, fmt.Errorf("%w: account %s", ErrUnknownTier, account)
	}
	return s.Default, nil
}

// TierCache fronts a TierProvider with a TTL cache.
type TierCache struct {
	provider TierProvider
	cache    *ristretto.Cache
	ttl      time.Duration
	metrics  *observability.Metrics
}

func NewTierCache(provider TierProvider, maxEntries int64, ttl time.Duration, metrics *observability.Metrics) (*TierCache, error) {
	if maxEntries <= 0 {
		return nil, fmt.Errorf("tier cache max entries must be > 0")
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: maxEntries * 10,
		MaxCost:     maxEntries,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create tier cache: %w", err)
	}
	return &TierCache{provider: provider, cache: cache, ttl: ttl, metrics: metrics}, nil
}

func (c *TierCache) Tier(account string) (Tier, error) {
	if v, ok := c.cache.Get(account); ok {
		if c.metrics != nil {
			c.metrics.TierCacheHits.Inc()
		}
		return v.(Tier), nil
	}
	if c.metrics != nil {
		c.metrics.TierCacheMisses.Inc()
	}
	t, err := c.provider.Tier(account)
	if err != nil {
		return Tier{}, err
	}
	c.cache.SetWithTTL(account, t, 1, c.ttl)
	return t, nil
}

// Invalidate drops a cached tier, e.g. after a tier change upstream.
func (c *TierCache) Invalidate(account string) {
	c.cache.Del(account)
}

// Wait blocks until buffered writes are applied.
func (c *TierCache) Wait() { c.cache.Wait() }

func (c *TierCache) Close() { c.cache.Close() }
