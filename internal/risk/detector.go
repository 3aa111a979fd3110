package risk

import (
	"time"

	fpmath "PredictCore/internal/math"
)

type Pattern uint8

const (
	PatternFlashLoan Pattern = iota + 1
	PatternWashTrade
	PatternRapidFire
	PatternPriceVelocity
)

func (p Pattern) String() string {
	switch p {
	case PatternFlashLoan:
		return "flash_loan"
	case PatternWashTrade:
		return "wash_trade"
	case PatternRapidFire:
		return "rapid_fire"
	case PatternPriceVelocity:
		return "price_velocity"
	default:
		return "unknown"
	}
}

type Severity uint8

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

// Points is the score contribution of one finding.
func (s Severity) Points() int64 {
	switch s {
	case SeverityLow:
		return 10
	case SeverityMedium:
		return 25
	case SeverityHigh:
		return 50
	default:
		return 100
	}
}

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	default:
		return "critical"
	}
}

type DetectorConfig struct {
	WindowDuration time.Duration
	WindowTrades   int
	TripThreshold  int64

	// Sizes are fractions of the market liquidity parameter b.
	FlashLoanMinFraction fpmath.Fixed
	RapidFireMinFraction fpmath.Fixed
	RapidFireCount       int

	// WashMaxNetFraction bounds |net position change| relative to the
	// closing trade size for a pair to count as a wash.
	WashMaxNetFraction fpmath.Fixed

	// PriceVelocityLimit is the largest single-trade probability move.
	PriceVelocityLimit fpmath.Fixed
}

func DefaultDetectorConfig() DetectorConfig {
	return DetectorConfig{
		WindowDuration:       5 * time.Minute,
		WindowTrades:         256,
		TripThreshold:        400,
		FlashLoanMinFraction: fpmath.MustParseFixed("0.10"),
		RapidFireMinFraction: fpmath.MustParseFixed("0.05"),
		RapidFireCount:       4,
		WashMaxNetFraction:   fpmath.MustParseFixed("0.05"),
		PriceVelocityLimit:   fpmath.MustParseFixed("0.10"),
	}
}

// Observation is a priced trade presented to the detector.
type Observation struct {
	Account    string
	Outcome    int
	Quantity   fpmath.Fixed
	ProbBefore fpmath.Fixed
	ProbAfter  fpmath.Fixed
	BatchID    uint64
	At         time.Time
}

type Finding struct {
	Pattern  Pattern
	Severity Severity
	Account  string
	At       time.Time
}

// Assessment is the detector verdict for one observation. Score includes
// the new findings.
type Assessment struct {
	Findings []Finding
	Score    int64
	Trip     bool
}

// Window is the sliding trade and finding history of one market.
type Window struct {
	trades   []Observation
	findings []Finding
}

func NewWindow() *Window { return &Window{} }

func (w *Window) Clone() *Window {
	return &Window{
		trades:   append([]Observation(nil), w.trades...),
		findings: append([]Finding(nil), w.findings...),
	}
}

// Score sums findings inside the window ending at now.
func (w *Window) Score(now time.Time, cfg DetectorConfig) int64 {
	cutoff := now.Add(-cfg.WindowDuration)
	var score int64
	for _, f := range w.findings {
		if !f.At.Before(cutoff) {
			score += f.Severity.Points()
		}
	}
	return score
}

// Detector scores trades for manipulation patterns. It holds no market
// state; callers pass each market's Window.
type Detector struct {
	cfg DetectorConfig
}

func NewDetector(cfg DetectorConfig) *Detector { return &Detector{cfg: cfg} }

func (d *Detector) Config() DetectorConfig { return d.cfg }

// Assess evaluates obs against w without modifying it.
func (d *Detector) Assess(w *Window, obs Observation, liquidity fpmath.Fixed) (Assessment, error) {
	flashMin, err := liquidity.Mul(d.cfg.FlashLoanMinFraction, fpmath.RoundUp)
	if err != nil {
		return Assessment{}, err
	}
	rapidMin, err := liquidity.Mul(d.cfg.RapidFireMinFraction, fpmath.RoundUp)
	if err != nil {
		return Assessment{}, err
	}

	cutoff := obs.At.Add(-d.cfg.WindowDuration)
	var history []Observation
	for _, t := range w.trades {
		if t.Account == obs.Account && t.Outcome == obs.Outcome && !t.At.Before(cutoff) {
			history = append(history, t)
		}
	}

	var findings []Finding
	add := func(p Pattern, s Severity) {
		findings = append(findings, Finding{Pattern: p, Severity: s, Account: obs.Account, At: obs.At})
	}

	size := absOf(obs.Quantity)
	switch {
	case d.isFlashLoan(history, obs, size, flashMin):
		add(PatternFlashLoan, SeverityCritical)
	case d.isWash(history, obs, size):
		add(PatternWashTrade, SeverityHigh)
	case d.isRapidFire(history, obs, size, rapidMin):
		add(PatternRapidFire, SeverityHigh)
	}

	if move := absOf(obs.ProbAfter - obs.ProbBefore); move > d.cfg.PriceVelocityLimit {
		add(PatternPriceVelocity, SeverityHigh)
	}

	a := Assessment{Findings: findings, Score: w.Score(obs.At, d.cfg)}
	for _, f := range findings {
		a.Score += f.Severity.Points()
	}
	a.Trip = len(findings) > 0 && a.Score > d.cfg.TripThreshold
	return a, nil
}

// isFlashLoan: the trade unwinds, inside the same batch, a position of at
// least flashMin the account opened in that batch.
func (d *Detector) isFlashLoan(history []Observation, obs Observation, size, flashMin fpmath.Fixed) bool {
	if size < flashMin {
		return false
	}
	var net fpmath.Fixed
	for _, t := range history {
		if t.BatchID == obs.BatchID {
			net += t.Quantity
		}
	}
	return net != 0 && net.Sign() != obs.Quantity.Sign() && absOf(net) >= flashMin
}

// isWash: an opposite trade from an earlier batch inside the window leaves
// the account's net change on the outcome near zero.
func (d *Detector) isWash(history []Observation, obs Observation, size fpmath.Fixed) bool {
	opposite := false
	net := obs.Quantity
	for _, t := range history {
		net += t.Quantity
		if t.BatchID != obs.BatchID && t.Quantity.Sign() == -obs.Quantity.Sign() {
			opposite = true
		}
	}
	if !opposite {
		return false
	}
	limit, err := size.Mul(d.cfg.WashMaxNetFraction, fpmath.RoundDown)
	if err != nil {
		return false
	}
	return absOf(net) <= limit
}

// isRapidFire: the last RapidFireCount trades, each from a different
// batch, are all at least rapidMin and alternate in direction.
func (d *Detector) isRapidFire(history []Observation, obs Observation, size, rapidMin fpmath.Fixed) bool {
	if size < rapidMin {
		return false
	}
	seq := []Observation{obs}
	lastBatch := obs.BatchID
	for i := len(history) - 1; i >= 0 && len(seq) < d.cfg.RapidFireCount; i-- {
		t := history[i]
		if t.BatchID == lastBatch {
			continue
		}
		seq = append(seq, t)
		lastBatch = t.BatchID
	}
	if len(seq) < d.cfg.RapidFireCount {
		return false
	}
	for i := 1; i < len(seq); i++ {
		if absOf(seq[i].Quantity) < rapidMin || seq[i].Quantity.Sign() == seq[i-1].Quantity.Sign() {
			return false
		}
	}
	return true
}

// Record appends the assessment to w. Executed trades join the trade
// history; findings are kept either way so a rejected trade still counts.
func (d *Detector) Record(w *Window, obs Observation, a Assessment, executed bool) {
	if executed {
		w.trades = append(w.trades, obs)
	}
	w.findings = append(w.findings, a.Findings...)
	d.prune(w, obs.At)
}

func (d *Detector) prune(w *Window, now time.Time) {
	cutoff := now.Add(-d.cfg.WindowDuration)
	i := 0
	for i < len(w.trades) && w.trades[i].At.Before(cutoff) {
		i++
	}
	if extra := len(w.trades) - i - d.cfg.WindowTrades; extra > 0 {
		i += extra
	}
	if i > 0 {
		w.trades = append(w.trades[:0], w.trades[i:]...)
	}

	j := 0
	for j < len(w.findings) && w.findings[j].At.Before(cutoff) {
		j++
	}
	if j > 0 {
		w.findings = append(w.findings[:0], w.findings[j:]...)
	}
}
