package math

import (
	"errors"
	"math/big"
	"sync"
)

// Fixed is a signed fixed-point number with Precision fractional decimal
// digits. The raw int64 is the value in ULPs (1 ULP = 10^-Precision).
type Fixed int64

const (
	Precision = 9
	Scale     = int64(1_000_000_000)

	Zero Fixed = 0
	ULP  Fixed = 1
	One  Fixed = Fixed(Scale)
	Half Fixed = Fixed(Scale / 2)

	MaxFixed Fixed = Fixed(1<<63 - 1)
	MinFixed Fixed = Fixed(-1 << 63)

	// BasisPoints is the denominator for bps-denominated rates.
	BasisPoints = int64(10_000)
)

var (
	ErrArithmeticOverflow = errors.New("arithmetic overflow")
	ErrDivisionByZero     = errors.New("division by zero")
	ErrDomain             = errors.New("argument outside function domain")
)

type RoundingMode int

const (
	RoundHalfEven RoundingMode = iota // Banker's rounding (default)
	RoundDown                         // toward -inf
	RoundUp                           // toward +inf
)

func (m RoundingMode) String() string {
	switch m {
	case RoundHalfEven:
		return "half_even"
	case RoundDown:
		return "down"
	case RoundUp:
		return "up"
	default:
		return "unknown"
	}
}

// wide is a pooled big.Int for intermediate calculations
var widePool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getWide() *big.Int {
	return widePool.Get().(*big.Int)
}

func putWide(v *big.Int) {
	v.SetInt64(0) // Clear before returning to pool
	widePool.Put(v)
}

// FromInt converts a whole number into Fixed.
func FromInt(n int64) (Fixed, error) {
	return MulDiv(n, Scale, 1, RoundDown)
}

// MustFromInt is FromInt for constants known to fit.
func MustFromInt(n int64) Fixed {
	f, err := FromInt(n)
	if err != nil {
		panic(err)
	}
	return f
}

// FromRatio returns num/den as Fixed.
func FromRatio(num, den int64, mode RoundingMode) (Fixed, error) {
	return MulDiv(num, Scale, den, mode)
}

// MulDiv computes a*b/c with a 128-bit-or-wider intermediate.
func MulDiv(a, b, c int64, mode RoundingMode) (Fixed, error) {
	num := getWide()
	defer putWide(num)
	num.SetInt64(a)
	bb := getWide()
	defer putWide(bb)
	num.Mul(num, bb.SetInt64(b))
	return DivideWide(num, big.NewInt(c), mode)
}

// DivideWide performs numerator / denominator with rounding and checks the
// quotient fits the Fixed range.
func DivideWide(numerator, denominator *big.Int, mode RoundingMode) (Fixed, error) {
	q, err := divRound(numerator, denominator, mode)
	if err != nil {
		return 0, err
	}
	defer putWide(q)
	if !q.IsInt64() {
		return 0, ErrArithmeticOverflow
	}
	return Fixed(q.Int64()), nil
}

// divRound returns a pooled quotient; callers must putWide it.
func divRound(numerator, denominator *big.Int, mode RoundingMode) (*big.Int, error) {
	if denominator.Sign() == 0 {
		return nil, ErrDivisionByZero
	}
	num := getWide().Set(numerator)
	den := getWide().Set(denominator)
	defer putWide(num)
	defer putWide(den)
	if den.Sign() < 0 {
		num.Neg(num)
		den.Neg(den)
	}

	quotient := getWide()
	remainder := getWide()
	defer putWide(remainder)

	// Euclidean division: 0 <= remainder < den, so quotient is the floor.
	quotient.DivMod(num, den, remainder)
	if remainder.Sign() == 0 {
		return quotient, nil
	}

	switch mode {
	case RoundUp:
		quotient.Add(quotient, big.NewInt(1))
	case RoundHalfEven:
		twice := getWide()
		defer putWide(twice)
		twice.Lsh(remainder, 1)
		cmp := twice.Cmp(den)
		if cmp > 0 || (cmp == 0 && quotient.Bit(0) == 1) {
			quotient.Add(quotient, big.NewInt(1))
		}
	}
	return quotient, nil
}

func (a Fixed) Add(b Fixed) (Fixed, error) {
	c := a + b
	if (c > a) != (b > 0) {
		return 0, ErrArithmeticOverflow
	}
	return c, nil
}

func (a Fixed) Sub(b Fixed) (Fixed, error) {
	c := a - b
	if (c < a) != (b > 0) {
		return 0, ErrArithmeticOverflow
	}
	return c, nil
}

// Mul returns a*b rounded per mode.
func (a Fixed) Mul(b Fixed, mode RoundingMode) (Fixed, error) {
	return MulDiv(int64(a), int64(b), Scale, mode)
}

// Div returns a/b rounded per mode.
func (a Fixed) Div(b Fixed, mode RoundingMode) (Fixed, error) {
	if b == 0 {
		return 0, ErrDivisionByZero
	}
	return MulDiv(int64(a), Scale, int64(b), mode)
}

// MulBps returns a*bps/10000 rounded per mode.
func (a Fixed) MulBps(bps int64, mode RoundingMode) (Fixed, error) {
	return MulDiv(int64(a), bps, BasisPoints, mode)
}

func (a Fixed) Neg() (Fixed, error) {
	if a == MinFixed {
		return 0, ErrArithmeticOverflow
	}
	return -a, nil
}

func (a Fixed) Abs() (Fixed, error) {
	if a < 0 {
		return a.Neg()
	}
	return a, nil
}

// SatAdd adds with saturation at the Fixed bounds. Fee accumulation only.
func (a Fixed) SatAdd(b Fixed) Fixed {
	c, err := a.Add(b)
	if err != nil {
		if b > 0 {
			return MaxFixed
		}
		return MinFixed
	}
	return c
}

// SatSub subtracts with saturation at the Fixed bounds.
func (a Fixed) SatSub(b Fixed) Fixed {
	c, err := a.Sub(b)
	if err != nil {
		if b > 0 {
			return MinFixed
		}
		return MaxFixed
	}
	return c
}

func (a Fixed) Sign() int {
	switch {
	case a > 0:
		return 1
	case a < 0:
		return -1
	default:
		return 0
	}
}

// Raw returns the value in ULPs.
func (a Fixed) Raw() int64 { return int64(a) }

// Big returns the ULP value as a new big.Int.
func (a Fixed) Big() *big.Int { return big.NewInt(int64(a)) }

// Sum adds all values, failing on overflow.
func Sum(values []Fixed) (Fixed, error) {
	var total Fixed
	for _, v := range values {
		var err error
		if total, err = total.Add(v); err != nil {
			return 0, err
		}
	}
	return total, nil
}

func Min(a, b Fixed) Fixed {
	if a < b {
		return a
	}
	return b
}

func Max(a, b Fixed) Fixed {
	if a > b {
		return a
	}
	return b
}
