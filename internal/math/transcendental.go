package math

import (
	"math/big"
)

// Exp and Ln are evaluated on a 27-digit integer grid (wideScale) and only
// rounded once, on the way back to Fixed. No floating point is involved, so
// results are bit-identical on every platform.

const (
	wideExtraDigits = 18

	// e^23 exceeds MaxFixed; e^-25 is below half a ULP.
	maxExpArg = Fixed(23 * Scale)
	minExpArg = Fixed(-25 * Scale)

	maxSeriesTerms = 96
)

var (
	wideScale = new(big.Int).Exp(big.NewInt(10), big.NewInt(Precision+wideExtraDigits), nil)
	wideLift  = new(big.Int).Exp(big.NewInt(10), big.NewInt(wideExtraDigits), nil)

	// ln(2) * 10^27, truncated.
	wideLn2, _ = new(big.Int).SetString("693147180559945309417232121", 10)
)

// Exp returns e^x rounded half-even.
func Exp(x Fixed) (Fixed, error) {
	return ExpRound(x, RoundHalfEven)
}

// ExpRound returns e^x rounded per mode.
func ExpRound(x Fixed, mode RoundingMode) (Fixed, error) {
	if x > maxExpArg {
		return 0, ErrArithmeticOverflow
	}
	if x < minExpArg {
		if mode == RoundUp {
			return ULP, nil
		}
		return 0, nil
	}

	// x = k*ln2 + r, |r| <= ln2/2
	wx := new(big.Int).Mul(big.NewInt(int64(x)), wideLift)
	k, err := divRound(wx, wideLn2, RoundHalfEven)
	if err != nil {
		return 0, err
	}
	defer putWide(k)
	r := new(big.Int).Mul(k, wideLn2)
	r.Sub(wx, r)

	num := expSeries(r)
	den := new(big.Int).Set(wideLift)
	shift := k.Int64()
	if shift >= 0 {
		num.Lsh(num, uint(shift))
	} else {
		den.Lsh(den, uint(-shift))
	}
	return DivideWide(num, den, mode)
}

// expSeries evaluates the Taylor series of e^r for a small wide-scaled r.
func expSeries(r *big.Int) *big.Int {
	sum := new(big.Int).Set(wideScale)
	term := new(big.Int).Set(wideScale)
	div := new(big.Int)
	for i := int64(1); i <= maxSeriesTerms; i++ {
		term.Mul(term, r)
		div.Mul(wideScale, big.NewInt(i))
		term.Quo(term, div)
		if term.Sign() == 0 {
			break
		}
		sum.Add(sum, term)
	}
	return sum
}

// Ln returns the natural logarithm of x rounded half-even.
func Ln(x Fixed) (Fixed, error) {
	return LnRound(x, RoundHalfEven)
}

// LnRound returns ln(x) rounded per mode. x must be positive.
func LnRound(x Fixed, mode RoundingMode) (Fixed, error) {
	if x <= 0 {
		return 0, ErrDomain
	}
	wx := new(big.Int).Mul(big.NewInt(int64(x)), wideLift)
	return lnWide(wx, mode)
}

// LnRatio returns ln(num/den) for positive ULP values without rounding the
// ratio first.
func LnRatio(num, den *big.Int, mode RoundingMode) (Fixed, error) {
	if num.Sign() <= 0 || den.Sign() <= 0 {
		return 0, ErrDomain
	}
	wx := new(big.Int).Mul(num, wideScale)
	wx.Quo(wx, den)
	if wx.Sign() == 0 {
		return 0, ErrArithmeticOverflow
	}
	return lnWide(wx, mode)
}

// lnWide takes a wide-scaled positive argument.
func lnWide(wx *big.Int, mode RoundingMode) (Fixed, error) {
	// wx = m * 2^k with m in [1, 2)
	k := wx.BitLen() - wideScale.BitLen()
	m := new(big.Int)
	if k >= 0 {
		m.Rsh(wx, uint(k))
	} else {
		m.Lsh(wx, uint(-k))
	}
	two := new(big.Int).Lsh(wideScale, 1)
	for m.Cmp(wideScale) < 0 {
		m.Lsh(m, 1)
		k--
	}
	for m.Cmp(two) >= 0 {
		m.Rsh(m, 1)
		k++
	}

	// ln(m) = 2 * atanh(z), z = (m-1)/(m+1) in [0, 1/3)
	z := new(big.Int).Sub(m, wideScale)
	z.Mul(z, wideScale)
	z.Quo(z, new(big.Int).Add(m, wideScale))
	z2 := new(big.Int).Mul(z, z)
	z2.Quo(z2, wideScale)

	sum := new(big.Int)
	term := new(big.Int).Set(z)
	part := new(big.Int)
	for i := int64(1); i <= 2*maxSeriesTerms; i += 2 {
		part.Quo(term, big.NewInt(i))
		if part.Sign() == 0 {
			break
		}
		sum.Add(sum, part)
		term.Mul(term, z2)
		term.Quo(term, wideScale)
	}
	sum.Lsh(sum, 1)

	result := new(big.Int).Mul(big.NewInt(int64(k)), wideLn2)
	result.Add(result, sum)
	return DivideWide(result, wideLift, mode)
}
