package lending

import "math/big"

var (
	basisPoints = big.NewInt(10_000)
	ray         = mustBigInt("1000000000000000000000000000") // 1e27 precision
	two         = big.NewInt(2)
	six         = big.NewInt(6)
)

const secondsPerYear = 31_536_000

func mustBigInt(value string) *big.Int {
	v, ok := new(big.Int).SetString(value, 10)
	if !ok {
		panic("invalid big integer constant")
	}
	return v
}

// rayMul multiplies two ray-scaled values. The result is truncated toward
// zero so that neither the protocol nor the user is credited with value that
// was never accrued.
func rayMul(a, b *big.Int) *big.Int {
	if a == nil || b == nil {
		return big.NewInt(0)
	}
	product := new(big.Int).Mul(a, b)
	return product.Quo(product, ray)
}

// rayDiv divides two ray-scaled values, truncating toward zero.
func rayDiv(a, b *big.Int) *big.Int {
	if a == nil || b == nil || b.Sign() == 0 {
		return big.NewInt(0)
	}
	numerator := new(big.Int).Mul(a, ray)
	return numerator.Quo(numerator, b)
}

// ratToRay converts a rational value into ray fixed point, truncating any
// precision beyond 27 decimals.
func ratToRay(r *big.Rat) *big.Int {
	if r == nil || r.Sign() <= 0 {
		return big.NewInt(0)
	}
	scaled := new(big.Rat).Mul(r, new(big.Rat).SetInt(ray))
	return new(big.Int).Quo(scaled.Num(), scaled.Denom())
}

// compoundFactor returns the ray-scaled growth factor for an annual rate
// compounded per second over the elapsed interval. The per-second rate
// r = rate/secondsPerYear is expanded binomially:
//
//	(1+r)^n ~= 1 + n*r + n(n-1)/2 * r^2 + n(n-1)(n-2)/6 * r^3
//
// Truncation after the cubic term keeps the computation deterministic across
// platforms. The omitted remainder is below (n*r)^4/24, which for rates under
// 100% APR and intervals up to a year stays beneath 1e-9 of the factor.
func compoundFactor(annualRate *big.Rat, elapsed uint64) *big.Int {
	factor := new(big.Int).Set(ray)
	if annualRate == nil || annualRate.Sign() <= 0 || elapsed == 0 {
		return factor
	}
	perSecond := new(big.Rat).Quo(annualRate, new(big.Rat).SetUint64(secondsPerYear))
	rate := ratToRay(perSecond)
	if rate.Sign() == 0 {
		// Sub-ray per-second rates still accrue over the full interval.
		total := new(big.Rat).Mul(perSecond, new(big.Rat).SetUint64(elapsed))
		return factor.Add(factor, ratToRay(total))
	}

	n := new(big.Int).SetUint64(elapsed)
	linear := new(big.Int).Mul(n, rate)
	factor.Add(factor, linear)

	if elapsed >= 2 {
		nMinusOne := new(big.Int).Sub(n, big.NewInt(1))
		quad := rayMul(rate, rate)
		quad.Mul(quad, n)
		quad.Mul(quad, nMinusOne)
		quad.Quo(quad, two)
		factor.Add(factor, quad)

		if elapsed >= 3 {
			nMinusTwo := new(big.Int).Sub(n, two)
			cubic := rayMul(rayMul(rate, rate), rate)
			cubic.Mul(cubic, n)
			cubic.Mul(cubic, nMinusOne)
			cubic.Mul(cubic, nMinusTwo)
			cubic.Quo(cubic, six)
			factor.Add(factor, cubic)
		}
	}
	return factor
}

// bpsRat converts basis points into an exact rational fraction.
func bpsRat(bps uint64) *big.Rat {
	return new(big.Rat).SetFrac(new(big.Int).SetUint64(bps), basisPoints)
}

// oneMinusBps returns (1 - bps/10000), floored at zero.
func oneMinusBps(bps uint64) *big.Rat {
	if bps >= 10_000 {
		return new(big.Rat)
	}
	return new(big.Rat).SetFrac(new(big.Int).SetUint64(10_000-bps), basisPoints)
}

// mulBpsFloor applies a basis-point fraction to an amount, rounding down.
func mulBpsFloor(amount *big.Int, bps uint64) *big.Int {
	if amount == nil || amount.Sign() <= 0 || bps == 0 {
		return big.NewInt(0)
	}
	out := new(big.Int).Mul(amount, new(big.Int).SetUint64(bps))
	return out.Quo(out, basisPoints)
}

// ratMulInt scales an integer amount by a rational factor, rounding down.
func ratMulInt(amount *big.Int, factor *big.Rat) *big.Int {
	if amount == nil || amount.Sign() == 0 || factor == nil || factor.Sign() <= 0 {
		return big.NewInt(0)
	}
	scaled := new(big.Rat).Mul(new(big.Rat).SetInt(amount), factor)
	return new(big.Int).Quo(scaled.Num(), scaled.Denom())
}

// ratToInt floors a rational value to an integer.
func ratToInt(r *big.Rat) *big.Int {
	if r == nil || r.Sign() <= 0 {
		return big.NewInt(0)
	}
	return new(big.Int).Quo(r.Num(), r.Denom())
}

// ratDivIntRat divides one rational value by another and floors the result to
// integer units.
func ratDivIntRat(value, divisor *big.Rat) *big.Int {
	if value == nil || value.Sign() <= 0 || divisor == nil || divisor.Sign() <= 0 {
		return big.NewInt(0)
	}
	return ratToInt(new(big.Rat).Quo(value, divisor))
}

func cloneInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

func cloneRat(r *big.Rat) *big.Rat {
	if r == nil {
		return new(big.Rat)
	}
	return new(big.Rat).Set(r)
}
