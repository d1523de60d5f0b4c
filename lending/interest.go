package lending

import "math/big"

// InterestModel encapsulates the jump-rate curve parameters that shape how
// borrow pricing reacts to pool utilization. All parameters are exact
// rationals derived from basis points; floating point never enters the
// computation.
type InterestModel struct {
	// BaseRate is the minimum borrow APR applied at zero utilization.
	BaseRate *big.Rat
	// Slope1 is the borrow APR increase per unit of utilization up to the
	// kink point.
	Slope1 *big.Rat
	// Slope2 governs the additional APR increase applied when utilization
	// exceeds the kink point.
	Slope2 *big.Rat
	// Kink represents the utilization ratio where the borrow rate slope
	// changes to defend pool liquidity.
	Kink *big.Rat
}

// NewInterestModel constructs an interest model from basis-point inputs, e.g.
// a 2% base rate is expressed as 200 and an 80% kink utilization as 8000.
func NewInterestModel(baseRateBps, slope1Bps, slope2Bps, kinkBps uint64) *InterestModel {
	return &InterestModel{
		BaseRate: bpsRat(baseRateBps),
		Slope1:   bpsRat(slope1Bps),
		Slope2:   bpsRat(slope2Bps),
		Kink:     bpsRat(kinkBps),
	}
}

// Clone returns a deep copy of the interest model.
func (m *InterestModel) Clone() *InterestModel {
	if m == nil {
		return nil
	}
	return &InterestModel{
		BaseRate: cloneRat(m.BaseRate),
		Slope1:   cloneRat(m.Slope1),
		Slope2:   cloneRat(m.Slope2),
		Kink:     cloneRat(m.Kink),
	}
}

// Utilization computes U = totalBorrow / totalSupply clamped to [0, 1]. When
// no liquidity exists the utilization is defined as zero.
func Utilization(totalBorrow, totalSupply *big.Int) *big.Rat {
	if totalBorrow == nil || totalBorrow.Sign() <= 0 {
		return new(big.Rat)
	}
	if totalSupply == nil || totalSupply.Sign() <= 0 {
		return new(big.Rat)
	}
	u := new(big.Rat).SetFrac(totalBorrow, totalSupply)
	one := big.NewRat(1, 1)
	if u.Cmp(one) > 0 {
		return one
	}
	return u
}

// BorrowAPR derives the borrow APR for the given utilization. The curve is
// continuous at the kink: the linear region evaluated at the kink equals the
// post-kink intercept.
func (m *InterestModel) BorrowAPR(utilization *big.Rat) *big.Rat {
	if m == nil {
		return new(big.Rat)
	}
	rate := cloneRat(m.BaseRate)
	u := cloneRat(utilization)
	if u.Sign() <= 0 {
		return rate
	}
	kink := cloneRat(m.Kink)
	if kink.Sign() == 0 || u.Cmp(kink) <= 0 {
		return rate.Add(rate, new(big.Rat).Mul(cloneRat(m.Slope1), u))
	}
	rate.Add(rate, new(big.Rat).Mul(cloneRat(m.Slope1), kink))
	excess := new(big.Rat).Sub(u, kink)
	return rate.Add(rate, new(big.Rat).Mul(cloneRat(m.Slope2), excess))
}

// SupplyAPR derives the supplier-side rate from the borrow APR, utilization
// and the reserve factor (basis points) skimmed into protocol reserves.
func (m *InterestModel) SupplyAPR(borrowAPR, utilization *big.Rat, reserveFactorBps uint64) *big.Rat {
	if borrowAPR == nil || borrowAPR.Sign() <= 0 || utilization == nil || utilization.Sign() <= 0 {
		return new(big.Rat)
	}
	rate := new(big.Rat).Mul(borrowAPR, utilization)
	return rate.Mul(rate, oneMinusBps(reserveFactorBps))
}

// EffectiveBorrowAPR applies a credit-tier discount to a base borrow rate:
// rate * (1 - discountBps/10000). The discount is resolved from the
// borrower's assessment at position-open time and frozen for the position's
// lifetime; tier changes never retroactively reprice open debt.
func EffectiveBorrowAPR(baseRate *big.Rat, discountBps uint64) *big.Rat {
	if baseRate == nil || baseRate.Sign() <= 0 {
		return new(big.Rat)
	}
	return new(big.Rat).Mul(baseRate, oneMinusBps(discountBps))
}
